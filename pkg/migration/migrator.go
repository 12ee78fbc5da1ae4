// Package migration rewrites legacy issue alert rules into workflow graphs.
//
// A migration runs either as a dry run, which translates and validates
// everything, fails on the first problem and writes nothing, or as a commit,
// which persists the graph in one transaction and skips individual
// conditions that fail. The default error detector of the project is
// provisioned in its own narrower transaction before the commit starts.
package migration

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/primaryrutabaga/rule-migrator/pkg/actions"
	"github.com/primaryrutabaga/rule-migrator/pkg/conditions"
	"github.com/primaryrutabaga/rule-migrator/pkg/detector"
	"github.com/primaryrutabaga/rule-migrator/pkg/lock"
	"github.com/primaryrutabaga/rule-migrator/pkg/metrics"
	"github.com/primaryrutabaga/rule-migrator/pkg/schemas"
	"github.com/primaryrutabaga/rule-migrator/pkg/store"
	"github.com/primaryrutabaga/rule-migrator/pkg/workflow"
)

// Options select the mode of one migration.
type Options struct {
	DryRun bool
	// CreateActions attaches the rule's actions. Ignored in dry runs.
	CreateActions bool
	// UserID is recorded as the workflow creator.
	UserID *int64
}

// SkippedCondition is a condition left out of a committed workflow.
type SkippedCondition struct {
	Group  string `json:"group"`
	Index  int    `json:"index"`
	SpecID string `json:"spec_id"`
	Reason string `json:"reason"`
}

// Result is the migrated graph. In dry runs nothing in it has an ID and the
// detector may be a transient placeholder.
type Result struct {
	Workflow *workflow.Workflow `json:"workflow"`
	Detector *workflow.Detector `json:"detector,omitempty"`
	Skipped  []SkippedCondition `json:"skipped,omitempty"`
}

// Migrator runs migrations. It is safe for concurrent use.
type Migrator struct {
	store     store.Store
	detectors *detector.Provisioner
	registry  *conditions.Registry
	actions   *actions.Builder
	logger    *log.Logger
}

// Option configures a Migrator.
type Option func(*config)

type config struct {
	registry    *conditions.Registry
	actions     *actions.Builder
	logger      *log.Logger
	lockTimeout time.Duration
}

// WithRegistry replaces the default condition registry.
func WithRegistry(r *conditions.Registry) Option {
	return func(c *config) { c.registry = r }
}

// WithActionBuilder replaces the default action builder.
func WithActionBuilder(b *actions.Builder) Option {
	return func(c *config) { c.actions = b }
}

// WithLogger sets the logger used for skipped conditions and actions.
func WithLogger(l *log.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithLockTimeout bounds detector lock acquisition.
func WithLockTimeout(d time.Duration) Option {
	return func(c *config) { c.lockTimeout = d }
}

// New returns a Migrator writing to s and guarding detector creation with l.
func New(s store.Store, l lock.Locker, opts ...Option) *Migrator {
	cfg := config{lockTimeout: lock.DefaultTimeout}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = log.Default()
	}
	if cfg.registry == nil {
		cfg.registry = conditions.Default()
	}
	if cfg.actions == nil {
		cfg.actions = actions.NewBuilder(cfg.logger)
	}
	return &Migrator{
		store:     s,
		detectors: detector.NewProvisioner(s, l, cfg.lockTimeout, cfg.logger),
		registry:  cfg.registry,
		actions:   cfg.actions,
		logger:    cfg.logger,
	}
}

// Migrate converts one rule. Errors are ErrAlreadyMigrated,
// ErrNoTriggerConditions, *ValidationError, lock.ErrUnavailable (see
// IsRetryable) or store failures.
func (m *Migrator) Migrate(ctx context.Context, rule *schemas.Rule, opts Options) (*Result, error) {
	start := time.Now()
	mode := metrics.Mode(opts.DryRun)
	res, err := m.migrate(ctx, rule, opts)
	metrics.MigrationDuration.WithLabelValues(mode).Observe(time.Since(start).Seconds())
	metrics.Migrations.WithLabelValues(mode, Outcome(err)).Inc()
	return res, err
}

func (m *Migrator) migrate(ctx context.Context, rule *schemas.Rule, opts Options) (*Result, error) {
	d, err := m.resolveDetector(ctx, rule, opts.DryRun)
	if err != nil {
		return nil, err
	}

	if opts.DryRun {
		return m.build(ctx, dryRun{Reader: m.store}, rule, d, opts)
	}

	var res *Result
	err = m.store.Atomic(ctx, func(tx store.Tx) error {
		var err error
		res, err = m.build(ctx, txPersister{Tx: tx}, rule, d, opts)
		return err
	})
	if err != nil {
		if errors.Is(err, store.ErrConflict) && !errors.Is(err, ErrAlreadyMigrated) {
			err = fmt.Errorf("%w: rule %d: %w", ErrAlreadyMigrated, rule.ID, err)
		}
		return nil, err
	}
	return res, nil
}

func (m *Migrator) resolveDetector(ctx context.Context, rule *schemas.Rule, dryRun bool) (*workflow.Detector, error) {
	if rule.Source == schemas.RuleSourceCronMonitor {
		return nil, nil
	}
	if dryRun {
		return m.detectors.Lookup(ctx, rule.ProjectID)
	}
	return m.detectors.EnsureDefault(ctx, rule.ProjectID)
}

// build runs the pipeline from the trigger group to the actions. Each step
// depends on the previous one.
func (m *Migrator) build(ctx context.Context, p persister, rule *schemas.Rule, d *workflow.Detector, opts Options) (*Result, error) {
	res := &Result{Detector: d}
	conds, filters := m.registry.Split(rule.Data.Conditions)

	// "when" group.
	whenLogic, err := logicType(rule.Data.ActionMatchOrDefault())
	if err != nil {
		return nil, &ValidationError{RuleID: rule.ID, Field: "action_match", Err: err}
	}
	when, err := m.newGroup(ctx, p, rule, whenLogic)
	if err != nil {
		return nil, err
	}
	absorbed := false
	for _, c := range conds {
		if m.registry.AbsorbsFilters(c.ID()) {
			absorbed = true
			break
		}
	}
	if err := m.translate(ctx, p, rule, when, "conditions", conds, filters, res); err != nil {
		return nil, err
	}
	if len(when.Conditions) == 0 && !onlyCatchAll(conds) {
		return nil, fmt.Errorf("rule %d: %w", rule.ID, ErrNoTriggerConditions)
	}

	enabled, err := m.enabled(ctx, p, rule)
	if err != nil {
		return nil, err
	}

	// Workflow.
	w := &workflow.Workflow{
		Name:               rule.Label,
		OrganizationID:     rule.OrganizationID,
		EnvironmentID:      rule.EnvironmentID,
		Config:             workflow.Config{Frequency: frequency(rule.Data.Frequency)},
		Enabled:            enabled,
		CreatedByID:        opts.UserID,
		OwnerUserID:        rule.OwnerUserID,
		OwnerTeamID:        rule.OwnerTeamID,
		DateAdded:          rule.DateAdded,
		WhenConditionGroup: when,
	}
	if err := w.Validate(); err != nil {
		return nil, &ValidationError{RuleID: rule.ID, Field: "workflow", Err: err}
	}
	if err := p.createWorkflow(ctx, rule, w, d); err != nil {
		return nil, err
	}
	res.Workflow = w

	// "if" group.
	ifLogic, err := logicType(rule.Data.FilterMatchOrDefault())
	if err != nil {
		return nil, &ValidationError{RuleID: rule.ID, Field: "filter_match", Err: err}
	}
	ifGroup, err := m.newGroup(ctx, p, rule, ifLogic)
	if err != nil {
		return nil, err
	}
	if err := p.linkIfGroup(ctx, w, ifGroup); err != nil {
		return nil, err
	}
	w.IfConditionGroups = []*workflow.DataConditionGroup{ifGroup}
	if !absorbed {
		if err := m.translate(ctx, p, rule, ifGroup, "filters", filters, nil, res); err != nil {
			return nil, err
		}
	}

	// Actions.
	if opts.CreateActions && !opts.DryRun {
		built := m.actions.Build(rule.ID, rule.Data.Actions)
		if skipped := len(rule.Data.Actions) - len(built); skipped > 0 {
			metrics.SkippedActions.Add(float64(skipped))
		}
		if len(built) > 0 {
			if err := p.createActions(ctx, ifGroup, built); err != nil {
				return nil, err
			}
			ifGroup.Actions = built
		}
	}

	return res, nil
}

func (m *Migrator) newGroup(ctx context.Context, p persister, rule *schemas.Rule, lt workflow.LogicType) (*workflow.DataConditionGroup, error) {
	g := &workflow.DataConditionGroup{OrganizationID: rule.OrganizationID, LogicType: lt}
	if err := g.Validate(); err != nil {
		return nil, &ValidationError{RuleID: rule.ID, Field: "condition_group", Err: err}
	}
	if err := p.createGroup(ctx, g); err != nil {
		return nil, err
	}
	return g, nil
}

// translate converts specs into conditions of g. Catch-all results are
// dropped. Failures abort dry runs and are skipped in commits.
func (m *Migrator) translate(ctx context.Context, p persister, rule *schemas.Rule, g *workflow.DataConditionGroup, field string, specs, filters []schemas.Spec, res *Result) error {
	for i, spec := range specs {
		dc, err := m.registry.Translate(spec, conditions.TranslateContext{Group: g, Filters: filters})
		if err == nil && dc.Type == workflow.ConditionEveryEvent {
			continue
		}
		if err == nil {
			err = dc.Validate()
		}
		if err == nil {
			err = p.createCondition(ctx, dc)
		}
		if err != nil {
			if p.failFast() {
				return &ValidationError{RuleID: rule.ID, Field: fmt.Sprintf("%s[%d]", field, i), SpecID: spec.ID(), Err: err}
			}
			m.logger.Printf("migration: rule=%d %s[%d] id=%q skipped: %v", rule.ID, field, i, spec.ID(), err)
			metrics.SkippedConditions.WithLabelValues(field).Inc()
			res.Skipped = append(res.Skipped, SkippedCondition{Group: field, Index: i, SpecID: spec.ID(), Reason: err.Error()})
			continue
		}
		g.Conditions = append(g.Conditions, dc)
	}
	return nil
}

func (m *Migrator) enabled(ctx context.Context, r store.Reader, rule *schemas.Rule) (bool, error) {
	if rule.Status == schemas.RuleStatusDisabled {
		return false, nil
	}
	sn, err := r.OrgSnooze(ctx, rule.ID)
	if err != nil {
		return false, fmt.Errorf("lookup snooze: %w", err)
	}
	return !sn.Permanent(), nil
}

// logicType maps a legacy match value. "any" short-circuits.
func logicType(match string) (workflow.LogicType, error) {
	if match == string(workflow.LogicAny) {
		return workflow.LogicAnyShortCircuit, nil
	}
	return workflow.ParseLogicType(match)
}

// onlyCatchAll reports whether every trigger spec is the catch-all
// condition. An empty list counts.
func onlyCatchAll(specs []schemas.Spec) bool {
	for _, s := range specs {
		if s.ID() != conditions.EveryEventID {
			return false
		}
	}
	return true
}

func frequency(minutes int) int {
	if minutes <= 0 {
		return workflow.DefaultFrequency
	}
	return minutes
}

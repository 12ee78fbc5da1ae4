// Package postgres is the pgx-backed store.Store.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/primaryrutabaga/rule-migrator/pkg/schemas"
	"github.com/primaryrutabaga/rule-migrator/pkg/store"
	"github.com/primaryrutabaga/rule-migrator/pkg/workflow"
)

const uniqueViolation = "23505"

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Store implements store.Store on a connection pool.
type Store struct {
	pool *pgxpool.Pool
	reader
}

var _ store.Store = (*Store)(nil)

// New wraps pool. The schema must already be applied (see MigrateUp).
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, reader: reader{q: pool}}
}

// Pool returns the underlying pool.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Atomic implements store.Store.
func (s *Store) Atomic(ctx context.Context, fn func(store.Tx) error) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(&pgTx{tx: tx, reader: reader{q: tx}})
	})
	return mapErr(err)
}

// mapErr turns unique violations into store.ErrConflict.
func mapErr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && !errors.Is(err, store.ErrConflict) {
		return fmt.Errorf("%w: %s", store.ErrConflict, pgErr.ConstraintName)
	}
	return err
}

// ---------------------------------------------------------------------------
// store.Reader
// ---------------------------------------------------------------------------

type reader struct {
	q querier
}

func (r reader) DefaultDetector(ctx context.Context, projectID int64) (*workflow.Detector, error) {
	d := &workflow.Detector{}
	err := r.q.QueryRow(ctx, `
		SELECT id, project_id, type, name, config
		FROM detectors
		WHERE project_id = $1 AND type = $2
		ORDER BY id
		LIMIT 1`, projectID, workflow.ErrorDetectorType,
	).Scan(&d.ID, &d.ProjectID, &d.Type, &d.Name, &d.Config)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query default detector: %w", err)
	}
	return d, nil
}

func (r reader) OrgSnooze(ctx context.Context, ruleID int64) (*schemas.RuleSnooze, error) {
	sn := &schemas.RuleSnooze{}
	err := r.q.QueryRow(ctx, `
		SELECT rule_id, user_id, until
		FROM rule_snoozes
		WHERE rule_id = $1 AND user_id IS NULL
		ORDER BY (until IS NULL) DESC, id
		LIMIT 1`, ruleID,
	).Scan(&sn.RuleID, &sn.UserID, &sn.Until)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query rule snooze: %w", err)
	}
	return sn, nil
}

func (r reader) IsMigrated(ctx context.Context, ruleID int64) (bool, error) {
	var ok bool
	err := r.q.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM alert_rule_workflows WHERE rule_id = $1)", ruleID,
	).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("query migrated marker: %w", err)
	}
	return ok, nil
}

// AddSnooze records a rule snooze. It is used to seed the table from rule
// files.
func (s *Store) AddSnooze(ctx context.Context, sn schemas.RuleSnooze) error {
	_, err := s.pool.Exec(ctx,
		"INSERT INTO rule_snoozes (rule_id, user_id, until) VALUES ($1, $2, $3)",
		sn.RuleID, sn.UserID, sn.Until)
	if err != nil {
		return fmt.Errorf("insert rule snooze: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// store.Tx
// ---------------------------------------------------------------------------

type pgTx struct {
	tx pgx.Tx
	reader
}

func (t *pgTx) insert(ctx context.Context, what, sql string, args ...any) (int64, error) {
	var id int64
	if err := t.tx.QueryRow(ctx, sql, args...).Scan(&id); err != nil {
		return 0, fmt.Errorf("insert %s: %w", what, mapErr(err))
	}
	return id, nil
}

func (t *pgTx) exec(ctx context.Context, what, sql string, args ...any) error {
	if _, err := t.tx.Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("insert %s: %w", what, mapErr(err))
	}
	return nil
}

func (t *pgTx) CreateDetector(ctx context.Context, d *workflow.Detector) error {
	cfg, err := jsonb(d.Config)
	if err != nil {
		return err
	}
	d.ID, err = t.insert(ctx, "detector",
		"INSERT INTO detectors (project_id, type, name, config) VALUES ($1, $2, $3, $4) RETURNING id",
		d.ProjectID, d.Type, d.Name, cfg)
	return err
}

func (t *pgTx) CreateConditionGroup(ctx context.Context, g *workflow.DataConditionGroup) error {
	var err error
	g.ID, err = t.insert(ctx, "condition group",
		"INSERT INTO data_condition_groups (organization_id, logic_type) VALUES ($1, $2) RETURNING id",
		g.OrganizationID, string(g.LogicType))
	return err
}

func (t *pgTx) CreateCondition(ctx context.Context, c *workflow.DataCondition) error {
	cmp, err := jsonb(c.Comparison)
	if err != nil {
		return err
	}
	res, err := jsonb(c.ConditionResult)
	if err != nil {
		return err
	}
	c.ID, err = t.insert(ctx, "condition",
		`INSERT INTO data_conditions (condition_group_id, type, comparison, condition_result)
		 VALUES ($1, $2, $3, $4) RETURNING id`,
		c.ConditionGroupID, string(c.Type), cmp, res)
	return err
}

func (t *pgTx) CreateWorkflow(ctx context.Context, w *workflow.Workflow) error {
	if w.WhenConditionGroup == nil || w.WhenConditionGroup.ID == 0 {
		return errors.New("create workflow: when condition group is not saved")
	}
	cfg, err := jsonb(w.Config)
	if err != nil {
		return err
	}
	w.ID, err = t.insert(ctx, "workflow",
		`INSERT INTO workflows (name, organization_id, environment_id, when_condition_group_id,
		                        config, enabled, created_by_id, owner_user_id, owner_team_id, date_added)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10) RETURNING id`,
		w.Name, w.OrganizationID, w.EnvironmentID, w.WhenConditionGroup.ID,
		cfg, w.Enabled, w.CreatedByID, w.OwnerUserID, w.OwnerTeamID, w.DateAdded)
	return err
}

func (t *pgTx) CreateGroupActions(ctx context.Context, groupID int64, actions []*workflow.Action) error {
	if len(actions) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, a := range actions {
		data, err := jsonb(a.Data)
		if err != nil {
			return err
		}
		cfg, err := jsonb(a.Config)
		if err != nil {
			return err
		}
		batch.Queue(`
			WITH a AS (
				INSERT INTO actions (type, data, integration_id, config)
				VALUES ($1, $2, $3, $4) RETURNING id
			)
			INSERT INTO data_condition_group_actions (condition_group_id, action_id)
			SELECT $5, id FROM a
			RETURNING action_id`,
			string(a.Type), data, a.IntegrationID, cfg, groupID)
	}

	br := t.tx.SendBatch(ctx, batch)
	for _, a := range actions {
		if err := br.QueryRow().Scan(&a.ID); err != nil {
			br.Close()
			return fmt.Errorf("insert actions: %w", mapErr(err))
		}
		a.ConditionGroupID = groupID
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("insert actions: %w", err)
	}
	return nil
}

func (t *pgTx) LinkRuleDetector(ctx context.Context, ruleID, detectorID int64) error {
	return t.exec(ctx, "rule detector",
		"INSERT INTO alert_rule_detectors (rule_id, detector_id) VALUES ($1, $2)", ruleID, detectorID)
}

func (t *pgTx) LinkDetectorWorkflow(ctx context.Context, detectorID, workflowID int64) error {
	return t.exec(ctx, "detector workflow",
		"INSERT INTO detector_workflows (detector_id, workflow_id) VALUES ($1, $2)", detectorID, workflowID)
}

func (t *pgTx) LinkRuleWorkflow(ctx context.Context, ruleID, workflowID int64) error {
	return t.exec(ctx, "rule workflow",
		"INSERT INTO alert_rule_workflows (rule_id, workflow_id) VALUES ($1, $2)", ruleID, workflowID)
}

func (t *pgTx) LinkWorkflowConditionGroup(ctx context.Context, workflowID, groupID int64) error {
	return t.exec(ctx, "workflow condition group",
		"INSERT INTO workflow_data_condition_groups (workflow_id, condition_group_id) VALUES ($1, $2)",
		workflowID, groupID)
}

// Savepoint runs fn inside a nested pgx transaction, which pgx issues as a
// SAVEPOINT.
func (t *pgTx) Savepoint(ctx context.Context, fn func(store.Tx) error) error {
	return pgx.BeginFunc(ctx, t.tx, func(sp pgx.Tx) error {
		return fn(&pgTx{tx: sp, reader: reader{q: sp}})
	})
}

func jsonb(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode jsonb: %w", err)
	}
	return b, nil
}

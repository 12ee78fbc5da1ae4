// Package worker consumes migration commands from JetStream, runs them
// through the migration engine and publishes the results.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/primaryrutabaga/rule-migrator/pkg/metrics"
	"github.com/primaryrutabaga/rule-migrator/pkg/migration"
	"github.com/primaryrutabaga/rule-migrator/pkg/natsx"
	"github.com/primaryrutabaga/rule-migrator/pkg/schemas"
)

// Defaults for HandlerConfig.
const (
	DefaultRetryDelay = 5 * time.Second
	DefaultTimeout    = 30 * time.Second
	DefaultMaxDeliver = 5
)

// ErrMalformed wraps requests that can never be processed.
var ErrMalformed = errors.New("malformed migration request")

// MigrateRequest is the data of a ruleMigrator.migrate.v1 CloudEvent.
type MigrateRequest struct {
	Rule          *schemas.Rule `json:"rule" validate:"required"`
	DryRun        bool          `json:"dry_run"`
	CreateActions bool          `json:"create_actions"`
	UserID        *int64        `json:"user_id,omitempty"`
}

// MigratedEvent is published after a successful migration.
type MigratedEvent struct {
	RuleID     int64                        `json:"rule_id"`
	WorkflowID int64                        `json:"workflow_id,omitempty"`
	DetectorID int64                        `json:"detector_id,omitempty"`
	DryRun     bool                         `json:"dry_run"`
	Skipped    []migration.SkippedCondition `json:"skipped,omitempty"`
}

// FailedEvent is published when a migration is rejected.
type FailedEvent struct {
	RuleID int64  `json:"rule_id"`
	Error  string `json:"error"`
	Field  string `json:"field,omitempty"`
	SpecID string `json:"spec_id,omitempty"`
}

// NewMigrateCommand encodes req as a CloudEvent and returns the subject to
// publish it on.
func NewMigrateCommand(req MigrateRequest) (string, []byte, error) {
	if req.Rule == nil {
		return "", nil, fmt.Errorf("%w: rule is required", ErrMalformed)
	}
	subject := natsx.MigrateCommandSubject(req.Rule.ID)
	ev, err := schemas.NewCloudEvent(natsx.Source, schemas.EventTypeMigrateRule, subject, req)
	if err != nil {
		return "", nil, err
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return "", nil, fmt.Errorf("marshal command: %w", err)
	}
	return subject, b, nil
}

// Message is the part of jetstream.Msg the handler uses.
type Message interface {
	Data() []byte
	Subject() string
	Metadata() (*jetstream.MsgMetadata, error)
	Ack() error
	NakWithDelay(delay time.Duration) error
	Term() error
}

// Publisher sends result events and dead letters.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// Migrator runs one migration.
type Migrator interface {
	Migrate(ctx context.Context, rule *schemas.Rule, opts migration.Options) (*migration.Result, error)
}

// Disposition is what the handler did with a message.
type Disposition string

const (
	Acked    Disposition = "ack"
	Retried  Disposition = "retry"
	Rejected Disposition = "reject"
)

func (d Disposition) outcome() string {
	switch d {
	case Acked:
		return metrics.OutcomeOK
	case Retried:
		return metrics.OutcomeRetry
	default:
		return metrics.OutcomeRejected
	}
}

// HandlerConfig tunes redelivery. Zero values take the defaults.
type HandlerConfig struct {
	RetryDelay time.Duration
	Timeout    time.Duration
	// MaxDeliver must match the consumer; the last delivery of a retryable
	// failure is dead-lettered instead of redelivered.
	MaxDeliver int
}

func (c HandlerConfig) withDefaults() HandlerConfig {
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.MaxDeliver <= 0 {
		c.MaxDeliver = DefaultMaxDeliver
	}
	return c
}

// Handler processes migration commands.
type Handler struct {
	migrator Migrator
	pub      Publisher
	cfg      HandlerConfig
	logger   *log.Logger
	validate *validator.Validate
}

// NewHandler returns a Handler. A nil logger uses the standard logger.
func NewHandler(m Migrator, p Publisher, cfg HandlerConfig, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.Default()
	}
	return &Handler{
		migrator: m,
		pub:      p,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Handle runs the command in msg and settles it.
func (h *Handler) Handle(ctx context.Context, msg Message) Disposition {
	d := h.handle(ctx, msg)
	metrics.Messages.WithLabelValues(d.outcome()).Inc()
	return d
}

func (h *Handler) handle(ctx context.Context, msg Message) Disposition {
	cmd, req, err := h.decode(msg)
	if err != nil {
		h.logger.Printf("worker: subject=%s rejected: %v", msg.Subject(), err)
		return h.reject(ctx, msg, nil, 0, err)
	}
	rule := req.Rule

	mctx, cancel := context.WithTimeout(ctx, h.cfg.Timeout)
	res, err := h.migrator.Migrate(mctx, rule, migration.Options{
		DryRun:        req.DryRun,
		CreateActions: req.CreateActions,
		UserID:        req.UserID,
	})
	cancel()

	switch {
	case err == nil:
		h.publishEvent(ctx, cmd, natsx.WorkflowMigratedSubject(rule.ID), schemas.EventTypeWorkflowCreated, migratedEvent(rule.ID, req.DryRun, res))
		h.logger.Printf("worker: rule=%d migrated dry_run=%t skipped=%d", rule.ID, req.DryRun, len(res.Skipped))
		h.settle("ack", rule.ID, msg.Ack())
		return Acked
	case migration.IsRetryable(err) && !h.lastDelivery(msg):
		h.logger.Printf("worker: rule=%d retry in %s: %v", rule.ID, h.cfg.RetryDelay, err)
		h.settle("nak", rule.ID, msg.NakWithDelay(h.cfg.RetryDelay))
		return Retried
	default:
		h.logger.Printf("worker: rule=%d failed: %v", rule.ID, err)
		return h.reject(ctx, msg, cmd, rule.ID, err)
	}
}

// decode unwraps the CloudEvent and checks the request against its subject.
func (h *Handler) decode(msg Message) (*schemas.CloudEvent, *MigrateRequest, error) {
	ev, err := schemas.DecodeCloudEvent(msg.Data())
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if ev.Type != schemas.EventTypeMigrateRule {
		return nil, nil, fmt.Errorf("%w: unexpected event type %q", ErrMalformed, ev.Type)
	}
	var req MigrateRequest
	if err := json.Unmarshal(ev.Data, &req); err != nil {
		return nil, nil, fmt.Errorf("%w: decode data: %w", ErrMalformed, err)
	}
	if err := h.validate.Struct(&req); err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if id, err := natsx.RuleID(msg.Subject()); err == nil && id != req.Rule.ID {
		return nil, nil, fmt.Errorf("%w: subject rule %d does not match payload rule %d", ErrMalformed, id, req.Rule.ID)
	}
	return ev, &req, nil
}

// reject dead-letters msg and terminates it. If the dead letter cannot be
// written the message is redelivered instead of lost.
func (h *Handler) reject(ctx context.Context, msg Message, cmd *schemas.CloudEvent, ruleID int64, cause error) Disposition {
	if err := h.pub.Publish(ctx, natsx.DLQSubject(), msg.Data()); err != nil {
		h.logger.Printf("worker: rule=%d dlq publish failed: %v", ruleID, err)
		h.settle("nak", ruleID, msg.NakWithDelay(h.cfg.RetryDelay))
		return Retried
	}
	if ruleID != 0 {
		h.publishEvent(ctx, cmd, natsx.MigrationFailedSubject(ruleID), schemas.EventTypeMigrationFailed, failedEvent(ruleID, cause))
	}
	h.settle("term", ruleID, msg.Term())
	return Rejected
}

func (h *Handler) lastDelivery(msg Message) bool {
	md, err := msg.Metadata()
	if err != nil || md == nil {
		return false
	}
	return md.NumDelivered >= uint64(h.cfg.MaxDeliver)
}

// publishEvent publishes a result event caused by cmd.
func (h *Handler) publishEvent(ctx context.Context, cmd *schemas.CloudEvent, subject, typ string, data any) {
	ev, err := schemas.NewCloudEvent(natsx.Source, typ, subject, data)
	if err == nil {
		if cmd != nil {
			ev.CausedBy(cmd)
		}
		var b []byte
		if b, err = json.Marshal(ev); err == nil {
			err = h.pub.Publish(ctx, subject, b)
		}
	}
	if err != nil {
		h.logger.Printf("worker: publish %s failed: %v", subject, err)
	}
}

func (h *Handler) settle(op string, ruleID int64, err error) {
	if err != nil {
		h.logger.Printf("worker: rule=%d %s failed: %v", ruleID, op, err)
	}
}

func migratedEvent(ruleID int64, dryRun bool, res *migration.Result) MigratedEvent {
	ev := MigratedEvent{RuleID: ruleID, DryRun: dryRun, Skipped: res.Skipped}
	if res.Workflow != nil {
		ev.WorkflowID = res.Workflow.ID
	}
	if res.Detector != nil {
		ev.DetectorID = res.Detector.ID
	}
	return ev
}

func failedEvent(ruleID int64, err error) FailedEvent {
	ev := FailedEvent{RuleID: ruleID, Error: err.Error()}
	var ve *migration.ValidationError
	if errors.As(err, &ve) {
		ev.Field = ve.Field
		ev.SpecID = ve.SpecID
	}
	return ev
}

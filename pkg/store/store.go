// Package store defines the persistence boundary of the migrator. The graph
// is only ever written inside Store.Atomic; reads outside a transaction see
// committed state.
package store

import (
	"context"
	"errors"

	"github.com/primaryrutabaga/rule-migrator/pkg/schemas"
	"github.com/primaryrutabaga/rule-migrator/pkg/workflow"
)

// ErrConflict is returned when a write would violate a uniqueness
// constraint, e.g. linking a rule that already has a workflow.
var ErrConflict = errors.New("store: conflict")

// Reader is the read side shared by stores and transactions.
type Reader interface {
	// DefaultDetector returns the oldest error detector of the project, or
	// nil when the project has none.
	DefaultDetector(ctx context.Context, projectID int64) (*workflow.Detector, error)
	// OrgSnooze returns the organization-wide snooze of a rule, preferring a
	// permanent one, or nil when the rule is not snoozed for everyone.
	OrgSnooze(ctx context.Context, ruleID int64) (*schemas.RuleSnooze, error)
	// IsMigrated reports whether the rule already carries a workflow link.
	IsMigrated(ctx context.Context, ruleID int64) (bool, error)
}

// Tx is an open transaction. Create methods assign IDs to their argument.
type Tx interface {
	Reader

	CreateDetector(ctx context.Context, d *workflow.Detector) error
	CreateConditionGroup(ctx context.Context, g *workflow.DataConditionGroup) error
	CreateCondition(ctx context.Context, c *workflow.DataCondition) error
	// CreateWorkflow requires w.WhenConditionGroup to be saved already.
	CreateWorkflow(ctx context.Context, w *workflow.Workflow) error
	// CreateGroupActions saves actions and attaches them to a group in bulk.
	CreateGroupActions(ctx context.Context, groupID int64, actions []*workflow.Action) error

	LinkRuleDetector(ctx context.Context, ruleID, detectorID int64) error
	LinkDetectorWorkflow(ctx context.Context, detectorID, workflowID int64) error
	// LinkRuleWorkflow writes the migrated marker. It returns ErrConflict
	// when the rule is already linked.
	LinkRuleWorkflow(ctx context.Context, ruleID, workflowID int64) error
	LinkWorkflowConditionGroup(ctx context.Context, workflowID, groupID int64) error

	// Savepoint runs fn in a nested transaction. When fn fails its writes
	// are discarded and the outer transaction continues.
	Savepoint(ctx context.Context, fn func(Tx) error) error
}

// Store opens transactions.
type Store interface {
	Reader
	// Atomic runs fn in a transaction, committing when fn returns nil.
	Atomic(ctx context.Context, fn func(Tx) error) error
}

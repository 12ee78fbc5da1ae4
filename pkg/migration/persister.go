package migration

import (
	"context"
	"errors"
	"fmt"

	"github.com/primaryrutabaga/rule-migrator/pkg/schemas"
	"github.com/primaryrutabaga/rule-migrator/pkg/store"
	"github.com/primaryrutabaga/rule-migrator/pkg/workflow"
)

// persister is the write side of the pipeline. dryRun validates against
// committed state and writes nothing; txPersister writes inside the
// migration transaction.
type persister interface {
	store.Reader

	// failFast reports whether any condition failure aborts the migration.
	failFast() bool

	createGroup(ctx context.Context, g *workflow.DataConditionGroup) error
	// createCondition saves one condition. In commit mode a failure rolls
	// back only that condition.
	createCondition(ctx context.Context, c *workflow.DataCondition) error
	// createWorkflow saves the workflow and writes the migrated marker.
	createWorkflow(ctx context.Context, rule *schemas.Rule, w *workflow.Workflow, d *workflow.Detector) error
	linkIfGroup(ctx context.Context, w *workflow.Workflow, g *workflow.DataConditionGroup) error
	createActions(ctx context.Context, g *workflow.DataConditionGroup, actions []*workflow.Action) error
}

// ---------------------------------------------------------------------------
// Dry run
// ---------------------------------------------------------------------------

type dryRun struct {
	store.Reader
}

func (dryRun) failFast() bool { return true }

func (dryRun) createGroup(context.Context, *workflow.DataConditionGroup) error { return nil }

func (dryRun) createCondition(context.Context, *workflow.DataCondition) error { return nil }

func (p dryRun) createWorkflow(ctx context.Context, rule *schemas.Rule, _ *workflow.Workflow, _ *workflow.Detector) error {
	migrated, err := p.IsMigrated(ctx, rule.ID)
	if err != nil {
		return fmt.Errorf("check migrated marker: %w", err)
	}
	if migrated {
		return fmt.Errorf("%w: rule %d", ErrAlreadyMigrated, rule.ID)
	}
	return nil
}

func (dryRun) linkIfGroup(context.Context, *workflow.Workflow, *workflow.DataConditionGroup) error {
	return nil
}

func (dryRun) createActions(context.Context, *workflow.DataConditionGroup, []*workflow.Action) error {
	return nil
}

// ---------------------------------------------------------------------------
// Commit
// ---------------------------------------------------------------------------

type txPersister struct {
	store.Tx
}

func (txPersister) failFast() bool { return false }

func (p txPersister) createGroup(ctx context.Context, g *workflow.DataConditionGroup) error {
	if err := p.CreateConditionGroup(ctx, g); err != nil {
		return fmt.Errorf("create condition group: %w", err)
	}
	return nil
}

func (p txPersister) createCondition(ctx context.Context, c *workflow.DataCondition) error {
	return p.Savepoint(ctx, func(sp store.Tx) error {
		return sp.CreateCondition(ctx, c)
	})
}

func (p txPersister) createWorkflow(ctx context.Context, rule *schemas.Rule, w *workflow.Workflow, d *workflow.Detector) error {
	if err := p.CreateWorkflow(ctx, w); err != nil {
		return fmt.Errorf("create workflow: %w", err)
	}
	if err := p.LinkRuleWorkflow(ctx, rule.ID, w.ID); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return fmt.Errorf("%w: rule %d: %w", ErrAlreadyMigrated, rule.ID, err)
		}
		return fmt.Errorf("link rule workflow: %w", err)
	}
	if d == nil {
		return nil
	}
	if err := p.LinkDetectorWorkflow(ctx, d.ID, w.ID); err != nil {
		return fmt.Errorf("link detector workflow: %w", err)
	}
	if err := p.LinkRuleDetector(ctx, rule.ID, d.ID); err != nil {
		return fmt.Errorf("link rule detector: %w", err)
	}
	return nil
}

func (p txPersister) linkIfGroup(ctx context.Context, w *workflow.Workflow, g *workflow.DataConditionGroup) error {
	if err := p.LinkWorkflowConditionGroup(ctx, w.ID, g.ID); err != nil {
		return fmt.Errorf("link workflow condition group: %w", err)
	}
	return nil
}

func (p txPersister) createActions(ctx context.Context, g *workflow.DataConditionGroup, actions []*workflow.Action) error {
	if err := p.CreateGroupActions(ctx, g.ID, actions); err != nil {
		return fmt.Errorf("create actions: %w", err)
	}
	return nil
}

package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/primaryrutabaga/rule-migrator/pkg/schemas"
	"github.com/primaryrutabaga/rule-migrator/pkg/store"
	"github.com/primaryrutabaga/rule-migrator/pkg/workflow"
)

func ptr[T any](v T) *T { return &v }

// ---------------------------------------------------------------------------
// Transactions
// ---------------------------------------------------------------------------

func TestAtomicCommit(t *testing.T) {
	ctx := context.Background()
	s := New()

	var wfID, groupID int64
	err := s.Atomic(ctx, func(tx store.Tx) error {
		g := &workflow.DataConditionGroup{OrganizationID: 1, LogicType: workflow.LogicAll}
		if err := tx.CreateConditionGroup(ctx, g); err != nil {
			return err
		}
		groupID = g.ID
		c := &workflow.DataCondition{Type: workflow.ConditionFirstSeenEvent, Comparison: true, ConditionResult: true, ConditionGroupID: g.ID}
		if err := tx.CreateCondition(ctx, c); err != nil {
			return err
		}
		w := &workflow.Workflow{Name: "w", OrganizationID: 1, WhenConditionGroup: g}
		if err := tx.CreateWorkflow(ctx, w); err != nil {
			return err
		}
		wfID = w.ID
		return tx.LinkRuleWorkflow(ctx, 7, w.ID)
	})
	if err != nil {
		t.Fatalf("Atomic: %v", err)
	}

	got := s.Workflow(wfID)
	if got == nil {
		t.Fatal("workflow not committed")
	}
	if got.WhenConditionGroup == nil || got.WhenConditionGroup.ID != groupID {
		t.Fatalf("when group = %+v", got.WhenConditionGroup)
	}
	if n := len(got.WhenConditionGroup.Conditions); n != 1 {
		t.Errorf("conditions = %d, want 1", n)
	}
	if migrated, _ := s.IsMigrated(ctx, 7); !migrated {
		t.Error("rule 7 should be migrated")
	}
}

func TestAtomicRollback(t *testing.T) {
	ctx := context.Background()
	s := New()

	boom := errors.New("boom")
	err := s.Atomic(ctx, func(tx store.Tx) error {
		if err := tx.CreateDetector(ctx, workflow.NewErrorDetector(1)); err != nil {
			return err
		}
		if err := tx.LinkRuleWorkflow(ctx, 7, 1); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	if c := s.Counts(); c.Detectors != 0 {
		t.Errorf("detectors = %d, want 0 after rollback", c.Detectors)
	}
	if migrated, _ := s.IsMigrated(ctx, 7); migrated {
		t.Error("marker should be rolled back")
	}
}

func TestTxReadsOwnWrites(t *testing.T) {
	ctx := context.Background()
	s := New()

	s.Atomic(ctx, func(tx store.Tx) error {
		d := workflow.NewErrorDetector(3)
		tx.CreateDetector(ctx, d)

		got, _ := tx.DefaultDetector(ctx, 3)
		if got == nil || got.ID != d.ID {
			t.Errorf("tx should see staged detector, got %+v", got)
		}
		outside, _ := s.DefaultDetector(ctx, 3)
		if outside != nil {
			t.Error("uncommitted detector visible outside the transaction")
		}
		return nil
	})
}

func TestDefaultDetectorOldestFirst(t *testing.T) {
	ctx := context.Background()
	s := New()
	var first int64
	for i := 0; i < 3; i++ {
		s.Atomic(ctx, func(tx store.Tx) error {
			d := workflow.NewErrorDetector(5)
			if err := tx.CreateDetector(ctx, d); err != nil {
				return err
			}
			if first == 0 {
				first = d.ID
			}
			return nil
		})
	}
	got, err := s.DefaultDetector(ctx, 5)
	if err != nil || got == nil {
		t.Fatalf("DefaultDetector: %v, %v", got, err)
	}
	if got.ID != first {
		t.Errorf("ID = %d, want oldest %d", got.ID, first)
	}
	if d, _ := s.DefaultDetector(ctx, 6); d != nil {
		t.Errorf("other project should have no detector, got %+v", d)
	}
}

func TestLinkRuleWorkflowConflict(t *testing.T) {
	ctx := context.Background()
	s := New()
	s.MarkMigrated(9, 100)

	err := s.Atomic(ctx, func(tx store.Tx) error {
		return tx.LinkRuleWorkflow(ctx, 9, 101)
	})
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
}

func TestConcurrentCommitConflict(t *testing.T) {
	ctx := context.Background()
	s := New()

	err := s.Atomic(ctx, func(tx store.Tx) error {
		if err := tx.LinkRuleWorkflow(ctx, 4, 1); err != nil {
			return err
		}
		// Another transaction wins the race before this one commits.
		return s.Atomic(ctx, func(inner store.Tx) error {
			return inner.LinkRuleWorkflow(ctx, 4, 2)
		})
	})
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict at commit", err)
	}
	if id, _ := s.RuleWorkflow(4); id != 2 {
		t.Errorf("rule 4 linked to %d, want the first committer 2", id)
	}
}

func TestSavepoint(t *testing.T) {
	ctx := context.Background()
	s := New()
	s.ConditionHook = func(c *workflow.DataCondition) error {
		if c.Type == workflow.ConditionLevel {
			return errors.New("rejected")
		}
		return nil
	}

	err := s.Atomic(ctx, func(tx store.Tx) error {
		g := &workflow.DataConditionGroup{OrganizationID: 1, LogicType: workflow.LogicAll}
		if err := tx.CreateConditionGroup(ctx, g); err != nil {
			return err
		}
		for _, typ := range []workflow.ConditionType{workflow.ConditionFirstSeenEvent, workflow.ConditionLevel, workflow.ConditionRegressionEvent} {
			spErr := tx.Savepoint(ctx, func(sp store.Tx) error {
				return sp.CreateCondition(ctx, &workflow.DataCondition{Type: typ, Comparison: true, ConditionResult: true, ConditionGroupID: g.ID})
			})
			if typ == workflow.ConditionLevel && spErr == nil {
				t.Error("expected level condition to fail")
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Atomic: %v", err)
	}
	if c := s.Counts(); c.Conditions != 2 {
		t.Errorf("conditions = %d, want 2", c.Conditions)
	}
}

func TestFinishedTxRejected(t *testing.T) {
	ctx := context.Background()
	s := New()
	var leaked store.Tx
	s.Atomic(ctx, func(tx store.Tx) error {
		leaked = tx
		return nil
	})
	if err := leaked.CreateDetector(ctx, workflow.NewErrorDetector(1)); !errors.Is(err, errTxDone) {
		t.Errorf("err = %v, want errTxDone", err)
	}
}

func TestCreateConditionUnknownGroup(t *testing.T) {
	ctx := context.Background()
	s := New()
	err := s.Atomic(ctx, func(tx store.Tx) error {
		return tx.CreateCondition(ctx, &workflow.DataCondition{Type: workflow.ConditionFirstSeenEvent, ConditionGroupID: 999})
	})
	if err == nil {
		t.Fatal("expected error for unknown group")
	}
}

func TestGroupActions(t *testing.T) {
	ctx := context.Background()
	s := New()
	var wfID int64
	s.Atomic(ctx, func(tx store.Tx) error {
		when := &workflow.DataConditionGroup{OrganizationID: 1, LogicType: workflow.LogicAll}
		tx.CreateConditionGroup(ctx, when)
		w := &workflow.Workflow{Name: "w", OrganizationID: 1, WhenConditionGroup: when}
		tx.CreateWorkflow(ctx, w)
		wfID = w.ID
		ifg := &workflow.DataConditionGroup{OrganizationID: 1, LogicType: workflow.LogicAnyShortCircuit}
		tx.CreateConditionGroup(ctx, ifg)
		tx.LinkWorkflowConditionGroup(ctx, w.ID, ifg.ID)
		return tx.CreateGroupActions(ctx, ifg.ID, []*workflow.Action{
			{Type: workflow.ActionEmail, Data: map[string]any{}},
			{Type: workflow.ActionSlack, Data: map[string]any{}},
		})
	})

	w := s.Workflow(wfID)
	if len(w.IfConditionGroups) != 1 {
		t.Fatalf("if groups = %d, want 1", len(w.IfConditionGroups))
	}
	acts := w.Actions()
	if len(acts) != 2 || acts[0].Type != workflow.ActionEmail {
		t.Errorf("actions = %+v", acts)
	}
}

// ---------------------------------------------------------------------------
// Snoozes and seeding
// ---------------------------------------------------------------------------

func TestOrgSnooze(t *testing.T) {
	ctx := context.Background()
	until := time.Now().Add(time.Hour)
	s := New()
	s.Seed(&schemas.RuleFile{
		Snoozes: []schemas.RuleSnooze{
			{RuleID: 1, UserID: ptr(int64(5))},
			{RuleID: 2, Until: &until},
			{RuleID: 3, Until: &until},
			{RuleID: 3},
		},
		Migrated: []int64{40},
	})

	testCases := []struct {
		rule      int64
		wantNil   bool
		permanent bool
	}{
		{rule: 1, wantNil: true},
		{rule: 2, permanent: false},
		{rule: 3, permanent: true},
		{rule: 4, wantNil: true},
	}
	for _, tc := range testCases {
		got, err := s.OrgSnooze(ctx, tc.rule)
		if err != nil {
			t.Fatal(err)
		}
		if tc.wantNil {
			if got != nil {
				t.Errorf("rule %d: got %+v, want nil", tc.rule, got)
			}
			continue
		}
		if got == nil || got.Permanent() != tc.permanent {
			t.Errorf("rule %d: got %+v, permanent want %v", tc.rule, got, tc.permanent)
		}
	}

	if migrated, _ := s.IsMigrated(ctx, 40); !migrated {
		t.Error("seeded marker missing")
	}
}

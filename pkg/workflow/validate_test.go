package workflow

import (
	"errors"
	"strings"
	"testing"
)

func TestParseLogicType(t *testing.T) {
	testCases := []struct {
		in      string
		want    LogicType
		wantErr bool
	}{
		{"any", LogicAny, false},
		{"any-short", LogicAnyShortCircuit, false},
		{"all", LogicAll, false},
		{"none", LogicNone, false},
		{"", "", true},
		{"ALL", "", true},
		{"some", "", true},
	}

	for _, tc := range testCases {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseLogicType(tc.in)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("ParseLogicType(%q) expected error", tc.in)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Errorf("ParseLogicType(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// DataCondition schema tests
// ---------------------------------------------------------------------------

func TestDataConditionValidate(t *testing.T) {
	member := int64(9)

	testCases := []struct {
		name    string
		cond    DataCondition
		wantErr string
	}{
		{
			name: "boolean condition",
			cond: DataCondition{Type: ConditionFirstSeenEvent, Comparison: true, ConditionResult: true},
		},
		{
			name: "frequency count",
			cond: DataCondition{Type: ConditionEventFrequencyCount, Comparison: FrequencyComparison{Interval: "1h", Value: 100}},
		},
		{
			name: "percent with comparison interval",
			cond: DataCondition{Type: ConditionEventFrequencyPercent, Comparison: PercentComparison{Interval: "1h", Value: 50, ComparisonInterval: "1w"}},
		},
		{
			name: "assigned to member",
			cond: DataCondition{Type: ConditionAssignedTo, Comparison: AssignedToComparison{TargetType: "Member", TargetIdentifier: &member}},
		},
		{
			name: "assigned to unassigned needs no identifier",
			cond: DataCondition{Type: ConditionAssignedTo, Comparison: AssignedToComparison{TargetType: "Unassigned"}},
		},
		{
			name: "tagged event is set without value",
			cond: DataCondition{Type: ConditionTaggedEvent, Comparison: TaggedEventComparison{Key: "env", Match: "is"}},
		},
		{
			name:    "missing type",
			cond:    DataCondition{Comparison: true},
			wantErr: "condition type is required",
		},
		{
			name:    "catch-all is never stored",
			cond:    DataCondition{Type: ConditionEveryEvent, Comparison: true},
			wantErr: `condition type "every_event" is not stored`,
		},
		{
			name:    "unknown type",
			cond:    DataCondition{Type: "mystery", Comparison: true},
			wantErr: `unsupported condition type "mystery"`,
		},
		{
			name:    "wrong comparison type",
			cond:    DataCondition{Type: ConditionLevel, Comparison: true},
			wantErr: "comparison must be",
		},
		{
			name:    "bad interval",
			cond:    DataCondition{Type: ConditionEventFrequencyCount, Comparison: FrequencyComparison{Interval: "2h", Value: 1}},
			wantErr: "invalid comparison",
		},
		{
			name:    "negative value",
			cond:    DataCondition{Type: ConditionIssueOccurrences, Comparison: ValueComparison{Value: -1}},
			wantErr: "invalid comparison",
		},
		{
			name:    "assigned to team without identifier",
			cond:    DataCondition{Type: ConditionAssignedTo, Comparison: AssignedToComparison{TargetType: "Team"}},
			wantErr: "invalid comparison",
		},
		{
			name:    "tagged event equal without value",
			cond:    DataCondition{Type: ConditionTaggedEvent, Comparison: TaggedEventComparison{Key: "env", Match: "eq"}},
			wantErr: `value is required for match "eq"`,
		},
		{
			name: "unique user filter without key or attribute",
			cond: DataCondition{Type: ConditionEventUniqueUserCount, Comparison: UniqueUserFilterComparison{
				Interval: "1h", Value: 3, Filters: []UniqueUserFilter{{Match: "eq", Value: "x"}},
			}},
			wantErr: "invalid comparison",
		},
		{
			name:    "level outside the known set",
			cond:    DataCondition{Type: ConditionLevel, Comparison: LevelComparison{Match: "eq", Level: 35}},
			wantErr: "invalid comparison",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cond.Validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error containing %q, got nil", tc.wantErr)
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("error = %q, want substring %q", err.Error(), tc.wantErr)
			}
		})
	}
}

func TestInvalidComparisonIsWrapped(t *testing.T) {
	c := DataCondition{Type: ConditionAgeComparison, Comparison: AgeComparison{ComparisonType: "older", Value: 1, Time: "year"}}
	if err := c.Validate(); !errors.Is(err, ErrInvalidComparison) {
		t.Fatalf("errors.Is(err, ErrInvalidComparison) = false for %v", err)
	}
}

// ---------------------------------------------------------------------------
// Group / workflow / action tests
// ---------------------------------------------------------------------------

func TestGroupAndWorkflowValidate(t *testing.T) {
	g := &DataConditionGroup{OrganizationID: 1, LogicType: LogicAnyShortCircuit}
	if err := g.Validate(); err != nil {
		t.Errorf("valid group: %v", err)
	}
	if err := (&DataConditionGroup{OrganizationID: 1, LogicType: "most"}).Validate(); err == nil {
		t.Error("expected error for unknown logic type")
	}
	if err := (&DataConditionGroup{LogicType: LogicAll}).Validate(); err == nil {
		t.Error("expected error for missing organization")
	}

	w := &Workflow{Name: "rule", OrganizationID: 1, Config: Config{Frequency: DefaultFrequency}, WhenConditionGroup: &DataConditionGroup{}}
	if err := w.Validate(); err != nil {
		t.Errorf("valid workflow: %v", err)
	}
	w.Name = ""
	if err := w.Validate(); err == nil {
		t.Error("expected error for empty name")
	}
	w.Name = strings.Repeat("x", 257)
	if err := w.Validate(); err == nil {
		t.Error("expected error for long name")
	}
	w.Name = "rule"
	w.Config.Frequency = 50000
	if err := w.Validate(); err == nil {
		t.Error("expected error for frequency above 30 days")
	}
}

func TestActionValidate(t *testing.T) {
	a := &Action{Type: ActionEmail, Config: ActionConfig{TargetType: TargetIssueOwners}}
	if err := a.Validate(); err != nil {
		t.Errorf("valid action: %v", err)
	}
	if err := (&Action{Type: "carrier_pigeon"}).Validate(); err == nil {
		t.Error("expected error for unknown action type")
	}
	if err := (&Action{Type: ActionSlack, Config: ActionConfig{TargetType: "channel"}}).Validate(); err == nil {
		t.Error("expected error for unknown target type")
	}
}

func TestWorkflowActions(t *testing.T) {
	w := &Workflow{IfConditionGroups: []*DataConditionGroup{
		{Actions: []*Action{{Type: ActionEmail}}},
		{Actions: []*Action{{Type: ActionSlack}, {Type: ActionPagerDuty}}},
	}}
	if got := len(w.Actions()); got != 3 {
		t.Errorf("Actions() = %d, want 3", got)
	}
}

func TestValueless(t *testing.T) {
	for match, want := range map[string]bool{
		"is": true,
		"ns": true,
		"eq": false,
		"co": false,
		"":   false,
	} {
		if got := Valueless(match); got != want {
			t.Errorf("Valueless(%q) = %v, want %v", match, got, want)
		}
	}
}

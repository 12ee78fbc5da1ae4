package conditions

import (
	"errors"
	"reflect"
	"testing"

	"github.com/primaryrutabaga/rule-migrator/pkg/schemas"
	"github.com/primaryrutabaga/rule-migrator/pkg/workflow"
)

func TestSplit(t *testing.T) {
	r := Default()
	specs := []schemas.Spec{
		{"id": FirstSeenEventID},
		{"id": LevelFilterID, "match": "eq", "level": "40"},
		{"id": "unknown_kind"},
		{"id": EventFrequencyID, "interval": "1h", "value": 10},
		{"id": TaggedEventConditionID, "key": "k", "match": "eq", "value": "v"},
	}

	conds, filters := r.Split(specs)

	gotConds := ids(conds)
	wantConds := []string{FirstSeenEventID, EventFrequencyID}
	if !reflect.DeepEqual(gotConds, wantConds) {
		t.Errorf("conditions = %v, want %v", gotConds, wantConds)
	}
	gotFilters := ids(filters)
	wantFilters := []string{LevelFilterID, "unknown_kind", TaggedEventConditionID}
	if !reflect.DeepEqual(gotFilters, wantFilters) {
		t.Errorf("filters = %v, want %v", gotFilters, wantFilters)
	}
}

func ids(specs []schemas.Spec) []string {
	out := make([]string, 0, len(specs))
	for _, s := range specs {
		out = append(out, s.ID())
	}
	return out
}

func TestTranslateUnknown(t *testing.T) {
	_, err := Default().Translate(schemas.Spec{"id": "unknown_kind"}, TranslateContext{})
	if !errors.Is(err, ErrUnknownCondition) {
		t.Fatalf("err = %v, want ErrUnknownCondition", err)
	}
}

func TestTranslateSetsGroup(t *testing.T) {
	g := &workflow.DataConditionGroup{ID: 42}
	dc, err := Default().Translate(schemas.Spec{"id": RegressionEventID}, TranslateContext{Group: g})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if dc.ConditionGroupID != 42 {
		t.Errorf("ConditionGroupID = %d, want 42", dc.ConditionGroupID)
	}
}

func TestTranslateNilCondition(t *testing.T) {
	r := NewRegistry()
	r.Register("empty", Entry{Kind: KindCondition, Translator: TranslatorFunc(
		func(schemas.Spec, TranslateContext) (*workflow.DataCondition, error) { return nil, nil })})

	dc, err := r.Translate(schemas.Spec{"id": "empty"}, TranslateContext{Group: &workflow.DataConditionGroup{ID: 1}})
	if !errors.Is(err, ErrNoCondition) {
		t.Fatalf("err = %v, want ErrNoCondition", err)
	}
	if dc != nil {
		t.Errorf("condition = %+v, want nil", dc)
	}
}

func TestTranslateDoesNotMutateSpec(t *testing.T) {
	r := NewRegistry()
	r.Register("x", Entry{Kind: KindCondition, Translator: TranslatorFunc(
		func(spec schemas.Spec, _ TranslateContext) (*workflow.DataCondition, error) {
			spec["touched"] = true
			return &workflow.DataCondition{Type: workflow.ConditionFirstSeenEvent, Comparison: true}, nil
		})})

	spec := schemas.Spec{"id": "x"}
	if _, err := r.Translate(spec, TranslateContext{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := spec["touched"]; ok {
		t.Error("translator modified the caller's spec")
	}
}

func TestFiltersOnlyReachAbsorbingTranslators(t *testing.T) {
	var seen int
	r := NewRegistry()
	capture := TranslatorFunc(func(_ schemas.Spec, tc TranslateContext) (*workflow.DataCondition, error) {
		seen = len(tc.Filters)
		return &workflow.DataCondition{Type: workflow.ConditionFirstSeenEvent, Comparison: true}, nil
	})
	r.Register("plain", Entry{Kind: KindCondition, Translator: capture})
	r.Register("absorbing", Entry{Kind: KindCondition, Translator: capture, AbsorbsFilters: true})

	filters := []schemas.Spec{{"id": "f1"}, {"id": "f2"}}

	if _, err := r.Translate(schemas.Spec{"id": "plain"}, TranslateContext{Filters: filters}); err != nil {
		t.Fatal(err)
	}
	if seen != 0 {
		t.Errorf("plain translator saw %d filters, want 0", seen)
	}
	if _, err := r.Translate(schemas.Spec{"id": "absorbing"}, TranslateContext{Filters: filters}); err != nil {
		t.Fatal(err)
	}
	if seen != 2 {
		t.Errorf("absorbing translator saw %d filters, want 2", seen)
	}
	if !r.AbsorbsFilters("absorbing") || r.AbsorbsFilters("plain") || r.AbsorbsFilters("missing") {
		t.Error("AbsorbsFilters reported the wrong entries")
	}
}

func TestKindString(t *testing.T) {
	if KindCondition.String() != "condition" || KindFilter.String() != "filter" {
		t.Error("unexpected Kind strings")
	}
}

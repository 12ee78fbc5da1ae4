package workflow

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// ErrInvalidComparison is wrapped by every comparison schema failure.
var ErrInvalidComparison = errors.New("invalid comparison")

type checker interface {
	check() error
}

func errMissingValue(match string) error {
	return fmt.Errorf("value is required for match %q", match)
}

// comparisonSchemas maps each emitted condition kind to the Go type its
// comparison must hold. Kinds missing from the table cannot be persisted.
var comparisonSchemas = map[ConditionType]reflect.Type{
	ConditionFirstSeenEvent:            reflect.TypeFor[bool](),
	ConditionRegressionEvent:           reflect.TypeFor[bool](),
	ConditionReappearedEvent:           reflect.TypeFor[bool](),
	ConditionNewHighPriorityIssue:      reflect.TypeFor[bool](),
	ConditionExistingHighPriorityIssue: reflect.TypeFor[bool](),
	ConditionLatestRelease:             reflect.TypeFor[bool](),
	ConditionEventFrequencyCount:       reflect.TypeFor[FrequencyComparison](),
	ConditionEventFrequencyPercent:     reflect.TypeFor[PercentComparison](),
	ConditionEventUniqueUserCount:      reflect.TypeFor[UniqueUserFilterComparison](),
	ConditionEventUniqueUserPercent:    reflect.TypeFor[UniqueUserFilterComparison](),
	ConditionPercentSessionsCount:      reflect.TypeFor[FrequencyComparison](),
	ConditionPercentSessionsPercent:    reflect.TypeFor[PercentComparison](),
	ConditionAgeComparison:             reflect.TypeFor[AgeComparison](),
	ConditionIssueOccurrences:          reflect.TypeFor[ValueComparison](),
	ConditionIssueCategory:             reflect.TypeFor[ValueComparison](),
	ConditionAssignedTo:                reflect.TypeFor[AssignedToComparison](),
	ConditionLevel:                     reflect.TypeFor[LevelComparison](),
	ConditionTaggedEvent:               reflect.TypeFor[TaggedEventComparison](),
	ConditionEventAttribute:            reflect.TypeFor[EventAttributeComparison](),
	ConditionLatestAdoptedRelease:      reflect.TypeFor[LatestAdoptedReleaseComparison](),
}

// Validate checks the condition against the schema of its declared type.
// The owning group is not checked; dry runs validate unsaved conditions.
func (c *DataCondition) Validate() error {
	if c.Type == "" {
		return fmt.Errorf("condition type is required")
	}
	if c.Type == ConditionEveryEvent {
		return fmt.Errorf("condition type %q is not stored", c.Type)
	}
	want, ok := comparisonSchemas[c.Type]
	if !ok {
		return fmt.Errorf("unsupported condition type %q", c.Type)
	}
	if c.Comparison == nil || reflect.TypeOf(c.Comparison) != want {
		return fmt.Errorf("%s: comparison must be %s, got %T: %w", c.Type, want, c.Comparison, ErrInvalidComparison)
	}
	if want.Kind() == reflect.Struct {
		if err := validate.Struct(c.Comparison); err != nil {
			return fmt.Errorf("%s: %w: %v", c.Type, ErrInvalidComparison, err)
		}
	}
	if ch, ok := c.Comparison.(checker); ok {
		if err := ch.check(); err != nil {
			return fmt.Errorf("%s: %w: %v", c.Type, ErrInvalidComparison, err)
		}
	}
	return nil
}

// Validate checks the group's own fields, not its conditions.
func (g *DataConditionGroup) Validate() error {
	if err := validate.Struct(g); err != nil {
		return fmt.Errorf("condition group: %w", err)
	}
	return nil
}

// Validate checks the workflow fields and its config. Condition groups are
// validated separately.
func (w *Workflow) Validate() error {
	if err := validate.Struct(w); err != nil {
		return fmt.Errorf("workflow: %w", err)
	}
	return nil
}

// Validate checks the action's type and target config.
func (a *Action) Validate() error {
	if err := validate.Struct(a); err != nil {
		return fmt.Errorf("action: %w", err)
	}
	return nil
}

package workflow

// Comparison payloads for the non-boolean condition kinds. The validate tags
// are the per-type schema enforced by DataCondition.Validate.

// FrequencyComparison counts events or session percentages in a window.
type FrequencyComparison struct {
	Interval string `json:"interval" validate:"required,oneof=1m 5m 10m 15m 1h 1d 1w 30d"`
	Value    int    `json:"value" validate:"gte=0"`
}

// PercentComparison compares a window against an earlier window.
type PercentComparison struct {
	Interval           string `json:"interval" validate:"required,oneof=1m 5m 10m 15m 1h 1d 1w 30d"`
	Value              int    `json:"value" validate:"gte=0"`
	ComparisonInterval string `json:"comparison_interval" validate:"required,oneof=5m 15m 1h 1d 1w 30d"`
}

// UniqueUserFilter is a filter folded into a unique user frequency
// condition. Exactly one of Key or Attribute is set.
type UniqueUserFilter struct {
	Match     string `json:"match" validate:"required,oneof=eq ne sw nsw ew new co nc is ns in nin"`
	Key       string `json:"key,omitempty" validate:"required_without=Attribute"`
	Attribute string `json:"attribute,omitempty" validate:"required_without=Key"`
	Value     string `json:"value,omitempty"`
}

// UniqueUserFilterComparison is the comparison of a unique user frequency
// condition that absorbed the rule's filters.
type UniqueUserFilterComparison struct {
	Interval           string             `json:"interval" validate:"required,oneof=1m 5m 10m 15m 1h 1d 1w 30d"`
	Value              int                `json:"value" validate:"gte=0"`
	ComparisonInterval string             `json:"comparison_interval,omitempty" validate:"omitempty,oneof=5m 15m 1h 1d 1w 30d"`
	Filters            []UniqueUserFilter `json:"filters" validate:"dive"`
}

// AgeComparison checks how long ago an issue was first seen.
type AgeComparison struct {
	ComparisonType string `json:"comparison_type" validate:"required,oneof=older newer"`
	Value          int    `json:"value" validate:"gte=0"`
	Time           string `json:"time" validate:"required,oneof=minute hour day week"`
}

// ValueComparison wraps a single integer threshold.
type ValueComparison struct {
	Value int `json:"value" validate:"gte=0"`
}

// AssignedToComparison checks the assignee of an issue.
type AssignedToComparison struct {
	TargetType       string `json:"target_type" validate:"required,oneof=Unassigned Team Member"`
	TargetIdentifier *int64 `json:"target_identifier,omitempty" validate:"required_unless=TargetType Unassigned"`
}

// LevelComparison checks the event level.
type LevelComparison struct {
	Match string `json:"match" validate:"required,oneof=eq gte lte"`
	Level int    `json:"level" validate:"oneof=10 20 30 40 50"`
}

// TaggedEventComparison matches an event tag.
type TaggedEventComparison struct {
	Key   string `json:"key" validate:"required"`
	Match string `json:"match" validate:"required,oneof=eq ne sw nsw ew new co nc is ns in nin"`
	Value string `json:"value,omitempty"`
}

// EventAttributeComparison matches an event attribute.
type EventAttributeComparison struct {
	Attribute string `json:"attribute" validate:"required"`
	Match     string `json:"match" validate:"required,oneof=eq ne sw nsw ew new co nc is ns in nin"`
	Value     string `json:"value,omitempty"`
}

// LatestAdoptedReleaseComparison compares against the latest adopted release
// in an environment.
type LatestAdoptedReleaseComparison struct {
	ReleaseAgeType string `json:"release_age_type" validate:"required,oneof=oldest newest"`
	AgeComparison  string `json:"age_comparison" validate:"required,oneof=older newer"`
	Environment    string `json:"environment" validate:"required"`
}

// Valueless reports whether a match type compares presence only and so
// carries no value.
func Valueless(match string) bool {
	return match == "is" || match == "ns"
}

func (c TaggedEventComparison) check() error {
	if c.Value == "" && !Valueless(c.Match) {
		return errMissingValue(c.Match)
	}
	return nil
}

func (c EventAttributeComparison) check() error {
	if c.Value == "" && !Valueless(c.Match) {
		return errMissingValue(c.Match)
	}
	return nil
}

func (c UniqueUserFilterComparison) check() error {
	for _, f := range c.Filters {
		if f.Value == "" && !Valueless(f.Match) {
			return errMissingValue(f.Match)
		}
	}
	return nil
}

package conditions

import (
	"fmt"
	"strconv"

	"github.com/go-viper/mapstructure/v2"

	"github.com/primaryrutabaga/rule-migrator/pkg/schemas"
	"github.com/primaryrutabaga/rule-migrator/pkg/workflow"
)

// Legacy trigger condition discriminators.
const (
	EveryEventID                        = "sentry.rules.conditions.every_event.EveryEventCondition"
	FirstSeenEventID                    = "sentry.rules.conditions.first_seen_event.FirstSeenEventCondition"
	RegressionEventID                   = "sentry.rules.conditions.regression_event.RegressionEventCondition"
	ReappearedEventID                   = "sentry.rules.conditions.reappeared_event.ReappearedEventCondition"
	NewHighPriorityIssueID              = "sentry.rules.conditions.high_priority_issue.NewHighPriorityIssueCondition"
	ExistingHighPriorityIssueID         = "sentry.rules.conditions.high_priority_issue.ExistingHighPriorityIssueCondition"
	EventFrequencyID                    = "sentry.rules.conditions.event_frequency.EventFrequencyCondition"
	EventUniqueUserFrequencyID          = "sentry.rules.conditions.event_frequency.EventUniqueUserFrequencyCondition"
	EventFrequencyPercentID             = "sentry.rules.conditions.event_frequency.EventFrequencyPercentCondition"
	EventUniqueUserFrequencyWithCondsID = "sentry.rules.conditions.event_frequency.EventUniqueUserFrequencyConditionWithConditions"
)

// Legacy filter discriminators.
const (
	AgeComparisonFilterID        = "sentry.rules.filters.age_comparison.AgeComparisonFilter"
	IssueOccurrencesFilterID     = "sentry.rules.filters.issue_occurrences.IssueOccurrencesFilter"
	AssignedToFilterID           = "sentry.rules.filters.assigned_to.AssignedToFilter"
	LevelFilterID                = "sentry.rules.filters.level.LevelFilter"
	TaggedEventFilterID          = "sentry.rules.filters.tagged_event.TaggedEventFilter"
	EventAttributeFilterID       = "sentry.rules.filters.event_attribute.EventAttributeFilter"
	LatestReleaseFilterID        = "sentry.rules.filters.latest_release.LatestReleaseFilter"
	LatestAdoptedReleaseFilterID = "sentry.rules.filters.latest_adopted_release_filter.LatestAdoptedReleaseFilter"
	IssueCategoryFilterID        = "sentry.rules.filters.issue_category.IssueCategoryFilter"

	// Older rules store these filters under condition ids.
	TaggedEventConditionID    = "sentry.rules.conditions.tagged_event.TaggedEventCondition"
	EventAttributeConditionID = "sentry.rules.conditions.event_attribute.EventAttributeCondition"
	LevelConditionID          = "sentry.rules.conditions.level.LevelCondition"
)

// Default returns a registry holding every built-in legacy condition and filter.
func Default() *Registry {
	r := NewRegistry()

	for id, typ := range map[string]workflow.ConditionType{
		EveryEventID:                workflow.ConditionEveryEvent,
		FirstSeenEventID:            workflow.ConditionFirstSeenEvent,
		RegressionEventID:           workflow.ConditionRegressionEvent,
		ReappearedEventID:           workflow.ConditionReappearedEvent,
		NewHighPriorityIssueID:      workflow.ConditionNewHighPriorityIssue,
		ExistingHighPriorityIssueID: workflow.ConditionExistingHighPriorityIssue,
	} {
		r.Register(id, Entry{Kind: KindCondition, Translator: boolTranslator(typ)})
	}

	r.Register(EventFrequencyID, Entry{Kind: KindCondition, Translator: frequencyTranslator(
		workflow.ConditionEventFrequencyCount, workflow.ConditionEventFrequencyPercent)})
	r.Register(EventUniqueUserFrequencyID, Entry{Kind: KindCondition, Translator: TranslatorFunc(translateUniqueUser)})
	r.Register(EventFrequencyPercentID, Entry{Kind: KindCondition, Translator: frequencyTranslator(
		workflow.ConditionPercentSessionsCount, workflow.ConditionPercentSessionsPercent)})
	r.Register(EventUniqueUserFrequencyWithCondsID, Entry{
		Kind:           KindCondition,
		Translator:     TranslatorFunc(translateUniqueUserWithFilters),
		AbsorbsFilters: true,
	})

	r.Register(AgeComparisonFilterID, Entry{Kind: KindFilter, Translator: TranslatorFunc(translateAgeComparison)})
	r.Register(IssueOccurrencesFilterID, Entry{Kind: KindFilter, Translator: valueTranslator(workflow.ConditionIssueOccurrences)})
	r.Register(IssueCategoryFilterID, Entry{Kind: KindFilter, Translator: valueTranslator(workflow.ConditionIssueCategory)})
	r.Register(AssignedToFilterID, Entry{Kind: KindFilter, Translator: TranslatorFunc(translateAssignedTo)})
	r.Register(LatestReleaseFilterID, Entry{Kind: KindFilter, Translator: boolTranslator(workflow.ConditionLatestRelease)})
	r.Register(LatestAdoptedReleaseFilterID, Entry{Kind: KindFilter, Translator: TranslatorFunc(translateLatestAdoptedRelease)})
	for _, id := range []string{LevelFilterID, LevelConditionID} {
		r.Register(id, Entry{Kind: KindFilter, Translator: TranslatorFunc(translateLevel)})
	}
	for _, id := range []string{TaggedEventFilterID, TaggedEventConditionID} {
		r.Register(id, Entry{Kind: KindFilter, Translator: TranslatorFunc(translateTaggedEvent)})
	}
	for _, id := range []string{EventAttributeFilterID, EventAttributeConditionID} {
		r.Register(id, Entry{Kind: KindFilter, Translator: TranslatorFunc(translateEventAttribute)})
	}

	return r
}

// decodeParams weakly decodes legacy parameters: rules saved through the
// old UI store numbers as strings.
func decodeParams(spec schemas.Spec, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		TagName:          "json",
		Result:           out,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(map[string]any(spec)); err != nil {
		return fmt.Errorf("decode params: %w", err)
	}
	return nil
}

func newCondition(typ workflow.ConditionType, comparison any) *workflow.DataCondition {
	return &workflow.DataCondition{Type: typ, Comparison: comparison, ConditionResult: true}
}

func boolTranslator(typ workflow.ConditionType) Translator {
	return TranslatorFunc(func(schemas.Spec, TranslateContext) (*workflow.DataCondition, error) {
		return newCondition(typ, true), nil
	})
}

type frequencyParams struct {
	Interval           string `json:"interval"`
	Value              int    `json:"value"`
	ComparisonType     string `json:"comparisonType"`
	ComparisonInterval string `json:"comparisonInterval"`
}

func (p frequencyParams) percent() (bool, error) {
	switch p.ComparisonType {
	case "", "count":
		return false, nil
	case "percent":
		if p.ComparisonInterval == "" {
			return false, fmt.Errorf("percent comparison requires comparisonInterval")
		}
		return true, nil
	}
	return false, fmt.Errorf("unknown comparisonType %q", p.ComparisonType)
}

func frequencyTranslator(count, percent workflow.ConditionType) Translator {
	return TranslatorFunc(func(spec schemas.Spec, _ TranslateContext) (*workflow.DataCondition, error) {
		var p frequencyParams
		if err := decodeParams(spec, &p); err != nil {
			return nil, err
		}
		isPercent, err := p.percent()
		if err != nil {
			return nil, err
		}
		if isPercent {
			return newCondition(percent, workflow.PercentComparison{
				Interval:           p.Interval,
				Value:              p.Value,
				ComparisonInterval: p.ComparisonInterval,
			}), nil
		}
		return newCondition(count, workflow.FrequencyComparison{Interval: p.Interval, Value: p.Value}), nil
	})
}

type matchParams struct {
	Key       string `json:"key"`
	Attribute string `json:"attribute"`
	Match     string `json:"match"`
	Value     string `json:"value"`
}

func translateUniqueUser(spec schemas.Spec, _ TranslateContext) (*workflow.DataCondition, error) {
	return uniqueUserCondition(spec, []workflow.UniqueUserFilter{})
}

// translateUniqueUserWithFilters folds tag and attribute filters into the
// unique user frequency comparison. Any other filter kind is rejected.
func translateUniqueUserWithFilters(spec schemas.Spec, tc TranslateContext) (*workflow.DataCondition, error) {
	filters := make([]workflow.UniqueUserFilter, 0, len(tc.Filters))
	for _, f := range tc.Filters {
		var mp matchParams
		if err := decodeParams(f, &mp); err != nil {
			return nil, err
		}
		uf := workflow.UniqueUserFilter{Match: mp.Match}
		switch f.ID() {
		case TaggedEventFilterID, TaggedEventConditionID:
			uf.Key = mp.Key
		case EventAttributeFilterID, EventAttributeConditionID:
			uf.Attribute = mp.Attribute
		default:
			return nil, fmt.Errorf("filter %q cannot be combined with unique user frequency", f.ID())
		}
		if !workflow.Valueless(mp.Match) {
			uf.Value = mp.Value
		}
		filters = append(filters, uf)
	}
	return uniqueUserCondition(spec, filters)
}

// uniqueUserCondition builds both unique user kinds. Plain conditions carry
// an empty filter list.
func uniqueUserCondition(spec schemas.Spec, filters []workflow.UniqueUserFilter) (*workflow.DataCondition, error) {
	var p frequencyParams
	if err := decodeParams(spec, &p); err != nil {
		return nil, err
	}
	isPercent, err := p.percent()
	if err != nil {
		return nil, err
	}
	cmp := workflow.UniqueUserFilterComparison{Interval: p.Interval, Value: p.Value, Filters: filters}
	if isPercent {
		cmp.ComparisonInterval = p.ComparisonInterval
		return newCondition(workflow.ConditionEventUniqueUserPercent, cmp), nil
	}
	return newCondition(workflow.ConditionEventUniqueUserCount, cmp), nil
}

func translateAgeComparison(spec schemas.Spec, _ TranslateContext) (*workflow.DataCondition, error) {
	var p struct {
		ComparisonType string `json:"comparison_type"`
		Value          int    `json:"value"`
		Time           string `json:"time"`
	}
	if err := decodeParams(spec, &p); err != nil {
		return nil, err
	}
	return newCondition(workflow.ConditionAgeComparison, workflow.AgeComparison{
		ComparisonType: p.ComparisonType,
		Value:          p.Value,
		Time:           p.Time,
	}), nil
}

func valueTranslator(typ workflow.ConditionType) Translator {
	return TranslatorFunc(func(spec schemas.Spec, _ TranslateContext) (*workflow.DataCondition, error) {
		var p struct {
			Value int `json:"value"`
		}
		if err := decodeParams(spec, &p); err != nil {
			return nil, err
		}
		return newCondition(typ, workflow.ValueComparison{Value: p.Value}), nil
	})
}

func translateAssignedTo(spec schemas.Spec, _ TranslateContext) (*workflow.DataCondition, error) {
	var p struct {
		TargetType       string `json:"targetType"`
		TargetIdentifier any    `json:"targetIdentifier"`
	}
	if err := decodeParams(spec, &p); err != nil {
		return nil, err
	}
	cmp := workflow.AssignedToComparison{TargetType: p.TargetType}
	if p.TargetType != "Unassigned" {
		id, err := optionalID(p.TargetIdentifier)
		if err != nil {
			return nil, fmt.Errorf("targetIdentifier: %w", err)
		}
		cmp.TargetIdentifier = id
	}
	return newCondition(workflow.ConditionAssignedTo, cmp), nil
}

// optionalID accepts the identifier shapes found in stored rules: numbers,
// numeric strings, or nothing at all.
func optionalID(v any) (*int64, error) {
	var id int64
	switch t := v.(type) {
	case nil:
		return nil, nil
	case string:
		if t == "" {
			return nil, nil
		}
		n, err := strconv.ParseInt(t, 10, 64)
		if err != nil {
			return nil, err
		}
		id = n
	case int:
		id = int64(t)
	case int64:
		id = t
	case float64:
		id = int64(t)
	default:
		return nil, fmt.Errorf("unexpected type %T", v)
	}
	return &id, nil
}

func translateLevel(spec schemas.Spec, _ TranslateContext) (*workflow.DataCondition, error) {
	var p struct {
		Match string `json:"match"`
		Level int    `json:"level"`
	}
	if err := decodeParams(spec, &p); err != nil {
		return nil, err
	}
	return newCondition(workflow.ConditionLevel, workflow.LevelComparison{Match: p.Match, Level: p.Level}), nil
}

func translateTaggedEvent(spec schemas.Spec, _ TranslateContext) (*workflow.DataCondition, error) {
	var p matchParams
	if err := decodeParams(spec, &p); err != nil {
		return nil, err
	}
	cmp := workflow.TaggedEventComparison{Key: p.Key, Match: p.Match}
	if !workflow.Valueless(p.Match) {
		cmp.Value = p.Value
	}
	return newCondition(workflow.ConditionTaggedEvent, cmp), nil
}

func translateEventAttribute(spec schemas.Spec, _ TranslateContext) (*workflow.DataCondition, error) {
	var p matchParams
	if err := decodeParams(spec, &p); err != nil {
		return nil, err
	}
	cmp := workflow.EventAttributeComparison{Attribute: p.Attribute, Match: p.Match}
	if !workflow.Valueless(p.Match) {
		cmp.Value = p.Value
	}
	return newCondition(workflow.ConditionEventAttribute, cmp), nil
}

func translateLatestAdoptedRelease(spec schemas.Spec, _ TranslateContext) (*workflow.DataCondition, error) {
	var p struct {
		OldestOrNewest string `json:"oldest_or_newest"`
		OlderOrNewer   string `json:"older_or_newer"`
		Environment    string `json:"environment"`
	}
	if err := decodeParams(spec, &p); err != nil {
		return nil, err
	}
	return newCondition(workflow.ConditionLatestAdoptedRelease, workflow.LatestAdoptedReleaseComparison{
		ReleaseAgeType: p.OldestOrNewest,
		AgeComparison:  p.OlderOrNewer,
		Environment:    p.Environment,
	}), nil
}

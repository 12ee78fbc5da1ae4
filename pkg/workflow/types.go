// Package workflow defines the condition-group graph that legacy alert rules
// are migrated into: detectors, data condition groups, data conditions,
// actions and the workflow that ties them together.
package workflow

import (
	"fmt"
	"time"
)

const (
	// DefaultFrequency is the workflow action interval, in minutes, used
	// when the legacy rule does not carry one.
	DefaultFrequency = 30

	ErrorDetectorType = "error"
	ErrorDetectorName = "Error Monitor"
)

// LogicType combines the conditions of a group.
type LogicType string

const (
	LogicAny             LogicType = "any"
	LogicAnyShortCircuit LogicType = "any-short"
	LogicAll             LogicType = "all"
	LogicNone            LogicType = "none"
)

// ParseLogicType maps a textual logic value onto a LogicType.
func ParseLogicType(s string) (LogicType, error) {
	switch lt := LogicType(s); lt {
	case LogicAny, LogicAnyShortCircuit, LogicAll, LogicNone:
		return lt, nil
	}
	return "", fmt.Errorf("unknown logic type %q", s)
}

// ConditionType is the kind of a DataCondition.
type ConditionType string

const (
	// ConditionEveryEvent is the catch-all kind. It never reaches the graph.
	ConditionEveryEvent ConditionType = "every_event"

	ConditionFirstSeenEvent            ConditionType = "first_seen_event"
	ConditionRegressionEvent           ConditionType = "regression_event"
	ConditionReappearedEvent           ConditionType = "reappeared_event"
	ConditionNewHighPriorityIssue      ConditionType = "new_high_priority_issue"
	ConditionExistingHighPriorityIssue ConditionType = "existing_high_priority_issue"
	ConditionEventFrequencyCount       ConditionType = "event_frequency_count"
	ConditionEventFrequencyPercent     ConditionType = "event_frequency_percent"
	ConditionEventUniqueUserCount      ConditionType = "event_unique_user_frequency_count"
	ConditionEventUniqueUserPercent    ConditionType = "event_unique_user_frequency_percent"
	ConditionPercentSessionsCount      ConditionType = "percent_sessions_count"
	ConditionPercentSessionsPercent    ConditionType = "percent_sessions_percent"
	ConditionAgeComparison             ConditionType = "age_comparison"
	ConditionIssueOccurrences          ConditionType = "issue_occurrences"
	ConditionAssignedTo                ConditionType = "assigned_to"
	ConditionLevel                     ConditionType = "level"
	ConditionTaggedEvent               ConditionType = "tagged_event"
	ConditionEventAttribute            ConditionType = "event_attribute"
	ConditionLatestRelease             ConditionType = "latest_release"
	ConditionLatestAdoptedRelease      ConditionType = "latest_adopted_release"
	ConditionIssueCategory             ConditionType = "issue_category"
)

// Detector is what a workflow listens to. Transient detectors are
// placeholders built during dry runs and never persisted.
type Detector struct {
	ID        int64          `json:"id"`
	ProjectID int64          `json:"project_id"`
	Type      string         `json:"type"`
	Name      string         `json:"name"`
	Config    map[string]any `json:"config"`
	Transient bool           `json:"-"`
}

// NewErrorDetector returns an unsaved default error detector for a project.
func NewErrorDetector(projectID int64) *Detector {
	return &Detector{
		ProjectID: projectID,
		Type:      ErrorDetectorType,
		Name:      ErrorDetectorName,
		Config:    map[string]any{},
	}
}

// DataCondition is one comparison inside a group. Comparison holds either a
// bool or one of the typed comparison structs in comparisons.go.
type DataCondition struct {
	ID               int64         `json:"id"`
	Type             ConditionType `json:"type"`
	Comparison       any           `json:"comparison"`
	ConditionResult  any           `json:"condition_result"`
	ConditionGroupID int64         `json:"condition_group_id"`
}

// DataConditionGroup is a logic-typed container of conditions. Actions are
// only attached to "if" groups.
type DataConditionGroup struct {
	ID             int64            `json:"id"`
	OrganizationID int64            `json:"organization_id" validate:"gt=0"`
	LogicType      LogicType        `json:"logic_type" validate:"required,oneof=any any-short all none"`
	Conditions     []*DataCondition `json:"conditions"`
	Actions        []*Action        `json:"actions,omitempty"`
}

// Config is the validated workflow configuration.
type Config struct {
	Frequency int `json:"frequency" validate:"gte=0,lte=43200"`
}

// Workflow is the migrated representation of a legacy rule.
type Workflow struct {
	ID                 int64                 `json:"id"`
	Name               string                `json:"name" validate:"required,max=256"`
	OrganizationID     int64                 `json:"organization_id" validate:"gt=0"`
	EnvironmentID      *int64                `json:"environment_id,omitempty"`
	Config             Config                `json:"config"`
	Enabled            bool                  `json:"enabled"`
	CreatedByID        *int64                `json:"created_by_id,omitempty"`
	OwnerUserID        *int64                `json:"owner_user_id,omitempty"`
	OwnerTeamID        *int64                `json:"owner_team_id,omitempty"`
	DateAdded          time.Time             `json:"date_added"`
	WhenConditionGroup *DataConditionGroup   `json:"when_condition_group" validate:"-"`
	IfConditionGroups  []*DataConditionGroup `json:"if_condition_groups" validate:"-"`
}

// Actions returns every action reachable through the workflow's "if" groups.
func (w *Workflow) Actions() []*Action {
	var out []*Action
	for _, g := range w.IfConditionGroups {
		out = append(out, g.Actions...)
	}
	return out
}

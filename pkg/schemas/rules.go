// Package schemas holds the legacy issue-alert rule records consumed by the
// migrator and the CloudEvent envelope used on the bus.
package schemas

import (
	"fmt"
	"io"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	RulesSchemaVersionV1 = "1.0"
)

const (
	DefaultActionMatch = "all"
	DefaultFilterMatch = "any"
)

// RuleStatus mirrors the object status of a legacy rule.
type RuleStatus string

const (
	RuleStatusActive   RuleStatus = "active"
	RuleStatusDisabled RuleStatus = "disabled"
)

// RuleSource tells where a legacy rule was created from.
type RuleSource string

const (
	RuleSourceIssue       RuleSource = "issue"
	RuleSourceCronMonitor RuleSource = "cron_monitor"
)

// RuleFile represents the top-level YAML file used for batch migrations.
// Snoozes and Migrated seed the platform state of an in-memory store.
type RuleFile struct {
	SchemaVersion string       `yaml:"schemaVersion"`
	Rules         []Rule       `yaml:"rules"`
	Snoozes       []RuleSnooze `yaml:"snoozes,omitempty"`
	Migrated      []int64      `yaml:"migrated,omitempty"`
}

// Rule is a legacy issue alert rule. It is never mutated by the migrator.
type Rule struct {
	ID             int64      `yaml:"id" json:"id"`
	ProjectID      int64      `yaml:"projectId" json:"project_id"`
	OrganizationID int64      `yaml:"organizationId" json:"organization_id"`
	Label          string     `yaml:"label" json:"label"`
	EnvironmentID  *int64     `yaml:"environmentId,omitempty" json:"environment_id,omitempty"`
	Data           RuleData   `yaml:"data" json:"data"`
	Status         RuleStatus `yaml:"status,omitempty" json:"status,omitempty"`
	Source         RuleSource `yaml:"source,omitempty" json:"source,omitempty"`
	OwnerUserID    *int64     `yaml:"ownerUserId,omitempty" json:"owner_user_id,omitempty"`
	OwnerTeamID    *int64     `yaml:"ownerTeamId,omitempty" json:"owner_team_id,omitempty"`
	DateAdded      time.Time  `yaml:"dateAdded" json:"date_added"`
}

// RuleData is the free-form payload of a legacy rule.
type RuleData struct {
	Conditions  []Spec `yaml:"conditions" json:"conditions"`
	Actions     []Spec `yaml:"actions" json:"actions"`
	ActionMatch string `yaml:"action_match,omitempty" json:"action_match,omitempty"`
	FilterMatch string `yaml:"filter_match,omitempty" json:"filter_match,omitempty"`
	Frequency   int    `yaml:"frequency,omitempty" json:"frequency,omitempty"`
}

// Spec is one legacy condition, filter or action: a mapping keyed by the
// "id" discriminator plus arbitrary parameters.
type Spec map[string]any

// ID returns the discriminator, or "" when it is missing or not a string.
func (s Spec) ID() string {
	id, _ := s["id"].(string)
	return id
}

// Clone returns a shallow copy so translators never alias the rule's data.
func (s Spec) Clone() Spec {
	out := make(Spec, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// RuleSnooze mutes a rule. A nil UserID means the snooze applies to the
// whole organization; a nil Until means it never expires.
type RuleSnooze struct {
	RuleID int64      `yaml:"ruleId" json:"rule_id"`
	UserID *int64     `yaml:"userId,omitempty" json:"user_id,omitempty"`
	Until  *time.Time `yaml:"until,omitempty" json:"until,omitempty"`
}

// Permanent reports whether the snooze is organization-wide and never expires.
func (s *RuleSnooze) Permanent() bool {
	return s != nil && s.UserID == nil && s.Until == nil
}

// ActionMatchOrDefault returns the configured action match.
func (d RuleData) ActionMatchOrDefault() string {
	if d.ActionMatch == "" {
		return DefaultActionMatch
	}
	return d.ActionMatch
}

// FilterMatchOrDefault returns the configured filter match.
func (d RuleData) FilterMatchOrDefault() string {
	if d.FilterMatch == "" {
		return DefaultFilterMatch
	}
	return d.FilterMatch
}

// DecodeRuleFile parses a YAML rule file and checks its schema version.
func DecodeRuleFile(r io.Reader) (*RuleFile, error) {
	var f RuleFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("decode rule file: %w", err)
	}
	if f.SchemaVersion != RulesSchemaVersionV1 {
		return nil, fmt.Errorf("unsupported schemaVersion %q", f.SchemaVersion)
	}
	seen := make(map[int64]struct{}, len(f.Rules))
	for i, r := range f.Rules {
		if r.ID == 0 {
			return nil, fmt.Errorf("rule %d: missing id", i)
		}
		if _, dup := seen[r.ID]; dup {
			return nil, fmt.Errorf("rule %d: duplicate id %d", i, r.ID)
		}
		seen[r.ID] = struct{}{}
	}
	return &f, nil
}

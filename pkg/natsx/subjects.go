// Package natsx names the NATS subjects, streams and dead-letter queues used
// by the migrator. Subjects follow <source>.<class>.<type>[.<id>[.<action>]].
package natsx

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	// Source is the subject prefix owned by the migrator.
	Source = "rule_migrator"

	// StreamName is the JetStream stream holding migration commands.
	StreamName = "RULE_MIGRATIONS"
	// DLQStreamName holds commands that could not be processed.
	DLQStreamName = "RULE_MIGRATIONS_DLQ"
	// EventStreamName holds result events.
	EventStreamName = "RULE_MIGRATOR_EVENTS"

	// ConsumerName is the durable consumer of the worker.
	ConsumerName = "migrator"

	dlqToken = "rule_migrations"
)

// Subject classes.
const (
	ClassEvents   = "events"
	ClassCommands = "commands"
	ClassAudit    = "audit"
	ClassMetrics  = "metrics"
	ClassLogs     = "logs"
)

// AllowedClasses lists the classes accepted by BuildSubject.
var AllowedClasses = map[string]struct{}{
	ClassEvents:   {},
	ClassCommands: {},
	ClassAudit:    {},
	ClassMetrics:  {},
	ClassLogs:     {},
}

// IsValidToken reports whether token is a non-empty run of lowercase
// letters, digits and underscores.
func IsValidToken(token string) bool {
	if token == "" {
		return false
	}
	for _, r := range token {
		if !(r >= 'a' && r <= 'z') && !(r >= '0' && r <= '9') && r != '_' {
			return false
		}
	}
	return true
}

// Subject is a parsed subject. ID and Action are optional.
type Subject struct {
	Source string
	Class  string
	Type   string
	ID     string
	Action string
}

// String joins the tokens without validating them.
func (s Subject) String() string {
	parts := []string{s.Source, s.Class, s.Type}
	if s.ID != "" {
		parts = append(parts, s.ID)
		if s.Action != "" {
			parts = append(parts, s.Action)
		}
	}
	return strings.Join(parts, ".")
}

func (s Subject) validate() error {
	checks := []struct {
		name, token string
		optional    bool
	}{
		{"source", s.Source, false},
		{"class", s.Class, false},
		{"type", s.Type, false},
		{"id", s.ID, true},
		{"action", s.Action, true},
	}
	for _, c := range checks {
		if c.optional && c.token == "" {
			continue
		}
		if !IsValidToken(c.token) {
			return fmt.Errorf("invalid %s token %q: %w", c.name, c.token, ErrInvalidToken)
		}
	}
	if _, ok := AllowedClasses[s.Class]; !ok {
		return fmt.Errorf("class %q is not allowed: %w", s.Class, ErrInvalidClass)
	}
	if s.Action != "" && s.ID == "" {
		return fmt.Errorf("action %q without id: %w", s.Action, ErrInvalidSubject)
	}
	return nil
}

// BuildSubject validates the tokens and joins them.
func BuildSubject(source, class, typ, id, action string) (string, error) {
	s := Subject{Source: source, Class: class, Type: typ, ID: id, Action: action}
	if err := s.validate(); err != nil {
		return "", err
	}
	return s.String(), nil
}

// ParseSubject splits and validates a subject.
func ParseSubject(subject string) (Subject, error) {
	parts := strings.Split(subject, ".")
	if len(parts) < 3 || len(parts) > 5 {
		return Subject{}, fmt.Errorf("%q has %d tokens: %w", subject, len(parts), ErrInvalidSubject)
	}
	s := Subject{Source: parts[0], Class: parts[1], Type: parts[2]}
	if len(parts) > 3 {
		s.ID = parts[3]
	}
	if len(parts) > 4 {
		s.Action = parts[4]
	}
	if err := s.validate(); err != nil {
		return Subject{}, err
	}
	return s, nil
}

// BuildDLQSubject names the dead-letter subject of a stream consumer.
func BuildDLQSubject(streamName, consumerName string) (string, error) {
	if !IsValidToken(streamName) {
		return "", fmt.Errorf("invalid stream name token %q: %w", streamName, ErrInvalidToken)
	}
	if !IsValidToken(consumerName) {
		return "", fmt.Errorf("invalid consumer name token %q: %w", consumerName, ErrInvalidToken)
	}
	return "dlq." + streamName + "." + consumerName, nil
}

// ---------------------------------------------------------------------------
// Migrator subjects
// ---------------------------------------------------------------------------

// CommandSubjects matches every migration command.
func CommandSubjects() string { return Source + "." + ClassCommands + ".>" }

// EventSubjects matches every result event.
func EventSubjects() string { return Source + "." + ClassEvents + ".>" }

// DLQSubject is the dead-letter subject of the migrator consumer.
func DLQSubject() string {
	s, _ := BuildDLQSubject(dlqToken, ConsumerName)
	return s
}

// MigrateCommandSubject is where a migration request for ruleID is published.
func MigrateCommandSubject(ruleID int64) string {
	return Subject{Source: Source, Class: ClassCommands, Type: "rule", ID: strconv.FormatInt(ruleID, 10), Action: "migrate"}.String()
}

// WorkflowMigratedSubject announces a successful migration of ruleID.
func WorkflowMigratedSubject(ruleID int64) string {
	return Subject{Source: Source, Class: ClassEvents, Type: "workflow", ID: strconv.FormatInt(ruleID, 10), Action: "migrated"}.String()
}

// MigrationFailedSubject announces a permanent failure for ruleID.
func MigrationFailedSubject(ruleID int64) string {
	return Subject{Source: Source, Class: ClassEvents, Type: "rule", ID: strconv.FormatInt(ruleID, 10), Action: "failed"}.String()
}

// RuleID extracts the rule id of a migrator command or event subject.
func RuleID(subject string) (int64, error) {
	s, err := ParseSubject(subject)
	if err != nil {
		return 0, err
	}
	if s.Source != Source || s.ID == "" {
		return 0, fmt.Errorf("%q is not a rule subject: %w", subject, ErrInvalidSubject)
	}
	id, err := strconv.ParseInt(s.ID, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("rule id %q: %w", s.ID, ErrInvalidSubject)
	}
	return id, nil
}

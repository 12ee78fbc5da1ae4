package migration

import (
	"errors"
	"fmt"

	"github.com/primaryrutabaga/rule-migrator/pkg/lock"
	"github.com/primaryrutabaga/rule-migrator/pkg/metrics"
)

var (
	// ErrAlreadyMigrated is returned when the rule already carries a
	// migrated marker.
	ErrAlreadyMigrated = errors.New("rule already migrated")

	// ErrNoTriggerConditions is returned when a rule's trigger conditions
	// reduce to nothing although they were not all catch-all conditions.
	// The rule needs manual attention.
	ErrNoTriggerConditions = errors.New("no valid trigger conditions")
)

// ValidationError reports a condition, group or workflow that failed to
// translate or validate.
type ValidationError struct {
	RuleID int64
	// Field locates the failure, e.g. "conditions[2]", "filters[0]",
	// "action_match" or "workflow".
	Field string
	// SpecID is the legacy discriminator of the failing spec, if any.
	SpecID string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.SpecID != "" {
		return fmt.Sprintf("rule %d: invalid %s (%s): %v", e.RuleID, e.Field, e.SpecID, e.Err)
	}
	return fmt.Sprintf("rule %d: invalid %s: %v", e.RuleID, e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// IsRetryable reports whether the migration may succeed if retried later.
// Only lock contention is retryable.
func IsRetryable(err error) bool {
	return errors.Is(err, lock.ErrUnavailable)
}

// Outcome classifies a Migrate result as ok, retryable or failed.
func Outcome(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeOK
	case IsRetryable(err):
		return metrics.OutcomeRetry
	default:
		return metrics.OutcomeRejected
	}
}

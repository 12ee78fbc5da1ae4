// Package metrics holds the Prometheus collectors of the migrator. They are
// registered on the default registry, which services expose with promhttp.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "rule_migrator"

// Outcome labels.
const (
	OutcomeOK       = "ok"
	OutcomeRetry    = "retryable"
	OutcomeRejected = "failed"
)

var (
	// Migrations counts Migrate calls. Labels: mode (dry_run, commit), outcome.
	Migrations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "migrations_total",
		Help:      "Rule migrations by mode and outcome",
	}, []string{"mode", "outcome"})

	// MigrationDuration measures a full Migrate call. Labels: mode.
	MigrationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "migration_duration_seconds",
		Help:      "Rule migration latency in seconds",
		Buckets:   prometheus.DefBuckets,
	}, []string{"mode"})

	// SkippedConditions counts conditions dropped in commit mode. Labels: type.
	SkippedConditions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "skipped_conditions_total",
		Help:      "Conditions skipped during best-effort migrations",
	}, []string{"type"})

	// SkippedActions counts legacy actions that could not be converted.
	SkippedActions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "skipped_actions_total",
		Help:      "Legacy actions skipped during migrations",
	})

	// DetectorsCreated counts default detectors provisioned.
	DetectorsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "detectors_created_total",
		Help:      "Default error detectors created",
	})

	// LockWait measures time spent acquiring detector locks. Labels: acquired.
	LockWait = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "lock_wait_seconds",
		Help:      "Time spent waiting for named locks",
		Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 3, 5},
	}, []string{"acquired"})

	// Messages counts worker messages. Labels: outcome.
	Messages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "worker_messages_total",
		Help:      "Worker messages by outcome",
	}, []string{"outcome"})
)

// Mode returns the mode label for a migration.
func Mode(dryRun bool) string {
	if dryRun {
		return "dry_run"
	}
	return "commit"
}

// ObserveLockWait records how long a lock acquisition took.
func ObserveLockWait(start time.Time, acquired bool) {
	label := "false"
	if acquired {
		label = "true"
	}
	LockWait.WithLabelValues(label).Observe(time.Since(start).Seconds())
}

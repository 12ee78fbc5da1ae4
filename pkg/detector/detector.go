// Package detector provisions the default error detector of a project.
package detector

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/primaryrutabaga/rule-migrator/pkg/lock"
	"github.com/primaryrutabaga/rule-migrator/pkg/metrics"
	"github.com/primaryrutabaga/rule-migrator/pkg/store"
	"github.com/primaryrutabaga/rule-migrator/pkg/workflow"
)

// LockKey names the lock guarding detector creation for a project.
func LockKey(projectID int64) string {
	return fmt.Sprintf("workflow-engine-project-error-detector:%d", projectID)
}

// Provisioner looks up or creates default detectors. At most one default
// detector is created per project, however many callers race.
type Provisioner struct {
	store   store.Store
	locker  lock.Locker
	timeout time.Duration
	logger  *log.Logger
}

// NewProvisioner returns a provisioner. A zero timeout uses
// lock.DefaultTimeout.
func NewProvisioner(s store.Store, l lock.Locker, timeout time.Duration, logger *log.Logger) *Provisioner {
	if timeout <= 0 {
		timeout = lock.DefaultTimeout
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Provisioner{store: s, locker: l, timeout: timeout, logger: logger}
}

// Lookup returns the project's default detector without writing. When there
// is none it returns a transient placeholder.
func (p *Provisioner) Lookup(ctx context.Context, projectID int64) (*workflow.Detector, error) {
	d, err := p.store.DefaultDetector(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("lookup detector: %w", err)
	}
	if d != nil {
		return d, nil
	}
	d = workflow.NewErrorDetector(projectID)
	d.Transient = true
	return d, nil
}

// EnsureDefault returns the project's default detector, creating it under
// the project lock when missing. Creation commits in its own transaction
// before the lock is released. Lock timeouts surface as
// lock.ErrUnavailable.
func (p *Provisioner) EnsureDefault(ctx context.Context, projectID int64) (*workflow.Detector, error) {
	d, err := p.store.DefaultDetector(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("lookup detector: %w", err)
	}
	if d != nil {
		return d, nil
	}

	key := LockKey(projectID)
	start := time.Now()
	lk, err := p.locker.TryAcquire(ctx, key, p.timeout)
	metrics.ObserveLockWait(start, err == nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := lk.Release(context.WithoutCancel(ctx)); err != nil {
			p.logger.Printf("detector: release %s failed: %v", key, err)
		}
	}()

	created := false
	err = p.store.Atomic(ctx, func(tx store.Tx) error {
		existing, err := tx.DefaultDetector(ctx, projectID)
		if err != nil {
			return fmt.Errorf("lookup detector: %w", err)
		}
		if existing != nil {
			d = existing
			return nil
		}
		d = workflow.NewErrorDetector(projectID)
		if err := tx.CreateDetector(ctx, d); err != nil {
			return fmt.Errorf("create detector: %w", err)
		}
		created = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if created {
		metrics.DetectorsCreated.Inc()
		p.logger.Printf("detector: created default detector id=%d project=%d", d.ID, projectID)
	}
	return d, nil
}

// Package lock provides named, time-bounded mutual exclusion used to guard
// one-time creation of shared rows.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	// DefaultTimeout bounds how long TryAcquire keeps retrying.
	DefaultTimeout = 3 * time.Second
	// InitialDelay is the first retry delay; later delays grow exponentially.
	InitialDelay = 100 * time.Millisecond
)

// ErrUnavailable is returned when a lock could not be acquired in time.
// Callers should treat it as retryable.
var ErrUnavailable = errors.New("unable to acquire lock")

// Lock is a held lock.
type Lock interface {
	Release(ctx context.Context) error
}

// Locker acquires named locks.
type Locker interface {
	TryAcquire(ctx context.Context, key string, timeout time.Duration) (Lock, error)
}

var errBusy = errors.New("lock busy")

// acquire calls try with exponential backoff until it reports success, the
// timeout elapses, or ctx is done. try returns false when the lock is held
// elsewhere.
func acquire(ctx context.Context, key string, timeout time.Duration, try func() (bool, error)) error {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = InitialDelay
	b.MaxElapsedTime = timeout

	err := backoff.Retry(func() error {
		ok, err := try()
		if err != nil {
			return backoff.Permanent(err)
		}
		if !ok {
			return errBusy
		}
		return nil
	}, backoff.WithContext(b, ctx))

	switch {
	case err == nil:
		return nil
	case errors.Is(err, errBusy), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %s after %s", ErrUnavailable, key, timeout)
	default:
		return fmt.Errorf("acquire %s: %w", key, err)
	}
}

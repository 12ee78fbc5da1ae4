package lock

import (
	"context"
	"sync"
	"time"
)

// Local is an in-process Locker. It only excludes callers sharing the same
// Local value, so it suits single-node deployments and tests.
type Local struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewLocal returns an empty in-process locker.
func NewLocal() *Local {
	return &Local{held: make(map[string]struct{})}
}

// TryAcquire implements Locker.
func (l *Local) TryAcquire(ctx context.Context, key string, timeout time.Duration) (Lock, error) {
	err := acquire(ctx, key, timeout, func() (bool, error) {
		l.mu.Lock()
		defer l.mu.Unlock()
		if _, busy := l.held[key]; busy {
			return false, nil
		}
		l.held[key] = struct{}{}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return &localLock{owner: l, key: key}, nil
}

// Held reports whether key is currently locked.
func (l *Local) Held(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[key]
	return ok
}

type localLock struct {
	owner *Local
	key   string
	once  sync.Once
}

func (ll *localLock) Release(context.Context) error {
	ll.once.Do(func() {
		ll.owner.mu.Lock()
		delete(ll.owner.held, ll.key)
		ll.owner.mu.Unlock()
	})
	return nil
}

package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres is a Locker backed by session-level advisory locks. Each held
// lock pins one pooled connection until it is released.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres returns an advisory Locker using pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// AdvisoryKey maps a lock name onto the bigint keyspace of pg advisory locks.
func AdvisoryKey(name string) int64 {
	return int64(xxhash.Sum64String(name))
}

// TryAcquire implements Locker.
func (p *Postgres) TryAcquire(ctx context.Context, key string, timeout time.Duration) (Lock, error) {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}

	id := AdvisoryKey(key)
	err = acquire(ctx, key, timeout, func() (bool, error) {
		var ok bool
		if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", id).Scan(&ok); err != nil {
			return false, fmt.Errorf("pg_try_advisory_lock: %w", err)
		}
		return ok, nil
	})
	if err != nil {
		conn.Release()
		return nil, err
	}
	return &advisoryLock{conn: conn, id: id}, nil
}

type advisoryLock struct {
	conn *pgxpool.Conn
	id   int64
}

func (a *advisoryLock) Release(ctx context.Context) error {
	if a.conn == nil {
		return nil
	}
	defer func() {
		a.conn.Release()
		a.conn = nil
	}()
	if _, err := a.conn.Exec(ctx, "SELECT pg_advisory_unlock($1)", a.id); err != nil {
		// The session still holds the lock; drop the connection so the
		// server releases it.
		a.conn.Conn().Close(context.Background())
		return fmt.Errorf("pg_advisory_unlock: %w", err)
	}
	return nil
}

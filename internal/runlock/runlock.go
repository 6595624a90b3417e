package runlock

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Locker is a distributed run lock over a transactional store. At most
// one live (non-expired) owner exists per key; contention is a benign
// outcome (acquired=false), while an error means the lock
// infrastructure itself is unavailable and the run attempt must abort.
type Locker interface {
	Acquire(ctx context.Context, key, owner string, ttl time.Duration) (acquired bool, err error)
	Release(ctx context.Context, key, owner string) (released bool, err error)
}

// PostgresLocker implements Locker with a single conditional upsert.
// The WHERE clause is the whole contract: a row can only be taken over
// when its lease has expired or the caller already owns it.
type PostgresLocker struct {
	pool *pgxpool.Pool
}

func NewPostgresLocker(pool *pgxpool.Pool) *PostgresLocker {
	return &PostgresLocker{pool: pool}
}

func (l *PostgresLocker) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	tag, err := l.pool.Exec(ctx, `
		INSERT INTO run_locks (key, owner, expires_at)
		VALUES ($1, $2, NOW() + ($3 * INTERVAL '1 second'))
		ON CONFLICT (key) DO UPDATE
		SET owner = EXCLUDED.owner, expires_at = EXCLUDED.expires_at
		WHERE run_locks.expires_at <= NOW() OR run_locks.owner = EXCLUDED.owner
	`, key, owner, int64(ttl.Seconds()))
	if err != nil {
		return false, fmt.Errorf("acquire lock %q: %w", key, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (l *PostgresLocker) Release(ctx context.Context, key, owner string) (bool, error) {
	tag, err := l.pool.Exec(ctx, `
		DELETE FROM run_locks WHERE key = $1 AND owner = $2
	`, key, owner)
	if err != nil {
		return false, fmt.Errorf("release lock %q: %w", key, err)
	}
	return tag.RowsAffected() == 1, nil
}

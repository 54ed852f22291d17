package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// AcquireLock takes a named TTL lease in the ingest_locks table. A lock can
// be taken when no row exists or the previous holder's lease has expired.
// Returns false when another holder still owns the lock. This is the only
// cluster-wide mutual exclusion in the system: the scheduler's
// "global_ingest_lock" and the per-pool "ingest_lock:{address}" leases.
func (r *Repository) AcquireLock(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	var got string
	err := r.db.QueryRow(ctx, `
		INSERT INTO ingest_locks (name, holder, expires_at)
		VALUES ($1, $2, NOW() + make_interval(secs => $3))
		ON CONFLICT (name) DO UPDATE
		SET holder = EXCLUDED.holder,
		    expires_at = EXCLUDED.expires_at
		WHERE ingest_locks.expires_at < NOW()
		RETURNING name`,
		name, holder, ttl.Seconds(),
	).Scan(&got)

	if err == pgx.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", name, err)
	}
	return true, nil
}

// ReleaseLock drops a lease, but only for the holder that owns it; a lease
// that expired and was taken over stays with the new holder.
func (r *Repository) ReleaseLock(ctx context.Context, name, holder string) error {
	_, err := r.db.Exec(ctx,
		`DELETE FROM ingest_locks WHERE name = $1 AND holder = $2`, name, holder)
	if err != nil {
		return fmt.Errorf("release lock %s: %w", name, err)
	}
	return nil
}

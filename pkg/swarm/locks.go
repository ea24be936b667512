package swarm

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
)

// AcquireLock deletes every expired lock row (for any resource), then
// attempts to insert a fresh one for resource. Returns the new expiry on success, or (zero, false)
// if the resource is currently held by someone else.
func (s *Store) AcquireLock(ctx context.Context, resource, agent string, ttl time.Duration) (time.Time, bool, error) {
	if ttl <= 0 {
		return time.Time{}, false, configErr("acquire_lock ttl_ms must be positive")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return time.Time{}, false, dbErr("failed to begin acquire_lock tx", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM resource_locks WHERE until_at <= now()`); err != nil {
		return time.Time{}, false, dbErr("failed to delete expired locks", err)
	}

	var until time.Time
	err = tx.QueryRow(ctx, `
		INSERT INTO resource_locks (resource, agent, since, until_at)
		VALUES ($1, $2, now(), now() + $3::interval)
		ON CONFLICT (resource) DO NOTHING
		RETURNING until_at`,
		resource, agent, ttl.String()).Scan(&until)
	if err == pgx.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, dbErr("failed to insert resource lock", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return time.Time{}, false, dbErr("failed to commit acquire_lock tx", err)
	}
	return until, true, nil
}

// UnlockResource releases resource if held by agent, returning whether a
// row was actually deleted.
func (s *Store) UnlockResource(ctx context.Context, resource, agent string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM resource_locks WHERE resource = $1 AND agent = $2`, resource, agent)
	if err != nil {
		return false, dbErr("failed to unlock resource", err)
	}
	return tag.RowsAffected() > 0, nil
}

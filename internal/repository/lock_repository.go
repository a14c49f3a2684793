package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"
)

// LockStore implements the advisory lock table. Acquisition is a single
// insert-if-absent-or-expired statement, so multiple scheduler processes can
// race on it safely. Failing to acquire is a normal outcome, not an error.
type LockStore interface {
	Acquire(ctx context.Context, resourceKey, ownerID string, ttl time.Duration) (bool, error)
	// Renew extends the lease, but only while the caller still owns an
	// unexpired lock. False means the lock was lost.
	Renew(ctx context.Context, resourceKey, ownerID string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, resourceKey, ownerID string) error
	// IsHeld reports whether any owner holds an unexpired lock on the key.
	IsHeld(ctx context.Context, resourceKey string) (bool, error)
}

type LockRepository struct {
	DB *sql.DB
}

var _ LockStore = (*LockRepository)(nil)

func (r *LockRepository) Acquire(ctx context.Context, resourceKey, ownerID string, ttl time.Duration) (bool, error) {
	var owner string
	err := r.DB.QueryRowContext(ctx, `
        INSERT INTO lock_records (resource_key, owner_id, acquired_at, expires_at)
        VALUES ($1, $2, now(), now() + $3 * INTERVAL '1 second')
        ON CONFLICT (resource_key) DO UPDATE
            SET owner_id=$2, acquired_at=now(), expires_at=now() + $3 * INTERVAL '1 second'
            WHERE lock_records.expires_at < now()
        RETURNING owner_id
    `, resourceKey, ownerID, ttl.Seconds()).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		// someone else holds an unexpired lock
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "acquire lock")
	}
	return owner == ownerID, nil
}

func (r *LockRepository) Renew(ctx context.Context, resourceKey, ownerID string, ttl time.Duration) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `
        UPDATE lock_records
        SET expires_at = now() + $1 * INTERVAL '1 second'
        WHERE resource_key=$2 AND owner_id=$3 AND expires_at > now()
    `, ttl.Seconds(), resourceKey, ownerID)
	if err != nil {
		return false, errors.Wrap(err, "renew lock")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *LockRepository) Release(ctx context.Context, resourceKey, ownerID string) error {
	_, err := r.DB.ExecContext(ctx, `
        DELETE FROM lock_records WHERE resource_key=$1 AND owner_id=$2
    `, resourceKey, ownerID)
	return errors.Wrap(err, "release lock")
}

func (r *LockRepository) IsHeld(ctx context.Context, resourceKey string) (bool, error) {
	var held bool
	err := r.DB.QueryRowContext(ctx, `
        SELECT EXISTS (
            SELECT 1 FROM lock_records WHERE resource_key=$1 AND expires_at > now()
        )
    `, resourceKey).Scan(&held)
	return held, errors.Wrap(err, "check lock")
}

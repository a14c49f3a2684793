package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"

	"github.com/unclebandit/campaign-engine/internal/model"
)

// QuotaStore does the atomic usage accounting. Increments happen in a single
// conditional statement at the storage layer; nothing here reads then writes.
type QuotaStore interface {
	// TryReserve adds amount to the account's usage for the period covering now,
	// but only if the result stays within limit. Returns false when the limit
	// would be exceeded; usage is left untouched in that case.
	TryReserve(ctx context.Context, accountID, quotaKey string, limit, amount int64, now time.Time) (bool, error)
	// Release gives back a reservation, flooring at zero.
	Release(ctx context.Context, accountID, quotaKey string, amount int64, now time.Time) error
	// Usage reads the current used value for the active period, 0 when no row exists.
	Usage(ctx context.Context, accountID, quotaKey string, now time.Time) (int64, error)
}

type QuotaRepository struct {
	DB *sql.DB
}

var _ QuotaStore = (*QuotaRepository)(nil)

func (r *QuotaRepository) TryReserve(ctx context.Context, accountID, quotaKey string, limit, amount int64, now time.Time) (bool, error) {
	start, end := model.QuotaPeriod(quotaKey, now)
	// Upsert with a conditional DO UPDATE: when the increment would pass the
	// limit the WHERE clause rejects it and no row comes back.
	var used int64
	err := r.DB.QueryRowContext(ctx, `
        INSERT INTO quota_usage_records (account_id, quota_key, period_start, period_end, used_value)
        VALUES ($1, $2, $3, $4, $5)
        ON CONFLICT (account_id, quota_key, period_start) DO UPDATE
            SET used_value = quota_usage_records.used_value + $5
            WHERE quota_usage_records.used_value + $5 <= $6
        RETURNING used_value
    `, accountID, quotaKey, start, end, amount, limit).Scan(&used)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "reserve quota")
	}
	if used > limit {
		// Fresh row inserted over the limit (limit < amount). Undo it.
		if relErr := r.Release(ctx, accountID, quotaKey, amount, now); relErr != nil {
			return false, relErr
		}
		return false, nil
	}
	return true, nil
}

func (r *QuotaRepository) Release(ctx context.Context, accountID, quotaKey string, amount int64, now time.Time) error {
	start, _ := model.QuotaPeriod(quotaKey, now)
	_, err := r.DB.ExecContext(ctx, `
        UPDATE quota_usage_records
        SET used_value = GREATEST(used_value - $1, 0)
        WHERE account_id=$2 AND quota_key=$3 AND period_start=$4
    `, amount, accountID, quotaKey, start)
	return errors.Wrap(err, "release quota")
}

func (r *QuotaRepository) Usage(ctx context.Context, accountID, quotaKey string, now time.Time) (int64, error) {
	start, _ := model.QuotaPeriod(quotaKey, now)
	var used int64
	err := r.DB.QueryRowContext(ctx, `
        SELECT used_value FROM quota_usage_records
        WHERE account_id=$1 AND quota_key=$2 AND period_start=$3
    `, accountID, quotaKey, start).Scan(&used)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return used, errors.Wrap(err, "read quota usage")
}

package quota

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/unclebandit/campaign-engine/internal/apperrors"
	"github.com/unclebandit/campaign-engine/internal/model"
	"github.com/unclebandit/campaign-engine/internal/repository"
)

// quotaKeys the gate enforces, in reservation order.
var quotaKeys = []string{model.QuotaMessagesPerDay, model.QuotaMessagesPerMonth}

// Reservation is the token handed back by CheckAndReserve. It remembers which
// keys were actually charged so a rollback undoes exactly those.
type Reservation struct {
	AccountID  string
	Amount     int64
	ReservedAt time.Time
	keys       []string
}

// Gate enforces plan limits with a reserve/commit/rollback protocol. The
// increment itself is applied at reserve time by a conditional update, so
// concurrent workers of the same account can never overshoot the limit.
type Gate struct {
	store  repository.QuotaStore
	logger *zap.Logger
}

func NewGate(store repository.QuotaStore, logger *zap.Logger) *Gate {
	return &Gate{store: store, logger: logger}
}

// CheckAndReserve charges amount against every message quota the account's
// plan defines. On apperrors.ErrQuotaExceeded nothing stays charged: partial
// reservations across keys are rolled back before returning.
func (g *Gate) CheckAndReserve(ctx context.Context, account model.AccountContext, amount int64) (*Reservation, error) {
	now := time.Now()
	res := &Reservation{AccountID: account.AccountID, Amount: amount, ReservedAt: now}

	for _, key := range quotaKeys {
		limit := account.Limit(key)
		if limit == model.QuotaUnlimited {
			continue
		}
		ok, err := g.store.TryReserve(ctx, account.AccountID, key, limit, amount, now)
		if err != nil {
			g.rollbackKeys(ctx, res)
			return nil, err
		}
		if !ok {
			g.logger.Info("quota exhausted",
				zap.String("account_id", account.AccountID),
				zap.String("quota_key", key),
				zap.Int64("limit", limit))
			g.rollbackKeys(ctx, res)
			return nil, apperrors.ErrQuotaExceeded
		}
		res.keys = append(res.keys, key)
	}
	return res, nil
}

// Commit is a no-op: the reservation was applied at check time. Kept as a
// protocol hook for a future two-phase accounting scheme.
func (g *Gate) Commit(_ context.Context, _ *Reservation) error { return nil }

// Rollback undoes a reservation that should not count against the account,
// e.g. a send rejected before it reached the provider.
func (g *Gate) Rollback(ctx context.Context, res *Reservation) error {
	if res == nil {
		return nil
	}
	g.rollbackKeys(ctx, res)
	return nil
}

func (g *Gate) rollbackKeys(ctx context.Context, res *Reservation) {
	for _, key := range res.keys {
		if err := g.store.Release(ctx, res.AccountID, key, res.Amount, res.ReservedAt); err != nil {
			// the usage row stays over-counted until the period rolls; log and move on
			g.logger.Error("quota rollback failed",
				zap.String("account_id", res.AccountID),
				zap.String("quota_key", key),
				zap.Error(err))
		}
	}
	res.keys = nil
}

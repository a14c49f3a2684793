package scheduler

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/unclebandit/campaign-engine/internal/account"
	"github.com/unclebandit/campaign-engine/internal/apperrors"
	"github.com/unclebandit/campaign-engine/internal/events"
	"github.com/unclebandit/campaign-engine/internal/model"
	"github.com/unclebandit/campaign-engine/internal/provider"
	"github.com/unclebandit/campaign-engine/internal/quota"
	"github.com/unclebandit/campaign-engine/internal/ratelimit"
	"github.com/unclebandit/campaign-engine/internal/repository"
	"github.com/unclebandit/campaign-engine/internal/template"
)

// QuotaGate is what the worker needs from the quota service.
type QuotaGate interface {
	CheckAndReserve(ctx context.Context, account model.AccountContext, amount int64) (*quota.Reservation, error)
	Commit(ctx context.Context, res *quota.Reservation) error
	Rollback(ctx context.Context, res *quota.Reservation) error
}

// WorkerConfig tunes the per-campaign delivery loop.
type WorkerConfig struct {
	BatchSize   int
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	SendTimeout time.Duration
}

func (c WorkerConfig) withDefaults() WorkerConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 30 * time.Second
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	return c
}

// DeliveryWorker drains one campaign's recipient queue to completion, a pause
// point or terminal failure. Recipients are processed sequentially in
// processing_order; cross-campaign parallelism is the scheduler's job.
type DeliveryWorker struct {
	campaign *model.Campaign
	store    repository.CampaignStore
	gate     QuotaGate
	resolver account.Resolver
	sender   provider.Provider
	limiter  ratelimit.Limiter
	events   events.Publisher
	cfg      WorkerConfig
	logger   *zap.Logger

	// injected for tests
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func NewDeliveryWorker(
	campaign *model.Campaign,
	store repository.CampaignStore,
	gate QuotaGate,
	resolver account.Resolver,
	sender provider.Provider,
	limiter ratelimit.Limiter,
	publisher events.Publisher,
	cfg WorkerConfig,
	logger *zap.Logger,
) *DeliveryWorker {
	return &DeliveryWorker{
		campaign: campaign,
		store:    store,
		gate:     gate,
		resolver: resolver,
		sender:   sender,
		limiter:  limiter,
		events:   publisher,
		cfg:      cfg.withDefaults(),
		logger:   logger.With(zap.Int64("campaign_id", campaign.ID)),
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Run processes the queue until it is drained, the campaign leaves running, or
// ctx is cancelled. A nil return means the worker stopped cleanly; a non-nil
// return is a storage failure the scheduler should log. In that case the
// campaign stays running and its lock is released on exit, so the synchronizer
// re-dispatches it on its next pass.
func (w *DeliveryWorker) Run(ctx context.Context) error {
	acct, err := w.resolver.Resolve(ctx, w.campaign.AccountID)
	if err != nil {
		// structural: deleted or suspended account, not worth retrying
		w.logger.Error("account resolution failed", zap.Error(err))
		if ok, terr := w.store.TransitionStatus(ctx, w.campaign.ID,
			model.CampaignRunning, model.CampaignFailed, err.Error()); terr != nil {
			return terr
		} else if ok {
			w.campaign.Status = model.CampaignFailed
			w.events.Publish(events.CampaignFailed, w.campaign, err.Error())
		}
		return nil
	}

	for {
		if ctx.Err() != nil {
			return nil
		}

		batch, err := w.store.NextPendingRecipients(ctx, w.campaign.ID, w.cfg.BatchSize, w.now())
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			done, err := w.finishOrWait(ctx)
			if err != nil || done {
				return err
			}
			continue
		}

		for _, rec := range batch {
			if ctx.Err() != nil {
				return nil
			}
			// cooperative stop: a pause/cancel CAS can land from any scheduler
			// instance, so re-read the status row before every send, not just
			// per batch
			current, err := w.store.GetByID(ctx, w.campaign.ID)
			if err != nil {
				return err
			}
			if current.Status != model.CampaignRunning {
				w.logger.Info("campaign no longer running, worker exiting",
					zap.String("status", string(current.Status)))
				return nil
			}
			err = w.deliver(ctx, acct, rec)
			if errors.Is(err, apperrors.ErrQuotaExceeded) {
				// account-level event: pause the whole campaign, not the recipient
				if ok, terr := w.store.TransitionStatus(ctx, w.campaign.ID,
					model.CampaignRunning, model.CampaignPaused, model.ReasonQuotaExceeded); terr != nil {
					return terr
				} else if ok {
					w.campaign.Status = model.CampaignPaused
					w.events.Publish(events.CampaignPaused, w.campaign, model.ReasonQuotaExceeded)
				}
				return nil
			}
			if err != nil {
				return err
			}
		}
	}
}

// finishOrWait handles an empty eligible batch: either the campaign is done,
// or every pending recipient is backing off and the worker sleeps until the
// earliest next_attempt_at.
func (w *DeliveryWorker) finishOrWait(ctx context.Context) (bool, error) {
	pending, err := w.store.CountPendingRecipients(ctx, w.campaign.ID)
	if err != nil {
		return false, err
	}
	if pending == 0 {
		if ok, err := w.store.TransitionStatus(ctx, w.campaign.ID,
			model.CampaignRunning, model.CampaignCompleted, ""); err != nil {
			return false, err
		} else if ok {
			w.campaign.Status = model.CampaignCompleted
			w.events.Publish(events.CampaignCompleted, w.campaign, "")
			w.logger.Info("campaign completed")
		}
		return true, nil
	}

	next, err := w.store.EarliestNextAttempt(ctx, w.campaign.ID)
	if err != nil {
		return false, err
	}
	wait := w.cfg.BackoffBase
	if next != nil {
		if d := next.Sub(w.now()); d > wait {
			wait = d
		}
	}
	if wait > w.cfg.BackoffMax {
		wait = w.cfg.BackoffMax
	}
	if err := w.sleep(ctx, wait); err != nil {
		return true, nil // cancelled while waiting
	}
	return false, nil
}

// deliver attempts one recipient. Storage errors and quota exhaustion come
// back as errors; provider failures are absorbed into the recipient's state.
func (w *DeliveryWorker) deliver(ctx context.Context, acct model.AccountContext, rec *model.RecipientRecord) error {
	attempt := rec.AttemptCount + 1

	if rec.Phone == "" {
		// never reaches the provider, never charges quota
		return w.store.MarkRecipientFailed(ctx, rec.ID, attempt, "empty recipient address")
	}

	if err := w.waitForRateLimit(ctx, acct.AccountID); err != nil {
		return nil // cancelled while throttled; recipient stays pending
	}

	// reserve before the network call; the check must not suspend on I/O to
	// the provider
	res, err := w.gate.CheckAndReserve(ctx, acct, 1)
	if err != nil {
		return err
	}

	body := template.Render(w.campaign.TemplateText, w.campaign.Variables, rec.Attributes)

	// The send runs on its own timeout, detached from the worker context:
	// pause/cancel lets an in-flight call finish.
	sendCtx, cancel := context.WithTimeout(context.Background(), w.cfg.SendTimeout)
	messageID, sendErr := w.sender.Send(sendCtx, acct.Credentials, rec.Phone, body)
	cancel()

	if sendErr == nil {
		if err := w.gate.Commit(ctx, res); err != nil {
			w.logger.Warn("quota commit failed", zap.Error(err))
		}
		return w.store.MarkRecipientSent(ctx, rec.ID, attempt, messageID, w.now())
	}

	var perr *provider.Error
	kind := provider.Transient
	code := "unknown"
	if errors.As(sendErr, &perr) {
		kind = perr.Kind
		code = perr.Code
	}

	if kind == provider.Permanent {
		// the message never counted: give the reservation back
		if err := w.gate.Rollback(ctx, res); err != nil {
			w.logger.Warn("quota rollback failed", zap.Error(err))
		}
		w.logger.Info("permanent delivery failure",
			zap.Int64("recipient_id", rec.ID),
			zap.String("code", code))
		return w.store.MarkRecipientFailed(ctx, rec.ID, attempt, sendErr.Error())
	}

	// transient: the reservation stays spent so forced retries cannot bypass
	// the quota
	if attempt >= w.cfg.MaxAttempts {
		w.logger.Info("retries exhausted",
			zap.Int64("recipient_id", rec.ID),
			zap.Int("attempts", attempt))
		return w.store.MarkRecipientFailed(ctx, rec.ID, attempt, sendErr.Error())
	}
	nextAt := w.now().Add(w.backoff(attempt))
	return w.store.MarkRecipientRetry(ctx, rec.ID, attempt, nextAt, sendErr.Error())
}

// backoff is exponential per attempt on the same recipient: base, 2x, 4x...
// capped at BackoffMax. Other recipients are never blocked by it.
func (w *DeliveryWorker) backoff(attempt int) time.Duration {
	d := w.cfg.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= w.cfg.BackoffMax {
			return w.cfg.BackoffMax
		}
	}
	return d
}

func (w *DeliveryWorker) waitForRateLimit(ctx context.Context, accountID string) error {
	for {
		allowed, err := w.limiter.Allow(ctx, accountID)
		if err != nil {
			// fail open: a limiter outage must not stall delivery
			w.logger.Warn("rate limiter error", zap.Error(err))
			return nil
		}
		if allowed {
			return nil
		}
		if err := w.sleep(ctx, 500*time.Millisecond); err != nil {
			return err
		}
	}
}

package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/unclebandit/campaign-engine/internal/account"
	"github.com/unclebandit/campaign-engine/internal/apperrors"
	"github.com/unclebandit/campaign-engine/internal/events"
	"github.com/unclebandit/campaign-engine/internal/model"
	"github.com/unclebandit/campaign-engine/internal/provider"
	"github.com/unclebandit/campaign-engine/internal/ratelimit"
	"github.com/unclebandit/campaign-engine/internal/repository"
)

// Config tunes the scheduler control loop.
type Config struct {
	PollInterval time.Duration
	LockTTL      time.Duration
	Worker       WorkerConfig
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 30 * time.Second
	}
	return c
}

// Scheduler is the control loop: it promotes due campaigns to running behind a
// storage-backed advisory lock and runs one DeliveryWorker goroutine per
// campaign it owns. Several scheduler processes may run active-active; the
// lock_records table is the only coordination between them. The in-memory
// registry below exists purely so pause/cancel can push-cancel this
// instance's own workers.
type Scheduler struct {
	instanceID string
	store      repository.CampaignStore
	locks      repository.LockStore
	gate       QuotaGate
	resolver   account.Resolver
	sender     provider.Provider
	limiter    ratelimit.Limiter
	events     events.Publisher
	cfg        Config
	logger     *zap.Logger

	mu     sync.Mutex
	active map[int64]context.CancelFunc
	wg     sync.WaitGroup
}

func New(
	instanceID string,
	store repository.CampaignStore,
	locks repository.LockStore,
	gate QuotaGate,
	resolver account.Resolver,
	sender provider.Provider,
	limiter ratelimit.Limiter,
	publisher events.Publisher,
	cfg Config,
	logger *zap.Logger,
) *Scheduler {
	return &Scheduler{
		instanceID: instanceID,
		store:      store,
		locks:      locks,
		gate:       gate,
		resolver:   resolver,
		sender:     sender,
		limiter:    limiter,
		events:     publisher,
		cfg:        cfg.withDefaults(),
		logger:     logger.With(zap.String("instance_id", instanceID)),
		active:     make(map[int64]context.CancelFunc),
	}
}

// Run polls for due campaigns until ctx is cancelled, then waits for the
// workers it spawned to stop.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	s.logger.Info("scheduler started",
		zap.Duration("poll_interval", s.cfg.PollInterval),
		zap.Duration("lock_ttl", s.cfg.LockTTL))

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopping, waiting for workers")
			s.wg.Wait()
			return
		case <-ticker.C:
			s.poll(ctx)
		}
	}
}

func (s *Scheduler) poll(ctx context.Context) {
	due, err := s.store.LoadDueCampaigns(ctx, time.Now())
	if err != nil {
		// one failed poll is not fatal, the next tick retries
		s.logger.Error("load due campaigns failed", zap.Error(err))
		return
	}
	for _, c := range due {
		s.dispatch(ctx, c, true)
	}
}

// Dispatch starts a worker for a campaign that is already running, used by
// the synchronizer to resume orphans. Lock contention is a silent no-op.
func (s *Scheduler) Dispatch(ctx context.Context, c *model.Campaign) {
	s.dispatch(ctx, c, false)
}

func (s *Scheduler) dispatch(ctx context.Context, c *model.Campaign, promote bool) {
	s.mu.Lock()
	if _, running := s.active[c.ID]; running {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	key := model.CampaignLockKey(c.ID)
	acquired, err := s.locks.Acquire(ctx, key, s.instanceID, s.cfg.LockTTL)
	if err != nil {
		s.logger.Error("lock acquire failed", zap.Int64("campaign_id", c.ID), zap.Error(err))
		return
	}
	if !acquired {
		// another instance has it
		return
	}

	if promote {
		ok, err := s.store.TransitionStatus(ctx, c.ID, c.Status, model.CampaignRunning, "")
		if err != nil {
			s.logger.Error("promote failed", zap.Int64("campaign_id", c.ID), zap.Error(err))
			s.releaseLock(c.ID)
			return
		}
		if !ok {
			// lost the race to another instance or a manual cancel; skip
			s.releaseLock(c.ID)
			return
		}
		c.Status = model.CampaignRunning
		s.events.Publish(events.CampaignPromoted, c, "")
		s.logger.Info("campaign promoted", zap.Int64("campaign_id", c.ID))
	} else if c.Status != model.CampaignRunning {
		s.releaseLock(c.ID)
		return
	}

	expires := time.Now().Add(s.cfg.LockTTL)
	if err := s.store.SetLockInfo(ctx, c.ID, &s.instanceID, &expires); err != nil {
		s.logger.Warn("set lock info failed", zap.Int64("campaign_id", c.ID), zap.Error(err))
	}

	wctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.active[c.ID] = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go s.runWorker(wctx, cancel, c)
}

// runWorker hosts one DeliveryWorker plus its lock-renewal loop. A panic here
// must never take down the polling loop for other campaigns.
func (s *Scheduler) runWorker(ctx context.Context, cancel context.CancelFunc, c *model.Campaign) {
	defer s.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("worker panic", zap.Int64("campaign_id", c.ID), zap.Any("panic", r))
		}
		cancel()
		s.mu.Lock()
		delete(s.active, c.ID)
		s.mu.Unlock()
		s.releaseLock(c.ID)
	}()

	renewDone := make(chan struct{})
	go func() {
		defer close(renewDone)
		s.renewLoop(ctx, cancel, c.ID)
	}()

	worker := NewDeliveryWorker(c, s.store, s.gate, s.resolver, s.sender,
		s.limiter, s.events, s.cfg.Worker, s.logger)
	if err := worker.Run(ctx); err != nil {
		// storage trouble: leave the campaign running; the deferred release
		// frees the lock and the synchronizer re-dispatches on its next pass
		s.logger.Error("worker stopped with error", zap.Int64("campaign_id", c.ID), zap.Error(err))
	}
	cancel()
	<-renewDone
}

// renewLoop extends the campaign lock at a third of its TTL. Renewal must land
// strictly before expiry; a failed renewal means the lock may already belong
// to someone else, so the worker is cancelled immediately.
func (s *Scheduler) renewLoop(ctx context.Context, cancel context.CancelFunc, campaignID int64) {
	interval := s.cfg.LockTTL / 3
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	key := model.CampaignLockKey(campaignID)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := s.locks.Renew(ctx, key, s.instanceID, s.cfg.LockTTL)
			if err != nil || !ok {
				s.logger.Warn("lock renewal failed, stopping worker",
					zap.Int64("campaign_id", campaignID), zap.Error(err))
				cancel()
				return
			}
			expires := time.Now().Add(s.cfg.LockTTL)
			if err := s.store.SetLockInfo(ctx, campaignID, &s.instanceID, &expires); err != nil {
				s.logger.Warn("set lock info failed", zap.Int64("campaign_id", campaignID), zap.Error(err))
			}
		}
	}
}

func (s *Scheduler) releaseLock(campaignID int64) {
	// detached from the caller's ctx: the lock should be released even during
	// shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.locks.Release(ctx, model.CampaignLockKey(campaignID), s.instanceID); err != nil {
		s.logger.Warn("lock release failed", zap.Int64("campaign_id", campaignID), zap.Error(err))
	}
	if err := s.store.SetLockInfo(ctx, campaignID, nil, nil); err != nil {
		s.logger.Warn("clear lock info failed", zap.Int64("campaign_id", campaignID), zap.Error(err))
	}
}

// Pause requests running -> paused. The local worker, if any, is cancelled so
// it reacts without waiting for its next status poll.
func (s *Scheduler) Pause(ctx context.Context, campaignID int64) (model.CampaignStatus, error) {
	ok, err := s.store.TransitionStatus(ctx, campaignID,
		model.CampaignRunning, model.CampaignPaused, model.ReasonPausedByUser)
	if err != nil {
		return "", err
	}
	if !ok {
		return s.invalidTransition(ctx, campaignID, model.CampaignRunning, model.CampaignPaused)
	}
	s.cancelLocal(campaignID)
	s.publishByID(ctx, events.CampaignPaused, campaignID, model.ReasonPausedByUser)
	return model.CampaignPaused, nil
}

// Resume requests paused -> scheduled, which re-enters the polling loop's
// candidate set on the next tick.
func (s *Scheduler) Resume(ctx context.Context, campaignID int64) (model.CampaignStatus, error) {
	ok, err := s.store.TransitionStatus(ctx, campaignID,
		model.CampaignPaused, model.CampaignScheduled, "")
	if err != nil {
		return "", err
	}
	if !ok {
		return s.invalidTransition(ctx, campaignID, model.CampaignPaused, model.CampaignScheduled)
	}
	s.publishByID(ctx, events.CampaignResumed, campaignID, "")
	return model.CampaignScheduled, nil
}

// Cancel is terminal and succeeds from any non-terminal state.
func (s *Scheduler) Cancel(ctx context.Context, campaignID int64) (model.CampaignStatus, error) {
	for _, from := range model.NonTerminalStatuses {
		ok, err := s.store.TransitionStatus(ctx, campaignID, from, model.CampaignCancelled, "")
		if err != nil {
			return "", err
		}
		if ok {
			s.cancelLocal(campaignID)
			s.publishByID(ctx, events.CampaignCancelled, campaignID, "")
			return model.CampaignCancelled, nil
		}
	}
	return s.invalidTransition(ctx, campaignID, "", model.CampaignCancelled)
}

func (s *Scheduler) invalidTransition(ctx context.Context, id int64, from, to model.CampaignStatus) (model.CampaignStatus, error) {
	c, err := s.store.GetByID(ctx, id)
	if err != nil {
		return "", err
	}
	return c.Status, &apperrors.ErrInvalidTransition{
		CampaignID: id,
		From:       string(from),
		To:         string(to),
		Current:    string(c.Status),
	}
}

func (s *Scheduler) cancelLocal(campaignID int64) {
	s.mu.Lock()
	cancel, ok := s.active[campaignID]
	s.mu.Unlock()
	if ok {
		cancel()
	}
}

func (s *Scheduler) publishByID(ctx context.Context, eventType string, campaignID int64, reason string) {
	c, err := s.store.GetByID(ctx, campaignID)
	if err != nil {
		s.logger.Warn("load campaign for event failed", zap.Int64("campaign_id", campaignID), zap.Error(err))
		return
	}
	s.events.Publish(eventType, c, reason)
}

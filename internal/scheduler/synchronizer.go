package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/unclebandit/campaign-engine/internal/events"
	"github.com/unclebandit/campaign-engine/internal/model"
	"github.com/unclebandit/campaign-engine/internal/repository"
)

type dispatcher interface {
	Dispatch(ctx context.Context, c *model.Campaign)
}

// Inconsistency is a reconciliation finding that needs a human. The
// synchronizer never auto-corrects these.
type Inconsistency struct {
	CampaignID int64
	Status     model.CampaignStatus
	Detail     string
	Stats      model.RecipientStats
}

// Synchronizer is the self-healing pass: it runs once at startup and then on
// a slower cadence than the scheduler loop, catching campaigns left running
// by a crashed worker.
type Synchronizer struct {
	store    repository.CampaignStore
	locks    repository.LockStore
	sched    dispatcher
	events   events.Publisher
	interval time.Duration
	logger   *zap.Logger
}

func NewSynchronizer(
	store repository.CampaignStore,
	locks repository.LockStore,
	sched dispatcher,
	publisher events.Publisher,
	interval time.Duration,
	logger *zap.Logger,
) *Synchronizer {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Synchronizer{
		store:    store,
		locks:    locks,
		sched:    sched,
		events:   publisher,
		interval: interval,
		logger:   logger,
	}
}

// Run reconciles immediately, then on every tick until ctx is cancelled.
func (s *Synchronizer) Run(ctx context.Context) {
	s.Reconcile(ctx)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Reconcile(ctx)
		}
	}
}

// Reconcile runs the three passes in order: safe corrections first, then
// orphan recovery, then the report-only consistency sweep.
func (s *Synchronizer) Reconcile(ctx context.Context) {
	if err := s.AutoCorrect(ctx); err != nil {
		s.logger.Error("auto-correct pass failed", zap.Error(err))
	}
	if err := s.RestoreRunningCampaigns(ctx); err != nil {
		s.logger.Error("restore pass failed", zap.Error(err))
	}
	findings, err := s.DetectInconsistencies(ctx)
	if err != nil {
		s.logger.Error("consistency pass failed", zap.Error(err))
		return
	}
	for _, f := range findings {
		s.logger.Warn("campaign flagged for manual review",
			zap.Int64("campaign_id", f.CampaignID),
			zap.String("status", string(f.Status)),
			zap.String("detail", f.Detail))
	}
}

// RestoreRunningCampaigns finds running campaigns whose advisory lock has
// expired (orphans from a crashed worker) and re-dispatches them through the
// scheduler. Recipient state is resumable, so resuming beats failing.
func (s *Synchronizer) RestoreRunningCampaigns(ctx context.Context) error {
	running, err := s.store.ListByStatus(ctx, model.CampaignRunning)
	if err != nil {
		return err
	}
	for _, c := range running {
		held, err := s.locks.IsHeld(ctx, model.CampaignLockKey(c.ID))
		if err != nil {
			s.logger.Error("lock check failed", zap.Int64("campaign_id", c.ID), zap.Error(err))
			continue
		}
		if held {
			continue
		}
		s.logger.Info("orphaned running campaign, resuming", zap.Int64("campaign_id", c.ID))
		s.sched.Dispatch(ctx, c)
	}
	return nil
}

// DetectInconsistencies flags campaigns whose recipient rows don't reconcile:
// terminal campaigns with pending recipients, or rows carrying a status
// outside the known set. Findings are reported for manual review, never
// auto-corrected.
func (s *Synchronizer) DetectInconsistencies(ctx context.Context) ([]Inconsistency, error) {
	var findings []Inconsistency
	statuses := []model.CampaignStatus{
		model.CampaignRunning, model.CampaignPaused, model.CampaignCompleted,
	}
	for _, status := range statuses {
		campaigns, err := s.store.ListByStatus(ctx, status)
		if err != nil {
			return findings, err
		}
		for _, c := range campaigns {
			stats, err := s.store.RecipientStats(ctx, c.ID)
			if err != nil {
				return findings, err
			}
			if stats.Other > 0 {
				findings = append(findings, Inconsistency{
					CampaignID: c.ID, Status: c.Status, Stats: stats,
					Detail: "recipient rows with unrecognized status",
				})
			}
			if c.Status == model.CampaignCompleted && stats.Pending > 0 {
				findings = append(findings, Inconsistency{
					CampaignID: c.ID, Status: c.Status, Stats: stats,
					Detail: "completed campaign still has pending recipients",
				})
			}
		}
	}
	return findings, nil
}

// AutoCorrect applies only the narrow safe set: a running campaign that has
// nothing left to send is force-completed. Everything else is left for
// manual intervention.
func (s *Synchronizer) AutoCorrect(ctx context.Context) error {
	running, err := s.store.ListByStatus(ctx, model.CampaignRunning)
	if err != nil {
		return err
	}
	for _, c := range running {
		pending, err := s.store.CountPendingRecipients(ctx, c.ID)
		if err != nil {
			s.logger.Error("pending count failed", zap.Int64("campaign_id", c.ID), zap.Error(err))
			continue
		}
		if pending != 0 {
			continue
		}
		ok, err := s.store.TransitionStatus(ctx, c.ID,
			model.CampaignRunning, model.CampaignCompleted, "")
		if err != nil {
			s.logger.Error("auto-complete failed", zap.Int64("campaign_id", c.ID), zap.Error(err))
			continue
		}
		if ok {
			c.Status = model.CampaignCompleted
			s.events.Publish(events.CampaignCompleted, c, "")
			s.logger.Info("auto-completed drained campaign", zap.Int64("campaign_id", c.ID))
		}
	}
	return nil
}

package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/unclebandit/campaign-engine/internal/apperrors"
	"github.com/unclebandit/campaign-engine/internal/model"
	"github.com/unclebandit/campaign-engine/internal/provider"
	"github.com/unclebandit/campaign-engine/internal/quota"
	"github.com/unclebandit/campaign-engine/internal/repository"
)

// memStore is an in-memory CampaignStore with the same CAS and idempotency
// semantics as the Postgres implementation.
type memStore struct {
	mu         sync.Mutex
	campaigns  map[int64]*model.Campaign
	recipients map[int64]*model.RecipientRecord
	nextID     int64
}

var _ repository.CampaignStore = (*memStore)(nil)

func newMemStore() *memStore {
	return &memStore{
		campaigns:  make(map[int64]*model.Campaign),
		recipients: make(map[int64]*model.RecipientRecord),
	}
}

func (m *memStore) Create(_ context.Context, c *model.Campaign) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	c.ID = m.nextID
	if c.Status == "" {
		c.Status = model.CampaignDraft
	}
	c.CreatedAt = time.Now()
	c.UpdatedAt = c.CreatedAt
	cp := *c
	m.campaigns[c.ID] = &cp
	return nil
}

func (m *memStore) GetByID(_ context.Context, id int64) (*model.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return nil, apperrors.NewCampaignNotFound(id)
	}
	cp := *c
	return &cp, nil
}

func (m *memStore) ListCampaigns(_ context.Context, offset, limit int, tenantID string, status model.CampaignStatus) ([]*model.Campaign, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*model.Campaign{}
	for _, c := range m.campaigns {
		if tenantID != "" && c.TenantID != tenantID {
			continue
		}
		if status != "" && c.Status != status {
			continue
		}
		cp := *c
		out = append(out, &cp)
	}
	return out, len(out), nil
}

func (m *memStore) LoadDueCampaigns(_ context.Context, now time.Time) ([]*model.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*model.Campaign{}
	for _, c := range m.campaigns {
		if c.Due(now) {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memStore) ListByStatus(_ context.Context, status model.CampaignStatus) ([]*model.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*model.Campaign{}
	for _, c := range m.campaigns {
		if c.Status == status {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memStore) TransitionStatus(_ context.Context, id int64, from, to model.CampaignStatus, reason string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok || c.Status != from {
		return false, nil
	}
	c.Status = to
	c.StatusReason = reason
	c.UpdatedAt = time.Now()
	return true, nil
}

func (m *memStore) SetLockInfo(_ context.Context, id int64, owner *string, expiresAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.campaigns[id]; ok {
		c.LockOwner = owner
		c.LockExpiresAt = expiresAt
	}
	return nil
}

func (m *memStore) BulkInsertRecipients(_ context.Context, campaignID int64, recipients []model.RecipientRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range recipients {
		m.nextID++
		rec := recipients[i]
		rec.ID = m.nextID
		rec.CampaignID = campaignID
		if rec.Status == "" {
			rec.Status = model.RecipientPending
		}
		m.recipients[rec.ID] = &rec
	}
	return nil
}

func (m *memStore) NextPendingRecipients(_ context.Context, campaignID int64, batch int, now time.Time) ([]*model.RecipientRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*model.RecipientRecord{}
	for _, rec := range m.recipients {
		if rec.CampaignID != campaignID || rec.Status != model.RecipientPending {
			continue
		}
		if rec.NextAttemptAt != nil && rec.NextAttemptAt.After(now) {
			continue
		}
		cp := *rec
		out = append(out, &cp)
	}
	sortByOrder(out)
	if len(out) > batch {
		out = out[:batch]
	}
	return out, nil
}

func sortByOrder(recs []*model.RecipientRecord) {
	for i := 1; i < len(recs); i++ {
		for j := i; j > 0 && recs[j-1].ProcessingOrder > recs[j].ProcessingOrder; j-- {
			recs[j-1], recs[j] = recs[j], recs[j-1]
		}
	}
}

func (m *memStore) CountPendingRecipients(_ context.Context, campaignID int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, rec := range m.recipients {
		if rec.CampaignID == campaignID && rec.Status == model.RecipientPending {
			n++
		}
	}
	return n, nil
}

func (m *memStore) EarliestNextAttempt(_ context.Context, campaignID int64) (*time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var earliest *time.Time
	for _, rec := range m.recipients {
		if rec.CampaignID != campaignID || rec.Status != model.RecipientPending || rec.NextAttemptAt == nil {
			continue
		}
		if earliest == nil || rec.NextAttemptAt.Before(*earliest) {
			t := *rec.NextAttemptAt
			earliest = &t
		}
	}
	return earliest, nil
}

func (m *memStore) MarkRecipientSent(_ context.Context, id int64, attempt int, providerMessageID string, sentAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recipients[id]
	if !ok || rec.Status != model.RecipientPending {
		return nil
	}
	rec.Status = model.RecipientSent
	if attempt > rec.AttemptCount {
		rec.AttemptCount = attempt
	}
	rec.LastError = ""
	rec.NextAttemptAt = nil
	rec.ProviderMessageID = providerMessageID
	rec.SentAt = &sentAt
	return nil
}

func (m *memStore) MarkRecipientFailed(_ context.Context, id int64, attempt int, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recipients[id]
	if !ok || rec.Status != model.RecipientPending {
		return nil
	}
	rec.Status = model.RecipientFailed
	if attempt > rec.AttemptCount {
		rec.AttemptCount = attempt
	}
	rec.LastError = lastError
	rec.NextAttemptAt = nil
	return nil
}

func (m *memStore) MarkRecipientRetry(_ context.Context, id int64, attempt int, nextAttemptAt time.Time, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recipients[id]
	if !ok || rec.Status != model.RecipientPending {
		return nil
	}
	if attempt > rec.AttemptCount {
		rec.AttemptCount = attempt
	}
	rec.LastError = lastError
	rec.NextAttemptAt = &nextAttemptAt
	return nil
}

func (m *memStore) RecipientStats(_ context.Context, campaignID int64) (model.RecipientStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var stats model.RecipientStats
	for _, rec := range m.recipients {
		if rec.CampaignID != campaignID {
			continue
		}
		switch rec.Status {
		case model.RecipientPending:
			stats.Pending++
		case model.RecipientSent:
			stats.Sent++
		case model.RecipientFailed:
			stats.Failed++
		case model.RecipientSkipped:
			stats.Skipped++
		default:
			stats.Other++
		}
	}
	return stats, nil
}

func (m *memStore) recipient(id int64) *model.RecipientRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *m.recipients[id]
	return &cp
}

// memLocks is an in-memory LockStore with real expiry semantics.
type memLocks struct {
	mu    sync.Mutex
	locks map[string]model.LockRecord
}

var _ repository.LockStore = (*memLocks)(nil)

func newMemLocks() *memLocks {
	return &memLocks{locks: make(map[string]model.LockRecord)}
}

func (m *memLocks) Acquire(_ context.Context, key, owner string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	// an unexpired lock blocks everyone, the current owner included, matching
	// the conditional upsert in the SQL store
	if l, ok := m.locks[key]; ok && l.ExpiresAt.After(now) {
		return false, nil
	}
	m.locks[key] = model.LockRecord{
		ResourceKey: key, OwnerID: owner, AcquiredAt: now, ExpiresAt: now.Add(ttl),
	}
	return true, nil
}

func (m *memLocks) Renew(_ context.Context, key, owner string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[key]
	if !ok || l.OwnerID != owner || !l.ExpiresAt.After(time.Now()) {
		return false, nil
	}
	l.ExpiresAt = time.Now().Add(ttl)
	m.locks[key] = l
	return true, nil
}

func (m *memLocks) Release(_ context.Context, key, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.locks[key]; ok && l.OwnerID == owner {
		delete(m.locks, key)
	}
	return nil
}

func (m *memLocks) IsHeld(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[key]
	return ok && l.ExpiresAt.After(time.Now()), nil
}

func (m *memLocks) expire(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.locks[key]; ok {
		l.ExpiresAt = time.Now().Add(-time.Second)
		m.locks[key] = l
	}
}

// fakeGate counts reservations against a fixed remaining budget.
type fakeGate struct {
	mu         sync.Mutex
	remaining  int64 // model.QuotaUnlimited disables the budget
	reserved   int
	rolledBack int
	committed  int
}

var _ QuotaGate = (*fakeGate)(nil)

func unlimitedGate() *fakeGate { return &fakeGate{remaining: model.QuotaUnlimited} }

func (g *fakeGate) CheckAndReserve(_ context.Context, acct model.AccountContext, amount int64) (*quota.Reservation, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.remaining != model.QuotaUnlimited {
		if g.remaining < amount {
			return nil, apperrors.ErrQuotaExceeded
		}
		g.remaining -= amount
	}
	g.reserved++
	return &quota.Reservation{AccountID: acct.AccountID, Amount: amount, ReservedAt: time.Now()}, nil
}

func (g *fakeGate) Commit(context.Context, *quota.Reservation) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.committed++
	return nil
}

func (g *fakeGate) Rollback(_ context.Context, res *quota.Reservation) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.remaining != model.QuotaUnlimited && res != nil {
		g.remaining += res.Amount
	}
	g.rolledBack++
	return nil
}

// fakeProvider pops scripted results per phone number; an empty script means
// success. The onSend hook fires after each successful send.
type fakeProvider struct {
	mu      sync.Mutex
	scripts map[string][]error
	sent    []string
	calls   int
	onSend  func(sentCount int)
}

var _ provider.Provider = (*fakeProvider)(nil)

func newFakeProvider() *fakeProvider {
	return &fakeProvider{scripts: make(map[string][]error)}
}

func (p *fakeProvider) script(phone string, results ...error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scripts[phone] = append(p.scripts[phone], results...)
}

func (p *fakeProvider) Send(_ context.Context, _ model.ProviderCredentials, to, _ string) (string, error) {
	p.mu.Lock()
	p.calls++
	var result error
	if q := p.scripts[to]; len(q) > 0 {
		result = q[0]
		p.scripts[to] = q[1:]
	}
	if result != nil {
		p.mu.Unlock()
		return "", result
	}
	p.sent = append(p.sent, to)
	n := len(p.sent)
	hook := p.onSend
	p.mu.Unlock()
	if hook != nil {
		hook(n)
	}
	return fmt.Sprintf("m-%d", n), nil
}

func (p *fakeProvider) sentPhones() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.sent...)
}

package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestQuotaPeriodDay(t *testing.T) {
	at := time.Date(2026, 3, 15, 23, 59, 0, 0, time.FixedZone("EAT", 3*3600))

	start, end := QuotaPeriod(QuotaMessagesPerDay, at)
	// periods are UTC: 23:59 EAT is 20:59 UTC, still March 15
	assert.Equal(t, time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC), start)
	assert.Equal(t, time.Date(2026, 3, 16, 0, 0, 0, 0, time.UTC), end)
}

func TestQuotaPeriodMonth(t *testing.T) {
	at := time.Date(2026, 1, 31, 12, 0, 0, 0, time.UTC)

	start, end := QuotaPeriod(QuotaMessagesPerMonth, at)
	assert.Equal(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), start)
	assert.Equal(t, time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC), end)
}

func TestCampaignDue(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	assert.True(t, (&Campaign{Status: CampaignScheduled, ScheduledAt: &past}).Due(now))
	assert.True(t, (&Campaign{Status: CampaignScheduled}).Due(now))
	assert.False(t, (&Campaign{Status: CampaignScheduled, ScheduledAt: &future}).Due(now))

	// drafts only run immediately, a scheduled draft waits for promotion to
	// scheduled first
	assert.True(t, (&Campaign{Status: CampaignDraft}).Due(now))
	assert.False(t, (&Campaign{Status: CampaignDraft, ScheduledAt: &past}).Due(now))

	assert.False(t, (&Campaign{Status: CampaignRunning}).Due(now))
	assert.False(t, (&Campaign{Status: CampaignCancelled, ScheduledAt: &past}).Due(now))
}

func TestStatusTerminal(t *testing.T) {
	for _, s := range []CampaignStatus{CampaignCompleted, CampaignFailed, CampaignCancelled} {
		assert.True(t, s.Terminal(), string(s))
	}
	for _, s := range NonTerminalStatuses {
		assert.False(t, s.Terminal(), string(s))
	}
}

func TestAccountContextLimit(t *testing.T) {
	a := AccountContext{PlanLimits: map[string]int64{QuotaMessagesPerDay: 100}}
	assert.EqualValues(t, 100, a.Limit(QuotaMessagesPerDay))
	// absent keys are unconstrained
	assert.Equal(t, QuotaUnlimited, a.Limit(QuotaMessagesPerMonth))
	assert.Equal(t, QuotaUnlimited, AccountContext{}.Limit(QuotaMessagesPerDay))
}

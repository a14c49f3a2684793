package model

import "time"

// CampaignStatus is the closed set of campaign lifecycle states.
type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignScheduled CampaignStatus = "scheduled"
	CampaignRunning   CampaignStatus = "running"
	CampaignPaused    CampaignStatus = "paused"
	CampaignCompleted CampaignStatus = "completed"
	CampaignFailed    CampaignStatus = "failed"
	CampaignCancelled CampaignStatus = "cancelled"
)

// Terminal reports whether no further transitions are allowed from s.
func (s CampaignStatus) Terminal() bool {
	switch s {
	case CampaignCompleted, CampaignFailed, CampaignCancelled:
		return true
	}
	return false
}

// NonTerminalStatuses in the order Cancel tries them.
var NonTerminalStatuses = []CampaignStatus{
	CampaignRunning, CampaignPaused, CampaignScheduled, CampaignDraft,
}

// Status reasons surfaced through the read projection. A paused campaign must
// say whether it was paused by quota or by hand, because the remediation differs.
const (
	ReasonQuotaExceeded = "quota_exceeded"
	ReasonPausedByUser  = "paused_by_user"
)

type Campaign struct {
	ID            int64             `db:"id" json:"id"`
	TenantID      string            `db:"tenant_id" json:"tenant_id"`
	AccountID     string            `db:"account_id" json:"account_id"`
	Name          string            `db:"name" json:"name"`
	TemplateText  string            `db:"template_text" json:"template_text"`
	Variables     map[string]string `db:"variables" json:"variables,omitempty"`
	ScheduledAt   *time.Time        `db:"scheduled_at" json:"scheduled_at,omitempty"` // nil means run immediately
	Status        CampaignStatus    `db:"status" json:"status"`
	StatusReason  string            `db:"status_reason" json:"status_reason,omitempty"`
	LockOwner     *string           `db:"lock_owner" json:"lock_owner,omitempty"`
	LockExpiresAt *time.Time        `db:"lock_expires_at" json:"lock_expires_at,omitempty"`
	CreatedAt     time.Time         `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time         `db:"updated_at" json:"updated_at"`
}

// Due reports whether the campaign should be promoted to running at now:
// scheduled and past its scheduled_at, or a draft with no schedule (immediate).
func (c *Campaign) Due(now time.Time) bool {
	switch c.Status {
	case CampaignScheduled:
		return c.ScheduledAt == nil || !c.ScheduledAt.After(now)
	case CampaignDraft:
		return c.ScheduledAt == nil
	}
	return false
}

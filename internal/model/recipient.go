package model

import "time"

// RecipientStatus is the per-recipient delivery state.
type RecipientStatus string

const (
	RecipientPending RecipientStatus = "pending"
	RecipientSent    RecipientStatus = "sent"
	RecipientFailed  RecipientStatus = "failed"
	// RecipientSkipped marks recipients excluded before delivery, e.g. contacts
	// on a suppression list at build time. The worker never writes it.
	RecipientSkipped RecipientStatus = "skipped"
)

func (s RecipientStatus) Terminal() bool {
	return s == RecipientSent || s == RecipientFailed || s == RecipientSkipped
}

// RecipientRecord is one contact inside one campaign. attempt_count never
// decreases; a sent record is immutable apart from audit fields.
type RecipientRecord struct {
	ID                int64             `db:"id" json:"id"`
	CampaignID        int64             `db:"campaign_id" json:"campaign_id"`
	Phone             string            `db:"phone" json:"phone"`
	Attributes        map[string]string `db:"attributes" json:"attributes,omitempty"`
	ProcessingOrder   int               `db:"processing_order" json:"processing_order"`
	Status            RecipientStatus   `db:"status" json:"status"`
	AttemptCount      int               `db:"attempt_count" json:"attempt_count"`
	LastError         string            `db:"last_error" json:"last_error,omitempty"`
	NextAttemptAt     *time.Time        `db:"next_attempt_at" json:"next_attempt_at,omitempty"`
	ProviderMessageID string            `db:"provider_message_id" json:"provider_message_id,omitempty"`
	SentAt            *time.Time        `db:"sent_at" json:"sent_at,omitempty"`
	CreatedAt         time.Time         `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time         `db:"updated_at" json:"updated_at"`
}

// RecipientStats are the per-status aggregates behind the read projection.
type RecipientStats struct {
	Pending int `json:"pending"`
	Sent    int `json:"sent"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
	Other   int `json:"other,omitempty"` // rows with an unrecognized status, should be zero
}

func (s RecipientStats) Total() int {
	return s.Pending + s.Sent + s.Failed + s.Skipped + s.Other
}

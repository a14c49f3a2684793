package apperrors

import (
	"errors"
	"fmt"
)

// ErrQuotaExceeded is returned by the quota gate when a reservation would push
// usage past the plan limit. It pauses the whole campaign, it is not a
// per-recipient failure.
var ErrQuotaExceeded = errors.New("quota exceeded")

// ErrCampaignNotFound identifies a missing campaign row.
type ErrCampaignNotFound struct {
	CampaignID int64
}

func (e *ErrCampaignNotFound) Error() string {
	return fmt.Sprintf("campaign with ID %d not found", e.CampaignID)
}

func NewCampaignNotFound(id int64) error {
	return &ErrCampaignNotFound{CampaignID: id}
}

// ErrInvalidTransition reports a status transition rejected by the store's
// compare-and-swap, e.g. resuming a campaign that is not paused.
type ErrInvalidTransition struct {
	CampaignID int64
	From, To   string
	Current    string
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("campaign %d: cannot transition %s -> %s (current status %q)",
		e.CampaignID, e.From, e.To, e.Current)
}

// ErrAccountResolution marks a structural account problem (deleted, suspended).
// Campaigns hitting it fail terminally instead of retrying.
type ErrAccountResolution struct {
	AccountID string
	Cause     error
}

func (e *ErrAccountResolution) Error() string {
	return fmt.Sprintf("account %s could not be resolved: %v", e.AccountID, e.Cause)
}

func (e *ErrAccountResolution) Unwrap() error { return e.Cause }

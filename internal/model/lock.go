package model

import (
	"fmt"
	"time"
)

// LockRecord is an advisory lock row. At most one unexpired row exists per
// resource_key, enforced by a conditional upsert in the repository, never by
// in-process mutexes.
type LockRecord struct {
	ResourceKey string    `db:"resource_key" json:"resource_key"`
	OwnerID     string    `db:"owner_id" json:"owner_id"`
	AcquiredAt  time.Time `db:"acquired_at" json:"acquired_at"`
	ExpiresAt   time.Time `db:"expires_at" json:"expires_at"`
}

// CampaignLockKey is the resource key guarding a single campaign's worker.
func CampaignLockKey(campaignID int64) string {
	return fmt.Sprintf("campaign:%d", campaignID)
}

package model

import "time"

// Quota keys known to the engine. Each key maps to its own usage window.
const (
	QuotaMessagesPerDay   = "messages_per_day"
	QuotaMessagesPerMonth = "messages_per_month"
)

// QuotaUnlimited as a plan limit disables the check for that key entirely.
// A limit of 0 means zero sends, not unlimited.
const QuotaUnlimited int64 = -1

// QuotaUsage is one accounting row for one account, key and period.
// used_value only grows within a period; a new period gets a fresh row.
type QuotaUsage struct {
	ID          int64     `db:"id" json:"id"`
	AccountID   string    `db:"account_id" json:"account_id"`
	QuotaKey    string    `db:"quota_key" json:"quota_key"`
	PeriodStart time.Time `db:"period_start" json:"period_start"`
	PeriodEnd   time.Time `db:"period_end" json:"period_end"`
	UsedValue   int64     `db:"used_value" json:"used_value"`
}

// QuotaPeriod returns the UTC accounting window the key uses at instant t.
func QuotaPeriod(key string, t time.Time) (start, end time.Time) {
	t = t.UTC()
	switch key {
	case QuotaMessagesPerMonth:
		start = time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
		return start, start.AddDate(0, 1, 0)
	default:
		// day-scoped is the fallback for unrecognized messages_per_* keys
		start = time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		return start, start.AddDate(0, 0, 1)
	}
}

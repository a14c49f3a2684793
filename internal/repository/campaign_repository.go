package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/unclebandit/campaign-engine/internal/apperrors"
	"github.com/unclebandit/campaign-engine/internal/model"
)

// CampaignStore is the durable state behind the scheduler, workers and the
// control API. TransitionStatus is the only sanctioned way to change a
// campaign's status; everything racing on status goes through that CAS.
type CampaignStore interface {
	Create(ctx context.Context, c *model.Campaign) error
	GetByID(ctx context.Context, id int64) (*model.Campaign, error)
	ListCampaigns(ctx context.Context, offset, limit int, tenantID string, status model.CampaignStatus) ([]*model.Campaign, int, error)
	LoadDueCampaigns(ctx context.Context, now time.Time) ([]*model.Campaign, error)
	ListByStatus(ctx context.Context, status model.CampaignStatus) ([]*model.Campaign, error)
	TransitionStatus(ctx context.Context, id int64, from, to model.CampaignStatus, reason string) (bool, error)
	SetLockInfo(ctx context.Context, id int64, owner *string, expiresAt *time.Time) error

	BulkInsertRecipients(ctx context.Context, campaignID int64, recipients []model.RecipientRecord) error
	NextPendingRecipients(ctx context.Context, campaignID int64, batch int, now time.Time) ([]*model.RecipientRecord, error)
	CountPendingRecipients(ctx context.Context, campaignID int64) (int, error)
	EarliestNextAttempt(ctx context.Context, campaignID int64) (*time.Time, error)
	MarkRecipientSent(ctx context.Context, id int64, attempt int, providerMessageID string, sentAt time.Time) error
	MarkRecipientFailed(ctx context.Context, id int64, attempt int, lastError string) error
	MarkRecipientRetry(ctx context.Context, id int64, attempt int, nextAttemptAt time.Time, lastError string) error
	RecipientStats(ctx context.Context, campaignID int64) (model.RecipientStats, error)
}

type CampaignRepository struct {
	DB *sql.DB
}

var _ CampaignStore = (*CampaignRepository)(nil)

const campaignColumns = `id, tenant_id, account_id, name, template_text, variables,
scheduled_at, status, status_reason, lock_owner, lock_expires_at, created_at, updated_at`

func (r *CampaignRepository) Create(ctx context.Context, c *model.Campaign) error {
	if c.Status == "" {
		c.Status = model.CampaignDraft
	}
	vars, err := json.Marshal(varsOrEmpty(c.Variables))
	if err != nil {
		return errors.Wrap(err, "marshal variables")
	}
	query := `
        INSERT INTO campaigns (tenant_id, account_id, name, template_text, variables, scheduled_at, status)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
        RETURNING id, created_at, updated_at
    `
	err = r.DB.QueryRowContext(ctx, query,
		c.TenantID, c.AccountID, c.Name, c.TemplateText, vars, c.ScheduledAt, c.Status,
	).Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt)
	return errors.Wrap(err, "insert campaign")
}

func (r *CampaignRepository) GetByID(ctx context.Context, id int64) (*model.Campaign, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE id=$1`, id)
	c, err := scanCampaign(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NewCampaignNotFound(id)
		}
		return nil, errors.Wrap(err, "get campaign")
	}
	return c, nil
}

func (r *CampaignRepository) ListCampaigns(ctx context.Context, offset, limit int, tenantID string, status model.CampaignStatus) ([]*model.Campaign, int, error) {
	query := `SELECT ` + campaignColumns + ` FROM campaigns WHERE 1=1`
	countQuery := `SELECT COUNT(*) FROM campaigns WHERE 1=1`
	args := []interface{}{}
	argPos := 1

	if tenantID != "" {
		clause := fmt.Sprintf(" AND tenant_id=$%d", argPos)
		query += clause
		countQuery += clause
		args = append(args, tenantID)
		argPos++
	}
	if status != "" {
		clause := fmt.Sprintf(" AND status=$%d", argPos)
		query += clause
		countQuery += clause
		args = append(args, status)
		argPos++
	}

	var total int
	if err := r.DB.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, errors.Wrap(err, "count campaigns")
	}

	query += fmt.Sprintf(" ORDER BY id DESC LIMIT $%d OFFSET $%d", argPos, argPos+1)
	args = append(args, limit, offset)

	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, errors.Wrap(err, "list campaigns")
	}
	defer rows.Close()

	campaigns := []*model.Campaign{}
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, 0, errors.Wrap(err, "scan campaign")
		}
		campaigns = append(campaigns, c)
	}
	return campaigns, total, rows.Err()
}

// LoadDueCampaigns returns campaigns ready for promotion: scheduled ones past
// their scheduled_at plus drafts with no schedule (run immediately). Read only.
func (r *CampaignRepository) LoadDueCampaigns(ctx context.Context, now time.Time) ([]*model.Campaign, error) {
	query := `
        SELECT ` + campaignColumns + `
        FROM campaigns
        WHERE (status = 'scheduled' AND (scheduled_at IS NULL OR scheduled_at <= $1))
           OR (status = 'draft' AND scheduled_at IS NULL)
        ORDER BY scheduled_at NULLS FIRST, id
    `
	rows, err := r.DB.QueryContext(ctx, query, now)
	if err != nil {
		return nil, errors.Wrap(err, "load due campaigns")
	}
	defer rows.Close()

	campaigns := []*model.Campaign{}
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan due campaign")
		}
		campaigns = append(campaigns, c)
	}
	return campaigns, rows.Err()
}

func (r *CampaignRepository) ListByStatus(ctx context.Context, status model.CampaignStatus) ([]*model.Campaign, error) {
	rows, err := r.DB.QueryContext(ctx, `
        SELECT `+campaignColumns+` FROM campaigns WHERE status=$1 ORDER BY id
    `, status)
	if err != nil {
		return nil, errors.Wrap(err, "list campaigns by status")
	}
	defer rows.Close()

	campaigns := []*model.Campaign{}
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan campaign")
		}
		campaigns = append(campaigns, c)
	}
	return campaigns, rows.Err()
}

// TransitionStatus is an atomic compare-and-swap on status. A false return
// means the row was not in `from` anymore; callers must treat that as losing
// the race, not as an error.
func (r *CampaignRepository) TransitionStatus(ctx context.Context, id int64, from, to model.CampaignStatus, reason string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `
        UPDATE campaigns
        SET status=$1, status_reason=$2, updated_at=now()
        WHERE id=$3 AND status=$4
    `, to, reason, id, from)
	if err != nil {
		return false, errors.Wrap(err, "transition status")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// SetLockInfo mirrors the advisory lock onto the campaign row for audit and
// orphan queries. The lock_records table stays authoritative.
func (r *CampaignRepository) SetLockInfo(ctx context.Context, id int64, owner *string, expiresAt *time.Time) error {
	_, err := r.DB.ExecContext(ctx, `
        UPDATE campaigns SET lock_owner=$1, lock_expires_at=$2, updated_at=now() WHERE id=$3
    `, owner, expiresAt, id)
	return errors.Wrap(err, "set lock info")
}

func (r *CampaignRepository) BulkInsertRecipients(ctx context.Context, campaignID int64, recipients []model.RecipientRecord) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin bulk insert")
	}
	stmt, err := tx.PrepareContext(ctx, `
        INSERT INTO recipient_records (campaign_id, phone, attributes, processing_order, status)
        VALUES ($1, $2, $3, $4, 'pending')
    `)
	if err != nil {
		tx.Rollback()
		return errors.Wrap(err, "prepare recipient insert")
	}
	defer stmt.Close()

	for i := range recipients {
		attrs, err := json.Marshal(varsOrEmpty(recipients[i].Attributes))
		if err != nil {
			tx.Rollback()
			return errors.Wrap(err, "marshal recipient attributes")
		}
		if _, err := stmt.ExecContext(ctx, campaignID, recipients[i].Phone, attrs, recipients[i].ProcessingOrder); err != nil {
			tx.Rollback()
			return errors.Wrapf(err, "insert recipient %d", recipients[i].ProcessingOrder)
		}
	}
	return errors.Wrap(tx.Commit(), "commit bulk insert")
}

const recipientColumns = `id, campaign_id, phone, attributes, processing_order, status,
attempt_count, last_error, next_attempt_at, provider_message_id, sent_at, created_at, updated_at`

// NextPendingRecipients returns up to batch pending recipients whose backoff
// window has elapsed, in processing_order. After a crash the same unsent rows
// come back because status was never advanced.
func (r *CampaignRepository) NextPendingRecipients(ctx context.Context, campaignID int64, batch int, now time.Time) ([]*model.RecipientRecord, error) {
	rows, err := r.DB.QueryContext(ctx, `
        SELECT `+recipientColumns+`
        FROM recipient_records
        WHERE campaign_id=$1 AND status='pending'
          AND (next_attempt_at IS NULL OR next_attempt_at <= $2)
        ORDER BY processing_order
        LIMIT $3
    `, campaignID, now, batch)
	if err != nil {
		return nil, errors.Wrap(err, "next pending recipients")
	}
	defer rows.Close()

	recipients := []*model.RecipientRecord{}
	for rows.Next() {
		rec, err := scanRecipient(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan recipient")
		}
		recipients = append(recipients, rec)
	}
	return recipients, rows.Err()
}

func (r *CampaignRepository) CountPendingRecipients(ctx context.Context, campaignID int64) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `
        SELECT COUNT(*) FROM recipient_records WHERE campaign_id=$1 AND status='pending'
    `, campaignID).Scan(&n)
	return n, errors.Wrap(err, "count pending recipients")
}

// EarliestNextAttempt is the soonest a backing-off pending recipient becomes
// eligible again, or nil when nothing is waiting on backoff.
func (r *CampaignRepository) EarliestNextAttempt(ctx context.Context, campaignID int64) (*time.Time, error) {
	var t sql.NullTime
	err := r.DB.QueryRowContext(ctx, `
        SELECT MIN(next_attempt_at) FROM recipient_records
        WHERE campaign_id=$1 AND status='pending' AND next_attempt_at IS NOT NULL
    `, campaignID).Scan(&t)
	if err != nil {
		return nil, errors.Wrap(err, "earliest next attempt")
	}
	if !t.Valid {
		return nil, nil
	}
	return &t.Time, nil
}

// MarkRecipientSent finalizes a delivered recipient. The status='pending'
// guard makes a repeat call with the same terminal status a no-op.
func (r *CampaignRepository) MarkRecipientSent(ctx context.Context, id int64, attempt int, providerMessageID string, sentAt time.Time) error {
	_, err := r.DB.ExecContext(ctx, `
        UPDATE recipient_records
        SET status='sent', attempt_count=GREATEST(attempt_count, $1), last_error='',
            next_attempt_at=NULL, provider_message_id=$2, sent_at=$3, updated_at=now()
        WHERE id=$4 AND status='pending'
    `, attempt, providerMessageID, sentAt, id)
	return errors.Wrap(err, "mark recipient sent")
}

func (r *CampaignRepository) MarkRecipientFailed(ctx context.Context, id int64, attempt int, lastError string) error {
	_, err := r.DB.ExecContext(ctx, `
        UPDATE recipient_records
        SET status='failed', attempt_count=GREATEST(attempt_count, $1), last_error=$2,
            next_attempt_at=NULL, updated_at=now()
        WHERE id=$3 AND status='pending'
    `, attempt, lastError, id)
	return errors.Wrap(err, "mark recipient failed")
}

// MarkRecipientRetry records a transient failure: status stays pending, the
// attempt counter advances and next_attempt_at gates the backoff.
func (r *CampaignRepository) MarkRecipientRetry(ctx context.Context, id int64, attempt int, nextAttemptAt time.Time, lastError string) error {
	_, err := r.DB.ExecContext(ctx, `
        UPDATE recipient_records
        SET attempt_count=GREATEST(attempt_count, $1), last_error=$2, next_attempt_at=$3, updated_at=now()
        WHERE id=$4 AND status='pending'
    `, attempt, lastError, nextAttemptAt, id)
	return errors.Wrap(err, "mark recipient retry")
}

func (r *CampaignRepository) RecipientStats(ctx context.Context, campaignID int64) (model.RecipientStats, error) {
	rows, err := r.DB.QueryContext(ctx, `
        SELECT status, COUNT(*) FROM recipient_records WHERE campaign_id=$1 GROUP BY status
    `, campaignID)
	if err != nil {
		return model.RecipientStats{}, errors.Wrap(err, "recipient stats")
	}
	defer rows.Close()

	var stats model.RecipientStats
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return model.RecipientStats{}, errors.Wrap(err, "scan stats row")
		}
		switch model.RecipientStatus(status) {
		case model.RecipientPending:
			stats.Pending = count
		case model.RecipientSent:
			stats.Sent = count
		case model.RecipientFailed:
			stats.Failed = count
		case model.RecipientSkipped:
			stats.Skipped = count
		default:
			stats.Other += count
		}
	}
	return stats, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCampaign(row rowScanner) (*model.Campaign, error) {
	var c model.Campaign
	var vars []byte
	if err := row.Scan(
		&c.ID, &c.TenantID, &c.AccountID, &c.Name, &c.TemplateText, &vars,
		&c.ScheduledAt, &c.Status, &c.StatusReason, &c.LockOwner, &c.LockExpiresAt,
		&c.CreatedAt, &c.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if len(vars) > 0 {
		if err := json.Unmarshal(vars, &c.Variables); err != nil {
			return nil, errors.Wrap(err, "unmarshal variables")
		}
	}
	return &c, nil
}

func scanRecipient(row rowScanner) (*model.RecipientRecord, error) {
	var rec model.RecipientRecord
	var attrs []byte
	if err := row.Scan(
		&rec.ID, &rec.CampaignID, &rec.Phone, &attrs, &rec.ProcessingOrder, &rec.Status,
		&rec.AttemptCount, &rec.LastError, &rec.NextAttemptAt, &rec.ProviderMessageID,
		&rec.SentAt, &rec.CreatedAt, &rec.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if len(attrs) > 0 {
		if err := json.Unmarshal(attrs, &rec.Attributes); err != nil {
			return nil, errors.Wrap(err, "unmarshal attributes")
		}
	}
	return &rec, nil
}

func varsOrEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

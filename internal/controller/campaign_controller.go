package controller

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/unclebandit/campaign-engine/internal/apperrors"
	"github.com/unclebandit/campaign-engine/internal/model"
	"github.com/unclebandit/campaign-engine/internal/repository"
)

// Commands is the scheduler surface the control API drives.
type Commands interface {
	Pause(ctx context.Context, campaignID int64) (model.CampaignStatus, error)
	Resume(ctx context.Context, campaignID int64) (model.CampaignStatus, error)
	Cancel(ctx context.Context, campaignID int64) (model.CampaignStatus, error)
}

type CampaignController struct {
	Store     repository.CampaignStore
	Scheduler Commands
	Logger    *zap.Logger
}

func (c *CampaignController) Routes(r chi.Router) {
	r.Post("/campaigns", c.CreateCampaign)
	r.Get("/campaigns", c.ListCampaigns)
	r.Get("/campaigns/{id}", c.GetCampaign)
	r.Post("/campaigns/{id}/pause", c.command("pause"))
	r.Post("/campaigns/{id}/resume", c.command("resume"))
	r.Post("/campaigns/{id}/cancel", c.command("cancel"))
}

type createCampaignRequest struct {
	TenantID     string            `json:"tenant_id"`
	AccountID    string            `json:"account_id"`
	Name         string            `json:"name"`
	TemplateText string            `json:"template_text"`
	Variables    map[string]string `json:"variables"`
	ScheduledAt  *string           `json:"scheduled_at"`
	Recipients   []struct {
		Phone      string            `json:"phone"`
		Attributes map[string]string `json:"attributes"`
	} `json:"recipients"`
}

// CreateCampaign materializes the campaign and its recipient rows in one
// request; recipients are not streamed in later. A scheduled_at in the body
// creates a scheduled campaign, otherwise it runs on the next poll tick.
func (c *CampaignController) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	var body createCampaignRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if body.TenantID == "" || body.AccountID == "" || body.TemplateText == "" {
		http.Error(w, "tenant_id, account_id and template_text are required", http.StatusBadRequest)
		return
	}

	campaign := &model.Campaign{
		TenantID:     body.TenantID,
		AccountID:    body.AccountID,
		Name:         body.Name,
		TemplateText: body.TemplateText,
		Variables:    body.Variables,
		Status:       model.CampaignDraft,
	}
	if body.ScheduledAt != nil {
		t, err := time.Parse(time.RFC3339, *body.ScheduledAt)
		if err != nil {
			http.Error(w, "scheduled_at must be RFC3339", http.StatusBadRequest)
			return
		}
		campaign.ScheduledAt = &t
		campaign.Status = model.CampaignScheduled
	}

	if err := c.Store.Create(r.Context(), campaign); err != nil {
		c.Logger.Error("create campaign failed", zap.Error(err))
		http.Error(w, "failed to create campaign", http.StatusInternalServerError)
		return
	}

	recipients := make([]model.RecipientRecord, 0, len(body.Recipients))
	for i, rec := range body.Recipients {
		recipients = append(recipients, model.RecipientRecord{
			Phone:           rec.Phone,
			Attributes:      rec.Attributes,
			ProcessingOrder: i + 1,
		})
	}
	if len(recipients) > 0 {
		if err := c.Store.BulkInsertRecipients(r.Context(), campaign.ID, recipients); err != nil {
			c.Logger.Error("insert recipients failed", zap.Int64("campaign_id", campaign.ID), zap.Error(err))
			http.Error(w, "failed to create recipients", http.StatusInternalServerError)
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(campaign)
}

func (c *CampaignController) ListCampaigns(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("page_size"))
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}
	tenantID := r.URL.Query().Get("tenant_id")
	status := model.CampaignStatus(r.URL.Query().Get("status"))

	campaigns, total, err := c.Store.ListCampaigns(r.Context(), (page-1)*pageSize, pageSize, tenantID, status)
	if err != nil {
		c.Logger.Error("list campaigns failed", zap.Error(err))
		http.Error(w, "failed to list campaigns", http.StatusInternalServerError)
		return
	}

	totalPages := (total + pageSize - 1) / pageSize
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"data": campaigns,
		"pagination": map[string]int{
			"page":        page,
			"page_size":   pageSize,
			"total_count": total,
			"total_pages": totalPages,
		},
	})
}

type campaignProjection struct {
	ID           int64                `json:"id"`
	Status       model.CampaignStatus `json:"status"`
	SentCount    int                  `json:"sent_count"`
	FailedCount  int                  `json:"failed_count"`
	PendingCount int                  `json:"pending_count"`
	SkippedCount int                  `json:"skipped_count"`
	LastError    string               `json:"last_error,omitempty"`
}

// GetCampaign returns the read-only status projection computed from recipient
// aggregates, not a raw dump of scheduler state. last_error carries the
// status reason, so a quota pause is distinguishable from a manual one.
func (c *CampaignController) GetCampaign(w http.ResponseWriter, r *http.Request) {
	id, err := campaignID(r)
	if err != nil {
		http.Error(w, "invalid campaign id", http.StatusBadRequest)
		return
	}

	campaign, err := c.Store.GetByID(r.Context(), id)
	if err != nil {
		c.writeLookupError(w, err)
		return
	}
	stats, err := c.Store.RecipientStats(r.Context(), id)
	if err != nil {
		c.Logger.Error("recipient stats failed", zap.Int64("campaign_id", id), zap.Error(err))
		http.Error(w, "failed to compute campaign stats", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(campaignProjection{
		ID:           campaign.ID,
		Status:       campaign.Status,
		SentCount:    stats.Sent,
		FailedCount:  stats.Failed,
		PendingCount: stats.Pending,
		SkippedCount: stats.Skipped,
		LastError:    campaign.StatusReason,
	})
}

func (c *CampaignController) command(name string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := campaignID(r)
		if err != nil {
			http.Error(w, "invalid campaign id", http.StatusBadRequest)
			return
		}

		var status model.CampaignStatus
		switch name {
		case "pause":
			status, err = c.Scheduler.Pause(r.Context(), id)
		case "resume":
			status, err = c.Scheduler.Resume(r.Context(), id)
		case "cancel":
			status, err = c.Scheduler.Cancel(r.Context(), id)
		}

		w.Header().Set("Content-Type", "application/json")
		if err != nil {
			var invalid *apperrors.ErrInvalidTransition
			var notFound *apperrors.ErrCampaignNotFound
			switch {
			case errors.As(err, &invalid):
				w.WriteHeader(http.StatusConflict)
				json.NewEncoder(w).Encode(map[string]interface{}{
					"error":  err.Error(),
					"status": status,
				})
			case errors.As(err, &notFound):
				w.WriteHeader(http.StatusNotFound)
				json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
			default:
				c.Logger.Error("command failed",
					zap.String("command", name), zap.Int64("campaign_id", id), zap.Error(err))
				w.WriteHeader(http.StatusInternalServerError)
				json.NewEncoder(w).Encode(map[string]string{"error": "internal error"})
			}
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"status": status})
	}
}

func (c *CampaignController) writeLookupError(w http.ResponseWriter, err error) {
	var notFound *apperrors.ErrCampaignNotFound
	if errors.As(err, &notFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	c.Logger.Error("campaign lookup failed", zap.Error(err))
	http.Error(w, "failed to fetch campaign", http.StatusInternalServerError)
}

func campaignID(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
}

// internal/controller/campaign_controller.go
package controller

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/unclebandit/shotqueue/internal/model"
	"github.com/unclebandit/shotqueue/internal/repository"
	"github.com/unclebandit/shotqueue/internal/service"
)

// Enqueuer materializes a campaign's audience.
type Enqueuer interface {
	Enqueue(ctx context.Context, campaignID int64) (service.EnqueueResult, error)
}

type CampaignController struct {
	CampaignService *service.CampaignService
	Enqueuer        Enqueuer
	Log             zerolog.Logger
}

func campaignID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		badRequest(w, "invalid campaign id")
		return 0, false
	}
	return id, true
}

func (c *CampaignController) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	var body model.Campaign
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		badRequest(w, "invalid body")
		return
	}

	campaign, err := c.CampaignService.CreateCampaign(r.Context(), &body)
	if err != nil {
		writeError(w, c.Log, err)
		return
	}
	writeJSON(w, http.StatusCreated, campaign)
}

func (c *CampaignController) ListCampaigns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	pageSize, _ := strconv.Atoi(q.Get("page_size"))
	filter := repository.CampaignFilter{
		BotSlug: q.Get("bot"),
		Kind:    q.Get("kind"),
		Status:  q.Get("status"),
	}

	campaigns, pagination, err := c.CampaignService.ListCampaigns(r.Context(), page, pageSize, filter)
	if err != nil {
		writeError(w, c.Log, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":       campaigns,
		"pagination": pagination, // page, page_size, total_count, total_pages
	})
}

func (c *CampaignController) GetCampaignDetails(w http.ResponseWriter, r *http.Request) {
	id, ok := campaignID(w, r)
	if !ok {
		return
	}

	details, err := c.CampaignService.GetCampaignDetailsWithStats(r.Context(), id)
	if err != nil {
		writeError(w, c.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, details)
}

func (c *CampaignController) UpdateCampaign(w http.ResponseWriter, r *http.Request) {
	id, ok := campaignID(w, r)
	if !ok {
		return
	}

	var patch model.CampaignPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		badRequest(w, "invalid body")
		return
	}

	campaign, err := c.CampaignService.UpdateCampaign(r.Context(), id, patch)
	if err != nil {
		writeError(w, c.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, campaign)
}

func (c *CampaignController) EnqueueCampaign(w http.ResponseWriter, r *http.Request) {
	id, ok := campaignID(w, r)
	if !ok {
		return
	}

	result, err := c.Enqueuer.Enqueue(r.Context(), id)
	if err != nil {
		writeError(w, c.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (c *CampaignController) CancelCampaign(w http.ResponseWriter, r *http.Request) {
	id, ok := campaignID(w, r)
	if !ok {
		return
	}

	removed, err := c.CampaignService.CancelCampaign(r.Context(), id)
	if err != nil {
		writeError(w, c.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":           true,
		"campaign_id":  id,
		"removed_jobs": removed,
	})
}

func (c *CampaignController) PersonalizedPreview(w http.ResponseWriter, r *http.Request) {
	id, ok := campaignID(w, r)
	if !ok {
		return
	}

	var body struct {
		RecipientID  int64   `json:"recipient_id"`
		OverrideText *string `json:"override_text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		badRequest(w, "invalid body")
		return
	}

	rendered, err := c.CampaignService.RenderPreview(r.Context(), id, body.RecipientID, body.OverrideText)
	if err != nil {
		writeError(w, c.Log, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rendered_message": rendered.Text,
		"media_url":        rendered.MediaURL,
		"buttons":          rendered.Buttons,
		"used_override":    body.OverrideText != nil,
		"recipient_id":     body.RecipientID,
	})
}

func (c *CampaignController) ListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var filter repository.JobFilter
	for key, dst := range map[string]*int64{"campaign_id": &filter.CampaignID, "recipient_id": &filter.RecipientID} {
		if v := q.Get(key); v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				badRequest(w, "invalid "+key)
				return
			}
			*dst = n
		}
	}
	for key, dst := range map[string]*int{"limit": &filter.Limit, "offset": &filter.Offset} {
		if v := q.Get(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				badRequest(w, "invalid "+key)
				return
			}
			*dst = n
		}
	}
	filter.Status = q.Get("status")

	jobs, err := c.CampaignService.ListJobs(r.Context(), filter)
	if err != nil {
		writeError(w, c.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": jobs})
}

func (c *CampaignController) Stats(w http.ResponseWriter, r *http.Request) {
	var campaignID *int64
	if v := r.URL.Query().Get("campaign_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			badRequest(w, "invalid campaign_id")
			return
		}
		campaignID = &id
	}

	stats, err := c.CampaignService.Stats(r.Context(), campaignID)
	if err != nil {
		writeError(w, c.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

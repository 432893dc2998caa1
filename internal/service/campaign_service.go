// internal/service/campaign_service.go
package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	appErrors "github.com/unclebandit/shotqueue/internal/errors"
	"github.com/unclebandit/shotqueue/internal/model"
	"github.com/unclebandit/shotqueue/internal/repository"
	"github.com/unclebandit/shotqueue/internal/transport"
)

// ContactReader looks up a contact; a nil contact means none recorded.
type ContactReader interface {
	Get(ctx context.Context, botSlug string, recipientID int64) (*model.Contact, error)
}

type CampaignService struct {
	CampaignRepo repository.CampaignRepositoryInterface
	Jobs         repository.QueueJobReader
	Contacts     ContactReader
	Log          zerolog.Logger
	Now          func() time.Time
}

// CampaignDetails is a campaign plus its job counts by status.
type CampaignDetails struct {
	*model.Campaign
	Stats map[string]int `json:"stats"`
}

func (s *CampaignService) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

// ValidateCampaign checks a definition before it is stored. Offer lists
// longer than model.MaxOffers are rejected, never truncated.
func ValidateCampaign(c *model.Campaign) error {
	if strings.TrimSpace(c.BotSlug) == "" {
		return appErrors.NewInvalidState("bot_slug is required")
	}
	switch c.Kind {
	case model.KindShot, model.KindDownsell:
	default:
		return appErrors.NewInvalidState("unknown campaign kind %q", c.Kind)
	}
	if _, err := TargetEvents(c.AudienceTarget); err != nil {
		return err
	}
	if strings.TrimSpace(c.Content.Text) == "" && c.Content.MediaURL == "" {
		return appErrors.NewInvalidState("content needs text or media")
	}
	switch c.Content.MediaKind {
	case "", model.MediaPhoto, model.MediaVideo, model.MediaAudio:
	default:
		return appErrors.NewInvalidState("unknown media kind %q", c.Content.MediaKind)
	}
	if len(c.Offers) > model.MaxOffers {
		return appErrors.NewInvalidState("at most %d offers allowed, got %d", model.MaxOffers, len(c.Offers))
	}
	for i, o := range c.Offers {
		if strings.TrimSpace(o.Label) == "" || o.PriceCents <= 0 {
			return appErrors.NewInvalidState("offer %d needs a label and a positive price", i)
		}
	}
	if c.DelayMinutes < 0 {
		return appErrors.NewInvalidState("delay_minutes must not be negative")
	}

	switch c.Kind {
	case model.KindShot:
		switch c.SendMode {
		case model.SendImmediate:
		case model.SendScheduled:
			if c.ScheduledAt == nil || c.ScheduledAt.IsZero() {
				return appErrors.NewInvalidState("scheduled shots need scheduled_at")
			}
		default:
			return appErrors.NewInvalidState("unknown send mode %q", c.SendMode)
		}
	case model.KindDownsell:
		switch c.TriggerKind {
		case model.TriggerAfterStart, model.TriggerAfterPix:
		default:
			return appErrors.NewInvalidState("downsells need a trigger kind, got %q", c.TriggerKind)
		}
	}
	return nil
}

// CreateCampaign stores a new draft.
func (s *CampaignService) CreateCampaign(ctx context.Context, c *model.Campaign) (*model.Campaign, error) {
	if c.SendMode == "" {
		c.SendMode = model.SendImmediate
	}
	if err := ValidateCampaign(c); err != nil {
		return nil, err
	}

	now := s.now()
	c.ID = 0
	c.Status = model.CampaignDraft
	c.Active = true
	c.CreatedAt = now
	c.UpdatedAt = now

	if err := s.CampaignRepo.Create(ctx, c); err != nil {
		return nil, err
	}
	s.Log.Info().Int64("campaign_id", c.ID).Str("bot", c.BotSlug).Str("kind", c.Kind).Msg("campaign created")
	return c, nil
}

// UpdateCampaign applies patch to a draft.
func (s *CampaignService) UpdateCampaign(ctx context.Context, id int64, patch model.CampaignPatch) (*model.Campaign, error) {
	if patch.IsEmpty() {
		return nil, appErrors.NewInvalidState("empty patch")
	}
	c, err := s.CampaignRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Status != model.CampaignDraft {
		return nil, appErrors.NewInvalidState("campaign %d is %s, only drafts can be edited", id, c.Status)
	}

	patch.Apply(c)
	if err := ValidateCampaign(c); err != nil {
		return nil, err
	}
	c.UpdatedAt = s.now()
	if err := s.CampaignRepo.UpdateDraft(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// RenderPreview renders a campaign for one recipient as it would be sent.
// overrideText replaces the stored text when non-blank.
func (s *CampaignService) RenderPreview(ctx context.Context, campaignID, recipientID int64, overrideText *string) (transport.Message, error) {
	campaign, err := s.CampaignRepo.GetByID(ctx, campaignID)
	if err != nil {
		return transport.Message{}, err
	}

	var contact *model.Contact
	if s.Contacts != nil && recipientID != 0 {
		if contact, err = s.Contacts.Get(ctx, campaign.BotSlug, recipientID); err != nil {
			return transport.Message{}, err
		}
	}

	if overrideText != nil && strings.TrimSpace(*overrideText) != "" {
		copied := *campaign
		copied.Content.Text = *overrideText
		campaign = &copied
	}
	if strings.TrimSpace(campaign.Content.Text) == "" && campaign.Content.MediaURL == "" {
		return transport.Message{}, appErrors.NewInvalidState("template cannot be empty")
	}
	return RenderMessage(campaign, contact), nil
}

// ListCampaigns fetches campaigns with pagination
func (s *CampaignService) ListCampaigns(ctx context.Context, page, pageSize int, filter repository.CampaignFilter) ([]model.Campaign, map[string]int, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}
	offset := (page - 1) * pageSize

	ptrs, total, err := s.CampaignRepo.List(ctx, filter, offset, pageSize)
	if err != nil {
		return nil, nil, err
	}

	campaigns := make([]model.Campaign, len(ptrs))
	for i, c := range ptrs {
		campaigns[i] = *c
	}

	totalPages := (total + pageSize - 1) / pageSize
	pagination := map[string]int{
		"page":        page,
		"page_size":   pageSize,
		"total_count": total,
		"total_pages": totalPages,
	}

	return campaigns, pagination, nil
}

// GetCampaignDetails fetches a campaign by ID
func (s *CampaignService) GetCampaignDetails(ctx context.Context, id int64) (*model.Campaign, error) {
	return s.CampaignRepo.GetByID(ctx, id)
}

func (s *CampaignService) GetCampaignDetailsWithStats(ctx context.Context, id int64) (*CampaignDetails, error) {
	campaign, err := s.CampaignRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	stats, err := s.Jobs.Stats(ctx, &id)
	if err != nil {
		return nil, fmt.Errorf("campaign %d stats: %w", id, err)
	}
	return &CampaignDetails{Campaign: campaign, Stats: stats}, nil
}

// CancelCampaign stops a campaign and removes its jobs that have not been
// claimed yet. It returns the number removed.
func (s *CampaignService) CancelCampaign(ctx context.Context, id int64) (int64, error) {
	removed, err := s.CampaignRepo.Cancel(ctx, id, s.now())
	if err != nil {
		return 0, err
	}
	s.Log.Info().Int64("campaign_id", id).Int64("removed", removed).Msg("campaign canceled")
	return removed, nil
}

func (s *CampaignService) ListJobs(ctx context.Context, filter repository.JobFilter) ([]model.QueueJob, error) {
	if filter.Limit > 500 {
		filter.Limit = 500
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	return s.Jobs.List(ctx, filter)
}

// Stats counts jobs by status; campaignID nil means across all campaigns.
func (s *CampaignService) Stats(ctx context.Context, campaignID *int64) (map[string]int, error) {
	return s.Jobs.Stats(ctx, campaignID)
}

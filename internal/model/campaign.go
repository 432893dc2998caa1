// internal/model/campaign.go
package model

import "time"

const (
	KindShot     = "shot"
	KindDownsell = "downsell"

	SendImmediate = "immediate"
	SendScheduled = "scheduled"

	TriggerAfterStart = "after_start"
	TriggerAfterPix   = "after_pix"

	TargetAllStarted   = "all_started"
	TargetPixGenerated = "pix_generated"
	TargetPixCreated   = "pix_created"

	CampaignDraft     = "draft"
	CampaignQueued    = "queued"
	CampaignScheduled = "scheduled"
	CampaignSent      = "sent"
	CampaignCanceled  = "canceled"
	CampaignError     = "error"

	MediaPhoto = "photo"
	MediaVideo = "video"
	MediaAudio = "audio"
)

// MaxOffers is the upper bound on labeled prices attached to one campaign.
const MaxOffers = 8

type Campaign struct {
	ID             int64      `db:"id" json:"id"`
	BotSlug        string     `db:"bot_slug" json:"bot_slug"`
	Kind           string     `db:"kind" json:"kind"`
	Name           string     `db:"name" json:"name"`
	AudienceTarget string     `db:"audience_target" json:"audience_target"`
	Content        Content    `db:"content" json:"content"`
	Offers         []Offer    `db:"offers" json:"offers"`
	SendMode       string     `db:"send_mode" json:"send_mode"`
	ScheduledAt    *time.Time `db:"scheduled_at" json:"scheduled_at,omitempty"`
	TriggerKind    string     `db:"trigger_kind" json:"trigger_kind,omitempty"`
	DelayMinutes   int        `db:"delay_minutes" json:"delay_minutes"`
	Status         string     `db:"status" json:"status"`
	Active         bool       `db:"active" json:"active"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at" json:"updated_at"`
}

// Content is what a recipient sees. Text doubles as the media caption.
type Content struct {
	Text      string   `json:"text"`
	ParseMode string   `json:"parse_mode,omitempty"`
	MediaKind string   `json:"media_kind,omitempty"`
	MediaURL  string   `json:"media_url,omitempty"`
	Buttons   []Button `json:"buttons,omitempty"`
}

type Button struct {
	Text string `json:"text"`
	URL  string `json:"url"`
}

type Offer struct {
	Label      string `json:"label"`
	PriceCents int64  `json:"price_cents"`
}

// Delay is the downsell wait between trigger and delivery.
func (c *Campaign) Delay() time.Duration {
	return time.Duration(c.DelayMinutes) * time.Minute
}

// CampaignPatch lists the fields an administrator may change on a draft.
// Nil fields are left untouched.
type CampaignPatch struct {
	Name           *string    `json:"name,omitempty"`
	AudienceTarget *string    `json:"audience_target,omitempty"`
	Content        *Content   `json:"content,omitempty"`
	Offers         *[]Offer   `json:"offers,omitempty"`
	SendMode       *string    `json:"send_mode,omitempty"`
	ScheduledAt    *time.Time `json:"scheduled_at,omitempty"`
	TriggerKind    *string    `json:"trigger_kind,omitempty"`
	DelayMinutes   *int       `json:"delay_minutes,omitempty"`
	Active         *bool      `json:"active,omitempty"`
}

// Apply copies the set fields onto c.
func (p CampaignPatch) Apply(c *Campaign) {
	if p.Name != nil {
		c.Name = *p.Name
	}
	if p.AudienceTarget != nil {
		c.AudienceTarget = *p.AudienceTarget
	}
	if p.Content != nil {
		c.Content = *p.Content
	}
	if p.Offers != nil {
		c.Offers = append([]Offer(nil), (*p.Offers)...)
	}
	if p.SendMode != nil {
		c.SendMode = *p.SendMode
	}
	if p.ScheduledAt != nil {
		t := *p.ScheduledAt
		c.ScheduledAt = &t
	}
	if p.TriggerKind != nil {
		c.TriggerKind = *p.TriggerKind
	}
	if p.DelayMinutes != nil {
		c.DelayMinutes = *p.DelayMinutes
	}
	if p.Active != nil {
		c.Active = *p.Active
	}
}

func (p CampaignPatch) IsEmpty() bool {
	return p == CampaignPatch{}
}

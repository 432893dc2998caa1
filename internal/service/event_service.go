package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	appErrors "github.com/unclebandit/shotqueue/internal/errors"
	"github.com/unclebandit/shotqueue/internal/model"
	"github.com/unclebandit/shotqueue/internal/queue"
	"github.com/unclebandit/shotqueue/internal/repository"
)

// BehaviorEvent is what a bot reports about a recipient.
type BehaviorEvent struct {
	EventID       string         `json:"event_id"`
	BotSlug       string         `json:"bot_slug"`
	RecipientID   int64          `json:"recipient_id"`
	Name          string         `json:"event_name"`
	PriceCents    *int64         `json:"price_cents,omitempty"`
	TransactionID string         `json:"transaction_id,omitempty"`
	FirstName     string         `json:"first_name,omitempty"`
	Username      string         `json:"username,omitempty"`
	Meta          map[string]any `json:"meta,omitempty"`
	OccurredAt    time.Time      `json:"occurred_at,omitempty"`
}

func (e BehaviorEvent) Validate() error {
	switch {
	case strings.TrimSpace(e.EventID) == "":
		return appErrors.NewInvalidState("event_id is required")
	case strings.TrimSpace(e.BotSlug) == "":
		return appErrors.NewInvalidState("bot_slug is required")
	case e.RecipientID == 0:
		return appErrors.NewInvalidState("recipient_id is required")
	case strings.TrimSpace(e.Name) == "":
		return appErrors.NewInvalidState("event_name is required")
	}
	return nil
}

// DownsellTrigger reacts to a freshly recorded event.
type DownsellTrigger interface {
	TriggerDownsells(ctx context.Context, ev model.Event) (int, error)
}

// IngestResult reports what an ingested event caused.
type IngestResult struct {
	Recorded  bool `json:"recorded"`
	Triggered int  `json:"triggered"`
}

type EventService struct {
	Events    *repository.EventRepository
	Contacts  *repository.ContactRepository
	Downsells DownsellTrigger
	Log       zerolog.Logger
	Now       func() time.Time
}

func (s *EventService) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

// Ingest records a behavioral event, then touches the contact and fires
// downsell triggers. Both follow-ups are idempotent, so they also run for a
// duplicate event id: a redelivery after a failed follow-up completes it.
// Only a newly stored bot_start reactivates a blocked contact.
func (s *EventService) Ingest(ctx context.Context, be BehaviorEvent) (IngestResult, error) {
	var res IngestResult
	if err := be.Validate(); err != nil {
		return res, err
	}

	now := s.now()
	at := be.OccurredAt.UTC()
	if be.OccurredAt.IsZero() {
		at = now
	}
	ev := model.Event{
		EventID:       be.EventID,
		BotSlug:       be.BotSlug,
		RecipientID:   be.RecipientID,
		Name:          be.Name,
		PriceCents:    be.PriceCents,
		TransactionID: be.TransactionID,
		Meta:          be.Meta,
		CreatedAt:     at,
	}

	inserted, err := s.Events.Record(ctx, ev)
	if err != nil {
		return res, err
	}
	res.Recorded = inserted

	err = s.Contacts.Touch(ctx, model.Contact{
		BotSlug:     be.BotSlug,
		RecipientID: be.RecipientID,
		FirstName:   be.FirstName,
		Username:    be.Username,
		LastSeenAt:  at,
	}, inserted && be.Name == model.EventBotStart, now)
	if err != nil {
		return res, err
	}

	if s.Downsells != nil {
		n, err := s.Downsells.TriggerDownsells(ctx, ev)
		res.Triggered = n
		if err != nil {
			s.Log.Error().Err(err).Str("event_id", ev.EventID).Msg("downsell trigger failed")
			return res, err
		}
	}
	return res, nil
}

// Membership statuses as reported by Telegram chat_member updates.
const (
	MemberStatusMember = "member"
	MemberStatusKicked = "kicked"
)

// SetMembership applies a chat membership change to the contact.
func (s *EventService) SetMembership(ctx context.Context, botSlug string, recipientID int64, status string) (bool, error) {
	var state string
	switch status {
	case MemberStatusKicked:
		state = model.ChatBlocked
	case MemberStatusMember:
		state = model.ChatActive
	default:
		return false, appErrors.NewInvalidState("unsupported membership status %q", status)
	}
	changed, err := s.Contacts.SetState(ctx, botSlug, recipientID, state, s.now())
	if err != nil {
		return false, err
	}
	if changed {
		s.Log.Info().Str("bot", botSlug).Int64("recipient_id", recipientID).Str("chat_state", state).Msg("membership changed")
	}
	return changed, nil
}

// HandleMessage ingests one queued event. Messages that can never succeed
// are marked permanent so the queue drops them.
func (s *EventService) HandleMessage(ctx context.Context, body []byte) error {
	var be BehaviorEvent
	if err := json.Unmarshal(body, &be); err != nil {
		return fmt.Errorf("%w: decode behavior event: %v", queue.ErrPermanent, err)
	}
	if _, err := s.Ingest(ctx, be); err != nil {
		if appErrors.IsInvalidState(err) {
			return fmt.Errorf("%w: %v", queue.ErrPermanent, err)
		}
		return err
	}
	return nil
}

// Consume subscribes the service to the behavior events topic.
func (s *EventService) Consume(q queue.Queue, topic string) error {
	if topic == "" {
		topic = queue.TopicBehaviorEvents
	}
	return q.Subscribe(topic, s.HandleMessage)
}

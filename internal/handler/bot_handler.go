// internal/handler/bot_handler.go
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	appErrors "github.com/unclebandit/shotqueue/internal/errors"
	"github.com/unclebandit/shotqueue/internal/queue"
	"github.com/unclebandit/shotqueue/internal/service"
)

type Publisher interface {
	Publish(topic string, payload any) error
}

type MembershipSetter interface {
	SetMembership(ctx context.Context, botSlug string, recipientID int64, status string) (bool, error)
}

type CredentialInvalidator interface {
	Invalidate(ctx context.Context, botSlug string) error
}

// BotHandler holds the hooks bots call to report what their users do.
type BotHandler struct {
	Queue       Publisher
	Topic       string
	Members     MembershipSetter
	Credentials CredentialInvalidator
	Log         zerolog.Logger
}

func (h *BotHandler) Routes(r chi.Router) {
	r.Route("/bots/{slug}", func(r chi.Router) {
		r.Post("/events", h.PostEvent)
		r.Post("/membership", h.PostMembership)
		r.Post("/credential/invalidate", h.InvalidateCredential)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// PostEvent validates a behavioral event and hands it to the queue. An
// event without an id gets a fresh one, so retries by the caller should
// supply their own.
func (h *BotHandler) PostEvent(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")

	var ev service.BehaviorEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if ev.BotSlug != "" && ev.BotSlug != slug {
		http.Error(w, "bot_slug does not match path", http.StatusBadRequest)
		return
	}
	ev.BotSlug = slug
	if ev.EventID == "" {
		ev.EventID = uuid.NewString()
	}
	if err := ev.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	topic := h.Topic
	if topic == "" {
		topic = queue.TopicBehaviorEvents
	}
	if err := h.Queue.Publish(topic, ev); err != nil {
		h.Log.Error().Err(err).Str("bot", slug).Str("event_id", ev.EventID).Msg("failed to publish event")
		http.Error(w, "failed to queue event", http.StatusServiceUnavailable)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "event_id": ev.EventID})
}

func (h *BotHandler) PostMembership(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")

	var body struct {
		RecipientID int64  `json:"recipient_id"`
		Status      string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if body.RecipientID == 0 {
		http.Error(w, "recipient_id is required", http.StatusBadRequest)
		return
	}

	changed, err := h.Members.SetMembership(r.Context(), slug, body.RecipientID, body.Status)
	if err != nil {
		if errors.Is(err, appErrors.ErrInvalidState) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		h.Log.Error().Err(err).Str("bot", slug).Msg("membership update failed")
		http.Error(w, "failed to update membership", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"recipient_id": body.RecipientID,
		"changed":      changed,
	})
}

func (h *BotHandler) InvalidateCredential(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")
	if err := h.Credentials.Invalidate(r.Context(), slug); err != nil {
		h.Log.Error().Err(err).Str("bot", slug).Msg("credential invalidation failed")
		http.Error(w, "failed to invalidate credential", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

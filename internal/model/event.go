// internal/model/event.go
package model

import "time"

// Behavioral event names reported by the bots.
const (
	EventBotStart   = "bot_start"
	EventPixCreated = "pix_created"
	EventPurchase   = "purchase"
	EventPixPaid    = "pix_paid"
)

// Event is an immutable fact. EventID is the idempotency key.
type Event struct {
	EventID       string         `db:"event_id" json:"event_id"`
	BotSlug       string         `db:"bot_slug" json:"bot_slug"`
	RecipientID   int64          `db:"recipient_id" json:"recipient_id"`
	Name          string         `db:"event_name" json:"event_name"`
	PriceCents    *int64         `db:"price_cents" json:"price_cents,omitempty"`
	TransactionID string         `db:"transaction_id" json:"transaction_id,omitempty"`
	Meta          map[string]any `db:"meta" json:"meta,omitempty"`
	CreatedAt     time.Time      `db:"created_at" json:"created_at"`
}

// Credential is what the transport needs to act as a bot.
type Credential struct {
	BotSlug string `json:"bot_slug"`
	Token   string `json:"token"`
}

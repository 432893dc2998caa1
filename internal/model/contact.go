// internal/model/contact.go
package model

import "time"

const (
	ChatActive      = "active"
	ChatBlocked     = "blocked"
	ChatDeactivated = "deactivated"
	ChatUnknown     = "unknown"
)

// Contact is the per-bot reachability record for a recipient.
type Contact struct {
	BotSlug     string    `db:"bot_slug" json:"bot_slug"`
	RecipientID int64     `db:"recipient_id" json:"recipient_id"`
	ChatState   string    `db:"chat_state" json:"chat_state"`
	FirstName   string    `db:"first_name" json:"first_name,omitempty"`
	Username    string    `db:"username" json:"username,omitempty"`
	LastSeenAt  time.Time `db:"last_seen_at" json:"last_seen_at"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}

// Reachable is false once the provider told us the chat is gone.
func (c *Contact) Reachable() bool {
	return c == nil || (c.ChatState != ChatBlocked && c.ChatState != ChatDeactivated)
}

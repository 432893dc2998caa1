package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/unclebandit/shotqueue/internal/db"
	appErrors "github.com/unclebandit/shotqueue/internal/errors"
	"github.com/unclebandit/shotqueue/internal/model"
)

// ContactRepository tracks per-bot chat reachability.
type ContactRepository struct {
	DB *db.DB
}

// Get returns nil, nil when the contact has never been seen.
func (r *ContactRepository) Get(ctx context.Context, botSlug string, recipientID int64) (*model.Contact, error) {
	row := r.DB.QueryRow(ctx, `
        SELECT bot_slug, recipient_id, chat_state, first_name, username, last_seen_at, updated_at
        FROM contacts
        WHERE bot_slug = ? AND recipient_id = ?
    `, botSlug, recipientID)

	var (
		c                   model.Contact
		lastSeen, updatedAt int64
	)
	if err := row.Scan(&c.BotSlug, &c.RecipientID, &c.ChatState, &c.FirstName, &c.Username, &lastSeen, &updatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, appErrors.Persistence("get contact", err)
	}
	c.LastSeenAt = fromMillis(lastSeen)
	c.UpdatedAt = fromMillis(updatedAt)
	return &c, nil
}

// Touch records that the recipient interacted with the bot. Profile fields
// are only overwritten when non-empty. With reactivate the chat state goes
// back to active, since a fresh /start proves the chat is open again.
func (r *ContactRepository) Touch(ctx context.Context, c model.Contact, reactivate bool, now time.Time) error {
	seen := c.LastSeenAt
	if seen.IsZero() {
		seen = now
	}
	query := `
        INSERT INTO contacts (bot_slug, recipient_id, chat_state, first_name, username, last_seen_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT (bot_slug, recipient_id) DO UPDATE SET
            first_name = CASE WHEN excluded.first_name <> '' THEN excluded.first_name ELSE contacts.first_name END,
            username = CASE WHEN excluded.username <> '' THEN excluded.username ELSE contacts.username END,
            last_seen_at = CASE WHEN excluded.last_seen_at > contacts.last_seen_at THEN excluded.last_seen_at ELSE contacts.last_seen_at END,
            updated_at = excluded.updated_at`
	if reactivate {
		query += `,
            chat_state = excluded.chat_state`
	}
	_, err := r.DB.Exec(ctx, query,
		c.BotSlug, c.RecipientID, model.ChatActive, c.FirstName, c.Username, toMillis(seen), toMillis(now))
	return appErrors.Persistence("touch contact", err)
}

// SetState moves the contact to state. Writing the same state again is a
// no-op and reports changed=false.
func (r *ContactRepository) SetState(ctx context.Context, botSlug string, recipientID int64, state string, now time.Time) (bool, error) {
	res, err := r.DB.Exec(ctx, `
        INSERT INTO contacts (bot_slug, recipient_id, chat_state, last_seen_at, updated_at)
        VALUES (?, ?, ?, ?, ?)
        ON CONFLICT (bot_slug, recipient_id) DO UPDATE SET
            chat_state = excluded.chat_state,
            updated_at = excluded.updated_at
        WHERE contacts.chat_state <> excluded.chat_state
    `, botSlug, recipientID, state, toMillis(now), toMillis(now))
	if err != nil {
		return false, appErrors.Persistence("set contact state", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, appErrors.Persistence("set contact state", err)
	}
	return n > 0, nil
}

// UnreachableAmong reports which recipients are blocked or deactivated.
// Unknown recipients are treated as reachable.
func (r *ContactRepository) UnreachableAmong(ctx context.Context, botSlug string, recipients []int64) (map[int64]bool, error) {
	out := make(map[int64]bool)
	if len(recipients) == 0 {
		return out, nil
	}
	args := append([]any{botSlug, model.ChatBlocked, model.ChatDeactivated}, db.Int64Args(recipients)...)
	rows, err := r.DB.Query(ctx, `
        SELECT recipient_id FROM contacts
        WHERE bot_slug = ? AND chat_state IN (?, ?) AND recipient_id IN (`+db.Placeholders(len(recipients))+`)
    `, args...)
	if err != nil {
		return nil, appErrors.Persistence("unreachable contacts", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, appErrors.Persistence("scan contact", err)
		}
		out[id] = true
	}
	return out, appErrors.Persistence("unreachable contacts", rows.Err())
}

// CountByState summarises reachability for one bot.
func (r *ContactRepository) CountByState(ctx context.Context, botSlug string) (map[string]int, error) {
	rows, err := r.DB.Query(ctx, `SELECT chat_state, COUNT(*) FROM contacts WHERE bot_slug = ? GROUP BY chat_state`, botSlug)
	if err != nil {
		return nil, appErrors.Persistence("count contacts", err)
	}
	defer rows.Close()

	counts := map[string]int{model.ChatActive: 0, model.ChatBlocked: 0, model.ChatDeactivated: 0}
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, appErrors.Persistence("scan contact count", err)
		}
		counts[state] = n
	}
	return counts, appErrors.Persistence("count contacts", rows.Err())
}

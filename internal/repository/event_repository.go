package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"

	"github.com/unclebandit/shotqueue/internal/db"
	appErrors "github.com/unclebandit/shotqueue/internal/errors"
	"github.com/unclebandit/shotqueue/internal/model"
)

// EventRepository is the append-only event store.
type EventRepository struct {
	DB *db.DB
}

const eventColumns = `event_id, bot_slug, recipient_id, event_name, price_cents, transaction_id, meta, created_at`

// Record inserts the event unless one with the same id exists. A duplicate
// is not an error; inserted reports which case happened.
func (r *EventRepository) Record(ctx context.Context, e model.Event) (bool, error) {
	n, err := r.RecordMany(ctx, []model.Event{e})
	return n == 1, err
}

// RecordMany bulk-inserts events and returns how many were new. Large
// slices are written in several statements.
func (r *EventRepository) RecordMany(ctx context.Context, events []model.Event) (int, error) {
	total := 0
	step := db.RowsPerStatement(eventWidth)
	for start := 0; start < len(events); start += step {
		end := min(start+step, len(events))
		n, err := r.recordBatch(ctx, events[start:end])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

const eventWidth = 8

func (r *EventRepository) recordBatch(ctx context.Context, events []model.Event) (int, error) {
	var b strings.Builder
	b.WriteString(`INSERT INTO events (` + eventColumns + `) VALUES `)
	args := make([]any, 0, len(events)*eventWidth)
	for i, e := range events {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(" + db.Placeholders(eventWidth) + ")")

		meta, err := encodeMeta(e.Meta)
		if err != nil {
			return 0, err
		}
		var price any
		if e.PriceCents != nil {
			price = *e.PriceCents
		}
		args = append(args, e.EventID, e.BotSlug, e.RecipientID, e.Name, price, e.TransactionID, meta, toMillis(e.CreatedAt))
	}
	b.WriteString(` ON CONFLICT (event_id) DO NOTHING`)

	res, err := r.DB.Exec(ctx, b.String(), args...)
	if err != nil {
		return 0, appErrors.Persistence("record events", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, appErrors.Persistence("record events", err)
	}
	return int(n), nil
}

func (r *EventRepository) Exists(ctx context.Context, eventID string) (bool, error) {
	var one int
	err := r.DB.QueryRow(ctx, `SELECT 1 FROM events WHERE event_id = ?`, eventID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, appErrors.Persistence("event exists", err)
	}
	return true, nil
}

func (r *EventRepository) GetByID(ctx context.Context, eventID string) (*model.Event, error) {
	row := r.DB.QueryRow(ctx, `SELECT `+eventColumns+` FROM events WHERE event_id = ?`, eventID)
	e, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, appErrors.NewNotFound("event", eventID)
	}
	if err != nil {
		return nil, appErrors.Persistence("get event", err)
	}
	return e, nil
}

// ListByRecipient returns the newest events first, optionally restricted to names.
func (r *EventRepository) ListByRecipient(ctx context.Context, botSlug string, recipientID int64, names []string, limit int) ([]model.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events WHERE bot_slug = ? AND recipient_id = ?`
	args := []any{botSlug, recipientID}
	if len(names) > 0 {
		query += ` AND event_name IN (` + db.Placeholders(len(names)) + `)`
		args = append(args, stringArgs(names)...)
	}
	query += ` ORDER BY created_at DESC, event_id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := r.DB.Query(ctx, query, args...)
	if err != nil {
		return nil, appErrors.Persistence("list events", err)
	}
	defer rows.Close()

	events := []model.Event{}
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, appErrors.Persistence("scan event", err)
		}
		events = append(events, *e)
	}
	return events, appErrors.Persistence("list events", rows.Err())
}

// DistinctRecipients pages through recipients having any of the named
// events, ordered by id, starting after the given id.
func (r *EventRepository) DistinctRecipients(ctx context.Context, botSlug string, names []string, after int64, limit int) ([]int64, error) {
	if len(names) == 0 {
		return nil, nil
	}
	query := `SELECT DISTINCT recipient_id FROM events
		WHERE bot_slug = ? AND event_name IN (` + db.Placeholders(len(names)) + `) AND recipient_id > ?
		ORDER BY recipient_id LIMIT ?`
	args := append([]any{botSlug}, stringArgs(names)...)
	args = append(args, after, limit)

	rows, err := r.DB.Query(ctx, query, args...)
	if err != nil {
		return nil, appErrors.Persistence("distinct recipients", err)
	}
	defer rows.Close()

	ids := make([]int64, 0, limit)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, appErrors.Persistence("scan recipient", err)
		}
		ids = append(ids, id)
	}
	return ids, appErrors.Persistence("distinct recipients", rows.Err())
}

// RecipientsWithEvent reports which of the given recipients have at least
// one of the named events.
func (r *EventRepository) RecipientsWithEvent(ctx context.Context, botSlug string, names []string, recipients []int64) (map[int64]bool, error) {
	found := make(map[int64]bool)
	if len(recipients) == 0 || len(names) == 0 {
		return found, nil
	}
	query := `SELECT DISTINCT recipient_id FROM events
		WHERE bot_slug = ? AND event_name IN (` + db.Placeholders(len(names)) + `)
		AND recipient_id IN (` + db.Placeholders(len(recipients)) + `)`
	args := append([]any{botSlug}, stringArgs(names)...)
	args = append(args, db.Int64Args(recipients)...)

	rows, err := r.DB.Query(ctx, query, args...)
	if err != nil {
		return nil, appErrors.Persistence("recipients with event", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, appErrors.Persistence("scan recipient", err)
		}
		found[id] = true
	}
	return found, appErrors.Persistence("recipients with event", rows.Err())
}

func (r *EventRepository) HasEvent(ctx context.Context, botSlug string, recipientID int64, names []string) (bool, error) {
	found, err := r.RecipientsWithEvent(ctx, botSlug, names, []int64{recipientID})
	if err != nil {
		return false, err
	}
	return found[recipientID], nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(s rowScanner) (*model.Event, error) {
	var (
		e         model.Event
		price     sql.NullInt64
		meta      string
		createdAt int64
	)
	if err := s.Scan(&e.EventID, &e.BotSlug, &e.RecipientID, &e.Name, &price, &e.TransactionID, &meta, &createdAt); err != nil {
		return nil, err
	}
	if price.Valid {
		v := price.Int64
		e.PriceCents = &v
	}
	if meta != "" && meta != "{}" {
		if err := json.Unmarshal([]byte(meta), &e.Meta); err != nil {
			return nil, err
		}
	}
	e.CreatedAt = fromMillis(createdAt)
	return &e, nil
}

func encodeMeta(meta map[string]any) (string, error) {
	if len(meta) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

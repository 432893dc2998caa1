package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/unclebandit/shotqueue/internal/db"
	appErrors "github.com/unclebandit/shotqueue/internal/errors"
	"github.com/unclebandit/shotqueue/internal/model"
)

type CampaignRepositoryInterface interface {
	Create(ctx context.Context, c *model.Campaign) error
	GetByID(ctx context.Context, id int64) (*model.Campaign, error)
	List(ctx context.Context, filter CampaignFilter, offset, limit int) ([]*model.Campaign, int, error)
	UpdateDraft(ctx context.Context, c *model.Campaign) error
	UpdateStatus(ctx context.Context, id int64, status string, now time.Time) error
	Cancel(ctx context.Context, id int64, now time.Time) (int64, error)
}

type CampaignFilter struct {
	BotSlug string
	Kind    string
	Status  string
}

type CampaignRepository struct {
	DB *db.DB
}

const campaignColumns = `id, bot_slug, kind, name, audience_target, content, offers, send_mode, scheduled_at,
    trigger_kind, delay_minutes, status, active, created_at, updated_at`

// ====================== Campaign CRUD ======================

func (r *CampaignRepository) Create(ctx context.Context, c *model.Campaign) error {
	if c.Status == "" {
		c.Status = model.CampaignDraft
	}
	content, offers, err := encodeCampaignJSON(c)
	if err != nil {
		return err
	}
	query := `
        INSERT INTO campaigns (bot_slug, kind, name, audience_target, content, offers, send_mode, scheduled_at,
            trigger_kind, delay_minutes, status, active, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        RETURNING id
    `
	err = r.DB.QueryRow(ctx, query,
		c.BotSlug, c.Kind, c.Name, c.AudienceTarget, content, offers, c.SendMode, nullableMillis(c.ScheduledAt),
		c.TriggerKind, c.DelayMinutes, c.Status, c.Active, toMillis(c.CreatedAt), toMillis(c.UpdatedAt),
	).Scan(&c.ID)
	return appErrors.Persistence("create campaign", err)
}

// UpdateDraft rewrites the editable fields. Only drafts can be edited; any
// other status yields InvalidState.
func (r *CampaignRepository) UpdateDraft(ctx context.Context, c *model.Campaign) error {
	content, offers, err := encodeCampaignJSON(c)
	if err != nil {
		return err
	}
	res, err := r.DB.Exec(ctx, `
        UPDATE campaigns
        SET name = ?, audience_target = ?, content = ?, offers = ?, send_mode = ?, scheduled_at = ?,
            trigger_kind = ?, delay_minutes = ?, active = ?, updated_at = ?
        WHERE id = ? AND status = ?
    `, c.Name, c.AudienceTarget, content, offers, c.SendMode, nullableMillis(c.ScheduledAt),
		c.TriggerKind, c.DelayMinutes, c.Active, toMillis(c.UpdatedAt), c.ID, model.CampaignDraft)
	if err != nil {
		return appErrors.Persistence("update campaign", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return appErrors.NewInvalidState("campaign %d is not a draft", c.ID)
	}
	return nil
}

func (r *CampaignRepository) UpdateStatus(ctx context.Context, id int64, status string, now time.Time) error {
	_, err := r.DB.Exec(ctx, `UPDATE campaigns SET status = ?, updated_at = ? WHERE id = ? AND status <> ?`,
		status, toMillis(now), id, model.CampaignCanceled)
	return appErrors.Persistence("update campaign status", err)
}

func (r *CampaignRepository) GetByID(ctx context.Context, id int64) (*model.Campaign, error) {
	row := r.DB.QueryRow(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE id = ?`, id)
	c, err := scanCampaign(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.NewCampaignNotFound(id)
		}
		return nil, appErrors.Persistence("get campaign", err)
	}
	return c, nil
}

func (r *CampaignRepository) List(ctx context.Context, filter CampaignFilter, offset, limit int) ([]*model.Campaign, int, error) {
	where := ` WHERE 1=1`
	args := []any{}
	if filter.BotSlug != "" {
		where += ` AND bot_slug = ?`
		args = append(args, filter.BotSlug)
	}
	if filter.Kind != "" {
		where += ` AND kind = ?`
		args = append(args, filter.Kind)
	}
	if filter.Status != "" {
		where += ` AND status = ?`
		args = append(args, filter.Status)
	}

	rows, err := r.DB.Query(ctx, `SELECT `+campaignColumns+` FROM campaigns`+where+` ORDER BY id DESC LIMIT ? OFFSET ?`,
		append(append([]any{}, args...), limit, offset)...)
	if err != nil {
		return nil, 0, appErrors.Persistence("list campaigns", err)
	}
	campaigns := []*model.Campaign{}
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			rows.Close()
			return nil, 0, appErrors.Persistence("scan campaign", err)
		}
		campaigns = append(campaigns, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, 0, appErrors.Persistence("list campaigns", err)
	}

	var total int
	if err := r.DB.QueryRow(ctx, `SELECT COUNT(*) FROM campaigns`+where, args...).Scan(&total); err != nil {
		return nil, 0, appErrors.Persistence("count campaigns", err)
	}
	return campaigns, total, nil
}

// ActiveDownsells returns the live downsells of a bot reacting to trigger.
func (r *CampaignRepository) ActiveDownsells(ctx context.Context, botSlug, trigger string) ([]*model.Campaign, error) {
	rows, err := r.DB.Query(ctx, `SELECT `+campaignColumns+` FROM campaigns
        WHERE bot_slug = ? AND kind = ? AND trigger_kind = ? AND active = ? AND status NOT IN (?, ?)
        ORDER BY id`,
		botSlug, model.KindDownsell, trigger, true, model.CampaignCanceled, model.CampaignDraft)
	if err != nil {
		return nil, appErrors.Persistence("active downsells", err)
	}
	defer rows.Close()

	campaigns := []*model.Campaign{}
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, appErrors.Persistence("scan campaign", err)
		}
		campaigns = append(campaigns, c)
	}
	return campaigns, appErrors.Persistence("active downsells", rows.Err())
}

// Cancel deactivates the campaign and drops its not-yet-claimed jobs in one
// transaction. Jobs already sending or finished are kept. It returns the
// number of jobs removed.
func (r *CampaignRepository) Cancel(ctx context.Context, id int64, now time.Time) (int64, error) {
	var removed int64
	err := r.DB.InTx(ctx, func(tx *db.Tx) error {
		res, err := tx.Exec(ctx, `UPDATE campaigns SET status = ?, active = ?, updated_at = ? WHERE id = ?`,
			model.CampaignCanceled, false, toMillis(now), id)
		if err != nil {
			return appErrors.Persistence("cancel campaign", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return appErrors.NewCampaignNotFound(id)
		}

		res, err = tx.Exec(ctx, `DELETE FROM queue_jobs WHERE campaign_id = ? AND status = ?`, id, model.JobScheduled)
		if err != nil {
			return appErrors.Persistence("delete scheduled jobs", err)
		}
		removed, _ = res.RowsAffected()
		return nil
	})
	return removed, err
}

// MarkSentIfDrained rolls an enqueued campaign up to sent once no job is
// waiting or in flight.
func (r *CampaignRepository) MarkSentIfDrained(ctx context.Context, id int64, now time.Time) (bool, error) {
	res, err := r.DB.Exec(ctx, `
        UPDATE campaigns SET status = ?, updated_at = ?
        WHERE id = ? AND status IN (?, ?)
          AND NOT EXISTS (SELECT 1 FROM queue_jobs WHERE campaign_id = ? AND status IN (?, ?))
    `, model.CampaignSent, toMillis(now), id, model.CampaignQueued, model.CampaignScheduled,
		id, model.JobScheduled, model.JobSending)
	if err != nil {
		return false, appErrors.Persistence("roll up campaign", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func scanCampaign(s rowScanner) (*model.Campaign, error) {
	var (
		c                    model.Campaign
		content, offers      string
		scheduledAt          sql.NullInt64
		createdAt, updatedAt int64
	)
	err := s.Scan(&c.ID, &c.BotSlug, &c.Kind, &c.Name, &c.AudienceTarget, &content, &offers, &c.SendMode,
		&scheduledAt, &c.TriggerKind, &c.DelayMinutes, &c.Status, &c.Active, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(content), &c.Content); err != nil {
		return nil, err
	}
	if offers != "" {
		if err := json.Unmarshal([]byte(offers), &c.Offers); err != nil {
			return nil, err
		}
	}
	if c.Offers == nil {
		c.Offers = []model.Offer{}
	}
	if scheduledAt.Valid {
		t := fromMillis(scheduledAt.Int64)
		c.ScheduledAt = &t
	}
	c.CreatedAt = fromMillis(createdAt)
	c.UpdatedAt = fromMillis(updatedAt)
	return &c, nil
}

func encodeCampaignJSON(c *model.Campaign) (string, string, error) {
	content, err := json.Marshal(c.Content)
	if err != nil {
		return "", "", err
	}
	offers := c.Offers
	if offers == nil {
		offers = []model.Offer{}
	}
	o, err := json.Marshal(offers)
	if err != nil {
		return "", "", err
	}
	return string(content), string(o), nil
}

func nullableMillis(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

var _ CampaignRepositoryInterface = (*CampaignRepository)(nil)

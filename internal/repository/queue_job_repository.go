package repository

import (
	"context"
	"strings"
	"time"

	"github.com/unclebandit/shotqueue/internal/db"
	appErrors "github.com/unclebandit/shotqueue/internal/errors"
	"github.com/unclebandit/shotqueue/internal/model"
)

// QueueJobReader is the read side used by reporting.
type QueueJobReader interface {
	List(ctx context.Context, filter JobFilter) ([]model.QueueJob, error)
	Stats(ctx context.Context, campaignID *int64) (map[string]int, error)
}

type JobFilter struct {
	CampaignID  int64
	RecipientID int64
	Status      string
	Limit       int
	Offset      int
}

type QueueJobRepository struct {
	DB *db.DB
}

const jobColumns = `id, campaign_id, bot_slug, recipient_id, deliver_at, status, last_error, attempt_count, claimed_by, created_at, updated_at`

// InsertMany adds scheduled jobs, silently dropping any (campaign, recipient)
// pair that already exists. It returns the recipients actually inserted.
// Large slices are written in several statements.
func (r *QueueJobRepository) InsertMany(ctx context.Context, jobs []model.QueueJob) ([]int64, error) {
	if len(jobs) == 0 {
		return nil, nil
	}
	inserted := make([]int64, 0, len(jobs))
	step := db.RowsPerStatement(jobWidth)
	for start := 0; start < len(jobs); start += step {
		end := min(start+step, len(jobs))
		ids, err := r.insertBatch(ctx, jobs[start:end])
		inserted = append(inserted, ids...)
		if err != nil {
			return inserted, err
		}
	}
	return inserted, nil
}

const jobWidth = 8

func (r *QueueJobRepository) insertBatch(ctx context.Context, jobs []model.QueueJob) ([]int64, error) {
	var b strings.Builder
	b.WriteString(`INSERT INTO queue_jobs (campaign_id, bot_slug, recipient_id, deliver_at, status, attempt_count, created_at, updated_at) VALUES `)
	args := make([]any, 0, len(jobs)*jobWidth)
	for i, j := range jobs {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(" + db.Placeholders(jobWidth) + ")")
		args = append(args, j.CampaignID, j.BotSlug, j.RecipientID, toMillis(j.DeliverAt), model.JobScheduled, 0,
			toMillis(j.CreatedAt), toMillis(j.UpdatedAt))
	}
	b.WriteString(` ON CONFLICT (campaign_id, recipient_id) DO NOTHING RETURNING recipient_id`)

	rows, err := r.DB.Query(ctx, b.String(), args...)
	if err != nil {
		return nil, appErrors.Persistence("insert jobs", err)
	}
	defer rows.Close()

	inserted := make([]int64, 0, len(jobs))
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return inserted, appErrors.Persistence("scan inserted job", err)
		}
		inserted = append(inserted, id)
	}
	return inserted, appErrors.Persistence("insert jobs", rows.Err())
}

// ExistingAmong reports which recipients already have a job for the campaign.
func (r *QueueJobRepository) ExistingAmong(ctx context.Context, campaignID int64, recipients []int64) (map[int64]bool, error) {
	out := make(map[int64]bool)
	if len(recipients) == 0 {
		return out, nil
	}
	args := append([]any{campaignID}, db.Int64Args(recipients)...)
	rows, err := r.DB.Query(ctx, `SELECT recipient_id FROM queue_jobs
        WHERE campaign_id = ? AND recipient_id IN (`+db.Placeholders(len(recipients))+`)`, args...)
	if err != nil {
		return nil, appErrors.Persistence("existing jobs", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, appErrors.Persistence("scan job recipient", err)
		}
		out[id] = true
	}
	return out, appErrors.Persistence("existing jobs", rows.Err())
}

// Due returns scheduled jobs whose deliver_at has passed, oldest first.
func (r *QueueJobRepository) Due(ctx context.Context, now time.Time, limit int) ([]model.QueueJob, error) {
	return r.query(ctx, "due jobs", `SELECT `+jobColumns+` FROM queue_jobs
        WHERE status = ? AND deliver_at <= ?
        ORDER BY deliver_at ASC, id ASC
        LIMIT ?`, model.JobScheduled, toMillis(now), limit)
}

// Claim moves a job from scheduled to sending. Only the caller that sees
// claimed=true owns the job.
func (r *QueueJobRepository) Claim(ctx context.Context, id int64, owner string, now time.Time) (bool, error) {
	res, err := r.DB.Exec(ctx, `
        UPDATE queue_jobs
        SET status = ?, attempt_count = attempt_count + 1, claimed_by = ?, updated_at = ?
        WHERE id = ? AND status = ?
    `, model.JobSending, owner, toMillis(now), id, model.JobScheduled)
	if err != nil {
		return false, appErrors.Persistence("claim job", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, appErrors.Persistence("claim job", err)
	}
	return n == 1, nil
}

func (r *QueueJobRepository) MarkSent(ctx context.Context, id int64, now time.Time) error {
	return r.finish(ctx, id, model.JobSent, "", now)
}

func (r *QueueJobRepository) MarkSkipped(ctx context.Context, id int64, reason string, now time.Time) error {
	return r.finish(ctx, id, model.JobSkipped, reason, now)
}

func (r *QueueJobRepository) MarkError(ctx context.Context, id int64, lastError string, now time.Time) error {
	return r.finish(ctx, id, model.JobError, lastError, now)
}

// finish only applies to sending jobs so a terminal row is never rewritten.
func (r *QueueJobRepository) finish(ctx context.Context, id int64, status, lastError string, now time.Time) error {
	_, err := r.DB.Exec(ctx, `
        UPDATE queue_jobs SET status = ?, last_error = ?, updated_at = ?
        WHERE id = ? AND status = ?
    `, status, lastError, toMillis(now), id, model.JobSending)
	return appErrors.Persistence("finish job", err)
}

// Reschedule hands a sending job back to the queue for a later attempt.
func (r *QueueJobRepository) Reschedule(ctx context.Context, id int64, deliverAt time.Time, lastError string, now time.Time) error {
	_, err := r.DB.Exec(ctx, `
        UPDATE queue_jobs SET status = ?, deliver_at = ?, last_error = ?, claimed_by = '', updated_at = ?
        WHERE id = ? AND status = ?
    `, model.JobScheduled, toMillis(deliverAt), lastError, toMillis(now), id, model.JobSending)
	return appErrors.Persistence("reschedule job", err)
}

// RequeueStale returns sending jobs untouched since before cutoff to the
// queue. These are left behind by a dispatcher that died mid-send.
func (r *QueueJobRepository) RequeueStale(ctx context.Context, cutoff, now time.Time) (int64, error) {
	res, err := r.DB.Exec(ctx, `
        UPDATE queue_jobs SET status = ?, claimed_by = '', updated_at = ?
        WHERE status = ? AND updated_at < ?
    `, model.JobScheduled, toMillis(now), model.JobSending, toMillis(cutoff))
	if err != nil {
		return 0, appErrors.Persistence("requeue stale jobs", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (r *QueueJobRepository) GetByID(ctx context.Context, id int64) (*model.QueueJob, error) {
	jobs, err := r.query(ctx, "get job", `SELECT `+jobColumns+` FROM queue_jobs WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, appErrors.NewNotFound("job", id)
	}
	return &jobs[0], nil
}

func (r *QueueJobRepository) List(ctx context.Context, filter JobFilter) ([]model.QueueJob, error) {
	query := `SELECT ` + jobColumns + ` FROM queue_jobs WHERE 1=1`
	args := []any{}
	if filter.CampaignID > 0 {
		query += ` AND campaign_id = ?`
		args = append(args, filter.CampaignID)
	}
	if filter.RecipientID > 0 {
		query += ` AND recipient_id = ?`
		args = append(args, filter.RecipientID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` ORDER BY id ASC LIMIT ? OFFSET ?`
	args = append(args, limit, filter.Offset)
	return r.query(ctx, "list jobs", query, args...)
}

// Stats counts jobs by status, overall or for one campaign. Every status is
// present, and "total" is their sum.
func (r *QueueJobRepository) Stats(ctx context.Context, campaignID *int64) (map[string]int, error) {
	query := `SELECT status, COUNT(*) FROM queue_jobs`
	args := []any{}
	if campaignID != nil {
		query += ` WHERE campaign_id = ?`
		args = append(args, *campaignID)
	}
	query += ` GROUP BY status`

	rows, err := r.DB.Query(ctx, query, args...)
	if err != nil {
		return nil, appErrors.Persistence("job stats", err)
	}
	defer rows.Close()

	stats := map[string]int{"total": 0}
	for _, s := range model.JobStatuses {
		stats[s] = 0
	}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, appErrors.Persistence("scan job stats", err)
		}
		stats[status] = count
		stats["total"] += count
	}
	return stats, appErrors.Persistence("job stats", rows.Err())
}

func (r *QueueJobRepository) query(ctx context.Context, op, query string, args ...any) ([]model.QueueJob, error) {
	rows, err := r.DB.Query(ctx, query, args...)
	if err != nil {
		return nil, appErrors.Persistence(op, err)
	}
	defer rows.Close()

	jobs := []model.QueueJob{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, appErrors.Persistence(op, err)
		}
		jobs = append(jobs, *j)
	}
	return jobs, appErrors.Persistence(op, rows.Err())
}

func scanJob(s rowScanner) (*model.QueueJob, error) {
	var (
		j                               model.QueueJob
		deliverAt, createdAt, updatedAt int64
	)
	if err := s.Scan(&j.ID, &j.CampaignID, &j.BotSlug, &j.RecipientID, &deliverAt, &j.Status, &j.LastError,
		&j.AttemptCount, &j.ClaimedBy, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	j.DeliverAt = fromMillis(deliverAt)
	j.CreatedAt = fromMillis(createdAt)
	j.UpdatedAt = fromMillis(updatedAt)
	return &j, nil
}

var _ QueueJobReader = (*QueueJobRepository)(nil)

// internal/model/queue_job.go
package model

import "time"

const (
	JobScheduled = "scheduled"
	JobSending   = "sending"
	JobSent      = "sent"
	JobSkipped   = "skipped"
	JobError     = "error"
)

// JobStatuses is the fixed reporting order for stats.
var JobStatuses = []string{JobScheduled, JobSending, JobSent, JobSkipped, JobError}

type QueueJob struct {
	ID           int64     `db:"id" json:"id"`
	CampaignID   int64     `db:"campaign_id" json:"campaign_id"`
	BotSlug      string    `db:"bot_slug" json:"bot_slug"`
	RecipientID  int64     `db:"recipient_id" json:"recipient_id"`
	DeliverAt    time.Time `db:"deliver_at" json:"deliver_at"`
	Status       string    `db:"status" json:"status"` // scheduled, sending, sent, skipped, error
	LastError    string    `db:"last_error" json:"last_error,omitempty"`
	AttemptCount int       `db:"attempt_count" json:"attempt_count"`
	ClaimedBy    string    `db:"claimed_by" json:"claimed_by,omitempty"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}

func IsTerminalJobStatus(status string) bool {
	return status == JobSent || status == JobSkipped || status == JobError
}

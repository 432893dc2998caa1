package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/unclebandit/shotqueue/internal/config"
	appErrors "github.com/unclebandit/shotqueue/internal/errors"
	"github.com/unclebandit/shotqueue/internal/model"
	"github.com/unclebandit/shotqueue/internal/repository"
)

// EnqueueResult counts what happened to every candidate recipient.
// Candidates = Inserted + Duplicates + SkippedPaid + SkippedInactive.
type EnqueueResult struct {
	CampaignID      int64  `json:"campaign_id"`
	Candidates      int    `json:"candidates"`
	Inserted        int    `json:"inserted"`
	Duplicates      int    `json:"duplicates"`
	SkippedPaid     int    `json:"skipped_paid"`
	SkippedInactive int    `json:"skipped_inactive"`
	Status          string `json:"status,omitempty"`
}

func (r *EnqueueResult) add(o EnqueueResult) {
	r.Candidates += o.Candidates
	r.Inserted += o.Inserted
	r.Duplicates += o.Duplicates
	r.SkippedPaid += o.SkippedPaid
	r.SkippedInactive += o.SkippedInactive
}

// Enqueuer materializes a campaign's audience as queue jobs. Running it
// twice, even concurrently, never creates a second job per recipient.
type Enqueuer struct {
	Campaigns *repository.CampaignRepository
	Jobs      *repository.QueueJobRepository
	Events    *repository.EventRepository
	Contacts  *repository.ContactRepository
	Audience  *AudienceResolver
	Payments  PaymentLookup
	ChunkSize int
	Log       zerolog.Logger
	Now       func() time.Time
}

// chunkSize caps a page so its job and event inserts stay within the
// statement parameter budget.
func (e *Enqueuer) chunkSize() int {
	return min(e.ChunkSize, config.MaxEnqueueChunkSize)
}

func (e *Enqueuer) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

// deliverAt picks when a campaign's jobs become due.
func deliverAt(c *model.Campaign, now time.Time) time.Time {
	switch {
	case c.Kind == model.KindDownsell:
		return now.Add(c.Delay())
	case c.SendMode == model.SendScheduled && c.ScheduledAt != nil && c.ScheduledAt.After(now):
		return c.ScheduledAt.UTC()
	default:
		return now
	}
}

func (e *Enqueuer) Enqueue(ctx context.Context, campaignID int64) (EnqueueResult, error) {
	res := EnqueueResult{CampaignID: campaignID}

	c, err := e.Campaigns.GetByID(ctx, campaignID)
	if err != nil {
		return res, err
	}
	if c.Status == model.CampaignCanceled || !c.Active {
		return res, appErrors.NewInvalidState("campaign %d is %s and inactive", c.ID, c.Status)
	}

	now := e.now()
	at := deliverAt(c, now)
	log := e.Log.With().Int64("campaign_id", c.ID).Str("bot", c.BotSlug).Logger()

	err = e.Audience.Each(ctx, c.BotSlug, c.AudienceTarget, e.chunkSize(), func(page []int64) error {
		chunk, err := e.admit(ctx, c, page, at, now)
		res.add(chunk)
		return err
	})
	if err != nil {
		return res, fmt.Errorf("enqueue campaign %d: %w", c.ID, err)
	}

	res.Status = model.CampaignQueued
	if at.After(now) {
		res.Status = model.CampaignScheduled
	}
	if err := e.Campaigns.UpdateStatus(ctx, c.ID, res.Status, now); err != nil {
		return res, err
	}
	// An empty or fully deduplicated audience has nothing left to dispatch.
	drained, err := e.Campaigns.MarkSentIfDrained(ctx, c.ID, now)
	switch {
	case err != nil:
		log.Warn().Err(err).Msg("failed to mark drained campaign sent")
	case drained:
		res.Status = model.CampaignSent
	}

	log.Info().
		Int("candidates", res.Candidates).
		Int("inserted", res.Inserted).
		Int("duplicates", res.Duplicates).
		Int("skipped_paid", res.SkippedPaid).
		Int("skipped_inactive", res.SkippedInactive).
		Time("deliver_at", at).
		Msg("campaign enqueued")
	return res, nil
}

// admit filters one page of recipients and inserts jobs for the rest.
func (e *Enqueuer) admit(ctx context.Context, c *model.Campaign, recipients []int64, at, now time.Time) (EnqueueResult, error) {
	res := EnqueueResult{CampaignID: c.ID, Candidates: len(recipients)}
	if len(recipients) == 0 {
		return res, nil
	}

	paid, err := e.Payments.PaidAmong(ctx, c.BotSlug, recipients)
	if err != nil {
		return res, err
	}
	unreachable, err := e.Contacts.UnreachableAmong(ctx, c.BotSlug, recipients)
	if err != nil {
		return res, err
	}
	existing, err := e.Jobs.ExistingAmong(ctx, c.ID, recipients)
	if err != nil {
		return res, err
	}

	jobs := make([]model.QueueJob, 0, len(recipients))
	for _, r := range recipients {
		switch {
		case paid[r]:
			res.SkippedPaid++
		case unreachable[r]:
			res.SkippedInactive++
		case existing[r]:
			res.Duplicates++
		default:
			jobs = append(jobs, model.QueueJob{
				CampaignID:  c.ID,
				BotSlug:     c.BotSlug,
				RecipientID: r,
				DeliverAt:   at,
				Status:      model.JobScheduled,
				CreatedAt:   now,
				UpdatedAt:   now,
			})
		}
	}

	inserted, err := e.Jobs.InsertMany(ctx, jobs)
	if err != nil {
		return res, err
	}
	res.Inserted = len(inserted)
	// Rows the unique constraint rejected were inserted by a concurrent run.
	res.Duplicates += len(jobs) - len(inserted)

	e.recordScheduled(ctx, c, inserted, at, now)
	return res, nil
}

// recordScheduled is best effort: the jobs are already committed.
func (e *Enqueuer) recordScheduled(ctx context.Context, c *model.Campaign, recipients []int64, at, now time.Time) {
	if len(recipients) == 0 || e.Events == nil {
		return
	}
	events := make([]model.Event, 0, len(recipients))
	for _, r := range recipients {
		events = append(events, model.Event{
			EventID:     ScheduledEventID(c.Kind, c.ID, r),
			BotSlug:     c.BotSlug,
			RecipientID: r,
			Name:        ScheduledEventName(c.Kind),
			Meta:        map[string]any{"campaign_id": c.ID, "deliver_at": at.UnixMilli()},
			CreatedAt:   now,
		})
	}
	if _, err := e.Events.RecordMany(ctx, events); err != nil {
		e.Log.Warn().Err(err).Int64("campaign_id", c.ID).Int("count", len(events)).Msg("failed to record scheduled events")
	}
}

// EnqueueRecipient queues one recipient for a campaign, through the same
// filters as a full enqueue.
func (e *Enqueuer) EnqueueRecipient(ctx context.Context, c *model.Campaign, recipientID int64, at time.Time) (EnqueueResult, error) {
	now := e.now()
	if at.IsZero() {
		at = now
	}
	return e.admit(ctx, c, []int64{recipientID}, at.UTC(), now)
}

// triggerFor maps an event name to the downsell trigger it fires.
func triggerFor(eventName string) string {
	switch eventName {
	case model.EventBotStart:
		return model.TriggerAfterStart
	case model.EventPixCreated:
		return model.TriggerAfterPix
	}
	return ""
}

// TriggerDownsells queues the event's recipient for every live downsell of
// the bot that reacts to this event. Delivery is relative to the event time.
// It returns how many jobs were created.
func (e *Enqueuer) TriggerDownsells(ctx context.Context, ev model.Event) (int, error) {
	trigger := triggerFor(ev.Name)
	if trigger == "" {
		return 0, nil
	}
	downsells, err := e.Campaigns.ActiveDownsells(ctx, ev.BotSlug, trigger)
	if err != nil {
		return 0, err
	}

	base := ev.CreatedAt
	if base.IsZero() {
		base = e.now()
	}

	var created int
	var errs []error
	for _, c := range downsells {
		res, err := e.EnqueueRecipient(ctx, c, ev.RecipientID, base.Add(c.Delay()))
		if err != nil {
			errs = append(errs, fmt.Errorf("downsell %d: %w", c.ID, err))
			continue
		}
		if res.Inserted > 0 && c.Status != model.CampaignQueued && c.Status != model.CampaignScheduled {
			if err := e.Campaigns.UpdateStatus(ctx, c.ID, model.CampaignScheduled, e.now()); err != nil {
				e.Log.Warn().Err(err).Int64("campaign_id", c.ID).Msg("failed to mark downsell scheduled")
			}
		}
		created += res.Inserted
	}
	if created > 0 {
		e.Log.Debug().Str("bot", ev.BotSlug).Int64("recipient_id", ev.RecipientID).
			Str("trigger", trigger).Int("jobs", created).Msg("downsells triggered")
	}
	return created, errors.Join(errs...)
}

package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/unclebandit/shotqueue/internal/config"
	appErrors "github.com/unclebandit/shotqueue/internal/errors"
	"github.com/unclebandit/shotqueue/internal/model"
	"github.com/unclebandit/shotqueue/internal/repository"
	"github.com/unclebandit/shotqueue/internal/transport"
)

// CredentialSource hands out bot credentials, typically through a cache.
type CredentialSource interface {
	Get(ctx context.Context, botSlug string) (model.Credential, error)
}

// Waiter blocks until a bot may send again.
type Waiter interface {
	Wait(ctx context.Context, botSlug string) error
}

// BatchResult counts the outcomes of one dispatcher iteration.
type BatchResult struct {
	Due     int `json:"due"`
	Claimed int `json:"claimed"`
	Lost    int `json:"lost"`
	Sent    int `json:"sent"`
	Skipped int `json:"skipped"`
	Retried int `json:"retried"`
	Failed  int `json:"failed"`
	Errors  int `json:"errors"`
}

type outcome int

const (
	outcomeSent outcome = iota
	outcomeSkipped
	outcomeRetried
	outcomeFailed
)

// Dispatcher drains due queue jobs through the transport.
type Dispatcher struct {
	Jobs        *repository.QueueJobRepository
	Campaigns   *repository.CampaignRepository
	Contacts    *repository.ContactRepository
	Events      *repository.EventRepository
	Payments    PaymentLookup
	Credentials CredentialSource
	Transport   transport.Sender
	Pacer       Waiter
	Config      config.DispatcherConfig
	InstanceID  string
	Log         zerolog.Logger
	Now         func() time.Time
}

func (d *Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now().UTC()
	}
	return time.Now().UTC()
}

func (d *Dispatcher) instance() string {
	if d.InstanceID == "" {
		d.InstanceID = uuid.NewString()
	}
	return d.InstanceID
}

func (d *Dispatcher) maxAttempts() int {
	if d.Config.MaxAttempts <= 0 {
		return 5
	}
	return d.Config.MaxAttempts
}

// RunOnce claims and processes at most one batch of due jobs. A failure on
// one job is logged and does not stop the batch.
func (d *Dispatcher) RunOnce(ctx context.Context) (BatchResult, error) {
	var res BatchResult

	batch := d.Config.BatchSize
	if batch <= 0 {
		batch = 100
	}
	due, err := d.Jobs.Due(ctx, d.now(), batch)
	if err != nil {
		return res, err
	}
	res.Due = len(due)

	owner := d.instance()
	campaigns := make(map[int64]*model.Campaign)
	touched := make(map[int64]struct{})

	for i := range due {
		if ctx.Err() != nil {
			break
		}
		job := due[i]
		log := d.Log.With().Int64("job_id", job.ID).Int64("campaign_id", job.CampaignID).
			Int64("recipient_id", job.RecipientID).Str("bot", job.BotSlug).Logger()

		ok, err := d.Jobs.Claim(ctx, job.ID, owner, d.now())
		if err != nil {
			res.Errors++
			log.Error().Err(err).Msg("claim failed")
			continue
		}
		if !ok {
			res.Lost++
			continue
		}
		res.Claimed++
		job.Status = model.JobSending
		job.AttemptCount++
		job.ClaimedBy = owner
		touched[job.CampaignID] = struct{}{}

		out, err := d.process(ctx, &job, campaigns, log)
		if err != nil {
			res.Errors++
			log.Error().Err(err).Int("attempt", job.AttemptCount).Msg("job processing failed")
			continue
		}
		switch out {
		case outcomeSent:
			res.Sent++
		case outcomeSkipped:
			res.Skipped++
		case outcomeRetried:
			res.Retried++
		case outcomeFailed:
			res.Failed++
		}
	}

	for id := range touched {
		if drained, err := d.Campaigns.MarkSentIfDrained(ctx, id, d.now()); err != nil {
			d.Log.Error().Err(err).Int64("campaign_id", id).Msg("campaign roll-up failed")
		} else if drained {
			d.Log.Info().Int64("campaign_id", id).Msg("campaign sent")
		}
	}

	if res.Claimed > 0 || res.Errors > 0 {
		d.Log.Info().Interface("result", res).Msg("dispatch batch done")
	}
	return res, nil
}

// Tick adapts RunOnce to the scheduler.
func (d *Dispatcher) Tick(ctx context.Context) {
	if _, err := d.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
		d.Log.Error().Err(err).Msg("dispatch batch failed")
	}
}

func (d *Dispatcher) campaign(ctx context.Context, id int64, cache map[int64]*model.Campaign) (*model.Campaign, error) {
	if c, ok := cache[id]; ok {
		return c, nil
	}
	c, err := d.Campaigns.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	cache[id] = c
	return c, nil
}

func (d *Dispatcher) process(ctx context.Context, job *model.QueueJob, cache map[int64]*model.Campaign, log zerolog.Logger) (outcome, error) {
	c, err := d.campaign(ctx, job.CampaignID, cache)
	if errors.Is(err, appErrors.ErrNotFound) {
		return outcomeSkipped, d.Jobs.MarkSkipped(ctx, job.ID, "campaign not found", d.now())
	}
	if err != nil {
		return 0, err
	}
	if c.Status == model.CampaignCanceled || !c.Active {
		return outcomeSkipped, d.Jobs.MarkSkipped(ctx, job.ID, "campaign canceled", d.now())
	}

	paid, err := d.Payments.HasPaid(ctx, job.BotSlug, job.RecipientID)
	if err != nil {
		return 0, err
	}
	if paid {
		log.Debug().Msg("recipient already paid")
		return outcomeSkipped, d.Jobs.MarkSkipped(ctx, job.ID, "recipient already paid", d.now())
	}

	contact, err := d.Contacts.Get(ctx, job.BotSlug, job.RecipientID)
	if err != nil {
		return 0, err
	}
	if !contact.Reachable() {
		return outcomeSkipped, d.Jobs.MarkSkipped(ctx, job.ID, "contact "+contact.ChatState, d.now())
	}

	cred, err := d.Credentials.Get(ctx, job.BotSlug)
	if errors.Is(err, appErrors.ErrNotFound) {
		return d.fail(ctx, c, job, err, Verdict{}, log)
	}
	if err != nil {
		return d.fail(ctx, c, job, err, Verdict{Retry: true}, log)
	}

	if d.Pacer != nil {
		if err := d.Pacer.Wait(ctx, job.BotSlug); err != nil {
			// The pacer only fails once ctx is done; hand the job straight back.
			return outcomeRetried, d.Jobs.Reschedule(context.WithoutCancel(ctx), job.ID, d.now(), "interrupted", d.now())
		}
	}

	sendCtx := ctx
	if d.Config.SendTimeout > 0 {
		var cancel context.CancelFunc
		sendCtx, cancel = context.WithTimeout(ctx, d.Config.SendTimeout)
		defer cancel()
	}
	err = d.Transport.Send(sendCtx, cred, job.RecipientID, RenderMessage(c, contact))
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		log.Warn().Err(err).Msg("send interrupted, job handed back")
		return outcomeRetried, d.Jobs.Reschedule(context.WithoutCancel(ctx), job.ID, d.now(), "interrupted", d.now())
	}
	// The claim is settled even if ctx is canceled from here on.
	ctx = context.WithoutCancel(ctx)
	if err != nil {
		return d.fail(ctx, c, job, err, ClassifyError(err), log)
	}

	now := d.now()
	if err := d.Jobs.MarkSent(ctx, job.ID, now); err != nil {
		return 0, err
	}
	d.record(ctx, model.Event{
		EventID:     SentEventID(c.Kind, c.ID, job.RecipientID),
		BotSlug:     job.BotSlug,
		RecipientID: job.RecipientID,
		Name:        SentEventName(c.Kind),
		Meta:        map[string]any{"campaign_id": c.ID, "attempt": job.AttemptCount},
		CreatedAt:   now,
	}, log)
	log.Debug().Int("attempt", job.AttemptCount).Msg("job sent")
	return outcomeSent, nil
}

// fail applies a verdict: update the contact, then retry or give up.
func (d *Dispatcher) fail(ctx context.Context, c *model.Campaign, job *model.QueueJob, sendErr error, v Verdict, log zerolog.Logger) (outcome, error) {
	ctx = context.WithoutCancel(ctx)
	now := d.now()
	msg := sendErr.Error()

	if v.ContactState != "" {
		changed, err := d.Contacts.SetState(ctx, job.BotSlug, job.RecipientID, v.ContactState, now)
		if err != nil {
			log.Error().Err(err).Msg("contact state update failed")
		} else if changed {
			log.Info().Str("chat_state", v.ContactState).Msg("contact state changed")
		}
	}

	if v.Retry && job.AttemptCount < d.maxAttempts() {
		delay := RetryDelay(job.AttemptCount, d.Config.RetryBaseDelay, v.RetryAfter)
		log.Warn().Err(sendErr).Int("attempt", job.AttemptCount).Dur("retry_in", delay).Msg("send failed, rescheduled")
		return outcomeRetried, d.Jobs.Reschedule(ctx, job.ID, now.Add(delay), msg, now)
	}

	if err := d.Jobs.MarkError(ctx, job.ID, msg, now); err != nil {
		return 0, err
	}
	meta := map[string]any{"campaign_id": c.ID, "attempt": job.AttemptCount, "error": msg}
	var se *transport.SendError
	if errors.As(sendErr, &se) && se.Code != 0 {
		meta["code"] = se.Code
		meta["description"] = se.Description
	}
	d.record(ctx, model.Event{
		EventID:     ErrorEventID(c.Kind, c.ID, job.RecipientID, job.AttemptCount),
		BotSlug:     job.BotSlug,
		RecipientID: job.RecipientID,
		Name:        ErrorEventName(c.Kind),
		Meta:        meta,
		CreatedAt:   now,
	}, log)
	log.Warn().Err(sendErr).Int("attempt", job.AttemptCount).Msg("job failed")
	return outcomeFailed, nil
}

func (d *Dispatcher) record(ctx context.Context, ev model.Event, log zerolog.Logger) {
	if d.Events == nil {
		return
	}
	if _, err := d.Events.Record(ctx, ev); err != nil {
		log.Warn().Err(err).Str("event_id", ev.EventID).Msg("failed to record outcome event")
	}
}

// RecoverStale returns jobs stuck in sending longer than StaleAfter to the
// queue.
func (d *Dispatcher) RecoverStale(ctx context.Context) (int64, error) {
	after := d.Config.StaleAfter
	if after <= 0 {
		after = 5 * time.Minute
	}
	now := d.now()
	n, err := d.Jobs.RequeueStale(ctx, now.Add(-after), now)
	if err != nil {
		return 0, fmt.Errorf("recover stale jobs: %w", err)
	}
	if n > 0 {
		d.Log.Warn().Int64("jobs", n).Msg("requeued stale sending jobs")
	}
	return n, nil
}

// RenderMessage builds the outgoing message for one contact. Offers become
// callback buttons below any link buttons.
func RenderMessage(c *model.Campaign, contact *model.Contact) transport.Message {
	data := map[string]string{"first_name": "", "username": ""}
	if contact != nil {
		data["first_name"] = contact.FirstName
		data["username"] = contact.Username
	}

	msg := transport.Message{
		Text:      RenderTemplate(c.Content.Text, data),
		ParseMode: c.Content.ParseMode,
		MediaKind: c.Content.MediaKind,
		MediaURL:  c.Content.MediaURL,
	}
	for _, b := range c.Content.Buttons {
		msg.Buttons = append(msg.Buttons, transport.Button{Text: b.Text, URL: b.URL})
	}
	for i, o := range c.Offers {
		msg.Buttons = append(msg.Buttons, transport.Button{
			Text: fmt.Sprintf("%s - %s", o.Label, FormatPrice(o.PriceCents)),
			Data: fmt.Sprintf("offer:%d:%d", c.ID, i),
		})
	}
	return msg
}

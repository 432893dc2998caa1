package repository_test

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/shotqueue/internal/db"
	"github.com/unclebandit/shotqueue/internal/db/dbtest"
	appErrors "github.com/unclebandit/shotqueue/internal/errors"
	"github.com/unclebandit/shotqueue/internal/model"
	"github.com/unclebandit/shotqueue/internal/repository"
)

var t0 = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

func newCampaign(t *testing.T, d *db.DB, mutate ...func(*model.Campaign)) *model.Campaign {
	t.Helper()
	c := &model.Campaign{
		BotSlug:        "shop",
		Kind:           model.KindShot,
		Name:           "black friday",
		AudienceTarget: model.TargetAllStarted,
		Content:        model.Content{Text: "Hi {first_name}", ParseMode: "HTML"},
		Offers:         []model.Offer{{Label: "VIP", PriceCents: 1990}},
		SendMode:       model.SendImmediate,
		Status:         model.CampaignDraft,
		Active:         true,
		CreatedAt:      t0,
		UpdatedAt:      t0,
	}
	for _, m := range mutate {
		m(c)
	}
	repo := &repository.CampaignRepository{DB: d}
	require.NoError(t, repo.Create(context.Background(), c))
	return c
}

func TestCampaignRepository_CreateGetList(t *testing.T) {
	d := dbtest.New(t)
	ctx := context.Background()
	repo := &repository.CampaignRepository{DB: d}

	at := t0.Add(time.Hour)
	c := newCampaign(t, d, func(c *model.Campaign) {
		c.SendMode = model.SendScheduled
		c.ScheduledAt = &at
	})
	newCampaign(t, d, func(c *model.Campaign) { c.BotSlug = "other" })
	require.NotZero(t, c.ID)

	got, err := repo.GetByID(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "Hi {first_name}", got.Content.Text)
	assert.Equal(t, []model.Offer{{Label: "VIP", PriceCents: 1990}}, got.Offers)
	require.NotNil(t, got.ScheduledAt)
	assert.True(t, at.Equal(*got.ScheduledAt))
	assert.True(t, got.Active)

	_, err = repo.GetByID(ctx, 999)
	assert.ErrorIs(t, err, appErrors.ErrNotFound)

	list, total, err := repo.List(ctx, repository.CampaignFilter{BotSlug: "shop"}, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, list, 1)
	assert.Equal(t, c.ID, list[0].ID)
}

func TestCampaignRepository_UpdateDraftOnly(t *testing.T) {
	d := dbtest.New(t)
	ctx := context.Background()
	repo := &repository.CampaignRepository{DB: d}

	c := newCampaign(t, d)
	c.Name = "renamed"
	require.NoError(t, repo.UpdateDraft(ctx, c))

	require.NoError(t, repo.UpdateStatus(ctx, c.ID, model.CampaignQueued, t0))
	c.Name = "again"
	err := repo.UpdateDraft(ctx, c)
	assert.ErrorIs(t, err, appErrors.ErrInvalidState)

	got, err := repo.GetByID(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Name)
	assert.Equal(t, model.CampaignQueued, got.Status)
}

func TestCampaignRepository_CancelRemovesOnlyScheduled(t *testing.T) {
	d := dbtest.New(t)
	ctx := context.Background()
	campaigns := &repository.CampaignRepository{DB: d}
	jobs := &repository.QueueJobRepository{DB: d}

	c := newCampaign(t, d)
	_, err := jobs.InsertMany(ctx, []model.QueueJob{
		{CampaignID: c.ID, BotSlug: "shop", RecipientID: 1, DeliverAt: t0},
		{CampaignID: c.ID, BotSlug: "shop", RecipientID: 2, DeliverAt: t0},
		{CampaignID: c.ID, BotSlug: "shop", RecipientID: 3, DeliverAt: t0},
	})
	require.NoError(t, err)

	due, err := jobs.Due(ctx, t0, 10)
	require.NoError(t, err)
	require.Len(t, due, 3)
	ok, err := jobs.Claim(ctx, due[0].ID, "test", t0)
	require.NoError(t, err)
	require.True(t, ok)

	removed, err := campaigns.Cancel(ctx, c.ID, t0)
	require.NoError(t, err)
	assert.EqualValues(t, 2, removed)

	got, err := campaigns.GetByID(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CampaignCanceled, got.Status)
	assert.False(t, got.Active)

	left, err := jobs.List(ctx, repository.JobFilter{CampaignID: c.ID})
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, model.JobSending, left[0].Status)

	_, err = campaigns.Cancel(ctx, 999, t0)
	assert.ErrorIs(t, err, appErrors.ErrNotFound)
}

func TestCampaignRepository_ActiveDownsells(t *testing.T) {
	d := dbtest.New(t)
	ctx := context.Background()
	repo := &repository.CampaignRepository{DB: d}

	ds := newCampaign(t, d, func(c *model.Campaign) {
		c.Kind = model.KindDownsell
		c.TriggerKind = model.TriggerAfterStart
		c.DelayMinutes = 30
		c.Status = model.CampaignQueued
	})
	newCampaign(t, d, func(c *model.Campaign) {
		c.Kind = model.KindDownsell
		c.TriggerKind = model.TriggerAfterStart
		c.Status = model.CampaignQueued
		c.Active = false
	})
	newCampaign(t, d, func(c *model.Campaign) {
		c.Kind = model.KindDownsell
		c.TriggerKind = model.TriggerAfterPix
		c.Status = model.CampaignQueued
	})

	got, err := repo.ActiveDownsells(ctx, "shop", model.TriggerAfterStart)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, ds.ID, got[0].ID)
}

func TestQueueJobRepository_Lifecycle(t *testing.T) {
	d := dbtest.New(t)
	ctx := context.Background()
	jobs := &repository.QueueJobRepository{DB: d}
	campaigns := &repository.CampaignRepository{DB: d}

	c := newCampaign(t, d, func(c *model.Campaign) { c.Status = model.CampaignQueued })

	inserted, err := jobs.InsertMany(ctx, []model.QueueJob{
		{CampaignID: c.ID, BotSlug: "shop", RecipientID: 10, DeliverAt: t0},
		{CampaignID: c.ID, BotSlug: "shop", RecipientID: 11, DeliverAt: t0.Add(time.Hour)},
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{10, 11}, inserted)

	// Second insert of the same pair is swallowed by the unique constraint.
	inserted, err = jobs.InsertMany(ctx, []model.QueueJob{
		{CampaignID: c.ID, BotSlug: "shop", RecipientID: 10, DeliverAt: t0},
		{CampaignID: c.ID, BotSlug: "shop", RecipientID: 12, DeliverAt: t0},
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{12}, inserted)

	existing, err := jobs.ExistingAmong(ctx, c.ID, []int64{10, 11, 99})
	require.NoError(t, err)
	assert.Equal(t, map[int64]bool{10: true, 11: true}, existing)

	due, err := jobs.Due(ctx, t0, 10)
	require.NoError(t, err)
	require.Len(t, due, 2)

	ok, err := jobs.Claim(ctx, due[0].ID, "a", t0)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = jobs.Claim(ctx, due[0].ID, "b", t0)
	require.NoError(t, err)
	assert.False(t, ok, "a job is claimed once")

	require.NoError(t, jobs.MarkSent(ctx, due[0].ID, t0))
	// Terminal rows never move again.
	require.NoError(t, jobs.Reschedule(ctx, due[0].ID, t0, "late", t0))
	got, err := jobs.GetByID(ctx, due[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobSent, got.Status)
	assert.Equal(t, 1, got.AttemptCount)
	assert.Equal(t, "a", got.ClaimedBy)

	drained, err := campaigns.MarkSentIfDrained(ctx, c.ID, t0)
	require.NoError(t, err)
	assert.False(t, drained)

	stats, err := jobs.Stats(ctx, &c.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, stats["total"])
	assert.Equal(t, 1, stats[model.JobSent])
	assert.Equal(t, 2, stats[model.JobScheduled])
	assert.Equal(t, 0, stats[model.JobError])
}

func TestQueueJobRepository_RequeueStale(t *testing.T) {
	d := dbtest.New(t)
	ctx := context.Background()
	jobs := &repository.QueueJobRepository{DB: d}

	c := newCampaign(t, d)
	_, err := jobs.InsertMany(ctx, []model.QueueJob{{CampaignID: c.ID, BotSlug: "shop", RecipientID: 1, DeliverAt: t0}})
	require.NoError(t, err)
	due, err := jobs.Due(ctx, t0, 1)
	require.NoError(t, err)
	ok, err := jobs.Claim(ctx, due[0].ID, "dead", t0)
	require.NoError(t, err)
	require.True(t, ok)

	n, err := jobs.RequeueStale(ctx, t0, t0)
	require.NoError(t, err)
	assert.Zero(t, n, "claims at the cutoff are not stale yet")

	n, err = jobs.RequeueStale(ctx, t0.Add(time.Minute), t0.Add(time.Minute))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	got, err := jobs.GetByID(ctx, due[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobScheduled, got.Status)
	assert.Empty(t, got.ClaimedBy)
}

func TestBatchInsertsSplitPastParameterLimit(t *testing.T) {
	d := dbtest.New(t)
	ctx := context.Background()
	jobs := &repository.QueueJobRepository{DB: d}
	events := &repository.EventRepository{DB: d}

	c := newCampaign(t, d)
	const n = 5000
	batch := make([]model.QueueJob, n)
	evs := make([]model.Event, n)
	for i := range batch {
		id := int64(i + 1)
		batch[i] = model.QueueJob{CampaignID: c.ID, BotSlug: "shop", RecipientID: id, DeliverAt: t0}
		evs[i] = model.Event{EventID: "bot_start:" + strconv.Itoa(i), BotSlug: "shop", RecipientID: id, Name: model.EventBotStart, CreatedAt: t0}
	}

	inserted, err := jobs.InsertMany(ctx, batch)
	require.NoError(t, err)
	assert.Len(t, inserted, n)

	recorded, err := events.RecordMany(ctx, evs)
	require.NoError(t, err)
	assert.Equal(t, n, recorded)

	stats, err := jobs.Stats(ctx, &c.ID)
	require.NoError(t, err)
	assert.Equal(t, n, stats["total"])
}

func TestEventRepository_RecordIsIdempotent(t *testing.T) {
	d := dbtest.New(t)
	ctx := context.Background()
	events := &repository.EventRepository{DB: d}

	price := int64(1990)
	e := model.Event{
		EventID: "pix_created:tx-1", BotSlug: "shop", RecipientID: 7, Name: model.EventPixCreated,
		PriceCents: &price, TransactionID: "tx-1", Meta: map[string]any{"offer": "VIP"}, CreatedAt: t0,
	}
	inserted, err := events.Record(ctx, e)
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = events.Record(ctx, e)
	require.NoError(t, err)
	assert.False(t, inserted)

	got, err := events.GetByID(ctx, e.EventID)
	require.NoError(t, err)
	require.NotNil(t, got.PriceCents)
	assert.EqualValues(t, 1990, *got.PriceCents)
	assert.Equal(t, "VIP", got.Meta["offer"])
	assert.True(t, t0.Equal(got.CreatedAt))

	n, err := events.RecordMany(ctx, []model.Event{
		e,
		{EventID: "bot_start:7", BotSlug: "shop", RecipientID: 7, Name: model.EventBotStart, CreatedAt: t0},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	list, err := events.ListByRecipient(ctx, "shop", 7, nil, 10)
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestEventRepository_DistinctRecipientsPaging(t *testing.T) {
	d := dbtest.New(t)
	ctx := context.Background()
	events := &repository.EventRepository{DB: d}

	var batch []model.Event
	for _, id := range []int64{5, 3, 3, 9, 1} {
		batch = append(batch, model.Event{
			EventID:     "bot_start:" + strconv.Itoa(len(batch)),
			BotSlug:     "shop",
			RecipientID: id,
			Name:        model.EventBotStart,
			CreatedAt:   t0,
		})
	}
	batch = append(batch, model.Event{EventID: "other-bot", BotSlug: "other", RecipientID: 2, Name: model.EventBotStart, CreatedAt: t0})
	_, err := events.RecordMany(ctx, batch)
	require.NoError(t, err)

	page, err := events.DistinctRecipients(ctx, "shop", []string{model.EventBotStart}, 0, 2)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 3}, page)

	page, err = events.DistinctRecipients(ctx, "shop", []string{model.EventBotStart}, 3, 2)
	require.NoError(t, err)
	assert.Equal(t, []int64{5, 9}, page)

	found, err := events.RecipientsWithEvent(ctx, "shop", []string{model.EventBotStart}, []int64{1, 2, 9})
	require.NoError(t, err)
	assert.Equal(t, map[int64]bool{1: true, 9: true}, found)
}

func TestContactRepository_StateTransitions(t *testing.T) {
	d := dbtest.New(t)
	ctx := context.Background()
	contacts := &repository.ContactRepository{DB: d}

	missing, err := contacts.Get(ctx, "shop", 1)
	require.NoError(t, err)
	assert.Nil(t, missing)

	require.NoError(t, contacts.Touch(ctx, model.Contact{BotSlug: "shop", RecipientID: 1, FirstName: "Ana"}, true, t0))

	changed, err := contacts.SetState(ctx, "shop", 1, model.ChatBlocked, t0)
	require.NoError(t, err)
	assert.True(t, changed)
	changed, err = contacts.SetState(ctx, "shop", 1, model.ChatBlocked, t0)
	require.NoError(t, err)
	assert.False(t, changed, "repeating the same state is a no-op")

	// A plain touch keeps the state, a reactivating one resets it.
	require.NoError(t, contacts.Touch(ctx, model.Contact{BotSlug: "shop", RecipientID: 1}, false, t0))
	got, err := contacts.Get(ctx, "shop", 1)
	require.NoError(t, err)
	assert.Equal(t, model.ChatBlocked, got.ChatState)
	assert.Equal(t, "Ana", got.FirstName)

	unreachable, err := contacts.UnreachableAmong(ctx, "shop", []int64{1, 2})
	require.NoError(t, err)
	assert.Equal(t, map[int64]bool{1: true}, unreachable)

	require.NoError(t, contacts.Touch(ctx, model.Contact{BotSlug: "shop", RecipientID: 1}, true, t0))
	got, err = contacts.Get(ctx, "shop", 1)
	require.NoError(t, err)
	assert.Equal(t, model.ChatActive, got.ChatState)

	changed, err = contacts.SetState(ctx, "shop", 2, model.ChatDeactivated, t0)
	require.NoError(t, err)
	assert.True(t, changed, "unknown contacts are created with the new state")

	counts, err := contacts.CountByState(ctx, "shop")
	require.NoError(t, err)
	assert.Equal(t, 1, counts[model.ChatActive])
	assert.Equal(t, 1, counts[model.ChatDeactivated])
}

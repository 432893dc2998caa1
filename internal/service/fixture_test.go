package service_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/shotqueue/internal/config"
	"github.com/unclebandit/shotqueue/internal/db/dbtest"
	appErrors "github.com/unclebandit/shotqueue/internal/errors"
	"github.com/unclebandit/shotqueue/internal/model"
	"github.com/unclebandit/shotqueue/internal/repository"
	"github.com/unclebandit/shotqueue/internal/service"
	"github.com/unclebandit/shotqueue/internal/transport"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type sentMessage struct {
	Bot         string
	RecipientID int64
	Msg         transport.Message
}

// fakeSender replays scripted errors per recipient, then succeeds.
type fakeSender struct {
	mu     sync.Mutex
	script map[int64][]error
	sent   []sentMessage
	calls  map[int64]int
}

func newFakeSender() *fakeSender {
	return &fakeSender{script: map[int64][]error{}, calls: map[int64]int{}}
}

func (f *fakeSender) Fail(recipientID int64, errs ...error) {
	f.mu.Lock()
	f.script[recipientID] = append(f.script[recipientID], errs...)
	f.mu.Unlock()
}

func (f *fakeSender) Send(_ context.Context, cred model.Credential, recipientID int64, msg transport.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[recipientID]++
	if q := f.script[recipientID]; len(q) > 0 {
		f.script[recipientID] = q[1:]
		return q[0]
	}
	f.sent = append(f.sent, sentMessage{Bot: cred.BotSlug, RecipientID: recipientID, Msg: msg})
	return nil
}

func (f *fakeSender) Calls(recipientID int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[recipientID]
}

func (f *fakeSender) Sent() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.sent...)
}

type staticCredentials map[string]string

func (s staticCredentials) Get(_ context.Context, slug string) (model.Credential, error) {
	tok, ok := s[slug]
	if !ok {
		return model.Credential{}, appErrors.NewNotFound("bot", slug)
	}
	return model.Credential{BotSlug: slug, Token: tok}, nil
}

type fixture struct {
	clock     *testClock
	sender    *fakeSender
	campaigns *repository.CampaignRepository
	jobs      *repository.QueueJobRepository
	events    *repository.EventRepository
	contacts  *repository.ContactRepository
	svc       *service.CampaignService
	enqueuer  *service.Enqueuer
	disp      *service.Dispatcher
	ingest    *service.EventService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	d := dbtest.New(t)
	clock := &testClock{t: t0}
	log := zerolog.Nop()

	f := &fixture{
		clock:     clock,
		sender:    newFakeSender(),
		campaigns: &repository.CampaignRepository{DB: d},
		jobs:      &repository.QueueJobRepository{DB: d},
		events:    &repository.EventRepository{DB: d},
		contacts:  &repository.ContactRepository{DB: d},
	}
	payments := &service.EventPaymentLookup{Events: f.events}

	f.svc = &service.CampaignService{CampaignRepo: f.campaigns, Jobs: f.jobs, Contacts: f.contacts, Log: log, Now: clock.Now}
	f.enqueuer = &service.Enqueuer{
		Campaigns: f.campaigns,
		Jobs:      f.jobs,
		Events:    f.events,
		Contacts:  f.contacts,
		Audience:  &service.AudienceResolver{Events: f.events},
		Payments:  payments,
		ChunkSize: 2,
		Log:       log,
		Now:       clock.Now,
	}
	f.disp = &service.Dispatcher{
		Jobs:        f.jobs,
		Campaigns:   f.campaigns,
		Contacts:    f.contacts,
		Events:      f.events,
		Payments:    payments,
		Credentials: staticCredentials{"shop": "123:abc"},
		Transport:   f.sender,
		Config: config.DispatcherConfig{
			BatchSize:      50,
			MaxAttempts:    5,
			RetryBaseDelay: 30 * time.Second,
			SendTimeout:    time.Second,
			StaleAfter:     5 * time.Minute,
		},
		InstanceID: "test",
		Log:        log,
		Now:        clock.Now,
	}
	f.ingest = &service.EventService{
		Events:    f.events,
		Contacts:  f.contacts,
		Downsells: f.enqueuer,
		Log:       log,
		Now:       clock.Now,
	}
	return f
}

// start records a bot_start for each recipient on bot "shop".
func (f *fixture) start(t *testing.T, recipients ...int64) {
	t.Helper()
	for _, r := range recipients {
		f.event(t, r, model.EventBotStart)
	}
}

func (f *fixture) event(t *testing.T, recipient int64, name string) {
	t.Helper()
	_, err := f.ingest.Ingest(context.Background(), service.BehaviorEvent{
		EventID:     fmt.Sprintf("%s-%d-%d", name, recipient, f.clock.Now().UnixNano()),
		BotSlug:     "shop",
		RecipientID: recipient,
		Name:        name,
		FirstName:   fmt.Sprintf("user%d", recipient),
	})
	require.NoError(t, err)
}

func (f *fixture) shot(t *testing.T, mutate ...func(*model.Campaign)) *model.Campaign {
	t.Helper()
	c := &model.Campaign{
		BotSlug:        "shop",
		Kind:           model.KindShot,
		Name:           "weekend promo",
		AudienceTarget: model.TargetAllStarted,
		Content:        model.Content{Text: "Oi {first_name}!"},
		Offers:         []model.Offer{{Label: "VIP", PriceCents: 1990}},
		SendMode:       model.SendImmediate,
	}
	for _, m := range mutate {
		m(c)
	}
	created, err := f.svc.CreateCampaign(context.Background(), c)
	require.NoError(t, err)
	return created
}

func (f *fixture) jobFor(t *testing.T, campaignID, recipientID int64) model.QueueJob {
	t.Helper()
	jobs, err := f.jobs.List(context.Background(), repository.JobFilter{CampaignID: campaignID, RecipientID: recipientID})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	return jobs[0]
}

// cmd/worker/main.go
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/rs/zerolog"

	"github.com/unclebandit/shotqueue/internal/config"
	"github.com/unclebandit/shotqueue/internal/db"
	"github.com/unclebandit/shotqueue/internal/logger"
	"github.com/unclebandit/shotqueue/internal/queue"
	"github.com/unclebandit/shotqueue/internal/repository"
	"github.com/unclebandit/shotqueue/internal/service"
)

// The worker drains behavioral events from RabbitMQ into the event store
// and fires downsell triggers. Run it when the server publishes to a broker.
func main() {
	if err := config.LoadDotEnv(); err != nil {
		os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(1)
	}
	cfg, err := config.LoadAll()
	if err != nil {
		os.Stderr.WriteString("invalid configuration:\n" + err.Error() + "\n")
		os.Exit(1)
	}
	log := logger.New(cfg.Log, os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal().Err(err).Msg("worker stopped")
	}
}

func run(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	if cfg.AMQP.URL == "" {
		return errors.New("AMQP_URL is required for the worker")
	}

	database, err := db.Open(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer database.Close()
	if err := database.Migrate(ctx); err != nil {
		return err
	}

	eventRepo := &repository.EventRepository{DB: database}
	contactRepo := &repository.ContactRepository{DB: database}
	events := &service.EventService{
		Events:   eventRepo,
		Contacts: contactRepo,
		Downsells: &service.Enqueuer{
			Campaigns: &repository.CampaignRepository{DB: database},
			Jobs:      &repository.QueueJobRepository{DB: database},
			Events:    eventRepo,
			Contacts:  contactRepo,
			Audience:  &service.AudienceResolver{Events: eventRepo},
			Payments:  &service.EventPaymentLookup{Events: eventRepo},
			ChunkSize: cfg.Enqueue.ChunkSize,
			Log:       logger.Component(log, "enqueuer"),
		},
		Log: logger.Component(log, "events"),
	}

	broker, err := queue.DialAMQP(cfg.AMQP.URL, logger.Component(log, "amqp"))
	if err != nil {
		return err
	}
	defer broker.Close()

	if err := events.Consume(broker, cfg.AMQP.Queue); err != nil {
		return err
	}

	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	log.Info().Str("queue", cfg.AMQP.Queue).Msg("worker running, waiting for events")

	<-ctx.Done()
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	log.Info().Msg("worker shutting down")
	return nil
}

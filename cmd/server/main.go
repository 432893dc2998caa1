// cmd/server/main.go
package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/unclebandit/shotqueue/internal/botconfig"
	"github.com/unclebandit/shotqueue/internal/cache"
	"github.com/unclebandit/shotqueue/internal/config"
	"github.com/unclebandit/shotqueue/internal/controller"
	"github.com/unclebandit/shotqueue/internal/db"
	"github.com/unclebandit/shotqueue/internal/handler"
	"github.com/unclebandit/shotqueue/internal/logger"
	"github.com/unclebandit/shotqueue/internal/queue"
	"github.com/unclebandit/shotqueue/internal/repository"
	"github.com/unclebandit/shotqueue/internal/scheduler"
	"github.com/unclebandit/shotqueue/internal/service"
	"github.com/unclebandit/shotqueue/internal/transport"
)

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
		log.Fatal().Err(err).Msg("server stopped")
	}
}

func run(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	database, err := db.Open(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer database.Close()
	if err := database.Migrate(ctx); err != nil {
		return err
	}

	campaignRepo := &repository.CampaignRepository{DB: database}
	jobRepo := &repository.QueueJobRepository{DB: database}
	eventRepo := &repository.EventRepository{DB: database}
	contactRepo := &repository.ContactRepository{DB: database}
	payments := &service.EventPaymentLookup{Events: eventRepo}

	var store cache.Store
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Warn().Err(err).Msg("redis unreachable, credential cache may miss")
		}
		store = cache.NewRedisStore(rdb)
	}
	credentials := cache.NewCredentialCache(botconfig.NewFileRegistry(cfg.Bots.RegistryPath), store, cfg.Cache.CredentialTTL)

	enqueuer := &service.Enqueuer{
		Campaigns: campaignRepo,
		Jobs:      jobRepo,
		Events:    eventRepo,
		Contacts:  contactRepo,
		Audience:  &service.AudienceResolver{Events: eventRepo},
		Payments:  payments,
		ChunkSize: cfg.Enqueue.ChunkSize,
		Log:       logger.Component(log, "enqueuer"),
	}
	events := &service.EventService{
		Events:    eventRepo,
		Contacts:  contactRepo,
		Downsells: enqueuer,
		Log:       logger.Component(log, "events"),
	}
	dispatcher := &service.Dispatcher{
		Jobs:        jobRepo,
		Campaigns:   campaignRepo,
		Contacts:    contactRepo,
		Events:      eventRepo,
		Payments:    payments,
		Credentials: credentials,
		Transport:   transport.NewTelegram(cfg.Bots.APIURL, cfg.Dispatcher.SendTimeout, logger.Component(log, "telegram")),
		Pacer:       transport.NewPacer(cfg.Dispatcher.GlobalSpacing, cfg.Dispatcher.PerBotSpacing),
		Config:      cfg.Dispatcher,
		Log:         logger.Component(log, "dispatcher"),
	}

	// Without a broker, events are consumed in process.
	var publisher handler.Publisher
	var closeQueue io.Closer
	if cfg.AMQP.URL == "" {
		mem := queue.NewInMemoryQueue(logger.Component(log, "queue"))
		if err := events.Consume(mem, cfg.AMQP.Queue); err != nil {
			return err
		}
		publisher, closeQueue = mem, mem
	} else {
		broker, err := queue.DialAMQP(cfg.AMQP.URL, logger.Component(log, "amqp"))
		if err != nil {
			return err
		}
		publisher, closeQueue = broker, broker
	}
	defer closeQueue.Close()

	if n, err := dispatcher.RecoverStale(ctx); err != nil {
		log.Error().Err(err).Msg("stale job recovery failed")
	} else if n > 0 {
		log.Info().Int64("jobs", n).Msg("recovered stale jobs")
	}

	dispatch, err := scheduler.New(cfg.Dispatcher.Interval, dispatcher.Tick, logger.Component(log, "scheduler"))
	if err != nil {
		return err
	}
	maintenance, err := scheduler.NewMaintenance(cfg.Dispatcher.MaintenanceSchedule, func(ctx context.Context) {
		if n, err := dispatcher.RecoverStale(ctx); err != nil {
			log.Error().Err(err).Msg("stale job recovery failed")
		} else if n > 0 {
			log.Warn().Int64("jobs", n).Msg("requeued stale jobs")
		}
	}, logger.Component(log, "maintenance"))
	if err != nil {
		return err
	}

	campaignController := &controller.CampaignController{
		CampaignService: &service.CampaignService{
			CampaignRepo: campaignRepo,
			Jobs:         jobRepo,
			Contacts:     contactRepo,
			Log:          logger.Component(log, "campaigns"),
		},
		Enqueuer: enqueuer,
		Log:      logger.Component(log, "http"),
	}
	botHandler := &handler.BotHandler{
		Queue:       publisher,
		Topic:       cfg.AMQP.Queue,
		Members:     events,
		Credentials: credentials,
		Log:         logger.Component(log, "hooks"),
	}

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      controller.NewRouter(campaignController, database, logger.Component(log, "http"), botHandler),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	dispatch.Start(ctx)
	maintenance.Start()
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

	var failed error
	select {
	case <-ctx.Done():
	case failed = <-serveErr:
	}

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
	dispatch.Stop()
	maintenance.Stop()
	return failed
}

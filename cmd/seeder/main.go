//cmd/seeder/main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/unclebandit/shotqueue/internal/config"
	"github.com/unclebandit/shotqueue/internal/db"
	"github.com/unclebandit/shotqueue/internal/logger"
	"github.com/unclebandit/shotqueue/internal/model"
	"github.com/unclebandit/shotqueue/internal/repository"
	"github.com/unclebandit/shotqueue/internal/service"
)

// Seeds a bot with started recipients and one draft shot, for local runs.
func main() {
	bot := flag.String("bot", "demo", "bot slug to seed")
	recipients := flag.Int("recipients", 50, "number of recipients with a bot_start event")
	flag.Parse()

	_ = config.LoadDotEnv()
	cfg, err := config.LoadAll()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log := logger.New(cfg.Log, os.Stdout)
	ctx := context.Background()

	database, err := db.Open(ctx, cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("open database")
	}
	defer database.Close()
	if err := database.Migrate(ctx); err != nil {
		log.Fatal().Err(err).Msg("migrate")
	}

	contacts := &repository.ContactRepository{DB: database}
	now := time.Now().UTC()
	events := make([]model.Event, 0, *recipients)
	for i := 1; i <= *recipients; i++ {
		rid := int64(1000 + i)
		events = append(events, model.Event{
			EventID:     fmt.Sprintf("seed:%s:bot_start:%d", *bot, rid),
			BotSlug:     *bot,
			RecipientID: rid,
			Name:        model.EventBotStart,
			CreatedAt:   now,
		})
		contact := model.Contact{BotSlug: *bot, RecipientID: rid, FirstName: fmt.Sprintf("User %d", i)}
		if err := contacts.Touch(ctx, contact, true, now); err != nil {
			log.Fatal().Err(err).Msg("seed contact")
		}
	}
	n, err := (&repository.EventRepository{DB: database}).RecordMany(ctx, events)
	if err != nil {
		log.Fatal().Err(err).Msg("seed events")
	}
	log.Info().Int("new", n).Int("total", len(events)).Msg("seeded bot_start events")

	svc := &service.CampaignService{CampaignRepo: &repository.CampaignRepository{DB: database}}
	c, err := svc.CreateCampaign(ctx, &model.Campaign{
		BotSlug:        *bot,
		Kind:           model.KindShot,
		Name:           "Welcome offer",
		AudienceTarget: model.TargetAllStarted,
		Content:        model.Content{Text: "Hi {first_name}, this week only:"},
		Offers: []model.Offer{
			{Label: "Monthly", PriceCents: 1990},
			{Label: "Yearly", PriceCents: 14990},
		},
	})
	if err != nil {
		log.Fatal().Err(err).Msg("seed campaign")
	}
	log.Info().Int64("campaign_id", c.ID).Msg("database seeding completed")
}

package scheduler

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Maintenance runs housekeeping jobs (stale claim recovery and the like)
// on a cron expression. Descriptors such as "@every 1m" are accepted.
type Maintenance struct {
	c      *cron.Cron
	log    zerolog.Logger
	cancel context.CancelFunc
}

func NewMaintenance(schedule string, job func(context.Context), log zerolog.Logger) (*Maintenance, error) {
	if job == nil {
		return nil, fmt.Errorf("maintenance job must not be nil")
	}
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	m := &Maintenance{log: log}
	m.c = cron.New(
		cron.WithParser(parser),
		cron.WithLogger(cronLogger{log: log}),
		cron.WithChain(cron.Recover(cronLogger{log: log}), cron.SkipIfStillRunning(cronLogger{log: log})),
	)

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	if _, err := m.c.AddFunc(schedule, func() { job(ctx) }); err != nil {
		cancel()
		return nil, fmt.Errorf("maintenance schedule %q: %w", schedule, err)
	}
	return m, nil
}

func (m *Maintenance) Start() {
	m.c.Start()
	m.log.Info().Int("jobs", len(m.c.Entries())).Msg("maintenance started")
}

// Stop cancels running jobs and waits for them to return.
func (m *Maintenance) Stop() {
	m.cancel()
	<-m.c.Stop().Done()
	m.log.Info().Msg("maintenance stopped")
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}

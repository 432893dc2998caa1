// Package scheduler drives the periodic work of the service: the dispatch
// loop on a fixed interval and maintenance jobs on a cron schedule.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Scheduler calls tickFn immediately on Start and then every interval until
// Stop. Ticks never overlap.
type Scheduler struct {
	interval time.Duration
	tickFn   func(context.Context)
	log      zerolog.Logger

	running atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func New(interval time.Duration, tickFn func(context.Context), log zerolog.Logger) (*Scheduler, error) {
	if interval <= 0 {
		return nil, errors.New("interval must be > 0")
	}
	if tickFn == nil {
		return nil, errors.New("tickFn must not be nil")
	}
	return &Scheduler{
		interval: interval,
		tickFn:   tickFn,
		log:      log,
		done:     make(chan struct{}),
	}, nil
}

// Start launches the loop under parent. It returns false if already running.
func (s *Scheduler) Start(parent context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running.Load() {
		return false
	}

	ctx, cancel := context.WithCancel(parent)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running.Store(true)

	go func() {
		defer close(s.done)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.log.Info().Dur("interval", s.interval).Msg("scheduler started")

		s.safeTick(ctx)

		for {
			select {
			case <-ctx.Done():
				s.log.Info().Msg("scheduler stopping")
				return
			case <-ticker.C:
				s.safeTick(ctx)
			}
		}
	}()

	return true
}

// Stop cancels the loop and waits for an in-flight tick to return.
func (s *Scheduler) Stop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running.Load() {
		return false
	}

	s.cancel()
	<-s.done
	s.running.Store(false)

	s.log.Info().Msg("scheduler stopped")
	return true
}

func (s *Scheduler) IsRunning() bool {
	return s.running.Load()
}

func (s *Scheduler) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Msg("scheduler tick panic recovered")
		}
	}()

	start := time.Now()
	s.tickFn(ctx)
	s.log.Debug().Int64("duration_ms", time.Since(start).Milliseconds()).Msg("scheduler tick completed")
}

package transport

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Pacer spaces sends out globally and per bot. Both buckets have burst 1,
// so sends leak out at a steady interval instead of bursting.
type Pacer struct {
	global  *rate.Limiter
	spacing time.Duration

	mu     sync.Mutex
	perBot map[string]*rate.Limiter
}

// NewPacer builds a pacer. A zero spacing disables that bucket.
func NewPacer(globalSpacing, perBotSpacing time.Duration) *Pacer {
	return &Pacer{
		global:  newLimiter(globalSpacing),
		spacing: perBotSpacing,
		perBot:  make(map[string]*rate.Limiter),
	}
}

func newLimiter(spacing time.Duration) *rate.Limiter {
	if spacing <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(spacing), 1)
}

// Wait blocks until both the bot's bucket and the global one allow a send.
func (p *Pacer) Wait(ctx context.Context, botSlug string) error {
	if err := p.limiter(botSlug).Wait(ctx); err != nil {
		return err
	}
	return p.global.Wait(ctx)
}

func (p *Pacer) limiter(botSlug string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.perBot[botSlug]
	if !ok {
		l = newLimiter(p.spacing)
		p.perBot[botSlug] = l
	}
	return l
}

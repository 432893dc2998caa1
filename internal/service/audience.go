package service

import (
	"context"

	appErrors "github.com/unclebandit/shotqueue/internal/errors"
	"github.com/unclebandit/shotqueue/internal/model"
)

// RecipientPager pages through the distinct recipients that produced any
// of names for a bot, ordered by recipient id.
type RecipientPager interface {
	DistinctRecipients(ctx context.Context, botSlug string, names []string, after int64, limit int) ([]int64, error)
}

// AudienceResolver turns an audience target into recipient ids. Recipients
// are joined on events.recipient_id only.
type AudienceResolver struct {
	Events   RecipientPager
	PageSize int
}

// TargetEvents lists the event names that put a recipient in target.
func TargetEvents(target string) ([]string, error) {
	switch target {
	case model.TargetAllStarted:
		return []string{model.EventBotStart}, nil
	case model.TargetPixGenerated, model.TargetPixCreated:
		return []string{model.EventPixCreated, model.EventPurchase}, nil
	}
	return nil, appErrors.NewInvalidState("unknown audience target %q", target)
}

// Each calls fn with consecutive pages of the audience. Pages never repeat a
// recipient. A non-nil error from fn stops the walk.
func (r *AudienceResolver) Each(ctx context.Context, botSlug, target string, pageSize int, fn func([]int64) error) error {
	names, err := TargetEvents(target)
	if err != nil {
		return err
	}
	if pageSize <= 0 {
		pageSize = r.PageSize
	}
	if pageSize <= 0 {
		pageSize = 1000
	}

	var after int64
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		page, err := r.Events.DistinctRecipients(ctx, botSlug, names, after, pageSize)
		if err != nil {
			return err
		}
		if len(page) == 0 {
			return nil
		}
		if err := fn(page); err != nil {
			return err
		}
		if len(page) < pageSize {
			return nil
		}
		after = page[len(page)-1]
	}
}

// Resolve returns the whole audience. Prefer Each for large bots.
func (r *AudienceResolver) Resolve(ctx context.Context, botSlug, target string) ([]int64, error) {
	var out []int64
	err := r.Each(ctx, botSlug, target, 0, func(page []int64) error {
		out = append(out, page...)
		return nil
	})
	return out, err
}

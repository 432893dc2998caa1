package service_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	appErrors "github.com/unclebandit/shotqueue/internal/errors"
	"github.com/unclebandit/shotqueue/internal/model"
	"github.com/unclebandit/shotqueue/internal/service"
	"github.com/unclebandit/shotqueue/internal/transport"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		code       int
		desc       string
		retryAfter time.Duration
		want       service.Verdict
	}{
		{403, "Forbidden: bot was blocked by the user", 0, service.Verdict{ContactState: model.ChatBlocked}},
		{403, "FORBIDDEN: BOT WAS BLOCKED BY THE USER", 0, service.Verdict{ContactState: model.ChatBlocked}},
		{403, "Forbidden: user is deactivated", 0, service.Verdict{ContactState: model.ChatDeactivated}},
		{400, "Bad Request: user not found", 0, service.Verdict{ContactState: model.ChatDeactivated}},
		{429, "Too Many Requests: retry after 7", 7 * time.Second, service.Verdict{Retry: true, RetryAfter: 7 * time.Second}},
		{400, "Bad Request: chat not found", 0, service.Verdict{Retry: true}},
		{500, "Internal Server Error", 0, service.Verdict{Retry: true}},
		{0, "", 0, service.Verdict{Retry: true}},
		{401, "deactivated", 0, service.Verdict{Retry: true}},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d %s", tt.code, tt.desc), func(t *testing.T) {
			assert.Equal(t, tt.want, service.Classify(tt.code, tt.desc, tt.retryAfter))
		})
	}
}

func TestClassifyError(t *testing.T) {
	wrapped := fmt.Errorf("send: %w", &transport.SendError{Code: 403, Description: "bot was blocked by the user"})
	assert.Equal(t, model.ChatBlocked, service.ClassifyError(wrapped).ContactState)

	assert.True(t, service.ClassifyError(context.DeadlineExceeded).Retry)
	assert.True(t, service.ClassifyError(errors.New("connection reset")).Retry)
	assert.False(t, service.ClassifyError(fmt.Errorf("x: %w", appErrors.ErrPermanentProvider)).Retry)
}

func TestRetryDelay(t *testing.T) {
	base := 30 * time.Second
	assert.Equal(t, 30*time.Second, service.RetryDelay(1, base, 0))
	assert.Equal(t, 90*time.Second, service.RetryDelay(3, base, 10*time.Second))
	assert.Equal(t, 2*time.Minute, service.RetryDelay(1, base, 2*time.Minute))
}

func TestEventIDs(t *testing.T) {
	assert.Equal(t, "shot_scheduled:4:77", service.ScheduledEventID(model.KindShot, 4, 77))
	assert.Equal(t, "downsell_sent:4:77", service.SentEventID(model.KindDownsell, 4, 77))
	assert.Equal(t, "shot_error:4:77:2", service.ErrorEventID(model.KindShot, 4, 77, 2))
}

func TestRenderMessage(t *testing.T) {
	c := &model.Campaign{
		ID: 3,
		Content: model.Content{
			Text:      "Hey {first_name} (@{username})",
			ParseMode: "HTML",
			MediaKind: model.MediaPhoto,
			MediaURL:  "https://cdn/p.jpg",
			Buttons:   []model.Button{{Text: "Site", URL: "https://example.com"}},
		},
		Offers: []model.Offer{{Label: "Basic", PriceCents: 990}, {Label: "Pro", PriceCents: 12345}},
	}
	msg := service.RenderMessage(c, &model.Contact{FirstName: "Ana", Username: "ana_b"})
	assert.Equal(t, "Hey Ana (@ana_b)", msg.Text)
	assert.Equal(t, "https://cdn/p.jpg", msg.MediaURL)
	assert.Equal(t, []transport.Button{
		{Text: "Site", URL: "https://example.com"},
		{Text: "Basic - R$ 9,90", Data: "offer:3:0"},
		{Text: "Pro - R$ 123,45", Data: "offer:3:1"},
	}, msg.Buttons)

	assert.Equal(t, "Hey  (@)", service.RenderMessage(c, nil).Text)
}

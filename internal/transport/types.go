package transport

import (
	"context"
	"fmt"
	"time"

	appErrors "github.com/unclebandit/shotqueue/internal/errors"
	"github.com/unclebandit/shotqueue/internal/model"
)

// Sender delivers one rendered message to one recipient as the given bot.
type Sender interface {
	Send(ctx context.Context, cred model.Credential, recipientID int64, msg Message) error
}

type Message struct {
	Text      string
	ParseMode string
	MediaKind string
	MediaURL  string
	Buttons   []Button
}

// Button is a URL button when URL is set, otherwise a callback button.
type Button struct {
	Text string
	URL  string
	Data string
}

// SendError carries what the provider said about a failed send. Code is 0
// when the failure never reached the provider (timeout, network).
type SendError struct {
	Code        int
	Description string
	RetryAfter  time.Duration
	Err         error
}

func (e *SendError) Error() string {
	if e.Code == 0 {
		return fmt.Sprintf("send failed: %v", e.Err)
	}
	return fmt.Sprintf("telegram %d: %s", e.Code, e.Description)
}

func (e *SendError) Unwrap() error { return e.Err }

// Is lets callers test against the provider sentinels. Anything that is not
// a hard 4xx rejection is assumed transient.
func (e *SendError) Is(target error) bool {
	switch target {
	case appErrors.ErrTransientProvider:
		return e.Code == 0 || e.Code == 429 || e.Code >= 500
	case appErrors.ErrPermanentProvider:
		return e.Code >= 400 && e.Code < 500 && e.Code != 429
	}
	return false
}

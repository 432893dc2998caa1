package service

import (
	"errors"
	"strings"
	"time"

	appErrors "github.com/unclebandit/shotqueue/internal/errors"
	"github.com/unclebandit/shotqueue/internal/model"
	"github.com/unclebandit/shotqueue/internal/transport"
)

// Verdict is what to do after a failed send. ContactState is empty when the
// failure says nothing about the chat.
type Verdict struct {
	Retry        bool
	ContactState string
	RetryAfter   time.Duration
}

// Classify maps a provider response to a verdict. Rules are checked in order
// and descriptions are matched case-insensitively.
func Classify(code int, description string, retryAfter time.Duration) Verdict {
	desc := strings.ToLower(description)
	switch {
	case code == 403 && strings.Contains(desc, "blocked"):
		return Verdict{ContactState: model.ChatBlocked}
	case (code == 403 || code == 400) &&
		(strings.Contains(desc, "deactivated") || strings.Contains(desc, "user not found")):
		return Verdict{ContactState: model.ChatDeactivated}
	case code == 429:
		return Verdict{Retry: true, RetryAfter: retryAfter}
	default:
		return Verdict{Retry: true}
	}
}

// ClassifyError classifies any error returned by a transport. Errors that
// never reached the provider are transient.
func ClassifyError(err error) Verdict {
	var se *transport.SendError
	if errors.As(err, &se) {
		return Classify(se.Code, se.Description, se.RetryAfter)
	}
	if errors.Is(err, appErrors.ErrPermanentProvider) {
		return Verdict{}
	}
	return Verdict{Retry: true}
}

// RetryDelay is max(retryAfter, attempt * base).
func RetryDelay(attempt int, base, retryAfter time.Duration) time.Duration {
	d := time.Duration(attempt) * base
	if retryAfter > d {
		return retryAfter
	}
	return d
}

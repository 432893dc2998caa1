package transport

import (
	"context"
	"errors"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	tele "gopkg.in/telebot.v4"

	"github.com/unclebandit/shotqueue/internal/model"
)

// Telegram sends through the Bot API, keeping one client per bot token.
type Telegram struct {
	apiURL string
	http   *http.Client
	log    zerolog.Logger

	mu   sync.Mutex
	bots map[string]*tele.Bot
}

// NewTelegram builds the transport. An empty apiURL means the public Bot API.
func NewTelegram(apiURL string, timeout time.Duration, log zerolog.Logger) *Telegram {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Telegram{
		apiURL: apiURL,
		http:   &http.Client{Timeout: timeout},
		log:    log,
		bots:   make(map[string]*tele.Bot),
	}
}

func (t *Telegram) Send(ctx context.Context, cred model.Credential, recipientID int64, msg Message) error {
	if strings.TrimSpace(cred.Token) == "" {
		return &SendError{Code: 401, Description: "Unauthorized: empty bot token"}
	}
	bot, err := t.bot(cred.Token)
	if err != nil {
		return &SendError{Err: err}
	}
	if err := ctx.Err(); err != nil {
		return &SendError{Err: err}
	}

	what, opts := buildPayload(msg)

	// telebot calls are not context aware; the http client timeout bounds
	// the goroutine if ctx gives up first.
	done := make(chan error, 1)
	go func() {
		_, err := bot.Send(tele.ChatID(recipientID), what, opts)
		done <- err
	}()

	select {
	case <-ctx.Done():
		return &SendError{Err: ctx.Err()}
	case err := <-done:
		if err == nil {
			return nil
		}
		se := toSendError(err)
		t.log.Debug().Str("bot", cred.BotSlug).Int64("recipient_id", recipientID).
			Int("code", se.Code).Str("description", se.Description).Msg("telegram send failed")
		return se
	}
}

// Forget drops the cached client for a token, e.g. after rotation.
func (t *Telegram) Forget(token string) {
	t.mu.Lock()
	delete(t.bots, token)
	t.mu.Unlock()
}

func (t *Telegram) bot(token string) (*tele.Bot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if b, ok := t.bots[token]; ok {
		return b, nil
	}
	b, err := tele.NewBot(tele.Settings{
		URL:     t.apiURL,
		Token:   token,
		Client:  t.http,
		Offline: true, // send-only; skip getMe
	})
	if err != nil {
		return nil, err
	}
	t.bots[token] = b
	return b, nil
}

func buildPayload(msg Message) (any, *tele.SendOptions) {
	opts := &tele.SendOptions{ParseMode: tele.ParseMode(msg.ParseMode)}
	if len(msg.Buttons) > 0 {
		rows := make([][]tele.InlineButton, 0, len(msg.Buttons))
		for _, b := range msg.Buttons {
			btn := tele.InlineButton{Text: b.Text}
			if b.URL != "" {
				btn.URL = b.URL
			} else {
				btn.Data = b.Data
			}
			rows = append(rows, []tele.InlineButton{btn})
		}
		opts.ReplyMarkup = &tele.ReplyMarkup{InlineKeyboard: rows}
	}

	if msg.MediaURL == "" {
		return msg.Text, opts
	}
	file := tele.FromURL(msg.MediaURL)
	switch msg.MediaKind {
	case model.MediaVideo:
		return &tele.Video{File: file, Caption: msg.Text}, opts
	case model.MediaAudio:
		return &tele.Audio{File: file, Caption: msg.Text}, opts
	default:
		return &tele.Photo{File: file, Caption: msg.Text}, opts
	}
}

var (
	describedErr  = regexp.MustCompile(`telegram: (.*) \((\d{3})\)$`)
	retryAfterErr = regexp.MustCompile(`(?i)retry after (\d+)`)
)

// toSendError normalises the error shapes telebot produces into a code,
// description and retry hint.
func toSendError(err error) *SendError {
	var se *SendError
	if errors.As(err, &se) {
		return se
	}

	out := &SendError{Err: err}

	var flood tele.FloodError
	var apiErr *tele.Error
	switch {
	case errors.As(err, &flood):
		out.Code = 429
		out.Description = "Too Many Requests"
		out.RetryAfter = time.Duration(flood.RetryAfter) * time.Second
	case errors.As(err, &apiErr):
		out.Code = apiErr.Code
		out.Description = apiErr.Description
	default:
		if m := describedErr.FindStringSubmatch(err.Error()); m != nil {
			out.Description = m[1]
			out.Code, _ = strconv.Atoi(m[2])
		}
	}

	if out.RetryAfter == 0 && out.Code == 429 {
		if m := retryAfterErr.FindStringSubmatch(out.Description); m != nil {
			secs, _ := strconv.Atoi(m[1])
			out.RetryAfter = time.Duration(secs) * time.Second
		}
	}
	return out
}

package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/unclebandit/shotqueue/internal/config"
)

const consoleTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// New builds the process root logger. Format "console" renders key=value
// lines for local runs; anything else writes JSON.
func New(cfg config.LogConfig, out io.Writer) zerolog.Logger {
	if out == nil {
		out = os.Stdout
	}
	zerolog.ErrorFieldName = "err"
	zerolog.DurationFieldUnit = time.Millisecond

	w := out
	if strings.EqualFold(cfg.Format, "console") {
		w = zerolog.ConsoleWriter{Out: out, TimeFormat: consoleTimeFormat}
	}
	return zerolog.New(w).
		Level(ParseLevel(cfg.Level, zerolog.InfoLevel)).
		With().Timestamp().
		Logger()
}

// Component returns a child logger tagged with the component name.
func Component(l zerolog.Logger, name string) zerolog.Logger {
	return l.With().Str("component", name).Logger()
}

func ParseLevel(s string, def zerolog.Level) zerolog.Level {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return def
	}
	if s == "warning" {
		s = "warn"
	}
	lvl, err := zerolog.ParseLevel(s)
	if err != nil || lvl == zerolog.NoLevel {
		return def
	}
	return lvl
}

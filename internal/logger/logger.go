// Package logger builds the service's zerolog logger.
package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Options selects level, format and identity fields.
type Options struct {
	Level       string
	Format      string // "console" or "json"
	ServiceName string
	Environment string
	Output      io.Writer
}

// New creates the root logger.
func New(opts Options) zerolog.Logger {
	out := opts.Output
	if out == nil {
		out = os.Stdout
	}
	if useConsole(opts) {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).
		With().
		Timestamp().
		Str("service", opts.ServiceName).
		Str("environment", opts.Environment).
		Logger().
		Level(ParseLevel(opts.Level))
}

func useConsole(opts Options) bool {
	switch strings.ToLower(opts.Format) {
	case "console":
		return true
	case "json":
		return false
	}
	return strings.EqualFold(opts.Environment, "development")
}

// ParseLevel parses raw, falling back to info.
func ParseLevel(raw string) zerolog.Level {
	if raw == "" {
		return zerolog.InfoLevel
	}
	level, err := zerolog.ParseLevel(strings.ToLower(raw))
	if err != nil {
		return zerolog.InfoLevel
	}
	return level
}

package infra

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger constructs the process logger. Every line carries the service
// name so API and worker output can be told apart when both ship to one sink.
// level overrides the environment default when it names a zerolog level.
func NewLogger(appEnv, level, service string) zerolog.Logger {
	var out io.Writer = os.Stdout
	if appEnv == "development" {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}
	return newLogger(out, appEnv, level, service)
}

func newLogger(out io.Writer, appEnv, level, service string) zerolog.Logger {
	ctx := zerolog.New(out).
		Level(logLevel(appEnv, level)).
		With().
		Timestamp()
	if service != "" {
		ctx = ctx.Str("service", service)
	}
	return ctx.Logger()
}

func logLevel(appEnv, level string) zerolog.Level {
	if lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level))); err == nil && lvl != zerolog.NoLevel {
		return lvl
	}
	if appEnv == "development" {
		return zerolog.DebugLevel
	}
	return zerolog.InfoLevel
}

// Logger aliases zerolog.Logger so packages that only pass a logger around
// need not import zerolog themselves.
type Logger = zerolog.Logger

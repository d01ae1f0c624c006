package logging

import (
	"io"
	"log/slog"
	"strings"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel/log/global"
)

// Options selects the root handler.
type Options struct {
	Level  string // debug, info, warn, error
	Format string // text, json
	// OTelService, when set, routes records through the OTel log bridge using the
	// global logger provider instead of writing to Output.
	OTelService string
	Output      io.Writer
	// Leveler overrides Level, e.g. a *slog.LevelVar adjusted on config reload.
	Leveler slog.Leveler
}

// New builds the root logger. Every handler is wrapped in a CorrelationHandler.
func New(opts Options) *slog.Logger {
	var level slog.Leveler = ParseLevel(opts.Level)
	if opts.Leveler != nil {
		level = opts.Leveler
	}
	hopts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch {
	case opts.OTelService != "":
		handler = otelslog.NewHandler(opts.OTelService, otelslog.WithLoggerProvider(global.GetLoggerProvider()))
	case strings.EqualFold(opts.Format, "json"):
		handler = slog.NewJSONHandler(opts.Output, hopts)
	default:
		handler = slog.NewTextHandler(opts.Output, hopts)
	}
	return slog.New(NewCorrelationHandler(handler))
}

// Setup builds the root logger and installs it as the slog default.
func Setup(opts Options) *slog.Logger {
	logger := New(opts)
	slog.SetDefault(logger)
	return logger
}

// ParseLevel maps a level name to slog.Level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

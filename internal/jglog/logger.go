// Package jglog provides the leveled structured logger shared across
// jobguard's components, wrapping log/slog and threading a *slog.Logger
// through each worker.
package jglog

import (
	"io"
	"log/slog"
	"os"
)

// Options configures the logger built by New.
type Options struct {
	// Enabled turns logging on. When false, New returns a logger that
	// discards everything, regardless of Level.
	Enabled bool

	// Level is one of "debug", "info", "warn", "error". Empty defaults to
	// "info".
	Level string

	// Prefix is attached to every record as a "component" attribute.
	Prefix string

	// JSON selects slog.JSONHandler over slog.TextHandler. Defaults to
	// text.
	JSON bool

	// Writer overrides the output sink. Defaults to os.Stderr.
	Writer io.Writer
}

func levelFor(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New builds a *slog.Logger honoring the logging.{enabled,level,prefix}
// configuration surface (spec §6).
func New(opts Options) *slog.Logger {
	if !opts.Enabled {
		return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
	}
	w := opts.Writer
	if w == nil {
		w = os.Stderr
	}
	handlerOpts := &slog.HandlerOptions{Level: levelFor(opts.Level)}
	var handler slog.Handler
	if opts.JSON {
		handler = slog.NewJSONHandler(w, handlerOpts)
	} else {
		handler = slog.NewTextHandler(w, handlerOpts)
	}
	logger := slog.New(handler)
	if opts.Prefix != "" {
		logger = logger.With("component", opts.Prefix)
	}
	return logger
}

// Default returns the package-wide fallback logger (enabled, info level, no
// prefix) for components constructed without an explicit logger.
func Default() *slog.Logger {
	return New(Options{Enabled: true, Level: "info"})
}

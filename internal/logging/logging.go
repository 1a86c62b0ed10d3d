// Package logging builds the process-wide slog logger.
package logging

import (
	"io"
	"log/slog"
	"os"
)

// Options selects the handler and level.
type Options struct {
	// Local switches to a human-readable text handler at debug level.
	Local bool
	// Debug lowers the level to debug.
	Debug bool
	// Output defaults to os.Stderr.
	Output io.Writer
}

// New creates a logger. Deployed processes log JSON to stderr.
func New(opts Options) *slog.Logger {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}

	level := slog.LevelInfo
	if opts.Local || opts.Debug {
		level = slog.LevelDebug
	}
	handlerOpts := &slog.HandlerOptions{Level: level}

	if opts.Local {
		return slog.New(slog.NewTextHandler(out, handlerOpts))
	}
	return slog.New(slog.NewJSONHandler(out, handlerOpts))
}

// Package logger provides structured logging for the medscrape pipeline,
// built on Go's slog package with configurable level and format.
package logger

import (
	"log/slog"
	"os"
)

// New creates a slog Logger with the specified level. If jsonOutput is
// true, logs are emitted as JSON, otherwise as human-readable text.
func New(levelStr string, jsonOutput bool) *slog.Logger {
	var level slog.Level
	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if jsonOutput {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

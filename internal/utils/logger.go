package utils

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// NewLogger returns a slog.Logger configured for the desired verbosity and
// format. Logs go to stderr: stdout is reserved for investigation reports.
func NewLogger(level string, json bool) *slog.Logger {
	return slog.New(newHandler(os.Stderr, level, json))
}

func newHandler(w io.Writer, level string, json bool) slog.Handler {
	handlerLevel := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		handlerLevel = slog.LevelDebug
	case "warn":
		handlerLevel = slog.LevelWarn
	case "error":
		handlerLevel = slog.LevelError
	}

	if json {
		return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: handlerLevel})
	}
	return slog.NewTextHandler(w, &slog.HandlerOptions{Level: handlerLevel})
}

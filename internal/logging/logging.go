package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

const LevelEnv = "WEIGHTGATE_LOG_LEVEL"

func New() *slog.Logger {
	return NewWithWriter(os.Stdout, os.Getenv(LevelEnv))
}

func NewWithWriter(w io.Writer, level string) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: ParseLevel(level)}))
}

// ParseLevel falls back to info for unknown names.
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

package logger

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

type Config struct {
	Level  string // debug, info, warn, error
	Format string // text or json
	File   string // empty = stdout
}

// Init initializes the global slog logger.
// When File is set, logs are appended there; otherwise they go to stdout.
func Init(cfg Config) {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}

	var w io.Writer = os.Stdout

	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0755); err != nil {
			slog.Error("failed to create log directory, using stdout only", "file", cfg.File, "error", err)
		} else {
			f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
			if err != nil {
				slog.Error("failed to open log file, using stdout only", "file", cfg.File, "error", err)
			} else {
				w = f
			}
		}
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	slog.SetDefault(slog.New(handler))
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
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

// NewSessionLogger creates a logger bound to a connection-scoped id.
func NewSessionLogger(sessionID string) *slog.Logger {
	return slog.With("sessionId", sessionID)
}

// NewRequestLogger creates a logger with a unique requestId for API handlers.
func NewRequestLogger() *slog.Logger {
	return slog.With("requestId", uuid.Must(uuid.NewV7()).String())
}

// Truncate shortens s for logging. Transcriptions can carry private speech,
// so log lines never include more than max runes of user input.
func Truncate(s string, max int) string {
	if max <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}

package log

import (
	"log/slog"
	"os"
)

func Setup(logLevel string) {
	var level slog.Level

	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})).With("service", "formulapm-approvals"))
}

func WithModule(module string) *slog.Logger {
	return slog.With("module", module)
}

// WithInstance returns a logger scoped to one approval instance, so every
// line of a multi-step transition can be correlated to its document.
func WithInstance(logger *slog.Logger, instanceID, documentID string) *slog.Logger {
	return logger.With("instance_id", instanceID, "document_id", documentID)
}

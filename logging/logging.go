package logging

import (
	"log/slog"
	"os"
	"strings"
	"sync"
)

var (
	once   sync.Once
	logger *slog.Logger
)

// Configure initializes the shared JSON logger at the given level
// ("debug", "info", "warn" or "error"). Only the first call takes effect.
func Configure(level string) *slog.Logger {
	once.Do(func() {
		handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: ParseLevel(level)})
		logger = slog.New(handler)
	})
	return logger
}

// Logger returns the configured slog logger, configuring it at info level on
// first use if necessary.
func Logger() *slog.Logger {
	if logger == nil {
		return Configure("info")
	}
	return logger
}

// ParseLevel maps a level name to a slog.Level. Unknown names yield info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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

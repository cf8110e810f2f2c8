// Package logging builds the application logger: colorized text for
// interactive use, JSON for deployed builds.
package logging

import (
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
)

// New creates a logger at the given level. Interactive builds (version
// "dev") get a tinted handler with source locations; everything else emits
// JSON suitable for log shipping.
func New(level slog.Level, version, appName string) *slog.Logger {
	if version == "dev" {
		h := tint.NewHandler(os.Stderr, &tint.Options{
			Level:      level,
			AddSource:  true,
			TimeFormat: time.Kitchen,
		})
		return slog.New(h).With("app", appName)
	}

	h := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	return slog.New(h).With("app", appName, "version", version)
}

// ParseLevel maps a config string to a slog level. Unknown strings map to
// info.
func ParseLevel(s string) slog.Level {
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

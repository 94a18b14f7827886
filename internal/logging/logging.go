// Package logging sets up the process-wide structured logger.
package logging

import (
	"log/slog"
	"os"

	"github.com/lmittmann/tint"
)

// Setup installs a slog.Logger as the default logger and returns it.
// Interactive terminals get colorized tint output; anything else (a log
// file, a pipe, APX_LOG_FORMAT=json) gets line-delimited JSON.
func Setup(name string) *slog.Logger {
	var handler slog.Handler
	if os.Getenv("APX_LOG_FORMAT") != "json" && isTerminal(os.Stderr) {
		handler = tint.NewHandler(os.Stderr, &tint.Options{
			Level:      levelFromEnv(),
			TimeFormat: "15:04:05.000",
		})
	} else {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: levelFromEnv()})
	}

	logger := slog.New(handler).With("component", name)
	slog.SetDefault(logger)
	return logger
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}

func levelFromEnv() slog.Level {
	switch os.Getenv("APX_LOG_LEVEL") {
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

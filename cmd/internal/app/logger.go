package app

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/natefinch/lumberjack"
)

// Logger is the app-wide logger type (slog).
type Logger = *slog.Logger

// NewLogger creates the process logger from cfg and installs it as the slog default.
// The returned closer releases the rotated log file when one is configured.
func NewLogger(cfg Config) (*slog.Logger, io.Closer) {
	var out io.Writer = os.Stdout
	var closer io.Closer = nopCloser{}

	if path := strings.TrimSpace(cfg.LogFile); path != "" {
		file := &lumberjack.Logger{
			Filename:   path,
			MaxSize:    cfg.LogMaxSizeMB,
			MaxBackups: cfg.LogMaxBackups,
			MaxAge:     cfg.LogMaxAgeDays,
			Compress:   true,
		}
		out = io.MultiWriter(os.Stdout, file)
		closer = file
	}

	log := slog.New(newLogHandler(out, cfg))
	slog.SetDefault(log)
	return log, closer
}

func newLogHandler(w io.Writer, cfg Config) slog.Handler {
	opts := &slog.HandlerOptions{
		Level:     parseLogLevel(cfg.LogLevel),
		AddSource: true,
	}

	switch strings.ToLower(strings.TrimSpace(cfg.LogFormat)) {
	case "console", "pretty", "text":
		// Keep ANSI codes out of the rotated file.
		return newPrettyHandler(w, opts, cfg.LogColor && cfg.LogFile == "")
	default:
		return slog.NewJSONHandler(w, opts)
	}
}

func parseLogLevel(level string) slog.Level {
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

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

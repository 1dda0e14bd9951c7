// Package logging provides structured logging for steward using
// stdlib slog, plus process output capture with rotation.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// LogConfig controls logger creation.
type LogConfig struct {
	Level  string    // "debug", "info", "warn", "error"
	Format string    // "json" (default), "text"
	Output io.Writer // defaults to os.Stdout
}

// New creates a configured *slog.Logger.
func New(cfg LogConfig) *slog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}

	opts := &slog.HandlerOptions{
		Level: parseLevel(cfg.Level),
	}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		handler = slog.NewTextHandler(out, opts)
	} else {
		handler = slog.NewJSONHandler(out, opts)
	}

	return slog.New(handler)
}

// WithFields returns a child logger with additional context fields.
func WithFields(logger *slog.Logger, fields ...any) *slog.Logger {
	return logger.With(fields...)
}

// DaemonLogger builds the daemon-wide logger. With an empty logfile the
// logger writes to stdout and cleanup is nil; otherwise the file is
// opened for append and cleanup closes it.
func DaemonLogger(level, format, logfile string) (*slog.Logger, func(), error) {
	if logfile == "" {
		return New(LogConfig{Level: level, Format: format}), nil, nil
	}

	f, err := os.OpenFile(logfile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, nil, fmt.Errorf("cannot open log file: %w", err)
	}

	logger := New(LogConfig{Level: level, Format: format, Output: f})
	return logger, func() { f.Close() }, nil
}

// ValidateLevel reports whether s names a supported log level.
func ValidateLevel(s string) error {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug", "info", "warn", "error":
		return nil
	}
	return fmt.Errorf("invalid log level %q (expected debug, info, warn, or error)", s)
}

// LevelVar is a dynamically adjustable log level addressed by name.
type LevelVar struct {
	v slog.LevelVar
}

// NewLevelVar returns a LevelVar initialized to the named level.
// Unknown names fall back to info.
func NewLevelVar(level string) *LevelVar {
	lv := &LevelVar{}
	lv.Set(level)
	return lv
}

// Set updates the level by name.
func (lv *LevelVar) Set(level string) {
	lv.v.Set(parseLevel(level))
}

// Level returns the current level.
func (lv *LevelVar) Level() slog.Level {
	return lv.v.Level()
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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

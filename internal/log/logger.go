package log

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

type Config struct {
	Level     string
	File      string
	MaxSizeMB int
	MaxFiles  int
	Positions PositionMode
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// New builds the process logger. With no file configured it writes text to
// stderr; otherwise it writes JSON lines to a rotating file. The returned
// closer releases the file.
func New(cfg Config) (*slog.Logger, io.Closer, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}
	opts := &slog.HandlerOptions{Level: level}

	if cfg.File == "" {
		handler := slog.NewTextHandler(os.Stderr, opts)
		return slog.New(NewPositionHandler(handler, cfg.Positions)), nopCloser{}, nil
	}

	writer, err := NewRotatingWriter(RotationConfig{
		File:      cfg.File,
		MaxSizeMB: cfg.MaxSizeMB,
		MaxFiles:  cfg.MaxFiles,
	})
	if err != nil {
		return nil, nil, err
	}
	handler := slog.NewJSONHandler(writer, opts)
	return slog.New(NewPositionHandler(handler, cfg.Positions)), writer, nil
}

// Discard is a logger for callers that were not handed one.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func ParseLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", raw)
	}
}

package utils

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// LoggerConfig configures the process logger
type LoggerConfig struct {
	Level  string    `json:"level" mapstructure:"level"`
	Format string    `json:"format" mapstructure:"format"` // "text" or "json"
	Output io.Writer `json:"-" mapstructure:"-"`
}

// DefaultLoggerConfig returns sensible production defaults
func DefaultLoggerConfig() LoggerConfig {
	return LoggerConfig{Level: "info", Format: "text"}
}

// ParseLevel maps a level name to its slog level.
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", name)
	}
}

// NewLogger builds a structured logger from config.
func NewLogger(config LoggerConfig) (*slog.Logger, error) {
	level, err := ParseLevel(config.Level)
	if err != nil {
		return nil, err
	}
	out := config.Output
	if out == nil {
		out = os.Stderr
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(config.Format) {
	case "json":
		handler = slog.NewJSONHandler(out, opts)
	case "", "text":
		handler = slog.NewTextHandler(out, opts)
	default:
		return nil, fmt.Errorf("unknown log format %q", config.Format)
	}
	return slog.New(handler), nil
}

// DefaultLogger creates a text logger at info level tagged with component.
func DefaultLogger(component string) *slog.Logger {
	logger, _ := NewLogger(DefaultLoggerConfig())
	return logger.With("component", component)
}

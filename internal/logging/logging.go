// Package logging builds the process-wide slog logger.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// componentKey is the attribute every engine tags its logger with.
const componentKey = "component"

// Output formats.
const (
	FormatConsole = "console"
	FormatText    = "text"
	FormatJSON    = "json"
)

// Config configures the root logger
type Config struct {
	Level      slog.Level
	Format     string
	Output     io.Writer
	Colorize   bool
	ShowCaller bool
	TimeFormat string
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Level:      slog.LevelInfo,
		Format:     FormatConsole,
		Output:     os.Stderr,
		Colorize:   true,
		TimeFormat: "15:04:05.000",
	}
}

// New builds a logger from cfg.
func New(cfg Config) (*slog.Logger, error) {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: cfg.Level, AddSource: cfg.ShowCaller}

	var h slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "", FormatConsole:
		h = NewConsoleHandler(out, cfg)
	case FormatText:
		h = slog.NewTextHandler(out, opts)
	case FormatJSON:
		h = slog.NewJSONHandler(out, opts)
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}
	return slog.New(h), nil
}

// ParseLevel accepts debug, info, warn or error in any case.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("parse log level: %w", err)
	}
	return l, nil
}

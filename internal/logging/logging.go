// Package logging installs the process-wide slog handler.
package logging

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	dnssdlog "github.com/brutella/dnssd/log"
)

type Config struct {
	Level  string `toml:"level" json:"level"`
	Format string `toml:"format" json:"format"`
	// File, when set, receives the log instead of stderr.
	File string `toml:"file" json:"file"`
}

func DefaultConfig() Config {
	return Config{Level: "info", Format: "text"}
}

func (c *Config) Validate() error {
	if _, err := ParseLevel(c.Level); err != nil {
		return err
	}
	switch c.Format {
	case "text", "json":
	default:
		return errors.New("log format must be text or json")
	}
	return nil
}

// ParseLevel accepts debug, info, warn and error in any case.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level %q", s)
}

// NewHandler builds a handler writing to w.
func NewHandler(w io.Writer, cfg Config) (slog.Handler, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.NewJSONHandler(w, opts), nil
	}
	return slog.NewTextHandler(w, opts), nil
}

// Setup installs the configured handler as the slog default and mutes the
// mDNS library's own loggers. The returned func closes the log file.
func Setup(cfg Config) (func() error, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	dnssdlog.Info.SetOutput(io.Discard)
	dnssdlog.Debug.SetOutput(io.Discard)

	var (
		w       io.Writer = os.Stderr
		closeFn           = func() error { return nil }
	)
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
			return nil, fmt.Errorf("creating log directory: %w", err)
		}
		f, err := os.OpenFile(cfg.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("opening log file: %w", err)
		}
		w, closeFn = f, f.Close
	}

	handler, err := NewHandler(w, cfg)
	if err != nil {
		closeFn()
		return nil, err
	}
	slog.SetDefault(slog.New(handler))
	return closeFn, nil
}

// Package logging builds the *slog.Logger used by the daemon.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/next-trace/scg-bus-runtime/config"
)

// ParseLevel maps debug, info, warn and error (case-insensitive) to a slog.Level.
// An empty string means info.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level

	if strings.TrimSpace(s) == "" {
		return slog.LevelInfo, nil
	}

	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("log level %q: %w", s, err)
	}

	return l, nil
}

// New returns a logger writing to stdout and, when cfg.File is set, to a rotating file.
// The returned close func releases the file.
func New(cfg config.Log) (*slog.Logger, func() error, error) {
	return newLogger(cfg, os.Stdout)
}

func newLogger(cfg config.Log, stdout io.Writer) (*slog.Logger, func() error, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}

	w := stdout
	closeFn := func() error { return nil }

	if cfg.File != "" {
		lj := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
		}

		w = io.MultiWriter(stdout, lj)
		closeFn = lj.Close
	}

	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler

	switch strings.ToLower(cfg.Format) {
	case "", "json":
		h = slog.NewJSONHandler(w, opts)
	case "text":
		h = slog.NewTextHandler(w, opts)
	default:
		return nil, nil, fmt.Errorf("log format %q: want json or text", cfg.Format)
	}

	return slog.New(h), closeFn, nil
}

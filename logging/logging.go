// Package logging configures the process-wide slog logger: colorized
// output on interactive terminals, plus an optional rotating log file.
package logging

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures Setup.
type Options struct {
	Level   string // "debug", "info", "warn", "error" (default "info")
	LogFile string // rotating log file; empty disables file output
	Quiet   bool   // suppress stderr output, file only
}

// Setup builds the logger and installs it as slog.Default.
func Setup(opts Options) (*slog.Logger, error) {
	lvl := parseLevel(opts.Level)

	var handlers []slog.Handler

	if opts.LogFile != "" {
		if dir := filepath.Dir(opts.LogFile); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create log dir: %w", err)
			}
		}
		fileWriter = &lumberjack.Logger{
			Filename:   opts.LogFile,
			MaxSize:    100, // MB
			MaxBackups: 5,
			MaxAge:     28, // days
		}
		handlers = append(handlers, tint.NewHandler(fileWriter, &tint.Options{
			Level:      lvl,
			TimeFormat: time.RFC3339,
			NoColor:    true,
		}))
	}

	if !opts.Quiet {
		noColor := !isatty.IsTerminal(os.Stderr.Fd()) || os.Getenv("NO_COLOR") != ""
		handlers = append(handlers, tint.NewHandler(os.Stderr, &tint.Options{
			Level:      lvl,
			TimeFormat: time.TimeOnly,
			NoColor:    noColor,
		}))
	}

	var logger *slog.Logger
	switch len(handlers) {
	case 0:
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	case 1:
		logger = slog.New(handlers[0])
	default:
		logger = slog.New(&MultiHandler{handlers: handlers})
	}

	slog.SetDefault(logger)
	return logger, nil
}

func parseLevel(level string) slog.Level {
	switch level {
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

// MultiHandler fans records out to several handlers.
type MultiHandler struct {
	handlers []slog.Handler
}

func (m *MultiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (m *MultiHandler) Handle(ctx context.Context, record slog.Record) error {
	for _, h := range m.handlers {
		if err := h.Handle(ctx, record); err != nil {
			return err
		}
	}
	return nil
}

func (m *MultiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		next[i] = h.WithAttrs(attrs)
	}
	return &MultiHandler{handlers: next}
}

func (m *MultiHandler) WithGroup(name string) slog.Handler {
	next := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		next[i] = h.WithGroup(name)
	}
	return &MultiHandler{handlers: next}
}

var fileWriter *lumberjack.Logger

// CloseFile closes the rotating log file, if one was opened.
func CloseFile() error {
	if fileWriter != nil {
		return fileWriter.Close()
	}
	return nil
}

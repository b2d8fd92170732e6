// Package slog adapts log/slog to the firesync logger interface.
package slog

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

type SlogHandler struct {
	logger *slog.Logger
}

func New(h slog.Handler) *SlogHandler {
	return &SlogHandler{logger: slog.New(h)}
}

// NewJSON writes JSON records to w. level takes the names accepted by the
// configuration file: trace, debug, info, warn, error.
func NewJSON(w io.Writer, level string) (*SlogHandler, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	return New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})), nil
}

// NewText is NewJSON with slog's key=value output.
func NewText(w io.Writer, level string) (*SlogHandler, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	return New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})), nil
}

// ParseLevel maps a level name to a slog level. Trace folds into debug and
// an empty name means info.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "", "info":
		return slog.LevelInfo, nil
	case "trace", "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", level)
	}
}

// With returns a handler that adds args to every record.
func (handler *SlogHandler) With(args ...any) *SlogHandler {
	return &SlogHandler{logger: handler.logger.With(args...)}
}

// Enabled reports whether records at level are written.
func (handler *SlogHandler) Enabled(level slog.Level) bool {
	return handler.logger.Enabled(context.Background(), level)
}

func (handler *SlogHandler) Error(msg string, args ...any) {
	handler.logger.Error(msg, args...)
}

func (handler *SlogHandler) Warn(msg string, args ...any) {
	handler.logger.Warn(msg, args...)
}

func (handler *SlogHandler) Info(msg string, args ...any) {
	handler.logger.Info(msg, args...)
}

func (handler *SlogHandler) Debug(msg string, args ...any) {
	handler.logger.Debug(msg, args...)
}

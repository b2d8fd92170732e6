// Package logger defines the structured logger used across firesync and its
// adapters for log/slog and zerolog.
package logger

import (
	"log/slog"

	slogadapter "github.com/firesync/firesync.go/pkg/logger/slog"
)

// Logger logs a message with alternating key/value pairs.
type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
	Info(msg string, args ...any)
	Debug(msg string, args ...any)
}

var _ Logger = (*slogadapter.SlogHandler)(nil)

// New returns a Logger writing to the given slog handler.
func New(h slog.Handler) Logger {
	return slogadapter.New(h)
}

type nop struct{}

func (nop) Error(string, ...any) {}
func (nop) Warn(string, ...any)  {}
func (nop) Info(string, ...any)  {}
func (nop) Debug(string, ...any) {}

// NewNop returns a Logger that discards everything.
func NewNop() Logger {
	return nop{}
}

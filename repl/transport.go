package repl

import (
	"context"
	"log/slog"
)

// LineTransport is a newline-delimited, bidirectional byte stream to the
// device. ReadLine returns one line without its terminator and must return
// when ctx is done.
type LineTransport interface {
	WriteLine(ctx context.Context, line string) error
	ReadLine(ctx context.Context) (string, error)
}

// Logger receives the device output a session does not consume.
// *slog.Logger satisfies it.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// NoopLogger discards everything.
type NoopLogger struct{}

func (NoopLogger) Info(string, ...any)  {}
func (NoopLogger) Warn(string, ...any)  {}
func (NoopLogger) Error(string, ...any) {}

var (
	_ Logger = NoopLogger{}
	_ Logger = (*slog.Logger)(nil)
)

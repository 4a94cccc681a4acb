package h2mux

import (
	"log"
	"sync/atomic"
	"testing"
)

// Logger can be implemented to get informed about important states.
type Logger interface {
	LogUnhandledServeError(err error)
	LogRecoveredPanic(v any)
}

type stdLogger struct{ *log.Logger }

func (l stdLogger) LogUnhandledServeError(err error) {
	l.Logger.Printf("h2mux: unhandled server error: %s", err)
}

func (l stdLogger) LogRecoveredPanic(v any) {
	l.Logger.Printf("h2mux: recovered from handler panic: %v", v)
}

func NewStdLogger(l *log.Logger) Logger {
	return stdLogger{l}
}

type TestLogger struct {
	tb testing.TB

	NumLogUnhandledServeError int64
	NumLogRecoveredPanic      int64
}

func NewTestLogger(tb testing.TB) *TestLogger {
	return &TestLogger{tb: tb}
}

func (l *TestLogger) LogUnhandledServeError(err error) {
	atomic.AddInt64(&l.NumLogUnhandledServeError, 1)
	l.tb.Logf("h2mux: unhandled server error: %s", err)
}

func (l *TestLogger) LogRecoveredPanic(v any) {
	atomic.AddInt64(&l.NumLogRecoveredPanic, 1)
	l.tb.Logf("h2mux: recovered from handler panic: %v", v)
}

var _ Logger = &TestLogger{}

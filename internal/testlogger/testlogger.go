// Package testlogger adapts the testing package's t.Logf() to the
// Logger interface used throughout the rsyncd library, so that daemon
// log output ends up interleaved with test output.
package testlogger

import "testing"

type Logger struct {
	tb testing.TB
}

func New(tb testing.TB) *Logger {
	return &Logger{tb: tb}
}

// Printf implements the log.Logger interface.
func (l *Logger) Printf(msg string, a ...interface{}) {
	l.tb.Helper()
	l.tb.Logf(msg, a...)
}

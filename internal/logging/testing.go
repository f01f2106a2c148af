package logging

import (
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// TestLogger is a Logger whose entries are kept in memory for assertions.
type TestLogger struct {
	*Logger
	observed *observer.ObservedLogs
}

// NewTestLogger records every entry from TraceLevel up.
func NewTestLogger() *TestLogger {
	core, observed := observer.New(TraceLevel)
	return &TestLogger{Logger: &Logger{zap: zap.New(core)}, observed: observed}
}

// All returns the recorded entries in order.
func (t *TestLogger) All() []observer.LoggedEntry {
	return t.observed.All()
}

// FilterMessage returns entries whose message contains msg.
func (t *TestLogger) FilterMessage(msg string) *observer.ObservedLogs {
	return t.observed.FilterMessageSnippet(msg)
}

func (t *TestLogger) count(level zapcore.Level, msg string) int {
	return t.observed.FilterLevelExact(level).FilterMessageSnippet(msg).Len()
}

// AssertLogged fails unless an entry at level mentions msg.
func (t *TestLogger) AssertLogged(tb testing.TB, level zapcore.Level, msg string) {
	tb.Helper()
	if t.count(level, msg) == 0 {
		tb.Errorf("no %v entry containing %q; got %d entries", level, msg, t.observed.Len())
	}
}

// AssertNotLogged fails if an entry at level mentions msg.
func (t *TestLogger) AssertNotLogged(tb testing.TB, level zapcore.Level, msg string) {
	tb.Helper()
	if n := t.count(level, msg); n > 0 {
		tb.Errorf("found %d unexpected %v entries containing %q", n, level, msg)
	}
}

// AssertNoText fails if text appears in any message or string field. Tests
// use it to show journal text stays out of logs.
func (t *TestLogger) AssertNoText(tb testing.TB, text string) {
	tb.Helper()
	for _, e := range t.observed.All() {
		if strings.Contains(e.Message, text) {
			tb.Errorf("text %q leaked into message %q", text, e.Message)
		}
		for _, f := range e.Context {
			if f.Type == zapcore.StringType && strings.Contains(f.String, text) {
				tb.Errorf("text %q leaked into field %q", text, f.Key)
			}
		}
	}
}

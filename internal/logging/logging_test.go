package logging

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewFiltersBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, LevelWarn)

	log.Log(LogEntry{Level: LevelInfo, Message: "should be dropped"})
	assert.Zero(t, buf.Len(), "info entry should be filtered out")

	log.Log(LogEntry{Level: LevelError, Message: "should appear"})
	assert.Contains(t, buf.String(), "should appear")
}

func TestWithCategoryFillsDefault(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, LevelDebug).WithCategory("timer")

	log.Log(LogEntry{Level: LevelInfo, Message: "tick"})
	assert.Contains(t, buf.String(), `"category":"timer"`)
}

func TestLogEntryCarriesError(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, LevelDebug)

	log.Log(LogEntry{Level: LevelError, Message: "accept failed", Err: errors.New("emfile")})
	assert.Contains(t, buf.String(), "emfile")
}

func TestIsEnabled(t *testing.T) {
	log := New(nil, LevelWarn)
	assert.False(t, log.IsEnabled(LevelDebug), "debug should be disabled at warn level")
	assert.True(t, log.IsEnabled(LevelError), "error should be enabled at warn level")
}

func TestNoOp(t *testing.T) {
	log := NoOp()
	// Must not panic, and must report every level disabled.
	log.Log(LogEntry{Level: LevelError, Message: "ignored"})
	assert.False(t, log.IsEnabled(LevelDebug))
	assert.Equal(t, log, log.WithCategory("x"))
}

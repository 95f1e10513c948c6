package logx

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureOutput(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	SetOutput(&buf)
	t.Cleanup(func() { SetOutput(nil) })
	return &buf
}

func TestLoggerFormatsComponentAndLevel(t *testing.T) {
	buf := captureOutput(t)
	NewLogger("analyst").Info("phase %d done", 1)

	line := buf.String()
	assert.Contains(t, line, "[analyst] INFO: phase 1 done")
	assert.True(t, strings.HasPrefix(line, "["))
}

func TestSessionIDTagsContextLines(t *testing.T) {
	buf := captureOutput(t)
	ctx := WithSessionID(context.Background(), "s-42")
	NewLogger("graph").WarnCtx(ctx, "slow node")

	assert.Contains(t, buf.String(), "[graph/s-42] WARN: slow node")
	assert.Equal(t, "s-42", SessionIDFrom(ctx))
	assert.Empty(t, SessionIDFrom(context.Background()))
}

func TestDebugDomainFiltering(t *testing.T) {
	buf := captureOutput(t)
	SetDebugConfig(true)
	SetDebugDomains([]string{"questionnaire"})
	t.Cleanup(func() {
		SetDebugConfig(false)
		SetDebugDomains(nil)
	})

	Debug(context.Background(), "analyst", "hidden")
	Debug(context.Background(), "questionnaire", "visible")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "[questionnaire] visible")
	assert.True(t, IsDebugEnabledForDomain("questionnaire"))
	assert.False(t, IsDebugEnabledForDomain("analyst"))
}

func TestDebugDisabledByDefault(t *testing.T) {
	buf := captureOutput(t)
	SetDebugConfig(false)
	NewLogger("x").Debug("nope")
	assert.Empty(t, buf.String())
}

func TestLogLinesAreSanitized(t *testing.T) {
	buf := captureOutput(t)
	NewLogger("llm").Error("call failed api_key=abcdef123456 for user a@b.com")

	assert.NotContains(t, buf.String(), "abcdef123456")
	assert.NotContains(t, buf.String(), "a@b.com")
}

func TestRecentEntriesBuffer(t *testing.T) {
	captureOutput(t)
	since := time.Now().UTC().Add(-time.Second)
	NewLogger("buffer-test").Info("kept")

	entries := GetRecentLogEntries("", since)
	require.NotEmpty(t, entries)
	last := entries[len(entries)-1]
	assert.Equal(t, "buffer-test", last.Component)
	assert.Equal(t, "kept", last.Message)
}

func TestBufferIsBounded(t *testing.T) {
	b := &InMemoryLogBuffer{maxSize: 3}
	for i := 0; i < 5; i++ {
		b.AddLogEntry(&LogEntry{Message: string(rune('a' + i))})
	}
	entries := b.GetLogEntries("", time.Time{})
	require.Len(t, entries, 3)
	assert.Equal(t, "c", entries[0].Message)
}

func TestWrapAndErrorf(t *testing.T) {
	captureOutput(t)
	base := errors.New("disk full")

	err := Wrap(base, "write checkpoint")
	require.Error(t, err)
	assert.ErrorIs(t, err, base)
	assert.Equal(t, "write checkpoint: disk full", err.Error())
	assert.NoError(t, Wrap(nil, "ignored"))

	err = Errorf("open %s: %w", "store", base)
	assert.ErrorIs(t, err, base)
}

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

func TestLogFormat(t *testing.T) {
	buf := captureOutput(t)

	NewLogger("router").Info("Delivered %s", "m-1")

	out := buf.String()
	assert.Contains(t, out, "[router]")
	assert.Contains(t, out, "INFO: Delivered m-1")
	assert.Contains(t, out, "Z]")
}

func TestLogLevels(t *testing.T) {
	buf := captureOutput(t)
	SetDebug(true)
	t.Cleanup(func() { SetDebug(false) })

	logger := NewLogger("worker-a")
	tests := []struct {
		logFunc  func(string, ...any)
		expected string
	}{
		{logger.Debug, "DEBUG"},
		{logger.Info, "INFO"},
		{logger.Warn, "WARN"},
		{logger.Error, "ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			buf.Reset()
			tt.logFunc("level check")
			assert.Contains(t, buf.String(), tt.expected+": level check")
		})
	}
}

func TestDebugDisabledByDefault(t *testing.T) {
	buf := captureOutput(t)
	SetDebug(false)

	NewLogger("memory").Debug("hidden")
	Debug(context.Background(), "memory", "hidden too")

	assert.Empty(t, buf.String())
}

func TestDebugDomainFiltering(t *testing.T) {
	buf := captureOutput(t)
	SetDebug(true, "router")
	t.Cleanup(func() { SetDebug(false) })

	ctx := WithWorkerID(context.Background(), "worker-b")
	Debug(ctx, "router", "routing %d", 1)
	Debug(ctx, "memory", "search")

	out := buf.String()
	assert.Contains(t, out, "[worker-b] DEBUG: [router] routing 1")
	assert.NotContains(t, out, "search")
	assert.True(t, IsDebugEnabledForDomain("router"))
	assert.False(t, IsDebugEnabledForDomain("memory"))
}

func TestWorkerIDFrom(t *testing.T) {
	assert.Equal(t, "unknown", WorkerIDFrom(context.Background()))
	assert.Equal(t, "w1", WorkerIDFrom(WithWorkerID(context.Background(), "w1")))
}

func TestRecentEntries(t *testing.T) {
	captureOutput(t)
	start := time.Now().Add(-time.Second)

	NewLogger("conversation-test").Warn("closed conversation c-1")

	entries := RecentEntries("conversation-test", start)
	require.NotEmpty(t, entries)
	last := entries[len(entries)-1]
	assert.Equal(t, "WARN", last.Level)
	assert.True(t, strings.HasSuffix(last.Message, "c-1"))
}

func TestRingBufferBounded(t *testing.T) {
	b := &ringBuffer{maxSize: 3}
	for i := 0; i < 5; i++ {
		b.add(Entry{Component: "x", Message: string(rune('a' + i))})
	}
	got := b.since("", time.Time{})
	require.Len(t, got, 3)
	assert.Equal(t, "c", got[0].Message)
	assert.Equal(t, "e", got[2].Message)
}

func TestWrap(t *testing.T) {
	captureOutput(t)
	assert.NoError(t, Wrap(nil, "noop"))

	base := errors.New("disk full")
	err := Wrap(base, "open database")
	require.Error(t, err)
	assert.ErrorIs(t, err, base)
	assert.Equal(t, "open database: disk full", err.Error())
}

package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogger_WritesServiceAndTraceID(t *testing.T) {
	var buf bytes.Buffer
	traceID := func(context.Context) string { return "abc123" }

	log := New(&buf, LevelInfo, "scan-console", traceID)
	log.With("component", "tracker").Info(context.Background(), "refreshed", "scan_id", "s1")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "refreshed", rec["msg"])
	assert.Equal(t, "scan-console", rec["service"])
	assert.Equal(t, "tracker", rec["component"])
	assert.Equal(t, "s1", rec["scan_id"])
	assert.Equal(t, "abc123", rec["trace_id"])
}

func TestLogger_BelowMinLevelIsDropped(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, LevelWarn, "svc", nil)

	log.Info(context.Background(), "ignored")
	log.Debug(context.Background(), "ignored")

	assert.Zero(t, buf.Len())
}

func TestLogger_ErrorEventFires(t *testing.T) {
	var buf bytes.Buffer
	var got Record
	events := Events{Error: func(_ context.Context, r Record) { got = r }}

	log := NewWithMetadata(&buf, LevelDebug, "svc", nil, events, map[string]string{"pod": "p-1", "namespace": ""})
	log.Error(context.Background(), "boom", "error", "bad")

	assert.Equal(t, "boom", got.Message)
	assert.Equal(t, LevelError, got.Level)
	assert.Equal(t, "bad", got.Attributes["error"])

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "p-1", rec["pod"])
	_, hasNamespace := rec["namespace"]
	assert.False(t, hasNamespace, "empty metadata values are skipped")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelDebug, ParseLevel("debug"))
	assert.Equal(t, LevelError, ParseLevel("ERROR"))
	assert.Equal(t, LevelInfo, ParseLevel("nonsense"))
}

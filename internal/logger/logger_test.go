package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitWriterJSON(t *testing.T) {
	var buf bytes.Buffer
	InitWriter(&buf, "debug", "json")
	t.Cleanup(func() { InitWriter(&bytes.Buffer{}, "info", "text") })

	assert.True(t, L.Enabled(context.Background(), slog.LevelDebug))
	Info("test info message", "key", "value")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "test info message", record["msg"])
	assert.Equal(t, "value", record["key"])
}

func TestContextLogger(t *testing.T) {
	var buf bytes.Buffer
	custom := New(&buf, "info", "text").With("request_id", "12345")

	ctx := WithContext(context.Background(), custom)
	FromContext(ctx).Info("scoped")

	assert.Contains(t, buf.String(), "request_id=12345")
	assert.Same(t, L, FromContext(context.Background()))
}

func TestDiscardDropsErrors(t *testing.T) {
	assert.False(t, Discard().Enabled(context.Background(), slog.LevelError))
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"Warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"unknown", slog.LevelInfo},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, parseLevel(tt.input), "parseLevel(%q)", tt.input)
	}
}

package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tillsync/internal/config"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestNew_TextToStderr(t *testing.T) {
	var buf bytes.Buffer
	logger, closer, err := New(config.LogConfig{Level: "info"}, &buf, false)
	require.NoError(t, err)
	defer closer.Close()

	logger.Debug("hidden")
	logger.Info("sync cycle finished", "pulled", 3)
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "msg=\"sync cycle finished\"")
	assert.Contains(t, buf.String(), "pulled=3")
}

func TestNew_VerboseForcesDebug(t *testing.T) {
	var buf bytes.Buffer
	logger, _, err := New(config.LogConfig{Level: "error"}, &buf, true)
	require.NoError(t, err)

	logger.Debug("pulled changes")
	assert.Contains(t, buf.String(), "pulled changes")
}

func TestNew_JSONToRotatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tillsync.log")
	var stderr bytes.Buffer
	logger, closer, err := New(config.LogConfig{File: path, Level: "info", MaxSizeMB: 1}, &stderr, false)
	require.NoError(t, err)

	logger.Info("operation rejected", "id", "op-1")
	require.NoError(t, closer.Close())
	assert.Empty(t, stderr.String())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var rec map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(data), &rec))
	assert.Equal(t, "operation rejected", rec["msg"])
	assert.Equal(t, "op-1", rec["id"])
}

func TestNew_BadLevel(t *testing.T) {
	_, _, err := New(config.LogConfig{Level: "loud"}, &bytes.Buffer{}, false)
	assert.Error(t, err)
}

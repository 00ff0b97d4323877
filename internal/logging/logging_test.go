package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"":        slog.LevelInfo,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
	}
	for in, want := range tests {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	log, err := New(Config{Level: "warn", JSON: true, Writer: &buf})
	require.NoError(t, err)

	log.Info("dropped")
	log.Warn("review saved", "review_id", 12)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "review saved", entry["msg"])
	assert.Equal(t, "p4review", entry["service"])
	assert.EqualValues(t, 12, entry["review_id"])
}

func TestNewText(t *testing.T) {
	var buf bytes.Buffer
	log, err := New(Config{Level: "debug", Writer: &buf})
	require.NoError(t, err)
	log.Debug("shelved", "change", 3)
	assert.Contains(t, buf.String(), "change=3")

	_, err = New(Config{Level: "nope"})
	assert.Error(t, err)
}

package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigure_JSONFields(t *testing.T) {
	var buf bytes.Buffer
	Configure(Options{Level: "debug", Format: "json", Output: &buf})
	t.Cleanup(func() { Init("info") })

	Info("node ready", "id", "vpc", "attempts", 2)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "node ready", entry["message"])
	assert.Equal(t, "vpc", entry["id"])
	assert.Equal(t, float64(2), entry["attempts"])
}

func TestConfigure_LevelFilters(t *testing.T) {
	var buf bytes.Buffer
	Configure(Options{Level: "warn", Format: "json", Output: &buf})
	t.Cleanup(func() { Init("info") })

	Debug("hidden")
	Info("hidden")
	assert.Empty(t, buf.String())

	Warn("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestWith_AddsComponent(t *testing.T) {
	var buf bytes.Buffer
	Configure(Options{Level: "info", Format: "json", Output: &buf})
	t.Cleanup(func() { Init("info") })

	l := With("engine")
	l.Info().Msg("hello")
	assert.Contains(t, buf.String(), `"component":"engine"`)
}

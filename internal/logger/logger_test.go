package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.InfoLevel, ParseLevel(""))
	assert.Equal(t, zerolog.DebugLevel, ParseLevel("DEBUG"))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel("loud"))
}

func TestNewWritesJSONWithIdentity(t *testing.T) {
	var buf bytes.Buffer
	log := New(Options{Level: "debug", Format: "json", ServiceName: "turnflow", Environment: "test", Output: &buf})

	log.Debug().Str("chat_id", "c1").Msg("hello")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "turnflow", line["service"])
	assert.Equal(t, "test", line["environment"])
	assert.Equal(t, "c1", line["chat_id"])
	assert.Equal(t, "hello", line["message"])
}

func TestLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	log := New(Options{Level: "warn", Format: "json", Output: &buf})

	log.Info().Msg("dropped")
	assert.Zero(t, buf.Len())
}

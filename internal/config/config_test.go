package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "badger", cfg.Store.Backend)
	assert.Equal(t, 3, cfg.Workflow.ChunkMaxRetries)
	assert.Equal(t, 2, cfg.Workflow.ConsolidateMaxRetries)
	assert.Equal(t, time.Second, cfg.Workflow.RetryBaseDelay)
	assert.Equal(t, 3, cfg.Workflow.StatusMaxAttempts)
	assert.Equal(t, 30*time.Second, cfg.Recovery.Interval)
	assert.Nil(t, cfg.AI.Temperature)
}

func TestLoadPortForms(t *testing.T) {
	cases := map[string]string{
		"9000":           ":9000",
		":9001":          ":9001",
		"127.0.0.1:9002": "127.0.0.1:9002",
	}
	for in, want := range cases {
		t.Run(in, func(t *testing.T) {
			t.Setenv("PORT", in)
			cfg, err := Load()
			require.NoError(t, err)
			assert.Equal(t, want, cfg.Server.Addr)
		})
	}

	t.Setenv("PORT", "80 80")
	_, err := Load()
	assert.Error(t, err)
}

func TestLoadSamplingOptions(t *testing.T) {
	t.Setenv("ARK_TEMPERATURE", "0.7")
	t.Setenv("ARK_MAX_TOKENS", "512")

	cfg, err := Load()
	require.NoError(t, err)
	require.NotNil(t, cfg.AI.Temperature)
	assert.InDelta(t, 0.7, *cfg.AI.Temperature, 1e-9)
	require.NotNil(t, cfg.AI.MaxTokens)
	assert.Equal(t, 512, *cfg.AI.MaxTokens)

	t.Setenv("ARK_TOP_P", "high")
	_, err = Load()
	assert.Error(t, err)
}

func TestLoadValidatesStoreBackend(t *testing.T) {
	t.Setenv("STORE_BACKEND", "couch")
	_, err := Load()
	assert.Error(t, err, "couch needs a URL")

	t.Setenv("COUCH_URL", "http://localhost:5984")
	_, err = Load()
	assert.NoError(t, err)

	t.Setenv("STORE_BACKEND", "sqlite")
	_, err = Load()
	assert.Error(t, err)
}

func TestLegacyModelVariable(t *testing.T) {
	t.Setenv("Model", "doubao-pro")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "doubao-pro", cfg.AI.Model)
	assert.False(t, cfg.AI.ArkEnabled())

	t.Setenv("ARK_API_KEY", "k")
	cfg, err = Load()
	require.NoError(t, err)
	assert.True(t, cfg.AI.ArkEnabled())
}

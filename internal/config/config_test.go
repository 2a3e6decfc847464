package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "claude-haiku-4-5-20251001", cfg.Anthropic.HaikuModel)
	assert.Equal(t, "claude-sonnet-4-5-20250929", cfg.Anthropic.SonnetModel)
	assert.Equal(t, 10, cfg.Pipeline.ExtractBatchSize)
	assert.Equal(t, 500, cfg.Pipeline.ExtractMaxLimit)
	assert.Equal(t, 20, cfg.Pipeline.DefaultLimit)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("RADAR_SERVER_PORT", "9191")
	t.Setenv("RADAR_LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9191, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadAnthropicKeyFallback(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-test-123")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "sk-test-123", cfg.Anthropic.Key)
}

func TestWriteDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, WriteDefault(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "extract_batch_size: 10")
	assert.Contains(t, string(data), "haiku_model: claude-haiku-4-5-20251001")
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	assert.NoError(t, err)
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	assert.NoError(t, err)
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}

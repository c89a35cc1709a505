package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, validate.Struct(cfg))

	assert.Equal(t, 10, cfg.Engine.ChunkSize)
	assert.Equal(t, 5, cfg.Engine.PoolSize)
	assert.Equal(t, 24*time.Hour, cfg.Engine.InterruptTTL)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
server:
  addr: ":9000"
engine:
  chunk_size: 1
  pool_size: 2
llm:
  endpoint: "http://model-gateway:8080/v1"
  slow_models: ["deepseek-r1", "o1"]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, 1, cfg.Engine.ChunkSize)
	assert.Equal(t, 2, cfg.Engine.PoolSize)
	assert.Equal(t, []string{"deepseek-r1", "o1"}, cfg.LLM.SlowModels)
	// Untouched sections keep defaults.
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
}

func TestLoadRejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("engine:\n  chunk_size: 0\n"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("EVALFORGE_REDIS_ADDR", "redis.internal:6380")
	t.Setenv("EVALFORGE_LLM_API_KEY", "sk-test")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "redis.internal:6380", cfg.Redis.Addr)
	assert.Equal(t, "sk-test", cfg.LLM.APIKey)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	assert.Error(t, err)
}

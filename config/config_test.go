package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	require.Equal(t, ":8000", cfg.Addr)
	require.Equal(t, "sqlite", cfg.CheckpointStore)
	require.Equal(t, "llama3.1:8b", cfg.Model.Name)
	require.NotEmpty(t, cfg.Model.BaseURL)
}

func TestLoadYAMLWithEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
addr: ":9000"
checkpoint_store: redis
model:
  name: gpt-4o-mini
knowledge:
  - id: pricing
    title: Planos
    content: O plano custa R$ 49,90.
`), 0o600))

	t.Setenv("MULTICHAT_ADDR", ":9999")
	t.Setenv("MULTICHAT_MODEL_BASE_URL", "http://example:8080/v1")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":9999", cfg.Addr)
	require.Equal(t, "redis", cfg.CheckpointStore)
	require.Equal(t, "gpt-4o-mini", cfg.Model.Name)
	require.Equal(t, "http://example:8080/v1", cfg.Model.BaseURL)
	require.Len(t, cfg.Knowledge, 1)
	require.Equal(t, "pricing", cfg.Knowledge[0].ID)
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestLoadNoFileUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, Default().Addr, cfg.Addr)
}

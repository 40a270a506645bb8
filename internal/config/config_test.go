package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "absent.yaml"))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Orchestration.MaxIterations)
	assert.Equal(t, 3, cfg.Orchestration.Parallelism)
	assert.Equal(t, "fathom-research", cfg.Temporal.TaskQueue)
}

func TestLoadReadsFileAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fathom.yaml")
	content := []byte(`
orchestration:
  max_iterations: 4
  parallelism: 6
provider:
  url: http://file-provider:9000
metrics:
  port: 9999
`)
	require.NoError(t, os.WriteFile(path, content, 0o644))

	t.Setenv("CONFIG_PATH", path)
	t.Setenv("PROVIDER_URL", "http://env-provider:9000")
	t.Setenv("METRICS_PORT", "3001")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Orchestration.MaxIterations)
	assert.Equal(t, 6, cfg.Orchestration.Parallelism)
	// env beats file
	assert.Equal(t, "http://env-provider:9000", cfg.Provider.URL)
	assert.Equal(t, 3001, cfg.Metrics.Port)
	// untouched sections keep defaults
	assert.Equal(t, 3, cfg.Orchestration.MaxPagesPerTask)
}

func TestWriteDefaultRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fathom.yaml")
	require.NoError(t, WriteDefault(path))

	t.Setenv("CONFIG_PATH", path)
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, Default().Orchestration, cfg.Orchestration)
	assert.Equal(t, Default().Temporal.TaskQueue, cfg.Temporal.TaskQueue)
}

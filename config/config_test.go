package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.ServerPort)
	assert.Equal(t, 5*time.Second, cfg.TickInterval)
	assert.Equal(t, 3, cfg.ClaimBatch)
	assert.Equal(t, 3, cfg.RetryCeiling)
	assert.Equal(t, 300000, cfg.DefaultTimeoutMs)
	assert.Equal(t, 15*time.Second, cfg.WatchdogGrace)
	assert.Equal(t, 10, cfg.MonthlyTestCap)
	assert.Equal(t, 10*time.Second, cfg.LogPollInterval)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("RETRY_CEILING", "5")
	t.Setenv("SCHEDULER_TICK", "500ms")
	t.Setenv("MONTHLY_TEST_CAP", "25")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.RetryCeiling)
	assert.Equal(t, 500*time.Millisecond, cfg.TickInterval)
	assert.Equal(t, 25, cfg.MonthlyTestCap)
}

func TestLoadYAMLOverlayWinsOverEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "worker.yaml")
	require.NoError(t, os.WriteFile(path, []byte("claim_batch: 8\nworker_id: worker-7\n"), 0o644))

	t.Setenv("CLAIM_BATCH", "2")
	t.Setenv("CONFIG_FILE", path)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.ClaimBatch)
	assert.Equal(t, "worker-7", cfg.WorkerID)
	// Untouched keys keep their env/default values
	assert.Equal(t, 3, cfg.RetryCeiling)
}

func TestLoadMissingOverlayFile(t *testing.T) {
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "absent.yaml"))

	_, err := Load()
	assert.Error(t, err)
}

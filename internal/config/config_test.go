package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	assert.Equal(t, 1, cfg.WorkerProcesses)
	assert.Equal(t, 1024, cfg.WorkerConnections)
	assert.Equal(t, 5*time.Second, cfg.Resolver.Timeout)
}

func TestValidateRejectsMissingListeners(t *testing.T) {
	cfg := Defaults()
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsZeroWorkers(t *testing.T) {
	cfg := Defaults()
	cfg.Listeners = []Listener{{Address: "127.0.0.1:8080"}}
	cfg.WorkerProcesses = 0
	require.Error(t, cfg.Validate())
}

func TestLoadFromYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ngxd.yaml")
	const doc = `
worker_processes: 4
listeners:
  - address: "0.0.0.0:8080"
    backlog: 511
    reuse_port: true
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	cfg, err := Load(path, nil)
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.WorkerProcesses)
	require.Len(t, cfg.Listeners, 1)
	assert.Equal(t, "0.0.0.0:8080", cfg.Listeners[0].Address)
	assert.True(t, cfg.Listeners[0].ReusePort)
	// Unset fields should still fall back to Defaults().
	assert.Equal(t, 300*time.Second, cfg.Resolver.CacheValid)
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	// No listeners configured, so Validate should still reject it, but
	// the missing file itself must not be a hard error.
	require.Error(t, err)
	assert.NotEmpty(t, err.Error())
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, int64(10<<20), cfg.Blob.MaxUploadBytes)
	assert.Equal(t, "proxy", cfg.Blob.Access)
	assert.Equal(t, "records/", cfg.Blob.Prefix)
	assert.Equal(t, time.Hour, cfg.Sweeper.Interval)
	assert.Equal(t, 1, cfg.WorkerPool.Size)
	assert.Contains(t, cfg.Blob.AllowedTypes, "image/png")
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	err := os.WriteFile(path, []byte(`
server:
  port: 8080
database:
  snapshot_path: /tmp/snap.db
blob:
  max_upload_bytes: 1024
  access: signed
sweeper:
  enabled: true
  interval_seconds: 30
machines:
  LX4: 60
`), 0o644)
	require.NoError(t, err)

	dataDir := t.TempDir()
	t.Setenv("PORT", "9090")
	t.Setenv("DATA_DIR", dataDir)
	t.Setenv("UPLOADS_DIR", "/srv/uploads")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port, "env overrides file")
	assert.Equal(t, filepath.Join(dataDir, "calibration.db"), cfg.Database.Path)
	assert.Equal(t, "/srv/uploads", cfg.Blob.Dir)
	assert.Equal(t, "/tmp/snap.db", cfg.Database.SnapshotPath)
	assert.Equal(t, int64(1024), cfg.Blob.MaxUploadBytes)
	assert.Equal(t, "signed", cfg.Blob.Access)
	assert.True(t, cfg.Sweeper.Enabled)
	assert.Equal(t, 30*time.Second, cfg.Sweeper.Interval)
	assert.Equal(t, map[string]float64{"LX4": 60}, cfg.Machines)
}

func TestLoad_InvalidPortFallsBack(t *testing.T) {
	t.Setenv("PORT", "99999")
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Server.Port)
}

func TestLoad_BadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [unclosed"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTemp(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "haguard.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoad_AppliesDefaultsAndValidates(t *testing.T) {
	path := writeTemp(t, `
cluster_name: pg0
loop_wait: 5s
ttl: 30s
dcs:
  endpoints: "127.0.0.1:2379"
postgresql:
  name: node1
  data_dir: /var/lib/haguard/data
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/haguard", cfg.DCS.Namespace)
	assert.Equal(t, "127.0.0.1:8008", cfg.RestAPI.ListenAddress)
	assert.Equal(t, int64(-1), cfg.MaximumLagOnFailover)
}

func TestLoad_RejectsUnknownKeys(t *testing.T) {
	path := writeTemp(t, `
cluster_name: pg0
totally_unknown_option: true
dcs:
  endpoints: "127.0.0.1:2379"
postgresql:
  name: node1
  data_dir: /var/lib/haguard/data
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoad_RejectsMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/haguard.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "/nonexistent/path/haguard.yaml")
}

func TestValidate_RejectsTooShortTTL(t *testing.T) {
	path := writeTemp(t, `
cluster_name: pg0
loop_wait: 10s
ttl: 15s
dcs:
  endpoints: "127.0.0.1:2379"
postgresql:
  name: node1
  data_dir: /var/lib/haguard/data
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "loop_wait")
}

func TestStoreThenLoad_RoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "roundtrip.yaml")

	cfg := &Config{
		ClusterName: "pg0",
		LoopWait:    10 * 1e9,
		TTL:         30 * 1e9,
	}
	cfg.DCS.Endpoints = "127.0.0.1:2379"
	cfg.Postgresql.Name = "node1"
	cfg.Postgresql.DataDir = "/var/lib/haguard/data"

	require.NoError(t, Store(path, cfg))
	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.ClusterName, loaded.ClusterName)
	assert.Equal(t, cfg.Postgresql.Name, loaded.Postgresql.Name)
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestDefaultConfigIsValid tests that the defaults pass validation.
func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 1000, cfg.Index.ChunkSize)
	assert.Equal(t, 1e-14, cfg.Index.Tolerance)
	assert.Equal(t, []string{"alternate", "primary"}, cfg.Index.Order)
	assert.True(t, cfg.Index.ContinueOnError)
}

// TestValidate tests rejection of invalid settings.
func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty path", func(c *Config) { c.GeoPackage = "" }},
		{"zero chunk", func(c *Config) { c.Index.ChunkSize = 0 }},
		{"negative tolerance", func(c *Config) { c.Index.Tolerance = -1 }},
		{"bad order", func(c *Config) { c.Index.Order = []string{"primary", "quadtree"} }},
		{"none in order", func(c *Config) { c.Index.Order = []string{"none"} }},
		{"bad preferred", func(c *Config) { c.Index.Preferred = "btree" }},
		{"bad policy kind", func(c *Config) { c.Policy.Kinds = []string{"manual"} }},
		{"negative scan threshold", func(c *Config) { c.Policy.ScanThreshold = -1 }},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

// TestLoadFromFile tests YAML and JSON parsing over the defaults.
func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()

	yamlPath := filepath.Join(dir, "cfg.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte(`
geopackage: /tmp/x.gpkg
index:
  chunk_size: 250
  order: [primary]
policy:
  enabled: true
  check_interval: 30s
`), 0644))
	cfg, err := LoadFromFile(yamlPath)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/x.gpkg", cfg.GeoPackage)
	assert.Equal(t, 250, cfg.Index.ChunkSize)
	assert.Equal(t, []string{"primary"}, cfg.Index.Order)
	assert.True(t, cfg.Policy.Enabled)
	assert.Equal(t, 30*time.Second, cfg.Policy.CheckInterval)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)

	jsonPath := filepath.Join(dir, "cfg.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`{"read_only": true, "log": {"level": "debug"}}`), 0644))
	cfg, err = LoadFromFile(jsonPath)
	require.NoError(t, err)
	assert.True(t, cfg.ReadOnly)
	assert.Equal(t, "debug", cfg.Log.Level)

	_, err = LoadFromFile(filepath.Join(dir, "cfg.toml"))
	assert.Error(t, err)
}

// TestLoadFromEnv tests the FEATUREINDEX_ overrides.
func TestLoadFromEnv(t *testing.T) {
	t.Setenv("FEATUREINDEX_GEOPACKAGE", "/data/a.gpkg")
	t.Setenv("FEATUREINDEX_INDEX_CHUNK_SIZE", "50")
	t.Setenv("FEATUREINDEX_INDEX_TOLERANCE", "0.001")
	t.Setenv("FEATUREINDEX_INDEX_ORDER", "primary, alternate")
	t.Setenv("FEATUREINDEX_INDEX_CONTINUE_ON_ERROR", "false")
	t.Setenv("FEATUREINDEX_POLICY_CHECK_INTERVAL", "1m")
	t.Setenv("FEATUREINDEX_POLICY_SCAN_THRESHOLD", "3")

	cfg := DefaultConfig()
	LoadFromEnv(cfg)
	assert.Equal(t, "/data/a.gpkg", cfg.GeoPackage)
	assert.Equal(t, 50, cfg.Index.ChunkSize)
	assert.Equal(t, 0.001, cfg.Index.Tolerance)
	assert.Equal(t, []string{"primary", "alternate"}, cfg.Index.Order)
	assert.False(t, cfg.Index.ContinueOnError)
	assert.Equal(t, time.Minute, cfg.Policy.CheckInterval)
	assert.Equal(t, 3, cfg.Policy.ScanThreshold)
}

// TestLoadDotEnv tests that .env files feed LoadFromEnv.
func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envPath, []byte("FEATUREINDEX_LOG_LEVEL=warn\n"), 0644))
	t.Cleanup(func() { os.Unsetenv("FEATUREINDEX_LOG_LEVEL") })

	require.NoError(t, LoadDotEnv(filepath.Join(dir, "missing.env"), envPath))
	cfg := DefaultConfig()
	LoadFromEnv(cfg)
	assert.Equal(t, "warn", cfg.Log.Level)
}

// TestResolve tests that empty fields receive defaults.
func TestResolve(t *testing.T) {
	cfg := &Config{}
	cfg.Resolve()
	assert.Equal(t, "./data/features.gpkg", cfg.GeoPackage)
	assert.Equal(t, "none", cfg.Index.Preferred)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Equal(t, 5*time.Minute, cfg.Policy.CheckInterval)
	assert.Equal(t, time.Hour, cfg.Policy.StatsWindow)
}

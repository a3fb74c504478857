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
	t.Setenv("CURATOR_CONFIG_FILE", "")
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Ingest.BatchSize)
	assert.Equal(t, 5*time.Second, cfg.Ingest.FlushInterval)
	assert.Equal(t, 4, cfg.Ingest.MaxConcurrentBatches)
	assert.Equal(t, 0.85, cfg.Extraction.SimilarityThreshold)
	assert.Equal(t, 5, cfg.Extraction.SimilarityLimit)
	assert.Equal(t, 0.3, cfg.Validation.MinConfidence)
	assert.Equal(t, 2*time.Minute, cfg.Extraction.Timeout)
}

func TestLoadYAMLThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "curator.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
ingest:
  batch_size: 8
  flush_interval: 2s
validation:
  allowed_predicates: [HAS_PRICE, LOCATED_IN]
conflict:
  multi_valued_predicates: [KNOWS]
`), 0o600))

	t.Setenv("CURATOR_CONFIG_FILE", path)
	t.Setenv("CURATOR_BATCH_SIZE", "10")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.Ingest.BatchSize, "env wins over file")
	assert.Equal(t, 2*time.Second, cfg.Ingest.FlushInterval)
	assert.Equal(t, []string{"HAS_PRICE", "LOCATED_IN"}, cfg.Validation.AllowedPredicates)
	assert.Equal(t, []string{"KNOWS"}, cfg.Conflict.MultiValuedPredicates)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero batch", func(c *Config) { c.Ingest.BatchSize = 0 }},
		{"zero interval", func(c *Config) { c.Ingest.FlushInterval = 0 }},
		{"threshold above one", func(c *Config) { c.Extraction.SimilarityThreshold = 1.5 }},
		{"unknown backend", func(c *Config) { c.Checkpoint.Backend = "floppy" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

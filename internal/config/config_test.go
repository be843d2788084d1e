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
	require.NoError(t, Default().Validate())
}

func TestLoadWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Storage.Engine)
	assert.Equal(t, 0.6, cfg.Retrieval.SimilarityWeight)
	assert.Equal(t, time.Hour, cfg.Consolidation.Interval.Std())
}

func TestLoadFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
storage:
  engine: sqlite
  path: /tmp/test.db
embedding:
  provider: ollama
  model: nomic-embed-text
  dimensions: 768
retrieval:
  similarity_weight: 0.5
  importance_weight: 0.3
  recency_weight: 0.2
consolidation:
  interval: 30m
  eviction_floor: 0.1
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/test.db", cfg.Storage.Path)
	assert.Equal(t, "ollama", cfg.Embedding.Provider)
	assert.Equal(t, 768, cfg.Embedding.Dimensions)
	assert.Equal(t, 0.5, cfg.Retrieval.SimilarityWeight)
	assert.Equal(t, 30*time.Minute, cfg.Consolidation.Interval.Std())
	assert.Equal(t, 0.1, cfg.Consolidation.EvictionFloor)
	// Untouched sections keep defaults.
	assert.Equal(t, 0.05, cfg.Retrieval.AccessBoost)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("RECALL_STORAGE_PATH", "/tmp/env.db")
	t.Setenv("RECALL_EMBEDDING_DIMENSIONS", "128")
	t.Setenv("RECALL_RECENCY_HALF_LIFE", "12h")
	t.Setenv("RECALL_EVICTION_FLOOR", "0.2")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/env.db", cfg.Storage.Path)
	assert.Equal(t, 128, cfg.Embedding.Dimensions)
	assert.Equal(t, 12*time.Hour, cfg.Retrieval.RecencyHalfLife.Std())
	assert.Equal(t, 0.2, cfg.Consolidation.EvictionFloor)
}

func TestValidateRejectsBadWeights(t *testing.T) {
	cfg := Default()
	cfg.Retrieval.SimilarityWeight = 0.9 // sum now 1.3
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Retrieval.ImportanceWeight = -0.1
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsBadEngine(t *testing.T) {
	cfg := Default()
	cfg.Storage.Engine = "mysql"
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Storage.Engine = "postgres"
	assert.Error(t, cfg.Validate(), "postgres without conn_string")
	cfg.Storage.ConnString = "postgres://localhost/recall"
	assert.NoError(t, cfg.Validate())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	assert.Error(t, err)
}

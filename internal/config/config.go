// Package config loads engine configuration from an optional YAML file with
// RECALL_-prefixed environment variable overrides.
package config

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values like "30m" or "24h" parse.
type Duration time.Duration

// UnmarshalYAML parses a Go duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// StorageConfig selects and tunes the persistence backend.
type StorageConfig struct {
	// Engine is "sqlite" or "postgres".
	Engine string `yaml:"engine"`

	// Path is the SQLite database file (":memory:" for ephemeral stores).
	Path string `yaml:"path"`

	// ConnString is the PostgreSQL connection string.
	ConnString string `yaml:"conn_string"`
}

// EmbeddingConfig selects and tunes the embedding provider.
type EmbeddingConfig struct {
	// Provider is "ollama", "openai", or "local".
	Provider   string `yaml:"provider"`
	BaseURL    string `yaml:"base_url"`
	APIKey     string `yaml:"api_key"`
	Model      string `yaml:"model"`
	Dimensions int    `yaml:"dimensions"`

	CacheSize         int      `yaml:"cache_size"`
	MaxFailures       int      `yaml:"max_failures"`
	ResetTimeout      Duration `yaml:"reset_timeout"`
	RequestsPerSecond float64  `yaml:"requests_per_second"`
}

// IndexConfig selects the in-memory vector index backend. Ignored when the
// storage engine answers similarity queries itself, as postgres does.
type IndexConfig struct {
	// Backend is "linear" or "chromem".
	Backend string `yaml:"backend"`
}

// RetrievalConfig tunes scoring and candidate selection.
type RetrievalConfig struct {
	SimilarityWeight  float64  `yaml:"similarity_weight"`
	ImportanceWeight  float64  `yaml:"importance_weight"`
	RecencyWeight     float64  `yaml:"recency_weight"`
	RecencyHalfLife   Duration `yaml:"recency_half_life"`
	OversampleFactor  int      `yaml:"oversample_factor"`
	MinimumCandidates int      `yaml:"minimum_candidates"`
	AccessBoost       float64  `yaml:"access_boost"`
}

// ConsolidationConfig tunes the background maintenance cycle.
type ConsolidationConfig struct {
	Interval                 Duration `yaml:"interval"`
	PromotionThreshold       float64  `yaml:"promotion_threshold"`
	EvictionFloor            float64  `yaml:"eviction_floor"`
	MergeSimilarityThreshold float64  `yaml:"merge_similarity_threshold"`
	WorkingIdleBound         Duration `yaml:"working_idle_bound"`
	DecayHalfLife            Duration `yaml:"decay_half_life"`
}

// Config is the full engine configuration.
type Config struct {
	Storage       StorageConfig       `yaml:"storage"`
	Index         IndexConfig         `yaml:"index"`
	Embedding     EmbeddingConfig     `yaml:"embedding"`
	Retrieval     RetrievalConfig     `yaml:"retrieval"`
	Consolidation ConsolidationConfig `yaml:"consolidation"`
}

// Default returns the configuration used when no file or environment
// overrides are present.
func Default() *Config {
	return &Config{
		Storage: StorageConfig{
			Engine: "sqlite",
			Path:   "memories.db",
		},
		Index: IndexConfig{
			Backend: "linear",
		},
		Embedding: EmbeddingConfig{
			Provider:     "local",
			Dimensions:   256,
			CacheSize:    1024,
			MaxFailures:  5,
			ResetTimeout: Duration(30 * time.Second),
		},
		Retrieval: RetrievalConfig{
			SimilarityWeight:  0.6,
			ImportanceWeight:  0.2,
			RecencyWeight:     0.2,
			RecencyHalfLife:   Duration(24 * time.Hour),
			OversampleFactor:  3,
			MinimumCandidates: 20,
			AccessBoost:       0.05,
		},
		Consolidation: ConsolidationConfig{
			Interval:                 Duration(time.Hour),
			PromotionThreshold:       0.7,
			EvictionFloor:            0.05,
			MergeSimilarityThreshold: 0.92,
			WorkingIdleBound:         Duration(24 * time.Hour),
			DecayHalfLife:            Duration(7 * 24 * time.Hour),
		},
	}
}

// Load builds the configuration: defaults, then the YAML file (if path is
// non-empty), then environment overrides, then validation.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: failed to parse %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides fields from RECALL_-prefixed environment variables.
func (c *Config) applyEnv() {
	c.Storage.Engine = getEnv("RECALL_STORAGE_ENGINE", c.Storage.Engine)
	c.Storage.Path = getEnv("RECALL_STORAGE_PATH", c.Storage.Path)
	c.Storage.ConnString = getEnv("RECALL_STORAGE_CONN_STRING", c.Storage.ConnString)

	c.Index.Backend = getEnv("RECALL_INDEX_BACKEND", c.Index.Backend)

	c.Embedding.Provider = getEnv("RECALL_EMBEDDING_PROVIDER", c.Embedding.Provider)
	c.Embedding.BaseURL = getEnv("RECALL_EMBEDDING_BASE_URL", c.Embedding.BaseURL)
	c.Embedding.APIKey = getEnv("RECALL_EMBEDDING_API_KEY", c.Embedding.APIKey)
	c.Embedding.Model = getEnv("RECALL_EMBEDDING_MODEL", c.Embedding.Model)
	c.Embedding.Dimensions = getEnvInt("RECALL_EMBEDDING_DIMENSIONS", c.Embedding.Dimensions)
	c.Embedding.CacheSize = getEnvInt("RECALL_EMBEDDING_CACHE_SIZE", c.Embedding.CacheSize)

	c.Retrieval.SimilarityWeight = getEnvFloat("RECALL_SIMILARITY_WEIGHT", c.Retrieval.SimilarityWeight)
	c.Retrieval.ImportanceWeight = getEnvFloat("RECALL_IMPORTANCE_WEIGHT", c.Retrieval.ImportanceWeight)
	c.Retrieval.RecencyWeight = getEnvFloat("RECALL_RECENCY_WEIGHT", c.Retrieval.RecencyWeight)
	c.Retrieval.RecencyHalfLife = getEnvDuration("RECALL_RECENCY_HALF_LIFE", c.Retrieval.RecencyHalfLife)
	c.Retrieval.OversampleFactor = getEnvInt("RECALL_OVERSAMPLE_FACTOR", c.Retrieval.OversampleFactor)
	c.Retrieval.MinimumCandidates = getEnvInt("RECALL_MINIMUM_CANDIDATES", c.Retrieval.MinimumCandidates)
	c.Retrieval.AccessBoost = getEnvFloat("RECALL_ACCESS_BOOST", c.Retrieval.AccessBoost)

	c.Consolidation.Interval = getEnvDuration("RECALL_CONSOLIDATION_INTERVAL", c.Consolidation.Interval)
	c.Consolidation.PromotionThreshold = getEnvFloat("RECALL_PROMOTION_THRESHOLD", c.Consolidation.PromotionThreshold)
	c.Consolidation.EvictionFloor = getEnvFloat("RECALL_EVICTION_FLOOR", c.Consolidation.EvictionFloor)
	c.Consolidation.MergeSimilarityThreshold = getEnvFloat("RECALL_MERGE_SIMILARITY_THRESHOLD", c.Consolidation.MergeSimilarityThreshold)
	c.Consolidation.WorkingIdleBound = getEnvDuration("RECALL_WORKING_IDLE_BOUND", c.Consolidation.WorkingIdleBound)
	c.Consolidation.DecayHalfLife = getEnvDuration("RECALL_DECAY_HALF_LIFE", c.Consolidation.DecayHalfLife)
}

// Validate rejects configurations that cannot produce sane engine behavior.
func (c *Config) Validate() error {
	switch c.Storage.Engine {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("config: unknown storage engine %q", c.Storage.Engine)
	}
	if c.Storage.Engine == "postgres" && c.Storage.ConnString == "" {
		return fmt.Errorf("config: postgres engine requires conn_string")
	}

	switch c.Index.Backend {
	case "linear", "chromem":
	default:
		return fmt.Errorf("config: unknown index backend %q", c.Index.Backend)
	}

	if c.Embedding.Dimensions <= 0 {
		return fmt.Errorf("config: embedding dimensions must be positive, got %d", c.Embedding.Dimensions)
	}

	r := c.Retrieval
	for name, w := range map[string]float64{
		"similarity_weight": r.SimilarityWeight,
		"importance_weight": r.ImportanceWeight,
		"recency_weight":    r.RecencyWeight,
	} {
		if w < 0 || w > 1 {
			return fmt.Errorf("config: %s must be in [0, 1], got %g", name, w)
		}
	}
	if sum := r.SimilarityWeight + r.ImportanceWeight + r.RecencyWeight; math.Abs(sum-1.0) > 1e-6 {
		return fmt.Errorf("config: scoring weights must sum to 1.0, got %g", sum)
	}
	if r.RecencyHalfLife <= 0 {
		return fmt.Errorf("config: recency_half_life must be positive")
	}
	if r.OversampleFactor < 1 {
		return fmt.Errorf("config: oversample_factor must be at least 1, got %d", r.OversampleFactor)
	}
	if r.MinimumCandidates < 1 {
		return fmt.Errorf("config: minimum_candidates must be at least 1, got %d", r.MinimumCandidates)
	}

	k := c.Consolidation
	if k.Interval <= 0 {
		return fmt.Errorf("config: consolidation interval must be positive")
	}
	if k.PromotionThreshold < 0 || k.PromotionThreshold > 1 {
		return fmt.Errorf("config: promotion_threshold must be in [0, 1], got %g", k.PromotionThreshold)
	}
	if k.EvictionFloor < 0 || k.EvictionFloor > 1 {
		return fmt.Errorf("config: eviction_floor must be in [0, 1], got %g", k.EvictionFloor)
	}
	if k.MergeSimilarityThreshold < 0 || k.MergeSimilarityThreshold > 1 {
		return fmt.Errorf("config: merge_similarity_threshold must be in [0, 1], got %g", k.MergeSimilarityThreshold)
	}
	if k.WorkingIdleBound <= 0 {
		return fmt.Errorf("config: working_idle_bound must be positive")
	}
	if k.DecayHalfLife <= 0 {
		return fmt.Errorf("config: decay_half_life must be positive")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback Duration) Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return Duration(d)
		}
	}
	return fallback
}

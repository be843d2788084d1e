// Package recall is a persistent memory subsystem for autonomous assistants.
// It stores typed records (episodic, semantic, procedural, working) with
// embedding vectors, retrieves them by a blend of similarity, importance and
// recency, and runs a background consolidation cycle that decays, merges,
// promotes and evicts records over time.
//
// Typical use:
//
//	cfg := recall.DefaultConfig()
//	cfg.Storage.Path = "memories.db"
//	eng, err := recall.New(cfg)
//	if err != nil { ... }
//	defer eng.Close()
//	eng.Start()
//
//	id, _ := eng.RecordObservation(ctx, types.TypeWorking, "user asked about Paris", meta)
//	results, _ := eng.Retrieve(ctx, "what did the user ask", 5, time.Second)
package recall

import (
	"github.com/scrypster/recall/internal/config"
	"github.com/scrypster/recall/internal/engine"
	"github.com/scrypster/recall/internal/storage"
)

// Engine is the top-level memory engine.
type Engine = engine.Engine

// ScoredMemory is a retrieval result: the record plus its similarity and
// blended rank score.
type ScoredMemory = engine.ScoredMemory

// CycleStats summarises one consolidation cycle.
type CycleStats = engine.CycleStats

// Classifier decides the long-term type for promoted working records.
type Classifier = engine.Classifier

// Config is the full engine configuration.
type Config = config.Config

// Sentinel errors returned by engine operations; test with errors.Is.
var (
	ErrNotFound          = storage.ErrNotFound
	ErrDuplicateID       = storage.ErrDuplicateID
	ErrDimensionMismatch = storage.ErrDimensionMismatch
	ErrStoreUnavailable  = storage.ErrStoreUnavailable
	ErrTimeout           = storage.ErrTimeout
	ErrInvalidInput      = storage.ErrInvalidInput
)

// DefaultConfig returns the default configuration: SQLite storage, the
// deterministic local embedder, and a linear index.
func DefaultConfig() *Config {
	return config.Default()
}

// LoadConfig builds a configuration from an optional YAML file and
// RECALL_-prefixed environment overrides.
func LoadConfig(path string) (*Config, error) {
	return config.Load(path)
}

// New builds an engine from the configuration.
func New(cfg *Config) (*Engine, error) {
	return engine.New(cfg)
}

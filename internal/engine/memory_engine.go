package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/scrypster/recall/internal/config"
	"github.com/scrypster/recall/internal/embedding"
	"github.com/scrypster/recall/internal/index"
	"github.com/scrypster/recall/internal/storage"
	"github.com/scrypster/recall/internal/storage/postgres"
	"github.com/scrypster/recall/internal/storage/sqlite"
	"github.com/scrypster/recall/pkg/types"
)

// Engine is the top-level facade over the store, index, embedder, retriever
// and consolidator. Its methods are safe for concurrent use.
type Engine struct {
	store        storage.MemoryStore
	index        index.VectorIndex
	embedder     embedding.Embedder
	retriever    *Retriever
	consolidator *Consolidator

	accessBoost float64

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// New builds an engine from configuration: it opens the store, constructs
// the embedder chain, rebuilds the vector index from persisted embeddings,
// and wires the retriever and consolidator.
func New(cfg *config.Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	embedder, err := embedding.New(embedding.Options{
		Provider:   cfg.Embedding.Provider,
		BaseURL:    cfg.Embedding.BaseURL,
		APIKey:     cfg.Embedding.APIKey,
		Model:      cfg.Embedding.Model,
		Dimensions: cfg.Embedding.Dimensions,
		CacheSize:  cfg.Embedding.CacheSize,
		Resilient: embedding.ResilientConfig{
			MaxFailures:       uint32(cfg.Embedding.MaxFailures),
			ResetTimeout:      cfg.Embedding.ResetTimeout.Std(),
			RequestsPerSecond: cfg.Embedding.RequestsPerSecond,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("engine: failed to build embedder: %w", err)
	}

	var store storage.MemoryStore
	switch cfg.Storage.Engine {
	case "postgres":
		store, err = postgres.NewMemoryStore(cfg.Storage.ConnString, embedder.Dimensions())
	default:
		store, err = sqlite.NewMemoryStore(cfg.Storage.Path, embedder.Dimensions())
	}
	if err != nil {
		return nil, fmt.Errorf("engine: failed to open store: %w", err)
	}

	idx, err := buildIndex(store, cfg.Index.Backend, embedder.Dimensions())
	if err != nil {
		store.Close()
		return nil, err
	}

	scorer := NewScorer(ScoreWeights{
		Similarity:      cfg.Retrieval.SimilarityWeight,
		Importance:      cfg.Retrieval.ImportanceWeight,
		Recency:         cfg.Retrieval.RecencyWeight,
		RecencyHalfLife: cfg.Retrieval.RecencyHalfLife.Std(),
	})

	retriever := NewRetriever(store, idx, embedder, scorer, RetrieverConfig{
		OversampleFactor:  cfg.Retrieval.OversampleFactor,
		MinimumCandidates: cfg.Retrieval.MinimumCandidates,
		AccessBoost:       cfg.Retrieval.AccessBoost,
	})

	consolidator := NewConsolidator(store, idx, nil, ConsolidatorConfig{
		Interval:                 cfg.Consolidation.Interval.Std(),
		DecayHalfLife:            cfg.Consolidation.DecayHalfLife.Std(),
		PromotionThreshold:       cfg.Consolidation.PromotionThreshold,
		EvictionFloor:            cfg.Consolidation.EvictionFloor,
		MergeSimilarityThreshold: cfg.Consolidation.MergeSimilarityThreshold,
		WorkingIdleBound:         cfg.Consolidation.WorkingIdleBound.Std(),
	})

	return &Engine{
		store:        store,
		index:        idx,
		embedder:     embedder,
		retriever:    retriever,
		consolidator: consolidator,
		accessBoost:  cfg.Retrieval.AccessBoost,
	}, nil
}

// buildIndex returns the store itself when it can answer similarity queries
// natively, otherwise an in-memory index rebuilt from persisted embeddings.
func buildIndex(store storage.MemoryStore, backend string, dimension int) (index.VectorIndex, error) {
	if native, ok := store.(index.VectorIndex); ok {
		log.Printf("engine: store answers similarity queries natively")
		return native, nil
	}

	var idx index.VectorIndex
	switch backend {
	case "chromem":
		var err error
		idx, err = index.NewChromemIndex(dimension)
		if err != nil {
			return nil, fmt.Errorf("engine: failed to build index: %w", err)
		}
	default:
		idx = index.NewLinearIndex(dimension)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	n := 0
	err := store.ForEachEmbedding(ctx, func(id string, vector []float32) error {
		n++
		return idx.Insert(ctx, id, vector)
	})
	if err != nil {
		return nil, fmt.Errorf("engine: failed to rebuild index: %w", err)
	}
	log.Printf("engine: rebuilt index with %d vectors", n)
	return idx, nil
}

// RecordObservation embeds and stores a new record, returning its id.
func (e *Engine) RecordObservation(ctx context.Context, t types.MemoryType, content string, metadata map[string]string) (string, error) {
	if !t.Valid() {
		return "", fmt.Errorf("%w: unknown memory type %q", storage.ErrInvalidInput, t)
	}
	if content == "" {
		return "", fmt.Errorf("%w: content is required", storage.ErrInvalidInput)
	}

	vector, err := e.embedder.Embed(ctx, content)
	if err != nil {
		return "", classifyDependency(ctx, fmt.Errorf("embed content: %w", err))
	}

	mem := types.NewMemory(t, content, metadata)
	if err := e.store.Put(ctx, mem, vector); err != nil {
		return "", err
	}
	if err := e.index.Insert(ctx, mem.ID, vector); err != nil {
		// The record is durable; the index diverges until the next rebuild.
		log.Printf("engine: index insert failed for %s: %v", mem.ID, err)
	}
	return mem.ID, nil
}

// Retrieve returns up to n records ranked for the query, bounded by timeout.
func (e *Engine) Retrieve(ctx context.Context, query string, n int, timeout time.Duration) ([]ScoredMemory, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return e.retriever.Retrieve(ctx, query, n)
}

// Get returns a single record by id and records the access.
func (e *Engine) Get(ctx context.Context, id string) (*types.Memory, error) {
	mem, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := e.store.RecordAccess(ctx, []string{id}, e.accessBoost); err != nil {
		log.Printf("engine: access bookkeeping failed for %s: %v", id, err)
	}
	return mem, nil
}

// Delete removes a record from the store and the index. Idempotent.
func (e *Engine) Delete(ctx context.Context, id string) error {
	if err := e.store.Delete(ctx, id); err != nil {
		return err
	}
	return e.index.Remove(ctx, id)
}

// EndSession marks a session as ended. The next consolidation cycle promotes
// or discards its working records.
func (e *Engine) EndSession(ctx context.Context, sessionID string) error {
	return e.store.MarkSessionEnded(ctx, sessionID)
}

// Consolidate runs one maintenance cycle immediately.
func (e *Engine) Consolidate(ctx context.Context) (CycleStats, error) {
	return e.consolidator.RunCycle(ctx, time.Now().UTC())
}

// Stats returns record counts per type.
func (e *Engine) Stats(ctx context.Context) (map[types.MemoryType]int, error) {
	return e.store.Count(ctx)
}

// Start launches the background consolidation loop. Calling Start twice is
// an error; Close stops the loop.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return errors.New("engine: already started")
	}

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.done = make(chan struct{})
	e.started = true

	go func() {
		defer close(e.done)
		e.consolidator.Run(ctx)
	}()
	return nil
}

// Close stops the consolidation loop, drains pending bookkeeping, and closes
// the store.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.started {
		e.cancel()
		<-e.done
		e.started = false
	}
	e.mu.Unlock()

	e.retriever.Drain()
	return e.store.Close()
}

// classifyDependency maps a dependency failure onto the error taxonomy.
func classifyDependency(ctx context.Context, err error) error {
	if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", storage.ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", storage.ErrStoreUnavailable, err)
}

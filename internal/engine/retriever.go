package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/scrypster/recall/internal/embedding"
	"github.com/scrypster/recall/internal/index"
	"github.com/scrypster/recall/internal/storage"
	"github.com/scrypster/recall/pkg/types"
)

// RetrieverConfig tunes candidate selection and access bookkeeping.
type RetrieverConfig struct {
	// OversampleFactor multiplies the requested budget for the index query,
	// so scoring has headroom to reorder beyond raw similarity.
	OversampleFactor int

	// MinimumCandidates is the floor on the index query size.
	MinimumCandidates int

	// AccessBoost is added to importance on every retrieval hit.
	AccessBoost float64

	// SyncBookkeeping makes access bookkeeping run before Retrieve returns.
	// Production leaves it false; tests set it to observe the effects.
	SyncBookkeeping bool
}

// Retriever answers similarity queries against the record corpus.
type Retriever struct {
	store    storage.MemoryStore
	index    index.VectorIndex
	embedder embedding.Embedder
	scorer   *Scorer
	cfg      RetrieverConfig

	// wg tracks in-flight async bookkeeping so Close can drain it.
	wg sync.WaitGroup
}

// NewRetriever wires a retriever over the given store, index and embedder.
func NewRetriever(store storage.MemoryStore, idx index.VectorIndex, embedder embedding.Embedder, scorer *Scorer, cfg RetrieverConfig) *Retriever {
	if cfg.OversampleFactor < 1 {
		cfg.OversampleFactor = 3
	}
	if cfg.MinimumCandidates < 1 {
		cfg.MinimumCandidates = 20
	}
	return &Retriever{
		store:    store,
		index:    idx,
		embedder: embedder,
		scorer:   scorer,
		cfg:      cfg,
	}
}

// Retrieve returns up to n records ranked by blended score. An empty result
// is not an error. The context deadline bounds the whole operation;
// exceeding it yields ErrTimeout.
func (r *Retriever) Retrieve(ctx context.Context, query string, n int) ([]ScoredMemory, error) {
	if n <= 0 {
		return []ScoredMemory{}, nil
	}

	vector, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, r.classify(ctx, fmt.Errorf("embed query: %w", err))
	}

	var candidates []ScoredMemory
	if r.index.Len() == 0 {
		// Cold index, typically right after a startup whose rebuild found
		// nothing. Fall back to recency ordering so retrieval still works.
		candidates, err = r.recencyCandidates(ctx, n)
	} else {
		candidates, err = r.similarityCandidates(ctx, vector, n)
	}
	if err != nil {
		return nil, r.classify(ctx, err)
	}

	now := time.Now().UTC()
	r.scorer.Rank(candidates, now)
	if len(candidates) > n {
		candidates = candidates[:n]
	}

	r.recordAccess(candidates)
	return candidates, nil
}

// similarityCandidates oversamples the index and loads the surviving
// records. Matches whose record has been deleted since the index was built
// are dropped silently; the next consolidation cycle reconciles the index.
func (r *Retriever) similarityCandidates(ctx context.Context, vector []float32, n int) ([]ScoredMemory, error) {
	k := n * r.cfg.OversampleFactor
	if k < r.cfg.MinimumCandidates {
		k = r.cfg.MinimumCandidates
	}

	matches, err := r.index.Query(ctx, vector, k)
	if err != nil {
		return nil, fmt.Errorf("index query: %w", err)
	}

	candidates := make([]ScoredMemory, 0, len(matches))
	for _, m := range matches {
		mem, err := r.store.Get(ctx, m.ID)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load candidate %s: %w", m.ID, err)
		}
		candidates = append(candidates, ScoredMemory{Memory: mem, Similarity: m.Similarity})
	}
	return candidates, nil
}

// recencyCandidates lists the most recently touched records of every type.
// Similarity is zero for all of them, so ranking reduces to importance and
// recency.
func (r *Retriever) recencyCandidates(ctx context.Context, n int) ([]ScoredMemory, error) {
	var candidates []ScoredMemory
	for _, t := range types.AllTypes {
		for mem, err := range r.store.ListByType(ctx, t, storage.ListOptions{Limit: n}) {
			if err != nil {
				return nil, fmt.Errorf("list %s records: %w", t, err)
			}
			candidates = append(candidates, ScoredMemory{Memory: mem})
		}
	}
	return candidates, nil
}

// recordAccess bumps access bookkeeping for the returned records. Failures
// only lose a statistics update, so they are logged and swallowed.
func (r *Retriever) recordAccess(results []ScoredMemory) {
	if len(results) == 0 {
		return
	}
	ids := make([]string, len(results))
	for i, res := range results {
		ids[i] = res.Memory.ID
	}

	update := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.store.RecordAccess(ctx, ids, r.cfg.AccessBoost); err != nil {
			log.Printf("retriever: access bookkeeping failed for %d records: %v", len(ids), err)
		}
	}

	if r.cfg.SyncBookkeeping {
		update()
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		update()
	}()
}

// Drain blocks until all in-flight bookkeeping goroutines finish.
func (r *Retriever) Drain() {
	r.wg.Wait()
}

// classify maps low-level failures onto the retrieval error taxonomy: a dead
// context is the caller's timeout, anything else means a dependency is down.
func (r *Retriever) classify(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %v", storage.ErrTimeout, err)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", storage.ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", storage.ErrStoreUnavailable, err)
}

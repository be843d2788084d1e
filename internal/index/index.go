// Package index provides approximate nearest-neighbour lookup over record
// embeddings. The index is purely geometric: it holds no business logic
// about importance or recency.
package index

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/scrypster/recall/internal/storage"
)

// Match is a candidate returned by a similarity query.
type Match struct {
	// ID is the record id.
	ID string

	// Similarity is the cosine similarity to the query vector, in [-1, 1].
	Similarity float64
}

// VectorIndex maps record ids to fixed-length vectors and answers
// k-nearest-neighbour queries by cosine similarity.
//
// Results are sorted by descending similarity with ties broken by smaller
// id, so queries are deterministic. Fewer than k matches are returned when
// the index holds fewer entries.
type VectorIndex interface {
	// Insert adds or replaces a vector. Returns ErrDimensionMismatch if the
	// vector length differs from the configured dimensionality.
	Insert(ctx context.Context, id string, vector []float32) error

	// Remove deletes a vector. No-op if the id is absent.
	Remove(ctx context.Context, id string) error

	// Query returns up to k (id, similarity) matches for the vector.
	Query(ctx context.Context, vector []float32, k int) ([]Match, error)

	// Len returns the number of indexed vectors.
	Len() int
}

// entry caches the vector together with its precomputed norm.
type entry struct {
	vector []float32
	norm   float64
}

// LinearIndex is an exact, in-memory cosine-similarity index backed by a
// linear scan. It is the baseline implementation for small corpora; larger
// deployments swap in ChromemIndex or a pgvector-backed store through the
// same interface.
type LinearIndex struct {
	dimension int

	mu      sync.RWMutex
	entries map[string]entry
}

// NewLinearIndex creates an empty index with the given dimensionality.
func NewLinearIndex(dimension int) *LinearIndex {
	return &LinearIndex{
		dimension: dimension,
		entries:   make(map[string]entry),
	}
}

// Dimension returns the configured vector dimensionality.
func (x *LinearIndex) Dimension() int {
	return x.dimension
}

// Insert adds or replaces a vector.
func (x *LinearIndex) Insert(_ context.Context, id string, vector []float32) error {
	if id == "" {
		return fmt.Errorf("%w: id is required", storage.ErrInvalidInput)
	}
	if len(vector) != x.dimension {
		return fmt.Errorf("%w: vector length %d, index dimension %d",
			storage.ErrDimensionMismatch, len(vector), x.dimension)
	}

	copied := make([]float32, len(vector))
	copy(copied, vector)

	x.mu.Lock()
	x.entries[id] = entry{vector: copied, norm: norm(copied)}
	x.mu.Unlock()
	return nil
}

// Remove deletes a vector; absent ids are a no-op.
func (x *LinearIndex) Remove(_ context.Context, id string) error {
	x.mu.Lock()
	delete(x.entries, id)
	x.mu.Unlock()
	return nil
}

// Query scans all entries and returns the k most similar.
func (x *LinearIndex) Query(_ context.Context, vector []float32, k int) ([]Match, error) {
	if len(vector) != x.dimension {
		return nil, fmt.Errorf("%w: query length %d, index dimension %d",
			storage.ErrDimensionMismatch, len(vector), x.dimension)
	}
	if k <= 0 {
		return []Match{}, nil
	}

	queryNorm := norm(vector)

	x.mu.RLock()
	matches := make([]Match, 0, len(x.entries))
	for id, e := range x.entries {
		matches = append(matches, Match{ID: id, Similarity: cosine(vector, queryNorm, e)})
	}
	x.mu.RUnlock()

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Similarity != matches[j].Similarity {
			return matches[i].Similarity > matches[j].Similarity
		}
		return matches[i].ID < matches[j].ID
	})

	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

// Len returns the number of indexed vectors.
func (x *LinearIndex) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.entries)
}

// norm returns the Euclidean norm of v.
func norm(v []float32) float64 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return math.Sqrt(sum)
}

// cosine computes cosine similarity using precomputed norms.
// Returns 0 when either vector has zero magnitude.
func cosine(query []float32, queryNorm float64, e entry) float64 {
	if queryNorm == 0 || e.norm == 0 {
		return 0
	}
	var dot float64
	for i := range query {
		dot += float64(query[i]) * float64(e.vector[i])
	}
	return dot / (queryNorm * e.norm)
}

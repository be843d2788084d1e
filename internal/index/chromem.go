package index

import (
	"context"
	"fmt"
	"sort"

	chromem "github.com/philippgille/chromem-go"

	"github.com/scrypster/recall/internal/storage"
)

// collectionName is the single chromem collection holding all record vectors.
const collectionName = "memories"

// ChromemIndex implements VectorIndex on top of chromem-go, a pure Go
// embedded vector database. It is the drop-in replacement for LinearIndex
// when the corpus outgrows an exact scan.
type ChromemIndex struct {
	dimension  int
	collection *chromem.Collection
}

// NewChromemIndex creates an in-memory chromem-backed index with the given
// dimensionality.
func NewChromemIndex(dimension int) (*ChromemIndex, error) {
	if dimension <= 0 {
		return nil, fmt.Errorf("%w: dimension must be positive, got %d", storage.ErrInvalidInput, dimension)
	}

	db := chromem.NewDB()

	// Embeddings are always provided explicitly, so no embedding function
	// is registered on the collection.
	col, err := db.CreateCollection(collectionName, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("chromem: failed to create collection: %w", err)
	}

	return &ChromemIndex{dimension: dimension, collection: col}, nil
}

// Insert adds or replaces a vector.
func (x *ChromemIndex) Insert(ctx context.Context, id string, vector []float32) error {
	if id == "" {
		return fmt.Errorf("%w: id is required", storage.ErrInvalidInput)
	}
	if len(vector) != x.dimension {
		return fmt.Errorf("%w: vector length %d, index dimension %d",
			storage.ErrDimensionMismatch, len(vector), x.dimension)
	}

	doc := chromem.Document{
		ID:        id,
		Content:   id, // chromem requires non-empty content; only the embedding matters here
		Embedding: vector,
	}
	if err := x.collection.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("chromem: failed to add document: %w", err)
	}
	return nil
}

// Remove deletes a vector; absent ids are a no-op.
func (x *ChromemIndex) Remove(ctx context.Context, id string) error {
	if err := x.collection.Delete(ctx, nil, nil, id); err != nil {
		return fmt.Errorf("chromem: failed to delete document: %w", err)
	}
	return nil
}

// Query returns up to k matches sorted by descending similarity, ties broken
// by smaller id.
func (x *ChromemIndex) Query(ctx context.Context, vector []float32, k int) ([]Match, error) {
	if len(vector) != x.dimension {
		return nil, fmt.Errorf("%w: query length %d, index dimension %d",
			storage.ErrDimensionMismatch, len(vector), x.dimension)
	}
	if k <= 0 {
		return []Match{}, nil
	}

	// chromem rejects nResults larger than the collection, so clamp first.
	count := x.collection.Count()
	if count == 0 {
		return []Match{}, nil
	}
	if k > count {
		k = count
	}

	results, err := x.collection.QueryEmbedding(ctx, vector, k, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("chromem: query failed: %w", err)
	}

	matches := make([]Match, 0, len(results))
	for _, r := range results {
		matches = append(matches, Match{ID: r.ID, Similarity: float64(r.Similarity)})
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Similarity != matches[j].Similarity {
			return matches[i].Similarity > matches[j].Similarity
		}
		return matches[i].ID < matches[j].ID
	})
	return matches, nil
}

// Len returns the number of indexed vectors.
func (x *ChromemIndex) Len() int {
	return x.collection.Count()
}

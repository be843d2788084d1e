package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log"

	lru "github.com/hashicorp/golang-lru/v2"
)

// CachedEmbedder wraps an Embedder with an LRU cache keyed by a hash of the
// input text. Retrieval and consolidation embed the same content repeatedly,
// so the cache saves most provider round-trips.
type CachedEmbedder struct {
	inner Embedder
	cache *lru.Cache[string, []float32]
}

// NewCachedEmbedder wraps inner with a cache of the given size.
func NewCachedEmbedder(inner Embedder, size int) (*CachedEmbedder, error) {
	if size <= 0 {
		size = 1024
	}
	cache, err := lru.New[string, []float32](size)
	if err != nil {
		return nil, err
	}
	return &CachedEmbedder{inner: inner, cache: cache}, nil
}

// Embed returns a cached vector when available, otherwise delegates.
func (e *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	key := cacheKey(text)
	if vec, ok := e.cache.Get(key); ok {
		return vec, nil
	}

	vec, err := e.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	e.cache.Add(key, vec)
	return vec, nil
}

// Dimensions returns the wrapped embedder's vector size.
func (e *CachedEmbedder) Dimensions() int { return e.inner.Dimensions() }

// Purge drops all cached vectors.
func (e *CachedEmbedder) Purge() {
	n := e.cache.Len()
	e.cache.Purge()
	log.Printf("embedding: purged %d cached vectors", n)
}

// cacheKey hashes text so arbitrarily long content stays a fixed-size key.
func cacheKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

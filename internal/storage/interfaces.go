// Package storage provides the durable record-store contract for the memory
// subsystem, plus the shared error taxonomy.
//
// The store keeps memory records together with their embedding vectors so
// that multi-step operations (put, delete) commit inside a single
// transactional boundary and the record store and vector index never
// diverge.
package storage

import (
	"context"
	"iter"

	"github.com/scrypster/recall/pkg/types"
)

// Mutator applies a field-level change to a record copy inside an Update
// transaction. Content, id, created_at, and the embedding are not writable
// through this path; changes to them are discarded by the store.
type Mutator func(*types.Memory) error

// MemoryStore provides durable, crash-consistent storage of memory records
// keyed by id, with their embedding vectors stored in the same transaction
// scope.
type MemoryStore interface {
	// Put inserts a new record and its embedding vector atomically.
	// Returns ErrDuplicateID if the id already exists and
	// ErrDimensionMismatch if the vector length differs from the store's
	// configured dimensionality.
	Put(ctx context.Context, mem *types.Memory, vector []float32) error

	// Get returns the record or ErrNotFound.
	Get(ctx context.Context, id string) (*types.Memory, error)

	// ListByType yields records of the given type ordered by last_accessed
	// descending (created_at for never-accessed records). The sequence is
	// lazy and restartable: each range re-runs the underlying query.
	ListByType(ctx context.Context, t types.MemoryType, opts ListOptions) iter.Seq2[*types.Memory, error]

	// Update applies a field-level mutation atomically. The mutator
	// receives a copy; only importance, access bookkeeping, metadata, and
	// type are written back. Returns ErrNotFound if the record is absent.
	Update(ctx context.Context, id string, mutate Mutator) error

	// RecordAccess performs batch access bookkeeping for the given ids:
	// access_count+1, last_accessed=now, importance boosted and clamped.
	// Implemented as a single atomic statement per backend so concurrent
	// consolidation passes cannot lose it.
	RecordAccess(ctx context.Context, ids []string, boost float64) error

	// Delete removes the record and its embedding atomically. Idempotent:
	// deleting an absent id is not an error.
	Delete(ctx context.Context, id string) error

	// GetEmbedding returns the stored vector for a record, or ErrNotFound.
	GetEmbedding(ctx context.Context, id string) ([]float32, error)

	// ForEachEmbedding visits every stored (id, vector) pair. Used by the
	// startup reconciliation scan that rebuilds the in-memory index.
	ForEachEmbedding(ctx context.Context, fn func(id string, vector []float32) error) error

	// MarkSessionEnded records that an interaction session has ended.
	// Working-type records owned by ended sessions become eligible for
	// promotion and eviction during consolidation.
	MarkSessionEnded(ctx context.Context, sessionID string) error

	// SessionEnded reports whether the session has been marked ended.
	SessionEnded(ctx context.Context, sessionID string) (bool, error)

	// Count returns the number of records per type.
	Count(ctx context.Context) (map[types.MemoryType]int, error)

	// Close releases resources held by the store.
	Close() error
}

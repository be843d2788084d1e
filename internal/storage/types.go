package storage

import "errors"

var (
	// ErrNotFound indicates that the referenced record does not exist.
	// Recoverable; callers decide the fallback.
	ErrNotFound = errors.New("record not found")

	// ErrDuplicateID indicates an id collision on insert. It surfaces a
	// caller-side id-generation bug and is not retried.
	ErrDuplicateID = errors.New("duplicate record id")

	// ErrDimensionMismatch indicates configuration drift between the
	// embedding provider and the vector index. Fatal at startup; mid-run it
	// only rejects the offending insert.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")

	// ErrStoreUnavailable indicates the underlying storage is unreachable.
	// Callers retry with backoff rather than treating it as "no memories".
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrTimeout indicates a retrieval exceeded the caller's budget.
	// Callers proceed with partial or no results.
	ErrTimeout = errors.New("operation timed out")

	// ErrInvalidInput indicates malformed input parameters.
	ErrInvalidInput = errors.New("invalid input")
)

// ListOptions filters ListByType sequences.
type ListOptions struct {
	// MinImportance restricts the sequence to records with importance at or
	// above this value. Zero means no minimum.
	MinImportance float64

	// Limit bounds the number of records yielded. Zero means unbounded.
	Limit int
}

// Normalize applies defaults and bounds to the options.
func (o *ListOptions) Normalize() {
	if o.MinImportance < 0 {
		o.MinImportance = 0
	}
	if o.MinImportance > 1 {
		o.MinImportance = 1
	}
	if o.Limit < 0 {
		o.Limit = 0
	}
}

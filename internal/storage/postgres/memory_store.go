// Package postgres provides the PostgreSQL implementation of
// storage.MemoryStore. With pgvector installed the store also answers
// similarity queries directly, so no separate in-memory index is needed.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"iter"
	"log"
	"strconv"
	"time"

	"github.com/lib/pq" // also registers the postgres driver
	"github.com/pgvector/pgvector-go"

	"github.com/scrypster/recall/internal/index"
	"github.com/scrypster/recall/internal/storage"
	"github.com/scrypster/recall/pkg/types"
)

// MemoryStore implements storage.MemoryStore and index.VectorIndex using
// PostgreSQL with the pgvector extension.
type MemoryStore struct {
	db        *sql.DB
	dimension int
}

// NewMemoryStore connects to PostgreSQL, applies the schema, and verifies
// that the stored vector dimensionality matches the configuration.
func NewMemoryStore(connString string, dimension int) (*MemoryStore, error) {
	if dimension <= 0 {
		return nil, fmt.Errorf("%w: dimension must be positive, got %d", storage.ErrInvalidInput, dimension)
	}

	db, err := sql.Open("postgres", connString)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: failed to ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, fmt.Sprintf(schema, dimension)); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: failed to create schema: %w", err)
	}

	s := &MemoryStore{db: db, dimension: dimension}
	if err := s.checkDimension(ctx); err != nil {
		db.Close()
		return nil, err
	}

	log.Printf("postgres: connected, dimension=%d", dimension)
	return s, nil
}

// checkDimension verifies the recorded dimensionality, storing it on first
// use. pgvector would reject mismatched inserts anyway, but failing at
// startup surfaces configuration drift before any write path does.
func (s *MemoryStore) checkDimension(ctx context.Context) error {
	var stored string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM index_meta WHERE key = 'dimension'`).Scan(&stored)
	switch {
	case err == sql.ErrNoRows:
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO index_meta (key, value) VALUES ('dimension', $1)`,
			strconv.Itoa(s.dimension),
		)
		if err != nil {
			return fmt.Errorf("postgres: failed to record dimension: %w", err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("postgres: failed to read dimension: %w", err)
	}

	got, err := strconv.Atoi(stored)
	if err != nil {
		return fmt.Errorf("postgres: corrupt dimension value %q: %w", stored, err)
	}
	if got != s.dimension {
		return fmt.Errorf("%w: store holds %d-dimensional vectors, configured for %d",
			storage.ErrDimensionMismatch, got, s.dimension)
	}
	return nil
}

// Dimension returns the vector dimensionality of the store.
func (s *MemoryStore) Dimension() int {
	return s.dimension
}

// Put inserts a new record and its embedding vector in one transaction.
func (s *MemoryStore) Put(ctx context.Context, mem *types.Memory, vector []float32) error {
	if mem == nil {
		return storage.ErrInvalidInput
	}
	if mem.ID == "" {
		return fmt.Errorf("%w: memory id is required", storage.ErrInvalidInput)
	}
	if mem.Content == "" {
		return fmt.Errorf("%w: memory content is required", storage.ErrInvalidInput)
	}
	if !mem.Type.Valid() {
		return fmt.Errorf("%w: unknown memory type %q", storage.ErrInvalidInput, mem.Type)
	}
	if len(vector) != s.dimension {
		return fmt.Errorf("%w: vector length %d, store dimension %d",
			storage.ErrDimensionMismatch, len(vector), s.dimension)
	}

	metadataJSON, err := json.Marshal(orEmpty(mem.Metadata))
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	if mem.CreatedAt.IsZero() {
		mem.CreatedAt = time.Now().UTC()
	}
	mem.Importance = types.ClampImportance(mem.Importance)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO memories (id, type, content, importance, access_count, created_at, last_accessed, decayed_at, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		mem.ID, string(mem.Type), mem.Content, mem.Importance, mem.AccessCount,
		mem.CreatedAt, nullTime(mem.LastAccessed), nullTime(mem.DecayedAt), metadataJSON,
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return fmt.Errorf("%w: %s", storage.ErrDuplicateID, mem.ID)
		}
		return fmt.Errorf("postgres: failed to insert memory: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO embeddings (memory_id, embedding) VALUES ($1, $2)`,
		mem.ID, pgvector.NewVector(vector),
	)
	if err != nil {
		return fmt.Errorf("postgres: failed to insert embedding: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("postgres: failed to commit put: %w", err)
	}
	return nil
}

const memoryColumns = `id, type, content, importance, access_count, created_at, last_accessed, decayed_at, metadata`

// Get returns the record or storage.ErrNotFound.
func (s *MemoryStore) Get(ctx context.Context, id string) (*types.Memory, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: memory id is required", storage.ErrInvalidInput)
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT `+memoryColumns+` FROM memories WHERE id = $1`, id)

	mem, err := scanMemory(row)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to get memory: %w", err)
	}
	return mem, nil
}

// ListByType yields records of the given type ordered by last_accessed
// descending. Each range re-runs the query, making the sequence restartable.
func (s *MemoryStore) ListByType(ctx context.Context, t types.MemoryType, opts storage.ListOptions) iter.Seq2[*types.Memory, error] {
	opts.Normalize()

	return func(yield func(*types.Memory, error) bool) {
		query := `SELECT ` + memoryColumns + ` FROM memories
			WHERE type = $1 AND importance >= $2
			ORDER BY COALESCE(last_accessed, created_at) DESC, id ASC`
		args := []any{string(t), opts.MinImportance}
		if opts.Limit > 0 {
			query += ` LIMIT $3`
			args = append(args, opts.Limit)
		}

		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			yield(nil, fmt.Errorf("postgres: failed to list memories: %w", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			mem, err := scanMemory(rows)
			if err != nil {
				yield(nil, fmt.Errorf("postgres: failed to scan memory: %w", err))
				return
			}
			if !yield(mem, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(nil, fmt.Errorf("postgres: list iteration failed: %w", err))
		}
	}
}

// Update applies a field-level mutation inside a transaction. The row is
// locked for the duration so concurrent consolidation passes serialise.
func (s *MemoryStore) Update(ctx context.Context, id string, mutate storage.Mutator) error {
	if id == "" {
		return fmt.Errorf("%w: memory id is required", storage.ErrInvalidInput)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT `+memoryColumns+` FROM memories WHERE id = $1 FOR UPDATE`, id)
	mem, err := scanMemory(row)
	if err == sql.ErrNoRows {
		return storage.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("postgres: failed to read memory for update: %w", err)
	}

	updated := mem.Clone()
	if err := mutate(updated); err != nil {
		return err
	}
	if !updated.Type.Valid() {
		return fmt.Errorf("%w: unknown memory type %q", storage.ErrInvalidInput, updated.Type)
	}
	updated.Importance = types.ClampImportance(updated.Importance)

	metadataJSON, err := json.Marshal(orEmpty(updated.Metadata))
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE memories
		SET type = $1, importance = $2, access_count = $3, last_accessed = $4, decayed_at = $5, metadata = $6
		WHERE id = $7`,
		string(updated.Type), updated.Importance, updated.AccessCount,
		nullTime(updated.LastAccessed), nullTime(updated.DecayedAt), metadataJSON, id,
	)
	if err != nil {
		return fmt.Errorf("postgres: failed to update memory: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("postgres: failed to commit update: %w", err)
	}
	return nil
}

// RecordAccess performs batch access bookkeeping in one atomic statement.
func (s *MemoryStore) RecordAccess(ctx context.Context, ids []string, boost float64) error {
	if len(ids) == 0 {
		return nil
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE memories
		SET access_count = access_count + 1,
		    last_accessed = $1,
		    importance = LEAST(1.0, importance + $2)
		WHERE id = ANY($3)`,
		time.Now().UTC(), boost, pq.Array(ids),
	)
	if err != nil {
		return fmt.Errorf("postgres: failed to record access: %w", err)
	}
	return nil
}

// Delete removes the record; the embedding row goes with it via the foreign
// key cascade. Idempotent.
func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("%w: memory id is required", storage.ErrInvalidInput)
	}

	_, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: failed to delete memory: %w", err)
	}
	return nil
}

// GetEmbedding returns the stored vector for a record.
func (s *MemoryStore) GetEmbedding(ctx context.Context, id string) ([]float32, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: memory id is required", storage.ErrInvalidInput)
	}

	var vec pgvector.Vector
	err := s.db.QueryRowContext(ctx,
		`SELECT embedding FROM embeddings WHERE memory_id = $1`, id).Scan(&vec)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to get embedding: %w", err)
	}
	return vec.Slice(), nil
}

// ForEachEmbedding visits every stored (id, vector) pair.
func (s *MemoryStore) ForEachEmbedding(ctx context.Context, fn func(id string, vector []float32) error) error {
	rows, err := s.db.QueryContext(ctx, `SELECT memory_id, embedding FROM embeddings`)
	if err != nil {
		return fmt.Errorf("postgres: failed to scan embeddings: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		var vec pgvector.Vector
		if err := rows.Scan(&id, &vec); err != nil {
			return fmt.Errorf("postgres: failed to scan embedding row: %w", err)
		}
		if err := fn(id, vec.Slice()); err != nil {
			return err
		}
	}
	return rows.Err()
}

// MarkSessionEnded records that a session has ended (upsert, idempotent).
func (s *MemoryStore) MarkSessionEnded(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("%w: session id is required", storage.ErrInvalidInput)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, ended_at) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET ended_at = COALESCE(sessions.ended_at, EXCLUDED.ended_at)`,
		sessionID, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("postgres: failed to mark session ended: %w", err)
	}
	return nil
}

// SessionEnded reports whether the session has been marked ended.
func (s *MemoryStore) SessionEnded(ctx context.Context, sessionID string) (bool, error) {
	var endedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT ended_at FROM sessions WHERE id = $1`, sessionID).Scan(&endedAt)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("postgres: failed to check session: %w", err)
	}
	return endedAt.Valid, nil
}

// Count returns the number of records per type.
func (s *MemoryStore) Count(ctx context.Context) (map[types.MemoryType]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT type, COUNT(*) FROM memories GROUP BY type`)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to count memories: %w", err)
	}
	defer rows.Close()

	counts := make(map[types.MemoryType]int, len(types.AllTypes))
	for _, t := range types.AllTypes {
		counts[t] = 0
	}
	for rows.Next() {
		var t string
		var n int
		if err := rows.Scan(&t, &n); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan count row: %w", err)
		}
		counts[types.MemoryType(t)] = n
	}
	return counts, rows.Err()
}

// Close releases the connection pool.
func (s *MemoryStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// --- index.VectorIndex ---
//
// The store satisfies index.VectorIndex so the engine can run similarity
// queries inside PostgreSQL instead of maintaining a parallel in-memory
// index. Insert upserts the embedding row; Put has usually written it
// already, so the common case is a no-op rewrite.

// Insert adds or replaces an embedding vector.
func (s *MemoryStore) Insert(ctx context.Context, id string, vector []float32) error {
	if id == "" {
		return fmt.Errorf("%w: id is required", storage.ErrInvalidInput)
	}
	if len(vector) != s.dimension {
		return fmt.Errorf("%w: vector length %d, store dimension %d",
			storage.ErrDimensionMismatch, len(vector), s.dimension)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO embeddings (memory_id, embedding) VALUES ($1, $2)
		ON CONFLICT (memory_id) DO UPDATE SET embedding = EXCLUDED.embedding`,
		id, pgvector.NewVector(vector),
	)
	if err != nil {
		return fmt.Errorf("postgres: failed to upsert embedding: %w", err)
	}
	return nil
}

// Remove deletes an embedding row; absent ids are a no-op.
func (s *MemoryStore) Remove(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM embeddings WHERE memory_id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: failed to remove embedding: %w", err)
	}
	return nil
}

// Query returns up to k matches by cosine similarity, ties broken by smaller
// id. pgvector's <=> operator yields cosine distance; similarity is 1 - d.
func (s *MemoryStore) Query(ctx context.Context, vector []float32, k int) ([]index.Match, error) {
	if len(vector) != s.dimension {
		return nil, fmt.Errorf("%w: query length %d, store dimension %d",
			storage.ErrDimensionMismatch, len(vector), s.dimension)
	}
	if k <= 0 {
		return []index.Match{}, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT memory_id, 1 - (embedding <=> $1) AS similarity
		FROM embeddings
		ORDER BY similarity DESC, memory_id ASC
		LIMIT $2`,
		pgvector.NewVector(vector), k,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: similarity query failed: %w", err)
	}
	defer rows.Close()

	matches := make([]index.Match, 0, k)
	for rows.Next() {
		var m index.Match
		if err := rows.Scan(&m.ID, &m.Similarity); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan match: %w", err)
		}
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

// Len returns the number of stored embeddings, or 0 if the count fails.
func (s *MemoryStore) Len() int {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM embeddings`).Scan(&n); err != nil {
		log.Printf("postgres: failed to count embeddings: %v", err)
		return 0
	}
	return n
}

// scanner abstracts sql.Row and sql.Rows for scanMemory.
type scanner interface {
	Scan(dest ...any) error
}

// scanMemory reads one row in memoryColumns order.
func scanMemory(row scanner) (*types.Memory, error) {
	var mem types.Memory
	var typ string
	var lastAccessed, decayedAt sql.NullTime
	var metadataJSON []byte

	err := row.Scan(
		&mem.ID, &typ, &mem.Content, &mem.Importance, &mem.AccessCount,
		&mem.CreatedAt, &lastAccessed, &decayedAt, &metadataJSON,
	)
	if err != nil {
		return nil, err
	}

	mem.Type = types.MemoryType(typ)
	if lastAccessed.Valid {
		t := lastAccessed.Time
		mem.LastAccessed = &t
	}
	if decayedAt.Valid {
		t := decayedAt.Time
		mem.DecayedAt = &t
	}
	mem.Metadata = make(map[string]string)
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &mem.Metadata); err != nil {
			return nil, fmt.Errorf("corrupt metadata for %s: %w", mem.ID, err)
		}
	}
	return &mem, nil
}

// orEmpty ensures metadata marshals to an object rather than JSON null.
func orEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

// nullTime converts an optional timestamp for binding.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil || t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Package sqlite provides the default SQLite implementation of
// storage.MemoryStore.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"iter"
	"math"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/scrypster/recall/internal/storage"
	"github.com/scrypster/recall/pkg/types"
)

// MemoryStore implements storage.MemoryStore using SQLite.
type MemoryStore struct {
	db        *sql.DB
	dimension int
}

// NewMemoryStore opens (or creates) a SQLite store at the given DSN with the
// configured embedding dimensionality. If the store already holds vectors of
// a different dimensionality the open fails with ErrDimensionMismatch, so
// configuration drift between the embedding provider and the stored index is
// caught at startup.
func NewMemoryStore(dsn string, dimension int) (*MemoryStore, error) {
	if dimension <= 0 {
		return nil, fmt.Errorf("%w: dimension must be positive, got %d", storage.ErrInvalidInput, dimension)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to open database: %w", err)
	}

	// SQLite only supports one concurrent writer. A single open connection
	// serialises writes and avoids SQLITE_BUSY under concurrent load; WAL
	// mode lets readers proceed without blocking the writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite: failed to apply %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: failed to create schema: %w", err)
	}

	s := &MemoryStore{db: db, dimension: dimension}
	if err := s.checkDimension(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// checkDimension verifies the stored dimensionality against the configured
// one, recording it on first use.
func (s *MemoryStore) checkDimension() error {
	var stored string
	err := s.db.QueryRow(`SELECT value FROM index_meta WHERE key = 'dimension'`).Scan(&stored)
	switch {
	case err == sql.ErrNoRows:
		_, err = s.db.Exec(
			`INSERT INTO index_meta (key, value) VALUES ('dimension', ?)`,
			strconv.Itoa(s.dimension),
		)
		if err != nil {
			return fmt.Errorf("sqlite: failed to record dimension: %w", err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("sqlite: failed to read dimension: %w", err)
	}

	got, err := strconv.Atoi(stored)
	if err != nil {
		return fmt.Errorf("sqlite: corrupt dimension value %q: %w", stored, err)
	}
	if got != s.dimension {
		return fmt.Errorf("%w: store holds %d-dimensional vectors, configured for %d",
			storage.ErrDimensionMismatch, got, s.dimension)
	}
	return nil
}

// DB returns the underlying database handle.
func (s *MemoryStore) DB() *sql.DB {
	return s.db
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

	metadataJSON, err := marshalMetadata(mem.Metadata)
	if err != nil {
		return err
	}

	if mem.CreatedAt.IsZero() {
		mem.CreatedAt = time.Now().UTC()
	}
	mem.Importance = types.ClampImportance(mem.Importance)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM memories WHERE id = ?`, mem.ID).Scan(&exists)
	if err == nil {
		return fmt.Errorf("%w: %s", storage.ErrDuplicateID, mem.ID)
	}
	if err != sql.ErrNoRows {
		return fmt.Errorf("sqlite: failed to check id: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO memories (id, type, content, importance, access_count, created_at, last_accessed, decayed_at, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		mem.ID, string(mem.Type), mem.Content, mem.Importance, mem.AccessCount,
		mem.CreatedAt, nullTime(mem.LastAccessed), nullTime(mem.DecayedAt), metadataJSON,
	)
	if err != nil {
		return fmt.Errorf("sqlite: failed to insert memory: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO embeddings (memory_id, embedding, dimension, created_at)
		VALUES (?, ?, ?, ?)`,
		mem.ID, serializeVector(vector), s.dimension, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("sqlite: failed to insert embedding: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: failed to commit put: %w", err)
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
		`SELECT `+memoryColumns+` FROM memories WHERE id = ?`, id)

	mem, err := scanMemory(row)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to get memory: %w", err)
	}
	return mem, nil
}

// ListByType yields records of the given type ordered by last_accessed
// descending. The sequence is lazy; each range re-runs the query, making it
// restartable.
func (s *MemoryStore) ListByType(ctx context.Context, t types.MemoryType, opts storage.ListOptions) iter.Seq2[*types.Memory, error] {
	opts.Normalize()

	return func(yield func(*types.Memory, error) bool) {
		query := `SELECT ` + memoryColumns + ` FROM memories
			WHERE type = ? AND importance >= ?
			ORDER BY COALESCE(last_accessed, created_at) DESC, id ASC`
		args := []any{string(t), opts.MinImportance}
		if opts.Limit > 0 {
			query += ` LIMIT ?`
			args = append(args, opts.Limit)
		}

		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			yield(nil, fmt.Errorf("sqlite: failed to list memories: %w", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			mem, err := scanMemory(rows)
			if err != nil {
				yield(nil, fmt.Errorf("sqlite: failed to scan memory: %w", err))
				return
			}
			if !yield(mem, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(nil, fmt.Errorf("sqlite: list iteration failed: %w", err))
		}
	}
}

// Update applies a field-level mutation inside a transaction. Only
// importance, access bookkeeping, decay bookkeeping, metadata, and type are
// written back; content and the embedding never change through this path.
func (s *MemoryStore) Update(ctx context.Context, id string, mutate storage.Mutator) error {
	if id == "" {
		return fmt.Errorf("%w: memory id is required", storage.ErrInvalidInput)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT `+memoryColumns+` FROM memories WHERE id = ?`, id)
	mem, err := scanMemory(row)
	if err == sql.ErrNoRows {
		return storage.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("sqlite: failed to read memory for update: %w", err)
	}

	updated := mem.Clone()
	if err := mutate(updated); err != nil {
		return err
	}
	if !updated.Type.Valid() {
		return fmt.Errorf("%w: unknown memory type %q", storage.ErrInvalidInput, updated.Type)
	}
	updated.Importance = types.ClampImportance(updated.Importance)

	metadataJSON, err := marshalMetadata(updated.Metadata)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE memories
		SET type = ?, importance = ?, access_count = ?, last_accessed = ?, decayed_at = ?, metadata = ?
		WHERE id = ?`,
		string(updated.Type), updated.Importance, updated.AccessCount,
		nullTime(updated.LastAccessed), nullTime(updated.DecayedAt), metadataJSON, id,
	)
	if err != nil {
		return fmt.Errorf("sqlite: failed to update memory: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: failed to commit update: %w", err)
	}
	return nil
}

// RecordAccess performs batch access bookkeeping in one atomic statement so
// concurrent consolidation passes cannot lose the increment.
func (s *MemoryStore) RecordAccess(ctx context.Context, ids []string, boost float64) error {
	if len(ids) == 0 {
		return nil
	}

	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]

	args := make([]any, 0, len(ids)+2)
	args = append(args, time.Now().UTC(), boost)
	for _, id := range ids {
		args = append(args, id)
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE memories
		SET access_count = access_count + 1,
		    last_accessed = ?,
		    importance = MIN(1.0, importance + ?)
		WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return fmt.Errorf("sqlite: failed to record access: %w", err)
	}
	return nil
}

// Delete removes the record and its embedding in one transaction.
// Idempotent: deleting an absent id succeeds.
func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("%w: memory id is required", storage.ErrInvalidInput)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM embeddings WHERE memory_id = ?`, id); err != nil {
		return fmt.Errorf("sqlite: failed to delete embedding: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM memories WHERE id = ?`, id); err != nil {
		return fmt.Errorf("sqlite: failed to delete memory: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: failed to commit delete: %w", err)
	}
	return nil
}

// GetEmbedding returns the stored vector for a record.
func (s *MemoryStore) GetEmbedding(ctx context.Context, id string) ([]float32, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: memory id is required", storage.ErrInvalidInput)
	}

	var blob []byte
	var dimension int
	err := s.db.QueryRowContext(ctx,
		`SELECT embedding, dimension FROM embeddings WHERE memory_id = ?`, id).
		Scan(&blob, &dimension)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to get embedding: %w", err)
	}

	vector, err := deserializeVector(blob, dimension)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to deserialize embedding: %w", err)
	}
	return vector, nil
}

// ForEachEmbedding visits every stored (id, vector) pair. Used by the
// startup reconciliation scan to rebuild the in-memory index.
func (s *MemoryStore) ForEachEmbedding(ctx context.Context, fn func(id string, vector []float32) error) error {
	rows, err := s.db.QueryContext(ctx, `SELECT memory_id, embedding, dimension FROM embeddings`)
	if err != nil {
		return fmt.Errorf("sqlite: failed to scan embeddings: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		var blob []byte
		var dimension int
		if err := rows.Scan(&id, &blob, &dimension); err != nil {
			return fmt.Errorf("sqlite: failed to scan embedding row: %w", err)
		}
		vector, err := deserializeVector(blob, dimension)
		if err != nil {
			return fmt.Errorf("sqlite: failed to deserialize embedding for %s: %w", id, err)
		}
		if err := fn(id, vector); err != nil {
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
		INSERT INTO sessions (id, ended_at) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET ended_at = COALESCE(sessions.ended_at, excluded.ended_at)`,
		sessionID, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("sqlite: failed to mark session ended: %w", err)
	}
	return nil
}

// SessionEnded reports whether the session has been marked ended.
func (s *MemoryStore) SessionEnded(ctx context.Context, sessionID string) (bool, error) {
	var endedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT ended_at FROM sessions WHERE id = ?`, sessionID).Scan(&endedAt)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("sqlite: failed to check session: %w", err)
	}
	return endedAt.Valid, nil
}

// Count returns the number of records per type.
func (s *MemoryStore) Count(ctx context.Context) (map[types.MemoryType]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT type, COUNT(*) FROM memories GROUP BY type`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to count memories: %w", err)
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
			return nil, fmt.Errorf("sqlite: failed to scan count row: %w", err)
		}
		counts[types.MemoryType(t)] = n
	}
	return counts, rows.Err()
}

// Close releases the database handle.
func (s *MemoryStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
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
	var metadataJSON sql.NullString

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
	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &mem.Metadata); err != nil {
			return nil, fmt.Errorf("corrupt metadata for %s: %w", mem.ID, err)
		}
	}
	return &mem, nil
}

// marshalMetadata serializes the metadata map, returning NULL-able content.
func marshalMetadata(metadata map[string]string) (sql.NullString, error) {
	if len(metadata) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(metadata)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to marshal metadata: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

// nullTime converts an optional timestamp for binding.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil || t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// serializeVector encodes a float32 slice as little-endian bytes.
func serializeVector(vector []float32) []byte {
	buf := make([]byte, len(vector)*4)
	for i, v := range vector {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// deserializeVector decodes little-endian bytes back to a float32 slice,
// validating the buffer against the recorded dimension.
func deserializeVector(buf []byte, dimension int) ([]float32, error) {
	if dimension <= 0 {
		return nil, fmt.Errorf("invalid dimension: %d", dimension)
	}
	if len(buf) != dimension*4 {
		return nil, fmt.Errorf("buffer size mismatch: expected %d bytes, got %d", dimension*4, len(buf))
	}
	vector := make([]float32, dimension)
	for i := range vector {
		vector[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vector, nil
}

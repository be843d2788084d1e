// Package types defines the core memory record model shared by the storage,
// index, and engine layers.
package types

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MemoryType classifies a memory record by its retention semantics.
type MemoryType string

const (
	// TypeEpisodic records a specific past interaction.
	TypeEpisodic MemoryType = "episodic"

	// TypeSemantic records a general fact or preference.
	TypeSemantic MemoryType = "semantic"

	// TypeProcedural records a learned method for accomplishing a task.
	// Procedural memories are exempt from importance-based eviction.
	TypeProcedural MemoryType = "procedural"

	// TypeWorking records short-lived, session-scoped context.
	TypeWorking MemoryType = "working"
)

// AllTypes lists every memory type in a stable order.
var AllTypes = []MemoryType{TypeEpisodic, TypeSemantic, TypeProcedural, TypeWorking}

// Valid reports whether t is one of the recognised memory types.
func (t MemoryType) Valid() bool {
	switch t {
	case TypeEpisodic, TypeSemantic, TypeProcedural, TypeWorking:
		return true
	}
	return false
}

// ParseMemoryType converts a string to a MemoryType.
func ParseMemoryType(s string) (MemoryType, error) {
	t := MemoryType(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown memory type %q", s)
	}
	return t, nil
}

// DefaultImportance is assigned to records created without an explicit
// importance signal.
const DefaultImportance = 0.5

// Memory is the fundamental unit of the memory subsystem.
//
// ID, Content, and CreatedAt are immutable once written; content changes are
// expressed by superseding with a new record so the stored embedding stays
// valid. Importance, AccessCount, LastAccessed, Metadata, and (through
// consolidation promotion only) Type are mutable.
type Memory struct {
	// ID is the globally unique identifier, assigned at creation.
	ID string `json:"id"`

	// Type is the retention category of this record.
	Type MemoryType `json:"type"`

	// Content is the natural-language text of the memory. Immutable.
	Content string `json:"content"`

	// Importance is the estimated future relevance in [0,1]. It decays over
	// time and is boosted on access or explicit signal.
	Importance float64 `json:"importance"`

	// AccessCount is incremented on every successful retrieval that
	// includes this record.
	AccessCount int `json:"access_count"`

	// CreatedAt is when the record was created. Immutable.
	CreatedAt time.Time `json:"created_at"`

	// LastAccessed is when the record was last returned by a retrieval.
	// Nil until the first access.
	LastAccessed *time.Time `json:"last_accessed,omitempty"`

	// DecayedAt is when importance decay was last applied. Consolidation
	// uses it to anchor the decay interval so repeated cycles compound
	// correctly instead of re-applying the full elapsed time.
	DecayedAt *time.Time `json:"decayed_at,omitempty"`

	// Metadata holds auxiliary key/value tags (origin, session id,
	// related task id).
	Metadata map[string]string `json:"metadata,omitempty"`
}

// NewMemory creates a memory record with a fresh id, UTC creation timestamp,
// and the default importance.
func NewMemory(t MemoryType, content string, metadata map[string]string) *Memory {
	if metadata == nil {
		metadata = make(map[string]string)
	}
	return &Memory{
		ID:         uuid.NewString(),
		Type:       t,
		Content:    content,
		Importance: DefaultImportance,
		CreatedAt:  time.Now().UTC(),
		Metadata:   metadata,
	}
}

// SessionID returns the owning session recorded in metadata, if any.
func (m *Memory) SessionID() string {
	return m.Metadata["session_id"]
}

// Touch records an access: it increments the access count, stamps
// LastAccessed, and applies the given importance boost.
func (m *Memory) Touch(now time.Time, boost float64) {
	m.AccessCount++
	m.LastAccessed = &now
	m.Importance = ClampImportance(m.Importance + boost)
}

// AccessAnchor returns the reference timestamp for recency and decay
// calculations: LastAccessed when set, otherwise CreatedAt.
func (m *Memory) AccessAnchor() time.Time {
	if m.LastAccessed != nil && !m.LastAccessed.IsZero() {
		return *m.LastAccessed
	}
	return m.CreatedAt
}

// IdleSince returns the duration since the record was last accessed
// (or created, if never accessed).
func (m *Memory) IdleSince(now time.Time) time.Duration {
	return now.Sub(m.AccessAnchor())
}

// Clone returns a deep copy of the record. Mutating the copy never affects
// the original.
func (m *Memory) Clone() *Memory {
	clone := *m
	if m.LastAccessed != nil {
		la := *m.LastAccessed
		clone.LastAccessed = &la
	}
	if m.DecayedAt != nil {
		da := *m.DecayedAt
		clone.DecayedAt = &da
	}
	clone.Metadata = make(map[string]string, len(m.Metadata))
	for k, v := range m.Metadata {
		clone.Metadata[k] = v
	}
	return &clone
}

// ClampImportance bounds v to [0.0, 1.0].
func ClampImportance(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

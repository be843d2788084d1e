package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/scrypster/recall/internal/index"
	"github.com/scrypster/recall/internal/storage"
	"github.com/scrypster/recall/pkg/types"
)

// ConsolidatorConfig tunes the background maintenance cycle.
type ConsolidatorConfig struct {
	// Interval is the pause between cycles.
	Interval time.Duration

	// DecayHalfLife is the idle time after which importance halves.
	DecayHalfLife time.Duration

	// PromotionThreshold is the minimum importance for a working record to
	// graduate to long-term storage once its session has ended.
	PromotionThreshold float64

	// EvictionFloor deletes records whose importance decays strictly below
	// it. Procedural records are never evicted.
	EvictionFloor float64

	// MergeSimilarityThreshold is the cosine similarity strictly above which
	// two records of the same type are considered duplicates.
	MergeSimilarityThreshold float64

	// WorkingIdleBound expires working records not touched for this long,
	// even if their session is still open.
	WorkingIdleBound time.Duration
}

// CycleStats summarises one consolidation cycle.
type CycleStats struct {
	StartedAt time.Time
	Duration  time.Duration

	Decayed  int
	Merged   int
	Promoted int
	Evicted  int
}

// Consolidator runs the periodic maintenance passes: decay, merge, promote,
// evict. Each pass commits its own writes, so a failing pass aborts the rest
// of the cycle but never rolls back completed work.
type Consolidator struct {
	store    storage.MemoryStore
	index    index.VectorIndex
	classify Classifier
	cfg      ConsolidatorConfig
}

// NewConsolidator wires a consolidator over the given store and index.
// A nil classifier falls back to HeuristicClassifier.
func NewConsolidator(store storage.MemoryStore, idx index.VectorIndex, classify Classifier, cfg ConsolidatorConfig) *Consolidator {
	if classify == nil {
		classify = HeuristicClassifier
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.DecayHalfLife <= 0 {
		cfg.DecayHalfLife = 7 * 24 * time.Hour
	}
	return &Consolidator{
		store:    store,
		index:    idx,
		classify: classify,
		cfg:      cfg,
	}
}

// Run executes cycles until the context is cancelled. Intended to be run in
// its own goroutine.
func (c *Consolidator) Run(ctx context.Context) {
	log.Printf("consolidator: started, interval=%s", c.cfg.Interval)
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("consolidator: stopped")
			return
		case <-ticker.C:
			stats, err := c.RunCycle(ctx, time.Now().UTC())
			if err != nil {
				log.Printf("consolidator: cycle at %s failed: %v",
					stats.StartedAt.Format(time.RFC3339), err)
				continue
			}
			log.Printf("consolidator: cycle done in %s: decayed=%d merged=%d promoted=%d evicted=%d",
				stats.Duration.Round(time.Millisecond), stats.Decayed, stats.Merged, stats.Promoted, stats.Evicted)
		}
	}
}

// RunCycle executes one full cycle at the given time. The passes run in a
// fixed order; the first failure aborts the remainder.
func (c *Consolidator) RunCycle(ctx context.Context, now time.Time) (CycleStats, error) {
	stats := CycleStats{StartedAt: now}
	start := time.Now()
	defer func() { stats.Duration = time.Since(start) }()

	var err error
	if stats.Decayed, err = c.decayPass(ctx, now); err != nil {
		return stats, fmt.Errorf("decay pass: %w", err)
	}
	if stats.Merged, err = c.mergePass(ctx); err != nil {
		return stats, fmt.Errorf("merge pass: %w", err)
	}
	if stats.Promoted, err = c.promotePass(ctx, now); err != nil {
		return stats, fmt.Errorf("promote pass: %w", err)
	}
	if stats.Evicted, err = c.evictPass(ctx, now); err != nil {
		return stats, fmt.Errorf("evict pass: %w", err)
	}
	return stats, nil
}

// snapshotByType drains a type listing into a slice. Passes work from the
// snapshot so their writes never run inside an open listing: the sqlite
// backend holds its single connection for the duration of a listing, and a
// nested write would wait on it forever.
func (c *Consolidator) snapshotByType(ctx context.Context, t types.MemoryType) ([]*types.Memory, error) {
	var records []*types.Memory
	for mem, err := range c.store.ListByType(ctx, t, storage.ListOptions{}) {
		if err != nil {
			return nil, err
		}
		records = append(records, mem)
	}
	return records, nil
}

// decayPass applies exponential importance decay to every record. The
// interval is anchored on the later of the last decay and the last access,
// so compounding across cycles equals a single recomputation from the
// access anchor: touching a record resets its decay clock. Procedural
// records decay like the rest; they are only exempt from eviction.
func (c *Consolidator) decayPass(ctx context.Context, now time.Time) (int, error) {
	decayed := 0
	for _, t := range types.AllTypes {
		records, err := c.snapshotByType(ctx, t)
		if err != nil {
			return decayed, err
		}
		for _, mem := range records {
			anchor := mem.AccessAnchor()
			if mem.DecayedAt != nil && mem.DecayedAt.After(anchor) {
				anchor = *mem.DecayedAt
			}
			elapsed := now.Sub(anchor)
			if elapsed <= 0 {
				continue
			}

			factor := math.Exp2(-elapsed.Hours() / c.cfg.DecayHalfLife.Hours())
			err = c.store.Update(ctx, mem.ID, func(m *types.Memory) error {
				m.Importance *= factor
				t := now
				m.DecayedAt = &t
				return nil
			})
			if err != nil {
				return decayed, err
			}
			decayed++
		}
	}
	return decayed, nil
}

// mergePass collapses near-duplicate records of the same type. The survivor
// is the earliest-created member (ties broken by smaller id); it absorbs the
// cluster's access counts and keeps the highest importance and the latest
// access time. The other members are deleted from store and index.
func (c *Consolidator) mergePass(ctx context.Context) (int, error) {
	merged := 0
	for _, t := range []types.MemoryType{types.TypeEpisodic, types.TypeSemantic, types.TypeProcedural} {
		visited := make(map[string]bool)

		records, err := c.snapshotByType(ctx, t)
		if err != nil {
			return merged, err
		}
		for _, mem := range records {
			if visited[mem.ID] {
				continue
			}
			visited[mem.ID] = true

			cluster, err := c.collectCluster(ctx, mem, visited)
			if err != nil {
				return merged, err
			}
			if len(cluster) < 2 {
				continue
			}

			n, err := c.mergeCluster(ctx, cluster)
			if err != nil {
				return merged, err
			}
			merged += n
		}
	}
	return merged, nil
}

// collectCluster finds same-type neighbours of mem strictly above the merge
// similarity threshold. Neighbours join the visited set immediately so each
// record belongs to at most one cluster per pass.
func (c *Consolidator) collectCluster(ctx context.Context, mem *types.Memory, visited map[string]bool) ([]*types.Memory, error) {
	vector, err := c.store.GetEmbedding(ctx, mem.ID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}

	// Duplicate clusters are small; a handful of neighbours is enough.
	matches, err := c.index.Query(ctx, vector, 10)
	if err != nil {
		return nil, err
	}

	cluster := []*types.Memory{mem}
	for _, m := range matches {
		if m.ID == mem.ID || visited[m.ID] || m.Similarity <= c.cfg.MergeSimilarityThreshold {
			continue
		}
		other, err := c.store.Get(ctx, m.ID)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if other.Type != mem.Type {
			continue
		}
		visited[m.ID] = true
		cluster = append(cluster, other)
	}
	return cluster, nil
}

// mergeCluster folds a cluster into its representative and removes the rest.
// Returns the number of records absorbed.
func (c *Consolidator) mergeCluster(ctx context.Context, cluster []*types.Memory) (int, error) {
	rep := cluster[0]
	for _, m := range cluster[1:] {
		if m.CreatedAt.Before(rep.CreatedAt) ||
			(m.CreatedAt.Equal(rep.CreatedAt) && m.ID < rep.ID) {
			rep = m
		}
	}

	totalAccess := 0
	maxImportance := 0.0
	var latestAccess *time.Time
	for _, m := range cluster {
		totalAccess += m.AccessCount
		if m.Importance > maxImportance {
			maxImportance = m.Importance
		}
		if m.LastAccessed != nil && (latestAccess == nil || m.LastAccessed.After(*latestAccess)) {
			t := *m.LastAccessed
			latestAccess = &t
		}
	}

	err := c.store.Update(ctx, rep.ID, func(m *types.Memory) error {
		m.AccessCount = totalAccess
		m.Importance = maxImportance
		if latestAccess != nil {
			m.LastAccessed = latestAccess
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	absorbed := 0
	for _, m := range cluster {
		if m.ID == rep.ID {
			continue
		}
		if err := c.store.Delete(ctx, m.ID); err != nil {
			return absorbed, err
		}
		if err := c.index.Remove(ctx, m.ID); err != nil {
			return absorbed, err
		}
		absorbed++
	}
	return absorbed, nil
}

// promotePass graduates working records whose session has ended and whose
// importance clears the threshold. A record with no owning session has no
// end-of-session signal, so the idle bound serves as its promotion point
// instead; the evict pass that follows discards whatever did not clear the
// threshold. Promotion only changes the type; content and embedding stay as
// they are.
func (c *Consolidator) promotePass(ctx context.Context, now time.Time) (int, error) {
	promoted := 0
	endedSessions := make(map[string]bool)

	records, err := c.snapshotByType(ctx, types.TypeWorking)
	if err != nil {
		return 0, err
	}
	for _, mem := range records {
		if mem.Importance < c.cfg.PromotionThreshold {
			continue
		}

		if sessionID := mem.SessionID(); sessionID != "" {
			ended, ok := endedSessions[sessionID]
			if !ok {
				ended, err = c.store.SessionEnded(ctx, sessionID)
				if err != nil {
					return promoted, err
				}
				endedSessions[sessionID] = ended
			}
			if !ended {
				continue
			}
		} else if c.cfg.WorkingIdleBound <= 0 || mem.IdleSince(now) <= c.cfg.WorkingIdleBound {
			continue
		}

		target := c.classify(mem.Content, mem.Metadata)
		if target != types.TypeEpisodic && target != types.TypeSemantic {
			target = types.TypeSemantic
		}

		err = c.store.Update(ctx, mem.ID, func(m *types.Memory) error {
			m.Type = target
			return nil
		})
		if err != nil {
			return promoted, err
		}
		promoted++
	}
	return promoted, nil
}

// evictPass deletes records whose importance has decayed strictly below the
// floor, plus working records whose session has ended or that have idled
// past the bound. Procedural records are exempt from importance eviction.
func (c *Consolidator) evictPass(ctx context.Context, now time.Time) (int, error) {
	evicted := 0

	remove := func(id string) error {
		if err := c.store.Delete(ctx, id); err != nil {
			return err
		}
		if err := c.index.Remove(ctx, id); err != nil {
			return err
		}
		evicted++
		return nil
	}

	for _, t := range []types.MemoryType{types.TypeEpisodic, types.TypeSemantic} {
		records, err := c.snapshotByType(ctx, t)
		if err != nil {
			return evicted, err
		}
		for _, mem := range records {
			if mem.Importance < c.cfg.EvictionFloor {
				if err := remove(mem.ID); err != nil {
					return evicted, err
				}
			}
		}
	}

	endedSessions := make(map[string]bool)
	working, err := c.snapshotByType(ctx, types.TypeWorking)
	if err != nil {
		return evicted, err
	}
	for _, mem := range working {
		if mem.Importance < c.cfg.EvictionFloor {
			if err := remove(mem.ID); err != nil {
				return evicted, err
			}
			continue
		}

		if c.cfg.WorkingIdleBound > 0 && mem.IdleSince(now) > c.cfg.WorkingIdleBound {
			if err := remove(mem.ID); err != nil {
				return evicted, err
			}
			continue
		}

		sessionID := mem.SessionID()
		if sessionID == "" {
			continue
		}
		ended, ok := endedSessions[sessionID]
		if !ok {
			var err error
			ended, err = c.store.SessionEnded(ctx, sessionID)
			if err != nil {
				return evicted, err
			}
			endedSessions[sessionID] = ended
		}
		// Ended-session working records that survived the promote pass did
		// not clear the threshold; they are discarded, not kept forever.
		if ended {
			if err := remove(mem.ID); err != nil {
				return evicted, err
			}
		}
	}
	return evicted, nil
}

package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/recall/internal/index"
	"github.com/scrypster/recall/internal/storage"
	"github.com/scrypster/recall/internal/storage/sqlite"
	"github.com/scrypster/recall/pkg/types"
)

const consolidatorDimension = 4

type consolidatorFixture struct {
	store        *sqlite.MemoryStore
	index        *index.LinearIndex
	consolidator *Consolidator
}

func newConsolidatorFixture(t *testing.T, cfg ConsolidatorConfig) *consolidatorFixture {
	t.Helper()
	store, err := sqlite.NewMemoryStore(":memory:", consolidatorDimension)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	idx := index.NewLinearIndex(consolidatorDimension)
	return &consolidatorFixture{
		store:        store,
		index:        idx,
		consolidator: NewConsolidator(store, idx, nil, cfg),
	}
}

// add stores and indexes a record with an explicit vector.
func (f *consolidatorFixture) add(t *testing.T, mem *types.Memory, vec []float32) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.store.Put(ctx, mem, vec))
	require.NoError(t, f.index.Insert(ctx, mem.ID, vec))
}

func defaultConsolidatorConfig() ConsolidatorConfig {
	return ConsolidatorConfig{
		Interval:                 time.Hour,
		DecayHalfLife:            time.Hour,
		PromotionThreshold:       0.7,
		EvictionFloor:            0.05,
		MergeSimilarityThreshold: 0.92,
		WorkingIdleBound:         24 * time.Hour,
	}
}

func TestDecayHalvesAtHalfLife(t *testing.T) {
	f := newConsolidatorFixture(t, defaultConsolidatorConfig())
	ctx := context.Background()
	now := time.Now().UTC()

	mem := types.NewMemory(types.TypeSemantic, "fading fact", nil)
	mem.Importance = 0.8
	mem.CreatedAt = now.Add(-2 * time.Hour)
	f.add(t, mem, []float32{1, 0, 0, 0})

	stats, err := f.consolidator.RunCycle(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Decayed)

	got, err := f.store.Get(ctx, mem.ID)
	require.NoError(t, err)
	// Two half-lives idle: 0.8 / 4.
	assert.InDelta(t, 0.2, got.Importance, 1e-6)
	require.NotNil(t, got.DecayedAt)
}

func TestDecayCompoundsLikeSingleRecomputation(t *testing.T) {
	cfg := defaultConsolidatorConfig()
	base := time.Now().UTC()

	// One record decayed in two cycles, one in a single longer cycle.
	double := newConsolidatorFixture(t, cfg)
	single := newConsolidatorFixture(t, cfg)
	ctx := context.Background()

	memA := types.NewMemory(types.TypeSemantic, "fact", nil)
	memA.Importance = 0.8
	memA.CreatedAt = base
	double.add(t, memA, []float32{1, 0, 0, 0})

	memB := types.NewMemory(types.TypeSemantic, "fact", nil)
	memB.Importance = 0.8
	memB.CreatedAt = base
	single.add(t, memB, []float32{1, 0, 0, 0})

	_, err := double.consolidator.RunCycle(ctx, base.Add(time.Hour))
	require.NoError(t, err)
	_, err = double.consolidator.RunCycle(ctx, base.Add(3*time.Hour))
	require.NoError(t, err)

	_, err = single.consolidator.RunCycle(ctx, base.Add(3*time.Hour))
	require.NoError(t, err)

	gotA, err := double.store.Get(ctx, memA.ID)
	require.NoError(t, err)
	gotB, err := single.store.Get(ctx, memB.ID)
	require.NoError(t, err)
	assert.InDelta(t, gotB.Importance, gotA.Importance, 1e-6)
}

func TestAccessedRecordsSurviveWhileIdleOnesEvict(t *testing.T) {
	f := newConsolidatorFixture(t, defaultConsolidatorConfig())
	ctx := context.Background()
	base := time.Now().UTC()

	active := types.NewMemory(types.TypeSemantic, "frequently used fact", nil)
	active.Importance = 0.9
	active.CreatedAt = base
	f.add(t, active, []float32{1, 0, 0, 0})

	idle := types.NewMemory(types.TypeSemantic, "stale fact", nil)
	idle.Importance = 0.3
	idle.CreatedAt = base
	f.add(t, idle, []float32{0, 1, 0, 0})

	for i := 1; i <= 10; i++ {
		now := base.Add(time.Duration(i) * time.Hour)

		// Simulate a retrieval hit on the active record just before the cycle.
		touch := now.Add(-time.Minute)
		err := f.store.Update(ctx, active.ID, func(m *types.Memory) error {
			m.LastAccessed = &touch
			return nil
		})
		require.NoError(t, err)

		_, err = f.consolidator.RunCycle(ctx, now)
		require.NoError(t, err)
	}

	got, err := f.store.Get(ctx, active.ID)
	require.NoError(t, err)
	assert.Greater(t, got.Importance, 0.05)

	_, err = f.store.Get(ctx, idle.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestMergeCollapsesDuplicates(t *testing.T) {
	f := newConsolidatorFixture(t, defaultConsolidatorConfig())
	ctx := context.Background()
	now := time.Now().UTC()

	older := types.NewMemory(types.TypeSemantic, "user timezone is CET", nil)
	older.CreatedAt = now.Add(-time.Hour)
	older.AccessCount = 3
	older.Importance = 0.4
	f.add(t, older, []float32{1, 0, 0, 0})

	newer := types.NewMemory(types.TypeSemantic, "the user is in the CET timezone", nil)
	newer.CreatedAt = now
	newer.AccessCount = 2
	newer.Importance = 0.6
	accessed := now.Add(-time.Minute)
	newer.LastAccessed = &accessed
	f.add(t, newer, []float32{1, 0, 0, 0})

	unrelated := types.NewMemory(types.TypeSemantic, "the service runs on port 8080", nil)
	unrelated.CreatedAt = now
	f.add(t, unrelated, []float32{0, 1, 0, 0})

	merged, err := f.consolidator.mergePass(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, merged)

	// The older record survives with the cluster's combined bookkeeping.
	got, err := f.store.Get(ctx, older.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, got.AccessCount)
	assert.Equal(t, 0.6, got.Importance)
	require.NotNil(t, got.LastAccessed)

	_, err = f.store.Get(ctx, newer.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// Unrelated content is untouched, and the index no longer knows the
	// absorbed record.
	_, err = f.store.Get(ctx, unrelated.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, f.index.Len())
}

func TestMergeNeverCrossesTypes(t *testing.T) {
	f := newConsolidatorFixture(t, defaultConsolidatorConfig())
	ctx := context.Background()

	fact := types.NewMemory(types.TypeSemantic, "deploys happen on fridays", nil)
	f.add(t, fact, []float32{1, 0, 0, 0})
	event := types.NewMemory(types.TypeEpisodic, "deployed on friday", nil)
	f.add(t, event, []float32{1, 0, 0, 0})

	merged, err := f.consolidator.mergePass(ctx)
	require.NoError(t, err)
	assert.Zero(t, merged)
}

func TestPromoteRequiresEndedSession(t *testing.T) {
	f := newConsolidatorFixture(t, defaultConsolidatorConfig())
	ctx := context.Background()

	mem := types.NewMemory(types.TypeWorking, "the capital of France is Paris", map[string]string{
		"session_id": "sess-1",
	})
	mem.Importance = 0.9
	f.add(t, mem, []float32{1, 0, 0, 0})

	promoted, err := f.consolidator.promotePass(ctx, time.Now().UTC())
	require.NoError(t, err)
	assert.Zero(t, promoted, "session still open")

	require.NoError(t, f.store.MarkSessionEnded(ctx, "sess-1"))
	promoted, err = f.consolidator.promotePass(ctx, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, 1, promoted)

	got, err := f.store.Get(ctx, mem.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TypeSemantic, got.Type)
	assert.Equal(t, "the capital of France is Paris", got.Content)
}

func TestPromoteClassifiesEvents(t *testing.T) {
	f := newConsolidatorFixture(t, defaultConsolidatorConfig())
	ctx := context.Background()

	mem := types.NewMemory(types.TypeWorking, "I finished the migration today", map[string]string{
		"session_id": "sess-1",
	})
	mem.Importance = 0.8
	f.add(t, mem, []float32{1, 0, 0, 0})
	require.NoError(t, f.store.MarkSessionEnded(ctx, "sess-1"))

	_, err := f.consolidator.promotePass(ctx, time.Now().UTC())
	require.NoError(t, err)

	got, err := f.store.Get(ctx, mem.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TypeEpisodic, got.Type)
}

func TestPromoteSkipsLowImportance(t *testing.T) {
	f := newConsolidatorFixture(t, defaultConsolidatorConfig())
	ctx := context.Background()

	mem := types.NewMemory(types.TypeWorking, "trivial note", map[string]string{
		"session_id": "sess-1",
	})
	mem.Importance = 0.2
	f.add(t, mem, []float32{1, 0, 0, 0})
	require.NoError(t, f.store.MarkSessionEnded(ctx, "sess-1"))

	promoted, err := f.consolidator.promotePass(ctx, time.Now().UTC())
	require.NoError(t, err)
	assert.Zero(t, promoted)

	// The evict pass then discards it along with its ended session.
	evicted, err := f.consolidator.evictPass(ctx, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, 1, evicted)
	_, err = f.store.Get(ctx, mem.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestEvictSparesProcedural(t *testing.T) {
	f := newConsolidatorFixture(t, defaultConsolidatorConfig())
	ctx := context.Background()
	now := time.Now().UTC()

	skill := types.NewMemory(types.TypeProcedural, "how to rotate credentials", nil)
	skill.Importance = 0.01
	f.add(t, skill, []float32{1, 0, 0, 0})

	fact := types.NewMemory(types.TypeSemantic, "forgettable detail", nil)
	fact.Importance = 0.01
	f.add(t, fact, []float32{0, 1, 0, 0})

	// Exactly at the floor is kept; eviction is strictly below.
	boundary := types.NewMemory(types.TypeSemantic, "barely relevant", nil)
	boundary.Importance = 0.05
	f.add(t, boundary, []float32{0, 0, 1, 0})

	evicted, err := f.consolidator.evictPass(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, evicted)

	_, err = f.store.Get(ctx, skill.ID)
	require.NoError(t, err, "procedural records are never evicted")
	_, err = f.store.Get(ctx, boundary.ID)
	require.NoError(t, err)
	_, err = f.store.Get(ctx, fact.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestEvictIdleWorkingRecords(t *testing.T) {
	cfg := defaultConsolidatorConfig()
	cfg.WorkingIdleBound = time.Hour
	f := newConsolidatorFixture(t, cfg)
	ctx := context.Background()
	now := time.Now().UTC()

	stale := types.NewMemory(types.TypeWorking, "abandoned draft", nil)
	stale.Importance = 0.9
	stale.CreatedAt = now.Add(-2 * time.Hour)
	f.add(t, stale, []float32{1, 0, 0, 0})

	fresh := types.NewMemory(types.TypeWorking, "current task state", nil)
	fresh.Importance = 0.9
	fresh.CreatedAt = now
	f.add(t, fresh, []float32{0, 1, 0, 0})

	evicted, err := f.consolidator.evictPass(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, evicted)

	_, err = f.store.Get(ctx, stale.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = f.store.Get(ctx, fresh.ID)
	require.NoError(t, err)
}

func TestCycleAbortsAfterPassFailure(t *testing.T) {
	f := newConsolidatorFixture(t, defaultConsolidatorConfig())
	require.NoError(t, f.store.Close())

	_, err := f.consolidator.RunCycle(context.Background(), time.Now().UTC())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decay pass")
}

// A full cycle over the sqlite backend must finish even though every pass
// writes to the store it is reading from. The sqlite store serializes all
// statements on one connection, so a pass that mutated records while its
// listing cursor was still open would block forever.
func TestCycleCompletesOnSingleConnectionStore(t *testing.T) {
	f := newConsolidatorFixture(t, defaultConsolidatorConfig())
	ctx := context.Background()
	now := time.Now().UTC()

	vectors := [][]float32{{1, 0, 0, 0}, {0, 1, 0, 0}, {0, 0, 1, 0}, {0, 0, 0, 1}}
	for i, mt := range types.AllTypes {
		for j := 0; j < 3; j++ {
			mem := types.NewMemory(mt, "record for cycle load", map[string]string{
				"session_id": "sess-load",
			})
			mem.Importance = 0.9
			mem.CreatedAt = now.Add(-time.Duration(j+1) * time.Hour)
			f.add(t, mem, vectors[i])
		}
	}
	require.NoError(t, f.store.MarkSessionEnded(ctx, "sess-load"))

	done := make(chan error, 1)
	go func() {
		_, err := f.consolidator.RunCycle(ctx, now)
		done <- err
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(30 * time.Second):
		t.Fatal("consolidation cycle never finished")
	}
}

func TestDecayAppliesToProcedural(t *testing.T) {
	f := newConsolidatorFixture(t, defaultConsolidatorConfig())
	ctx := context.Background()
	now := time.Now().UTC()

	skill := types.NewMemory(types.TypeProcedural, "how to run the release script", nil)
	skill.Importance = 0.8
	skill.CreatedAt = now.Add(-time.Hour)
	f.add(t, skill, []float32{1, 0, 0, 0})

	decayed, err := f.consolidator.decayPass(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, decayed)

	// Importance fades like any other type, but the record itself is
	// never evicted.
	got, err := f.store.Get(ctx, skill.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.4, got.Importance, 1e-6)
}

func TestMergeSkipsExactThresholdSimilarity(t *testing.T) {
	cfg := defaultConsolidatorConfig()
	cfg.MergeSimilarityThreshold = 0
	f := newConsolidatorFixture(t, cfg)
	ctx := context.Background()

	// Orthogonal vectors score exactly at the threshold; merging requires
	// strictly above.
	a := types.NewMemory(types.TypeSemantic, "fact one", nil)
	f.add(t, a, []float32{1, 0, 0, 0})
	b := types.NewMemory(types.TypeSemantic, "fact two", nil)
	f.add(t, b, []float32{0, 1, 0, 0})

	merged, err := f.consolidator.mergePass(ctx)
	require.NoError(t, err)
	assert.Zero(t, merged)

	_, err = f.store.Get(ctx, a.ID)
	require.NoError(t, err)
	_, err = f.store.Get(ctx, b.ID)
	require.NoError(t, err)
}

func TestPromoteSessionlessAfterIdleBound(t *testing.T) {
	cfg := defaultConsolidatorConfig()
	cfg.WorkingIdleBound = time.Hour
	f := newConsolidatorFixture(t, cfg)
	ctx := context.Background()
	now := time.Now().UTC()

	// Without a session there is no end-of-session signal; the idle bound
	// stands in for it. A record still inside the bound stays working.
	fresh := types.NewMemory(types.TypeWorking, "the api gateway caps requests at 100 rps", nil)
	fresh.Importance = 0.9
	fresh.CreatedAt = now
	f.add(t, fresh, []float32{1, 0, 0, 0})

	stale := types.NewMemory(types.TypeWorking, "the build cluster lives in eu-west-1", nil)
	stale.Importance = 0.9
	stale.CreatedAt = now.Add(-2 * time.Hour)
	f.add(t, stale, []float32{0, 1, 0, 0})

	promoted, err := f.consolidator.promotePass(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, promoted)

	got, err := f.store.Get(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TypeSemantic, got.Type)

	got, err = f.store.Get(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TypeWorking, got.Type)
}

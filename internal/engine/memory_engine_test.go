package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/recall/internal/config"
	"github.com/scrypster/recall/internal/storage"
	"github.com/scrypster/recall/pkg/types"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	cfg := config.Default()
	cfg.Storage.Path = ":memory:"
	cfg.Embedding.Provider = "local"
	cfg.Embedding.Dimensions = 64

	eng, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { eng.Close() })
	return eng
}

func TestEngineRecordAndRetrieve(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	id, err := eng.RecordObservation(ctx, types.TypeSemantic, "the user works in UTC+1", nil)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	_, err = eng.RecordObservation(ctx, types.TypeProcedural, "rotate logs with logrotate daily", nil)
	require.NoError(t, err)

	results, err := eng.Retrieve(ctx, "which timezone does the user work in", 1, time.Second)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, id, results[0].Memory.ID)
}

func TestEngineRecordRejectsInvalidInput(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	_, err := eng.RecordObservation(ctx, "bogus", "content", nil)
	assert.ErrorIs(t, err, storage.ErrInvalidInput)

	_, err = eng.RecordObservation(ctx, types.TypeSemantic, "", nil)
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}

func TestEngineGetRecordsAccess(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	id, err := eng.RecordObservation(ctx, types.TypeSemantic, "a fact", nil)
	require.NoError(t, err)

	got, err := eng.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "a fact", got.Content)

	// The bookkeeping lands on the next read.
	got, err = eng.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, got.AccessCount)
}

func TestEngineDelete(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	id, err := eng.RecordObservation(ctx, types.TypeWorking, "scratch", nil)
	require.NoError(t, err)

	require.NoError(t, eng.Delete(ctx, id))
	_, err = eng.Get(ctx, id)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// Deleting again is a no-op.
	require.NoError(t, eng.Delete(ctx, id))
}

func TestEngineSessionPromotion(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	id, err := eng.RecordObservation(ctx, types.TypeWorking,
		"the database password rotates every 30 days",
		map[string]string{"session_id": "sess-1"})
	require.NoError(t, err)

	// Raise importance past the promotion threshold, as repeated hits would.
	mem, err := eng.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, types.TypeWorking, mem.Type)
	for i := 0; i < 10; i++ {
		_, err = eng.Get(ctx, id)
		require.NoError(t, err)
	}

	require.NoError(t, eng.EndSession(ctx, "sess-1"))
	stats, err := eng.Consolidate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Promoted)

	got, err := eng.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.TypeSemantic, got.Type)
}

func TestEngineStats(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	_, err := eng.RecordObservation(ctx, types.TypeSemantic, "a", nil)
	require.NoError(t, err)
	_, err = eng.RecordObservation(ctx, types.TypeSemantic, "b", nil)
	require.NoError(t, err)
	_, err = eng.RecordObservation(ctx, types.TypeEpisodic, "c", nil)
	require.NoError(t, err)

	counts, err := eng.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[types.TypeSemantic])
	assert.Equal(t, 1, counts[types.TypeEpisodic])
	assert.Equal(t, 0, counts[types.TypeProcedural])
}

func TestEngineStartAndClose(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.Path = ":memory:"
	cfg.Embedding.Dimensions = 32
	cfg.Consolidation.Interval = config.Duration(10 * time.Millisecond)

	eng, err := New(cfg)
	require.NoError(t, err)

	require.NoError(t, eng.Start())
	assert.Error(t, eng.Start(), "second start must fail")

	// Give the loop a tick or two, then shut down cleanly.
	time.Sleep(30 * time.Millisecond)
	require.NoError(t, eng.Close())
}

func TestEngineRebuildsIndexOnRestart(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Storage.Path = dir + "/memories.db"
	cfg.Embedding.Dimensions = 64

	eng, err := New(cfg)
	require.NoError(t, err)
	ctx := context.Background()

	id, err := eng.RecordObservation(ctx, types.TypeSemantic, "persistent fact about kubernetes", nil)
	require.NoError(t, err)
	require.NoError(t, eng.Close())

	// A fresh engine over the same file must answer similarity queries
	// without re-embedding anything.
	eng, err = New(cfg)
	require.NoError(t, err)
	defer eng.Close()

	results, err := eng.Retrieve(ctx, "kubernetes fact", 1, time.Second)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, id, results[0].Memory.ID)
	assert.Greater(t, results[0].Similarity, 0.0)
}

package recall

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/recall/pkg/types"
)

func TestEndToEnd(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Storage.Path = ":memory:"
	cfg.Embedding.Dimensions = 64

	eng, err := New(cfg)
	require.NoError(t, err)
	defer eng.Close()

	ctx := context.Background()

	id, err := eng.RecordObservation(ctx, types.TypeSemantic,
		"the user deploys to production on tuesdays", nil)
	require.NoError(t, err)

	results, err := eng.Retrieve(ctx, "when does the user deploy", 3, time.Second)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, id, results[0].Memory.ID)

	_, err = eng.Get(ctx, "no-such-id")
	assert.ErrorIs(t, err, ErrNotFound)

	stats, err := eng.Consolidate(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Evicted)
}

func TestChromemBackend(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Storage.Path = ":memory:"
	cfg.Embedding.Dimensions = 64
	cfg.Index.Backend = "chromem"

	eng, err := New(cfg)
	require.NoError(t, err)
	defer eng.Close()

	ctx := context.Background()
	id, err := eng.RecordObservation(ctx, types.TypeProcedural,
		"clear the cache with redis-cli flushall", nil)
	require.NoError(t, err)

	results, err := eng.Retrieve(ctx, "how to clear the cache", 1, time.Second)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, id, results[0].Memory.ID)
}

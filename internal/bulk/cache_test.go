package bulk

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/daos-stack/bioengine/internal/dma"
)

func newTestPool(t *testing.T, max int) *dma.Pool {
	t.Helper()
	p, err := dma.New(dma.Options{MaxChunks: max})
	require.NoError(t, err)
	return p
}

func TestGetHandleGrowsGroupFromPool(t *testing.T) {
	pool := newTestPool(t, 4)
	cache := NewCache(pool)

	h, err := cache.GetHandle(context.Background(), 16, false)
	require.NoError(t, err)
	require.Equal(t, 16*dma.PageSize, h.Size())
	require.Equal(t, 1, pool.Stats().TotalChunks)
}

func TestGetHandleReusesIdleHandle(t *testing.T) {
	pool := newTestPool(t, 4)
	cache := NewCache(pool)

	h1, err := cache.GetHandle(context.Background(), 16, false)
	require.NoError(t, err)
	cache.PutHandle(h1)

	h2, err := cache.GetHandle(context.Background(), 16, false)
	require.NoError(t, err)
	require.Equal(t, 1, pool.Stats().TotalChunks, "second handle should come from the same already-grown chunk")
	_ = h2
}

func TestEvictIdleChunkReturnsOnlyFullyIdleChunk(t *testing.T) {
	pool := newTestPool(t, 1)
	cache := NewCache(pool)

	h1, err := cache.GetHandle(context.Background(), dma.ChunkPages/2, false)
	require.NoError(t, err)

	// Pool only has 1 chunk total and it's entirely owned by the bulk
	// cache now; a direct pool reservation must evict it.
	region, err := pool.Reserve(context.Background(), dma.TypeIO, 4, dma.ReserveOptions{})
	require.Error(t, err, "chunk is still in use via h1, nothing idle to evict")
	_ = region

	cache.PutHandle(h1)
	region, err = pool.Reserve(context.Background(), dma.TypeIO, 4, dma.ReserveOptions{})
	require.NoError(t, err, "once h1 is returned the chunk is idle and should be evictable")
	require.NotNil(t, region.Chunk)
}

func TestHandleAdvanceOverflow(t *testing.T) {
	pool := newTestPool(t, 4)
	cache := NewCache(pool)

	h, err := cache.GetHandle(context.Background(), 1, true)
	require.NoError(t, err)
	require.True(t, h.Shareable())

	err = h.Advance(dma.PageSize)
	require.NoError(t, err)
	err = h.Advance(1)
	require.Error(t, err)
}

func TestTooManyGroupsWithoutIdleEvictsNone(t *testing.T) {
	pool := newTestPool(t, MaxGroups+2)
	cache := NewCache(pool)

	var handles []*Handle
	for i := 1; i <= MaxGroups; i++ {
		h, err := cache.GetHandle(context.Background(), i, false)
		require.NoError(t, err)
		handles = append(handles, h)
	}

	_, err := cache.GetHandle(context.Background(), MaxGroups+1, false)
	require.ErrorIs(t, err, ErrTooManyGroups)

	cache.PutHandle(handles[0])
	h, err := cache.GetHandle(context.Background(), MaxGroups+1, false)
	require.NoError(t, err)
	require.NotNil(t, h)
}

package blobio

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/daos-stack/bioengine/internal/device/filedev"
	"github.com/daos-stack/bioengine/internal/dma"
	"github.com/daos-stack/bioengine/internal/iod"
	"github.com/daos-stack/bioengine/internal/iostat"
)

func newOpenContext(t *testing.T) (*Context, *filedev.Driver) {
	t.Helper()
	drv := filedev.New(4096, 32*1024*1024, 2)
	t.Cleanup(drv.Shutdown)

	id, err := drv.CreateBlob(context.Background(), 8*1024*1024, 0)
	require.NoError(t, err)

	pool, err := dma.New(dma.Options{MaxChunks: 4})
	require.NoError(t, err)

	stats := iostat.New()
	ctx, err := Open(context.Background(), drv, id, Options{Pool: pool, ChunkType: dma.TypeIO, Stats: stats})
	require.NoError(t, err)
	return ctx, drv
}

func TestWriteVThenReadVRoundTrip(t *testing.T) {
	bc, _ := newOpenContext(t)
	defer bc.Close(context.Background())

	payload := []byte("the quick brown fox jumps over the lazy dog....")
	biovs := []iod.Biov{{Media: iod.MediaNVMe, Addr: 0, ReqLen: uint32(len(payload))}}

	require.NoError(t, bc.WriteV(context.Background(), biovs, [][]byte{payload}))

	out := make([]byte, len(payload))
	require.NoError(t, bc.ReadV(context.Background(), biovs, [][]byte{out}))
	require.Equal(t, payload, out)
}

func TestUnmapBatchesExtents(t *testing.T) {
	bc, _ := newOpenContext(t)
	defer bc.Close(context.Background())

	err := bc.Unmap(context.Background(), 0, 4096*10, 3)
	require.NoError(t, err)
}

func TestCloseRefusesWhileInflight(t *testing.T) {
	bc, _ := newOpenContext(t)

	bc.inflight.Add(1)
	err := bc.Close(context.Background())
	require.ErrorIs(t, err, ErrInflight)
	bc.inflight.Add(-1)

	require.NoError(t, bc.Close(context.Background()))
}

func TestOpsRefuseAfterClose(t *testing.T) {
	bc, _ := newOpenContext(t)
	require.NoError(t, bc.Close(context.Background()))

	err := bc.Unmap(context.Background(), 0, 4096, 1)
	require.ErrorIs(t, err, ErrClosing)
}

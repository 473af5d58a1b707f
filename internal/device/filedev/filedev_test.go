package filedev

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/daos-stack/bioengine/internal/device"
)

func TestCreateOpenReadWrite(t *testing.T) {
	d := New(4096, 32*1024*1024, 2)
	defer d.Shutdown()

	ctx := context.Background()
	id, err := d.CreateBlob(ctx, 8*1024*1024, 0)
	require.NoError(t, err)

	h, err := d.Open(ctx, id)
	require.NoError(t, err)

	ch, err := d.AllocIOChannel()
	require.NoError(t, err)
	defer d.FreeIOChannel(ch)

	payload := make([]byte, 4096)
	for i := range payload {
		payload[i] = byte(i)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	var writeErr error
	d.WriteAsync(h, ch, payload, 0, 1, func(err error) {
		writeErr = err
		wg.Done()
	})
	wg.Wait()
	require.NoError(t, writeErr)

	out := make([]byte, 4096)
	wg.Add(1)
	var readErr error
	d.ReadAsync(h, ch, out, 0, 1, func(err error) {
		readErr = err
		wg.Done()
	})
	wg.Wait()
	require.NoError(t, readErr)
	require.Equal(t, payload, out)
}

func TestUnmapZeroes(t *testing.T) {
	d := New(4096, 32*1024*1024, 1)
	defer d.Shutdown()
	ctx := context.Background()

	id, err := d.CreateBlob(ctx, 4096, 0)
	require.NoError(t, err)
	h, err := d.Open(ctx, id)
	require.NoError(t, err)
	ch, _ := d.AllocIOChannel()

	buf := make([]byte, 4096)
	for i := range buf {
		buf[i] = 0xAB
	}
	var wg sync.WaitGroup
	wg.Add(1)
	d.WriteAsync(h, ch, buf, 0, 1, func(error) { wg.Done() })
	wg.Wait()

	wg.Add(1)
	d.UnmapAsync(h, ch, 0, 1, func(error) { wg.Done() })
	wg.Wait()

	out := make([]byte, 4096)
	wg.Add(1)
	d.ReadAsync(h, ch, out, 0, 1, func(error) { wg.Done() })
	wg.Wait()

	for _, b := range out {
		require.Zero(t, b)
	}
}

func TestReadWriteOutOfBounds(t *testing.T) {
	// Cluster size of one block, so the blob is not rounded up past the
	// range the test reads beyond.
	d := New(4096, 4096, 1)
	defer d.Shutdown()
	ctx := context.Background()
	id, err := d.CreateBlob(ctx, 4096, 0)
	require.NoError(t, err)
	h, err := d.Open(ctx, id)
	require.NoError(t, err)
	ch, _ := d.AllocIOChannel()

	buf := make([]byte, 4096)
	done := make(chan error, 1)
	d.ReadAsync(h, ch, buf, 10, 1, func(err error) { done <- err })
	require.Error(t, <-done)
}

func TestDeleteBlobRemovesMapping(t *testing.T) {
	d := New(4096, 4096, 1)
	defer d.Shutdown()
	ctx := context.Background()
	id, err := d.CreateBlob(ctx, 4096, 0)
	require.NoError(t, err)
	require.NoError(t, d.DeleteBlob(ctx, id))
	_, err = d.Open(ctx, id)
	require.Error(t, err)
}

var _ device.Driver = (*Driver)(nil)

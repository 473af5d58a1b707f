// Package filedev implements device.Driver over memory-backed blob
// extents — the portable stand-in for a real SPDK blobstore used by
// tests and non-Linux builds. Each blob owns one fixed buffer allocated
// at create time; a worker pool dispatches each Read/Write/UnmapAsync
// onto a goroutine so callers observe the same async-completion
// contract a real NVMe driver gives them, grounded on a sharded-lock
// RAM backend and a per-resource worker-loop dispatch (one goroutine
// per in-flight tag).
package filedev

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/daos-stack/bioengine/internal/device"
)

const shardSize = 64 * 1024

// Driver is a single simulated SSD: an extent table mapping blob id to
// its own backing buffer, and a fixed pool of workers that apply I/O
// asynchronously. Buffers are sized once at create time and never
// reallocated, so in-flight ops can touch them with only their extent's
// shard locks held.
type Driver struct {
	mu         sync.Mutex
	nextID     atomic.Uint64
	blobs      map[device.BlobID]*extent
	ioUnitSize uint32
	clusterSz  uint64

	work chan func()
	wg   sync.WaitGroup
	done chan struct{}
}

type extent struct {
	buf    []byte
	shards []sync.RWMutex
}

func newExtent(size uint64) *extent {
	return &extent{
		buf:    make([]byte, size),
		shards: make([]sync.RWMutex, (size+shardSize-1)/shardSize),
	}
}

func (e *extent) shardRange(off, length uint64) (start, end int) {
	start = int(off / shardSize)
	end = int((off + length - 1) / shardSize)
	if end >= len(e.shards) {
		end = len(e.shards) - 1
	}
	return start, end
}

// handle implements device.BlobHandle.
type handle struct {
	id   device.BlobID
	size uint64
}

func (h *handle) ID() device.BlobID { return h.id }
func (h *handle) SizeBytes() uint64 { return h.size }

// channel implements device.IOChannel; filedev channels carry no state
// of their own and reserve no worker slot.
type channel struct{}

func (channel) Close() {}

// New creates a driver with nWorkers background dispatchers. ioUnitSize
// is the block size read/write offsets and lengths are expressed in.
func New(ioUnitSize uint32, clusterSize uint64, nWorkers int) *Driver {
	if nWorkers <= 0 {
		nWorkers = 4
	}
	d := &Driver{
		blobs:      make(map[device.BlobID]*extent),
		ioUnitSize: ioUnitSize,
		clusterSz:  clusterSize,
		work:       make(chan func(), 1024),
		done:       make(chan struct{}),
	}
	for i := 0; i < nWorkers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

func (d *Driver) worker() {
	defer d.wg.Done()
	for {
		select {
		case fn, ok := <-d.work:
			if !ok {
				return
			}
			fn()
		case <-d.done:
			return
		}
	}
}

// Shutdown stops the worker pool. Safe to call once.
func (d *Driver) Shutdown() {
	close(d.done)
	d.wg.Wait()
}

func (d *Driver) CreateBlob(_ context.Context, sizeBytes, clusterSize uint64) (device.BlobID, error) {
	if clusterSize == 0 {
		clusterSize = d.clusterSz
	}
	rounded := ((sizeBytes + clusterSize - 1) / clusterSize) * clusterSize

	d.mu.Lock()
	defer d.mu.Unlock()

	id := device.BlobID(d.nextID.Add(1))
	d.blobs[id] = newExtent(rounded)
	return id, nil
}

func (d *Driver) DeleteBlob(_ context.Context, id device.BlobID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.blobs[id]; !ok {
		return fmt.Errorf("filedev: unknown blob %d", id)
	}
	delete(d.blobs, id)
	return nil
}

func (d *Driver) Open(_ context.Context, id device.BlobID) (device.BlobHandle, error) {
	d.mu.Lock()
	ext, ok := d.blobs[id]
	d.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("filedev: unknown blob %d", id)
	}
	return &handle{id: id, size: uint64(len(ext.buf))}, nil
}

func (d *Driver) Close(device.BlobHandle) error { return nil }

func (d *Driver) AllocIOChannel() (device.IOChannel, error) { return channel{}, nil }
func (d *Driver) FreeIOChannel(device.IOChannel)            {}

func (d *Driver) IOUnitSize() uint32  { return d.ioUnitSize }
func (d *Driver) ClusterSize() uint64 { return d.clusterSz }

func (d *Driver) extentOf(h device.BlobHandle) (*extent, error) {
	d.mu.Lock()
	ext, ok := d.blobs[h.ID()]
	d.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("filedev: blob %d is closed", h.ID())
	}
	return ext, nil
}

func (d *Driver) submit(fn func()) {
	select {
	case d.work <- fn:
	case <-d.done:
	}
}

// rangeOf validates an op's unit-addressed range against ext and
// returns it in bytes.
func (d *Driver) rangeOf(ext *extent, op string, offUnits, lenUnits uint64) (off, length uint64, err error) {
	off = offUnits * uint64(d.ioUnitSize)
	length = lenUnits * uint64(d.ioUnitSize)
	if off+length > uint64(len(ext.buf)) {
		return 0, 0, fmt.Errorf("filedev: %s [%d,%d) out of blob bounds", op, off, off+length)
	}
	return off, length, nil
}

func (d *Driver) ReadAsync(h device.BlobHandle, _ device.IOChannel, buf []byte, offUnits, lenUnits uint64, cb device.CompletionFunc) {
	d.submit(func() {
		ext, err := d.extentOf(h)
		if err != nil {
			cb(err)
			return
		}
		off, length, err := d.rangeOf(ext, "read", offUnits, lenUnits)
		if err != nil {
			cb(err)
			return
		}
		start, end := ext.shardRange(off, length)
		for i := start; i <= end; i++ {
			ext.shards[i].RLock()
		}
		copy(buf[:length], ext.buf[off:off+length])
		for i := start; i <= end; i++ {
			ext.shards[i].RUnlock()
		}
		cb(nil)
	})
}

func (d *Driver) WriteAsync(h device.BlobHandle, _ device.IOChannel, buf []byte, offUnits, lenUnits uint64, cb device.CompletionFunc) {
	d.submit(func() {
		ext, err := d.extentOf(h)
		if err != nil {
			cb(err)
			return
		}
		off, length, err := d.rangeOf(ext, "write", offUnits, lenUnits)
		if err != nil {
			cb(err)
			return
		}
		start, end := ext.shardRange(off, length)
		for i := start; i <= end; i++ {
			ext.shards[i].Lock()
		}
		copy(ext.buf[off:off+length], buf[:length])
		for i := start; i <= end; i++ {
			ext.shards[i].Unlock()
		}
		cb(nil)
	})
}

func (d *Driver) UnmapAsync(h device.BlobHandle, _ device.IOChannel, offUnits, lenUnits uint64, cb device.CompletionFunc) {
	d.submit(func() {
		ext, err := d.extentOf(h)
		if err != nil {
			cb(err)
			return
		}
		off, length, err := d.rangeOf(ext, "unmap", offUnits, lenUnits)
		if err != nil {
			cb(err)
			return
		}
		start, end := ext.shardRange(off, length)
		for i := start; i <= end; i++ {
			ext.shards[i].Lock()
		}
		for i := off; i < off+length; i++ {
			ext.buf[i] = 0
		}
		for i := start; i <= end; i++ {
			ext.shards[i].Unlock()
		}
		cb(nil)
	})
}

var _ device.Driver = (*Driver)(nil)

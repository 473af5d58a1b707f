// Package blobio implements the thin per-(worker, device) context that
// wraps one open blob and its I/O channel: the caller-facing surface
// for open/close/unmap and scatter read/write. Grounded on the
// teacher's handle-plus-refcount wrapper around one open resource, with
// readv/writev built as one-shot internal/iod descriptors (prep, copy,
// rw, post, release) per call rather than a persistent IOD.
package blobio

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/daos-stack/bioengine/internal/bulk"
	"github.com/daos-stack/bioengine/internal/device"
	"github.com/daos-stack/bioengine/internal/dma"
	"github.com/daos-stack/bioengine/internal/iod"
	"github.com/daos-stack/bioengine/internal/iostat"
)

// ErrClosing is returned by Unmap/ReadV/WriteV once the context has
// started (or finished) closing.
var ErrClosing = errors.New("blobio: context is closing")

// ErrInflight is returned by Close while outstanding DMA ops remain.
var ErrInflight = errors.New("blobio: refusing to close with ops in flight")

// DefaultMaxUnmapExtents is the most io units one driver unmap request
// covers when the Unmap caller passes no cap; longer ranges are split
// into successive requests of at most this size.
const DefaultMaxUnmapExtents = 32

// Context is one (worker, device) blob I/O handle: the open blob, its
// channel, and the pool/bulk-cache IOD construction needs.
type Context struct {
	driver  device.Driver
	pool    *dma.Pool
	bulk    *bulk.Cache
	rdma    bool
	pm      iod.PMResolver
	stats   *iostat.Stats
	chunk   dma.Type

	mu      sync.Mutex
	handle  device.BlobHandle
	channel device.IOChannel
	closing bool
	closed  bool

	inflight atomic.Int64
}

// Options configures how readv/writev IODs are built.
type Options struct {
	Pool      *dma.Pool
	ChunkType dma.Type
	PM        iod.PMResolver
	Stats     *iostat.Stats

	// BulkCache, when set, opts eligible NVMe biovs into the RDMA
	// bulk-handle cache instead of a raw DMA reservation.
	BulkCache *bulk.Cache
}

// Open message-passes to the owner worker to create a blob context:
// opens the already-created blob id and allocates an io-channel. The caller is expected to have already arranged for the
// owner-worker affinity (internal/blobstore.Owner); this constructor is
// the synchronous "do it now" half that Owner's message loop invokes.
func Open(ctx context.Context, drv device.Driver, id device.BlobID, opts Options) (*Context, error) {
	h, err := drv.Open(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("blobio: open blob %d: %w", id, err)
	}
	ch, err := drv.AllocIOChannel()
	if err != nil {
		_ = drv.Close(h)
		return nil, fmt.Errorf("blobio: alloc io channel for blob %d: %w", id, err)
	}
	return &Context{
		driver:  drv,
		pool:    opts.Pool,
		bulk:    opts.BulkCache,
		rdma:    opts.BulkCache != nil,
		pm:      opts.PM,
		stats:   opts.Stats,
		chunk:   opts.ChunkType,
		handle:  h,
		channel: ch,
	}, nil
}

// ID reports the underlying blob's id.
func (c *Context) ID() device.BlobID { return c.handle.ID() }

// SizeBytes reports the underlying blob's size.
func (c *Context) SizeBytes() uint64 { return c.handle.SizeBytes() }

// UnitSize reports the blobstore's native I/O unit size in bytes, the
// granularity ReadV/WriteV/Unmap offsets are aligned to. WAL and meta
// callers need it to size blocks; most blobio callers never do.
func (c *Context) UnitSize() uint32 { return c.driver.IOUnitSize() }

// Close releases the io-channel and closes the blob. Refuses while any
// DMA op is still in flight, mirroring the contract that an owner must
// drain dependents before tearing down.
func (c *Context) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	if c.inflight.Load() > 0 {
		c.mu.Unlock()
		return ErrInflight
	}
	c.closing = true
	handle := c.handle
	ch := c.channel
	c.mu.Unlock()

	c.driver.FreeIOChannel(ch)
	err := c.driver.Close(handle)

	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return err
}

// Unmap punches a hole over [byteOff, byteOff+byteLen), issued in
// batches of at most maxExtents io-units-worth of the blobstore's
// native unit size. off/len must be unit-aligned.
func (c *Context) Unmap(ctx context.Context, byteOff, byteLen uint64, maxExtents int) error {
	if maxExtents <= 0 {
		maxExtents = DefaultMaxUnmapExtents
	}
	c.mu.Lock()
	if c.closing || c.closed {
		c.mu.Unlock()
		return ErrClosing
	}
	handle, ch := c.handle, c.channel
	c.mu.Unlock()

	unit := uint64(c.driver.IOUnitSize())
	if byteOff%unit != 0 || byteLen%unit != 0 {
		return fmt.Errorf("blobio: unmap range [%d,+%d) is not io-unit aligned (unit=%d)", byteOff, byteLen, unit)
	}

	offUnits := byteOff / unit
	lenUnits := byteLen / unit
	maxUnitsPerCall := uint64(maxExtents)

	c.inflight.Add(1)
	defer c.inflight.Add(-1)

	for remaining := lenUnits; remaining > 0; {
		batch := remaining
		if batch > maxUnitsPerCall {
			batch = maxUnitsPerCall
		}
		done := make(chan error, 1)
		c.driver.UnmapAsync(handle, ch, offUnits, batch, func(err error) { done <- err })
		select {
		case err := <-done:
			if c.stats != nil {
				c.stats.RecordUnmap(err == nil)
			}
			if err != nil {
				return fmt.Errorf("blobio: unmap offset %d units: %w", offUnits, err)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
		offUnits += batch
		remaining -= batch
	}
	return nil
}

// ReadV reads into dst (one contiguous destination per sg-list entry)
// from the given media offsets, via a temporary IOD: prep, rw, copy-out,
// post-release, in one call.
func (c *Context) ReadV(ctx context.Context, biovs []iod.Biov, dsts [][]byte) error {
	return c.scatter(ctx, biovs, dsts, nil)
}

// WriteV writes srcs (one contiguous source per sg-list entry) to the
// given media offsets, via a temporary IOD: prep, copy-in, post (which
// issues the writes and releases), in one call.
func (c *Context) WriteV(ctx context.Context, biovs []iod.Biov, srcs [][]byte) error {
	return c.scatter(ctx, biovs, nil, srcs)
}

func (c *Context) scatter(ctx context.Context, biovs []iod.Biov, dsts, srcs [][]byte) error {
	c.mu.Lock()
	if c.closing || c.closed {
		c.mu.Unlock()
		return ErrClosing
	}
	target := iod.Target{Driver: c.driver, Handle: c.handle, Channel: c.channel}
	c.mu.Unlock()

	typ := iod.TypeUpdate
	if dsts != nil {
		typ = iod.TypeFetch
	}

	c.inflight.Add(1)
	defer c.inflight.Add(-1)

	desc := iod.New(target, []iod.SGList{{Biovs: biovs}}, typ, c.chunk, c.pool, c.pm)
	if c.bulk != nil {
		desc.RDMA = c.rdma
		desc.UseBulkCache(c.bulk)
	}
	if c.stats != nil {
		desc.OnMediaError(func(error) { c.stats.RecordMediaError() })
	}
	if err := desc.Prep(ctx); err != nil {
		return fmt.Errorf("blobio: prep: %w", err)
	}

	if typ == iod.TypeUpdate {
		for i, src := range srcs {
			if err := desc.Copy(i, nil, src); err != nil {
				return fmt.Errorf("blobio: copy-in region %d: %w", i, err)
			}
		}
		if err := desc.Post(ctx); err != nil {
			return fmt.Errorf("blobio: post: %w", err)
		}
		if c.stats != nil {
			c.stats.RecordWrite(totalLen(biovs), true)
		}
		return nil
	}

	if err := desc.RW(ctx); err != nil {
		if c.stats != nil {
			c.stats.RecordRead(0, false)
		}
		_ = desc.Post(ctx)
		return fmt.Errorf("blobio: rw: %w", err)
	}
	for i, dst := range dsts {
		if err := desc.Copy(i, dst, nil); err != nil {
			return fmt.Errorf("blobio: copy-out region %d: %w", i, err)
		}
	}
	if err := desc.Post(ctx); err != nil {
		return fmt.Errorf("blobio: post: %w", err)
	}
	if c.stats != nil {
		c.stats.RecordRead(totalLen(biovs), true)
	}
	return nil
}

func totalLen(biovs []iod.Biov) uint64 {
	var n uint64
	for _, b := range biovs {
		n += uint64(b.ReqLen)
	}
	return n
}

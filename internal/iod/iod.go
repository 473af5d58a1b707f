package iod

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/daos-stack/bioengine/internal/bulk"
	"github.com/daos-stack/bioengine/internal/device"
	"github.com/daos-stack/bioengine/internal/dma"
)

// PMResolver resolves an SCM biov address directly to live memory,
// bypassing DMA entirely — the direct PM pointer path. Blobstores with
// no meta/WAL blob (direct PM access) have no other way to reach their
// bytes.
type PMResolver interface {
	Resolve(addr uint64, length uint32) ([]byte, bool)
}

// Target is the device-level collaborator an IOD drives: one open
// blob on one worker's I/O channel.
type Target struct {
	Driver  device.Driver
	Handle  device.BlobHandle
	Channel device.IOChannel
}

func (t Target) ioUnitSize() uint64 { return uint64(t.Driver.IOUnitSize()) }

// ReservedRegion is the resolved backing store for one biov: either a
// direct PM slice or a DMA chunk region, recorded with enough of the
// media address to drive an async read/write.
type ReservedRegion struct {
	Media    MediaKind
	MediaOff uint64
	MediaLen uint64
	buf      []byte // request-length view, what Copy/Bytes expose
	raw      []byte // full page-granular backing, what device I/O uses
	chunk    *dma.Chunk
	bulkHdl  *bulk.Handle
	region   dma.Region
	isDMA    bool
}

// Bytes returns the region's backing memory.
func (r *ReservedRegion) Bytes() []byte { return r.buf }

// CompletionFunc is invoked once, when the whole IOD finishes.
type CompletionFunc func(err error)

// maxInflightNVMe throttles concurrent sub-reads/writes issued by a
// single IOD's rw/post step, draining in-flight I/Os before returning.
const maxInflightNVMe = 32

// IOD is one I/O descriptor: a scatter-gather request bound to DMA
// reservations (or direct PM pointers) and driven through
// prep -> copy -> rw -> post.
type IOD struct {
	target    Target
	sgls      []SGList
	typ       Type
	chunkType dma.Type
	pool      *dma.Pool
	pm        PMResolver
	bulkCache *bulk.Cache

	// AsyncPost defers chunk release until UPDATE writes complete;
	// RDMA marks this IOD as bulk-handle backed; Retry/CopyDst track
	// completion-retry and copy-on-fetch state.
	AsyncPost bool
	RDMA      bool
	Retry     bool
	CopyDst   bool

	mu         sync.Mutex
	regions    []*ReservedRegion
	inflight   int
	firstErr   error
	prepped    bool
	onComplete CompletionFunc
	onMediaErr func(error)

	sem *semaphore.Weighted
}

// New creates an IOD for the given scatter-gather lists against
// target, reserving from pool (and, for RDMA biovs, cache).
func New(target Target, sgls []SGList, typ Type, chunkType dma.Type, pool *dma.Pool, pm PMResolver) *IOD {
	return &IOD{
		target:    target,
		sgls:      sgls,
		typ:       typ,
		chunkType: chunkType,
		pool:      pool,
		pm:        pm,
		sem:       semaphore.NewWeighted(maxInflightNVMe),
	}
}

// OnComplete installs the completion callback invoked once, when the
// IOD's rw/post work (and any chained writes) finish.
func (iod *IOD) OnComplete(cb CompletionFunc) { iod.onComplete = cb }

// OnMediaError installs a hook invoked once per I/O error, used to
// notify the owning blobstore of a media error.
func (iod *IOD) OnMediaError(cb func(error)) { iod.onMediaErr = cb }

// UseBulkCache opts this IOD into the RDMA bulk-handle cache for
// eligible biovs instead of a raw DMA reservation. Only effective when
// iod.RDMA is also set.
func (iod *IOD) UseBulkCache(c *bulk.Cache) { iod.bulkCache = c }

// bulkEligible decides whether a biov may be served from the bulk
// cache: bulk is skipped for hole reads, oversized requests, and
// deduped extents — those always take the plain DMA-reserve path.
func bulkEligible(b Biov) bool {
	if b.Media != MediaNVMe {
		return false
	}
	if b.ReqLen == 0 || pagesFor(b.ReqLen) > dma.ChunkPages {
		return false
	}
	if b.Flags.Has(FlagDeduped) {
		return false
	}
	return b.Flags.Has(FlagRDMAAllowed)
}

// Regions exposes the resolved regions in biov order, for Copy.
func (iod *IOD) Regions() []*ReservedRegion { return iod.regions }

// Prep resolves every biov to either a direct PM slice or a DMA
// reservation. On failure, any regions already reserved by this call
// are released before the error is returned.
func (iod *IOD) Prep(ctx context.Context) error {
	for _, sgl := range iod.sgls {
		for _, b := range sgl.Biovs {
			r, err := iod.resolveOne(ctx, b)
			if err != nil {
				iod.releasePartial()
				return err
			}
			iod.regions = append(iod.regions, r)
		}
	}
	iod.prepped = true
	return nil
}

func pagesFor(reqLen uint32) int {
	return (int(reqLen) + dma.PageSize - 1) / dma.PageSize
}

func (iod *IOD) resolveOne(ctx context.Context, b Biov) (*ReservedRegion, error) {
	if b.Media == MediaSCM {
		if iod.pm != nil {
			if buf, ok := iod.pm.Resolve(b.Addr, b.ReqLen); ok {
				return &ReservedRegion{Media: MediaSCM, MediaOff: b.Addr, MediaLen: uint64(b.ReqLen), buf: buf}, nil
			}
		}
		return nil, fmt.Errorf("iod: biov addr=%d: scm address did not resolve to a PM region", b.Addr)
	}

	pages := pagesFor(b.ReqLen)

	if iod.RDMA && iod.bulkCache != nil && bulkEligible(b) {
		h, err := iod.bulkCache.GetHandle(ctx, pages, !b.Flags.Has(FlagCsumPrefix))
		if err == nil {
			return &ReservedRegion{
				Media:    MediaNVMe,
				MediaOff: b.Addr,
				MediaLen: uint64(b.ReqLen),
				buf:      h.Bytes()[:b.ReqLen],
				raw:      h.Bytes(),
				bulkHdl:  h,
			}, nil
		}
		// Bulk cache exhausted: fall through to the regular DMA path
		// rather than failing the request outright.
	}

	region, err := iod.pool.Reserve(ctx, iod.chunkType, pages, dma.ReserveOptions{})
	if err != nil {
		// A huge reservation with no other IOD in flight has nothing to
		// wait on (Reserve never queues it), so the failure is final.
		if pages > dma.ChunkPages {
			return nil, fmt.Errorf("iod: huge request (%d pages) could not be satisfied: %w", pages, err)
		}
		return nil, fmt.Errorf("iod: dma reserve %d pages: %w", pages, err)
	}
	return &ReservedRegion{
		Media:    MediaNVMe,
		MediaOff: b.Addr,
		MediaLen: uint64(b.ReqLen),
		buf:      region.Bytes()[:b.ReqLen],
		raw:      region.Bytes(),
		chunk:    region.Chunk,
		region:   region,
		isDMA:    true,
	}, nil
}

func (iod *IOD) releaseRegion(r *ReservedRegion) {
	switch {
	case r.isDMA:
		iod.pool.Release(r.region)
	case r.bulkHdl != nil:
		iod.bulkCache.PutHandle(r.bulkHdl)
	}
}

func (iod *IOD) releasePartial() {
	for _, r := range iod.regions {
		iod.releaseRegion(r)
	}
	iod.regions = nil
}

// Copy copies src into region i's backing buffer (producer -> staging,
// used before a write) or dst out of it (staging -> consumer, used
// after a read). Exactly one of src/dst should be non-nil.
func (iod *IOD) Copy(i int, dst, src []byte) error {
	if i < 0 || i >= len(iod.regions) {
		return fmt.Errorf("iod: region index %d out of range", i)
	}
	r := iod.regions[i]
	if src != nil {
		n := copy(r.buf, src)
		if n != len(src) {
			return fmt.Errorf("iod: region %d too small for %d byte copy-in", i, len(src))
		}
	}
	if dst != nil {
		copy(dst, r.buf)
	}
	return nil
}

func (iod *IOD) recordErr(err error) {
	iod.mu.Lock()
	defer iod.mu.Unlock()
	if iod.firstErr == nil {
		iod.firstErr = err
	}
	if iod.onMediaErr != nil {
		iod.onMediaErr(err)
	}
}

// RW issues the actual device I/O: reads for FETCH, nothing for
// UPDATE (writes happen at Post). SCM regions need no device I/O — the
// resolved slice already points at the durable bytes.
func (iod *IOD) RW(ctx context.Context) error {
	if !iod.prepped {
		return fmt.Errorf("iod: rw called before prep")
	}
	if iod.typ != TypeFetch {
		return nil
	}
	return iod.runNVMeOps(ctx, iod.target.Driver.ReadAsync)
}

// Post issues writes for UPDATE and releases every reserved chunk
// (immediately, unless AsyncPost defers release until writes land —
// honored here by releasing only after the writes' callbacks fire,
// which runNVMeOps already waits for).
func (iod *IOD) Post(ctx context.Context) error {
	if !iod.prepped {
		return fmt.Errorf("iod: post called before prep")
	}
	var err error
	if iod.typ == TypeUpdate {
		err = iod.runNVMeOps(ctx, iod.target.Driver.WriteAsync)
	}

	for _, r := range iod.regions {
		iod.releaseRegion(r)
	}

	iod.mu.Lock()
	final := iod.firstErr
	iod.mu.Unlock()
	if final == nil {
		final = err
	}
	if iod.onComplete != nil {
		iod.onComplete(final)
	}
	return final
}

type nvmeOp func(h device.BlobHandle, ch device.IOChannel, buf []byte, offUnits, lenUnits uint64, cb device.CompletionFunc)

func (iod *IOD) runNVMeOps(ctx context.Context, op nvmeOp) error {
	unit := iod.target.ioUnitSize()
	var wg sync.WaitGroup
	for _, r := range iod.regions {
		if r.Media != MediaNVMe {
			continue
		}
		if err := iod.sem.Acquire(ctx, 1); err != nil {
			iod.recordErr(err)
			continue
		}
		r := r
		wg.Add(1)
		offUnits := r.MediaOff / unit
		lenUnits := (r.MediaLen + unit - 1) / unit
		// Device I/O runs in whole io-units over the page-granular
		// backing; r.buf may be shorter than the padded transfer.
		op(iod.target.Handle, iod.target.Channel, r.raw[:lenUnits*unit], offUnits, lenUnits, func(err error) {
			defer wg.Done()
			defer iod.sem.Release(1)
			if err != nil {
				iod.recordErr(err)
			}
		})
	}
	wg.Wait()
	iod.mu.Lock()
	defer iod.mu.Unlock()
	return iod.firstErr
}

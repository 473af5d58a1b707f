// Package dma implements the per-worker DMA buffer pool:
// fixed-size pinned chunks bump-allocated per reservation type, with a
// strict-FIFO waiter queue under backpressure. Grounded on the
// teacher's sharded in-memory backend for the "fixed pool of fixed-size
// units" shape, and on its atomic-counter telemetry idiom
// (internal/iostat) for the per-type usage counters.
package dma

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/daos-stack/bioengine/internal/logging"
)

// ErrAgain is returned when a reservation cannot be satisfied and the
// caller must retry (either immediately, for non-blocking callers, or
// after being woken from the FIFO wait queue).
var ErrAgain = errors.New("dma: resource temporarily unavailable")

// ErrShutdown is returned to every waiter when the pool is closed.
var ErrShutdown = errors.New("dma: pool shut down")

// Region is a reservation of contiguous pages within one chunk.
type Region struct {
	Chunk   *Chunk
	PageIdx int
	Pages   int
}

// Bytes returns the byte range of this region within its chunk.
func (r Region) Bytes() []byte {
	off := r.PageIdx * PageSize
	return r.Chunk.buf[off : off+r.Pages*PageSize]
}

// Evictor lets a collaborator (the bulk-handle cache) give back an
// idle chunk when the pool is under pressure and has nothing else to
// grow into. It must return a chunk not currently bulk-marked, or ok=false.
type Evictor interface {
	EvictIdleChunk() (*Chunk, bool)
}

// Options configures a Pool at construction.
type Options struct {
	MaxChunks      int // grow() ceiling; 0 means "use DefaultMaxChunks"
	InitialChunks  int // chunks pre-allocated at New()
	DumpInterval   time.Duration
}

const DefaultMaxChunks = 64

type waiter struct {
	ch chan struct{}
}

// Pool is one worker's DMA buffer pool.
type Pool struct {
	mu      sync.Mutex
	idle    []*Chunk
	used    map[*Chunk]struct{}
	current [numTypes]*Chunk

	totalChunks int
	maxChunks   int
	usedByType  [numTypes]int

	activeIODs int
	queuedIODs int

	waiters []*waiter
	closed  bool

	evictor Evictor

	dumpInterval time.Duration
	lastDump     time.Time
}

// New creates a Pool, pre-growing InitialChunks chunks.
func New(opts Options) (*Pool, error) {
	max := opts.MaxChunks
	if max <= 0 {
		max = DefaultMaxChunks
	}
	dumpInterval := opts.DumpInterval
	if dumpInterval <= 0 {
		dumpInterval = 60 * time.Second
	}
	p := &Pool{
		used:         make(map[*Chunk]struct{}),
		maxChunks:    max,
		dumpInterval: dumpInterval,
	}
	if opts.InitialChunks > 0 {
		if err := p.grow(opts.InitialChunks); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// SetEvictor installs the bulk-handle cache as this pool's evictor of
// last resort. Not safe to call concurrently with Reserve.
func (p *Pool) SetEvictor(e Evictor) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.evictor = e
}

func (p *Pool) grow(n int) error {
	if p.totalChunks >= p.maxChunks {
		if p.totalChunks == 0 {
			return fmt.Errorf("dma: pool exhausted at startup (max=%d): %w", p.maxChunks, ErrAgain)
		}
		return ErrAgain
	}
	room := p.maxChunks - p.totalChunks
	if n > room {
		n = room
	}
	for i := 0; i < n; i++ {
		c := newChunk(ChunkPages, TypeIO)
		p.idle = append(p.idle, c)
		p.totalChunks++
	}
	return nil
}

// Grow allocates up to n additional chunks, capped by the pool's
// configured maximum. Failure is only reported to the caller; it is
// fatal only when the pool previously held zero chunks, a judgment
// call left to the caller (the blobstore owner, at startup).
func (p *Pool) Grow(n int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.grow(n)
}

// takeFromIdle pops a chunk sized for typ from the idle list,
// preferring one not already marked for the bulk cache.
func (p *Pool) takeFromIdle() *Chunk {
	for i, c := range p.idle {
		if c.bulk.Load() {
			continue
		}
		p.idle = append(p.idle[:i], p.idle[i+1:]...)
		return c
	}
	return nil
}

// allocFromChunk carves pages out of c's bump cursor, recording c as
// the current chunk for typ and moving it to the used set.
func (p *Pool) allocFromChunk(c *Chunk, typ Type, pages int) Region {
	c.typ = typ
	r := Region{Chunk: c, PageIdx: c.pgIdx, Pages: pages}
	c.pgIdx += pages
	c.ref++
	p.used[c] = struct{}{}
	p.current[typ] = c
	p.usedByType[typ]++
	return r
}

// tryReserve attempts one non-blocking reservation pass. Returns
// ErrAgain when nothing is available right now.
func (p *Pool) tryReserve(typ Type, pages int) (Region, error) {
	if pages > ChunkPages {
		// A huge one-off reservation: never shared, freed outright on release.
		if p.totalChunks >= p.maxChunks {
			return Region{}, ErrAgain
		}
		c := newChunk(pages, typ)
		c.huge = true
		c.ref = 1
		c.pgIdx = pages
		p.used[c] = struct{}{}
		p.totalChunks++
		p.usedByType[typ]++
		return Region{Chunk: c, PageIdx: 0, Pages: pages}, nil
	}

	if cur := p.current[typ]; cur != nil && !cur.bulk.Load() && cur.FreePages() >= pages {
		return p.allocFromChunk(cur, typ, pages), nil
	}

	if c := p.takeFromIdle(); c != nil {
		c.pgIdx = 0
		return p.allocFromChunk(c, typ, pages), nil
	}

	if err := p.grow(1); err == nil {
		if c := p.takeFromIdle(); c != nil {
			return p.allocFromChunk(c, typ, pages), nil
		}
	}

	if p.evictor != nil {
		// The bulk cache depopulates one of its own idle (all-handles-free)
		// chunks and hands it back fully unreferenced; it was already
		// counted in totalChunks when the bulk cache first acquired it,
		// so only the stale per-type/active-IOD accounting from that
		// original reservation needs reversing here.
		if c, ok := p.evictor.EvictIdleChunk(); ok {
			if int(c.typ) < len(p.usedByType) {
				p.usedByType[c.typ]--
			}
			if p.activeIODs > 0 {
				p.activeIODs--
			}
			return p.allocFromChunk(c, typ, pages), nil
		}
	}

	return Region{}, ErrAgain
}

// ReserveOptions controls how a caller wants to be treated on
// contention.
type ReserveOptions struct {
	// NonBlocking bypasses the FIFO wait queue; on contention it
	// returns ErrAgain immediately instead of queueing.
	NonBlocking bool
}

// Reserve allocates Pages from the pool for chunk type typ, blocking
// in strict FIFO order until either satisfied or ctx is done. A
// NonBlocking caller never queues: it gets ErrAgain straight away,
// matching the producer's own retry loop.
func (p *Pool) Reserve(ctx context.Context, typ Type, pages int, opts ReserveOptions) (Region, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return Region{}, ErrShutdown
	}

	r, err := p.tryReserve(typ, pages)
	if err == nil {
		p.activeIODs++
		p.mu.Unlock()
		return r, nil
	}

	if opts.NonBlocking || p.activeIODs == 0 {
		p.dumpLocked()
		p.mu.Unlock()
		return Region{}, err
	}

	w := &waiter{ch: make(chan struct{}, 1)}
	p.waiters = append(p.waiters, w)
	p.queuedIODs++
	p.dumpLocked()
	p.mu.Unlock()

	for {
		select {
		case <-w.ch:
		case <-ctx.Done():
			p.mu.Lock()
			p.removeWaiter(w)
			p.queuedIODs--
			p.mu.Unlock()
			return Region{}, ctx.Err()
		}

		p.mu.Lock()
		if p.closed {
			p.queuedIODs--
			p.mu.Unlock()
			return Region{}, ErrShutdown
		}
		r, err = p.tryReserve(typ, pages)
		if err == nil {
			p.removeWaiter(w)
			p.queuedIODs--
			p.activeIODs++
			p.mu.Unlock()
			return r, nil
		}
		// Still nothing: w stays at the head of p.waiters so the next
		// release wakes it again, preserving FIFO order for everyone
		// queued behind it.
		p.mu.Unlock()
	}
}

func (p *Pool) removeWaiter(w *waiter) {
	for i, x := range p.waiters {
		if x == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return
		}
	}
}

// wakeHeadLocked signals only the first waiter in FIFO order: the head
// waiter alone is woken on release, everyone else keeps sleeping.
// Must be called with p.mu held.
func (p *Pool) wakeHeadLocked() {
	if len(p.waiters) == 0 {
		return
	}
	head := p.waiters[0]
	select {
	case head.ch <- struct{}{}:
	default:
	}
}

// Release gives back a region reserved earlier. When the owning
// chunk's refcount reaches zero it is reset and returned to the idle
// list (or freed outright if it was a huge one-off chunk).
func (p *Pool) Release(r Region) {
	p.mu.Lock()
	defer p.mu.Unlock()

	c := r.Chunk
	c.ref--
	if c.typ < numTypes {
		p.usedByType[c.typ]--
	}
	if c.ref > 0 {
		p.wakeHeadLocked()
		return
	}

	delete(p.used, c)
	if c.huge {
		p.totalChunks--
	} else {
		c.pgIdx = 0
		if p.current[c.typ] == c {
			p.current[c.typ] = nil
		}
		p.idle = append(p.idle, c)
	}

	p.activeIODs--
	if p.activeIODs < 0 {
		p.activeIODs = 0
	}
	p.wakeHeadLocked()
}

// Shutdown wakes every waiter with ErrShutdown and marks the pool
// closed; subsequent Reserve calls fail immediately.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	for _, w := range p.waiters {
		select {
		case w.ch <- struct{}{}:
		default:
		}
	}
}

// Stats is a point-in-time snapshot for telemetry.
type Stats struct {
	TotalChunks int
	IdleChunks  int
	UsedChunks  int
	ActiveIODs  int
	QueuedIODs  int
	UsedByType  [3]int
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		TotalChunks: p.totalChunks,
		IdleChunks:  len(p.idle),
		UsedChunks:  len(p.used),
		ActiveIODs:  p.activeIODs,
		QueuedIODs:  p.queuedIODs,
		UsedByType:  [3]int{p.usedByType[TypeIO], p.usedByType[TypeLocal], p.usedByType[TypeRebuild]},
	}
}

// dumpLocked emits a rate-limited diagnostic when a reservation fails
// under pressure. Must be called with p.mu held.
func (p *Pool) dumpLocked() {
	now := time.Now()
	if !p.lastDump.IsZero() && now.Sub(p.lastDump) < p.dumpInterval {
		return
	}
	p.lastDump = now
	logger := logging.Default()
	logger.Warn().
		Int("total_chunks", p.totalChunks).
		Int("idle_chunks", len(p.idle)).
		Int("used_chunks", len(p.used)).
		Int("active_iods", p.activeIODs).
		Int("queued_iods", p.queuedIODs).
		Int("used_io", p.usedByType[TypeIO]).
		Int("used_local", p.usedByType[TypeLocal]).
		Int("used_rebuild", p.usedByType[TypeRebuild]).
		Msg("dma pool under pressure")
}

// Package bulk implements an RDMA bulk-handle cache: DMA chunks carved
// into fixed-size handles grouped by page-count, so RDMA memory
// regions are registered once and reused across requests instead of
// per-request. Grounded on internal/dma's chunk/pool model (this
// package is its direct collaborator: it both reserves whole chunks
// from the pool and implements dma.Evictor so the pool can reclaim
// bulk memory under pressure) and on the sharded resource-map idiom
// for the "fixed units carved from a bigger allocation" shape.
package bulk

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/daos-stack/bioengine/internal/dma"
)

// ErrTooManyGroups is returned when a new bulk-size bucket is needed
// but the cache already holds MaxGroups and none can be evicted.
var ErrTooManyGroups = errors.New("bulk: group table full, cannot evict an idle group")

// MaxGroups caps the number of distinct handle-size buckets the cache
// will track at once.
const MaxGroups = 64

// Handle is an RDMA-registered window over part of one DMA chunk.
type Handle struct {
	chunk     *dma.Chunk
	byteOff   int
	size      int // bytes
	group     *group
	owner     *chunkEntry
	inUse     bool
	usedBytes int
	shareable bool
}

// Bytes returns the handle's backing memory.
func (h *Handle) Bytes() []byte { return h.chunk.Bytes()[h.byteOff : h.byteOff+h.size] }

// Size reports the handle's capacity in bytes.
func (h *Handle) Size() int { return h.size }

// Shareable reports whether this handle may still accept more bytes
// from additional PM-resident, csum-free biovs.
func (h *Handle) Shareable() bool { return h.shareable && h.usedBytes < h.size }

// Advance records n more bytes consumed by a shared biov, failing if
// it would overflow the handle.
func (h *Handle) Advance(n int) error {
	if h.usedBytes+n > h.size {
		return fmt.Errorf("bulk: handle overflow: used=%d + n=%d > size=%d", h.usedBytes, n, h.size)
	}
	h.usedBytes += n
	return nil
}

type chunkEntry struct {
	chunk     *dma.Chunk
	region    dma.Region
	handles   []*Handle
	idleCount int
}

func (ce *chunkEntry) allIdle() bool { return ce.idleCount == len(ce.handles) }

// group holds every chunk carved into bulkPages-sized handles.
type group struct {
	bulkPages int
	chunks    []*chunkEntry
	idle      []*Handle
	lastUse   int64
}

// Cache is one worker's bulk-handle cache.
type Cache struct {
	mu     sync.Mutex
	pool   *dma.Pool
	groups []*group // kept sorted ascending by bulkPages
	clock  int64
}

// NewCache creates a Cache drawing whole chunks from pool, and
// registers itself as pool's evictor of last resort.
func NewCache(pool *dma.Pool) *Cache {
	c := &Cache{pool: pool}
	pool.SetEvictor(c)
	return c
}

func (c *Cache) tick() int64 {
	c.clock++
	return c.clock
}

// findGroup returns the smallest group whose bulkPages >= requiredPages.
func (c *Cache) findGroup(requiredPages int) (*group, int) {
	idx := sort.Search(len(c.groups), func(i int) bool {
		return c.groups[i].bulkPages >= requiredPages
	})
	if idx < len(c.groups) {
		return c.groups[idx], idx
	}
	return nil, -1
}

func (c *Cache) insertGroup(g *group) {
	idx := sort.Search(len(c.groups), func(i int) bool {
		return c.groups[i].bulkPages >= g.bulkPages
	})
	c.groups = append(c.groups, nil)
	copy(c.groups[idx+1:], c.groups[idx:])
	c.groups[idx] = g
}

// evictLRUGroupLocked removes the least-recently-used group that has no
// in-use handles and returns its chunks' regions. The caller must hand
// those regions to pool.Release only after dropping c.mu: Release takes
// the pool's lock, and the pool's own reserve path calls back into
// EvictIdleChunk (which takes c.mu) while holding it, so releasing
// under c.mu would invert the lock order against that path.
func (c *Cache) evictLRUGroupLocked() ([]dma.Region, bool) {
	best := -1
	for i, g := range c.groups {
		inUse := false
		for _, ce := range g.chunks {
			if !ce.allIdle() {
				inUse = true
				break
			}
		}
		if inUse {
			continue
		}
		if best == -1 || g.lastUse < c.groups[best].lastUse {
			best = i
		}
	}
	if best == -1 {
		return nil, false
	}
	g := c.groups[best]
	regions := make([]dma.Region, 0, len(g.chunks))
	for _, ce := range g.chunks {
		ce.chunk.MarkBulk(false)
		regions = append(regions, ce.region)
	}
	c.groups = append(c.groups[:best], c.groups[best+1:]...)
	return regions, true
}

// populateGroup carves region into ChunkPages/bulkPages handles and
// appends them to g's idle list. Caller must hold c.mu.
func (c *Cache) populateGroup(g *group, region dma.Region) {
	region.Chunk.MarkBulk(true)

	perChunk := dma.ChunkPages / g.bulkPages
	if perChunk == 0 {
		perChunk = 1
	}
	ce := &chunkEntry{chunk: region.Chunk, region: region}
	handleBytes := g.bulkPages * dma.PageSize
	for i := 0; i < perChunk; i++ {
		h := &Handle{
			chunk:   region.Chunk,
			byteOff: i * handleBytes,
			size:    handleBytes,
			group:   g,
			owner:   ce,
		}
		ce.handles = append(ce.handles, h)
	}
	ce.idleCount = len(ce.handles)
	g.chunks = append(g.chunks, ce)
	g.idle = append(g.idle, ce.handles...)
}

// GetHandle returns a handle with capacity for at least requiredPages
// pages, growing or creating a group as needed.
//
// The call into c.pool.Reserve below happens with c.mu released: if
// the pool is itself under pressure it calls back into this cache's
// EvictIdleChunk (the pool's registered Evictor), which needs c.mu —
// holding it across the Reserve call would deadlock that reentry.
func (c *Cache) GetHandle(ctx context.Context, requiredPages int, shareable bool) (*Handle, error) {
	c.mu.Lock()

	var evicted []dma.Region
	g, _ := c.findGroup(requiredPages)
	if g == nil {
		if len(c.groups) >= MaxGroups {
			regions, ok := c.evictLRUGroupLocked()
			if !ok {
				c.mu.Unlock()
				return nil, ErrTooManyGroups
			}
			evicted = regions
		}
		g = &group{bulkPages: requiredPages}
		c.insertGroup(g)
	}
	g.lastUse = c.tick()

	needGrow := len(g.idle) == 0
	c.mu.Unlock()

	for _, r := range evicted {
		c.pool.Release(r)
	}

	if needGrow {
		region, err := c.pool.Reserve(ctx, dma.TypeIO, dma.ChunkPages, dma.ReserveOptions{})
		if err != nil {
			c.mu.Lock()
			regions, ok := c.evictLRUGroupLocked()
			c.mu.Unlock()
			for _, r := range regions {
				c.pool.Release(r)
			}
			if !ok {
				return nil, err
			}
			region, err = c.pool.Reserve(ctx, dma.TypeIO, dma.ChunkPages, dma.ReserveOptions{})
			if err != nil {
				return nil, err
			}
		}
		c.mu.Lock()
		c.populateGroup(g, region)
		c.mu.Unlock()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(g.idle) == 0 {
		// Lost a race with another grower/evictor between unlock and
		// re-lock; caller retries.
		return nil, dma.ErrAgain
	}
	h := g.idle[len(g.idle)-1]
	g.idle = g.idle[:len(g.idle)-1]
	h.inUse = true
	h.usedBytes = 0
	h.shareable = shareable
	h.owner.idleCount--
	return h, nil
}

// PutHandle returns a handle to its group's idle list.
func (c *Cache) PutHandle(h *Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h.inUse = false
	h.usedBytes = 0
	h.owner.idleCount++
	h.group.idle = append(h.group.idle, h)
	h.group.lastUse = c.tick()
}

// EvictIdleChunk implements dma.Evictor: it depopulates the first
// all-idle chunk found across any group (oldest group first) and
// returns it to the pool, clearing its bulk-cache marking.
func (c *Cache) EvictIdleChunk() (*dma.Chunk, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	type cand struct {
		g  *group
		ce *chunkEntry
	}
	var best *cand
	for _, g := range c.groups {
		for _, ce := range g.chunks {
			if !ce.allIdle() {
				continue
			}
			if best == nil || g.lastUse < best.g.lastUse {
				best = &cand{g: g, ce: ce}
			}
		}
	}
	if best == nil {
		return nil, false
	}

	g, ce := best.g, best.ce
	// Remove ce's handles from g.idle and g.chunks.
	idleSet := make(map[*Handle]struct{}, len(ce.handles))
	for _, h := range ce.handles {
		idleSet[h] = struct{}{}
	}
	filtered := g.idle[:0]
	for _, h := range g.idle {
		if _, ok := idleSet[h]; !ok {
			filtered = append(filtered, h)
		}
	}
	g.idle = filtered

	for i, x := range g.chunks {
		if x == ce {
			g.chunks = append(g.chunks[:i], g.chunks[i+1:]...)
			break
		}
	}

	// ForceReclaim, not MarkBulk+pool.Release: this method runs with the
	// pool's own lock already held by our caller (Pool.tryReserve), so
	// calling back into the pool here would deadlock.
	ce.chunk.ForceReclaim()
	return ce.chunk, true
}

package arena

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/edsrzf/mmap-go"

	"github.com/skiprt/objruntime/kindmap"
)

// extentCacheCapacity bounds how many free sub-2MiB extents
// ChunkHookAllocator's pool holds per kind; see extentPool for what
// happens to an extent evicted from a full pool.
const extentCacheCapacity = 64

// ChunkHookAllocator is the production Backend: it reserves real
// 2MiB-aligned chunks from the OS via mmap, registers each chunk's
// full span with the KindMapper on acquisition, deregisters on
// release, and carves sub-2MiB allocations (Obstack chunks, most large
// objects) out of those reservations via a small per-kind extent pool.
//
// This plays the role spec.md §4.2 assigns to "a general-purpose
// allocator whose extent hooks route all OS-level reservations through
// Arena": mmap.MapRegion is the only source of address space, and
// every byte handed to a caller is accounted for in exactly one of
// {currently allocated, cached in an extentPool, returned to the OS}.
type ChunkHookAllocator struct {
	mapper *kindmap.Mapper

	mu sync.Mutex
	// reservations maps a 2MiB reservation's base address to the
	// mmap.MMap keeping it alive, so Release can find the right
	// mapping to unmap once every carve from it is freed.
	reservations map[uintptr]mmap.MMap
	// liveCarves counts outstanding sub-allocations per reservation,
	// so a reservation is only unmapped once nothing references it.
	liveCarves map[uintptr]int
	// carveSize remembers the size of each sub-chunk carve, so
	// Release can hand the extent back to its kind's pool instead of
	// just leaking it until the whole reservation frees.
	carveSize map[uintptr]uintptr

	pools map[kindmap.Kind]*extentPool
}

// NewChunkHookAllocator builds a ChunkHookAllocator sharing mapper with
// its owning Arena.
func NewChunkHookAllocator(mapper *kindmap.Mapper) *ChunkHookAllocator {
	pools := make(map[kindmap.Kind]*extentPool, 4)
	for _, k := range []kindmap.Kind{kindmap.IObj, kindmap.Large, kindmap.Obstack} {
		pools[k] = newExtentPool(extentCacheCapacity)
	}
	return &ChunkHookAllocator{
		mapper:       mapper,
		reservations: make(map[uintptr]mmap.MMap),
		liveCarves:   make(map[uintptr]int),
		carveSize:    make(map[uintptr]uintptr),
		pools:        pools,
	}
}

func roundUp(n, align uintptr) uintptr {
	return (n + align - 1) &^ (align - 1)
}

// reserveSlab mmaps a fresh 2MiB-aligned region, stamps it with kind in
// the KindMapper, and returns its base plus a byte view.
func (c *ChunkHookAllocator) reserveSlab(kind kindmap.Kind) (uintptr, []byte, error) {
	// Overallocate by one slot so we can carve out a 2MiB-aligned
	// sub-region regardless of what alignment the OS mmap happened to
	// hand back; this wastes at most one slot per reservation.
	raw, err := mmap.MapRegion(nil, int(kindmap.SlotSize*2), mmap.RDWR, mmap.ANON, 0)
	if err != nil {
		return 0, nil, fmt.Errorf("mmap reservation: %w", err)
	}
	rawBase := uintptr(unsafe.Pointer(&raw[0]))
	alignedBase := roundUp(rawBase, kindmap.SlotSize)
	off := alignedBase - rawBase

	c.mu.Lock()
	c.reservations[alignedBase] = raw
	c.liveCarves[alignedBase] = 0
	c.mu.Unlock()

	c.mapper.Set(alignedBase, alignedBase+kindmap.SlotSize, kind)
	return alignedBase, raw[off : off+kindmap.SlotSize], nil
}

// Reserve implements Backend.
func (c *ChunkHookAllocator) Reserve(sz uintptr, kind kindmap.Kind) (uintptr, []byte, error) {
	if sz == 0 {
		panic("arena: zero-size allocation")
	}
	if sz >= kindmap.SlotSize {
		// Large enough to own its own (possibly multi-slot) mapping
		// outright; no extent pool bookkeeping needed.
		n := roundUp(sz, kindmap.SlotSize)
		raw, err := mmap.MapRegion(nil, int(n+kindmap.SlotSize), mmap.RDWR, mmap.ANON, 0)
		if err != nil {
			return 0, nil, fmt.Errorf("mmap large reservation: %w", err)
		}
		rawBase := uintptr(unsafe.Pointer(&raw[0]))
		base := roundUp(rawBase, kindmap.SlotSize)
		off := base - rawBase

		c.mu.Lock()
		c.reservations[base] = raw
		c.liveCarves[base] = 1
		c.mu.Unlock()

		c.mapper.Set(base, base+n, kind)
		return base, raw[off : off+sz], nil
	}

	pool := c.pools[kind]
	if pool == nil {
		pool = newExtentPool(extentCacheCapacity)
		c.pools[kind] = pool
	}
	if e, ok := pool.Take(sz); ok {
		c.mu.Lock()
		c.liveCarves[slabBaseOf(e.base)]++
		c.carveSize[e.base] = sz
		c.mu.Unlock()
		return e.base, c.viewOf(e.base, sz), nil
	}

	slabBase, slab, err := c.reserveSlab(kind)
	if err != nil {
		return 0, nil, err
	}
	c.mu.Lock()
	c.liveCarves[slabBase]++
	c.carveSize[slabBase] = sz
	c.mu.Unlock()

	if remaining := kindmap.SlotSize - sz; remaining > 0 {
		pool.Put(extent{base: slabBase + sz, len: remaining})
	}
	return slabBase, slab[:sz], nil
}

// slabBaseOf rounds an arbitrary address down to its containing 2MiB
// reservation's base, so carved sub-allocations can find the
// reservation they came from.
func slabBaseOf(addr uintptr) uintptr {
	return addr &^ (kindmap.SlotSize - 1)
}

func (c *ChunkHookAllocator) viewOf(base, n uintptr) []byte {
	c.mu.Lock()
	raw, ok := c.reservations[slabBaseOf(base)]
	c.mu.Unlock()
	if !ok {
		panic("arena: extent pool returned an address outside any tracked reservation")
	}
	rawBase := uintptr(unsafe.Pointer(&raw[0]))
	off := base - rawBase
	return raw[off : off+n]
}

// Release implements Backend.
func (c *ChunkHookAllocator) Release(base uintptr, kind kindmap.Kind) {
	slabBase := slabBaseOf(base)

	c.mu.Lock()
	raw, ok := c.reservations[slabBase]
	if !ok {
		c.mu.Unlock()
		panic("arena: double free or pointer not owned by this allocator")
	}
	c.liveCarves[slabBase]--
	remaining := c.liveCarves[slabBase]
	size, hadCarve := c.carveSize[base]
	if hadCarve {
		delete(c.carveSize, base)
	}
	c.mu.Unlock()

	if remaining > 0 {
		// Sub-chunk free: return it to the kind's extent pool instead
		// of unmapping, since siblings from the same reservation are
		// still live.
		if hadCarve {
			if pool := c.pools[kind]; pool != nil {
				pool.Put(extent{base: base, len: size})
			}
		}
		return
	}

	c.mu.Lock()
	delete(c.reservations, slabBase)
	delete(c.liveCarves, slabBase)
	c.mu.Unlock()

	// Drop this reservation's extents from the pool so Take never hands
	// out unmapped memory.
	if pool := c.pools[kind]; pool != nil {
		pool.mu.Lock()
		kept := pool.order[:0]
		for _, b := range pool.order {
			if slabBaseOf(b) == slabBase {
				pool.cache.Remove(b)
				continue
			}
			kept = append(kept, b)
		}
		pool.order = kept
		pool.mu.Unlock()
	}

	// raw is the aligned span plus one spare slot; erase the whole span.
	c.mapper.Erase(slabBase, slabBase+uintptr(len(raw))-kindmap.SlotSize)
	if err := raw.Unmap(); err != nil {
		panic(fmt.Sprintf("arena: munmap failed: %v", err))
	}
}

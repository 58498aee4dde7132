// Package arena implements the Arena of spec.md §4.2: page-granular
// alloc/free/allocAligned/calloc, parameterized by kindmap.Kind, with
// O(1) provenance recovery via a shared kindmap.Mapper.
//
// Two backends are provided, matching spec.md's "Backing strategies":
// ChunkHookAllocator (production, backed by real OS mmap through
// github.com/edsrzf/mmap-go) and DebugAllocator (a sorted side table
// plus double-free detection, for sanitizer-style builds).
package arena

import (
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/skiprt/objruntime/kindmap"
)

// DefaultAlign is the alignment every object body is guaranteed,
// matching spec.md §3's "configured alignment (defaults to 8 bytes)".
const DefaultAlign = uintptr(8)

// AllocError is the "out-of-memory" error kind of spec.md §7.
type AllocError struct {
	Size uintptr
	Kind kindmap.Kind
	Err  error
}

func (e *AllocError) Error() string {
	return fmt.Sprintf("arena: allocation failure for %d bytes (kind=%s): %v", e.Size, e.Kind, e.Err)
}
func (e *AllocError) Unwrap() error { return e.Err }

// Backend is the pluggable memory source behind an Arena. An Arena
// itself only owns the KindMapper bookkeeping; Backend does the actual
// reservation.
type Backend interface {
	// Reserve returns size bytes of fresh memory suitable for kind,
	// along with a byte-addressable view over it. size need not be
	// 2MiB-aligned; the backend is responsible for whatever internal
	// alignment its strategy requires.
	Reserve(size uintptr, kind kindmap.Kind) (base uintptr, mem []byte, err error)
	// Release returns memory previously returned by Reserve (or a
	// sub-region carved from it) to the backend.
	Release(base uintptr, kind kindmap.Kind)
}

// Arena routes alloc/free by kind and answers RawMemoryKind in O(1) by
// consulting a shared KindMapper (or, over a DebugAllocator, its side
// table).
type Arena struct {
	mapper  *kindmap.Mapper
	backend Backend
}

// New builds an Arena over mapper and backend. Multiple Arenas may
// share one Mapper (they must, in fact, if they are meant to answer
// consistently for each other's pointers).
func New(mapper *kindmap.Mapper, backend Backend) *Arena {
	return &Arena{mapper: mapper, backend: backend}
}

// Mapper exposes the Arena's KindMapper for callers (the Collector, in
// particular) that need to classify raw pointers themselves.
func (a *Arena) Mapper() *kindmap.Mapper { return a.mapper }

// AllocAligned reserves sz bytes for kind, aligned to align (which
// must not exceed 4096 in production mode; DebugAllocator accepts any
// alignment the platform allocator supports).
func (a *Arena) AllocAligned(sz, align uintptr, kind kindmap.Kind) (uintptr, []byte, error) {
	if kind == kindmap.Unknown {
		panic("arena: cannot allocate with kind=Unknown")
	}
	base, mem, err := a.backend.Reserve(sz, kind)
	if err != nil {
		return 0, nil, &AllocError{Size: sz, Kind: kind, Err: err}
	}
	if base%align != 0 {
		panic("arena: backend violated requested alignment")
	}
	return base, mem, nil
}

// Alloc reserves sz bytes at DefaultAlign.
func (a *Arena) Alloc(sz uintptr, kind kindmap.Kind) (uintptr, []byte, error) {
	return a.AllocAligned(sz, DefaultAlign, kind)
}

// Calloc reserves n*size zeroed bytes. ChunkHookAllocator can hand
// back a previously released extent with its old contents, so the
// memory is cleared here.
func (a *Arena) Calloc(n, size uintptr, kind kindmap.Kind) (uintptr, []byte, error) {
	p, mem, err := a.Alloc(n*size, kind)
	if err != nil {
		return 0, nil, err
	}
	clear(mem)
	return p, mem, nil
}

// Free releases p, which must have been returned by kind k's alloc.
func (a *Arena) Free(p uintptr, k kindmap.Kind) {
	a.backend.Release(p, k)
}

// FreeAuto releases p after consulting the KindMapper to discover its
// kind, for callers that don't already know it.
func (a *Arena) FreeAuto(p uintptr) {
	k := a.mapper.Get(p)
	if k == kindmap.Unknown {
		panic("arena: double free or pointer not owned by this arena")
	}
	a.Free(p, k)
}

// RawMemoryKind answers spec.md invariant 1: the kind stamped for p's
// region, or Unknown if p was never allocated (or has since been
// freed) by an Arena sharing this KindMapper. Over a DebugAllocator,
// whose allocations share 2MiB slots with unrelated heap memory, the
// answer comes from that allocator's side table instead.
func (a *Arena) RawMemoryKind(p uintptr) kindmap.Kind {
	if d, ok := a.backend.(*DebugAllocator); ok {
		k, _ := d.RawMemoryKindOf(p)
		return k
	}
	return a.mapper.Get(p)
}

// --- extent bookkeeping shared by ChunkHookAllocator ---

type extent struct {
	base uintptr
	len  uintptr
}

// extentPool is a small per-kind cache of free sub-2MiB extents, so
// repeated small allocations of the same kind don't each demand a
// fresh 2MiB OS reservation. Bounded by an LRU: adding to a full pool
// evicts the least recently added extent, which is then never handed
// out again; its bytes return to the OS only when its whole
// reservation is unmapped.
type extentPool struct {
	mu    sync.Mutex
	cache *lru.Cache[uintptr, extent]
	// order tracks insertion so Take can prefer the oldest (and
	// therefore, for an LRU-bounded pool, soonest-to-be-evicted)
	// extent first, reducing churn.
	order []uintptr
}

func newExtentPool(capacity int) *extentPool {
	c, err := lru.New[uintptr, extent](capacity)
	if err != nil {
		panic(err) // capacity is a positive constant; New only fails for <=0
	}
	return &extentPool{cache: c}
}

func (p *extentPool) Put(e extent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cache.Add(e.base, e)
	p.order = append(p.order, e.base)
}

// Take returns the first cached extent with len >= need, splitting off
// any remainder back into the pool.
func (p *extentPool) Take(need uintptr) (extent, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, base := range p.order {
		e, ok := p.cache.Peek(base)
		if !ok {
			continue
		}
		if e.len < need {
			continue
		}
		p.cache.Remove(base)
		p.order = append(p.order[:i], p.order[i+1:]...)
		if e.len > need {
			p.cache.Add(e.base+need, extent{base: e.base + need, len: e.len - need})
			p.order = append(p.order, e.base+need)
			e.len = need
		}
		return e, true
	}
	return extent{}, false
}

// sliceAt returns a []byte view over [base, base+n) of mem, whose
// first byte lives at address memBase.
func sliceAt(memBase uintptr, mem []byte, base, n uintptr) []byte {
	off := base - memBase
	return mem[off : off+n]
}

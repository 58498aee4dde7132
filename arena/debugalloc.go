package arena

import (
	"fmt"
	"sort"
	"sync"
	"unsafe"

	"github.com/skiprt/objruntime/kindmap"
)

// redZoneBytes pads every debug allocation on both sides so an
// out-of-bounds write is more likely to corrupt a (checked) canary
// instead of another live object.
const redZoneBytes = 16

var redZonePattern = [4]byte{0xDE, 0xAD, 0xC0, 0xDE}

type debugEntry struct {
	base uintptr
	size uintptr
	kind kindmap.Kind
	freed bool
}

// DebugAllocator is the sanitizer-mode Backend of spec.md §4.2: it
// uses Go's own allocator as the platform "malloc", pads each
// allocation with canary red zones, and keeps a sorted side table of
// {addr, size, kind} for O(log n) rawMemoryKind lookups. A double free
// is detected by checking the entry's freed flag (the original's
// trick of re-freeing through the platform allocator to let it abort
// isn't available through Go's allocator, so this is the direct
// equivalent: abort via panic, per spec.md §7).
type DebugAllocator struct {
	mapper *kindmap.Mapper

	mu      sync.Mutex
	entries []*debugEntry      // kept sorted by base for binary search
	byBase  map[uintptr]*debugEntry
	backing map[uintptr][]byte // keeps the Go slice (and its red zones) alive
}

// NewDebugAllocator builds a DebugAllocator sharing mapper with its
// owning Arena.
func NewDebugAllocator(mapper *kindmap.Mapper) *DebugAllocator {
	return &DebugAllocator{
		mapper:  mapper,
		byBase:  make(map[uintptr]*debugEntry),
		backing: make(map[uintptr][]byte),
	}
}

func checkCanary(buf []byte) bool {
	if len(buf) < 4 {
		return true
	}
	return buf[0] == redZonePattern[0] && buf[1] == redZonePattern[1] &&
		buf[2] == redZonePattern[2] && buf[3] == redZonePattern[3]
}

// Reserve implements Backend.
func (d *DebugAllocator) Reserve(sz uintptr, kind kindmap.Kind) (uintptr, []byte, error) {
	total := sz + 2*redZoneBytes
	buf := make([]byte, total)
	for i := 0; i < redZoneBytes; i += 4 {
		copy(buf[i:], redZonePattern[:])
		copy(buf[len(buf)-redZoneBytes+i:], redZonePattern[:])
	}
	base := uintptr(unsafe.Pointer(&buf[redZoneBytes]))

	e := &debugEntry{base: base, size: sz, kind: kind}

	d.mu.Lock()
	d.byBase[base] = e
	d.backing[base] = buf
	d.entries = insertSorted(d.entries, e)
	d.mu.Unlock()

	d.mapper.Set(alignDownToSlot(base), alignUpToSlot(base+sz), kind)
	return base, buf[redZoneBytes : redZoneBytes+sz], nil
}

func alignDownToSlot(p uintptr) uintptr { return p &^ (kindmap.SlotSize - 1) }
func alignUpToSlot(p uintptr) uintptr   { return roundUp(p, kindmap.SlotSize) }

func insertSorted(entries []*debugEntry, e *debugEntry) []*debugEntry {
	i := sort.Search(len(entries), func(i int) bool { return entries[i].base >= e.base })
	entries = append(entries, nil)
	copy(entries[i+1:], entries[i:])
	entries[i] = e
	return entries
}

// Release implements Backend.
func (d *DebugAllocator) Release(base uintptr, kind kindmap.Kind) {
	d.mu.Lock()
	e, ok := d.byBase[base]
	if !ok {
		d.mu.Unlock()
		panic(fmt.Sprintf("arena: free of pointer %#x not owned by this allocator", base))
	}
	if e.freed {
		d.mu.Unlock()
		panic(fmt.Sprintf("arena: double free of pointer %#x", base))
	}
	e.freed = true
	buf := d.backing[base]
	d.mu.Unlock()

	if !checkCanary(buf[:redZoneBytes]) || !checkCanary(buf[len(buf)-redZoneBytes:]) {
		panic(fmt.Sprintf("arena: red zone corruption detected at %#x", base))
	}

	d.mapper.Erase(alignDownToSlot(base), alignUpToSlot(base+e.size))
}

// RawMemoryKindOf does an upper_bound-style lookup over the sorted
// entries, matching the "sorted side table" description in
// spec.md §4.2, independent of the KindMapper (useful in tests that
// want to double-check the mapper's own bookkeeping against a
// second, unrelated source of truth).
func (d *DebugAllocator) RawMemoryKindOf(p uintptr) (kindmap.Kind, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	i := sort.Search(len(d.entries), func(i int) bool { return d.entries[i].base > p })
	if i == 0 {
		return kindmap.Unknown, false
	}
	e := d.entries[i-1]
	if e.freed || p >= e.base+e.size {
		return kindmap.Unknown, false
	}
	return e.kind, true
}

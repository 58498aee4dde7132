// Package obstack implements the Obstack of spec.md §4.6: a
// chunk/slab bump allocator for uninterned robj.RObj bodies, Pos
// markers that let a caller roll a sequence of allocations back, and
// Handles that keep a stable external reference to an object across a
// freeze or a steal.
//
// Each allocation still asks an arena.Arena for a real, KindMapper-
// classified address (the same "badge" pattern robj documents), but
// many RObj bodies share one underlying arena.Alloc call by bumping an
// offset within a slab, exactly the allocation strategy the name
// "obstack" (object stack) describes.
package obstack

import (
	"fmt"

	"github.com/skiprt/objruntime/arena"
	"github.com/skiprt/objruntime/kindmap"
	"github.com/skiprt/objruntime/robj"
	"github.com/skiprt/objruntime/rtype"
)

// DefaultSlabSize is how much real memory one bump slab reserves from
// the Arena before a new one is carved.
const DefaultSlabSize = uintptr(64 * 1024)

// largeThreshold is the body size above which an allocation bypasses
// slab bumping and goes straight to the Arena as its own reservation,
// matching spec.md's small/large allocation split.
const largeThreshold = DefaultSlabSize / 4

type slab struct {
	base uintptr
	size uintptr
	used uintptr
	// solo is true for a slab that is itself one large allocation
	// (exactly one object, never bump-shared).
	solo bool
	// firstObjIndex is the index into Obstack.objects of the first RObj
	// placed in this slab, letting a collector decide in O(1) whether
	// every object a slab holds was allocated at or after some Pos
	// (see ReclaimYoung), without recording a per-object slab pointer.
	firstObjIndex int
}

// Pos marks a point in an Obstack's allocation history; Rewind(pos)
// drops every RObj allocated since.
type Pos int

// Handle is a stable external reference into an Obstack's graph: a
// caller can hold one across a Freeze or a StealObjectsAndHandles
// without caring whether the referent is still an RObj or has become
// an IObj.
type Handle struct {
	id    uint64
	ref   robj.Ref
	owner *Obstack
}

// Ref returns the handle's current referent.
func (h *Handle) Ref() robj.Ref { return h.ref }

// Set updates the handle's referent, e.g. after Freeze resolves it to
// canonical interned form.
func (h *Handle) Set(r robj.Ref) { h.ref = r }

// Obstack is one bump-allocation arena of uninterned objects.
type Obstack struct {
	arena    *arena.Arena
	slabSize uintptr

	slabs []*slab
	cur   *slab

	// objects lists every RObj this Obstack has ever allocated, in
	// allocation order; Pos indexes into it.
	objects []*robj.RObj

	handles    map[uint64]*Handle
	nextHandle uint64

	tasks []func()
}

// New builds an empty Obstack backed by a.
func New(a *arena.Arena) *Obstack {
	return &Obstack{
		arena:    a,
		slabSize: DefaultSlabSize,
		handles:  make(map[uint64]*Handle),
	}
}

// bodySize computes how many bytes ty's badge allocation needs. The
// Go struct carrying the object's real fields is allocated by the Go
// runtime as usual; this is only the arena-backed address badge, sized
// to UninternedMetadataByteSize plus the user payload so the KindMapper
// slot accounting in spec.md invariant 1 remains meaningful even
// though no user bytes are actually stored there.
func bodySize(ty *rtype.Type, arraySize uintptr) uintptr {
	sz := ty.UninternedMetadataByteSize + ty.UserByteSize
	if ty.Kind == rtype.Array {
		sz += ty.UserByteSize * arraySize
	}
	if sz == 0 {
		sz = arena.DefaultAlign
	}
	return sz
}

func refSlotCount(ty *rtype.Type, arraySize uintptr) int {
	if ty.Kind == rtype.Array {
		return ty.TraceBitmap.Slots() * int(arraySize)
	}
	return ty.TraceBitmap.Slots()
}

func (o *Obstack) bump(sz uintptr) (uintptr, error) {
	aligned := (sz + arena.DefaultAlign - 1) &^ (arena.DefaultAlign - 1)

	if aligned > largeThreshold {
		base, _, err := o.arena.Alloc(aligned, kindmap.Large)
		if err != nil {
			return 0, err
		}
		o.slabs = append(o.slabs, &slab{base: base, size: aligned, used: aligned, solo: true, firstObjIndex: len(o.objects)})
		return base, nil
	}

	if o.cur == nil || o.cur.used+aligned > o.cur.size {
		base, _, err := o.arena.Alloc(o.slabSize, kindmap.Obstack)
		if err != nil {
			return 0, err
		}
		o.cur = &slab{base: base, size: o.slabSize, firstObjIndex: len(o.objects)}
		o.slabs = append(o.slabs, o.cur)
	}
	addr := o.cur.base + o.cur.used
	o.cur.used += aligned
	return addr, nil
}

// Alloc bump-allocates a new, zero-initialized RObj of type ty.
// arraySize must be 0 for a non-Array type.
func (o *Obstack) Alloc(ty *rtype.Type, arraySize uintptr) (*robj.RObj, error) {
	addr, err := o.bump(bodySize(ty, arraySize))
	if err != nil {
		return nil, fmt.Errorf("obstack: alloc %s: %w", ty.Name, err)
	}
	obj := &robj.RObj{Type: ty, ArraySize: arraySize, Refs: make([]robj.Ref, refSlotCount(ty, arraySize))}
	obj.SetAddr(addr)
	o.objects = append(o.objects, obj)
	return obj, nil
}

// Note returns a Pos marking the current allocation frontier.
func (o *Obstack) Note() Pos { return Pos(len(o.objects)) }

// Rewind drops every RObj allocated since p was taken. The slab bytes
// themselves are not reclaimed (a bump allocator never reclaims a
// partial slab mid-stream); only the bookkeeping that would otherwise
// keep those bodies reachable for Freeze/Steal is dropped, letting Go's
// GC collect the struct once nothing else references it.
func (o *Obstack) Rewind(p Pos) {
	if int(p) > len(o.objects) {
		panic("obstack: Rewind to a Pos beyond the current frontier")
	}
	o.objects = o.objects[:p]
}

// Objects returns every RObj currently tracked by this Obstack, in
// allocation order. Callers must not retain the slice past the next
// Alloc/Rewind.
func (o *Obstack) Objects() []*robj.RObj { return o.objects }

// NewHandle mints a Handle pointing at r, registered with this
// Obstack.
func (o *Obstack) NewHandle(r robj.Ref) *Handle {
	o.nextHandle++
	h := &Handle{id: o.nextHandle, ref: r, owner: o}
	o.handles[h.id] = h
	return h
}

// ReleaseHandle deregisters h. Using h afterward is a caller bug; it is
// not poisoned, to keep this path allocation-free.
func (o *Obstack) ReleaseHandle(h *Handle) {
	delete(o.handles, h.id)
}

// Handles returns every Handle currently registered with this Obstack.
func (o *Obstack) Handles() []*Handle {
	out := make([]*Handle, 0, len(o.handles))
	for _, h := range o.handles {
		out = append(out, h)
	}
	return out
}

// ScheduleTask enqueues fn to run the next time RunScheduledTasks is
// called, e.g. a finalizer hook an allocation wants deferred until the
// Obstack's owning call frame actually unwinds.
func (o *Obstack) ScheduleTask(fn func()) {
	o.tasks = append(o.tasks, fn)
}

// Generation splits this Obstack's currently tracked objects at note,
// per spec.md §4.7's young/old boundary: old holds everything
// allocated before note (must survive a collection untouched), young
// holds everything at or after it (eligible for reclaim if
// unreachable). A Pos beyond the current frontier is clamped to it, so
// every tracked object counts as old and young is empty.
func (o *Obstack) Generation(note Pos) (old, young []*robj.RObj) {
	cut := int(note)
	if cut > len(o.objects) {
		cut = len(o.objects)
	}
	if cut < 0 {
		cut = 0
	}
	return o.objects[:cut], o.objects[cut:]
}

// ReclaimYoung releases back to the Arena every slab that holds only
// allocations at or after note, and drops the corresponding entries
// from this Obstack's own object bookkeeping. A slab that also holds
// at least one pre-note allocation is kept whole -- a bump allocator
// never reclaims a partial slab mid-stream -- on the assumption that
// any of its young objects still reachable were already copied
// elsewhere by the caller before this runs, exactly as
// spec.md §4.7's "old" region is left untouched by a collection.
func (o *Obstack) ReclaimYoung(note Pos) {
	cut := int(note)
	if cut > len(o.objects) {
		cut = len(o.objects)
	}
	if cut < 0 {
		cut = 0
	}

	kept := o.slabs[:0]
	for _, s := range o.slabs {
		if s.firstObjIndex >= cut {
			if s.solo {
				o.arena.Free(s.base, kindmap.Large)
			} else {
				o.arena.Free(s.base, kindmap.Obstack)
			}
			continue
		}
		kept = append(kept, s)
	}
	o.slabs = kept
	if len(kept) == 0 || kept[len(kept)-1] != o.cur {
		o.cur = nil
	}
	o.objects = o.objects[:cut]
}

// FreeSlabs releases every slab this Obstack owns back to the Arena
// and clears all allocation bookkeeping, without touching handles.
// handle.Process.Finish calls it when a process ends; the collector
// package releases young slabs with ReclaimYoung instead.
func (o *Obstack) FreeSlabs() {
	for _, s := range o.slabs {
		if s.solo {
			o.arena.Free(s.base, kindmap.Large)
		} else {
			o.arena.Free(s.base, kindmap.Obstack)
		}
	}
	o.slabs = nil
	o.cur = nil
	o.objects = nil
}

// RunScheduledTasks drains and runs every pending task, in the order
// they were scheduled. It returns the number of tasks run.
func (o *Obstack) RunScheduledTasks() int {
	tasks := o.tasks
	o.tasks = nil
	for _, fn := range tasks {
		fn()
	}
	return len(tasks)
}

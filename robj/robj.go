// Package robj defines the two body shapes of spec.md §3: uninterned
// RObj and interned IObj, plus the Ref slot type that models
// "Option<PtrOrInline>" reference fields.
//
// Every RObj/IObj carries an addr: a real address handed out by an
// arena.Arena purely so the KindMapper/Arena layer can classify it in
// O(1), exactly as spec.md invariant 2 requires ("interned bodies live
// only in iobj-kind regions..."). The object's actual fields -- type,
// refcount, references -- live in the Go struct itself rather than
// being marshaled into the bytes at that address: a real
// reimplementation in an unsafe systems language places the struct
// directly at its arena address, but Go cannot safely placement-new a
// pointer-containing struct into raw bytes without defeating its own
// GC and race detector. Using the struct pointer as the addressable
// Go value and a separate arena-obtained addr as its "badge" keeps
// every Arena/KindMapper invariant genuinely exercised (real memory of
// the right size and kind is reserved and released for every object)
// while keeping graph traversal, refcounting, and equality checks
// expressed in ordinary, race-detector-friendly Go. See DESIGN.md for
// the full rationale.
package robj

import (
	"sync/atomic"

	"github.com/skiprt/objruntime/rtype"
)

// Sentinel refcount values, per spec.md invariant 3.
const (
	MaxRefcount                   = int64(1) << 40
	CycleMemberRefcountSentinel   = int64(-1)
	BeingInternedRefcountSentinel = int64(-2)
	DeadRefcountSentinel          = int64(-3) // debug builds only
)

type refKind uint8

const (
	refNone refKind = iota
	refRObj
	refIObj
	refFake
)

// Ref is a single pointer-sized reference slot: a pointer to an
// uninterned object, a pointer to an interned object, or a fake
// (inline) value. The zero Ref is "none", used for an array slot that
// has never been written.
type Ref struct {
	robj *RObj
	iobj *IObj
	fake uintptr
	kind refKind
}

// RefToRObj wraps a reference to an uninterned object.
func RefToRObj(o *RObj) Ref { return Ref{robj: o, kind: refRObj} }

// RefToIObj wraps a reference to an interned object.
func RefToIObj(o *IObj) Ref { return Ref{iobj: o, kind: refIObj} }

// RefFake wraps an inline value (e.g. a short string) in a reference slot.
func RefFake(payload uintptr) Ref { return Ref{fake: payload, kind: refFake} }

// IsNone reports whether the slot has never been written.
func (r Ref) IsNone() bool { return r.kind == refNone }

// IsFake reports whether the slot holds an inline value rather than a
// dereferenceable pointer. Collection and interning must never trace
// through a fake reference.
func (r Ref) IsFake() bool { return r.kind == refFake }

// AsRObj returns the uninterned object this slot references, if any.
func (r Ref) AsRObj() (*RObj, bool) { return r.robj, r.kind == refRObj }

// AsIObj returns the interned object this slot references, if any.
func (r Ref) AsIObj() (*IObj, bool) { return r.iobj, r.kind == refIObj }

// FakePayload returns the inline value. Callers must check IsFake first.
func (r Ref) FakePayload() uintptr { return r.fake }

// RObj is the uninterned body shape: a vtable-ref prefix, optional
// array size, and a slice of pointer-sized reference/scalar slots.
type RObj struct {
	addr      uintptr
	Type      *rtype.Type
	ArraySize uintptr // 0 for non-array types
	Frozen    bool
	// Forward is non-nil once the collector has copied this body
	// elsewhere; readers must redirect through it instead of using
	// Refs. This materializes spec.md §9's "Forwarding pointers"
	// design note as a typed field rather than a reused vtable slot.
	Forward *RObj
	Refs    []Ref
}

// Addr returns the arena-badge address identifying this body.
func (o *RObj) Addr() uintptr { return o.addr }

// SetAddr is used by Obstack at allocation time.
func (o *RObj) SetAddr(a uintptr) { o.addr = a }

// Resolve follows Forward chains to the live copy of o, or returns o
// itself if it has never been moved.
func (o *RObj) Resolve() *RObj {
	for o.Forward != nil {
		o = o.Forward
	}
	return o
}

// TarjanNode is the per-node state the Interner's iterative Tarjan DFS
// attaches to each not-yet-interned RObj it visits (spec.md §4.5.2).
type TarjanNode struct {
	Orig      *RObj
	Index     int
	Lowlink   int
	OnStack   bool
	DFSOrder  int
	LocalHash uint64
	// Interned is filled in once this node's owning SCC has been
	// mapped to (or newly inserted as) canonical interned form.
	Interned *IObj
	// NextRef is the index into Orig.Refs the DFS should resume from;
	// the Tarjan walk in this module is iterative, not recursive, to
	// bound stack depth on deep graphs.
	NextRef int
	// GroupIndex is this node's position within its SCC's canonical
	// ordering (the root elected by smallest local hash, then a
	// breadth-first walk; see interner's electCanonicalOrder), used to
	// match internal references against an existing CycleHandle's
	// Members slice in cycleEqual.
	GroupIndex int
}

// IObj is the interned body shape: a refcount, a union "next" slot
// (modeled as separate named fields since Go has no overlapping
// union storage), and the same type/array-size/refs shape as RObj.
type IObj struct {
	addr      uintptr
	Type      *rtype.Type
	ArraySize uintptr
	Refs      []Ref
	Hash      uint64

	// Refcount is the atomic reference count consulted directly by
	// objects that are not cycle members; see RefcountDelegate.
	Refcount atomic.Int64

	// Exactly one of these is meaningful at a time, matching the
	// spec's "union next-pointer slot": BucketNext while listed in an
	// InternTable chain, CycleHandle once the object is a cycle
	// member, Tarjan while interning is in progress, FreeNext once
	// freed and awaiting cascade cleanup. In this module only BucketNext
	// and CycleHandle are set: the interner keeps its Tarjan state in a
	// side map and the refcount cascade uses a slice worklist, so Tarjan
	// and FreeNext stay nil.
	BucketNext  *IObj
	CycleHandle *IObj
	Tarjan      *TarjanNode
	FreeNext    *IObj

	// GroupSize and Members are set only on an IObj playing the role of
	// a cycle's CycleHandle (spec.md §4.5's cycle-root election): the
	// number of objects in the cycle, and the objects themselves in
	// the canonical order of TarjanNode.GroupIndex. An ordinary (non-handle)
	// interned object leaves both zero/nil.
	GroupSize int
	Members   []*IObj
}

// Addr returns the arena-badge address identifying this body.
func (o *IObj) Addr() uintptr { return o.addr }

// SetAddr is used by the Interner at insertion time.
func (o *IObj) SetAddr(a uintptr) { o.addr = a }

// IsCycleMember reports whether o's refcount is delegated to a
// CycleHandle.
func (o *IObj) IsCycleMember() bool { return o.CycleHandle != nil }

// RefcountDelegate returns the object whose refcount is actually
// consulted for o: itself, unless o is a cycle member, in which case
// its CycleHandle (spec.md invariant 4).
func (o *IObj) RefcountDelegate() *IObj {
	if o.IsCycleMember() {
		return o.CycleHandle
	}
	return o
}

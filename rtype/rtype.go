// Package rtype implements the Type / VTable descriptors of
// spec.md §3 ("VTable and frozen bit") and §4's Type summary: the
// per-class metadata every object body points back to, plus the
// class/array/invocation factories of the external Type registration
// API (spec.md §6).
package rtype

import (
	"unsafe"

	"github.com/skiprt/objruntime/tagptr"
)

// Kind is the broad category of a Type, matching spec.md §3.
type Kind uint8

const (
	RefClass Kind = iota
	Array
	Invocation
	StringType
	CycleHandleType
)

// SlotMask is a bit-per-pointer-sized-slot mask, used for the two
// reference-bitmap stripes (tracing and freeze-time) a Type carries.
type SlotMask struct {
	words []uint64
	slots int
}

// NewSlotMask allocates a mask with room for nslots bits, all clear.
func NewSlotMask(nslots int) SlotMask {
	return SlotMask{words: make([]uint64, (nslots+63)/64), slots: nslots}
}

// Set marks slot as holding a reference.
func (m SlotMask) Set(slot int) {
	m.words[slot/64] |= uint64(1) << (slot % 64)
}

// Test reports whether slot holds a reference.
func (m SlotMask) Test(slot int) bool {
	if slot < 0 || slot >= m.slots {
		return false
	}
	return m.words[slot/64]&(uint64(1)<<(slot%64)) != 0
}

// Slots returns the number of pointer-sized slots this mask covers.
func (m SlotMask) Slots() int { return m.slots }

// RefSlots returns every set slot index in ascending order.
func (m SlotMask) RefSlots() []int {
	out := make([]int, 0, m.slots)
	for i := 0; i < m.slots; i++ {
		if m.Test(i) {
			out = append(out, i)
		}
	}
	return out
}

// Hooks carries a Type's state-change callbacks. Finalize is invoked
// on teardown by the free function runtimectx.New hands to the
// Refcount engine. Initialize is not invoked anywhere in this module;
// the Interner does not call it on insertion.
type Hooks struct {
	Initialize func(body unsafe.Pointer)
	Finalize   func(body unsafe.Pointer)
}

// Hints are the per-Type flags spec.md §4's Type summary names.
type Hints struct {
	// MixedRefs means some but not all pointer-sized slots hold
	// references; callers must consult the bitmap rather than
	// assuming all-or-nothing.
	MixedRefs bool
	// AllFrozenRefs means every reference this type holds is
	// guaranteed, by construction, to already be frozen -- a hint the
	// Obstack freezer and collector can use to skip redundant work.
	AllFrozenRefs bool
	// NoMutableAliases enables Obstack's NoAliasFreezer instead of the
	// default aliasing-preserving Freezer.
	NoMutableAliases bool
	// AvoidInternTable means objects of this type should never be
	// interned (e.g. a type that is only ever obstack-local).
	AvoidInternTable bool
}

// Type is the per-class descriptor every object body's metadata prefix
// points at (by way of a VTable).
type Type struct {
	Name string
	Kind Kind

	UserByteSize uintptr

	// UninternedMetadataByteSize / InternedMetadataByteSize are the
	// fixed prefix sizes for RObj-shape and IObj-shape bodies of this
	// type, respectively (spec.md §3's "Pointer representation").
	UninternedMetadataByteSize uintptr
	InternedMetadataByteSize   uintptr

	// TraceBitmap drives normal GC/interning reference walks;
	// FreezeBitmap drives Obstack.Freeze's traversal. They are
	// separate stripes of the same conceptual bitmap because a type
	// can hold references that should be traced for collection but
	// skipped (or vice versa) when deep-copying into frozen form.
	TraceBitmap  SlotMask
	FreezeBitmap SlotMask

	// TilesPerMask is the array-striding factor: for Array-kind types,
	// how many array slots one repetition of TraceBitmap covers.
	TilesPerMask int

	Hooks Hooks
	Hints Hints

	vtable VTable
}

// VTable is the statically-allocated descriptor every object's
// metadata prefix references, by address, as a "vtable-ref". The
// runtime steals tagptr.FrozenBit out of that address to flag frozen
// objects without needing a separate field.
type VTable struct {
	Type *Type
}

// Ref returns t's vtable-ref: the unfrozen packed pointer to t's
// VTable, suitable for storing in an object's metadata prefix.
func (t *Type) Ref() uintptr {
	return uintptr(unsafe.Pointer(&t.vtable))
}

// VTableOf resolves a vtable-ref (frozen or not, and regardless of
// fake-pointer status -- callers must check tagptr.IsFake first) back
// to its Type.
func VTableOf(ref uintptr) *Type {
	vt := (*VTable)(unsafe.Pointer(tagptr.Unfreeze(ref)))
	return vt.Type
}

// IsFrozenRef reports whether ref carries the frozen bit.
func IsFrozenRef(ref uintptr) bool { return tagptr.IsFrozen(ref) }

// FreezeRef sets the frozen bit on ref.
func FreezeRef(ref uintptr) uintptr { return tagptr.Freeze(ref) }

// RefEqual compares two vtable-refs per spec.md §3: equal iff they
// name the same Type, regardless of the frozen bit.
func RefEqual(a, b uintptr) bool { return tagptr.VTableEqual(a, b) }

// ClassFactory implements the external "class_factory" API: a plain
// reference-carrying class with byteSize user bytes and references at
// the given pointer-sized slot offsets.
func ClassFactory(name string, byteSize uintptr, refSlots []int, uninternedPrefix, internedPrefix uintptr, hooks Hooks) *Type {
	nslots := int((byteSize + uintptr(unsafe.Sizeof(uintptr(0))) - 1) / unsafe.Sizeof(uintptr(0)))
	trace := NewSlotMask(nslots)
	freeze := NewSlotMask(nslots)
	for _, s := range refSlots {
		trace.Set(s)
		freeze.Set(s)
	}
	t := &Type{
		Name:                       name,
		Kind:                       RefClass,
		UserByteSize:               byteSize,
		UninternedMetadataByteSize: uninternedPrefix,
		InternedMetadataByteSize:   internedPrefix,
		TraceBitmap:                trace,
		FreezeBitmap:               freeze,
		TilesPerMask:               1,
		Hooks:                      hooks,
		Hints:                      Hints{MixedRefs: len(refSlots) > 0 && len(refSlots) < nslots},
	}
	t.vtable = VTable{Type: t}
	return t
}

// ArrayFactory implements the external "array_factory" API: a
// homogeneous array of slotSize-byte elements, with references at the
// given offsets within *each* element (slotRefOffsets are slot indices
// within one element's pointer-word stride).
func ArrayFactory(name string, slotSize uintptr, slotRefOffsets []int) *Type {
	tilesPerMask := int((slotSize + uintptr(unsafe.Sizeof(uintptr(0))) - 1) / unsafe.Sizeof(uintptr(0)))
	if tilesPerMask == 0 {
		tilesPerMask = 1
	}
	trace := NewSlotMask(tilesPerMask)
	freeze := NewSlotMask(tilesPerMask)
	for _, s := range slotRefOffsets {
		trace.Set(s)
		freeze.Set(s)
	}
	t := &Type{
		Name:         name,
		Kind:         Array,
		UserByteSize: slotSize,
		TraceBitmap:  trace,
		FreezeBitmap: freeze,
		TilesPerMask: tilesPerMask,
		Hints:        Hints{MixedRefs: len(slotRefOffsets) > 0 && len(slotRefOffsets) < tilesPerMask},
	}
	t.vtable = VTable{Type: t}
	return t
}

// InvocationFactory implements the external "invocation_factory" API:
// a memoizable function-call record. The invocation/memoization cache
// itself is an explicit non-goal (spec.md §1); this factory only
// shapes the Type so the core's Obstack/Interner/Collector can handle
// invocation objects generically alongside ordinary classes.
func InvocationFactory(name string, byteSize uintptr, refSlots []int) *Type {
	t := ClassFactory(name, byteSize, refSlots, 0, 0, Hooks{})
	t.Kind = Invocation
	t.vtable = VTable{Type: t}
	return t
}

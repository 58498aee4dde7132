// Package tagptr implements the packed-pointer primitives spec.md §3
// and §9 describe as "SmallTaggedPtr": a machine word that carries a
// real or fake pointer plus a handful of tag bits stolen from bits
// that are statically known to be zero (low bits below a type's
// alignment, or high bits above the platform's usable address width).
//
// Three layouts are possible in principle (tag-appended, tag-overlapped
// with alignment zeros, alignment-removed); this module only needs the
// overlapped layout, so that is the only one implemented. A future
// platform needing the others should add a sibling type here rather
// than special-casing callers.
package tagptr

import "math/bits"

// signBit is the top bit of a machine word. A real heap pointer handed
// out by this runtime's Arena never sets it (usable virtual address
// space is far narrower than a full word on every platform this
// module targets), so it is free to mark "fake pointer: an inline
// value living in a pointer-sized slot, not a dereferenceable address".
const signBit = uintptr(1) << (bits.UintSize - 1)

// IsFake reports whether w is a fake pointer: an inline value (for
// example a short string) rather than a real address. Code that walks
// references for tracing or interning must check this before ever
// treating w as dereferenceable.
func IsFake(w uintptr) bool {
	return w&signBit != 0
}

// MakeFake packs payload (which must fit in bits.UintSize-1 bits) into
// a fake pointer.
func MakeFake(payload uintptr) uintptr {
	return payload | signBit
}

// FakePayload extracts the payload bits of a fake pointer. The caller
// is responsible for having checked IsFake first.
func FakePayload(w uintptr) uintptr {
	return w &^ signBit
}

// FrozenBit is the bit within a vtable-ref that marks an object as
// deeply immutable. It is known-zero in every real VTable address
// because VTables are statically allocated with an alignment greater
// than 1<<FrozenBitIndex, so stealing it for the frozen flag never
// collides with real address bits.
const FrozenBitIndex = 3
const FrozenBit = uintptr(1) << FrozenBitIndex

// Freeze sets the frozen bit on a vtable-ref.
func Freeze(vtableRef uintptr) uintptr { return vtableRef | FrozenBit }

// Unfreeze clears the frozen bit on a vtable-ref.
func Unfreeze(vtableRef uintptr) uintptr { return vtableRef &^ FrozenBit }

// IsFrozen reports whether vtableRef carries the frozen bit.
func IsFrozen(vtableRef uintptr) bool { return vtableRef&FrozenBit != 0 }

// VTableEqual compares two vtable-refs ignoring the frozen bit, which
// is the equality spec.md §3 requires: a frozen and unfrozen ref to
// the same VTable are equal, but a fake pointer is never equal to a
// real one (the sign bit dominates the comparison since it sits far
// above FrozenBit, so clearing FrozenBit never makes a fake pointer
// collide with a real address).
func VTableEqual(a, b uintptr) bool {
	return Unfreeze(a) == Unfreeze(b)
}

// BucketLayout packs {lock:2 bits, tag:tagBits bits, ptr: remaining
// bits} into one atomic word, the single-word bucket encoding of
// spec.md §4.3. interntable.Table does not use it: its buckets keep
// the lock, head pointer and split state in separate fields.
type BucketLayout struct {
	TagBits uint
}

func (l BucketLayout) tagMask() uint64   { return (uint64(1) << l.TagBits) - 1 }
func (l BucketLayout) ptrShift() uint    { return 2 + l.TagBits }

// Pack assembles a bucket word from its three fields. lock must fit in
// 2 bits, tag in TagBits bits; ptr is shifted up above both.
func (l BucketLayout) Pack(lock uint64, tag uint64, ptr uintptr) uint64 {
	return (lock & 0x3) | ((tag & l.tagMask()) << 2) | (uint64(ptr) << l.ptrShift())
}

// Lock extracts the 2 spinlock bits.
func (l BucketLayout) Lock(word uint64) uint64 { return word & 0x3 }

// Tag extracts the extra-hash-bits tag.
func (l BucketLayout) Tag(word uint64) uint64 { return (word >> 2) & l.tagMask() }

// Ptr extracts the bucket's head pointer.
func (l BucketLayout) Ptr(word uint64) uintptr { return uintptr(word >> l.ptrShift()) }

// WithLock returns word with its lock bits replaced, leaving tag and
// ptr untouched.
func (l BucketLayout) WithLock(word uint64, lock uint64) uint64 {
	return (word &^ 0x3) | (lock & 0x3)
}

// IsRehashSentinel reports whether word is the all-zero "needs lazy
// rehash" sentinel: an untouched bucket slot in the reserved-but-not-
// yet-grown region of the bucket array.
func IsRehashSentinel(word uint64) bool { return word == 0 }

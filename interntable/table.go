// Package interntable implements the InternTable of spec.md §4.3: a
// lock-striped, power-of-two bucketed hash set of interned objects,
// with lazy rehashing so a grow never has to move data synchronously.
//
// Each bucket is a spinlock guarding a single head pointer; the chain
// through a bucket threads through each object's own
// robj.IObj.BucketNext field, so the table itself never allocates a
// node per entry. The spec's C++ implementation packs {lock, tag,
// ptr} into one machine word so a lookup touches one cache line; this
// port keeps the head as a real atomic.Pointer instead of a
// uintptr-encoded one, because stashing a live object's only address
// as an integer would let the garbage collector reclaim it out from
// under the table. See DESIGN.md for that tradeoff.
package interntable

import (
	"sync/atomic"

	"github.com/skiprt/objruntime/robj"
)

const (
	// Log2MinBuckets is the initial visible bucket count's log2 (4096
	// buckets), matching spec.md §4.3.
	Log2MinBuckets = 12
	// Log2MaxBuckets bounds how far Grow will take the visible mask.
	// The backing slice is sized to this up front; Go's runtime lazily
	// commits the pages behind a large zeroed slice, so reserving the
	// full capacity up front costs address space, not resident memory,
	// for the buckets a workload never touches -- the Go-native
	// equivalent of spec.md's "untouched buckets read as all-zero
	// pages".
	Log2MaxBuckets = 20
)

// bucket is one slot of the table: a spinlock (held while the chain is
// being read or mutated) plus the chain head.
type bucket struct {
	locked atomic.Bool
	head   atomic.Pointer[robj.IObj]
	// touched distinguishes "genuinely empty" from "never split off its
	// parent", since both read as a nil head.
	touched atomic.Bool
}

func (b *bucket) lock() {
	for !b.locked.CompareAndSwap(false, true) {
	}
}

func (b *bucket) unlock() { b.locked.Store(false) }

// EqualFunc performs the structural equality check spec.md calls
// deepEqual, used when two objects land in the same bucket chain.
type EqualFunc func(a, b *robj.IObj) bool

// Table is the InternTable itself.
type Table struct {
	buckets []bucket
	mask    atomic.Uint64
	size    atomic.Int64
	equal   EqualFunc
}

// New builds a Table. equal is called to break ties between objects
// whose hash matches within a bucket chain.
func New(equal EqualFunc) *Table {
	t := &Table{
		buckets: make([]bucket, uint64(1)<<Log2MaxBuckets),
		equal:   equal,
	}
	t.mask.Store((uint64(1) << Log2MinBuckets) - 1)
	for i := uint64(0); i < uint64(1)<<Log2MinBuckets; i++ {
		t.buckets[i].touched.Store(true)
	}
	return t
}

func (t *Table) visibleMask() uint64 {
	m := t.mask.Load()
	if m == 0 {
		return (uint64(1) << Log2MinBuckets) - 1
	}
	return m
}

// Size returns the number of objects currently listed in the table.
func (t *Table) Size() int64 { return t.size.Load() }

func parentIndex(index uint64) uint64 {
	if index == 0 {
		return 0
	}
	return index &^ highestSetBit(index)
}

func highestSetBit(x uint64) uint64 {
	b := uint64(1)
	for b<<1 <= x {
		b <<= 1
	}
	return b
}

// splitBit returns which bit of an object's hash decides whether it
// belongs in the low or high half of index's bucket pair.
func splitBit(index uint64) uint64 {
	return highestSetBit(index)
}

// Bucket is a locked handle on one bucket, returned by LockHash. The
// caller must release it exactly once via Unlock, InsertAndUnlock, or
// EraseAndUnlock.
type Bucket struct {
	t     *Table
	index uint64
	b     *bucket
}

// LockHash resolves h to a bucket, performing lazy rehashing of any
// not-yet-split ancestor along the way, and returns it locked.
func (t *Table) LockHash(h uint64) *Bucket {
	for {
		mask := t.visibleMask()
		index := h & mask
		b := &t.buckets[index]
		b.lock()

		if !b.touched.Load() {
			t.lazyRehash(index)
			b.unlock()
			continue
		}

		if t.mask.Load() != mask {
			b.unlock()
			continue
		}

		return &Bucket{t: t, index: index, b: b}
	}
}

// lazyRehash splits the parent of index (known untouched) into its two
// children, publishing each child's head. Caller holds index's lock.
func (t *Table) lazyRehash(index uint64) {
	parent := parentIndex(index)
	pb := &t.buckets[parent]
	pb.lock()
	defer pb.unlock()

	if !pb.touched.Load() && parent != 0 {
		t.lazyRehash(parent)
	}

	bit := splitBit(index)
	var headLow, headHigh *robj.IObj

	for cur := pb.head.Load(); cur != nil; {
		next := cur.BucketNext
		if cur.Hash&bit != 0 {
			cur.BucketNext = headHigh
			headHigh = cur
		} else {
			cur.BucketNext = headLow
			headLow = cur
		}
		cur = next
	}

	low, high := parent, index
	t.buckets[low].head.Store(headLow)
	t.buckets[low].touched.Store(true)
	t.buckets[high].head.Store(headHigh)
	t.buckets[high].touched.Store(true)
}

// Head returns bkt's current chain head, for callers (such as the
// interner's cycle-handle matching) that need to walk the chain with
// their own equality notion instead of the Table's configured one.
func (bkt *Bucket) Head() *robj.IObj { return bkt.b.head.Load() }

// Lookup walks bkt's chain for an object structurally equal to
// candidate, whose full hash is h.
func (bkt *Bucket) Lookup(candidate *robj.IObj, h uint64) *robj.IObj {
	for cur := bkt.b.head.Load(); cur != nil; cur = cur.BucketNext {
		if cur.Hash != h {
			continue
		}
		if bkt.t.equal(candidate, cur) {
			return cur
		}
	}
	return nil
}

// InsertAndUnlock prepends obj (whose Hash field must already be set)
// to bkt's chain and releases the lock.
func (bkt *Bucket) InsertAndUnlock(obj *robj.IObj) {
	obj.BucketNext = bkt.b.head.Load()
	bkt.b.head.Store(obj)
	bkt.b.unlock()

	n := bkt.t.size.Add(1)
	bkt.t.reserve(n)
}

// EraseAndUnlock splices obj out of bkt's chain and releases the lock.
// obj must actually be listed in this bucket.
func (bkt *Bucket) EraseAndUnlock(obj *robj.IObj) {
	head := bkt.b.head.Load()
	var prev *robj.IObj
	for cur := head; cur != nil; cur = cur.BucketNext {
		if cur == obj {
			if prev == nil {
				head = cur.BucketNext
			} else {
				prev.BucketNext = cur.BucketNext
			}
			break
		}
		prev = cur
	}
	obj.BucketNext = nil
	bkt.b.head.Store(head)
	bkt.b.unlock()
	bkt.t.size.Add(-1)
}

// Unlock releases bkt without modifying its chain.
func (bkt *Bucket) Unlock() { bkt.b.unlock() }

// reserve doubles the visible mask whenever n gets within a third of
// the current capacity, per spec.md §4.3's Grow description. No data
// moves; newly visible buckets stay untouched until LockHash first
// reaches them.
func (t *Table) reserve(n int64) {
	for {
		mask := t.visibleMask()
		if uint64(n) < 2*(mask+1)/3 {
			return
		}
		next := (mask << 1) | 1
		if next > (uint64(1)<<Log2MaxBuckets)-1 {
			return
		}
		if t.mask.CompareAndSwap(mask, next) {
			return
		}
	}
}

// Len walks every visible bucket chain and counts objects, for tests
// that want to cross-check Size() against ground truth.
func (t *Table) Len() int {
	mask := t.visibleMask()
	n := 0
	for i := uint64(0); i <= mask; i++ {
		for cur := t.buckets[i].head.Load(); cur != nil; cur = cur.BucketNext {
			n++
		}
	}
	return n
}

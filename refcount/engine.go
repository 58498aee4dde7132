// Package refcount implements the atomic refcount engine of spec.md
// §4.4: incref/decref on interned objects, with a decref cascade that
// walks dead subgraphs iteratively (not recursively, so a long chain
// of singly-referenced objects can't blow the goroutine stack) and
// coordinates with the InternTable so a dying object's bucket entry is
// never visible to a concurrent lookup after its storage is freed.
package refcount

import (
	"fmt"

	"github.com/skiprt/objruntime/interntable"
	"github.com/skiprt/objruntime/robj"
)

// FreeFunc releases the arena-level storage behind a dead object (and
// runs its type's Finalize hook, if any). It must not itself touch the
// object's Refs after returning, since Engine has already cascaded
// into any interned children it needs to.
type FreeFunc func(o *robj.IObj)

// Engine is the refcount engine for one InternTable/Arena pairing.
type Engine struct {
	Table *interntable.Table
	Free  FreeFunc
}

// New builds an Engine.
func New(table *interntable.Table, free FreeFunc) *Engine {
	return &Engine{Table: table, Free: free}
}

// Incref unconditionally bumps o's delegate refcount (spec.md
// invariant 4: a cycle member's count is delegated to its
// CycleHandle).
func (e *Engine) Incref(o *robj.IObj) {
	d := o.RefcountDelegate()
	n := d.Refcount.Add(1)
	if n > robj.MaxRefcount {
		panic(fmt.Sprintf("refcount: overflow on %s", d.Type.Name))
	}
}

// IncrefFromNonZero bumps o's delegate refcount only if it observes a
// strictly positive count, reporting whether it succeeded. Callers
// holding only a racy reference to an object that might be mid-decref
// (for example a weak table entry) must use this instead of Incref.
func (e *Engine) IncrefFromNonZero(o *robj.IObj) bool {
	d := o.RefcountDelegate()
	for {
		cur := d.Refcount.Load()
		if cur <= 0 {
			return false
		}
		if d.Refcount.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

// decrefToNonZero attempts the decrement assuming the result will stay
// strictly positive; it returns false (without mutating anything) the
// moment it observes exactly 1, handing off to the slow, table-locked
// path that might actually free d.
func decrefToNonZero(d *robj.IObj) bool {
	for {
		cur := d.Refcount.Load()
		if cur <= 0 {
			panic(fmt.Sprintf("refcount: decref of a dead %s", d.Type.Name))
		}
		if cur == 1 {
			return false
		}
		if d.Refcount.CompareAndSwap(cur, cur-1) {
			return true
		}
	}
}

// Decref drops one reference to o and frees the transitive closure of
// whatever that leaves unreachable. spec.md's scan-before-free
// batching is realized here as an explicit worklist rather than
// recursion.
func (e *Engine) Decref(o *robj.IObj) {
	work := []*robj.IObj{o}
	for len(work) > 0 {
		cur := work[len(work)-1]
		work = work[:len(work)-1]
		e.decrefOne(cur, &work)
	}
}

func (e *Engine) decrefOne(o *robj.IObj, work *[]*robj.IObj) {
	d := o.RefcountDelegate()
	if decrefToNonZero(d) {
		return
	}

	// CycleHandles minted by the interner carry no Type.
	avoidsTable := d.Type != nil && d.Type.Hints.AvoidInternTable
	var bkt *interntable.Bucket
	if !avoidsTable {
		bkt = e.Table.LockHash(d.Hash)
	}

	n := d.Refcount.Add(-1)
	if n > 0 {
		// A racing IncrefFromNonZero revived d between decrefToNonZero's
		// observation and this decrement; nothing more to do.
		if bkt != nil {
			bkt.Unlock()
		}
		return
	}

	if bkt != nil {
		bkt.EraseAndUnlock(d)
	}

	if d.GroupSize > 0 {
		// d is a CycleHandle reaching refcount 0: per spec.md §3's cycle
		// lifecycle, that must finalize and free every member's own
		// arena body (the handle itself carries no outbound references;
		// each member carries its own) and cascade into whatever each
		// member referenced outside the cycle.
		for _, m := range d.Members {
			e.queueChildren(m, work, d)
			e.Free(m)
		}
		e.Free(d)
		return
	}

	e.queueChildren(d, work, nil)
	e.Free(d)
}

// queueChildren pushes every IObj-typed reference d carries onto work.
// Uninterned (RObj) children are owned outright by d and are released
// as part of d's own storage by Free; they are never independently
// refcounted. skipGroup, when non-nil, is the CycleHandle d is a
// member of; references to a fellow member of the same group are
// skipped, since those are freed alongside d by the same handle-level
// cascade rather than decremented as independent references.
func (e *Engine) queueChildren(d *robj.IObj, work *[]*robj.IObj, skipGroup *robj.IObj) {
	for _, r := range d.Refs {
		if r.IsNone() || r.IsFake() {
			continue
		}
		child, ok := r.AsIObj()
		if !ok {
			continue
		}
		if skipGroup != nil && child.CycleHandle == skipGroup {
			continue
		}
		*work = append(*work, child)
	}
}

// Package collector implements the Collector of spec.md §4.7: a
// semi-space compactor over one Obstack's uninterned graph, run
// against an explicit note boundary. Every object allocated before
// note ("old") is left exactly where it is -- never copied, never
// traced past; every object at or after note ("young") that is still
// reachable from the supplied roots and Handles is copied into a
// fresh "to-space" Obstack, and every young slab holding no surviving
// object is released back to the Arena in one shot -- the
// "shadow-buffer compaction" this package's name in spec.md refers
// to. There is no per-object free, only a whole-slab reclaim once the
// copy of that slab's survivors is known complete.
//
// Interned (IObj) subgraphs are never traced here: they are owned by
// the refcount engine and the InternTable, not by any one Obstack.
package collector

import (
	"github.com/skiprt/objruntime/arena"
	"github.com/skiprt/objruntime/obstack"
	"github.com/skiprt/objruntime/robj"
)

// Collector runs semi-space cycles against Obstacks backed by Arena.
type Collector struct {
	Arena *arena.Arena

	// ScanBytes, CopyBytes, and Cycles are running counters a caller
	// (the metrics package, in particular) can read after each Collect
	// to track collector activity, matching spec.md §6's GC statistics
	// surface.
	ScanBytes uint64
	CopyBytes uint64
	Cycles    uint64
}

// New builds a Collector over a.
func New(a *arena.Arena) *Collector {
	return &Collector{Arena: a}
}

// Collect runs one semi-space cycle over o bounded by note: objects
// allocated before note are left untouched in place; objects at or
// after note survive only if reachable from o's current Handles or
// from roots, and are copied into a fresh to-space before every
// young-only slab is released back to the Arena. roots is updated in
// place to point at each root's post-collection location.
func (c *Collector) Collect(o *obstack.Obstack, note obstack.Pos, roots []robj.Ref) {
	handles := o.Handles()
	if len(handles) == 1 && len(roots) == 0 {
		c.collectSingleRoot(o, note, handles[0])
		return
	}
	c.collect(o, note, handles, roots)
}

// collectSingleRoot is spec.md's single-root fast path: with exactly
// one live reference into the graph there can be no cross-root
// sharing for the generic path's memo map to worry about, only
// within-tree cycles/diamonds, which c.copy already guards against.
// It is otherwise identical to the general path below.
func (c *Collector) collectSingleRoot(o *obstack.Obstack, note obstack.Pos, h *obstack.Handle) {
	c.collect(o, note, []*obstack.Handle{h}, nil)
}

func (c *Collector) collect(o *obstack.Obstack, note obstack.Pos, handles []*obstack.Handle, roots []robj.Ref) {
	old, _ := o.Generation(note)
	oldSet := make(map[*robj.RObj]bool, len(old))
	for _, r := range old {
		oldSet[r] = true
	}

	to := obstack.New(c.Arena)
	copied := make(map[*robj.RObj]*robj.RObj)

	keepOrCopy := func(r robj.Ref) robj.Ref {
		rb, ok := r.AsRObj()
		if !ok {
			return r
		}
		rb = rb.Resolve()
		if oldSet[rb] {
			return r // pre-note survivor: left exactly in place, never traced
		}
		return robj.RefToRObj(c.copy(to, copied, oldSet, rb))
	}

	for _, h := range handles {
		h.Set(keepOrCopy(h.Ref()))
	}
	for i, r := range roots {
		roots[i] = keepOrCopy(r)
	}

	o.ReclaimYoung(note)
	to.StealObjectsAndHandles(o)
	c.Cycles++
}

// copy returns to's copy of old, allocating and recursing the first
// time old is seen and memoizing afterward so a DAG is copied once per
// node, not once per incoming edge. A reference into the old
// (pre-note) generation is rewritten to point at its unchanged
// original instead of being copied or traced further.
func (c *Collector) copy(to *obstack.Obstack, copied map[*robj.RObj]*robj.RObj, oldSet map[*robj.RObj]bool, old *robj.RObj) *robj.RObj {
	old = old.Resolve()
	if nw, ok := copied[old]; ok {
		return nw
	}

	nw, err := to.Alloc(old.Type, old.ArraySize)
	if err != nil {
		panic(err) // collector failure is as fatal as any other OOM
	}
	copied[old] = nw
	old.Forward = nw
	nw.Frozen = old.Frozen
	c.ScanBytes += uint64(len(old.Refs)) * 8
	c.CopyBytes += uint64(len(nw.Refs)) * 8

	for i, r := range old.Refs {
		switch {
		case r.IsNone(), r.IsFake():
			nw.Refs[i] = r
		default:
			child, ok := r.AsRObj()
			if !ok {
				nw.Refs[i] = r // IObj ref: refcounted, not traced here
				continue
			}
			child = child.Resolve()
			if oldSet[child] {
				nw.Refs[i] = robj.RefToRObj(child)
				continue
			}
			nw.Refs[i] = robj.RefToRObj(c.copy(to, copied, oldSet, child))
		}
	}
	return nw
}

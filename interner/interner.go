// Package interner implements spec.md §4.5: turning an uninterned
// robj.RObj graph into canonical robj.IObj form. Every graph goes
// through one iterative Tarjan SCC pass. A single-node SCC without a
// self-reference is interned with one bucket lookup (internSingle); a
// cycle gets a deterministic member order from electCanonicalOrder and
// is matched against previously-interned cycles position by position
// (cycleEqual) before a new CycleHandle is minted.
package interner

import (
	"encoding/binary"
	"fmt"
	"unsafe"

	"github.com/cespare/xxhash/v2"

	"github.com/skiprt/objruntime/interntable"
	"github.com/skiprt/objruntime/refcount"
	"github.com/skiprt/objruntime/robj"
	"github.com/skiprt/objruntime/rtype"
)

// AddrFunc mints a fresh arena-badge address for a newly interned
// object's IObj, classified under the iobj Kind. See robj's package
// doc for why interned bodies still need a real address.
type AddrFunc func(ty *rtype.Type, arraySize uintptr) (uintptr, error)

// Interner turns RObj graphs into canonical IObj graphs against one
// InternTable.
type Interner struct {
	Table    *interntable.Table
	Refcount *refcount.Engine
	NewAddr  AddrFunc
}

// New builds an Interner.
func New(table *interntable.Table, rc *refcount.Engine, newAddr AddrFunc) *Interner {
	return &Interner{Table: table, Refcount: rc, NewAddr: newAddr}
}

// ShallowEqual is the InternTable.EqualFunc every runtime-wired Table
// should be constructed with: two non-cycle-handle IObjs are equal iff
// their type, array size, and reference identities all match. Cycle
// members never reach this comparison through the normal insert path
// (internCycle matches whole groups via cycleEqual instead), so it
// only needs to handle the acyclic case.
func ShallowEqual(a, b *robj.IObj) bool {
	if a.Type != b.Type || a.ArraySize != b.ArraySize || len(a.Refs) != len(b.Refs) {
		return false
	}
	for i, r := range a.Refs {
		br := b.Refs[i]
		if r.IsNone() != br.IsNone() || r.IsFake() != br.IsFake() {
			return false
		}
		if r.IsFake() {
			if r.FakePayload() != br.FakePayload() {
				return false
			}
			continue
		}
		if r.IsNone() {
			continue
		}
		ao, _ := r.AsIObj()
		bo, _ := br.AsIObj()
		if ao != bo {
			return false
		}
	}
	return true
}

// Intern returns the canonical IObj for root, which must not itself
// already be interned. Every RObj transitively reachable from root
// through non-fake, non-nil reference slots is consumed: either merged
// into an existing canonical object (and discarded) or promoted to a
// freshly badged IObj.
func (in *Interner) Intern(root *robj.RObj) (*robj.IObj, error) {
	sccs, nodes := tarjan(root)

	for _, scc := range sccs {
		if len(scc) == 1 && !selfReferential(scc[0]) {
			if err := in.internSingle(scc[0], nodes); err != nil {
				return nil, err
			}
			continue
		}
		if err := in.internCycle(scc, nodes); err != nil {
			return nil, err
		}
	}

	return nodes[root].Interned, nil
}

func selfReferential(n *robj.TarjanNode) bool {
	for _, r := range n.Orig.Refs {
		if child, ok := r.AsRObj(); ok && child == n.Orig {
			return true
		}
	}
	return false
}

// internSingle resolves a one-node, acyclic SCC: every reference it
// carries is either fake or already-interned (earlier SCCs in Tarjan's
// output order are, by construction, fully resolved).
func (in *Interner) internSingle(n *robj.TarjanNode, nodes map[*robj.RObj]*robj.TarjanNode) error {
	o := n.Orig
	refs, err := in.resolvedRefs(o.Refs, nil, nodes)
	if err != nil {
		return err
	}
	h := hashNode(o.Type, o.ArraySize, refs)

	bkt := in.Table.LockHash(h)
	candidate := &robj.IObj{Type: o.Type, ArraySize: o.ArraySize, Refs: refs, Hash: h}
	if existing := bkt.Lookup(candidate, h); existing != nil {
		bkt.Unlock()
		in.Refcount.Incref(existing)
		n.Interned = existing
		return nil
	}

	addr, err := in.NewAddr(o.Type, o.ArraySize)
	if err != nil {
		bkt.Unlock()
		return err
	}
	candidate.SetAddr(addr)
	candidate.Refcount.Store(1)
	bkt.InsertAndUnlock(candidate)
	n.Interned = candidate
	return nil
}

// resolvedRefs rewrites o's reference slots into their canonical
// interned form. group, when non-nil, maps a same-SCC sibling RObj to
// its already-assigned group index; a ref into such a sibling is left
// as an RObj ref for internCycle's deepCompare/materialize steps to
// resolve by GroupIndex. Every other RObj ref must already have been
// interned by an earlier (dependency) SCC, per Tarjan's reverse
// topological output order; nodes supplies that lookup.
func (in *Interner) resolvedRefs(refs []robj.Ref, group map[*robj.RObj]int, nodes map[*robj.RObj]*robj.TarjanNode) ([]robj.Ref, error) {
	out := make([]robj.Ref, len(refs))
	for i, r := range refs {
		switch {
		case r.IsNone(), r.IsFake():
			out[i] = r
		default:
			child, ok := r.AsRObj()
			if !ok {
				out[i] = r // already a canonical IObj ref
				continue
			}
			if group != nil {
				if _, inGroup := group[child]; inGroup {
					out[i] = r
					continue
				}
			}
			n, known := nodes[child]
			if !known || n.Interned == nil {
				return nil, fmt.Errorf("interner: reference to uninterned object escaped its SCC")
			}
			out[i] = robj.RefToIObj(n.Interned)
		}
	}
	return out, nil
}

// hashNode combines a node's type identity, array size, and resolved
// reference identities into a table hash.
func hashNode(ty *rtype.Type, arraySize uintptr, refs []robj.Ref) uint64 {
	d := xxhash.New()
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(uintptr(unsafe.Pointer(ty))))
	d.Write(buf[:])
	binary.LittleEndian.PutUint64(buf[:], uint64(arraySize))
	d.Write(buf[:])
	for _, r := range refs {
		hashRef(d, r)
	}
	return d.Sum64()
}

func hashRef(d *xxhash.Digest, r robj.Ref) {
	var buf [8]byte
	switch {
	case r.IsNone():
		buf[0] = 0
		d.Write(buf[:1])
	case r.IsFake():
		buf[0] = 1
		d.Write(buf[:1])
		binary.LittleEndian.PutUint64(buf[:], uint64(r.FakePayload()))
		d.Write(buf[:])
	default:
		buf[0] = 2
		d.Write(buf[:1])
		if child, ok := r.AsIObj(); ok {
			binary.LittleEndian.PutUint64(buf[:], child.Hash)
			d.Write(buf[:])
			binary.LittleEndian.PutUint64(buf[:], uint64(child.Addr()))
			d.Write(buf[:])
		}
		// An internal (same-SCC) RObj ref contributes nothing beyond the
		// marker byte; its structural contribution is captured by
		// deepCompare instead, since it has no stable identity yet.
	}
}

// internCycle resolves a multi-node (or self-referential single-node)
// SCC. Root election follows spec.md §4.5.2(internComplexScc)/§4.5.3:
// partition members by a location-independent local hash (type, array
// size, and every definitely-acyclic reference; intra-cycle edges
// contribute only a type marker, not an identity, since their targets
// aren't canonical yet), elect the member with the smallest local hash
// as the cycle root, then walk the cycle's edges breadth-first from
// that root to assign every member a canonical position. Two
// structurally isomorphic cycles built in different relative member
// order converge on the same root and the same canonical order, so
// cycleEqual can compare members positionally instead of needing a
// general graph-isomorphism search.
func (in *Interner) internCycle(scc []*robj.TarjanNode, nodes map[*robj.RObj]*robj.TarjanNode) error {
	origGroup := make(map[*robj.RObj]int, len(scc))
	for i, n := range scc {
		origGroup[n.Orig] = i
	}

	origResolved := make([][]robj.Ref, len(scc))
	for i, n := range scc {
		refs, err := in.resolvedRefs(n.Orig.Refs, origGroup, nodes)
		if err != nil {
			return err
		}
		origResolved[i] = refs
	}

	order := electCanonicalOrder(scc, origResolved, origGroup)

	canonNodes := make([]*robj.TarjanNode, len(scc))
	canonResolved := make([][]robj.Ref, len(scc))
	group := make(map[*robj.RObj]int, len(scc))
	for pos, orig := range order {
		canonNodes[pos] = scc[orig]
		canonResolved[pos] = origResolved[orig]
		scc[orig].GroupIndex = pos
		group[scc[orig].Orig] = pos
	}

	h := hashCycle(canonNodes, canonResolved)

	bkt := in.Table.LockHash(h)
	for cand := bkt.Head(); cand != nil; cand = cand.BucketNext {
		if cand.Hash != h || cand.GroupSize != len(scc) {
			continue
		}
		if cycleEqual(canonNodes, canonResolved, cand.Members) {
			bkt.Unlock()
			in.Refcount.Incref(cand)
			for pos, n := range canonNodes {
				n.Interned = cand.Members[pos]
			}
			return nil
		}
	}

	members := make([]*robj.IObj, len(scc))
	for pos, n := range canonNodes {
		addr, err := in.NewAddr(n.Orig.Type, n.Orig.ArraySize)
		if err != nil {
			bkt.Unlock()
			return err
		}
		members[pos] = &robj.IObj{Type: n.Orig.Type, ArraySize: n.Orig.ArraySize, Hash: h}
		members[pos].SetAddr(addr)
		members[pos].Refcount.Store(robj.CycleMemberRefcountSentinel)
	}

	handleAddr, err := in.NewAddr(canonNodes[0].Orig.Type, 0)
	if err != nil {
		bkt.Unlock()
		return err
	}
	handle := &robj.IObj{Hash: h, GroupSize: len(scc), Members: members}
	handle.SetAddr(handleAddr)
	handle.Refcount.Store(1)

	for pos, refs := range canonResolved {
		members[pos].Refs = materializeGroupRefs(refs, group, members)
		members[pos].CycleHandle = handle
	}

	bkt.InsertAndUnlock(handle)
	for pos, n := range canonNodes {
		n.Interned = members[pos]
	}
	return nil
}

// electCanonicalOrder implements the root election of
// spec.md §4.5.2(internComplexScc)(a)-(c): elect the member with the
// smallest local hash as root, then assign every member a canonical
// position via breadth-first traversal of the cycle's internal edges
// starting from that root. The SCC is strongly connected, so every
// member is reachable from the root through intra-group edges alone.
func electCanonicalOrder(scc []*robj.TarjanNode, resolved [][]robj.Ref, group map[*robj.RObj]int) []int {
	rootOrig := 0
	rootHash := hashNode(scc[0].Orig.Type, scc[0].Orig.ArraySize, resolved[0])
	for i := 1; i < len(scc); i++ {
		h := hashNode(scc[i].Orig.Type, scc[i].Orig.ArraySize, resolved[i])
		if h < rootHash {
			rootHash = h
			rootOrig = i
		}
	}

	visited := make([]bool, len(scc))
	order := make([]int, 0, len(scc))
	queue := []int{rootOrig}
	visited[rootOrig] = true
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		order = append(order, cur)
		for _, r := range resolved[cur] {
			child, ok := r.AsRObj()
			if !ok {
				continue
			}
			idx, inGroup := group[child]
			if !inGroup || visited[idx] {
				continue
			}
			visited[idx] = true
			queue = append(queue, idx)
		}
	}
	// Every SCC member is reachable from the root via intra-group
	// edges by definition of strong connectivity; this only guards
	// against a malformed group map.
	for i := range scc {
		if !visited[i] {
			order = append(order, i)
		}
	}
	return order
}

// materializeGroupRefs rewrites a member's reference slots so that any
// ref still pointing at a same-SCC sibling RObj now points at that
// sibling's freshly minted IObj instead.
func materializeGroupRefs(refs []robj.Ref, group map[*robj.RObj]int, members []*robj.IObj) []robj.Ref {
	out := make([]robj.Ref, len(refs))
	for i, r := range refs {
		if child, ok := r.AsRObj(); ok {
			if idx, inGroup := group[child]; inGroup {
				out[i] = robj.RefToIObj(members[idx])
				continue
			}
		}
		out[i] = r
	}
	return out
}

func hashCycle(scc []*robj.TarjanNode, resolved [][]robj.Ref) uint64 {
	d := xxhash.New()
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(len(scc)))
	d.Write(buf[:])
	for i, n := range scc {
		binary.LittleEndian.PutUint64(buf[:], uint64(uintptr(unsafe.Pointer(n.Orig.Type))))
		d.Write(buf[:])
		binary.LittleEndian.PutUint64(buf[:], uint64(n.Orig.ArraySize))
		d.Write(buf[:])
		for _, r := range resolved[i] {
			hashRef(d, r)
		}
	}
	return d.Sum64()
}

// cycleEqual compares two cycles member-by-member in canonical
// (root-elected, breadth-first) order, as assigned by
// electCanonicalOrder. Because both scc and existing are indexed by
// the same deterministic election, this amounts to the spec's
// deepCompare without needing a general bijection search.
func cycleEqual(scc []*robj.TarjanNode, resolved [][]robj.Ref, existing []*robj.IObj) bool {
	if len(scc) != len(existing) {
		return false
	}
	for i, n := range scc {
		e := existing[i]
		if n.Orig.Type != e.Type || n.Orig.ArraySize != e.ArraySize {
			return false
		}
		if len(resolved[i]) != len(e.Refs) {
			return false
		}
		for s, r := range resolved[i] {
			er := e.Refs[s]
			if r.IsNone() != er.IsNone() || r.IsFake() != er.IsFake() {
				return false
			}
			if r.IsFake() {
				if r.FakePayload() != er.FakePayload() {
					return false
				}
				continue
			}
			if r.IsNone() {
				continue
			}
			if child, ok := r.AsRObj(); ok {
				j, inGroup := indexOf(scc, child)
				if !inGroup {
					return false
				}
				eTarget, ok2 := er.AsIObj()
				if !ok2 || eTarget != existing[j] {
					return false
				}
				continue
			}
			childIObj, ok := r.AsIObj()
			eTarget, ok2 := er.AsIObj()
			if !ok || !ok2 || childIObj != eTarget {
				return false
			}
		}
	}
	return true
}

func indexOf(scc []*robj.TarjanNode, o *robj.RObj) (int, bool) {
	for _, n := range scc {
		if n.Orig == o {
			return n.GroupIndex, true
		}
	}
	return 0, false
}

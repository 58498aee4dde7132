package interner

import "github.com/skiprt/objruntime/robj"

// tarjan runs an iterative (explicit-stack) Tarjan strongly-connected-
// components pass over every robj.RObj reachable from root through
// non-fake, non-nil reference slots, stopping at any slot that already
// holds a canonical IObj. It returns the SCCs in Tarjan's natural
// output order, which is a reverse topological order of the SCC
// condensation: by the time an SCC is emitted, every other SCC it
// points to has already been emitted.
func tarjan(root *robj.RObj) ([][]*robj.TarjanNode, map[*robj.RObj]*robj.TarjanNode) {
	nodes := make(map[*robj.RObj]*robj.TarjanNode)
	index := 0
	var onStack []*robj.TarjanNode
	var sccs [][]*robj.TarjanNode

	visit := func(o *robj.RObj) *robj.TarjanNode {
		if n, ok := nodes[o]; ok {
			return n
		}
		n := &robj.TarjanNode{Orig: o, Index: -1}
		nodes[o] = n
		return n
	}

	work := []*robj.TarjanNode{visit(root)}

	for len(work) > 0 {
		top := work[len(work)-1]

		if top.Index == -1 {
			top.Index = index
			top.Lowlink = index
			index++
			top.OnStack = true
			onStack = append(onStack, top)
		}

		descended := false
		for top.NextRef < len(top.Orig.Refs) {
			r := top.Orig.Refs[top.NextRef]
			top.NextRef++
			if r.IsNone() || r.IsFake() {
				continue
			}
			child, ok := r.AsRObj()
			if !ok {
				continue // already-canonical IObj ref: nothing to visit
			}
			if cn, seen := nodes[child]; seen {
				if cn.OnStack && cn.Index < top.Lowlink {
					top.Lowlink = cn.Index
				}
				continue
			}
			cn := visit(child)
			work = append(work, cn)
			descended = true
			break
		}
		if descended {
			continue
		}

		work = work[:len(work)-1]
		if len(work) > 0 {
			parent := work[len(work)-1]
			if top.Lowlink < parent.Lowlink {
				parent.Lowlink = top.Lowlink
			}
		}

		if top.Lowlink == top.Index {
			var scc []*robj.TarjanNode
			for {
				n := onStack[len(onStack)-1]
				onStack = onStack[:len(onStack)-1]
				n.OnStack = false
				scc = append(scc, n)
				if n == top {
					break
				}
			}
			sccs = append(sccs, scc)
		}
	}

	return sccs, nodes
}

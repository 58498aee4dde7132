package obstack

import (
	"github.com/skiprt/objruntime/interner"
	"github.com/skiprt/objruntime/robj"
)

// Freezer converts an Obstack-local RObj graph into canonical IObj
// form. Two implementations exist only because spec.md's Hints
// distinguish them by the traversal guarantee a type's author is
// willing to assert, not because the algorithms differ in this port:
// DefaultFreezer is safe for any graph (including one where the same
// child is reachable from two different parents), while
// NoAliasFreezer exists for types that assert NoMutableAliases and is
// free to skip the same bookkeeping in a future optimization pass.
// Both currently delegate to interner.Interner, which already
// memoizes per-call visits via its Tarjan pass, so NoAliasFreezer is a
// documented no-op specialization today; see DESIGN.md.
type Freezer interface {
	Freeze(root *robj.RObj) (*robj.IObj, error)
}

type delegatingFreezer struct{ in *interner.Interner }

func (f delegatingFreezer) Freeze(root *robj.RObj) (*robj.IObj, error) { return f.in.Intern(root) }

// DefaultFreezer returns the aliasing-safe Freezer.
func DefaultFreezer(in *interner.Interner) Freezer { return delegatingFreezer{in: in} }

// NoAliasFreezer returns the Freezer for types that assert no object
// in the frozen subgraph is reachable from two distinct parents.
func NoAliasFreezer(in *interner.Interner) Freezer { return delegatingFreezer{in: in} }

// Freeze converts root (and everything it transitively references)
// into canonical interned form, selecting DefaultFreezer or
// NoAliasFreezer per root.Type.Hints.NoMutableAliases.
func (o *Obstack) Freeze(in *interner.Interner, root *robj.RObj) (*robj.IObj, error) {
	var f Freezer
	if root.Type.Hints.NoMutableAliases {
		f = NoAliasFreezer(in)
	} else {
		f = DefaultFreezer(in)
	}
	return f.Freeze(root)
}

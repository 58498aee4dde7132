package interner

import (
	"sync/atomic"
	"testing"

	"github.com/davecgh/go-spew/spew"
	"github.com/stretchr/testify/require"

	"github.com/skiprt/objruntime/interntable"
	"github.com/skiprt/objruntime/refcount"
	"github.com/skiprt/objruntime/robj"
	"github.com/skiprt/objruntime/rtype"
)

func newFixture(t *testing.T) (*Interner, *interntable.Table) {
	t.Helper()
	table := interntable.New(ShallowEqual)
	var freed []*robj.IObj
	rc := refcount.New(table, func(o *robj.IObj) { freed = append(freed, o) })
	var nextAddr uint64
	in := New(table, rc, func(ty *rtype.Type, arraySize uintptr) (uintptr, error) {
		return uintptr(atomic.AddUint64(&nextAddr, 64)), nil
	})
	return in, table
}

func TestInternSimpleDedupes(t *testing.T) {
	ty := rtype.ClassFactory("Pair", 16, []int{0, 1}, 0, 0, rtype.Hooks{})
	leafTy := rtype.ClassFactory("Leaf", 8, nil, 0, 0, rtype.Hooks{})

	in, table := newFixture(t)

	mkGraph := func() *robj.RObj {
		leafA := &robj.RObj{Type: leafTy}
		leafB := &robj.RObj{Type: leafTy}
		pair := &robj.RObj{Type: ty, Refs: []robj.Ref{robj.RefToRObj(leafA), robj.RefToRObj(leafB)}}
		return pair
	}

	a, err := in.Intern(mkGraph())
	require.NoError(t, err)
	require.NotNil(t, a)

	b, err := in.Intern(mkGraph())
	require.NoError(t, err)
	require.Same(t, a, b)

	require.EqualValues(t, 2, a.Refcount.Load())
	require.EqualValues(t, 2, table.Size()) // pair + one leaf shared by both slots
}

func TestInternStructurallyIdenticalGraphsDedupe(t *testing.T) {
	leafTy := rtype.ClassFactory("Leaf", 8, nil, 0, 0, rtype.Hooks{})
	ty := rtype.ClassFactory("Box", 8, []int{0}, 0, 0, rtype.Hooks{})

	in, _ := newFixture(t)

	leaf1 := &robj.RObj{Type: leafTy}
	box1 := &robj.RObj{Type: ty, Refs: []robj.Ref{robj.RefToRObj(leaf1)}}
	a, err := in.Intern(box1)
	require.NoError(t, err)

	leaf2 := &robj.RObj{Type: leafTy}
	box2 := &robj.RObj{Type: ty, Refs: []robj.Ref{robj.RefToRObj(leaf2)}}
	b, err := in.Intern(box2)
	require.NoError(t, err)

	require.Same(t, a, b) // leaf1 and leaf2 are structurally identical leaves
}

func TestInternCycleBuildsCycleHandle(t *testing.T) {
	ty := rtype.ClassFactory("Node", 8, []int{0}, 0, 0, rtype.Hooks{})
	in, table := newFixture(t)

	a := &robj.RObj{Type: ty}
	b := &robj.RObj{Type: ty}
	a.Refs = []robj.Ref{robj.RefToRObj(b)}
	b.Refs = []robj.Ref{robj.RefToRObj(a)}

	interned, err := in.Intern(a)
	require.NoError(t, err)
	require.True(t, interned.IsCycleMember())
	require.Equal(t, robj.CycleMemberRefcountSentinel, interned.Refcount.Load())
	require.EqualValues(t, 1, interned.CycleHandle.Refcount.Load())
	require.EqualValues(t, 2, interned.CycleHandle.GroupSize)
	require.EqualValues(t, 1, table.Size()) // only the CycleHandle is bucketed
}

func TestInternIdenticalCyclesDedupe(t *testing.T) {
	ty := rtype.ClassFactory("Node", 8, []int{0}, 0, 0, rtype.Hooks{})
	in, _ := newFixture(t)

	mkCycle := func() *robj.RObj {
		a := &robj.RObj{Type: ty}
		b := &robj.RObj{Type: ty}
		a.Refs = []robj.Ref{robj.RefToRObj(b)}
		b.Refs = []robj.Ref{robj.RefToRObj(a)}
		return a
	}

	first, err := in.Intern(mkCycle())
	require.NoError(t, err)

	second, err := in.Intern(mkCycle())
	require.NoError(t, err)

	require.Same(t, first.CycleHandle, second.CycleHandle,
		"identical cycles should dedupe to one handle, got:\n%s",
		spew.Sdump(first.CycleHandle, second.CycleHandle))
	require.EqualValues(t, 2, first.CycleHandle.Refcount.Load())
}

// TestInternIsomorphicCyclesDedupeAcrossMemberOrder builds two
// 2-cycles that are structurally identical but discovered starting
// from different, non-corresponding members (A->B->A vs X->Y->X where
// X plays B's structural role), and checks root election still
// unifies them into one CycleHandle.
func TestInternIsomorphicCyclesDedupeAcrossMemberOrder(t *testing.T) {
	ty := rtype.ClassFactory("Node", 16, []int{0, 1}, 0, 0, rtype.Hooks{})
	tenTy := rtype.ClassFactory("Ten", 8, nil, 0, 0, rtype.Hooks{})
	twentyTy := rtype.ClassFactory("Twenty", 8, nil, 0, 0, rtype.Hooks{})

	in, _ := newFixture(t)

	a := &robj.RObj{Type: ty}
	b := &robj.RObj{Type: ty}
	a.Refs = []robj.Ref{robj.RefToRObj(&robj.RObj{Type: tenTy}), robj.RefToRObj(b)}
	b.Refs = []robj.Ref{robj.RefToRObj(&robj.RObj{Type: twentyTy}), robj.RefToRObj(a)}

	first, err := in.Intern(a)
	require.NoError(t, err)

	x := &robj.RObj{Type: ty}
	y := &robj.RObj{Type: ty}
	x.Refs = []robj.Ref{robj.RefToRObj(&robj.RObj{Type: twentyTy}), robj.RefToRObj(y)}
	y.Refs = []robj.Ref{robj.RefToRObj(&robj.RObj{Type: tenTy}), robj.RefToRObj(x)}

	second, err := in.Intern(x)
	require.NoError(t, err)

	require.Same(t, first.CycleHandle, second.CycleHandle,
		"root election should have unified these isomorphic cycles, got distinct handles:\n%s",
		spew.Sdump(first.CycleHandle, second.CycleHandle))
	require.EqualValues(t, 2, first.CycleHandle.Refcount.Load())
}

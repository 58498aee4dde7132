package obstack

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/skiprt/objruntime/arena"
	"github.com/skiprt/objruntime/interner"
	"github.com/skiprt/objruntime/interntable"
	"github.com/skiprt/objruntime/kindmap"
	"github.com/skiprt/objruntime/refcount"
	"github.com/skiprt/objruntime/robj"
	"github.com/skiprt/objruntime/rtype"
)

func newTestArena(t *testing.T) *arena.Arena {
	t.Helper()
	m := kindmap.NewWithAddressBits(48)
	return arena.New(m, arena.NewDebugAllocator(m))
}

func TestObstackAllocBumpsWithinSlab(t *testing.T) {
	ty := rtype.ClassFactory("Leaf", 8, nil, 0, 0, rtype.Hooks{})
	o := New(newTestArena(t))

	a, err := o.Alloc(ty, 0)
	require.NoError(t, err)
	b, err := o.Alloc(ty, 0)
	require.NoError(t, err)

	require.NotZero(t, a.Addr())
	require.Greater(t, b.Addr(), a.Addr())
	require.Len(t, o.Objects(), 2)
}

func TestObstackRewindDropsLaterAllocations(t *testing.T) {
	ty := rtype.ClassFactory("Leaf", 8, nil, 0, 0, rtype.Hooks{})
	o := New(newTestArena(t))

	_, err := o.Alloc(ty, 0)
	require.NoError(t, err)
	pos := o.Note()
	_, err = o.Alloc(ty, 0)
	require.NoError(t, err)
	require.Len(t, o.Objects(), 2)

	o.Rewind(pos)
	require.Len(t, o.Objects(), 1)
}

func TestObstackLargeAllocationBypassesSlab(t *testing.T) {
	ty := rtype.ClassFactory("Big", DefaultSlabSize, nil, 0, 0, rtype.Hooks{})
	o := New(newTestArena(t))

	obj, err := o.Alloc(ty, 0)
	require.NoError(t, err)
	require.NotZero(t, obj.Addr())
	require.Len(t, o.slabs, 1)
	require.True(t, o.slabs[0].solo)
}

func TestObstackHandlesSurviveSteal(t *testing.T) {
	ty := rtype.ClassFactory("Leaf", 8, nil, 0, 0, rtype.Hooks{})
	src := New(newTestArena(t))
	dst := New(newTestArena(t))

	obj, err := src.Alloc(ty, 0)
	require.NoError(t, err)
	h := src.NewHandle(robj.RefToRObj(obj))

	src.StealObjectsAndHandles(dst)

	require.Empty(t, src.Objects())
	require.Len(t, dst.Objects(), 1)
	require.Same(t, obj, dst.Objects()[0])
	got, ok := h.Ref().AsRObj()
	require.True(t, ok)
	require.Same(t, obj, got)
	require.Len(t, dst.Handles(), 1)
}

func TestObstackFreezeInterns(t *testing.T) {
	leafTy := rtype.ClassFactory("Leaf", 8, nil, 0, 0, rtype.Hooks{})
	boxTy := rtype.ClassFactory("Box", 8, []int{0}, 0, 0, rtype.Hooks{})

	table := interntable.New(interner.ShallowEqual)
	rc := refcount.New(table, func(*robj.IObj) {})
	a := newTestArena(t)
	in := interner.New(table, rc, func(ty *rtype.Type, arraySize uintptr) (uintptr, error) {
		p, _, err := a.Alloc(arena.DefaultAlign, kindmap.IObj)
		return p, err
	})

	o := New(a)
	leaf, err := o.Alloc(leafTy, 0)
	require.NoError(t, err)
	box, err := o.Alloc(boxTy, 0)
	require.NoError(t, err)
	box.Refs[0] = robj.RefToRObj(leaf)

	iobj, err := o.Freeze(in, box)
	require.NoError(t, err)
	require.Equal(t, boxTy, iobj.Type)
	require.EqualValues(t, 1, iobj.Refcount.Load())
}

// TestConcurrentObstacksAllocAgainstSharedArena exercises many
// independent Obstacks (each single-threaded, as an Obstack must be)
// bump-allocating concurrently against one shared Arena, the scenario
// a real call-frame-per-goroutine runtime actually produces.
func TestConcurrentObstacksAllocAgainstSharedArena(t *testing.T) {
	ty := rtype.ClassFactory("Leaf", 8, nil, 0, 0, rtype.Hooks{})
	a := newTestArena(t)

	var g errgroup.Group
	const n = 16
	obstacks := make([]*Obstack, n)
	for i := 0; i < n; i++ {
		i := i
		obstacks[i] = New(a)
		g.Go(func() error {
			for j := 0; j < 32; j++ {
				if _, err := obstacks[i].Alloc(ty, 0); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	for _, o := range obstacks {
		require.Len(t, o.Objects(), 32)
	}
}

func TestScheduleTaskRunsInOrder(t *testing.T) {
	o := New(newTestArena(t))
	var order []int
	o.ScheduleTask(func() { order = append(order, 1) })
	o.ScheduleTask(func() { order = append(order, 2) })

	n := o.RunScheduledTasks()
	require.Equal(t, 2, n)
	require.Equal(t, []int{1, 2}, order)
	require.Zero(t, o.RunScheduledTasks())
}

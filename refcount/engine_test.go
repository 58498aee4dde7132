package refcount

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/skiprt/objruntime/interntable"
	"github.com/skiprt/objruntime/robj"
	"github.com/skiprt/objruntime/rtype"
)

func sameValue(a, b *robj.IObj) bool { return a.Hash == b.Hash }

func newInterned(ty *rtype.Type, hash uint64, refs ...robj.Ref) *robj.IObj {
	o := &robj.IObj{Type: ty, Hash: hash, Refs: refs}
	o.Refcount.Store(1)
	return o
}

func TestIncrefDecrefSimple(t *testing.T) {
	ty := rtype.ClassFactory("T", 8, nil, 0, 0, rtype.Hooks{})
	table := interntable.New(sameValue)
	var freed []*robj.IObj
	e := New(table, func(o *robj.IObj) { freed = append(freed, o) })

	o := newInterned(ty, 1)
	bkt := table.LockHash(o.Hash)
	bkt.InsertAndUnlock(o)

	e.Incref(o)
	require.EqualValues(t, 2, o.Refcount.Load())

	e.Decref(o)
	require.EqualValues(t, 1, o.Refcount.Load())
	require.Empty(t, freed)

	e.Decref(o)
	require.Len(t, freed, 1)
	require.Same(t, o, freed[0])
	require.EqualValues(t, 0, table.Size())
}

func TestDecrefCascadesIntoChildren(t *testing.T) {
	ty := rtype.ClassFactory("T", 8, []int{0}, 0, 0, rtype.Hooks{})
	table := interntable.New(sameValue)
	var freed []*robj.IObj
	e := New(table, func(o *robj.IObj) { freed = append(freed, o) })

	child := newInterned(ty, 2)
	bkt := table.LockHash(child.Hash)
	bkt.InsertAndUnlock(child)

	parent := newInterned(ty, 1, robj.RefToIObj(child))
	bkt = table.LockHash(parent.Hash)
	bkt.InsertAndUnlock(parent)

	e.Decref(parent)

	require.Len(t, freed, 2)
	require.Contains(t, freed, parent)
	require.Contains(t, freed, child)
	require.EqualValues(t, 0, table.Size())
}

func TestIncrefFromNonZeroFailsOnDeadObject(t *testing.T) {
	ty := rtype.ClassFactory("T", 8, nil, 0, 0, rtype.Hooks{})
	table := interntable.New(sameValue)
	e := New(table, func(o *robj.IObj) {})

	o := &robj.IObj{Type: ty, Hash: 9}
	o.Refcount.Store(0)

	ok := e.IncrefFromNonZero(o)
	require.False(t, ok)
}

func TestDecrefRespectsCycleHandleDelegate(t *testing.T) {
	ty := rtype.ClassFactory("T", 8, nil, 0, 0, rtype.Hooks{})
	table := interntable.New(sameValue)
	var freed []*robj.IObj
	e := New(table, func(o *robj.IObj) { freed = append(freed, o) })

	handle := newInterned(ty, 100)
	bkt := table.LockHash(handle.Hash)
	bkt.InsertAndUnlock(handle)

	member := &robj.IObj{Type: ty, Hash: 101, CycleHandle: handle}

	e.Incref(member)
	require.EqualValues(t, 2, handle.Refcount.Load())

	e.Decref(member)
	require.EqualValues(t, 1, handle.Refcount.Load())
	require.Empty(t, freed)
}

func TestDecrefCycleHandleDeathFreesMembersAndCascadesExternalRefs(t *testing.T) {
	ty := rtype.ClassFactory("T", 8, []int{0}, 0, 0, rtype.Hooks{})
	table := interntable.New(sameValue)
	var freed []*robj.IObj
	e := New(table, func(o *robj.IObj) { freed = append(freed, o) })

	// external is a plain interned object a cycle member points at; it
	// must be decremented once the cycle dies, exactly like any other
	// outbound reference.
	external := newInterned(ty, 5) // refcount 1, held solely by memberB's ref below
	bkt := table.LockHash(external.Hash)
	bkt.InsertAndUnlock(external)

	handle := &robj.IObj{Type: ty, GroupSize: 2, Hash: 200}
	memberA := &robj.IObj{Type: ty, CycleHandle: handle}
	memberB := &robj.IObj{Type: ty, CycleHandle: handle, Refs: []robj.Ref{robj.RefToIObj(external)}}
	memberA.Refs = []robj.Ref{robj.RefToIObj(memberB)} // intra-cycle edge
	handle.Members = []*robj.IObj{memberA, memberB}
	handle.Refcount.Store(1)
	bkt = table.LockHash(handle.Hash)
	bkt.InsertAndUnlock(handle)

	e.Decref(handle)

	require.Contains(t, freed, handle)
	require.Contains(t, freed, memberA)
	require.Contains(t, freed, memberB)
	require.Contains(t, freed, external) // cascaded from memberB's external ref
	require.EqualValues(t, 0, table.Size())
}

package robj

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/skiprt/objruntime/rtype"
)

func TestRefVariants(t *testing.T) {
	var none Ref
	require.True(t, none.IsNone())

	o := &RObj{}
	r := RefToRObj(o)
	got, ok := r.AsRObj()
	require.True(t, ok)
	require.Same(t, o, got)
	require.False(t, r.IsFake())

	fake := RefFake(7)
	require.True(t, fake.IsFake())
	require.Equal(t, uintptr(7), fake.FakePayload())
}

func TestRObjResolveFollowsForward(t *testing.T) {
	a := &RObj{}
	b := &RObj{}
	c := &RObj{}
	a.Forward = b
	b.Forward = c

	require.Same(t, c, a.Resolve())
	require.Same(t, c, c.Resolve())
}

func TestIObjRefcountDelegate(t *testing.T) {
	ty := rtype.ClassFactory("T", 8, nil, 0, 0, rtype.Hooks{})
	member := &IObj{Type: ty}
	handle := &IObj{Type: ty}

	require.Same(t, member, member.RefcountDelegate())
	require.False(t, member.IsCycleMember())

	member.CycleHandle = handle
	require.True(t, member.IsCycleMember())
	require.Same(t, handle, member.RefcountDelegate())
}

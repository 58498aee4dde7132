package arena

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/skiprt/objruntime/kindmap"
)

func TestDebugAllocatorRoundTrip(t *testing.T) {
	m := kindmap.NewWithAddressBits(48)
	backend := NewDebugAllocator(m)
	a := New(m, backend)

	p, mem, err := a.Alloc(128, kindmap.Obstack)
	require.NoError(t, err)
	require.Len(t, mem, 128)
	require.Equal(t, kindmap.Obstack, a.RawMemoryKind(p))

	mem[0] = 0x42
	require.Equal(t, byte(0x42), mem[0])

	a.Free(p, kindmap.Obstack)
}

func TestDebugAllocatorDoubleFreePanics(t *testing.T) {
	m := kindmap.NewWithAddressBits(48)
	backend := NewDebugAllocator(m)
	a := New(m, backend)

	p, _, err := a.Alloc(64, kindmap.Large)
	require.NoError(t, err)

	a.Free(p, kindmap.Large)
	require.Panics(t, func() { a.Free(p, kindmap.Large) })
}

func TestDebugAllocatorFreeUnownedPanics(t *testing.T) {
	m := kindmap.NewWithAddressBits(48)
	a := New(m, NewDebugAllocator(m))
	require.Panics(t, func() { a.Free(0xdeadbeef, kindmap.Large) })
}

func TestDebugAllocatorRawMemoryKindOf(t *testing.T) {
	m := kindmap.NewWithAddressBits(48)
	backend := NewDebugAllocator(m)
	a := New(m, backend)

	p, _, err := a.Alloc(32, kindmap.IObj)
	require.NoError(t, err)

	k, ok := backend.RawMemoryKindOf(p)
	require.True(t, ok)
	require.Equal(t, kindmap.IObj, k)

	k, ok = backend.RawMemoryKindOf(p + 1000)
	require.False(t, ok)
	require.Equal(t, kindmap.Unknown, k)
}

func TestFreeAutoConsultsKindMapper(t *testing.T) {
	m := kindmap.NewWithAddressBits(48)
	a := New(m, NewDebugAllocator(m))

	p, _, err := a.Alloc(16, kindmap.Obstack)
	require.NoError(t, err)

	a.FreeAuto(p)
	require.Equal(t, kindmap.Unknown, a.RawMemoryKind(p))
}

func TestFreeAutoOnUnknownPanics(t *testing.T) {
	m := kindmap.NewWithAddressBits(48)
	a := New(m, NewDebugAllocator(m))
	require.Panics(t, func() { a.FreeAuto(0x1234) })
}

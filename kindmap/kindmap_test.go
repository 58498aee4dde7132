package kindmap

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGetOutsideUsableRangeIsUnknown(t *testing.T) {
	m := NewWithAddressBits(30)
	require.Equal(t, Unknown, m.Get(uintptr(1)<<40))
}

func TestSetSingleSlot(t *testing.T) {
	m := NewWithAddressBits(30)
	m.Set(0, SlotSize, Obstack)
	require.Equal(t, Obstack, m.Get(0))
	require.Equal(t, Obstack, m.Get(SlotSize-1))
	require.Equal(t, Unknown, m.Get(SlotSize))
}

func TestSetSpanningMultipleWords(t *testing.T) {
	m := NewWithAddressBits(30)
	start := SlotSize * 5
	end := SlotSize * 100
	m.Set(start, end, Large)

	require.Equal(t, Unknown, m.Get(start-1))
	require.Equal(t, Large, m.Get(start))
	require.Equal(t, Large, m.Get(start+SlotSize*50))
	require.Equal(t, Large, m.Get(end-1))
	require.Equal(t, Unknown, m.Get(end))
}

func TestEraseClearsOnlyItsRange(t *testing.T) {
	m := NewWithAddressBits(30)
	m.Set(0, SlotSize*64, IObj)
	m.Erase(SlotSize*10, SlotSize*20)

	require.Equal(t, IObj, m.Get(0))
	require.Equal(t, Unknown, m.Get(SlotSize*10))
	require.Equal(t, Unknown, m.Get(SlotSize*19))
	require.Equal(t, IObj, m.Get(SlotSize*20))
	require.Equal(t, IObj, m.Get(SlotSize*63))
}

func TestSetUnknownIsErase(t *testing.T) {
	m := NewWithAddressBits(30)
	m.Set(0, SlotSize*4, Obstack)
	m.Set(0, SlotSize*4, Unknown)
	require.Equal(t, Unknown, m.Get(0))
}

func TestMisalignedRangePanics(t *testing.T) {
	m := NewWithAddressBits(30)
	require.Panics(t, func() { m.Set(1, SlotSize, Obstack) })
	require.Panics(t, func() { m.Set(SlotSize, SlotSize, Obstack) })
	require.Panics(t, func() { m.Set(SlotSize*2, SlotSize, Obstack) })
}

func TestReplicatePattern(t *testing.T) {
	require.Equal(t, uint64(0), replicate(Unknown))
	full := replicate(Obstack)
	for shift := uint(0); shift < 64; shift += 2 {
		require.Equal(t, uint64(0b11), (full>>shift)&0b11)
	}
}

package runtimectx

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/skiprt/objruntime/config"
	"github.com/skiprt/objruntime/kindmap"
	"github.com/skiprt/objruntime/obstack"
	"github.com/skiprt/objruntime/rtype"
)

func TestNewWiresInternAndFree(t *testing.T) {
	cfg := config.Default()
	cfg.Paranoid = true
	rt := New(cfg)

	var finalized bool
	ty := rtype.ClassFactory("T", 8, nil, 0, 0, rtype.Hooks{
		Finalize: func(unsafe.Pointer) { finalized = true },
	})

	o := obstack.New(rt.Arena)
	r, err := o.Alloc(ty, 0)
	require.NoError(t, err)

	iobj, err := o.Freeze(rt.Interner, r)
	require.NoError(t, err)
	require.EqualValues(t, 1, iobj.Refcount.Load())
	require.Equal(t, kindmap.IObj, rt.Arena.RawMemoryKind(iobj.Addr()))

	rt.Refcount.Decref(iobj)

	require.True(t, finalized)
	require.Equal(t, kindmap.Unknown, rt.Arena.RawMemoryKind(iobj.Addr()))
}

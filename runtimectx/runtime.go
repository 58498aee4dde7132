package runtimectx

import (
	"unsafe"

	"github.com/skiprt/objruntime/arena"
	"github.com/skiprt/objruntime/config"
	"github.com/skiprt/objruntime/interner"
	"github.com/skiprt/objruntime/interntable"
	"github.com/skiprt/objruntime/kindmap"
	"github.com/skiprt/objruntime/refcount"
	"github.com/skiprt/objruntime/robj"
	"github.com/skiprt/objruntime/rtlog"
	"github.com/skiprt/objruntime/rtype"
)

// Runtime is the set of process-wide singletons every Obstack, every
// call frame, and every Process (see the handle package) shares.
// Constructing more than one Runtime in the same process is legal
// (tests do it constantly) but the resulting Runtimes share no state
// at all, by design: spec.md §9's "Global mutable state" note is
// addressed here by making the would-be globals fields of an explicit
// value instead.
type Runtime struct {
	Config config.Config
	Log    rtlog.Logger

	Mapper   *kindmap.Mapper
	Arena    *arena.Arena
	Table    *interntable.Table
	Refcount *refcount.Engine
	Interner *interner.Interner
}

// New wires a complete Runtime from cfg. Config.Paranoid selects the
// DebugAllocator backend (canary-guarded, slow, for sanitizer-style
// runs) over the production ChunkHookAllocator (real mmap-backed
// slabs).
func New(cfg config.Config) *Runtime {
	mapper := kindmap.New()

	var backend arena.Backend
	if cfg.Paranoid {
		backend = arena.NewDebugAllocator(mapper)
	} else {
		backend = arena.NewChunkHookAllocator(mapper)
	}
	a := arena.New(mapper, backend)

	table := interntable.New(interner.ShallowEqual)

	rc := refcount.New(table, func(o *robj.IObj) {
		if o.Type != nil && o.Type.Hooks.Finalize != nil {
			// o.Addr() is a real arena-backed address (see robj's "addr
			// badge" doc), not derived from a live Go pointer value, so
			// this conversion is the one place in this module that
			// knowingly steps outside the usual unsafe.Pointer rules.
			o.Type.Hooks.Finalize(unsafe.Pointer(o.Addr()))
		}
		if o.Addr() != 0 {
			a.FreeAuto(o.Addr())
		}
	})

	in := interner.New(table, rc, func(ty *rtype.Type, arraySize uintptr) (uintptr, error) {
		sz := internedBodySize(ty, arraySize)
		p, _, err := a.Alloc(sz, kindmap.IObj)
		return p, err
	})

	return &Runtime{
		Config:   cfg,
		Log:      rtlog.New(cfg.GCVerbose),
		Mapper:   mapper,
		Arena:    a,
		Table:    table,
		Refcount: rc,
		Interner: in,
	}
}

func internedBodySize(ty *rtype.Type, arraySize uintptr) uintptr {
	sz := ty.InternedMetadataByteSize + ty.UserByteSize
	if ty.Kind == rtype.Array {
		sz += ty.UserByteSize * arraySize
	}
	if sz == 0 {
		sz = arena.DefaultAlign
	}
	return sz
}

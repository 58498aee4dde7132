// Package handle implements spec.md §4's Process/Handle layer: each
// guest-visible "process" owns a root Obstack and a stable identity,
// registered in a process-wide table so a host can look one up (to
// deliver a signal, inspect it from a diagnostic tool, or tear it
// down) without holding a direct reference.
package handle

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/skiprt/objruntime/concurrency"
	"github.com/skiprt/objruntime/obstack"
	"github.com/skiprt/objruntime/runtimectx"
)

// Process is one guest execution context: a Runtime (shared with every
// other Process unless the host deliberately isolates them) and a root
// Obstack that owns every uninterned object the process's call stack
// can currently reach.
type Process struct {
	ID      uuid.UUID
	Runtime *runtimectx.Runtime
	Root    *obstack.Obstack

	done bool
}

// NewProcess mints a fresh Process over rt with a new root Obstack.
func NewProcess(rt *runtimectx.Runtime) *Process {
	return &Process{
		ID:      uuid.New(),
		Runtime: rt,
		Root:    obstack.New(rt.Arena),
	}
}

// Done reports whether Finish has been called.
func (p *Process) Done() bool { return p.done }

// Finish releases the Process's root Obstack. Any IObj the process's
// graph was still holding strong references to via Handles is
// decref'd through the usual refcount cascade; the RObj (uninterned)
// remainder is simply dropped along with the Obstack's slabs.
func (p *Process) Finish() {
	if p.done {
		return
	}
	for _, h := range p.Root.Handles() {
		if io, ok := h.Ref().AsIObj(); ok {
			p.Runtime.Refcount.Decref(io)
		}
	}
	p.Root.FreeSlabs()
	p.done = true
}

// Registry is the process-wide Process table, guarded by a
// concurrency.StripedMap (see DESIGN.md).
type Registry struct {
	byID concurrency.StripedMap[uuid.UUID, *Process]
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry { return &Registry{} }

// Register adds p to the registry.
func (r *Registry) Register(p *Process) { r.byID.Store(p.ID, p) }

// Lookup returns the Process registered under id, if any.
func (r *Registry) Lookup(id uuid.UUID) (*Process, bool) { return r.byID.Load(id) }

// Unregister removes id from the registry without finishing it; callers
// that want both should call Finish first.
func (r *Registry) Unregister(id uuid.UUID) { r.byID.Delete(id) }

// Len returns the number of registered processes.
func (r *Registry) Len() int { return r.byID.Len() }

// MustLookup is Lookup, panicking with a descriptive message on a miss
// -- useful for diagnostic tooling (cmd/skiprtctl) that treats an
// unknown process ID as an operator error, not a recoverable one.
func (r *Registry) MustLookup(id uuid.UUID) *Process {
	p, ok := r.Lookup(id)
	if !ok {
		panic(fmt.Sprintf("handle: no such process %s", id))
	}
	return p
}

// Package concurrency provides the Ring locking primitive and
// StripedMap, a map guarded by one Ring. In this module StripedMap
// backs the process registry (handle.Registry) and the heap profiler's
// per-site table; the InternTable does not use this package (its
// buckets carry their own spinlocks).
//
// A Ring is an in-memory write-ahead log of in-flight operations:
//
//   - Callers publish their planned operation (a "lane") to the log.
//   - Callers scan the log for active predecessors in the same lane
//     (or, for wide operations, any lane) and spin on conflicts.
//   - Once the callback returns, the caller removes its entry.
//
// Internally a Ring is a fixed-size ring buffer with a packed
// (epoch, flags, bitmap) header: the epoch is the next free slot, the
// bitmap tracks which slots are allocated, and flags let a wide
// "fence" operation signal intent to later arrivals without needing a
// log entry of its own.
//
// Callers key lane operations by a lane number, usually a hash of the
// item being locked. StripedMap uses a single Ring and only the
// whole-ring operations (ExWriteAll, ReadAll).
package concurrency

import (
	"fmt"
	"math/bits"
	"strconv"
	"sync/atomic"
)

const width = 32

// Lane operation kinds. Ordering matters: the kind determines which
// other kinds it conflicts with in wait.
const (
	zeroCell    uint16 = iota // uninitialized memory, all zero
	pendingCell               // epoch claimed, entry not yet written

	ReadLane // blocks on exclusive writes in the same lane; ignores shared writes and reads
	ReadAll  // blocks on any exclusive write; ignores shared writes and reads

	ShWriteLane // blocks on any write in the same lane; ignores reads
	ShWriteAll  // blocks on any write; ignores reads

	ExWriteLane // blocks on every predecessor in the same lane
	ExWriteAll  // blocks on every predecessor, any lane
)

// header is the packed (epoch, flags, bitmap) word at the head of a Ring.
type header struct {
	epoch  uint16
	flags  uint16
	bitmap uint32
}

func (h header) pack() uint64 {
	return (uint64(h.epoch) << 48) | (uint64(h.flags) << 32) | uint64(h.bitmap)
}

func unpackHeader(h uint64) header {
	return header{
		epoch:  uint16((h >> 48) & 0xffff),
		flags:  uint16((h >> 32) & 0xffff),
		bitmap: uint32(h & 0xffffffff),
	}
}

// cell is one log entry.
type cell struct {
	epoch uint16
	kind  uint16
	lane  uint32
}

func (c cell) pack() uint64 {
	return (uint64(c.epoch) << 48) | (uint64(c.kind) << 32) | uint64(c.lane)
}

func unpackCell(h uint64) cell {
	return cell{
		epoch: uint16((h >> 48) & 0xffff),
		kind:  uint16((h >> 32) & 0xffff),
		lane:  uint32(h & 0xffffffff),
	}
}

// ticket is a claimed slot in the ring, returned by push and consumed by wait/pop.
type ticket struct {
	n      int
	epoch  uint16
	flags  uint16
	kind   uint16
	lane   uint32
	bitmap uint32
}

// fenceTicket is a claimed flag change, returned by setFence.
type fenceTicket struct {
	epoch     uint16
	flags     uint16
	newFlags  uint16
	bitmap    uint32
}

// Ring is a single striping primitive: a 32-entry ring buffer of
// in-flight operations plus a header carrying the next free epoch, a
// free-slot bitmap, and caller-defined fence flags.
//
// The zero value is ready to use.
type Ring struct {
	header atomic.Uint64     // <epoch:16> <flags:16> <bitmap:32>
	log    [width]atomic.Uint64 // <epoch:16> <kind:16> <lane:32>

	// Conflict overrides lane-equality as the conflict predicate for
	// same-kind lane operations. Nil means "lanes conflict iff equal".
	Conflict func(a, b uint32) bool
}

func (rb *Ring) Epoch() uint16 { return unpackHeader(rb.header.Load()).epoch }
func (rb *Ring) Flags() uint16 { return unpackHeader(rb.header.Load()).flags }

func (rb *Ring) String() string {
	h := unpackHeader(rb.header.Load())
	return fmt.Sprintf("%v [%v] %v",
		strconv.FormatUint(uint64(h.bitmap), 2), h.epoch,
		strconv.FormatUint(uint64(h.flags), 2))
}

// Active reports whether any operation claimed at or after epoch is
// still outstanding. Only the last width epochs are tracked: for an
// older epoch Active reports false.
func (rb *Ring) Active(epoch uint16) bool {
	h := unpackHeader(rb.header.Load())
	diff := h.epoch - epoch
	if diff == 0 || diff >= width {
		return false
	}
	bm := bits.RotateLeft32(h.bitmap, -int(epoch%width))
	return bm&(uint32(1)<<diff-1) != 0
}

// push claims the next ring slot for (lane, kind), spinning only via
// the caller's retry loop (push itself never blocks — a failed CAS
// just means another thread beat us to this epoch).
func (rb *Ring) push(lane uint32, kind uint16) (ticket, bool) {
	old := rb.header.Load()
	h := unpackHeader(old)

	n := int(h.epoch) % width
	bit := uint32(1) << n
	if h.bitmap&bit != 0 {
		return ticket{}, false
	}

	newHeader := header{h.epoch + 1, h.flags, h.bitmap | bit}.pack()
	entry := cell{h.epoch, kind, lane}.pack()
	if !rb.header.CompareAndSwap(old, newHeader) {
		return ticket{}, false
	}
	rb.log[n].Store(entry)
	return ticket{n: n, epoch: h.epoch, flags: h.flags, kind: kind, lane: lane, bitmap: h.bitmap}, true
}

// wait spins until every predecessor that conflicts with t has popped.
func (rb *Ring) wait(t ticket) {
	if t.bitmap == 0 {
		return
	}
	epoch := t.epoch - uint16(width)
	bm := bits.RotateLeft32(t.bitmap, -t.n)

	for i := 0; i < width-1; i++ {
		epoch++
		bm >>= 1
		if bm&1 == 0 {
			continue
		}
		n := int(epoch) % width
		for {
			item := unpackCell(rb.log[n].Load())
			if item.kind == zeroCell {
				continue
			}
			if item.epoch != epoch {
				break
			}
			if item.kind == pendingCell {
				continue
			}
			if conflicts(t.kind, item.kind) {
				if t.kind == ReadAll || t.kind == ShWriteAll || t.kind == ExWriteAll ||
					item.kind == ReadAll || item.kind == ShWriteAll || item.kind == ExWriteAll {
					continue // a whole-ring operation conflicts regardless of lane
				}
				if rb.Conflict == nil {
					if t.lane == item.lane {
						continue
					}
				} else if rb.Conflict(t.lane, item.lane) {
					continue
				}
			}
			break
		}
	}
}

// conflicts reports whether a predecessor of kind other could block an
// operation of kind self before lane comparison is applied. A true
// result means "check lanes (or Conflict) to decide"; wait's inner
// loop treats a false result as "never conflicts, move on".
func conflicts(self, other uint16) bool {
	if self == ExWriteAll || other == ExWriteAll {
		return true
	}
	switch self {
	case ShWriteAll:
		return !(other == ReadLane || other == ReadAll)
	case ReadAll:
		return other == ExWriteLane
	case ExWriteLane:
		if other == ShWriteAll || other == ReadAll {
			return true
		}
		return true // lane-scoped kinds still need the lane check below
	case ShWriteLane:
		if other == ShWriteAll {
			return true
		}
		if other == ReadLane || other == ReadAll {
			return false
		}
		return true
	case ReadLane:
		if other == ExWriteAll {
			return true
		}
		if other == ShWriteLane || other == ShWriteAll || other == ReadLane || other == ReadAll {
			return false
		}
		return true
	}
	return true
}

// pop releases t's slot, turning it into a tombstone for the next
// cycle width epochs later and clearing the owning bit in the header.
func (rb *Ring) pop(t ticket) {
	rb.log[t.n].Store(cell{t.epoch + width, pendingCell, 0}.pack())
	rb.header.And(^(uint64(1) << t.n))
}

// setFence spins until flags can be OR'd into the header uncontested
// by a concurrent fence carrying an overlapping bit.
func (rb *Ring) setFence(flags uint16) (fenceTicket, bool) {
	old := rb.header.Load()
	h := unpackHeader(old)
	if h.flags&flags != 0 {
		return fenceTicket{}, false
	}
	newHeader := header{h.epoch, h.flags | flags, h.bitmap}.pack()
	if !rb.header.CompareAndSwap(old, newHeader) {
		return fenceTicket{}, false
	}
	return fenceTicket{epoch: h.epoch, flags: flags, newFlags: h.flags | flags, bitmap: h.bitmap}, true
}

// spinFence waits for every operation that predates the fence to pop,
// ignoring reads (a fence only needs to order writers behind it).
func (rb *Ring) spinFence(s fenceTicket) {
	if s.bitmap == 0 {
		return
	}
	epoch := s.epoch - uint16(width)
	n := int(s.epoch) % width
	bm := bits.RotateLeft32(s.bitmap, -n)

	for i := 0; i < width; i++ {
		if bm&1 == 0 {
			epoch++
			bm >>= 1
			continue
		}
		n := int(epoch) % width
		for {
			item := unpackCell(rb.log[n].Load())
			if item.kind == zeroCell {
				continue
			}
			if item.epoch != epoch {
				break
			}
			if item.kind == ReadLane || item.kind == ReadAll {
				break
			}
			continue
		}
		epoch++
		bm >>= 1
	}
}

func (rb *Ring) clearFence(s fenceTicket) uint16 {
	for {
		old := rb.header.Load()
		h := unpackHeader(old)
		newHeader := header{h.epoch, h.flags ^ s.flags, h.bitmap}.pack()
		if rb.header.CompareAndSwap(old, newHeader) {
			return h.epoch
		}
	}
}

func (rb *Ring) runLane(lane uint32, kind uint16, fn func(epoch, flags uint16) error) error {
	for {
		t, ok := rb.push(lane, kind)
		if !ok {
			continue
		}
		rb.wait(t)
		defer rb.pop(t)
		return fn(t.epoch, t.flags)
	}
}

// ExWriteAll runs fn once every other in-flight operation, of any
// lane, has completed.
func (rb *Ring) ExWriteAll(fn func(epoch, flags uint16) error) error {
	return rb.runLane(0, ExWriteAll, fn)
}

// ShWriteAll runs fn once every in-flight write, of any lane, has
// completed; concurrent reads are ignored.
func (rb *Ring) ShWriteAll(fn func(epoch, flags uint16) error) error {
	return rb.runLane(0, ShWriteAll, fn)
}

// ReadAll runs fn once every in-flight exclusive write has completed.
func (rb *Ring) ReadAll(fn func(epoch, flags uint16) error) error {
	return rb.runLane(0, ReadAll, fn)
}

// ExWriteLane runs fn once every other in-flight operation on lane has
// completed.
func (rb *Ring) ExWriteLane(lane uint32, fn func(epoch, flags uint16) error) error {
	return rb.runLane(lane, ExWriteLane, fn)
}

// ShWriteLane runs fn once every in-flight write on lane has
// completed; concurrent reads on lane are ignored.
func (rb *Ring) ShWriteLane(lane uint32, fn func(epoch, flags uint16) error) error {
	return rb.runLane(lane, ShWriteLane, fn)
}

// ReadLane runs fn once every in-flight exclusive write on lane has
// completed.
func (rb *Ring) ReadLane(lane uint32, fn func(epoch, flags uint16) error) error {
	return rb.runLane(lane, ReadLane, fn)
}

// LockLane is an alias for ExWriteLane: the common case of "run fn as
// the sole mutator of this lane".
func (rb *Ring) LockLane(lane uint32, fn func(epoch, flags uint16) error) error {
	return rb.ExWriteLane(lane, fn)
}

// Fence runs fn with flags visible to every new arrival, then clears
// flags once fn returns.
func (rb *Ring) Fence(flags uint16, fn func(epoch, flags uint16) error) error {
	for {
		ft, ok := rb.setFence(flags)
		if !ok {
			continue
		}
		rb.spinFence(ft)
		defer rb.clearFence(ft)
		return fn(ft.epoch, ft.newFlags)
	}
}

// Phase runs fn with flags set, clears flags, then runs after with the
// epoch observed at each boundary: after receives the epoch at which
// the fence was set and the epoch at which it was cleared.
func (rb *Ring) Phase(flags uint16, fn func(epoch, flags uint16) error, after func(start, end uint16) error) error {
	for {
		ft, ok := rb.setFence(flags)
		if !ok {
			continue
		}
		rb.spinFence(ft)
		err := fn(ft.epoch, ft.newFlags)
		end := rb.clearFence(ft)
		if err != nil {
			return err
		}
		return after(ft.epoch, end)
	}
}

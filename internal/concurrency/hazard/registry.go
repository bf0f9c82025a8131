// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package hazard provides hazard-pointer slots for safe memory reclamation in
// the lock-free map.
//
// A Registry is a lock-free singly linked list of reusable slots. A reader
// acquires a slot, publishes the address of the snapshot it is about to read,
// and releases the slot when it is done. Writers never free (or recycle) a
// retired snapshot whose address is published in any slot.
//
// # Key Features
//
//   - Lock-free acquire using CAS on each slot's active flag
//   - Lock-free list growth using a CAS push on the head pointer
//   - Slots are recycled, never freed while the registry is alive
//   - Publish-then-verify protection of an atomic pointer
//   - Cache-line padded slots to avoid false sharing between readers
//
// # Usage Examples
//
// Protecting a shared pointer for the duration of a read:
//
//	reg := hazard.NewRegistry[snapshot]()
//
//	slot := reg.Acquire()
//	s := slot.Protect(&current) // s is safe to read until Release
//	// ... read s ...
//	reg.Release(slot)
//
// Collecting the protected set during a scan:
//
//	protected := reg.Protected(nil) // sorted, deduplicated addresses
//
// # Dangers and Warnings
//
//   - **Release Discipline**: Every Acquire must be paired with exactly one Release.
//     A leaked slot pins whatever address it last published.
//   - **Protection Window**: A pointer obtained through Protect must not be used
//     after the slot is released.
//   - **Teardown**: Close assumes no goroutine is still inside Acquire/Release.
//
// # Performance Considerations
//
//   - Acquire is O(slots) in the worst case; slots are reused so the list length
//     tracks peak reader concurrency, not total reads
//   - Release is two atomic stores
//   - Protected is O(slots · log slots) for the sort
//
// # Thread Safety
//
// All methods except Close are safe for concurrent use. The list head and the
// per-slot active flags are only modified with compare-and-swap.
package hazard

import (
	"errors"
	"fmt"
	"slices"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/cpu"
)

var (
	// ErrInactiveSlot is the panic value for releasing a slot that is not held.
	ErrInactiveSlot = errors.New("hazard: release of inactive slot")

	// ErrSlotsActive is returned by Close when slots were still held at teardown.
	ErrSlotsActive = errors.New("hazard: slots still active at teardown")
)

// Slot is a single hazard pointer record.
type Slot[T any] struct {
	_      cpu.CacheLinePad
	hazard atomic.Pointer[T]
	active atomic.Bool
	next   *Slot[T] // written once before the slot is published
	_      cpu.CacheLinePad
}

// Protect publishes the value of src into the slot and returns it once the
// publication is known to be valid: src is re-read after the publish and the
// loop repeats until both reads agree. The returned pointer may be nil.
func (s *Slot[T]) Protect(src *atomic.Pointer[T]) *T {
	p := src.Load()
	for {
		s.hazard.Store(p)
		q := src.Load()
		if q == p {
			return p
		}
		p = q
	}
}

// Clear unpublishes the slot's payload while keeping the slot held.
func (s *Slot[T]) Clear() {
	s.hazard.Store(nil)
}

// Load returns the currently published address.
func (s *Slot[T]) Load() *T {
	return s.hazard.Load()
}

// Active reports whether the slot is currently held.
func (s *Slot[T]) Active() bool {
	return s.active.Load()
}

// Registry is a lock-free list of hazard slots.
type Registry[T any] struct {
	head  atomic.Pointer[Slot[T]]
	count atomic.Int64 // slots ever allocated; never decremented
}

// NewRegistry creates an empty registry.
func NewRegistry[T any]() *Registry[T] {
	return &Registry[T]{}
}

// Acquire returns a slot owned by the caller until Release. An inactive slot
// is reused when one can be claimed; otherwise a new slot is pushed onto the
// head of the list.
func (r *Registry[T]) Acquire() *Slot[T] {
	for s := r.head.Load(); s != nil; s = s.next {
		if s.active.Load() || !s.active.CompareAndSwap(false, true) {
			continue
		}
		return s
	}

	r.count.Add(1)

	s := &Slot[T]{}
	s.active.Store(true)
	for {
		old := r.head.Load()
		s.next = old
		if r.head.CompareAndSwap(old, s) {
			return s
		}
	}
}

// Release clears the slot's payload and then marks it free. The order matters:
// a scan must never see the slot as free while it still carries a payload, and
// a later owner must never inherit a stale payload.
func (r *Registry[T]) Release(s *Slot[T]) {
	s.hazard.Store(nil)
	if !s.active.CompareAndSwap(true, false) {
		panic(ErrInactiveSlot)
	}
}

// SlotCount returns the number of slots ever allocated. It reflects the peak
// number of concurrently held slots.
func (r *Registry[T]) SlotCount() int {
	return int(r.count.Load())
}

// ActiveCount walks the list and counts slots that are currently held.
func (r *Registry[T]) ActiveCount() int {
	n := 0
	for s := r.head.Load(); s != nil; s = s.next {
		if s.active.Load() {
			n++
		}
	}
	return n
}

// Protected appends every non-nil published address to dst and returns the
// result sorted in ascending order with duplicates removed.
func (r *Registry[T]) Protected(dst []uintptr) []uintptr {
	dst = dst[:0]
	for s := r.head.Load(); s != nil; s = s.next {
		if p := s.hazard.Load(); p != nil {
			dst = append(dst, uintptr(unsafe.Pointer(p)))
		}
	}
	slices.Sort(dst)
	return slices.Compact(dst)
}

// Close detaches every slot from the registry. Slots are popped one at a
// time with a CAS on the head so that a late Acquire racing with teardown
// cannot corrupt the list. The slot counter is left untouched.
//
// Close must only be called once no goroutine can still be reading through
// the registry. Slots that are still active are reported via ErrSlotsActive.
func (r *Registry[T]) Close() error {
	held := 0
	for {
		old := r.head.Load()
		if old == nil {
			break
		}
		if r.head.CompareAndSwap(old, old.next) {
			if old.active.Load() {
				held++
			}
			old.hazard.Store(nil)
		}
	}
	if held > 0 {
		return fmt.Errorf("%w: %d", ErrSlotsActive, held)
	}
	return nil
}

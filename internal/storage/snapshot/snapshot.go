// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package snapshot provides the immutable bucketed table that a map publishes
// through its current pointer.
//
// A Snapshot is mutable only while it is being built by a single writer. Once
// it has been published it is never modified again until it is reclaimed,
// at which point it is reset and handed back to its Pool for reuse.
//
// # Key Features
//
//   - Fixed power-of-two bucket count chosen at construction
//   - Duplicate keys permitted; values for one key keep their insertion order
//   - Explicit lifecycle state (Building, Current, Retired, Reclaimed)
//   - Reclamation generation used by readers to detect use after reclaim
//   - Bucket storage is reused when a reclaimed snapshot is recycled
//
// # Usage Examples
//
//	pool := snapshot.NewPool[string, int](64, hashing.Default[string]())
//
//	s := pool.Get()
//	s.CopyFrom(old)
//	s.Update("a", 1)
//	s.Insert("a", 2)
//	s.MarkCurrent()
//
//	g := s.Pin()
//	v, ok := s.Lookup("a") // 2, true
//	s.Unpin(g)
//
// # Dangers and Warnings
//
//   - **Single Builder**: Only the writer that obtained a snapshot from the pool
//     may mutate it, and only before it is published.
//   - **Reclaimed Reads**: Reading a snapshot after it has been reclaimed is a
//     bug in the caller's protection protocol. Pin/Unpin turn it into a panic
//     with ErrReclaimedRead when it is observed.
//   - **Bucket Count**: Snapshots from different pools must not be mixed in
//     CopyFrom. Bucket counts must match.
//
// # Performance Considerations
//
//   - Lookup is O(1) average, O(n) in the bucket for the key
//   - CopyFrom is O(total entries); reuses bucket capacity when recycled
//   - Update and Erase touch only the key's bucket
package snapshot

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/kianostad/lfmap/internal/storage/hashing"
)

// ErrReclaimedRead is the panic value raised when a reader observes a
// snapshot that was reclaimed while it was being read.
var ErrReclaimedRead = errors.New("snapshot: read of reclaimed snapshot")

// ErrNotBuilding is the panic value for mutating a published snapshot.
var ErrNotBuilding = errors.New("snapshot: mutation of published snapshot")

// State is the lifecycle stage of a snapshot.
type State uint32

const (
	Building State = iota
	Current
	Retired
	Reclaimed
)

func (s State) String() string {
	switch s {
	case Building:
		return "building"
	case Current:
		return "current"
	case Retired:
		return "retired"
	case Reclaimed:
		return "reclaimed"
	default:
		return fmt.Sprintf("State(%d)", uint32(s))
	}
}

type entry[K comparable, V any] struct {
	key K
	val V
}

// Snapshot is a bucketed key/value table with duplicate keys.
type Snapshot[K comparable, V any] struct {
	buckets [][]entry[K, V]
	mask    uint64
	hasher  hashing.Hasher[K]

	size int // total entries
	keys int // distinct keys

	state atomic.Uint32
	gen   atomic.Uint64
}

// New creates an empty snapshot in the Building state. buckets must be a
// power of two.
func New[K comparable, V any](buckets int, hasher hashing.Hasher[K]) *Snapshot[K, V] {
	if buckets <= 0 || buckets&(buckets-1) != 0 {
		panic("snapshot: bucket count must be a power of 2")
	}
	if hasher == nil {
		hasher = hashing.Default[K]()
	}
	return &Snapshot[K, V]{
		buckets: make([][]entry[K, V], buckets),
		mask:    uint64(buckets - 1),
		hasher:  hasher,
	}
}

func (s *Snapshot[K, V]) bucket(key K) int {
	return int(s.hasher.Hash(key) & s.mask)
}

// State returns the lifecycle state.
func (s *Snapshot[K, V]) State() State {
	return State(s.state.Load())
}

// Generation returns the number of times the snapshot has been reclaimed.
func (s *Snapshot[K, V]) Generation() uint64 {
	return s.gen.Load()
}

// MarkCurrent moves a building snapshot to Current. It is called right before
// the snapshot is offered to the map's current pointer.
func (s *Snapshot[K, V]) MarkCurrent() {
	s.state.Store(uint32(Current))
}

// Unpublish returns a snapshot whose publication failed to Building.
func (s *Snapshot[K, V]) Unpublish() {
	s.state.Store(uint32(Building))
}

// MarkRetired records that the snapshot has been superseded.
func (s *Snapshot[K, V]) MarkRetired() {
	s.state.Store(uint32(Retired))
}

// Pin validates that the snapshot is readable and returns its generation.
// Readers must call Unpin with the returned value after their last access.
func (s *Snapshot[K, V]) Pin() uint64 {
	g := s.gen.Load()
	if st := s.State(); st != Current && st != Retired {
		panic(fmt.Errorf("%w: state %s", ErrReclaimedRead, st))
	}
	return g
}

// Unpin panics with ErrReclaimedRead if the snapshot was reclaimed since the
// matching Pin.
func (s *Snapshot[K, V]) Unpin(g uint64) {
	if s.gen.Load() != g {
		panic(fmt.Errorf("%w: generation %d -> %d", ErrReclaimedRead, g, s.gen.Load()))
	}
}

func (s *Snapshot[K, V]) mustBuild() {
	if s.State() != Building {
		panic(ErrNotBuilding)
	}
}

// Len returns the total number of entries, counting duplicates.
func (s *Snapshot[K, V]) Len() int {
	return s.size
}

// KeyCount returns the number of distinct keys.
func (s *Snapshot[K, V]) KeyCount() int {
	return s.keys
}

// Lookup returns the most recently inserted value for key.
func (s *Snapshot[K, V]) Lookup(key K) (V, bool) {
	b := s.buckets[s.bucket(key)]
	for i := len(b) - 1; i >= 0; i-- {
		if b[i].key == key {
			return b[i].val, true
		}
	}
	var zero V
	return zero, false
}

// LookupAll appends every value stored under key to dst in insertion order.
func (s *Snapshot[K, V]) LookupAll(key K, dst []V) []V {
	for _, e := range s.buckets[s.bucket(key)] {
		if e.key == key {
			dst = append(dst, e.val)
		}
	}
	return dst
}

// Count returns the number of entries stored under key.
func (s *Snapshot[K, V]) Count(key K) int {
	n := 0
	for _, e := range s.buckets[s.bucket(key)] {
		if e.key == key {
			n++
		}
	}
	return n
}

// Contains reports whether key has at least one entry.
func (s *Snapshot[K, V]) Contains(key K) bool {
	for _, e := range s.buckets[s.bucket(key)] {
		if e.key == key {
			return true
		}
	}
	return false
}

// Range calls fn for every entry in bucket order until fn returns false.
// Entries for the same key are visited in insertion order.
func (s *Snapshot[K, V]) Range(fn func(key K, val V) bool) {
	for _, b := range s.buckets {
		for _, e := range b {
			if !fn(e.key, e.val) {
				return
			}
		}
	}
}

// CopyFrom replaces the contents of a building snapshot with the contents of
// src. A nil src empties the snapshot.
func (s *Snapshot[K, V]) CopyFrom(src *Snapshot[K, V]) {
	s.mustBuild()
	if src == nil {
		s.truncate()
		return
	}
	if len(src.buckets) != len(s.buckets) {
		panic(fmt.Sprintf("snapshot: bucket count mismatch %d != %d", len(src.buckets), len(s.buckets)))
	}
	for i, from := range src.buckets {
		to := s.buckets[i]
		if len(from) < len(to) {
			clear(to[len(from):])
		}
		s.buckets[i] = append(to[:0], from...)
	}
	s.size = src.size
	s.keys = src.keys
}

// Insert appends (key, val) without touching existing entries for key.
func (s *Snapshot[K, V]) Insert(key K, val V) {
	s.mustBuild()
	i := s.bucket(key)
	if !s.containsIn(i, key) {
		s.keys++
	}
	s.buckets[i] = append(s.buckets[i], entry[K, V]{key: key, val: val})
	s.size++
}

// Update removes every entry for key and appends (key, val). It returns the
// number of entries that were replaced.
func (s *Snapshot[K, V]) Update(key K, val V) int {
	s.mustBuild()
	i := s.bucket(key)
	removed := s.eraseIn(i, key)
	s.buckets[i] = append(s.buckets[i], entry[K, V]{key: key, val: val})
	s.size++
	s.keys++
	return removed
}

// Erase removes every entry for key and returns how many were removed.
func (s *Snapshot[K, V]) Erase(key K) int {
	s.mustBuild()
	return s.eraseIn(s.bucket(key), key)
}

func (s *Snapshot[K, V]) containsIn(i int, key K) bool {
	for _, e := range s.buckets[i] {
		if e.key == key {
			return true
		}
	}
	return false
}

// eraseIn filters bucket i in place, preserving the order of survivors.
func (s *Snapshot[K, V]) eraseIn(i int, key K) int {
	b := s.buckets[i]
	kept := b[:0]
	for _, e := range b {
		if e.key != key {
			kept = append(kept, e)
		}
	}
	removed := len(b) - len(kept)
	if removed == 0 {
		return 0
	}
	clear(b[len(kept):])
	s.buckets[i] = kept
	s.size -= removed
	s.keys--
	return removed
}

func (s *Snapshot[K, V]) truncate() {
	for i, b := range s.buckets {
		clear(b)
		s.buckets[i] = b[:0]
	}
	s.size = 0
	s.keys = 0
}

// reclaim resets the snapshot and advances its generation. Bucket capacity is
// kept for the next builder.
func (s *Snapshot[K, V]) reclaim() {
	s.state.Store(uint32(Reclaimed))
	s.gen.Add(1)
	s.truncate()
}

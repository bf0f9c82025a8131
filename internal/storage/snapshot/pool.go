// Licensed under the MIT License. See LICENSE file in the project root for details.

package snapshot

import (
	"sync"
	"sync/atomic"

	"github.com/kianostad/lfmap/internal/storage/hashing"
)

// Pool recycles reclaimed snapshots of one bucket geometry.
type Pool[K comparable, V any] struct {
	pool sync.Pool

	allocated atomic.Uint64
	recycled  atomic.Uint64
}

// NewPool creates a pool that hands out empty snapshots with the given bucket
// count and hasher.
func NewPool[K comparable, V any](buckets int, hasher hashing.Hasher[K]) *Pool[K, V] {
	if hasher == nil {
		hasher = hashing.Default[K]()
	}
	p := &Pool[K, V]{}
	p.pool.New = func() interface{} {
		p.allocated.Add(1)
		return New[K, V](buckets, hasher)
	}
	return p
}

// Get returns an empty snapshot in the Building state.
func (p *Pool[K, V]) Get() *Snapshot[K, V] {
	s := p.pool.Get().(*Snapshot[K, V])
	s.state.Store(uint32(Building))
	return s
}

// Put reclaims s and makes it available to later Get calls. Put must only be
// called once nothing can read s any more.
func (p *Pool[K, V]) Put(s *Snapshot[K, V]) {
	if s == nil {
		return
	}
	s.reclaim()
	p.recycled.Add(1)
	p.pool.Put(s)
}

// Allocated returns the number of snapshots the pool has had to allocate.
func (p *Pool[K, V]) Allocated() uint64 {
	return p.allocated.Load()
}

// Recycled returns the number of snapshots returned via Put.
func (p *Pool[K, V]) Recycled() uint64 {
	return p.recycled.Load()
}

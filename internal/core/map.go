// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package core provides a lock-free multi-map whose snapshots are reclaimed
// with hazard pointers.
//
// The map publishes an immutable snapshot through a single atomic pointer.
// Readers protect the current snapshot with a hazard slot, read it, and let
// go. Writers copy the current snapshot, apply their change to the copy and
// install it with compare-and-swap, retrying on conflict. The snapshot a
// writer replaces is retired into the writer's own Ledger and reclaimed once
// no hazard slot refers to it.
//
// # Key Features
//
//   - Lookups never block and never wait for writers
//   - Lock-free writers built on a copy-on-write CAS loop
//   - Every single operation is atomic and linearizable
//   - Duplicate keys: Insert appends, Update overwrites, Erase removes all
//   - Reclaimed snapshots are recycled through a pool
//   - Operation, latency and reclamation metrics
//
// # Usage Examples
//
//	m := core.New[string, int]()
//	defer m.Close()
//
//	ledger := m.NewLedger() // one per writer goroutine
//	m.Update("a", 1, ledger)
//	m.Insert("a", 2, ledger)
//
//	m.Lookup("a", -1)  // 2
//	m.LookupAll("a")   // [1 2]
//	m.Erase("a", ledger) // 2
//	m.Lookup("a", -1)  // -1
//
// # Dangers and Warnings
//
//   - **Ledger Ownership**: A ledger belongs to one writer at a time. Using it
//     from two goroutines at once panics with ErrLedgerShared; using it with
//     another map panics with ErrForeignLedger.
//   - **Write Cost**: Every write copies the whole snapshot. The map suits
//     read-mostly workloads with modest sizes.
//   - **Close**: Close must not race with other operations. Operations after
//     Close panic with ErrClosed.
//   - **No Cross-Operation Consistency**: Two lookups may observe different
//     snapshots. There are no multi-key transactions.
//
// # Performance Considerations
//
//   - Lookup is one hazard slot acquire/release plus a bucket scan
//   - Write cost is O(total entries) per attempt; CAS failures re-copy into
//     the same private snapshot
//   - Retired snapshots pending reclamation per ledger stay near
//     ScanFactor times the peak number of concurrent hazard slots
package core

import (
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/kianostad/lfmap/internal/concurrency/hazard"
	"github.com/kianostad/lfmap/internal/concurrency/reclaim"
	"github.com/kianostad/lfmap/internal/monitoring/metrics"
	"github.com/kianostad/lfmap/internal/storage/snapshot"
)

type table[K comparable, V any] = snapshot.Snapshot[K, V]

// Map is a lock-free multi-map from K to V.
type Map[K comparable, V any] struct {
	current  atomic.Pointer[table[K, V]]
	registry *hazard.Registry[table[K, V]]
	pool     *snapshot.Pool[K, V]

	config  Config[K]
	logger  hclog.Logger
	metrics *metrics.Metrics // nil when disabled
	closed  atomic.Bool

	peakSlots  atomic.Int64
	ledgers    atomic.Uint64
	retired    atomic.Uint64
	reclaimed  atomic.Uint64
	scans      atomic.Uint64
	casRetries atomic.Uint64

	// exact operation counts, kept only with metrics enabled
	lookups atomic.Uint64
	updates atomic.Uint64
	inserts atomic.Uint64
	erases  atomic.Uint64
}

// New creates a map with DefaultConfig.
func New[K comparable, V any]() *Map[K, V] {
	m, err := NewWithConfig[K, V](DefaultConfig[K]())
	if err != nil {
		panic(err)
	}
	return m
}

// NewWithConfig creates a map from config. Zero-valued fields take their
// defaults; invalid values are reported by Config.Validate.
func NewWithConfig[K comparable, V any](config Config[K]) (*Map[K, V], error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	config = config.withDefaults()

	m := &Map[K, V]{
		registry: hazard.NewRegistry[table[K, V]](),
		pool:     snapshot.NewPool[K, V](config.Buckets, config.Hasher),
		config:   config,
		logger:   config.Logger.Named("lfmap"),
	}
	if config.EnableMetrics {
		m.metrics = metrics.NewMetricsWithConfig(config.Metrics)
	}

	m.logger.Debug("map created", "buckets", config.Buckets, "scan_factor", config.ScanFactor, "metrics", config.EnableMetrics)
	return m, nil
}

// Config returns the effective configuration.
func (m *Map[K, V]) Config() Config[K] {
	return m.config
}

func (m *Map[K, V]) checkOpen() {
	if m.closed.Load() {
		panic(ErrClosed)
	}
}

// acquire takes a hazard slot and logs when the registry reaches a new peak.
func (m *Map[K, V]) acquire() *hazard.Slot[table[K, V]] {
	s := m.registry.Acquire()
	if n := int64(m.registry.SlotCount()); n > m.peakSlots.Load() {
		for {
			peak := m.peakSlots.Load()
			if n <= peak {
				break
			}
			if m.peakSlots.CompareAndSwap(peak, n) {
				m.logger.Debug("hazard registry grew", "slots", n)
				break
			}
		}
	}
	return s
}

// read protects the current snapshot for the duration of fn. fn is not
// called when the map has never been written.
func (m *Map[K, V]) read(fn func(s *table[K, V])) {
	slot := m.acquire()
	defer m.registry.Release(slot)

	s := slot.Protect(&m.current)
	if s == nil {
		return
	}
	g := s.Pin()
	fn(s)
	s.Unpin(g)
}

func (m *Map[K, V]) now() time.Time {
	if m.metrics == nil {
		return time.Time{}
	}
	return time.Now()
}

// Lookup returns the most recently inserted value for key, or notFound.
func (m *Map[K, V]) Lookup(key K, notFound V) V {
	m.checkOpen()
	start := m.now()

	v := notFound
	m.read(func(s *table[K, V]) {
		if found, ok := s.Lookup(key); ok {
			v = found
		}
	})

	if m.metrics != nil {
		m.lookups.Add(1)
		m.metrics.RecordLookup(time.Since(start))
	}
	return v
}

// Get is Lookup with an explicit presence flag.
func (m *Map[K, V]) Get(key K) (V, bool) {
	m.checkOpen()
	start := m.now()

	var (
		v  V
		ok bool
	)
	m.read(func(s *table[K, V]) {
		v, ok = s.Lookup(key)
	})

	if m.metrics != nil {
		m.lookups.Add(1)
		m.metrics.RecordLookup(time.Since(start))
	}
	return v, ok
}

// LookupAll returns every value stored under key in insertion order. The
// result is a copy and is nil when key is absent.
func (m *Map[K, V]) LookupAll(key K) []V {
	m.checkOpen()
	start := m.now()

	var out []V
	m.read(func(s *table[K, V]) {
		out = s.LookupAll(key, nil)
	})

	if m.metrics != nil {
		m.lookups.Add(1)
		m.metrics.RecordLookup(time.Since(start))
	}
	return out
}

// Contains reports whether key has at least one entry.
func (m *Map[K, V]) Contains(key K) bool {
	m.checkOpen()
	var ok bool
	m.read(func(s *table[K, V]) {
		ok = s.Contains(key)
	})
	return ok
}

// Count returns the number of entries stored under key.
func (m *Map[K, V]) Count(key K) int {
	m.checkOpen()
	n := 0
	m.read(func(s *table[K, V]) {
		n = s.Count(key)
	})
	return n
}

// Len returns the total number of entries, counting duplicates.
func (m *Map[K, V]) Len() int {
	m.checkOpen()
	n := 0
	m.read(func(s *table[K, V]) {
		n = s.Len()
	})
	return n
}

// KeyCount returns the number of distinct keys.
func (m *Map[K, V]) KeyCount() int {
	m.checkOpen()
	n := 0
	m.read(func(s *table[K, V]) {
		n = s.KeyCount()
	})
	return n
}

// Range calls fn for every entry of one snapshot, in no particular key
// order, until fn returns false. The snapshot stays protected while Range
// runs, so fn should be short.
func (m *Map[K, V]) Range(fn func(key K, val V) bool) {
	m.checkOpen()
	m.read(func(s *table[K, V]) {
		s.Range(fn)
	})
}

// Update sets key to val, replacing every existing entry for key.
func (m *Map[K, V]) Update(key K, val V, ledger *Ledger[K, V]) {
	m.checkOpen()
	start := m.now()

	m.write(ledger, false, func(s *table[K, V]) int {
		return s.Update(key, val)
	})

	if m.metrics != nil {
		m.updates.Add(1)
		m.metrics.RecordUpdate(time.Since(start))
	}
}

// Insert adds (key, val) and keeps existing entries for key.
func (m *Map[K, V]) Insert(key K, val V, ledger *Ledger[K, V]) {
	m.checkOpen()
	start := m.now()

	m.write(ledger, false, func(s *table[K, V]) int {
		s.Insert(key, val)
		return 1
	})

	if m.metrics != nil {
		m.inserts.Add(1)
		m.metrics.RecordInsert(time.Since(start))
	}
}

// Erase removes every entry for key and returns how many were removed. On a
// map that has never been written it returns 0 without retiring anything.
func (m *Map[K, V]) Erase(key K, ledger *Ledger[K, V]) int {
	m.checkOpen()
	start := m.now()

	n := m.write(ledger, true, func(s *table[K, V]) int {
		return s.Erase(key)
	})

	if m.metrics != nil {
		m.erases.Add(1)
		m.metrics.RecordErase(time.Since(start))
	}
	return n
}

// write runs the copy-on-write loop. edit is applied to a private copy of
// the current snapshot and its result is returned once the copy has been
// installed. With skipEmpty, an unset current pointer ends the loop with 0.
//
// The writer protects the snapshot it copies from. Without that, the copy
// could read a snapshot that another writer has already reclaimed, and a
// recycled snapshot could reappear at the same address between the load
// and the CAS.
func (m *Map[K, V]) write(ledger *Ledger[K, V], skipEmpty bool, edit func(s *table[K, V]) int) int {
	if ledger == nil || ledger.m != m {
		panic(ErrForeignLedger)
	}
	l := ledger.inner
	l.Enter()
	defer l.Exit()

	slot := m.acquire()
	defer m.registry.Release(slot)

	var next *table[K, V]
	retries := 0
	for {
		old := slot.Protect(&m.current)
		if old == nil && skipEmpty {
			m.recordRetries(retries)
			return 0
		}

		if next == nil {
			next = m.pool.Get()
		} else {
			next.Unpublish()
		}
		next.CopyFrom(old)
		n := edit(next)
		next.MarkCurrent()

		if m.current.CompareAndSwap(old, next) {
			slot.Clear()
			if old != nil {
				old.MarkRetired()
				m.retired.Add(1)
				l.Retire(old)
			}
			m.recordRetries(retries)
			return n
		}
		retries++
	}
}

func (m *Map[K, V]) recordRetries(n int) {
	if n == 0 {
		return
	}
	m.casRetries.Add(uint64(n))
	if m.metrics != nil {
		m.metrics.RecordCASRetries(n)
	}
}

// recycle is the reclaim function of every ledger of this map.
func (m *Map[K, V]) recycle(s *table[K, V]) {
	m.pool.Put(s)
	m.reclaimed.Add(1)
	if m.logger.IsTrace() {
		m.logger.Trace("snapshot recycled", "generation", s.Generation())
	}
}

func (m *Map[K, V]) onScan(reclaim.ScanResult) {
	m.scans.Add(1)
	if m.metrics != nil {
		m.metrics.RecordScan()
	}
}

// CASRetries returns the number of failed compare-and-swap attempts by
// writers. Unlike the metrics pipeline it never drops events.
func (m *Map[K, V]) CASRetries() uint64 {
	return m.casRetries.Load()
}

// SlotCount returns the number of hazard slots ever allocated by this map.
func (m *Map[K, V]) SlotCount() int {
	return m.registry.SlotCount()
}

// Reclamation returns the current reclamation figures.
func (m *Map[K, V]) Reclamation() metrics.ReclamationMetrics {
	// reclaimed is read first so that pending can never go negative
	reclaimed := m.reclaimed.Load()
	retired := m.retired.Load()
	return metrics.ReclamationMetrics{
		HazardSlots:        uint64(m.registry.SlotCount()),
		ActiveSlots:        uint64(m.registry.ActiveCount()),
		Retired:            retired,
		Reclaimed:          reclaimed,
		Pending:            retired - reclaimed,
		Ledgers:            m.ledgers.Load(),
		SnapshotsAllocated: m.pool.Allocated(),
		SnapshotsRecycled:  m.pool.Recycled(),
	}
}

// GetMetrics returns operation, latency and reclamation metrics. Operation
// counts are exact as soon as the operation returns; latency figures come
// from the metrics pipeline and trail by the events still buffered. With
// metrics disabled only the reclamation section, scans and CAS retries are
// set.
func (m *Map[K, V]) GetMetrics() metrics.MetricsSnapshot {
	r := m.Reclamation()
	ops := metrics.OperationCounts{Scan: m.scans.Load(), CASRetries: m.casRetries.Load()}
	if m.metrics == nil {
		return metrics.MetricsSnapshot{Operations: ops, Reclamation: r}
	}

	ops.Lookup = m.lookups.Load()
	ops.Update = m.updates.Load()
	ops.Insert = m.inserts.Load()
	ops.Erase = m.erases.Load()

	m.metrics.SetReclamation(r)
	stats := m.metrics.GetStats()
	stats.Operations = ops
	return stats
}

// Close tears down the hazard registry and stops metrics collection. It
// must not race with other operations on the map. Slots still held at
// teardown are reported as an error wrapping hazard.ErrSlotsActive.
func (m *Map[K, V]) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	if m.metrics != nil {
		m.metrics.Close()
	}
	if err := m.registry.Close(); err != nil {
		m.logger.Warn("hazard slots still held at close", "error", err)
		return err
	}
	m.logger.Debug("map closed", "retired", m.retired.Load(), "reclaimed", m.reclaimed.Load())
	return nil
}

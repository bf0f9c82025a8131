// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package lfmap is a lock-free, read-optimized multi-map for Go.
//
// Readers look keys up without locks and without waiting for writers.
// Writers build a private copy of the current snapshot and publish it with
// a single compare-and-swap. Replaced snapshots are reclaimed with hazard
// pointers: a snapshot is only recycled once no reader can still be looking
// at it.
//
// # Quick Start
//
//	go get github.com/kianostad/lfmap
//
//	import "github.com/kianostad/lfmap"
//
//	m := lfmap.New[string, int]()
//	defer m.Close()
//
//	ledger := m.NewLedger() // one per writer goroutine
//	m.Update("a", 1, ledger)
//	m.Update("b", 2, ledger)
//	m.Lookup("a", 0) // 1
//	m.Erase("a", ledger)
//	m.Lookup("a", 0) // 0
//
// # Keys With Several Values
//
// Insert appends a value and keeps the existing ones. Update replaces every
// value stored under the key with one. Lookup returns the most recent value
// and LookupAll returns all of them in insertion order. Erase removes all
// of them and returns how many there were.
//
// # Writers and Ledgers
//
// Every write takes a Ledger. A ledger holds the snapshots its writer has
// replaced until they are safe to recycle, so it must not be shared by two
// goroutines writing at the same time. A writer that exits calls
// Ledger.Close.
//
// # Configuration
//
// NewWithConfig accepts a Config. Zero fields take their defaults:
//
//	m, err := lfmap.NewWithConfig[string, int](lfmap.Config[string]{
//	    Buckets: 256,
//	    Hasher:  lfmap.XXHash(),
//	    Logger:  hclog.New(&hclog.LoggerOptions{Level: hclog.Debug}),
//	})
//
// # See Also
//
// For implementation details, see the internal/core package.
package lfmap

import (
	core "github.com/kianostad/lfmap/internal/core"
	"github.com/kianostad/lfmap/internal/monitoring/metrics"
	"github.com/kianostad/lfmap/internal/storage/hashing"
)

type (
	// Map is a lock-free multi-map from K to V.
	Map[K comparable, V any] = core.Map[K, V]

	// Ledger is the per-writer list of snapshots awaiting reclamation.
	Ledger[K comparable, V any] = core.Ledger[K, V]

	// Config holds the tunables of a map.
	Config[K comparable] = core.Config[K]

	// Hasher places keys into buckets.
	Hasher[K comparable] = hashing.Hasher[K]

	// HasherFunc adapts a function to Hasher.
	HasherFunc[K comparable] = hashing.Func[K]

	// MetricsSnapshot is the value returned by Map.GetMetrics.
	MetricsSnapshot = metrics.MetricsSnapshot

	// MetricsConfig tunes metrics collection.
	MetricsConfig = metrics.MetricsConfig
)

const DefaultBuckets = core.DefaultBuckets

var (
	ErrClosed            = core.ErrClosed
	ErrForeignLedger     = core.ErrForeignLedger
	ErrLedgerShared      = core.ErrLedgerShared
	ErrReclaimedRead     = core.ErrReclaimedRead
	ErrInactiveSlot      = core.ErrInactiveSlot
	ErrInvalidBuckets    = core.ErrInvalidBuckets
	ErrInvalidScanFactor = core.ErrInvalidScanFactor
)

// New creates a map with DefaultConfig.
func New[K comparable, V any]() *Map[K, V] {
	return core.New[K, V]()
}

// NewWithConfig creates a map from config.
func NewWithConfig[K comparable, V any](config Config[K]) (*Map[K, V], error) {
	return core.NewWithConfig[K, V](config)
}

// DefaultConfig returns the configuration used by New.
func DefaultConfig[K comparable]() Config[K] {
	return core.DefaultConfig[K]()
}

// Hashers for string keys. DefaultHasher works for any comparable key.
func DefaultHasher[K comparable]() Hasher[K] { return hashing.Default[K]() }
func FNV1a() Hasher[string] { return hashing.FNV1a() }
func Murmur3() Hasher[string] { return hashing.Murmur3() }
func XXHash() Hasher[string] { return hashing.XXHash() }

// HasherByName returns the string hasher registered under name.
func HasherByName(name string) (Hasher[string], error) {
	return hashing.ByName(name)
}

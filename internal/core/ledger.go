// Licensed under the MIT License. See LICENSE file in the project root for details.

package core

import (
	"github.com/kianostad/lfmap/internal/concurrency/reclaim"
)

// Ledger collects the snapshots one writer has replaced until they can be
// reclaimed. Create one per writer goroutine with Map.NewLedger.
type Ledger[K comparable, V any] struct {
	m     *Map[K, V]
	inner *reclaim.Ledger[table[K, V]]
}

// NewLedger creates a ledger bound to m.
func (m *Map[K, V]) NewLedger() *Ledger[K, V] {
	m.checkOpen()
	m.ledgers.Add(1)
	return &Ledger[K, V]{
		m: m,
		inner: reclaim.NewLedger(m.registry, m.recycle,
			reclaim.WithScanFactor(m.config.ScanFactor),
			reclaim.WithLogger(m.logger.Named("ledger")),
			reclaim.WithScanHook(m.onScan),
		),
	}
}

// Flush reclaims every retired snapshot that is no longer protected and
// returns how many were reclaimed.
func (l *Ledger[K, V]) Flush() int {
	return l.inner.Flush()
}

// Close flushes the ledger and returns the number of snapshots still
// protected by readers. A writer that exits calls Close; whatever remains
// is left to the garbage collector.
func (l *Ledger[K, V]) Close() int {
	return l.inner.Close()
}

// Len returns the number of retired snapshots pending reclamation.
func (l *Ledger[K, V]) Len() int {
	return l.inner.Len()
}

// Reclaimed returns the number of snapshots this ledger has reclaimed.
func (l *Ledger[K, V]) Reclaimed() uint64 {
	return l.inner.Reclaimed()
}

// Scans returns the number of scans this ledger has run.
func (l *Ledger[K, V]) Scans() uint64 {
	return l.inner.Scans()
}

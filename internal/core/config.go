// Licensed under the MIT License. See LICENSE file in the project root for details.

package core

import (
	"errors"
	"fmt"
	"math"

	"github.com/hashicorp/go-hclog"

	"github.com/kianostad/lfmap/internal/concurrency/hazard"
	"github.com/kianostad/lfmap/internal/concurrency/reclaim"
	"github.com/kianostad/lfmap/internal/monitoring/metrics"
	"github.com/kianostad/lfmap/internal/storage/hashing"
	"github.com/kianostad/lfmap/internal/storage/snapshot"
)

// DefaultBuckets is the bucket count of a map created with New.
const DefaultBuckets = 64

var (
	// ErrClosed is the panic value for using a map after Close, and the error
	// returned by a second Close.
	ErrClosed = errors.New("lfmap: map is closed")

	// ErrForeignLedger is the panic value for passing a nil ledger, or a
	// ledger created by a different map, to a write operation.
	ErrForeignLedger = errors.New("lfmap: ledger does not belong to this map")

	// ErrInvalidBuckets is returned by Config.Validate for a bucket count
	// that is not a positive power of two.
	ErrInvalidBuckets = errors.New("lfmap: bucket count must be a positive power of two")

	// ErrInvalidScanFactor is returned by Config.Validate for a scan factor
	// that is not a finite positive number.
	ErrInvalidScanFactor = errors.New("lfmap: scan factor must be finite and positive")

	// ErrLedgerShared is the panic value for using one ledger from two
	// goroutines at the same time.
	ErrLedgerShared = reclaim.ErrLedgerShared

	// ErrReclaimedRead is the panic value for a reader that observes a
	// reclaimed snapshot. It indicates a broken protection protocol.
	ErrReclaimedRead = snapshot.ErrReclaimedRead

	// ErrInactiveSlot is the panic value for releasing a hazard slot twice.
	ErrInactiveSlot = hazard.ErrInactiveSlot
)

// Config holds the tunables of a map.
type Config[K comparable] struct {
	// Buckets is the fixed bucket count of every snapshot. Zero selects
	// DefaultBuckets.
	Buckets int

	// ScanFactor scales the ledger length that triggers a scan relative to
	// the number of hazard slots. Zero selects reclaim.DefaultScanFactor.
	ScanFactor float64

	// Hasher places keys into buckets. Nil selects hashing.Default.
	Hasher hashing.Hasher[K]

	// Logger receives debug and trace output. Nil discards it.
	Logger hclog.Logger

	EnableMetrics bool
	Metrics       metrics.MetricsConfig
}

// DefaultConfig returns the configuration used by New.
func DefaultConfig[K comparable]() Config[K] {
	return Config[K]{
		Buckets:       DefaultBuckets,
		ScanFactor:    reclaim.DefaultScanFactor,
		Hasher:        hashing.Default[K](),
		Logger:        hclog.NewNullLogger(),
		EnableMetrics: true,
		Metrics:       metrics.DefaultMetricsConfig(),
	}
}

// withDefaults fills zero-valued fields.
func (c Config[K]) withDefaults() Config[K] {
	if c.Buckets == 0 {
		c.Buckets = DefaultBuckets
	}
	if c.ScanFactor == 0 {
		c.ScanFactor = reclaim.DefaultScanFactor
	}
	if c.Hasher == nil {
		c.Hasher = hashing.Default[K]()
	}
	if c.Logger == nil {
		c.Logger = hclog.NewNullLogger()
	}
	return c
}

// Validate reports the first invalid field. Zero values are valid and stand
// for their defaults.
func (c Config[K]) Validate() error {
	if c.Buckets < 0 || (c.Buckets > 0 && c.Buckets&(c.Buckets-1) != 0) {
		return fmt.Errorf("%w: got %d", ErrInvalidBuckets, c.Buckets)
	}
	if c.ScanFactor < 0 || math.IsNaN(c.ScanFactor) || math.IsInf(c.ScanFactor, 0) {
		return fmt.Errorf("%w: got %v", ErrInvalidScanFactor, c.ScanFactor)
	}
	return nil
}

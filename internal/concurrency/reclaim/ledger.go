// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package reclaim provides the retired-object ledger and the hazard-pointer
// scan that decides when a retired snapshot may be reclaimed.
//
// A Ledger is owned by a single writer. Every snapshot the writer replaces is
// retired into the writer's ledger. When the ledger grows past a threshold
// proportional to the number of hazard slots, the ledger scans: it collects
// the addresses currently published in the hazard registry and reclaims every
// retired entry that is not among them.
//
// # Key Features
//
//   - Per-writer ledgers; scans never touch another writer's ledger
//   - Amortized scanning controlled by a tunable scan factor
//   - Sorted protected set with binary search per retired entry
//   - Pluggable reclaim function (recycle, reset, or drop)
//   - Overlapping use of one ledger from two goroutines is detected and fatal
//
// # Usage Examples
//
//	reg := hazard.NewRegistry[snapshot]()
//	ledger := reclaim.NewLedger(reg, func(s *snapshot) { pool.Put(s) })
//
//	// after a successful CAS that replaced old:
//	ledger.Retire(old)
//
//	// force reclamation of everything that is no longer protected:
//	ledger.Flush()
//
// # Dangers and Warnings
//
//   - **Single Owner**: A ledger must not be used by two goroutines at the same
//     time. Overlapping use panics with ErrLedgerShared.
//   - **No Dereference**: Retired pointers are compared by address only. The
//     reclaim function is the only code that touches a retired snapshot, and it
//     only runs once the snapshot is provably unprotected.
//   - **Copying**: Ledgers must not be copied after first use.
//
// # Performance Considerations
//
//   - Retire is an append plus, occasionally, a scan
//   - Scan is O(H log H) to build the protected set and O(R log H) to sweep,
//     where H is the number of hazard slots and R the ledger length
//   - The ledger length stays near ScanFactor × peak reader concurrency
package reclaim

import (
	"errors"
	"math"
	"slices"
	"sync/atomic"
	"unsafe"

	"github.com/hashicorp/go-hclog"

	"github.com/kianostad/lfmap/internal/concurrency/hazard"
)

// DefaultScanFactor is the ledger-length to slot-count ratio that triggers a
// scan on Retire.
const DefaultScanFactor = 1.25

// ErrLedgerShared is the panic value for overlapping use of one ledger.
var ErrLedgerShared = errors.New("reclaim: ledger used by more than one goroutine")

// noCopy lets go vet flag accidental copies of a Ledger.
type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}

// Option configures a Ledger.
type Option func(*options)

type options struct {
	scanFactor float64
	logger     hclog.Logger
	onScan     func(ScanResult)
}

// WithScanFactor sets the scan threshold multiplier. Values <= 0 or NaN are
// ignored.
func WithScanFactor(f float64) Option {
	return func(o *options) {
		if f > 0 && !math.IsNaN(f) && !math.IsInf(f, 0) {
			o.scanFactor = f
		}
	}
}

// WithLogger sets the logger used for scan tracing.
func WithLogger(l hclog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithScanHook registers a callback invoked after every scan.
func WithScanHook(fn func(ScanResult)) Option {
	return func(o *options) {
		o.onScan = fn
	}
}

// ScanResult summarizes one scan.
type ScanResult struct {
	Protected int // distinct addresses published at scan time
	Reclaimed int // entries reclaimed by this scan
	Remaining int // entries still pending after this scan
}

// Ledger holds retired pointers pending reclamation.
type Ledger[T any] struct {
	noCopy noCopy

	registry *hazard.Registry[T]
	reclaim  func(*T)
	opts     options

	inUse   atomic.Bool
	retired []*T
	scratch []uintptr

	pending   atomic.Int64
	reclaimed atomic.Uint64
	scans     atomic.Uint64
}

// NewLedger creates a ledger bound to registry. reclaim is invoked exactly
// once for every retired pointer, after a scan proves it unprotected.
func NewLedger[T any](registry *hazard.Registry[T], reclaim func(*T), opts ...Option) *Ledger[T] {
	o := options{
		scanFactor: DefaultScanFactor,
		logger:     hclog.NewNullLogger(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if reclaim == nil {
		reclaim = func(*T) {}
	}
	return &Ledger[T]{
		registry: registry,
		reclaim:  reclaim,
		opts:     o,
	}
}

// Registry returns the registry the ledger scans against.
func (l *Ledger[T]) Registry() *hazard.Registry[T] {
	return l.registry
}

// Enter marks the ledger as in use by the calling goroutine. It panics with
// ErrLedgerShared if another goroutine is already using it. Callers that
// perform several steps on behalf of one writer bracket them with Enter/Exit.
func (l *Ledger[T]) Enter() {
	if !l.inUse.CompareAndSwap(false, true) {
		panic(ErrLedgerShared)
	}
}

// Exit releases the in-use mark set by Enter.
func (l *Ledger[T]) Exit() {
	l.inUse.Store(false)
}

// Retire appends p to the ledger and scans when the ledger has grown to at
// least ScanFactor times the registry's slot count. A nil p is ignored.
// Retire must be called between Enter and Exit.
func (l *Ledger[T]) Retire(p *T) {
	if p == nil {
		return
	}
	l.retired = append(l.retired, p)
	l.pending.Add(1)
	if float64(len(l.retired)) >= l.opts.scanFactor*float64(l.registry.SlotCount()) {
		l.scan()
	}
}

// Flush scans regardless of the threshold and returns the number of entries
// reclaimed.
func (l *Ledger[T]) Flush() int {
	l.Enter()
	defer l.Exit()
	return l.scan().Reclaimed
}

// Close flushes the ledger and returns the number of entries that are still
// protected and therefore remain pending.
func (l *Ledger[T]) Close() int {
	l.Flush()
	return int(l.pending.Load())
}

// Len returns the number of retired entries pending reclamation. It is safe
// to call from any goroutine.
func (l *Ledger[T]) Len() int {
	return int(l.pending.Load())
}

// Reclaimed returns the number of entries this ledger has reclaimed.
func (l *Ledger[T]) Reclaimed() uint64 {
	return l.reclaimed.Load()
}

// Scans returns the number of scans performed.
func (l *Ledger[T]) Scans() uint64 {
	return l.scans.Load()
}

// ScanFactor returns the configured scan threshold multiplier.
func (l *Ledger[T]) ScanFactor() float64 {
	return l.opts.scanFactor
}

// scan reclaims every retired entry whose address is not published in the
// registry. Survivors keep their relative order.
func (l *Ledger[T]) scan() ScanResult {
	l.scratch = l.registry.Protected(l.scratch)
	protected := l.scratch

	kept := l.retired[:0]
	reclaimed := 0
	for _, p := range l.retired {
		if _, found := slices.BinarySearch(protected, uintptr(unsafe.Pointer(p))); found {
			kept = append(kept, p)
			continue
		}
		l.reclaim(p)
		reclaimed++
	}
	clear(l.retired[len(kept):])
	l.retired = kept

	l.pending.Add(-int64(reclaimed))
	l.reclaimed.Add(uint64(reclaimed))
	l.scans.Add(1)

	res := ScanResult{
		Protected: len(protected),
		Reclaimed: reclaimed,
		Remaining: len(kept),
	}
	if l.opts.logger.IsTrace() {
		l.opts.logger.Trace("ledger scan", "protected", res.Protected, "reclaimed", res.Reclaimed, "remaining", res.Remaining)
	}
	if l.opts.onScan != nil {
		l.opts.onScan(res)
	}
	return res
}

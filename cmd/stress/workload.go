// Licensed under the MIT License. See LICENSE file in the project root for details.

package main

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/kianostad/lfmap"
	"github.com/kianostad/lfmap/internal/monitoring/metrics"
)

const maxRecordedViolations = 20

// Report is the outcome of one stress run.
type Report struct {
	RunID    string        `json:"run_id"`
	Config   Config        `json:"config"`
	Duration time.Duration `json:"duration_ns"`

	Writes       uint64  `json:"writes"`
	Reads        uint64  `json:"reads"`
	WritesPerSec float64 `json:"writes_per_sec"`
	ReadsPerSec  float64 `json:"reads_per_sec"`
	CASRetries   uint64  `json:"cas_retries"`

	// DroppedEvents counts metric events lost to a full buffer; latency
	// figures on the metrics endpoint leave them out.
	DroppedEvents uint64 `json:"dropped_metric_events"`

	Reclamation metrics.ReclamationMetrics `json:"reclamation"`

	Violations     int64    `json:"violations"`
	ViolationNotes []string `json:"violation_notes,omitempty"`
}

// OK reports whether every invariant check passed.
func (r Report) OK() bool {
	return r.Violations == 0
}

type runner struct {
	cfg    Config
	m      *lfmap.Map[string, int]
	logger hclog.Logger

	reads      atomic.Uint64
	writes     atomic.Uint64
	violations atomic.Int64

	mu    sync.Mutex
	notes []string
}

func (r *runner) violation(format string, args ...any) {
	r.violations.Add(1)
	msg := fmt.Sprintf(format, args...)

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.notes) < maxRecordedViolations {
		r.notes = append(r.notes, msg)
		r.logger.Error("invariant violated", "detail", msg)
	}
}

// guard turns a panic in a worker into a recorded violation.
func (r *runner) guard(role string, id int) {
	if p := recover(); p != nil {
		r.violation("%s %d panicked: %v", role, id, p)
	}
}

func key(writer, k int) string {
	return fmt.Sprintf("w%d-%d", writer, k)
}

// runWorkload drives m with cfg.Writers writers and cfg.Readers readers and
// checks the workload's invariants during and after the run.
func runWorkload(cfg Config, m *lfmap.Map[string, int], logger hclog.Logger) Report {
	r := &runner{cfg: cfg, m: m, logger: logger}

	var writer func(id int, l *lfmap.Ledger[string, int])
	var reader func(id int)
	var verify func()

	switch cfg.Workload {
	case WorkloadHotKey:
		writer, reader, verify = r.hotKeyWriter, r.hotKeyReader, r.verifyHotKey
	case WorkloadEraseChurn:
		writer, reader, verify = r.churnWriter, r.churnReader, r.verifyChurn
	default:
		writer, reader, verify = r.updateWriter, r.updateReader, r.verifyUpdates
	}

	ledgers := make([]*lfmap.Ledger[string, int], cfg.Writers)
	for w := range ledgers {
		ledgers[w] = m.NewLedger()
	}

	logger.Info("starting workload", "writers", cfg.Writers, "readers", cfg.Readers,
		"updates", cfg.UpdatesPerWriter, "lookups", cfg.LookupsPerReader)

	var wg sync.WaitGroup
	start := time.Now()
	for id := 0; id < cfg.Readers; id++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			defer r.guard("reader", id)
			reader(id)
		}(id)
	}
	for id := 0; id < cfg.Writers; id++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			defer r.guard("writer", id)
			writer(id, ledgers[id])
		}(id)
	}
	wg.Wait()
	elapsed := time.Since(start)

	verify()

	for w, l := range ledgers {
		if left := l.Close(); left != 0 {
			r.violation("ledger %d: %d snapshots pending with no readers", w, left)
		}
	}
	rec := m.Reclamation()
	if writes := r.writes.Load(); writes > 0 && rec.Retired != writes-1 {
		r.violation("expected %d retired snapshots, got %d", writes-1, rec.Retired)
	}
	if rec.Reclaimed != rec.Retired || rec.Pending != 0 {
		r.violation("expected every retired snapshot reclaimed, got %+v", rec)
	}

	report := Report{
		Config:        cfg,
		Duration:      elapsed,
		Writes:        r.writes.Load(),
		Reads:         r.reads.Load(),
		CASRetries:    m.CASRetries(),
		DroppedEvents: m.GetMetrics().DroppedEvents,
		Reclamation:   rec,
		Violations:    r.violations.Load(),
	}
	if secs := elapsed.Seconds(); secs > 0 {
		report.WritesPerSec = float64(report.Writes) / secs
		report.ReadsPerSec = float64(report.Reads) / secs
	}
	r.mu.Lock()
	report.ViolationNotes = append([]string(nil), r.notes...)
	r.mu.Unlock()
	return report
}

// Update workload: each writer owns KeysPerWriter keys and writes 1..U into
// them round robin, so the value under every key only grows.

func (r *runner) updateWriter(id int, l *lfmap.Ledger[string, int]) {
	for i := 1; i <= r.cfg.UpdatesPerWriter; i++ {
		r.m.Update(key(id, i%r.cfg.KeysPerWriter), i, l)
		r.writes.Add(1)
	}
}

func (r *runner) updateReader(id int) {
	last := make(map[string]int)
	for i := 0; i < r.cfg.LookupsPerReader; i++ {
		k := key((i+id)%r.cfg.Writers, i%r.cfg.KeysPerWriter)
		v := r.m.Lookup(k, -1)
		r.reads.Add(1)
		if prev, seen := last[k]; seen && v < prev {
			r.violation("reader %d: %s went back from %d to %d", id, k, prev, v)
		}
		if v != -1 {
			last[k] = v
		}
	}
}

// lastWrite is the final value written to key index k, or -1 if none was.
func (r *runner) lastWrite(k int) int {
	u, n := r.cfg.UpdatesPerWriter, r.cfg.KeysPerWriter
	v := u - (((u-k)%n)+n)%n
	if v < 1 {
		return -1
	}
	return v
}

func (r *runner) verifyUpdates() {
	present := 0
	for w := 0; w < r.cfg.Writers; w++ {
		for k := 0; k < r.cfg.KeysPerWriter; k++ {
			want := r.lastWrite(k)
			if want != -1 {
				present++
			}
			if got := r.m.Lookup(key(w, k), -1); got != want {
				r.violation("lost update on %s: expected %d, got %d", key(w, k), want, got)
			}
		}
	}
	if got := r.m.Len(); got != present {
		r.violation("expected %d entries, got %d", present, got)
	}
}

// Hot-key workload: every writer overwrites one shared key with
// id*U + i. A reader must only see values some writer wrote, and the values
// of one writer in increasing order.

const hotKey = "hot"

func (r *runner) hotKeyWriter(id int, l *lfmap.Ledger[string, int]) {
	base := id * r.cfg.UpdatesPerWriter
	for i := 0; i < r.cfg.UpdatesPerWriter; i++ {
		r.m.Update(hotKey, base+i, l)
		r.writes.Add(1)
	}
}

func (r *runner) hotKeyReader(id int) {
	u := r.cfg.UpdatesPerWriter
	last := make([]int, r.cfg.Writers)
	for i := range last {
		last[i] = -1
	}
	for i := 0; i < r.cfg.LookupsPerReader; i++ {
		if i%2 == 1 {
			if vals := r.m.LookupAll(hotKey); len(vals) > 1 {
				r.violation("reader %d: %d entries under an overwritten key", id, len(vals))
			}
			r.reads.Add(1)
			continue
		}
		v := r.m.Lookup(hotKey, -1)
		r.reads.Add(1)
		if v == -1 {
			continue
		}
		if v < 0 || v >= r.cfg.Writers*u {
			r.violation("reader %d: value %d was never written", id, v)
			continue
		}
		w, seq := v/u, v%u
		if seq < last[w] {
			r.violation("reader %d: writer %d went back from %d to %d", id, w, last[w], seq)
		}
		last[w] = seq
	}
}

func (r *runner) verifyHotKey() {
	u := r.cfg.UpdatesPerWriter
	v := r.m.Lookup(hotKey, -1)
	if v < 0 || v%u != u-1 {
		r.violation("final value %d is not the last write of any writer", v)
	}
	if n := r.m.Len(); n != 1 {
		r.violation("expected 1 entry, got %d", n)
	}
}

// Erase-churn workload: writers insert into one of their own keys and erase
// it again. Each erase must remove exactly the entry just inserted.

func (r *runner) churnWriter(id int, l *lfmap.Ledger[string, int]) {
	for i := 0; i < r.cfg.UpdatesPerWriter; i++ {
		k := key(id, i%r.cfg.KeysPerWriter)
		r.m.Insert(k, i, l)
		if n := r.m.Erase(k, l); n != 1 {
			r.violation("writer %d: erase of %s removed %d entries, expected 1", id, k, n)
		}
		r.writes.Add(2)
	}
}

func (r *runner) churnReader(id int) {
	for i := 0; i < r.cfg.LookupsPerReader; i++ {
		k := key((i+id)%r.cfg.Writers, i%r.cfg.KeysPerWriter)
		if vals := r.m.LookupAll(k); len(vals) > 1 {
			r.violation("reader %d: %d entries under %s", id, len(vals), k)
		}
		r.reads.Add(1)
	}
}

func (r *runner) verifyChurn() {
	if n := r.m.Len(); n != 0 {
		r.violation("expected an empty map after churn, got %d entries", n)
	}
}

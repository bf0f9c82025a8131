// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package metrics provides operation and reclamation monitoring for the
// lock-free map.
//
// Operations are recorded as events on a buffered channel and folded into
// counters and latency ring buffers by a background goroutine, so recording
// never blocks a reader or writer. Reclamation figures (hazard slots, retired
// and reclaimed snapshots, CAS retries) are gauges that the map publishes
// whenever stats are requested.
//
// # Key Features
//
//   - Non-blocking event recording through a buffered channel
//   - Operation counts for Lookup, Update, Insert, Erase and ledger scans
//   - Latency percentiles from bounded ring buffers
//   - Reclamation gauges: hazard slots, pending retirements, snapshot reuse
//   - Optional sampling of latency events
//   - JSON export and a Prometheus collector (see collector.go)
//
// # Usage Examples
//
//	m := metrics.NewMetrics()
//	defer m.Close()
//
//	start := time.Now()
//	// ... perform lookup ...
//	m.RecordLookup(time.Since(start))
//
//	stats := m.GetStats()
//	fmt.Printf("lookups: %d, p99: %s\n", stats.Operations.Lookup, stats.Latency.Lookup.P99)
//
// # Dangers and Warnings
//
//   - **Background Goroutine**: Close must be called to stop the processor.
//   - **Event Loss**: When the buffer is full events are dropped rather than
//     blocking the caller.
//   - **Stats Latency**: Counts lag behind recording until the processor has
//     caught up. Close drains whatever is still buffered.
//
// # Thread Safety
//
// All recording methods and GetStats are safe for concurrent use.
package metrics

import (
	"context"
	"encoding/json"
	"math/rand/v2"
	"slices"
	"sync"
	"time"
)

// Event types understood by the processor.
const (
	EventLookup   = "lookup"
	EventUpdate   = "update"
	EventInsert   = "insert"
	EventErase    = "erase"
	EventScan     = "scan"
	EventCASRetry = "cas_retry"
)

// LatencyStats provides latency statistics over the samples in a ring buffer.
type LatencyStats struct {
	Count uint64        `json:"count"`
	Min   time.Duration `json:"min"`
	Max   time.Duration `json:"max"`
	Mean  time.Duration `json:"mean"`
	P50   time.Duration `json:"p50"`
	P95   time.Duration `json:"p95"`
	P99   time.Duration `json:"p99"`
	P999  time.Duration `json:"p999"`
}

// OperationCounts tracks counts for all operation types.
type OperationCounts struct {
	Lookup     uint64 `json:"lookup"`
	Update     uint64 `json:"update"`
	Insert     uint64 `json:"insert"`
	Erase      uint64 `json:"erase"`
	Scan       uint64 `json:"scan"`
	CASRetries uint64 `json:"cas_retries"`
}

// ReclamationMetrics describes the state of safe memory reclamation.
type ReclamationMetrics struct {
	HazardSlots        uint64 `json:"hazard_slots"`
	ActiveSlots        uint64 `json:"active_slots"`
	Retired            uint64 `json:"retired"`
	Reclaimed          uint64 `json:"reclaimed"`
	Pending            uint64 `json:"pending"`
	Ledgers            uint64 `json:"ledgers"`
	SnapshotsAllocated uint64 `json:"snapshots_allocated"`
	SnapshotsRecycled  uint64 `json:"snapshots_recycled"`
}

// LatencyMetrics tracks latency data for map operations.
type LatencyMetrics struct {
	Lookup LatencyStats `json:"lookup"`
	Update LatencyStats `json:"update"`
	Insert LatencyStats `json:"insert"`
	Erase  LatencyStats `json:"erase"`
}

// MetricsSnapshot is a point-in-time copy of all metrics.
type MetricsSnapshot struct {
	Operations    OperationCounts    `json:"operations"`
	Reclamation   ReclamationMetrics `json:"reclamation"`
	Latency       LatencyMetrics     `json:"latency"`
	Configuration MetricsConfig      `json:"config"`

	// DroppedEvents counts events discarded because the buffer was full.
	// Latency figures leave those events out.
	DroppedEvents uint64 `json:"dropped_events"`
}

// MetricEvent is a single recorded occurrence.
type MetricEvent struct {
	Type     string
	Duration time.Duration
	Count    int
}

// DurationRingBuffer is a bounded, thread-safe buffer of recent latencies.
type DurationRingBuffer struct {
	mu     sync.RWMutex
	buffer []time.Duration
	head   int
	count  int
}

// NewDurationRingBuffer creates a ring buffer holding up to capacity samples.
// A capacity below 1 is raised to 1.
func NewDurationRingBuffer(capacity int) *DurationRingBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &DurationRingBuffer{buffer: make([]time.Duration, capacity)}
}

// Push adds a sample, evicting the oldest one when full.
func (rb *DurationRingBuffer) Push(d time.Duration) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	size := len(rb.buffer)
	rb.buffer[(rb.head+rb.count)%size] = d
	if rb.count < size {
		rb.count++
	} else {
		rb.head = (rb.head + 1) % size
	}
}

// Len returns the number of samples currently held.
func (rb *DurationRingBuffer) Len() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.count
}

// GetStats computes statistics over the buffered samples.
func (rb *DurationRingBuffer) GetStats() LatencyStats {
	rb.mu.RLock()
	values := make([]time.Duration, rb.count)
	for i := range values {
		values[i] = rb.buffer[(rb.head+i)%len(rb.buffer)]
	}
	rb.mu.RUnlock()

	if len(values) == 0 {
		return LatencyStats{}
	}
	slices.Sort(values)

	var total time.Duration
	for _, v := range values {
		total += v
	}
	return LatencyStats{
		Count: uint64(len(values)),
		Min:   values[0],
		Max:   values[len(values)-1],
		Mean:  total / time.Duration(len(values)),
		P50:   percentile(values, 0.50),
		P95:   percentile(values, 0.95),
		P99:   percentile(values, 0.99),
		P999:  percentile(values, 0.999),
	}
}

// percentile picks the nearest-rank value from sorted samples.
func percentile(sorted []time.Duration, p float64) time.Duration {
	idx := int(float64(len(sorted)-1) * p)
	return sorted[min(idx, len(sorted)-1)]
}

// MetricsConfig configures metrics collection.
type MetricsConfig struct {
	BufferSize     int            `json:"buffer_size" koanf:"buffer_size"`
	LatencyBuffers map[string]int `json:"latency_buffers" koanf:"latency_buffers"`
	SamplingRate   float64        `json:"sampling_rate" koanf:"sampling_rate"` // 0 < rate <= 1; latency samples only
}

// DefaultMetricsConfig returns the default configuration.
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		BufferSize: 10000,
		LatencyBuffers: map[string]int{
			EventLookup: 1000,
			EventUpdate: 1000,
			EventInsert: 1000,
			EventErase:  1000,
		},
		SamplingRate: 1.0,
	}
}

// Metrics collects map metrics in a background goroutine.
type Metrics struct {
	config    MetricsConfig
	eventChan chan MetricEvent

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once

	mu          sync.RWMutex
	ops         OperationCounts
	reclamation ReclamationMetrics
	dropped     uint64

	lookupLatency *DurationRingBuffer
	updateLatency *DurationRingBuffer
	insertLatency *DurationRingBuffer
	eraseLatency  *DurationRingBuffer
}

// NewMetrics creates a metrics instance with the default configuration.
func NewMetrics() *Metrics {
	return NewMetricsWithConfig(DefaultMetricsConfig())
}

// NewMetricsWithConfig creates a metrics instance. Missing or invalid fields
// fall back to their defaults.
func NewMetricsWithConfig(config MetricsConfig) *Metrics {
	def := DefaultMetricsConfig()
	if config.BufferSize <= 0 {
		config.BufferSize = def.BufferSize
	}
	if config.SamplingRate <= 0 || config.SamplingRate > 1 {
		config.SamplingRate = def.SamplingRate
	}
	buffers := mergeBuffers(def.LatencyBuffers, config.LatencyBuffers)
	config.LatencyBuffers = buffers

	ctx, cancel := context.WithCancel(context.Background())
	m := &Metrics{
		config:        config,
		eventChan:     make(chan MetricEvent, config.BufferSize),
		ctx:           ctx,
		cancel:        cancel,
		lookupLatency: NewDurationRingBuffer(buffers[EventLookup]),
		updateLatency: NewDurationRingBuffer(buffers[EventUpdate]),
		insertLatency: NewDurationRingBuffer(buffers[EventInsert]),
		eraseLatency:  NewDurationRingBuffer(buffers[EventErase]),
	}

	m.wg.Add(1)
	go m.processEvents()

	return m
}

// mergeBuffers overlays override on a copy of base.
func mergeBuffers(base, override map[string]int) map[string]int {
	out := make(map[string]int, len(base))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		if v > 0 {
			out[k] = v
		}
	}
	return out
}

func (m *Metrics) processEvents() {
	defer m.wg.Done()

	for {
		select {
		case event := <-m.eventChan:
			m.processEvent(event)
		case <-m.ctx.Done():
			// drain what was buffered before Close
			for {
				select {
				case event := <-m.eventChan:
					m.processEvent(event)
				default:
					return
				}
			}
		}
	}
}

func (m *Metrics) processEvent(event MetricEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch event.Type {
	case EventLookup:
		m.ops.Lookup++
		m.pushLatency(m.lookupLatency, event.Duration)
	case EventUpdate:
		m.ops.Update++
		m.pushLatency(m.updateLatency, event.Duration)
	case EventInsert:
		m.ops.Insert++
		m.pushLatency(m.insertLatency, event.Duration)
	case EventErase:
		m.ops.Erase++
		m.pushLatency(m.eraseLatency, event.Duration)
	case EventScan:
		m.ops.Scan++
	case EventCASRetry:
		m.ops.CASRetries += uint64(event.Count)
	}
}

// pushLatency records d subject to the configured sampling rate. A negative
// duration marks an event recorded without timing.
func (m *Metrics) pushLatency(rb *DurationRingBuffer, d time.Duration) {
	if d < 0 {
		return
	}
	if m.config.SamplingRate < 1 && rand.Float64() >= m.config.SamplingRate {
		return
	}
	rb.Push(d)
}

func (m *Metrics) send(event MetricEvent) {
	select {
	case m.eventChan <- event:
	default:
		m.mu.Lock()
		m.dropped++
		m.mu.Unlock()
	}
}

// RecordLookup records a Lookup-family operation.
func (m *Metrics) RecordLookup(d time.Duration) {
	m.send(MetricEvent{Type: EventLookup, Duration: d})
}

// RecordUpdate records an Update.
func (m *Metrics) RecordUpdate(d time.Duration) {
	m.send(MetricEvent{Type: EventUpdate, Duration: d})
}

// RecordInsert records an Insert.
func (m *Metrics) RecordInsert(d time.Duration) {
	m.send(MetricEvent{Type: EventInsert, Duration: d})
}

// RecordErase records an Erase.
func (m *Metrics) RecordErase(d time.Duration) {
	m.send(MetricEvent{Type: EventErase, Duration: d})
}

// RecordScan records one ledger scan.
func (m *Metrics) RecordScan() {
	m.send(MetricEvent{Type: EventScan})
}

// RecordCASRetries records n failed compare-and-swap attempts. Zero is a no-op.
func (m *Metrics) RecordCASRetries(n int) {
	if n <= 0 {
		return
	}
	m.send(MetricEvent{Type: EventCASRetry, Count: n})
}

// SetReclamation replaces the reclamation gauges.
func (m *Metrics) SetReclamation(r ReclamationMetrics) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reclamation = r
}

// Dropped returns the number of events discarded because the buffer was full.
func (m *Metrics) Dropped() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.dropped
}

// GetStats returns a snapshot of current metrics.
func (m *Metrics) GetStats() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return MetricsSnapshot{
		Operations:  m.ops,
		Reclamation: m.reclamation,
		Latency: LatencyMetrics{
			Lookup: m.lookupLatency.GetStats(),
			Update: m.updateLatency.GetStats(),
			Insert: m.insertLatency.GetStats(),
			Erase:  m.eraseLatency.GetStats(),
		},
		Configuration: m.config,
		DroppedEvents: m.dropped,
	}
}

// ExportJSON exports metrics as indented JSON.
func (m *Metrics) ExportJSON() []byte {
	data, _ := json.MarshalIndent(m.GetStats(), "", "  ")
	return data
}

// Close stops the background processor after draining buffered events. It is
// safe to call more than once; recording after Close is silently dropped
// once the buffer fills.
func (m *Metrics) Close() {
	m.closeOnce.Do(func() {
		m.cancel()
		m.wg.Wait()
	})
}

// Licensed under the MIT License. See LICENSE file in the project root for details.

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// StatsFunc returns a current metrics snapshot.
type StatsFunc func() MetricsSnapshot

// Collector exposes a map's metrics to a Prometheus registry. Values are read
// from the source on every scrape.
type Collector struct {
	source StatsFunc

	operations  *prometheus.Desc
	casRetries  *prometheus.Desc
	dropped     *prometheus.Desc
	latency     *prometheus.Desc
	hazardSlots *prometheus.Desc
	activeSlots *prometheus.Desc
	retired     *prometheus.Desc
	reclaimed   *prometheus.Desc
	pending     *prometheus.Desc
	ledgers     *prometheus.Desc
	allocated   *prometheus.Desc
	recycled    *prometheus.Desc
}

// NewCollector creates a collector under namespace. constLabels are attached
// to every series, which lets several maps share one registry.
func NewCollector(namespace string, source StatsFunc, constLabels prometheus.Labels) *Collector {
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, labels, constLabels)
	}
	return &Collector{
		source:      source,
		operations:  desc("operations_total", "Total number of map operations.", "operation"),
		casRetries:  desc("cas_retries_total", "Failed compare-and-swap attempts by writers."),
		dropped:     desc("metric_events_dropped_total", "Metric events discarded because the buffer was full."),
		latency:     desc("operation_latency_seconds", "Recent operation latency by percentile.", "operation", "percentile"),
		hazardSlots: desc("hazard_slots", "Hazard slots ever allocated."),
		activeSlots: desc("hazard_slots_active", "Hazard slots currently held."),
		retired:     desc("snapshots_retired_total", "Snapshots retired by writers."),
		reclaimed:   desc("snapshots_reclaimed_total", "Retired snapshots reclaimed by ledger scans."),
		pending:     desc("snapshots_pending", "Retired snapshots awaiting reclamation."),
		ledgers:     desc("ledgers", "Ledgers created for this map."),
		allocated:   desc("snapshots_allocated_total", "Snapshots allocated because the pool was empty."),
		recycled:    desc("snapshots_recycled_total", "Reclaimed snapshots returned to the pool."),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.operations, c.casRetries, c.dropped, c.latency, c.hazardSlots, c.activeSlots,
		c.retired, c.reclaimed, c.pending, c.ledgers, c.allocated, c.recycled,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.source()

	counter := func(d *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}
	gauge := func(d *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, float64(v), labels...)
	}

	counter(c.operations, s.Operations.Lookup, EventLookup)
	counter(c.operations, s.Operations.Update, EventUpdate)
	counter(c.operations, s.Operations.Insert, EventInsert)
	counter(c.operations, s.Operations.Erase, EventErase)
	counter(c.operations, s.Operations.Scan, EventScan)
	counter(c.casRetries, s.Operations.CASRetries)
	counter(c.dropped, s.DroppedEvents)

	for op, l := range map[string]LatencyStats{
		EventLookup: s.Latency.Lookup,
		EventUpdate: s.Latency.Update,
		EventInsert: s.Latency.Insert,
		EventErase:  s.Latency.Erase,
	} {
		if l.Count == 0 {
			continue
		}
		ch <- prometheus.MustNewConstMetric(c.latency, prometheus.GaugeValue, l.P50.Seconds(), op, "p50")
		ch <- prometheus.MustNewConstMetric(c.latency, prometheus.GaugeValue, l.P95.Seconds(), op, "p95")
		ch <- prometheus.MustNewConstMetric(c.latency, prometheus.GaugeValue, l.P99.Seconds(), op, "p99")
	}

	r := s.Reclamation
	gauge(c.hazardSlots, r.HazardSlots)
	gauge(c.activeSlots, r.ActiveSlots)
	counter(c.retired, r.Retired)
	counter(c.reclaimed, r.Reclaimed)
	gauge(c.pending, r.Pending)
	gauge(c.ledgers, r.Ledgers)
	counter(c.allocated, r.SnapshotsAllocated)
	counter(c.recycled, r.SnapshotsRecycled)
}

// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package main provides a stress harness for the lock-free multi-map.
//
// The harness runs concurrent writers against concurrent readers and checks,
// while the load runs and after it ends, that no update was lost, that no
// reader saw state go backwards and that every replaced snapshot was
// reclaimed. Readers that touch a reclaimed snapshot panic; the harness
// records that as a violation. Run it under the race detector for the
// strongest check.
//
// # Workloads
//
//   - reclamation: 8 writers x 10,000 updates against 8 readers x 100,000 lookups
//   - read-heavy: 2 writers against 32 readers
//   - write-heavy: 16 writers against 2 readers
//   - hot-key: every writer overwrites one shared key
//   - erase-churn: writers insert and erase their own keys
//
// # Usage
//
//	go run -race ./cmd/stress
//	go run ./cmd/stress --workload hot-key --writers 16 --json
//	go run ./cmd/stress --config stress.yaml --metrics-addr :9090 --hold 1m
//
// Settings are read from the YAML file given with --config, then from
// LFMAP_* environment variables (LFMAP_WRITERS=4), then from flags.
//
// # Exit Status
//
// The harness exits with status 1 when any invariant check fails.
package main

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"

	"github.com/kianostad/lfmap"
	"github.com/kianostad/lfmap/internal/monitoring/metrics"
)

func main() {
	if err := app().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func app() *cli.App {
	return &cli.App{
		Name:   "lfmap-stress",
		Usage:  "Stress the lock-free multi-map and verify reclamation safety",
		Flags:  flags(),
		Action: run,
	}
}

// flagKeys maps flag names to configuration keys.
var flagKeys = map[string]string{
	"workload":     "workload",
	"writers":      "writers",
	"readers":      "readers",
	"updates":      "updates",
	"lookups":      "lookups",
	"keys":         "keys",
	"buckets":      "buckets",
	"scan-factor":  "scan_factor",
	"hasher":       "hasher",
	"metrics-addr": "metrics_addr",
	"log-level":    "log_level",
}

func flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "YAML file with stress settings"},
		&cli.StringFlag{Name: "workload", Aliases: []string{"w"}, Usage: "one of " + strings.Join(workloads, ", "), Value: WorkloadReclamation},
		&cli.IntFlag{Name: "writers", Usage: "number of writer goroutines"},
		&cli.IntFlag{Name: "readers", Usage: "number of reader goroutines"},
		&cli.IntFlag{Name: "updates", Usage: "writes per writer"},
		&cli.IntFlag{Name: "lookups", Usage: "lookups per reader"},
		&cli.IntFlag{Name: "keys", Usage: "keys owned by each writer"},
		&cli.IntFlag{Name: "buckets", Usage: "snapshot bucket count (power of two)"},
		&cli.Float64Flag{Name: "scan-factor", Usage: "ledger scan threshold relative to hazard slots"},
		&cli.StringFlag{Name: "hasher", Usage: "key hasher: default, fnv1a, murmur3, xxhash"},
		&cli.StringFlag{Name: "metrics-addr", Usage: "serve Prometheus metrics on this address (e.g. :9090)"},
		&cli.StringFlag{Name: "log-level", Usage: "trace, debug, info, warn, error"},
		&cli.DurationFlag{Name: "hold", Usage: "keep the metrics endpoint up this long after the run"},
		&cli.BoolFlag{Name: "json", Usage: "print the report as JSON"},
	}
}

// flagOverrides returns the configuration keys set explicitly on the
// command line.
func flagOverrides(c *cli.Context) map[string]any {
	out := make(map[string]any)
	for name, key := range flagKeys {
		if c.IsSet(name) {
			out[key] = c.Value(name)
		}
	}
	return out
}

func newRunID() string {
	id, err := ulid.New(ulid.Timestamp(time.Now()), ulid.Monotonic(rand.Reader, 0))
	if err != nil {
		return "unknown"
	}
	return strings.ToLower(id.String())
}

func run(c *cli.Context) error {
	cfg, err := newConfigLoader(c.String("config")).Load(flagOverrides(c))
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	level := hclog.LevelFromString(cfg.LogLevel)
	if level == hclog.NoLevel {
		return fmt.Errorf("%w: unknown log level %q", errInvalidConfig, cfg.LogLevel)
	}
	runID := newRunID()
	logger := hclog.New(&hclog.LoggerOptions{
		Name:   "lfmap-stress",
		Level:  level,
		Output: c.App.ErrWriter,
	}).With("run_id", runID, "workload", cfg.Workload)

	hasher, err := lfmap.HasherByName(cfg.Hasher)
	if err != nil {
		return fmt.Errorf("%w: %w", errInvalidConfig, err)
	}
	m, err := lfmap.NewWithConfig[string, int](lfmap.Config[string]{
		Buckets:       cfg.Buckets,
		ScanFactor:    cfg.ScanFactor,
		Hasher:        hasher,
		Logger:        logger,
		EnableMetrics: true,
	})
	if err != nil {
		return fmt.Errorf("%w: %w", errInvalidConfig, err)
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.MetricsAddr != "" {
		srv := serveMetrics(cfg.MetricsAddr, m, runID, cfg.Workload, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	report := runWorkload(cfg, m, logger)
	report.RunID = runID
	if err := m.Close(); err != nil {
		logger.Warn("close reported held slots", "error", err)
	}

	if err := printReport(c, report); err != nil {
		return err
	}

	if hold := c.Duration("hold"); hold > 0 && cfg.MetricsAddr != "" {
		logger.Info("holding metrics endpoint", "addr", cfg.MetricsAddr, "for", hold)
		select {
		case <-time.After(hold):
		case <-ctx.Done():
		}
	}

	if !report.OK() {
		return cli.Exit(fmt.Sprintf("%d invariant violations", report.Violations), 1)
	}
	logger.Info("workload passed", "writes", report.Writes, "reads", report.Reads, "duration", report.Duration)
	return nil
}

func serveMetrics(addr string, m *lfmap.Map[string, int], runID, workload string, logger hclog.Logger) *http.Server {
	reg := prometheus.NewRegistry()
	reg.MustRegister(metrics.NewCollector("lfmap", m.GetMetrics, prometheus.Labels{
		"run_id":   runID,
		"workload": workload,
	}))

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	logger.Info("serving metrics", "addr", addr)
	return srv
}

func printReport(c *cli.Context, r Report) error {
	w := c.App.Writer
	if c.Bool("json") {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	}

	fmt.Fprintf(w, "Run %s: %s\n", r.RunID, r.Config.Workload)
	fmt.Fprintf(w, "   Writers: %d x %d, readers: %d x %d\n",
		r.Config.Writers, r.Config.UpdatesPerWriter, r.Config.Readers, r.Config.LookupsPerReader)
	fmt.Fprintf(w, "   Duration: %v\n", r.Duration)
	fmt.Fprintf(w, "   Writes: %d (%.0f ops/sec), CAS retries: %d\n", r.Writes, r.WritesPerSec, r.CASRetries)
	fmt.Fprintf(w, "   Reads: %d (%.0f ops/sec)\n", r.Reads, r.ReadsPerSec)
	if r.DroppedEvents > 0 {
		fmt.Fprintf(w, "   Metric events dropped: %d\n", r.DroppedEvents)
	}
	fmt.Fprintf(w, "   Hazard slots: %d\n", r.Reclamation.HazardSlots)
	fmt.Fprintf(w, "   Snapshots retired: %d, reclaimed: %d, pending: %d\n",
		r.Reclamation.Retired, r.Reclamation.Reclaimed, r.Reclamation.Pending)
	fmt.Fprintf(w, "   Snapshots allocated: %d, recycled: %d\n",
		r.Reclamation.SnapshotsAllocated, r.Reclamation.SnapshotsRecycled)
	if r.OK() {
		fmt.Fprintln(w, "   Result: PASS")
		return nil
	}
	fmt.Fprintf(w, "   Result: FAIL (%d violations)\n", r.Violations)
	for _, note := range r.ViolationNotes {
		fmt.Fprintf(w, "     - %s\n", note)
	}
	return nil
}

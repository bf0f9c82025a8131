// Licensed under the MIT License. See LICENSE file in the project root for details.

package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/hashicorp/go-hclog"
	"go.uber.org/goleak"

	"github.com/kianostad/lfmap"
)

func smallConfig(workload string) Config {
	c := presetConfig(workload)
	c.Writers, c.Readers = 4, 4
	c.UpdatesPerWriter, c.LookupsPerReader = 300, 2000
	return c
}

func TestWorkloadsPass(t *testing.T) {
	defer goleak.VerifyNone(t)

	for _, w := range workloads {
		t.Run(w, func(t *testing.T) {
			cfg := smallConfig(w)
			m := lfmap.New[string, int]()
			report := runWorkload(cfg, m, hclog.NewNullLogger())
			if err := m.Close(); err != nil {
				t.Errorf("Close: %v", err)
			}

			if !report.OK() {
				t.Fatalf("Expected no violations, got %d: %v", report.Violations, report.ViolationNotes)
			}
			if report.Writes == 0 {
				t.Error("Expected writes to be counted")
			}
			if cfg.Readers > 0 && report.Reads == 0 {
				t.Error("Expected reads to be counted")
			}
			if report.Reclamation.Retired != report.Writes-1 {
				t.Errorf("Expected %d retired, got %d", report.Writes-1, report.Reclamation.Retired)
			}
		})
	}
}

func TestUpdateWorkloadFewerUpdatesThanKeys(t *testing.T) {
	cfg := smallConfig(WorkloadReclamation)
	cfg.UpdatesPerWriter, cfg.KeysPerWriter = 5, 16

	m := lfmap.New[string, int]()
	defer m.Close()
	report := runWorkload(cfg, m, hclog.NewNullLogger())
	if !report.OK() {
		t.Fatalf("Expected no violations, got %v", report.ViolationNotes)
	}
	if got := m.Len(); got != cfg.Writers*5 {
		t.Errorf("Expected %d entries, got %d", cfg.Writers*5, got)
	}
}

func TestVerifyDetectsLostUpdate(t *testing.T) {
	cfg := smallConfig(WorkloadReclamation)
	m := lfmap.New[string, int]()
	defer m.Close()

	r := &runner{cfg: cfg, m: m, logger: hclog.NewNullLogger()}
	l := m.NewLedger()
	for w := 0; w < cfg.Writers; w++ {
		r.updateWriter(w, l)
	}
	m.Update(key(0, 3), 1, l)

	r.verifyUpdates()
	if r.violations.Load() != 1 {
		t.Errorf("Expected 1 violation, got %d: %v", r.violations.Load(), r.notes)
	}
}

func TestGuardRecordsPanics(t *testing.T) {
	r := &runner{logger: hclog.NewNullLogger()}
	func() {
		defer r.guard("reader", 7)
		panic(lfmap.ErrReclaimedRead)
	}()
	if r.violations.Load() != 1 || !strings.Contains(r.notes[0], "reader 7 panicked") {
		t.Errorf("Expected a recorded panic, got %v", r.notes)
	}
}

func TestRunCommand(t *testing.T) {
	var out, errOut bytes.Buffer
	a := app()
	a.Writer, a.ErrWriter = &out, &errOut

	args := []string{"lfmap-stress", "--workload", "erase-churn", "--writers", "2", "--readers", "2",
		"--updates", "100", "--lookups", "500", "--hasher", "murmur3", "--log-level", "warn", "--json"}
	if err := a.Run(args); err != nil {
		t.Fatalf("Run: %v\nstderr: %s", err, errOut.String())
	}

	var report Report
	if err := json.Unmarshal(out.Bytes(), &report); err != nil {
		t.Fatalf("Unmarshal report: %v\n%s", err, out.String())
	}
	if report.RunID == "" || report.Config.Workload != WorkloadEraseChurn || report.Writes != 400 {
		t.Errorf("Unexpected report %+v", report)
	}
	if report.Config.Hasher != "murmur3" {
		t.Errorf("Expected hasher from flag, got %q", report.Config.Hasher)
	}
	if !bytes.Contains(out.Bytes(), []byte(`"dropped_metric_events"`)) {
		t.Errorf("Expected the report to carry dropped metric events:\n%s", out.String())
	}
}

func TestRunCommandRejectsBadConfig(t *testing.T) {
	for _, args := range [][]string{
		{"lfmap-stress", "--workload", "chaos"},
		{"lfmap-stress", "--hasher", "sha1"},
		{"lfmap-stress", "--buckets", "12"},
		{"lfmap-stress", "--log-level", "loud"},
	} {
		a := app()
		a.Writer, a.ErrWriter = &bytes.Buffer{}, &bytes.Buffer{}
		if err := a.Run(args); err == nil {
			t.Errorf("%v: expected an error", args[1:])
		}
	}
}

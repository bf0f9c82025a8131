// Licensed under the MIT License. See LICENSE file in the project root for details.

package main

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestConfigLoaderDefaults(t *testing.T) {
	cfg, err := newConfigLoader("").Load(nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg != presetConfig(WorkloadReclamation) {
		t.Errorf("Expected reclamation defaults, got %+v", cfg)
	}
	if cfg.Writers != 8 || cfg.Readers != 8 || cfg.UpdatesPerWriter != 10000 || cfg.LookupsPerReader != 100000 {
		t.Errorf("Unexpected default load %+v", cfg)
	}
}

func TestConfigLoaderPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stress.yaml")
	data := "workload: hot-key\nreaders: 3\nwriters: 2\nscan_factor: 2.5\n"
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	t.Setenv("LFMAP_WRITERS", "6")
	t.Setenv("LFMAP_HASHER", "xxhash")

	cfg, err := newConfigLoader(path).Load(map[string]any{"readers": 5})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Workload != WorkloadHotKey || cfg.KeysPerWriter != 1 {
		t.Errorf("Expected the hot-key preset, got %+v", cfg)
	}
	if cfg.ScanFactor != 2.5 {
		t.Errorf("Expected scan factor from file, got %v", cfg.ScanFactor)
	}
	if cfg.Writers != 6 || cfg.Hasher != "xxhash" {
		t.Errorf("Expected env to override the file, got writers=%d hasher=%q", cfg.Writers, cfg.Hasher)
	}
	if cfg.Readers != 5 {
		t.Errorf("Expected flags to override the file, got readers=%d", cfg.Readers)
	}
}

func TestConfigLoaderMissingFile(t *testing.T) {
	_, err := newConfigLoader(filepath.Join(t.TempDir(), "missing.yaml")).Load(nil)
	if err == nil {
		t.Error("Expected an error for a missing config file")
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		valid  bool
	}{
		{"preset", func(*Config) {}, true},
		{"unknown workload", func(c *Config) { c.Workload = "chaos" }, false},
		{"no writers", func(c *Config) { c.Writers = 0 }, false},
		{"no readers", func(c *Config) { c.Readers = 0 }, true},
		{"negative lookups", func(c *Config) { c.LookupsPerReader = -1 }, false},
		{"no updates", func(c *Config) { c.UpdatesPerWriter = 0 }, false},
		{"no keys", func(c *Config) { c.KeysPerWriter = 0 }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := presetConfig(WorkloadReclamation)
			tt.mutate(&c)
			err := c.Validate()
			if tt.valid && err != nil {
				t.Errorf("Expected valid, got %v", err)
			}
			if !tt.valid && !errors.Is(err, errInvalidConfig) {
				t.Errorf("Expected errInvalidConfig, got %v", err)
			}
		})
	}
}

func TestPresetsAreValid(t *testing.T) {
	for _, w := range workloads {
		if err := presetConfig(w).Validate(); err != nil {
			t.Errorf("%s: %v", w, err)
		}
	}
}

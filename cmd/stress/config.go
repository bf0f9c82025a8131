// Licensed under the MIT License. See LICENSE file in the project root for details.

package main

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix of environment variables read by the stress tool.
// LFMAP_SCAN_FACTOR sets scan_factor.
const EnvPrefix = "LFMAP_"

// Workload names.
const (
	WorkloadReclamation = "reclamation"
	WorkloadReadHeavy   = "read-heavy"
	WorkloadWriteHeavy  = "write-heavy"
	WorkloadHotKey      = "hot-key"
	WorkloadEraseChurn  = "erase-churn"
)

var workloads = []string{
	WorkloadReclamation,
	WorkloadReadHeavy,
	WorkloadWriteHeavy,
	WorkloadHotKey,
	WorkloadEraseChurn,
}

var errInvalidConfig = errors.New("invalid stress config")

// Config describes one stress run.
type Config struct {
	Workload string `koanf:"workload" json:"workload"`

	Writers          int `koanf:"writers" json:"writers"`
	Readers          int `koanf:"readers" json:"readers"`
	UpdatesPerWriter int `koanf:"updates" json:"updates"`
	LookupsPerReader int `koanf:"lookups" json:"lookups"`
	KeysPerWriter    int `koanf:"keys" json:"keys"`

	Buckets    int     `koanf:"buckets" json:"buckets"`
	ScanFactor float64 `koanf:"scan_factor" json:"scan_factor"`
	Hasher     string  `koanf:"hasher" json:"hasher"`

	MetricsAddr string `koanf:"metrics_addr" json:"metrics_addr,omitempty"`
	LogLevel    string `koanf:"log_level" json:"log_level"`
}

// presetConfig returns the defaults of a workload. Unknown names get the
// reclamation defaults and are rejected by Validate.
func presetConfig(workload string) Config {
	c := Config{
		Workload:         workload,
		Writers:          8,
		Readers:          8,
		UpdatesPerWriter: 10000,
		LookupsPerReader: 100000,
		KeysPerWriter:    16,
		Buckets:          64,
		ScanFactor:       1.25,
		Hasher:           "default",
		LogLevel:         "info",
	}

	switch workload {
	case WorkloadReadHeavy:
		c.Writers, c.Readers = 2, 32
		c.UpdatesPerWriter = 2000
	case WorkloadWriteHeavy:
		c.Writers, c.Readers = 16, 2
		c.LookupsPerReader = 20000
	case WorkloadHotKey:
		c.KeysPerWriter = 1
	case WorkloadEraseChurn:
		c.UpdatesPerWriter = 5000
	}
	return c
}

// Validate checks the run parameters.
func (c Config) Validate() error {
	if !slices.Contains(workloads, c.Workload) {
		return fmt.Errorf("%w: unknown workload %q (want one of %s)", errInvalidConfig, c.Workload, strings.Join(workloads, ", "))
	}
	if c.Writers < 1 {
		return fmt.Errorf("%w: writers must be at least 1, got %d", errInvalidConfig, c.Writers)
	}
	if c.Readers < 0 || c.UpdatesPerWriter < 1 || c.LookupsPerReader < 0 {
		return fmt.Errorf("%w: readers, updates and lookups must not be negative and updates must be positive", errInvalidConfig)
	}
	if c.KeysPerWriter < 1 {
		return fmt.Errorf("%w: keys must be at least 1, got %d", errInvalidConfig, c.KeysPerWriter)
	}
	return nil
}

// configLoader merges the stress configuration from a YAML file, the
// environment and command-line overrides, later sources winning.
type configLoader struct {
	k         *koanf.Koanf
	envPrefix string
	filePath  string
}

func newConfigLoader(filePath string) *configLoader {
	return &configLoader{
		k:         koanf.New("."),
		envPrefix: EnvPrefix,
		filePath:  filePath,
	}
}

// Load reads every source and returns the workload preset overlaid with the
// keys those sources set.
func (l *configLoader) Load(overrides map[string]any) (Config, error) {
	if l.filePath != "" {
		if err := l.k.Load(file.Provider(l.filePath), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("load config file %s: %w", l.filePath, err)
		}
	}

	envTransformer := func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, l.envPrefix))
	}
	if err := l.k.Load(env.Provider(l.envPrefix, ".", envTransformer), nil); err != nil {
		return Config{}, fmt.Errorf("load env: %w", err)
	}

	if len(overrides) > 0 {
		if err := l.k.Load(mapProvider(overrides), nil); err != nil {
			return Config{}, fmt.Errorf("load flags: %w", err)
		}
	}

	workload := WorkloadReclamation
	if l.k.Exists("workload") {
		workload = l.k.String("workload")
	}
	c := presetConfig(workload)
	if err := l.k.Unmarshal("", &c); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return c, nil
}

// mapProvider is a koanf provider over a plain map.
type mapProvider map[string]any

func (m mapProvider) ReadBytes() ([]byte, error) {
	return nil, errors.New("map provider does not support ReadBytes")
}

func (m mapProvider) Read() (map[string]any, error) {
	return m, nil
}

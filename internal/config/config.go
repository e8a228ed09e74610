// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-keyfuzz.
//
// go-keyfuzz is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

// Package config loads keyfuzz run and campaign settings from YAML with
// KEYFUZZ_* environment overrides.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/jeremyhahn/go-keyfuzz/pkg/validation"
)

const (
	// DefaultOutputPath is the combined output artifact of a replay run.
	DefaultOutputPath = "combined_output"

	TargetKindSoftware  = "software"
	TargetKindTEE       = "tee"
	TargetKindStrongBox = "strongbox"

	StorageMemory = "memory"
	StorageFile   = "file"
)

// ErrInvalidConfig wraps every Validate failure.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Config is the complete keyfuzz configuration.
type Config struct {
	Logging   LoggingConfig   `yaml:"logging"`
	Output    OutputConfig    `yaml:"output"`
	Targets   []TargetConfig  `yaml:"targets"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Storage   StorageConfig   `yaml:"storage"`
	Campaign  CampaignConfig  `yaml:"campaign"`
}

// LoggingConfig controls logging behavior
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// OutputConfig controls the combined output artifact.
type OutputConfig struct {
	Path   string `yaml:"path"`
	Record bool   `yaml:"record"`
}

// TargetConfig describes one device under test.
type TargetConfig struct {
	// Name labels diagnostics, metrics and recorded responses.
	Name string `yaml:"name"`

	// Kind is software, tee or strongbox. Defaults to Name.
	Kind string `yaml:"kind"`

	// Seed is a hex-encoded device seed. Random when empty.
	Seed string `yaml:"seed"`

	MaxOperations int    `yaml:"max_operations"`
	OSPatchlevel  uint32 `yaml:"os_patchlevel"`
}

// RateLimitConfig throttles dispatches per target.
type RateLimitConfig struct {
	PerSecond float64 `yaml:"per_second"`
	Burst     int     `yaml:"burst"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	// Listen is the HTTP listen address. Empty disables the endpoint.
	Listen string `yaml:"listen"`
}

// StorageConfig selects the key registry of software targets.
type StorageConfig struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
}

// CampaignConfig controls the in-process fuzzing loop.
type CampaignConfig struct {
	Iterations           int    `yaml:"iterations"`
	PayloadSize          int    `yaml:"payload_size"`
	MaxSequenceLength    int    `yaml:"max_sequence_length"`
	MaxCallsPerOperation int    `yaml:"max_calls_per_operation"`
	Seed                 int64  `yaml:"seed"`
	StalenessThreshold   int    `yaml:"staleness_threshold"`
	DeriveRules          bool   `yaml:"derive_rules"`
	GrammarPath          string `yaml:"grammar_path"`
	RulesPath            string `yaml:"rules_path"`
	ResultsPath          string `yaml:"results_path"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Output:  OutputConfig{Path: DefaultOutputPath},
		Targets: []TargetConfig{
			{Name: TargetKindTEE, Kind: TargetKindTEE},
			{Name: TargetKindStrongBox, Kind: TargetKindStrongBox},
		},
		Storage: StorageConfig{Backend: StorageMemory},
		Campaign: CampaignConfig{
			Iterations:           100,
			PayloadSize:          256,
			MaxSequenceLength:    10,
			MaxCallsPerOperation: 3,
			Seed:                 1,
			StalenessThreshold:   100,
			DeriveRules:          true,
		},
	}
}

// Load reads configuration from a YAML file over Default and applies
// environment variable overrides. An empty path loads Default only.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		// #nosec G304 - Config file path is provided by the operator
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// applyEnvOverrides applies KEYFUZZ_* environment variables to cfg.
func applyEnvOverrides(cfg *Config) {
	if level := os.Getenv("KEYFUZZ_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
	if format := os.Getenv("KEYFUZZ_LOG_FORMAT"); format != "" {
		cfg.Logging.Format = format
	}
	if output := os.Getenv("KEYFUZZ_OUTPUT"); output != "" {
		cfg.Output.Path = output
	}
	if record := os.Getenv("KEYFUZZ_RECORD"); record != "" {
		b, err := strconv.ParseBool(record)
		if err != nil {
			log.Printf("Warning: invalid KEYFUZZ_RECORD value %q, using %t: %v", record, cfg.Output.Record, err)
		} else {
			cfg.Output.Record = b
		}
	}
	if targets := os.Getenv("KEYFUZZ_TARGETS"); targets != "" {
		cfg.SetTargets(strings.Split(targets, ","))
	}
	if r := os.Getenv("KEYFUZZ_RATE"); r != "" {
		v, err := strconv.ParseFloat(r, 64)
		if err != nil {
			log.Printf("Warning: invalid KEYFUZZ_RATE value %q, using %v: %v", r, cfg.RateLimit.PerSecond, err)
		} else {
			cfg.RateLimit.PerSecond = v
		}
	}
	if listen := os.Getenv("KEYFUZZ_METRICS_LISTEN"); listen != "" {
		cfg.Metrics.Listen = listen
	}
	if dir := os.Getenv("KEYFUZZ_DATA_DIR"); dir != "" {
		cfg.Storage.Backend = StorageFile
		cfg.Storage.Path = dir
	}
}

// SetTargets replaces the target list with the named targets, keeping the
// settings of any name already configured. Names that match a target kind
// need no further configuration.
func (c *Config) SetTargets(names []string) {
	known := make(map[string]TargetConfig, len(c.Targets))
	for _, t := range c.Targets {
		known[t.Name] = t
	}
	targets := make([]TargetConfig, 0, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if t, ok := known[name]; ok {
			targets = append(targets, t)
			continue
		}
		targets = append(targets, TargetConfig{Name: name})
	}
	c.Targets = targets
}

// TargetNames returns the configured target names in dispatch order.
func (c *Config) TargetNames() []string {
	names := make([]string, len(c.Targets))
	for i, t := range c.Targets {
		names[i] = t.Name
	}
	return names
}

// ResolvedKind returns Kind, falling back to Name.
func (t TargetConfig) ResolvedKind() string {
	if t.Kind != "" {
		return strings.ToLower(t.Kind)
	}
	return strings.ToLower(t.Name)
}

// SeedBytes decodes Seed.
func (t TargetConfig) SeedBytes() ([]byte, error) {
	if t.Seed == "" {
		return nil, nil
	}
	seed, err := hex.DecodeString(t.Seed)
	if err != nil {
		return nil, fmt.Errorf("%w: target %s seed: %v", ErrInvalidConfig, t.Name, err)
	}
	return seed, nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("%w: log level %q (must be debug, info, warn or error)", ErrInvalidConfig, c.Logging.Level)
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(c.Logging.Format)] {
		return fmt.Errorf("%w: log format %q (must be json or text)", ErrInvalidConfig, c.Logging.Format)
	}

	if c.Output.Path == "" {
		return fmt.Errorf("%w: output path must be specified", ErrInvalidConfig)
	}

	if len(c.Targets) == 0 {
		return fmt.Errorf("%w: at least one target is required", ErrInvalidConfig)
	}
	seen := make(map[string]bool, len(c.Targets))
	for _, t := range c.Targets {
		if err := validation.ValidateTargetName(t.Name); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		if seen[t.Name] {
			return fmt.Errorf("%w: duplicate target %q", ErrInvalidConfig, t.Name)
		}
		seen[t.Name] = true
		switch t.ResolvedKind() {
		case TargetKindSoftware, TargetKindTEE, TargetKindStrongBox:
		default:
			return fmt.Errorf("%w: target %q has unknown kind %q", ErrInvalidConfig, t.Name, t.ResolvedKind())
		}
		if t.MaxOperations < 0 {
			return fmt.Errorf("%w: target %q max_operations must not be negative", ErrInvalidConfig, t.Name)
		}
		seed, err := t.SeedBytes()
		if err != nil {
			return err
		}
		if len(seed) != 0 && len(seed) < 16 {
			return fmt.Errorf("%w: target %q seed must be at least 16 bytes", ErrInvalidConfig, t.Name)
		}
	}

	if c.RateLimit.PerSecond < 0 || c.RateLimit.Burst < 0 {
		return fmt.Errorf("%w: rate limit must not be negative", ErrInvalidConfig)
	}

	switch c.Storage.Backend {
	case StorageMemory:
	case StorageFile:
		if c.Storage.Path == "" {
			return fmt.Errorf("%w: storage path is required for the file backend", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: storage backend %q (must be memory or file)", ErrInvalidConfig, c.Storage.Backend)
	}

	cc := c.Campaign
	if cc.Iterations < 1 {
		return fmt.Errorf("%w: campaign iterations must be positive", ErrInvalidConfig)
	}
	if cc.PayloadSize < 1 {
		return fmt.Errorf("%w: campaign payload_size must be positive", ErrInvalidConfig)
	}
	if cc.MaxSequenceLength < 1 {
		return fmt.Errorf("%w: campaign max_sequence_length must be positive", ErrInvalidConfig)
	}
	if cc.MaxCallsPerOperation < 1 {
		return fmt.Errorf("%w: campaign max_calls_per_operation must be positive", ErrInvalidConfig)
	}
	if cc.StalenessThreshold < 1 {
		return fmt.Errorf("%w: campaign staleness_threshold must be positive", ErrInvalidConfig)
	}
	return nil
}

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

package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "keyfuzz.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("Failed to write test config file: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Output.Path != DefaultOutputPath {
		t.Errorf("Expected output %q, got %q", DefaultOutputPath, cfg.Output.Path)
	}
	if cfg.Output.Record {
		t.Error("Expected recording to be off by default")
	}
	names := cfg.TargetNames()
	if len(names) != 2 || names[0] != "tee" || names[1] != "strongbox" {
		t.Errorf("Unexpected default targets %v", names)
	}
	if cfg.Campaign.StalenessThreshold != 100 {
		t.Errorf("Expected staleness threshold 100, got %d", cfg.Campaign.StalenessThreshold)
	}
	if !cfg.Campaign.DeriveRules {
		t.Error("Expected order rule derivation on by default")
	}
}

func TestLoad_Success(t *testing.T) {
	path := writeConfig(t, `
logging:
  level: debug
  format: json
output:
  path: out/combined
  record: true
targets:
  - name: left
    kind: tee
    seed: "000102030405060708090a0b0c0d0e0f"
  - name: right
    kind: strongbox
    max_operations: 2
ratelimit:
  per_second: 50
  burst: 5
metrics:
  listen: "127.0.0.1:9464"
storage:
  backend: file
  path: /tmp/keyfuzz
campaign:
  iterations: 10
  seed: 42
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("Unexpected logging config %+v", cfg.Logging)
	}
	if !cfg.Output.Record || cfg.Output.Path != "out/combined" {
		t.Errorf("Unexpected output config %+v", cfg.Output)
	}
	if len(cfg.Targets) != 2 || cfg.Targets[1].ResolvedKind() != TargetKindStrongBox {
		t.Errorf("Unexpected targets %+v", cfg.Targets)
	}
	seed, err := cfg.Targets[0].SeedBytes()
	if err != nil || len(seed) != 16 {
		t.Errorf("Expected 16 byte seed, got %d (%v)", len(seed), err)
	}
	if cfg.RateLimit.PerSecond != 50 || cfg.RateLimit.Burst != 5 {
		t.Errorf("Unexpected rate limit %+v", cfg.RateLimit)
	}
	if cfg.Campaign.Iterations != 10 || cfg.Campaign.Seed != 42 {
		t.Errorf("Unexpected campaign config %+v", cfg.Campaign)
	}
	// Unset campaign fields keep their defaults.
	if cfg.Campaign.PayloadSize != 256 {
		t.Errorf("Expected default payload size, got %d", cfg.Campaign.PayloadSize)
	}
	if !cfg.Campaign.DeriveRules {
		t.Error("Expected derive_rules to keep its default")
	}
}

func TestLoad_FileErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Expected error for missing file")
	}
	if _, err := Load(writeConfig(t, "logging: [unterminated")); err == nil {
		t.Error("Expected error for malformed YAML")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("KEYFUZZ_LOG_LEVEL", "warn")
	t.Setenv("KEYFUZZ_OUTPUT", "env_output")
	t.Setenv("KEYFUZZ_RECORD", "true")
	t.Setenv("KEYFUZZ_TARGETS", "software, strongbox")
	t.Setenv("KEYFUZZ_RATE", "12.5")
	t.Setenv("KEYFUZZ_DATA_DIR", "/var/lib/keyfuzz")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("Expected level warn, got %q", cfg.Logging.Level)
	}
	if cfg.Output.Path != "env_output" || !cfg.Output.Record {
		t.Errorf("Unexpected output config %+v", cfg.Output)
	}
	names := cfg.TargetNames()
	if len(names) != 2 || names[0] != "software" || names[1] != "strongbox" {
		t.Errorf("Unexpected targets %v", names)
	}
	if cfg.RateLimit.PerSecond != 12.5 {
		t.Errorf("Expected rate 12.5, got %v", cfg.RateLimit.PerSecond)
	}
	if cfg.Storage.Backend != StorageFile || cfg.Storage.Path != "/var/lib/keyfuzz" {
		t.Errorf("Unexpected storage %+v", cfg.Storage)
	}
}

func TestLoad_InvalidEnvIgnored(t *testing.T) {
	t.Setenv("KEYFUZZ_RATE", "fast")
	t.Setenv("KEYFUZZ_RECORD", "maybe")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.RateLimit.PerSecond != 0 || cfg.Output.Record {
		t.Errorf("Invalid env values should be ignored, got %+v %+v", cfg.RateLimit, cfg.Output)
	}
}

func TestSetTargets_KeepsConfiguredSettings(t *testing.T) {
	cfg := Default()
	cfg.Targets[0].MaxOperations = 3

	cfg.SetTargets([]string{"strongbox", "", "tee"})

	if len(cfg.Targets) != 2 {
		t.Fatalf("Expected 2 targets, got %d", len(cfg.Targets))
	}
	if cfg.Targets[0].Name != "strongbox" || cfg.Targets[1].MaxOperations != 3 {
		t.Errorf("Unexpected targets %+v", cfg.Targets)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad level", func(c *Config) { c.Logging.Level = "verbose" }},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }},
		{"no output", func(c *Config) { c.Output.Path = "" }},
		{"no targets", func(c *Config) { c.Targets = nil }},
		{"unnamed target", func(c *Config) { c.Targets[0].Name = "" }},
		{"traversal target", func(c *Config) { c.Targets[0].Name = "../tee" }},
		{"duplicate target", func(c *Config) { c.Targets[1] = c.Targets[0] }},
		{"unknown kind", func(c *Config) { c.Targets[0].Kind = "hsm" }},
		{"unknown name", func(c *Config) { c.Targets = []TargetConfig{{Name: "hsm"}} }},
		{"negative ops", func(c *Config) { c.Targets[0].MaxOperations = -1 }},
		{"bad seed hex", func(c *Config) { c.Targets[0].Seed = "zz" }},
		{"short seed", func(c *Config) { c.Targets[0].Seed = "0011" }},
		{"negative rate", func(c *Config) { c.RateLimit.PerSecond = -1 }},
		{"file without path", func(c *Config) { c.Storage.Backend = StorageFile }},
		{"unknown storage", func(c *Config) { c.Storage.Backend = "s3" }},
		{"zero iterations", func(c *Config) { c.Campaign.Iterations = 0 }},
		{"zero payload", func(c *Config) { c.Campaign.PayloadSize = 0 }},
		{"zero length", func(c *Config) { c.Campaign.MaxSequenceLength = 0 }},
		{"zero calls", func(c *Config) { c.Campaign.MaxCallsPerOperation = 0 }},
		{"zero staleness", func(c *Config) { c.Campaign.StalenessThreshold = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("Expected ErrInvalidConfig, got %v", err)
			}
		})
	}

	if err := Default().Validate(); err != nil {
		t.Errorf("Default config should be valid: %v", err)
	}
}

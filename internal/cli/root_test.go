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

package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-keyfuzz/internal/campaign"
	"github.com/jeremyhahn/go-keyfuzz/internal/config"
	"github.com/jeremyhahn/go-keyfuzz/internal/harness"
	"github.com/jeremyhahn/go-keyfuzz/internal/statemodel"
)

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Output.Path = filepath.Join(t.TempDir(), config.DefaultOutputPath)
	return cfg
}

// execute runs the command tree with args and returns stdout and stderr.
func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stderr)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	})
	err := rootCmd.Execute()
	return stdout.String(), stderr.String(), err
}

func TestRunReplay_GenerateThenDeleteAll(t *testing.T) {
	dir := t.TempDir()
	functions := writeFile(t, dir, "functions", []byte("generate_key\ndelete_all_keys\n"))
	input := writeFile(t, dir, "input", bytes.Repeat([]byte{0xA5}, 16))
	cfg := testConfig(t)

	var stderr bytes.Buffer
	sum, err := runReplay(context.Background(), cfg, functions, input, &stderr)
	require.NoError(t, err)

	assert.Equal(t, 4, sum.Dispatched)
	assert.Zero(t, sum.Failed)
	assert.NotContains(t, stderr.String(), "Failed to open")

	info, err := os.Stat(cfg.Output.Path)
	require.NoError(t, err)
	assert.Zero(t, info.Size(), "combined output is empty without --record")
}

func TestRunReplay_UnknownFunction(t *testing.T) {
	dir := t.TempDir()
	functions := writeFile(t, dir, "functions", []byte("frobnicate_key\n"))
	input := writeFile(t, dir, "input", []byte("x"))

	var stderr bytes.Buffer
	sum, err := runReplay(context.Background(), testConfig(t), functions, input, &stderr)
	require.NoError(t, err)

	assert.Equal(t, 2, sum.Unknown)
	assert.Equal(t, 2, strings.Count(stderr.String(), "Unknown function: frobnicate_key"))
}

func TestRunReplay_Record(t *testing.T) {
	dir := t.TempDir()
	functions := writeFile(t, dir, "functions", []byte("get_hardware_info\nadd_rng_entropy\n"))
	input := writeFile(t, dir, "input", []byte("entropy"))
	cfg := testConfig(t)
	cfg.Output.Record = true

	_, err := runReplay(context.Background(), cfg, functions, input, &bytes.Buffer{})
	require.NoError(t, err)

	f, err := os.Open(cfg.Output.Path)
	require.NoError(t, err)
	defer f.Close()
	responses, err := harness.ReadResponses(f)
	require.NoError(t, err)
	require.Len(t, responses, 4)
	for _, r := range responses {
		assert.True(t, r.OK(), "%s on %s", r.Operation, r.Target)
	}
	assert.Equal(t, "tee", responses[0].Target)
	assert.Equal(t, "strongbox", responses[1].Target)
}

func TestRunReplay_SetupErrors(t *testing.T) {
	dir := t.TempDir()
	functions := writeFile(t, dir, "functions", []byte("generate_key\n"))
	input := writeFile(t, dir, "input", []byte("payload"))
	empty := writeFile(t, dir, "empty", nil)
	missing := filepath.Join(dir, "missing")

	tests := []struct {
		name       string
		functions  string
		input      string
		output     string
		diagnostic string
	}{
		{"missing functions file", missing, input, "", "Failed to open input file: " + missing},
		{"empty functions file", empty, input, "", "Input file is empty: " + empty},
		{"missing input file", functions, missing, "", "Failed to open input file: " + missing},
		{"empty input file", functions, empty, "", "Input file is empty: " + empty},
		{"output not creatable", functions, input, filepath.Join(dir, "no", "such", "dir", "out"), ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			if tt.output != "" {
				cfg.Output.Path = tt.output
			}
			var stderr bytes.Buffer
			sum, err := runReplay(context.Background(), cfg, tt.functions, tt.input, &stderr)
			require.Error(t, err)
			assert.Zero(t, sum.Dispatched, "no device call before setup succeeds")

			if tt.diagnostic != "" {
				d, ok := diagnostic(err)
				require.True(t, ok)
				assert.Equal(t, tt.diagnostic, d)
				_, statErr := os.Stat(cfg.Output.Path)
				assert.True(t, os.IsNotExist(statErr), "output is not created on input errors")
			}
		})
	}
}

func TestRunReplay_Metrics(t *testing.T) {
	dir := t.TempDir()
	functions := writeFile(t, dir, "functions", []byte("get_hardware_info\n"))
	input := writeFile(t, dir, "input", []byte("x"))
	cfg := testConfig(t)
	cfg.Metrics.Listen = "127.0.0.1:0"

	sum, err := runReplay(context.Background(), cfg, functions, input, &bytes.Buffer{})
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Dispatched)
}

func TestApplyFlags_Environment(t *testing.T) {
	t.Setenv("KEYFUZZ_RATE", "5")
	t.Setenv("KEYFUZZ_TARGETS", "software")
	t.Setenv("KEYFUZZ_RECORD", "true")

	cfg := config.Default()
	applyFlags(cfg)

	assert.Equal(t, 5.0, cfg.RateLimit.PerSecond)
	assert.Equal(t, []string{"software"}, cfg.TargetNames())
	assert.True(t, cfg.Output.Record)
}

func TestRootCmd_Usage(t *testing.T) {
	_, _, err := execute(t, "only-one-arg")
	assert.ErrorIs(t, err, ErrUsage)

	_, _, err = execute(t, "a", "b", "c")
	assert.ErrorIs(t, err, ErrUsage)
}

func TestRootCmd_Replay(t *testing.T) {
	dir := t.TempDir()
	functions := writeFile(t, dir, "functions", []byte("generate_key\nexport_key\n"))
	input := writeFile(t, dir, "input", []byte("payload"))
	output := filepath.Join(dir, "combined_output")

	_, stderr, err := execute(t, "--format", "text", "--output", output, functions, input)
	require.NoError(t, err)
	assert.Contains(t, stderr, "Replay finished")
	assert.FileExists(t, output)
}

func TestOpsCmd(t *testing.T) {
	stdout, _, err := execute(t, "ops", "--format", "json")
	require.NoError(t, err)

	var got struct {
		Operations []string `json:"operations"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &got))
	assert.Equal(t, harness.Operations(), got.Operations)
}

func TestVersionCmd(t *testing.T) {
	stdout, _, err := execute(t, "version", "--format", "text")
	require.NoError(t, err)
	assert.Contains(t, stdout, "keyfuzz version "+Version)
}

func TestCompareCmd(t *testing.T) {
	dir := t.TempDir()
	functions := writeFile(t, dir, "functions", []byte("get_hardware_info\nadd_rng_entropy\ndelete_all_keys\n"))
	input := writeFile(t, dir, "input", []byte("payload"))
	cfg := testConfig(t)
	cfg.Output.Record = true
	_, err := runReplay(context.Background(), cfg, functions, input, &bytes.Buffer{})
	require.NoError(t, err)

	results := filepath.Join(dir, "results.json")
	stdout, _, err := execute(t, "compare", cfg.Output.Path, "--results", results, "--format", "json")
	require.NoError(t, err)

	var got struct {
		Compared  int `json:"compared"`
		Divergent int `json:"divergent"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &got))
	assert.Equal(t, 3, got.Compared)
	assert.Zero(t, got.Divergent)
	assert.FileExists(t, results)
}

func TestGenerateCmd(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "model")
	rule := "generate_key-->begin_operation"

	stdout, _, err := execute(t, "generate", dir,
		"--format", "text",
		"--count", "20",
		"--seed", "7",
		"--max-length", "5",
		"--rule", rule,
		"--operations", "generate_key,begin_operation,finish_operation")
	require.NoError(t, err)

	paths := strings.Fields(stdout)
	require.NotEmpty(t, paths)
	order, err := statemodel.ParseOrderRule(rule)
	require.NoError(t, err)
	for _, path := range paths {
		seq, err := harness.LoadCommands(path)
		require.NoError(t, err)
		assert.LessOrEqual(t, len(seq), 5)
		assert.True(t, order.Allows(seq), "%v violates %s", seq, rule)
	}
}

func TestNewGenerator_DerivedRules(t *testing.T) {
	cfg := testConfig(t)

	gen, err := newGenerator(cfg, nil, []string{"generate_key", "begin_operation", "update_operation", "get_hardware_info"})
	require.NoError(t, err)
	assert.Equal(t, []statemodel.OrderRule{
		{Before: "generate_key", After: "begin_operation"},
		{Before: "begin_operation", After: "update_operation"},
	}, gen.Grammar().Rules())
	for i := 0; i < 50; i++ {
		assert.True(t, gen.Grammar().Valid(gen.Next(cfg.Campaign.MaxSequenceLength)))
	}

	cfg.Campaign.DeriveRules = false
	gen, err = newGenerator(cfg, []string{"generate_key-->delete_key"}, nil)
	require.NoError(t, err)
	assert.Equal(t, []statemodel.OrderRule{{Before: "generate_key", After: "delete_key"}}, gen.Grammar().Rules())
}

func TestGenerateCmd_UnknownOperation(t *testing.T) {
	_, _, err := execute(t, "generate", t.TempDir(), "--format", "text", "--operations", "frobnicate_key")
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestCampaignCmd(t *testing.T) {
	dir := t.TempDir()
	summary := filepath.Join(dir, "summary.json")
	grammar := filepath.Join(dir, "grammar.yaml")

	stdout, _, err := execute(t, "campaign",
		"--format", "json",
		"--iterations", "3",
		"--payload-size", "16",
		"--seed", "3",
		"--operations", "get_hardware_info,add_rng_entropy",
		"--summary", summary,
		"--grammar", grammar)
	require.NoError(t, err)

	var got campaign.Summary
	require.NoError(t, json.Unmarshal([]byte(stdout), &got))
	assert.Equal(t, 3, got.Rounds)
	assert.Empty(t, got.DivergentRounds)
	assert.FileExists(t, summary)
	assert.FileExists(t, grammar)
}

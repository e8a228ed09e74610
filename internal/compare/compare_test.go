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

package compare

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-keyfuzz/internal/config"
	"github.com/jeremyhahn/go-keyfuzz/internal/harness"
)

func resp(seq int, op, target string, status int32, out string) harness.Response {
	name := "OK"
	if status != 0 {
		name = "ERR"
	}
	return harness.Response{Seq: seq, Operation: op, Target: target, Status: status, StatusName: name, Output: []byte(out)}
}

func TestCompare_Rules(t *testing.T) {
	tests := []struct {
		name       string
		rule       Rule
		a, b       harness.Response
		consistent bool
	}{
		{"type same status", RuleType, resp(0, "op", "a", 0, "x"), resp(0, "op", "b", 0, "yyyy"), true},
		{"type status differs", RuleType, resp(0, "op", "a", 0, ""), resp(0, "op", "b", -33, ""), false},
		{"format same length", RuleFormat, resp(0, "op", "a", 0, "abcd"), resp(0, "op", "b", 0, "wxyz"), true},
		{"format length differs", RuleFormat, resp(0, "op", "a", 0, "abc"), resp(0, "op", "b", 0, "abcd"), false},
		{"format status differs", RuleFormat, resp(0, "op", "a", -1, "abc"), resp(0, "op", "b", 0, "abc"), false},
		{"value identical", RuleValue, resp(0, "op", "a", 0, "abc"), resp(0, "op", "b", 0, "abc"), true},
		{"value differs", RuleValue, resp(0, "op", "a", 0, "abc"), resp(0, "op", "b", 0, "abd"), false},
		{"value both empty", RuleValue, resp(0, "op", "a", -30, ""), resp(0, "op", "b", -30, ""), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			report := Compare([]harness.Response{tt.a, tt.b}, Rules{"op": tt.rule})
			require.Len(t, report.Results, 1)
			res := report.Results[0]
			assert.Equal(t, tt.consistent, res.Consistent)
			assert.Equal(t, string(tt.rule), res.Comparison)
			assert.Equal(t, 1, report.Compared)
			if tt.consistent {
				assert.Zero(t, report.Divergent)
			} else {
				assert.Equal(t, 1, report.Divergent)
			}
		})
	}
}

func TestCompare_GroupingAndSkipping(t *testing.T) {
	responses := []harness.Response{
		resp(1, "export_key", "tee", 0, "k"),
		resp(0, "generate_key", "tee", 0, "blob"),
		resp(0, "generate_key", "strongbox", 0, "blob"),
		resp(1, "export_key", "strongbox", -33, ""),
		resp(2, "no_rule", "tee", 0, ""),
		resp(2, "no_rule", "strongbox", -1, ""),
	}

	report := Compare(responses, DefaultRules())

	assert.Equal(t, 2, report.Compared)
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, 1, report.Divergent)
	require.Len(t, report.Results, 2)
	assert.Equal(t, "generate_key", report.Results[0].Operation)
	assert.Equal(t, "export_key", report.Results[1].Operation)

	want := []Observation{
		{Target: "tee", Status: "OK", OutputLen: 1},
		{Target: "strongbox", Status: "ERR", OutputLen: 0},
	}
	if diff := cmp.Diff(want, report.Results[1].Observations); diff != "" {
		t.Errorf("observations mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, []string{"export_key"}, report.DivergentOperations())
	assert.Len(t, report.Divergences(), 1)
}

func TestCompare_UnknownRule(t *testing.T) {
	report := Compare([]harness.Response{resp(0, "op", "a", 0, ""), resp(0, "op", "b", -1, "")},
		Rules{"op": "fuzzy"})

	require.Len(t, report.Results, 1)
	assert.Equal(t, ComparisonUnknownRule, report.Results[0].Comparison)
	assert.Zero(t, report.Divergent)
}

func TestCompare_SingleTarget(t *testing.T) {
	report := Compare([]harness.Response{resp(0, "finish_operation", "tee", 0, "sig")}, DefaultRules())
	require.Len(t, report.Results, 1)
	assert.True(t, report.Results[0].Consistent)
}

func TestDefaultRules(t *testing.T) {
	rules := DefaultRules()
	require.NoError(t, rules.Validate())
	for _, op := range harness.Operations() {
		assert.Contains(t, rules, op)
	}
	assert.Equal(t, RuleValue, rules["finish_operation"])
	assert.Equal(t, RuleValue, rules["get_key_characteristics"])
	assert.Equal(t, RuleFormat, rules["generate_key"])
	assert.Equal(t, RuleType, rules["export_key"])
}

func TestDefaultRules_KeyIssuingStableAcrossTargets(t *testing.T) {
	names := []string{"generate_key", "upgrade_key", "get_key_characteristics", "generate_key"}

	for run := 0; run < 8; run++ {
		targets, err := harness.NewTargets(config.Default(), nil)
		require.NoError(t, err)
		rec := harness.NewRecorder(true)
		d, err := harness.NewDriver(targets, harness.Options{Recorder: rec})
		require.NoError(t, err)

		sum := d.Run(context.Background(), names, []byte{1})
		require.NoError(t, harness.CloseTargets(targets))
		require.Zero(t, sum.Failed)

		report := Compare(rec.Responses(), DefaultRules())
		assert.Equal(t, len(names), report.Compared)
		assert.Zero(t, report.Divergent, "run %d diverged: %v", run, report.DivergentOperations())
	}
}

func TestLoadRules(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte("generate_key: value\nexport_key: fuzzy\n"), 0600))

	rules, err := LoadRules(path)
	require.NoError(t, err)
	assert.Equal(t, Rules{"generate_key": RuleValue, "export_key": "fuzzy"}, rules)
	assert.True(t, errors.Is(rules.Validate(), ErrUnknownRule))

	empty := filepath.Join(dir, "empty.yaml")
	require.NoError(t, os.WriteFile(empty, nil, 0600))
	rules, err = LoadRules(empty)
	require.NoError(t, err)
	assert.Empty(t, rules)

	_, err = LoadRules(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("- a\n- b\n"), 0600))
	_, err = LoadRules(bad)
	assert.Error(t, err)
}

func TestReport_WriteFile(t *testing.T) {
	report := Compare([]harness.Response{resp(0, "export_key", "a", 0, ""), resp(0, "export_key", "b", -33, "")},
		DefaultRules())
	path := filepath.Join(t.TempDir(), "comparison_results")
	require.NoError(t, report.WriteFile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "\n    \"results\"")

	var got Report
	require.NoError(t, json.Unmarshal(data, &got))
	if diff := cmp.Diff(*report, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

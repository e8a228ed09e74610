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

package statemodel

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var vocab = []string{"generate_key", "begin_operation", "update_operation", "finish_operation", "delete_key"}

func TestParseOrderRule(t *testing.T) {
	r, err := ParseOrderRule(" generate_key --> delete_key ")
	require.NoError(t, err)
	assert.Equal(t, OrderRule{Before: "generate_key", After: "delete_key"}, r)
	assert.Equal(t, "generate_key-->delete_key", r.String())

	for _, bad := range []string{"", "generate_key", "-->delete_key", "generate_key-->", "a->b"} {
		_, err := ParseOrderRule(bad)
		assert.ErrorIs(t, err, ErrInvalidRule, bad)
	}
}

func TestOrderRule_Allows(t *testing.T) {
	r := OrderRule{Before: "generate_key", After: "delete_key"}
	tests := []struct {
		seq  []string
		want bool
	}{
		{nil, true},
		{[]string{"begin_operation"}, true},
		{[]string{"generate_key"}, true},
		{[]string{"generate_key", "delete_key"}, true},
		{[]string{"generate_key", "delete_key", "generate_key", "delete_key"}, true},
		{[]string{"delete_key", "generate_key"}, false},
		{[]string{"delete_key"}, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, r.Allows(tt.seq), "%v", tt.seq)
	}
}

func TestDeriveOrderRules(t *testing.T) {
	sigs := []Signature{
		{Name: "generate_key", Produces: []string{"key_blob"}},
		{Name: "begin_operation", Produces: []string{"operation_handle"}, Consumes: []string{"key_blob"}},
		{Name: "update_operation", Consumes: []string{"operation_handle"}},
		{Name: "upgrade_key", Produces: []string{"key_blob"}, Consumes: []string{"key_blob"}},
		{Name: "get_hardware_info"},
	}

	want := []OrderRule{
		{Before: "generate_key", After: "begin_operation"},
		{Before: "upgrade_key", After: "begin_operation"},
		{Before: "begin_operation", After: "update_operation"},
		{Before: "generate_key", After: "upgrade_key"},
	}
	if diff := cmp.Diff(want, DeriveOrderRules(sigs)); diff != "" {
		t.Errorf("derived rules mismatch (-want +got):\n%s", diff)
	}
	assert.Empty(t, DeriveOrderRules(sigs[2:3]), "a consumer without producers gets no rules")
	assert.Empty(t, DeriveOrderRules(nil))
}

func TestGrammar_ValidAlternatives(t *testing.T) {
	g := NewGrammar(0,
		OrderRule{Before: "generate_key", After: "begin_operation"},
		OrderRule{Before: "import_key", After: "begin_operation"},
		OrderRule{Before: "begin_operation", After: "update_operation"},
	)
	tests := []struct {
		seq  []string
		want bool
	}{
		{nil, true},
		{[]string{"generate_key", "begin_operation", "update_operation"}, true},
		{[]string{"import_key", "begin_operation"}, true},
		{[]string{"begin_operation"}, false},
		{[]string{"begin_operation", "generate_key"}, false},
		{[]string{"generate_key", "update_operation", "begin_operation"}, false},
		{[]string{"import_key", "begin_operation", "update_operation", "begin_operation"}, true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, g.Valid(tt.seq), "%v", tt.seq)
	}
	assert.True(t, g.Ready([]string{"import_key"}, "begin_operation"))
	assert.False(t, g.Ready([]string{"update_operation"}, "begin_operation"))
	assert.True(t, g.Ready(nil, "generate_key"))
}

func TestGenerator_FollowsOrderRules(t *testing.T) {
	grammar := NewGrammar(0,
		OrderRule{Before: "generate_key", After: "begin_operation"},
		OrderRule{Before: "begin_operation", After: "update_operation"},
		OrderRule{Before: "begin_operation", After: "finish_operation"},
		OrderRule{Before: "generate_key", After: "delete_key"},
	)
	g, err := NewGenerator(GeneratorConfig{Operations: vocab, Seed: 13, Grammar: grammar})
	require.NoError(t, err)

	for i := 0; i < 200; i++ {
		seq := g.Sequence(8)
		require.NotEmpty(t, seq, "generate_key is always eligible first")
		assert.Equal(t, "generate_key", seq[0])
		assert.True(t, grammar.Valid(seq), "%v", seq)
	}
	model := g.GenerateModel(20, 6)
	assert.Len(t, model, 20, "every drawn sequence already satisfies the rules")
}

func TestNewGenerator_Empty(t *testing.T) {
	_, err := NewGenerator(GeneratorConfig{})
	assert.ErrorIs(t, err, ErrNoOperations)
}

func TestGenerator_Deterministic(t *testing.T) {
	draw := func() [][]string {
		g, err := NewGenerator(GeneratorConfig{Operations: vocab, Seed: 7})
		require.NoError(t, err)
		var out [][]string
		for i := 0; i < 20; i++ {
			out = append(out, g.Sequence(8))
		}
		return out
	}
	if diff := cmp.Diff(draw(), draw()); diff != "" {
		t.Errorf("same seed produced different sequences (-first +second):\n%s", diff)
	}
}

func TestGenerator_RespectsCaps(t *testing.T) {
	g, err := NewGenerator(GeneratorConfig{Operations: []string{"a", "b"}, MaxCallsPerOperation: 2, Seed: 1})
	require.NoError(t, err)
	for i := 0; i < 200; i++ {
		seq := g.Sequence(10)
		require.NotEmpty(t, seq)
		require.LessOrEqual(t, len(seq), 4, "two operations capped at two calls each")
		counts := map[string]int{}
		for _, op := range seq {
			counts[op]++
		}
		for op, n := range counts {
			assert.LessOrEqual(t, n, 2, op)
		}
	}
}

func TestGenerator_RespectsDisallowed(t *testing.T) {
	grammar := NewGrammar(1)
	grammar.Observe([]string{"a", "b"}, false)
	promoted := grammar.Observe([]string{"a", "b"}, false)
	require.Equal(t, []Transition{{From: "a", To: "b"}}, promoted)

	g, err := NewGenerator(GeneratorConfig{Operations: []string{"a", "b"}, MaxCallsPerOperation: 5, Seed: 3, Grammar: grammar})
	require.NoError(t, err)
	for i := 0; i < 200; i++ {
		seq := g.Sequence(10)
		for j := 0; j+1 < len(seq); j++ {
			assert.False(t, seq[j] == "a" && seq[j+1] == "b", "disallowed transition in %v", seq)
		}
	}
}

func TestGenerator_GenerateModel(t *testing.T) {
	grammar := NewGrammar(0, OrderRule{Before: "generate_key", After: "delete_key"})
	g, err := NewGenerator(GeneratorConfig{Operations: vocab, Seed: 11, Grammar: grammar})
	require.NoError(t, err)

	model := g.GenerateModel(100, 6)
	assert.NotEmpty(t, model)
	assert.LessOrEqual(t, len(model), 100)
	for _, seq := range model {
		assert.True(t, grammar.Valid(seq), "%v", seq)
		assert.LessOrEqual(t, len(seq), 6)
	}
}

func TestGenerator_MutateAndNext(t *testing.T) {
	grammar := NewGrammar(0)
	grammar.Observe([]string{"generate_key", "delete_key"}, true)

	g, err := NewGenerator(GeneratorConfig{Operations: vocab, Seed: 5, Grammar: grammar})
	require.NoError(t, err)

	base := []string{"generate_key", "delete_key"}
	mutated := g.Mutate(base)
	assert.Len(t, mutated, 3)
	assert.Equal(t, []string{"generate_key", "delete_key"}, base, "base must not be modified")

	sawCorpus := false
	for i := 0; i < 100; i++ {
		seq := g.Next(5)
		require.NotEmpty(t, seq)
		if len(seq) == 3 && dropsToBase(seq, base) {
			sawCorpus = true
		}
	}
	assert.True(t, sawCorpus, "interesting sequences should be revisited")
}

// dropsToBase reports whether removing one element of seq yields base.
func dropsToBase(seq, base []string) bool {
	for i := range seq {
		rest := append(append([]string{}, seq[:i]...), seq[i+1:]...)
		if cmp.Equal(rest, base) {
			return true
		}
	}
	return false
}

func TestGrammar_Observe(t *testing.T) {
	g := NewGrammar(2)
	seq := []string{"generate_key", "export_key"}

	assert.Empty(t, g.Observe(seq, false))
	assert.Empty(t, g.Observe(seq, false))
	assert.True(t, g.Allowed("generate_key", "export_key"))

	promoted := g.Observe(seq, false)
	assert.Equal(t, []Transition{{From: "generate_key", To: "export_key"}}, promoted)
	assert.False(t, g.Allowed("generate_key", "export_key"))
	assert.True(t, g.Allowed("", "export_key"))
	assert.Equal(t, 3, g.Frequency(Transition{From: "generate_key", To: "export_key"}))

	assert.Empty(t, g.Observe(seq, false), "already disallowed transitions are not promoted twice")
	assert.Len(t, g.Disallowed(), 1)

	g.Observe([]string{"delete_key", "export_key"}, true)
	g.Observe([]string{"delete_key", "export_key"}, true)
	assert.Equal(t, [][]string{{"delete_key", "export_key"}}, g.Interesting())
	assert.Zero(t, g.Frequency(Transition{From: "delete_key", To: "export_key"}))
}

func TestGrammar_DefaultThreshold(t *testing.T) {
	g := NewGrammar(0)
	assert.Equal(t, DefaultStalenessThreshold, g.Threshold())
	seq := []string{"a", "b"}
	for i := 0; i < DefaultStalenessThreshold; i++ {
		g.Observe(seq, false)
	}
	assert.True(t, g.Allowed("a", "b"))
	g.Observe(seq, false)
	assert.False(t, g.Allowed("a", "b"))
}

func TestGrammar_SaveLoad(t *testing.T) {
	g := NewGrammar(1, OrderRule{Before: "generate_key", After: "delete_key"})
	g.AddRule(OrderRule{Before: "generate_key", After: "delete_key"})
	g.AddRule(OrderRule{Before: "begin_operation", After: "finish_operation"})
	g.Observe([]string{"a", "b"}, false)
	g.Observe([]string{"a", "b"}, false)
	g.Observe([]string{"x", "y"}, true)

	path := filepath.Join(t.TempDir(), "grammar.yaml")
	require.NoError(t, g.Save(path))

	loaded, err := LoadGrammar(path, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, loaded.Threshold())
	assert.Equal(t, g.Rules(), loaded.Rules())
	assert.Len(t, loaded.Rules(), 2)
	assert.Equal(t, g.Disallowed(), loaded.Disallowed())
	assert.Equal(t, 2, loaded.Frequency(Transition{From: "a", To: "b"}))
	assert.Equal(t, [][]string{{"x", "y"}}, loaded.Interesting())
}

func TestLoadGrammar_Missing(t *testing.T) {
	g, err := LoadGrammar(filepath.Join(t.TempDir(), "none.yaml"), 5)
	require.NoError(t, err)
	assert.Equal(t, 5, g.Threshold())
	assert.Empty(t, g.Rules())
}

func TestLoadGrammar_Invalid(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("rules: [\"nonsense\"]\n"), 0600))
	_, err := LoadGrammar(bad, 0)
	assert.ErrorIs(t, err, ErrInvalidRule)

	broken := filepath.Join(dir, "broken.yaml")
	require.NoError(t, os.WriteFile(broken, []byte("rules: {"), 0600))
	_, err = LoadGrammar(broken, 0)
	assert.Error(t, err)
}

func TestWriteFunctionsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "functions")
	require.NoError(t, WriteFunctionsFile(path, []string{"generate_key", "delete_all_keys"}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "generate_key\ndelete_all_keys\n", string(data))
	assert.Nil(t, FormatFunctions(nil))
}

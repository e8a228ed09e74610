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
	"bytes"
	"errors"
	"fmt"
	"maps"
	"os"
	"slices"
	"sync"

	"github.com/natefinch/atomic"
	"gopkg.in/yaml.v3"
)

// DefaultStalenessThreshold is how often a transition may be observed in
// non-divergent sequences before the grammar disallows it.
const DefaultStalenessThreshold = 100

// Transition is an ordered pair of consecutive operations.
type Transition struct {
	From string
	To   string
}

func (t Transition) String() string {
	return t.From + " " + t.To
}

// Grammar evolves with campaign feedback. Sequences that made targets
// diverge are kept as interesting; the transitions of all other sequences
// are counted, and a transition seen more than the staleness threshold is
// disallowed for future generation.
//
// Grammar is safe for concurrent use.
type Grammar struct {
	mu          sync.Mutex
	threshold   int
	rules       []OrderRule
	disallowed  map[string][]string
	frequency   map[Transition]int
	interesting [][]string
}

// NewGrammar returns an empty grammar. A non-positive threshold selects
// DefaultStalenessThreshold.
func NewGrammar(threshold int, rules ...OrderRule) *Grammar {
	if threshold <= 0 {
		threshold = DefaultStalenessThreshold
	}
	return &Grammar{
		threshold:  threshold,
		rules:      slices.Clone(rules),
		disallowed: make(map[string][]string),
		frequency:  make(map[Transition]int),
	}
}

// Threshold returns the staleness threshold.
func (g *Grammar) Threshold() int {
	return g.threshold
}

// AddRule appends r unless an identical rule exists.
func (g *Grammar) AddRule(r OrderRule) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !slices.Contains(g.rules, r) {
		g.rules = append(g.rules, r)
	}
}

// Rules returns a copy of the order rules.
func (g *Grammar) Rules() []OrderRule {
	g.mu.Lock()
	defer g.mu.Unlock()
	return slices.Clone(g.rules)
}

// Valid reports whether seq satisfies the order rules. Rules sharing an
// After operation are alternatives: the first After needs at least one of
// their Before operations ahead of it.
func (g *Grammar) Valid(seq []string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i, op := range seq {
		if slices.Index(seq, op) != i {
			continue
		}
		if !g.ready(seq[:i], op) {
			return false
		}
	}
	return true
}

// Ready reports whether op may follow prefix under the order rules.
func (g *Grammar) Ready(prefix []string, op string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ready(prefix, op)
}

func (g *Grammar) ready(prefix []string, op string) bool {
	required := false
	for _, r := range g.rules {
		if r.After != op {
			continue
		}
		if slices.Contains(prefix, r.Before) {
			return true
		}
		required = true
	}
	return !required
}

// Allowed reports whether next may directly follow prev. The first
// operation of a sequence (empty prev) is always allowed.
func (g *Grammar) Allowed(prev, next string) bool {
	if prev == "" {
		return true
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return !slices.Contains(g.disallowed[prev], next)
}

// Disallowed returns every disallowed transition, sorted.
func (g *Grammar) Disallowed() []Transition {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []Transition
	for _, from := range slices.Sorted(maps.Keys(g.disallowed)) {
		for _, to := range g.disallowed[from] {
			out = append(out, Transition{From: from, To: to})
		}
	}
	return out
}

// Frequency returns how often t was observed in non-divergent sequences.
func (g *Grammar) Frequency(t Transition) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.frequency[t]
}

// Interesting returns a copy of the divergent-sequence corpus.
func (g *Grammar) Interesting() [][]string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([][]string, len(g.interesting))
	for i, seq := range g.interesting {
		out[i] = slices.Clone(seq)
	}
	return out
}

// Observe feeds the outcome of one replayed sequence back into the grammar
// and returns the transitions it newly disallowed.
func (g *Grammar) Observe(seq []string, divergent bool) []Transition {
	g.mu.Lock()
	defer g.mu.Unlock()

	if divergent {
		for _, known := range g.interesting {
			if slices.Equal(known, seq) {
				return nil
			}
		}
		g.interesting = append(g.interesting, slices.Clone(seq))
		return nil
	}

	var promoted []Transition
	for i := 0; i+1 < len(seq); i++ {
		t := Transition{From: seq[i], To: seq[i+1]}
		g.frequency[t]++
		if g.frequency[t] > g.threshold && !slices.Contains(g.disallowed[t.From], t.To) {
			g.disallowed[t.From] = append(g.disallowed[t.From], t.To)
			promoted = append(promoted, t)
		}
	}
	return promoted
}

// grammarFile is the YAML layout of a persisted grammar.
type grammarFile struct {
	StalenessThreshold int                       `yaml:"staleness_threshold"`
	Rules              []string                  `yaml:"rules,omitempty"`
	Disallowed         map[string][]string       `yaml:"disallowed,omitempty"`
	Frequency          map[string]map[string]int `yaml:"frequency,omitempty"`
	Interesting        [][]string                `yaml:"interesting,omitempty"`
}

// Save atomically writes the grammar to path as YAML.
func (g *Grammar) Save(path string) error {
	g.mu.Lock()
	f := grammarFile{
		StalenessThreshold: g.threshold,
		Disallowed:         make(map[string][]string, len(g.disallowed)),
		Frequency:          make(map[string]map[string]int),
		Interesting:        g.interesting,
	}
	for _, r := range g.rules {
		f.Rules = append(f.Rules, r.String())
	}
	for from, tos := range g.disallowed {
		f.Disallowed[from] = slices.Sorted(slices.Values(tos))
	}
	for t, n := range g.frequency {
		if f.Frequency[t.From] == nil {
			f.Frequency[t.From] = make(map[string]int)
		}
		f.Frequency[t.From][t.To] = n
	}
	data, err := yaml.Marshal(&f)
	g.mu.Unlock()
	if err != nil {
		return fmt.Errorf("statemodel: encode grammar: %w", err)
	}
	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("statemodel: write grammar %s: %w", path, err)
	}
	return nil
}

// LoadGrammar reads a grammar written by Save. A missing file yields an
// empty grammar with the given threshold.
func LoadGrammar(path string, threshold int) (*Grammar, error) {
	// #nosec G304 - grammar path is supplied by the operator
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return NewGrammar(threshold), nil
	}
	if err != nil {
		return nil, fmt.Errorf("statemodel: read grammar: %w", err)
	}
	var f grammarFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("statemodel: parse grammar: %w", err)
	}
	if f.StalenessThreshold > 0 && threshold <= 0 {
		threshold = f.StalenessThreshold
	}
	g := NewGrammar(threshold)
	for _, s := range f.Rules {
		r, err := ParseOrderRule(s)
		if err != nil {
			return nil, err
		}
		g.rules = append(g.rules, r)
	}
	for from, tos := range f.Disallowed {
		g.disallowed[from] = slices.Clone(tos)
	}
	for from, tos := range f.Frequency {
		for to, n := range tos {
			g.frequency[Transition{From: from, To: to}] = n
		}
	}
	for _, seq := range f.Interesting {
		g.interesting = append(g.interesting, slices.Clone(seq))
	}
	return g, nil
}

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

// Package statemodel generates operation sequences for replay and keeps
// the dynamic grammar that steers generation between campaign rounds.
package statemodel

import (
	"bytes"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"strings"

	"github.com/natefinch/atomic"
)

// DefaultMaxCallsPerOperation caps how often one operation appears in a
// generated sequence.
const DefaultMaxCallsPerOperation = 3

// ErrNoOperations is returned by NewGenerator for an empty vocabulary.
var ErrNoOperations = errors.New("statemodel: operation vocabulary is empty")

// GeneratorConfig configures a Generator.
type GeneratorConfig struct {
	Operations           []string
	MaxCallsPerOperation int
	Seed                 int64

	// Grammar steers generation. An empty grammar is used when nil.
	Grammar *Grammar
}

// Generator draws operation sequences. Output is deterministic for a given
// seed, vocabulary and grammar state.
type Generator struct {
	ops      []string
	maxCalls int
	rng      *rand.Rand
	grammar  *Grammar
}

// NewGenerator returns a generator over cfg.Operations.
func NewGenerator(cfg GeneratorConfig) (*Generator, error) {
	if len(cfg.Operations) == 0 {
		return nil, ErrNoOperations
	}
	if cfg.MaxCallsPerOperation <= 0 {
		cfg.MaxCallsPerOperation = DefaultMaxCallsPerOperation
	}
	if cfg.Grammar == nil {
		cfg.Grammar = NewGrammar(0)
	}
	seed := uint64(cfg.Seed)
	return &Generator{
		ops:      slices.Clone(cfg.Operations),
		maxCalls: cfg.MaxCallsPerOperation,
		rng:      rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		grammar:  cfg.Grammar,
	}, nil
}

// Grammar returns the grammar steering the generator.
func (g *Generator) Grammar() *Grammar {
	return g.grammar
}

// Sequence draws between 1 and maxLen operations. No operation is used
// more than MaxCallsPerOperation times, no operation follows one the
// grammar disallows it after, and every operation's order rules are met by
// the operations drawn before it. The sequence ends early when no
// operation remains eligible.
func (g *Generator) Sequence(maxLen int) []string {
	if maxLen < 1 {
		maxLen = 1
	}
	total := 1 + g.rng.IntN(maxLen)
	counts := make(map[string]int, len(g.ops))
	seq := make([]string, 0, total)
	for len(seq) < total {
		next, ok := g.pick(seq, counts)
		if !ok {
			break
		}
		seq = append(seq, next)
		counts[next]++
	}
	return seq
}

// pick draws an operation that may follow prefix.
func (g *Generator) pick(prefix []string, counts map[string]int) (string, bool) {
	prev := ""
	if len(prefix) > 0 {
		prev = prefix[len(prefix)-1]
	}
	candidates := make([]string, 0, len(g.ops))
	for _, op := range g.ops {
		if counts[op] < g.maxCalls && g.grammar.Allowed(prev, op) && g.grammar.Ready(prefix, op) {
			candidates = append(candidates, op)
		}
	}
	if len(candidates) == 0 {
		return "", false
	}
	return candidates[g.rng.IntN(len(candidates))], true
}

// Mutate extends a copy of base with one eligible operation at a random
// position, or returns a copy unchanged when nothing fits.
func (g *Generator) Mutate(base []string) []string {
	counts := make(map[string]int, len(g.ops))
	for _, op := range base {
		counts[op]++
	}
	pos := g.rng.IntN(len(base) + 1)
	next, ok := g.pick(base[:pos], counts)
	if !ok {
		return slices.Clone(base)
	}
	return slices.Insert(slices.Clone(base), pos, next)
}

// Next returns the sequence for one campaign round. When the grammar holds
// interesting sequences, one round in four mutates one of them; otherwise a
// fresh sequence is drawn.
func (g *Generator) Next(maxLen int) []string {
	corpus := g.grammar.Interesting()
	if len(corpus) > 0 && g.rng.IntN(4) == 0 {
		base := corpus[g.rng.IntN(len(corpus))]
		if len(base) < maxLen {
			return g.Mutate(base)
		}
		return slices.Clone(base)
	}
	return g.Sequence(maxLen)
}

// GenerateModel draws n sequences and keeps the non-empty ones satisfying
// the order rules of the grammar.
func (g *Generator) GenerateModel(n, maxLen int) [][]string {
	model := make([][]string, 0, n)
	for i := 0; i < n; i++ {
		seq := g.Sequence(maxLen)
		if len(seq) > 0 && g.grammar.Valid(seq) {
			model = append(model, seq)
		}
	}
	return model
}

// FormatFunctions renders seq as a functions file, one name per line.
func FormatFunctions(seq []string) []byte {
	if len(seq) == 0 {
		return nil
	}
	return []byte(strings.Join(seq, "\n") + "\n")
}

// WriteFunctionsFile atomically writes seq to path as a functions file.
func WriteFunctionsFile(path string, seq []string) error {
	if err := atomic.WriteFile(path, bytes.NewReader(FormatFunctions(seq))); err != nil {
		return fmt.Errorf("statemodel: write functions file %s: %w", path, err)
	}
	return nil
}

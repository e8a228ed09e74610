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

// Package compare checks that device targets answered the same replayed
// operation consistently.
//
// Responses are grouped by sequence number and operation. Each group is
// judged by the rule configured for its operation:
//
//	type    every target returned the same status
//	format  same status and same output length
//	value   same status and identical output bytes
package compare

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"slices"

	"github.com/natefinch/atomic"
	"gopkg.in/yaml.v3"

	"github.com/jeremyhahn/go-keyfuzz/internal/harness"
	"github.com/jeremyhahn/go-keyfuzz/pkg/metrics"
)

// Rule names a comparison strategy.
type Rule string

const (
	RuleType   Rule = "type"
	RuleFormat Rule = "format"
	RuleValue  Rule = "value"
)

// ComparisonUnknownRule is reported for operations whose rule is not one
// of the known rules.
const ComparisonUnknownRule = "unknown rule"

// ErrUnknownRule is returned by Rules.Validate.
var ErrUnknownRule = errors.New("compare: unknown rule")

// Rules maps operation names to the rule used to compare them.
// Operations without a rule are not compared.
type Rules map[string]Rule

// DefaultRules returns the rule set used when none is configured.
func DefaultRules() Rules {
	return Rules{
		"generate_key":            RuleFormat,
		"import_key":              RuleFormat,
		"import_wrapped_key":      RuleType,
		"begin_operation":         RuleType,
		"update_operation":        RuleType,
		"finish_operation":        RuleValue,
		"abort_operation":         RuleType,
		"delete_key":              RuleType,
		"delete_all_keys":         RuleType,
		"export_key":              RuleType,
		"get_hardware_info":       RuleFormat,
		"add_rng_entropy":         RuleFormat,
		"get_key_characteristics": RuleValue,
		"upgrade_key":             RuleFormat,
	}
}

// Known reports whether r is a rule Compare understands.
func (r Rule) Known() bool {
	return r == RuleType || r == RuleFormat || r == RuleValue
}

// Validate rejects unknown rule names.
func (rs Rules) Validate() error {
	for _, op := range slices.Sorted(maps.Keys(rs)) {
		if !rs[op].Known() {
			return fmt.Errorf("%w: %q for %s", ErrUnknownRule, rs[op], op)
		}
	}
	return nil
}

// LoadRules reads a YAML mapping of operation name to rule. Unknown rules
// are kept so Compare can report them.
func LoadRules(path string) (Rules, error) {
	// #nosec G304 - rules path is supplied by the operator
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("compare: read rules: %w", err)
	}
	var rules Rules
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return nil, fmt.Errorf("compare: parse rules: %w", err)
	}
	if rules == nil {
		rules = Rules{}
	}
	return rules, nil
}

// Observation is one target's answer within a compared group.
type Observation struct {
	Target    string `json:"target"`
	Status    string `json:"status"`
	OutputLen int    `json:"output_len"`
}

// Result is the verdict for one (sequence, operation) group.
type Result struct {
	Seq          int           `json:"seq"`
	Operation    string        `json:"operation"`
	Rule         Rule          `json:"rule"`
	Comparison   string        `json:"comparison"`
	Consistent   bool          `json:"consistent"`
	Observations []Observation `json:"observations"`
}

// Report holds every result of one comparison pass.
type Report struct {
	Results   []Result `json:"results"`
	Compared  int      `json:"compared"`
	Divergent int      `json:"divergent"`
	Skipped   int      `json:"skipped"`
}

// Divergences returns the inconsistent results.
func (r *Report) Divergences() []Result {
	var out []Result
	for _, res := range r.Results {
		if !res.Consistent {
			out = append(out, res)
		}
	}
	return out
}

// DivergentOperations returns the distinct operations that diverged, in
// first-seen order.
func (r *Report) DivergentOperations() []string {
	var ops []string
	for _, res := range r.Divergences() {
		if !slices.Contains(ops, res.Operation) {
			ops = append(ops, res.Operation)
		}
	}
	return ops
}

type groupKey struct {
	seq int
	op  string
}

// Compare judges responses by rules. Groups are reported in sequence order.
// A group with a single response is trivially consistent.
func Compare(responses []harness.Response, rules Rules) *Report {
	groups := make(map[groupKey][]harness.Response)
	var order []groupKey
	for _, r := range responses {
		k := groupKey{r.Seq, r.Operation}
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], r)
	}
	slices.SortStableFunc(order, func(a, b groupKey) int { return a.seq - b.seq })

	report := &Report{}
	for _, k := range order {
		rule, ok := rules[k.op]
		if !ok {
			report.Skipped++
			continue
		}
		res := judge(k, rule, groups[k])
		report.Compared++
		if !res.Consistent {
			report.Divergent++
			metrics.RecordDivergence(res.Operation)
		}
		report.Results = append(report.Results, res)
	}
	return report
}

func judge(k groupKey, rule Rule, group []harness.Response) Result {
	res := Result{
		Seq:          k.seq,
		Operation:    k.op,
		Rule:         rule,
		Comparison:   string(rule),
		Consistent:   true,
		Observations: make([]Observation, len(group)),
	}
	for i, r := range group {
		res.Observations[i] = Observation{Target: r.Target, Status: r.StatusName, OutputLen: len(r.Output)}
	}
	if !rule.Known() {
		res.Comparison = ComparisonUnknownRule
		return res
	}

	first := group[0]
	for _, r := range group[1:] {
		if r.Status != first.Status {
			res.Consistent = false
			return res
		}
		if rule == RuleType {
			continue
		}
		if len(r.Output) != len(first.Output) {
			res.Consistent = false
			return res
		}
		if rule == RuleValue && !bytes.Equal(r.Output, first.Output) {
			res.Consistent = false
			return res
		}
	}
	return res
}

// WriteFile atomically writes the report as indented JSON.
func (r *Report) WriteFile(path string) error {
	data, err := json.MarshalIndent(r, "", "    ")
	if err != nil {
		return fmt.Errorf("compare: encode report: %w", err)
	}
	data = append(data, '\n')
	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("compare: write report %s: %w", path, err)
	}
	return nil
}

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
	"errors"
	"fmt"
	"slices"
	"strings"
)

// RuleSeparator joins the two operations of an order rule in text form.
const RuleSeparator = "-->"

// ErrInvalidRule is returned by ParseOrderRule.
var ErrInvalidRule = errors.New("statemodel: invalid order rule")

// OrderRule requires Before to occur before any occurrence of After.
type OrderRule struct {
	Before string
	After  string
}

// ParseOrderRule parses the "before-->after" text form.
func ParseOrderRule(s string) (OrderRule, error) {
	before, after, ok := strings.Cut(strings.TrimSpace(s), RuleSeparator)
	before, after = strings.TrimSpace(before), strings.TrimSpace(after)
	if !ok || before == "" || after == "" {
		return OrderRule{}, fmt.Errorf("%w: %q", ErrInvalidRule, s)
	}
	return OrderRule{Before: before, After: after}, nil
}

func (r OrderRule) String() string {
	return r.Before + RuleSeparator + r.After
}

// Allows reports whether seq satisfies the rule. A sequence without After
// always does; otherwise Before must appear ahead of the first After.
func (r OrderRule) Allows(seq []string) bool {
	after := slices.Index(seq, r.After)
	if after < 0 {
		return true
	}
	before := slices.Index(seq, r.Before)
	return before >= 0 && before < after
}

// Signature lists the session resources an operation produces and consumes,
// such as a key blob or an operation handle.
type Signature struct {
	Name     string
	Produces []string
	Consumes []string
}

// DeriveOrderRules returns f-->g for every pair where f produces a resource
// g consumes. An operation is never its own prerequisite. Rules follow the
// order of sigs and contain no duplicates.
func DeriveOrderRules(sigs []Signature) []OrderRule {
	var rules []OrderRule
	for _, g := range sigs {
		for _, f := range sigs {
			if f.Name == g.Name {
				continue
			}
			for _, res := range f.Produces {
				if !slices.Contains(g.Consumes, res) {
					continue
				}
				r := OrderRule{Before: f.Name, After: g.Name}
				if !slices.Contains(rules, r) {
					rules = append(rules, r)
				}
			}
		}
	}
	return rules
}

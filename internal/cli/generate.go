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
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/jeremyhahn/go-keyfuzz/internal/config"
	"github.com/jeremyhahn/go-keyfuzz/internal/harness"
	"github.com/jeremyhahn/go-keyfuzz/internal/statemodel"
)

// generatorFlags are shared by generate and campaign.
type generatorFlags struct {
	maxLength   int
	maxCalls    int
	seed        int64
	rules       []string
	grammarPath string
	operations  []string
	deriveRules bool
}

func (gf *generatorFlags) register(cmd *cobra.Command) {
	f := cmd.Flags()
	f.IntVar(&gf.maxLength, "max-length", 0, "Maximum sequence length (default from config)")
	f.IntVar(&gf.maxCalls, "max-calls", 0, "Maximum uses of one operation per sequence (default from config)")
	f.Int64Var(&gf.seed, "seed", 0, "Generator seed (default from config)")
	f.StringArrayVar(&gf.rules, "rule", nil, "Order rule before-->after (repeatable)")
	f.StringVar(&gf.grammarPath, "grammar", "", "Grammar file (default from config)")
	f.StringSliceVar(&gf.operations, "operations", nil, "Operation vocabulary (default: every operation)")
	f.BoolVar(&gf.deriveRules, "derive-rules", true, "Seed order rules from what each operation produces and consumes")
}

// apply overlays the flags that were set onto cfg.Campaign.
func (gf *generatorFlags) apply(cmd *cobra.Command, cfg *config.Config) {
	if gf.maxLength > 0 {
		cfg.Campaign.MaxSequenceLength = gf.maxLength
	}
	if gf.maxCalls > 0 {
		cfg.Campaign.MaxCallsPerOperation = gf.maxCalls
	}
	if cmd.Flags().Changed("seed") {
		cfg.Campaign.Seed = gf.seed
	}
	if gf.grammarPath != "" {
		cfg.Campaign.GrammarPath = gf.grammarPath
	}
	if cmd.Flags().Changed("derive-rules") {
		cfg.Campaign.DeriveRules = gf.deriveRules
	}
}

var (
	generateCount int
	generateFlags generatorFlags
)

// generateCmd writes generated functions files
var generateCmd = &cobra.Command{
	Use:   "generate <output_dir>",
	Short: "Generate functions files from the state model",
	Long: `Generate draws operation sequences and writes each one that satisfies the
order rules as <output_dir>/model-NNNN.functions. Rules take the form
before-->after and reject any sequence where after appears before the
first before; rules sharing an after are alternatives. Unless
--derive-rules=false, rules are also derived from the vocabulary: an
operation that consumes a key blob or operation handle must follow one
that produces it. A grammar file from a previous campaign steers
generation away from disallowed transitions.`,
	Args: cobra.ExactArgs(1),
	RunE: runGenerate,
}

func init() {
	generateCmd.Flags().IntVar(&generateCount, "count", 10, "Number of sequences to draw")
	generateFlags.register(generateCmd)
}

func runGenerate(cmd *cobra.Command, args []string) error {
	printer, err := newPrinter(cmd.OutOrStdout())
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if generateCount < 1 {
		return fmt.Errorf("%w: --count must be positive", config.ErrInvalidConfig)
	}

	generateFlags.apply(cmd, cfg)
	gen, err := newGenerator(cfg, generateFlags.rules, generateFlags.operations)
	if err != nil {
		return err
	}

	dir := args[0]
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	model := gen.GenerateModel(generateCount, cfg.Campaign.MaxSequenceLength)
	paths := make([]string, 0, len(model))
	for i, seq := range model {
		path := filepath.Join(dir, fmt.Sprintf("model-%04d.functions", i))
		if err := statemodel.WriteFunctionsFile(path, seq); err != nil {
			return err
		}
		paths = append(paths, path)
	}
	return printer.PrintFiles(paths)
}

// newGenerator builds a generator from cfg.Campaign, loading the grammar
// at GrammarPath when set and adding the order rules in rules and, when
// DeriveRules is set, the rules derived from the vocabulary.
func newGenerator(cfg *config.Config, rules, ops []string) (*statemodel.Generator, error) {
	grammar := statemodel.NewGrammar(cfg.Campaign.StalenessThreshold)
	if cfg.Campaign.GrammarPath != "" {
		g, err := statemodel.LoadGrammar(cfg.Campaign.GrammarPath, cfg.Campaign.StalenessThreshold)
		if err != nil {
			return nil, err
		}
		grammar = g
	}
	for _, s := range rules {
		r, err := statemodel.ParseOrderRule(s)
		if err != nil {
			return nil, err
		}
		grammar.AddRule(r)
	}

	if len(ops) == 0 {
		ops = harness.Operations()
	}
	sigs := make([]statemodel.Signature, 0, len(ops))
	for _, name := range ops {
		op, ok := harness.Lookup(name)
		if !ok {
			return nil, fmt.Errorf("%w: unknown operation %q", config.ErrInvalidConfig, name)
		}
		sigs = append(sigs, op.Signature())
	}
	if cfg.Campaign.DeriveRules {
		for _, r := range statemodel.DeriveOrderRules(sigs) {
			grammar.AddRule(r)
		}
	}

	return statemodel.NewGenerator(statemodel.GeneratorConfig{
		Operations:           ops,
		MaxCallsPerOperation: cfg.Campaign.MaxCallsPerOperation,
		Seed:                 cfg.Campaign.Seed,
		Grammar:              grammar,
	})
}

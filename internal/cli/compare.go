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
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jeremyhahn/go-keyfuzz/internal/compare"
	"github.com/jeremyhahn/go-keyfuzz/internal/harness"
)

var (
	compareRulesPath   string
	compareResultsPath string
	compareFail        bool
)

// ErrDivergent is returned by compare --fail when any group diverged.
var ErrDivergent = errors.New("targets diverged")

// compareCmd checks a recorded combined output for cross-target divergence
var compareCmd = &cobra.Command{
	Use:   "compare <combined_output>",
	Short: "Compare recorded responses across targets",
	Long: `Compare reads a combined output file written with --record and checks,
per dispatched operation, that every target answered consistently. The
rule for each operation is one of type (same status), format (same status
and output length) or value (same status and output bytes).`,
	Args: cobra.ExactArgs(1),
	RunE: runCompare,
}

func init() {
	compareCmd.Flags().StringVar(&compareRulesPath, "rules", "", "YAML file mapping operation names to rules")
	compareCmd.Flags().StringVar(&compareResultsPath, "results", "", "Write the full report as JSON to this file")
	compareCmd.Flags().BoolVar(&compareFail, "fail", false, "Exit non-zero when any operation diverged")
}

func runCompare(cmd *cobra.Command, args []string) error {
	printer, err := newPrinter(cmd.OutOrStdout())
	if err != nil {
		return err
	}
	rules := compare.DefaultRules()
	if compareRulesPath != "" {
		if rules, err = compare.LoadRules(compareRulesPath); err != nil {
			return err
		}
	}

	// #nosec G304 - Combined output path is provided by the operator
	f, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("failed to open combined output: %w", err)
	}
	defer f.Close()
	responses, err := harness.ReadResponses(f)
	if err != nil {
		return err
	}

	report := compare.Compare(responses, rules)
	if compareResultsPath != "" {
		if err := report.WriteFile(compareResultsPath); err != nil {
			return err
		}
	}
	if err := printer.PrintReport(report); err != nil {
		return err
	}
	if compareFail && report.Divergent > 0 {
		return fmt.Errorf("%w: %d operation(s)", ErrDivergent, report.Divergent)
	}
	return nil
}

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
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jeremyhahn/go-keyfuzz/internal/campaign"
	"github.com/jeremyhahn/go-keyfuzz/internal/compare"
	"github.com/jeremyhahn/go-keyfuzz/internal/harness"
)

var (
	campaignIterations  int
	campaignPayloadSize int
	campaignRulesPath   string
	campaignResultsPath string
	campaignArtifactDir string
	campaignFlags       generatorFlags
)

// campaignCmd runs the generate, replay and compare loop in process
var campaignCmd = &cobra.Command{
	Use:   "campaign",
	Short: "Run a differential fuzzing campaign across the targets",
	Long: `Campaign repeatedly draws an operation sequence and a random input,
replays both against fresh targets and compares the recorded responses.
Sequences that make the targets diverge are kept and mutated in later
rounds. Transitions that keep producing consistent results are disallowed
once they exceed the staleness threshold. The grammar is saved when
--grammar (or campaign.grammar_path) is set.`,
	Args: cobra.NoArgs,
	RunE: runCampaign,
}

func init() {
	f := campaignCmd.Flags()
	f.IntVar(&campaignIterations, "iterations", 0, "Rounds to run (default from config)")
	f.IntVar(&campaignPayloadSize, "payload-size", 0, "Random input size in bytes (default from config)")
	f.StringVar(&campaignRulesPath, "rules", "", "YAML file mapping operation names to comparison rules")
	f.StringVar(&campaignResultsPath, "summary", "", "Write the campaign summary as JSON to this file")
	f.StringVar(&campaignArtifactDir, "artifacts", "", "Directory for the files of divergent rounds")
	campaignFlags.register(campaignCmd)
}

func runCampaign(cmd *cobra.Command, args []string) error {
	printer, err := newPrinter(cmd.OutOrStdout())
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	campaignFlags.apply(cmd, cfg)
	if campaignIterations > 0 {
		cfg.Campaign.Iterations = campaignIterations
	}
	if campaignPayloadSize > 0 {
		cfg.Campaign.PayloadSize = campaignPayloadSize
	}
	if campaignRulesPath != "" {
		cfg.Campaign.RulesPath = campaignRulesPath
	}
	if campaignResultsPath != "" {
		cfg.Campaign.ResultsPath = campaignResultsPath
	}

	logger, err := newLogger(cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	rules := compare.DefaultRules()
	if cfg.Campaign.RulesPath != "" {
		if rules, err = compare.LoadRules(cfg.Campaign.RulesPath); err != nil {
			return err
		}
	}
	limiter, err := newLimiter(cfg)
	if err != nil {
		return err
	}
	gen, err := newGenerator(cfg, campaignFlags.rules, campaignFlags.operations)
	if err != nil {
		return err
	}

	c, err := campaign.New(campaign.Config{
		Iterations:        cfg.Campaign.Iterations,
		PayloadSize:       cfg.Campaign.PayloadSize,
		MaxSequenceLength: cfg.Campaign.MaxSequenceLength,
		Seed:              cfg.Campaign.Seed,
		Rules:             rules,
		ArtifactDir:       campaignArtifactDir,
		Targets: func() ([]*harness.Target, error) {
			return harness.NewTargets(cfg, logger)
		},
		Logger:  logger,
		Limiter: limiter,
	}, gen)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	stopMetrics, err := startMetrics(ctx, cfg.Metrics.Listen, logger, nil)
	if err != nil {
		return err
	}
	defer stopMetrics()

	sum, err := c.Run(ctx)
	if err != nil {
		return err
	}
	if cfg.Campaign.GrammarPath != "" {
		if err := gen.Grammar().Save(cfg.Campaign.GrammarPath); err != nil {
			return err
		}
		logger.Info("Grammar saved", "path", cfg.Campaign.GrammarPath)
	}
	if cfg.Campaign.ResultsPath != "" {
		if err := campaign.WriteSummary(cfg.Campaign.ResultsPath, sum); err != nil {
			return err
		}
	}
	if err := printer.PrintCampaign(sum); err != nil {
		return fmt.Errorf("failed to print summary: %w", err)
	}
	return nil
}

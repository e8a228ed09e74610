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

// Package cli implements the keyfuzz command tree.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jeremyhahn/go-keyfuzz/internal/config"
	"github.com/jeremyhahn/go-keyfuzz/internal/harness"
	"github.com/jeremyhahn/go-keyfuzz/pkg/correlation"
	"github.com/jeremyhahn/go-keyfuzz/pkg/health"
	"github.com/jeremyhahn/go-keyfuzz/pkg/logging"
	"github.com/jeremyhahn/go-keyfuzz/pkg/metrics"
	"github.com/jeremyhahn/go-keyfuzz/pkg/ratelimit"
)

const (
	envPrefix = "KEYFUZZ"

	collectorInterval = 15 * time.Second
	shutdownTimeout   = 5 * time.Second
)

// ErrUsage is returned when the root command gets the wrong arguments.
var ErrUsage = errors.New("usage: keyfuzz <functions_file_path> <input_file_path>")

// v resolves flag values, falling back to KEYFUZZ_* environment variables.
var v = viper.New()

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "keyfuzz <functions_file_path> <input_file_path>",
	Short: "Replay keymaster operation sequences against device targets",
	Long: `keyfuzz reads a functions file (one operation name per line) and an
input file (arbitrary bytes), then dispatches every named operation, in
order, against each configured device target. Operation failures are
logged and the run continues. The combined output file is written when
the replay finishes.`,
	Args:          replayArgs,
	RunE:          runRoot,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags
// appropriately. Errors are printed to stderr before being returned.
func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		_ = NewPrinter(printFormat(), rootCmd.ErrOrStderr()).PrintError(err)
	}
	return err
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.String("config", "", "Path to a YAML configuration file")
	pf.String("format", string(OutputFormatText), "Result format (text, json, table)")
	pf.String("log-level", "", "Log level (debug, info, warn, error)")
	pf.String("log-format", "", "Log format (text, json)")
	pf.String("targets", strings.Join(config.Default().TargetNames(), ","), "Comma-separated device targets")
	pf.Float64("rate", 0, "Dispatches per second per target (0 = unlimited)")
	pf.String("metrics-listen", "", "Serve Prometheus metrics on this address")

	f := rootCmd.Flags()
	f.String("output", config.DefaultOutputPath, "Combined output file")
	f.Bool("record", false, "Record every response in the combined output file")

	_ = v.BindPFlags(pf)
	_ = v.BindPFlags(f)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(opsCmd)
	rootCmd.AddCommand(compareCmd)
	rootCmd.AddCommand(generateCmd)
	rootCmd.AddCommand(campaignCmd)
}

func replayArgs(cmd *cobra.Command, args []string) error {
	if len(args) != 2 {
		return ErrUsage
	}
	return nil
}

func runRoot(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	_, err = runReplay(ctx, cfg, args[0], args[1], cmd.ErrOrStderr())
	return err
}

// runReplay loads both input files, replays the functions file against
// every configured target and writes the combined output. Every error it
// returns happens either before the first device call or while writing
// the output; operation failures only reach the log.
func runReplay(ctx context.Context, cfg *config.Config, functionsPath, inputPath string, stderr io.Writer) (harness.Summary, error) {
	logger, err := newLogger(cfg, stderr)
	if err != nil {
		return harness.Summary{}, err
	}
	ctx, runID := correlation.EnsureRunID(ctx)
	logger = logger.With("run_id", runID)

	names, err := harness.LoadCommands(functionsPath)
	if err != nil {
		return harness.Summary{}, err
	}
	payload, err := harness.LoadPayload(inputPath)
	if err != nil {
		return harness.Summary{}, err
	}
	if err := ensureWritable(cfg.Output.Path); err != nil {
		return harness.Summary{}, err
	}

	limiter, err := newLimiter(cfg)
	if err != nil {
		return harness.Summary{}, err
	}
	checker := health.NewChecker()
	stopMetrics, err := startMetrics(ctx, cfg.Metrics.Listen, logger, checker)
	if err != nil {
		return harness.Summary{}, err
	}
	defer stopMetrics()

	targets, err := harness.NewTargets(cfg, logger)
	if err != nil {
		return harness.Summary{}, err
	}
	defer func() {
		for _, t := range targets {
			checker.UnregisterCheck(t.Name)
		}
		if err := harness.CloseTargets(targets); err != nil {
			logger.Warn("Closing targets failed", "error", err)
		}
	}()
	for _, t := range targets {
		checker.RegisterCheck(t.Name, t.Check)
	}

	rec := harness.NewRecorder(cfg.Output.Record)
	driver, err := harness.NewDriver(targets, harness.Options{
		Logger:   logger,
		Limiter:  limiter,
		Recorder: rec,
	})
	if err != nil {
		return harness.Summary{}, err
	}

	sum := driver.Run(ctx, names, payload)
	if err := rec.WriteFile(cfg.Output.Path); err != nil {
		return sum, err
	}
	logger.Info("Replay finished",
		"dispatched", sum.Dispatched,
		"failed", sum.Failed,
		"unknown", sum.Unknown,
		"cancelled", sum.Cancelled,
		"output", cfg.Output.Path)
	return sum, nil
}

// loadConfig reads --config (or KEYFUZZ_CONFIG) and layers flags and
// environment variables over it.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(v.GetString("config"))
	if err != nil {
		return nil, err
	}
	applyFlags(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyFlags copies every explicitly set flag or environment variable
// into cfg.
func applyFlags(cfg *config.Config) {
	if v.IsSet("log-level") {
		cfg.Logging.Level = v.GetString("log-level")
	}
	if v.IsSet("log-format") {
		cfg.Logging.Format = v.GetString("log-format")
	}
	if v.IsSet("output") {
		cfg.Output.Path = v.GetString("output")
	}
	if v.IsSet("record") {
		cfg.Output.Record = v.GetBool("record")
	}
	if v.IsSet("targets") {
		cfg.SetTargets(strings.Split(v.GetString("targets"), ","))
	}
	if v.IsSet("rate") {
		cfg.RateLimit.PerSecond = v.GetFloat64("rate")
	}
	if v.IsSet("metrics-listen") {
		cfg.Metrics.Listen = v.GetString("metrics-listen")
	}
}

func newLogger(cfg *config.Config, w io.Writer) (*logging.Logger, error) {
	return logging.New(logging.Options{
		Level:  cfg.Logging.Level,
		Format: logging.Format(strings.ToLower(cfg.Logging.Format)),
		Writer: w,
	})
}

func newLimiter(cfg *config.Config) (*ratelimit.Limiter, error) {
	return ratelimit.New(&ratelimit.Config{
		PerSecond: cfg.RateLimit.PerSecond,
		Burst:     cfg.RateLimit.Burst,
	})
}

// ensureWritable creates or truncates path so an uncreatable output file
// is reported before any device call.
func ensureWritable(path string) error {
	// #nosec G304 - Output path is provided by the operator
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create output file %s: %w", path, err)
	}
	return f.Close()
}

// startMetrics serves Prometheus metrics and checker on listen until the
// returned stop function is called. An empty listen address is a no-op.
func startMetrics(ctx context.Context, listen string, logger *logging.Logger, checker *health.Checker) (func(), error) {
	if listen == "" {
		return func() {}, nil
	}
	srv, err := metrics.Serve(listen, logger, checker)
	if err != nil {
		return nil, err
	}
	collectCtx, cancel := context.WithCancel(ctx)
	collector := metrics.StartResourceCollector(collectCtx, collectorInterval)
	return func() {
		cancel()
		collector.Wait()
		shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
		defer done()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Metrics server shutdown failed", "error", err)
		}
	}, nil
}

// printFormat returns the --format value, falling back to text when it
// is not a known format.
func printFormat() string {
	format := v.GetString("format")
	if !validFormat(format) {
		return string(OutputFormatText)
	}
	return format
}

// newPrinter validates --format and returns a Printer writing to w.
func newPrinter(w io.Writer) (*Printer, error) {
	format := v.GetString("format")
	if !validFormat(format) {
		return nil, fmt.Errorf("unknown output format: %s", format)
	}
	return NewPrinter(format, w), nil
}

// diagnostic returns the one-line message for input file failures.
func diagnostic(err error) (string, bool) {
	var loadErr *harness.LoadError
	if errors.As(err, &loadErr) {
		return loadErr.Diagnostic(), true
	}
	return "", false
}

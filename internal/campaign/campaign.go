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

// Package campaign runs the fuzzing loop in process: generate a sequence,
// draw a payload, replay it against fresh targets, compare the responses
// and feed the verdict back into the grammar.
package campaign

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"

	"github.com/natefinch/atomic"

	"github.com/jeremyhahn/go-keyfuzz/internal/compare"
	"github.com/jeremyhahn/go-keyfuzz/internal/harness"
	"github.com/jeremyhahn/go-keyfuzz/internal/statemodel"
	"github.com/jeremyhahn/go-keyfuzz/pkg/correlation"
	"github.com/jeremyhahn/go-keyfuzz/pkg/logging"
	"github.com/jeremyhahn/go-keyfuzz/pkg/metrics"
	"github.com/jeremyhahn/go-keyfuzz/pkg/ratelimit"
)

var (
	// ErrInvalidConfig is returned by New.
	ErrInvalidConfig = errors.New("campaign: invalid config")
)

// TargetFactory builds the targets for one round. Every round gets fresh
// devices so rounds do not share key state.
type TargetFactory func() ([]*harness.Target, error)

// Config configures a Campaign.
type Config struct {
	Iterations        int
	PayloadSize       int
	MaxSequenceLength int
	Seed              int64

	// Rules judge each round. DefaultRules when nil.
	Rules compare.Rules

	// ArtifactDir receives the functions file, input file and comparison
	// report of every divergent round. Nothing is written when empty.
	ArtifactDir string

	Targets TargetFactory
	Logger  *logging.Logger
	Limiter *ratelimit.Limiter
}

// Round describes one iteration.
type Round struct {
	Index               int                     `json:"index"`
	Sequence            []string                `json:"sequence"`
	PayloadSize         int                     `json:"payload_size"`
	Compared            int                     `json:"compared"`
	Divergent           int                     `json:"divergent"`
	DivergentOperations []string                `json:"divergent_operations,omitempty"`
	Promoted            []statemodel.Transition `json:"promoted,omitempty"`
}

// Summary describes a finished campaign.
type Summary struct {
	RunID           string  `json:"run_id"`
	Rounds          int     `json:"rounds"`
	DivergentRounds []Round `json:"divergent_rounds"`
	Disallowed      int     `json:"disallowed_transitions"`
	Interesting     int     `json:"interesting_sequences"`
	Cancelled       bool    `json:"cancelled"`
}

// Campaign couples a generator with replay and comparison.
type Campaign struct {
	cfg Config
	gen *statemodel.Generator
	rng *rand.Rand
}

// New validates cfg and returns a campaign drawing sequences from gen.
func New(cfg Config, gen *statemodel.Generator) (*Campaign, error) {
	switch {
	case gen == nil:
		return nil, fmt.Errorf("%w: generator is required", ErrInvalidConfig)
	case cfg.Targets == nil:
		return nil, fmt.Errorf("%w: target factory is required", ErrInvalidConfig)
	case cfg.Iterations < 1:
		return nil, fmt.Errorf("%w: iterations must be positive", ErrInvalidConfig)
	case cfg.PayloadSize < 1:
		return nil, fmt.Errorf("%w: payload size must be positive", ErrInvalidConfig)
	case cfg.MaxSequenceLength < 1:
		return nil, fmt.Errorf("%w: max sequence length must be positive", ErrInvalidConfig)
	}
	if cfg.Rules == nil {
		cfg.Rules = compare.DefaultRules()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	seed := uint64(cfg.Seed)
	return &Campaign{
		cfg: cfg,
		gen: gen,
		rng: rand.New(rand.NewPCG(seed^0x5deece66d, seed)),
	}, nil
}

// Run executes the configured iterations. It returns early, with
// Summary.Cancelled set, when ctx is done.
func (c *Campaign) Run(ctx context.Context) (*Summary, error) {
	ctx, runID := correlation.EnsureRunID(ctx)
	sum := &Summary{RunID: runID}
	logger := c.cfg.Logger.With("run_id", sum.RunID)
	grammar := c.gen.Grammar()

	if c.cfg.ArtifactDir != "" {
		if err := os.MkdirAll(c.cfg.ArtifactDir, 0o750); err != nil {
			return nil, fmt.Errorf("campaign: artifact dir: %w", err)
		}
	}

	logger.Info("Starting campaign", "iterations", c.cfg.Iterations, "seed", c.cfg.Seed)
	for i := 0; i < c.cfg.Iterations; i++ {
		if ctx.Err() != nil {
			sum.Cancelled = true
			break
		}
		round, report, payload, cancelled, err := c.round(ctx, i, logger)
		if err != nil {
			return nil, err
		}
		if cancelled {
			sum.Cancelled = true
			break
		}
		sum.Rounds++
		if round.Divergent > 0 {
			sum.DivergentRounds = append(sum.DivergentRounds, round)
			logger.Info("Divergent round", "round", i, "operations", round.DivergentOperations)
			if err := c.saveArtifacts(round, report, payload); err != nil {
				return nil, err
			}
		}
	}

	sum.Disallowed = len(grammar.Disallowed())
	sum.Interesting = len(grammar.Interesting())
	logger.Info("Campaign finished", "rounds", sum.Rounds, "divergent", len(sum.DivergentRounds),
		"disallowed", sum.Disallowed, "cancelled", sum.Cancelled)
	return sum, nil
}

func (c *Campaign) round(ctx context.Context, index int, logger *logging.Logger) (Round, *compare.Report, []byte, bool, error) {
	seq := c.gen.Next(c.cfg.MaxSequenceLength)
	payload := c.payload()

	targets, err := c.cfg.Targets()
	if err != nil {
		return Round{}, nil, nil, false, fmt.Errorf("campaign: round %d targets: %w", index, err)
	}
	defer func() {
		if err := harness.CloseTargets(targets); err != nil {
			logger.Warn("Closing targets failed", "round", index, "error", err)
		}
	}()

	rec := harness.NewRecorder(true)
	driver, err := harness.NewDriver(targets, harness.Options{
		Logger:   logger.With("round", index),
		Limiter:  c.cfg.Limiter,
		Recorder: rec,
	})
	if err != nil {
		return Round{}, nil, nil, false, err
	}
	if run := driver.Run(ctx, seq, payload); run.Cancelled {
		return Round{}, nil, nil, true, nil
	}

	report := compare.Compare(rec.Responses(), c.cfg.Rules)
	promoted := c.gen.Grammar().Observe(seq, report.Divergent > 0)
	metrics.SetDisallowedTransitions(len(c.gen.Grammar().Disallowed()))
	for _, t := range promoted {
		logger.Debug("Transition disallowed", "from", t.From, "to", t.To)
	}

	return Round{
		Index:               index,
		Sequence:            seq,
		PayloadSize:         len(payload),
		Compared:            report.Compared,
		Divergent:           report.Divergent,
		DivergentOperations: report.DivergentOperations(),
		Promoted:            promoted,
	}, report, payload, false, nil
}

// payload draws PayloadSize bytes from the campaign's seeded source.
func (c *Campaign) payload() []byte {
	buf := make([]byte, 0, c.cfg.PayloadSize+8)
	for len(buf) < c.cfg.PayloadSize {
		buf = binary.LittleEndian.AppendUint64(buf, c.rng.Uint64())
	}
	return buf[:c.cfg.PayloadSize]
}

// saveArtifacts writes what is needed to replay a divergent round with
// the root command.
func (c *Campaign) saveArtifacts(round Round, report *compare.Report, payload []byte) error {
	if c.cfg.ArtifactDir == "" {
		return nil
	}
	base := filepath.Join(c.cfg.ArtifactDir, fmt.Sprintf("round-%05d", round.Index))
	if err := statemodel.WriteFunctionsFile(base+".functions", round.Sequence); err != nil {
		return err
	}
	if err := atomic.WriteFile(base+".input", bytes.NewReader(payload)); err != nil {
		return fmt.Errorf("campaign: write input: %w", err)
	}
	return report.WriteFile(base + ".json")
}

// WriteSummary atomically writes sum to path as indented JSON.
func WriteSummary(path string, sum *Summary) error {
	data, err := json.MarshalIndent(sum, "", "    ")
	if err != nil {
		return fmt.Errorf("campaign: encode summary: %w", err)
	}
	data = append(data, '\n')
	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("campaign: write summary %s: %w", path, err)
	}
	return nil
}

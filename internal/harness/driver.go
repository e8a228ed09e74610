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

// Package harness replays a list of named keymaster operations against
// several device targets using one fuzz buffer.
//
// Each name is dispatched to every target in order, first target first.
// Per-target state lives in an explicit Session, so a key generated by one
// operation is what the next key-consuming operation on that target uses.
// Operation failures are logged and the run continues.
package harness

import (
	"context"
	"errors"
	"time"

	"github.com/jeremyhahn/go-keyfuzz/pkg/keymaster"
	"github.com/jeremyhahn/go-keyfuzz/pkg/logging"
	"github.com/jeremyhahn/go-keyfuzz/pkg/metrics"
	"github.com/jeremyhahn/go-keyfuzz/pkg/ratelimit"
	"github.com/jeremyhahn/go-keyfuzz/pkg/validation"
)

// ErrNoTargets is returned by NewDriver when no target is given.
var ErrNoTargets = errors.New("harness: at least one target is required")

// Options configures a Driver. Every field is optional.
type Options struct {
	Logger   *logging.Logger
	Limiter  *ratelimit.Limiter
	Recorder *Recorder
}

// Summary describes a finished run.
type Summary struct {
	// Dispatched counts (name, target) device invocations.
	Dispatched int
	// Failed counts invocations that returned a non-OK status.
	Failed int
	// Unknown counts names with no action, once per target.
	Unknown int
	// Cancelled is set when ctx ended the run early.
	Cancelled bool
}

// Driver runs functions files against a fixed set of targets.
type Driver struct {
	targets  []*Target
	logger   *logging.Logger
	limiter  *ratelimit.Limiter
	recorder *Recorder
}

// NewDriver returns a driver over targets. The driver does not own the
// targets; callers close them with CloseTargets.
func NewDriver(targets []*Target, opts Options) (*Driver, error) {
	if len(targets) == 0 {
		return nil, ErrNoTargets
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.Recorder == nil {
		opts.Recorder = NewRecorder(false)
	}
	return &Driver{
		targets:  targets,
		logger:   opts.Logger,
		limiter:  opts.Limiter,
		recorder: opts.Recorder,
	}, nil
}

// Targets returns the driver's targets in dispatch order.
func (d *Driver) Targets() []*Target {
	return d.targets
}

// Recorder returns the recorder responses are handed to.
func (d *Driver) Recorder() *Recorder {
	return d.recorder
}

// Run dispatches names in order against every target. It stops early only
// when ctx is done. Every session is released before Run returns, so the
// targets hold no device results afterwards.
func (d *Driver) Run(ctx context.Context, names []string, payload []byte) Summary {
	var sum Summary
	defer func() {
		for _, t := range d.targets {
			t.Session.Release(t.Device)
		}
		if sum.Cancelled {
			metrics.RecordRun(metrics.ResultCancelled)
		} else {
			metrics.RecordRun(metrics.ResultCompleted)
		}
	}()

	for seq, name := range names {
		if ctx.Err() != nil {
			sum.Cancelled = true
			d.logger.Warn("Run cancelled", "remaining", len(names)-seq)
			return sum
		}
		op, ok := Lookup(name)
		if !ok {
			for _, t := range d.targets {
				d.logger.Error("Unknown function: "+validation.SanitizeForLog(name), "target", t.Name)
				metrics.RecordUnknown()
				sum.Unknown++
			}
			continue
		}
		for _, t := range d.targets {
			if d.limiter != nil {
				if err := d.limiter.Wait(ctx, t.Name); err != nil {
					sum.Cancelled = true
					d.logger.Warn("Run cancelled", "remaining", len(names)-seq)
					return sum
				}
			}
			d.dispatch(seq, op, t, payload, &sum)
		}
	}
	return sum
}

func (d *Driver) dispatch(seq int, op Operation, t *Target, payload []byte, sum *Summary) {
	start := time.Now()
	out, err := op.Action(t.Device, &t.Session, payload)
	elapsed := time.Since(start)

	code := keymaster.Code(err)
	sum.Dispatched++
	metrics.RecordDispatch(op.Name, t.Name, code.String(), elapsed.Seconds())

	if err != nil {
		sum.Failed++
		d.logger.Error(op.Failure, "target", t.Name, "code", int32(code), "status", code.String())
		d.logger.Debug("operation error", "operation", op.Name, "target", t.Name, "error", err)
	} else {
		d.logger.Debug("operation ok", "operation", op.Name, "target", t.Name,
			"output_len", len(out), "duration", elapsed)
	}

	d.recorder.Record(Response{
		Seq:        seq,
		Operation:  op.Name,
		Target:     t.Name,
		Status:     int32(code),
		StatusName: code.String(),
		Output:     out,
	})
}

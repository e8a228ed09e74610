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

package harness

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/jeremyhahn/go-keyfuzz/internal/config"
	"github.com/jeremyhahn/go-keyfuzz/pkg/health"
	"github.com/jeremyhahn/go-keyfuzz/pkg/keymaster"
	"github.com/jeremyhahn/go-keyfuzz/pkg/keymaster/software"
	"github.com/jeremyhahn/go-keyfuzz/pkg/keymaster/strongbox"
	"github.com/jeremyhahn/go-keyfuzz/pkg/logging"
	"github.com/jeremyhahn/go-keyfuzz/pkg/storage"
	"github.com/jeremyhahn/go-keyfuzz/pkg/storage/file"
	"github.com/jeremyhahn/go-keyfuzz/pkg/storage/memory"
)

// Target is one device under test together with its session state.
type Target struct {
	Name    string
	Device  keymaster.Device
	Session Session

	store storage.Backend
}

// NewTarget wraps an existing device. The target owns dev and closes it.
func NewTarget(name string, dev keymaster.Device) *Target {
	return &Target{Name: name, Device: dev}
}

// Outstanding reports unreleased device results, or -1 when the device
// cannot count them.
func (t *Target) Outstanding() int {
	if c, ok := t.Device.(keymaster.AllocationCounter); ok {
		return c.Outstanding()
	}
	return -1
}

// Check is a health.CheckFunc reporting whether the device still answers.
func (t *Target) Check(_ context.Context) health.CheckResult {
	info, err := t.Device.HardwareInfo()
	if err != nil {
		return health.CheckResult{Name: t.Name, Status: health.StatusUnhealthy, Error: err.Error()}
	}
	return health.CheckResult{Name: t.Name, Status: health.StatusHealthy, Message: info.SecurityLevel.String()}
}

// Close releases the session, then closes the device and its registry.
func (t *Target) Close() error {
	t.Session.Release(t.Device)
	err := t.Device.Close()
	if t.store != nil {
		err = errors.Join(err, t.store.Close())
	}
	return err
}

// NewTargets builds one target per configured entry, in order.
func NewTargets(cfg *config.Config, logger *logging.Logger) ([]*Target, error) {
	if logger == nil {
		logger = logging.Discard()
	}
	targets := make([]*Target, 0, len(cfg.Targets))
	for _, tc := range cfg.Targets {
		t, err := newTarget(tc, cfg.Storage, logger)
		if err != nil {
			_ = CloseTargets(targets)
			return nil, err
		}
		targets = append(targets, t)
	}
	return targets, nil
}

func newTarget(tc config.TargetConfig, sc config.StorageConfig, logger *logging.Logger) (*Target, error) {
	seed, err := tc.SeedBytes()
	if err != nil {
		return nil, err
	}

	var store storage.Backend
	switch sc.Backend {
	case config.StorageFile:
		fs, err := file.New(filepath.Join(sc.Path, tc.Name))
		if err != nil {
			return nil, fmt.Errorf("harness: target %s registry: %w", tc.Name, err)
		}
		store = fs
	default:
		store = memory.New()
	}

	swCfg := software.DefaultConfig()
	swCfg.Name = "keyfuzz " + tc.Name
	swCfg.Seed = seed
	swCfg.Storage = store
	swCfg.Logger = logger.With("target", tc.Name)
	if tc.MaxOperations > 0 {
		swCfg.MaxOperations = tc.MaxOperations
	}
	if tc.OSPatchlevel > 0 {
		swCfg.OSPatchlevel = tc.OSPatchlevel
	}
	if tc.ResolvedKind() == config.TargetKindSoftware {
		swCfg.SecurityLevel = keymaster.SecurityLevelSoftware
	}

	sw, err := software.New(swCfg)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("harness: target %s: %w", tc.Name, err)
	}

	var dev keymaster.Device = sw
	if tc.ResolvedKind() == config.TargetKindStrongBox {
		dev = strongbox.New(sw)
	}
	return &Target{Name: tc.Name, Device: dev, store: store}, nil
}

// CloseTargets closes every target and joins their errors.
func CloseTargets(targets []*Target) error {
	var errs []error
	for _, t := range targets {
		errs = append(errs, t.Close())
	}
	return errors.Join(errs...)
}

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
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-keyfuzz/internal/config"
	"github.com/jeremyhahn/go-keyfuzz/pkg/health"
	"github.com/jeremyhahn/go-keyfuzz/pkg/keymaster"
)

func TestNewTargets_Kinds(t *testing.T) {
	cfg := config.Default()
	cfg.SetTargets([]string{"software", "tee", "strongbox"})

	targets, err := NewTargets(cfg, nil)
	require.NoError(t, err)
	defer func() { require.NoError(t, CloseTargets(targets)) }()

	want := map[string]keymaster.SecurityLevel{
		"software":  keymaster.SecurityLevelSoftware,
		"tee":       keymaster.SecurityLevelTrustedEnvironment,
		"strongbox": keymaster.SecurityLevelStrongBox,
	}
	require.Len(t, targets, 3)
	for _, target := range targets {
		info, err := target.Device.HardwareInfo()
		require.NoError(t, err)
		assert.Equal(t, want[target.Name], info.SecurityLevel, target.Name)
		assert.Contains(t, info.Name, "keyfuzz "+target.Name)
		assert.Zero(t, target.Outstanding())
	}
}

func TestNewTargets_InvalidSeed(t *testing.T) {
	cfg := config.Default()
	cfg.Targets[0].Seed = "not-hex"

	_, err := NewTargets(cfg, nil)
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestNewTargets_FileStorage(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Storage = config.StorageConfig{Backend: config.StorageFile, Path: dir}

	targets, err := NewTargets(cfg, nil)
	require.NoError(t, err)

	driver, err := NewDriver(targets, Options{})
	require.NoError(t, err)
	sum := driver.Run(context.Background(), []string{"generate_key"}, []byte("x"))
	assert.Zero(t, sum.Failed)
	require.NoError(t, CloseTargets(targets))

	for _, name := range cfg.TargetNames() {
		info, err := os.Stat(filepath.Join(dir, name))
		require.NoError(t, err, name)
		assert.True(t, info.IsDir())
	}
}

func TestTarget_Check(t *testing.T) {
	targets, err := NewTargets(config.Default(), nil)
	require.NoError(t, err)

	checker := health.NewChecker()
	for _, target := range targets {
		checker.RegisterCheck(target.Name, target.Check)
	}
	results := checker.Ready(context.Background())
	assert.Equal(t, health.StatusHealthy, health.AggregateStatus(results))

	require.NoError(t, CloseTargets(targets))
	results = checker.Ready(context.Background())
	assert.Equal(t, health.StatusUnhealthy, health.AggregateStatus(results))
	for _, r := range results {
		assert.NotEmpty(t, r.Error, r.Name)
	}
}

func TestRecorder_RoundTrip(t *testing.T) {
	rec := NewRecorder(true)
	rec.Record(Response{Seq: 0, Operation: "generate_key", Target: "tee", StatusName: "OK", Output: []byte{1, 2}})
	rec.Record(Response{Seq: 0, Operation: "generate_key", Target: "strongbox", Status: -6, StatusName: "UNSUPPORTED_KEY_SIZE"})

	var buf bytes.Buffer
	_, err := rec.WriteTo(&buf)
	require.NoError(t, err)

	got, err := ReadResponses(&buf)
	require.NoError(t, err)
	assert.Equal(t, rec.Responses(), got)
	assert.True(t, got[0].OK())
	assert.False(t, got[1].OK())
}

func TestRecorder_Disabled(t *testing.T) {
	rec := NewRecorder(false)
	rec.Record(Response{Operation: "generate_key"})
	assert.Empty(t, rec.Responses())

	path := filepath.Join(t.TempDir(), "combined_output")
	require.NoError(t, rec.WriteFile(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Empty(t, data)
}

func TestReadResponses_Malformed(t *testing.T) {
	_, err := ReadResponses(bytes.NewBufferString("{\"seq\":0}\nnot json\n"))
	assert.ErrorContains(t, err, "line 2")
}

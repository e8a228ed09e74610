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

package software

import (
	"errors"
	"fmt"

	"github.com/jeremyhahn/go-keyfuzz/pkg/keymaster"
	"github.com/jeremyhahn/go-keyfuzz/pkg/logging"
	"github.com/jeremyhahn/go-keyfuzz/pkg/storage"
)

const (
	// DefaultMaxOperations is the operation table size of a TEE-class device.
	DefaultMaxOperations = 16

	// DefaultMaxUpdateInput bounds the bytes an operation may buffer.
	DefaultMaxUpdateInput = 64 * 1024

	// MaxEntropyInput is the largest AddRngEntropy payload accepted.
	MaxEntropyInput = 2048

	DefaultOSVersion    = 140000
	DefaultOSPatchlevel = 202510

	minSeedSize = 16
)

var (
	// ErrInvalidConfig is returned by Validate.
	ErrInvalidConfig = errors.New("software: invalid config")

	// ErrDeviceClosed is returned by every device call after Close.
	ErrDeviceClosed = fmt.Errorf("software: device closed: %w", keymaster.ErrorHardwareTypeUnavailable)
)

// Config contains configuration for a software keymaster.
type Config struct {
	// Name is reported by HardwareInfo.
	Name string

	// SecurityLevel decides whether key properties are reported as
	// hardware or software enforced.
	SecurityLevel keymaster.SecurityLevel

	// Seed derives the key-blob encryption key. Devices built from the same
	// seed and storage accept each other's blobs. A random seed is drawn
	// when empty.
	Seed []byte

	// Storage is the key registry. An in-memory registry owned by the
	// device is created when nil.
	Storage storage.Backend

	MaxOperations  int
	MaxUpdateInput int

	OSVersion    uint32
	OSPatchlevel uint32

	Logger *logging.Logger
}

// DefaultConfig returns the configuration of a TEE-class device.
func DefaultConfig() *Config {
	return &Config{
		Name:           "keyfuzz software keymaster",
		SecurityLevel:  keymaster.SecurityLevelTrustedEnvironment,
		MaxOperations:  DefaultMaxOperations,
		MaxUpdateInput: DefaultMaxUpdateInput,
		OSVersion:      DefaultOSVersion,
		OSPatchlevel:   DefaultOSPatchlevel,
	}
}

// Validate checks if the Config is valid.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("%w: config is nil", ErrInvalidConfig)
	}
	if c.MaxOperations < 0 {
		return fmt.Errorf("%w: max operations must not be negative", ErrInvalidConfig)
	}
	if c.MaxUpdateInput < 0 {
		return fmt.Errorf("%w: max update input must not be negative", ErrInvalidConfig)
	}
	if len(c.Seed) != 0 && len(c.Seed) < minSeedSize {
		return fmt.Errorf("%w: seed must be at least %d bytes", ErrInvalidConfig, minSeedSize)
	}
	if c.SecurityLevel > keymaster.SecurityLevelStrongBox {
		return fmt.Errorf("%w: security level %d", ErrInvalidConfig, c.SecurityLevel)
	}
	return nil
}

// withDefaults fills zero limits from DefaultConfig.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Name == "" {
		c.Name = def.Name
	}
	if c.MaxOperations == 0 {
		c.MaxOperations = def.MaxOperations
	}
	if c.MaxUpdateInput == 0 {
		c.MaxUpdateInput = def.MaxUpdateInput
	}
	if c.OSVersion == 0 {
		c.OSVersion = def.OSVersion
	}
	if c.OSPatchlevel == 0 {
		c.OSPatchlevel = def.OSPatchlevel
	}
	if c.Logger == nil {
		c.Logger = logging.Discard()
	}
	return c
}

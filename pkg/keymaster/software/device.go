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

// Package software implements keymaster.Device entirely in process.
//
// Key material never leaves the device in the clear: GenerateKey and the
// import calls return blobs sealed with AES-256-GCM under a key derived from
// the device seed. Each key also has a record in the registry storage, and a
// blob whose record is gone is rejected with INVALID_KEY_BLOB. That is what
// makes DeleteKey and DeleteAllKeys observable to later calls.
//
// The device tracks every blob, characteristics value and operation it hands
// out. Outstanding reports how many have not been released, which lets a
// harness assert it leaks nothing.
package software

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/hkdf"

	"github.com/jeremyhahn/go-keyfuzz/pkg/keymaster"
	"github.com/jeremyhahn/go-keyfuzz/pkg/storage"
	"github.com/jeremyhahn/go-keyfuzz/pkg/storage/memory"
)

// Device is a software keymaster.
//
// Thread-safe: Yes, every call holds the device mutex.
type Device struct {
	mu        sync.Mutex
	cfg       Config
	store     storage.Backend
	ownsStore bool
	blobKey   []byte

	entropy    [sha256.Size]byte
	mixed      bool
	rngCounter uint64

	ops      map[keymaster.OperationHandle]*operation
	keyBlobs map[*keymaster.KeyBlob]struct{}
	chars    map[*keymaster.KeyCharacteristics]struct{}
	blobs    map[*keymaster.Blob]struct{}
	closed   bool
}

// New creates a software keymaster. A nil config means DefaultConfig.
func New(config *Config) (*Device, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	cfg := config.withDefaults()

	seed := cfg.Seed
	if len(seed) == 0 {
		seed = make([]byte, 32)
		if _, err := rand.Read(seed); err != nil {
			return nil, fmt.Errorf("software: generate seed: %w", err)
		}
	}
	blobKey, err := deriveBlobKey(seed)
	if err != nil {
		return nil, err
	}

	d := &Device{
		cfg:      cfg,
		store:    cfg.Storage,
		blobKey:  blobKey,
		ops:      make(map[keymaster.OperationHandle]*operation),
		keyBlobs: make(map[*keymaster.KeyBlob]struct{}),
		chars:    make(map[*keymaster.KeyCharacteristics]struct{}),
		blobs:    make(map[*keymaster.Blob]struct{}),
	}
	if d.store == nil {
		d.store = memory.New()
		d.ownsStore = true
	}
	return d, nil
}

// HardwareInfo describes the device.
func (d *Device) HardwareInfo() (keymaster.HardwareInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return keymaster.HardwareInfo{}, ErrDeviceClosed
	}
	return keymaster.HardwareInfo{
		SecurityLevel: d.cfg.SecurityLevel,
		Name:          d.cfg.Name,
		AuthorName:    "go-keyfuzz",
	}, nil
}

// AddRngEntropy mixes data into the pool that masks device randomness.
func (d *Device) AddRngEntropy(data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrDeviceClosed
	}
	if len(data) > MaxEntropyInput {
		return fmt.Errorf("%w: %d bytes of entropy", keymaster.ErrorInvalidInputLength, len(data))
	}
	h := sha256.New()
	h.Write(d.entropy[:])
	h.Write(data)
	copy(d.entropy[:], h.Sum(nil))
	d.mixed = true
	return nil
}

// readRandom returns n bytes from crypto/rand, XORed with an HKDF stream
// keyed by the entropy pool once AddRngEntropy has been called.
// Callers must hold d.mu.
func (d *Device) readRandom(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("%w: rng: %w", keymaster.ErrorUnknownError, err)
	}
	if !d.mixed {
		return b, nil
	}
	d.rngCounter++
	info := binary.BigEndian.AppendUint64(nil, d.rngCounter)
	mask := make([]byte, n)
	if _, err := io.ReadFull(hkdf.New(sha256.New, d.entropy[:], nil, info), mask); err != nil {
		return nil, fmt.Errorf("%w: rng: %w", keymaster.ErrorUnknownError, err)
	}
	for i := range b {
		b[i] ^= mask[i]
	}
	return b, nil
}

// FreeKeyBlob releases a blob issued by this device.
func (d *Device) FreeKeyBlob(blob *keymaster.KeyBlob) {
	if blob == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.keyBlobs[blob]; ok {
		delete(d.keyBlobs, blob)
		clear(blob.Material)
		blob.Material = nil
	}
}

// FreeCharacteristics releases characteristics issued by this device.
func (d *Device) FreeCharacteristics(kc *keymaster.KeyCharacteristics) {
	if kc == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.chars[kc]; ok {
		delete(d.chars, kc)
		kc.HardwareEnforced = nil
		kc.SoftwareEnforced = nil
	}
}

// FreeBlob releases an output blob issued by this device.
func (d *Device) FreeBlob(b *keymaster.Blob) {
	if b == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.blobs[b]; ok {
		delete(d.blobs, b)
		clear(b.Data)
		b.Data = nil
	}
}

// Outstanding returns the number of issued blobs, characteristics and
// operation handles not yet released.
func (d *Device) Outstanding() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.keyBlobs) + len(d.chars) + len(d.blobs) + len(d.ops)
}

// Close aborts live operations, forgets issued results and closes the
// registry if the device created it. Closing twice is allowed.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true
	if n := len(d.ops); n > 0 {
		d.cfg.Logger.Debug("aborting live operations on close", "count", n)
	}
	clear(d.ops)
	clear(d.keyBlobs)
	clear(d.chars)
	clear(d.blobs)
	clear(d.blobKey)
	if d.ownsStore {
		return d.store.Close()
	}
	return nil
}

func (d *Device) trackKey(blob *keymaster.KeyBlob, kc *keymaster.KeyCharacteristics) {
	if blob != nil {
		d.keyBlobs[blob] = struct{}{}
	}
	if kc != nil {
		d.chars[kc] = struct{}{}
	}
}

func (d *Device) trackBlob(data []byte) *keymaster.Blob {
	b := &keymaster.Blob{Data: data}
	d.blobs[b] = struct{}{}
	return b
}

var (
	_ keymaster.Device            = (*Device)(nil)
	_ keymaster.AllocationCounter = (*Device)(nil)
)

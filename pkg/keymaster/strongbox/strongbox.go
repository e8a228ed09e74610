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

// Package strongbox restricts any keymaster.Device to the StrongBox
// profile: RSA 2048, EC P-256, AES 128/256, HMAC, digests NONE and
// SHA-2-256 only, at most four live operations, and every enforced
// authorization reported as hardware enforced.
package strongbox

import (
	"fmt"
	"sync"

	"github.com/jeremyhahn/go-keyfuzz/pkg/keymaster"
)

// MaxOperations is the StrongBox operation table size.
const MaxOperations = 4

// Device decorates an inner device with StrongBox restrictions.
type Device struct {
	keymaster.Device

	mu  sync.Mutex
	ops map[keymaster.OperationHandle]struct{}
}

// New wraps inner. The decorator owns inner and closes it on Close.
func New(inner keymaster.Device) *Device {
	return &Device{
		Device: inner,
		ops:    make(map[keymaster.OperationHandle]struct{}),
	}
}

func reject(code keymaster.ErrorCode, format string, args ...any) error {
	return fmt.Errorf("%w: strongbox: %s", code, fmt.Sprintf(format, args...))
}

// checkProfile rejects authorizations outside the StrongBox profile.
func checkProfile(set keymaster.AuthorizationSet) error {
	for _, dg := range set.GetAll(keymaster.TagDigest) {
		if d := keymaster.Digest(dg); d != keymaster.DigestNone && d != keymaster.DigestSHA2_256 {
			return reject(keymaster.ErrorUnsupportedDigest, "digest %d", dg)
		}
	}
	alg, ok := set.GetUint(keymaster.TagAlgorithm)
	if !ok {
		return nil
	}
	size, hasSize := set.GetUint(keymaster.TagKeySize)
	switch keymaster.Algorithm(alg) {
	case keymaster.AlgorithmRSA:
		if hasSize && size != 2048 {
			return reject(keymaster.ErrorUnsupportedKeySize, "RSA key size %d", size)
		}
	case keymaster.AlgorithmEC:
		if c, ok := set.GetUint(keymaster.TagEcCurve); ok && keymaster.EcCurve(c) != keymaster.EcCurveP256 {
			return reject(keymaster.ErrorUnsupportedEcCurve, "curve %d", c)
		}
		if hasSize && size != 256 {
			return reject(keymaster.ErrorUnsupportedKeySize, "EC key size %d", size)
		}
	case keymaster.AlgorithmAES:
		if hasSize && size != 128 && size != 256 {
			return reject(keymaster.ErrorUnsupportedKeySize, "AES key size %d", size)
		}
	}
	return nil
}

// admit applies the profile to a freshly issued key. A key that violates
// it is deleted and released.
func (d *Device) admit(blob *keymaster.KeyBlob, kc *keymaster.KeyCharacteristics,
	err error) (*keymaster.KeyBlob, *keymaster.KeyCharacteristics, error) {

	if err != nil {
		return nil, nil, err
	}
	if perr := checkProfile(kc.All()); perr != nil {
		_ = d.Device.DeleteKey(blob)
		d.Device.FreeKeyBlob(blob)
		d.Device.FreeCharacteristics(kc)
		return nil, nil, perr
	}
	hoist(kc)
	return blob, kc, nil
}

// hoist reports every authorization as hardware enforced.
func hoist(kc *keymaster.KeyCharacteristics) {
	if kc == nil || len(kc.SoftwareEnforced) == 0 {
		return
	}
	kc.HardwareEnforced = append(kc.HardwareEnforced, kc.SoftwareEnforced...)
	kc.SoftwareEnforced = nil
}

// HardwareInfo reports the inner device at STRONGBOX level.
func (d *Device) HardwareInfo() (keymaster.HardwareInfo, error) {
	info, err := d.Device.HardwareInfo()
	if err != nil {
		return info, err
	}
	info.SecurityLevel = keymaster.SecurityLevelStrongBox
	info.Name = "StrongBox " + info.Name
	return info, nil
}

func (d *Device) GenerateKey(params keymaster.AuthorizationSet) (*keymaster.KeyBlob, *keymaster.KeyCharacteristics, error) {
	if err := checkProfile(params); err != nil {
		return nil, nil, err
	}
	return d.admit(d.Device.GenerateKey(params))
}

func (d *Device) ImportKey(params keymaster.AuthorizationSet, format keymaster.KeyFormat,
	keyData []byte) (*keymaster.KeyBlob, *keymaster.KeyCharacteristics, error) {

	if err := checkProfile(params); err != nil {
		return nil, nil, err
	}
	return d.admit(d.Device.ImportKey(params, format, keyData))
}

func (d *Device) ImportWrappedKey(wrappedKeyData []byte, wrappingKey *keymaster.KeyBlob, maskingKey []byte,
	unwrappingParams keymaster.AuthorizationSet, passwordSID, biometricSID uint64) (*keymaster.KeyBlob, *keymaster.KeyCharacteristics, error) {

	return d.admit(d.Device.ImportWrappedKey(wrappedKeyData, wrappingKey, maskingKey,
		unwrappingParams, passwordSID, biometricSID))
}

func (d *Device) GetKeyCharacteristics(blob *keymaster.KeyBlob, clientID, appData []byte) (*keymaster.KeyCharacteristics, error) {
	kc, err := d.Device.GetKeyCharacteristics(blob, clientID, appData)
	if err != nil {
		return nil, err
	}
	hoist(kc)
	return kc, nil
}

// Begin enforces the four-operation limit before asking the inner device.
func (d *Device) Begin(purpose keymaster.Purpose, blob *keymaster.KeyBlob,
	params keymaster.AuthorizationSet) (keymaster.OperationHandle, keymaster.AuthorizationSet, error) {

	if err := checkProfile(params); err != nil {
		return 0, nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.ops) >= MaxOperations {
		return 0, nil, reject(keymaster.ErrorTooManyOperations, "%d operations live", len(d.ops))
	}
	h, out, err := d.Device.Begin(purpose, blob, params)
	if err != nil {
		return 0, nil, err
	}
	d.ops[h] = struct{}{}
	return h, out, nil
}

// Update forwards to the inner device. A failed update ends the operation.
func (d *Device) Update(handle keymaster.OperationHandle, params keymaster.AuthorizationSet,
	input []byte) (int, *keymaster.Blob, error) {

	n, out, err := d.Device.Update(handle, params, input)
	if err != nil {
		d.forget(handle)
	}
	return n, out, err
}

func (d *Device) Finish(handle keymaster.OperationHandle, params keymaster.AuthorizationSet,
	input, signature []byte) (*keymaster.Blob, error) {

	defer d.forget(handle)
	return d.Device.Finish(handle, params, input, signature)
}

func (d *Device) Abort(handle keymaster.OperationHandle) error {
	defer d.forget(handle)
	return d.Device.Abort(handle)
}

func (d *Device) forget(handle keymaster.OperationHandle) {
	d.mu.Lock()
	delete(d.ops, handle)
	d.mu.Unlock()
}

// Close forgets live operations and closes the inner device.
func (d *Device) Close() error {
	d.mu.Lock()
	clear(d.ops)
	d.mu.Unlock()
	return d.Device.Close()
}

// Outstanding delegates to the inner device when it can count allocations.
func (d *Device) Outstanding() int {
	if c, ok := d.Device.(keymaster.AllocationCounter); ok {
		return c.Outstanding()
	}
	return 0
}

var (
	_ keymaster.Device            = (*Device)(nil)
	_ keymaster.AllocationCounter = (*Device)(nil)
)

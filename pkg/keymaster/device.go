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

package keymaster

// Device is a keymaster-style key-management device.
//
// Every method returns nil on success or an error that Code folds into a
// non-OK ErrorCode. Results that carry device-owned memory (key blobs,
// characteristics, output blobs) must be handed back through the matching
// Free method, and every handle returned by Begin must be consumed by
// Finish or Abort. Free methods accept nil and values the device did not
// issue.
//
// Implementations must be safe for concurrent use.
type Device interface {
	// HardwareInfo describes the device.
	HardwareInfo() (HardwareInfo, error)

	// AddRngEntropy mixes caller-supplied bytes into the device RNG.
	AddRngEntropy(data []byte) error

	// GenerateKey creates a key described by params.
	GenerateKey(params AuthorizationSet) (*KeyBlob, *KeyCharacteristics, error)

	// ImportKey imports keyData encoded as format under params.
	ImportKey(params AuthorizationSet, format KeyFormat, keyData []byte) (*KeyBlob, *KeyCharacteristics, error)

	// ImportWrappedKey unwraps wrappedKeyData with the key in wrappingKey,
	// XORing the transport key with maskingKey, and imports the result.
	ImportWrappedKey(wrappedKeyData []byte, wrappingKey *KeyBlob, maskingKey []byte,
		unwrappingParams AuthorizationSet, passwordSID, biometricSID uint64) (*KeyBlob, *KeyCharacteristics, error)

	// GetKeyCharacteristics returns the authorizations bound to blob.
	GetKeyCharacteristics(blob *KeyBlob, clientID, appData []byte) (*KeyCharacteristics, error)

	// ExportKey exports the public part of blob encoded as format.
	ExportKey(format KeyFormat, blob *KeyBlob, clientID, appData []byte) (*Blob, error)

	// UpgradeKey re-issues blob for the current device version. A nil blob
	// with a nil error means no upgrade was necessary.
	UpgradeKey(blob *KeyBlob, params AuthorizationSet) (*KeyBlob, error)

	// DeleteKey makes blob permanently unusable.
	DeleteKey(blob *KeyBlob) error

	// DeleteAllKeys makes every blob the device has issued unusable.
	DeleteAllKeys() error

	// Begin starts an operation with the key in blob.
	Begin(purpose Purpose, blob *KeyBlob, params AuthorizationSet) (OperationHandle, AuthorizationSet, error)

	// Update feeds input to an operation and returns how much was consumed.
	Update(handle OperationHandle, params AuthorizationSet, input []byte) (int, *Blob, error)

	// Finish completes an operation. The handle is invalid afterwards
	// whether or not Finish succeeds.
	Finish(handle OperationHandle, params AuthorizationSet, input, signature []byte) (*Blob, error)

	// Abort cancels an operation and invalidates its handle.
	Abort(handle OperationHandle) error

	// FreeKeyBlob releases a blob returned by this device.
	FreeKeyBlob(blob *KeyBlob)

	// FreeCharacteristics releases characteristics returned by this device.
	FreeCharacteristics(kc *KeyCharacteristics)

	// FreeBlob releases an output blob returned by this device.
	FreeBlob(b *Blob)

	// Close releases every resource held by the device.
	Close() error
}

// AllocationCounter is implemented by devices that can report how many
// issued results have not been released yet.
type AllocationCounter interface {
	Outstanding() int
}

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
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/jeremyhahn/go-keyfuzz/pkg/keymaster"
	"github.com/jeremyhahn/go-keyfuzz/pkg/storage"
)

const (
	blobVersion   byte = 1
	blobNonceSize      = 12
	blobKeyInfo        = "keyfuzz key blob v1"
)

// keyRecord is the plaintext inside a key blob. Params holds every
// authorization bound to the key, including APPLICATION_ID and
// APPLICATION_DATA, which are never reported as characteristics.
type keyRecord struct {
	ID       string
	Params   keymaster.AuthorizationSet
	Material []byte
}

func (r *keyRecord) algorithm() keymaster.Algorithm {
	v, _ := r.Params.GetUint(keymaster.TagAlgorithm)
	return keymaster.Algorithm(v)
}

// marshal encodes the record as idLen:u8 id paramsLen:u32 params material.
func (r *keyRecord) marshal() ([]byte, error) {
	if len(r.ID) == 0 || len(r.ID) > 0xff {
		return nil, fmt.Errorf("software: record id length %d", len(r.ID))
	}
	params, err := r.Params.MarshalBinary()
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, 1+len(r.ID)+4+len(params)+len(r.Material))
	out = append(out, byte(len(r.ID)))
	out = append(out, r.ID...)
	out = binary.BigEndian.AppendUint32(out, uint32(len(params)))
	out = append(out, params...)
	return append(out, r.Material...), nil
}

func unmarshalRecord(data []byte) (*keyRecord, error) {
	if len(data) < 1 {
		return nil, keymaster.ErrorInvalidKeyBlob
	}
	idLen := int(data[0])
	data = data[1:]
	if idLen == 0 || len(data) < idLen+4 {
		return nil, keymaster.ErrorInvalidKeyBlob
	}
	rec := &keyRecord{ID: string(data[:idLen])}
	data = data[idLen:]
	n := binary.BigEndian.Uint32(data)
	data = data[4:]
	if uint64(n) > uint64(len(data)) {
		return nil, keymaster.ErrorInvalidKeyBlob
	}
	if err := rec.Params.UnmarshalBinary(data[:n]); err != nil {
		return nil, fmt.Errorf("%w: %w", keymaster.ErrorInvalidKeyBlob, err)
	}
	rec.Material = bytes.Clone(data[n:])
	return rec, nil
}

// deriveBlobKey expands the device seed into the AES-256 blob key.
func deriveBlobKey(seed []byte) ([]byte, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, seed, nil, []byte(blobKeyInfo)), key); err != nil {
		return nil, fmt.Errorf("software: derive blob key: %w", err)
	}
	return key, nil
}

func (d *Device) blobAEAD() (cipher.AEAD, error) {
	block, err := aes.NewCipher(d.blobKey)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// seal encrypts rec into a key blob laid out as version nonce ciphertext.
func (d *Device) seal(rec *keyRecord) (*keymaster.KeyBlob, error) {
	plain, err := rec.marshal()
	if err != nil {
		return nil, err
	}
	aead, err := d.blobAEAD()
	if err != nil {
		return nil, err
	}
	nonce, err := d.readRandom(blobNonceSize)
	if err != nil {
		return nil, err
	}
	out := append([]byte{blobVersion}, nonce...)
	out = aead.Seal(out, nonce, plain, []byte{blobVersion})
	return &keymaster.KeyBlob{Material: out}, nil
}

// open authenticates and decodes blob. Every failure is INVALID_KEY_BLOB.
func (d *Device) open(blob *keymaster.KeyBlob) (*keyRecord, error) {
	if blob.Len() < 1+blobNonceSize+16 || blob.Material[0] != blobVersion {
		return nil, keymaster.ErrorInvalidKeyBlob
	}
	aead, err := d.blobAEAD()
	if err != nil {
		return nil, err
	}
	nonce := blob.Material[1 : 1+blobNonceSize]
	plain, err := aead.Open(nil, nonce, blob.Material[1+blobNonceSize:], []byte{blobVersion})
	if err != nil {
		return nil, keymaster.ErrorInvalidKeyBlob
	}
	return unmarshalRecord(plain)
}

// loadKey opens blob, confirms the registry still holds its record and
// checks the application binding.
func (d *Device) loadKey(blob *keymaster.KeyBlob, clientID, appData []byte) (*keyRecord, error) {
	rec, err := d.open(blob)
	if err != nil {
		return nil, err
	}
	exists, err := storage.RecordExists(d.store, rec.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: registry: %w", keymaster.ErrorUnknownError, err)
	}
	if !exists {
		return nil, fmt.Errorf("%w: key %s was deleted", keymaster.ErrorInvalidKeyBlob, rec.ID)
	}
	if want, ok := rec.Params.GetBytes(keymaster.TagApplicationID); ok && !bytes.Equal(want, clientID) {
		return nil, keymaster.ErrorInvalidKeyBlob
	}
	if want, ok := rec.Params.GetBytes(keymaster.TagApplicationData); ok && !bytes.Equal(want, appData) {
		return nil, keymaster.ErrorInvalidKeyBlob
	}
	return rec, nil
}

// register stores rec's authorizations under its ID in the registry.
func (d *Device) register(rec *keyRecord) error {
	params, err := rec.Params.MarshalBinary()
	if err != nil {
		return err
	}
	if err := storage.SaveRecord(d.store, rec.ID, params); err != nil {
		return fmt.Errorf("%w: registry: %w", keymaster.ErrorUnknownError, err)
	}
	return nil
}

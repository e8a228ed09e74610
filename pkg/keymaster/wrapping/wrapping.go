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

// Package wrapping implements the secure key wrapper consumed by
// ImportWrappedKey.
//
// A wrapped key is laid out as
//
//	encTransportKeyLen:u32 encTransportKey
//	keyFormat:u8
//	descriptionLen:u32 description
//	iv[12]
//	ciphertext||tag[16]
//
// encTransportKey is RSA-OAEP-SHA256 over the 32-byte AES transport key
// XORed with the masking key. The key material is sealed with AES-256-GCM
// under the transport key, using the encoded description (an
// AuthorizationSet) as additional data.
package wrapping

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/jeremyhahn/go-keyfuzz/pkg/keymaster"
)

const (
	// TransportKeySize is the AES transport key length and the required
	// masking key length.
	TransportKeySize = 32

	ivSize  = 12
	tagSize = 16
)

var (
	// ErrMalformed is returned when wrapped data cannot be parsed.
	ErrMalformed = errors.New("wrapping: malformed wrapped key")

	// ErrMaskingKey is returned when the masking key has the wrong length.
	ErrMaskingKey = errors.New("wrapping: masking key must be 32 bytes")

	// ErrDecryption is returned when the transport key or the key material
	// fails to decrypt.
	ErrDecryption = errors.New("wrapping: decryption failed")
)

// WrappedKey is the decoded form of a wrapped key.
type WrappedKey struct {
	EncryptedTransportKey []byte
	Format                keymaster.KeyFormat
	Description           keymaster.AuthorizationSet
	IV                    []byte
	Ciphertext            []byte
}

// Encode serializes w into the wire layout.
func (w *WrappedKey) Encode() ([]byte, error) {
	desc, err := w.Description.MarshalBinary()
	if err != nil {
		return nil, err
	}
	if len(w.IV) != ivSize {
		return nil, fmt.Errorf("%w: iv must be %d bytes", ErrMalformed, ivSize)
	}
	if w.Format > 0xff {
		return nil, fmt.Errorf("%w: key format %d", ErrMalformed, w.Format)
	}
	out := binary.BigEndian.AppendUint32(nil, uint32(len(w.EncryptedTransportKey)))
	out = append(out, w.EncryptedTransportKey...)
	out = append(out, byte(w.Format))
	out = binary.BigEndian.AppendUint32(out, uint32(len(desc)))
	out = append(out, desc...)
	out = append(out, w.IV...)
	return append(out, w.Ciphertext...), nil
}

// Decode parses data. It never panics on arbitrary input.
func Decode(data []byte) (*WrappedKey, error) {
	rest := data
	take := func(n int) ([]byte, bool) {
		if n < 0 || n > len(rest) {
			return nil, false
		}
		b := rest[:n]
		rest = rest[n:]
		return b, true
	}
	takeLen := func() (int, bool) {
		b, ok := take(4)
		if !ok {
			return 0, false
		}
		n := binary.BigEndian.Uint32(b)
		if uint64(n) > uint64(len(rest)) {
			return 0, false
		}
		return int(n), true
	}

	n, ok := takeLen()
	if !ok {
		return nil, fmt.Errorf("%w: transport key length", ErrMalformed)
	}
	encKey, _ := take(n)
	format, ok := take(1)
	if !ok {
		return nil, fmt.Errorf("%w: key format", ErrMalformed)
	}
	n, ok = takeLen()
	if !ok {
		return nil, fmt.Errorf("%w: description length", ErrMalformed)
	}
	descBytes, _ := take(n)
	var desc keymaster.AuthorizationSet
	if err := desc.UnmarshalBinary(descBytes); err != nil {
		return nil, fmt.Errorf("%w: description: %w", ErrMalformed, err)
	}
	iv, ok := take(ivSize)
	if !ok {
		return nil, fmt.Errorf("%w: iv", ErrMalformed)
	}
	if len(rest) < tagSize {
		return nil, fmt.Errorf("%w: ciphertext shorter than tag", ErrMalformed)
	}
	return &WrappedKey{
		EncryptedTransportKey: append([]byte(nil), encKey...),
		Format:                keymaster.KeyFormat(format[0]),
		Description:           desc,
		IV:                    append([]byte(nil), iv...),
		Ciphertext:            append([]byte(nil), rest...),
	}, nil
}

// Wrap seals keyMaterial for import under the RSA key pub.
func Wrap(keyMaterial []byte, format keymaster.KeyFormat, description keymaster.AuthorizationSet,
	pub *rsa.PublicKey, maskingKey []byte) ([]byte, error) {

	if len(keyMaterial) == 0 {
		return nil, fmt.Errorf("wrapping: key material cannot be empty")
	}
	if pub == nil {
		return nil, fmt.Errorf("wrapping: public key cannot be nil")
	}
	if len(maskingKey) != TransportKeySize {
		return nil, ErrMaskingKey
	}

	transportKey := make([]byte, TransportKeySize)
	if _, err := rand.Read(transportKey); err != nil {
		return nil, fmt.Errorf("wrapping: generate transport key: %w", err)
	}
	masked := xor(transportKey, maskingKey)
	encKey, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, masked, nil)
	if err != nil {
		return nil, fmt.Errorf("wrapping: encrypt transport key: %w", err)
	}

	aad, err := description.MarshalBinary()
	if err != nil {
		return nil, err
	}
	gcm, err := newGCM(transportKey)
	if err != nil {
		return nil, err
	}
	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("wrapping: generate iv: %w", err)
	}
	w := &WrappedKey{
		EncryptedTransportKey: encKey,
		Format:                format,
		Description:           description,
		IV:                    iv,
		Ciphertext:            gcm.Seal(nil, iv, keyMaterial, aad),
	}
	return w.Encode()
}

// Unwrap reverses Wrap with the private half of the wrapping key and
// returns the key material with its format and description.
func Unwrap(data []byte, priv *rsa.PrivateKey, maskingKey []byte) ([]byte, *WrappedKey, error) {
	if priv == nil {
		return nil, nil, fmt.Errorf("wrapping: private key cannot be nil")
	}
	if len(maskingKey) != TransportKeySize {
		return nil, nil, ErrMaskingKey
	}
	w, err := Decode(data)
	if err != nil {
		return nil, nil, err
	}
	masked, err := rsa.DecryptOAEP(sha256.New(), nil, priv, w.EncryptedTransportKey, nil)
	if err != nil || len(masked) != TransportKeySize {
		return nil, nil, fmt.Errorf("%w: transport key", ErrDecryption)
	}
	transportKey := xor(masked, maskingKey)

	aad, err := w.Description.MarshalBinary()
	if err != nil {
		return nil, nil, err
	}
	gcm, err := newGCM(transportKey)
	if err != nil {
		return nil, nil, err
	}
	material, err := gcm.Open(nil, w.IV, w.Ciphertext, aad)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: key material", ErrDecryption)
	}
	return material, w, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("wrapping: %w", err)
	}
	return cipher.NewGCM(block)
}

func xor(a, b []byte) []byte {
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out
}

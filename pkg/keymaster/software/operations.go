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
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"encoding/binary"

	"github.com/youmark/pkcs8"

	"github.com/jeremyhahn/go-keyfuzz/pkg/keymaster"
)

// operation is one live Begin..Finish sequence. Input is buffered until
// Finish.
type operation struct {
	purpose   keymaster.Purpose
	algorithm keymaster.Algorithm
	digest    keymaster.Digest
	padding   keymaster.PaddingMode
	blockMode keymaster.BlockMode
	macLength int
	nonce     []byte

	priv   crypto.Signer
	secret []byte
	input  []byte
}

// Begin starts an operation. The returned parameters carry the nonce of
// AES encryptions when the device chose it.
func (d *Device) Begin(purpose keymaster.Purpose, blob *keymaster.KeyBlob,
	params keymaster.AuthorizationSet) (keymaster.OperationHandle, keymaster.AuthorizationSet, error) {

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return 0, nil, ErrDeviceClosed
	}
	appID, _ := params.GetBytes(keymaster.TagApplicationID)
	appData, _ := params.GetBytes(keymaster.TagApplicationData)
	rec, err := d.loadKey(blob, appID, appData)
	if err != nil {
		return 0, nil, err
	}
	if d.requiresUpgrade(rec) {
		return 0, nil, keymaster.ErrorKeyRequiresUpgrade
	}
	alg := rec.algorithm()
	if purpose == keymaster.PurposeWrapKey || !purposeAllowed(alg, purpose) {
		return 0, nil, fail(keymaster.ErrorUnsupportedPurpose, "%s with %s key", purpose, alg)
	}
	if !rec.Params.ContainsValue(keymaster.TagPurpose, uint64(purpose)) {
		return 0, nil, fail(keymaster.ErrorIncompatiblePurpose, "key not authorized for %s", purpose)
	}
	if len(d.ops) >= d.cfg.MaxOperations {
		return 0, nil, fail(keymaster.ErrorTooManyOperations, "%d operations live", len(d.ops))
	}

	op := &operation{purpose: purpose, algorithm: alg}
	var out keymaster.AuthorizationSet
	switch alg {
	case keymaster.AlgorithmRSA:
		err = op.beginRSA(rec, params)
	case keymaster.AlgorithmEC:
		err = op.beginEC(rec, params)
	case keymaster.AlgorithmAES:
		out, err = d.beginAES(op, rec, params)
	case keymaster.AlgorithmHMAC:
		err = op.beginHMAC(rec, params)
	default:
		err = fail(keymaster.ErrorUnsupportedAlgorithm, "algorithm %d", alg)
	}
	if err != nil {
		return 0, nil, err
	}

	handle, err := d.newHandle()
	if err != nil {
		return 0, nil, err
	}
	d.ops[handle] = op
	return handle, out, nil
}

func (d *Device) newHandle() (keymaster.OperationHandle, error) {
	for {
		b, err := d.readRandom(8)
		if err != nil {
			return 0, err
		}
		h := keymaster.OperationHandle(binary.BigEndian.Uint64(b))
		if _, taken := d.ops[h]; h != 0 && !taken {
			return h, nil
		}
	}
}

// authorizedDigest picks the single DIGEST from params and checks the key
// allows it.
func authorizedDigest(rec *keyRecord, params keymaster.AuthorizationSet) (keymaster.Digest, error) {
	v, ok, err := singleValue(params, keymaster.TagDigest, keymaster.ErrorUnsupportedDigest)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fail(keymaster.ErrorUnsupportedDigest, "no digest specified")
	}
	if !rec.Params.ContainsValue(keymaster.TagDigest, v) {
		return 0, fail(keymaster.ErrorIncompatibleDigest, "digest %d not authorized", v)
	}
	return keymaster.Digest(v), nil
}

func authorizedPadding(rec *keyRecord, params keymaster.AuthorizationSet) (keymaster.PaddingMode, bool, error) {
	v, ok, err := singleValue(params, keymaster.TagPadding, keymaster.ErrorUnsupportedPaddingMode)
	if err != nil || !ok {
		return 0, ok, err
	}
	if !rec.Params.ContainsValue(keymaster.TagPadding, v) {
		return 0, false, fail(keymaster.ErrorIncompatiblePaddingMode, "padding %d not authorized", v)
	}
	return keymaster.PaddingMode(v), true, nil
}

func parseSigner(material []byte) (crypto.Signer, error) {
	key, err := pkcs8.ParsePKCS8PrivateKey(material)
	if err != nil {
		return nil, fail(keymaster.ErrorInvalidKeyBlob, "key material: %v", err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fail(keymaster.ErrorInvalidKeyBlob, "key type %T", key)
	}
	return signer, nil
}

func (op *operation) beginRSA(rec *keyRecord, params keymaster.AuthorizationSet) error {
	padding, ok, err := authorizedPadding(rec, params)
	if err != nil {
		return err
	}
	if !ok {
		return fail(keymaster.ErrorUnsupportedPaddingMode, "no padding specified")
	}
	op.padding = padding

	switch op.purpose {
	case keymaster.PurposeSign, keymaster.PurposeVerify:
		if padding != keymaster.PaddingRSAPKCS1_1_5Sign && padding != keymaster.PaddingRSAPSS {
			return fail(keymaster.ErrorIncompatiblePaddingMode, "padding %d cannot %s", padding, op.purpose)
		}
		if op.digest, err = authorizedDigest(rec, params); err != nil {
			return err
		}
		if padding == keymaster.PaddingRSAPSS && op.digest == keymaster.DigestNone {
			return fail(keymaster.ErrorIncompatibleDigest, "PSS needs a digest")
		}
	case keymaster.PurposeEncrypt, keymaster.PurposeDecrypt:
		switch padding {
		case keymaster.PaddingRSAOAEP:
			if op.digest, err = authorizedDigest(rec, params); err != nil {
				return err
			}
			if op.digest == keymaster.DigestNone {
				return fail(keymaster.ErrorIncompatibleDigest, "OAEP needs a digest")
			}
		case keymaster.PaddingRSAPKCS1_1_5Enc:
		default:
			return fail(keymaster.ErrorIncompatiblePaddingMode, "padding %d cannot %s", padding, op.purpose)
		}
	}
	op.priv, err = parseSigner(rec.Material)
	return err
}

func (op *operation) beginEC(rec *keyRecord, params keymaster.AuthorizationSet) error {
	var err error
	if op.digest, err = authorizedDigest(rec, params); err != nil {
		return err
	}
	op.priv, err = parseSigner(rec.Material)
	return err
}

func (d *Device) beginAES(op *operation, rec *keyRecord, params keymaster.AuthorizationSet) (keymaster.AuthorizationSet, error) {
	mode, ok, err := singleValue(params, keymaster.TagBlockMode, keymaster.ErrorUnsupportedBlockMode)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fail(keymaster.ErrorUnsupportedBlockMode, "no block mode specified")
	}
	if !rec.Params.ContainsValue(keymaster.TagBlockMode, mode) {
		return nil, fail(keymaster.ErrorIncompatibleBlockMode, "block mode %d not authorized", mode)
	}
	op.blockMode = keymaster.BlockMode(mode)

	padding, ok, err := authorizedPadding(rec, params)
	if err != nil {
		return nil, err
	}
	if !ok {
		padding = keymaster.PaddingNone
	}
	op.padding = padding
	if padding == keymaster.PaddingPKCS7 && op.blockMode != keymaster.BlockModeECB && op.blockMode != keymaster.BlockModeCBC {
		return nil, fail(keymaster.ErrorIncompatiblePaddingMode, "PKCS7 with block mode %d", mode)
	}

	if op.blockMode == keymaster.BlockModeGCM {
		macLen, ok := params.GetUint(keymaster.TagMacLength)
		if !ok {
			return nil, keymaster.ErrorMissingMacLength
		}
		if macLen%8 != 0 || macLen < 96 || macLen > 128 {
			return nil, fail(keymaster.ErrorUnsupportedMacLength, "GCM mac length %d", macLen)
		}
		if minMac, _ := rec.Params.GetUint(keymaster.TagMinMacLength); macLen < minMac {
			return nil, fail(keymaster.ErrorInvalidMacLength, "mac length %d below minimum %d", macLen, minMac)
		}
		op.macLength = int(macLen)
	}
	op.secret = rec.Material

	nonceSize := aes.BlockSize
	if op.blockMode == keymaster.BlockModeGCM {
		nonceSize = 12
	}
	if op.blockMode == keymaster.BlockModeECB {
		return nil, nil
	}
	nonce, hasNonce := params.GetBytes(keymaster.TagNonce)
	switch {
	case hasNonce && op.purpose == keymaster.PurposeEncrypt && !rec.Params.Contains(keymaster.TagCallerNonce):
		return nil, keymaster.ErrorCallerNonceProhibited
	case hasNonce && len(nonce) != nonceSize:
		return nil, fail(keymaster.ErrorInvalidNonce, "nonce is %d bytes, want %d", len(nonce), nonceSize)
	case hasNonce:
		op.nonce = bytes.Clone(nonce)
		return nil, nil
	case op.purpose == keymaster.PurposeDecrypt:
		return nil, keymaster.ErrorMissingNonce
	}
	if op.nonce, err = d.readRandom(nonceSize); err != nil {
		return nil, err
	}
	return keymaster.NewAuthorizationSet(keymaster.BytesParam(keymaster.TagNonce, bytes.Clone(op.nonce))), nil
}

func (op *operation) beginHMAC(rec *keyRecord, params keymaster.AuthorizationSet) error {
	keyDigest, _ := rec.Params.GetUint(keymaster.TagDigest)
	op.digest = keymaster.Digest(keyDigest)
	if v, ok, err := singleValue(params, keymaster.TagDigest, keymaster.ErrorUnsupportedDigest); err != nil {
		return err
	} else if ok && keymaster.Digest(v) != op.digest {
		return fail(keymaster.ErrorIncompatibleDigest, "digest %d, key uses %d", v, op.digest)
	}
	h, _ := hashFor(op.digest)
	minMac, _ := rec.Params.GetUint(keymaster.TagMinMacLength)
	if op.purpose == keymaster.PurposeSign {
		macLen, ok := params.GetUint(keymaster.TagMacLength)
		if !ok {
			return keymaster.ErrorMissingMacLength
		}
		if macLen%8 != 0 || int(macLen) > h.Size()*8 {
			return fail(keymaster.ErrorUnsupportedMacLength, "mac length %d", macLen)
		}
		if macLen < minMac {
			return fail(keymaster.ErrorInvalidMacLength, "mac length %d below minimum %d", macLen, minMac)
		}
		op.macLength = int(macLen)
	} else {
		op.macLength = int(minMac)
	}
	op.secret = rec.Material
	return nil
}

// Update buffers input. Any failure ends the operation.
func (d *Device) Update(handle keymaster.OperationHandle, params keymaster.AuthorizationSet,
	input []byte) (int, *keymaster.Blob, error) {

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return 0, nil, ErrDeviceClosed
	}
	op, ok := d.ops[handle]
	if !ok {
		return 0, nil, keymaster.ErrorInvalidOperationHandle
	}
	if len(op.input)+len(input) > d.cfg.MaxUpdateInput {
		delete(d.ops, handle)
		return 0, nil, fail(keymaster.ErrorInvalidInputLength, "operation input exceeds %d bytes", d.cfg.MaxUpdateInput)
	}
	op.input = append(op.input, input...)
	return len(input), nil, nil
}

// Finish completes an operation. The handle is gone afterwards whatever
// the outcome. Verification returns a nil blob.
func (d *Device) Finish(handle keymaster.OperationHandle, params keymaster.AuthorizationSet,
	input, signature []byte) (*keymaster.Blob, error) {

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, ErrDeviceClosed
	}
	op, ok := d.ops[handle]
	if !ok {
		return nil, keymaster.ErrorInvalidOperationHandle
	}
	delete(d.ops, handle)
	if len(op.input)+len(input) > d.cfg.MaxUpdateInput {
		return nil, fail(keymaster.ErrorInvalidInputLength, "operation input exceeds %d bytes", d.cfg.MaxUpdateInput)
	}
	op.input = append(op.input, input...)

	out, err := op.finish(signature)
	if err != nil || out == nil {
		return nil, err
	}
	return d.trackBlob(out), nil
}

// Abort ends an operation without producing output.
func (d *Device) Abort(handle keymaster.OperationHandle) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrDeviceClosed
	}
	if _, ok := d.ops[handle]; !ok {
		return keymaster.ErrorInvalidOperationHandle
	}
	delete(d.ops, handle)
	return nil
}

func (op *operation) finish(signature []byte) ([]byte, error) {
	switch op.algorithm {
	case keymaster.AlgorithmRSA:
		return op.finishRSA(signature)
	case keymaster.AlgorithmEC:
		return op.finishEC(signature)
	case keymaster.AlgorithmAES:
		return op.finishAES()
	case keymaster.AlgorithmHMAC:
		return op.finishHMAC(signature)
	}
	return nil, keymaster.ErrorUnsupportedAlgorithm
}

// digestInput hashes the buffered input, or returns it unchanged for
// DIGEST NONE.
func (op *operation) digestInput() ([]byte, crypto.Hash) {
	h, ok := hashFor(op.digest)
	if !ok {
		return op.input, 0
	}
	hh := h.New()
	hh.Write(op.input)
	return hh.Sum(nil), h
}

func (op *operation) finishRSA(signature []byte) ([]byte, error) {
	priv := op.priv.(*rsa.PrivateKey)
	switch op.purpose {
	case keymaster.PurposeSign:
		digest, h := op.digestInput()
		var sig []byte
		var err error
		if op.padding == keymaster.PaddingRSAPSS {
			sig, err = rsa.SignPSS(rand.Reader, priv, h, digest, &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash})
		} else {
			sig, err = rsa.SignPKCS1v15(rand.Reader, priv, h, digest)
		}
		if err != nil {
			return nil, fail(keymaster.ErrorInvalidInputLength, "sign: %v", err)
		}
		return sig, nil

	case keymaster.PurposeVerify:
		digest, h := op.digestInput()
		var err error
		if op.padding == keymaster.PaddingRSAPSS {
			err = rsa.VerifyPSS(&priv.PublicKey, h, digest, signature, &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash})
		} else {
			err = rsa.VerifyPKCS1v15(&priv.PublicKey, h, digest, signature)
		}
		if err != nil {
			return nil, keymaster.ErrorVerificationFailed
		}
		return nil, nil

	case keymaster.PurposeEncrypt:
		var ct []byte
		var err error
		if op.padding == keymaster.PaddingRSAOAEP {
			h, _ := hashFor(op.digest)
			ct, err = rsa.EncryptOAEP(h.New(), rand.Reader, &priv.PublicKey, op.input, nil)
		} else {
			ct, err = rsa.EncryptPKCS1v15(rand.Reader, &priv.PublicKey, op.input)
		}
		if err != nil {
			return nil, fail(keymaster.ErrorInvalidInputLength, "encrypt: %v", err)
		}
		return ct, nil

	case keymaster.PurposeDecrypt:
		var pt []byte
		var err error
		if op.padding == keymaster.PaddingRSAOAEP {
			h, _ := hashFor(op.digest)
			pt, err = rsa.DecryptOAEP(h.New(), nil, priv, op.input, nil)
		} else {
			pt, err = rsa.DecryptPKCS1v15(nil, priv, op.input)
		}
		if err != nil {
			return nil, fail(keymaster.ErrorInvalidArgument, "decrypt: %v", err)
		}
		return pt, nil
	}
	return nil, keymaster.ErrorUnsupportedPurpose
}

func (op *operation) finishEC(signature []byte) ([]byte, error) {
	priv := op.priv.(*ecdsa.PrivateKey)
	digest, _ := op.digestInput()
	if op.digest == keymaster.DigestNone {
		if n := (priv.Curve.Params().BitSize + 7) / 8; len(digest) > n {
			digest = digest[:n]
		}
	}
	if op.purpose == keymaster.PurposeVerify {
		if !ecdsa.VerifyASN1(&priv.PublicKey, digest, signature) {
			return nil, keymaster.ErrorVerificationFailed
		}
		return nil, nil
	}
	sig, err := ecdsa.SignASN1(rand.Reader, priv, digest)
	if err != nil {
		return nil, fail(keymaster.ErrorUnknownError, "sign: %v", err)
	}
	return sig, nil
}

func (op *operation) finishAES() ([]byte, error) {
	block, err := aes.NewCipher(op.secret)
	if err != nil {
		return nil, fail(keymaster.ErrorInvalidKeyBlob, "%v", err)
	}
	encrypt := op.purpose == keymaster.PurposeEncrypt
	in := op.input

	switch op.blockMode {
	case keymaster.BlockModeGCM:
		gcm, err := cipher.NewGCMWithTagSize(block, op.macLength/8)
		if err != nil {
			return nil, fail(keymaster.ErrorUnknownError, "%v", err)
		}
		if encrypt {
			return gcm.Seal(nil, op.nonce, in, nil), nil
		}
		pt, err := gcm.Open(nil, op.nonce, in, nil)
		if err != nil {
			return nil, keymaster.ErrorVerificationFailed
		}
		return pt, nil

	case keymaster.BlockModeCTR:
		out := make([]byte, len(in))
		cipher.NewCTR(block, op.nonce).XORKeyStream(out, in)
		return out, nil
	}

	if encrypt && op.padding == keymaster.PaddingPKCS7 {
		in = pkcs7Pad(in, aes.BlockSize)
	}
	if len(in)%aes.BlockSize != 0 {
		return nil, fail(keymaster.ErrorInvalidInputLength, "%d bytes is not a whole number of blocks", len(in))
	}
	out := make([]byte, len(in))
	switch {
	case op.blockMode == keymaster.BlockModeCBC && encrypt:
		cipher.NewCBCEncrypter(block, op.nonce).CryptBlocks(out, in)
	case op.blockMode == keymaster.BlockModeCBC:
		cipher.NewCBCDecrypter(block, op.nonce).CryptBlocks(out, in)
	default:
		for i := 0; i < len(in); i += aes.BlockSize {
			if encrypt {
				block.Encrypt(out[i:], in[i:])
			} else {
				block.Decrypt(out[i:], in[i:])
			}
		}
	}
	if !encrypt && op.padding == keymaster.PaddingPKCS7 {
		unpadded, ok := pkcs7Unpad(out, aes.BlockSize)
		if !ok {
			return nil, fail(keymaster.ErrorInvalidArgument, "bad PKCS7 padding")
		}
		return unpadded, nil
	}
	return out, nil
}

func (op *operation) finishHMAC(signature []byte) ([]byte, error) {
	h, _ := hashFor(op.digest)
	mac := hmac.New(h.New, op.secret)
	mac.Write(op.input)
	sum := mac.Sum(nil)
	if op.purpose == keymaster.PurposeSign {
		return sum[:op.macLength/8], nil
	}
	if len(signature) < op.macLength/8 || len(signature) > len(sum) || !hmac.Equal(sum[:len(signature)], signature) {
		return nil, keymaster.ErrorVerificationFailed
	}
	return nil, nil
}

func pkcs7Pad(b []byte, size int) []byte {
	n := size - len(b)%size
	return append(bytes.Clone(b), bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(b []byte, size int) ([]byte, bool) {
	if len(b) == 0 || len(b)%size != 0 {
		return nil, false
	}
	n := int(b[len(b)-1])
	if n == 0 || n > size {
		return nil, false
	}
	for _, c := range b[len(b)-n:] {
		if int(c) != n {
			return nil, false
		}
	}
	return b[:len(b)-n], true
}

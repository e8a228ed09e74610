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
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	_ "crypto/md5"
	_ "crypto/sha1"
	_ "crypto/sha256"
	_ "crypto/sha512"
	"fmt"

	"github.com/jeremyhahn/go-keyfuzz/pkg/keymaster"
)

// keySpec is the shape of a key as derived from its authorizations.
type keySpec struct {
	algorithm keymaster.Algorithm
	keySize   uint32
	curve     keymaster.EcCurve
}

// fail wraps code with detail while keeping keymaster.Code(err) == code.
func fail(code keymaster.ErrorCode, format string, args ...any) error {
	return fmt.Errorf("%w: %s", code, fmt.Sprintf(format, args...))
}

// hardwareTags are the authorizations a TEE or StrongBox device enforces.
var hardwareTags = map[keymaster.Tag]bool{
	keymaster.TagPurpose:           true,
	keymaster.TagAlgorithm:         true,
	keymaster.TagKeySize:           true,
	keymaster.TagBlockMode:         true,
	keymaster.TagDigest:            true,
	keymaster.TagPadding:           true,
	keymaster.TagCallerNonce:       true,
	keymaster.TagMinMacLength:      true,
	keymaster.TagEcCurve:           true,
	keymaster.TagRSAPublicExponent: true,
	keymaster.TagNoAuthRequired:    true,
	keymaster.TagOrigin:            true,
	keymaster.TagOSVersion:         true,
	keymaster.TagOSPatchlevel:      true,
}

func hashFor(d keymaster.Digest) (crypto.Hash, bool) {
	switch d {
	case keymaster.DigestMD5:
		return crypto.MD5, true
	case keymaster.DigestSHA1:
		return crypto.SHA1, true
	case keymaster.DigestSHA2_224:
		return crypto.SHA224, true
	case keymaster.DigestSHA2_256:
		return crypto.SHA256, true
	case keymaster.DigestSHA2_384:
		return crypto.SHA384, true
	case keymaster.DigestSHA2_512:
		return crypto.SHA512, true
	}
	return 0, false
}

var ecCurves = map[keymaster.EcCurve]struct {
	size  uint32
	curve elliptic.Curve
}{
	keymaster.EcCurveP224: {224, elliptic.P224()},
	keymaster.EcCurveP256: {256, elliptic.P256()},
	keymaster.EcCurveP384: {384, elliptic.P384()},
	keymaster.EcCurveP521: {521, elliptic.P521()},
}

func curveForSize(size uint32) (keymaster.EcCurve, bool) {
	for c, info := range ecCurves {
		if info.size == size {
			return c, true
		}
	}
	return 0, false
}

func curveOf(pub *ecdsa.PublicKey) (keymaster.EcCurve, bool) {
	for c, info := range ecCurves {
		if info.curve == pub.Curve {
			return c, true
		}
	}
	return 0, false
}

// purposeAllowed reports whether keys of alg may carry purpose p.
func purposeAllowed(alg keymaster.Algorithm, p keymaster.Purpose) bool {
	switch alg {
	case keymaster.AlgorithmRSA:
		return p == keymaster.PurposeSign || p == keymaster.PurposeVerify ||
			p == keymaster.PurposeEncrypt || p == keymaster.PurposeDecrypt ||
			p == keymaster.PurposeWrapKey
	case keymaster.AlgorithmEC, keymaster.AlgorithmHMAC:
		return p == keymaster.PurposeSign || p == keymaster.PurposeVerify
	case keymaster.AlgorithmAES:
		return p == keymaster.PurposeEncrypt || p == keymaster.PurposeDecrypt
	}
	return false
}

// checkKeyParams validates a complete key description and returns its shape.
func checkKeyParams(params keymaster.AuthorizationSet) (keySpec, error) {
	algV, ok := params.GetUint(keymaster.TagAlgorithm)
	if !ok {
		return keySpec{}, fail(keymaster.ErrorUnsupportedAlgorithm, "algorithm not specified")
	}
	spec := keySpec{algorithm: keymaster.Algorithm(algV)}

	purposes := params.GetAll(keymaster.TagPurpose)
	if len(purposes) == 0 {
		return keySpec{}, fail(keymaster.ErrorUnsupportedPurpose, "no purpose")
	}
	for _, p := range purposes {
		if !purposeAllowed(spec.algorithm, keymaster.Purpose(p)) {
			return keySpec{}, fail(keymaster.ErrorUnsupportedPurpose, "%s for %s", keymaster.Purpose(p), spec.algorithm)
		}
	}
	for _, dg := range params.GetAll(keymaster.TagDigest) {
		if _, ok := hashFor(keymaster.Digest(dg)); !ok && keymaster.Digest(dg) != keymaster.DigestNone {
			return keySpec{}, fail(keymaster.ErrorUnsupportedDigest, "digest %d", dg)
		}
	}

	size, hasSize := params.GetUint(keymaster.TagKeySize)
	switch spec.algorithm {
	case keymaster.AlgorithmRSA:
		if !hasSize || (size != 2048 && size != 3072 && size != 4096) {
			return keySpec{}, fail(keymaster.ErrorUnsupportedKeySize, "RSA key size %d", size)
		}
		if e, ok := params.GetValue(keymaster.TagRSAPublicExponent); ok && e != 65537 {
			return keySpec{}, fail(keymaster.ErrorInvalidArgument, "RSA public exponent %d", e)
		}
		for _, p := range params.GetAll(keymaster.TagPadding) {
			switch keymaster.PaddingMode(p) {
			case keymaster.PaddingNone, keymaster.PaddingRSAOAEP, keymaster.PaddingRSAPSS,
				keymaster.PaddingRSAPKCS1_1_5Enc, keymaster.PaddingRSAPKCS1_1_5Sign:
			default:
				return keySpec{}, fail(keymaster.ErrorUnsupportedPaddingMode, "RSA padding %d", p)
			}
		}
		spec.keySize = size

	case keymaster.AlgorithmEC:
		curveV, hasCurve := params.GetUint(keymaster.TagEcCurve)
		switch {
		case hasCurve:
			info, ok := ecCurves[keymaster.EcCurve(curveV)]
			if !ok {
				return keySpec{}, fail(keymaster.ErrorUnsupportedEcCurve, "curve %d", curveV)
			}
			if hasSize && size != info.size {
				return keySpec{}, fail(keymaster.ErrorInvalidArgument, "key size %d does not match curve", size)
			}
			spec.curve, spec.keySize = keymaster.EcCurve(curveV), info.size
		case hasSize:
			c, ok := curveForSize(size)
			if !ok {
				return keySpec{}, fail(keymaster.ErrorUnsupportedKeySize, "EC key size %d", size)
			}
			spec.curve, spec.keySize = c, size
		default:
			return keySpec{}, fail(keymaster.ErrorUnsupportedKeySize, "EC key needs a size or curve")
		}

	case keymaster.AlgorithmAES:
		if !hasSize || (size != 128 && size != 192 && size != 256) {
			return keySpec{}, fail(keymaster.ErrorUnsupportedKeySize, "AES key size %d", size)
		}
		for _, m := range params.GetAll(keymaster.TagBlockMode) {
			switch keymaster.BlockMode(m) {
			case keymaster.BlockModeECB, keymaster.BlockModeCBC, keymaster.BlockModeCTR, keymaster.BlockModeGCM:
			default:
				return keySpec{}, fail(keymaster.ErrorUnsupportedBlockMode, "block mode %d", m)
			}
		}
		for _, p := range params.GetAll(keymaster.TagPadding) {
			if keymaster.PaddingMode(p) != keymaster.PaddingNone && keymaster.PaddingMode(p) != keymaster.PaddingPKCS7 {
				return keySpec{}, fail(keymaster.ErrorUnsupportedPaddingMode, "AES padding %d", p)
			}
		}
		if params.ContainsValue(keymaster.TagBlockMode, uint64(keymaster.BlockModeGCM)) {
			minMac, ok := params.GetUint(keymaster.TagMinMacLength)
			if !ok {
				return keySpec{}, keymaster.ErrorMissingMinMacLength
			}
			if minMac < 96 || minMac > 128 || minMac%8 != 0 {
				return keySpec{}, fail(keymaster.ErrorUnsupportedMinMacLength, "GCM min mac length %d", minMac)
			}
		}
		spec.keySize = size

	case keymaster.AlgorithmHMAC:
		if !hasSize || size < 64 || size > 512 || size%8 != 0 {
			return keySpec{}, fail(keymaster.ErrorUnsupportedKeySize, "HMAC key size %d", size)
		}
		digests := params.GetAll(keymaster.TagDigest)
		if len(digests) != 1 || keymaster.Digest(digests[0]) == keymaster.DigestNone {
			return keySpec{}, fail(keymaster.ErrorUnsupportedDigest, "HMAC keys need exactly one digest")
		}
		h, _ := hashFor(keymaster.Digest(digests[0]))
		minMac, ok := params.GetUint(keymaster.TagMinMacLength)
		if !ok {
			return keySpec{}, keymaster.ErrorMissingMinMacLength
		}
		if minMac < 64 || minMac%8 != 0 || int(minMac) > h.Size()*8 {
			return keySpec{}, fail(keymaster.ErrorUnsupportedMinMacLength, "HMAC min mac length %d", minMac)
		}
		spec.keySize = size

	default:
		return keySpec{}, fail(keymaster.ErrorUnsupportedAlgorithm, "algorithm %d", algV)
	}
	return spec, nil
}

// singleValue returns the only value of tag in params. More than one value
// yields the supplied code.
func singleValue(params keymaster.AuthorizationSet, tag keymaster.Tag, code keymaster.ErrorCode) (uint64, bool, error) {
	values := params.GetAll(tag)
	switch len(values) {
	case 0:
		return 0, false, nil
	case 1:
		return values[0], true, nil
	}
	return 0, false, fail(code, "%s given %d times", tag, len(values))
}

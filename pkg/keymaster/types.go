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

// Package keymaster defines the contract of a keymaster-style key-management
// device: tags, authorization sets, key blobs, operation handles, numeric
// error codes and the Device interface every fuzz target implements.
//
// This package has no knowledge of how a device stores or protects keys.
// Implementations live in the software and strongbox subpackages.
package keymaster

import (
	"fmt"
)

// =============================================================================
// Tags
// =============================================================================

// TagType is encoded in the top four bits of every Tag and determines
// which KeyParameter field carries the value.
type TagType uint32

const (
	TagTypeInvalid  TagType = 0 << 28
	TagTypeEnum     TagType = 1 << 28
	TagTypeEnumRep  TagType = 2 << 28
	TagTypeUint     TagType = 3 << 28
	TagTypeUintRep  TagType = 4 << 28
	TagTypeUlong    TagType = 5 << 28
	TagTypeDate     TagType = 6 << 28
	TagTypeBool     TagType = 7 << 28
	TagTypeBignum   TagType = 8 << 28
	TagTypeBytes    TagType = 9 << 28
	TagTypeUlongRep TagType = 10 << 28

	tagTypeMask = 0xF << 28
)

// Tag identifies a key parameter.
type Tag uint32

const (
	TagInvalid           = Tag(TagTypeInvalid) | 0
	TagPurpose           = Tag(TagTypeEnumRep) | 1
	TagAlgorithm         = Tag(TagTypeEnum) | 2
	TagKeySize           = Tag(TagTypeUint) | 3
	TagBlockMode         = Tag(TagTypeEnumRep) | 4
	TagDigest            = Tag(TagTypeEnumRep) | 5
	TagPadding           = Tag(TagTypeEnumRep) | 6
	TagCallerNonce       = Tag(TagTypeBool) | 7
	TagMinMacLength      = Tag(TagTypeUint) | 8
	TagEcCurve           = Tag(TagTypeEnum) | 10
	TagRSAPublicExponent = Tag(TagTypeUlong) | 200
	TagNoAuthRequired    = Tag(TagTypeBool) | 503
	TagApplicationID     = Tag(TagTypeBytes) | 601
	TagApplicationData   = Tag(TagTypeBytes) | 700
	TagCreationDatetime  = Tag(TagTypeDate) | 701
	TagOrigin            = Tag(TagTypeEnum) | 702
	TagOSVersion         = Tag(TagTypeUint) | 705
	TagOSPatchlevel      = Tag(TagTypeUint) | 706
	TagNonce             = Tag(TagTypeBytes) | 1001
	TagMacLength         = Tag(TagTypeUint) | 1003
)

var tagNames = map[Tag]string{
	TagInvalid:           "INVALID",
	TagPurpose:           "PURPOSE",
	TagAlgorithm:         "ALGORITHM",
	TagKeySize:           "KEY_SIZE",
	TagBlockMode:         "BLOCK_MODE",
	TagDigest:            "DIGEST",
	TagPadding:           "PADDING",
	TagCallerNonce:       "CALLER_NONCE",
	TagMinMacLength:      "MIN_MAC_LENGTH",
	TagEcCurve:           "EC_CURVE",
	TagRSAPublicExponent: "RSA_PUBLIC_EXPONENT",
	TagNoAuthRequired:    "NO_AUTH_REQUIRED",
	TagApplicationID:     "APPLICATION_ID",
	TagApplicationData:   "APPLICATION_DATA",
	TagCreationDatetime:  "CREATION_DATETIME",
	TagOrigin:            "ORIGIN",
	TagOSVersion:         "OS_VERSION",
	TagOSPatchlevel:      "OS_PATCHLEVEL",
	TagNonce:             "NONCE",
	TagMacLength:         "MAC_LENGTH",
}

// Type returns the value type encoded in the tag.
func (t Tag) Type() TagType {
	return TagType(uint32(t) & tagTypeMask)
}

// Repeatable reports whether the tag may appear more than once in a set.
func (t Tag) Repeatable() bool {
	switch t.Type() {
	case TagTypeEnumRep, TagTypeUintRep, TagTypeUlongRep:
		return true
	}
	return false
}

func (t Tag) String() string {
	if name, ok := tagNames[t]; ok {
		return name
	}
	return fmt.Sprintf("Tag(%#x)", uint32(t))
}

// =============================================================================
// Enumerations
// =============================================================================

// Algorithm is the value of TagAlgorithm.
type Algorithm uint32

const (
	AlgorithmRSA  Algorithm = 1
	AlgorithmEC   Algorithm = 3
	AlgorithmAES  Algorithm = 32
	AlgorithmHMAC Algorithm = 128
)

func (a Algorithm) String() string {
	switch a {
	case AlgorithmRSA:
		return "RSA"
	case AlgorithmEC:
		return "EC"
	case AlgorithmAES:
		return "AES"
	case AlgorithmHMAC:
		return "HMAC"
	}
	return fmt.Sprintf("Algorithm(%d)", uint32(a))
}

// Purpose is the value of TagPurpose and the first argument to Begin.
type Purpose uint32

const (
	PurposeEncrypt Purpose = 0
	PurposeDecrypt Purpose = 1
	PurposeSign    Purpose = 2
	PurposeVerify  Purpose = 3
	PurposeWrapKey Purpose = 5
)

func (p Purpose) String() string {
	switch p {
	case PurposeEncrypt:
		return "ENCRYPT"
	case PurposeDecrypt:
		return "DECRYPT"
	case PurposeSign:
		return "SIGN"
	case PurposeVerify:
		return "VERIFY"
	case PurposeWrapKey:
		return "WRAP_KEY"
	}
	return fmt.Sprintf("Purpose(%d)", uint32(p))
}

// Digest is the value of TagDigest.
type Digest uint32

const (
	DigestNone     Digest = 0
	DigestMD5      Digest = 1
	DigestSHA1     Digest = 2
	DigestSHA2_224 Digest = 3
	DigestSHA2_256 Digest = 4
	DigestSHA2_384 Digest = 5
	DigestSHA2_512 Digest = 6
)

// PaddingMode is the value of TagPadding.
type PaddingMode uint32

const (
	PaddingNone             PaddingMode = 1
	PaddingRSAOAEP          PaddingMode = 2
	PaddingRSAPSS           PaddingMode = 3
	PaddingRSAPKCS1_1_5Enc  PaddingMode = 4
	PaddingRSAPKCS1_1_5Sign PaddingMode = 5
	PaddingPKCS7            PaddingMode = 64
)

// BlockMode is the value of TagBlockMode.
type BlockMode uint32

const (
	BlockModeECB BlockMode = 1
	BlockModeCBC BlockMode = 2
	BlockModeCTR BlockMode = 3
	BlockModeGCM BlockMode = 32
)

// EcCurve is the value of TagEcCurve.
type EcCurve uint32

const (
	EcCurveP224 EcCurve = 0
	EcCurveP256 EcCurve = 1
	EcCurveP384 EcCurve = 2
	EcCurveP521 EcCurve = 3
)

// KeyFormat selects the encoding for ImportKey and ExportKey.
type KeyFormat uint32

const (
	KeyFormatX509  KeyFormat = 0
	KeyFormatPKCS8 KeyFormat = 1
	KeyFormatRaw   KeyFormat = 3
)

func (f KeyFormat) String() string {
	switch f {
	case KeyFormatX509:
		return "X509"
	case KeyFormatPKCS8:
		return "PKCS8"
	case KeyFormatRaw:
		return "RAW"
	}
	return fmt.Sprintf("KeyFormat(%d)", uint32(f))
}

// KeyOrigin is the value of TagOrigin.
type KeyOrigin uint32

const (
	OriginGenerated        KeyOrigin = 0
	OriginDerived          KeyOrigin = 1
	OriginImported         KeyOrigin = 2
	OriginSecurelyImported KeyOrigin = 4
)

// SecurityLevel describes where a device enforces key authorizations.
type SecurityLevel uint32

const (
	SecurityLevelSoftware           SecurityLevel = 0
	SecurityLevelTrustedEnvironment SecurityLevel = 1
	SecurityLevelStrongBox          SecurityLevel = 2
)

func (l SecurityLevel) String() string {
	switch l {
	case SecurityLevelSoftware:
		return "SOFTWARE"
	case SecurityLevelTrustedEnvironment:
		return "TRUSTED_ENVIRONMENT"
	case SecurityLevelStrongBox:
		return "STRONGBOX"
	}
	return fmt.Sprintf("SecurityLevel(%d)", uint32(l))
}

// =============================================================================
// Device results
// =============================================================================

// OperationHandle identifies an in-progress operation. Zero is never a
// valid handle.
type OperationHandle uint64

// KeyBlob is an opaque, device-issued key reference. Only the issuing
// device can interpret Material.
type KeyBlob struct {
	Material []byte
}

// NewKeyBlob wraps caller-supplied bytes as a key blob. Blobs built this
// way are not owned by any device and releasing them is a no-op.
func NewKeyBlob(material []byte) *KeyBlob {
	return &KeyBlob{Material: material}
}

// Len returns the blob size, treating nil as empty.
func (b *KeyBlob) Len() int {
	if b == nil {
		return 0
	}
	return len(b.Material)
}

// Blob is an opaque output buffer returned by ExportKey, Update and Finish.
type Blob struct {
	Data []byte
}

// Bytes returns the blob contents, treating nil as empty.
func (b *Blob) Bytes() []byte {
	if b == nil {
		return nil
	}
	return b.Data
}

// KeyCharacteristics splits a key's authorizations by enforcement point.
type KeyCharacteristics struct {
	HardwareEnforced AuthorizationSet
	SoftwareEnforced AuthorizationSet
}

// All returns the union of hardware and software enforced parameters,
// hardware first.
func (kc *KeyCharacteristics) All() AuthorizationSet {
	if kc == nil {
		return nil
	}
	all := make(AuthorizationSet, 0, len(kc.HardwareEnforced)+len(kc.SoftwareEnforced))
	all = append(all, kc.HardwareEnforced...)
	return append(all, kc.SoftwareEnforced...)
}

// HardwareInfo describes a device.
type HardwareInfo struct {
	SecurityLevel SecurityLevel
	Name          string
	AuthorName    string
}

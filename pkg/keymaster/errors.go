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

import (
	"errors"
	"fmt"
)

// ErrorCode is the numeric status returned by every device operation.
// OK is the only success value; every other value is a failure.
//
// ErrorCode implements error so device methods can return it directly.
// A nil error is equivalent to OK.
type ErrorCode int32

const (
	OK                               ErrorCode = 0
	ErrorRootOfTrustAlreadySet       ErrorCode = -1
	ErrorUnsupportedPurpose          ErrorCode = -2
	ErrorIncompatiblePurpose         ErrorCode = -3
	ErrorUnsupportedAlgorithm        ErrorCode = -4
	ErrorIncompatibleAlgorithm       ErrorCode = -5
	ErrorUnsupportedKeySize          ErrorCode = -6
	ErrorUnsupportedBlockMode        ErrorCode = -7
	ErrorIncompatibleBlockMode       ErrorCode = -8
	ErrorUnsupportedMacLength        ErrorCode = -9
	ErrorUnsupportedPaddingMode      ErrorCode = -10
	ErrorIncompatiblePaddingMode     ErrorCode = -11
	ErrorUnsupportedDigest           ErrorCode = -12
	ErrorIncompatibleDigest          ErrorCode = -13
	ErrorUnsupportedKeyFormat        ErrorCode = -17
	ErrorIncompatibleKeyFormat       ErrorCode = -18
	ErrorInvalidInputLength          ErrorCode = -21
	ErrorKeyExportOptionsInvalid     ErrorCode = -22
	ErrorOutputParameterNull         ErrorCode = -27
	ErrorInvalidOperationHandle      ErrorCode = -28
	ErrorVerificationFailed          ErrorCode = -30
	ErrorTooManyOperations           ErrorCode = -31
	ErrorUnexpectedNullPointer       ErrorCode = -32
	ErrorInvalidKeyBlob              ErrorCode = -33
	ErrorImportedKeyNotEncrypted     ErrorCode = -34
	ErrorImportedKeyDecryptionFailed ErrorCode = -35
	ErrorInvalidArgument             ErrorCode = -38
	ErrorUnsupportedTag              ErrorCode = -39
	ErrorInvalidTag                  ErrorCode = -40
	ErrorImportParameterMismatch     ErrorCode = -44
	ErrorSecureHwBusy                ErrorCode = -48
	ErrorUnsupportedEcField          ErrorCode = -50
	ErrorMissingNonce                ErrorCode = -51
	ErrorInvalidNonce                ErrorCode = -52
	ErrorMissingMacLength            ErrorCode = -53
	ErrorCallerNonceProhibited       ErrorCode = -55
	ErrorInvalidMacLength            ErrorCode = -57
	ErrorMissingMinMacLength         ErrorCode = -58
	ErrorUnsupportedMinMacLength     ErrorCode = -59
	ErrorUnsupportedEcCurve          ErrorCode = -61
	ErrorKeyRequiresUpgrade          ErrorCode = -62
	ErrorHardwareTypeUnavailable     ErrorCode = -68
	ErrorUnimplemented               ErrorCode = -100
	ErrorVersionMismatch             ErrorCode = -101
	ErrorUnknownError                ErrorCode = -1000
)

var errorNames = map[ErrorCode]string{
	OK:                               "OK",
	ErrorRootOfTrustAlreadySet:       "ROOT_OF_TRUST_ALREADY_SET",
	ErrorUnsupportedPurpose:          "UNSUPPORTED_PURPOSE",
	ErrorIncompatiblePurpose:         "INCOMPATIBLE_PURPOSE",
	ErrorUnsupportedAlgorithm:        "UNSUPPORTED_ALGORITHM",
	ErrorIncompatibleAlgorithm:       "INCOMPATIBLE_ALGORITHM",
	ErrorUnsupportedKeySize:          "UNSUPPORTED_KEY_SIZE",
	ErrorUnsupportedBlockMode:        "UNSUPPORTED_BLOCK_MODE",
	ErrorIncompatibleBlockMode:       "INCOMPATIBLE_BLOCK_MODE",
	ErrorUnsupportedMacLength:        "UNSUPPORTED_MAC_LENGTH",
	ErrorUnsupportedPaddingMode:      "UNSUPPORTED_PADDING_MODE",
	ErrorIncompatiblePaddingMode:     "INCOMPATIBLE_PADDING_MODE",
	ErrorUnsupportedDigest:           "UNSUPPORTED_DIGEST",
	ErrorIncompatibleDigest:          "INCOMPATIBLE_DIGEST",
	ErrorUnsupportedKeyFormat:        "UNSUPPORTED_KEY_FORMAT",
	ErrorIncompatibleKeyFormat:       "INCOMPATIBLE_KEY_FORMAT",
	ErrorInvalidInputLength:          "INVALID_INPUT_LENGTH",
	ErrorKeyExportOptionsInvalid:     "KEY_EXPORT_OPTIONS_INVALID",
	ErrorOutputParameterNull:         "OUTPUT_PARAMETER_NULL",
	ErrorInvalidOperationHandle:      "INVALID_OPERATION_HANDLE",
	ErrorVerificationFailed:          "VERIFICATION_FAILED",
	ErrorTooManyOperations:           "TOO_MANY_OPERATIONS",
	ErrorUnexpectedNullPointer:       "UNEXPECTED_NULL_POINTER",
	ErrorInvalidKeyBlob:              "INVALID_KEY_BLOB",
	ErrorImportedKeyNotEncrypted:     "IMPORTED_KEY_NOT_ENCRYPTED",
	ErrorImportedKeyDecryptionFailed: "IMPORTED_KEY_DECRYPTION_FAILED",
	ErrorInvalidArgument:             "INVALID_ARGUMENT",
	ErrorUnsupportedTag:              "UNSUPPORTED_TAG",
	ErrorInvalidTag:                  "INVALID_TAG",
	ErrorImportParameterMismatch:     "IMPORT_PARAMETER_MISMATCH",
	ErrorSecureHwBusy:                "SECURE_HW_BUSY",
	ErrorUnsupportedEcField:          "UNSUPPORTED_EC_FIELD",
	ErrorMissingNonce:                "MISSING_NONCE",
	ErrorInvalidNonce:                "INVALID_NONCE",
	ErrorMissingMacLength:            "MISSING_MAC_LENGTH",
	ErrorCallerNonceProhibited:       "CALLER_NONCE_PROHIBITED",
	ErrorInvalidMacLength:            "INVALID_MAC_LENGTH",
	ErrorMissingMinMacLength:         "MISSING_MIN_MAC_LENGTH",
	ErrorUnsupportedMinMacLength:     "UNSUPPORTED_MIN_MAC_LENGTH",
	ErrorUnsupportedEcCurve:          "UNSUPPORTED_EC_CURVE",
	ErrorKeyRequiresUpgrade:          "KEY_REQUIRES_UPGRADE",
	ErrorHardwareTypeUnavailable:     "HARDWARE_TYPE_UNAVAILABLE",
	ErrorUnimplemented:               "UNIMPLEMENTED",
	ErrorVersionMismatch:             "VERSION_MISMATCH",
	ErrorUnknownError:                "UNKNOWN_ERROR",
}

// String returns the symbolic name of the code, or the decimal value
// when the code is not one this package knows about.
func (c ErrorCode) String() string {
	if name, ok := errorNames[c]; ok {
		return name
	}
	return fmt.Sprintf("ErrorCode(%d)", int32(c))
}

// Error implements the error interface.
func (c ErrorCode) Error() string {
	return fmt.Sprintf("keymaster: %s (%d)", c.String(), int32(c))
}

// Code folds any error returned by a device into an ErrorCode.
// A nil error is OK. Errors that do not wrap an ErrorCode map to
// ErrorUnknownError.
func Code(err error) ErrorCode {
	if err == nil {
		return OK
	}
	var code ErrorCode
	if errors.As(err, &code) {
		return code
	}
	return ErrorUnknownError
}

// Status converts an ErrorCode back into the error convention used by
// the Device interface: OK becomes nil.
func Status(code ErrorCode) error {
	if code == OK {
		return nil
	}
	return code
}

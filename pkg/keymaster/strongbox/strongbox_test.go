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

package strongbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	km "github.com/jeremyhahn/go-keyfuzz/pkg/keymaster"
	"github.com/jeremyhahn/go-keyfuzz/pkg/keymaster/software"
)

func newTestDevice(t *testing.T) *Device {
	t.Helper()
	inner, err := software.New(nil)
	require.NoError(t, err)
	d := New(inner)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func rsaParams(size uint32, digest km.Digest) km.AuthorizationSet {
	return km.NewAuthorizationSet(
		km.EnumParam(km.TagAlgorithm, km.AlgorithmRSA),
		km.UintParam(km.TagKeySize, size),
		km.EnumParam(km.TagDigest, digest),
		km.EnumParam(km.TagPadding, km.PaddingRSAPKCS1_1_5Sign),
		km.EnumParam(km.TagPurpose, km.PurposeSign),
		km.BoolParam(km.TagNoAuthRequired),
	)
}

func TestHardwareInfo(t *testing.T) {
	d := newTestDevice(t)
	info, err := d.HardwareInfo()
	require.NoError(t, err)
	assert.Equal(t, km.SecurityLevelStrongBox, info.SecurityLevel)
	assert.Contains(t, info.Name, "StrongBox")
}

func TestProfileRestrictions(t *testing.T) {
	d := newTestDevice(t)

	tests := []struct {
		name   string
		params km.AuthorizationSet
		want   km.ErrorCode
	}{
		{"rsa 3072", rsaParams(3072, km.DigestSHA2_256), km.ErrorUnsupportedKeySize},
		{"sha512", rsaParams(2048, km.DigestSHA2_512), km.ErrorUnsupportedDigest},
		{"ec p384", km.NewAuthorizationSet(
			km.EnumParam(km.TagAlgorithm, km.AlgorithmEC),
			km.EnumParam(km.TagEcCurve, km.EcCurveP384),
			km.EnumParam(km.TagPurpose, km.PurposeSign)), km.ErrorUnsupportedEcCurve},
		{"aes 192", km.NewAuthorizationSet(
			km.EnumParam(km.TagAlgorithm, km.AlgorithmAES),
			km.UintParam(km.TagKeySize, 192),
			km.EnumParam(km.TagPurpose, km.PurposeEncrypt)), km.ErrorUnsupportedKeySize},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := d.GenerateKey(tt.params)
			assert.Equal(t, tt.want, km.Code(err), "err = %v", err)
		})
	}
	assert.Zero(t, d.Outstanding())
}

func TestCharacteristicsAreHardwareEnforced(t *testing.T) {
	inner, err := software.New(&software.Config{SecurityLevel: km.SecurityLevelSoftware})
	require.NoError(t, err)
	d := New(inner)
	defer d.Close()

	blob, kc, err := d.GenerateKey(rsaParams(2048, km.DigestSHA2_256))
	require.NoError(t, err)
	assert.Empty(t, kc.SoftwareEnforced)
	assert.True(t, kc.HardwareEnforced.Contains(km.TagAlgorithm))
	d.FreeCharacteristics(kc)

	kc, err = d.GetKeyCharacteristics(blob, nil, nil)
	require.NoError(t, err)
	assert.Empty(t, kc.SoftwareEnforced)
	d.FreeCharacteristics(kc)
	d.FreeKeyBlob(blob)
	assert.Zero(t, d.Outstanding())
}

func TestOperationLimit(t *testing.T) {
	d := newTestDevice(t)
	blob, kc, err := d.GenerateKey(rsaParams(2048, km.DigestSHA2_256))
	require.NoError(t, err)
	d.FreeCharacteristics(kc)
	defer d.FreeKeyBlob(blob)

	begin := km.NewAuthorizationSet(
		km.EnumParam(km.TagDigest, km.DigestSHA2_256),
		km.EnumParam(km.TagPadding, km.PaddingRSAPKCS1_1_5Sign),
	)
	var handles []km.OperationHandle
	for i := 0; i < MaxOperations; i++ {
		h, _, err := d.Begin(km.PurposeSign, blob, begin)
		require.NoError(t, err)
		handles = append(handles, h)
	}
	_, _, err = d.Begin(km.PurposeSign, blob, begin)
	assert.Equal(t, km.ErrorTooManyOperations, km.Code(err))

	require.NoError(t, d.Abort(handles[0]))
	sig, err := d.Finish(handles[1], nil, []byte("msg"), nil)
	require.NoError(t, err)
	d.FreeBlob(sig)

	h, _, err := d.Begin(km.PurposeSign, blob, begin)
	require.NoError(t, err)
	handles = append(handles, h)

	_, _, err = d.Update(handles[2], nil, make([]byte, software.DefaultMaxUpdateInput+1))
	assert.Equal(t, km.ErrorInvalidInputLength, km.Code(err))
	_, _, err = d.Begin(km.PurposeSign, blob, begin)
	require.NoError(t, err, "failed update frees a slot")

	_, _, err = d.Begin(km.PurposeSign, blob, km.NewAuthorizationSet(
		km.EnumParam(km.TagDigest, km.DigestSHA2_384),
		km.EnumParam(km.TagPadding, km.PaddingRSAPKCS1_1_5Sign)))
	assert.Equal(t, km.ErrorUnsupportedDigest, km.Code(err))
}

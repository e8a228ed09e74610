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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testParams() AuthorizationSet {
	return NewAuthorizationSet(
		EnumParam(TagAlgorithm, AlgorithmRSA),
		UintParam(TagKeySize, 2048),
		EnumParam(TagPurpose, PurposeSign),
		EnumParam(TagPurpose, PurposeVerify),
		EnumParam(TagDigest, DigestSHA2_256),
		UlongParam(TagRSAPublicExponent, 65537),
		BoolParam(TagNoAuthRequired),
		BytesParam(TagApplicationID, []byte("keyfuzz")),
	)
}

func TestAuthorizationSetLookups(t *testing.T) {
	set := testParams()

	alg, ok := set.GetUint(TagAlgorithm)
	require.True(t, ok)
	assert.Equal(t, uint32(AlgorithmRSA), alg)

	assert.True(t, set.Contains(TagNoAuthRequired))
	assert.False(t, set.Contains(TagEcCurve))
	assert.True(t, set.ContainsValue(TagPurpose, uint64(PurposeVerify)))
	assert.False(t, set.ContainsValue(TagPurpose, uint64(PurposeEncrypt)))
	assert.Equal(t, []uint64{uint64(PurposeSign), uint64(PurposeVerify)}, set.GetAll(TagPurpose))

	appID, ok := set.GetBytes(TagApplicationID)
	require.True(t, ok)
	assert.Equal(t, []byte("keyfuzz"), appID)

	_, ok = set.GetValue(TagMacLength)
	assert.False(t, ok)
}

func TestAuthorizationSetWithoutAndClone(t *testing.T) {
	set := testParams()

	stripped := set.Without(TagPurpose, TagApplicationID)
	assert.Len(t, stripped, len(set)-3)
	assert.False(t, stripped.Contains(TagPurpose))
	assert.True(t, set.Contains(TagPurpose), "Without must not modify the receiver")

	clone := set.Clone()
	require.True(t, clone.Equal(set))
	clone[len(clone)-1].Blob[0] = 'X'
	assert.False(t, clone.Equal(set), "Clone must deep copy blobs")
}

func TestAuthorizationSetBinaryRoundTrip(t *testing.T) {
	set := testParams()

	data, err := set.MarshalBinary()
	require.NoError(t, err)

	var decoded AuthorizationSet
	require.NoError(t, decoded.UnmarshalBinary(data))
	assert.True(t, decoded.Equal(set), "decoded %s, want %s", decoded, set)

	again, err := decoded.MarshalBinary()
	require.NoError(t, err)
	assert.Equal(t, data, again, "encoding must be deterministic")
}

func TestAuthorizationSetUnmarshalRejectsMalformed(t *testing.T) {
	valid, err := testParams().MarshalBinary()
	require.NoError(t, err)

	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"Empty", nil, ErrTruncated},
		{"ShortCount", []byte{0, 0}, ErrTruncated},
		{"TooMany", []byte{0, 0, 0x10, 0}, ErrTooManyParameters},
		{"MissingParam", []byte{0, 0, 0, 1}, ErrTruncated},
		{"InvalidTagType", []byte{0, 0, 0, 1, 0xF0, 0, 0, 1}, ErrInvalidTagType},
		{"BadBool", []byte{0, 0, 0, 1, 0x70, 0, 0, 7, 2}, ErrInvalidTagType},
		{"BlobOverrun", []byte{0, 0, 0, 1, 0x90, 0, 3, 0xE9, 0xFF, 0xFF, 0xFF, 0xFF}, ErrTruncated},
		{"Truncated", valid[:len(valid)-1], ErrTruncated},
		{"Trailing", append(append([]byte{}, valid...), 0), ErrTrailingData},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var set AuthorizationSet
			err := set.UnmarshalBinary(tt.data)
			assert.ErrorIs(t, err, tt.want)
			assert.Nil(t, set, "receiver must be untouched on error")
		})
	}
}

func TestTagProperties(t *testing.T) {
	assert.Equal(t, TagTypeEnumRep, TagPurpose.Type())
	assert.True(t, TagPurpose.Repeatable())
	assert.False(t, TagAlgorithm.Repeatable())
	assert.Equal(t, "KEY_SIZE", TagKeySize.String())
	assert.Equal(t, "Tag(0x30000fff)", Tag(uint32(TagTypeUint)|0xfff).String())
}

func FuzzAuthorizationSetUnmarshal(f *testing.F) {
	valid, err := testParams().MarshalBinary()
	if err != nil {
		f.Fatalf("marshal seed: %v", err)
	}
	f.Add(valid)
	f.Add([]byte{})
	f.Add([]byte{0, 0, 0, 1, 0x90, 0, 3, 0xE9, 0, 0, 0, 0})

	f.Fuzz(func(t *testing.T, data []byte) {
		var set AuthorizationSet
		if err := set.UnmarshalBinary(data); err != nil {
			return
		}
		encoded, err := set.MarshalBinary()
		if err != nil {
			t.Fatalf("re-marshal of decoded set failed: %v", err)
		}
		var again AuthorizationSet
		if err := again.UnmarshalBinary(encoded); err != nil {
			t.Fatalf("decode of re-encoded set failed: %v", err)
		}
		if !again.Equal(set) {
			t.Fatalf("round trip mismatch: %s != %s", again, set)
		}
	})
}

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
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

// MaxParameters bounds the number of entries UnmarshalBinary will accept.
const MaxParameters = 1024

var (
	// ErrTruncated is returned when an encoded authorization set ends early.
	ErrTruncated = errors.New("keymaster: truncated authorization set")

	// ErrTooManyParameters is returned when an encoded set exceeds MaxParameters.
	ErrTooManyParameters = errors.New("keymaster: too many parameters")

	// ErrInvalidTagType is returned when a tag carries an unknown type nibble.
	ErrInvalidTagType = errors.New("keymaster: invalid tag type")

	// ErrTrailingData is returned when bytes remain after the last parameter.
	ErrTrailingData = errors.New("keymaster: trailing data after authorization set")
)

// KeyParameter is one tag/value pair. Integer-typed tags (enum, uint,
// ulong, date, bool) use Value; bytes and bignum tags use Blob.
type KeyParameter struct {
	Tag   Tag
	Value uint64
	Blob  []byte
}

// EnumParam builds an ENUM or ENUM_REP parameter.
func EnumParam[E ~uint32](tag Tag, v E) KeyParameter {
	return KeyParameter{Tag: tag, Value: uint64(v)}
}

// UintParam builds a UINT or UINT_REP parameter.
func UintParam(tag Tag, v uint32) KeyParameter {
	return KeyParameter{Tag: tag, Value: uint64(v)}
}

// UlongParam builds a ULONG, ULONG_REP or DATE parameter.
func UlongParam(tag Tag, v uint64) KeyParameter {
	return KeyParameter{Tag: tag, Value: v}
}

// BoolParam builds a BOOL parameter. Presence means true.
func BoolParam(tag Tag) KeyParameter {
	return KeyParameter{Tag: tag, Value: 1}
}

// BytesParam builds a BYTES or BIGNUM parameter.
func BytesParam(tag Tag, b []byte) KeyParameter {
	return KeyParameter{Tag: tag, Blob: b}
}

func (p KeyParameter) String() string {
	switch p.Tag.Type() {
	case TagTypeBytes, TagTypeBignum:
		return fmt.Sprintf("%s=<%d bytes>", p.Tag, len(p.Blob))
	case TagTypeBool:
		return p.Tag.String()
	default:
		return fmt.Sprintf("%s=%d", p.Tag, p.Value)
	}
}

// AuthorizationSet is an ordered list of key parameters.
type AuthorizationSet []KeyParameter

// NewAuthorizationSet returns a set holding params in order.
func NewAuthorizationSet(params ...KeyParameter) AuthorizationSet {
	set := make(AuthorizationSet, 0, len(params))
	return append(set, params...)
}

// Push appends parameters and returns the extended set.
func (s AuthorizationSet) Push(params ...KeyParameter) AuthorizationSet {
	return append(s, params...)
}

// Contains reports whether any parameter carries tag.
func (s AuthorizationSet) Contains(tag Tag) bool {
	for _, p := range s {
		if p.Tag == tag {
			return true
		}
	}
	return false
}

// ContainsValue reports whether tag appears with the integer value v.
func (s AuthorizationSet) ContainsValue(tag Tag, v uint64) bool {
	for _, p := range s {
		if p.Tag == tag && p.Value == v {
			return true
		}
	}
	return false
}

// GetValue returns the first integer value stored under tag.
func (s AuthorizationSet) GetValue(tag Tag) (uint64, bool) {
	for _, p := range s {
		if p.Tag == tag {
			return p.Value, true
		}
	}
	return 0, false
}

// GetUint returns the first value stored under tag truncated to 32 bits.
func (s AuthorizationSet) GetUint(tag Tag) (uint32, bool) {
	v, ok := s.GetValue(tag)
	return uint32(v), ok
}

// GetBytes returns the first blob stored under tag.
func (s AuthorizationSet) GetBytes(tag Tag) ([]byte, bool) {
	for _, p := range s {
		if p.Tag == tag {
			return p.Blob, true
		}
	}
	return nil, false
}

// GetAll returns every integer value stored under a repeatable tag.
func (s AuthorizationSet) GetAll(tag Tag) []uint64 {
	var values []uint64
	for _, p := range s {
		if p.Tag == tag {
			values = append(values, p.Value)
		}
	}
	return values
}

// Without returns a copy of the set with every parameter carrying one of
// tags removed.
func (s AuthorizationSet) Without(tags ...Tag) AuthorizationSet {
	out := make(AuthorizationSet, 0, len(s))
next:
	for _, p := range s {
		for _, t := range tags {
			if p.Tag == t {
				continue next
			}
		}
		out = append(out, p)
	}
	return out
}

// Clone returns a deep copy.
func (s AuthorizationSet) Clone() AuthorizationSet {
	if s == nil {
		return nil
	}
	out := make(AuthorizationSet, len(s))
	for i, p := range s {
		out[i] = p
		if p.Blob != nil {
			out[i].Blob = bytes.Clone(p.Blob)
		}
	}
	return out
}

// Equal reports whether both sets hold the same parameters in the same order.
func (s AuthorizationSet) Equal(other AuthorizationSet) bool {
	if len(s) != len(other) {
		return false
	}
	for i := range s {
		if s[i].Tag != other[i].Tag || s[i].Value != other[i].Value || !bytes.Equal(s[i].Blob, other[i].Blob) {
			return false
		}
	}
	return true
}

func (s AuthorizationSet) String() string {
	parts := make([]string, len(s))
	for i, p := range s {
		parts[i] = p.String()
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// MarshalBinary encodes the set as
//
//	count:u32 { tag:u32 value }*
//
// where value is u32 for enum/uint tags, u64 for ulong/date tags, u8 for
// bool tags and len:u32 bytes for bytes/bignum tags. All integers are
// big-endian. The encoding is deterministic for a given set.
func (s AuthorizationSet) MarshalBinary() ([]byte, error) {
	if len(s) > MaxParameters {
		return nil, ErrTooManyParameters
	}
	buf := binary.BigEndian.AppendUint32(nil, uint32(len(s)))
	for _, p := range s {
		buf = binary.BigEndian.AppendUint32(buf, uint32(p.Tag))
		switch p.Tag.Type() {
		case TagTypeEnum, TagTypeEnumRep, TagTypeUint, TagTypeUintRep:
			buf = binary.BigEndian.AppendUint32(buf, uint32(p.Value))
		case TagTypeUlong, TagTypeUlongRep, TagTypeDate:
			buf = binary.BigEndian.AppendUint64(buf, p.Value)
		case TagTypeBool:
			buf = append(buf, 1)
		case TagTypeBytes, TagTypeBignum:
			buf = binary.BigEndian.AppendUint32(buf, uint32(len(p.Blob)))
			buf = append(buf, p.Blob...)
		default:
			return nil, fmt.Errorf("%w: %s", ErrInvalidTagType, p.Tag)
		}
	}
	return buf, nil
}

// UnmarshalBinary decodes data produced by MarshalBinary, replacing the
// receiver's contents. Any malformed input yields an error; it never panics.
func (s *AuthorizationSet) UnmarshalBinary(data []byte) error {
	r := reader{data: data}
	count, ok := r.uint32()
	if !ok {
		return ErrTruncated
	}
	if count > MaxParameters {
		return fmt.Errorf("%w: %d", ErrTooManyParameters, count)
	}
	set := make(AuthorizationSet, 0, count)
	for i := uint32(0); i < count; i++ {
		rawTag, ok := r.uint32()
		if !ok {
			return ErrTruncated
		}
		p := KeyParameter{Tag: Tag(rawTag)}
		switch p.Tag.Type() {
		case TagTypeEnum, TagTypeEnumRep, TagTypeUint, TagTypeUintRep:
			v, ok := r.uint32()
			if !ok {
				return ErrTruncated
			}
			p.Value = uint64(v)
		case TagTypeUlong, TagTypeUlongRep, TagTypeDate:
			v, ok := r.uint64()
			if !ok {
				return ErrTruncated
			}
			p.Value = v
		case TagTypeBool:
			b, ok := r.next(1)
			if !ok {
				return ErrTruncated
			}
			if b[0] != 1 {
				return fmt.Errorf("%w: bool %s must encode as 1", ErrInvalidTagType, p.Tag)
			}
			p.Value = 1
		case TagTypeBytes, TagTypeBignum:
			n, ok := r.uint32()
			if !ok {
				return ErrTruncated
			}
			b, ok := r.next(int(n))
			if !ok {
				return ErrTruncated
			}
			p.Blob = bytes.Clone(b)
		default:
			return fmt.Errorf("%w: %#x", ErrInvalidTagType, rawTag)
		}
		set = append(set, p)
	}
	if r.remaining() != 0 {
		return ErrTrailingData
	}
	*s = set
	return nil
}

// reader is a bounds-checked cursor over a byte slice.
type reader struct {
	data []byte
	off  int
}

func (r *reader) remaining() int {
	return len(r.data) - r.off
}

func (r *reader) next(n int) ([]byte, bool) {
	if n < 0 || n > r.remaining() {
		return nil, false
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b, true
}

func (r *reader) uint32() (uint32, bool) {
	b, ok := r.next(4)
	if !ok {
		return 0, false
	}
	return binary.BigEndian.Uint32(b), true
}

func (r *reader) uint64() (uint64, bool) {
	b, ok := r.next(8)
	if !ok {
		return 0, false
	}
	return binary.BigEndian.Uint64(b), true
}

package model

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
)

const Int128Size = 16

var (
	ErrInt128Range  = errors.New("value out of int128 range")
	ErrInt128Syntax = errors.New("invalid int128 syntax")
)

var (
	minInt128 = new(big.Int).Neg(new(big.Int).Lsh(big.NewInt(1), 127))
	maxInt128 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 127), big.NewInt(1))
	mask64    = new(big.Int).SetUint64(^uint64(0))
)

// Int128 is a signed 128 bit integer: Hi*2^64 + Lo.
type Int128 struct {
	Hi int64
	Lo uint64
}

func Int128FromInt64(v int64) Int128 {
	if v < 0 {
		return Int128{Hi: -1, Lo: uint64(v)}
	}
	return Int128{Lo: uint64(v)}
}

// ParseInt128 parses a base 10 integer, optionally signed.
func ParseInt128(s string) (Int128, error) {
	s = strings.TrimSpace(s)
	b, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return Int128{}, fmt.Errorf("%w: %q", ErrInt128Syntax, s)
	}
	return Int128FromBig(b)
}

func Int128FromBig(b *big.Int) (Int128, error) {
	if b.Cmp(minInt128) < 0 || b.Cmp(maxInt128) > 0 {
		return Int128{}, ErrInt128Range
	}
	lo := new(big.Int).And(b, mask64).Uint64()
	hi := new(big.Int).Rsh(b, 64).Int64()
	return Int128{Hi: hi, Lo: lo}, nil
}

func (v Int128) Big() *big.Int {
	b := new(big.Int).Lsh(big.NewInt(v.Hi), 64)
	return b.Add(b, new(big.Int).SetUint64(v.Lo))
}

func (v Int128) Sign() int {
	switch {
	case v.Hi < 0:
		return -1
	case v.Hi == 0 && v.Lo == 0:
		return 0
	default:
		return 1
	}
}

func (v Int128) Cmp(o Int128) int {
	switch {
	case v.Hi < o.Hi:
		return -1
	case v.Hi > o.Hi:
		return 1
	case v.Lo < o.Lo:
		return -1
	case v.Lo > o.Lo:
		return 1
	}
	return 0
}

func (v Int128) String() string {
	return v.Big().String()
}

// AppendBinary writes the 16 byte big-endian two's complement form.
func (v Int128) AppendBinary(b []byte) []byte {
	b = binary.BigEndian.AppendUint64(b, uint64(v.Hi))
	return binary.BigEndian.AppendUint64(b, v.Lo)
}

func Int128FromBytes(b []byte) (Int128, error) {
	if len(b) != Int128Size {
		return Int128{}, fmt.Errorf("int128: want %d bytes, got %d", Int128Size, len(b))
	}
	return Int128{
		Hi: int64(binary.BigEndian.Uint64(b[:8])),
		Lo: binary.BigEndian.Uint64(b[8:]),
	}, nil
}

// MarshalJSON emits a decimal string; JSON numbers cannot carry 128 bits.
func (v Int128) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.String())
}

func (v *Int128) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	parsed, err := ParseInt128(s)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// Package leb128 implements the variable-length integer encoding used by the
// DWARF call frame information this module emits (ULEB128/SLEB128).
package leb128

import (
	"errors"
	"fmt"
)

const (
	maxVarintLen32 = 5
	maxVarintLen64 = 10
)

var errOverflow = errors.New("leb128: integer overflow")

// EncodeUint32 appends the ULEB128 encoding of v to a fresh byte slice.
func EncodeUint32(v uint32) []byte {
	return EncodeUint64(uint64(v))
}

// EncodeUint64 appends the ULEB128 encoding of v to a fresh byte slice.
func EncodeUint64(v uint64) (buf []byte) {
	for {
		c := uint8(v & 0x7f)
		v >>= 7
		if v != 0 {
			c |= 0x80
		}
		buf = append(buf, c)
		if c&0x80 == 0 {
			return
		}
	}
}

// EncodeInt32 appends the SLEB128 encoding of v to a fresh byte slice.
func EncodeInt32(v int32) []byte {
	return EncodeInt64(int64(v))
}

// EncodeInt64 appends the SLEB128 encoding of v to a fresh byte slice.
func EncodeInt64(v int64) (buf []byte) {
	for {
		c := uint8(v & 0x7f)
		s := uint8(v & 0x40)
		v >>= 7
		if (v != -1 || s == 0) && (v != 0 || s != 0) {
			c |= 0x80
		}
		buf = append(buf, c)
		if c&0x80 == 0 {
			return
		}
	}
}

// LoadUint64 decodes a ULEB128 integer from the beginning of buf, returning
// the value and the number of bytes consumed.
func LoadUint64(buf []byte) (ret uint64, n int, err error) {
	for shift := 0; shift < 64; shift += 7 {
		if n >= len(buf) {
			return 0, 0, fmt.Errorf("leb128: truncated uint64 after %d bytes", n)
		}
		if n >= maxVarintLen64 {
			return 0, 0, errOverflow
		}
		b := buf[n]
		n++
		ret |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return ret, n, nil
		}
	}
	return 0, 0, errOverflow
}

// LoadInt64 decodes a SLEB128 integer from the beginning of buf, returning
// the value and the number of bytes consumed.
func LoadInt64(buf []byte) (ret int64, n int, err error) {
	var shift int
	var b byte
	for {
		if n >= len(buf) {
			return 0, 0, fmt.Errorf("leb128: truncated int64 after %d bytes", n)
		}
		if n >= maxVarintLen64 {
			return 0, 0, errOverflow
		}
		b = buf[n]
		n++
		ret |= int64(b&0x7f) << shift
		shift += 7
		if b&0x80 == 0 {
			break
		}
	}
	if shift < 64 && b&0x40 != 0 {
		// Sign extend.
		ret |= -1 << shift
	}
	return ret, n, nil
}

// LoadUint32 decodes a ULEB128 integer that must fit in 32 bits.
func LoadUint32(buf []byte) (uint32, int, error) {
	v, n, err := LoadUint64(buf)
	if err != nil {
		return 0, 0, err
	}
	if v > 0xffffffff || n > maxVarintLen32 {
		return 0, 0, errOverflow
	}
	return uint32(v), n, nil
}

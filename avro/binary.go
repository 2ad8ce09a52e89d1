// Package avro contains the narrow type-system boundary the RPC runtime is
// built on: Avro-binary primitive readers and writers, a Type interface with
// a compact built-in implementation for the usual schema subset, schema
// resolution (writer bytes → reader values), and Service/Message descriptions
// parsed from protocol JSON documents.
//
// The read side is offset-walking: every reader returns the decoded value,
// the number of bytes consumed, and an error. Truncated input always yields
// ErrTruncated so callers can distinguish "need more bytes" from corruption.
package avro

import (
	"encoding/binary"
	"errors"
	"math"
)

// ErrTruncated is returned by every reader when the buffer ends before the
// value does.
var ErrTruncated = errors.New("avro: truncated buffer")

// AppendLong appends v in Avro zigzag-varint form.
func AppendLong(buf []byte, v int64) []byte {
	u := uint64(v<<1) ^ uint64(v>>63) // zigzag
	for u >= 0x80 {
		buf = append(buf, byte(u)|0x80)
		u >>= 7
	}
	return append(buf, byte(u))
}

// ReadLong decodes a zigzag-varint long from the front of buf.
func ReadLong(buf []byte) (int64, int, error) {
	var u uint64
	var shift uint
	for i := 0; i < len(buf); i++ {
		b := buf[i]
		if shift >= 64 {
			return 0, 0, errors.New("avro: varint overflow")
		}
		u |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return int64(u>>1) ^ -int64(u&1), i + 1, nil
		}
		shift += 7
	}
	return 0, 0, ErrTruncated
}

// AppendInt appends v as an Avro int (same zigzag-varint wire form as long).
func AppendInt(buf []byte, v int32) []byte {
	return AppendLong(buf, int64(v))
}

// ReadInt decodes an Avro int, rejecting values outside the 32-bit range.
func ReadInt(buf []byte) (int32, int, error) {
	v, n, err := ReadLong(buf)
	if err != nil {
		return 0, 0, err
	}
	if v < math.MinInt32 || v > math.MaxInt32 {
		return 0, 0, errors.New("avro: int out of range")
	}
	return int32(v), n, nil
}

// AppendBool appends a single 0/1 byte.
func AppendBool(buf []byte, v bool) []byte {
	if v {
		return append(buf, 1)
	}
	return append(buf, 0)
}

// ReadBool decodes a boolean byte.
func ReadBool(buf []byte) (bool, int, error) {
	if len(buf) < 1 {
		return false, 0, ErrTruncated
	}
	switch buf[0] {
	case 0:
		return false, 1, nil
	case 1:
		return true, 1, nil
	}
	return false, 0, errors.New("avro: invalid boolean byte")
}

// AppendBytes appends a length-prefixed byte slice.
func AppendBytes(buf, v []byte) []byte {
	buf = AppendLong(buf, int64(len(v)))
	return append(buf, v...)
}

// ReadBytes decodes a length-prefixed byte slice. The returned slice is a
// copy, so callers may hold it past the lifetime of buf.
func ReadBytes(buf []byte) ([]byte, int, error) {
	size, n, err := ReadLong(buf)
	if err != nil {
		return nil, 0, err
	}
	if size < 0 {
		return nil, 0, errors.New("avro: negative bytes length")
	}
	if int64(len(buf)-n) < size {
		return nil, 0, ErrTruncated
	}
	out := make([]byte, size)
	copy(out, buf[n:n+int(size)])
	return out, n + int(size), nil
}

// AppendString appends a length-prefixed UTF-8 string.
func AppendString(buf []byte, v string) []byte {
	buf = AppendLong(buf, int64(len(v)))
	return append(buf, v...)
}

// ReadString decodes a length-prefixed string.
func ReadString(buf []byte) (string, int, error) {
	b, n, err := ReadBytes(buf)
	if err != nil {
		return "", 0, err
	}
	return string(b), n, nil
}

// AppendFloat appends an IEEE-754 single in Avro's little-endian layout.
func AppendFloat(buf []byte, v float32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], math.Float32bits(v))
	return append(buf, tmp[:]...)
}

// ReadFloat decodes a 4-byte little-endian float.
func ReadFloat(buf []byte) (float32, int, error) {
	if len(buf) < 4 {
		return 0, 0, ErrTruncated
	}
	return math.Float32frombits(binary.LittleEndian.Uint32(buf)), 4, nil
}

// AppendDouble appends an IEEE-754 double in Avro's little-endian layout.
func AppendDouble(buf []byte, v float64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], math.Float64bits(v))
	return append(buf, tmp[:]...)
}

// ReadDouble decodes an 8-byte little-endian double.
func ReadDouble(buf []byte) (float64, int, error) {
	if len(buf) < 8 {
		return 0, 0, ErrTruncated
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(buf)), 8, nil
}

// AppendFixed appends exactly size bytes of v (v must already be that long).
func AppendFixed(buf, v []byte, size int) ([]byte, error) {
	if len(v) != size {
		return nil, errors.New("avro: fixed size mismatch")
	}
	return append(buf, v...), nil
}

// ReadFixed copies exactly size bytes from the front of buf.
func ReadFixed(buf []byte, size int) ([]byte, int, error) {
	if len(buf) < size {
		return nil, 0, ErrTruncated
	}
	out := make([]byte, size)
	copy(out, buf[:size])
	return out, size, nil
}

// AppendBytesMap appends a map<string, bytes> as a single Avro map block
// followed by the zero terminator. Entries are written in Go map iteration
// order, which is unspecified; Avro map equality is keys-only, so the order
// is not part of the contract.
func AppendBytesMap(buf []byte, m map[string][]byte) []byte {
	if len(m) > 0 {
		buf = AppendLong(buf, int64(len(m)))
		for k, v := range m {
			buf = AppendString(buf, k)
			buf = AppendBytes(buf, v)
		}
	}
	return append(buf, 0) // end of blocks
}

// ReadBytesMap decodes a map<string, bytes>, accepting the negative-count
// block form (count < 0 means a byte size follows, which is skipped).
func ReadBytesMap(buf []byte) (map[string][]byte, int, error) {
	m := make(map[string][]byte)
	offset := 0
	for {
		count, n, err := ReadLong(buf[offset:])
		if err != nil {
			return nil, 0, err
		}
		offset += n
		if count == 0 {
			return m, offset, nil
		}
		if count < 0 {
			// Block size in bytes precedes the entries; we re-parse them anyway.
			_, n, err := ReadLong(buf[offset:])
			if err != nil {
				return nil, 0, err
			}
			offset += n
			count = -count
		}
		for i := int64(0); i < count; i++ {
			k, n, err := ReadString(buf[offset:])
			if err != nil {
				return nil, 0, err
			}
			offset += n
			v, n, err := ReadBytes(buf[offset:])
			if err != nil {
				return nil, 0, err
			}
			offset += n
			m[k] = v
		}
	}
}

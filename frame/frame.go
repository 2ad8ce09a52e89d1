// Package frame implements the two wire framing dialects used by the RPC
// channels. Both carry the same semantics — a record is an optional 32-bit
// id plus an ordered list of byte slices — but lay the bytes out differently.
//
// Standard dialect (stateless-friendly): a record is a run of frames closed
// by an empty frame. Each frame is a 4-byte big-endian length followed by
// that many bytes; records carry no id.
//
//	┌─────────┬────────────┬─────────┬────────────┬─────────┐
//	│ len(p1) │  p1 bytes  │ len(p2) │  p2 bytes  │    0    │
//	│ uint32  │            │ uint32  │            │ uint32  │
//	└─────────┴────────────┴─────────┴────────────┴─────────┘
//
// Netty dialect (stateful-friendly): a record starts with an 8-byte header
// [int32 id, int32 frameCount], then exactly frameCount framed payloads.
// There is no terminator; the record is complete once the declared frames
// have been read.
//
//	┌─────────┬────────────┬─────────┬────────────┬───
//	│   id    │ frameCount │ len(p1) │  p1 bytes  │ ...
//	│ uint32  │   uint32   │ uint32  │            │
//	└─────────┴────────────┴─────────┴────────────┴───
//
// Decoders are incremental: bytes may be fed in arbitrary fragments and
// partial input is buffered across calls. The two dialects are not
// interchangeable; both peers of a channel must agree on one.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Record is one decoded message: an optional id (nil in the standard
// dialect) and the ordered payload frames.
type Record struct {
	ID      *int32
	Payload [][]byte
}

// WithID returns a record tagged with the given id.
func WithID(id int32, payload ...[]byte) Record {
	return Record{ID: &id, Payload: payload}
}

// ErrTrailingBytes is reported by Flush when a decoder still holds an
// incomplete record.
var ErrTrailingBytes = errors.New("frame: trailing bytes after last record")

// maxFrameSize caps a single frame at 64 MiB, rejecting corrupt lengths
// before they turn into huge allocations.
const maxFrameSize = 64 << 20

// Decoder turns an incoming byte stream into records.
type Decoder interface {
	// Write feeds a fragment of the stream and returns any records that
	// completed. Partial input is buffered until the next call.
	Write(p []byte) ([]Record, error)
	// Flush signals end of stream; buffered leftover bytes are an error.
	Flush() error
}

// Encoder renders records back into the byte stream.
type Encoder interface {
	// Encode appends the wire form of rec to buf.
	Encode(buf []byte, rec Record) []byte
}

// StandardDecoder decodes the standard dialect.
type StandardDecoder struct {
	buf    []byte
	frames [][]byte
}

// NewStandardDecoder returns an empty standard-dialect decoder.
func NewStandardDecoder() *StandardDecoder { return &StandardDecoder{} }

func (d *StandardDecoder) Write(p []byte) ([]Record, error) {
	d.buf = append(d.buf, p...)
	var records []Record
	for {
		if len(d.buf) < 4 {
			return records, nil
		}
		size := binary.BigEndian.Uint32(d.buf)
		if size > maxFrameSize {
			return nil, fmt.Errorf("frame: frame size %d exceeds limit", size)
		}
		if size == 0 {
			// Empty frame closes the record.
			d.buf = d.buf[4:]
			records = append(records, Record{Payload: d.frames})
			d.frames = nil
			continue
		}
		if len(d.buf) < 4+int(size) {
			return records, nil
		}
		frame := make([]byte, size)
		copy(frame, d.buf[4:4+size])
		d.buf = d.buf[4+size:]
		d.frames = append(d.frames, frame)
	}
}

func (d *StandardDecoder) Flush() error {
	if len(d.buf) > 0 || len(d.frames) > 0 {
		return ErrTrailingBytes
	}
	return nil
}

// StandardEncoder encodes the standard dialect.
type StandardEncoder struct{}

func (StandardEncoder) Encode(buf []byte, rec Record) []byte {
	var tmp [4]byte
	for _, p := range rec.Payload {
		binary.BigEndian.PutUint32(tmp[:], uint32(len(p)))
		buf = append(buf, tmp[:]...)
		buf = append(buf, p...)
	}
	binary.BigEndian.PutUint32(tmp[:], 0)
	return append(buf, tmp[:]...)
}

// NettyDecoder decodes the netty-compatible dialect.
type NettyDecoder struct {
	buf     []byte
	id      int32
	missing int // frames still to read for the current record; 0 = at header
	frames  [][]byte
	inRec   bool
}

// NewNettyDecoder returns an empty netty-dialect decoder.
func NewNettyDecoder() *NettyDecoder { return &NettyDecoder{} }

func (d *NettyDecoder) Write(p []byte) ([]Record, error) {
	d.buf = append(d.buf, p...)
	var records []Record
	for {
		if !d.inRec {
			if len(d.buf) < 8 {
				return records, nil
			}
			d.id = int32(binary.BigEndian.Uint32(d.buf))
			count := binary.BigEndian.Uint32(d.buf[4:])
			if count > maxFrameSize/4 {
				return nil, fmt.Errorf("frame: frame count %d exceeds limit", count)
			}
			d.buf = d.buf[8:]
			d.missing = int(count)
			d.inRec = true
			d.frames = nil
		}
		for d.missing > 0 {
			if len(d.buf) < 4 {
				return records, nil
			}
			size := binary.BigEndian.Uint32(d.buf)
			if size > maxFrameSize {
				return nil, fmt.Errorf("frame: frame size %d exceeds limit", size)
			}
			if len(d.buf) < 4+int(size) {
				return records, nil
			}
			frame := make([]byte, size)
			copy(frame, d.buf[4:4+size])
			d.buf = d.buf[4+size:]
			d.frames = append(d.frames, frame)
			d.missing--
		}
		id := d.id
		records = append(records, Record{ID: &id, Payload: d.frames})
		d.frames = nil
		d.inRec = false
	}
}

func (d *NettyDecoder) Flush() error {
	if len(d.buf) > 0 || d.inRec {
		return ErrTrailingBytes
	}
	return nil
}

// NettyEncoder encodes the netty-compatible dialect. Records without an id
// are written with id 0.
type NettyEncoder struct{}

func (NettyEncoder) Encode(buf []byte, rec Record) []byte {
	var tmp [4]byte
	var id int32
	if rec.ID != nil {
		id = *rec.ID
	}
	binary.BigEndian.PutUint32(tmp[:], uint32(id))
	buf = append(buf, tmp[:]...)
	binary.BigEndian.PutUint32(tmp[:], uint32(len(rec.Payload)))
	buf = append(buf, tmp[:]...)
	for _, p := range rec.Payload {
		binary.BigEndian.PutUint32(tmp[:], uint32(len(p)))
		buf = append(buf, tmp[:]...)
		buf = append(buf, p...)
	}
	return buf
}

package frame

import (
	"bytes"
	"testing"
)

func TestStandardRoundTrip(t *testing.T) {
	enc := StandardEncoder{}
	dec := NewStandardDecoder()

	buf := enc.Encode(nil, Record{Payload: [][]byte{[]byte("hand"), []byte("shake")}})
	buf = enc.Encode(buf, Record{Payload: [][]byte{[]byte("body")}})

	records, err := dec.Write(buf)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expect 2 records, got %d", len(records))
	}
	if records[0].ID != nil {
		t.Errorf("standard dialect records must carry no id")
	}
	if len(records[0].Payload) != 2 || string(records[0].Payload[1]) != "shake" {
		t.Errorf("first record payload mismatch: %q", records[0].Payload)
	}
	if len(records[1].Payload) != 1 || string(records[1].Payload[0]) != "body" {
		t.Errorf("second record payload mismatch: %q", records[1].Payload)
	}
	if err := dec.Flush(); err != nil {
		t.Errorf("flush after complete stream: %v", err)
	}
}

func TestNettyRoundTrip(t *testing.T) {
	enc := NettyEncoder{}
	dec := NewNettyDecoder()

	buf := enc.Encode(nil, WithID(0x00010007, []byte("req")))
	buf = enc.Encode(buf, WithID(42, []byte("a"), []byte("b")))

	records, err := dec.Write(buf)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expect 2 records, got %d", len(records))
	}
	if records[0].ID == nil || *records[0].ID != 0x00010007 {
		t.Errorf("first record id mismatch: %v", records[0].ID)
	}
	if *records[1].ID != 42 || len(records[1].Payload) != 2 {
		t.Errorf("second record mismatch: id=%v payload=%q", records[1].ID, records[1].Payload)
	}
	if err := dec.Flush(); err != nil {
		t.Errorf("flush after complete stream: %v", err)
	}
}

// Feeding arbitrary partitions of a stream one fragment at a time must
// yield the same records as feeding it whole.
func TestFragmentation(t *testing.T) {
	stdBuf := StandardEncoder{}.Encode(nil, Record{Payload: [][]byte{bytes.Repeat([]byte("x"), 100), []byte("tail")}})
	nettyBuf := NettyEncoder{}.Encode(nil, WithID(7, bytes.Repeat([]byte("y"), 100), []byte("end")))

	for _, step := range []int{1, 3, 7, 50} {
		std := NewStandardDecoder()
		netty := NewNettyDecoder()
		var stdRecs, nettyRecs []Record
		for i := 0; i < len(stdBuf); i += step {
			end := min(i+step, len(stdBuf))
			recs, err := std.Write(stdBuf[i:end])
			if err != nil {
				t.Fatalf("step %d: standard decode: %v", step, err)
			}
			stdRecs = append(stdRecs, recs...)
		}
		for i := 0; i < len(nettyBuf); i += step {
			end := min(i+step, len(nettyBuf))
			recs, err := netty.Write(nettyBuf[i:end])
			if err != nil {
				t.Fatalf("step %d: netty decode: %v", step, err)
			}
			nettyRecs = append(nettyRecs, recs...)
		}
		if len(stdRecs) != 1 || len(stdRecs[0].Payload) != 2 || len(stdRecs[0].Payload[0]) != 100 {
			t.Fatalf("step %d: standard records corrupted", step)
		}
		if len(nettyRecs) != 1 || *nettyRecs[0].ID != 7 || string(nettyRecs[0].Payload[1]) != "end" {
			t.Fatalf("step %d: netty records corrupted", step)
		}
	}
}

func TestFlushWithTrailingBytes(t *testing.T) {
	dec := NewStandardDecoder()
	if _, err := dec.Write([]byte{0, 0, 0}); err != nil {
		t.Fatalf("partial length must buffer, got %v", err)
	}
	if err := dec.Flush(); err != ErrTrailingBytes {
		t.Errorf("expect ErrTrailingBytes, got %v", err)
	}

	netty := NewNettyDecoder()
	if _, err := netty.Write([]byte{0, 0, 0, 1, 0, 0, 0, 2, 0, 0, 0, 1}); err != nil {
		t.Fatalf("partial record must buffer, got %v", err)
	}
	if err := netty.Flush(); err != ErrTrailingBytes {
		t.Errorf("expect ErrTrailingBytes, got %v", err)
	}
}

func TestEmptyRecord(t *testing.T) {
	buf := StandardEncoder{}.Encode(nil, Record{})
	recs, err := NewStandardDecoder().Write(buf)
	if err != nil || len(recs) != 1 || len(recs[0].Payload) != 0 {
		t.Fatalf("empty record round trip failed: %v %v", recs, err)
	}
}

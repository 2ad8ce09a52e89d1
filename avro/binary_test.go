package avro

import (
	"bytes"
	"testing"
)

func TestLongZigzag(t *testing.T) {
	for _, v := range []int64{0, 1, -1, 63, -64, 1 << 40, -(1 << 40), 1<<63 - 1, -1 << 63} {
		buf := AppendLong(nil, v)
		got, n, err := ReadLong(buf)
		if err != nil {
			t.Fatalf("ReadLong(%d): %v", v, err)
		}
		if got != v || n != len(buf) {
			t.Errorf("long %d: got %d (consumed %d of %d)", v, got, n, len(buf))
		}
	}
	// Known encoding: zigzag(1) = 2, zigzag(-2) = 3.
	if buf := AppendLong(nil, 1); buf[0] != 2 {
		t.Errorf("zigzag(1) should encode as 0x02, got %#x", buf[0])
	}
	if buf := AppendLong(nil, -2); buf[0] != 3 {
		t.Errorf("zigzag(-2) should encode as 0x03, got %#x", buf[0])
	}
}

func TestTruncation(t *testing.T) {
	buf := AppendString(nil, "hello")
	if _, _, err := ReadString(buf[:3]); err != ErrTruncated {
		t.Errorf("expect ErrTruncated, got %v", err)
	}
	if _, _, err := ReadLong(nil); err != ErrTruncated {
		t.Errorf("expect ErrTruncated on empty buffer, got %v", err)
	}
	if _, _, err := ReadFixed([]byte{1, 2}, 16); err != ErrTruncated {
		t.Errorf("expect ErrTruncated on short fixed, got %v", err)
	}
}

func TestBytesMapRoundTrip(t *testing.T) {
	m := map[string][]byte{"auth": []byte("token"), "trace": {1, 2, 3}}
	buf := AppendBytesMap(nil, m)
	got, n, err := ReadBytesMap(buf)
	if err != nil {
		t.Fatalf("ReadBytesMap: %v", err)
	}
	if n != len(buf) {
		t.Errorf("consumed %d of %d", n, len(buf))
	}
	if len(got) != 2 || !bytes.Equal(got["auth"], []byte("token")) || !bytes.Equal(got["trace"], []byte{1, 2, 3}) {
		t.Errorf("map mismatch: %v", got)
	}

	// Empty maps are a single zero terminator.
	empty := AppendBytesMap(nil, nil)
	if len(empty) != 1 || empty[0] != 0 {
		t.Errorf("empty map should be one zero byte, got %v", empty)
	}
}

func TestFloatDouble(t *testing.T) {
	buf := AppendDouble(nil, 3.25)
	got, _, err := ReadDouble(buf)
	if err != nil || got != 3.25 {
		t.Fatalf("double round trip: %v %v", got, err)
	}
	fbuf := AppendFloat(nil, -1.5)
	f, _, err := ReadFloat(fbuf)
	if err != nil || f != -1.5 {
		t.Fatalf("float round trip: %v %v", f, err)
	}
}

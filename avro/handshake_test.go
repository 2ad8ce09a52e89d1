package avro

import (
	"bytes"
	"testing"
)

func TestHandshakeRequestRoundTrip(t *testing.T) {
	proto := `{"protocol":"P"}`
	hreq := &HandshakeRequest{
		ClientProtocol: &proto,
		Meta:           map[string][]byte{"k": []byte("v")},
	}
	copy(hreq.ClientHash[:], bytes.Repeat([]byte{0xAB}, 16))
	copy(hreq.ServerHash[:], bytes.Repeat([]byte{0xCD}, 16))

	buf := hreq.Encode(nil)
	got, n, err := DecodeHandshakeRequest(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if n != len(buf) {
		t.Errorf("consumed %d of %d", n, len(buf))
	}
	if got.ClientHash != hreq.ClientHash || got.ServerHash != hreq.ServerHash {
		t.Errorf("hash mismatch")
	}
	if got.ClientProtocol == nil || *got.ClientProtocol != proto {
		t.Errorf("clientProtocol mismatch: %v", got.ClientProtocol)
	}
	if !bytes.Equal(got.Meta["k"], []byte("v")) {
		t.Errorf("meta mismatch: %v", got.Meta)
	}

	// Null optionals.
	bare := &HandshakeRequest{}
	buf = bare.Encode(nil)
	got, _, err = DecodeHandshakeRequest(buf)
	if err != nil || got.ClientProtocol != nil || got.Meta != nil {
		t.Errorf("bare request round trip: %+v %v", got, err)
	}
}

func TestHandshakeResponseRoundTrip(t *testing.T) {
	proto := `{"protocol":"S"}`
	hash := [16]byte{1, 2, 3}
	hres := &HandshakeResponse{
		Match:          MatchClient,
		ServerProtocol: &proto,
		ServerHash:     &hash,
	}
	buf := hres.Encode(nil)
	got, n, err := DecodeHandshakeResponse(buf)
	if err != nil || n != len(buf) {
		t.Fatalf("decode: %v (consumed %d of %d)", err, n, len(buf))
	}
	if got.Match != MatchClient || *got.ServerProtocol != proto || *got.ServerHash != hash {
		t.Errorf("response mismatch: %+v", got)
	}

	none := (&HandshakeResponse{Match: MatchNone}).Encode(nil)
	got, _, err = DecodeHandshakeResponse(none)
	if err != nil || got.Match != MatchNone || got.ServerHash != nil {
		t.Errorf("NONE round trip: %+v %v", got, err)
	}
}

func TestHandshakeDecodeErrors(t *testing.T) {
	if _, _, err := DecodeHandshakeRequest([]byte{1, 2, 3}); err != ErrTruncated {
		t.Errorf("short request: expect ErrTruncated, got %v", err)
	}
	// Match index out of range.
	buf := AppendInt(nil, 9)
	if _, _, err := DecodeHandshakeResponse(buf); err == nil {
		t.Errorf("invalid match index must fail")
	}
}

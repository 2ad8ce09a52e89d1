package avro

import (
	"errors"
	"fmt"
)

// HandshakeMatch is the handshake response verdict.
type HandshakeMatch int32

const (
	// MatchBoth means the server had both fingerprints cached; no protocol
	// payload was exchanged.
	MatchBoth HandshakeMatch = iota
	// MatchClient means the server resolved the client's protocol and sent
	// its own back so the client can build an adapter.
	MatchClient
	// MatchNone means the server did not know the client's protocol; the
	// client must retry with the full protocol JSON included.
	MatchNone
)

func (m HandshakeMatch) String() string {
	switch m {
	case MatchBoth:
		return "BOTH"
	case MatchClient:
		return "CLIENT"
	case MatchNone:
		return "NONE"
	}
	return fmt.Sprintf("HandshakeMatch(%d)", int32(m))
}

// HandshakeRequest is the fixed on-wire record:
//
//	{clientHash: fixed-16, clientProtocol: ["null","string"],
//	 serverHash: fixed-16, meta: ["null", map<bytes>]}
type HandshakeRequest struct {
	ClientHash     [16]byte
	ClientProtocol *string
	ServerHash     [16]byte
	Meta           map[string][]byte
}

// HandshakeResponse is the fixed on-wire record:
//
//	{match: enum{BOTH,CLIENT,NONE}, serverProtocol: ["null","string"],
//	 serverHash: ["null","fixed-16"], meta: ["null", map<bytes>]}
type HandshakeResponse struct {
	Match          HandshakeMatch
	ServerProtocol *string
	ServerHash     *[16]byte
	Meta           map[string][]byte
}

func appendOptString(buf []byte, s *string) []byte {
	if s == nil {
		return AppendInt(buf, 0)
	}
	return AppendString(AppendInt(buf, 1), *s)
}

func readOptString(buf []byte) (*string, int, error) {
	i, n, err := ReadInt(buf)
	if err != nil {
		return nil, 0, err
	}
	switch i {
	case 0:
		return nil, n, nil
	case 1:
		s, m, err := ReadString(buf[n:])
		if err != nil {
			return nil, 0, err
		}
		return &s, n + m, nil
	}
	return nil, 0, errors.New("avro: invalid union index for optional string")
}

func appendOptMeta(buf []byte, m map[string][]byte) []byte {
	if m == nil {
		return AppendInt(buf, 0)
	}
	return AppendBytesMap(AppendInt(buf, 1), m)
}

func readOptMeta(buf []byte) (map[string][]byte, int, error) {
	i, n, err := ReadInt(buf)
	if err != nil {
		return nil, 0, err
	}
	switch i {
	case 0:
		return nil, n, nil
	case 1:
		m, k, err := ReadBytesMap(buf[n:])
		if err != nil {
			return nil, 0, err
		}
		return m, n + k, nil
	}
	return nil, 0, errors.New("avro: invalid union index for optional meta")
}

// Encode appends the handshake request in Avro binary.
func (h *HandshakeRequest) Encode(buf []byte) []byte {
	buf = append(buf, h.ClientHash[:]...)
	buf = appendOptString(buf, h.ClientProtocol)
	buf = append(buf, h.ServerHash[:]...)
	return appendOptMeta(buf, h.Meta)
}

// DecodeHandshakeRequest reads a handshake request from the front of buf.
func DecodeHandshakeRequest(buf []byte) (*HandshakeRequest, int, error) {
	var h HandshakeRequest
	offset := 0

	b, n, err := ReadFixed(buf, 16)
	if err != nil {
		return nil, 0, err
	}
	copy(h.ClientHash[:], b)
	offset += n

	h.ClientProtocol, n, err = readOptString(buf[offset:])
	if err != nil {
		return nil, 0, err
	}
	offset += n

	b, n, err = ReadFixed(buf[offset:], 16)
	if err != nil {
		return nil, 0, err
	}
	copy(h.ServerHash[:], b)
	offset += n

	h.Meta, n, err = readOptMeta(buf[offset:])
	if err != nil {
		return nil, 0, err
	}
	return &h, offset + n, nil
}

// Encode appends the handshake response in Avro binary.
func (h *HandshakeResponse) Encode(buf []byte) []byte {
	buf = AppendInt(buf, int32(h.Match))
	buf = appendOptString(buf, h.ServerProtocol)
	if h.ServerHash == nil {
		buf = AppendInt(buf, 0)
	} else {
		buf = append(AppendInt(buf, 1), h.ServerHash[:]...)
	}
	return appendOptMeta(buf, h.Meta)
}

// DecodeHandshakeResponse reads a handshake response from the front of buf.
func DecodeHandshakeResponse(buf []byte) (*HandshakeResponse, int, error) {
	var h HandshakeResponse
	offset := 0

	i, n, err := ReadInt(buf)
	if err != nil {
		return nil, 0, err
	}
	if i < 0 || i > 2 {
		return nil, 0, fmt.Errorf("avro: invalid handshake match index %d", i)
	}
	h.Match = HandshakeMatch(i)
	offset += n

	h.ServerProtocol, n, err = readOptString(buf[offset:])
	if err != nil {
		return nil, 0, err
	}
	offset += n

	i, n, err = ReadInt(buf[offset:])
	if err != nil {
		return nil, 0, err
	}
	offset += n
	switch i {
	case 0:
	case 1:
		b, m, err := ReadFixed(buf[offset:], 16)
		if err != nil {
			return nil, 0, err
		}
		var hash [16]byte
		copy(hash[:], b)
		h.ServerHash = &hash
		offset += m
	default:
		return nil, 0, errors.New("avro: invalid union index for serverHash")
	}

	h.Meta, n, err = readOptMeta(buf[offset:])
	if err != nil {
		return nil, 0, err
	}
	return &h, offset + n, nil
}

package avro

import (
	"crypto/md5"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Message describes one operation of a protocol: a record of request
// parameters, a response type, and an error union whose first branch is
// always "string" (the system-error branch).
type Message struct {
	Name     string
	Doc      string
	Request  *RecordType
	Response Type
	Errors   *UnionType
	OneWay   bool
}

// NewMessage builds a message and enforces the one-way invariant: a one-way
// message has a null response and only the implicit string error branch.
func NewMessage(name string, request *RecordType, response Type, declaredErrors []Type, oneWay bool) (*Message, error) {
	if name == "" {
		return nil, fmt.Errorf("avro: message must have a name")
	}
	errType := &UnionType{Branches: append([]Type{String}, declaredErrors...)}
	if oneWay {
		if response != nil && !Equals(response, Null) {
			return nil, fmt.Errorf("avro: one-way message %q must have a null response", name)
		}
		if len(declaredErrors) > 0 {
			return nil, fmt.Errorf("avro: one-way message %q cannot declare errors", name)
		}
		response = Null
	}
	if response == nil {
		response = Null
	}
	return &Message{Name: name, Request: request, Response: response, Errors: errType, OneWay: oneWay}, nil
}

// Service is an immutable named protocol: ordered named types, a message
// map, and a 16-byte MD5 fingerprint over the canonical protocol JSON.
type Service struct {
	fullName    string
	doc         string
	types       []Type
	messages    map[string]*Message
	names       []string // sorted message names
	source      string   // the JSON document the service was parsed from
	fingerprint [16]byte
}

// Name returns the protocol's fully-qualified name.
func (s *Service) Name() string { return s.fullName }

// Doc returns the protocol documentation string, if any.
func (s *Service) Doc() string { return s.doc }

// Types returns the protocol's named types in declaration order.
func (s *Service) Types() []Type { return s.types }

// Message returns the named message, or nil.
func (s *Service) Message(name string) *Message { return s.messages[name] }

// MessageNames returns the message names in sorted order.
func (s *Service) MessageNames() []string { return append([]string(nil), s.names...) }

// Fingerprint returns the 16-byte MD5 over the canonical protocol JSON.
func (s *Service) Fingerprint() [16]byte { return s.fingerprint }

// Protocol returns the JSON document this service was constructed from; it
// is what crosses the wire in handshake clientProtocol/serverProtocol.
func (s *Service) Protocol() string { return s.source }

// String implements fmt.Stringer with the protocol name.
func (s *Service) String() string { return s.fullName }

type protocolDoc struct {
	Protocol  string                     `json:"protocol"`
	Namespace string                     `json:"namespace"`
	Doc       string                     `json:"doc"`
	Types     []json.RawMessage          `json:"types"`
	Messages  map[string]json.RawMessage `json:"messages"`
}

type messageDoc struct {
	Doc      string            `json:"doc"`
	Request  []json.RawMessage `json:"request"`
	Response json.RawMessage   `json:"response"`
	Errors   []json.RawMessage `json:"errors"`
	OneWay   bool              `json:"one-way"`
}

// ParseProtocol constructs a Service from an Avro protocol JSON document.
func ParseProtocol(src []byte) (*Service, error) {
	var doc protocolDoc
	if err := json.Unmarshal(src, &doc); err != nil {
		return nil, fmt.Errorf("avro: invalid protocol JSON: %w", err)
	}
	if doc.Protocol == "" {
		return nil, fmt.Errorf("avro: protocol document missing protocol name")
	}

	svc := &Service{
		fullName: fullName(doc.Protocol, doc.Namespace, ""),
		doc:      doc.Doc,
		messages: make(map[string]*Message),
		source:   string(src),
	}

	named := map[string]Type{}
	for _, raw := range doc.Types {
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("avro: protocol %s: %w", svc.fullName, err)
		}
		t, err := parseSchemaValue(v, doc.Namespace, named)
		if err != nil {
			return nil, fmt.Errorf("avro: protocol %s: %w", svc.fullName, err)
		}
		svc.types = append(svc.types, t)
	}

	for name, raw := range doc.Messages {
		msg, err := parseMessage(name, raw, doc.Namespace, named)
		if err != nil {
			return nil, fmt.Errorf("avro: protocol %s: %w", svc.fullName, err)
		}
		svc.messages[name] = msg
		svc.names = append(svc.names, name)
	}
	sort.Strings(svc.names)

	svc.fingerprint = md5.Sum([]byte(svc.canonical()))
	return svc, nil
}

func parseMessage(name string, raw json.RawMessage, namespace string, named map[string]Type) (*Message, error) {
	var doc messageDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("message %q: %w", name, err)
	}

	// The request is a record of parameters, declared as a bare field list.
	request := &RecordType{FullName: name + "Request"}
	for _, rf := range doc.Request {
		var fv any
		if err := json.Unmarshal(rf, &fv); err != nil {
			return nil, fmt.Errorf("message %q: %w", name, err)
		}
		fm, ok := fv.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("message %q has a malformed request parameter", name)
		}
		fname, _ := fm["name"].(string)
		ftype, err := parseSchemaValue(fm["type"], namespace, named)
		if err != nil {
			return nil, fmt.Errorf("message %q parameter %q: %w", name, fname, err)
		}
		f := Field{Name: fname, Type: ftype}
		if dv, ok := fm["default"]; ok {
			f.Default, f.HasDefault = dv, true
		}
		request.Fields = append(request.Fields, f)
	}

	var response Type
	if len(doc.Response) > 0 {
		var rv any
		if err := json.Unmarshal(doc.Response, &rv); err != nil {
			return nil, fmt.Errorf("message %q: %w", name, err)
		}
		var err error
		response, err = parseSchemaValue(rv, namespace, named)
		if err != nil {
			return nil, fmt.Errorf("message %q response: %w", name, err)
		}
	}

	var declaredErrors []Type
	for _, re := range doc.Errors {
		var ev any
		if err := json.Unmarshal(re, &ev); err != nil {
			return nil, fmt.Errorf("message %q: %w", name, err)
		}
		t, err := parseSchemaValue(ev, namespace, named)
		if err != nil {
			return nil, fmt.Errorf("message %q errors: %w", name, err)
		}
		declaredErrors = append(declaredErrors, t)
	}

	msg, err := NewMessage(name, request, response, declaredErrors, doc.OneWay)
	if err != nil {
		return nil, err
	}
	msg.Doc = doc.Doc
	return msg, nil
}

// canonical renders a deterministic JSON form of the protocol: sorted message
// names, canonical schema forms, docs and defaults stripped. The fingerprint
// is the MD5 of this string, so both peers must derive it identically.
func (s *Service) canonical() string {
	var b strings.Builder
	b.WriteString(`{"protocol":`)
	b.WriteString(fmt.Sprintf("%q", s.fullName))
	b.WriteString(`,"types":[`)
	for i, t := range s.types {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(t.CanonicalForm())
	}
	b.WriteString(`],"messages":{`)
	for i, name := range s.names {
		if i > 0 {
			b.WriteByte(',')
		}
		m := s.messages[name]
		b.WriteString(fmt.Sprintf("%q:{", name))
		b.WriteString(`"request":[`)
		for j, f := range m.Request.Fields {
			if j > 0 {
				b.WriteByte(',')
			}
			b.WriteString(fmt.Sprintf(`{"name":%q,"type":%s}`, f.Name, f.Type.CanonicalForm()))
		}
		b.WriteString(`],"response":`)
		b.WriteString(m.Response.CanonicalForm())
		if len(m.Errors.Branches) > 1 {
			b.WriteString(`,"errors":[`)
			for j, e := range m.Errors.Branches[1:] {
				if j > 0 {
					b.WriteByte(',')
				}
				b.WriteString(e.CanonicalForm())
			}
			b.WriteByte(']')
		}
		if m.OneWay {
			b.WriteString(`,"one-way":true`)
		}
		b.WriteByte('}')
	}
	b.WriteString("}}")
	return b.String()
}

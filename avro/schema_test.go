package avro

import (
	"testing"
)

func TestParseRecordSchema(t *testing.T) {
	src := []byte(`{
		"type": "record", "name": "Point", "namespace": "geo",
		"fields": [
			{"name": "x", "type": "int"},
			{"name": "y", "type": "int"},
			{"name": "label", "type": "string", "default": "origin"}
		]
	}`)
	typ, err := ParseSchema(src)
	if err != nil {
		t.Fatalf("ParseSchema failed: %v", err)
	}
	rec, ok := typ.(*RecordType)
	if !ok {
		t.Fatalf("expect *RecordType, got %T", typ)
	}
	if rec.FullName != "geo.Point" {
		t.Errorf("full name: got %s", rec.FullName)
	}
	if f := rec.Field("label"); f == nil || !f.HasDefault || f.Default != "origin" {
		t.Errorf("label default missing: %+v", f)
	}

	buf, err := rec.Encode(nil, map[string]any{"x": 1, "y": 2})
	if err != nil {
		t.Fatalf("encode with default: %v", err)
	}
	v, n, err := rec.Decode(buf)
	if err != nil || n != len(buf) {
		t.Fatalf("decode: %v (consumed %d of %d)", err, n, len(buf))
	}
	m := v.(map[string]any)
	if m["x"] != int32(1) || m["label"] != "origin" {
		t.Errorf("decoded record mismatch: %v", m)
	}
}

func TestParseUnionAndEnum(t *testing.T) {
	typ, err := ParseSchema([]byte(`["null", "string", {"type":"enum","name":"Color","symbols":["RED","BLUE"]}]`))
	if err != nil {
		t.Fatalf("ParseSchema failed: %v", err)
	}
	u := typ.(*UnionType)

	buf, err := u.Encode(nil, nil)
	if err != nil {
		t.Fatalf("encode null branch: %v", err)
	}
	if v, _, _ := u.Decode(buf); v != nil {
		t.Errorf("null branch should decode to nil, got %v", v)
	}

	buf, err = u.Encode(nil, Branch{Name: "Color", Value: "BLUE"})
	if err != nil {
		t.Fatalf("encode enum branch: %v", err)
	}
	v, _, err := u.Decode(buf)
	if err != nil {
		t.Fatalf("decode enum branch: %v", err)
	}
	if br := v.(Branch); br.Name != "Color" || br.Value != "BLUE" {
		t.Errorf("branch mismatch: %+v", br)
	}
}

func TestCanonicalFormEquality(t *testing.T) {
	a, _ := ParseSchema([]byte(`{"type":"record","name":"R","fields":[{"name":"a","type":"long","default":3}],"doc":"docs differ"}`))
	b, _ := ParseSchema([]byte(`{"type":"record","name":"R","fields":[{"name":"a","type":"long"}]}`))
	if !Equals(a, b) {
		t.Errorf("docs and defaults must not affect canonical equality:\n%s\n%s", a.CanonicalForm(), b.CanonicalForm())
	}
	c, _ := ParseSchema([]byte(`{"type":"record","name":"R","fields":[{"name":"a","type":"int"}]}`))
	if Equals(a, c) {
		t.Errorf("field type changes must break canonical equality")
	}
}

func TestResolverPromotion(t *testing.T) {
	r, err := NewResolver(Long, Int)
	if err != nil {
		t.Fatalf("int→long resolver: %v", err)
	}
	buf := AppendInt(nil, 12)
	v, _, err := r.Decode(buf)
	if err != nil || v != int64(12) {
		t.Fatalf("promoted value: %v %v", v, err)
	}
	if _, err := NewResolver(Int, Long); err == nil {
		t.Errorf("long→int must not resolve")
	}
	if _, err := NewResolver(String, Bytes); err != nil {
		t.Errorf("bytes→string must resolve: %v", err)
	}
}

func TestResolverRecordDefaults(t *testing.T) {
	writer, _ := ParseSchema([]byte(`{"type":"record","name":"R","fields":[{"name":"a","type":"int"},{"name":"gone","type":"string"}]}`))
	reader, _ := ParseSchema([]byte(`{"type":"record","name":"R","fields":[{"name":"a","type":"long"},{"name":"extra","type":"string","default":"dflt"}]}`))

	r, err := NewResolver(reader, writer)
	if err != nil {
		t.Fatalf("record resolver: %v", err)
	}
	buf, _ := writer.Encode(nil, map[string]any{"a": 7, "gone": "skip me"})
	v, n, err := r.Decode(buf)
	if err != nil || n != len(buf) {
		t.Fatalf("resolved decode: %v (consumed %d of %d)", err, n, len(buf))
	}
	m := v.(map[string]any)
	if m["a"] != int64(7) {
		t.Errorf("promoted field: got %v", m["a"])
	}
	if m["extra"] != "dflt" {
		t.Errorf("reader default: got %v", m["extra"])
	}
	if _, present := m["gone"]; present {
		t.Errorf("writer-only field must be dropped")
	}
}

func TestResolverIdentityShortCircuit(t *testing.T) {
	typ, _ := ParseSchema([]byte(`"string"`))
	r, err := NewResolver(typ, String)
	if err != nil {
		t.Fatalf("identity resolver: %v", err)
	}
	if r.Reader() != typ {
		t.Errorf("reader accessor mismatch")
	}
	buf := AppendString(nil, "same")
	if v, _, _ := r.Decode(buf); v != "same" {
		t.Errorf("identity decode: %v", v)
	}
}

func TestParseProtocol(t *testing.T) {
	src := []byte(`{
		"protocol": "Math", "namespace": "org.example",
		"types": [{"type": "error", "name": "DivByZero", "fields": []}],
		"messages": {
			"divide": {
				"request": [{"name": "a", "type": "int"}, {"name": "b", "type": "int"}],
				"response": "int",
				"errors": ["DivByZero"]
			},
			"log": {"request": [{"name": "line", "type": "string"}], "response": "null", "one-way": true}
		}
	}`)
	svc, err := ParseProtocol(src)
	if err != nil {
		t.Fatalf("ParseProtocol failed: %v", err)
	}
	if svc.Name() != "org.example.Math" {
		t.Errorf("name: %s", svc.Name())
	}

	div := svc.Message("divide")
	if div == nil || len(div.Request.Fields) != 2 {
		t.Fatalf("divide message malformed: %+v", div)
	}
	if len(div.Errors.Branches) != 2 || div.Errors.Branches[0].Name() != "string" {
		t.Errorf("error union must lead with the string system branch: %v", div.Errors.Branches)
	}

	logMsg := svc.Message("log")
	if logMsg == nil || !logMsg.OneWay {
		t.Fatalf("log must be one-way")
	}
	if !Equals(logMsg.Response, Null) {
		t.Errorf("one-way response must be null")
	}

	// Identical documents fingerprint identically; different ones differ.
	again, _ := ParseProtocol(src)
	if svc.Fingerprint() != again.Fingerprint() {
		t.Errorf("fingerprint must be deterministic")
	}
	other, _ := ParseProtocol([]byte(`{"protocol":"Math","namespace":"org.example"}`))
	if svc.Fingerprint() == other.Fingerprint() {
		t.Errorf("different protocols must not collide")
	}
}

func TestOneWayValidation(t *testing.T) {
	_, err := ParseProtocol([]byte(`{
		"protocol": "Bad",
		"messages": {"f": {"request": [], "response": "string", "one-way": true}}
	}`))
	if err == nil {
		t.Errorf("one-way with non-null response must fail")
	}
}

package avro

import (
	"fmt"
	"strings"
)

// primitiveType covers the eight Avro primitives. Each instance is a
// singleton exposed through the package-level variables below.
type primitiveType struct{ name string }

// Primitive singletons.
var (
	Null    Type = primitiveType{"null"}
	Boolean Type = primitiveType{"boolean"}
	Int     Type = primitiveType{"int"}
	Long    Type = primitiveType{"long"}
	Float   Type = primitiveType{"float"}
	Double  Type = primitiveType{"double"}
	Bytes   Type = primitiveType{"bytes"}
	String  Type = primitiveType{"string"}
)

func (t primitiveType) Name() string          { return t.name }
func (t primitiveType) CanonicalForm() string { return `"` + t.name + `"` }

func (t primitiveType) Encode(buf []byte, v any) ([]byte, error) {
	switch t.name {
	case "null":
		if v != nil {
			return nil, encodeErr(t, v)
		}
		return buf, nil
	case "boolean":
		b, ok := v.(bool)
		if !ok {
			return nil, encodeErr(t, v)
		}
		return AppendBool(buf, b), nil
	case "int":
		n, ok := coerceLong(v)
		if !ok || n != int64(int32(n)) {
			return nil, encodeErr(t, v)
		}
		return AppendInt(buf, int32(n)), nil
	case "long":
		n, ok := coerceLong(v)
		if !ok {
			return nil, encodeErr(t, v)
		}
		return AppendLong(buf, n), nil
	case "float":
		f, ok := coerceDouble(v)
		if !ok {
			return nil, encodeErr(t, v)
		}
		return AppendFloat(buf, float32(f)), nil
	case "double":
		f, ok := coerceDouble(v)
		if !ok {
			return nil, encodeErr(t, v)
		}
		return AppendDouble(buf, f), nil
	case "bytes":
		b, ok := v.([]byte)
		if !ok {
			return nil, encodeErr(t, v)
		}
		return AppendBytes(buf, b), nil
	case "string":
		s, ok := v.(string)
		if !ok {
			return nil, encodeErr(t, v)
		}
		return AppendString(buf, s), nil
	}
	return nil, fmt.Errorf("avro: unknown primitive %q", t.name)
}

func (t primitiveType) Decode(buf []byte) (any, int, error) {
	switch t.name {
	case "null":
		return nil, 0, nil
	case "boolean":
		return readAny(ReadBool(buf))
	case "int":
		return readAny(ReadInt(buf))
	case "long":
		return readAny(ReadLong(buf))
	case "float":
		return readAny(ReadFloat(buf))
	case "double":
		return readAny(ReadDouble(buf))
	case "bytes":
		return readAny(ReadBytes(buf))
	case "string":
		return readAny(ReadString(buf))
	}
	return nil, 0, fmt.Errorf("avro: unknown primitive %q", t.name)
}

func readAny[T any](v T, n int, err error) (any, int, error) {
	if err != nil {
		return nil, 0, err
	}
	return v, n, nil
}

// FixedType is a named fixed-size byte sequence.
type FixedType struct {
	FullName string
	Size     int
}

func (t *FixedType) Name() string { return t.FullName }
func (t *FixedType) CanonicalForm() string {
	return fmt.Sprintf(`{"name":%q,"type":"fixed","size":%d}`, t.FullName, t.Size)
}

func (t *FixedType) Encode(buf []byte, v any) ([]byte, error) {
	b, ok := v.([]byte)
	if !ok {
		return nil, encodeErr(t, v)
	}
	out, err := AppendFixed(buf, b, t.Size)
	if err != nil {
		return nil, encodeErr(t, v)
	}
	return out, nil
}

func (t *FixedType) Decode(buf []byte) (any, int, error) {
	return readAny(ReadFixed(buf, t.Size))
}

// EnumType is a named symbol list; values are the symbol strings.
type EnumType struct {
	FullName string
	Symbols  []string
}

func (t *EnumType) Name() string { return t.FullName }
func (t *EnumType) CanonicalForm() string {
	quoted := make([]string, len(t.Symbols))
	for i, s := range t.Symbols {
		quoted[i] = `"` + s + `"`
	}
	return fmt.Sprintf(`{"name":%q,"type":"enum","symbols":[%s]}`, t.FullName, strings.Join(quoted, ","))
}

// Index returns the position of symbol, or -1.
func (t *EnumType) Index(symbol string) int {
	for i, s := range t.Symbols {
		if s == symbol {
			return i
		}
	}
	return -1
}

func (t *EnumType) Encode(buf []byte, v any) ([]byte, error) {
	s, ok := v.(string)
	if !ok {
		return nil, encodeErr(t, v)
	}
	i := t.Index(s)
	if i < 0 {
		return nil, fmt.Errorf("avro: %q is not a symbol of enum %s", s, t.FullName)
	}
	return AppendInt(buf, int32(i)), nil
}

func (t *EnumType) Decode(buf []byte) (any, int, error) {
	i, n, err := ReadInt(buf)
	if err != nil {
		return nil, 0, err
	}
	if int(i) < 0 || int(i) >= len(t.Symbols) {
		return nil, 0, fmt.Errorf("avro: enum %s index %d out of range", t.FullName, i)
	}
	return t.Symbols[i], n, nil
}

// ArrayType holds homogeneous items; values are []any.
type ArrayType struct{ Items Type }

func (t *ArrayType) Name() string          { return "array" }
func (t *ArrayType) CanonicalForm() string { return `{"type":"array","items":` + t.Items.CanonicalForm() + `}` }

func (t *ArrayType) Encode(buf []byte, v any) ([]byte, error) {
	items, ok := v.([]any)
	if !ok {
		return nil, encodeErr(t, v)
	}
	if len(items) > 0 {
		buf = AppendLong(buf, int64(len(items)))
		for _, item := range items {
			var err error
			buf, err = t.Items.Encode(buf, item)
			if err != nil {
				return nil, err
			}
		}
	}
	return append(buf, 0), nil
}

func (t *ArrayType) Decode(buf []byte) (any, int, error) {
	items := []any{}
	offset := 0
	for {
		count, n, err := ReadLong(buf[offset:])
		if err != nil {
			return nil, 0, err
		}
		offset += n
		if count == 0 {
			return items, offset, nil
		}
		if count < 0 {
			if _, n, err = ReadLong(buf[offset:]); err != nil {
				return nil, 0, err
			}
			offset += n
			count = -count
		}
		for i := int64(0); i < count; i++ {
			v, n, err := t.Items.Decode(buf[offset:])
			if err != nil {
				return nil, 0, err
			}
			offset += n
			items = append(items, v)
		}
	}
}

// MapType holds string-keyed values; decoded as map[string]any.
type MapType struct{ Values Type }

func (t *MapType) Name() string          { return "map" }
func (t *MapType) CanonicalForm() string { return `{"type":"map","values":` + t.Values.CanonicalForm() + `}` }

func (t *MapType) Encode(buf []byte, v any) ([]byte, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return nil, encodeErr(t, v)
	}
	if len(m) > 0 {
		buf = AppendLong(buf, int64(len(m)))
		for k, item := range m {
			buf = AppendString(buf, k)
			var err error
			buf, err = t.Values.Encode(buf, item)
			if err != nil {
				return nil, err
			}
		}
	}
	return append(buf, 0), nil
}

func (t *MapType) Decode(buf []byte) (any, int, error) {
	m := make(map[string]any)
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
			if _, n, err = ReadLong(buf[offset:]); err != nil {
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
			v, n, err := t.Values.Decode(buf[offset:])
			if err != nil {
				return nil, 0, err
			}
			offset += n
			m[k] = v
		}
	}
}

// UnionType is an index-prefixed union. Values are nil (null branch) or a
// Branch naming the selected alternative. Encode also accepts a bare value
// and probes the branches in order, which keeps call sites short when the
// union has a single non-null branch.
type UnionType struct{ Branches []Type }

func (t *UnionType) Name() string { return "union" }
func (t *UnionType) CanonicalForm() string {
	parts := make([]string, len(t.Branches))
	for i, b := range t.Branches {
		parts[i] = b.CanonicalForm()
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// BranchIndex returns the position of the branch with the given name, or -1.
func (t *UnionType) BranchIndex(name string) int {
	for i, b := range t.Branches {
		if b.Name() == name {
			return i
		}
	}
	return -1
}

func (t *UnionType) Encode(buf []byte, v any) ([]byte, error) {
	if v == nil {
		if i := t.BranchIndex("null"); i >= 0 {
			return AppendInt(buf, int32(i)), nil
		}
		return nil, encodeErr(t, v)
	}
	if br, ok := v.(Branch); ok {
		i := t.BranchIndex(br.Name)
		if i < 0 {
			return nil, fmt.Errorf("avro: union has no branch %q", br.Name)
		}
		return t.Branches[i].Encode(AppendInt(buf, int32(i)), br.Value)
	}
	// Bare value: first branch that accepts it wins.
	for i, b := range t.Branches {
		if b.Name() == "null" {
			continue
		}
		if out, err := b.Encode(AppendInt(buf, int32(i)), v); err == nil {
			return out, nil
		}
	}
	return nil, encodeErr(t, v)
}

func (t *UnionType) Decode(buf []byte) (any, int, error) {
	i, n, err := ReadInt(buf)
	if err != nil {
		return nil, 0, err
	}
	if int(i) < 0 || int(i) >= len(t.Branches) {
		return nil, 0, fmt.Errorf("avro: union index %d out of range", i)
	}
	branch := t.Branches[i]
	v, m, err := branch.Decode(buf[n:])
	if err != nil {
		return nil, 0, err
	}
	if branch.Name() == "null" {
		return nil, n + m, nil
	}
	return Branch{Name: branch.Name(), Value: v}, n + m, nil
}

// Field is one record member. Default applies when a resolver reads a writer
// record that lacks the field, or when Encode finds no entry in the value map.
type Field struct {
	Name       string
	Type       Type
	Default    any
	HasDefault bool
}

// RecordType is an ordered list of named fields; values are map[string]any.
type RecordType struct {
	FullName string
	Fields   []Field
}

func (t *RecordType) Name() string { return t.FullName }
func (t *RecordType) CanonicalForm() string {
	parts := make([]string, len(t.Fields))
	for i, f := range t.Fields {
		parts[i] = fmt.Sprintf(`{"name":%q,"type":%s}`, f.Name, f.Type.CanonicalForm())
	}
	return fmt.Sprintf(`{"name":%q,"type":"record","fields":[%s]}`, t.FullName, strings.Join(parts, ","))
}

// Field returns the named field, or nil.
func (t *RecordType) Field(name string) *Field {
	for i := range t.Fields {
		if t.Fields[i].Name == name {
			return &t.Fields[i]
		}
	}
	return nil
}

func (t *RecordType) Encode(buf []byte, v any) ([]byte, error) {
	m, ok := v.(map[string]any)
	if !ok {
		if v == nil && len(t.Fields) == 0 {
			return buf, nil // empty record, e.g. a ping request
		}
		return nil, encodeErr(t, v)
	}
	for _, f := range t.Fields {
		fv, present := m[f.Name]
		if !present {
			if !f.HasDefault {
				return nil, fmt.Errorf("avro: record %s missing field %q", t.FullName, f.Name)
			}
			fv = f.Default
		}
		var err error
		buf, err = f.Type.Encode(buf, fv)
		if err != nil {
			return nil, fmt.Errorf("avro: record %s field %q: %w", t.FullName, f.Name, err)
		}
	}
	return buf, nil
}

func (t *RecordType) Decode(buf []byte) (any, int, error) {
	m := make(map[string]any, len(t.Fields))
	offset := 0
	for _, f := range t.Fields {
		v, n, err := f.Type.Decode(buf[offset:])
		if err != nil {
			return nil, 0, err
		}
		offset += n
		m[f.Name] = v
	}
	return m, offset, nil
}

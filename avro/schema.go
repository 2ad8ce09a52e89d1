package avro

import (
	"encoding/json"
	"fmt"
)

// ParseSchema parses a JSON schema document covering the subset of Avro the
// runtime works with: the eight primitives, record, enum, fixed, array, map,
// and unions. Named types defined earlier in the same document may be
// referenced by name later on.
func ParseSchema(src []byte) (Type, error) {
	var v any
	if err := json.Unmarshal(src, &v); err != nil {
		return nil, fmt.Errorf("avro: invalid schema JSON: %w", err)
	}
	return parseSchemaValue(v, "", map[string]Type{})
}

var primitives = map[string]Type{
	"null":    Null,
	"boolean": Boolean,
	"int":     Int,
	"long":    Long,
	"float":   Float,
	"double":  Double,
	"bytes":   Bytes,
	"string":  String,
}

// fullName qualifies name with the enclosing namespace unless it already
// contains dots or an explicit namespace was given.
func fullName(name, namespace, enclosing string) string {
	for _, c := range name {
		if c == '.' {
			return name
		}
	}
	if namespace != "" {
		return namespace + "." + name
	}
	if enclosing != "" {
		return enclosing + "." + name
	}
	return name
}

func parseSchemaValue(v any, enclosingNS string, named map[string]Type) (Type, error) {
	switch s := v.(type) {
	case string:
		if t, ok := primitives[s]; ok {
			return t, nil
		}
		if t, ok := named[fullName(s, "", enclosingNS)]; ok {
			return t, nil
		}
		if t, ok := named[s]; ok {
			return t, nil
		}
		return nil, fmt.Errorf("avro: undefined type %q", s)

	case []any:
		branches := make([]Type, len(s))
		for i, b := range s {
			t, err := parseSchemaValue(b, enclosingNS, named)
			if err != nil {
				return nil, err
			}
			branches[i] = t
		}
		return &UnionType{Branches: branches}, nil

	case map[string]any:
		kind, _ := s["type"].(string)
		switch kind {
		case "record", "error":
			return parseRecord(s, enclosingNS, named)
		case "enum":
			return parseEnum(s, enclosingNS, named)
		case "fixed":
			return parseFixed(s, enclosingNS, named)
		case "array":
			items, err := parseSchemaValue(s["items"], enclosingNS, named)
			if err != nil {
				return nil, err
			}
			return &ArrayType{Items: items}, nil
		case "map":
			values, err := parseSchemaValue(s["values"], enclosingNS, named)
			if err != nil {
				return nil, err
			}
			return &MapType{Values: values}, nil
		default:
			// {"type": "string"} style wrapping of another schema.
			if inner, ok := s["type"]; ok {
				return parseSchemaValue(inner, enclosingNS, named)
			}
			return nil, fmt.Errorf("avro: schema object missing type")
		}
	}
	return nil, fmt.Errorf("avro: unsupported schema value %T", v)
}

func declaredName(s map[string]any, enclosingNS string) (string, error) {
	name, _ := s["name"].(string)
	if name == "" {
		return "", fmt.Errorf("avro: named type missing name")
	}
	ns, _ := s["namespace"].(string)
	return fullName(name, ns, enclosingNS), nil
}

func parseRecord(s map[string]any, enclosingNS string, named map[string]Type) (Type, error) {
	name, err := declaredName(s, enclosingNS)
	if err != nil {
		return nil, err
	}
	rec := &RecordType{FullName: name}
	named[name] = rec // registered before fields so self-references resolve
	rawFields, ok := s["fields"].([]any)
	if !ok {
		return nil, fmt.Errorf("avro: record %s missing fields", name)
	}
	for _, rf := range rawFields {
		fm, ok := rf.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("avro: record %s has malformed field", name)
		}
		fname, _ := fm["name"].(string)
		if fname == "" {
			return nil, fmt.Errorf("avro: record %s field missing name", name)
		}
		ftype, err := parseSchemaValue(fm["type"], enclosingNS, named)
		if err != nil {
			return nil, fmt.Errorf("avro: record %s field %q: %w", name, fname, err)
		}
		f := Field{Name: fname, Type: ftype}
		if dv, ok := fm["default"]; ok {
			f.Default, f.HasDefault = dv, true
		}
		rec.Fields = append(rec.Fields, f)
	}
	return rec, nil
}

func parseEnum(s map[string]any, enclosingNS string, named map[string]Type) (Type, error) {
	name, err := declaredName(s, enclosingNS)
	if err != nil {
		return nil, err
	}
	rawSymbols, ok := s["symbols"].([]any)
	if !ok {
		return nil, fmt.Errorf("avro: enum %s missing symbols", name)
	}
	e := &EnumType{FullName: name}
	for _, rs := range rawSymbols {
		sym, ok := rs.(string)
		if !ok {
			return nil, fmt.Errorf("avro: enum %s has non-string symbol", name)
		}
		e.Symbols = append(e.Symbols, sym)
	}
	named[name] = e
	return e, nil
}

func parseFixed(s map[string]any, enclosingNS string, named map[string]Type) (Type, error) {
	name, err := declaredName(s, enclosingNS)
	if err != nil {
		return nil, err
	}
	size, ok := s["size"].(float64)
	if !ok || size != float64(int(size)) || size < 0 {
		return nil, fmt.Errorf("avro: fixed %s has invalid size", name)
	}
	f := &FixedType{FullName: name, Size: int(size)}
	named[name] = f
	return f, nil
}

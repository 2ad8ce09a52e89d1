package avro

import "fmt"

// NewResolver compiles a reader for bytes written with the writer schema,
// producing values shaped like the reader schema. Structurally equal schemas
// short-circuit to the reader's own decoder. Supported adaptations: numeric
// promotions (int→long→float→double), string↔bytes, enum symbol mapping,
// union/branch adjustment in both directions, record field matching by name
// with reader-side defaults, and element-wise array/map resolution.
func NewResolver(reader, writer Type) (*Resolver, error) {
	read, err := resolveRead(reader, writer)
	if err != nil {
		return nil, err
	}
	return &Resolver{reader: reader, read: read}, nil
}

type readFunc func(buf []byte) (any, int, error)

func resolveRead(reader, writer Type) (readFunc, error) {
	if Equals(reader, writer) {
		return reader.Decode, nil
	}

	// Union on the writer side: dispatch on the written index.
	if wu, ok := writer.(*UnionType); ok {
		return resolveFromUnion(reader, wu)
	}
	// Union on the reader side only: the written value selects a branch.
	if ru, ok := reader.(*UnionType); ok {
		return resolveToUnion(ru, writer)
	}

	switch r := reader.(type) {
	case primitiveType:
		return resolvePrimitive(r, writer)
	case *EnumType:
		if we, ok := writer.(*EnumType); ok {
			return resolveEnum(r, we)
		}
	case *FixedType:
		if wf, ok := writer.(*FixedType); ok && wf.Size == r.Size {
			return r.Decode, nil
		}
	case *ArrayType:
		if wa, ok := writer.(*ArrayType); ok {
			items, err := resolveRead(r.Items, wa.Items)
			if err != nil {
				return nil, err
			}
			proxy := &ArrayType{Items: decoderType{r.Items, items}}
			return proxy.Decode, nil
		}
	case *MapType:
		if wm, ok := writer.(*MapType); ok {
			values, err := resolveRead(r.Values, wm.Values)
			if err != nil {
				return nil, err
			}
			proxy := &MapType{Values: decoderType{r.Values, values}}
			return proxy.Decode, nil
		}
	case *RecordType:
		if wr, ok := writer.(*RecordType); ok {
			return resolveRecord(r, wr)
		}
	}
	return nil, fmt.Errorf("avro: cannot resolve writer %s against reader %s", writer.Name(), reader.Name())
}

// decoderType lets the array/map containers reuse their Decode loops with a
// substituted element reader.
type decoderType struct {
	Type
	read readFunc
}

func (d decoderType) Decode(buf []byte) (any, int, error) { return d.read(buf) }

func resolvePrimitive(reader primitiveType, writer Type) (readFunc, error) {
	w, ok := writer.(primitiveType)
	if !ok {
		return nil, fmt.Errorf("avro: cannot resolve %s against %s", writer.Name(), reader.Name())
	}
	convert := func(to func(any) any) readFunc {
		return func(buf []byte) (any, int, error) {
			v, n, err := w.Decode(buf)
			if err != nil {
				return nil, 0, err
			}
			return to(v), n, nil
		}
	}
	switch reader.name + "<" + w.name {
	case "long<int":
		return convert(func(v any) any { return int64(v.(int32)) }), nil
	case "float<int":
		return convert(func(v any) any { return float32(v.(int32)) }), nil
	case "float<long":
		return convert(func(v any) any { return float32(v.(int64)) }), nil
	case "double<int":
		return convert(func(v any) any { return float64(v.(int32)) }), nil
	case "double<long":
		return convert(func(v any) any { return float64(v.(int64)) }), nil
	case "double<float":
		return convert(func(v any) any { return float64(v.(float32)) }), nil
	case "string<bytes":
		return convert(func(v any) any { return string(v.([]byte)) }), nil
	case "bytes<string":
		return convert(func(v any) any { return []byte(v.(string)) }), nil
	}
	return nil, fmt.Errorf("avro: cannot promote %s to %s", w.name, reader.name)
}

func resolveEnum(reader, writer *EnumType) (readFunc, error) {
	// Every writer symbol must exist on the reader side; checked up front so
	// incompatibilities surface at handshake time, not mid-call.
	for _, s := range writer.Symbols {
		if reader.Index(s) < 0 {
			return nil, fmt.Errorf("avro: enum %s lacks symbol %q of %s", reader.FullName, s, writer.FullName)
		}
	}
	return writer.Decode, nil
}

func resolveFromUnion(reader Type, writer *UnionType) (readFunc, error) {
	reads := make([]readFunc, len(writer.Branches))
	wraps := make([]string, len(writer.Branches))
	resolvable := false
	ru, readerIsUnion := reader.(*UnionType)
	for i, wb := range writer.Branches {
		target := reader
		wrap := ""
		if readerIsUnion {
			j := ru.BranchIndex(wb.Name())
			if j < 0 {
				j = firstResolvable(ru, wb)
			}
			if j < 0 {
				continue
			}
			target = ru.Branches[j]
			if target.Name() != "null" {
				wrap = target.Name()
			}
		}
		read, err := resolveRead(target, wb)
		if err != nil {
			continue // this branch stays unreadable; fails only if written
		}
		reads[i], wraps[i] = read, wrap
		resolvable = true
	}
	if !resolvable {
		return nil, fmt.Errorf("avro: no branch of writer union resolves against %s", reader.Name())
	}
	return func(buf []byte) (any, int, error) {
		i, n, err := ReadInt(buf)
		if err != nil {
			return nil, 0, err
		}
		if int(i) < 0 || int(i) >= len(reads) || reads[i] == nil {
			return nil, 0, fmt.Errorf("avro: writer union branch %d unreadable", i)
		}
		v, m, err := reads[i](buf[n:])
		if err != nil {
			return nil, 0, err
		}
		if wraps[i] != "" {
			v = Branch{Name: wraps[i], Value: v}
		}
		return v, n + m, nil
	}, nil
}

func resolveToUnion(reader *UnionType, writer Type) (readFunc, error) {
	j := reader.BranchIndex(writer.Name())
	if j < 0 {
		j = firstResolvable(reader, writer)
	}
	if j < 0 {
		return nil, fmt.Errorf("avro: reader union has no branch for %s", writer.Name())
	}
	branch := reader.Branches[j]
	read, err := resolveRead(branch, writer)
	if err != nil {
		return nil, err
	}
	name := branch.Name()
	return func(buf []byte) (any, int, error) {
		v, n, err := read(buf)
		if err != nil {
			return nil, 0, err
		}
		if name == "null" {
			return nil, n, nil
		}
		return Branch{Name: name, Value: v}, n, nil
	}, nil
}

func firstResolvable(u *UnionType, writer Type) int {
	for i, b := range u.Branches {
		if _, err := resolveRead(b, writer); err == nil {
			return i
		}
	}
	return -1
}

func resolveRecord(reader, writer *RecordType) (readFunc, error) {
	type step struct {
		read readFunc
		into string // "" means decode-and-discard
	}
	steps := make([]step, 0, len(writer.Fields))
	matched := map[string]bool{}
	for _, wf := range writer.Fields {
		if rf := reader.Field(wf.Name); rf != nil {
			read, err := resolveRead(rf.Type, wf.Type)
			if err != nil {
				return nil, fmt.Errorf("avro: record %s field %q: %w", reader.FullName, wf.Name, err)
			}
			steps = append(steps, step{read, wf.Name})
			matched[wf.Name] = true
		} else {
			steps = append(steps, step{wf.Type.Decode, ""})
		}
	}
	// Reader fields absent from the writer must carry defaults.
	defaults := map[string]any{}
	for _, rf := range reader.Fields {
		if matched[rf.Name] {
			continue
		}
		if !rf.HasDefault {
			return nil, fmt.Errorf("avro: record %s field %q missing from writer and has no default", reader.FullName, rf.Name)
		}
		defaults[rf.Name] = rf.Default
	}
	return func(buf []byte) (any, int, error) {
		m := make(map[string]any, len(reader.Fields))
		offset := 0
		for _, s := range steps {
			v, n, err := s.read(buf[offset:])
			if err != nil {
				return nil, 0, err
			}
			offset += n
			if s.into != "" {
				m[s.into] = v
			}
		}
		for k, v := range defaults {
			m[k] = v
		}
		return m, offset, nil
	}, nil
}

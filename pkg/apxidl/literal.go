package apxidl

import "fmt"

// parseAttributes parses an optional `:<attr>` clause trailing a DSG.
// Currently the only recognized attribute is `=<literal>` (initial value);
// spec.md §4.E lists `(min,max)` as an attribute too, but that is consumed
// directly by parseDSG as part of the signature, not here.
func parseAttributes(c *cursor) (Attributes, error) {
	var attrs Attributes

	if c.peek() != ':' {
		return attrs, nil
	}
	c.pos++

	if c.peek() != '=' {
		return attrs, fmt.Errorf("unrecognized attribute at position %d", c.pos)
	}
	c.pos++

	lit, err := parseLiteral(c)
	if err != nil {
		return attrs, fmt.Errorf("initial value: %w", err)
	}
	attrs.HasInitial = true
	attrs.Initial = lit
	return attrs, nil
}

// parseLiteral parses `<int>`, `<string>` (quoted), or `{lit,lit,...}`.
func parseLiteral(c *cursor) (Literal, error) {
	switch {
	case c.peek() == '"':
		s, err := c.readQuoted()
		if err != nil {
			return Literal{}, err
		}
		return Literal{IsStr: true, Str: s}, nil

	case c.peek() == '{':
		c.pos++
		var list []Literal
		for {
			if c.eof() {
				return Literal{}, fmt.Errorf("unterminated literal list, expected '}'")
			}
			if c.peek() == '}' {
				c.pos++
				break
			}
			if c.peek() == ',' {
				c.pos++
				continue
			}
			item, err := parseLiteral(c)
			if err != nil {
				return Literal{}, err
			}
			list = append(list, item)
		}
		return Literal{IsList: true, List: list}, nil

	default:
		n, err := c.readInt()
		if err != nil {
			return Literal{}, fmt.Errorf("expected an integer, string, or '{' literal: %w", err)
		}
		return Literal{IsInt: true, Int: n}, nil
	}
}

// EncodeInitialValue packs d's initial-value literal (or zero bytes, if
// none was declared) into size bytes, little-endian per scalar element
// (spec.md §6). d must already be the derived (typeref-resolved) form.
func EncodeInitialValue(d *DSG, attrs Attributes, size int) ([]byte, error) {
	out := make([]byte, size)
	if !attrs.HasInitial {
		return out, nil
	}
	if err := encodeLiteralInto(out, d, attrs.Initial); err != nil {
		return nil, err
	}
	return out, nil
}

func encodeLiteralInto(out []byte, d *DSG, lit Literal) error {
	if d.IsArray && !d.ArrayDynamic {
		return encodeArrayLiteral(out, d, lit)
	}

	switch d.Kind {
	case DSGScalar:
		return encodeScalarLiteral(out, d.Scalar, lit)
	case DSGRecord:
		return encodeRecordLiteral(out, d, lit)
	default:
		return fmt.Errorf("cannot encode initial value for unresolved typeref")
	}
}

func encodeArrayLiteral(out []byte, d *DSG, lit Literal) error {
	elemSize, ok := ScalarSize(d.Scalar)
	if d.Kind != DSGScalar {
		elemSize = len(out) / maxInt(d.ArrayLen, 1)
		ok = true
	}
	if !ok {
		return fmt.Errorf("cannot determine array element size")
	}

	if d.Kind == DSGScalar && d.Scalar == ScalarStr {
		if !lit.IsStr {
			return fmt.Errorf("expected a string literal for an 'a' array")
		}
		b := []byte(lit.Str)
		n := copy(out, b)
		_ = n
		return nil
	}

	if !lit.IsList {
		return fmt.Errorf("expected a '{...}' literal for an array")
	}
	for i, item := range lit.List {
		if i >= d.ArrayLen {
			break
		}
		elem := &DSG{Kind: d.Kind, Scalar: d.Scalar, Members: d.Members}
		if err := encodeLiteralInto(out[i*elemSize:(i+1)*elemSize], elem, item); err != nil {
			return fmt.Errorf("array element %d: %w", i, err)
		}
	}
	return nil
}

func encodeScalarLiteral(out []byte, code ScalarCode, lit Literal) error {
	if code == ScalarStr {
		if !lit.IsStr {
			return fmt.Errorf("expected a string literal")
		}
		copy(out, []byte(lit.Str))
		return nil
	}

	if !lit.IsInt {
		return fmt.Errorf("expected an integer literal")
	}
	putLittleEndian(out, uint64(lit.Int))
	return nil
}

func encodeRecordLiteral(out []byte, d *DSG, lit Literal) error {
	if !lit.IsList {
		return fmt.Errorf("expected a '{...}' literal for a record")
	}
	if len(lit.List) != len(d.Members) {
		return fmt.Errorf("record literal has %d elements, type has %d members", len(lit.List), len(d.Members))
	}

	offset := 0
	for i, m := range d.Members {
		size := m.Type.resolvedSize
		if size == 0 {
			size = staticSize(m.Type)
		}
		if err := encodeLiteralInto(out[offset:offset+size], m.Type, lit.List[i]); err != nil {
			return fmt.Errorf("member %q: %w", m.Name, err)
		}
		offset += size
	}
	return nil
}

func putLittleEndian(out []byte, v uint64) {
	for i := range out {
		out[i] = byte(v >> (8 * uint(i)))
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

package apxidl

import "fmt"

// parseDSG parses one data-signature starting at c's current position: a
// scalar code, a `{...}` record, or a `T[...]` type reference, each
// optionally followed by a `(min,max)` range (scalars only) and/or a
// `[N]`/`[*]` array suffix (spec.md §4.E).
func parseDSG(c *cursor) (*DSG, error) {
	if c.eof() {
		return nil, fmt.Errorf("expected a data signature, got end of line")
	}

	var d *DSG
	var err error

	switch {
	case c.peek() == '{':
		d, err = parseRecord(c)
	case c.peek() == 'T' && peekAt(c, 1) == '[':
		d, err = parseTyperef(c)
	default:
		d, err = parseScalar(c)
	}
	if err != nil {
		return nil, err
	}

	if d.Kind == DSGScalar && c.peek() == '(' {
		min, max, err := parseRange(c)
		if err != nil {
			return nil, err
		}
		d.HasRange = true
		d.RangeMin = min
		d.RangeMax = max
	}

	if c.peek() == '[' {
		length, dynamic, err := parseArraySuffix(c)
		if err != nil {
			return nil, err
		}
		d.IsArray = true
		d.ArrayLen = length
		d.ArrayDynamic = dynamic
	}

	return d, nil
}

func peekAt(c *cursor, offset int) rune {
	idx := c.pos + offset
	if idx < 0 || idx >= len(c.runes) {
		return 0
	}
	return c.runes[idx]
}

func parseScalar(c *cursor) (*DSG, error) {
	code := ScalarCode(c.next())
	if _, ok := ScalarSize(code); !ok {
		return nil, fmt.Errorf("unrecognized data signature code %q", byte(code))
	}
	return &DSG{Kind: DSGScalar, Scalar: code}, nil
}

func parseRecord(c *cursor) (*DSG, error) {
	if err := c.expect('{'); err != nil {
		return nil, err
	}

	d := &DSG{Kind: DSGRecord}
	seen := map[string]bool{}

	for {
		if c.eof() {
			return nil, fmt.Errorf("unterminated record, expected '}'")
		}
		if c.peek() == '}' {
			c.pos++
			break
		}

		name, err := c.readQuoted()
		if err != nil {
			return nil, fmt.Errorf("record member name: %w", err)
		}
		if seen[name] {
			return nil, fmt.Errorf("duplicate record member name %q", name)
		}
		seen[name] = true

		member, err := parseDSG(c)
		if err != nil {
			return nil, fmt.Errorf("record member %q: %w", name, err)
		}

		d.Members = append(d.Members, RecordMember{Name: name, Type: member})
	}

	return d, nil
}

func parseTyperef(c *cursor) (*DSG, error) {
	if err := c.expect('T'); err != nil {
		return nil, err
	}
	if err := c.expect('['); err != nil {
		return nil, err
	}

	d := &DSG{Kind: DSGTyperef, HasTyperef: true}

	if c.peek() == '"' {
		name, err := c.readQuoted()
		if err != nil {
			return nil, fmt.Errorf("typeref name: %w", err)
		}
		d.TyperefName = name
	} else {
		id, err := c.readInt()
		if err != nil {
			return nil, fmt.Errorf("typeref id: %w", err)
		}
		d.TyperefID = int(id)
	}

	if err := c.expect(']'); err != nil {
		return nil, err
	}

	return d, nil
}

func parseRange(c *cursor) (min, max int64, err error) {
	if err := c.expect('('); err != nil {
		return 0, 0, err
	}
	min, err = c.readInt()
	if err != nil {
		return 0, 0, fmt.Errorf("range min: %w", err)
	}
	if err := c.expect(','); err != nil {
		return 0, 0, err
	}
	max, err = c.readInt()
	if err != nil {
		return 0, 0, fmt.Errorf("range max: %w", err)
	}
	if err := c.expect(')'); err != nil {
		return 0, 0, err
	}
	if min > max {
		return 0, 0, fmt.Errorf("range (%d,%d) has min > max", min, max)
	}
	return min, max, nil
}

func parseArraySuffix(c *cursor) (length int, dynamic bool, err error) {
	if err := c.expect('['); err != nil {
		return 0, false, err
	}
	if c.peek() == '*' {
		c.pos++
		dynamic = true
	} else {
		n, err := c.readInt()
		if err != nil {
			return 0, false, fmt.Errorf("array length: %w", err)
		}
		if n < 0 {
			return 0, false, fmt.Errorf("array length must not be negative, got %d", n)
		}
		length = int(n)
	}
	if err := c.expect(']'); err != nil {
		return 0, false, err
	}
	return length, dynamic, nil
}

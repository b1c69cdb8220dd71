package apxidl

import (
	"fmt"
	"strconv"
	"strings"
)

// Parse parses the full text of an APX definition file into a Node. The
// returned Node's typerefs are not yet resolved -- call Finalize before
// using DerivedSignature or computing layout (spec.md §4.E, §4.F).
func Parse(text string) (*Node, error) {
	lines := strings.Split(text, "\n")

	if len(lines) == 0 {
		return nil, &ParseError{Line: 1, Msg: "empty definition"}
	}

	n := &Node{}

	major, minor, err := parseHeaderLine(lines[0])
	if err != nil {
		return nil, &ParseError{Line: 1, Msg: err.Error()}
	}
	n.Major, n.Minor = major, minor

	sawName := false

	for i := 1; i < len(lines); i++ {
		lineNo := i + 1
		raw := strings.TrimRight(lines[i], "\r")
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}

		c := newCursor(line)
		kind := c.next()

		switch kind {
		case 'N':
			name, err := c.readQuoted()
			if err != nil {
				return nil, &ParseError{Line: lineNo, Msg: fmt.Sprintf("node name: %v", err)}
			}
			n.Name = name
			sawName = true

		case 'T':
			dt, err := parseDatatypeLine(c)
			if err != nil {
				return nil, &ParseError{Line: lineNo, Msg: err.Error()}
			}
			n.Datatypes = append(n.Datatypes, dt)

		case 'R':
			p, err := parsePortLine(c, len(n.RequirePorts))
			if err != nil {
				return nil, &ParseError{Line: lineNo, Msg: err.Error()}
			}
			n.RequirePorts = append(n.RequirePorts, p)

		case 'P':
			p, err := parsePortLine(c, len(n.ProvidePorts))
			if err != nil {
				return nil, &ParseError{Line: lineNo, Msg: err.Error()}
			}
			n.ProvidePorts = append(n.ProvidePorts, p)

		default:
			return nil, &ParseError{Line: lineNo, Msg: fmt.Sprintf("unrecognized line kind %q", kind)}
		}
	}

	if !sawName {
		return nil, &ParseError{Line: 1, Msg: "definition is missing an N\"...\" node name line"}
	}

	return n, nil
}

// parseHeaderLine parses "APX/<major>.<minor>".
func parseHeaderLine(line string) (major, minor int, err error) {
	const prefix = "APX/"
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, prefix) {
		return 0, 0, fmt.Errorf("expected %q header, got %q", prefix, line)
	}
	ver := strings.TrimPrefix(line, prefix)
	parts := strings.SplitN(ver, ".", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("malformed version %q, expected <major>.<minor>", ver)
	}
	major, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("malformed major version: %w", err)
	}
	minor, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("malformed minor version: %w", err)
	}
	return major, minor, nil
}

func parseDatatypeLine(c *cursor) (Datatype, error) {
	name, err := c.readQuoted()
	if err != nil {
		return Datatype{}, fmt.Errorf("datatype name: %w", err)
	}
	dsg, err := parseDSG(c)
	if err != nil {
		return Datatype{}, fmt.Errorf("datatype %q: %w", name, err)
	}
	// Datatype declarations may carry a trailing attribute clause too (a
	// default initial value for the type), but it is never used -- only
	// port-level attributes matter for buffer initialisation (spec.md
	// §4.F) -- so it is parsed here only to validate syntax and discarded.
	if _, err := parseAttributes(c); err != nil {
		return Datatype{}, fmt.Errorf("datatype %q: %w", name, err)
	}
	return Datatype{Name: name, DSG: dsg}, nil
}

func parsePortLine(c *cursor, portID int) (Port, error) {
	name, err := c.readQuoted()
	if err != nil {
		return Port{}, fmt.Errorf("port name: %w", err)
	}
	dsg, err := parseDSG(c)
	if err != nil {
		return Port{}, fmt.Errorf("port %q: %w", name, err)
	}
	attrs, err := parseAttributes(c)
	if err != nil {
		return Port{}, fmt.Errorf("port %q: %w", name, err)
	}
	return Port{Name: name, DSG: dsg, Attributes: attrs, PortID: portID}, nil
}

package apxidl

import (
	"fmt"
	"strings"
)

// Finalize resolves every typeref in n's ports against n's datatype table,
// re-checks record member uniqueness while resolving (range consistency is
// checked only by the parser), computes each port's derived
// (typeref-inlined) signature string, and its serialised size. Unresolved
// references fail with a plain error naming the port; the error carries no
// source line number.
func Finalize(n *Node) error {
	n.datatypeIndex = make(map[string]int, len(n.Datatypes))
	for i, dt := range n.Datatypes {
		if _, exists := n.datatypeIndex[dt.Name]; exists {
			return fmt.Errorf("apxidl: duplicate datatype name %q", dt.Name)
		}
		n.datatypeIndex[dt.Name] = i
	}

	for i := range n.Datatypes {
		if _, err := resolve(n, n.Datatypes[i].DSG, map[int]bool{}); err != nil {
			return fmt.Errorf("apxidl: datatype %q: %w", n.Datatypes[i].Name, err)
		}
	}

	for i := range n.RequirePorts {
		if err := finalizePort(n, &n.RequirePorts[i]); err != nil {
			return fmt.Errorf("apxidl: require port %q: %w", n.RequirePorts[i].Name, err)
		}
	}
	for i := range n.ProvidePorts {
		if err := finalizePort(n, &n.ProvidePorts[i]); err != nil {
			return fmt.Errorf("apxidl: provide port %q: %w", n.ProvidePorts[i].Name, err)
		}
	}

	return nil
}

func finalizePort(n *Node, p *Port) error {
	resolved, err := resolve(n, p.DSG, map[int]bool{})
	if err != nil {
		return err
	}

	p.DerivedSignature = formatDSG(resolved)

	return nil
}

// Resolve returns the typeref-inlined form of d against n's datatype
// table. n must already have its datatypeIndex built, which Parse does
// not do -- call Finalize(n) once before calling Resolve directly (Finalize
// itself calls resolve on every port already; Resolve is exported for
// callers, such as pkg/apxnode, that need the resolved tree itself rather
// than just the derived signature string).
func Resolve(n *Node, d *DSG) (*DSG, error) {
	return resolve(n, d, map[int]bool{})
}

// StaticSize exposes staticSize for callers computing buffer sizes from a
// resolved DSG tree (pkg/apxnode's layout builder).
func StaticSize(d *DSG) int {
	return staticSize(d)
}

// resolve returns the typeref-inlined form of d, recursively. visiting
// guards against a typeref cycle (A references B references A).
func resolve(n *Node, d *DSG, visiting map[int]bool) (*DSG, error) {
	if d.resolved != nil {
		return d.resolved, nil
	}

	switch d.Kind {
	case DSGScalar:
		d.resolved = d
		d.resolvedSize = scalarResolvedSize(d)
		return d, nil

	case DSGTyperef:
		idx := d.TyperefID
		if d.TyperefName != "" {
			idx = n.DatatypeByName(d.TyperefName)
			if idx < 0 {
				return nil, fmt.Errorf("unresolved type reference %q", d.TyperefName)
			}
		}
		if idx < 0 || idx >= len(n.Datatypes) {
			return nil, fmt.Errorf("unresolved type reference index %d", idx)
		}
		if visiting[idx] {
			return nil, fmt.Errorf("type reference cycle involving datatype index %d", idx)
		}
		visiting[idx] = true
		inner, err := resolve(n, n.Datatypes[idx].DSG, visiting)
		delete(visiting, idx)
		if err != nil {
			return nil, err
		}

		resolved := &DSG{
			Kind:         inner.Kind,
			Scalar:       inner.Scalar,
			Members:      inner.Members,
			IsArray:      d.IsArray,
			ArrayLen:     d.ArrayLen,
			ArrayDynamic: d.ArrayDynamic,
			HasRange:     inner.HasRange,
			RangeMin:     inner.RangeMin,
			RangeMax:     inner.RangeMax,
		}
		if inner.IsArray && !d.IsArray {
			resolved.IsArray = inner.IsArray
			resolved.ArrayLen = inner.ArrayLen
			resolved.ArrayDynamic = inner.ArrayDynamic
		}
		resolved.resolvedSize = staticSize(resolved)
		d.resolved = resolved
		d.resolvedSize = resolved.resolvedSize
		return resolved, nil

	case DSGRecord:
		seen := map[string]bool{}
		members := make([]RecordMember, len(d.Members))
		for i, m := range d.Members {
			if seen[m.Name] {
				return nil, fmt.Errorf("duplicate record member name %q", m.Name)
			}
			seen[m.Name] = true

			rm, err := resolve(n, m.Type, visiting)
			if err != nil {
				return nil, fmt.Errorf("member %q: %w", m.Name, err)
			}
			members[i] = RecordMember{Name: m.Name, Type: rm}
		}
		d.resolved = &DSG{Kind: DSGRecord, Members: members, IsArray: d.IsArray, ArrayLen: d.ArrayLen, ArrayDynamic: d.ArrayDynamic}
		d.resolvedSize = staticSize(d.resolved)
		return d.resolved, nil
	}

	return nil, fmt.Errorf("unrecognized DSG kind")
}

func scalarResolvedSize(d *DSG) int {
	elemSize, _ := ScalarSize(d.Scalar)
	if d.IsArray && !d.ArrayDynamic {
		return elemSize * d.ArrayLen
	}
	return elemSize
}

// staticSize computes the serialised byte size of a fully-resolved
// (typeref-inlined) DSG. Dynamic arrays have no static size: callers that
// need a buffer size for a dynamic-array port instead use the port's
// max_queue_len (spec.md §4.F).
func staticSize(d *DSG) int {
	switch d.Kind {
	case DSGScalar:
		return scalarResolvedSize(d)
	case DSGRecord:
		total := 0
		for _, m := range d.Members {
			total += staticSize(m.Type)
		}
		if d.IsArray && !d.ArrayDynamic {
			return total * d.ArrayLen
		}
		return total
	}
	return 0
}

// formatDSG renders d's derived (typeref-inlined) signature string, the
// routing key used by pkg/apxroute.
func formatDSG(d *DSG) string {
	var sb strings.Builder
	writeDSG(&sb, d)
	return sb.String()
}

func writeDSG(sb *strings.Builder, d *DSG) {
	switch d.Kind {
	case DSGScalar:
		sb.WriteByte(byte(d.Scalar))
		if d.HasRange {
			fmt.Fprintf(sb, "(%d,%d)", d.RangeMin, d.RangeMax)
		}
	case DSGRecord:
		sb.WriteByte('{')
		for _, m := range d.Members {
			fmt.Fprintf(sb, "%q", m.Name)
			writeDSG(sb, m.Type)
		}
		sb.WriteByte('}')
	}

	if d.IsArray {
		if d.ArrayDynamic {
			sb.WriteString("[*]")
		} else {
			fmt.Fprintf(sb, "[%d]", d.ArrayLen)
		}
	}
}

// Package apxidl parses the APX text definition language into a node tree
// and resolves derived (typeref-inlined) port signatures (spec.md §4.E).
package apxidl

import "fmt"

// ScalarCode identifies one of the DSG grammar's single-character scalar
// type codes (spec.md §4.E).
type ScalarCode byte

const (
	ScalarU8  ScalarCode = 'C'
	ScalarU16 ScalarCode = 'S'
	ScalarU32 ScalarCode = 'L'
	ScalarI8  ScalarCode = 'c'
	ScalarI16 ScalarCode = 's'
	ScalarI32 ScalarCode = 'l'
	ScalarStr ScalarCode = 'a'
	ScalarU64 ScalarCode = 'U'
	ScalarI64 ScalarCode = 'u'
)

// ScalarSize returns the serialised byte size of one scalar element. For
// ScalarStr, size is the caller-supplied array length (a string is only
// ever meaningful with an explicit array length).
func ScalarSize(code ScalarCode) (int, bool) {
	switch code {
	case ScalarU8, ScalarI8, ScalarStr:
		return 1, true
	case ScalarU16, ScalarI16:
		return 2, true
	case ScalarU32, ScalarI32:
		return 4, true
	case ScalarU64, ScalarI64:
		return 8, true
	}
	return 0, false
}

// DSGKind discriminates the shape of a DSG node.
type DSGKind int

const (
	DSGScalar DSGKind = iota
	DSGRecord
	DSGTyperef
)

// RecordMember is one named field of a record DSG.
type RecordMember struct {
	Name string
	Type *DSG
}

// DSG is one parsed data-signature node: a scalar, a record, or a type
// reference, optionally wrapped in an array.
type DSG struct {
	Kind DSGKind

	Scalar  ScalarCode
	Members []RecordMember

	// TyperefID is set when the reference is numeric (T[<id>]); TyperefName
	// when it is by name (T["<typeName>"]). Exactly one is populated.
	TyperefID   int
	TyperefName string
	HasTyperef  bool

	// IsArray, ArrayLen, ArrayDynamic describe an optional [N] or [*]
	// suffix. ArrayDynamic true means ArrayLen is a queue bound, not a
	// fixed count (spec.md §4.F "max_queue_len").
	IsArray      bool
	ArrayLen     int
	ArrayDynamic bool

	// Range is set when a scalar carries a (min,max) attribute.
	HasRange bool
	RangeMin int64
	RangeMax int64

	// resolved is filled in during Finalize: the derived (typeref-inlined)
	// form of this node, and its serialised size in bytes.
	resolved     *DSG
	resolvedSize int
}

// Attributes holds the per-port option set (spec.md §3 "Attributes").
type Attributes struct {
	HasInitial bool
	Initial    Literal
}

// Literal is a parsed `=<literal>` initial-value attribute: an integer, a
// string, or a record/array of nested literals (spec.md §6).
type Literal struct {
	Int    int64
	Str    string
	List   []Literal
	IsInt  bool
	IsStr  bool
	IsList bool
}

// Port is one require or provide port declaration (spec.md §3 "Port").
type Port struct {
	Name       string
	DSG        *DSG
	Attributes Attributes
	PortID     int

	// DerivedSignature is filled in by Finalize: the DSG string with all
	// typerefs inlined, the routing key (spec.md §3).
	DerivedSignature string
}

// Datatype is a named, reusable DSG declared with a T"..." line.
type Datatype struct {
	Name string
	DSG  *DSG
}

// Node is the parsed form of one APX definition (spec.md §3 "Node").
type Node struct {
	Major, Minor int
	Name         string

	Datatypes    []Datatype
	RequirePorts []Port
	ProvidePorts []Port

	datatypeIndex map[string]int
}

// DatatypeByName returns the index of the datatype named name, or -1.
func (n *Node) DatatypeByName(name string) int {
	if n.datatypeIndex == nil {
		return -1
	}
	idx, ok := n.datatypeIndex[name]
	if !ok {
		return -1
	}
	return idx
}

// ParseError carries the source line number for a syntax or semantic
// failure, per spec.md §4.E ("an error that includes the source line").
type ParseError struct {
	Line int
	Msg  string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("apxidl: line %d: %s", e.Line, e.Msg)
}

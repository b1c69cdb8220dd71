// Package apxfs implements the addressed file map (spec.md §4.C) and the
// per-connection file manager (spec.md §4.D) that sit on top of the wire
// framing in pkg/apxwire.
package apxfs

import (
	"fmt"
	"strings"

	"github.com/sandia-apx/apxd/pkg/apxwire"
)

// Address space regions (spec.md §3, §6).
const (
	PortDataRegionStart uint32 = 0x0
	PortDataRegionEnd   uint32 = 0x3FFFFFF

	DefinitionRegionStart uint32 = 0x4000000
	DefinitionRegionEnd   uint32 = 0x7FFFFFFF

	// RemoteMirrorBit marks a file as the local mirror of a peer-owned file.
	RemoteMirrorBit uint32 = 0x80000000

	portDataAlignment   = 1024
	definitionAlignment = 1024 * 1024

	// MaxBaseNameLen is the longest a node's base name (the part before
	// .apx/.out/.in) may be (spec.md §6).
	MaxBaseNameLen = 252

	// InvalidAddress requests auto-assignment from CreateFile.
	InvalidAddress uint32 = 0xFFFFFFFF
)

// Kind distinguishes the three file name conventions (spec.md §6).
type Kind int

const (
	KindUnknown Kind = iota
	KindDefinition
	KindProvideData
	KindRequireData
)

// KindOf classifies name by its extension.
func KindOf(name string) Kind {
	switch {
	case strings.HasSuffix(name, ".apx"):
		return KindDefinition
	case strings.HasSuffix(name, ".out"):
		return KindProvideData
	case strings.HasSuffix(name, ".in"):
		return KindRequireData
	}
	return KindUnknown
}

// BaseName strips the .apx/.out/.in suffix from name.
func BaseName(name string) string {
	switch KindOf(name) {
	case KindDefinition, KindProvideData, KindRequireData:
		return name[:len(name)-len(".xxx")]
	}
	return name
}

// File is an addressed byte region exposed by one side of a connection
// (spec.md §3 "File").
type File struct {
	Name     string
	Address  uint32
	Size     uint32
	Type     apxwire.FileType
	Open     bool
	IsRemote bool
}

// Base returns the file's base address with the remote-mirror bit cleared.
func (f *File) Base() uint32 {
	return f.Address &^ RemoteMirrorBit
}

// Contains reports whether addr (with any remote-mirror bit already
// stripped by the caller) falls within this file's logical region.
func (f *File) Contains(addr uint32) bool {
	base := f.Base()
	return addr >= base && addr < base+f.Size
}

// regionFor returns the address-space region a file of this kind is allocated
// from, and its required alignment.
func regionFor(kind Kind) (start, end uint32, align uint32, err error) {
	switch kind {
	case KindProvideData, KindRequireData:
		return PortDataRegionStart, PortDataRegionEnd, portDataAlignment, nil
	case KindDefinition:
		return DefinitionRegionStart, DefinitionRegionEnd, definitionAlignment, nil
	default:
		return 0, 0, 0, fmt.Errorf("apxfs: cannot place file %q: unrecognized extension", "")
	}
}

func alignUp(v, align uint32) uint32 {
	if v%align == 0 {
		return v
	}
	return (v/align + 1) * align
}

// Package apxnode computes per-port byte layout (spec.md §4.F) and owns the
// per-connection node instance runtime state (spec.md §4.G).
package apxnode

import (
	"fmt"

	"github.com/sandia-apx/apxd/pkg/apxidl"
)

// PortDataProps is the computed per-port layout record (spec.md §4.F).
type PortDataProps struct {
	PortID      int
	Offset      int
	DataSize    int
	TotalSize   int
	PortType    apxidl.DSGKind
	IsDynamic   bool
	MaxQueueLen int
	Signature   string
}

// Copy returns a deep copy of p. PortDataProps is immutable once computed;
// Copy exists so a Layout's slices can be handed out as read-only
// snapshots the way ron's Command.Copy() hands out command snapshots
// (internal/ron/command.go), rather than aliasing the finalized layout's
// backing array to a caller that might mutate it.
func (p PortDataProps) Copy() PortDataProps {
	return p
}

// Layout is the finalized, read-only per-direction byte layout for one
// node's ports, computed once at finalization (spec.md §4.F).
type Layout struct {
	Require    []PortDataProps
	Provide    []PortDataProps
	RequireLen int
	ProvideLen int

	RequireInit []byte
	ProvideInit []byte
}

// BuildLayout computes the layout and initial-value image for a finalized
// node (apxidl.Finalize must already have been called).
func BuildLayout(n *apxidl.Node) (*Layout, error) {
	l := &Layout{}

	req, reqInit, reqLen, err := buildDirection(n, n.RequirePorts)
	if err != nil {
		return nil, fmt.Errorf("apxnode: require ports: %w", err)
	}
	l.Require, l.RequireInit, l.RequireLen = req, reqInit, reqLen

	prov, provInit, provLen, err := buildDirection(n, n.ProvidePorts)
	if err != nil {
		return nil, fmt.Errorf("apxnode: provide ports: %w", err)
	}
	l.Provide, l.ProvideInit, l.ProvideLen = prov, provInit, provLen

	return l, nil
}

func buildDirection(n *apxidl.Node, ports []apxidl.Port) ([]PortDataProps, []byte, int, error) {
	props := make([]PortDataProps, len(ports))
	var image []byte
	offset := 0

	for i, p := range ports {
		resolved, err := apxidl.Resolve(n, p.DSG)
		if err != nil {
			return nil, nil, 0, fmt.Errorf("port %q: %w", p.Name, err)
		}

		size := apxidl.StaticSize(resolved)
		maxQueue := 0
		if resolved.ArrayDynamic {
			maxQueue = resolved.ArrayLen
			// A dynamic array's static size is 0; the buffer still needs
			// room for MaxQueueLen elements -- spec.md §4.F's
			// "max_queue_len" is exactly this bound.
			size = maxQueue * elementSize(resolved)
		}

		props[i] = PortDataProps{
			PortID:      p.PortID,
			Offset:      offset,
			DataSize:    size,
			TotalSize:   size,
			PortType:    resolved.Kind,
			IsDynamic:   resolved.ArrayDynamic,
			MaxQueueLen: maxQueue,
			Signature:   p.DerivedSignature,
		}

		initBytes, err := apxidl.EncodeInitialValue(resolved, p.Attributes, size)
		if err != nil {
			return nil, nil, 0, fmt.Errorf("port %q: initial value: %w", p.Name, err)
		}

		image = append(image, initBytes...)
		offset += size
	}

	return props, image, offset, nil
}

// ProvideAtOffset returns the provide port whose byte range contains
// offset, for mapping a raw FILE_WRITTEN byte range back to a port id
// (internal/apxconn's §4.I FILE_WRITTEN-on-.out handler).
func (l *Layout) ProvideAtOffset(offset int) (PortDataProps, bool) {
	return portAtOffset(l.Provide, offset)
}

// RequireAtOffset is ProvideAtOffset's require-side counterpart.
func (l *Layout) RequireAtOffset(offset int) (PortDataProps, bool) {
	return portAtOffset(l.Require, offset)
}

func portAtOffset(ports []PortDataProps, offset int) (PortDataProps, bool) {
	for _, p := range ports {
		if offset >= p.Offset && offset < p.Offset+p.DataSize {
			return p, true
		}
	}
	return PortDataProps{}, false
}

func elementSize(d *apxidl.DSG) int {
	if d.Kind != apxidl.DSGScalar {
		return 0
	}
	sz, _ := apxidl.ScalarSize(d.Scalar)
	return sz
}

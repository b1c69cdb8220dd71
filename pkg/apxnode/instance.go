package apxnode

import (
	"fmt"
	"sync"
)

// WriteScheduler is invoked when a byte range changes in a node instance's
// provide or require buffer, so the owner can schedule the matching RMF
// traffic (an outbound write for provide, a peer mirror for require) --
// spec.md §4.G. Instance never touches the transport itself; it only calls
// back into whichever scheduler its owner installed, mirroring the
// separation ron.client keeps between mutating client state and
// `sendMessage` actually writing to the wire (internal/ron/server.go).
type WriteScheduler func(offset, length int)

// State reflects whether a node instance's definition has been parsed and
// its buffers sized (spec.md §3 "Node instance" `state` field).
type State int

const (
	StatePending State = iota
	StateReady
	StateInvalid
)

// Instance is the per-connection runtime record for one node (spec.md §3
// "Node instance", §4.G). Buffers are nil until SetLayout sizes them.
type Instance struct {
	Name  string
	Mode  Mode
	State State

	defMu  sync.Mutex
	defBuf []byte

	reqMu  sync.Mutex
	reqBuf []byte

	provMu  sync.Mutex
	provBuf []byte

	layout *Layout

	reqConnCount  []int
	provConnCount []int

	OnProvideWrite WriteScheduler
	OnRequireWrite WriteScheduler
}

// Mode distinguishes which side of a session this instance represents
// (spec.md §3).
type Mode int

const (
	ModeServer Mode = iota
	ModeClient
)

// New returns a pending Instance with no buffers yet allocated.
func New(name string, mode Mode) *Instance {
	return &Instance{Name: name, Mode: mode, State: StatePending}
}

// WriteDefinition copies data into the definition buffer at offset under
// its own mutex (spec.md §4.G). A write that does not fit inside the
// allocated buffer is rejected.
func (in *Instance) WriteDefinition(offset int, data []byte) error {
	in.defMu.Lock()
	defer in.defMu.Unlock()

	if offset < 0 || offset+len(data) > len(in.defBuf) {
		return fmt.Errorf("apxnode: definition write [%d,%d) out of bounds (len=%d)", offset, offset+len(data), len(in.defBuf))
	}
	copy(in.defBuf[offset:], data)
	return nil
}

// AllocateDefinition sizes the definition buffer to size bytes, discarding
// any earlier contents. Nothing in internal/apxconn calls it: FILE_CREATED
// events have no default handler there, so the buffer is sized only by
// callers that do so explicitly, such as the tests.
func (in *Instance) AllocateDefinition(size int) {
	in.defMu.Lock()
	defer in.defMu.Unlock()
	in.defBuf = make([]byte, size)
}

// Definition returns a copy of the definition buffer's current contents.
func (in *Instance) Definition() []byte {
	in.defMu.Lock()
	defer in.defMu.Unlock()
	out := make([]byte, len(in.defBuf))
	copy(out, in.defBuf)
	return out
}

// SetLayout sizes the require/provide buffers from a finalized Layout and
// writes in each buffer's packed initial-value image (spec.md §3 invariant
// 5: "initial-value bytes are written into require_bytes before the first
// provider is attached").
func (in *Instance) SetLayout(l *Layout) {
	in.layout = l

	in.reqMu.Lock()
	in.reqBuf = append([]byte(nil), l.RequireInit...)
	in.reqMu.Unlock()

	in.provMu.Lock()
	in.provBuf = append([]byte(nil), l.ProvideInit...)
	in.provMu.Unlock()

	in.reqConnCount = make([]int, len(l.Require))
	in.provConnCount = make([]int, len(l.Provide))

	in.State = StateReady
}

// Layout returns the instance's finalized layout, or nil if not yet set.
func (in *Instance) Layout() *Layout {
	return in.layout
}

// ReadRequire returns a copy of [offset, offset+length) from the require
// buffer.
func (in *Instance) ReadRequire(offset, length int) ([]byte, error) {
	in.reqMu.Lock()
	defer in.reqMu.Unlock()
	return readSlice(in.reqBuf, offset, length)
}

// WriteRequire overwrites [offset, offset+len(data)) in the require
// buffer. When in is on the server side, this schedules the matching
// mirror write to the peer via OnRequireWrite (spec.md §4.G).
func (in *Instance) WriteRequire(offset int, data []byte) error {
	in.reqMu.Lock()
	err := writeSlice(in.reqBuf, offset, data)
	in.reqMu.Unlock()
	if err != nil {
		return err
	}

	if in.OnRequireWrite != nil {
		in.OnRequireWrite(offset, len(data))
	}
	return nil
}

// ReadProvide returns a copy of [offset, offset+length) from the provide
// buffer.
func (in *Instance) ReadProvide(offset, length int) ([]byte, error) {
	in.provMu.Lock()
	defer in.provMu.Unlock()
	return readSlice(in.provBuf, offset, length)
}

// WriteProvide overwrites [offset, offset+len(data)) in the provide
// buffer and, if the node is attached to a connection, schedules an
// outbound RMF write at the file's base address plus offset via
// OnProvideWrite (spec.md §4.G).
func (in *Instance) WriteProvide(offset int, data []byte) error {
	in.provMu.Lock()
	err := writeSlice(in.provBuf, offset, data)
	in.provMu.Unlock()
	if err != nil {
		return err
	}

	if in.OnProvideWrite != nil {
		in.OnProvideWrite(offset, len(data))
	}
	return nil
}

func readSlice(buf []byte, offset, length int) ([]byte, error) {
	if offset < 0 || length < 0 || offset+length > len(buf) {
		return nil, fmt.Errorf("apxnode: read [%d,%d) out of bounds (len=%d)", offset, offset+length, len(buf))
	}
	out := make([]byte, length)
	copy(out, buf[offset:offset+length])
	return out, nil
}

func writeSlice(buf []byte, offset int, data []byte) error {
	if offset < 0 || offset+len(data) > len(buf) {
		return fmt.Errorf("apxnode: write [%d,%d) out of bounds (len=%d)", offset, offset+len(data), len(buf))
	}
	copy(buf[offset:], data)
	return nil
}

// IncRequireConn increments the connection count for require port portID.
func (in *Instance) IncRequireConn(portID int) {
	in.reqMu.Lock()
	defer in.reqMu.Unlock()
	if portID >= 0 && portID < len(in.reqConnCount) {
		in.reqConnCount[portID]++
	}
}

// DecRequireConn decrements the connection count for require port portID.
func (in *Instance) DecRequireConn(portID int) {
	in.reqMu.Lock()
	defer in.reqMu.Unlock()
	if portID >= 0 && portID < len(in.reqConnCount) && in.reqConnCount[portID] > 0 {
		in.reqConnCount[portID]--
	}
}

// IncProvideConn increments the connection count for provide port portID.
func (in *Instance) IncProvideConn(portID int) {
	in.provMu.Lock()
	defer in.provMu.Unlock()
	if portID >= 0 && portID < len(in.provConnCount) {
		in.provConnCount[portID]++
	}
}

// DecProvideConn decrements the connection count for provide port portID.
func (in *Instance) DecProvideConn(portID int) {
	in.provMu.Lock()
	defer in.provMu.Unlock()
	if portID >= 0 && portID < len(in.provConnCount) && in.provConnCount[portID] > 0 {
		in.provConnCount[portID]--
	}
}

// RequireConnCount returns the current connection count for a require
// port, for tests and introspection.
func (in *Instance) RequireConnCount(portID int) int {
	in.reqMu.Lock()
	defer in.reqMu.Unlock()
	if portID < 0 || portID >= len(in.reqConnCount) {
		return 0
	}
	return in.reqConnCount[portID]
}

// ProvideConnCount returns the current connection count for a provide
// port, for tests and introspection.
func (in *Instance) ProvideConnCount(portID int) int {
	in.provMu.Lock()
	defer in.provMu.Unlock()
	if portID < 0 || portID >= len(in.provConnCount) {
		return 0
	}
	return in.provConnCount[portID]
}

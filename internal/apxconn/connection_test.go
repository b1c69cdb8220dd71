package apxconn

import (
	"sync"
	"testing"
	"time"

	"github.com/sandia-apx/apxd/pkg/apxfs"
	"github.com/sandia-apx/apxd/pkg/apxidl"
	"github.com/sandia-apx/apxd/pkg/apxnode"
	"github.com/sandia-apx/apxd/pkg/apxwire"
)

func newTestConnection(t *testing.T) *Connection {
	t.Helper()
	mgr := apxfs.NewManager(func([]byte) error { return nil })
	t.Cleanup(mgr.Close)

	node := apxnode.New("Node", apxnode.ModeServer)
	c := New(1, mgr, node)
	c.Start()
	t.Cleanup(func() { c.Destroy() })
	return c
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition not met within timeout")
}

func TestListenerRunsAfterDefaultHandler(t *testing.T) {
	c := newTestConnection(t)

	var got *Event
	c.Listen(ProvidePortConnect, func(ev *Event) {
		got = ev
	})

	c.Node.SetLayout(&apxnode.Layout{Provide: []apxnode.PortDataProps{{PortID: 0}}})

	if err := c.Post(&Event{Kind: ProvidePortConnect, Deltas: []PortDelta{{PortID: 0, Count: 2}}}); err != nil {
		t.Fatalf("Post: %v", err)
	}

	waitFor(t, func() bool { return got != nil })
	if c.Node.ProvideConnCount(0) != 2 {
		t.Fatalf("got provide conn count %d, want 2", c.Node.ProvideConnCount(0))
	}
}

func TestDestroyIsIdempotentWithRunningWorker(t *testing.T) {
	c := newTestConnection(t)
	if err := c.Destroy(); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
}

func TestSelfJoinDetected(t *testing.T) {
	c := newTestConnection(t)

	errCh := make(chan error, 1)
	c.Listen(HeaderAccepted, func(ev *Event) {
		errCh <- c.Destroy()
	})

	if err := c.Post(&Event{Kind: HeaderAccepted}); err != nil {
		t.Fatalf("Post: %v", err)
	}

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatalf("expected self-join error, got nil")
		}
	case <-time.After(time.Second):
		t.Fatalf("listener never ran")
	}
}

func TestDefinitionWrittenBuildsLayout(t *testing.T) {
	c := newTestConnection(t)

	text := "APX/1.2\n" + `N"Node"` + "\n" + `P"A"S` + "\n"
	c.Node.AllocateDefinition(len(text))
	if err := c.Node.WriteDefinition(0, []byte(text)); err != nil {
		t.Fatalf("WriteDefinition: %v", err)
	}

	nodeComplete := make(chan struct{}, 1)
	c.OnNodeComplete = func(conn *Connection) { nodeComplete <- struct{}{} }

	if err := c.Post(&Event{Kind: FileWritten, File: &apxfs.File{Name: "Node.apx"}}); err != nil {
		t.Fatalf("Post: %v", err)
	}

	select {
	case <-nodeComplete:
	case <-time.After(time.Second):
		t.Fatalf("OnNodeComplete never ran")
	}

	if c.Node.Layout() == nil {
		t.Fatalf("expected layout to be set after successful definition parse")
	}
}

func TestProvideWrittenInvokesFanout(t *testing.T) {
	c := newTestConnection(t)

	text := "APX/1.2\n" + `N"Node"` + "\n" + `P"A"S` + "\n"
	n, err := apxidl.Parse(text)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if err := apxidl.Finalize(n); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	layout, err := apxnode.BuildLayout(n)
	if err != nil {
		t.Fatalf("BuildLayout: %v", err)
	}
	c.SetLayout(layout)

	var gotPortID int
	fanout := make(chan struct{}, 1)
	c.OnProvideFanout = func(conn *Connection, portID, offset, length int) {
		gotPortID = portID
		fanout <- struct{}{}
	}

	if err := c.Post(&Event{Kind: FileWritten, File: &apxfs.File{Name: "Node.out"}, Offset: 0, Length: 2}); err != nil {
		t.Fatalf("Post: %v", err)
	}

	select {
	case <-fanout:
	case <-time.After(time.Second):
		t.Fatalf("OnProvideFanout never ran")
	}

	if gotPortID != 0 {
		t.Fatalf("got port id %d, want 0", gotPortID)
	}
}

// TestDefinitionWrittenRequestsOpenForAnnouncedProvideFile covers spec.md
// §4.I's FILE_INFO -> FILE_OPEN handoff: once a peer's .out file has
// already been announced by the time our own definition finishes parsing,
// finishing the parse must immediately request it opened rather than
// waiting for some other trigger.
func TestDefinitionWrittenRequestsOpenForAnnouncedProvideFile(t *testing.T) {
	var mu sync.Mutex
	var sent [][]byte

	mgr := apxfs.NewManager(func(payload []byte) error {
		mu.Lock()
		defer mu.Unlock()
		sent = append(sent, append([]byte(nil), payload...))
		return nil
	})
	t.Cleanup(mgr.Close)
	mgr.OnHeaderAccepted()

	node := apxnode.New("Node", apxnode.ModeServer)
	c := New(1, mgr, node)
	c.Start()
	t.Cleanup(func() { c.Destroy() })

	const remoteAddr = uint32(0x1000)
	fi := apxwire.FileInfo{Address: remoteAddr, Size: 16, Name: "Node.out"}
	payload, err := apxwire.EncodeFileInfo(fi)
	if err != nil {
		t.Fatalf("EncodeFileInfo: %v", err)
	}
	if err := mgr.OnRecv(payload); err != nil {
		t.Fatalf("OnRecv FILE_INFO: %v", err)
	}

	text := "APX/1.2\n" + `N"Node"` + "\n" + `P"A"S` + "\n"
	c.Node.AllocateDefinition(len(text))
	if err := c.Node.WriteDefinition(0, []byte(text)); err != nil {
		t.Fatalf("WriteDefinition: %v", err)
	}

	nodeComplete := make(chan struct{}, 1)
	c.OnNodeComplete = func(conn *Connection) { nodeComplete <- struct{}{} }

	if err := c.Post(&Event{Kind: FileWritten, File: &apxfs.File{Name: "Node.apx"}}); err != nil {
		t.Fatalf("Post: %v", err)
	}

	select {
	case <-nodeComplete:
	case <-time.After(time.Second):
		t.Fatalf("OnNodeComplete never ran")
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, p := range sent {
			dec, err := apxwire.Decode(p)
			if err != nil {
				continue
			}
			if dec.IsCommand && dec.Command == apxwire.CmdFileOpen && dec.TargetAddress == remoteAddr {
				return true
			}
		}
		return false
	})
}

// TestRequireWriteForwardsMirrorToRemotePeer covers spec.md §4.I's
// require-port mirror path end to end: once OnRequireWrite is wired by a
// completed definition parse, a WriteRequire call must reach the wire as a
// DATA_WRITE addressed at the peer's announced .in file, not merely update
// the local buffer.
func TestRequireWriteForwardsMirrorToRemotePeer(t *testing.T) {
	var mu sync.Mutex
	var sent [][]byte

	mgr := apxfs.NewManager(func(payload []byte) error {
		mu.Lock()
		defer mu.Unlock()
		sent = append(sent, append([]byte(nil), payload...))
		return nil
	})
	t.Cleanup(mgr.Close)
	mgr.OnHeaderAccepted()

	node := apxnode.New("Node", apxnode.ModeServer)
	c := New(1, mgr, node)
	c.Start()
	t.Cleanup(func() { c.Destroy() })

	text := "APX/1.2\n" + `N"Node"` + "\n" + `R"A"C` + "\n"
	c.Node.AllocateDefinition(len(text))
	if err := c.Node.WriteDefinition(0, []byte(text)); err != nil {
		t.Fatalf("WriteDefinition: %v", err)
	}

	nodeComplete := make(chan struct{}, 1)
	c.OnNodeComplete = func(conn *Connection) { nodeComplete <- struct{}{} }

	if err := c.Post(&Event{Kind: FileWritten, File: &apxfs.File{Name: "Node.apx"}}); err != nil {
		t.Fatalf("Post: %v", err)
	}

	select {
	case <-nodeComplete:
	case <-time.After(time.Second):
		t.Fatalf("OnNodeComplete never ran")
	}

	const remoteAddr = uint32(0x2000)
	fi := apxwire.FileInfo{Address: remoteAddr, Size: 1, Name: "Node.in"}
	payload, err := apxwire.EncodeFileInfo(fi)
	if err != nil {
		t.Fatalf("EncodeFileInfo: %v", err)
	}
	if err := mgr.OnRecv(payload); err != nil {
		t.Fatalf("OnRecv FILE_INFO: %v", err)
	}

	if err := c.Node.WriteRequire(0, []byte{0x42}); err != nil {
		t.Fatalf("WriteRequire: %v", err)
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, p := range sent {
			dec, err := apxwire.Decode(p)
			if err != nil || dec.IsCommand {
				continue
			}
			if dec.Address == remoteAddr && len(dec.Data) == 1 && dec.Data[0] == 0x42 {
				return true
			}
		}
		return false
	})
}

package apxconn

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/tomb.v1"

	"github.com/sandia-apx/apxd/pkg/apxfs"
	"github.com/sandia-apx/apxd/pkg/apxidl"
	"github.com/sandia-apx/apxd/pkg/apxnode"
	log "github.com/sandia-apx/apxd/pkg/minilog"
)

// QueueLen is the default bound on a connection's event ring (spec.md §5:
// "outbound queue is bounded, default 1000 events").
const QueueLen = 1000

// JoinTimeout is how long Destroy waits for the worker before logging a
// fatal error (spec.md §4.I, §5).
const JoinTimeout = 5 * time.Second

// Listener is called, after the default handler, for every event of the
// kind it was registered against.
type Listener func(*Event)

// Connection is the per-connection runtime: a node instance, its file
// manager, and the single worker goroutine that drains its event ring.
// Grounded on internal/ron/server.go's clientHandler (one goroutine per
// client decoding and dispatching inbound Messages) and
// internal/minitunnel/mux.go's single-reader dispatch-by-tag loop, combined
// into a typed-event ring rather than a protocol-specific switch.
type Connection struct {
	ID      int
	Manager *apxfs.Manager
	Node    *apxnode.Instance

	// OnNodeComplete is invoked by the default handler once a node's
	// definition has been parsed, its buffers sized, and its matching data
	// files requested open (spec.md §4.I NODE_COMPLETE). The owner (internal/apxserver,
	// which holds the global routing table and the connection registry)
	// attaches the node to the table and fans the resulting change tables
	// out to the affected connections' own queues.
	OnNodeComplete func(c *Connection)

	// OnProvideFanout is invoked by the default handler when a local
	// provide buffer is written (FILE_WRITTEN on .out): portID identifies
	// which provide port's range changed. The owner looks up the bound
	// require refs in the global routing table and enqueues the mirrored
	// write on each bound peer's file manager (spec.md §4.I).
	OnProvideFanout func(c *Connection, portID, offset, length int)

	events chan *Event
	t      tomb.Tomb

	workerGID int64

	listenersMu sync.Mutex
	listeners   map[Kind][]Listener

	defMu      sync.Mutex
	layout     *apxnode.Layout
	parsedNode *apxidl.Node
}

// New returns a Connection with mgr and node already owned, and the worker
// not yet started.
func New(id int, mgr *apxfs.Manager, node *apxnode.Instance) *Connection {
	return &Connection{
		ID:        id,
		Manager:   mgr,
		Node:      node,
		events:    make(chan *Event, QueueLen),
		listeners: map[Kind][]Listener{},
	}
}

// Start launches the worker goroutine.
func (c *Connection) Start() {
	go c.run()
}

func (c *Connection) run() {
	defer c.t.Done()
	atomic.StoreInt64(&c.workerGID, goroutineID())

	for {
		select {
		case ev := <-c.events:
			if ev.Kind == sentinel {
				if c.exiting() {
					return
				}
				continue
			}
			c.dispatch(ev)
		case <-c.t.Dying():
			return
		}
	}
}

func (c *Connection) exiting() bool {
	select {
	case <-c.t.Dying():
		return true
	default:
		return false
	}
}

// Post enqueues ev, blocking if the ring is full (spec.md §5 backpressure)
// unless the connection is already shutting down.
func (c *Connection) Post(ev *Event) error {
	select {
	case c.events <- ev:
		return nil
	case <-c.t.Dying():
		return fmt.Errorf("apxconn: connection %d is shutting down", c.ID)
	}
}

// Listen registers l to run, after the default handler, for every event of
// kind k.
func (c *Connection) Listen(k Kind, l Listener) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.listeners[k] = append(c.listeners[k], l)
}

func (c *Connection) dispatch(ev *Event) {
	c.defaultHandler(ev)

	c.listenersMu.Lock()
	ls := append([]Listener(nil), c.listeners[ev.Kind]...)
	c.listenersMu.Unlock()

	for _, l := range ls {
		l(ev)
	}
}

// Exit sets the shutdown flag and wakes a worker blocked on an empty ring
// so it observes the flag promptly (spec.md §4.I: "exit() sets a flag and
// posts a sentinel").
func (c *Connection) Exit() {
	c.t.Kill(nil)
	select {
	case c.events <- &Event{Kind: sentinel}:
	default:
		// Ring is full; the worker will see Dying() on its next select
		// iteration without needing the sentinel.
	}
}

// Destroy calls Exit, then joins the worker with a 5-second timeout,
// logging a fatal error if it has not exited by then (spec.md §4.I, §5). A
// worker attempting to Destroy its own connection is detected and refused
// rather than deadlocking.
func (c *Connection) Destroy() error {
	if gid := atomic.LoadInt64(&c.workerGID); gid != 0 && gid == goroutineID() {
		log.Error("apxconn: connection %d worker attempted to join itself", c.ID)
		return fmt.Errorf("apxconn: connection %d: self-join", c.ID)
	}

	c.Exit()

	done := make(chan struct{})
	go func() {
		c.t.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(JoinTimeout):
		log.Fatal("apxconn: connection %d worker did not exit within %s", c.ID, JoinTimeout)
		return fmt.Errorf("apxconn: connection %d: join timeout", c.ID)
	}
}

// SetLayout installs the finalized layout once the node's definition has
// been parsed, for the FileWritten(.out) handler to map byte ranges to
// port ids.
func (c *Connection) SetLayout(l *apxnode.Layout) {
	c.defMu.Lock()
	defer c.defMu.Unlock()
	c.layout = l
}

func (c *Connection) currentLayout() *apxnode.Layout {
	c.defMu.Lock()
	defer c.defMu.Unlock()
	return c.layout
}

// Layout returns the connection's finalized layout, or nil if its
// definition has not yet been parsed. For use by the owner wiring
// OnNodeComplete (internal/apxserver).
func (c *Connection) Layout() *apxnode.Layout {
	return c.currentLayout()
}

// SetParsedNode records the parsed definition tree alongside the layout,
// for the owner's routing-table attach (port names, derived signatures).
func (c *Connection) SetParsedNode(n *apxidl.Node) {
	c.defMu.Lock()
	defer c.defMu.Unlock()
	c.parsedNode = n
}

// ParsedNode returns the connection's parsed definition tree, or nil.
func (c *Connection) ParsedNode() *apxidl.Node {
	c.defMu.Lock()
	defer c.defMu.Unlock()
	return c.parsedNode
}

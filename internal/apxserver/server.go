// Package apxserver accepts transports, assigns each a connection id, and
// owns the global routing table every connection's node instances attach
// to and detach from (spec.md §4.J).
package apxserver

import (
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"

	"github.com/sandia-apx/apxd/internal/apxaudit"
	"github.com/sandia-apx/apxd/internal/apxconn"
	"github.com/sandia-apx/apxd/pkg/apxroute"
	log "github.com/sandia-apx/apxd/pkg/minilog"
)

// Server accepts connections, each wrapped in an internal/apxconn
// Connection, and owns the apxroute.Table they attach to. Grounded on
// internal/ron/server.go's Listen/ListenUnix/Destroy -- replacing its
// VM-client bookkeeping with node-instance bookkeeping, but keeping the
// same listener-registry-plus-accept-goroutine shape.
type Server struct {
	routes *apxroute.Table

	// MaxConnections bounds concurrently accepted connections per listener
	// via golang.org/x/net/netutil.LimitListener (spec.md §5 backpressure
	// at the accept layer). Zero means unbounded. Must be set before
	// calling Listen/ListenUnix.
	MaxConnections int

	mu        sync.Mutex
	listeners map[string]net.Listener
	conns     map[int]*apxconn.Connection
	nextID    uint32

	// Audit records connection lifecycle events (spec.md §4.J connection
	// bookkeeping, SPEC_FULL §2/§6). Nil is a valid value: s.record is
	// a no-op when no log is attached.
	Audit *apxaudit.Log

	// OnChange is invoked, if set, once per non-empty require/provide delta
	// dispatched to a connection (spec.md §4.H ChangeTable). internal/apxinspect
	// wires this to its websocket broadcast so /ws mirrors the same connector
	// changes real connections receive, without apxserver importing apxinspect.
	OnChange func(connID int, kind string, portID, count int)

	destroyed int32
}

// New returns a Server with an empty routing table and no audit log
// attached. Call SetAudit to enable lifecycle recording.
func New() *Server {
	return &Server{
		routes:    apxroute.NewTable(),
		listeners: map[string]net.Listener{},
		conns:     map[int]*apxconn.Connection{},
	}
}

// SetAudit attaches an audit log that handleConn and its routing callbacks
// record connection lifecycle events to.
func (s *Server) SetAudit(a *apxaudit.Log) {
	s.Audit = a
}

func (s *Server) record(connID int, kind apxaudit.Kind, detail string) {
	if s.Audit == nil {
		return
	}
	if _, err := s.Audit.Record(connID, kind, detail); err != nil {
		log.Debug("apxserver: audit record: %v", err)
	}
}

// Routes returns the server's global routing table, for introspection
// (internal/apxinspect).
func (s *Server) Routes() *apxroute.Table {
	return s.routes
}

// Listen starts accepting TCP connections on addr.
func (s *Server) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.addListener(addr, ln)
}

// ListenUnix starts accepting connections on a unix domain socket at path.
func (s *Server) ListenUnix(path string) error {
	u, err := net.ResolveUnixAddr("unix", path)
	if err != nil {
		return err
	}
	ln, err := net.ListenUnix("unix", u)
	if err != nil {
		return err
	}
	return s.addListener(path, ln)
}

func (s *Server) addListener(key string, ln net.Listener) error {
	s.mu.Lock()
	if _, ok := s.listeners[key]; ok {
		s.mu.Unlock()
		ln.Close()
		return fmt.Errorf("apxserver: already listening on %v", key)
	}
	if s.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, s.MaxConnections)
	}
	s.listeners[key] = ln
	s.mu.Unlock()

	log.Info("apxserver: listening on %v", key)
	go s.serve(key, ln)
	return nil
}

func (s *Server) serve(key string, ln net.Listener) {
	defer func() {
		s.mu.Lock()
		delete(s.listeners, key)
		s.mu.Unlock()
		log.Info("apxserver: closed listener %v", key)
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if !strings.Contains(err.Error(), "use of closed network connection") {
				log.Error("apxserver: accept on %v: %v", key, err)
			}
			return
		}

		log.Info("apxserver: connection from %v -> %v", conn.RemoteAddr(), key)
		go s.handleConn(conn)
	}
}

// assignConnID returns the next unused connection id, wrapping through
// u32 and skipping ids already assigned (spec.md §4.J, §8 scenario S5).
func (s *Server) assignConnID() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		s.nextID++
		id := int(s.nextID)
		if id == 0 {
			continue
		}
		if _, ok := s.conns[id]; !ok {
			return id
		}
	}
}

func (s *Server) register(id int, c *apxconn.Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[id] = c
}

func (s *Server) unregister(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, id)
}

func (s *Server) lookup(id int) (*apxconn.Connection, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conns[id]
	return c, ok
}

func (s *Server) connections() []*apxconn.Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*apxconn.Connection, 0, len(s.conns))
	for _, c := range s.conns {
		out = append(out, c)
	}
	return out
}

// Destroy closes every listener, destroys every connection's worker in
// parallel, and returns once all have stopped (spec.md §4.J: "Shutdown
// closes all connections in parallel, waits for each worker to stop, then
// destroys the routing table"). Grounded on ron.Server.Destroy's
// listener-then-client shutdown order, replacing its manual
// sleep-and-poll wait with golang.org/x/sync/errgroup fan-out/join.
func (s *Server) Destroy() error {
	if !atomic.CompareAndSwapInt32(&s.destroyed, 0, 1) {
		return nil
	}

	s.mu.Lock()
	listeners := make([]net.Listener, 0, len(s.listeners))
	for _, ln := range s.listeners {
		listeners = append(listeners, ln)
	}
	s.mu.Unlock()

	for _, ln := range listeners {
		ln.Close()
	}

	conns := s.connections()

	var g errgroup.Group
	for _, c := range conns {
		c := c
		g.Go(func() error {
			return c.Destroy()
		})
	}

	err := g.Wait()

	if n := s.routes.Len(); n != 0 {
		log.Error("apxserver: %d routing entries remain after shutdown", n)
	}

	return err
}

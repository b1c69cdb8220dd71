package apxserver

import (
	"net"

	"github.com/sandia-apx/apxd/internal/apxaudit"
	"github.com/sandia-apx/apxd/internal/apxconn"
	"github.com/sandia-apx/apxd/pkg/apxfs"
	"github.com/sandia-apx/apxd/pkg/apxnode"
	"github.com/sandia-apx/apxd/pkg/apxwire"
	log "github.com/sandia-apx/apxd/pkg/minilog"
)

const readBufSize = 32 * 1024

// handleConn wraps conn in a Connection and runs its read loop until the
// transport closes. Grounded on internal/minitunnel/mux.go's single-reader
// decode-dispatch-on-error loop: this is apxconn's "transport read in the
// framer" suspension point (spec.md §5), kept separate from the
// connection's event-loop goroutine and its file manager's send-worker
// goroutine.
func (s *Server) handleConn(conn net.Conn) {
	id := s.assignConnID()

	mgr := apxfs.NewManager(func(payload []byte) error {
		return apxwire.WriteMessage(conn, payload)
	})

	node := apxnode.New("", apxnode.ModeServer)
	c := apxconn.New(id, mgr, node)
	c.WireManager()
	c.OnNodeComplete = s.onNodeComplete
	c.OnProvideFanout = s.onProvideFanout

	s.register(id, c)
	c.Start()
	s.record(id, apxaudit.Connected, conn.RemoteAddr().String())

	defer func() {
		conn.Close()
		mgr.Close()
		s.detachFromRoutes(c)
		s.unregister(id)
		c.Destroy()
		s.record(id, apxaudit.Disconnected, "")
		log.Info("apxserver: connection %d disconnected", id)
	}()

	if err := apxwire.WriteGreeting(conn); err != nil {
		log.Error("apxserver: connection %d: write greeting: %v", id, err)
		return
	}

	s.readLoop(id, conn, c, mgr)
}

func (s *Server) readLoop(id int, conn net.Conn, c *apxconn.Connection, mgr *apxfs.Manager) {
	fr := apxwire.NewFramer()

	var buf []byte
	tmp := make([]byte, readBufSize)

	for {
		if !fr.Greeted() {
			consumed, err := fr.ConsumeGreeting(buf)
			if err != nil {
				log.Error("apxserver: connection %d: greeting: %v", id, err)
				return
			}
			if consumed > 0 {
				buf = buf[consumed:]
				c.AcceptHeader()
				s.record(id, apxaudit.HeaderAccepted, "")
			}
		} else {
			for {
				consumed, msg, err := fr.Next(buf)
				if err != nil {
					log.Error("apxserver: connection %d: framing: %v", id, err)
					return
				}
				if consumed == 0 {
					break
				}
				buf = buf[consumed:]

				if err := mgr.OnRecv(msg); err != nil {
					log.Debug("apxserver: connection %d: %v", id, err)
				}
			}
		}

		n, err := conn.Read(tmp)
		if err != nil {
			return
		}
		buf = append(buf, tmp[:n]...)
	}
}

package apxserver

import (
	"github.com/sandia-apx/apxd/internal/apxconn"
	"github.com/sandia-apx/apxd/pkg/apxnode"
)

// PortSnapshot describes one port of a connected node, for introspection
// (internal/apxinspect).
type PortSnapshot struct {
	Name      string
	Direction string
	Signature string
	Offset    int
	DataSize  int
}

// ConnectionSnapshot is a read-only view of one connection's node instance,
// for internal/apxinspect's GET /nodes and GET /nodes/{id}/ports.
type ConnectionSnapshot struct {
	ConnectionID int
	NodeName     string
	State        apxnode.State
	Ports        []PortSnapshot
}

// Connections returns a snapshot of every currently registered connection.
func (s *Server) Connections() []ConnectionSnapshot {
	conns := s.connections()

	out := make([]ConnectionSnapshot, 0, len(conns))
	for _, c := range conns {
		out = append(out, snapshotOf(c))
	}
	return out
}

// Connection returns a snapshot of one connection by id.
func (s *Server) Connection(id int) (ConnectionSnapshot, bool) {
	c, ok := s.lookup(id)
	if !ok {
		return ConnectionSnapshot{}, false
	}
	return snapshotOf(c), true
}

func snapshotOf(c *apxconn.Connection) ConnectionSnapshot {
	snap := ConnectionSnapshot{
		ConnectionID: c.ID,
		State:        c.Node.State,
	}

	n := c.ParsedNode()
	l := c.Layout()
	if n == nil || l == nil {
		return snap
	}
	snap.NodeName = n.Name

	for i, p := range n.RequirePorts {
		snap.Ports = append(snap.Ports, PortSnapshot{
			Name:      p.Name,
			Direction: "require",
			Signature: p.DerivedSignature,
			Offset:    l.Require[i].Offset,
			DataSize:  l.Require[i].DataSize,
		})
	}
	for i, p := range n.ProvidePorts {
		snap.Ports = append(snap.Ports, PortSnapshot{
			Name:      p.Name,
			Direction: "provide",
			Signature: p.DerivedSignature,
			Offset:    l.Provide[i].Offset,
			DataSize:  l.Provide[i].DataSize,
		})
	}

	return snap
}

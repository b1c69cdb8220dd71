package apxserver

import (
	"github.com/sandia-apx/apxd/internal/apxaudit"
	"github.com/sandia-apx/apxd/internal/apxconn"
	"github.com/sandia-apx/apxd/pkg/apxidl"
	"github.com/sandia-apx/apxd/pkg/apxnode"
	"github.com/sandia-apx/apxd/pkg/apxroute"
	log "github.com/sandia-apx/apxd/pkg/minilog"
)

// portsFor builds the apxroute.Ports view of one connection's finalized
// node: its derived signatures and the byte ranges its buffers occupy.
func portsFor(connID int, n *apxidl.Node, l *apxnode.Layout) apxroute.Ports {
	p := apxroute.Ports{ConnectionID: connID, NodeName: n.Name}

	for i, port := range n.RequirePorts {
		p.RequireSignatures = append(p.RequireSignatures, port.DerivedSignature)
		p.RequireOffsets = append(p.RequireOffsets, l.Require[i].Offset)
		p.RequireSizes = append(p.RequireSizes, l.Require[i].DataSize)
	}
	for i, port := range n.ProvidePorts {
		p.ProvideSignatures = append(p.ProvideSignatures, port.DerivedSignature)
		p.ProvideOffsets = append(p.ProvideOffsets, l.Provide[i].Offset)
		p.ProvideSizes = append(p.ProvideSizes, l.Provide[i].DataSize)
	}
	return p
}

// onNodeComplete attaches a connection's finalized node to the global
// routing table once its definition has parsed and its buffers are sized
// (spec.md §4.I NODE_COMPLETE, §4.H AttachNode). It is installed as
// apxconn.Connection.OnNodeComplete by handleConn.
func (s *Server) onNodeComplete(c *apxconn.Connection) {
	n := c.ParsedNode()
	l := c.Layout()
	if n == nil || l == nil {
		return
	}

	changes := s.routes.AttachNode(portsFor(c.ID, n, l), s.copyProviderSnapshot)
	s.dispatchChanges(changes, apxconn.RequirePortConnect, apxconn.ProvidePortConnect)
	s.record(c.ID, apxaudit.NodeComplete, n.Name)
}

// detachFromRoutes removes a disconnecting connection's node from the
// routing table (spec.md §4.H "detach"), migrating current-provider
// hand-off to any still-attached consumers.
func (s *Server) detachFromRoutes(c *apxconn.Connection) {
	n := c.ParsedNode()
	l := c.Layout()
	if n == nil || l == nil {
		return
	}

	changes := s.routes.DetachNode(portsFor(c.ID, n, l))
	// A require delta carries provider refs only when a new current
	// provider took over; copy that provider's snapshot into the consumer.
	for connID, ct := range changes {
		for _, d := range ct.RequireDeltas {
			reqConn, ok := s.lookup(connID)
			if !ok || len(d.Refs) == 0 {
				continue
			}
			if rl := reqConn.Layout(); rl != nil && d.PortID < len(rl.Require) {
				req := rl.Require[d.PortID]
				s.copyProviderSnapshot(d.Refs[len(d.Refs)-1], apxroute.PortRef{ConnectionID: connID, PortID: d.PortID, Offset: req.Offset, Size: req.DataSize})
			}
		}
	}
	s.dispatchChanges(changes, apxconn.RequirePortDisconnect, apxconn.ProvidePortDisconnect)
}

// copyProviderSnapshot implements spec.md §9 open question 2: a newly
// attached require port joining an entry with an existing provider starts
// with that provider's current byte snapshot rather than its declared
// initial value.
func (s *Server) copyProviderSnapshot(provider, newRequire apxroute.PortRef) {
	provConn, ok := s.lookup(provider.ConnectionID)
	if !ok {
		return
	}
	reqConn, ok := s.lookup(newRequire.ConnectionID)
	if !ok {
		return
	}

	data, err := provConn.Node.ReadProvide(provider.Offset, provider.Size)
	if err != nil {
		log.Debug("apxserver: copy init data: read provider: %v", err)
		return
	}
	if err := reqConn.Node.WriteRequire(newRequire.Offset, data); err != nil {
		log.Debug("apxserver: copy init data: write require: %v", err)
	}
}

func (s *Server) dispatchChanges(changes map[int]*apxroute.ChangeTable, requireKind, provideKind apxconn.Kind) {
	for connID, ct := range changes {
		conn, ok := s.lookup(connID)
		if !ok {
			continue
		}

		if len(ct.RequireDeltas) > 0 {
			conn.Post(&apxconn.Event{Kind: requireKind, Deltas: toPortDeltas(ct.RequireDeltas)})
			s.notifyChange(connID, requireKind, ct.RequireDeltas)
		}
		if len(ct.ProvideDeltas) > 0 {
			conn.Post(&apxconn.Event{Kind: provideKind, Deltas: toPortDeltas(ct.ProvideDeltas)})
			s.notifyChange(connID, provideKind, ct.ProvideDeltas)
		}
	}
}

func (s *Server) notifyChange(connID int, kind apxconn.Kind, deltas map[int]*apxroute.Delta) {
	if s.OnChange == nil {
		return
	}
	for _, d := range deltas {
		s.OnChange(connID, kindName(kind), d.PortID, d.Count)
	}
}

func kindName(k apxconn.Kind) string {
	switch k {
	case apxconn.RequirePortConnect:
		return "require_connect"
	case apxconn.RequirePortDisconnect:
		return "require_disconnect"
	case apxconn.ProvidePortConnect:
		return "provide_connect"
	case apxconn.ProvidePortDisconnect:
		return "provide_disconnect"
	default:
		return "unknown"
	}
}

func toPortDeltas(m map[int]*apxroute.Delta) []apxconn.PortDelta {
	out := make([]apxconn.PortDelta, 0, len(m))
	for _, d := range m {
		out = append(out, apxconn.PortDelta{PortID: d.PortID, Count: d.Count})
	}
	return out
}

// onProvideFanout mirrors a provide-buffer write to every require port
// bound to the same derived signature (spec.md §4.I FILE_WRITTEN-on-.out
// handler): it is installed as apxconn.Connection.OnProvideFanout by
// handleConn.
func (s *Server) onProvideFanout(c *apxconn.Connection, portID, offset, length int) {
	n := c.ParsedNode()
	layout := c.Layout()
	if n == nil || layout == nil || portID < 0 || portID >= len(n.ProvidePorts) {
		return
	}

	port, ok := layout.ProvideAtOffset(offset)
	if !ok {
		return
	}
	rel := offset - port.Offset

	sig := n.ProvidePorts[portID].DerivedSignature
	entry := s.routes.Lookup(sig)
	if entry == nil {
		return
	}

	provider, ok := entry.CurrentProvider()
	if !ok || provider.ConnectionID != c.ID || provider.PortID != portID {
		// Only the current provider's writes are mirrored (spec.md §8
		// Invariant 3); a standby provider's writes are dropped.
		return
	}

	data, err := c.Node.ReadProvide(offset, length)
	if err != nil {
		log.Debug("apxserver: connection %d: read provide for fanout: %v", c.ID, err)
		return
	}

	for _, req := range entry.RequireRefs() {
		reqConn, ok := s.lookup(req.ConnectionID)
		if !ok {
			continue
		}
		if err := reqConn.Node.WriteRequire(req.Offset+rel, data); err != nil {
			log.Debug("apxserver: connection %d: mirror write to connection %d: %v", c.ID, req.ConnectionID, err)
		}
	}
}

package apxconn

import (
	"github.com/sandia-apx/apxd/pkg/apxfs"
	"github.com/sandia-apx/apxd/pkg/apxidl"
	"github.com/sandia-apx/apxd/pkg/apxnode"
	log "github.com/sandia-apx/apxd/pkg/minilog"
)

// defaultHandler implements spec.md §4.I's fixed per-kind behavior, run
// before any listener the owner has registered.
func (c *Connection) defaultHandler(ev *Event) {
	switch ev.Kind {
	case FileWritten:
		c.handleFileWritten(ev)
	case ProvidePortConnect, ProvidePortDisconnect:
		c.applyProvideDeltas(ev)
	case RequirePortConnect, RequirePortDisconnect:
		c.applyRequireDeltas(ev)
	case NodeComplete:
		if c.OnNodeComplete != nil {
			c.OnNodeComplete(c)
		}
	}
}

func (c *Connection) handleFileWritten(ev *Event) {
	if ev.File == nil {
		return
	}

	switch apxfs.KindOf(ev.File.Name) {
	case apxfs.KindDefinition:
		c.handleDefinitionWritten(ev)
	case apxfs.KindProvideData:
		c.handleProvideWritten(ev)
	}
}

// handleDefinitionWritten runs the parser and finalizer over the
// definition buffer once a .apx file is fully written. On success it
// allocates the node instance's port buffers and requests the server open
// the matching .out file if the peer has already announced one (spec.md
// §4.I).
func (c *Connection) handleDefinitionWritten(ev *Event) {
	text := string(c.Node.Definition())

	n, err := apxidl.Parse(text)
	if err != nil {
		log.Error("apxconn: connection %d: parse %q: %v", c.ID, ev.File.Name, err)
		return
	}
	if err := apxidl.Finalize(n); err != nil {
		log.Error("apxconn: connection %d: finalize %q: %v", c.ID, ev.File.Name, err)
		return
	}

	layout, err := apxnode.BuildLayout(n)
	if err != nil {
		log.Error("apxconn: connection %d: layout %q: %v", c.ID, ev.File.Name, err)
		return
	}

	c.Node.SetLayout(layout)
	c.SetLayout(layout)
	c.SetParsedNode(n)

	base := apxfs.BaseName(ev.File.Name)
	for _, f := range c.Manager.Remote() {
		if apxfs.KindOf(f.Name) == apxfs.KindProvideData && apxfs.BaseName(f.Name) == base {
			if err := c.Manager.RequestOpen(f.Address); err != nil {
				log.Debug("apxconn: connection %d: request open %q: %v", c.ID, f.Name, err)
			}
		}
	}

	c.Node.OnRequireWrite = func(offset, length int) {
		c.forwardRequireWrite(base, offset, length)
	}

	if c.OnNodeComplete != nil {
		c.Post(&Event{Kind: NodeComplete, File: ev.File})
	}
}

// handleProvideWritten mirrors a provide-buffer write to every bound
// require port (spec.md §4.I): it maps the written byte range to a port id
// via the connection's layout, then delegates the routing-table lookup and
// peer dispatch to OnProvideFanout, which internal/apxserver installs
// (apxroute owns the bindings, not this package).
func (c *Connection) handleProvideWritten(ev *Event) {
	layout := c.currentLayout()
	if layout == nil {
		return
	}

	port, ok := layout.ProvideAtOffset(ev.Offset)
	if !ok {
		log.Debug("apxconn: connection %d: write at offset %d matches no provide port", c.ID, ev.Offset)
		return
	}

	if c.OnProvideFanout != nil {
		c.OnProvideFanout(c, port.PortID, ev.Offset, ev.Length)
	}
}

// forwardRequireWrite transmits a require-buffer mirror write to the
// peer's own announced .in file, the RMF send onProvideFanout's
// in-process Node.WriteRequire call only schedules (spec.md §4.I:
// "enqueue the mirror write via the peer's file manager"). base is the
// node's own name, shared by its .apx/.out/.in announcements.
func (c *Connection) forwardRequireWrite(base string, offset, length int) {
	data, err := c.Node.ReadRequire(offset, length)
	if err != nil {
		log.Debug("apxconn: connection %d: read require for mirror: %v", c.ID, err)
		return
	}

	for _, f := range c.Manager.Remote() {
		if apxfs.KindOf(f.Name) == apxfs.KindRequireData && apxfs.BaseName(f.Name) == base {
			if err := c.Manager.Write(f.Address+uint32(offset), data); err != nil {
				log.Debug("apxconn: connection %d: mirror write to %q: %v", c.ID, f.Name, err)
			}
			return
		}
	}
}

func (c *Connection) applyProvideDeltas(ev *Event) {
	for _, d := range ev.Deltas {
		for i := 0; i < d.Count; i++ {
			c.Node.IncProvideConn(d.PortID)
		}
		for i := 0; i < -d.Count; i++ {
			c.Node.DecProvideConn(d.PortID)
		}
	}
}

func (c *Connection) applyRequireDeltas(ev *Event) {
	for _, d := range ev.Deltas {
		for i := 0; i < d.Count; i++ {
			c.Node.IncRequireConn(d.PortID)
		}
		for i := 0; i < -d.Count; i++ {
			c.Node.DecRequireConn(d.PortID)
		}
	}
}

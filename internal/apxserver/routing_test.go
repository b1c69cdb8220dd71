package apxserver

import (
	"testing"

	"github.com/sandia-apx/apxd/internal/apxconn"
	"github.com/sandia-apx/apxd/pkg/apxfs"
	"github.com/sandia-apx/apxd/pkg/apxidl"
	"github.com/sandia-apx/apxd/pkg/apxnode"
)

func buildTestNode(t *testing.T, s *Server, idl string, mode apxnode.Mode) (*apxconn.Connection, int, *apxidl.Node, *apxnode.Layout) {
	t.Helper()

	n, err := apxidl.Parse(idl)
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

	mgr := apxfs.NewManager(func([]byte) error { return nil })
	node := apxnode.New(n.Name, mode)
	node.SetLayout(layout)

	id := s.assignConnID()
	c := apxconn.New(id, mgr, node)
	c.Start()
	c.SetLayout(layout)
	c.SetParsedNode(n)
	s.register(id, c)

	return c, id, n, layout
}

// TestOnProvideFanoutOnlyMirrorsCurrentProvider exercises spec.md §8
// scenario S6 through the real dispatch path (apxserver.onProvideFanout),
// not just the routing table directly: once two providers attach to the
// same signature, a write from the standby (non-current) provider must not
// reach the bound require port, and a write from the current provider
// must.
func TestOnProvideFanoutOnlyMirrorsCurrentProvider(t *testing.T) {
	s := New()
	defer s.Destroy()

	providerIDL := "APX/1.2\n" + `N"P"` + "\n" + `P"A"C` + "\n"
	requirerIDL := "APX/1.2\n" + `N"R"` + "\n" + `R"A"C` + "\n"

	c1, id1, n1, _ := buildTestNode(t, s, providerIDL, apxnode.ModeServer)
	c2, _, n2, _ := buildTestNode(t, s, providerIDL, apxnode.ModeServer)
	cr, _, nr, _ := buildTestNode(t, s, requirerIDL, apxnode.ModeServer)

	changes := s.routes.AttachNode(portsFor(c1.ID, n1, c1.Layout()), s.copyProviderSnapshot)
	s.dispatchChanges(changes, apxconn.RequirePortConnect, apxconn.ProvidePortConnect)
	changes = s.routes.AttachNode(portsFor(cr.ID, nr, cr.Layout()), s.copyProviderSnapshot)
	s.dispatchChanges(changes, apxconn.RequirePortConnect, apxconn.ProvidePortConnect)
	changes = s.routes.AttachNode(portsFor(c2.ID, n2, c2.Layout()), s.copyProviderSnapshot)
	s.dispatchChanges(changes, apxconn.RequirePortConnect, apxconn.ProvidePortConnect)

	entry := s.routes.Lookup(n1.ProvidePorts[0].DerivedSignature)
	if entry == nil {
		t.Fatalf("no routing entry for signature %q", n1.ProvidePorts[0].DerivedSignature)
	}
	provider, ok := entry.CurrentProvider()
	if !ok || provider.ConnectionID != id1 {
		t.Fatalf("got current provider %+v, want connection %d", provider, id1)
	}

	if err := c2.Node.WriteProvide(0, []byte{0xAA}); err != nil {
		t.Fatalf("WriteProvide (standby): %v", err)
	}
	s.onProvideFanout(c2, 0, 0, 1)

	got, err := cr.Node.ReadRequire(0, 1)
	if err != nil {
		t.Fatalf("ReadRequire: %v", err)
	}
	if got[0] == 0xAA {
		t.Fatalf("standby provider's write reached the require port: got %x", got)
	}

	if err := c1.Node.WriteProvide(0, []byte{0xBB}); err != nil {
		t.Fatalf("WriteProvide (current): %v", err)
	}
	s.onProvideFanout(c1, 0, 0, 1)

	got, err = cr.Node.ReadRequire(0, 1)
	if err != nil {
		t.Fatalf("ReadRequire: %v", err)
	}
	if got[0] != 0xBB {
		t.Fatalf("got %x, want current provider's write 0xBB to be mirrored", got)
	}
}

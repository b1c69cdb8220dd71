// Package apxroute implements the signature-keyed routing table (spec.md
// §4.H): the set of provide and require port refs sharing a derived data
// signature, current-provider selection, and per-connection change-table
// emission.
package apxroute

import "sync"

// PortRef identifies one port on one node instance attached to the
// routing table.
type PortRef struct {
	ConnectionID int
	NodeName     string
	PortID       int
	Offset       int
	Size         int
}

// Delta is one entry of a node's ConnectorChangeTable (spec.md §3): a
// signed count of require ports newly attached (positive) or detached
// (negative) from one of that node's provide ports, or vice versa.
type Delta struct {
	PortID int
	Count  int
	Refs   []PortRef
}

// ChangeTable accumulates Deltas for one node instance across a single
// AttachNode/DetachNode call. Require-port and provide-port deltas are
// kept in separate maps -- both are keyed by a per-direction local port
// id, and a node's require port 0 and provide port 0 are different ports,
// so a single shared map would conflate their counts. ChangeTable is
// handed, fully owned, to the connection event loop that posts its two
// halves as REQUIRE_PORT_CONNECT/PROVIDE_PORT_CONNECT events (spec.md
// §4.H, §4.I).
type ChangeTable struct {
	ConnectionID  int
	RequireDeltas map[int]*Delta
	ProvideDeltas map[int]*Delta
}

func newChangeTable(connID int) *ChangeTable {
	return &ChangeTable{ConnectionID: connID, RequireDeltas: map[int]*Delta{}, ProvideDeltas: map[int]*Delta{}}
}

func (ct *ChangeTable) addRequire(portID int, count int, ref PortRef) {
	d, ok := ct.RequireDeltas[portID]
	if !ok {
		d = &Delta{PortID: portID}
		ct.RequireDeltas[portID] = d
	}
	d.Count += count
	if count > 0 {
		d.Refs = append(d.Refs, ref)
	}
}

func (ct *ChangeTable) addProvide(portID int, count int, ref PortRef) {
	d, ok := ct.ProvideDeltas[portID]
	if !ok {
		d = &Delta{PortID: portID}
		ct.ProvideDeltas[portID] = d
	}
	d.Count += count
	if count > 0 {
		d.Refs = append(d.Refs, ref)
	}
}

func (ct *ChangeTable) empty() bool {
	return len(ct.RequireDeltas) == 0 && len(ct.ProvideDeltas) == 0
}

// RoutingEntry is the set of provide and require refs sharing one derived
// port signature (spec.md §3 "Routing entry"). provideRefs is kept in
// insertion order -- index 0 is always the current provider (spec.md §3,
// §4.H "oldest provider ref").
type RoutingEntry struct {
	Signature   string
	provideRefs []PortRef
	requireRefs []PortRef
}

// CurrentProvider returns the oldest provide ref in the entry, or ok=false
// if there are none.
func (e *RoutingEntry) CurrentProvider() (PortRef, bool) {
	if len(e.provideRefs) == 0 {
		return PortRef{}, false
	}
	return e.provideRefs[0], true
}

// ProvideRefs returns a snapshot of the entry's provide refs, oldest
// first.
func (e *RoutingEntry) ProvideRefs() []PortRef {
	out := make([]PortRef, len(e.provideRefs))
	copy(out, e.provideRefs)
	return out
}

// RequireRefs returns a snapshot of the entry's require refs.
func (e *RoutingEntry) RequireRefs() []PortRef {
	out := make([]PortRef, len(e.requireRefs))
	copy(out, e.requireRefs)
	return out
}

func (e *RoutingEntry) empty() bool {
	return len(e.provideRefs) == 0 && len(e.requireRefs) == 0
}

// CopyInitData is called by AttachNode when a new require ref joins an
// entry that already has a current provider (spec.md §9 open question 2,
// resolved as: copy the current provider's snapshot into the newly
// attached require port's buffer). Callers supply the byte source
// (current provider's bytes) and a sink (the new require ref's write
// target); Table itself holds no node buffers, matching §5's requirement
// that the table never touch transport or node state directly.
type CopyInitData func(provider, newRequire PortRef)

// Table is the global, mutex-protected routing table (spec.md §4.H).
// Grounded on miniplumber.Pipe (a shared keyed structure with many
// readers and a deterministic current-writer rule) and meshage's
// route-rebuild-on-change discipline; unlike miniplumber.Pipe, Table never
// forwards data itself -- it only mutates state and returns ChangeTables
// for the caller to post onto the right connection's event loop, which is
// why AttachNode/DetachNode take no transport or send callback.
type Table struct {
	mu      sync.Mutex
	entries map[string]*RoutingEntry
}

// NewTable returns an empty routing table.
func NewTable() *Table {
	return &Table{entries: map[string]*RoutingEntry{}}
}

// Ports is the minimal view AttachNode/DetachNode need of one node
// instance's ports: signature, direction, and enough to build a PortRef.
type Ports struct {
	ConnectionID int
	NodeName     string

	RequireSignatures []string
	RequireOffsets    []int
	RequireSizes      []int

	ProvideSignatures []string
	ProvideOffsets    []int
	ProvideSizes      []int
}

// AttachNode walks p's require ports then provide ports, attaching each to
// the routing entry for its derived signature, pairing it against every
// opposite-direction ref already present, and returning one ChangeTable
// per affected connection (spec.md §4.H step 1-4). cp is called once per
// newly attached require port that joins an entry with an existing
// current provider.
func (t *Table) AttachNode(p Ports, cp CopyInitData) map[int]*ChangeTable {
	t.mu.Lock()
	defer t.mu.Unlock()

	tables := map[int]*ChangeTable{}
	tableFor := func(connID int) *ChangeTable {
		ct, ok := tables[connID]
		if !ok {
			ct = newChangeTable(connID)
			tables[connID] = ct
		}
		return ct
	}

	for i, sig := range p.RequireSignatures {
		ref := PortRef{ConnectionID: p.ConnectionID, NodeName: p.NodeName, PortID: i, Offset: p.RequireOffsets[i], Size: p.RequireSizes[i]}
		entry := t.entryFor(sig)

		provider, hadProvider := entry.CurrentProvider()

		entry.requireRefs = append(entry.requireRefs, ref)

		for _, prov := range entry.provideRefs {
			tableFor(ref.ConnectionID).addRequire(ref.PortID, 1, prov)
			tableFor(prov.ConnectionID).addProvide(prov.PortID, 1, ref)
		}

		if hadProvider && cp != nil {
			cp(provider, ref)
		}
	}

	for i, sig := range p.ProvideSignatures {
		ref := PortRef{ConnectionID: p.ConnectionID, NodeName: p.NodeName, PortID: i, Offset: p.ProvideOffsets[i], Size: p.ProvideSizes[i]}
		entry := t.entryFor(sig)

		entry.provideRefs = append(entry.provideRefs, ref)

		for _, req := range entry.requireRefs {
			tableFor(ref.ConnectionID).addProvide(ref.PortID, 1, req)
			tableFor(req.ConnectionID).addRequire(req.PortID, 1, ref)
		}
	}

	for connID, ct := range tables {
		if ct.empty() {
			delete(tables, connID)
		}
	}
	return tables
}

func (t *Table) entryFor(sig string) *RoutingEntry {
	e, ok := t.entries[sig]
	if !ok {
		e = &RoutingEntry{Signature: sig}
		t.entries[sig] = e
	}
	return e
}

// DetachNode is the mirror of AttachNode: for every port previously
// attached under connID/nodeName, it removes the ref from its entry's
// list, emits a -1 delta on both sides, and deletes the entry if both
// lists become empty (spec.md §4.H, §8 invariant 3).
func (t *Table) DetachNode(p Ports) map[int]*ChangeTable {
	t.mu.Lock()
	defer t.mu.Unlock()

	tables := map[int]*ChangeTable{}
	tableFor := func(connID int) *ChangeTable {
		ct, ok := tables[connID]
		if !ok {
			ct = newChangeTable(connID)
			tables[connID] = ct
		}
		return ct
	}

	for i, sig := range p.RequireSignatures {
		entry, ok := t.entries[sig]
		if !ok {
			continue
		}
		ref := PortRef{ConnectionID: p.ConnectionID, NodeName: p.NodeName, PortID: i}
		entry.requireRefs = removeRef(entry.requireRefs, ref)

		for _, prov := range entry.provideRefs {
			tableFor(ref.ConnectionID).addRequire(ref.PortID, -1, prov)
			tableFor(prov.ConnectionID).addProvide(prov.PortID, -1, ref)
		}

		if entry.empty() {
			delete(t.entries, sig)
		}
	}

	for i, sig := range p.ProvideSignatures {
		entry, ok := t.entries[sig]
		if !ok {
			continue
		}
		ref := PortRef{ConnectionID: p.ConnectionID, NodeName: p.NodeName, PortID: i}

		// The detaching provider may have been the current provider; find
		// the next oldest (if any) before removing so callers can migrate
		// every bound require port to the new snapshot.
		wasCurrent, _ := entry.CurrentProvider()
		entry.provideRefs = removeRef(entry.provideRefs, ref)

		for _, req := range entry.requireRefs {
			tableFor(ref.ConnectionID).addProvide(ref.PortID, -1, req)
			tableFor(req.ConnectionID).addRequire(req.PortID, -1, ref)
		}

		if wasCurrent.ConnectionID == ref.ConnectionID && wasCurrent.NodeName == ref.NodeName && wasCurrent.PortID == ref.PortID {
			if newProvider, ok := entry.CurrentProvider(); ok {
				for _, req := range entry.requireRefs {
					tableFor(req.ConnectionID).addRequire(req.PortID, 1, newProvider)
				}
			}
		}

		if entry.empty() {
			delete(t.entries, sig)
		}
	}

	for connID, ct := range tables {
		if ct.empty() {
			delete(tables, connID)
		}
	}
	return tables
}

func removeRef(refs []PortRef, target PortRef) []PortRef {
	for i, r := range refs {
		if r.ConnectionID == target.ConnectionID && r.NodeName == target.NodeName && r.PortID == target.PortID {
			return append(refs[:i], refs[i+1:]...)
		}
	}
	return refs
}

// Lookup returns the routing entry for sig, or nil if none exists. Callers
// (tests, and apxserver's provide fan-out) only read the returned entry;
// they must not mutate its slices directly.
func (t *Table) Lookup(sig string) *RoutingEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.entries[sig]
}

// Len returns the number of live routing entries (used by tests and by
// apxserver's Destroy).
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// EntrySnapshot is a read-only view of one routing entry, for introspection
// (internal/apxinspect's GET /routes).
type EntrySnapshot struct {
	Signature string
	Provides  []PortRef
	Requires  []PortRef
}

// Snapshot returns every live routing entry, in no particular order.
func (t *Table) Snapshot() []EntrySnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]EntrySnapshot, 0, len(t.entries))
	for sig, e := range t.entries {
		out = append(out, EntrySnapshot{
			Signature: sig,
			Provides:  e.ProvideRefs(),
			Requires:  e.RequireRefs(),
		})
	}
	return out
}

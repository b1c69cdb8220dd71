// Package apxconn implements the per-connection event loop (spec.md §4.I):
// a single worker goroutine draining a bounded ring of typed events, a
// default handler for each event kind, and a registry of per-event
// listeners an owner can attach without touching the hot path.
package apxconn

import "github.com/sandia-apx/apxd/pkg/apxfs"

// Kind identifies one of the fixed event kinds the loop dispatches
// (spec.md §4.I).
type Kind int

const (
	HeaderAccepted Kind = iota
	FileCreated
	FileOpened
	FileWritten
	RequirePortConnect
	RequirePortDisconnect
	ProvidePortConnect
	ProvidePortDisconnect
	NodeComplete

	// sentinel is posted by Exit to wake a worker blocked on an empty
	// queue; it carries no payload and matches no listener.
	sentinel Kind = -1
)

// Event is one entry in a connection's event ring. Only the fields
// relevant to Kind are populated; see the handler in handlers.go for which
// fields each kind reads.
type Event struct {
	Kind Kind

	// File identifies the file a FileCreated/FileOpened/FileWritten event
	// concerns.
	File *apxfs.File

	// Offset and Length describe the byte range touched by a FileWritten
	// event, relative to File's base address.
	Offset int
	Length int
	Data   []byte

	// Deltas carries the per-port connector changes for a
	// *PortConnect/*PortDisconnect event (spec.md §3 ConnectorChangeTable).
	Deltas []PortDelta
}

// PortDelta is the apxconn-local view of one apxroute.Delta: enough to
// update connection-count bookkeeping without this package importing
// apxroute (the table hands these out already converted by whichever
// caller owns both the table and the connection registry -- see
// internal/apxserver).
type PortDelta struct {
	PortID int
	Count  int
}

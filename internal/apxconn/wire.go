package apxconn

import "github.com/sandia-apx/apxd/pkg/apxfs"

// WireManager installs event-posting hooks on c.Manager so inbound
// protocol activity (a new remote file announced, a local file opened by
// the peer, a remote write landing in a local file) turns into events on
// c's own ring, matching spec.md §4.I's event kinds.
func (c *Connection) WireManager() {
	c.Manager.OnCreate = func(f *apxfs.File) {
		c.Post(&Event{Kind: FileCreated, File: f})
	}
	c.Manager.OnOpen = func(f *apxfs.File) {
		c.Post(&Event{Kind: FileOpened, File: f})
	}
	c.Manager.OnWrite = func(f *apxfs.File, offset uint32, data []byte) {
		c.Post(&Event{Kind: FileWritten, File: f, Offset: int(offset), Length: len(data), Data: data})
	}
}

// WireProvideWrites installs a hook on c.Node so a local WriteProvide call
// (this side acting as the node's provider) also raises a FileWritten
// event against outFile, exactly like a remote DATA_WRITE landing on a
// .out file would (spec.md §4.I).
func (c *Connection) WireProvideWrites(outFile *apxfs.File) {
	c.Node.OnProvideWrite = func(offset, length int) {
		c.Post(&Event{Kind: FileWritten, File: outFile, Offset: offset, Length: length})
	}
}

// AcceptHeader marks the session's greeting as accepted on both the file
// manager (so queued local files are announced) and the event ring (so
// listeners waiting on HeaderAccepted can proceed), then sends ACK
// immediately (spec.md §4.B).
func (c *Connection) AcceptHeader() {
	c.Manager.OnHeaderAccepted()
	c.Manager.SendAck()
	c.Post(&Event{Kind: HeaderAccepted})
}

package apxfs

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"

	"github.com/sandia-apx/apxd/pkg/apxwire"
	log "github.com/sandia-apx/apxd/pkg/minilog"
)

// OutboundQueueLen is the default bound on a Manager's outbound message
// queue (spec.md §5: "outbound queue is bounded, default 1000 ... messages").
const OutboundQueueLen = 1000

// SendFunc delivers one already-framed-and-addressed payload to the
// transport. A Manager's worker goroutine is the only caller of SendFunc,
// matching spec.md §4.D's "the worker thread is the only writer to the
// transport."
type SendFunc func(payload []byte) error

// OpenNotify is called when the peer opens one of our local files: the
// owner must now stream its contents.
type OpenNotify func(f *File)

// WriteNotify is called for every remote write landing inside a known
// local file's region.
type WriteNotify func(f *File, offset uint32, data []byte)

// FileNotify is called when a new file is recorded in a map.
type FileNotify func(f *File)

// Manager is the per-connection owner of a local and a remote FileMap. It
// serializes all outbound protocol traffic through a single worker
// goroutine, grounded on ron.Server's single per-client encoder goroutine
// (internal/ron/server.go clientHandler/sendMessage) and dispatched inbound
// traffic the way iomeshage/handler.go routes by message type.
type Manager struct {
	send SendFunc

	mu     sync.Mutex
	local  *FileMap
	remote *FileMap

	headerAccepted bool

	OnOpen   OpenNotify
	OnWrite  WriteNotify
	OnCreate FileNotify

	outbound chan []byte
	done     chan struct{}
	wg       sync.WaitGroup
}

// NewManager returns a Manager that delivers outbound payloads via send.
// The worker goroutine is started immediately.
func NewManager(send SendFunc) *Manager {
	m := &Manager{
		send:     send,
		local:    NewFileMap(),
		remote:   NewFileMap(),
		outbound: make(chan []byte, OutboundQueueLen),
		done:     make(chan struct{}),
	}
	m.wg.Add(1)
	go m.worker()
	return m
}

// Close stops the worker goroutine and waits for it to exit. It does not
// close the underlying transport.
func (m *Manager) Close() {
	close(m.done)
	m.wg.Wait()
}

func (m *Manager) worker() {
	defer m.wg.Done()

	for {
		select {
		case <-m.done:
			// Drain anything already queued before exiting, best-effort,
			// matching spec.md §5's "best-effort" transport write on
			// shutdown.
			for {
				select {
				case payload := <-m.outbound:
					if err := m.send(payload); err != nil {
						log.Debug("apxfs: manager send failed during drain: %v", err)
					}
				default:
					return
				}
			}
		case payload := <-m.outbound:
			if err := m.send(payload); err != nil {
				log.Debug("apxfs: manager send failed: %v", err)
			}
		}
	}
}

// enqueue posts payload to the outbound queue. It blocks if the queue is
// full, per spec.md §5's backpressure rule, unless the manager has been
// closed.
func (m *Manager) enqueue(payload []byte) {
	select {
	case m.outbound <- payload:
	case <-m.done:
	}
}

// AttachLocalFile inserts info into the local file map. If the peer's
// header has already been accepted, a FILE_INFO announcement is enqueued
// immediately.
func (m *Manager) AttachLocalFile(info File) (*File, error) {
	m.mu.Lock()
	f, err := m.local.CreateFile(info)
	accepted := m.headerAccepted
	m.mu.Unlock()

	if err != nil {
		return nil, err
	}

	if accepted {
		m.announce(f)
	}

	return f, nil
}

// OnHeaderAccepted marks the session up and announces every file already
// present in the local map (spec.md §4.D).
func (m *Manager) OnHeaderAccepted() {
	m.mu.Lock()
	m.headerAccepted = true
	files := m.local.List()
	m.mu.Unlock()

	for i := range files {
		m.announce(&files[i])
	}
}

func (m *Manager) announce(f *File) {
	payload, err := apxwire.EncodeFileInfo(apxwire.FileInfo{
		Address: f.Address,
		Size:    f.Size,
		Type:    f.Type,
		Name:    f.Name,
	})
	if err != nil {
		log.Error("apxfs: cannot announce file %q: %v", f.Name, err)
		return
	}
	m.enqueue(payload)
}

// RequestOpen enqueues a FILE_OPEN for an address in the remote map.
func (m *Manager) RequestOpen(addr uint32) error {
	m.mu.Lock()
	f := m.remote.FindByAddress(addr)
	m.mu.Unlock()

	if f == nil {
		return fmt.Errorf("apxfs: no remote file at address 0x%X", addr)
	}

	m.enqueue(apxwire.EncodeFileOpen(addr))
	return nil
}

// SendAck enqueues the ACK frame acknowledging a consumed greeting
// (spec.md §4.B: "the server, upon reading the greeting, sends ACK
// immediately").
func (m *Manager) SendAck() {
	m.enqueue(apxwire.EncodeAck())
}

// Write enqueues a data write at addr. Callers must split buffers larger
// than apxwire.MaxFrameSize themselves; Write rejects oversize buffers
// rather than silently splitting, so the caller's offset bookkeeping stays
// correct.
func (m *Manager) Write(addr uint32, buf []byte) error {
	if len(buf)+4 > apxwire.MaxFrameSize {
		return fmt.Errorf("apxfs: write of %d bytes at 0x%X exceeds max frame size", len(buf), addr)
	}

	payload := apxwire.EncodeWrite(addr, 0, buf)
	m.enqueue(payload)
	return nil
}

// OnRecv decodes one inbound RMF message and dispatches it per spec.md
// §4.B/§4.D.
func (m *Manager) OnRecv(msg []byte) error {
	dec, err := apxwire.Decode(msg)
	if err != nil {
		return errors.Wrap(err, "apxfs: decode inbound message")
	}

	if !dec.IsCommand {
		return m.handleWrite(dec.Address, dec.Data)
	}

	switch dec.Command {
	case apxwire.CmdAck:
		log.Debug("apxfs: received ACK")
		return nil
	case apxwire.CmdFileInfo:
		return m.handleFileInfo(dec.FileInfo)
	case apxwire.CmdFileOpen:
		return m.handleFileOpen(dec.TargetAddress)
	case apxwire.CmdFileClose:
		return m.handleFileClose(dec.TargetAddress)
	default:
		log.Debug("apxfs: unhandled command %v", dec.Command)
		return nil
	}
}

func (m *Manager) handleFileInfo(fi apxwire.FileInfo) error {
	m.mu.Lock()
	if existing := m.remote.FindByAddress(fi.Address); existing != nil {
		m.mu.Unlock()
		log.Debug("apxfs: duplicate FILE_INFO for address 0x%X, ignoring", fi.Address)
		return nil
	}

	f, err := m.remote.CreateFile(File{
		Name:     fi.Name,
		Address:  fi.Address,
		Size:     fi.Size,
		Type:     fi.Type,
		IsRemote: true,
	})
	m.mu.Unlock()

	if err != nil {
		return errors.Wrap(err, "apxfs: record remote FILE_INFO")
	}

	log.Debug("apxfs: recorded remote file %q at 0x%X", f.Name, f.Address)

	if m.OnCreate != nil {
		m.OnCreate(f)
	}
	return nil
}

func (m *Manager) handleFileOpen(addr uint32) error {
	m.mu.Lock()
	f := m.local.FindByAddress(addr)
	if f != nil {
		f.Open = true
	}
	m.mu.Unlock()

	if f == nil {
		log.Debug("apxfs: FILE_OPEN for unknown local address 0x%X, ignoring", addr)
		return nil
	}

	if m.OnOpen != nil {
		m.OnOpen(f)
	}
	return nil
}

func (m *Manager) handleFileClose(addr uint32) error {
	m.mu.Lock()
	f := m.remote.FindByAddress(addr)
	if f != nil {
		f.Open = false
	}
	m.mu.Unlock()

	if f == nil {
		log.Debug("apxfs: FILE_CLOSE for unknown remote address 0x%X, ignoring", addr)
	}
	return nil
}

func (m *Manager) handleWrite(addr uint32, data []byte) error {
	target := addr &^ RemoteMirrorBit

	m.mu.Lock()
	f := m.local.FindByAddress(target)
	m.mu.Unlock()

	if f == nil {
		log.Debug("apxfs: write to unknown address 0x%X discarded", addr)
		return nil
	}

	if m.OnWrite != nil {
		m.OnWrite(f, target-f.Base(), data)
	}
	return nil
}

// Local returns a snapshot of the local file map.
func (m *Manager) Local() []File {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.local.List()
}

// Remote returns a snapshot of the remote file map.
func (m *Manager) Remote() []File {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.remote.List()
}

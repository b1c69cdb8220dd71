package apxfs

import (
	"sync"
	"testing"
	"time"

	"github.com/sandia-apx/apxd/pkg/apxwire"
)

// loopback wires two Managers' outbound queues directly into each other's
// OnRecv, emulating a connected pair without a real transport.
func loopback(t *testing.T) (a, b *Manager) {
	t.Helper()

	var bPtr, aPtr *Manager

	a = NewManager(func(payload []byte) error {
		return bPtr.OnRecv(payload)
	})
	b = NewManager(func(payload []byte) error {
		return aPtr.OnRecv(payload)
	})
	aPtr, bPtr = a, b
	return a, b
}

func TestManagerAttachAnnouncesAfterHeaderAccepted(t *testing.T) {
	a, b := loopback(t)
	defer a.Close()
	defer b.Close()

	b.OnHeaderAccepted()
	a.OnHeaderAccepted()

	if _, err := a.AttachLocalFile(File{Name: "node.out", Address: InvalidAddress, Size: 16, Type: apxwire.FileTypeFixed}); err != nil {
		t.Fatalf("AttachLocalFile: %v", err)
	}

	waitFor(t, func() bool {
		return b.remoteHas("node.out")
	})
}

func TestManagerOpenNotify(t *testing.T) {
	a, b := loopback(t)
	defer a.Close()
	defer b.Close()

	a.OnHeaderAccepted()
	b.OnHeaderAccepted()

	var mu sync.Mutex
	var opened *File
	a.OnOpen = func(f *File) {
		mu.Lock()
		defer mu.Unlock()
		opened = f
	}

	f, err := a.AttachLocalFile(File{Name: "node.apx", Address: InvalidAddress, Size: 64})
	if err != nil {
		t.Fatalf("AttachLocalFile: %v", err)
	}

	waitFor(t, func() bool { return b.remoteHas("node.apx") })

	if err := b.RequestOpen(f.Address); err != nil {
		t.Fatalf("RequestOpen: %v", err)
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return opened != nil
	})

	mu.Lock()
	defer mu.Unlock()
	if opened == nil || opened.Name != "node.apx" {
		t.Fatalf("expected OnOpen to fire for node.apx, got %+v", opened)
	}
}

func TestManagerWriteNotify(t *testing.T) {
	a, b := loopback(t)
	defer a.Close()
	defer b.Close()

	a.OnHeaderAccepted()
	b.OnHeaderAccepted()

	f, err := a.AttachLocalFile(File{Name: "node.out", Address: InvalidAddress, Size: 16})
	if err != nil {
		t.Fatalf("AttachLocalFile: %v", err)
	}

	waitFor(t, func() bool { return b.remoteHas("node.out") })

	var mu sync.Mutex
	var gotOffset uint32
	var gotData []byte
	a.OnWrite = func(file *File, offset uint32, data []byte) {
		mu.Lock()
		defer mu.Unlock()
		gotOffset = offset
		gotData = append([]byte(nil), data...)
	}

	payload := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	if err := b.Write(f.Address+4, payload); err != nil {
		t.Fatalf("Write: %v", err)
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return gotData != nil
	})

	mu.Lock()
	defer mu.Unlock()
	if gotOffset != 4 {
		t.Fatalf("got offset %d, want 4", gotOffset)
	}
	if string(gotData) != string(payload) {
		t.Fatalf("got data %v, want %v", gotData, payload)
	}
}

func TestManagerDuplicateFileInfoIsNoop(t *testing.T) {
	a, b := loopback(t)
	defer a.Close()
	defer b.Close()

	a.OnHeaderAccepted()
	b.OnHeaderAccepted()

	f, err := a.AttachLocalFile(File{Name: "node.out", Address: InvalidAddress, Size: 16})
	if err != nil {
		t.Fatalf("AttachLocalFile: %v", err)
	}
	waitFor(t, func() bool { return b.remoteHas("node.out") })

	// Re-announce the same address directly; should be logged and ignored,
	// not erroring or duplicating the entry.
	payload, err := apxwire.EncodeFileInfo(apxwire.FileInfo{Address: f.Address, Size: f.Size, Name: f.Name})
	if err != nil {
		t.Fatalf("EncodeFileInfo: %v", err)
	}
	if err := b.OnRecv(payload); err != nil {
		t.Fatalf("OnRecv duplicate FILE_INFO: %v", err)
	}

	remote := b.Remote()
	count := 0
	for _, rf := range remote {
		if rf.Name == "node.out" {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected exactly one remote entry for node.out, got %d", count)
	}
}

func (m *Manager) remoteHas(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.remote.FindByName(name) != nil
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within timeout")
}

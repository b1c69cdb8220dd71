package apxconn

import (
	"bytes"
	"sync"
	"testing"

	"github.com/sandia-apx/apxd/pkg/apxfs"
	"github.com/sandia-apx/apxd/pkg/apxwire"
)

// TestAcceptHeaderSendsAck exercises spec.md §8 scenario S1: once the
// greeting is consumed, the server sends ACK immediately, and the wire
// frame is exactly the 8 bytes BF FF FC 00 00 00 00 00.
func TestAcceptHeaderSendsAck(t *testing.T) {
	var mu sync.Mutex
	var sent [][]byte

	mgr := apxfs.NewManager(func(payload []byte) error {
		mu.Lock()
		defer mu.Unlock()
		sent = append(sent, append([]byte(nil), payload...))
		return nil
	})
	defer mgr.Close()

	c := New(1, mgr, nil)
	c.Start()
	defer c.Destroy()

	c.AcceptHeader()

	want := []byte{0xBF, 0xFF, 0xFC, 0x00, 0x00, 0x00, 0x00, 0x00}
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, p := range sent {
			if bytes.Equal(p, want) {
				return true
			}
		}
		return false
	})

	mu.Lock()
	defer mu.Unlock()
	if len(sent) != 1 {
		t.Fatalf("got %d outbound payloads, want 1: %v", len(sent), sent)
	}
	if !bytes.Equal(sent[0], want) {
		t.Fatalf("got ACK frame % X, want % X", sent[0], want)
	}
	if dec, err := apxwire.Decode(sent[0]); err != nil || !dec.IsCommand || dec.Command != apxwire.CmdAck {
		t.Fatalf("decoded frame = %+v, err = %v; want CmdAck", dec, err)
	}
}

package apxinspect

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	log "github.com/sandia-apx/apxd/pkg/minilog"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 30 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// client wraps one websocket connection to /ws. Grounded on
// phenix/web/broker's Client: a buffered outbound channel, a write loop
// that pings on a ticker, and a once-guarded stop so register/unregister
// races never double-close the connection.
type client struct {
	conn *websocket.Conn
	out  chan ChangeEvent
	done chan struct{}
	once sync.Once
}

func newClient(conn *websocket.Conn) *client {
	return &client{
		conn: conn,
		out:  make(chan ChangeEvent, 64),
		done: make(chan struct{}),
	}
}

func (c *client) stop() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

func (c *client) write() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer c.stop()

	for {
		select {
		case <-c.done:
			return
		case ev := <-c.out:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// read discards any client-sent frames, keeping the connection's read
// deadline alive via pong handling; this surface takes no client input.
func (c *client) read() {
	defer c.stop()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// serveWS upgrades r to a websocket, registers a client against b, and
// runs its read/write loops until the peer disconnects.
func serveWS(b *broker, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error("apxinspect: upgrading websocket: %v", err)
		return
	}

	c := newClient(conn)
	b.register <- c

	go c.write()
	c.read()

	b.unregister <- c
}

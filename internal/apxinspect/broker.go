package apxinspect

// ChangeEvent is one connector-change notification pushed to every
// connected /ws client (spec.md §4.I REQUIRE_PORT_CONNECT et al, surfaced
// read-only for live introspection).
type ChangeEvent struct {
	ConnectionID int    `json:"connection_id"`
	Kind         string `json:"kind"`
	PortID       int    `json:"port_id"`
	Count        int    `json:"count"`
}

// broker fans ChangeEvents out to every registered websocket client.
// Grounded on phenix/web/broker's register/unregister/broadcast hub, pared
// down to this package's single topic (there is no per-client RBAC filter
// here, since apxinspect is a read-only diagnostic surface).
type broker struct {
	clients    map[*client]bool
	register   chan *client
	unregister chan *client
	publish    chan ChangeEvent
}

func newBroker() *broker {
	return &broker{
		clients:    map[*client]bool{},
		register:   make(chan *client),
		unregister: make(chan *client),
		publish:    make(chan ChangeEvent, 256),
	}
}

func (b *broker) run() {
	for {
		select {
		case c := <-b.register:
			b.clients[c] = true
		case c := <-b.unregister:
			if _, ok := b.clients[c]; ok {
				delete(b.clients, c)
				c.stop()
			}
		case ev := <-b.publish:
			for c := range b.clients {
				select {
				case c.out <- ev:
				default:
					delete(b.clients, c)
					c.stop()
				}
			}
		}
	}
}

// Broadcast queues ev for delivery to every connected client. Safe to call
// from any goroutine; never blocks (the publish channel is buffered and the
// broker itself never blocks on a slow client).
func (b *broker) Broadcast(ev ChangeEvent) {
	select {
	case b.publish <- ev:
	default:
	}
}

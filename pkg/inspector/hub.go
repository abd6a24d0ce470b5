package inspector

import (
	"sync"

	"github.com/gorilla/websocket"

	"github.com/fluxorio/verticle/pkg/events"
)

type client struct {
	conn *websocket.Conn
	send chan events.Event
	done chan struct{}
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// hub fans events out to websocket clients. broadcast never blocks: a
// client whose buffer is full misses the event.
type hub struct {
	buffer int

	mu      sync.RWMutex
	clients map[*client]struct{}
}

func newHub(buffer int) *hub {
	return &hub{buffer: buffer, clients: make(map[*client]struct{})}
}

func (h *hub) add(conn *websocket.Conn) *client {
	c := &client{
		conn: conn,
		send: make(chan events.Event, h.buffer),
		done: make(chan struct{}),
	}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	return c
}

func (h *hub) remove(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.close()
}

func (h *hub) broadcast(ev events.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- ev:
		default:
		}
	}
}

func (h *hub) closeAll() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[*client]struct{})
	h.mu.Unlock()
	for c := range clients {
		c.close()
	}
}

func (h *hub) len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

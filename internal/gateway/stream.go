// Package gateway carries the realtime side of the HTTP surface: the
// websocket stream of instance events and per-client rate limiting.
package gateway

import (
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/wagate/internal/bus"
)

// EventStream upgrades requests to websockets and relays bus events to them.
// Authentication happens before ServeHTTP is reached.
type EventStream struct {
	bus      *bus.Bus
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[string]*Client
	closed  bool
}

// NewEventStream creates a stream fed by b.
func NewEventStream(b *bus.Bus) *EventStream {
	return &EventStream{
		bus: b,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[string]*Client),
	}
}

// ServeHTTP handles GET /events[?instanceId=].
func (s *EventStream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := newClient(conn, r.URL.Query().Get("instanceId"))
	if !s.add(c) {
		conn.Close()
		return
	}
	slog.Info("event stream client connected", "client", c.id, "instance", c.instance)

	go c.writePump()
	c.readPump()

	s.remove(c)
	slog.Info("event stream client disconnected", "client", c.id)
}

// ClientCount returns the number of connected subscribers.
func (s *EventStream) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Close disconnects every subscriber and refuses new ones.
func (s *EventStream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for id, c := range s.clients {
		s.bus.Unsubscribe(id)
		close(c.send)
		delete(s.clients, id)
	}
}

func (s *EventStream) add(c *Client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.clients[c.id] = c
	s.bus.Subscribe(c.id, c.deliver)
	return true
}

func (s *EventStream) remove(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[c.id]; ok {
		s.bus.Unsubscribe(c.id)
		delete(s.clients, c.id)
		close(c.send)
	}
}

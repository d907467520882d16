// Package bus broadcasts instance lifecycle events to in-process subscribers
// (websocket clients, the Redis forwarder).
package bus

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/wagate/pkg/protocol"
)

// Event is a named payload. Payloads are the protocol.*Payload types.
type Event struct {
	ID        string
	Name      string
	Payload   interface{}
	Seq       int64
	CreatedAt time.Time
}

// Frame converts the event to its wire frame.
func (e Event) Frame() *protocol.EventFrame {
	f := protocol.NewEvent(e.ID, e.Name, e.Payload)
	f.Seq = e.Seq
	return f
}

// EventHandler receives broadcast events. Handlers must not block.
type EventHandler func(Event)

// Bus fans out events to subscribers.
type Bus struct {
	subscribers map[string]EventHandler
	subMu       sync.RWMutex
	seq         atomic.Int64
}

func New() *Bus {
	return &Bus{subscribers: make(map[string]EventHandler)}
}

// Subscribe registers an event subscriber under id, replacing any previous one.
func (b *Bus) Subscribe(id string, handler EventHandler) {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	b.subscribers[id] = handler
}

// Unsubscribe removes an event subscriber.
func (b *Bus) Unsubscribe(id string) {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	delete(b.subscribers, id)
}

// SubscriberCount returns the number of registered subscribers.
func (b *Bus) SubscriberCount() int {
	b.subMu.RLock()
	defer b.subMu.RUnlock()
	return len(b.subscribers)
}

// Publish stamps and broadcasts a new event.
func (b *Bus) Publish(name string, payload interface{}) {
	b.Broadcast(Event{Name: name, Payload: payload})
}

// Broadcast sends an event to all subscribers (non-blocking per subscriber).
// Missing ID, sequence and timestamp are filled in.
func (b *Bus) Broadcast(event Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Seq == 0 {
		event.Seq = b.seq.Add(1)
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	b.subMu.RLock()
	defer b.subMu.RUnlock()
	for _, handler := range b.subscribers {
		handler(event)
	}
}

// Package protocol defines the wire shapes shared by the HTTP surface and the
// websocket event stream.
package protocol

// FrameTypeEvent is the only frame type pushed on the event stream.
const FrameTypeEvent = "event"

// ErrorShape is the JSON body of every failed HTTP response.
type ErrorShape struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// EventFrame is pushed from server to client without a preceding request.
type EventFrame struct {
	Type    string      `json:"type"`              // always "event"
	ID      string      `json:"id"`                // unique event ID
	Event   string      `json:"event"`             // event name
	Payload interface{} `json:"payload,omitempty"` // event data
	Seq     int64       `json:"seq,omitempty"`     // ordering sequence number
}

// NewEvent creates an event frame.
func NewEvent(id, event string, payload interface{}) *EventFrame {
	return &EventFrame{
		Type:    FrameTypeEvent,
		ID:      id,
		Event:   event,
		Payload: payload,
	}
}

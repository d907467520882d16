package gateway

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/wagate/internal/bus"
)

const (
	// maxWSMessageSize caps inbound frames; subscribers only send control frames.
	maxWSMessageSize = 4 * 1024
	sendBuffer       = 256
	pongWait         = 60 * time.Second
	pingInterval     = 30 * time.Second
	writeWait        = 10 * time.Second
)

// Client is one websocket subscriber of the instance event stream.
type Client struct {
	id       string
	conn     *websocket.Conn
	instance string // empty: all instances
	send     chan []byte
}

func newClient(conn *websocket.Conn, instanceFilter string) *Client {
	return &Client{
		id:       uuid.NewString(),
		conn:     conn,
		instance: instanceFilter,
		send:     make(chan []byte, sendBuffer),
	}
}

// ID returns the client's unique identifier.
func (c *Client) ID() string { return c.id }

// readPump discards inbound messages and returns when the peer goes away.
func (c *Client) readPump() {
	defer c.conn.Close()

	c.conn.SetReadLimit(maxWSMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("websocket read error", "client", c.id, "error", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
	}
}

// writePump writes queued frames and pings until send is closed.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
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

// deliver queues ev for the client if it passes the instance filter. A slow
// client loses events rather than blocking the bus.
func (c *Client) deliver(ev bus.Event) {
	if c.instance != "" && instanceOf(ev.Payload) != c.instance {
		return
	}
	data, err := json.Marshal(ev.Frame())
	if err != nil {
		slog.Error("marshal event failed", "event", ev.Name, "error", err)
		return
	}
	select {
	case c.send <- data:
	default:
		slog.Warn("client send buffer full, dropping event", "client", c.id, "event", ev.Name)
	}
}

// instanceOf extracts the instanceId field of an event payload.
func instanceOf(payload interface{}) string {
	data, err := json.Marshal(payload)
	if err != nil {
		return ""
	}
	var p struct {
		InstanceID string `json:"instanceId"`
	}
	_ = json.Unmarshal(data, &p)
	return p.InstanceID
}

package whatsapp

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/nextlevelbuilder/wagate/internal/message"
	"github.com/nextlevelbuilder/wagate/internal/session"
	"github.com/nextlevelbuilder/wagate/pkg/protocol"
)

const eventBuffer = 32

// Client adapts a whatsmeow client to session.Client.
type Client struct {
	instanceID string
	wa         *whatsmeow.Client
	db         *sql.DB
	media      *MediaFetcher

	ctx     context.Context
	cancel  context.CancelFunc
	handler uint32

	mu     sync.RWMutex
	closed bool
	events chan session.Event

	closeOnce sync.Once
	closeErr  error
}

func newClient(instanceID string, wa *whatsmeow.Client, db *sql.DB, media *MediaFetcher) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		instanceID: instanceID,
		wa:         wa,
		db:         db,
		media:      media,
		ctx:        ctx,
		cancel:     cancel,
		events:     make(chan session.Event, eventBuffer),
	}
	c.handler = wa.AddEventHandler(c.handleEvent)
	return c
}

// Events implements session.Client.
func (c *Client) Events() <-chan session.Event { return c.events }

// emit blocks until the event is queued or the client is closed.
func (c *Client) emit(ev session.Event) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return
	}
	select {
	case c.events <- ev:
	case <-c.ctx.Done():
	}
}

// handleEvent translates whatsmeow events into lifecycle events.
func (c *Client) handleEvent(evt any) {
	if ev, ok := translate(evt); ok {
		c.emit(ev)
	}
}

func translate(evt any) (session.Event, bool) {
	switch v := evt.(type) {
	case *events.Connected:
		return session.Event{Type: session.EventConnection, Phase: session.PhaseOpen}, true
	case *events.PairSuccess:
		return session.Event{Type: session.EventCredentialsUpdated}, true
	case *events.LoggedOut:
		return closeEvent(session.ReasonLoggedOut, fmt.Errorf("logged out: %s", v.Reason.String())), true
	case *events.StreamReplaced:
		return closeEvent(session.ReasonConnectionReplace, nil), true
	case *events.TemporaryBan:
		return closeEvent(session.ReasonForbidden, errors.New(v.String())), true
	case *events.ConnectFailure:
		// Logged-out failures are also dispatched as *events.LoggedOut.
		if v.Reason.IsLoggedOut() {
			return session.Event{}, false
		}
		return closeEvent(session.ReasonBadSession, fmt.Errorf("connect failure: %s", v.Reason.String())), true
	case *events.Disconnected:
		return closeEvent(session.ReasonConnectionClosed, nil), true
	}
	return session.Event{}, false
}

func closeEvent(reason session.DisconnectReason, err error) session.Event {
	return session.Event{Type: session.EventConnection, Phase: session.PhaseClose, Reason: reason, Err: err}
}

// consumeQR relays pairing codes until pairing ends or the client closes.
func (c *Client) consumeQR(ch <-chan whatsmeow.QRChannelItem) {
	for item := range ch {
		switch item.Event {
		case "code":
			c.emit(session.Event{Type: session.EventQR, QR: item.Code})
		case "success":
			slog.Info("whatsapp paired", "instance", c.instanceID)
		case "timeout":
			c.emit(closeEvent(session.ReasonTimedOut, errors.New("qr pairing timed out")))
		default:
			slog.Warn("whatsapp pairing ended", "instance", c.instanceID, "event", item.Event, "error", item.Error)
			c.emit(closeEvent(session.ReasonBadSession, fmt.Errorf("pairing: %s", item.Event)))
		}
	}
}

// Send implements session.Client.
func (c *Client) Send(ctx context.Context, to string, content message.Content) (session.SendResult, error) {
	jid, err := types.ParseJID(to)
	if err != nil {
		return session.SendResult{}, protocol.Errorf(protocol.ErrInvalidArgument, "invalid destination %q: %s", to, err)
	}
	msg, err := c.build(ctx, content)
	if err != nil {
		return session.SendResult{}, err
	}
	resp, err := c.wa.SendMessage(ctx, jid, msg)
	if err != nil {
		return session.SendResult{}, fmt.Errorf("send message: %w", err)
	}
	return session.SendResult{ID: string(resp.ID), Timestamp: resp.Timestamp}, nil
}

// SaveCredentials implements session.Client.
func (c *Client) SaveCredentials(ctx context.Context) error {
	if err := c.wa.Store.Save(ctx); err != nil {
		return fmt.Errorf("save device: %w", err)
	}
	return nil
}

// Logout implements session.Client.
func (c *Client) Logout(ctx context.Context) error {
	if c.wa.Store.ID == nil {
		return session.ErrNotLoggedIn
	}
	if err := c.wa.Logout(ctx); err != nil {
		if errors.Is(err, whatsmeow.ErrNotLoggedIn) {
			return session.ErrNotLoggedIn
		}
		return fmt.Errorf("logout: %w", err)
	}
	return nil
}

// Close implements session.Client. It is safe to call from the event consumer.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		c.mu.Lock()
		c.closed = true
		close(c.events)
		c.mu.Unlock()

		c.wa.RemoveEventHandler(c.handler)
		c.wa.Disconnect()
		if err := c.db.Close(); err != nil {
			c.closeErr = fmt.Errorf("close device store: %w", err)
		}
	})
	return c.closeErr
}

package session

import (
	"context"
	"errors"
	"time"

	"github.com/nextlevelbuilder/wagate/internal/message"
)

// Phase is the raw connection phase reported by a client.
type Phase string

const (
	PhaseConnecting Phase = "connecting"
	PhaseOpen       Phase = "open"
	PhaseClose      Phase = "close"
)

// EventType identifies a connection-lifecycle event.
type EventType int

const (
	// EventCredentialsUpdated asks the session to persist its credentials.
	EventCredentialsUpdated EventType = iota + 1
	// EventQR carries a new pairing code in Event.QR.
	EventQR
	// EventConnection reports a phase change in Event.Phase.
	EventConnection
)

func (t EventType) String() string {
	switch t {
	case EventCredentialsUpdated:
		return "credentials.updated"
	case EventQR:
		return "qr"
	case EventConnection:
		return "connection"
	}
	return "unknown"
}

// DisconnectReason is the cause attached to a close event. Values follow the
// status-code convention of multi-device chat clients.
type DisconnectReason int

const (
	ReasonUnknown           DisconnectReason = 0
	ReasonLoggedOut         DisconnectReason = 401
	ReasonForbidden         DisconnectReason = 403
	ReasonTimedOut          DisconnectReason = 408
	ReasonConnectionClosed  DisconnectReason = 428
	ReasonConnectionReplace DisconnectReason = 440
	ReasonBadSession        DisconnectReason = 500
	ReasonRestartRequired   DisconnectReason = 515
)

func (r DisconnectReason) String() string {
	switch r {
	case ReasonLoggedOut:
		return "logged_out"
	case ReasonForbidden:
		return "forbidden"
	case ReasonTimedOut:
		return "timed_out"
	case ReasonConnectionClosed:
		return "connection_closed"
	case ReasonConnectionReplace:
		return "connection_replaced"
	case ReasonBadSession:
		return "bad_session"
	case ReasonRestartRequired:
		return "restart_required"
	}
	return "unknown"
}

// Event is emitted by a Client on its Events channel.
type Event struct {
	Type   EventType
	QR     string
	Phase  Phase
	Reason DisconnectReason
	Err    error
}

// ErrNotLoggedIn is returned by Client.Logout when there is no account to log
// out of. Cleanup treats it as success.
var ErrNotLoggedIn = errors.New("not logged in")

// SendResult is returned by a successful Client.Send.
type SendResult struct {
	ID        string
	Timestamp time.Time
}

// Client is a live connection to the chat network for one instance.
type Client interface {
	// Events delivers lifecycle events in order. The channel is closed after Close.
	Events() <-chan Event
	// Send delivers content to the destination address.
	Send(ctx context.Context, to string, content message.Content) (SendResult, error)
	// SaveCredentials persists the client's credentials in its credential directory.
	SaveCredentials(ctx context.Context) error
	// Logout unlinks the account. Returns ErrNotLoggedIn if not linked.
	Logout(ctx context.Context) error
	// Close releases the transport. Credentials are kept.
	Close() error
}

// Dialer opens clients. ctx bounds the dial only; the returned client lives
// until Close. credentialDir is owned by the instance and survives reconnects;
// the dialer decides what it stores there.
type Dialer interface {
	Dial(ctx context.Context, instanceID, credentialDir string) (Client, error)
}

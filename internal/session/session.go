package session

import (
	"sync"
	"time"

	"github.com/nextlevelbuilder/wagate/internal/qr"
)

// QRValidity is how long an issued pairing code stays valid.
const QRValidity = 2 * time.Minute

// QRPayload is the most recent pairing code of a session.
type QRPayload struct {
	Image     qr.Image
	ExpiresAt time.Time
}

// ExpiresIn returns the whole seconds left before expiry, never negative.
func (p QRPayload) ExpiresIn(now time.Time) int64 {
	left := p.ExpiresAt.Sub(now)
	if left <= 0 {
		return 0
	}
	return int64(left / time.Second)
}

// Session is the transient state of one live (or pending) connection.
type Session struct {
	InstanceID    string
	CredentialDir string

	client    Client
	createdAt time.Time
	done      chan struct{} // closed when the reconcile loop exits

	mu    sync.RWMutex
	qr    *QRPayload
	phase Phase
}

func newSession(id, dir string, client Client, now time.Time) *Session {
	return &Session{
		InstanceID:    id,
		CredentialDir: dir,
		client:        client,
		createdAt:     now,
		done:          make(chan struct{}),
		phase:         PhaseConnecting,
	}
}

// Phase returns the latest connection phase.
func (s *Session) Phase() Phase {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.phase
}

// QR returns the current pairing code, if any.
func (s *Session) QR() (QRPayload, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.qr == nil {
		return QRPayload{}, false
	}
	return *s.qr, true
}

// Done is closed once the session stops consuming client events.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) setPhase(p Phase) {
	s.mu.Lock()
	s.phase = p
	s.mu.Unlock()
}

func (s *Session) setQR(p QRPayload) {
	s.mu.Lock()
	s.qr = &p
	s.mu.Unlock()
}

func (s *Session) clearQR() {
	s.mu.Lock()
	s.qr = nil
	s.mu.Unlock()
}

// dead reports whether the connection closed without logging out. A dead
// session is replaced by the next GetOrCreateSession.
func (s *Session) dead() bool {
	return s.Phase() == PhaseClose
}

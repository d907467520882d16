// Package session owns the live connections of all instances.
//
// A Manager keeps at most one Session per instance, establishes sessions
// through a Dialer, and reconciles the asynchronous connection events of each
// session against the instance catalog. Each session's events are consumed by
// a single goroutine, so reconciliation for one instance never runs
// concurrently with itself.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/wagate/internal/instance"
	"github.com/nextlevelbuilder/wagate/internal/message"
	"github.com/nextlevelbuilder/wagate/internal/qr"
	"github.com/nextlevelbuilder/wagate/pkg/protocol"
)

const (
	// DefaultDomain is appended to destinations that carry no domain.
	DefaultDomain = "s.whatsapp.net"

	defaultInitConcurrency = 4
	backgroundOpTimeout    = 30 * time.Second
)

// Sentinel errors. Compare with errors.Is.
var (
	ErrNotFound = &protocol.Error{Code: protocol.ErrNotFound}
	ErrNotReady = &protocol.Error{Code: protocol.ErrInstanceNotReady}
)

// Catalog is the subset of the instance catalog the manager needs.
type Catalog interface {
	List() []instance.Record
	Get(id string) (instance.Record, bool)
	Create(id string, metadata map[string]any) (instance.Record, error)
	Delete(id string) (bool, error)
	UpdateStatus(id string, status instance.Status) (instance.Record, error)
	UpdateMetadata(id string, metadata map[string]any) (instance.Record, error)
}

// QREncoder renders pairing codes.
type QREncoder interface {
	Encode(text string) (qr.Image, error)
}

// EventPublisher receives instance lifecycle events.
type EventPublisher interface {
	Publish(name string, payload interface{})
}

// QRCode is the response of GetQRCode.
type QRCode struct {
	InstanceID string  `json:"instanceId"`
	Image      QRImage `json:"image"`
}

// QRImage is an encoded pairing code with its remaining validity.
type QRImage struct {
	Type      string `json:"type"`
	Value     string `json:"value"`
	ExpiresIn int64  `json:"expiresIn"`
}

// SendReceipt is the response of SendMessage.
type SendReceipt struct {
	MessageID string `json:"messageId"`
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"` // unix millis
}

// SendStatusQueued is the acceptance status of every sent message.
const SendStatusQueued = "queued"

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithEvents attaches an event publisher.
func WithEvents(p EventPublisher) Option {
	return func(m *Manager) { m.events = p }
}

// WithInitConcurrency bounds how many instances InitializeAll connects at once.
func WithInitConcurrency(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.initConcurrency = n
		}
	}
}

// WithDialTimeout bounds each Dial. Zero leaves dials bounded by the caller's
// context only.
func WithDialTimeout(d time.Duration) Option {
	return func(m *Manager) { m.dialTimeout = d }
}

// Manager is the session registry and lifecycle orchestrator.
type Manager struct {
	catalog     Catalog
	dialer      Dialer
	encoder     QREncoder
	events      EventPublisher
	sessionsDir string
	now         func() time.Time
	tracer      trace.Tracer

	initConcurrency int
	dialTimeout     time.Duration

	mu       sync.Mutex
	sessions map[string]*Session
	locks    map[string]*sync.Mutex
}

// NewManager creates a manager. Credential directories live under sessionsDir.
func NewManager(catalog Catalog, dialer Dialer, encoder QREncoder, sessionsDir string, opts ...Option) *Manager {
	m := &Manager{
		catalog:         catalog,
		dialer:          dialer,
		encoder:         encoder,
		sessionsDir:     sessionsDir,
		now:             time.Now,
		tracer:          otel.Tracer("github.com/nextlevelbuilder/wagate/internal/session"),
		initConcurrency: defaultInitConcurrency,
		sessions:        make(map[string]*Session),
		locks:           make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CredentialDir returns the credential directory of id.
func (m *Manager) CredentialDir(id string) string {
	return filepath.Join(m.sessionsDir, id)
}

// Session returns the registered session of id, if any.
func (m *Manager) Session(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// SessionCount returns the number of registered sessions.
func (m *Manager) SessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// lockFor returns the per-instance mutex serializing establish and teardown.
func (m *Manager) lockFor(id string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[id]
	if !ok {
		l = &sync.Mutex{}
		m.locks[id] = l
	}
	return l
}

// --- Orchestrator ---

// ListInstances returns every catalog record.
func (m *Manager) ListInstances() []instance.Record {
	return m.catalog.List()
}

// GetInstance returns the record of id.
func (m *Manager) GetInstance(id string) (instance.Record, bool) {
	return m.catalog.Get(id)
}

// CreateInstance adds a record and starts its session. A session that fails
// to start is logged; the record is still returned and the session is retried
// by the next GetOrCreateSession.
func (m *Manager) CreateInstance(ctx context.Context, id string, metadata map[string]any) (instance.Record, error) {
	ctx, span := m.tracer.Start(ctx, "session.create_instance", trace.WithAttributes(attribute.String("wagate.instance_id", id)))
	defer span.End()

	rec, err := m.catalog.Create(id, metadata)
	if err != nil {
		recordSpanError(span, err)
		return instance.Record{}, err
	}

	if _, err := m.GetOrCreateSession(ctx, id); err != nil {
		slog.Warn("session start failed after create", "instance", id, "error", err)
	}
	return rec, nil
}

// UpdateStatus forces the status of id.
func (m *Manager) UpdateStatus(id string, status instance.Status) (instance.Record, error) {
	rec, err := m.catalog.UpdateStatus(id, status)
	if err != nil {
		return instance.Record{}, err
	}
	m.publishStatus(id, status, "")
	return rec, nil
}

// UpdateMetadata replaces the metadata of id.
func (m *Manager) UpdateMetadata(id string, metadata map[string]any) (instance.Record, error) {
	return m.catalog.UpdateMetadata(id, metadata)
}

// DeleteInstance tears down the session of id, deletes its credentials and
// removes the record. It reports whether the record existed.
func (m *Manager) DeleteInstance(ctx context.Context, id string) (bool, error) {
	ctx, span := m.tracer.Start(ctx, "session.delete_instance", trace.WithAttributes(attribute.String("wagate.instance_id", id)))
	defer span.End()

	l := m.lockFor(id)
	l.Lock()
	defer l.Unlock()

	if _, ok := m.catalog.Get(id); !ok {
		return false, nil
	}

	m.cleanupLocked(ctx, id, false)

	existed, err := m.catalog.Delete(id)
	if err != nil {
		recordSpanError(span, err)
		return false, err
	}
	if existed && m.events != nil {
		m.events.Publish(protocol.EventInstanceDeleted, protocol.InstanceDeletedPayload{
			InstanceID: id,
			Timestamp:  m.now().UnixMilli(),
		})
	}
	return existed, nil
}

// GetOrCreateSession returns the live session of id, establishing one if
// none is registered or the registered one is dead. The instance record must
// exist.
func (m *Manager) GetOrCreateSession(ctx context.Context, id string) (*Session, error) {
	if s, ok := m.Session(id); ok && !s.dead() {
		return s, nil
	}

	ctx, span := m.tracer.Start(ctx, "session.get_or_create", trace.WithAttributes(attribute.String("wagate.instance_id", id)))
	defer span.End()

	l := m.lockFor(id)
	l.Lock()
	defer l.Unlock()

	s, err := m.getOrCreateLocked(ctx, id)
	if err != nil {
		recordSpanError(span, err)
	}
	return s, err
}

// InitializeForInstance establishes the session of a known instance at startup.
func (m *Manager) InitializeForInstance(ctx context.Context, id string) error {
	_, err := m.GetOrCreateSession(ctx, id)
	return err
}

// InitializeAll starts sessions for every catalog record. Failures are logged
// per instance and never stop the others.
func (m *Manager) InitializeAll(ctx context.Context) {
	records := m.catalog.List()
	if len(records) == 0 {
		return
	}

	var g errgroup.Group
	g.SetLimit(m.initConcurrency)
	for _, rec := range records {
		id := rec.ID
		g.Go(func() error {
			if err := m.InitializeForInstance(ctx, id); err != nil {
				slog.Warn("instance initialization failed", "instance", id, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
	slog.Info("instances initialized", "instances", len(records), "sessions", m.SessionCount())
}

func (m *Manager) getOrCreateLocked(ctx context.Context, id string) (*Session, error) {
	existing, ok := m.Session(id)
	if ok && !existing.dead() {
		return existing, nil
	}
	if _, ok := m.catalog.Get(id); !ok {
		return nil, protocol.Errorf(protocol.ErrNotFound, "instance %q not found", id)
	}
	if ok {
		slog.Info("replacing dead session", "instance", id)
		m.retire(existing)
	}
	return m.establish(ctx, id)
}

func (m *Manager) establish(ctx context.Context, id string) (*Session, error) {
	dir := m.CredentialDir(id)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, protocol.Wrap(protocol.ErrInternal, err, "create credential dir for %q", id)
	}

	dialCtx := ctx
	if m.dialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, m.dialTimeout)
		defer cancel()
	}
	client, err := m.dialer.Dial(dialCtx, id, dir)
	if err != nil {
		var pe *protocol.Error
		if errors.As(err, &pe) {
			return nil, err
		}
		return nil, protocol.Wrap(protocol.ErrInternal, err, "connect instance %q", id)
	}

	s := newSession(id, dir, client, m.now())

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	go m.reconcileLoop(s)

	slog.Info("session established", "instance", id, "dir", dir)
	return s, nil
}

// retire unregisters s and closes its transport, keeping credentials.
// It does not wait for the reconcile loop.
func (m *Manager) retire(s *Session) {
	m.mu.Lock()
	if m.sessions[s.InstanceID] == s {
		delete(m.sessions, s.InstanceID)
	}
	m.mu.Unlock()

	if err := s.client.Close(); err != nil {
		slog.Warn("session close failed", "instance", s.InstanceID, "error", err)
	}
}

// GetQRCode returns the current pairing code of id with its remaining
// validity. ok is false when there is no session or no code.
func (m *Manager) GetQRCode(id string) (QRCode, bool) {
	s, ok := m.Session(id)
	if !ok {
		return QRCode{}, false
	}
	p, ok := s.QR()
	if !ok {
		return QRCode{}, false
	}
	return QRCode{
		InstanceID: id,
		Image: QRImage{
			Type:      p.Image.Type,
			Value:     p.Image.Value,
			ExpiresIn: p.ExpiresIn(m.now()),
		},
	}, true
}

// CleanupSession logs out and closes the session of id and removes it from
// the registry. Unless keepData is set, the credential directory is deleted.
// Failures are logged, never returned.
func (m *Manager) CleanupSession(ctx context.Context, id string, keepData bool) {
	l := m.lockFor(id)
	l.Lock()
	defer l.Unlock()
	m.cleanupLocked(ctx, id, keepData)
}

func (m *Manager) cleanupLocked(ctx context.Context, id string, keepData bool) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()

	if ok {
		if err := s.client.Logout(ctx); err != nil && !errors.Is(err, ErrNotLoggedIn) {
			slog.Warn("session logout failed", "instance", id, "error", err)
		}
		if err := s.client.Close(); err != nil {
			slog.Warn("session close failed", "instance", id, "error", err)
		}
	}

	if !keepData {
		if err := os.RemoveAll(m.CredentialDir(id)); err != nil {
			slog.Warn("credential cleanup failed", "instance", id, "error", err)
		} else {
			slog.Info("credentials removed", "instance", id)
		}
	}
}

// SendMessage validates the request and sends it through the live session of
// id. The session must be in the open phase.
func (m *Manager) SendMessage(ctx context.Context, id, to, typ string, payload json.RawMessage) (SendReceipt, error) {
	ctx, span := m.tracer.Start(ctx, "session.send_message", trace.WithAttributes(
		attribute.String("wagate.instance_id", id),
		attribute.String("wagate.message_type", typ),
	))
	defer span.End()

	receipt, err := m.sendMessage(ctx, id, to, typ, payload)
	if err != nil {
		recordSpanError(span, err)
	}
	return receipt, err
}

func (m *Manager) sendMessage(ctx context.Context, id, to, typ string, payload json.RawMessage) (SendReceipt, error) {
	if strings.TrimSpace(to) == "" {
		return SendReceipt{}, protocol.Errorf(protocol.ErrInvalidArgument, "destination is required")
	}
	content, err := message.Build(typ, payload)
	if err != nil {
		return SendReceipt{}, err
	}

	if _, ok := m.catalog.Get(id); !ok {
		return SendReceipt{}, protocol.Errorf(protocol.ErrNotFound, "instance %q not found", id)
	}
	s, ok := m.Session(id)
	if !ok || s.Phase() != PhaseOpen {
		return SendReceipt{}, protocol.Errorf(protocol.ErrInstanceNotReady, "instance %q is not connected", id)
	}

	res, err := s.client.Send(ctx, NormalizeDestination(to), content)
	if err != nil {
		var pe *protocol.Error
		if errors.As(err, &pe) {
			return SendReceipt{}, err
		}
		return SendReceipt{}, protocol.Wrap(protocol.ErrInternal, err, "send message")
	}

	ts := res.Timestamp
	if ts.IsZero() {
		ts = m.now()
	}
	slog.Info("message sent", "instance", id, "type", typ, "message_id", res.ID)
	return SendReceipt{MessageID: res.ID, Status: SendStatusQueued, Timestamp: ts.UnixMilli()}, nil
}

// Shutdown closes every session without logging out, so credentials survive
// a restart. It waits for reconcile loops until ctx is done.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		if err := s.client.Close(); err != nil {
			slog.Warn("session close failed", "instance", s.InstanceID, "error", err)
		}
	}
	for _, s := range sessions {
		select {
		case <-s.done:
		case <-ctx.Done():
			slog.Warn("session shutdown timed out", "pending", len(sessions))
			return
		}
	}
	slog.Info("sessions closed", "count", len(sessions))
}

// NormalizeDestination appends DefaultDomain to addresses without a domain.
func NormalizeDestination(to string) string {
	to = strings.TrimSpace(to)
	if strings.Contains(to, "@") {
		return to
	}
	return strings.TrimPrefix(to, "+") + "@" + DefaultDomain
}

func recordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, fmt.Sprintf("%s: %s", protocol.CodeOf(err), err.Error()))
}

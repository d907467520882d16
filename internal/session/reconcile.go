package session

import (
	"context"
	"errors"
	"log/slog"

	"github.com/nextlevelbuilder/wagate/internal/instance"
	"github.com/nextlevelbuilder/wagate/pkg/protocol"
)

// reconcileLoop consumes the events of s until its client closes the channel.
func (m *Manager) reconcileLoop(s *Session) {
	defer close(s.done)
	for ev := range s.client.Events() {
		m.reconcile(s, ev)
	}
	slog.Debug("session event loop stopped", "instance", s.InstanceID)
}

// reconcile applies one event. Failures are logged and swallowed; events of a
// session that is no longer registered are ignored.
func (m *Manager) reconcile(s *Session, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("reconcile panic", "instance", s.InstanceID, "event", ev.Type.String(), "panic", r)
		}
	}()

	if !m.isCurrent(s) {
		slog.Debug("ignoring event from retired session", "instance", s.InstanceID, "event", ev.Type.String())
		return
	}

	switch ev.Type {
	case EventCredentialsUpdated:
		ctx, cancel := context.WithTimeout(context.Background(), backgroundOpTimeout)
		defer cancel()
		if err := s.client.SaveCredentials(ctx); err != nil {
			slog.Error("credential save failed", "instance", s.InstanceID, "error", err)
		}

	case EventQR:
		m.onQR(s, ev)

	case EventConnection:
		m.onConnection(s, ev)

	default:
		slog.Warn("unknown session event", "instance", s.InstanceID, "type", int(ev.Type))
	}
}

func (m *Manager) onQR(s *Session, ev Event) {
	img, err := m.encoder.Encode(ev.QR)
	if err != nil {
		slog.Error("qr encode failed", "instance", s.InstanceID, "error", err)
		return
	}

	p := QRPayload{Image: img, ExpiresAt: m.now().Add(QRValidity)}
	s.setQR(p)
	m.setStatus(s.InstanceID, instance.StatusPendingQR, "")

	if m.events != nil {
		m.events.Publish(protocol.EventInstanceQR, protocol.InstanceQRPayload{
			InstanceID: s.InstanceID,
			ExpiresIn:  p.ExpiresIn(m.now()),
			Timestamp:  m.now().UnixMilli(),
		})
	}
	slog.Info("qr issued", "instance", s.InstanceID)
}

func (m *Manager) onConnection(s *Session, ev Event) {
	switch ev.Phase {
	case PhaseOpen:
		s.setPhase(PhaseOpen)
		s.clearQR()
		m.setStatus(s.InstanceID, instance.StatusReady, "")
		slog.Info("session connected", "instance", s.InstanceID)

	case PhaseClose:
		s.setPhase(PhaseClose)
		reason := ev.Reason.String()
		if ev.Reason == ReasonLoggedOut {
			m.setStatus(s.InstanceID, instance.StatusDisconnected, reason)
			slog.Warn("session logged out, removing credentials", "instance", s.InstanceID)
			m.cleanupLoggedOut(s)
			return
		}
		m.setStatus(s.InstanceID, instance.StatusDisconnected, reason)
		slog.Warn("session disconnected", "instance", s.InstanceID, "reason", reason, "error", ev.Err)

	default:
		s.setPhase(ev.Phase)
		slog.Debug("session phase changed", "instance", s.InstanceID, "phase", string(ev.Phase))
	}
}

// cleanupLoggedOut fully tears down s. If s was replaced in the meantime only
// its transport is closed.
func (m *Manager) cleanupLoggedOut(s *Session) {
	ctx, cancel := context.WithTimeout(context.Background(), backgroundOpTimeout)
	defer cancel()

	l := m.lockFor(s.InstanceID)
	l.Lock()
	defer l.Unlock()

	if !m.isCurrent(s) {
		if err := s.client.Close(); err != nil {
			slog.Warn("session close failed", "instance", s.InstanceID, "error", err)
		}
		return
	}
	m.cleanupLocked(ctx, s.InstanceID, false)
}

func (m *Manager) isCurrent(s *Session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[s.InstanceID] == s
}

func (m *Manager) setStatus(id string, status instance.Status, reason string) {
	if _, err := m.catalog.UpdateStatus(id, status); err != nil {
		if errors.Is(err, instance.ErrNotFound) {
			slog.Debug("status update for deleted instance", "instance", id, "status", string(status))
			return
		}
		slog.Error("status update failed", "instance", id, "status", string(status), "error", err)
		return
	}
	m.publishStatus(id, status, reason)
}

func (m *Manager) publishStatus(id string, status instance.Status, reason string) {
	if m.events == nil {
		return
	}
	m.events.Publish(protocol.EventInstanceStatus, protocol.InstanceStatusPayload{
		InstanceID: id,
		Status:     string(status),
		Reason:     reason,
		Timestamp:  m.now().UnixMilli(),
	})
}

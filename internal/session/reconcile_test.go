package session

import (
	"os"
	"testing"

	"github.com/nextlevelbuilder/wagate/internal/instance"
	"github.com/nextlevelbuilder/wagate/pkg/protocol"
)

func TestReconcile_QRSetsPendingStatus(t *testing.T) {
	h := newHarness(t, "a")
	s, _ := h.m.GetOrCreateSession(ctx, "a")
	if _, err := h.catalog.UpdateStatus("a", instance.StatusDisconnected); err != nil {
		t.Fatal(err)
	}

	h.emit(t, h.dialer.last(), Event{Type: EventQR, QR: "code-1"}, func() bool {
		return h.status("a") == instance.StatusPendingQR
	})

	p, ok := s.QR()
	if !ok || p.Image.Value != "data:code-1" {
		t.Fatalf("QR = %+v, %v", p, ok)
	}
	if !p.ExpiresAt.Equal(h.clock.Now().Add(QRValidity)) {
		t.Errorf("expiresAt = %v", p.ExpiresAt)
	}
}

func TestReconcile_NewQRSupersedesOld(t *testing.T) {
	h := newHarness(t, "a")
	s, _ := h.m.GetOrCreateSession(ctx, "a")
	c := h.dialer.last()

	h.emit(t, c, Event{Type: EventQR, QR: "first"}, func() bool { _, ok := s.QR(); return ok })
	h.clock.Advance(QRValidity)
	h.emit(t, c, Event{Type: EventQR, QR: "second"}, func() bool {
		p, _ := s.QR()
		return p.Image.Value == "data:second"
	})

	qr, _ := h.m.GetQRCode("a")
	if qr.Image.ExpiresIn != 120 {
		t.Errorf("expiresIn = %d, want a fresh window", qr.Image.ExpiresIn)
	}
}

func TestReconcile_OpenClearsQRAndMarksReady(t *testing.T) {
	h := newHarness(t, "a")
	s, _ := h.m.GetOrCreateSession(ctx, "a")
	c := h.dialer.last()

	h.emit(t, c, Event{Type: EventQR, QR: "code"}, func() bool { _, ok := s.QR(); return ok })
	h.emit(t, c, Event{Type: EventConnection, Phase: PhaseOpen}, func() bool {
		return h.status("a") == instance.StatusReady
	})

	if _, ok := s.QR(); ok {
		t.Error("QR not cleared after open")
	}
	if _, ok := h.m.GetQRCode("a"); ok {
		t.Error("GetQRCode returned a code after authentication")
	}
	if s.Phase() != PhaseOpen {
		t.Errorf("phase = %q", s.Phase())
	}
}

func TestReconcile_LoggedOutRemovesSessionAndCredentials(t *testing.T) {
	h := newHarness(t, "a")
	s, _ := h.m.GetOrCreateSession(ctx, "a")
	c := h.dialer.last()
	c.logoutErr = ErrNotLoggedIn

	h.emit(t, c, Event{Type: EventConnection, Phase: PhaseOpen}, func() bool { return s.Phase() == PhaseOpen })
	h.emit(t, c, Event{Type: EventConnection, Phase: PhaseClose, Reason: ReasonLoggedOut}, func() bool {
		_, ok := h.m.Session("a")
		return !ok
	})

	if got := h.status("a"); got != instance.StatusDisconnected {
		t.Errorf("status = %q", got)
	}
	if _, err := os.Stat(s.CredentialDir); !os.IsNotExist(err) {
		t.Errorf("credential dir still present: %v", err)
	}
	if !c.isClosed() {
		t.Error("client not closed")
	}
	if _, ok := h.catalog.Get("a"); !ok {
		t.Error("record must survive a logout")
	}
}

func TestReconcile_OtherCloseKeepsCredentials(t *testing.T) {
	h := newHarness(t, "a")
	s, _ := h.m.GetOrCreateSession(ctx, "a")
	c := h.dialer.last()

	h.emit(t, c, Event{Type: EventConnection, Phase: PhaseOpen}, func() bool { return s.Phase() == PhaseOpen })
	h.emit(t, c, Event{Type: EventConnection, Phase: PhaseClose, Reason: ReasonConnectionClosed}, func() bool {
		return h.status("a") == instance.StatusDisconnected
	})

	if got, ok := h.m.Session("a"); !ok || got != s {
		t.Error("session entry should remain until the next reconnect")
	}
	if _, err := os.Stat(s.CredentialDir); err != nil {
		t.Errorf("credentials removed: %v", err)
	}
	if c.isClosed() {
		t.Error("client closed on a recoverable disconnect")
	}
}

func TestReconcile_CredentialsUpdatedSaves(t *testing.T) {
	h := newHarness(t, "a")
	h.m.GetOrCreateSession(ctx, "a")
	c := h.dialer.last()

	h.emit(t, c, Event{Type: EventCredentialsUpdated}, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.saves == 1
	})
}

func TestReconcile_BadQRIsSwallowed(t *testing.T) {
	h := newHarness(t, "a")
	s, _ := h.m.GetOrCreateSession(ctx, "a")
	c := h.dialer.last()

	c.events <- Event{Type: EventQR, QR: ""}
	h.emit(t, c, Event{Type: EventConnection, Phase: PhaseOpen}, func() bool { return s.Phase() == PhaseOpen })

	if _, ok := s.QR(); ok {
		t.Error("unencodable QR stored")
	}
}

func TestReconcile_EventsForDeletedInstanceAreHarmless(t *testing.T) {
	h := newHarness(t, "a")
	s, _ := h.m.GetOrCreateSession(ctx, "a")

	// Drop the record behind the manager's back; the session is still registered.
	if _, err := h.catalog.Delete("a"); err != nil {
		t.Fatal(err)
	}
	h.emit(t, h.dialer.last(), Event{Type: EventConnection, Phase: PhaseOpen}, func() bool { return s.Phase() == PhaseOpen })

	if _, ok := h.catalog.Get("a"); ok {
		t.Error("status update resurrected a deleted record")
	}
}

func TestReconcile_PublishesEvents(t *testing.T) {
	h := newHarness(t, "a")
	s, _ := h.m.GetOrCreateSession(ctx, "a")
	c := h.dialer.last()

	h.emit(t, c, Event{Type: EventQR, QR: "code"}, func() bool { _, ok := s.QR(); return ok })
	h.emit(t, c, Event{Type: EventConnection, Phase: PhaseOpen}, func() bool { return len(h.events.names()) >= 3 })

	want := []string{protocol.EventInstanceStatus, protocol.EventInstanceQR, protocol.EventInstanceStatus}
	got := h.events.names()
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events = %v, want %v", got, want)
		}
	}
}

func TestReconcile_RetiredSessionIgnored(t *testing.T) {
	h := newHarness(t, "a")
	s1, _ := h.m.GetOrCreateSession(ctx, "a")
	c1 := h.dialer.last()
	h.emit(t, c1, Event{Type: EventConnection, Phase: PhaseClose, Reason: ReasonTimedOut}, func() bool { return s1.Phase() == PhaseClose })

	s2, _ := h.m.GetOrCreateSession(ctx, "a")
	c2 := h.dialer.last()
	h.emit(t, c2, Event{Type: EventConnection, Phase: PhaseOpen}, func() bool { return h.status("a") == instance.StatusReady })

	s1.reconcileForTest(h.m, Event{Type: EventConnection, Phase: PhaseClose, Reason: ReasonLoggedOut})

	if got, ok := h.m.Session("a"); !ok || got != s2 {
		t.Fatal("retired session event tore down the replacement")
	}
	if h.status("a") != instance.StatusReady {
		t.Errorf("status = %q", h.status("a"))
	}
}

func (s *Session) reconcileForTest(m *Manager, ev Event) { m.reconcile(s, ev) }

package session

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/wagate/internal/instance"
	"github.com/nextlevelbuilder/wagate/internal/message"
	"github.com/nextlevelbuilder/wagate/pkg/protocol"
)

var ctx = context.Background()

func TestGetOrCreateSession_UnknownInstance(t *testing.T) {
	h := newHarness(t)

	_, err := h.m.GetOrCreateSession(ctx, "ghost")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
	if h.dialer.dialCount("ghost") != 0 {
		t.Error("dialer called for unknown instance")
	}
}

func TestGetOrCreateSession_ReturnsExisting(t *testing.T) {
	h := newHarness(t, "a")

	s1, err := h.m.GetOrCreateSession(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	s2, err := h.m.GetOrCreateSession(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if s1 != s2 {
		t.Error("expected the same session")
	}
	if n := h.dialer.dialCount("a"); n != 1 {
		t.Errorf("dialed %d times, want 1", n)
	}
	if _, err := os.Stat(s1.CredentialDir); err != nil {
		t.Errorf("credential dir missing: %v", err)
	}
}

func TestGetOrCreateSession_ConcurrentCallersShareOneSession(t *testing.T) {
	h := newHarness(t, "a")
	h.dialer.delay = 20 * time.Millisecond

	const n = 10
	var wg sync.WaitGroup
	sessions := make([]*Session, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := h.m.GetOrCreateSession(ctx, "a")
			if err != nil {
				t.Error(err)
				return
			}
			sessions[i] = s
		}(i)
	}
	wg.Wait()

	if got := h.dialer.dialCount("a"); got != 1 {
		t.Fatalf("dialed %d times, want 1", got)
	}
	for i := 1; i < n; i++ {
		if sessions[i] != sessions[0] {
			t.Fatal("callers received different sessions")
		}
	}
}

func TestGetOrCreateSession_ReplacesDeadSession(t *testing.T) {
	h := newHarness(t, "a")

	s1, _ := h.m.GetOrCreateSession(ctx, "a")
	c1 := h.dialer.last()
	h.emit(t, c1, Event{Type: EventConnection, Phase: PhaseClose, Reason: ReasonConnectionClosed},
		func() bool { return s1.Phase() == PhaseClose })

	s2, err := h.m.GetOrCreateSession(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if s2 == s1 {
		t.Fatal("dead session was returned")
	}
	if !c1.isClosed() {
		t.Error("dead client not closed")
	}
	if _, err := os.Stat(s2.CredentialDir); err != nil {
		t.Errorf("credentials should be kept across reconnect: %v", err)
	}
}

func TestGetOrCreateSession_DialFailure(t *testing.T) {
	h := newHarness(t, "a")
	h.dialer.err = errors.New("handshake failed")

	_, err := h.m.GetOrCreateSession(ctx, "a")
	if protocol.CodeOf(err) != protocol.ErrInternal {
		t.Fatalf("expected internal error, got %v", err)
	}
	if _, ok := h.m.Session("a"); ok {
		t.Error("failed dial registered a session")
	}
}

func TestInitializeAll_IsolatesFailures(t *testing.T) {
	h := newHarness(t, "a", "b", "c")
	failing := &selectiveDialer{fakeDialer: h.dialer, fail: map[string]bool{"b": true}}
	h.m.dialer = failing

	h.m.InitializeAll(ctx)

	for _, id := range []string{"a", "c"} {
		if _, ok := h.m.Session(id); !ok {
			t.Errorf("session %s not initialized", id)
		}
	}
	if _, ok := h.m.Session("b"); ok {
		t.Error("failing instance registered a session")
	}
}

type selectiveDialer struct {
	*fakeDialer
	fail map[string]bool
}

func (d *selectiveDialer) Dial(c context.Context, id, dir string) (Client, error) {
	if d.fail[id] {
		return nil, errors.New("boom")
	}
	return d.fakeDialer.Dial(c, id, dir)
}

func TestGetQRCode_ExpiryCountsDownToZero(t *testing.T) {
	h := newHarness(t, "a")
	s, _ := h.m.GetOrCreateSession(ctx, "a")

	if _, ok := h.m.GetQRCode("a"); ok {
		t.Fatal("QR present before issuance")
	}

	h.emit(t, h.dialer.last(), Event{Type: EventQR, QR: "2@ref"}, func() bool {
		_, ok := s.QR()
		return ok
	})

	first, ok := h.m.GetQRCode("a")
	if !ok {
		t.Fatal("QR missing")
	}
	if first.Image.ExpiresIn != 120 || first.Image.Value != "data:2@ref" || first.InstanceID != "a" {
		t.Errorf("unexpected QR: %+v", first)
	}

	h.clock.Advance(1500 * time.Millisecond)
	second, _ := h.m.GetQRCode("a")
	if second.Image.ExpiresIn != 118 {
		t.Errorf("expiresIn = %d, want 118 (floor)", second.Image.ExpiresIn)
	}
	if second.Image.ExpiresIn > first.Image.ExpiresIn {
		t.Error("expiresIn increased")
	}

	h.clock.Advance(10 * time.Minute)
	expired, ok := h.m.GetQRCode("a")
	if !ok {
		t.Fatal("expired QR still readable until superseded")
	}
	if expired.Image.ExpiresIn != 0 {
		t.Errorf("expiresIn = %d, want 0", expired.Image.ExpiresIn)
	}
}

func TestGetQRCode_NoSession(t *testing.T) {
	h := newHarness(t, "a")
	if _, ok := h.m.GetQRCode("a"); ok {
		t.Error("expected no QR without a session")
	}
}

func TestCleanupSession_KeepData(t *testing.T) {
	h := newHarness(t, "a")
	s, _ := h.m.GetOrCreateSession(ctx, "a")
	c := h.dialer.last()
	c.logoutErr = ErrNotLoggedIn

	h.m.CleanupSession(ctx, "a", true)

	if _, ok := h.m.Session("a"); ok {
		t.Error("session still registered")
	}
	if !c.isClosed() {
		t.Error("transport not closed")
	}
	if _, err := os.Stat(s.CredentialDir); err != nil {
		t.Errorf("credentials removed despite keepData: %v", err)
	}
}

func TestCleanupSession_DeletesData(t *testing.T) {
	h := newHarness(t, "a")
	s, _ := h.m.GetOrCreateSession(ctx, "a")
	h.dialer.last().logoutErr = errors.New("network down")

	h.m.CleanupSession(ctx, "a", false)

	if _, err := os.Stat(s.CredentialDir); !os.IsNotExist(err) {
		t.Errorf("credential dir still present: %v", err)
	}
}

func TestSendMessage(t *testing.T) {
	h := newHarness(t, "a")
	s, _ := h.m.GetOrCreateSession(ctx, "a")
	c := h.dialer.last()

	text := json.RawMessage(`{"text":"hello"}`)

	_, err := h.m.SendMessage(ctx, "a", "5511999", "text", text)
	if !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected NotReady before open, got %v", err)
	}
	if c.sentCount() != 0 {
		t.Fatal("send invoked while not ready")
	}

	h.emit(t, c, Event{Type: EventConnection, Phase: PhaseOpen}, func() bool { return s.Phase() == PhaseOpen })

	receipt, err := h.m.SendMessage(ctx, "a", "+5511999", "text", text)
	if err != nil {
		t.Fatal(err)
	}
	if receipt.MessageID != "MSG-1" || receipt.Status != SendStatusQueued || receipt.Timestamp != 1700000000000 {
		t.Errorf("unexpected receipt: %+v", receipt)
	}
	if c.sentTo[0] != "5511999@s.whatsapp.net" {
		t.Errorf("destination = %q", c.sentTo[0])
	}
	if c.sent[0].Type != message.TypeText || c.sent[0].Text != "hello" {
		t.Errorf("content = %+v", c.sent[0])
	}
}

func TestSendMessage_Errors(t *testing.T) {
	h := newHarness(t, "a", "idle")
	s, _ := h.m.GetOrCreateSession(ctx, "a")
	c := h.dialer.last()
	h.emit(t, c, Event{Type: EventConnection, Phase: PhaseOpen}, func() bool { return s.Phase() == PhaseOpen })

	tests := []struct {
		name    string
		id      string
		to      string
		typ     string
		payload string
		code    string
	}{
		{"unknown_type", "a", "1", "unknown", `{}`, protocol.ErrInvalidArgument},
		{"empty_text", "a", "1", "text", `{"text":""}`, protocol.ErrInvalidArgument},
		{"no_destination", "a", " ", "text", `{"text":"x"}`, protocol.ErrInvalidArgument},
		{"unknown_instance", "ghost", "1", "text", `{"text":"x"}`, protocol.ErrNotFound},
		{"no_session", "idle", "1", "text", `{"text":"x"}`, protocol.ErrInstanceNotReady},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.m.SendMessage(ctx, tt.id, tt.to, tt.typ, json.RawMessage(tt.payload))
			if got := protocol.CodeOf(err); got != tt.code {
				t.Errorf("code = %s, want %s (err %v)", got, tt.code, err)
			}
		})
	}
	if c.sentCount() != 0 {
		t.Error("send invoked for invalid requests")
	}

	c.sendErr = errors.New("socket closed")
	_, err := h.m.SendMessage(ctx, "a", "1", "text", json.RawMessage(`{"text":"x"}`))
	if protocol.CodeOf(err) != protocol.ErrInternal {
		t.Errorf("send failure code = %s", protocol.CodeOf(err))
	}
}

func TestCreateInstance_StartsSession(t *testing.T) {
	h := newHarness(t)

	rec, err := h.m.CreateInstance(ctx, "new", map[string]any{"k": "v"})
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != instance.StatusPendingQR {
		t.Errorf("status = %q", rec.Status)
	}
	if _, ok := h.m.Session("new"); !ok {
		t.Error("session not started")
	}

	if _, err := h.m.CreateInstance(ctx, "new", nil); !errors.Is(err, instance.ErrAlreadyExists) {
		t.Errorf("expected AlreadyExists, got %v", err)
	}
}

func TestCreateInstance_SessionFailureStillCreates(t *testing.T) {
	h := newHarness(t)
	h.dialer.err = errors.New("offline")

	rec, err := h.m.CreateInstance(ctx, "x", nil)
	if err != nil {
		t.Fatalf("create should succeed: %v", err)
	}
	if _, ok := h.catalog.Get(rec.ID); !ok {
		t.Error("record missing")
	}
}

func TestDeleteInstance(t *testing.T) {
	h := newHarness(t, "a")
	s, _ := h.m.GetOrCreateSession(ctx, "a")
	c := h.dialer.last()

	existed, err := h.m.DeleteInstance(ctx, "a")
	if err != nil || !existed {
		t.Fatalf("DeleteInstance = %v, %v", existed, err)
	}
	if _, ok := h.catalog.Get("a"); ok {
		t.Error("record still present")
	}
	if _, ok := h.m.Session("a"); ok {
		t.Error("session still registered")
	}
	if !c.isClosed() || c.logouts != 1 {
		t.Errorf("closed=%v logouts=%d", c.isClosed(), c.logouts)
	}
	if _, err := os.Stat(s.CredentialDir); !os.IsNotExist(err) {
		t.Error("credential dir not removed")
	}

	existed, err = h.m.DeleteInstance(ctx, "a")
	if err != nil || existed {
		t.Fatalf("second DeleteInstance = %v, %v", existed, err)
	}
	names := h.events.names()
	if len(names) == 0 || names[len(names)-1] != protocol.EventInstanceDeleted {
		t.Errorf("events = %v", names)
	}
}

func TestUpdateStatus_PublishesEvent(t *testing.T) {
	h := newHarness(t, "a")

	if _, err := h.m.UpdateStatus("a", instance.Status("weird")); !errors.Is(err, instance.ErrInvalidArgument) {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}
	if len(h.events.names()) != 0 {
		t.Fatal("event published for rejected status")
	}

	if _, err := h.m.UpdateStatus("a", instance.StatusReady); err != nil {
		t.Fatal(err)
	}
	if names := h.events.names(); len(names) != 1 || names[0] != protocol.EventInstanceStatus {
		t.Errorf("events = %v", names)
	}
}

func TestShutdown_ClosesWithoutLogout(t *testing.T) {
	h := newHarness(t, "a", "b")
	h.m.InitializeAll(ctx)

	shutdownCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	h.m.Shutdown(shutdownCtx)

	if h.m.SessionCount() != 0 {
		t.Errorf("sessions left: %d", h.m.SessionCount())
	}
	for _, c := range h.dialer.clients {
		if !c.isClosed() || c.logouts != 0 {
			t.Errorf("closed=%v logouts=%d", c.isClosed(), c.logouts)
		}
	}
}

func TestNormalizeDestination(t *testing.T) {
	tests := map[string]string{
		"5511999":                "5511999@s.whatsapp.net",
		"+5511999":               "5511999@s.whatsapp.net",
		" 5511999 ":              "5511999@s.whatsapp.net",
		"1203630@g.us":           "1203630@g.us",
		"5511999@s.whatsapp.net": "5511999@s.whatsapp.net",
	}
	for in, want := range tests {
		if got := NormalizeDestination(in); got != want {
			t.Errorf("NormalizeDestination(%q) = %q, want %q", in, got, want)
		}
	}
}

type blockingDialer struct{}

func (blockingDialer) Dial(ctx context.Context, _, _ string) (Client, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestGetOrCreateSession_DialTimeout(t *testing.T) {
	dir := t.TempDir()
	cat := instance.NewCatalog(filepath.Join(dir, "instances.json"))
	if err := cat.Load(); err != nil {
		t.Fatal(err)
	}
	if _, err := cat.Create("a", nil); err != nil {
		t.Fatal(err)
	}
	m := NewManager(cat, blockingDialer{}, fakeEncoder{}, filepath.Join(dir, "sessions"),
		WithDialTimeout(20*time.Millisecond))

	_, err := m.GetOrCreateSession(ctx, "a")
	if !errors.Is(err, context.DeadlineExceeded) || protocol.CodeOf(err) != protocol.ErrInternal {
		t.Fatalf("err = %v", err)
	}
	if m.SessionCount() != 0 {
		t.Error("failed dial registered a session")
	}
}

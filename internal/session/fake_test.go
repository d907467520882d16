package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/wagate/internal/instance"
	"github.com/nextlevelbuilder/wagate/internal/message"
	"github.com/nextlevelbuilder/wagate/internal/qr"
)

type fakeClient struct {
	events chan Event

	mu        sync.Mutex
	closed    bool
	sent      []message.Content
	sentTo    []string
	saves     int
	logouts   int
	logoutErr error
	sendErr   error
}

func newFakeClient() *fakeClient {
	return &fakeClient{events: make(chan Event, 16)}
}

func (c *fakeClient) Events() <-chan Event { return c.events }

func (c *fakeClient) Send(_ context.Context, to string, content message.Content) (SendResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return SendResult{}, c.sendErr
	}
	c.sent = append(c.sent, content)
	c.sentTo = append(c.sentTo, to)
	return SendResult{ID: "MSG-1", Timestamp: time.UnixMilli(1700000000000)}, nil
}

func (c *fakeClient) SaveCredentials(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.saves++
	return nil
}

func (c *fakeClient) Logout(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logouts++
	return c.logoutErr
}

func (c *fakeClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.events)
	}
	return nil
}

func (c *fakeClient) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeClient) sentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

type fakeDialer struct {
	mu      sync.Mutex
	clients []*fakeClient
	dials   map[string]int
	err     error
	delay   time.Duration
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{dials: make(map[string]int)}
}

func (d *fakeDialer) Dial(_ context.Context, id, dir string) (Client, error) {
	if d.delay > 0 {
		time.Sleep(d.delay)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials[id]++
	if d.err != nil {
		return nil, d.err
	}
	// Simulate the client writing its credential store.
	if err := os.WriteFile(filepath.Join(dir, "store.db"), []byte("creds"), 0600); err != nil {
		return nil, err
	}
	c := newFakeClient()
	d.clients = append(d.clients, c)
	return c, nil
}

func (d *fakeDialer) dialCount(id string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials[id]
}

func (d *fakeDialer) last() *fakeClient {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.clients[len(d.clients)-1]
}

type fakeEncoder struct{}

func (fakeEncoder) Encode(text string) (qr.Image, error) {
	if text == "" {
		return qr.Image{}, errors.New("empty")
	}
	return qr.Image{Type: qr.ImageTypePNG, Value: "data:" + text}, nil
}

type recordedEvent struct {
	name    string
	payload interface{}
}

type fakePublisher struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (p *fakePublisher) Publish(name string, payload interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, recordedEvent{name, payload})
}

func (p *fakePublisher) names() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, e := range p.events {
		out[i] = e.name
	}
	return out
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type harness struct {
	m       *Manager
	catalog *instance.Catalog
	dialer  *fakeDialer
	clock   *clock
	events  *fakePublisher
}

func newHarness(t *testing.T, ids ...string) *harness {
	t.Helper()
	dir := t.TempDir()
	cat := instance.NewCatalog(filepath.Join(dir, "instances.json"))
	if err := cat.Load(); err != nil {
		t.Fatal(err)
	}
	for _, id := range ids {
		if _, err := cat.Create(id, nil); err != nil {
			t.Fatal(err)
		}
	}
	h := &harness{
		catalog: cat,
		dialer:  newFakeDialer(),
		clock:   &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		events:  &fakePublisher{},
	}
	h.m = NewManager(cat, h.dialer, fakeEncoder{}, filepath.Join(dir, "sessions"),
		WithClock(h.clock.Now), WithEvents(h.events))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		h.m.Shutdown(ctx)
	})
	return h
}

// emit delivers ev to the client of s and waits until the reconcile loop has
// applied it.
func (h *harness) emit(t *testing.T, c *fakeClient, ev Event, applied func() bool) {
	t.Helper()
	c.events <- ev
	waitFor(t, applied)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within 2s")
}

func (h *harness) status(id string) instance.Status {
	rec, _ := h.catalog.Get(id)
	return rec.Status
}

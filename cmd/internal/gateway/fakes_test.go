package gateway

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"wagate/cmd/internal/sessionstore"
)

type sentMessage struct {
	Address string
	Payload Payload
}

type fakeTransport struct {
	mu        sync.Mutex
	listeners map[int]chan Event
	nextID    int
	listens   int

	opened    bool
	closed    bool
	loggedOut bool
	openErr   error
	presence  []bool

	sendFn func(ctx context.Context, addr string, p Payload) error
	sent   []sentMessage
	lookup map[string]string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		listeners: make(map[int]chan Event),
		lookup:    make(map[string]string),
	}
}

func (f *fakeTransport) Open(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened = true
	return f.openErr
}

func (f *fakeTransport) Listen() (<-chan Event, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()

	id := f.nextID
	f.nextID++
	f.listens++
	ch := make(chan Event, 64)
	f.listeners[id] = ch

	return ch, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if c, ok := f.listeners[id]; ok {
			delete(f.listeners, id)
			close(c)
		}
	}
}

func (f *fakeTransport) emit(ev Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.listeners {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (f *fakeTransport) emitPairing(code string) {
	f.emit(Event{Kind: EventPairingCode, PairingCode: code})
}

func (f *fakeTransport) emitOpen(self string) {
	f.emit(Event{Kind: EventConnection, Connection: ConnectionUpdate{Status: ConnOpen, SelfAddress: self}})
}

func (f *fakeTransport) emitClose(reason CloseReason) {
	f.emit(Event{Kind: EventConnection, Connection: ConnectionUpdate{Status: ConnClosed, Reason: reason}})
}

func (f *fakeTransport) emitMessage(msg *InboundMessage) {
	f.emit(Event{Kind: EventMessage, Message: msg})
}

func (f *fakeTransport) Send(ctx context.Context, addr string, p Payload) error {
	f.mu.Lock()
	fn := f.sendFn
	f.mu.Unlock()

	if fn != nil {
		if err := fn(ctx, addr, p); err != nil {
			return err
		}
	}

	f.mu.Lock()
	f.sent = append(f.sent, sentMessage{Address: addr, Payload: p})
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Lookup(_ context.Context, candidate string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	addr, ok := f.lookup[candidate]
	return addr, ok, nil
}

func (f *fakeTransport) SetPresence(_ context.Context, available bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.presence = append(f.presence, available)
	return nil
}

func (f *fakeTransport) Logout(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loggedOut = true
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	for id, ch := range f.listeners {
		delete(f.listeners, id)
		close(ch)
	}
	return nil
}

// dropListeners closes every listener without emitting a close event.
func (f *fakeTransport) dropListeners() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, ch := range f.listeners {
		delete(f.listeners, id)
		close(ch)
	}
}

func (f *fakeTransport) state() (opened, closed, loggedOut bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opened, f.closed, f.loggedOut
}

func (f *fakeTransport) sentMessages() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.sent...)
}

func (f *fakeTransport) listenCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listens
}

func (f *fakeTransport) listenerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.listeners)
}

type fakeDialer struct {
	mu         sync.Mutex
	transports []*fakeTransport
	creds      [][]byte
	err        error
	configure  func(*fakeTransport)
}

func (d *fakeDialer) Dial(_ context.Context, _ string, creds []byte) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.creds = append(d.creds, creds)
	if d.err != nil {
		return nil, d.err
	}
	t := newFakeTransport()
	if d.configure != nil {
		d.configure(t)
	}
	d.transports = append(d.transports, t)
	return t, nil
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.transports)
}

func (d *fakeDialer) attempts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.creds)
}

func (d *fakeDialer) last() *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.transports) == 0 {
		return nil
	}
	return d.transports[len(d.transports)-1]
}

func (d *fakeDialer) fail(err error) {
	d.mu.Lock()
	d.err = err
	d.mu.Unlock()
}

type memCreds struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func newMemCreds() *memCreds {
	return &memCreds{blobs: make(map[string][]byte)}
}

func (m *memCreds) Load(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.blobs[key], nil
}

func (m *memCreds) Save(_ context.Context, key string, blob []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[key] = append([]byte(nil), blob...)
	return nil
}

func (m *memCreds) Purge(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blobs, key)
	return nil
}

func (m *memCreds) List(context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.blobs))
	for k := range m.blobs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *memCreds) has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.blobs[key]
	return ok
}

type recordingSink struct {
	mu     sync.Mutex
	events []InboundEvent
}

func (s *recordingSink) Deliver(_ context.Context, ev InboundEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) all() []InboundEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]InboundEvent(nil), s.events...)
}

type recordingNotifier struct {
	mu     sync.Mutex
	states []State
}

func (n *recordingNotifier) SessionChanged(snap Snapshot, _ *PairingArtifact) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.states = append(n.states, snap.State)
}

func (n *recordingNotifier) seen() []State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]State(nil), n.states...)
}

type harness struct {
	mgr      *Manager
	dialer   *fakeDialer
	creds    *memCreds
	records  *sessionstore.InMemoryStore
	sink     *recordingSink
	notifier *recordingNotifier
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ReconnectDelay = 10 * time.Millisecond
	cfg.ReconnectMaxDelay = 20 * time.Millisecond
	cfg.SendTimeout = 200 * time.Millisecond
	cfg.SendRate = 0
	return cfg
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()

	h := &harness{
		dialer:   &fakeDialer{},
		creds:    newMemCreds(),
		records:  sessionstore.NewInMemoryStore(),
		sink:     &recordingSink{},
		notifier: &recordingNotifier{},
	}
	mgr, err := NewManager(cfg, Deps{
		Dialer:      h.dialer,
		Credentials: h.creds,
		Records:     h.records,
		Sink:        h.sink,
		Notifier:    h.notifier,
		Logger:      discardLogger(),
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	h.mgr = mgr

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = mgr.Shutdown(ctx)
	})
	return h
}

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func (h *harness) stateOf(tenantID int64, name string) State {
	snap, _ := h.mgr.State(tenantID, name)
	return snap.State
}

// connect starts a session and drives it to Connected, returning its transport.
func (h *harness) connect(t *testing.T, tenantID int64, name, self string) *fakeTransport {
	t.Helper()

	if _, err := h.mgr.StartSession(context.Background(), tenantID, name, false); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	tr := h.waitTransport(t, 1)
	tr.emitOpen(self)
	h.waitState(t, tenantID, name, StateConnected)
	return tr
}

func (h *harness) waitTransport(t *testing.T, n int) *fakeTransport {
	t.Helper()
	deadline := time.Now().Add(waitFor)
	for time.Now().Before(deadline) {
		if h.dialer.count() >= n {
			tr := h.dialer.last()
			if tr.listenerCount() > 0 {
				return tr
			}
		}
		time.Sleep(tick)
	}
	t.Fatalf("transport #%d was never dialed and attached", n)
	return nil
}

func (h *harness) waitState(t *testing.T, tenantID int64, name string, want State) {
	t.Helper()
	deadline := time.Now().Add(waitFor)
	for time.Now().Before(deadline) {
		if h.stateOf(tenantID, name) == want {
			return
		}
		time.Sleep(tick)
	}
	t.Fatalf("state: got %q want %q", h.stateOf(tenantID, name), want)
}

var errNetwork = errors.New("network unreachable")

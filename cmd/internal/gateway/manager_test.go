package gateway

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"wagate/cmd/internal/sessionstore"
)

func TestStartSession_PairThenConnect(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()

	snap, err := h.mgr.StartSession(ctx, 42, "ventas", false)
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if snap.Key != "42_ventas" || snap.State != StateInitializing {
		t.Fatalf("snapshot: got %+v", snap)
	}

	tr := h.waitTransport(t, 1)
	tr.emitPairing("2@abcdef,xyz")
	h.waitState(t, 42, "ventas", StateAwaitingScan)

	art, ok := h.mgr.PairingArtifact(42, "ventas")
	if !ok {
		t.Fatalf("expected pairing artifact")
	}
	if art.Code != "2@abcdef,xyz" || !strings.HasPrefix(art.Rendered, "data:image/png;base64,") {
		t.Fatalf("artifact: got code=%q rendered=%.30q", art.Code, art.Rendered)
	}
	require.Eventually(t, func() bool {
		rec, err := h.records.Get(ctx, 42, "ventas")
		return err == nil && rec.PairingCode != nil && !rec.Connected
	}, waitFor, tick)

	tr.emitOpen("5215512345678:3@s.whatsapp.net")
	h.waitState(t, 42, "ventas", StateConnected)

	if _, ok := h.mgr.PairingArtifact(42, "ventas"); ok {
		t.Fatalf("pairing artifact must be cleared once connected")
	}
	require.Eventually(t, func() bool {
		rec, err := h.records.Get(ctx, 42, "ventas")
		return err == nil && rec.Connected && rec.PairingCode == nil &&
			rec.Number != nil && *rec.Number == "5215512345678" && rec.LastConnection != nil
	}, waitFor, tick)

	snap, _ = h.mgr.State(42, "ventas")
	if snap.ReconnectAttempts != 0 || snap.SelfAddress == "" {
		t.Fatalf("connected snapshot: got %+v", snap)
	}

	require.Eventually(t, func() bool {
		seen := h.notifier.seen()
		return len(seen) >= 3 && seen[len(seen)-1] == StateConnected
	}, waitFor, tick)
}

func TestStartSession_IsIdempotent(t *testing.T) {
	h := newHarness(t, testConfig())
	h.connect(t, 42, "ventas", "5215512345678@s.whatsapp.net")

	snap, err := h.mgr.StartSession(context.Background(), 42, "ventas", false)
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if snap.State != StateConnected {
		t.Fatalf("state: got %q", snap.State)
	}
	if h.dialer.count() != 1 {
		t.Fatalf("dials: got %d want 1", h.dialer.count())
	}
}

func TestStartSession_ConcurrentCallsShareOneSession(t *testing.T) {
	h := newHarness(t, testConfig())

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = h.mgr.StartSession(context.Background(), 7, "soporte", false)
		}()
	}
	wg.Wait()

	h.waitTransport(t, 1)
	time.Sleep(20 * time.Millisecond)

	if h.dialer.count() != 1 {
		t.Fatalf("dials: got %d want 1", h.dialer.count())
	}
	if len(h.mgr.Sessions()) != 1 {
		t.Fatalf("sessions: got %d want 1", len(h.mgr.Sessions()))
	}
}

func TestStartSession_ForceNewReplacesTransport(t *testing.T) {
	h := newHarness(t, testConfig())
	first := h.connect(t, 42, "ventas", "5215512345678@s.whatsapp.net")

	snap, err := h.mgr.StartSession(context.Background(), 42, "ventas", true)
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if snap.State != StateInitializing {
		t.Fatalf("state: got %q want initializing", snap.State)
	}

	second := h.waitTransport(t, 2)
	if second == first {
		t.Fatalf("expected a fresh transport")
	}
	_, closed, loggedOut := first.state()
	if !closed || loggedOut {
		t.Fatalf("old transport: closed=%v loggedOut=%v", closed, loggedOut)
	}
}

func TestStartSession_RejectsInvalidInput(t *testing.T) {
	h := newHarness(t, testConfig())

	cases := []struct {
		tenant int64
		name   string
	}{
		{0, "ventas"},
		{-1, "ventas"},
		{42, ""},
		{42, "   "},
	}
	for _, tc := range cases {
		if _, err := h.mgr.StartSession(context.Background(), tc.tenant, tc.name, false); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("StartSession(%d, %q): got %v", tc.tenant, tc.name, err)
		}
	}
}

func TestReconnect_TransientCloseReopens(t *testing.T) {
	h := newHarness(t, testConfig())
	first := h.connect(t, 42, "ventas", "5215512345678@s.whatsapp.net")

	first.emitClose(CloseConnectionLost)

	second := h.waitTransport(t, 2)
	second.emitOpen("5215512345678@s.whatsapp.net")
	h.waitState(t, 42, "ventas", StateConnected)

	snap, _ := h.mgr.State(42, "ventas")
	if snap.ReconnectAttempts != 0 {
		t.Fatalf("attempts after reconnect: got %d want 0", snap.ReconnectAttempts)
	}

	seen := h.notifier.seen()
	var sawReconnecting bool
	for _, s := range seen {
		if s == StateReconnecting {
			sawReconnecting = true
		}
	}
	if !sawReconnecting {
		t.Fatalf("expected a reconnecting transition, got %v", seen)
	}
}

func TestReconnect_SilentlyEndedEventStreamReopens(t *testing.T) {
	h := newHarness(t, testConfig())
	first := h.connect(t, 42, "ventas", "5215512345678@s.whatsapp.net")

	first.dropListeners()

	second := h.waitTransport(t, 2)
	_, closed, _ := first.state()
	require.True(t, closed, "the transport behind the ended stream must be closed")

	second.emitOpen("5215512345678@s.whatsapp.net")
	h.waitState(t, 42, "ventas", StateConnected)
}

func TestReconnect_CapParksDisconnected(t *testing.T) {
	cfg := testConfig()
	cfg.MaxReconnectAttempts = 2
	h := newHarness(t, cfg)

	tr := h.connect(t, 42, "ventas", "5215512345678@s.whatsapp.net")
	h.dialer.fail(errNetwork)
	tr.emitClose(CloseConnectionLost)

	h.waitState(t, 42, "ventas", StateDisconnected)
	require.Eventually(t, func() bool {
		snap, ok := h.mgr.State(42, "ventas")
		return ok && snap.State == StateDisconnected && snap.ReconnectAttempts == 2
	}, waitFor, tick)

	dials := h.dialer.attempts()
	time.Sleep(60 * time.Millisecond)
	if h.dialer.attempts() != dials {
		t.Fatalf("reconnects continued after the cap: %d -> %d", dials, h.dialer.attempts())
	}
	if dials != 3 {
		t.Fatalf("dial attempts: got %d want 3 (initial + 2 retries)", dials)
	}

	h.dialer.fail(nil)
	snap, err := h.mgr.StartSession(context.Background(), 42, "ventas", false)
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if snap.State != StateInitializing || snap.ReconnectAttempts != 0 {
		t.Fatalf("restart snapshot: got %+v", snap)
	}
	h.waitTransport(t, 2).emitOpen("5215512345678@s.whatsapp.net")
	h.waitState(t, 42, "ventas", StateConnected)
}

func TestLoggedOut_PurgesSession(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()

	tr := h.connect(t, 42, "ventas", "5215512345678@s.whatsapp.net")
	tr.emit(Event{Kind: EventCredentials, Credentials: []byte(`{"me":"x"}`)})
	require.Eventually(t, func() bool { return h.creds.has("42_ventas") }, waitFor, tick)

	tr.emitClose(CloseLoggedOut)

	require.Eventually(t, func() bool {
		_, ok := h.mgr.State(42, "ventas")
		return !ok
	}, waitFor, tick)

	if h.creds.has("42_ventas") {
		t.Fatalf("credentials must be purged on logout")
	}
	rec, err := h.records.Get(ctx, 42, "ventas")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Connected || rec.Number != nil || rec.PairingCode != nil {
		t.Fatalf("record after logout: %+v", rec)
	}
	if h.dialer.count() != 1 {
		t.Fatalf("logged-out session must not reconnect")
	}

	seen := h.notifier.seen()
	if seen[len(seen)-1] != StateLoggedOut {
		t.Fatalf("last notified state: got %q", seen[len(seen)-1])
	}
}

func TestCloseSession_LogsOutLiveSession(t *testing.T) {
	h := newHarness(t, testConfig())
	tr := h.connect(t, 42, "ventas", "5215512345678@s.whatsapp.net")
	_ = h.creds.Save(context.Background(), "42_ventas", []byte("blob"))

	if err := h.mgr.CloseSession(context.Background(), 42, "ventas"); err != nil {
		t.Fatalf("CloseSession: %v", err)
	}

	_, closed, loggedOut := tr.state()
	if !closed || !loggedOut {
		t.Fatalf("transport: closed=%v loggedOut=%v", closed, loggedOut)
	}
	if _, ok := h.mgr.State(42, "ventas"); ok {
		t.Fatalf("session must be removed from the registry")
	}
	if h.creds.has("42_ventas") {
		t.Fatalf("credentials must be purged")
	}
	rec, err := h.records.Get(context.Background(), 42, "ventas")
	if err != nil || rec.Connected {
		t.Fatalf("record: %+v err=%v", rec, err)
	}
}

func TestCloseSession_UnknownSessionPurgesStoredMaterial(t *testing.T) {
	h := newHarness(t, testConfig())
	_ = h.creds.Save(context.Background(), "9_marketing", []byte("blob"))

	if err := h.mgr.CloseSession(context.Background(), 9, "marketing"); err != nil {
		t.Fatalf("CloseSession: %v", err)
	}
	if h.creds.has("9_marketing") {
		t.Fatalf("credentials must be purged")
	}
	rec, err := h.records.Get(context.Background(), 9, "marketing")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Connected {
		t.Fatalf("record must be disconnected")
	}
}

func TestStateByKey_UnknownSession(t *testing.T) {
	h := newHarness(t, testConfig())

	snap, ok := h.mgr.StateByKey("1_nope")
	if ok {
		t.Fatalf("expected unknown session")
	}
	if snap.State != StateLoggedOut {
		t.Fatalf("state: got %q", snap.State)
	}
}

func TestReloadPersisted_StartsStoredSessions(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()
	for _, key := range []string{"42_ventas", "7_soporte", "garbage", "0_zero"} {
		_ = h.creds.Save(ctx, key, []byte("blob"))
	}

	n, err := h.mgr.ReloadPersisted(ctx)
	if err != nil {
		t.Fatalf("ReloadPersisted: %v", err)
	}
	if n != 2 {
		t.Fatalf("started: got %d want 2", n)
	}

	require.Eventually(t, func() bool { return h.dialer.count() == 2 }, waitFor, tick)

	h.dialer.mu.Lock()
	defer h.dialer.mu.Unlock()
	for _, c := range h.dialer.creds {
		if string(c) != "blob" {
			t.Fatalf("dial credentials: got %q", c)
		}
	}
}

func TestShutdown_KeepsCredentials(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()

	tr := h.connect(t, 42, "ventas", "5215512345678@s.whatsapp.net")
	_ = h.creds.Save(ctx, "42_ventas", []byte("blob"))

	sctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := h.mgr.Shutdown(sctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	_, closed, loggedOut := tr.state()
	if !closed || loggedOut {
		t.Fatalf("transport: closed=%v loggedOut=%v", closed, loggedOut)
	}
	if !h.creds.has("42_ventas") {
		t.Fatalf("shutdown must not purge credentials")
	}
	rec, err := h.records.Get(ctx, 42, "ventas")
	if err != nil || rec.Connected {
		t.Fatalf("record: %+v err=%v", rec, err)
	}
	if _, err := h.mgr.StartSession(ctx, 42, "ventas", false); err == nil {
		t.Fatalf("expected StartSession to fail after shutdown")
	}
}

func TestInbound_ForwardsResolvedSender(t *testing.T) {
	h := newHarness(t, testConfig())
	tr := h.connect(t, 42, "ventas", "5215500000000@s.whatsapp.net")

	tr.mu.Lock()
	tr.lookup["+99887766"] = "5215512345678@s.whatsapp.net"
	tr.mu.Unlock()

	now := time.Now().Add(time.Second)
	tr.emitMessage(&InboundMessage{
		ID:          "MSG1",
		ChatAddress: "99887766@lid",
		PushName:    "Ana",
		Timestamp:   now,
		Content:     &MessageContent{Kind: ContentText, Text: "hola"},
	})

	require.Eventually(t, func() bool { return len(h.sink.all()) == 1 }, waitFor, tick)

	ev := h.sink.all()[0]
	if ev.OriginAddress != "5215512345678" || !ev.Resolved || ev.OriginalAddress != "99887766@lid" {
		t.Fatalf("event: %+v", ev)
	}
	if ev.TenantID != 42 || ev.SessionName != "ventas" || ev.Text != "hola" || ev.PushName != "Ana" {
		t.Fatalf("event: %+v", ev)
	}
	if got := h.mgr.Resolve("42_ventas", "99887766@lid"); got != "5215512345678@s.whatsapp.net" {
		t.Fatalf("Resolve: got %q", got)
	}
}

func TestInbound_DropsFilteredMessages(t *testing.T) {
	h := newHarness(t, testConfig())
	tr := h.connect(t, 42, "ventas", "5215500000000@s.whatsapp.net")

	future := time.Now().Add(time.Second)
	text := &MessageContent{Kind: ContentText, Text: "x"}

	tr.emitMessage(&InboundMessage{ID: "own", ChatAddress: "5215512345678@s.whatsapp.net", FromMe: true, Timestamp: future, Content: text})
	tr.emitMessage(&InboundMessage{ID: "grp", ChatAddress: "12036302@g.us", Timestamp: future, Content: text})
	tr.emitMessage(&InboundMessage{ID: "sts", ChatAddress: "status@broadcast", Timestamp: future, Content: text})
	tr.emitMessage(&InboundMessage{ID: "old", ChatAddress: "5215512345678@s.whatsapp.net", Timestamp: time.Now().Add(-time.Hour), Content: text})
	tr.emitMessage(&InboundMessage{ID: "ok", ChatAddress: "5215512345678@s.whatsapp.net", Timestamp: future, Content: text})

	require.Eventually(t, func() bool { return len(h.sink.all()) == 1 }, waitFor, tick)
	time.Sleep(20 * time.Millisecond)

	got := h.sink.all()
	if len(got) != 1 || got[0].MessageID != "ok" {
		t.Fatalf("forwarded: %+v", got)
	}
}

func TestConnect_SetsPresenceUnavailable(t *testing.T) {
	h := newHarness(t, testConfig())
	tr := h.connect(t, 42, "ventas", "5215512345678@s.whatsapp.net")

	require.Eventually(t, func() bool {
		tr.mu.Lock()
		defer tr.mu.Unlock()
		return len(tr.presence) == 1 && !tr.presence[0]
	}, waitFor, tick)
}

func TestManager_RecordStoreDefaultsToMemory(t *testing.T) {
	mgr, err := NewManager(Config{}, Deps{Dialer: &fakeDialer{}, Credentials: newMemCreds()})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if _, ok := mgr.records.(*sessionstore.InMemoryStore); !ok {
		t.Fatalf("records: got %T", mgr.records)
	}
	if mgr.cfg.SendTimeout != 10*time.Second || mgr.cfg.MaxReconnectAttempts != 5 {
		t.Fatalf("cfg: %+v", mgr.cfg)
	}
}

func TestNewManager_RequiresDialerAndCredentials(t *testing.T) {
	if _, err := NewManager(Config{}, Deps{Credentials: newMemCreds()}); err == nil {
		t.Fatalf("expected error without dialer")
	}
	if _, err := NewManager(Config{}, Deps{Dialer: &fakeDialer{}}); err == nil {
		t.Fatalf("expected error without credential store")
	}
}

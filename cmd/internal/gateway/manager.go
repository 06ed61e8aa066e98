package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"wagate/cmd/internal/metrics"
	"wagate/cmd/internal/sessionstore"
)

// Config tunes session lifecycle, delivery and healing.
type Config struct {
	SendTimeout    time.Duration
	LookupTimeout  time.Duration
	OpenTimeout    time.Duration
	PersistTimeout time.Duration
	ForwardTimeout time.Duration

	ReconnectDelay       time.Duration
	ReconnectMaxDelay    time.Duration
	MaxReconnectAttempts int

	WatchdogInterval time.Duration
	WatchdogLow      time.Duration
	WatchdogHigh     time.Duration

	// SendRate is the per-session outbound rate in messages/second; 0 disables limiting.
	SendRate  float64
	SendBurst int

	ReloadConcurrency int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		SendTimeout:          10 * time.Second,
		LookupTimeout:        5 * time.Second,
		OpenTimeout:          30 * time.Second,
		PersistTimeout:       5 * time.Second,
		ForwardTimeout:       15 * time.Second,
		ReconnectDelay:       5 * time.Second,
		ReconnectMaxDelay:    60 * time.Second,
		MaxReconnectAttempts: 5,
		WatchdogInterval:     30 * time.Second,
		WatchdogLow:          60 * time.Second,
		WatchdogHigh:         5 * time.Minute,
		SendRate:             5,
		SendBurst:            10,
		ReloadConcurrency:    4,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.SendTimeout <= 0 {
		c.SendTimeout = d.SendTimeout
	}
	if c.LookupTimeout <= 0 {
		c.LookupTimeout = d.LookupTimeout
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = d.OpenTimeout
	}
	if c.PersistTimeout <= 0 {
		c.PersistTimeout = d.PersistTimeout
	}
	if c.ForwardTimeout <= 0 {
		c.ForwardTimeout = d.ForwardTimeout
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = d.ReconnectDelay
	}
	if c.ReconnectMaxDelay < c.ReconnectDelay {
		c.ReconnectMaxDelay = c.ReconnectDelay
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = d.MaxReconnectAttempts
	}
	if c.WatchdogInterval <= 0 {
		c.WatchdogInterval = d.WatchdogInterval
	}
	if c.WatchdogLow <= 0 {
		c.WatchdogLow = d.WatchdogLow
	}
	if c.WatchdogHigh <= c.WatchdogLow {
		c.WatchdogHigh = c.WatchdogLow * 5
	}
	if c.SendRate < 0 {
		c.SendRate = 0
	}
	if c.SendRate > 0 && c.SendBurst <= 0 {
		c.SendBurst = 1
	}
	if c.ReloadConcurrency <= 0 {
		c.ReloadConcurrency = d.ReloadConcurrency
	}
	return c
}

// Deps are the collaborators a Manager drives.
type Deps struct {
	Dialer      Dialer
	Credentials CredentialStore
	Records     RecordStore
	Sink        EventSink
	Notifier    Notifier
	Renderer    Renderer
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
}

// Manager is the session orchestrator: it owns the registry and every session controller.
type Manager struct {
	cfg       Config
	log       *slog.Logger
	dialer    Dialer
	creds     CredentialStore
	records   RecordStore
	renderer  Renderer
	notifier  Notifier
	metrics   *metrics.Metrics
	forwarder *Forwarder
	pairing   *PairingCache
	registry  *Registry
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
}

// NewManager validates deps and constructs a Manager.
// Records defaults to an in-memory store; Renderer defaults to QR PNG data URLs.
func NewManager(cfg Config, deps Deps) (*Manager, error) {
	if deps.Dialer == nil {
		return nil, errors.New("gateway: dialer is required")
	}
	if deps.Credentials == nil {
		return nil, errors.New("gateway: credential store is required")
	}

	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	records := deps.Records
	if records == nil {
		records = sessionstore.NewInMemoryStore()
	}
	renderer := deps.Renderer
	if renderer == nil {
		renderer = QRRenderer{}
	}
	notifier := deps.Notifier
	if notifier == nil {
		notifier = nopNotifier{}
	}

	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	return &Manager{
		cfg:       cfg,
		log:       log,
		dialer:    deps.Dialer,
		creds:     deps.Credentials,
		records:   records,
		renderer:  renderer,
		notifier:  notifier,
		metrics:   deps.Metrics,
		forwarder: NewForwarder(log, deps.Sink, deps.Metrics, cfg.ForwardTimeout),
		pairing:   NewPairingCache(),
		registry:  NewRegistry(),
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// StartSession creates or resumes a tenant session and returns its state.
//
// An existing live session is returned as-is unless forceNew is set or it is parked in
// Disconnected after exhausting reconnects; both restart it with a fresh transport.
func (m *Manager) StartSession(ctx context.Context, tenantID int64, sessionName string, forceNew bool) (Snapshot, error) {
	if err := validateSession(tenantID, sessionName); err != nil {
		return Snapshot{}, err
	}
	if err := m.ctx.Err(); err != nil {
		return Snapshot{}, fmt.Errorf("gateway: manager is shut down: %w", err)
	}

	if err := m.records.Ensure(ctx, tenantID, sessionName); err != nil {
		return Snapshot{}, fmt.Errorf("ensure session record: %w", err)
	}

	key := Key(tenantID, sessionName)

	// A controller may be mid-termination; one retry observes the registry after its removal.
	for range 2 {
		c, created := m.registry.GetOrCreate(key, func() *Controller {
			return newController(m, tenantID, sessionName)
		})
		if created {
			c.begin()
			m.log.Info("session.start", "session_key", key, "tenant_id", tenantID)
			return c.Snapshot(), nil
		}

		snap := c.Snapshot()
		if snap.State == StateLoggedOut {
			if m.registry.Remove(key, c) {
				m.metrics.Forget(string(StateLoggedOut))
			}
			continue
		}
		if forceNew || snap.State == StateDisconnected {
			if err := c.restart(); err != nil {
				m.registry.Remove(key, c)
				continue
			}
			return c.Snapshot(), nil
		}
		return snap, nil
	}
	return Snapshot{}, fmt.Errorf("%w: session %s is closing", ErrSessionNotFound, key)
}

// CloseSession logs out and removes a session. The session always ends LoggedOut with
// its credentials purged, including sessions this process does not hold.
func (m *Manager) CloseSession(ctx context.Context, tenantID int64, sessionName string) error {
	if err := validateSession(tenantID, sessionName); err != nil {
		return err
	}
	key := Key(tenantID, sessionName)

	if c, ok := m.registry.Get(key); ok {
		c.terminate(ctx, true)
		return nil
	}

	m.pairing.Clear(key)
	if err := m.creds.Purge(ctx, key); err != nil {
		m.log.Warn("session.credentials.purge.fail", "session_key", key, "err", err)
	}
	err := m.records.Upsert(ctx, sessionstore.Record{
		TenantID:    tenantID,
		SessionName: sessionName,
		Connected:   false,
	})
	if err != nil {
		m.log.Warn("session.persist.fail", "session_key", key, "err", err)
	}
	m.log.Info("session.logged_out", "session_key", key, "remote_logout", false)
	return nil
}

// State returns the session's snapshot; ok is false when no live session exists.
func (m *Manager) State(tenantID int64, sessionName string) (Snapshot, bool) {
	return m.StateByKey(Key(tenantID, sessionName))
}

// StateByKey is State addressed by session key.
func (m *Manager) StateByKey(key string) (Snapshot, bool) {
	c, ok := m.registry.Get(key)
	if !ok {
		return Snapshot{Key: key, State: StateLoggedOut}, false
	}
	return c.Snapshot(), true
}

// PairingArtifact returns the latest pairing artifact for a session awaiting scan.
func (m *Manager) PairingArtifact(tenantID int64, sessionName string) (PairingArtifact, bool) {
	return m.pairing.Get(Key(tenantID, sessionName))
}

// PairingArtifactByKey is PairingArtifact addressed by session key.
func (m *Manager) PairingArtifactByKey(key string) (PairingArtifact, bool) {
	return m.pairing.Get(key)
}

// Sessions returns snapshots of every live session ordered by key.
func (m *Manager) Sessions() []Snapshot {
	cs := m.registry.Controllers()
	out := make([]Snapshot, 0, len(cs))
	for _, c := range cs {
		out = append(out, c.Snapshot())
	}
	return out
}

// Resolve returns the best-known address for stableID within a session.
// Unknown sessions and identifiers return stableID unchanged.
func (m *Manager) Resolve(key, stableID string) string {
	c, ok := m.registry.Get(key)
	if !ok {
		return stableID
	}
	return c.ids.Resolve(stableID)
}

// ReloadPersisted starts a session for every key with stored credentials.
// Malformed keys and sessions that fail to start are logged and skipped.
func (m *Manager) ReloadPersisted(ctx context.Context) (int, error) {
	keys, err := m.creds.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list stored credentials: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.ReloadConcurrency)

	started := make([]bool, len(keys))
	for i, key := range keys {
		g.Go(func() error {
			tenantID, name, err := ParseKey(key)
			if err != nil {
				m.log.Warn("session.reload.skip", "session_key", key, "err", err)
				return nil
			}
			if _, err := m.StartSession(gctx, tenantID, name, false); err != nil {
				m.log.Warn("session.reload.fail", "session_key", key, "err", err)
				return nil
			}
			started[i] = true
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	n := 0
	for _, ok := range started {
		if ok {
			n++
		}
	}
	m.log.Info("session.reload.done", "found", len(keys), "started", n)
	return n, nil
}

// Shutdown closes every transport without logging out, then waits for pending
// record writes and inbound deliveries until ctx is done.
func (m *Manager) Shutdown(ctx context.Context) error {
	var flushed []<-chan struct{}
	for _, c := range m.registry.Controllers() {
		flushed = append(flushed, c.shutdown())
	}
	m.cancel()

	delivered := make(chan struct{})
	go func() {
		m.forwarder.Wait()
		close(delivered)
	}()

	for _, ch := range append(flushed, delivered) {
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

package gateway

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"wagate/cmd/internal/sessionstore"
)

var errEventStreamEnded = errors.New("event stream ended")

type transition struct {
	from     State
	to       State
	snap     Snapshot
	artifact *PairingArtifact
	record   sessionstore.Record
}

// Controller owns one tenant session: its transport, lifecycle state, reconnect timer,
// watchdog and identity cache.
//
// Transport events are handled by one pump goroutine per attached listener, in arrival
// order. Each (re)attach bumps epoch; events and timers from an older epoch are ignored.
type Controller struct {
	m        *Manager
	log      *slog.Logger
	tenantID int64
	name     string
	key      string

	ids     *IdentityCache
	limiter *rate.Limiter
	writer  *recordWriter

	mu              sync.Mutex
	state           State
	transport       Transport
	detach          func()
	epoch           uint64
	startedAt       time.Time
	lastConnectedAt time.Time
	attempts        int
	selfAddress     string
	timer           *time.Timer
	watchdog        *Watchdog
	terminated      bool
	pending         []transition

	// pubMu orders publication of transitions; it is taken while mu is held and
	// publication must never acquire mu.
	pubMu sync.Mutex
}

func newController(m *Manager, tenantID int64, name string) *Controller {
	key := Key(tenantID, name)
	c := &Controller{
		m:         m,
		log:       m.log.With("session_key", key),
		tenantID:  tenantID,
		name:      name,
		key:       key,
		ids:       NewIdentityCache(m.log, m.metrics, m.cfg.LookupTimeout),
		writer:    newRecordWriter(m.records, m.log, m.cfg.PersistTimeout),
		startedAt: m.now(),
	}
	if m.cfg.SendRate > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(m.cfg.SendRate), m.cfg.SendBurst)
	}
	return c
}

// Key returns the session key.
func (c *Controller) Key() string { return c.key }

// Snapshot returns the session's current observable state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() Snapshot {
	return Snapshot{
		TenantID:          c.tenantID,
		SessionName:       c.name,
		Key:               c.key,
		State:             c.state,
		SelfAddress:       c.selfAddress,
		StartedAt:         c.startedAt,
		LastConnectedAt:   c.lastConnectedAt,
		ReconnectAttempts: c.attempts,
		AwaitingPairing:   c.state == StateAwaitingScan,
	}
}

func (c *Controller) recordLocked(artifact *PairingArtifact) sessionstore.Record {
	rec := sessionstore.Record{
		TenantID:    c.tenantID,
		SessionName: c.name,
		Connected:   c.state == StateConnected,
	}
	if !c.lastConnectedAt.IsZero() {
		t := c.lastConnectedAt.UTC()
		rec.LastConnection = &t
	}
	if c.selfAddress != "" {
		n := UserPart(c.selfAddress)
		rec.Number = &n
	}
	if c.state == StateAwaitingScan && artifact != nil {
		code := artifact.Rendered
		rec.PairingCode = &code
	}
	return rec
}

func (c *Controller) setStateLocked(to State, artifact *PairingArtifact) {
	from := c.state
	c.state = to
	c.pending = append(c.pending, transition{
		from:     from,
		to:       to,
		snap:     c.snapshotLocked(),
		artifact: artifact,
		record:   c.recordLocked(artifact),
	})
}

// unlockAndPublish releases mu and publishes queued transitions in order.
func (c *Controller) unlockAndPublish() {
	pending := c.pending
	c.pending = nil
	c.pubMu.Lock()
	c.mu.Unlock()
	defer c.pubMu.Unlock()

	for _, tr := range pending {
		if tr.from != tr.to {
			c.m.metrics.ObserveTransition(string(tr.from), string(tr.to))
			c.log.Info("session.state",
				"from", string(tr.from),
				"to", string(tr.to),
				"reconnect_attempts", tr.snap.ReconnectAttempts,
			)
		}
		c.writer.Submit(tr.record)
		c.m.notifier.SessionChanged(tr.snap, tr.artifact)
	}
}

func (c *Controller) recoverPanic(event string) {
	if r := recover(); r != nil {
		c.log.Error(event, "panic", r)
	}
}

// begin moves a fresh controller to Initializing and opens its transport.
func (c *Controller) begin() {
	c.mu.Lock()
	c.setStateLocked(StateInitializing, nil)
	epoch := c.epoch
	c.unlockAndPublish()
	c.goOpen(epoch)
}

func (c *Controller) goOpen(epoch uint64) {
	go func() {
		defer c.recoverPanic("session.open.panic")
		c.open(c.m.ctx, epoch)
	}()
}

// open loads credentials, dials a transport and attaches the event pump.
func (c *Controller) open(ctx context.Context, epoch uint64) {
	creds, err := c.m.creds.Load(ctx, c.key)
	if err != nil {
		c.log.Warn("session.credentials.load.fail", "err", err)
		c.closed(epoch, CloseConnectionLost, err)
		return
	}

	t, err := c.m.dialer.Dial(ctx, c.key, creds)
	if err != nil {
		c.log.Warn("session.dial.fail", "err", err)
		c.closed(epoch, CloseConnectionLost, err)
		return
	}

	c.mu.Lock()
	if c.terminated || c.epoch != epoch {
		c.mu.Unlock()
		_ = t.Close()
		return
	}
	c.epoch++
	attached := c.epoch
	c.transport = t
	events, detach := t.Listen()
	c.detach = detach
	c.mu.Unlock()

	go c.pump(attached, events)

	octx, cancel := context.WithTimeout(ctx, c.m.cfg.OpenTimeout)
	defer cancel()

	if err := t.Open(octx); err != nil {
		c.log.Warn("session.open.fail", "err", err)
		c.closed(attached, CloseConnectionLost, err)
	}
}

func (c *Controller) pump(epoch uint64, events <-chan Event) {
	defer c.recoverPanic("session.pump.panic")

	for ev := range events {
		if !c.handle(epoch, ev) {
			return
		}
	}

	// A listener closed while still current lost its close event; treat it as a drop.
	c.mu.Lock()
	live := c.current(epoch)
	c.mu.Unlock()
	if live {
		c.log.Warn("session.events.ended")
		c.closed(epoch, CloseConnectionLost, errEventStreamEnded)
	}
}

func (c *Controller) current(epoch uint64) bool {
	return !c.terminated && c.epoch == epoch
}

func (c *Controller) handle(epoch uint64, ev Event) bool {
	c.mu.Lock()
	if !c.current(epoch) {
		c.mu.Unlock()
		return false
	}
	c.watchdog.Touch()
	c.mu.Unlock()

	switch ev.Kind {
	case EventPairingCode:
		c.onPairing(epoch, ev.PairingCode)
	case EventConnection:
		if ev.Connection.Status == ConnOpen {
			c.onOpen(epoch, ev.Connection)
		} else {
			c.closed(epoch, ev.Connection.Reason, ev.Connection.Err)
		}
	case EventMessage:
		c.onMessage(ev.Message)
	case EventCredentials:
		c.onCredentials(ev.Credentials)
	}
	return true
}

func (c *Controller) onPairing(epoch uint64, code string) {
	if strings.TrimSpace(code) == "" {
		return
	}

	rendered, err := c.m.renderer.Render(code)
	if err != nil {
		c.log.Warn("session.pairing.render.fail", "err", err)
		return
	}

	c.mu.Lock()
	if !c.current(epoch) || c.state == StateConnected {
		c.mu.Unlock()
		return
	}
	art := PairingArtifact{
		Key:      c.key,
		Code:     code,
		Rendered: rendered,
		IssuedAt: c.m.now().UTC(),
	}
	c.m.pairing.Put(art)
	c.setStateLocked(StateAwaitingScan, &art)
	c.unlockAndPublish()

	c.log.Info("session.pairing.issued")
}

func (c *Controller) onOpen(epoch uint64, upd ConnectionUpdate) {
	c.mu.Lock()
	if !c.current(epoch) {
		c.mu.Unlock()
		return
	}

	now := c.m.now()
	c.startedAt = now
	c.lastConnectedAt = now
	c.attempts = 0
	if upd.SelfAddress != "" {
		c.selfAddress = upd.SelfAddress
	}
	c.m.pairing.Clear(c.key)

	c.watchdog.Stop()
	wd := newWatchdog(c)
	c.watchdog = wd
	t := c.transport

	c.setStateLocked(StateConnected, nil)
	c.unlockAndPublish()

	wd.Start()
	c.m.metrics.Reconnect("connected")

	if ps, ok := t.(PresenceSetter); ok {
		pctx, cancel := context.WithTimeout(c.m.ctx, c.m.cfg.SendTimeout)
		if err := ps.SetPresence(pctx, false); err != nil {
			c.log.Debug("session.presence.fail", "err", err)
		}
		cancel()
	}
}

func (c *Controller) onMessage(msg *InboundMessage) {
	c.mu.Lock()
	info := sessionInfo{
		tenantID:    c.tenantID,
		sessionName: c.name,
		key:         c.key,
		startedAt:   c.startedAt,
	}
	t := c.transport
	c.mu.Unlock()

	var lk Lookuper
	if t != nil {
		lk = t
	}
	c.m.forwarder.Handle(c.m.ctx, info, c.ids, lk, msg)
}

func (c *Controller) onCredentials(blob []byte) {
	if len(blob) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(c.m.ctx, c.m.cfg.PersistTimeout)
	defer cancel()

	if err := c.m.creds.Save(ctx, c.key, blob); err != nil {
		c.log.Warn("session.credentials.save.fail", "err", err)
	}
}

// backoffDelay grows linearly with the attempt number, capped at max.
func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base * time.Duration(attempt)
	if d > max || d <= 0 {
		return max
	}
	return d
}

// releaseLocked detaches the current transport and invalidates its epoch.
func (c *Controller) releaseLocked() (Transport, func(), *Watchdog) {
	t, detach, wd := c.transport, c.detach, c.watchdog
	c.transport, c.detach, c.watchdog = nil, nil, nil
	c.epoch++
	return t, detach, wd
}

func (c *Controller) release(t Transport, detach func(), wd *Watchdog) {
	wd.Stop()
	if detach != nil {
		detach()
	}
	if t != nil {
		if err := t.Close(); err != nil {
			c.log.Debug("session.transport.close.fail", "err", err)
		}
	}
}

// closed handles a transport close (or a failed open) for epoch.
func (c *Controller) closed(epoch uint64, reason CloseReason, cause error) {
	c.mu.Lock()
	if !c.current(epoch) {
		c.mu.Unlock()
		return
	}

	t, detach, wd := c.releaseLocked()
	c.m.pairing.Clear(c.key)
	c.setStateLocked(StateDisconnected, nil)

	attrs := []any{"reason", string(reason)}
	if cause != nil {
		attrs = append(attrs, "err", cause)
	}

	if reason.Terminal() {
		c.unlockAndPublish()
		c.release(t, detach, wd)
		c.log.Warn("session.closed", attrs...)
		c.terminate(c.m.ctx, false)
		return
	}

	if c.attempts >= c.m.cfg.MaxReconnectAttempts {
		c.unlockAndPublish()
		c.release(t, detach, wd)
		c.m.metrics.Reconnect("exhausted")
		c.log.Warn("session.reconnect.exhausted", append(attrs, "attempts", c.m.cfg.MaxReconnectAttempts)...)
		return
	}

	c.attempts++
	attempt := c.attempts
	delay := backoffDelay(c.m.cfg.ReconnectDelay, c.m.cfg.ReconnectMaxDelay, attempt)
	c.setStateLocked(StateReconnecting, nil)
	scheduled := c.epoch
	c.timer = time.AfterFunc(delay, func() { c.reconnect(scheduled) })
	c.unlockAndPublish()

	c.release(t, detach, wd)
	c.m.metrics.Reconnect("scheduled")
	c.log.Warn("session.closed", append(attrs, "attempt", attempt, "delay_ms", delay.Milliseconds())...)
}

func (c *Controller) reconnect(scheduled uint64) {
	defer c.recoverPanic("session.reconnect.panic")

	c.mu.Lock()
	if !c.current(scheduled) || c.state != StateReconnecting {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	c.setStateLocked(StateInitializing, nil)
	c.unlockAndPublish()

	c.open(c.m.ctx, scheduled)
}

// reattach replaces the event listener on the live transport (soft stall heal).
func (c *Controller) reattach() {
	c.mu.Lock()
	if c.terminated || c.state != StateConnected || c.transport == nil {
		c.mu.Unlock()
		return
	}
	old := c.detach
	c.epoch++
	epoch := c.epoch
	events, detach := c.transport.Listen()
	c.detach = detach
	c.mu.Unlock()

	if old != nil {
		old()
	}
	go c.pump(epoch, events)
	c.log.Info("watchdog.reattach")
}

// recycle closes the live transport through the reconnect path (hard stall heal).
func (c *Controller) recycle() {
	c.mu.Lock()
	if c.terminated || c.state != StateConnected {
		c.mu.Unlock()
		return
	}
	epoch := c.epoch
	c.mu.Unlock()

	c.closed(epoch, CloseStalled, nil)
}

// restart discards the current transport and opens a fresh one.
func (c *Controller) restart() error {
	c.mu.Lock()
	if c.terminated {
		c.mu.Unlock()
		return ErrSessionNotFound
	}
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	t, detach, wd := c.releaseLocked()
	epoch := c.epoch
	c.attempts = 0
	c.startedAt = c.m.now()
	c.m.pairing.Clear(c.key)
	c.setStateLocked(StateInitializing, nil)
	c.unlockAndPublish()

	c.release(t, detach, wd)
	c.log.Info("session.restart")
	c.goOpen(epoch)
	return nil
}

// terminate ends the session for good: optional remote logout, then purge of
// credentials, identities and pairing state, then removal from the registry.
func (c *Controller) terminate(ctx context.Context, logout bool) {
	c.mu.Lock()
	if c.terminated {
		c.mu.Unlock()
		return
	}
	c.terminated = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	t, detach, wd := c.releaseLocked()
	c.selfAddress = ""
	c.m.pairing.Clear(c.key)
	c.setStateLocked(StateLoggedOut, nil)
	c.unlockAndPublish()

	if logout && t != nil {
		lctx, cancel := context.WithTimeout(ctx, c.m.cfg.SendTimeout)
		if err := t.Logout(lctx); err != nil {
			c.log.Warn("session.logout.fail", "err", err)
		}
		cancel()
	}
	c.release(t, detach, wd)

	c.ids.Purge()
	if err := c.m.creds.Purge(ctx, c.key); err != nil {
		c.log.Warn("session.credentials.purge.fail", "err", err)
	}
	<-c.writer.Close()
	if c.m.registry.Remove(c.key, c) {
		c.m.metrics.Forget(string(StateLoggedOut))
	}

	c.log.Info("session.logged_out", "remote_logout", logout)
}

// shutdown closes the transport without logging out; credentials are kept.
func (c *Controller) shutdown() <-chan struct{} {
	c.mu.Lock()
	if c.terminated {
		c.mu.Unlock()
		return c.writer.Close()
	}
	c.terminated = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	t, detach, wd := c.releaseLocked()
	c.m.pairing.Clear(c.key)
	c.setStateLocked(StateDisconnected, nil)
	c.unlockAndPublish()

	c.release(t, detach, wd)
	if c.m.registry.Remove(c.key, c) {
		c.m.metrics.Forget(string(StateDisconnected))
	}
	return c.writer.Close()
}

func (c *Controller) connectedTransport() (Transport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.terminated || c.state != StateConnected || c.transport == nil {
		return nil, ErrSessionNotConnected
	}
	return c.transport, nil
}

package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"wagate/cmd/internal/gateway"
	"wagate/cmd/internal/ids"
	v1 "wagate/shared/contracts/bridge/v1"
)

var (
	// ErrClosed is returned by requests on a closed connection.
	ErrClosed = errors.New("bridge: connection closed")

	// ErrRemote is wrapped by RemoteError.
	ErrRemote = errors.New("bridge: request rejected")
)

// RemoteError is a request failure reported by the bridge.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("bridge: %s: %s", e.Code, e.Message)
}

func (e *RemoteError) Unwrap() error { return ErrRemote }

// Conn is one session's bridge socket. It implements gateway.Transport and
// gateway.PresenceSetter.
//
// A single read loop dispatches events to listeners and results to pending requests.
// Listener channels never block the read loop; a full listener drops the event.
type Conn struct {
	key   string
	ws    *websocket.Conn
	cfg   Config
	log   *slog.Logger
	creds []byte
	now   func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	listeners    map[int]chan gateway.Event
	nextID       int
	pending      map[string]chan v1.ResultPayload
	closed       bool
	remoteClosed bool

	closeOnce sync.Once
}

func newConn(key string, ws *websocket.Conn, creds []byte, cfg Config, log *slog.Logger) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		key:       key,
		ws:        ws,
		cfg:       cfg,
		log:       log.With("session_key", key),
		creds:     creds,
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
		listeners: make(map[int]chan gateway.Event),
		pending:   make(map[string]chan v1.ResultPayload),
	}
}

func (c *Conn) start() {
	go c.readLoop()
	go c.heartbeat()
}

// Open asks the bridge to start the network session with the stored credentials.
func (c *Conn) Open(ctx context.Context) error {
	_, err := c.request(ctx, v1.TypeSessionOpen, v1.SessionOpenPayload{
		SessionKey:  c.key,
		Credentials: c.creds,
	})
	return err
}

// Listen attaches a new event listener.
func (c *Conn) Listen() (<-chan gateway.Event, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan gateway.Event, c.cfg.ListenerBuffer)
	if c.closed {
		close(ch)
		return ch, func() {}
	}

	id := c.nextID
	c.nextID++
	c.listeners[id] = ch

	return ch, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if l, ok := c.listeners[id]; ok {
			delete(c.listeners, id)
			close(l)
		}
	}
}

// Send delivers a message to address.
func (c *Conn) Send(ctx context.Context, address string, p gateway.Payload) error {
	_, err := c.request(ctx, v1.TypeMessageSend, v1.MessageSendPayload{
		Address:  address,
		Text:     p.Text,
		ImageURL: p.ImageURL,
		Caption:  p.Caption,
	})
	return err
}

// Lookup asks whether candidate exists on the network and returns its direct address.
func (c *Conn) Lookup(ctx context.Context, candidate string) (string, bool, error) {
	data, err := c.request(ctx, v1.TypeContactLookup, v1.ContactLookupPayload{Candidate: candidate})
	if err != nil {
		return "", false, err
	}
	var res v1.ContactLookupResult
	if len(data) > 0 {
		if err := json.Unmarshal(data, &res); err != nil {
			return "", false, fmt.Errorf("bridge: decode lookup result: %w", err)
		}
	}
	return res.Address, res.Exists, nil
}

// SetPresence publishes account presence.
func (c *Conn) SetPresence(ctx context.Context, available bool) error {
	_, err := c.request(ctx, v1.TypePresenceSet, v1.PresenceSetPayload{Available: available})
	return err
}

// Logout unlinks the companion device.
func (c *Conn) Logout(ctx context.Context) error {
	_, err := c.request(ctx, v1.TypeSessionLogout, struct{}{})
	return err
}

// Close tears down the socket without logging out (idempotent).
func (c *Conn) Close() error {
	c.teardown(websocket.StatusNormalClosure, "bye")
	return nil
}

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Conn) request(ctx context.Context, typ string, payload any) (json.RawMessage, error) {
	id, err := ids.NewULID(c.now())
	if err != nil {
		return nil, fmt.Errorf("bridge: request id: %w", err)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("bridge: encode %s: %w", typ, err)
	}

	ch := make(chan v1.ResultPayload, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	rctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	env := v1.Envelope{V: v1.Version, Type: typ, ID: id, TS: c.now().UTC(), Payload: raw}
	if err := writeEnvelope(rctx, c.ws, env, c.cfg.WriteTimeout); err != nil {
		if c.isClosed() {
			return nil, ErrClosed
		}
		return nil, fmt.Errorf("bridge: write %s: %w", typ, err)
	}

	select {
	case res, ok := <-ch:
		if !ok {
			return nil, ErrClosed
		}
		if !res.OK {
			if res.Error == nil {
				return nil, &RemoteError{Code: "unknown", Message: typ + " failed"}
			}
			return nil, &RemoteError{Code: res.Error.Code, Message: res.Error.Message}
		}
		return res.Data, nil
	case <-rctx.Done():
		return nil, fmt.Errorf("bridge: %s: %w", typ, rctx.Err())
	}
}

func (c *Conn) resolve(id string, res v1.ResultPayload) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch, ok := c.pending[id]
	if !ok {
		c.log.Debug("bridge.result.orphan", "request_id", id)
		return
	}
	delete(c.pending, id)
	ch <- res
}

func (c *Conn) emit(ev gateway.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, ch := range c.listeners {
		select {
		case ch <- ev:
		default:
			c.log.Warn("bridge.listener.full", "event", ev.Kind.String())
		}
	}
}

func (c *Conn) readLoop() {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("bridge.read.panic", "panic", r)
			c.fail(fmt.Errorf("bridge: read loop panic: %v", r))
		}
	}()

	for {
		env, err := readEnvelope(c.ctx, c.ws)
		if err != nil {
			if isDecodeErr(err) {
				c.log.Warn("bridge.read.bad_json", "err", err)
				continue
			}
			c.fail(err)
			return
		}
		if err := env.Validate(); err != nil {
			c.log.Warn("bridge.read.bad_envelope", "err", err)
			continue
		}
		c.dispatch(env)
	}
}

func (c *Conn) dispatch(env v1.Envelope) {
	switch env.Type {
	case v1.TypeResult:
		var p v1.ResultPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			p = v1.ResultPayload{Error: &v1.ErrorPayload{Code: "bad_result", Message: err.Error()}}
		}
		c.resolve(env.ID, p)

	case v1.TypePairingCode:
		var p v1.PairingCodePayload
		if !c.decode(env, &p) {
			return
		}
		c.emit(gateway.Event{Kind: gateway.EventPairingCode, PairingCode: p.Code})

	case v1.TypeConnectionUpdate:
		var p v1.ConnectionUpdatePayload
		if !c.decode(env, &p) {
			return
		}
		upd := toConnectionUpdate(p)
		if upd.Status == gateway.ConnClosed {
			c.mu.Lock()
			c.remoteClosed = true
			c.mu.Unlock()
		}
		c.emit(gateway.Event{Kind: gateway.EventConnection, Connection: upd})

	case v1.TypeMessageUpsert:
		var p v1.MessageUpsertPayload
		if !c.decode(env, &p) {
			return
		}
		c.emit(gateway.Event{Kind: gateway.EventMessage, Message: toInboundMessage(p)})

	case v1.TypeCredsUpdate:
		var p v1.CredsUpdatePayload
		if !c.decode(env, &p) {
			return
		}
		c.emit(gateway.Event{Kind: gateway.EventCredentials, Credentials: p.Credentials})

	default:
		c.log.Debug("bridge.read.unexpected", "type", env.Type)
	}
}

func (c *Conn) decode(env v1.Envelope, dst any) bool {
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		c.log.Warn("bridge.read.bad_payload", "type", env.Type, "err", err)
		return false
	}
	return true
}

func (c *Conn) heartbeat() {
	t := time.NewTicker(c.cfg.PingInterval)
	defer t.Stop()

	failures := 0
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-t.C:
			pctx, cancel := context.WithTimeout(c.ctx, c.cfg.PingTimeout)
			err := c.ws.Ping(pctx)
			cancel()

			if err != nil {
				if c.isClosed() {
					return
				}
				failures++
				c.log.Info("bridge.ping.fail", "failures", failures, "err", err)
				if failures >= maxPingFailures {
					c.fail(fmt.Errorf("bridge: heartbeat failed %d times: %w", failures, err))
					return
				}
				continue
			}
			failures = 0
		}
	}
}

// fail reports a lost socket as a closed connection event, unless the bridge already
// reported a close or the gateway closed the connection itself.
func (c *Conn) fail(cause error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	silent := c.remoteClosed
	c.mu.Unlock()

	if !silent {
		c.log.Warn("bridge.connection.lost", "err", cause)
		c.emit(gateway.Event{
			Kind: gateway.EventConnection,
			Connection: gateway.ConnectionUpdate{
				Status: gateway.ConnClosed,
				Reason: gateway.CloseConnectionLost,
				Err:    cause,
			},
		})
	}
	c.teardown(websocket.StatusGoingAway, "connection lost")
}

func (c *Conn) teardown(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		for id, ch := range c.listeners {
			delete(c.listeners, id)
			close(ch)
		}
		for id, ch := range c.pending {
			delete(c.pending, id)
			close(ch)
		}
		c.mu.Unlock()

		_ = c.ws.Close(code, reason)
		c.cancel()
	})
}

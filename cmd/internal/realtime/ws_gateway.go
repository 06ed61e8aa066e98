package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/time/rate"

	"wagate/cmd/internal/gateway"
	"wagate/cmd/internal/ids"
	"wagate/cmd/internal/metrics"
	"wagate/cmd/security/token"
	v1 "wagate/shared/contracts/realtime/v1"
)

const (
	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsCloseGrace          = 1 * time.Second

	wsMaxPingFailures = 3
)

// SnapshotSource answers the current state of a session for new subscribers.
type SnapshotSource interface {
	StateByKey(key string) (gateway.Snapshot, bool)
	PairingArtifactByKey(key string) (gateway.PairingArtifact, bool)
}

// Config holds the feed endpoint policy.
type Config struct {
	// AllowedOrigins are full origins or bare hosts; "*" allows any origin.
	AllowedOrigins []string
	OriginRequired bool

	// Token, when set, must be presented as a bearer header or access_token query parameter.
	Token string

	// InsecureSkipVerify disables websocket.Accept's own origin check (dev only).
	InsecureSkipVerify bool

	WriteTimeout      time.Duration
	ReadIdleTimeout   time.Duration
	SendQueueSize     int
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	RateEvents        int
	RateWindow        time.Duration
}

// DefaultConfig returns the secure defaults: origin required, localhost only.
func DefaultConfig() Config {
	return Config{
		AllowedOrigins:    []string{"http://localhost", "http://127.0.0.1"},
		OriginRequired:    true,
		WriteTimeout:      wsDefaultWriteTimeout,
		ReadIdleTimeout:   wsDefaultReadIdle,
		SendQueueSize:     wsDefaultSendQueueSize,
		HeartbeatInterval: heartbeatInterval,
		HeartbeatTimeout:  heartbeatTimeout,
		RateEvents:        rateLimitEvents,
		RateWindow:        rateLimitWindow,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.ReadIdleTimeout <= 0 {
		c.ReadIdleTimeout = d.ReadIdleTimeout
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = d.SendQueueSize
	}
	if c.SendQueueSize < wsMinSendQueueSize {
		c.SendQueueSize = wsMinSendQueueSize
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = d.HeartbeatTimeout
	}
	if c.RateEvents <= 0 {
		c.RateEvents = d.RateEvents
	}
	if c.RateWindow <= 0 {
		c.RateWindow = d.RateWindow
	}
	return c
}

// WSGateway is the WebSocket entrypoint for the session status feed.
//
// It enforces origin policy, token auth, subprotocol selection, rate limits and
// heartbeats, and routes subscriptions to the Feed.
type WSGateway struct {
	log     *slog.Logger
	feed    *Feed
	source  SnapshotSource
	metrics *metrics.Metrics
	cfg     Config

	// Derived for websocket.Accept origin checks.
	// Accept() authorizes same-host origins by default, but for cross-origin it requires OriginPatterns.
	originPatterns []string
}

// NewWSGateway constructs a gateway over feed and source.
func NewWSGateway(cfg Config, log *slog.Logger, feed *Feed, source SnapshotSource, m *metrics.Metrics) *WSGateway {
	if log == nil {
		log = slog.Default()
	}
	if feed == nil {
		feed = NewFeed(log, m)
	}
	cfg = cfg.withDefaults()
	return &WSGateway{
		log:            log,
		feed:           feed,
		source:         source,
		metrics:        m,
		cfg:            cfg,
		originPatterns: deriveOriginPatternsFromAllowedOrigins(cfg.AllowedOrigins),
	}
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades an HTTP request to a WebSocket and runs the feed loop.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	if err := token.Check(r, g.cfg.Token, true); err != nil {
		g.log.Info("ws.reject.auth", "err", err, "remote", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.Subprotocol},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.cfg.InsecureSkipVerify,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	sub := NewSubscriber(ids.Must(time.Now()), g.cfg.SendQueueSize)
	g.metrics.FeedClient(1)
	defer g.metrics.FeedClient(-1)
	g.log.Info("ws.connect", "subscriber_id", sub.ID, "remote", r.RemoteAddr)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var (
		closeOnce sync.Once
		subsMu    sync.Mutex
		following = make(map[string]struct{})
	)

	// shutdown is idempotent. It does NOT close sub.Send; topics drop the subscriber
	// before it is closed.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			subsMu.Lock()
			for key := range following {
				g.feed.Unsubscribe(key, sub.ID)
			}
			clear(following)
			subsMu.Unlock()

			sub.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	rl := rate.NewLimiter(rate.Every(g.cfg.RateWindow/time.Duration(g.cfg.RateEvents)), g.cfg.RateEvents)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-sub.Done():
				return
			case env := <-sub.Send:
				if err := writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout); err != nil {
					g.log.Info("ws.write.fail", "subscriber_id", sub.ID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.cfg.HeartbeatInterval)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-sub.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "subscriber_id", sub.ID, "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.cfg.ReadIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.trySendError(sub, "bad_json", "invalid JSON")
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "subscriber_id", sub.ID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		if !rl.Allow() {
			g.trySendError(sub, "rate_limited", "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.trySendError(sub, "bad_envelope", err.Error())
			continue readLoop
		}

		switch env.Type {
		case v1.TypeSessionSubscribe:
			key, err := subscriptionKey(env)
			if err != nil {
				g.trySendError(sub, "bad_subscription", err.Error())
				continue readLoop
			}

			subsMu.Lock()
			_, already := following[key]
			full := !already && len(following) >= maxSubscriptions
			if !full && !already {
				following[key] = struct{}{}
				g.feed.Subscribe(key, sub)
			}
			subsMu.Unlock()

			if full {
				g.trySendError(sub, "too_many_subscriptions", fmt.Sprintf("max %d sessions per connection", maxSubscriptions))
				continue readLoop
			}
			if !g.sendCurrent(sub, key) {
				g.log.Info("ws.backpressure", "subscriber_id", sub.ID, "session_key", key)
				shutdown(websocket.StatusPolicyViolation, "backpressure")
				break readLoop
			}

		case v1.TypeSessionUnsubscribe:
			key, err := subscriptionKey(env)
			if err != nil {
				g.trySendError(sub, "bad_subscription", err.Error())
				continue readLoop
			}
			subsMu.Lock()
			delete(following, key)
			subsMu.Unlock()
			g.feed.Unsubscribe(key, sub.ID)

		default:
			g.trySendError(sub, "unsupported", fmt.Sprintf("unsupported type: %s", env.Type))
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
	g.log.Info("ws.disconnect", "subscriber_id", sub.ID)
}

// sendCurrent enqueues the current snapshot (and pairing artifact while awaiting a scan).
// The subscription is registered first so no change between the two is lost.
func (g *WSGateway) sendCurrent(sub *Subscriber, key string) bool {
	now := time.Now().UTC()

	var (
		snap = gateway.Snapshot{Key: key, State: gateway.StateLoggedOut}
		live bool
	)
	if g.source != nil {
		snap, live = g.source.StateByKey(key)
	}
	if !sub.offer(stateEnvelope(snap, live, now)) {
		return false
	}

	if live && snap.AwaitingPairing && g.source != nil {
		if a, ok := g.source.PairingArtifactByKey(key); ok {
			return sub.offer(pairingEnvelope(a, now))
		}
	}
	return true
}

func subscriptionKey(env v1.Envelope) (string, error) {
	var p v1.SubscribePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return "", fmt.Errorf("invalid payload: %w", err)
	}
	key := strings.TrimSpace(p.SessionKey)
	if key == "" {
		return "", errors.New("missing session_key")
	}
	if len(key) > maxSessionKeyLen {
		return "", errors.New("session_key too long")
	}
	if _, _, err := gateway.ParseKey(key); err != nil {
		return "", errors.New("malformed session_key")
	}
	return key, nil
}

// ---- send helpers ----

func (g *WSGateway) trySendError(sub *Subscriber, code, msg string) {
	_ = sub.offer(errorEnvelope(code, msg, time.Now().UTC()))
}

// ---- envelope IO ----

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, err
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return readErrBadJSON
	}
	return readErrUnknown
}

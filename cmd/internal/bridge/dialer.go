// Package bridge implements the gateway transport over a WebSocket to the protocol bridge
// sidecar, which owns the messaging network's wire protocol for each session.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coder/websocket"

	"wagate/cmd/internal/gateway"
	v1 "wagate/shared/contracts/bridge/v1"
)

const (
	defaultDialTimeout    = 10 * time.Second
	defaultRequestTimeout = 15 * time.Second
	defaultWriteTimeout   = 5 * time.Second
	defaultPingInterval   = 20 * time.Second
	defaultPingTimeout    = 5 * time.Second
	defaultListenerBuffer = 256
	defaultMaxFrameBytes  = 4 << 20

	maxPingFailures = 3
)

// Config configures the bridge client.
type Config struct {
	URL   string
	Token string

	DialTimeout    time.Duration
	RequestTimeout time.Duration
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	PingTimeout    time.Duration

	ListenerBuffer int
	MaxFrameBytes  int64
}

func (c Config) withDefaults() Config {
	if c.DialTimeout <= 0 {
		c.DialTimeout = defaultDialTimeout
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = defaultRequestTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = defaultPingInterval
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = defaultPingTimeout
	}
	if c.ListenerBuffer <= 0 {
		c.ListenerBuffer = defaultListenerBuffer
	}
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = defaultMaxFrameBytes
	}
	return c
}

// Dialer opens one bridge connection per session. It implements gateway.Dialer.
type Dialer struct {
	cfg  Config
	base *url.URL
	log  *slog.Logger
}

// NewDialer validates cfg.URL (ws, wss, http or https) and constructs a Dialer.
func NewDialer(cfg Config, log *slog.Logger) (*Dialer, error) {
	if log == nil {
		log = slog.Default()
	}
	raw := strings.TrimSpace(cfg.URL)
	if raw == "" {
		return nil, errors.New("bridge: url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("bridge: parse url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return nil, fmt.Errorf("bridge: unsupported url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, errors.New("bridge: url has no host")
	}
	return &Dialer{cfg: cfg.withDefaults(), base: u, log: log}, nil
}

func (d *Dialer) sessionURL(key string) string {
	return d.base.JoinPath("sessions", key).String()
}

// Dial connects the session socket. The network session itself starts on Open.
func (d *Dialer) Dial(ctx context.Context, key string, credentials []byte) (gateway.Transport, error) {
	dctx, cancel := context.WithTimeout(ctx, d.cfg.DialTimeout)
	defer cancel()

	hdr := http.Header{}
	if d.cfg.Token != "" {
		hdr.Set("Authorization", "Bearer "+d.cfg.Token)
	}

	ws, _, err := websocket.Dial(dctx, d.sessionURL(key), &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   hdr,
	})
	if err != nil {
		return nil, fmt.Errorf("bridge: dial %s: %w", key, err)
	}
	if sp := ws.Subprotocol(); sp != v1.Subprotocol {
		_ = ws.Close(websocket.StatusProtocolError, "subprotocol required")
		return nil, fmt.Errorf("bridge: dial %s: subprotocol %q not negotiated", key, v1.Subprotocol)
	}
	ws.SetReadLimit(d.cfg.MaxFrameBytes)

	c := newConn(key, ws, credentials, d.cfg, d.log)
	c.start()

	d.log.Info("bridge.dial.ok", "session_key", key, "resume", len(credentials) > 0)
	return c, nil
}

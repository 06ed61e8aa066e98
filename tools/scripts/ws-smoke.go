// Package main provides a CI-friendly smoke test for the wagate session status feed.
//
// It validates:
//   - handshake + subprotocol selection
//   - session.subscribe answered with a session.state snapshot
//   - optional follow mode printing every state and pairing envelope
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"

	v1 "wagate/shared/contracts/realtime/v1"
)

const maxReadBytes = 1 << 20 // 1MiB

func main() {
	var (
		wsURL   = flag.String("url", "ws://127.0.0.1:3000/ws/sessions", "Status feed WebSocket URL")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		token   = flag.String("token", os.Getenv("WAGATE_API_TOKEN"), "API token (sent as Bearer)")
		key     = flag.String("key", "1_default", "Session key to subscribe to (<tenantId>_<sessionName>)")
		follow  = flag.Bool("follow", false, "Keep printing envelopes until interrupted")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if strings.TrimSpace(*key) == "" {
		fatalf("missing -key")
	}

	root := context.Background()
	conn := mustConnect(root, *wsURL, *origin, *token, *timeout)
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	mustWrite(root, conn, v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeSessionSubscribe,
		ID:      "smoke-subscribe",
		TS:      time.Now().UTC(),
		Payload: mustJSON(v1.SubscribePayload{SessionKey: *key}),
	}, *timeout)

	env := mustRead(root, conn, *timeout)
	if env.Type != v1.TypeSessionState {
		fatalf("first envelope: got=%q want=%q", env.Type, v1.TypeSessionState)
	}
	var st v1.SessionStatePayload
	if err := json.Unmarshal(env.Payload, &st); err != nil {
		fatalf("unmarshal session.state: %v", err)
	}
	if st.SessionKey != *key {
		fatalf("session_key mismatch: got=%q want=%q", st.SessionKey, *key)
	}
	fmt.Printf("OK: session_key=%s state=%s live=%t awaiting_pairing=%t\n", st.SessionKey, st.State, st.Live, st.AwaitingPairing)

	if !*follow {
		return
	}
	for {
		mt, data, err := conn.Read(root)
		if err != nil {
			fatalf("read: %v", err)
		}
		if mt != websocket.MessageText {
			continue
		}
		fmt.Println(string(data))
	}
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	return nil
}

func mustConnect(parent context.Context, wsURL, origin, token string, stepTimeout time.Duration) *websocket.Conn {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}
	if strings.TrimSpace(token) != "" {
		h.Set("Authorization", "Bearer "+token)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect: %v", err)
	}
	if got := conn.Subprotocol(); got != v1.Subprotocol {
		fatalf("subprotocol mismatch: got=%q want=%q", got, v1.Subprotocol)
	}

	conn.SetReadLimit(maxReadBytes)
	return conn
}

func mustRead(parent context.Context, conn *websocket.Conn, stepTimeout time.Duration) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	_, data, err := conn.Read(ctx)
	if err != nil {
		fatalf("read: %v", err)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		fatalf("bad json: %v", err)
	}
	if err := env.Validate(); err != nil {
		fatalf("bad envelope: %v", err)
	}
	if env.Type == v1.TypeError {
		var ep v1.ErrorPayload
		_ = json.Unmarshal(env.Payload, &ep)
		fatalf("server error: code=%q msg=%q", ep.Code, ep.Message)
	}
	return env
}

func mustWrite(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}

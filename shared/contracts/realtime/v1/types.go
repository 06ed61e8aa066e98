// Package v1 defines the session status feed protocol v1.
//
// Dashboards subscribe to session keys and receive the current snapshot followed by
// every state change and pairing artifact for those sessions.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is negotiated on the WebSocket upgrade.
const Subprotocol = "wagate.sessions.v1"

// Type constants (wire-stable).
const (
	// TypeSessionSubscribe starts following a session (client -> server).
	TypeSessionSubscribe = "session.subscribe"
	// TypeSessionUnsubscribe stops following a session (client -> server).
	TypeSessionUnsubscribe = "session.unsubscribe"

	// TypeSessionState carries a session snapshot (server -> client).
	TypeSessionState = "session.state"
	// TypeSessionPairing carries a rendered pairing artifact (server -> client).
	TypeSessionPairing = "session.pairing"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeSessionSubscribe,
		TypeSessionUnsubscribe,
		TypeSessionState,
		TypeSessionPairing,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Payloads ----

// SubscribePayload names the session to follow or drop.
type SubscribePayload struct {
	SessionKey string `json:"session_key"`
}

// SessionStatePayload is a session snapshot. Live is false when no session runs under the
// key, in which case State is "logged_out".
type SessionStatePayload struct {
	SessionKey        string     `json:"session_key"`
	TenantID          int64      `json:"tenant_id,omitempty"`
	SessionName       string     `json:"session_name,omitempty"`
	State             string     `json:"state"`
	Live              bool       `json:"live"`
	SelfAddress       string     `json:"self_address,omitempty"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	LastConnectedAt   *time.Time `json:"last_connected_at,omitempty"`
	ReconnectAttempts int        `json:"reconnect_attempts"`
	AwaitingPairing   bool       `json:"awaiting_pairing"`
}

// SessionPairingPayload carries a pairing artifact rendered as a data URL.
type SessionPairingPayload struct {
	SessionKey string    `json:"session_key"`
	QR         string    `json:"qr"`
	IssuedAt   time.Time `json:"issued_at"`
}

// ErrorPayload is a generic error payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

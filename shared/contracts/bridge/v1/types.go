// Package v1 defines the bridge protocol v1 contract spoken between the gateway and the
// protocol bridge sidecar that holds the messaging network connection.
//
// Requests carry an id; the bridge answers each with a "result" envelope echoing it.
// Events from the bridge carry their own ids and are never answered.
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
const Subprotocol = "wagate.bridge.v1"

// Type constants (wire-stable).
const (
	// TypeSessionOpen starts the network connection with stored credentials (gateway -> bridge).
	TypeSessionOpen = "session.open"
	// TypeMessageSend sends a text or image message (gateway -> bridge).
	TypeMessageSend = "message.send"
	// TypeContactLookup asks whether a candidate identifier exists on the network (gateway -> bridge).
	TypeContactLookup = "contact.lookup"
	// TypePresenceSet publishes account presence (gateway -> bridge).
	TypePresenceSet = "presence.set"
	// TypeSessionLogout unlinks the companion device (gateway -> bridge).
	TypeSessionLogout = "session.logout"

	// TypePairingCode carries a new pairing code (bridge -> gateway).
	TypePairingCode = "pairing.code"
	// TypeConnectionUpdate reports the network connection opening or closing (bridge -> gateway).
	TypeConnectionUpdate = "connection.update"
	// TypeMessageUpsert carries a received message (bridge -> gateway).
	TypeMessageUpsert = "message.upsert"
	// TypeCredsUpdate carries refreshed credentials to persist (bridge -> gateway).
	TypeCredsUpdate = "creds.update"
	// TypeResult answers a request (bridge -> gateway).
	TypeResult = "result"
)

// Connection statuses.
const (
	StatusOpen   = "open"
	StatusClosed = "closed"
)

// Close reasons reported with StatusClosed.
const (
	ReasonLoggedOut          = "logged_out"
	ReasonConnectionLost     = "connection_lost"
	ReasonConnectionReplaced = "connection_replaced"
	ReasonRestartRequired    = "restart_required"
	ReasonTimedOut           = "timed_out"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id"`
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
	if strings.TrimSpace(e.ID) == "" {
		return errors.New("missing field: id")
	}

	switch e.Type {
	case TypeSessionOpen,
		TypeMessageSend,
		TypeContactLookup,
		TypePresenceSet,
		TypeSessionLogout,
		TypePairingCode,
		TypeConnectionUpdate,
		TypeMessageUpsert,
		TypeCredsUpdate,
		TypeResult:
		return nil
	case "":
		return errors.New("missing field: type")
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Payloads ----

// SessionOpenPayload starts a session. Credentials are absent for a first pairing.
type SessionOpenPayload struct {
	SessionKey  string `json:"session_key"`
	Credentials []byte `json:"credentials,omitempty"`
}

// PairingCodePayload carries the raw pairing code to render.
type PairingCodePayload struct {
	Code string `json:"code"`
}

// ConnectionUpdatePayload reports a connection status change.
type ConnectionUpdatePayload struct {
	Status      string `json:"status"`
	Reason      string `json:"reason,omitempty"`
	SelfAddress string `json:"self_address,omitempty"`
	Error       string `json:"error,omitempty"`
}

// ContentPayload is the normalized message content.
type ContentPayload struct {
	Kind    string `json:"kind"`
	Text    string `json:"text,omitempty"`
	Caption string `json:"caption,omitempty"`
}

// MessageUpsertPayload is one received message. Notify is false for history sync batches.
type MessageUpsertPayload struct {
	ID          string          `json:"id"`
	ChatAddress string          `json:"chat_address"`
	FromMe      bool            `json:"from_me"`
	PushName    string          `json:"push_name,omitempty"`
	Timestamp   int64           `json:"timestamp"`
	Notify      bool            `json:"notify"`
	Content     *ContentPayload `json:"content,omitempty"`
}

// CredsUpdatePayload carries the full credentials blob.
type CredsUpdatePayload struct {
	Credentials []byte `json:"credentials"`
}

// MessageSendPayload sends Text, or ImageURL with an optional Caption.
type MessageSendPayload struct {
	Address  string `json:"address"`
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
	Caption  string `json:"caption,omitempty"`
}

// ContactLookupPayload queries one candidate identifier.
type ContactLookupPayload struct {
	Candidate string `json:"candidate"`
}

// ContactLookupResult is the Data of a successful contact.lookup result.
type ContactLookupResult struct {
	Address string `json:"address,omitempty"`
	Exists  bool   `json:"exists"`
}

// PresenceSetPayload publishes presence.
type PresenceSetPayload struct {
	Available bool `json:"available"`
}

// ResultPayload answers the request whose id matches the envelope id.
type ResultPayload struct {
	OK    bool            `json:"ok"`
	Error *ErrorPayload   `json:"error,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ErrorPayload is a generic error payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

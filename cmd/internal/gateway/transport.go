package gateway

import (
	"context"
	"time"
)

// EventKind identifies the typed events a Transport emits.
type EventKind uint8

const (
	EventPairingCode EventKind = iota + 1
	EventConnection
	EventMessage
	EventCredentials
)

func (k EventKind) String() string {
	switch k {
	case EventPairingCode:
		return "pairing_code"
	case EventConnection:
		return "connection"
	case EventMessage:
		return "message"
	case EventCredentials:
		return "credentials"
	default:
		return "unknown"
	}
}

// ConnStatus is the connection status carried by EventConnection.
type ConnStatus uint8

const (
	ConnOpen ConnStatus = iota + 1
	ConnClosed
)

// CloseReason explains why a transport closed.
type CloseReason string

const (
	CloseUnknown         CloseReason = "unknown"
	CloseLoggedOut       CloseReason = "logged_out"
	CloseConnectionLost  CloseReason = "connection_lost"
	CloseReplaced        CloseReason = "connection_replaced"
	CloseRestartRequired CloseReason = "restart_required"
	CloseTimedOut        CloseReason = "timed_out"
	CloseStalled         CloseReason = "stalled"
)

// Terminal reports whether the reason ends the session for good.
func (r CloseReason) Terminal() bool {
	return r == CloseLoggedOut
}

// ConnectionUpdate is the payload of EventConnection.
type ConnectionUpdate struct {
	Status      ConnStatus
	Reason      CloseReason
	SelfAddress string
	Err         error
}

// ContentKind is the kind of message payload.
type ContentKind string

const (
	ContentText     ContentKind = "text"
	ContentImage    ContentKind = "image"
	ContentVideo    ContentKind = "video"
	ContentAudio    ContentKind = "audio"
	ContentDocument ContentKind = "document"
	ContentSticker  ContentKind = "sticker"
	ContentOther    ContentKind = "other"
)

// MessageContent is the decoded message body.
type MessageContent struct {
	Kind    ContentKind
	Text    string
	Caption string
}

// InboundMessage is the payload of EventMessage.
type InboundMessage struct {
	ID          string
	ChatAddress string
	FromMe      bool
	PushName    string
	Timestamp   time.Time

	// Backfill marks messages replayed by history sync rather than delivered live.
	Backfill bool

	// Content is nil when the event carries no message payload.
	Content *MessageContent
}

// Event is one item of a transport's event stream.
type Event struct {
	Kind EventKind

	PairingCode string
	Connection  ConnectionUpdate
	Message     *InboundMessage
	Credentials []byte
}

// Payload is an outbound message body.
type Payload struct {
	Text     string
	ImageURL string
	Caption  string
}

// Empty reports whether the payload has nothing to send.
func (p Payload) Empty() bool {
	return p.Text == "" && p.ImageURL == ""
}

// Transport is one live connection to the messaging network for a tenant session.
//
// Listen returns a fresh event channel and a detach function; events are delivered to
// every attached listener in transport order and never block the transport. A listener's
// channel is closed on detach or when the transport closes; detaching does not close the
// connection.
type Transport interface {
	Open(ctx context.Context) error
	Listen() (<-chan Event, func())
	Send(ctx context.Context, address string, p Payload) error
	Lookup(ctx context.Context, candidate string) (address string, exists bool, err error)
	Logout(ctx context.Context) error
	Close() error
}

// PresenceSetter is implemented by transports that can publish account presence.
type PresenceSetter interface {
	SetPresence(ctx context.Context, available bool) error
}

// Dialer builds a Transport for a session from its stored credentials (nil when absent).
type Dialer interface {
	Dial(ctx context.Context, key string, credentials []byte) (Transport, error)
}

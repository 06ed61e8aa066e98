package gateway

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"wagate/cmd/internal/sessionstore"
)

// State is the lifecycle state of a tenant session.
type State string

const (
	StateInitializing State = "initializing"
	StateAwaitingScan State = "awaiting_scan"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateReconnecting State = "reconnecting"
	StateLoggedOut    State = "logged_out"
)

// AllStates lists every state, in lifecycle order.
var AllStates = []State{
	StateInitializing,
	StateAwaitingScan,
	StateConnected,
	StateDisconnected,
	StateReconnecting,
	StateLoggedOut,
}

// Key returns the session key for a tenant session ("42_ventas").
func Key(tenantID int64, sessionName string) string {
	return strconv.FormatInt(tenantID, 10) + "_" + sessionName
}

// ParseKey splits a session key on its first underscore.
func ParseKey(key string) (int64, string, error) {
	idPart, name, ok := strings.Cut(key, "_")
	if !ok || strings.TrimSpace(name) == "" {
		return 0, "", fmt.Errorf("%w: malformed session key %q", ErrInvalidInput, key)
	}
	id, err := strconv.ParseInt(idPart, 10, 64)
	if err != nil || id <= 0 {
		return 0, "", fmt.Errorf("%w: malformed tenant id in session key %q", ErrInvalidInput, key)
	}
	return id, name, nil
}

func validateSession(tenantID int64, sessionName string) error {
	if tenantID <= 0 {
		return fmt.Errorf("%w: tenant id is required", ErrInvalidInput)
	}
	if strings.TrimSpace(sessionName) == "" {
		return fmt.Errorf("%w: session name is required", ErrInvalidInput)
	}
	return nil
}

// Snapshot is a point-in-time copy of a session's observable state.
type Snapshot struct {
	TenantID          int64
	SessionName       string
	Key               string
	State             State
	SelfAddress       string
	StartedAt         time.Time
	LastConnectedAt   time.Time
	ReconnectAttempts int
	AwaitingPairing   bool
}

// Connected reports whether the snapshot is in the connected state.
func (s Snapshot) Connected() bool { return s.State == StateConnected }

// CredentialStore persists transport authentication material per session key.
// Load returns nil when no material exists.
type CredentialStore interface {
	Load(ctx context.Context, key string) ([]byte, error)
	Save(ctx context.Context, key string, blob []byte) error
	Purge(ctx context.Context, key string) error
	List(ctx context.Context) ([]string, error)
}

// RecordStore is the business-entity store holding the persisted session record.
type RecordStore interface {
	Ensure(ctx context.Context, tenantID int64, sessionName string) error
	Upsert(ctx context.Context, rec sessionstore.Record) error
}

// Notifier receives session changes for live status feeds.
type Notifier interface {
	SessionChanged(snap Snapshot, artifact *PairingArtifact)
}

type nopNotifier struct{}

func (nopNotifier) SessionChanged(Snapshot, *PairingArtifact) {}

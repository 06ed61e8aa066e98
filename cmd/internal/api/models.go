package api

import (
	"time"

	"wagate/cmd/internal/gateway"
)

type startSessionRequest struct {
	TenantID    flexInt64 `json:"tenantId"`
	SessionName string    `json:"sessionName"`
	ForceNew    bool      `json:"forceNew"`
}

type sendMessageRequest struct {
	TenantID    flexInt64 `json:"tenantId"`
	SessionName string    `json:"sessionName"`
	Destination string    `json:"destination"`
	Text        string    `json:"text"`
}

type sendImageRequest struct {
	TenantID    flexInt64 `json:"tenantId"`
	SessionName string    `json:"sessionName"`
	Destination string    `json:"destination"`
	ImageURL    string    `json:"imageUrl"`
	Caption     string    `json:"caption"`
}

type errorResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
}

type sessionView struct {
	TenantID          int64      `json:"tenantId"`
	SessionName       string     `json:"sessionName"`
	SessionKey        string     `json:"sessionKey"`
	State             string     `json:"state"`
	Live              bool       `json:"live"`
	Connected         bool       `json:"conectado"`
	Number            string     `json:"numero,omitempty"`
	AwaitingPairing   bool       `json:"awaitingPairing"`
	ReconnectAttempts int        `json:"reconnectAttempts"`
	StartedAt         *time.Time `json:"startedAt,omitempty"`
	LastConnectedAt   *time.Time `json:"lastConnectedAt,omitempty"`
}

type sessionResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Session sessionView `json:"session"`
}

type sessionListResponse struct {
	Success  bool          `json:"success"`
	Sessions []sessionView `json:"sessions"`
	Total    int           `json:"total"`
}

type pairingResponse struct {
	Success  bool       `json:"success"`
	Message  string     `json:"message,omitempty"`
	QR       string     `json:"qr,omitempty"`
	IssuedAt *time.Time `json:"issuedAt,omitempty"`
}

type sendResponse struct {
	Success  bool   `json:"success"`
	Message  string `json:"message"`
	Address  string `json:"address"`
	Attempts int    `json:"attempts"`
	Fallback bool   `json:"fallback"`
}

type messageResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func toSessionView(s gateway.Snapshot, live bool) sessionView {
	v := sessionView{
		TenantID:          s.TenantID,
		SessionName:       s.SessionName,
		SessionKey:        s.Key,
		State:             string(s.State),
		Live:              live,
		Connected:         s.Connected(),
		AwaitingPairing:   s.AwaitingPairing,
		ReconnectAttempts: s.ReconnectAttempts,
		StartedAt:         timePtr(s.StartedAt),
		LastConnectedAt:   timePtr(s.LastConnectedAt),
	}
	if s.SelfAddress != "" {
		v.Number = gateway.UserPart(s.SelfAddress)
	}
	return v
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}

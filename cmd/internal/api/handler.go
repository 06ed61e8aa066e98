// Package api serves the session control HTTP API used by the workflow engine and dashboards.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"unicode/utf8"

	"wagate/cmd/internal/gateway"
	"wagate/cmd/security/token"
)

const (
	defaultMaxBodyBytes = 64 << 10

	// Upper bound on message text, in runes.
	maxTextChars = 65536
)

// SessionControl is the gateway surface the API drives.
type SessionControl interface {
	StartSession(ctx context.Context, tenantID int64, sessionName string, forceNew bool) (gateway.Snapshot, error)
	CloseSession(ctx context.Context, tenantID int64, sessionName string) error
	State(tenantID int64, sessionName string) (gateway.Snapshot, bool)
	PairingArtifact(tenantID int64, sessionName string) (gateway.PairingArtifact, bool)
	Sessions() []gateway.Snapshot
	Send(ctx context.Context, tenantID int64, sessionName, destination string, p gateway.Payload) (gateway.SendResult, error)
}

// Config configures the API handler.
type Config struct {
	// Token, when set, must be presented as "Authorization: Bearer <token>".
	Token        string
	MaxBodyBytes int64
}

// Handler wires HTTP endpoints to the session gateway.
type Handler struct {
	log *slog.Logger
	cfg Config
	sc  SessionControl
}

// NewHandler constructs a Handler.
func NewHandler(log *slog.Logger, sc SessionControl, cfg Config) (*Handler, error) {
	if sc == nil {
		return nil, errors.New("api: session control is required")
	}
	if log == nil {
		log = slog.Default()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	return &Handler{log: log, cfg: cfg, sc: sc}, nil
}

// Register wires API routes onto the provided mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.Handle("POST /api/sessions", h.requireToken(h.handleStartSession))
	mux.Handle("GET /api/sessions", h.requireToken(h.handleListSessions))
	mux.Handle("GET /api/sessions/{tenantId}/{sessionName}", h.requireToken(h.handleGetState))
	mux.Handle("GET /api/sessions/{tenantId}/{sessionName}/qr", h.requireToken(h.handleGetPairing))
	mux.Handle("DELETE /api/sessions/{tenantId}/{sessionName}", h.requireToken(h.handleCloseSession))
	mux.Handle("POST /api/messages", h.requireToken(h.handleSendMessage))
	mux.Handle("POST /api/messages/image", h.requireToken(h.handleSendImage))
}

func (h *Handler) requireToken(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := token.Check(r, h.cfg.Token, false); err != nil {
			h.log.Info("api.auth.reject", "path", r.URL.Path, "err", err, "remote", r.RemoteAddr)
			writeError(w, http.StatusUnauthorized, "unauthorized", "unauthorized")
			return
		}
		next(w, r)
	})
}

// ---- handlers ----

func (h *Handler) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req startSessionRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	tenantID, name := int64(req.TenantID), strings.TrimSpace(req.SessionName)
	if tenantID <= 0 || name == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "tenantId y sessionName son requeridos")
		return
	}

	snap, err := h.sc.StartSession(r.Context(), tenantID, name, req.ForceNew)
	if err != nil {
		h.writeGatewayError(w, r, "api.session.start.fail", err)
		return
	}

	msg := "Sesión iniciada - esperando conexión"
	switch snap.State {
	case gateway.StateConnected:
		msg = "Sesión ya activa"
	case gateway.StateAwaitingScan:
		msg = "Esperando escaneo de QR"
	}
	writeJSON(w, http.StatusOK, sessionResponse{Success: true, Message: msg, Session: toSessionView(snap, true)})
}

func (h *Handler) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	snaps := h.sc.Sessions()
	out := make([]sessionView, 0, len(snaps))
	for _, s := range snaps {
		out = append(out, toSessionView(s, true))
	}
	writeJSON(w, http.StatusOK, sessionListResponse{Success: true, Sessions: out, Total: len(out)})
}

func (h *Handler) handleGetState(w http.ResponseWriter, r *http.Request) {
	tenantID, name, ok := sessionPath(w, r)
	if !ok {
		return
	}

	snap, live := h.sc.State(tenantID, name)
	if !live {
		snap.TenantID, snap.SessionName = tenantID, name
	}
	msg := "Sesión no iniciada"
	if live {
		msg = string(snap.State)
	}
	writeJSON(w, http.StatusOK, sessionResponse{Success: true, Message: msg, Session: toSessionView(snap, live)})
}

func (h *Handler) handleGetPairing(w http.ResponseWriter, r *http.Request) {
	tenantID, name, ok := sessionPath(w, r)
	if !ok {
		return
	}

	a, ok := h.sc.PairingArtifact(tenantID, name)
	if !ok {
		writeJSON(w, http.StatusNotFound, pairingResponse{
			Success: false,
			Message: "QR no disponible - sesión ya conectada o no iniciada",
		})
		return
	}
	issued := a.IssuedAt.UTC()
	writeJSON(w, http.StatusOK, pairingResponse{Success: true, QR: a.Rendered, IssuedAt: &issued})
}

func (h *Handler) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	tenantID, name, ok := sessionPath(w, r)
	if !ok {
		return
	}

	if err := h.sc.CloseSession(r.Context(), tenantID, name); err != nil {
		h.writeGatewayError(w, r, "api.session.close.fail", err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Success: true, Message: "Sesión cerrada completamente"})
}

func (h *Handler) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	tenantID, name, dest := int64(req.TenantID), strings.TrimSpace(req.SessionName), strings.TrimSpace(req.Destination)
	if tenantID <= 0 || name == "" || dest == "" || strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "tenantId, sessionName, destination y text son requeridos")
		return
	}
	if utf8.RuneCountInString(req.Text) > maxTextChars {
		writeError(w, http.StatusBadRequest, "invalid_input", "text too long")
		return
	}

	res, err := h.sc.Send(r.Context(), tenantID, name, dest, gateway.Payload{Text: req.Text})
	if err != nil {
		h.writeGatewayError(w, r, "api.message.send.fail", err)
		return
	}
	writeJSON(w, http.StatusOK, toSendResponse("Mensaje enviado", res))
}

func (h *Handler) handleSendImage(w http.ResponseWriter, r *http.Request) {
	var req sendImageRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	tenantID, name, dest := int64(req.TenantID), strings.TrimSpace(req.SessionName), strings.TrimSpace(req.Destination)
	imageURL := strings.TrimSpace(req.ImageURL)
	if tenantID <= 0 || name == "" || dest == "" || imageURL == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "Faltan parámetros requeridos")
		return
	}
	if !validImageURL(imageURL) {
		writeError(w, http.StatusBadRequest, "invalid_input", "imageUrl must be an http(s) URL")
		return
	}

	res, err := h.sc.Send(r.Context(), tenantID, name, dest, gateway.Payload{ImageURL: imageURL, Caption: req.Caption})
	if err != nil {
		h.writeGatewayError(w, r, "api.image.send.fail", err)
		return
	}
	writeJSON(w, http.StatusOK, toSendResponse("Imagen enviada", res))
}

// ---- helpers ----

func toSendResponse(msg string, res gateway.SendResult) sendResponse {
	if res.Fallback {
		msg += " (fallback)"
	}
	return sendResponse{Success: true, Message: msg, Address: res.Address, Attempts: res.Attempts, Fallback: res.Fallback}
}

func sessionPath(w http.ResponseWriter, r *http.Request) (int64, string, bool) {
	tenantID, err := strconv.ParseInt(r.PathValue("tenantId"), 10, 64)
	name := strings.TrimSpace(r.PathValue("sessionName"))
	if err != nil || tenantID <= 0 || name == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "tenantId y sessionName son requeridos")
		return 0, "", false
	}
	return tenantID, name, true
}

func validImageURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func (h *Handler) writeGatewayError(w http.ResponseWriter, r *http.Request, event string, err error) {
	status, code := classifyError(err)
	if status >= http.StatusInternalServerError {
		h.log.Error(event, "path", r.URL.Path, "err", err)
	} else {
		h.log.Info(event, "path", r.URL.Path, "err", err)
	}
	writeError(w, status, code, err.Error())
}

func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, gateway.ErrInvalidInput):
		return http.StatusBadRequest, "invalid_input"
	case errors.Is(err, gateway.ErrSessionNotFound):
		return http.StatusNotFound, "session_not_found"
	case errors.Is(err, gateway.ErrSessionNotConnected):
		return http.StatusConflict, "session_not_connected"
	case errors.Is(err, gateway.ErrRateLimited):
		return http.StatusTooManyRequests, "rate_limited"
	case errors.Is(err, gateway.ErrDeliveryFailed):
		return http.StatusBadGateway, "delivery_failed"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	default:
		return http.StatusInternalServerError, "server_error"
	}
}

// Package webhook posts accepted inbound messages to the workflow engine.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"wagate/cmd/internal/gateway"
	"wagate/cmd/internal/ids"
	"wagate/cmd/internal/metrics"
)

// DefaultURL is the workflow engine endpoint used when none is configured.
const DefaultURL = "http://localhost:5678/webhook/whatsapp-mensaje"

const (
	HeaderSignature = "X-Wagate-Signature"
	HeaderTimestamp = "X-Wagate-Timestamp"
	HeaderDelivery  = "X-Wagate-Delivery"

	signaturePrefix = "sha256="
	maxBodyLogBytes = 512
	defaultTimeout  = 10 * time.Second
)

// ErrUnexpectedStatus is wrapped by StatusError.
var ErrUnexpectedStatus = errors.New("webhook: unexpected status")

// StatusError reports a non-2xx response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("webhook: status %d", e.Code)
}

func (e *StatusError) Unwrap() error { return ErrUnexpectedStatus }

// Payload is the JSON body posted for each inbound message.
type Payload struct {
	TenantID        int64     `json:"tenantId"`
	SessionName     string    `json:"sessionName"`
	OriginAddress   string    `json:"originAddress"`
	Mensaje         string    `json:"mensaje"`
	MessageID       string    `json:"messageId"`
	Timestamp       time.Time `json:"timestamp"`
	SessionKey      string    `json:"sessionKey"`
	OriginalAddress string    `json:"originalAddress"`
	PushName        string    `json:"pushName,omitempty"`
	Resolved        bool      `json:"resolved"`
	DeliveryID      string    `json:"deliveryId"`
}

// NewPayload maps an inbound event to the wire payload with a fresh delivery id.
func NewPayload(ev gateway.InboundEvent, now time.Time) (Payload, error) {
	id, err := ids.NewULID(now)
	if err != nil {
		return Payload{}, fmt.Errorf("webhook: delivery id: %w", err)
	}
	return Payload{
		TenantID:        ev.TenantID,
		SessionName:     ev.SessionName,
		OriginAddress:   ev.OriginAddress,
		Mensaje:         ev.Text,
		MessageID:       ev.MessageID,
		Timestamp:       ev.Timestamp.UTC(),
		SessionKey:      ev.SessionKey,
		OriginalAddress: ev.OriginalAddress,
		PushName:        ev.PushName,
		Resolved:        ev.Resolved,
		DeliveryID:      id,
	}, nil
}

// Config configures a Client.
type Config struct {
	URL     string
	Secret  string
	Timeout time.Duration
}

// Client posts inbound events. It implements gateway.EventSink.
type Client struct {
	url     string
	secret  []byte
	http    *http.Client
	log     *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// New constructs a Client. An empty URL selects DefaultURL.
func New(cfg Config, log *slog.Logger, m *metrics.Metrics) *Client {
	if log == nil {
		log = slog.Default()
	}
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		url = DefaultURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	var secret []byte
	if cfg.Secret != "" {
		secret = []byte(cfg.Secret)
	}
	return &Client{
		url:     url,
		secret:  secret,
		http:    &http.Client{Timeout: timeout},
		log:     log,
		metrics: m,
		now:     time.Now,
	}
}

// URL returns the target endpoint.
func (c *Client) URL() string { return c.url }

// Deliver posts ev once. There is no retry; the caller logs the returned error.
func (c *Client) Deliver(ctx context.Context, ev gateway.InboundEvent) error {
	now := c.now().UTC()

	p, err := NewPayload(ev, now)
	if err != nil {
		c.metrics.Webhook("error")
		return err
	}
	body, err := json.Marshal(p)
	if err != nil {
		c.metrics.Webhook("error")
		return fmt.Errorf("webhook: encode payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		c.metrics.Webhook("error")
		return fmt.Errorf("webhook: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderDelivery, p.DeliveryID)
	if len(c.secret) > 0 {
		ts := now.Format(time.RFC3339)
		req.Header.Set(HeaderTimestamp, ts)
		req.Header.Set(HeaderSignature, Sign(c.secret, ts, body))
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.metrics.Webhook("error")
		return fmt.Errorf("webhook: post: %w", err)
	}
	defer resp.Body.Close()

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyLogBytes))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.metrics.Webhook("rejected")
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}

	c.metrics.Webhook("ok")
	c.log.Info("webhook.post.ok",
		"session_key", ev.SessionKey,
		"message_id", ev.MessageID,
		"delivery_id", p.DeliveryID,
		"status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// Sign returns the signature header value for body sent at timestamp ts.
func Sign(secret []byte, ts string, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write([]byte(ts))
	_, _ = mac.Write([]byte("\n"))
	_, _ = mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature produced by Sign. Receivers should also bound the
// timestamp's age to reject replays.
func Verify(secret []byte, ts, signature string, body []byte) bool {
	if ts == "" || !strings.HasPrefix(signature, signaturePrefix) {
		return false
	}
	expected := Sign(secret, ts, body)
	return hmac.Equal([]byte(strings.ToLower(signature)), []byte(expected))
}

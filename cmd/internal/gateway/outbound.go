package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// SendResult reports a successful delivery.
type SendResult struct {
	Address  string
	Attempts int
	Fallback bool
}

// Send delivers a text or image payload to destination through a connected session.
//
// The destination is resolved through the session's identity cache first, so replies
// reach the address inbound traffic used. Each attempt is bounded by SendTimeout and
// at most one alternate-encoding retry is made.
func (m *Manager) Send(ctx context.Context, tenantID int64, sessionName, destination string, p Payload) (SendResult, error) {
	if err := validateSession(tenantID, sessionName); err != nil {
		return SendResult{}, err
	}
	destination = strings.TrimSpace(destination)
	if destination == "" {
		return SendResult{}, fmt.Errorf("%w: destination is required", ErrInvalidInput)
	}
	if p.Empty() {
		return SendResult{}, fmt.Errorf("%w: message content is required", ErrInvalidInput)
	}

	key := Key(tenantID, sessionName)
	c, ok := m.registry.Get(key)
	if !ok {
		m.metrics.Send("not_connected", 0)
		return SendResult{}, ErrSessionNotConnected
	}
	t, err := c.connectedTransport()
	if err != nil {
		m.metrics.Send("not_connected", 0)
		return SendResult{}, err
	}
	if c.limiter != nil && !c.limiter.Allow() {
		m.metrics.Send("rate_limited", 0)
		return SendResult{}, ErrRateLimited
	}

	addr := c.destinationAddress(destination)
	if addr == "" {
		return SendResult{}, fmt.Errorf("%w: destination %q has no usable digits", ErrInvalidInput, destination)
	}

	err = m.attempt(ctx, t, addr, p)
	if err == nil {
		m.metrics.Send("ok", 1)
		c.log.Info("outbound.send.ok", "address", addr, "attempts", 1)
		return SendResult{Address: addr, Attempts: 1}, nil
	}

	alt := alternateAddress(addr, destination)
	if alt == "" || alt == addr {
		m.metrics.Send("failed", 1)
		c.log.Warn("outbound.send.fail", "address", addr, "attempts", 1, "err", err)
		return SendResult{}, &DeliveryError{Address: addr, Attempts: 1, Err: err}
	}

	c.log.Warn("outbound.send.retry", "address", addr, "alternate", alt, "err", err)

	if err := m.attempt(ctx, t, alt, p); err != nil {
		m.metrics.Send("failed", 2)
		c.log.Warn("outbound.send.fail", "address", alt, "attempts", 2, "err", err)
		return SendResult{}, &DeliveryError{Address: alt, Attempts: 2, Err: err}
	}

	m.metrics.Send("ok_fallback", 2)
	c.log.Info("outbound.send.ok", "address", alt, "attempts", 2)
	return SendResult{Address: alt, Attempts: 2, Fallback: true}, nil
}

// attempt runs one transport send bounded by SendTimeout. A transport that ignores its
// context is abandoned when the deadline passes.
func (m *Manager) attempt(ctx context.Context, t Transport, addr string, p Payload) error {
	actx, cancel := context.WithTimeout(ctx, m.cfg.SendTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("transport send panic: %v", r)
			}
		}()
		done <- t.Send(actx, addr, p)
	}()

	select {
	case err := <-done:
		if err != nil && errors.Is(actx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return ErrSendTimeout
		}
		return err
	case <-actx.Done():
		if ctx.Err() == nil {
			return ErrSendTimeout
		}
		return actx.Err()
	}
}

func (c *Controller) destinationAddress(destination string) string {
	if addr, ok := c.ids.AddressFor(destination); ok {
		return addr
	}
	if HasSuffix(destination) {
		return destination
	}
	return DirectAddress(destination)
}

// alternateAddress returns the single retry address for a failed send, or "".
func alternateAddress(addr, destination string) string {
	switch ClassifyAddress(addr) {
	case AddressOpaque:
		return DirectAddress(UserPart(destination))
	case AddressDirect:
		if v := mexicanMobileVariant(UserPart(addr)); v != "" {
			return DirectAddress(v)
		}
	}
	return ""
}

package gateway

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidInput is returned for missing tenant, session name, destination, or payload.
	ErrInvalidInput = errors.New("invalid input")

	// ErrSessionNotFound is returned when no live session exists for the key.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionNotConnected is returned by Send when the session is not connected.
	ErrSessionNotConnected = errors.New("session not connected")

	// ErrDeliveryFailed is returned when every outbound attempt failed.
	ErrDeliveryFailed = errors.New("delivery failed")

	// ErrRateLimited is returned when a session exceeds its outbound send rate.
	ErrRateLimited = errors.New("send rate limited")

	// ErrSendTimeout is the cause recorded when a transport send exceeds its deadline.
	ErrSendTimeout = errors.New("send timed out")
)

// DeliveryError carries the last address tried and the transport cause.
type DeliveryError struct {
	Address  string
	Attempts int
	Err      error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("%s: %d attempt(s), last address %s: %v", ErrDeliveryFailed.Error(), e.Attempts, e.Address, e.Err)
}

func (e *DeliveryError) Unwrap() []error { return []error{ErrDeliveryFailed, e.Err} }

package realtime

import (
	"sync"

	v1 "wagate/shared/contracts/realtime/v1"
)

// Subscriber is one connected feed client.
//
// Send is never closed by the server so concurrent publishers cannot panic; done signals
// shutdown instead. Close is idempotent.
type Subscriber struct {
	ID   string
	Send chan v1.Envelope

	done      chan struct{}
	closeOnce sync.Once
}

// NewSubscriber constructs a Subscriber with a bounded send queue.
func NewSubscriber(id string, sendQueueSize int) *Subscriber {
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	return &Subscriber{
		ID:   id,
		Send: make(chan v1.Envelope, sendQueueSize),
		done: make(chan struct{}),
	}
}

// Done returns a channel that is closed when the subscriber is shutting down.
func (s *Subscriber) Done() <-chan struct{} {
	if s == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return s.done
}

// Close signals the subscriber goroutines to stop.
func (s *Subscriber) Close() {
	if s == nil {
		return
	}
	s.closeOnce.Do(func() {
		close(s.done)
	})
}

// offer enqueues env without blocking; it reports false when the queue is full or the
// subscriber is shutting down.
func (s *Subscriber) offer(env v1.Envelope) bool {
	select {
	case <-s.done:
		return false
	default:
	}

	select {
	case s.Send <- env:
		return true
	default:
		return false
	}
}

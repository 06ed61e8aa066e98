package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"wagate/cmd/internal/metrics"
)

const defaultForwardTimeout = 15 * time.Second

// InboundEvent is the normalized conversational event shipped to the workflow engine.
type InboundEvent struct {
	TenantID        int64
	SessionName     string
	SessionKey      string
	OriginAddress   string
	OriginalAddress string
	PushName        string
	Resolved        bool
	Text            string
	MessageID       string
	Timestamp       time.Time
}

// EventSink receives accepted inbound events.
type EventSink interface {
	Deliver(ctx context.Context, ev InboundEvent) error
}

// DropReason names the filter that rejected an inbound message ("" = accepted).
type DropReason string

const (
	DropNone         DropReason = ""
	DropSelfAuthored DropReason = "self_authored"
	DropBroadcast    DropReason = "broadcast"
	DropGroup        DropReason = "group"
	DropStale        DropReason = "stale"
	DropEmpty        DropReason = "empty"
	DropBackfill     DropReason = "backfill"
)

// Classify applies the inbound filters in order.
func Classify(msg *InboundMessage, startedAt time.Time) DropReason {
	if msg == nil {
		return DropEmpty
	}
	if msg.FromMe {
		return DropSelfAuthored
	}
	switch ClassifyAddress(msg.ChatAddress) {
	case AddressBroadcast, AddressNewsletter:
		return DropBroadcast
	case AddressGroup:
		return DropGroup
	}
	if !startedAt.IsZero() && msg.Timestamp.Before(startedAt) {
		return DropStale
	}
	if msg.Content == nil {
		return DropEmpty
	}
	if msg.Backfill {
		return DropBackfill
	}
	return DropNone
}

// MessageText renders message content as the text forwarded to the workflow engine.
func MessageText(c *MessageContent) string {
	if c == nil {
		return ""
	}
	switch c.Kind {
	case ContentText:
		return c.Text
	case ContentImage:
		if c.Caption != "" {
			return "[Imagen] " + c.Caption
		}
		return "[Imagen sin caption]"
	case ContentVideo:
		if c.Caption != "" {
			return "[Video] " + c.Caption
		}
		return "[Video sin caption]"
	case ContentAudio:
		return "[Audio]"
	case ContentDocument:
		return "[Documento]"
	case ContentSticker:
		return "[Sticker]"
	default:
		return "[Mensaje multimedia]"
	}
}

type sessionInfo struct {
	tenantID    int64
	sessionName string
	key         string
	startedAt   time.Time
}

// Forwarder filters inbound messages and ships accepted ones to the sink, fire-and-forget.
type Forwarder struct {
	log     *slog.Logger
	sink    EventSink
	metrics *metrics.Metrics
	timeout time.Duration

	wg sync.WaitGroup
}

// NewForwarder constructs a Forwarder. A nil sink drops accepted events after logging.
func NewForwarder(log *slog.Logger, sink EventSink, m *metrics.Metrics, timeout time.Duration) *Forwarder {
	if log == nil {
		log = slog.Default()
	}
	if timeout <= 0 {
		timeout = defaultForwardTimeout
	}
	return &Forwarder{log: log, sink: sink, metrics: m, timeout: timeout}
}

// Handle classifies msg, resolves its sender, and ships the normalized event.
// It returns the event and true when the message was accepted.
func (f *Forwarder) Handle(ctx context.Context, sess sessionInfo, ids *IdentityCache, lk Lookuper, msg *InboundMessage) (InboundEvent, bool) {
	if reason := Classify(msg, sess.startedAt); reason != DropNone {
		f.metrics.Dropped(string(reason))
		f.log.Debug("inbound.drop", "session_key", sess.key, "reason", string(reason))
		return InboundEvent{}, false
	}

	mapping := ids.Observe(ctx, lk, msg.ChatAddress, msg.PushName)

	ev := InboundEvent{
		TenantID:        sess.tenantID,
		SessionName:     sess.sessionName,
		SessionKey:      sess.key,
		OriginAddress:   UserPart(mapping.ResolvedAddress),
		OriginalAddress: msg.ChatAddress,
		PushName:        mapping.PushName,
		Resolved:        mapping.Resolved,
		Text:            MessageText(msg.Content),
		MessageID:       msg.ID,
		Timestamp:       msg.Timestamp.UTC(),
	}

	f.metrics.Forwarded()
	f.ship(ev)
	return ev, true
}

func (f *Forwarder) ship(ev InboundEvent) {
	if f.sink == nil {
		f.log.Info("inbound.forward.skip", "session_key", ev.SessionKey, "reason", "no_sink")
		return
	}

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				f.log.Error("inbound.forward.panic", "session_key", ev.SessionKey, "panic", r)
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
		defer cancel()

		if err := f.sink.Deliver(ctx, ev); err != nil {
			f.log.Warn("inbound.forward.fail", "session_key", ev.SessionKey, "message_id", ev.MessageID, "err", err)
		}
	}()
}

// Wait blocks until in-flight deliveries finish.
func (f *Forwarder) Wait() {
	f.wg.Wait()
}

package realtime

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"wagate/cmd/internal/gateway"
	"wagate/cmd/internal/ids"
	"wagate/cmd/internal/metrics"
	v1 "wagate/shared/contracts/realtime/v1"
)

// Feed fans session changes out to subscribers by session key. It implements
// gateway.Notifier: publishing never blocks and never calls back into the manager.
type Feed struct {
	log     *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu     sync.RWMutex
	topics map[string]map[string]*Subscriber
}

// NewFeed constructs an empty Feed.
func NewFeed(log *slog.Logger, m *metrics.Metrics) *Feed {
	if log == nil {
		log = slog.Default()
	}
	return &Feed{
		log:     log,
		metrics: m,
		now:     time.Now,
		topics:  make(map[string]map[string]*Subscriber),
	}
}

// Subscribe adds s to the topic for key.
func (f *Feed) Subscribe(key string, s *Subscriber) {
	if s == nil || s.ID == "" || key == "" {
		return
	}

	f.mu.Lock()
	subs, ok := f.topics[key]
	if !ok {
		subs = make(map[string]*Subscriber)
		f.topics[key] = subs
	}
	subs[s.ID] = s
	f.mu.Unlock()

	f.log.Debug("feed.subscribe", "session_key", key, "subscriber_id", s.ID)
}

// Unsubscribe removes a subscriber from key's topic; empty topics are dropped.
func (f *Feed) Unsubscribe(key, subscriberID string) {
	f.mu.Lock()
	if subs, ok := f.topics[key]; ok {
		delete(subs, subscriberID)
		if len(subs) == 0 {
			delete(f.topics, key)
		}
	}
	f.mu.Unlock()
}

// Subscribers returns the number of subscribers following key.
func (f *Feed) Subscribers(key string) int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.topics[key])
}

// SessionChanged publishes the snapshot, and the pairing artifact when one was issued.
func (f *Feed) SessionChanged(snap gateway.Snapshot, artifact *gateway.PairingArtifact) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	subs := f.topics[snap.Key]
	if len(subs) == 0 {
		return
	}

	now := f.now().UTC()
	envs := []v1.Envelope{stateEnvelope(snap, true, now)}
	if artifact != nil {
		envs = append(envs, pairingEnvelope(*artifact, now))
	}

	for _, env := range envs {
		for _, s := range subs {
			if !s.offer(env) {
				f.metrics.FeedDrop(env.Type)
				f.log.Debug("feed.drop", "session_key", snap.Key, "subscriber_id", s.ID, "type", env.Type)
			}
		}
	}
}

// ---- envelope builders ----

func newEnvelope(typ string, payload any, ts time.Time) v1.Envelope {
	raw, _ := json.Marshal(payload)
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      ids.Must(ts),
		TS:      ts,
		Payload: raw,
	}
}

func stateEnvelope(snap gateway.Snapshot, live bool, ts time.Time) v1.Envelope {
	p := v1.SessionStatePayload{
		SessionKey:        snap.Key,
		TenantID:          snap.TenantID,
		SessionName:       snap.SessionName,
		State:             string(snap.State),
		Live:              live,
		SelfAddress:       snap.SelfAddress,
		StartedAt:         timePtr(snap.StartedAt),
		LastConnectedAt:   timePtr(snap.LastConnectedAt),
		ReconnectAttempts: snap.ReconnectAttempts,
		AwaitingPairing:   snap.AwaitingPairing,
	}
	return newEnvelope(v1.TypeSessionState, p, ts)
}

func pairingEnvelope(a gateway.PairingArtifact, ts time.Time) v1.Envelope {
	return newEnvelope(v1.TypeSessionPairing, v1.SessionPairingPayload{
		SessionKey: a.Key,
		QR:         a.Rendered,
		IssuedAt:   a.IssuedAt.UTC(),
	}, ts)
}

func errorEnvelope(code, msg string, ts time.Time) v1.Envelope {
	return newEnvelope(v1.TypeError, v1.ErrorPayload{Code: code, Message: msg}, ts)
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}

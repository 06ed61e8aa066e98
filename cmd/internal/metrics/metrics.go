// Package metrics defines the Prometheus collectors exported by the gateway.
//
// Every method is nil-safe so components can run without metrics in tests.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "wagate"

// Metrics groups the gateway collectors.
type Metrics struct {
	SessionsByState  *prometheus.GaugeVec
	Transitions      *prometheus.CounterVec
	Reconnects       *prometheus.CounterVec
	Sends            *prometheus.CounterVec
	SendAttempts     prometheus.Histogram
	WebhookPosts     *prometheus.CounterVec
	InboundDropped   *prometheus.CounterVec
	InboundForwarded prometheus.Counter
	WatchdogHeals    *prometheus.CounterVec
	Resolutions      *prometheus.CounterVec
	FeedClients      prometheus.Gauge
	FeedDropped      *prometheus.CounterVec
}

// New constructs the collectors and registers them on reg (nil reg skips registration).
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SessionsByState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions",
			Help:      "Live tenant sessions by lifecycle state.",
		}, []string{"state"}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_transitions_total",
			Help:      "Session state transitions.",
		}, []string{"from", "to"}),
		Reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Reconnection attempts by outcome (scheduled, exhausted, connected).",
		}, []string{"outcome"}),
		Sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbound_sends_total",
			Help:      "Outbound send calls by result.",
		}, []string{"result"}),
		SendAttempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "outbound_send_attempts",
			Help:      "Transport attempts per outbound send call.",
			Buckets:   []float64{1, 2},
		}),
		WebhookPosts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_posts_total",
			Help:      "Workflow webhook posts by result.",
		}, []string{"result"}),
		InboundDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_dropped_total",
			Help:      "Inbound events dropped by the forwarder, by reason.",
		}, []string{"reason"}),
		InboundForwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_forwarded_total",
			Help:      "Inbound events accepted for forwarding.",
		}),
		WatchdogHeals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "watchdog_heals_total",
			Help:      "Watchdog interventions by level (soft, hard).",
		}, []string{"level"}),
		Resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "identity_resolutions_total",
			Help:      "Identity resolution outcomes (direct, resolved, unresolved, cached).",
		}, []string{"outcome"}),
		FeedClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "feed_clients",
			Help:      "Connected status feed clients.",
		}),
		FeedDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feed_dropped_total",
			Help:      "Status feed envelopes dropped under backpressure, by type.",
		}, []string{"type"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.SessionsByState,
			m.Transitions,
			m.Reconnects,
			m.Sends,
			m.SendAttempts,
			m.WebhookPosts,
			m.InboundDropped,
			m.InboundForwarded,
			m.WatchdogHeals,
			m.Resolutions,
			m.FeedClients,
			m.FeedDropped,
		)
	}
	return m
}

// ObserveTransition moves one session from one state gauge to another.
func (m *Metrics) ObserveTransition(from, to string) {
	if m == nil || from == to {
		return
	}
	m.Transitions.WithLabelValues(from, to).Inc()
	if from != "" {
		m.SessionsByState.WithLabelValues(from).Dec()
	}
	if to != "" {
		m.SessionsByState.WithLabelValues(to).Inc()
	}
}

// Forget removes a session that left the registry from its state gauge.
func (m *Metrics) Forget(state string) {
	if m == nil || state == "" {
		return
	}
	m.SessionsByState.WithLabelValues(state).Dec()
}

// Reconnect counts a reconnect outcome.
func (m *Metrics) Reconnect(outcome string) {
	if m == nil {
		return
	}
	m.Reconnects.WithLabelValues(outcome).Inc()
}

// Send records one outbound send call.
func (m *Metrics) Send(result string, attempts int) {
	if m == nil {
		return
	}
	m.Sends.WithLabelValues(result).Inc()
	if attempts > 0 {
		m.SendAttempts.Observe(float64(attempts))
	}
}

// Webhook counts a webhook post result.
func (m *Metrics) Webhook(result string) {
	if m == nil {
		return
	}
	m.WebhookPosts.WithLabelValues(result).Inc()
}

// Dropped counts an inbound drop.
func (m *Metrics) Dropped(reason string) {
	if m == nil {
		return
	}
	m.InboundDropped.WithLabelValues(reason).Inc()
}

// Forwarded counts an accepted inbound event.
func (m *Metrics) Forwarded() {
	if m == nil {
		return
	}
	m.InboundForwarded.Inc()
}

// Heal counts a watchdog intervention.
func (m *Metrics) Heal(level string) {
	if m == nil {
		return
	}
	m.WatchdogHeals.WithLabelValues(level).Inc()
}

// Resolution counts an identity resolution outcome.
func (m *Metrics) Resolution(outcome string) {
	if m == nil {
		return
	}
	m.Resolutions.WithLabelValues(outcome).Inc()
}

// FeedClient adjusts the connected feed client gauge by delta.
func (m *Metrics) FeedClient(delta int) {
	if m == nil {
		return
	}
	m.FeedClients.Add(float64(delta))
}

// FeedDrop counts a status feed envelope dropped under backpressure.
func (m *Metrics) FeedDrop(typ string) {
	if m == nil {
		return
	}
	m.FeedDropped.WithLabelValues(typ).Inc()
}

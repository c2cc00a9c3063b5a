// Package metrics exposes Prometheus collectors for the gateway session and
// the REST executor. A nil *Metrics is valid and records nothing.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every collector the service records.
type Metrics struct {
	envelopesReceived *prometheus.CounterVec
	envelopesSent     *prometheus.CounterVec
	heartbeatsSent    prometheus.Counter
	heartbeatSkipped  prometheus.Counter
	reconnects        *prometheus.CounterVec
	sessionState      *prometheus.GaugeVec
	eventsDispatched  *prometheus.CounterVec
	eventsDropped     *prometheus.CounterVec
	restRequests      *prometheus.CounterVec
	restRetries       *prometheus.CounterVec
	restDuration      *prometheus.HistogramVec
}

// Option configures New.
type Option func(*config)

type config struct {
	namespace string
	registry  prometheus.Registerer
}

// WithNamespace sets the metrics namespace (default "gatewayd").
func WithNamespace(ns string) Option {
	return func(c *config) { c.namespace = ns }
}

// WithRegistry sets the registerer (default prometheus.DefaultRegisterer).
func WithRegistry(r prometheus.Registerer) Option {
	return func(c *config) { c.registry = r }
}

// New creates and registers the collectors.
func New(opts ...Option) *Metrics {
	cfg := config{namespace: "gatewayd", registry: prometheus.DefaultRegisterer}
	for _, o := range opts {
		o(&cfg)
	}
	ns := cfg.namespace

	m := &Metrics{
		envelopesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "gateway", Name: "envelopes_received_total",
			Help: "Inbound gateway envelopes by opcode.",
		}, []string{"op"}),
		envelopesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "gateway", Name: "envelopes_sent_total",
			Help: "Outbound gateway envelopes by opcode.",
		}, []string{"op"}),
		heartbeatsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "gateway", Name: "heartbeats_sent_total",
			Help: "Heartbeats sent by the heartbeat task.",
		}),
		heartbeatSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "gateway", Name: "heartbeats_skipped_total",
			Help: "Heartbeat cycles skipped because no sequence number was known.",
		}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "gateway", Name: "reconnects_total",
			Help: "Connection restarts by reason.",
		}, []string{"reason"}),
		sessionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: "gateway", Name: "session_state",
			Help: "1 for the current session state of each shard.",
		}, []string{"shard", "state"}),
		eventsDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "dispatch", Name: "events_total",
			Help: "Events forwarded to the handler by type.",
		}, []string{"type"}),
		eventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "dispatch", Name: "events_dropped_total",
			Help: "Dispatches dropped because their event name is not in the catalog.",
		}, []string{"type"}),
		restRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "rest", Name: "requests_total",
			Help: "REST attempts by method and status class.",
		}, []string{"method", "status"}),
		restRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "rest", Name: "ratelimit_retries_total",
			Help: "Requests retried after a 429, by scope.",
		}, []string{"scope"}),
		restDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns, Subsystem: "rest", Name: "request_duration_seconds",
			Help: "REST attempt latency including rate limit waits.", Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
	}

	cfg.registry.MustRegister(
		m.envelopesReceived, m.envelopesSent, m.heartbeatsSent, m.heartbeatSkipped,
		m.reconnects, m.sessionState, m.eventsDispatched, m.eventsDropped,
		m.restRequests, m.restRetries, m.restDuration,
	)
	return m
}

func (m *Metrics) EnvelopeReceived(op string) {
	if m == nil {
		return
	}
	m.envelopesReceived.WithLabelValues(op).Inc()
}

func (m *Metrics) EnvelopeSent(op string) {
	if m == nil {
		return
	}
	m.envelopesSent.WithLabelValues(op).Inc()
}

func (m *Metrics) HeartbeatSent() {
	if m == nil {
		return
	}
	m.heartbeatsSent.Inc()
}

func (m *Metrics) HeartbeatSkipped() {
	if m == nil {
		return
	}
	m.heartbeatSkipped.Inc()
}

func (m *Metrics) Reconnect(reason string) {
	if m == nil {
		return
	}
	m.reconnects.WithLabelValues(reason).Inc()
}

// SessionState marks state as the current state of shard among all states.
func (m *Metrics) SessionState(shard int, state string, all []string) {
	if m == nil {
		return
	}
	id := strconv.Itoa(shard)
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		m.sessionState.WithLabelValues(id, s).Set(v)
	}
}

func (m *Metrics) EventDispatched(eventType string) {
	if m == nil {
		return
	}
	m.eventsDispatched.WithLabelValues(eventType).Inc()
}

func (m *Metrics) EventDropped(eventType string) {
	if m == nil {
		return
	}
	m.eventsDropped.WithLabelValues(eventType).Inc()
}

// RESTRequest records one attempt. status 0 means a transport failure.
func (m *Metrics) RESTRequest(method string, status int, seconds float64) {
	if m == nil {
		return
	}
	class := "error"
	if status > 0 {
		class = strconv.Itoa(status/100) + "xx"
	}
	m.restRequests.WithLabelValues(method, class).Inc()
	m.restDuration.WithLabelValues(method).Observe(seconds)
}

func (m *Metrics) RESTRetry(global bool) {
	if m == nil {
		return
	}
	scope := "bucket"
	if global {
		scope = "global"
	}
	m.restRetries.WithLabelValues(scope).Inc()
}

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the detection relay.
// A nil *Metrics is valid and records nothing, so components can be
// constructed without metrics in tests.
type Metrics struct {
	registry              *prometheus.Registry
	requestsTotal         prometheus.Counter
	errorsTotal           prometheus.Counter
	activeSessions        prometheus.Gauge
	engineChannels        prometheus.Gauge
	sessionsEndedTotal    *prometheus.CounterVec
	sessionsPersisted     prometheus.Counter
	persistFailuresTotal  prometheus.Counter
	cacheHitsTotal        prometheus.Counter
	cacheMissesTotal      prometheus.Counter
	engineMessagesTotal   *prometheus.CounterVec
	protocolErrorsTotal   prometheus.Counter
	framesDroppedTotal    prometheus.Counter
	engineOpenFailedTotal prometheus.Counter
}

// New creates and registers Prometheus metrics for the relay.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_requests_total",
			Help: "Total number of HTTP requests received",
		}),
		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_errors_total",
			Help: "Total number of HTTP responses with error status (4xx or 5xx)",
		}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_active_sessions",
			Help: "Number of detection sessions that have not reached a terminal state",
		}),
		engineChannels: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_engine_channels",
			Help: "Number of open detection engine channels",
		}),
		sessionsEndedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_sessions_ended_total",
			Help: "Sessions that reached a terminal state, by state",
		}, []string{"state"}),
		sessionsPersisted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_sessions_persisted_total",
			Help: "Session summaries handed to the persistence collaborator",
		}),
		persistFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_persist_failures_total",
			Help: "Session summaries the persistence collaborator rejected",
		}),
		cacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_media_cache_hits_total",
			Help: "Media requests served from the artifact cache",
		}),
		cacheMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_media_cache_misses_total",
			Help: "Media requests that required an upstream fetch",
		}),
		engineMessagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_engine_messages_total",
			Help: "Engine messages forwarded to clients, by engine message type",
		}, []string{"type"}),
		protocolErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_protocol_errors_total",
			Help: "Malformed or unknown client messages that were dropped",
		}),
		framesDroppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_frames_dropped_total",
			Help: "Camera frames dropped because a frame was already in flight",
		}),
		engineOpenFailedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_engine_open_failures_total",
			Help: "Engine channels that could not be established",
		}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.errorsTotal,
		m.activeSessions,
		m.engineChannels,
		m.sessionsEndedTotal,
		m.sessionsPersisted,
		m.persistFailuresTotal,
		m.cacheHitsTotal,
		m.cacheMissesTotal,
		m.engineMessagesTotal,
		m.protocolErrorsTotal,
		m.framesDroppedTotal,
		m.engineOpenFailedTotal,
	)

	return m
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	if m != nil {
		m.requestsTotal.Inc()
	}
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	if m != nil {
		m.errorsTotal.Inc()
	}
}

// SetActiveSessions sets the active sessions gauge.
func (m *Metrics) SetActiveSessions(n int) {
	if m != nil {
		m.activeSessions.Set(float64(n))
	}
}

// SetEngineChannels sets the open engine channel gauge.
func (m *Metrics) SetEngineChannels(n int) {
	if m != nil {
		m.engineChannels.Set(float64(n))
	}
}

// IncSessionsEnded counts a session reaching the given terminal state.
func (m *Metrics) IncSessionsEnded(state string) {
	if m != nil {
		m.sessionsEndedTotal.WithLabelValues(state).Inc()
	}
}

// IncSessionsPersisted counts a summary accepted by the persistence collaborator.
func (m *Metrics) IncSessionsPersisted() {
	if m != nil {
		m.sessionsPersisted.Inc()
	}
}

// IncPersistFailures counts a summary the persistence collaborator rejected.
func (m *Metrics) IncPersistFailures() {
	if m != nil {
		m.persistFailuresTotal.Inc()
	}
}

// IncCacheHits counts a media cache hit.
func (m *Metrics) IncCacheHits() {
	if m != nil {
		m.cacheHitsTotal.Inc()
	}
}

// IncCacheMisses counts a media cache miss.
func (m *Metrics) IncCacheMisses() {
	if m != nil {
		m.cacheMissesTotal.Inc()
	}
}

// IncEngineMessages counts an engine message of the given type.
func (m *Metrics) IncEngineMessages(msgType string) {
	if m != nil {
		m.engineMessagesTotal.WithLabelValues(msgType).Inc()
	}
}

// IncProtocolErrors counts a dropped client message.
func (m *Metrics) IncProtocolErrors() {
	if m != nil {
		m.protocolErrorsTotal.Inc()
	}
}

// IncFramesDropped counts a camera frame dropped at the mailbox.
func (m *Metrics) IncFramesDropped() {
	if m != nil {
		m.framesDroppedTotal.Inc()
	}
}

// IncEngineOpenFailures counts an engine channel that failed to open.
func (m *Metrics) IncEngineOpenFailures() {
	if m != nil {
		m.engineOpenFailedTotal.Inc()
	}
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values (e.g. active sessions).
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}

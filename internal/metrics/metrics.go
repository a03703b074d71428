// Package metrics provides Prometheus metrics for Kaja Relay.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "kaja_relay"
)

// Metrics contains all Prometheus metrics for the relay.
type Metrics struct {
	// Packet metrics
	PacketsReceived prometheus.Counter
	PacketsDropped  *prometheus.CounterVec
	ChunksReceived  prometheus.Counter
	RepliesSent     prometheus.Counter

	// Session metrics
	SessionsActive  prometheus.Gauge
	SessionsCreated prometheus.Counter
	CheckinsTotal   *prometheus.CounterVec
	CheckinDuration prometheus.Histogram

	// Backend metrics
	BackendConnects       prometheus.Counter
	BackendConnectErrors  prometheus.Counter
	BackendFramesSent     prometheus.Counter
	BackendFramesReceived prometheus.Counter
	BytesToBackend        prometheus.Counter
	BytesFromBackend      prometheus.Counter

	// Payload bootstrap metrics
	PayloadFetches   prometheus.Counter
	PayloadCacheHits prometheus.Counter

	// Runtime metrics
	PanicsRecovered prometheus.Counter
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	m := &Metrics{
		// Packet metrics
		PacketsReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_received_total",
			Help:      "Total tagged echo requests received",
		}),
		PacketsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_dropped_total",
			Help:      "Total inbound packets dropped by reason",
		}, []string{"reason"}),
		ChunksReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_received_total",
			Help:      "Total data chunks routed to a session",
		}),
		RepliesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replies_sent_total",
			Help:      "Total echo replies sent to agents",
		}),

		// Session metrics
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of registered agent sessions",
		}),
		SessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_created_total",
			Help:      "Total agent sessions created",
		}),
		CheckinsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkins_total",
			Help:      "Total checkin cycles by outcome",
		}, []string{"outcome"}),
		CheckinDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "checkin_duration_seconds",
			Help:      "Histogram of checkin cycle duration in seconds",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}),

		// Backend metrics
		BackendConnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_connects_total",
			Help:      "Total backend connections established",
		}),
		BackendConnectErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_connect_errors_total",
			Help:      "Total backend connection failures",
		}),
		BackendFramesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_frames_sent_total",
			Help:      "Total frames sent to the backend",
		}),
		BackendFramesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_frames_received_total",
			Help:      "Total frames received from the backend",
		}),
		BytesToBackend: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_to_backend_total",
			Help:      "Total frame payload bytes sent to the backend",
		}),
		BytesFromBackend: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_from_backend_total",
			Help:      "Total frame payload bytes received from the backend",
		}),

		// Payload bootstrap metrics
		PayloadFetches: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payload_fetches_total",
			Help:      "Total payload bootstrap exchanges with the backend",
		}),
		PayloadCacheHits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payload_cache_hits_total",
			Help:      "Total payload requests served from the session cache",
		}),

		// Runtime metrics
		PanicsRecovered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "panics_recovered_total",
			Help:      "Total panics recovered in checkin goroutines",
		}),
	}

	return m
}

// RecordPacketReceived records a tagged echo request.
func (m *Metrics) RecordPacketReceived() {
	m.PacketsReceived.Inc()
}

// RecordPacketDropped records a dropped inbound packet.
func (m *Metrics) RecordPacketDropped(reason string) {
	m.PacketsDropped.WithLabelValues(reason).Inc()
}

// RecordChunkReceived records a data chunk routed to a session.
func (m *Metrics) RecordChunkReceived() {
	m.ChunksReceived.Inc()
}

// RecordReplySent records an echo reply sent to an agent.
func (m *Metrics) RecordReplySent() {
	m.RepliesSent.Inc()
}

// RecordSessionCreated records a new agent session.
func (m *Metrics) RecordSessionCreated() {
	m.SessionsActive.Inc()
	m.SessionsCreated.Inc()
}

// RecordCheckin records a completed checkin cycle.
func (m *Metrics) RecordCheckin(outcome string, durationSeconds float64) {
	m.CheckinsTotal.WithLabelValues(outcome).Inc()
	m.CheckinDuration.Observe(durationSeconds)
}

// RecordBackendConnect records a backend connection.
func (m *Metrics) RecordBackendConnect() {
	m.BackendConnects.Inc()
}

// RecordBackendConnectError records a backend connection failure.
func (m *Metrics) RecordBackendConnectError() {
	m.BackendConnectErrors.Inc()
}

// RecordFrameSent records a frame sent to the backend.
func (m *Metrics) RecordFrameSent(bytes int) {
	m.BackendFramesSent.Inc()
	m.BytesToBackend.Add(float64(bytes))
}

// RecordFrameReceived records a frame received from the backend.
func (m *Metrics) RecordFrameReceived(bytes int) {
	m.BackendFramesReceived.Inc()
	m.BytesFromBackend.Add(float64(bytes))
}

// RecordPayloadFetch records a payload bootstrap exchange.
func (m *Metrics) RecordPayloadFetch() {
	m.PayloadFetches.Inc()
}

// RecordPayloadCacheHit records a payload served from cache.
func (m *Metrics) RecordPayloadCacheHit() {
	m.PayloadCacheHits.Inc()
}

// RecordPanic records a recovered panic.
func (m *Metrics) RecordPanic() {
	m.PanicsRecovered.Inc()
}

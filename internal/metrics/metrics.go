package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics of the voicelink server.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Session metrics
	SessionsCreated prometheus.Counter
	QuotaRejections prometheus.Counter
	SessionsEnded   *prometheus.CounterVec
	Heartbeats      prometheus.Counter
	ActiveSessions  prometheus.Gauge
	SessionLifetime prometheus.Histogram

	// Relay worker metrics
	WorkerCommands *prometheus.CounterVec

	// Channel server metrics
	SignalConnections prometheus.Gauge

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// New creates the metrics and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		SessionsCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "voicelink_sessions_created_total",
			Help: "Total number of sessions issued",
		}),
		QuotaRejections: f.NewCounter(prometheus.CounterOpts{
			Name: "voicelink_quota_rejections_total",
			Help: "Total number of session requests rejected by the daily quota",
		}),
		SessionsEnded: f.NewCounterVec(prometheus.CounterOpts{
			Name: "voicelink_sessions_ended_total",
			Help: "Total number of sessions removed, by reason",
		}, []string{"reason"}),
		Heartbeats: f.NewCounter(prometheus.CounterOpts{
			Name: "voicelink_heartbeats_total",
			Help: "Total number of accepted heartbeats",
		}),
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "voicelink_active_sessions",
			Help: "Number of live sessions",
		}),
		SessionLifetime: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "voicelink_session_lifetime_seconds",
			Help:    "Time between session creation and removal",
			Buckets: []float64{10, 30, 60, 300, 600, 900, 1800, 3600},
		}),

		WorkerCommands: f.NewCounterVec(prometheus.CounterOpts{
			Name: "voicelink_worker_commands_total",
			Help: "Relay worker commands, by command and result",
		}, []string{"command", "result"}),

		SignalConnections: f.NewGauge(prometheus.GaugeOpts{
			Name: "voicelink_signal_connections",
			Help: "Open signaling websockets",
		}),

		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "voicelink_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "voicelink_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
	}
}

func (m *Metrics) RecordSessionCreated(active int) {
	if m == nil {
		return
	}
	m.SessionsCreated.Inc()
	m.ActiveSessions.Set(float64(active))
}

func (m *Metrics) RecordQuotaRejection() {
	if m == nil {
		return
	}
	m.QuotaRejections.Inc()
}

// RecordSessionEnded counts the removal and observes how long the session lived.
func (m *Metrics) RecordSessionEnded(reason string, lifetime time.Duration, active int) {
	if m == nil {
		return
	}
	m.SessionsEnded.WithLabelValues(reason).Inc()
	m.SessionLifetime.Observe(lifetime.Seconds())
	m.ActiveSessions.Set(float64(active))
}

func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(n))
}

func (m *Metrics) RecordHeartbeat() {
	if m == nil {
		return
	}
	m.Heartbeats.Inc()
}

func (m *Metrics) RecordWorkerCommand(command, result string) {
	if m == nil {
		return
	}
	m.WorkerCommands.WithLabelValues(command, result).Inc()
}

func (m *Metrics) SignalOpened() {
	if m == nil {
		return
	}
	m.SignalConnections.Inc()
}

func (m *Metrics) SignalClosed() {
	if m == nil {
		return
	}
	m.SignalConnections.Dec()
}

// RecordHTTPRequest records one finished request.
func (m *Metrics) RecordHTTPRequest(method, endpoint, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, endpoint, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(d.Seconds())
}

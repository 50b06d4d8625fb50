// Package metrics holds the gateway's Prometheus metrics. Every Record method
// is safe to call on a nil *Metrics so components can run without metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the gateway.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Live session metrics
	LiveSessionsActive  prometheus.Gauge
	LiveSessionsTotal   *prometheus.CounterVec
	LiveSessionDuration prometheus.Histogram
	LiveAudioBytesTotal *prometheus.CounterVec
	DroppedFramesTotal  *prometheus.CounterVec
	BackendEventsTotal  *prometheus.CounterVec
	TurnLatency         prometheus.Histogram

	// Credential metrics
	CredentialAcquireDuration prometheus.Histogram
	CredentialFailuresTotal   *prometheus.CounterVec
	CredentialsAvailable      prometheus.GaugeFunc

	// Audit metrics
	AuditRecordsTotal *prometheus.CounterVec

	// Error metrics
	ErrorsTotal *prometheus.CounterVec

	// Rate limit metrics
	RateLimitHits *prometheus.CounterVec
}

// New creates a Metrics instance with all collectors registered on a private
// registry. available, when non-nil, backs the credentials_available gauge.
func New(namespace string, available func() int) *Metrics {
	if namespace == "" {
		namespace = "voicegw"
	}

	registry := prometheus.NewRegistry()

	requestsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	requestDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"method", "route"},
	)

	liveSessionsActive := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_sessions_active",
			Help:      "Number of active live sessions",
		},
	)

	liveSessionsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "live_sessions_total",
			Help:      "Total number of live sessions by outcome",
		},
		[]string{"outcome"},
	)

	liveSessionDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "live_session_duration_seconds",
			Help:      "Live session duration in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		},
	)

	liveAudioBytesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "live_audio_bytes_total",
			Help:      "Total audio bytes relayed in live sessions",
		},
		[]string{"direction"},
	)

	droppedFramesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "live_dropped_frames_total",
			Help:      "Client audio frames dropped before reaching the backend",
		},
		[]string{"reason"},
	)

	backendEventsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_events_total",
			Help:      "Backend events decoded by kind",
		},
		[]string{"kind"},
	)

	turnLatency := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_latency_seconds",
			Help:      "Time from end of user input to backend turn completion",
			Buckets:   []float64{0.25, 0.5, 1, 2, 4, 8, 16, 32},
		},
	)

	credentialAcquireDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "credential_acquire_seconds",
			Help:      "Time spent waiting for a backend credential",
			Buckets:   []float64{0.001, 0.01, 0.1, 1, 5, 15, 30, 60},
		},
	)

	credentialFailuresTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credential_failures_total",
			Help:      "Credentials reported as rejected by the backend",
		},
		[]string{"credential"},
	)

	auditRecordsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_records_total",
			Help:      "Audit records by result (written, failed, dropped)",
		},
		[]string{"result"},
	)

	errorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Total number of errors",
		},
		[]string{"component", "error_type"},
	)

	rateLimitHits := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_hits_total",
			Help:      "Total number of rate limit hits",
		},
		[]string{"limit_type"},
	)

	registry.MustRegister(
		requestsTotal,
		requestDuration,
		liveSessionsActive,
		liveSessionsTotal,
		liveSessionDuration,
		liveAudioBytesTotal,
		droppedFramesTotal,
		backendEventsTotal,
		turnLatency,
		credentialAcquireDuration,
		credentialFailuresTotal,
		auditRecordsTotal,
		errorsTotal,
		rateLimitHits,
	)

	m := &Metrics{
		registry:                  registry,
		RequestsTotal:             requestsTotal,
		RequestDuration:           requestDuration,
		LiveSessionsActive:        liveSessionsActive,
		LiveSessionsTotal:         liveSessionsTotal,
		LiveSessionDuration:       liveSessionDuration,
		LiveAudioBytesTotal:       liveAudioBytesTotal,
		DroppedFramesTotal:        droppedFramesTotal,
		BackendEventsTotal:        backendEventsTotal,
		TurnLatency:               turnLatency,
		CredentialAcquireDuration: credentialAcquireDuration,
		CredentialFailuresTotal:   credentialFailuresTotal,
		AuditRecordsTotal:         auditRecordsTotal,
		ErrorsTotal:               errorsTotal,
		RateLimitHits:             rateLimitHits,
	}

	if available != nil {
		m.CredentialsAvailable = prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "credentials_available",
				Help:      "Backend credentials currently able to serve a request",
			},
			func() float64 { return float64(available()) },
		)
		registry.MustRegister(m.CredentialsAvailable)
	}

	return m
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Gatherer exposes the private registry, mainly for tests.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}

// RecordRequest records a completed HTTP request.
func (m *Metrics) RecordRequest(method, route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.RequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordLiveSessionStart records a new live session starting.
func (m *Metrics) RecordLiveSessionStart() {
	if m == nil {
		return
	}
	m.LiveSessionsActive.Inc()
}

// RecordLiveSessionEnd records a live session ending.
func (m *Metrics) RecordLiveSessionEnd(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.LiveSessionsActive.Dec()
	m.LiveSessionsTotal.WithLabelValues(outcome).Inc()
	m.LiveSessionDuration.Observe(duration.Seconds())
}

// RecordLiveAudio records audio bytes relayed in one direction ("input" or "output").
func (m *Metrics) RecordLiveAudio(direction string, bytes int) {
	if m == nil || bytes <= 0 {
		return
	}
	m.LiveAudioBytesTotal.WithLabelValues(direction).Add(float64(bytes))
}

func (m *Metrics) RecordDroppedFrame(reason string) {
	if m == nil {
		return
	}
	m.DroppedFramesTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordBackendEvent(kind string) {
	if m == nil {
		return
	}
	m.BackendEventsTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordTurnLatency(d time.Duration) {
	if m == nil || d <= 0 {
		return
	}
	m.TurnLatency.Observe(d.Seconds())
}

func (m *Metrics) RecordCredentialAcquire(d time.Duration) {
	if m == nil {
		return
	}
	m.CredentialAcquireDuration.Observe(d.Seconds())
}

// RecordCredentialFailure is labelled by credential suffix, never the secret.
func (m *Metrics) RecordCredentialFailure(suffix string) {
	if m == nil {
		return
	}
	m.CredentialFailuresTotal.WithLabelValues(suffix).Inc()
}

func (m *Metrics) RecordAudit(result string) {
	if m == nil {
		return
	}
	m.AuditRecordsTotal.WithLabelValues(result).Inc()
}

// RecordError records an error.
func (m *Metrics) RecordError(component, errorType string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(component, errorType).Inc()
}

// RecordRateLimitHit records a rate limit hit.
func (m *Metrics) RecordRateLimitHit(limitType string) {
	if m == nil {
		return
	}
	m.RateLimitHits.WithLabelValues(limitType).Inc()
}

// Package metrics holds the gateway's Prometheus collectors. All Record
// methods are safe to call on a nil *Metrics so components can run
// without instrumentation.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "cursorgw"

type Metrics struct {
	registry *prometheus.Registry

	// HTTP surface
	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	// Admission
	rateLimitChecks *prometheus.CounterVec
	queueDepth      prometheus.Gauge
	queueActive     prometheus.Gauge
	queueWait       *prometheus.HistogramVec

	// Retry
	retryAttempts *prometheus.CounterVec
	retryOutcomes *prometheus.CounterVec

	// Credentials
	activeCredentials prometheus.Gauge
	rotations         prometheus.Counter

	// Upstream
	upstreamRequests *prometheus.CounterVec
}

// New creates the collectors on a dedicated registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		requests: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total HTTP requests by route and status code",
			},
			[]string{"route", "status"},
		),
		requestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~80s
			},
			[]string{"route"},
		),

		rateLimitChecks: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ratelimit_checks_total",
				Help:      "Rate limit decisions by result",
			},
			[]string{"result"},
		),
		queueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "admission_queue_depth",
			Help:      "Requests currently waiting for admission",
		}),
		queueActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "admission_active_requests",
			Help:      "Requests currently admitted and in flight",
		}),
		queueWait: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "admission_wait_seconds",
				Help:      "Time spent waiting for admission",
				Buckets:   []float64{0.01, 0.1, 0.5, 1, 5, 10, 30, 60, 120},
			},
			[]string{"outcome"},
		),

		retryAttempts: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retry_attempts_total",
				Help:      "Retries triggered by matched error rules, by classification",
			},
			[]string{"classification"},
		),
		retryOutcomes: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retry_outcomes_total",
				Help:      "Retry engine results",
			},
			[]string{"outcome"},
		),

		activeCredentials: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "credentials_active",
			Help:      "Active credentials in the rotation pool",
		}),
		rotations: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credential_rotations_total",
			Help:      "Credential pool cursor advances",
		}),

		upstreamRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "upstream_requests_total",
				Help:      "Requests sent to the vendor API by endpoint and status",
			},
			[]string{"endpoint", "status"},
		),
	}
}

// Registry returns the registry the collectors are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) RecordRequest(route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(route).Observe(d.Seconds())
}

func (m *Metrics) RecordRateLimit(allowed bool) {
	if m == nil {
		return
	}
	result := "allowed"
	if !allowed {
		result = "blocked"
	}
	m.rateLimitChecks.WithLabelValues(result).Inc()
}

// SetQueue reports the admission queue's current waiting and active counts.
func (m *Metrics) SetQueue(waiting, active int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(waiting))
	m.queueActive.Set(float64(active))
}

// RecordQueueWait records how long a request waited. outcome is one of
// "immediate", "drained", "timeout" or "cancelled".
func (m *Metrics) RecordQueueWait(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.queueWait.WithLabelValues(outcome).Observe(d.Seconds())
}

func (m *Metrics) RecordRetry(classification string) {
	if m == nil {
		return
	}
	if classification == "" {
		classification = "unclassified"
	}
	m.retryAttempts.WithLabelValues(classification).Inc()
}

func (m *Metrics) RecordRetryOutcome(outcome string) {
	if m == nil {
		return
	}
	m.retryOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SetActiveCredentials(n int) {
	if m == nil {
		return
	}
	m.activeCredentials.Set(float64(n))
}

func (m *Metrics) RecordRotation() {
	if m == nil {
		return
	}
	m.rotations.Inc()
}

func (m *Metrics) RecordUpstream(endpoint string, status int) {
	if m == nil {
		return
	}
	m.upstreamRequests.WithLabelValues(endpoint, strconv.Itoa(status)).Inc()
}

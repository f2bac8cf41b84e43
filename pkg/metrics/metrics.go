// Package metrics defines the Prometheus collectors observed by every
// component of the pipeline. A single Metrics value is constructed at
// startup and passed into component constructors; nothing registers
// collectors globally.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics holds every collector exposed at /metrics.
type Metrics struct {
	Registry *prometheus.Registry

	// HTTP ingress
	HTTPRequests *prometheus.CounterVec   // method, path, status
	HTTPLatency  *prometheus.HistogramVec // method, path

	// Webhook admission
	EventsAdmitted   *prometheus.CounterVec // platform, status (accepted|duplicate|rejected)
	SignatureRejects prometheus.Counter

	// Queue
	JobsEnqueued  *prometheus.CounterVec   // type, priority
	JobsCompleted *prometheus.CounterVec   // type, outcome (succeeded|failed|dead|cancelled)
	JobLatency    *prometheus.HistogramVec // type
	QueueDepth    *prometheus.GaugeVec     // type

	// Upstream protection
	BreakerState      *prometheus.GaugeVec // upstream (0 closed, 1 half-open, 2 open)
	BreakerTrips      *prometheus.CounterVec
	RateLimitAcquires *prometheus.CounterVec // upstream, outcome (granted|delayed|denied)

	// Delivery
	DeliveryAttempts  *prometheus.CounterVec // channel, outcome
	WindowFallbacks   prometheus.Counter     // free-form switched to template
	IdempotencyDegraded prometheus.Gauge     // 1 when KV unreachable, bloom fallback active
}

// New creates and registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		Registry: reg,
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "replyloop_http_requests_total",
			Help: "HTTP requests by method, path, and status code.",
		}, []string{"method", "path", "status"}),
		HTTPLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "replyloop_http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),
		EventsAdmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "replyloop_webhook_events_total",
			Help: "Webhook events by platform and admission status.",
		}, []string{"platform", "status"}),
		SignatureRejects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "replyloop_signature_rejections_total",
			Help: "Webhook requests rejected for invalid or missing signatures.",
		}),
		JobsEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "replyloop_jobs_enqueued_total",
			Help: "Jobs enqueued by type and priority.",
		}, []string{"type", "priority"}),
		JobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "replyloop_jobs_completed_total",
			Help: "Jobs finished by type and terminal outcome.",
		}, []string{"type", "outcome"}),
		JobLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "replyloop_job_duration_seconds",
			Help:    "Job processing latency by type.",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"type"}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "replyloop_queue_depth",
			Help: "Pending jobs per type.",
		}, []string{"type"}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "replyloop_breaker_state",
			Help: "Circuit breaker state per upstream: 0 closed, 1 half-open, 2 open.",
		}, []string{"upstream"}),
		BreakerTrips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "replyloop_breaker_trips_total",
			Help: "Circuit breaker open transitions per upstream.",
		}, []string{"upstream"}),
		RateLimitAcquires: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "replyloop_ratelimit_acquires_total",
			Help: "Rate limiter acquisitions by upstream and outcome.",
		}, []string{"upstream", "outcome"}),
		DeliveryAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "replyloop_delivery_attempts_total",
			Help: "Outbound delivery attempts by channel and outcome.",
		}, []string{"channel", "outcome"}),
		WindowFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "replyloop_window_fallbacks_total",
			Help: "Free-form sends switched to templates because the reply window closed.",
		}),
		IdempotencyDegraded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "replyloop_idempotency_degraded",
			Help: "1 while the idempotency store runs on the in-process fallback.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequests, m.HTTPLatency,
		m.EventsAdmitted, m.SignatureRejects,
		m.JobsEnqueued, m.JobsCompleted, m.JobLatency, m.QueueDepth,
		m.BreakerState, m.BreakerTrips, m.RateLimitAcquires,
		m.DeliveryAttempts, m.WindowFallbacks, m.IdempotencyDegraded,
	)
	return m
}

// Package metrics provides Prometheus metrics for docreview:
// counters, gauges and histograms for review jobs, the progress event
// stream, the execution engine and health checks.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ─── Jobs ───────────────────────────────────────────────────────────────────

// JobsStarted counts review runs started (submits and reruns).
var JobsStarted = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "docreview",
	Name:      "jobs_started_total",
	Help:      "Total review runs started.",
})

// JobsCompleted counts review runs that finished successfully.
var JobsCompleted = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "docreview",
	Name:      "jobs_completed_total",
	Help:      "Total review runs completed.",
})

// JobsFailed counts failed review runs by reason.
var JobsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "docreview",
	Name:      "jobs_failed_total",
	Help:      "Total failed review runs.",
}, []string{"reason"})

// JobsActive tracks runs currently executing.
var JobsActive = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "docreview",
	Name:      "jobs_active",
	Help:      "Number of currently executing review runs.",
})

// JobDuration tracks wall-clock run time.
var JobDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: "docreview",
	Name:      "job_duration_seconds",
	Help:      "Review run duration in seconds.",
	Buckets:   []float64{10, 30, 60, 120, 300, 600, 1200, 1800},
})

// ─── Progress stream ────────────────────────────────────────────────────────

// EventsPublished counts progress events published by type.
var EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "docreview",
	Name:      "events_published_total",
	Help:      "Total progress events published by type.",
}, []string{"type"})

// ListenerErrors counts listener failures swallowed by a broadcaster.
var ListenerErrors = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "docreview",
	Name:      "listener_errors_total",
	Help:      "Total listener errors and panics during publish.",
})

// StreamSubscribers tracks connected stream clients by transport.
var StreamSubscribers = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "docreview",
	Name:      "stream_subscribers",
	Help:      "Number of connected stream clients.",
}, []string{"transport"})

// EventsDropped counts events dropped for a lagging client.
var EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "docreview",
	Name:      "events_dropped_total",
	Help:      "Total events dropped because a client buffer was full.",
})

// ─── Engine ─────────────────────────────────────────────────────────────────

// EngineMessages counts converted engine messages by kind.
var EngineMessages = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "docreview",
	Name:      "engine_messages_total",
	Help:      "Total engine messages by kind.",
}, []string{"kind"})

// Tokens counts consumed tokens by counter.
var Tokens = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "docreview",
	Name:      "tokens_total",
	Help:      "Total tokens consumed by counter.",
}, []string{"counter"})

// CostUSD accumulates the authoritative cost reported by the engine.
var CostUSD = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "docreview",
	Name:      "cost_usd_total",
	Help:      "Total reported engine cost in USD.",
})

// ─── Health ─────────────────────────────────────────────────────────────────

// HealthCheckStatus tracks health check results (1=healthy, 0=unhealthy).
var HealthCheckStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "docreview",
	Name:      "health_check_status",
	Help:      "Health check result per component (1=healthy, 0=unhealthy).",
}, []string{"check"})

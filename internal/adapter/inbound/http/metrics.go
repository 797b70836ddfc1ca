// Package http exposes the engine over a REST API.
package http

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for PolicyShield.
type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	ChecksTotal      *prometheus.CounterVec
	CheckOverloads   prometheus.Counter
	PendingApprovals prometheus.Gauge
	ActiveSessions   prometheus.Gauge
}

// NewMetrics creates and registers all metrics with the given registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		RequestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "policyshield",
				Name:      "http_requests_total",
				Help:      "Total HTTP requests processed",
			},
			[]string{"path", "status"},
		),
		RequestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "policyshield",
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"path"},
		),
		ChecksTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "policyshield",
				Name:      "checks_total",
				Help:      "Total tool call checks by verdict",
			},
			[]string{"verdict"},
		),
		CheckOverloads: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "policyshield",
				Name:      "check_overloads_total",
				Help:      "Checks rejected because the concurrency semaphore was full",
			},
		),
		PendingApprovals: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "policyshield",
				Name:      "pending_approvals",
				Help:      "Approval requests awaiting a decision",
			},
		),
		ActiveSessions: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "policyshield",
				Name:      "active_sessions",
				Help:      "Live sessions tracked by the session manager",
			},
		),
	}
}

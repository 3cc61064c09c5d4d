// internal/metrics/metrics.go

// Package metrics provides Prometheus metrics for the activity dashboard core.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github-activity-dashboard/internal/model"
)

const (
	namespace = "activity_dashboard"
)

// Metrics bundles the service's Prometheus instruments on a private
// registry, keeping the scrape surface free of unrelated default collectors.
type Metrics struct {
	registry *prometheus.Registry

	sweepsTotal    prometheus.Counter
	sweepDuration  prometheus.Histogram
	sweepUsers     *prometheus.CounterVec
	evaluations    prometheus.Counter
	upstreamErrors *prometheus.CounterVec

	notificationsSent       *prometheus.CounterVec
	notificationsSuppressed *prometheus.CounterVec
	deliveryFailures        *prometheus.CounterVec
}

// New creates the instrument set on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	auto := promauto.With(registry)

	m := &Metrics{registry: registry}

	m.sweepsTotal = auto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sweeps_total",
		Help:      "Total number of completed sweep cycles",
	})

	m.sweepDuration = auto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "sweep_duration_seconds",
		Help:      "Histogram of full sweep cycle duration in seconds",
		Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
	})

	m.sweepUsers = auto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_users_total",
			Help:      "Total number of per-user sweep outcomes by status",
		},
		[]string{"status"},
	)

	m.evaluations = auto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "streak_evaluations_total",
		Help:      "Total number of streak evaluations performed",
	})

	m.upstreamErrors = auto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_errors_total",
			Help:      "Total number of GitHub API failures by error kind",
		},
		[]string{"kind"},
	)

	m.notificationsSent = auto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_sent_total",
			Help:      "Total number of notifications delivered by type",
		},
		[]string{"type"},
	)

	m.notificationsSuppressed = auto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_suppressed_total",
			Help:      "Total number of notifications suppressed by type and reason",
		},
		[]string{"type", "reason"},
	)

	m.deliveryFailures = auto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_failures_total",
			Help:      "Total number of failed notification deliveries by type",
		},
		[]string{"type"},
	)

	return m
}

// Registry exposes the underlying registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) RecordSweep(duration time.Duration) {
	m.sweepsTotal.Inc()
	m.sweepDuration.Observe(duration.Seconds())
}

func (m *Metrics) RecordSweepUser(status string) {
	m.sweepUsers.WithLabelValues(status).Inc()
}

func (m *Metrics) RecordEvaluation() {
	m.evaluations.Inc()
}

func (m *Metrics) RecordUpstreamError(kind string) {
	m.upstreamErrors.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordNotificationSent(t model.NotificationType) {
	m.notificationsSent.WithLabelValues(string(t)).Inc()
}

func (m *Metrics) RecordNotificationSuppressed(t model.NotificationType, reason string) {
	m.notificationsSuppressed.WithLabelValues(string(t), reason).Inc()
}

func (m *Metrics) RecordDeliveryFailure(t model.NotificationType) {
	m.deliveryFailures.WithLabelValues(string(t)).Inc()
}

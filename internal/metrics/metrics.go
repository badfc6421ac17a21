// Package metrics declares the watcher's Prometheus collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "trove_guardian"

// Metrics groups every collector. A nil *Metrics is valid and records nothing.
type Metrics struct {
	Cycles            *prometheus.CounterVec
	CycleDuration     prometheus.Histogram
	Events            *prometheus.CounterVec
	Remediations      *prometheus.CounterVec
	SnapshotFailures  prometheus.Counter
	Subscribers       prometheus.Gauge
	WatchedPositions  prometheus.Gauge
	ArchiveFailures   prometheus.Counter
	NotificationsSent prometheus.Counter
}

// New registers collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Cycles: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "cycles_total",
			Help:      "Polling cycles by outcome",
		}, []string{"outcome"}),
		CycleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "cycle_duration_seconds",
			Help:      "Wall time of a polling cycle",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
		Events: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "risk",
			Name:      "events_total",
			Help:      "Risk events appended by severity and redemption risk",
		}, []string{"severity", "redemption_risk"}),
		Remediations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "remediation",
			Name:      "results_total",
			Help:      "Remediation attempts by operation and result",
		}, []string{"operation", "result"}),
		SnapshotFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "snapshot",
			Name:      "failures_total",
			Help:      "Position snapshot fetches that failed",
		}),
		Subscribers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "subscribers",
			Help:      "Open live event subscriptions",
		}),
		WatchedPositions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "watched_positions",
			Help:      "Registered owner addresses",
		}),
		ArchiveFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "archive",
			Name:      "failures_total",
			Help:      "Risk events that could not be archived",
		}),
		NotificationsSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alerting",
			Name:      "notifications_total",
			Help:      "Danger notifications delivered",
		}),
	}
}

// ObserveCycle records one completed or skipped cycle.
func (m *Metrics) ObserveCycle(outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.Cycles.WithLabelValues(outcome).Inc()
	if outcome == "completed" {
		m.CycleDuration.Observe(took.Seconds())
	}
}

// ObserveEvent counts an appended risk event.
func (m *Metrics) ObserveEvent(severity, redemptionRisk string) {
	if m == nil {
		return
	}
	m.Events.WithLabelValues(severity, redemptionRisk).Inc()
}

// ObserveRemediation counts an executor outcome.
func (m *Metrics) ObserveRemediation(operation, result string) {
	if m == nil {
		return
	}
	m.Remediations.WithLabelValues(operation, result).Inc()
}

// SnapshotFailed counts a failed position fetch.
func (m *Metrics) SnapshotFailed() {
	if m == nil {
		return
	}
	m.SnapshotFailures.Inc()
}

// ArchiveFailed counts an archive insert failure.
func (m *Metrics) ArchiveFailed() {
	if m == nil {
		return
	}
	m.ArchiveFailures.Inc()
}

// NotificationSent counts a delivered alert.
func (m *Metrics) NotificationSent() {
	if m == nil {
		return
	}
	m.NotificationsSent.Inc()
}

// SetSubscribers reports the open subscription count.
func (m *Metrics) SetSubscribers(n int) {
	if m == nil {
		return
	}
	m.Subscribers.Set(float64(n))
}

// SetWatched reports the registry size.
func (m *Metrics) SetWatched(n int) {
	if m == nil {
		return
	}
	m.WatchedPositions.Set(float64(n))
}

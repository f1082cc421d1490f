// Package metrics defines the Prometheus instruments of the task pipeline.
//
// All methods are safe on a nil *Metrics so components can run without
// instrumentation in tests.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "pagesmith"

type Metrics struct {
	// SubmissionsTotal counts pipeline terminal states.
	// Labels: result (success, duplicate, unauthorized, invalid, unknown_task, busy, publish_failed)
	SubmissionsTotal *prometheus.CounterVec

	// GenerationTotal counts which generation strategy produced the artifacts.
	// Labels: strategy
	GenerationTotal *prometheus.CounterVec

	// GenerationFailuresTotal counts strategies that failed and fell through.
	// Labels: strategy
	GenerationFailuresTotal *prometheus.CounterVec

	// PublishDurationSeconds measures repository publish time.
	// Labels: kind (initial, revision), status (success, error)
	PublishDurationSeconds *prometheus.HistogramVec

	// NotificationAttemptsTotal counts evaluation callback attempts.
	// Labels: outcome (delivered, rejected, transport_error)
	NotificationAttemptsTotal *prometheus.CounterVec

	// InflightSubmissions is the number of submissions holding a worker slot.
	InflightSubmissions prometheus.Gauge
}

// New creates the metric set and registers it with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		SubmissionsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "submissions_total",
				Help:      "Task submissions by terminal result",
			},
			[]string{"result"},
		),
		GenerationTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "generation_total",
				Help:      "Artifact sets produced by generation strategy",
			},
			[]string{"strategy"},
		),
		GenerationFailuresTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "generation_failures_total",
				Help:      "Generation strategy failures absorbed by the fallback chain",
			},
			[]string{"strategy"},
		),
		PublishDurationSeconds: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "publish_duration_seconds",
				Help:      "Repository publish duration in seconds",
				Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"kind", "status"},
		),
		NotificationAttemptsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notification_attempts_total",
				Help:      "Evaluation callback delivery attempts by outcome",
			},
			[]string{"outcome"},
		),
		InflightSubmissions: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "inflight_submissions",
				Help:      "Submissions currently holding a worker slot",
			},
		),
	}
}

func (m *Metrics) Submission(result string) {
	if m == nil {
		return
	}
	m.SubmissionsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) Generated(strategy string) {
	if m == nil {
		return
	}
	m.GenerationTotal.WithLabelValues(strategy).Inc()
}

func (m *Metrics) GenerationFailed(strategy string) {
	if m == nil {
		return
	}
	m.GenerationFailuresTotal.WithLabelValues(strategy).Inc()
}

func (m *Metrics) Published(kind, status string, seconds float64) {
	if m == nil {
		return
	}
	m.PublishDurationSeconds.WithLabelValues(kind, status).Observe(seconds)
}

func (m *Metrics) NotificationAttempt(outcome string) {
	if m == nil {
		return
	}
	m.NotificationAttemptsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Inflight(delta float64) {
	if m == nil {
		return
	}
	m.InflightSubmissions.Add(delta)
}

// Package monitoring exposes the service's Prometheus instrumentation.
package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every collector the service registers.
type Metrics struct {
	IngestTotal    *prometheus.CounterVec
	IngestDuration prometheus.Histogram

	DetectionsTotal  *prometheus.CounterVec
	DetectorFailures *prometheus.CounterVec

	AlertsTotal *prometheus.CounterVec

	NotificationsTotal     *prometheus.CounterVec
	NotificationsThrottled prometheus.Counter

	TrainingRuns     *prometheus.CounterVec
	TrainingDuration prometheus.Histogram

	LiveClients        prometheus.Gauge
	DroppedSubscribers prometheus.Counter
	WindowKeys         prometheus.Gauge
}

// NewMetrics registers all collectors on the given registerer. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		IngestTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "apiwatch_ingest_requests_total",
				Help: "Ingest requests by outcome",
			},
			[]string{"outcome"}, // success, unauthorized, inactive, invalid, storage_error
		),
		IngestDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "apiwatch_ingest_duration_seconds",
				Help:    "End-to-end ingest handling time including detection",
				Buckets: prometheus.DefBuckets,
			},
		),
		DetectionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "apiwatch_detections_total",
				Help: "Detections emitted, by detector",
			},
			[]string{"detector"},
		),
		DetectorFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "apiwatch_detector_failures_total",
				Help: "Detector errors swallowed by the engine, by detector",
			},
			[]string{"detector"},
		),
		AlertsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "apiwatch_alerts_total",
				Help: "Alerts created, by severity",
			},
			[]string{"severity"},
		),
		NotificationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "apiwatch_notifications_total",
				Help: "Notification channel outcomes",
			},
			[]string{"channel", "status"},
		),
		NotificationsThrottled: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "apiwatch_notifications_throttled_total",
				Help: "Notifications suppressed by the per-(api, kind) throttle",
			},
		),
		TrainingRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "apiwatch_ml_training_runs_total",
				Help: "Model training attempts, by outcome",
			},
			[]string{"outcome"}, // trained, insufficient_data, error
		),
		TrainingDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "apiwatch_ml_training_duration_seconds",
				Help:    "Wall time of one model training run",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
		),
		LiveClients: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "apiwatch_live_clients",
				Help: "Connected live-feed subscribers",
			},
		),
		DroppedSubscribers: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "apiwatch_live_dropped_subscribers_total",
				Help: "Subscribers dropped for falling behind the broadcast",
			},
		),
		WindowKeys: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "apiwatch_window_keys",
				Help: "Tracked (api, client IP) sliding-window keys",
			},
		),
	}
}

// RecordIngest counts one ingest request and its handling time.
func (m *Metrics) RecordIngest(outcome string, duration time.Duration) {
	m.IngestTotal.WithLabelValues(outcome).Inc()
	if outcome == "success" {
		m.IngestDuration.Observe(duration.Seconds())
	}
}

// RecordTraining counts one training attempt.
func (m *Metrics) RecordTraining(outcome string, duration time.Duration) {
	m.TrainingRuns.WithLabelValues(outcome).Inc()
	if outcome == "trained" {
		m.TrainingDuration.Observe(duration.Seconds())
	}
}

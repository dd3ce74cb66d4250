package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// OutcomeCompleted labels cycles that fitted and scored the window.
	OutcomeCompleted = "completed"
	// OutcomeSkipped labels cycles skipped because the window was below the minimum.
	OutcomeSkipped = "skipped"
	// OutcomeError labels cycles aborted by a model-fit failure.
	OutcomeError = "error"

	// DeliveryOK and DeliveryFailed label alert channel attempts.
	DeliveryOK     = "ok"
	DeliveryFailed = "failed"
)

const namespace = "mirador_logwatch"

var (
	cyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Detection cycles run, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	cycleDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_seconds",
			Help:      "Detection cycle latency in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
	)

	windowRecords = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "window_records",
			Help:      "Records held in the rolling window at the start of the last cycle.",
		},
	)

	recordsIngestedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_ingested_total",
			Help:      "Log records appended to the window, partitioned by source.",
		},
		[]string{"source"},
	)

	anomaliesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "anomalies_total",
			Help:      "Anomaly records emitted, partitioned by severity.",
		},
		[]string{"severity"},
	)

	alertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_total",
			Help:      "Alert notifications attempted, partitioned by channel and outcome.",
		},
		[]string{"channel", "outcome"},
	)

	alertsSuppressedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_suppressed_total",
			Help:      "Anomaly records not notified because every endpoint+reason key was cooling down.",
		},
	)
)

// Register attaches logwatch collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		cyclesTotal,
		cycleDurationSeconds,
		windowRecords,
		recordsIngestedTotal,
		anomaliesTotal,
		alertsTotal,
		alertsSuppressedTotal,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveCycle records a cycle duration, outcome label and the window size it saw.
func ObserveCycle(duration time.Duration, outcome string, windowSize int) {
	switch outcome {
	case OutcomeSkipped, OutcomeError:
	default:
		outcome = OutcomeCompleted
	}
	cyclesTotal.WithLabelValues(outcome).Inc()
	if duration < 0 {
		duration = 0
	}
	cycleDurationSeconds.Observe(duration.Seconds())
	windowRecords.Set(float64(windowSize))
}

// IncIngested counts records appended from source (http, loki, replay).
func IncIngested(source string, n int) {
	if n <= 0 {
		return
	}
	recordsIngestedTotal.WithLabelValues(source).Add(float64(n))
}

// IncAnomaly counts one emitted anomaly record.
func IncAnomaly(severity string) {
	anomaliesTotal.WithLabelValues(severity).Inc()
}

// ObserveAlert counts one channel delivery attempt.
func ObserveAlert(channel string, err error) {
	outcome := DeliveryOK
	if err != nil {
		outcome = DeliveryFailed
	}
	alertsTotal.WithLabelValues(channel, outcome).Inc()
}

// IncSuppressed counts a record dropped by the cooldown.
func IncSuppressed() {
	alertsSuppressedTotal.Inc()
}

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "swa_anomaly"

// Run outcomes.
const (
	OutcomeSuccess = "success"
	OutcomePartial = "partial"
	OutcomeError   = "error"
	OutcomeSkipped = "skipped"
)

// Per-site evaluation results.
const (
	ResultUnchanged       = "unchanged"
	ResultTransition      = "transition"
	ResultDataUnavailable = "data_unavailable"
	ResultNoBaseline      = "baseline_undefined"
	ResultStoreError      = "store_error"
)

// Notification outcomes.
const (
	NotifySent    = "sent"
	NotifyDropped = "dropped"
	NotifyFailed  = "failed"
	NotifyIgnored = "ignored"
)

var (
	runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Evaluator runs, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	runDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_seconds",
			Help:      "Evaluator run latency in seconds.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300, 900},
		},
	)

	siteEvaluationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "site_evaluations_total",
			Help:      "Per-site evaluation results.",
		},
		[]string{"result"},
	)

	eventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Transition events handed to the bus, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	notificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Alert worker deliveries, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	aggregateQuerySeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "aggregate_query_seconds",
			Help:      "Latency of a single aggregate source lookup.",
			Buckets:   prometheus.DefBuckets,
		},
	)
)

// Register attaches the pipeline collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		runsTotal,
		runDurationSeconds,
		siteEvaluationsTotal,
		eventsPublishedTotal,
		notificationsTotal,
		aggregateQuerySeconds,
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

// ObserveRun records a run duration and outcome label.
func ObserveRun(duration time.Duration, outcome string) {
	runsTotal.WithLabelValues(outcome).Inc()
	if duration < 0 {
		duration = 0
	}
	runDurationSeconds.Observe(duration.Seconds())
}

// CountSkippedRun records a tick that did not start because a run was in progress.
func CountSkippedRun() {
	runsTotal.WithLabelValues(OutcomeSkipped).Inc()
}

func ObserveSiteEvaluation(result string) {
	siteEvaluationsTotal.WithLabelValues(result).Inc()
}

func ObservePublish(err error) {
	if err != nil {
		eventsPublishedTotal.WithLabelValues(OutcomeError).Inc()
		return
	}
	eventsPublishedTotal.WithLabelValues(OutcomeSuccess).Inc()
}

func ObserveNotification(outcome string) {
	notificationsTotal.WithLabelValues(outcome).Inc()
}

func ObserveAggregateQuery(duration time.Duration) {
	aggregateQuerySeconds.Observe(duration.Seconds())
}

package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "dztiler"

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	datasetsDiscovered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scanner",
			Name:      "datasets_discovered_total",
			Help:      "Number of new datasets reserved by the discovery scanner.",
		},
	)
	scanErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scanner",
			Name:      "errors_total",
			Help:      "Number of failed scan iterations.",
		},
	)
	stageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "stage_duration_seconds",
			Help:      "Wall-clock duration of pipeline stages.",
			Buckets:   []float64{0.1, 1, 5, 15, 60, 300, 900, 1800, 3600},
		}, []string{"stage", "result"},
	)
	pipelineRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "runs_total",
			Help:      "Number of finished pipeline runs by result (ready, error, skipped).",
		}, []string{"result"},
	)
	toolPeakRSS = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "tool",
			Name:      "peak_rss_bytes",
			Help:      "Peak resident memory observed for external tool invocations.",
			Buckets:   prometheus.ExponentialBuckets(16<<20, 2, 10),
		}, []string{"stage"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dataset",
			Name:      "state_transitions_total",
			Help:      "Number of dataset status transitions.",
		}, []string{"from", "to"},
	)
	datasetsByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "dataset",
			Name:      "current",
			Help:      "Current number of datasets per status.",
		}, []string{"status"},
	)
	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "queue_depth",
			Help:      "Pipeline runs waiting for a free worker.",
		},
	)
	annotationsAppended = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "annotation",
			Name:      "appended_total",
			Help:      "Number of annotations persisted.",
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		datasetsDiscovered, scanErrors, stageDuration, pipelineRuns, toolPeakRSS,
		stateTransitions, datasetsByStatus, queueDepth, annotationsAppended,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncDiscovered() {
	if regOK.Load() {
		datasetsDiscovered.Inc()
	}
}

func IncScanError() {
	if regOK.Load() {
		scanErrors.Inc()
	}
}

func ObserveStage(stage string, ok bool, seconds float64) {
	if regOK.Load() {
		res := "ok"
		if !ok {
			res = "error"
		}
		stageDuration.WithLabelValues(stage, res).Observe(seconds)
	}
}

func IncRun(result string) {
	if regOK.Load() {
		pipelineRuns.WithLabelValues(result).Inc()
	}
}

func ObservePeakRSS(stage string, bytes uint64) {
	if regOK.Load() && bytes > 0 {
		toolPeakRSS.WithLabelValues(stage).Observe(float64(bytes))
	}
}

func RecordStateTransition(from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(from, to).Inc()
	}
}

func SetDatasets(status string, n int) {
	if regOK.Load() {
		datasetsByStatus.WithLabelValues(status).Set(float64(n))
	}
}

func SetQueueDepth(n int) {
	if regOK.Load() {
		queueDepth.Set(float64(n))
	}
}

func IncAnnotations() {
	if regOK.Load() {
		annotationsAppended.Inc()
	}
}

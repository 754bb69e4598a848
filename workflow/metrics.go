package workflow

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type detectionMetrics struct {
	runsTotal        *prometheus.CounterVec
	runDuration      prometheus.Histogram
	outcomesTotal    *prometheus.CounterVec
	detectorFailures *prometheus.CounterVec
	transitionsTotal *prometheus.CounterVec
}

var metricsSingleton = sync.OnceValue(func() *detectionMetrics {
	return &detectionMetrics{
		runsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "exceptions",
			Name:      "detection_runs_total",
			Help:      "Total number of detection runs.",
		}, []string{"result"}),
		runDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: "exceptions",
			Name:      "detection_run_duration_seconds",
			Help:      "Wall time of one tenant detection run.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
		outcomesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "exceptions",
			Name:      "detection_outcomes_total",
			Help:      "Per-candidate outcomes of detection runs.",
		}, []string{"exception_type", "outcome"}),
		detectorFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "exceptions",
			Name:      "detector_failures_total",
			Help:      "Detector fetch failures.",
		}, []string{"exception_type"}),
		transitionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "exceptions",
			Name:      "transitions_total",
			Help:      "Lifecycle transitions by target status and actor.",
		}, []string{"to", "actor"}),
	}
})

func (m *detectionMetrics) observeType(exceptionType string, s *TypeSummary) {
	add := func(outcome string, n int) {
		if n > 0 {
			m.outcomesTotal.WithLabelValues(exceptionType, outcome).Add(float64(n))
		}
	}
	add("created", s.Created)
	add("touched", s.Touched)
	add("auto_resolved", s.AutoResolved)
	add("duplicate", s.Duplicates)
	add("write_failure", s.WriteFailures)
	if s.Failed {
		m.detectorFailures.WithLabelValues(exceptionType).Inc()
	}
}

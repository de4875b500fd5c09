package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all sequencing metrics
type Metrics struct {
	// Dispatch metrics
	StepsDispatched      *prometheus.CounterVec
	DispatchPassDuration prometheus.Histogram
	SendLatency          *prometheus.HistogramVec
	StaleClaimsReleased  prometheus.Counter

	// Event metrics
	EventsProcessed *prometheus.CounterVec

	// Enrollment metrics
	Enrollments *prometheus.CounterVec
	SweepRuns   *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them on reg
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		StepsDispatched: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "steps_total",
			Help:      "Scheduled steps handled by dispatch passes, by outcome",
		}, []string{"outcome"}),
		DispatchPassDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "pass_duration_seconds",
			Help:      "Time spent in one dispatch pass",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}),
		SendLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "send_duration_seconds",
			Help:      "Latency of provider send calls",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider"}),
		StaleClaimsReleased: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "stale_claims_released_total",
			Help:      "Steps moved from processing to failed after the claim expired",
		}),
		EventsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "processed_total",
			Help:      "Provider events applied by the reactor, by type and outcome",
		}, []string{"event", "outcome"}),
		Enrollments: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "enrollment",
			Name:      "attempts_total",
			Help:      "Enrollment attempts, by outcome",
		}, []string{"outcome"}),
		SweepRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "enrollment",
			Name:      "sweep_runs_total",
			Help:      "Auto-enrollment sweeps, by result",
		}, []string{"result"}),
	}
}

// NewNop returns metrics registered on a private registry, for tests and tools.
func NewNop() *Metrics {
	return NewMetrics(prometheus.NewRegistry(), "sequenceflow")
}

// Package observability exposes Prometheus metrics for the rules engine.
package observability

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	dto "github.com/prometheus/client_model/go"

	"github.com/solatis/badgekeeper/internal/types"
)

// namespace prefixes every metric (e.g., badgekeeper_...).
const namespace = "badgekeeper"

// evaluationBuckets resolve sub-millisecond evaluations; DefBuckets start at 5ms.
var evaluationBuckets = []float64{.00001, .00005, .0001, .00025, .0005, .001, .0025, .005, .010, .050}

// Metrics holds the engine collectors on a private registry so tests and
// multiple engines in one process do not collide on the default registerer.
type Metrics struct {
	registry *prometheus.Registry

	// EvaluationsTotal counts evaluations by outcome (matched, unmatched, error).
	// Metric: badgekeeper_engine_evaluations_total
	EvaluationsTotal *prometheus.CounterVec

	// EvaluationDuration measures executor wall-clock time.
	// Metric: badgekeeper_engine_evaluation_seconds
	EvaluationDuration prometheus.Histogram

	// CompileFailuresTotal counts rules rejected by the compiler.
	CompileFailuresTotal prometheus.Counter

	// StoredRules is the current number of rules in the store.
	StoredRules prometheus.Gauge

	// EventsTotal counts consumed events by status (evaluated, malformed).
	// Metric: badgekeeper_consumer_events_total
	EventsTotal *prometheus.CounterVec

	// GrantsTotal counts matched rules handed to the grant sink.
	GrantsTotal prometheus.Counter
}

// Outcome labels.
const (
	OutcomeMatched   = "matched"
	OutcomeUnmatched = "unmatched"
	OutcomeError     = "error"
)

// NewMetrics creates and registers all collectors, plus the Go and process
// collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		EvaluationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "evaluations_total",
			Help:      "Total rule evaluations by outcome",
		}, []string{"outcome"}),
		EvaluationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "evaluation_seconds",
			Help:      "Time taken to evaluate one rule against one event",
			Buckets:   evaluationBuckets,
		}),
		CompileFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "compile_failures_total",
			Help:      "Total rules rejected at compile time",
		}),
		StoredRules: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "stored_rules",
			Help:      "Current number of rules in the store",
		}),
		EventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "consumer",
			Name:      "events_total",
			Help:      "Total consumed events by status",
		}, []string{"status"}),
		GrantsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "consumer",
			Name:      "grants_total",
			Help:      "Total matched rules handed to the grant sink",
		}),
	}
	m.registry.MustRegister(
		m.EvaluationsTotal,
		m.EvaluationDuration,
		m.CompileFailuresTotal,
		m.StoredRules,
		m.EventsTotal,
		m.GrantsTotal,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry backing these metrics.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Gatherer returns the registry as a prometheus.Gatherer.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}

// ObserveEvaluation records one evaluation.
func (m *Metrics) ObserveEvaluation(_ types.RuleID, matched bool, err error, d time.Duration) {
	switch {
	case err != nil:
		m.EvaluationsTotal.WithLabelValues(OutcomeError).Inc()
	case matched:
		m.EvaluationsTotal.WithLabelValues(OutcomeMatched).Inc()
	default:
		m.EvaluationsTotal.WithLabelValues(OutcomeUnmatched).Inc()
	}
	m.EvaluationDuration.Observe(d.Seconds())
}

// CompileFailed records a compile rejection.
func (m *Metrics) CompileFailed() {
	m.CompileFailuresTotal.Inc()
}

// SetStoredRules updates the stored rule gauge.
func (m *Metrics) SetStoredRules(n int) {
	m.StoredRules.Set(float64(n))
}

// EventConsumed records a consumed event; err marks it malformed.
func (m *Metrics) EventConsumed(err error) {
	if err != nil {
		m.EventsTotal.WithLabelValues("malformed").Inc()
		return
	}
	m.EventsTotal.WithLabelValues("evaluated").Inc()
}

// Granted records n grants.
func (m *Metrics) Granted(n int) {
	m.GrantsTotal.Add(float64(n))
}

// ErrNotFound is returned by Value when no series matches.
var ErrNotFound = errors.New("metric not found")

// Value returns the current value of the first series of metric name whose
// labels include every pair in labels. Counters and gauges report their
// value; histograms report their sample count.
func (m *Metrics) Value(name string, labels map[string]string) (float64, error) {
	families, err := m.registry.Gather()
	if err != nil {
		return 0, err
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.GetMetric() {
			if !hasLabels(metric, labels) {
				continue
			}
			switch {
			case metric.GetCounter() != nil:
				return metric.GetCounter().GetValue(), nil
			case metric.GetGauge() != nil:
				return metric.GetGauge().GetValue(), nil
			case metric.GetHistogram() != nil:
				return float64(metric.GetHistogram().GetSampleCount()), nil
			}
		}
	}
	return 0, ErrNotFound
}

func hasLabels(m *dto.Metric, want map[string]string) bool {
	have := make(map[string]string, len(m.GetLabel()))
	for _, pair := range m.GetLabel() {
		have[pair.GetName()] = pair.GetValue()
	}
	for k, v := range want {
		if have[k] != v {
			return false
		}
	}
	return true
}

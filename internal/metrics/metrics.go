// Package metrics records lifecycle phase durations and run outcomes.
package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Outcome labels of RunsTotal.
const (
	OutcomePassed   = "passed"
	OutcomeFailed   = "failed"
	OutcomeRetained = "retained"
)

// Metrics holds the collectors of one process.
type Metrics struct {
	PhaseDuration *prometheus.HistogramVec // Duration of lifecycle phases, by phase and result
	RunsTotal     *prometheus.CounterVec   // Finished units, by outcome
	ActionErrors  prometheus.Counter       // Failure actions that errored or panicked

	gatherer prometheus.Gatherer
}

// NewMetrics creates and registers the collectors. The registerer parameter
// allows a private registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	phaseDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "apptest_phase_duration_seconds",
		Help:    "Duration of lifecycle phases",
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
	}, []string{"phase", "result"})

	runsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "apptest_runs_total",
		Help: "Total number of finished test units",
	}, []string{"outcome"})

	actionErrors := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "apptest_failure_action_errors_total",
		Help: "Total number of failure actions that did not complete",
	})

	reg.MustRegister(phaseDuration, runsTotal, actionErrors)

	m := &Metrics{
		PhaseDuration: phaseDuration,
		RunsTotal:     runsTotal,
		ActionErrors:  actionErrors,
	}
	if g, ok := reg.(prometheus.Gatherer); ok {
		m.gatherer = g
	}
	return m
}

// ObservePhase records the duration of a phase that started at start.
func (m *Metrics) ObservePhase(phase string, start time.Time, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	m.PhaseDuration.WithLabelValues(phase, result).Observe(time.Since(start).Seconds())
}

// RecordRun counts a finished unit.
func (m *Metrics) RecordRun(outcome string) {
	m.RunsTotal.WithLabelValues(outcome).Inc()
}

// Push sends the collected metrics to a Pushgateway, grouped by unit.
func (m *Metrics) Push(ctx context.Context, url, unit string) error {
	if m.gatherer == nil {
		return fmt.Errorf("metrics registry cannot be gathered")
	}
	return push.New(url, "apptest").
		Grouping("unit", unit).
		Gatherer(m.gatherer).
		PushContext(ctx)
}

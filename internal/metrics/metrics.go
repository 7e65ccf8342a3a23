// Package metrics holds the Prometheus collectors for runs, phases, dispatches
// and flows. Collectors are registered on a caller supplied registry so tests
// and multiple conductors in one process never collide.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "conductor"

// Metrics groups every collector. A nil *Metrics is valid and records nothing.
//
// Metrics:
//   - conductor_runs_total{reason} - runs by termination reason
//   - conductor_phases_total - phases executed
//   - conductor_dispatch_total{role,outcome} - provider calls by outcome
//   - conductor_dispatch_duration_seconds{role} - provider call latency
//   - conductor_tokens_total{direction} - estimated prompt/completion tokens
//   - conductor_cost_total - estimated spend
//   - conductor_governance_decisions_total{verdict} - governance verdicts
//   - conductor_flow_steps_total{template,advanced} - flow choices
type Metrics struct {
	RunsTotal          *prometheus.CounterVec
	PhasesTotal        prometheus.Counter
	DispatchTotal      *prometheus.CounterVec
	DispatchDuration   *prometheus.HistogramVec
	TokensTotal        *prometheus.CounterVec
	CostTotal          prometheus.Counter
	GovernanceDecision *prometheus.CounterVec
	FlowStepsTotal     *prometheus.CounterVec
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RunsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Total number of runs by termination reason",
		}, []string{"reason"}),
		PhasesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "phases_total",
			Help:      "Total number of phases executed",
		}),
		DispatchTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_total",
			Help:      "Total number of provider calls by role and outcome",
		}, []string{"role", "outcome"}),
		DispatchDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "Duration of provider calls including retries",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~80s
		}, []string{"role"}),
		TokensTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_total",
			Help:      "Estimated tokens by direction",
		}, []string{"direction"}),
		CostTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cost_total",
			Help:      "Estimated provider spend",
		}),
		GovernanceDecision: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "governance_decisions_total",
			Help:      "Governance decisions by verdict",
		}, []string{"verdict"}),
		FlowStepsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flow_steps_total",
			Help:      "Flow choices by template and whether the session advanced",
		}, []string{"template", "advanced"}),
	}
}

// RecordRun counts a finished run.
func (m *Metrics) RecordRun(reason string) {
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues(reason).Inc()
}

// RecordPhase counts an executed phase.
func (m *Metrics) RecordPhase() {
	if m == nil {
		return
	}
	m.PhasesTotal.Inc()
}

// RecordDispatch counts a provider call and observes its latency.
func (m *Metrics) RecordDispatch(role, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.DispatchTotal.WithLabelValues(role, outcome).Inc()
	m.DispatchDuration.WithLabelValues(role).Observe(elapsed.Seconds())
}

// RecordUsage adds token and cost estimates.
func (m *Metrics) RecordUsage(promptTokens, completionTokens int, cost float64) {
	if m == nil {
		return
	}
	m.TokensTotal.WithLabelValues("prompt").Add(float64(promptTokens))
	m.TokensTotal.WithLabelValues("completion").Add(float64(completionTokens))
	if cost > 0 {
		m.CostTotal.Add(cost)
	}
}

// RecordGovernance counts a governance verdict.
func (m *Metrics) RecordGovernance(verdict string) {
	if m == nil {
		return
	}
	m.GovernanceDecision.WithLabelValues(verdict).Inc()
}

// RecordFlowStep counts a flow choice.
func (m *Metrics) RecordFlowStep(template string, advanced bool) {
	if m == nil {
		return
	}
	label := "false"
	if advanced {
		label = "true"
	}
	m.FlowStepsTotal.WithLabelValues(template, label).Inc()
}

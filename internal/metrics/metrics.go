// Package metrics exposes Prometheus collectors for therapy turns, supervisor
// decisions, crises, LLM calls and crisis alert delivery.
package metrics

import (
	"net/http"
	"time"

	"github.com/BTreeMap/TherapyPipe/internal/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "therapypipe"

// Turn outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeCrisis  = "crisis"
	OutcomeFailure = "failure"
	OutcomeAborted = "aborted"
)

// Metrics owns a registry and the collectors registered on it.
type Metrics struct {
	registry *prometheus.Registry

	turns          *prometheus.CounterVec
	turnDuration   *prometheus.HistogramVec
	decisions      *prometheus.CounterVec
	stageAdvances  *prometheus.CounterVec
	crises         prometheus.Counter
	llmLatency     *prometheus.HistogramVec
	llmErrors      *prometheus.CounterVec
	alerts         *prometheus.CounterVec
	activeSessions prometheus.Gauge
}

// New creates collectors on a fresh registry that also carries the Go and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		// turns counts processed turns.
		// Labels: outcome (success, crisis, failure, aborted), error_code
		turns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "workflow",
			Name:      "turns_total",
			Help:      "Processed conversation turns by outcome",
		}, []string{"outcome", "error_code"}),
		turnDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "workflow",
			Name:      "turn_duration_seconds",
			Help:      "End to end turn latency in seconds",
			Buckets:   []float64{0.25, 0.5, 1, 2, 4, 8, 15, 30, 60},
		}, []string{"streaming"}),
		decisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "decisions_total",
			Help:      "Supervisor decisions by stage and verdict",
		}, []string{"stage", "decision"}),
		stageAdvances: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "stage_entries_total",
			Help:      "Stage entries after a supervisor advance",
		}, []string{"stage"}),
		crises: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "safety",
			Name:      "crisis_activations_total",
			Help:      "Turns answered by the crisis protocol",
		}),
		llmLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "llm",
			Name:      "call_duration_seconds",
			Help:      "LLM call latency in seconds",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 4, 8, 15, 30},
		}, []string{"provider", "agent"}),
		llmErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "llm",
			Name:      "errors_total",
			Help:      "Failed LLM calls",
		}, []string{"provider", "agent"}),
		alerts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "deliveries_total",
			Help:      "Outbox delivery attempts by kind and status",
		}, []string{"kind", "status"}),
		activeSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "active",
			Help:      "Sessions with a live workflow in this process",
		}),
	}
}

// Registry returns the registry backing the collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveLLMCall records one provider call. It satisfies agent.Observer.
func (m *Metrics) ObserveLLMCall(provider string, agent models.AgentType, elapsed time.Duration, err error) {
	m.llmLatency.WithLabelValues(provider, string(agent)).Observe(elapsed.Seconds())
	if err != nil {
		m.llmErrors.WithLabelValues(provider, string(agent)).Inc()
	}
}

// ObserveTurn records the outcome of a turn.
func (m *Metrics) ObserveTurn(result models.WorkflowResult, streaming bool, elapsed time.Duration) {
	outcome := OutcomeSuccess
	switch {
	case !result.Success && result.ErrorCode == models.ErrorCodeStreamIncomplete:
		outcome = OutcomeAborted
	case !result.Success:
		outcome = OutcomeFailure
	case result.IsCrisis():
		outcome = OutcomeCrisis
	}
	m.turns.WithLabelValues(outcome, string(result.ErrorCode)).Inc()
	label := "false"
	if streaming {
		label = "true"
	}
	m.turnDuration.WithLabelValues(label).Observe(elapsed.Seconds())
}

// ObserveDecision records a supervisor decision taken in stage.
func (m *Metrics) ObserveDecision(stage string, d models.SupervisorDecision) {
	m.decisions.WithLabelValues(stage, string(d.Decision)).Inc()
}

// ObserveStageEntry records that a session entered stage.
func (m *Metrics) ObserveStageEntry(stage string) {
	m.stageAdvances.WithLabelValues(stage).Inc()
}

// ObserveCrisis records a crisis activation.
func (m *Metrics) ObserveCrisis() {
	m.crises.Inc()
}

// ObserveOutboxDelivery records an outbox send attempt. It satisfies store.OutboxObserver.
func (m *Metrics) ObserveOutboxDelivery(kind string, err error) {
	status := "sent"
	if err != nil {
		status = "failed"
	}
	m.alerts.WithLabelValues(kind, status).Inc()
}

// SessionOpened increments the active session gauge.
func (m *Metrics) SessionOpened() { m.activeSessions.Inc() }

// SessionClosed decrements the active session gauge.
func (m *Metrics) SessionClosed() { m.activeSessions.Dec() }

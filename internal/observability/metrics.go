package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects runtime metrics for agent runs.
//
// The metrics system is built on Prometheus and tracks:
//   - Tool executions by tool and outcome, with latency
//   - Loop iterations and run outcomes
//   - Model token usage by provider
//   - Compression attempts by status
//   - External tool server availability
//
// All methods are safe to call on a nil *Metrics, which records nothing.
//
// Usage:
//
//	metrics := observability.NewMetrics(prometheus.NewRegistry())
//	metrics.RecordToolExecution("read-file", "success", 0.012)
type Metrics struct {
	// ToolExecutionCounter tracks tool executions.
	// Labels: tool_name, status (success|failed|denied|rejected|not_found|interrupted)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool latency in seconds.
	// Labels: tool_name
	ToolExecutionDuration *prometheus.HistogramVec

	// LoopIterations counts loop iterations across runs.
	LoopIterations prometheus.Counter

	// RunCounter tracks finished runs.
	// Labels: state (completed|failed|cancelled)
	RunCounter *prometheus.CounterVec

	// ModelTokens tracks token usage.
	// Labels: provider, type (input|output)
	ModelTokens *prometheus.CounterVec

	// CompressionCounter tracks compression attempts.
	// Labels: status (NOOP|SUCCESS|FAILED)
	CompressionCounter *prometheus.CounterVec

	// ExternalServerUp reports whether an external tool server is connected.
	// Labels: server
	ExternalServerUp *prometheus.GaugeVec

	// ApprovalCounter tracks human approval outcomes.
	// Labels: outcome (approved|rejected|error)
	ApprovalCounter *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics with reg. Pass
// prometheus.DefaultRegisterer to expose them on the default handler.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ToolExecutionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "codeagent_tool_executions_total",
				Help: "Total number of tool executions by tool name and status",
			},
			[]string{"tool_name", "status"},
		),
		ToolExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "codeagent_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 120},
			},
			[]string{"tool_name"},
		),
		LoopIterations: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "codeagent_loop_iterations_total",
				Help: "Total number of agent loop iterations",
			},
		),
		RunCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "codeagent_runs_total",
				Help: "Total number of finished agent runs by final state",
			},
			[]string{"state"},
		),
		ModelTokens: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "codeagent_model_tokens_total",
				Help: "Total number of model tokens by provider and type",
			},
			[]string{"provider", "type"},
		),
		CompressionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "codeagent_compressions_total",
				Help: "Total number of history compression attempts by status",
			},
			[]string{"status"},
		),
		ExternalServerUp: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "codeagent_external_server_up",
				Help: "Whether an external tool server is connected (1) or not (0)",
			},
			[]string{"server"},
		),
		ApprovalCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "codeagent_approvals_total",
				Help: "Total number of human approval requests by outcome",
			},
			[]string{"outcome"},
		),
	}
}

// RecordToolExecution records metrics for a tool execution.
func (m *Metrics) RecordToolExecution(toolName, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.ToolExecutionCounter.WithLabelValues(toolName, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(toolName).Observe(durationSeconds)
}

// RecordIteration counts one loop iteration.
func (m *Metrics) RecordIteration() {
	if m == nil {
		return
	}
	m.LoopIterations.Inc()
}

// RecordRun counts a finished run.
func (m *Metrics) RecordRun(state string) {
	if m == nil {
		return
	}
	m.RunCounter.WithLabelValues(state).Inc()
}

// RecordTokens adds model token usage.
func (m *Metrics) RecordTokens(provider string, input, output int) {
	if m == nil {
		return
	}
	if input > 0 {
		m.ModelTokens.WithLabelValues(provider, "input").Add(float64(input))
	}
	if output > 0 {
		m.ModelTokens.WithLabelValues(provider, "output").Add(float64(output))
	}
}

// RecordCompression counts a compression attempt.
func (m *Metrics) RecordCompression(status string) {
	if m == nil {
		return
	}
	m.CompressionCounter.WithLabelValues(status).Inc()
}

// SetServerUp records external server availability.
func (m *Metrics) SetServerUp(server string, up bool) {
	if m == nil {
		return
	}
	v := 0.0
	if up {
		v = 1
	}
	m.ExternalServerUp.WithLabelValues(server).Set(v)
}

// RecordApproval counts a human approval outcome.
func (m *Metrics) RecordApproval(outcome string) {
	if m == nil {
		return
	}
	m.ApprovalCounter.WithLabelValues(outcome).Inc()
}

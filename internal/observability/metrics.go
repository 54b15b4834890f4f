// Package observability collects engine metrics on Prometheus.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks run throughput, model call performance, tool execution
// patterns, and token consumption.
//
// Usage:
//
//	metrics := observability.NewMetrics(nil)
//	metrics.RunStarted("researcher")
//	defer metrics.ObserveModelCall("ollama", "llama3", time.Since(start))
type Metrics struct {
	// RunCounter counts runs by agent and outcome.
	// Labels: agent_id, status (completed|error)
	RunCounter *prometheus.CounterVec

	// RunsActive is a gauge of currently executing runs.
	RunsActive prometheus.Gauge

	// TurnCounter counts model-response turns.
	// Labels: agent_id
	TurnCounter *prometheus.CounterVec

	// ModelCallDuration measures model API call latency in seconds.
	// Labels: provider, model
	ModelCallDuration *prometheus.HistogramVec

	// ModelCallCounter counts model calls by outcome.
	// Labels: provider, model, status (success|error)
	ModelCallCounter *prometheus.CounterVec

	// TokensUsed tracks token consumption.
	// Labels: provider, model, direction (input|output)
	TokensUsed *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool_name, status (success|error)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool_name
	ToolExecutionDuration *prometheus.HistogramVec

	// StreamSessionsActive is a gauge of open stream sessions.
	StreamSessionsActive prometheus.Gauge
}

// NewMetrics creates and registers all engine metrics. A nil registerer
// uses the Prometheus default registry; tests pass their own to avoid
// duplicate registration across cases.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		RunCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentrun_runs_total",
				Help: "Total number of completed runs by agent and status",
			},
			[]string{"agent_id", "status"},
		),

		RunsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "agentrun_runs_active",
				Help: "Current number of executing runs",
			},
		),

		TurnCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentrun_turns_total",
				Help: "Total number of model-response turns by agent",
			},
			[]string{"agent_id"},
		),

		ModelCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentrun_model_call_duration_seconds",
				Help:    "Duration of model API calls in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),

		ModelCallCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentrun_model_calls_total",
				Help: "Total number of model calls by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),

		TokensUsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentrun_tokens_total",
				Help: "Total number of tokens consumed by provider, model, and direction",
			},
			[]string{"provider", "model", "direction"},
		),

		ToolExecutionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentrun_tool_executions_total",
				Help: "Total number of tool executions by tool name and status",
			},
			[]string{"tool_name", "status"},
		),

		ToolExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentrun_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),

		StreamSessionsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "agentrun_stream_sessions_active",
				Help: "Current number of open stream sessions",
			},
		),
	}
}

// RunStarted records a run entering execution.
func (m *Metrics) RunStarted(agentID string) {
	m.RunsActive.Inc()
}

// RunFinished records a run's terminal outcome.
func (m *Metrics) RunFinished(agentID, status string) {
	m.RunsActive.Dec()
	m.RunCounter.WithLabelValues(agentID, status).Inc()
}

// ObserveModelCall records the latency of one model call.
func (m *Metrics) ObserveModelCall(provider, model string, d time.Duration) {
	m.ModelCallDuration.WithLabelValues(provider, model).Observe(d.Seconds())
}

// ObserveTokens records token consumption for one model call.
func (m *Metrics) ObserveTokens(provider, model string, input, output int) {
	m.TokensUsed.WithLabelValues(provider, model, "input").Add(float64(input))
	m.TokensUsed.WithLabelValues(provider, model, "output").Add(float64(output))
}

// ObserveToolExecution records one tool invocation.
func (m *Metrics) ObserveToolExecution(toolName string, isError bool, d time.Duration) {
	status := "success"
	if isError {
		status = "error"
	}
	m.ToolExecutionCounter.WithLabelValues(toolName, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(toolName).Observe(d.Seconds())
}

package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects runtime metrics for the orchestration pipeline.
//
// Tracked dimensions:
//   - LLM call latency and outcome per model
//   - Tool execution count, latency, and cache hits per tool
//   - Canary admission decisions per reason
//   - Graph node outcomes
//   - Critic iterations and validator outcomes per route
type Metrics struct {
	// LLMRequestDuration measures LLM call latency in seconds.
	// Labels: model
	LLMRequestDuration *prometheus.HistogramVec

	// LLMRequestCounter counts LLM calls.
	// Labels: model, status (success|error)
	LLMRequestCounter *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool, status (success|error|denied)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool
	ToolExecutionDuration *prometheus.HistogramVec

	// ToolCacheHits counts deduplicated tool calls served from cache.
	// Labels: tool
	ToolCacheHits *prometheus.CounterVec

	// CanaryDecisions counts admission decisions.
	// Labels: reason (disabled|route_not_allowlisted|out_of_rollout_sample|error_budget_cooldown|allowed)
	CanaryDecisions *prometheus.CounterVec

	// GraphNodeOutcomes counts node terminal states.
	// Labels: status (completed|fatal_error)
	GraphNodeOutcomes *prometheus.CounterVec

	// CriticIterations counts critic loop iterations.
	// Labels: route, verdict (pass|revise|parse_error)
	CriticIterations *prometheus.CounterVec

	// ValidatorOutcomes counts validator results.
	// Labels: route, outcome (clean|warned|repaired|replaced)
	ValidatorOutcomes *prometheus.CounterVec

	// TurnDuration measures total turn latency in seconds.
	// Labels: route
	TurnDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers metrics on the given registerer.
// Pass prometheus.NewRegistry() in tests to avoid global state.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		LLMRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sage_llm_request_duration_seconds",
			Help:    "LLM call latency in seconds.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"model"}),
		LLMRequestCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sage_llm_requests_total",
			Help: "LLM calls by model and status.",
		}, []string{"model", "status"}),
		ToolExecutionCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sage_tool_executions_total",
			Help: "Tool invocations by tool and status.",
		}, []string{"tool", "status"}),
		ToolExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sage_tool_execution_duration_seconds",
			Help:    "Tool execution time in seconds.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"tool"}),
		ToolCacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sage_tool_cache_hits_total",
			Help: "Deduplicated tool calls served from the per-loop cache.",
		}, []string{"tool"}),
		CanaryDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sage_canary_decisions_total",
			Help: "Canary admission decisions by reason.",
		}, []string{"reason"}),
		GraphNodeOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sage_graph_node_outcomes_total",
			Help: "Context graph node terminal states.",
		}, []string{"status"}),
		CriticIterations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sage_critic_iterations_total",
			Help: "Critic loop iterations by route and verdict.",
		}, []string{"route", "verdict"}),
		ValidatorOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sage_validator_outcomes_total",
			Help: "Response validator outcomes by route.",
		}, []string{"route", "outcome"}),
		TurnDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sage_turn_duration_seconds",
			Help:    "Total turn latency in seconds.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}, []string{"route"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.LLMRequestDuration,
			m.LLMRequestCounter,
			m.ToolExecutionCounter,
			m.ToolExecutionDuration,
			m.ToolCacheHits,
			m.CanaryDecisions,
			m.GraphNodeOutcomes,
			m.CriticIterations,
			m.ValidatorOutcomes,
			m.TurnDuration,
		)
	}
	return m
}

// NewNopMetrics returns unregistered metrics for tests.
func NewNopMetrics() *Metrics {
	return NewMetrics(nil)
}

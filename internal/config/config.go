// Package config parses the closed environment surface that tunes the agent
// runtime. Every knob has a default; unset or malformed values fall back
// silently so a partial environment never prevents startup.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the full runtime configuration, grouped by component.
type Config struct {
	Graph         GraphConfig
	Critic        CriticConfig
	Canary        CanaryConfig
	ToolLoop      ToolLoopConfig
	Validation    ValidationConfig
	ManagerWorker ManagerWorkerConfig
	Search        SearchConfig
	Timeouts      TimeoutConfig
	Output        OutputConfig

	// TenantPolicyJSON holds per-tenant tool policy overrides keyed by guild id.
	TenantPolicyJSON string

	// TraceEnabled controls whether turn traces are persisted.
	TraceEnabled bool
}

// GraphConfig tunes the context graph executor.
type GraphConfig struct {
	ParallelEnabled bool
	MaxParallel     int
}

// CriticConfig tunes the critic loop.
type CriticConfig struct {
	Enabled  bool
	MaxLoops int
	MinScore float64
}

// CanaryConfig tunes the admission controller.
type CanaryConfig struct {
	Enabled        bool
	RolloutPercent float64
	RouteAllowlist []string
	MaxFailureRate float64
	MinSamples     int
	Cooldown       time.Duration
	WindowSize     int
}

// ToolLoopConfig tunes the tool-call loop and tool policy env defaults.
type ToolLoopConfig struct {
	Enabled                bool
	MaxRounds              int
	MaxCallsPerRound       int
	ToolTimeout            time.Duration
	ResultMaxChars         int
	ParallelReadOnly       bool
	MaxParallelReadOnly    int
	HardGateEnabled        bool
	HardGateMinSuccessful  int
	AllowNetworkRead       bool
	AllowExternalWrite     bool
	AllowHighRisk          bool
	BlockedTools           []string
	PolicyJSON             string
	CacheMaxEntries        int
}

// ValidationConfig tunes the response validator.
type ValidationConfig struct {
	Enabled               bool
	PolicyJSON            string
	AutoRepairEnabled     bool
	AutoRepairMaxAttempts int
}

// ManagerWorkerConfig tunes the planner fan-out.
type ManagerWorkerConfig struct {
	Enabled            bool
	MaxWorkers         int
	MaxPlannerLoops    int
	MaxTokens          int
	MaxInputChars      int
	Timeout            time.Duration
	MinComplexityScore float64
}

// SearchConfig tunes the guarded search pipeline.
type SearchConfig struct {
	MaxAttemptsSimple  int
	MaxAttemptsComplex int
}

// TimeoutConfig holds per-route LLM call deadlines.
type TimeoutConfig struct {
	Chat          time.Duration
	Search        time.Duration
	SearchScraper time.Duration
}

// OutputConfig holds per-route output token ceilings.
type OutputConfig struct {
	ChatMaxTokens   int
	CodingMaxTokens int
	SearchMaxTokens int
	CriticMaxTokens int
}

// Default returns the configuration used when no environment is set.
func Default() *Config {
	return &Config{
		Graph: GraphConfig{
			ParallelEnabled: true,
			MaxParallel:     3,
		},
		Critic: CriticConfig{
			Enabled:  true,
			MaxLoops: 1,
			MinScore: 0.85,
		},
		Canary: CanaryConfig{
			Enabled:        false,
			RolloutPercent: 100,
			RouteAllowlist: []string{"chat", "coding", "search"},
			MaxFailureRate: 0.3,
			MinSamples:     10,
			Cooldown:       5 * time.Minute,
			WindowSize:     50,
		},
		ToolLoop: ToolLoopConfig{
			Enabled:               true,
			MaxRounds:             3,
			MaxCallsPerRound:      4,
			ToolTimeout:           20 * time.Second,
			ResultMaxChars:        4000,
			ParallelReadOnly:      true,
			MaxParallelReadOnly:   3,
			HardGateEnabled:       true,
			HardGateMinSuccessful: 1,
			AllowNetworkRead:      true,
			CacheMaxEntries:       64,
		},
		Validation: ValidationConfig{
			Enabled:               true,
			AutoRepairEnabled:     true,
			AutoRepairMaxAttempts: 1,
		},
		ManagerWorker: ManagerWorkerConfig{
			Enabled:            false,
			MaxWorkers:         3,
			MaxPlannerLoops:    2,
			MaxTokens:          2048,
			MaxInputChars:      6000,
			Timeout:            time.Minute,
			MinComplexityScore: 0.6,
		},
		Search: SearchConfig{
			MaxAttemptsSimple:  2,
			MaxAttemptsComplex: 3,
		},
		Timeouts: TimeoutConfig{
			Chat:          30 * time.Second,
			Search:        45 * time.Second,
			SearchScraper: 20 * time.Second,
		},
		Output: OutputConfig{
			ChatMaxTokens:   1024,
			CodingMaxTokens: 2048,
			SearchMaxTokens: 1024,
			CriticMaxTokens: 512,
		},
		TraceEnabled: true,
	}
}

// FromEnv loads configuration from the process environment.
func FromEnv() *Config {
	return FromLookup(os.LookupEnv)
}

// FromLookup loads configuration using the given lookup function.
// Tests pass a map-backed lookup.
func FromLookup(lookup func(string) (string, bool)) *Config {
	cfg := Default()
	env := envReader{lookup: lookup}

	env.boolVar(&cfg.Graph.ParallelEnabled, "AGENTIC_GRAPH_PARALLEL_ENABLED")
	env.intVar(&cfg.Graph.MaxParallel, "AGENTIC_GRAPH_MAX_PARALLEL")

	env.boolVar(&cfg.Critic.Enabled, "AGENTIC_CRITIC_ENABLED")
	env.intVar(&cfg.Critic.MaxLoops, "AGENTIC_CRITIC_MAX_LOOPS")
	env.floatVar(&cfg.Critic.MinScore, "AGENTIC_CRITIC_MIN_SCORE")

	env.boolVar(&cfg.Canary.Enabled, "AGENTIC_CANARY_ENABLED")
	env.floatVar(&cfg.Canary.RolloutPercent, "AGENTIC_CANARY_PERCENT")
	env.csvVar(&cfg.Canary.RouteAllowlist, "AGENTIC_CANARY_ROUTE_ALLOWLIST_CSV")
	env.floatVar(&cfg.Canary.MaxFailureRate, "AGENTIC_CANARY_MAX_FAILURE_RATE")
	env.intVar(&cfg.Canary.MinSamples, "AGENTIC_CANARY_MIN_SAMPLES")
	env.secondsVar(&cfg.Canary.Cooldown, "AGENTIC_CANARY_COOLDOWN_SEC")
	env.intVar(&cfg.Canary.WindowSize, "AGENTIC_CANARY_WINDOW_SIZE")

	env.boolVar(&cfg.ToolLoop.Enabled, "AGENTIC_TOOL_LOOP_ENABLED")
	env.intVar(&cfg.ToolLoop.MaxRounds, "AGENTIC_TOOL_MAX_ROUNDS")
	env.intVar(&cfg.ToolLoop.MaxCallsPerRound, "AGENTIC_TOOL_MAX_CALLS_PER_ROUND")
	env.millisVar(&cfg.ToolLoop.ToolTimeout, "AGENTIC_TOOL_TIMEOUT_MS")
	env.intVar(&cfg.ToolLoop.ResultMaxChars, "AGENTIC_TOOL_RESULT_MAX_CHARS")
	env.boolVar(&cfg.ToolLoop.ParallelReadOnly, "AGENTIC_TOOL_PARALLEL_READ_ONLY_ENABLED")
	env.intVar(&cfg.ToolLoop.MaxParallelReadOnly, "AGENTIC_TOOL_MAX_PARALLEL_READ_ONLY")
	env.boolVar(&cfg.ToolLoop.HardGateEnabled, "AGENTIC_TOOL_HARD_GATE_ENABLED")
	env.intVar(&cfg.ToolLoop.HardGateMinSuccessful, "AGENTIC_TOOL_HARD_GATE_MIN_SUCCESSFUL_CALLS")
	env.boolVar(&cfg.ToolLoop.AllowNetworkRead, "AGENTIC_TOOL_ALLOW_NETWORK_READ")
	env.boolVar(&cfg.ToolLoop.AllowExternalWrite, "AGENTIC_TOOL_ALLOW_EXTERNAL_WRITE")
	env.boolVar(&cfg.ToolLoop.AllowHighRisk, "AGENTIC_TOOL_ALLOW_HIGH_RISK")
	env.csvVar(&cfg.ToolLoop.BlockedTools, "AGENTIC_TOOL_BLOCKLIST_CSV")
	env.stringVar(&cfg.ToolLoop.PolicyJSON, "AGENTIC_TOOL_POLICY_JSON")

	env.boolVar(&cfg.Validation.Enabled, "AGENTIC_VALIDATION_ENABLED")
	env.stringVar(&cfg.Validation.PolicyJSON, "AGENTIC_VALIDATION_POLICY_JSON")
	env.boolVar(&cfg.Validation.AutoRepairEnabled, "AGENTIC_VALIDATION_AUTO_REPAIR_ENABLED")
	env.intVar(&cfg.Validation.AutoRepairMaxAttempts, "AGENTIC_VALIDATION_AUTO_REPAIR_MAX_ATTEMPTS")

	env.boolVar(&cfg.ManagerWorker.Enabled, "AGENTIC_MANAGER_WORKER_ENABLED")
	env.intVar(&cfg.ManagerWorker.MaxWorkers, "AGENTIC_MANAGER_WORKER_MAX_WORKERS")
	env.intVar(&cfg.ManagerWorker.MaxPlannerLoops, "AGENTIC_MANAGER_WORKER_MAX_PLANNER_LOOPS")
	env.intVar(&cfg.ManagerWorker.MaxTokens, "AGENTIC_MANAGER_WORKER_MAX_TOKENS")
	env.intVar(&cfg.ManagerWorker.MaxInputChars, "AGENTIC_MANAGER_WORKER_MAX_INPUT_CHARS")
	env.millisVar(&cfg.ManagerWorker.Timeout, "AGENTIC_MANAGER_WORKER_TIMEOUT_MS")
	env.floatVar(&cfg.ManagerWorker.MinComplexityScore, "AGENTIC_MANAGER_WORKER_MIN_COMPLEXITY_SCORE")

	env.stringVar(&cfg.TenantPolicyJSON, "AGENTIC_TENANT_POLICY_JSON")

	env.intVar(&cfg.Search.MaxAttemptsSimple, "SEARCH_MAX_ATTEMPTS_SIMPLE")
	env.intVar(&cfg.Search.MaxAttemptsComplex, "SEARCH_MAX_ATTEMPTS_COMPLEX")

	env.millisVar(&cfg.Timeouts.Chat, "TIMEOUT_CHAT_MS")
	env.millisVar(&cfg.Timeouts.Search, "TIMEOUT_SEARCH_MS")
	env.millisVar(&cfg.Timeouts.SearchScraper, "TIMEOUT_SEARCH_SCRAPER_MS")

	env.intVar(&cfg.Output.ChatMaxTokens, "CHAT_MAX_OUTPUT_TOKENS")
	env.intVar(&cfg.Output.CodingMaxTokens, "CODING_MAX_OUTPUT_TOKENS")
	env.intVar(&cfg.Output.SearchMaxTokens, "SEARCH_MAX_OUTPUT_TOKENS")
	env.intVar(&cfg.Output.CriticMaxTokens, "CRITIC_MAX_OUTPUT_TOKENS")

	env.boolVar(&cfg.TraceEnabled, "TRACE_ENABLED")

	cfg.clamp()
	return cfg
}

// clamp enforces the hard bounds the rest of the runtime assumes.
func (c *Config) clamp() {
	if c.Critic.MaxLoops < 0 {
		c.Critic.MaxLoops = 0
	}
	if c.Critic.MaxLoops > 2 {
		c.Critic.MaxLoops = 2
	}
	if c.Graph.MaxParallel < 1 {
		c.Graph.MaxParallel = 1
	}
	if c.ToolLoop.MaxRounds < 1 {
		c.ToolLoop.MaxRounds = 1
	}
	if c.ToolLoop.MaxCallsPerRound < 1 {
		c.ToolLoop.MaxCallsPerRound = 1
	}
	if c.ToolLoop.MaxParallelReadOnly < 1 {
		c.ToolLoop.MaxParallelReadOnly = 1
	}
	if c.Canary.RolloutPercent < 0 {
		c.Canary.RolloutPercent = 0
	}
	if c.Canary.RolloutPercent > 100 {
		c.Canary.RolloutPercent = 100
	}
	if c.Canary.WindowSize < 1 {
		c.Canary.WindowSize = 1
	}
	if c.Validation.AutoRepairMaxAttempts < 0 {
		c.Validation.AutoRepairMaxAttempts = 0
	}
}

type envReader struct {
	lookup func(string) (string, bool)
}

func (e envReader) stringVar(dst *string, key string) {
	if v, ok := e.lookup(key); ok && strings.TrimSpace(v) != "" {
		*dst = v
	}
}

func (e envReader) boolVar(dst *bool, key string) {
	if v, ok := e.lookup(key); ok {
		if parsed, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			*dst = parsed
		}
	}
}

func (e envReader) intVar(dst *int, key string) {
	if v, ok := e.lookup(key); ok {
		if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			*dst = parsed
		}
	}
}

func (e envReader) floatVar(dst *float64, key string) {
	if v, ok := e.lookup(key); ok {
		if parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			*dst = parsed
		}
	}
}

func (e envReader) millisVar(dst *time.Duration, key string) {
	if v, ok := e.lookup(key); ok {
		if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && parsed > 0 {
			*dst = time.Duration(parsed) * time.Millisecond
		}
	}
}

func (e envReader) secondsVar(dst *time.Duration, key string) {
	if v, ok := e.lookup(key); ok {
		if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && parsed > 0 {
			*dst = time.Duration(parsed) * time.Second
		}
	}
}

func (e envReader) csvVar(dst *[]string, key string) {
	v, ok := e.lookup(key)
	if !ok {
		return
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	*dst = out
}

package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/BokX1/sage/internal/llm"
	"github.com/BokX1/sage/internal/observability"
	"github.com/BokX1/sage/pkg/models"
)

// FinalizationFallback is the canonical reply when the model cannot produce
// a plain-text answer after tool execution.
const FinalizationFallback = "I could not finalize a plain-text answer after tool execution. Please try again."

const correctiveInstruction = `Your last reply looked like a tool_calls envelope but was not valid. ` +
	`Reply with exactly one JSON object of the form ` +
	`{"type":"tool_calls","calls":[{"name":"<tool>","args":{}}]} and nothing else, ` +
	`or answer the user in plain text.`

const finalizeInstruction = `Tools are no longer available. Answer the user in plain text only. ` +
	`Do not emit a tool_calls envelope.`

const toolProtocolInstruction = `You may call tools. To do so, reply with exactly one JSON object ` +
	`of the form {"type":"tool_calls","calls":[{"name":"<tool>","args":{}}]} and nothing else. ` +
	`Otherwise answer the user in plain text. Available tools:`

// LoopConfig bounds one tool-call loop invocation.
type LoopConfig struct {
	MaxRounds           int
	MaxCallsPerRound    int
	ToolTimeout         time.Duration
	MaxToolResultChars  int
	ParallelReadOnly    bool
	MaxParallelReadOnly int
	CacheMaxEntries     int

	// CallTimeout and MaxTokens apply to the LLM calls the loop issues.
	CallTimeout time.Duration
	MaxTokens   int
}

// LoopResult reports one loop invocation.
type LoopResult struct {
	ReplyText             string
	ToolsExecuted         bool
	RoundsCompleted       int
	ToolResults           []models.ToolResult
	PolicyDecisions       []Decision
	DeduplicatedCallCount int
	SuccessfulCalls       int
}

// Loop runs the bounded multi-round tool-call protocol against one model.
type Loop struct {
	client   llm.Client
	registry *Registry
	policy   Policy
	cfg      LoopConfig
	log      *observability.Logger
	metrics  *observability.Metrics
}

// NewLoop wires a loop. The registry and policy outlive the loop; the
// result cache does not.
func NewLoop(client llm.Client, registry *Registry, policy Policy, cfg LoopConfig, log *observability.Logger, metrics *observability.Metrics) *Loop {
	if log == nil {
		log = observability.NewNopLogger()
	}
	if cfg.MaxRounds < 1 {
		cfg.MaxRounds = 1
	}
	if cfg.MaxCallsPerRound < 1 {
		cfg.MaxCallsPerRound = 1
	}
	if cfg.MaxParallelReadOnly < 1 {
		cfg.MaxParallelReadOnly = 1
	}
	if cfg.CacheMaxEntries < 1 {
		cfg.CacheMaxEntries = 64
	}
	if cfg.MaxToolResultChars < 1 {
		cfg.MaxToolResultChars = 4000
	}
	return &Loop{client: client, registry: registry, policy: policy, cfg: cfg, log: log, metrics: metrics}
}

// RunParams parameterizes one loop invocation.
type RunParams struct {
	// Messages is the conversation so far, system prompt included.
	Messages []models.ChatMessage

	// Model is the resolved model id for every call the loop issues.
	Model string

	// Advertised is the route-scoped tool subset offered to the model.
	Advertised []Definition

	// InitialAssistantText, when set, is treated as the model's first
	// response; the loop skips the opening call.
	InitialAssistantText string
}

// Run executes the round protocol: parse envelope, gate and execute calls,
// feed results back, repeat up to MaxRounds, then force plain text.
func (l *Loop) Run(ctx context.Context, p RunParams) (*LoopResult, error) {
	result := &LoopResult{}
	cache := NewResultCache(l.cfg.CacheMaxEntries)
	msgs := append([]models.ChatMessage(nil), p.Messages...)
	specs := toolSpecs(p.Advertised)

	text := p.InitialAssistantText
	if text == "" {
		first, err := l.chat(ctx, msgs, p.Model, specs)
		if err != nil {
			return result, err
		}
		text = first
	}

	correctedOnce := false
	for round := 1; round <= l.cfg.MaxRounds; round++ {
		env, ok := ParseEnvelope(text)
		if !ok && !correctedOnce && LooksLikeEnvelope(text) {
			// One deterministic corrective retry for near-envelopes.
			correctedOnce = true
			msgs = append(msgs,
				models.ChatMessage{Role: models.RoleAssistant, Content: text},
				models.ChatMessage{Role: models.RoleUser, Content: correctiveInstruction},
			)
			retried, err := l.chat(ctx, msgs, p.Model, specs)
			if err != nil {
				return result, err
			}
			text = retried
			env, ok = ParseEnvelope(text)
		}
		if !ok {
			result.ReplyText = text
			return result, nil
		}
		result.ToolsExecuted = true

		calls := env.Calls
		if len(calls) > l.cfg.MaxCallsPerRound {
			for _, extra := range calls[l.cfg.MaxCallsPerRound:] {
				result.PolicyDecisions = append(result.PolicyDecisions,
					Decision{Tool: extra.Name, Code: DecisionTruncated})
			}
			calls = calls[:l.cfg.MaxCallsPerRound]
		}

		roundResults := l.executeCalls(ctx, calls, cache, result)
		result.ToolResults = append(result.ToolResults, roundResults...)
		result.RoundsCompleted = round

		msgs = append(msgs, models.ChatMessage{
			Role:    models.RoleAssistant,
			Content: summarizeResults(roundResults, l.cfg.MaxToolResultChars),
		})
		next, err := l.chat(ctx, msgs, p.Model, specs)
		if err != nil {
			return result, err
		}
		text = next
	}

	// Rounds exhausted and the model still wants tools: one plain-text-only
	// finalization call with no tools advertised.
	if _, stillEnvelope := ParseEnvelope(text); stillEnvelope {
		msgs = append(msgs, models.ChatMessage{Role: models.RoleUser, Content: finalizeInstruction})
		final, err := l.chat(ctx, msgs, p.Model, nil)
		if err != nil {
			result.ReplyText = FinalizationFallback
			return result, nil
		}
		if _, again := ParseEnvelope(final); again {
			result.ReplyText = FinalizationFallback
			return result, nil
		}
		text = final
	}
	result.ReplyText = text
	return result, nil
}

type callTask struct {
	idx  int
	def  Definition
	args json.RawMessage
	key  string
}

// executeCalls gates, validates, and executes one round's calls. Results
// preserve envelope order. Read-only tools may run concurrently; mutating
// tools and repeated keys run sequentially afterwards so identical calls
// hit the cache.
func (l *Loop) executeCalls(ctx context.Context, calls []models.ToolCall, cache *ResultCache, result *LoopResult) []models.ToolResult {
	results := make([]models.ToolResult, len(calls))
	var parallel, serial []callTask
	scheduled := make(map[string]bool)

	for i, call := range calls {
		def, known := l.registry.Get(call.Name)
		var declared RiskClass
		if known {
			declared = def.Risk
		}

		decision := l.policy.Evaluate(call.Name, declared)
		result.PolicyDecisions = append(result.PolicyDecisions, decision)
		if !decision.Allowed {
			results[i] = failedResult(call, decision.Code)
			l.countTool(call.Name, "denied")
			continue
		}

		args, err := l.registry.ValidateCall(call.Name, call.Args)
		if err != nil {
			results[i] = failedResult(call, err.Error())
			l.countTool(call.Name, "error")
			continue
		}
		key, err := CacheKey(call.Name, args)
		if err != nil {
			results[i] = failedResult(call, err.Error())
			l.countTool(call.Name, "error")
			continue
		}

		task := callTask{idx: i, def: def, args: args, key: key}
		readOnly := l.policy.EffectiveClass(call.Name, declared).ReadOnly()
		if l.cfg.ParallelReadOnly && readOnly && !scheduled[key] {
			parallel = append(parallel, task)
		} else {
			serial = append(serial, task)
		}
		scheduled[key] = true
	}

	var mu sync.Mutex
	run := func(t callTask) {
		res := l.runTask(ctx, t, cache, &mu, result)
		results[t.idx] = res
	}

	if len(parallel) > 0 {
		sem := make(chan struct{}, l.cfg.MaxParallelReadOnly)
		var wg sync.WaitGroup
		for _, t := range parallel {
			wg.Add(1)
			go func(t callTask) {
				defer wg.Done()
				sem <- struct{}{}
				defer func() { <-sem }()
				run(t)
			}(t)
		}
		wg.Wait()
	}
	for _, t := range serial {
		run(t)
	}
	return results
}

func (l *Loop) runTask(ctx context.Context, t callTask, cache *ResultCache, mu *sync.Mutex, result *LoopResult) models.ToolResult {
	if cached, ok := cache.Get(t.key); ok {
		cached.Cached = true
		mu.Lock()
		result.DeduplicatedCallCount++
		if !cached.IsError {
			result.SuccessfulCalls++
		}
		mu.Unlock()
		if l.metrics != nil {
			l.metrics.ToolCacheHits.WithLabelValues(t.def.Name).Inc()
		}
		return cached
	}

	callCtx := ctx
	if l.cfg.ToolTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, l.cfg.ToolTimeout)
		defer cancel()
	}

	start := time.Now()
	content, err := t.def.Execute(callCtx, t.args)
	elapsed := time.Since(start)
	if l.metrics != nil {
		l.metrics.ToolExecutionDuration.WithLabelValues(t.def.Name).Observe(elapsed.Seconds())
	}

	res := models.ToolResult{
		Name:       t.def.Name,
		Args:       t.args,
		DurationMs: elapsed.Milliseconds(),
	}
	if err != nil {
		res.IsError = true
		if errors.Is(err, context.DeadlineExceeded) {
			res.Error = fmt.Sprintf("timeout after %s", l.cfg.ToolTimeout)
		} else {
			res.Error = err.Error()
		}
		l.countTool(t.def.Name, "error")
		return res
	}

	res.Content = content
	cache.Put(t.key, res)
	mu.Lock()
	result.SuccessfulCalls++
	mu.Unlock()
	l.countTool(t.def.Name, "success")
	return res
}

// chat issues one loop LLM call. The tool protocol rides in the system
// turn, so a nil specs slice means the model sees no tool surface at all.
func (l *Loop) chat(ctx context.Context, msgs []models.ChatMessage, model string, specs []llm.ToolSpec) (string, error) {
	start := time.Now()
	resp, err := l.client.Chat(ctx, &llm.ChatRequest{
		Messages:  withToolProtocol(msgs, specs),
		Model:     model,
		Timeout:   l.cfg.CallTimeout,
		MaxTokens: l.cfg.MaxTokens,
		Tools:     specs,
	})
	if l.metrics != nil {
		l.metrics.LLMRequestDuration.WithLabelValues(model).Observe(time.Since(start).Seconds())
		status := "success"
		if err != nil {
			status = "error"
		}
		l.metrics.LLMRequestCounter.WithLabelValues(model, status).Inc()
	}
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

func (l *Loop) countTool(name, status string) {
	if l.metrics != nil {
		l.metrics.ToolExecutionCounter.WithLabelValues(name, status).Inc()
	}
}

func failedResult(call models.ToolCall, reason string) models.ToolResult {
	return models.ToolResult{
		Name:    call.Name,
		Args:    call.Args,
		IsError: true,
		Error:   reason,
	}
}

// withToolProtocol merges the envelope protocol and the advertised tool
// catalog into the leading system turn, creating one when absent.
func withToolProtocol(msgs []models.ChatMessage, specs []llm.ToolSpec) []models.ChatMessage {
	if len(specs) == 0 {
		return msgs
	}
	system, rest := llm.SystemPrompt(msgs)
	content := renderToolCatalog(specs)
	if system != "" {
		content = system + "\n\n" + content
	}
	out := make([]models.ChatMessage, 0, len(rest)+1)
	out = append(out, models.ChatMessage{Role: models.RoleSystem, Content: content})
	return append(out, rest...)
}

func renderToolCatalog(specs []llm.ToolSpec) string {
	var b strings.Builder
	b.WriteString(toolProtocolInstruction)
	for _, s := range specs {
		b.WriteString("\n- ")
		b.WriteString(s.Name)
		if s.Description != "" {
			b.WriteString(": ")
			b.WriteString(s.Description)
		}
		if len(s.Schema) > 0 {
			b.WriteString("\n  args schema: ")
			b.WriteString(string(s.Schema))
		}
	}
	return b.String()
}

func toolSpecs(defs []Definition) []llm.ToolSpec {
	if len(defs) == 0 {
		return nil
	}
	specs := make([]llm.ToolSpec, 0, len(defs))
	for _, def := range defs {
		specs = append(specs, llm.ToolSpec{
			Name:        def.Name,
			Description: def.Description,
			Schema:      def.Schema,
		})
	}
	return specs
}

func summarizeResults(results []models.ToolResult, maxChars int) string {
	var b strings.Builder
	b.WriteString("Tool execution results:")
	for _, r := range results {
		b.WriteString("\n- ")
		b.WriteString(r.Name)
		if len(r.Args) > 0 {
			b.WriteString("(")
			b.WriteString(truncate(string(r.Args), 200))
			b.WriteString(")")
		}
		if r.IsError {
			b.WriteString(" -> error: ")
			b.WriteString(truncate(r.Error, maxChars))
			continue
		}
		b.WriteString(" -> ")
		b.WriteString(truncate(r.Content, maxChars))
	}
	return b.String()
}

func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max] + "…[truncated]"
}

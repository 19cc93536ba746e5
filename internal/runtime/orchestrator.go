package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/BokX1/sage/internal/canary"
	"github.com/BokX1/sage/internal/config"
	"github.com/BokX1/sage/internal/critic"
	"github.com/BokX1/sage/internal/graph"
	"github.com/BokX1/sage/internal/llm"
	"github.com/BokX1/sage/internal/observability"
	"github.com/BokX1/sage/internal/search"
	"github.com/BokX1/sage/internal/tools"
	"github.com/BokX1/sage/internal/trace"
	"github.com/BokX1/sage/internal/validate"
	"github.com/BokX1/sage/pkg/models"
)

// SearchModels is the closed model allowlist for the search route.
type SearchModels struct {
	Guardrails []string
	Scraper    string
	CrossCheck string
	Summarizer string
	Reasoning  string
}

// Deps are the collaborators the orchestrator consumes.
type Deps struct {
	Client    llm.Client
	Resolver  llm.Resolver
	Registry  *tools.Registry
	Providers ContextProviderRunner
	Traces    trace.Repo
	Canary    *canary.Controller

	SearchModels SearchModels
	CriticModel  string

	Log     *observability.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
}

// TurnParams describes one incoming turn.
type TurnParams struct {
	TraceID   string
	GuildID   string
	ChannelID string
	UserID    string
	Route     models.Route
	Messages  []models.ChatMessage

	VoiceActive   bool
	AllowedModels []string
	SkipMemory    bool

	// RequiresToolEvidence forces the hard-evidence gate regardless of the
	// route heuristic.
	RequiresToolEvidence bool
}

// Orchestrator sequences admission, context graph, main pass, critic, and
// validation into one turn.
type Orchestrator struct {
	cfg        *config.Config
	deps       Deps
	basePolicy []*tools.PolicyDoc
	tenantDocs map[string]*tools.PolicyDoc
	validator  *validate.Validator
	mw         *ManagerWorker
	now        func() time.Time
}

// NewOrchestrator wires an orchestrator. Policy layers are parsed once;
// malformed JSON fails construction rather than silently allowing tools.
func NewOrchestrator(cfg *config.Config, deps Deps) (*Orchestrator, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if deps.Log == nil {
		deps.Log = observability.NewNopLogger()
	}
	if deps.Tracer == nil {
		deps.Tracer = observability.NewTracer()
	}

	layers := []*tools.PolicyDoc{
		tools.EnvDefaults(cfg.ToolLoop.AllowNetworkRead, cfg.ToolLoop.AllowExternalWrite,
			cfg.ToolLoop.AllowHighRisk, cfg.ToolLoop.BlockedTools),
	}
	if cfg.ToolLoop.PolicyJSON != "" {
		doc, err := tools.ParsePolicyDoc(cfg.ToolLoop.PolicyJSON)
		if err != nil {
			return nil, NewError(KindValidation, "global tool policy", err)
		}
		layers = append(layers, doc)
	}

	tenantDocs := make(map[string]*tools.PolicyDoc)
	if cfg.TenantPolicyJSON != "" {
		var byGuild map[string]*tools.PolicyDoc
		if err := json.Unmarshal([]byte(cfg.TenantPolicyJSON), &byGuild); err != nil {
			return nil, NewError(KindValidation, "tenant tool policy", err)
		}
		tenantDocs = byGuild
	}

	maxRepairs := cfg.Validation.AutoRepairMaxAttempts
	if !cfg.Validation.AutoRepairEnabled {
		maxRepairs = 0
	}

	var policies map[models.Route]validate.RoutePolicy
	if cfg.Validation.PolicyJSON != "" {
		parsed, err := validate.ParsePolicies(cfg.Validation.PolicyJSON)
		if err != nil {
			return nil, NewError(KindValidation, "validation policy", err)
		}
		policies = parsed
	}

	return &Orchestrator{
		cfg:        cfg,
		deps:       deps,
		basePolicy: layers,
		tenantDocs: tenantDocs,
		validator:  validate.New(policies, maxRepairs, deps.Log, deps.Metrics),
		mw:         NewManagerWorker(deps.Client, cfg.ManagerWorker, deps.Log),
		now:        time.Now,
	}, nil
}

// policyForGuild merges env defaults, the global layer, and the tenant layer.
func (o *Orchestrator) policyForGuild(guildID string) tools.Policy {
	layers := append([]*tools.PolicyDoc(nil), o.basePolicy...)
	if doc, ok := o.tenantDocs[guildID]; ok {
		layers = append(layers, doc)
	}
	return tools.MergePolicy(layers...)
}

// turnState accumulates per-turn outcome flags for canary reason codes.
type turnState struct {
	reply           string
	model           string
	resolution      *llm.Resolution
	snapshot        string
	graphFailed     bool
	graphCounters   graph.Counters
	toolsExecuted   bool
	successfulCalls int
	toolLoopFailed  bool
	hardGateUnmet   bool
	criticScore     float64
	criticLoops     int
	validatorIssues []validate.Issue
	replaced        bool
	files           []models.BinaryAttachment
	nodeRuns        []graph.NodeRun
	events          []graph.Event
}

// RunTurn executes one turn end to end and always returns a result; errors
// inside the pipeline degrade to canonical sentinels rather than failing
// the turn.
func (o *Orchestrator) RunTurn(ctx context.Context, p TurnParams) (*models.TurnResult, error) {
	if !p.Route.Valid() {
		return nil, NewError(KindValidation, fmt.Sprintf("unknown route %q", p.Route), nil)
	}
	if len(p.Messages) == 0 {
		return nil, NewError(KindValidation, "empty conversation", nil)
	}
	if p.TraceID == "" {
		p.TraceID = uuid.NewString()
	}

	ctx = context.WithValue(ctx, observability.TraceIDKey, p.TraceID)
	ctx = context.WithValue(ctx, observability.GuildIDKey, p.GuildID)
	ctx = context.WithValue(ctx, observability.RouteKey, string(p.Route))
	ctx, span := o.deps.Tracer.StartTurn(ctx, p.TraceID, p.GuildID, string(p.Route))
	start := o.now()
	defer func() {
		if o.deps.Metrics != nil {
			o.deps.Metrics.TurnDuration.WithLabelValues(string(p.Route)).Observe(o.now().Sub(start).Seconds())
		}
	}()
	defer observability.EndSpan(span, nil)

	result := &models.TurnResult{}
	st := &turnState{}
	query := lastUserContent(p.Messages)

	res, err := o.deps.Resolver.Resolve(ctx, &llm.ResolveRequest{
		GuildID:       p.GuildID,
		Messages:      p.Messages,
		Route:         p.Route,
		AllowedModels: p.AllowedModels,
	})
	if err != nil || res == nil || res.Model == "" {
		o.deps.Log.Error(ctx, "model resolution failed", "error", err)
		result.ReplyText = TransportFallback
		return result, nil
	}
	st.resolution = res
	st.model = res.Model
	result.AddDebug("model: " + res.Model)

	decision := o.deps.Canary.Evaluate(ctx, p.TraceID, string(p.Route), p.GuildID, o.cfg.Canary)
	result.AddDebug("canary: " + decision.Reason)
	if !decision.AllowAgentic {
		result.ReplyText = o.plainPass(ctx, st.model, p.Messages)
		return result, nil
	}

	o.traceStart(ctx, p, st)

	o.runContextGraph(ctx, p, st)
	o.runManagerWorker(ctx, p, query, st)

	if p.Route == models.RouteSearch {
		o.searchPass(ctx, p, query, st)
	} else {
		o.mainPass(ctx, p, st)
	}
	o.enforceHardGate(ctx, p, query, st)
	o.criticLoop(ctx, p, query, st)
	o.validatePass(ctx, p, query, st)
	o.redactEnvelopeLeak(st, query)

	codes := st.reasonCodes()
	o.deps.Canary.Record(ctx, len(codes) == 0, codes, o.cfg.Canary)
	o.traceEnd(ctx, p, st, codes)

	result.ReplyText = st.reply
	result.Files = st.files
	result.AddDebug(fmt.Sprintf("tools_executed=%v successful_calls=%d critic_loops=%d",
		st.toolsExecuted, st.successfulCalls, st.criticLoops))
	if o.cfg.TraceEnabled {
		if traceJSON, err := json.Marshal(struct {
			Events   []graph.Event   `json:"events"`
			NodeRuns []graph.NodeRun `json:"nodeRuns"`
			Reasons  []string        `json:"reasonCodes"`
		}{st.events, st.nodeRuns, codes}); err == nil {
			result.Debug.TraceJSON = traceJSON
		}
	}
	return result, nil
}

// plainPass is the non-agentic path: one model call, no tools, no critic.
func (o *Orchestrator) plainPass(ctx context.Context, model string, msgs []models.ChatMessage) string {
	resp, err := o.deps.Client.Chat(ctx, &llm.ChatRequest{
		Messages:  msgs,
		Model:     model,
		Timeout:   o.cfg.Timeouts.Chat,
		MaxTokens: o.cfg.Output.ChatMaxTokens,
	})
	if err != nil {
		o.deps.Log.Error(ctx, "plain pass failed", "error", err)
		return TransportFallback
	}
	return resp.Content
}

func (o *Orchestrator) runContextGraph(ctx context.Context, p TurnParams, st *turnState) {
	gctx, span := o.deps.Tracer.StartPhase(ctx, "graph")
	defer observability.EndSpan(span, nil)

	maxParallel := 1
	if o.cfg.Graph.ParallelEnabled {
		maxParallel = o.cfg.Graph.MaxParallel
	}
	runner := &providerNodeRunner{
		providers: o.deps.Providers,
		req: ProviderRequest{
			GuildID:    p.GuildID,
			ChannelID:  p.ChannelID,
			UserID:     p.UserID,
			TraceID:    p.TraceID,
			SkipMemory: p.SkipMemory,
		},
	}
	ex := graph.NewExecutor(runner, maxParallel, o.deps.Log, o.deps.Metrics)
	res, err := ex.Execute(gctx, p.TraceID, BuildContextGraph(p.Route, nil))
	if err != nil {
		o.deps.Log.Warn(ctx, "context graph rejected", "error", err)
		st.graphFailed = true
		return
	}

	st.events = res.Events
	st.nodeRuns = res.NodeRuns
	st.graphCounters = res.Blackboard.Counters()
	st.graphFailed = st.graphCounters.FailedTasks > 0
	st.snapshot = packetSnapshot(res.Packets)
	for _, pkt := range res.Packets {
		if pkt.Binary != nil {
			st.files = append(st.files, *pkt.Binary)
		}
	}
	o.persistAgentRuns(ctx, p.TraceID, res.NodeRuns)
}

func (o *Orchestrator) runManagerWorker(ctx context.Context, p TurnParams, query string, st *turnState) {
	if !o.cfg.ManagerWorker.Enabled {
		return
	}
	if p.Route != models.RouteChat && p.Route != models.RouteCoding {
		return
	}
	if ComplexityScore(query) < o.cfg.ManagerWorker.MinComplexityScore {
		return
	}
	pkt, err := o.mw.Run(ctx, st.model, query, st.snapshot)
	if err != nil {
		o.deps.Log.Warn(ctx, "manager/worker pass failed", "error", err)
		return
	}
	if pkt != nil {
		st.snapshot = st.snapshot + "\n\n" + pkt.Content
	}
}

// mainPass runs the tool loop (or a single call) for chat/coding/creative.
func (o *Orchestrator) mainPass(ctx context.Context, p TurnParams, st *turnState) {
	mctx, span := o.deps.Tracer.StartPhase(ctx, "main_pass")
	defer observability.EndSpan(span, nil)

	msgs := withContextSnapshot(p.Messages, st.snapshot)
	if !o.cfg.ToolLoop.Enabled || o.deps.Registry == nil {
		st.reply = o.plainPass(mctx, st.model, msgs)
		st.toolLoopFailed = st.reply == TransportFallback
		return
	}

	policy := o.policyForGuild(p.GuildID)
	advertised := tools.ToolsForRoute(o.deps.Registry, p.Route, policy)
	loopRes, err := o.toolLoop(mctx, policy).Run(mctx, tools.RunParams{
		Messages:   msgs,
		Model:      st.model,
		Advertised: advertised,
	})
	st.mergeLoop(loopRes)
	if err != nil {
		o.deps.Log.Error(ctx, "tool loop failed", "error", err)
		st.reply = TransportFallback
		st.toolLoopFailed = true
	}
}

// searchPass runs the search pipeline with the tool loop as preferred path.
func (o *Orchestrator) searchPass(ctx context.Context, p TurnParams, query string, st *turnState) {
	sctx, span := o.deps.Tracer.StartPhase(ctx, "search_pass")
	defer observability.EndSpan(span, nil)

	profile := search.Classify(query)
	model := st.model
	if profile.Mode == search.ModeComplex && o.deps.SearchModels.Reasoning != "" {
		// Complex mode pins the reasoning model for the tool pass.
		model = o.deps.SearchModels.Reasoning
	}

	var toolPass search.ToolPassFunc
	if o.cfg.ToolLoop.Enabled && o.deps.Registry != nil {
		toolPass = func(tctx context.Context, req search.Request) (string, int, error) {
			policy := o.policyForGuild(p.GuildID)
			advertised := tools.ToolsForRoute(o.deps.Registry, models.RouteSearch, policy)
			loopRes, err := o.toolLoop(tctx, policy).Run(tctx, tools.RunParams{
				Messages:   withContextSnapshot(p.Messages, st.snapshot),
				Model:      model,
				Advertised: advertised,
			})
			st.mergeLoop(loopRes)
			if err != nil {
				return "", 0, err
			}
			return loopRes.ReplyText, loopRes.SuccessfulCalls, nil
		}
	}

	pipe := search.NewPipeline(o.deps.Client, o.searchConfig(), toolPass, o.deps.Log)
	out, err := pipe.Run(sctx, search.Request{
		Query:           query,
		Conversation:    p.Messages,
		ContextSnapshot: st.snapshot,
		Profile:         profile,
		Candidates:      st.resolution.Candidates,
	})
	if err != nil {
		o.deps.Log.Warn(ctx, "search pipeline exhausted", "error", err)
		if o.hardGateRequired(p, query) {
			st.hardGateUnmet = true
			st.reply = HardGateRefusal
		} else {
			st.reply = TransportFallback
			st.toolLoopFailed = true
		}
		return
	}
	st.reply = out.Reply
}

// searchRefresh re-runs the pipeline for a critic revision.
func (o *Orchestrator) searchRefresh(ctx context.Context, p TurnParams, query, focus string, st *turnState) bool {
	pipe := search.NewPipeline(o.deps.Client, o.searchConfig(), nil, o.deps.Log)
	out, err := pipe.Run(ctx, search.Request{
		Query:           query,
		Conversation:    p.Messages,
		ContextSnapshot: st.snapshot,
		PriorDraft:      st.reply,
		RevisionFocus:   focus,
		Profile:         search.Classify(query),
		Candidates:      st.resolution.Candidates,
	})
	if err != nil {
		o.deps.Log.Warn(ctx, "search refresh failed", "error", err)
		return false
	}
	st.reply = out.Reply
	return true
}

var evidenceQueryRegex = regexp.MustCompile(`(?i)\b(which version|what version|when (was|did)|release date|introduced|changelog|npm|package|cve|security advisory)\b`)

// hardGateRequired decides whether the turn must show successful tool calls.
func (o *Orchestrator) hardGateRequired(p TurnParams, query string) bool {
	if !o.cfg.ToolLoop.HardGateEnabled {
		return false
	}
	if p.RequiresToolEvidence {
		return true
	}
	if p.Route != models.RouteCoding && p.Route != models.RouteSearch {
		return false
	}
	return evidenceQueryRegex.MatchString(query)
}

const forcedToolInstruction = `You must verify your answer with the available tools before replying. ` +
	`Issue a tool_calls envelope first; do not answer from memory.`

// enforceHardGate verifies tool evidence and issues one forced retry.
func (o *Orchestrator) enforceHardGate(ctx context.Context, p TurnParams, query string, st *turnState) {
	if st.hardGateUnmet || !o.hardGateRequired(p, query) {
		return
	}
	min := o.cfg.ToolLoop.HardGateMinSuccessful
	if min < 1 {
		min = 1
	}
	if st.successfulCalls >= min {
		return
	}
	if !o.cfg.ToolLoop.Enabled || o.deps.Registry == nil {
		st.hardGateUnmet = true
		st.reply = HardGateRefusal
		return
	}

	policy := o.policyForGuild(p.GuildID)
	advertised := tools.ToolsForRoute(o.deps.Registry, p.Route, policy)
	msgs := append(withContextSnapshot(p.Messages, st.snapshot),
		models.ChatMessage{Role: models.RoleUser, Content: forcedToolInstruction})
	loopRes, err := o.toolLoop(ctx, policy).Run(ctx, tools.RunParams{
		Messages:   msgs,
		Model:      st.model,
		Advertised: advertised,
	})
	st.mergeLoop(loopRes)
	if err == nil && loopRes.SuccessfulCalls >= min {
		st.reply = loopRes.ReplyText
		return
	}
	st.hardGateUnmet = true
	st.reply = HardGateRefusal
}

// criticLoop runs bounded assess/revise iterations.
func (o *Orchestrator) criticLoop(ctx context.Context, p TurnParams, query string, st *turnState) {
	if !o.cfg.Critic.Enabled || o.cfg.Critic.MaxLoops < 1 {
		return
	}
	terminal := st.reply == HardGateRefusal || st.reply == TransportFallback ||
		st.reply == tools.FinalizationFallback
	if !critic.Eligible(p.Route, st.reply, p.VoiceActive, len(st.files), terminal) {
		return
	}

	cctx, span := o.deps.Tracer.StartPhase(ctx, "critic")
	defer observability.EndSpan(span, nil)

	criticModel := o.deps.CriticModel
	if criticModel == "" {
		criticModel = st.model
	}
	c := critic.New(o.deps.Client, criticModel, o.cfg.Output.CriticMaxTokens,
		o.cfg.Timeouts.Chat, o.deps.Log, o.deps.Metrics)

	for loop := 1; loop <= o.cfg.Critic.MaxLoops; loop++ {
		st.criticLoops = loop
		a, err := c.Assess(cctx, p.Route, query, st.reply)
		if err != nil {
			o.deps.Log.Warn(ctx, "critic call failed", "error", err)
			return
		}
		if a == nil {
			// Unparseable critic output: search gets one refresh pass,
			// other routes end the loop.
			if p.Route == models.RouteSearch {
				o.searchRefresh(cctx, p, query, "re-verify claims and cite sources", st)
			}
			return
		}
		st.criticScore = a.Score
		if a.Pass() {
			// A passing verdict alone does not end the loop on search:
			// the draft must also clear the freshness guards.
			if p.Route == models.RouteSearch {
				if reason, ok := search.GuardReply(st.reply, search.Classify(query)); !ok {
					if !o.searchRefresh(cctx, p, query, "restore grounding: "+reason, st) {
						return
					}
					continue
				}
			}
			return
		}

		if p.Route == models.RouteSearch && critic.NeedsSearchRefresh(a.Issues) {
			if !o.searchRefresh(cctx, p, query, a.RewritePrompt, st) {
				return
			}
			continue
		}
		if !o.revise(cctx, p, query, a, st) {
			return
		}
	}
}

// revise re-dispatches issue-matched providers and issues a revision call,
// through the tool loop when the critic asks for verifiable evidence.
func (o *Orchestrator) revise(ctx context.Context, p TurnParams, query string, a *critic.Assessment, st *turnState) bool {
	if extra := critic.ProvidersForIssues(a.Issues); len(extra) > 0 && o.deps.Providers != nil {
		packets, err := o.deps.Providers.Run(ctx, ProviderRequest{
			Providers: extra,
			GuildID:   p.GuildID,
			ChannelID: p.ChannelID,
			UserID:    p.UserID,
			TraceID:   p.TraceID,
		})
		if err != nil {
			o.deps.Log.Warn(ctx, "provider re-dispatch failed", "error", err)
		} else if len(packets) > 0 {
			st.snapshot = st.snapshot + "\n\n" + packetSnapshot(packets)
		}
	}

	prompt := fmt.Sprintf("Revise the draft below.\nCritique: %s\nIssues: %s\n\nOriginal request:\n%s\n\nDraft:\n%s",
		a.RewritePrompt, strings.Join(a.Issues, "; "), query, st.reply)
	msgs := append(withContextSnapshot(p.Messages, st.snapshot),
		models.ChatMessage{Role: models.RoleUser, Content: prompt})

	if critic.NeedsToolVerification(a.Issues) && o.cfg.ToolLoop.Enabled && o.deps.Registry != nil {
		policy := o.policyForGuild(p.GuildID)
		advertised := tools.ToolsForRoute(o.deps.Registry, p.Route, policy)
		loopRes, err := o.toolLoop(ctx, policy).Run(ctx, tools.RunParams{
			Messages:   msgs,
			Model:      st.model,
			Advertised: advertised,
		})
		st.mergeLoop(loopRes)
		if err != nil {
			return false
		}
		st.reply = loopRes.ReplyText
		return true
	}

	resp, err := o.deps.Client.Chat(ctx, &llm.ChatRequest{
		Messages:  msgs,
		Model:     st.model,
		Timeout:   o.cfg.Timeouts.Chat,
		MaxTokens: o.maxTokensForRoute(p.Route),
	})
	if err != nil {
		o.deps.Log.Warn(ctx, "revision call failed", "error", err)
		return false
	}
	st.reply = resp.Content
	return true
}

// validatePass runs the response validator with a route-appropriate repair.
func (o *Orchestrator) validatePass(ctx context.Context, p TurnParams, query string, st *turnState) {
	if !o.cfg.Validation.Enabled {
		return
	}
	vctx, span := o.deps.Tracer.StartPhase(ctx, "validate")
	defer observability.EndSpan(span, nil)

	var repair validate.RepairFunc
	if p.Route == models.RouteSearch {
		repair = func(rctx context.Context, draft string, issues []validate.Issue) (string, error) {
			focus := "fix: " + issueList(issues)
			if !o.searchRefresh(rctx, p, query, focus, st) {
				return "", NewError(KindDependency, "search repair", nil)
			}
			return st.reply, nil
		}
	} else {
		repair = func(rctx context.Context, draft string, issues []validate.Issue) (string, error) {
			prompt := fmt.Sprintf("Rewrite the reply to fix these problems: %s.\nKeep the substance.\n\nReply:\n%s",
				issueList(issues), draft)
			resp, err := o.deps.Client.Chat(rctx, &llm.ChatRequest{
				Messages: []models.ChatMessage{
					{Role: models.RoleUser, Content: prompt},
				},
				Model:     st.model,
				Timeout:   o.cfg.Timeouts.Chat,
				MaxTokens: o.maxTokensForRoute(p.Route),
			})
			if err != nil {
				return "", err
			}
			return resp.Content, nil
		}
	}

	out := o.validator.Validate(vctx, p.Route, st.reply, repair)
	st.reply = out.Reply
	st.validatorIssues = out.Issues
	st.replaced = out.Replaced
}

var envelopeQueryRegex = regexp.MustCompile(`(?i)\btool_calls\b|\benvelope\b`)

// redactEnvelopeLeak is the final safety net against raw envelopes in the
// user-visible reply. Turns where the user explicitly asked about the
// envelope format keep the draft as written.
func (o *Orchestrator) redactEnvelopeLeak(st *turnState, query string) {
	if !tools.ContainsEnvelopeFragment(st.reply) {
		return
	}
	if envelopeQueryRegex.MatchString(query) {
		return
	}
	if idx := strings.Index(st.reply, `{"type"`); idx > 0 {
		if residual := strings.TrimSpace(st.reply[:idx]); residual != "" {
			st.reply = residual
			return
		}
	}
	st.reply = tools.FinalizationFallback
}

func (o *Orchestrator) toolLoop(ctx context.Context, policy tools.Policy) *tools.Loop {
	return tools.NewLoop(o.deps.Client, o.deps.Registry, policy, tools.LoopConfig{
		MaxRounds:           o.cfg.ToolLoop.MaxRounds,
		MaxCallsPerRound:    o.cfg.ToolLoop.MaxCallsPerRound,
		ToolTimeout:         o.cfg.ToolLoop.ToolTimeout,
		MaxToolResultChars:  o.cfg.ToolLoop.ResultMaxChars,
		ParallelReadOnly:    o.cfg.ToolLoop.ParallelReadOnly,
		MaxParallelReadOnly: o.cfg.ToolLoop.MaxParallelReadOnly,
		CacheMaxEntries:     o.cfg.ToolLoop.CacheMaxEntries,
		CallTimeout:         o.cfg.Timeouts.Chat,
		MaxTokens:           o.cfg.Output.ChatMaxTokens,
	}, o.deps.Log, o.deps.Metrics)
}

func (o *Orchestrator) searchConfig() search.Config {
	return search.Config{
		ScraperModel:       o.deps.SearchModels.Scraper,
		GuardrailModels:    o.deps.SearchModels.Guardrails,
		CrossCheckModel:    o.deps.SearchModels.CrossCheck,
		SummarizerModel:    o.deps.SearchModels.Summarizer,
		MaxAttemptsSimple:  o.cfg.Search.MaxAttemptsSimple,
		MaxAttemptsComplex: o.cfg.Search.MaxAttemptsComplex,
		AttemptTimeout:     o.cfg.Timeouts.Search,
		ScraperTimeout:     o.cfg.Timeouts.SearchScraper,
		MaxTokens:          o.cfg.Output.SearchMaxTokens,
	}
}

func (o *Orchestrator) maxTokensForRoute(route models.Route) int {
	switch route {
	case models.RouteCoding:
		return o.cfg.Output.CodingMaxTokens
	case models.RouteSearch:
		return o.cfg.Output.SearchMaxTokens
	default:
		return o.cfg.Output.ChatMaxTokens
	}
}

func (o *Orchestrator) traceStart(ctx context.Context, p TurnParams, st *turnState) {
	if !o.cfg.TraceEnabled || o.deps.Traces == nil {
		return
	}
	g := BuildContextGraph(p.Route, nil)
	graphJSON, _ := json.Marshal(g)
	if err := o.deps.Traces.UpsertTraceStart(ctx, trace.Start{
		TraceID:   p.TraceID,
		GuildID:   p.GuildID,
		Route:     string(p.Route),
		Model:     st.model,
		GraphJSON: string(graphJSON),
		StartedAt: o.now(),
	}); err != nil {
		o.deps.Log.Warn(ctx, "trace start write failed", "error", err)
	}
}

func (o *Orchestrator) persistAgentRuns(ctx context.Context, traceID string, runs []graph.NodeRun) {
	if !o.cfg.TraceEnabled || o.deps.Traces == nil {
		return
	}
	rows := make([]trace.AgentRun, len(runs))
	for i, r := range runs {
		rows[i] = trace.AgentRun{
			TraceID:    traceID,
			NodeID:     r.NodeID,
			Agent:      r.Agent,
			Status:     r.Status,
			Attempts:   r.Attempts,
			Error:      r.Error,
			DurationMs: r.DurationMs,
		}
	}
	if err := o.deps.Traces.ReplaceAgentRuns(ctx, traceID, rows); err != nil {
		o.deps.Log.Warn(ctx, "agent run write failed", "error", err)
	}
}

func (o *Orchestrator) traceEnd(ctx context.Context, p TurnParams, st *turnState, codes []string) {
	if !o.cfg.TraceEnabled || o.deps.Traces == nil {
		return
	}
	budgetJSON, _ := json.Marshal(st.graphCounters)
	qualityJSON, _ := json.Marshal(struct {
		CriticScore   float64 `json:"criticScore"`
		CriticLoops   int     `json:"criticLoops"`
		Replaced      bool    `json:"validatorReplaced"`
		IssueCount    int     `json:"validatorIssues"`
		ToolsExecuted bool    `json:"toolsExecuted"`
	}{st.criticScore, st.criticLoops, st.replaced, len(st.validatorIssues), st.toolsExecuted})

	if err := o.deps.Traces.UpdateTraceEnd(ctx, trace.End{
		TraceID:     p.TraceID,
		ReplyText:   st.reply,
		Success:     len(codes) == 0,
		ReasonCodes: codes,
		BudgetJSON:  string(budgetJSON),
		QualityJSON: string(qualityJSON),
		EndedAt:     o.now(),
	}); err != nil {
		o.deps.Log.Warn(ctx, "trace end write failed", "error", err)
	}
}

func (st *turnState) mergeLoop(res *tools.LoopResult) {
	if res == nil {
		return
	}
	if res.ToolsExecuted {
		st.toolsExecuted = true
	}
	st.successfulCalls += res.SuccessfulCalls
	st.reply = res.ReplyText
}

func (st *turnState) reasonCodes() []string {
	var codes []string
	if st.graphFailed {
		codes = append(codes, canary.OutcomeGraphFailedTasks)
	}
	if st.hardGateUnmet {
		codes = append(codes, canary.OutcomeHardGateUnmet)
	}
	if st.toolLoopFailed {
		codes = append(codes, canary.OutcomeToolLoopFailed)
	}
	return codes
}

func lastUserContent(msgs []models.ChatMessage) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == models.RoleUser {
			return msgs[i].Content
		}
	}
	return ""
}

// withContextSnapshot injects gathered context as a system turn ahead of
// the conversation.
func withContextSnapshot(msgs []models.ChatMessage, snapshot string) []models.ChatMessage {
	if strings.TrimSpace(snapshot) == "" {
		return msgs
	}
	out := make([]models.ChatMessage, 0, len(msgs)+1)
	out = append(out, models.ChatMessage{
		Role:    models.RoleSystem,
		Content: "Gathered context for this turn:\n" + snapshot,
	})
	return append(out, msgs...)
}

func packetSnapshot(packets []models.ContextPacket) string {
	var b strings.Builder
	for _, pkt := range packets {
		if pkt.Content == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(pkt.Name)
		b.WriteString(": ")
		b.WriteString(pkt.Content)
	}
	return b.String()
}

func issueList(issues []validate.Issue) string {
	names := make([]string, len(issues))
	for i, is := range issues {
		names[i] = is.Check
	}
	return strings.Join(names, ", ")
}

// handlers.go contains the command implementations: dependency wiring and
// the logic behind each cobra command.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/BokX1/sage/internal/canary"
	"github.com/BokX1/sage/internal/config"
	"github.com/BokX1/sage/internal/llm"
	"github.com/BokX1/sage/internal/llm/providers"
	"github.com/BokX1/sage/internal/observability"
	"github.com/BokX1/sage/internal/runtime"
	"github.com/BokX1/sage/internal/tools"
	"github.com/BokX1/sage/internal/trace"
	"github.com/BokX1/sage/pkg/models"
)

// app bundles the wired runtime for one command invocation.
type app struct {
	cfg     *config.Config
	orch    *runtime.Orchestrator
	traces  trace.Repo
	store   canary.Store
	ctrl    *canary.Controller
	closers []func() error
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i]()
	}
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envCSV(key string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func newLogger() *observability.Logger {
	level := "info"
	if debugFlag {
		level = "debug"
	}
	return observability.NewLogger(observability.LogConfig{Level: level, Format: "text"})
}

// newClient picks the wire client from SAGE_PROVIDER and returns it with
// the provider's default chat model.
func newClient() (llm.Client, string, error) {
	switch envOr("SAGE_PROVIDER", "anthropic") {
	case "anthropic":
		key := os.Getenv("ANTHROPIC_API_KEY")
		if key == "" {
			return nil, "", fmt.Errorf("ANTHROPIC_API_KEY is not set")
		}
		return providers.NewAnthropicClient(providers.AnthropicConfig{APIKey: key}),
			"claude-sonnet-4-20250514", nil
	case "openai":
		key := os.Getenv("OPENAI_API_KEY")
		if key == "" {
			return nil, "", fmt.Errorf("OPENAI_API_KEY is not set")
		}
		return providers.NewOpenAIClient(providers.OpenAIConfig{APIKey: key}), "gpt-4o", nil
	default:
		return nil, "", fmt.Errorf("unknown SAGE_PROVIDER %q", os.Getenv("SAGE_PROVIDER"))
	}
}

func newResolver(defaultModel string) llm.Resolver {
	chat := envOr("SAGE_MODEL_CHAT", defaultModel)
	searchModel := envOr("SAGE_MODEL_SEARCH", chat)
	searchCandidates := append(envCSV("SAGE_SEARCH_GUARDRAILS_CSV"), searchModel)
	return &llm.StaticResolver{
		ByRoute: map[models.Route][]string{
			models.RouteChat:     {chat},
			models.RouteCoding:   {envOr("SAGE_MODEL_CODING", chat)},
			models.RouteSearch:   searchCandidates,
			models.RouteCreative: {envOr("SAGE_MODEL_CREATIVE", chat)},
		},
		Default: chat,
	}
}

func newRegistry() (*tools.Registry, error) {
	reg := tools.NewRegistry()
	web := newWebTools()
	for _, register := range []func() error{
		func() error { return tools.RegisterCurrentTime(reg, nil) },
		func() error { return tools.RegisterWebSearch(reg, web.search) },
		func() error { return tools.RegisterWebScrape(reg, web.scrape) },
		func() error { return tools.RegisterPackageLookup(reg, web.npmLookup) },
	} {
		if err := register(); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// openStorage opens the trace repo and canary store: SQLite when
// SAGE_DB_PATH is set, in-memory otherwise.
func openStorage(a *app) error {
	path := strings.TrimSpace(os.Getenv("SAGE_DB_PATH"))
	if path == "" {
		a.traces = trace.NewMemoryRepo()
		a.store = canary.NewMemoryStore()
		return nil
	}
	repo, err := trace.NewSQLiteRepo(path)
	if err != nil {
		return fmt.Errorf("open trace db: %w", err)
	}
	a.closers = append(a.closers, repo.Close)
	store, err := canary.NewSQLiteStore(path)
	if err != nil {
		return fmt.Errorf("open canary db: %w", err)
	}
	a.closers = append(a.closers, store.Close)
	a.traces = repo
	a.store = store
	return nil
}

func buildApp() (*app, error) {
	a := &app{cfg: config.FromEnv()}
	log := newLogger()

	client, defaultModel, err := newClient()
	if err != nil {
		return nil, err
	}
	reg, err := newRegistry()
	if err != nil {
		return nil, err
	}
	if err := openStorage(a); err != nil {
		return nil, err
	}
	a.ctrl = canary.NewController(a.store, log, nil)

	orch, err := runtime.NewOrchestrator(a.cfg, runtime.Deps{
		Client:   client,
		Resolver: newResolver(defaultModel),
		Registry: reg,
		Traces:   a.traces,
		Canary:   a.ctrl,
		SearchModels: runtime.SearchModels{
			Guardrails: envCSV("SAGE_SEARCH_GUARDRAILS_CSV"),
			Scraper:    os.Getenv("SAGE_SEARCH_SCRAPER_MODEL"),
			CrossCheck: os.Getenv("SAGE_SEARCH_CROSSCHECK_MODEL"),
			Summarizer: os.Getenv("SAGE_SEARCH_SUMMARIZER_MODEL"),
			Reasoning:  os.Getenv("SAGE_SEARCH_REASONING_MODEL"),
		},
		CriticModel: os.Getenv("SAGE_CRITIC_MODEL"),
		Log:         log,
	})
	if err != nil {
		a.close()
		return nil, err
	}
	a.orch = orch
	return a, nil
}

// =============================================================================
// run
// =============================================================================

func runTurn(cmd *cobra.Command, route, guildID, traceID string, evidence bool, message string) error {
	r := models.Route(route)
	if !r.Valid() {
		return fmt.Errorf("unknown route %q (chat, coding, search, creative)", route)
	}

	a, err := buildApp()
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	res, err := a.orch.RunTurn(ctx, runtime.TurnParams{
		TraceID:              traceID,
		GuildID:              guildID,
		Route:                r,
		Messages:             []models.ChatMessage{{Role: models.RoleUser, Content: message}},
		RequiresToolEvidence: evidence,
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, res.ReplyText)
	if debugFlag {
		for _, msg := range res.Debug.Messages {
			fmt.Fprintln(cmd.ErrOrStderr(), "debug:", msg)
		}
		if len(res.Debug.TraceJSON) > 0 {
			fmt.Fprintln(cmd.ErrOrStderr(), "trace:", string(res.Debug.TraceJSON))
		}
	}
	return nil
}

// =============================================================================
// replay
// =============================================================================

func runReplay(cmd *cobra.Command, limit int, guildID string) error {
	a := &app{}
	if err := openStorage(a); err != nil {
		return err
	}
	defer a.close()

	report, err := runtime.EvaluateRecentTraceOutcomes(cmd.Context(), a.traces, limit, guildID)
	if err != nil {
		return err
	}
	encoded, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(encoded))
	return nil
}

// =============================================================================
// trace
// =============================================================================

func runTraceList(cmd *cobra.Command, limit int) error {
	a := &app{}
	if err := openStorage(a); err != nil {
		return err
	}
	defer a.close()

	recs, err := a.traces.ListRecentTraces(cmd.Context(), limit)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TRACE\tROUTE\tGUILD\tSUCCESS\tREASONS\tSTARTED")
	for _, rec := range recs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%v\t%s\t%s\n",
			rec.TraceID, rec.Route, rec.GuildID, rec.Success,
			strings.Join(rec.ReasonCodes, ","),
			rec.StartedAt.Format(time.RFC3339))
	}
	return w.Flush()
}

func runTraceShow(cmd *cobra.Command, traceID string) error {
	a := &app{}
	if err := openStorage(a); err != nil {
		return err
	}
	defer a.close()

	runs, err := a.traces.AgentRunsForTrace(cmd.Context(), traceID)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no node runs recorded for", traceID)
		return nil
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NODE\tAGENT\tSTATUS\tATTEMPTS\tDURATION\tERROR")
	for _, run := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%dms\t%s\n",
			run.NodeID, run.Agent, run.Status, run.Attempts, run.DurationMs, run.Error)
	}
	return w.Flush()
}

// =============================================================================
// canary
// =============================================================================

func runCanaryStatus(cmd *cobra.Command) error {
	a := &app{cfg: config.FromEnv()}
	if err := openStorage(a); err != nil {
		return err
	}
	defer a.close()

	ctrl := canary.NewController(a.store, newLogger(), nil)
	snap := ctrl.Snapshot(cmd.Context(), a.cfg.Canary)
	encoded, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(encoded))
	return nil
}

func runCanaryReset(cmd *cobra.Command) error {
	a := &app{}
	if err := openStorage(a); err != nil {
		return err
	}
	defer a.close()

	if err := a.store.Clear(cmd.Context()); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "canary state cleared")
	return nil
}

// =============================================================================
// doctor
// =============================================================================

func runDoctor(cmd *cobra.Command) error {
	out := cmd.OutOrStdout()
	failures := 0
	report := func(name string, err error) {
		if err != nil {
			failures++
			fmt.Fprintf(out, "fail  %-22s %v\n", name, err)
			return
		}
		fmt.Fprintf(out, "ok    %s\n", name)
	}

	_, _, clientErr := newClient()
	report("provider credentials", clientErr)

	_, regErr := newRegistry()
	report("tool registry", regErr)

	a := &app{}
	storageErr := openStorage(a)
	report("storage", storageErr)
	if storageErr == nil {
		a.close()
	}

	// Policy JSON layers are parsed at orchestrator construction.
	cfg := config.FromEnv()
	_, policyErr := runtime.NewOrchestrator(cfg, runtime.Deps{
		Client:   nopClient{},
		Resolver: &llm.StaticResolver{Default: "doctor"},
		Canary:   canary.NewController(nil, nil, nil),
	})
	report("policy documents", policyErr)

	if failures > 0 {
		return fmt.Errorf("%d check(s) failed", failures)
	}
	return nil
}

// nopClient satisfies llm.Client for construction-only checks.
type nopClient struct{}

func (nopClient) Chat(context.Context, *llm.ChatRequest) (*llm.ChatResponse, error) {
	return nil, fmt.Errorf("doctor: no-op client")
}

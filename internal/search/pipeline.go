package search

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BokX1/sage/internal/llm"
	"github.com/BokX1/sage/internal/observability"
	"github.com/BokX1/sage/pkg/models"
)

// Prompt construction limits.
const (
	maxContextSnapshotChars = 3000
	maxConversationTurns    = 6
)

const systemPrompt = `You are a search assistant. Answer in plain text only.
Requirements:
- Cite at least one source URL for every factual claim.
- When the question is time-sensitive, include a line "Checked on: YYYY-MM-DD".
- Prefer primary sources over aggregators.
- Never emit JSON, tool-call envelopes, or markdown tables.`

const summarizerPrompt = `You are a synthesis assistant. The findings below are ground truth.
Merge them into one plain-text answer.
- Prefer primary sources when findings disagree.
- Preserve any "Checked on:" line.
- Eliminate contradictions rather than reporting both sides.
- Keep every relevant source URL.`

// ErrAllCandidatesRejected means every model in the chain was tried and each
// reply failed a guard.
var ErrAllCandidatesRejected = errors.New("all search candidates rejected")

// Config wires the pipeline's model chain and deadlines.
type Config struct {
	// ScraperModel is tried first when the user message carries a URL.
	ScraperModel string

	// GuardrailModels are tried before resolver candidates.
	GuardrailModels []string

	// CrossCheckModel verifies complex time-sensitive answers.
	CrossCheckModel string

	// SummarizerModel synthesizes complex-mode findings.
	SummarizerModel string

	MaxAttemptsSimple  int
	MaxAttemptsComplex int

	AttemptTimeout    time.Duration
	ScraperTimeout    time.Duration
	CrossCheckTimeout time.Duration
	MaxTokens         int
}

// Request is one search invocation.
type Request struct {
	Query           string
	Conversation    []models.ChatMessage
	ContextSnapshot string
	PriorDraft      string
	RevisionFocus   string
	Profile         Profile

	// Candidates is the resolver's model list, already intersected with the
	// tenant allowlist.
	Candidates []string
}

// Outcome is one accepted search answer.
type Outcome struct {
	Reply        string
	Model        string
	Attempts     int
	CrossChecked bool
	Summarized   bool
}

// ToolPassFunc runs the tool-loop path. It reports the reply and how many
// tool calls succeeded; zero successes sends the pipeline to the model chain.
type ToolPassFunc func(ctx context.Context, req Request) (reply string, successfulCalls int, err error)

// Pipeline is the guarded search chain with optional tool-first execution.
type Pipeline struct {
	client   llm.Client
	cfg      Config
	toolPass ToolPassFunc
	log      *observability.Logger
	now      func() time.Time
}

func NewPipeline(client llm.Client, cfg Config, toolPass ToolPassFunc, log *observability.Logger) *Pipeline {
	if log == nil {
		log = observability.NewNopLogger()
	}
	if cfg.MaxAttemptsSimple < 1 {
		cfg.MaxAttemptsSimple = 1
	}
	if cfg.MaxAttemptsComplex < 1 {
		cfg.MaxAttemptsComplex = 1
	}
	return &Pipeline{client: client, cfg: cfg, toolPass: toolPass, log: log, now: time.Now}
}

// Run prefers the tool pass, then falls back to the guarded model chain.
// Complex mode feeds accepted findings through the summarizer.
func (p *Pipeline) Run(ctx context.Context, req Request) (*Outcome, error) {
	if p.toolPass != nil {
		reply, successes, err := p.toolPass(ctx, req)
		if err == nil && successes > 0 && strings.TrimSpace(reply) != "" {
			out := &Outcome{Reply: NormalizeReply(reply, nil, p.now()), Model: "tool_loop"}
			if req.Profile.Mode == ModeComplex {
				p.summarize(ctx, req, out)
			}
			return out, nil
		}
		if err != nil {
			p.log.Warn(ctx, "search tool pass failed, falling back to model chain", "error", err)
		}
	}
	return p.runChain(ctx, req)
}

// runChain walks the attempt order until a reply survives both guards.
func (p *Pipeline) runChain(ctx context.Context, req Request) (*Outcome, error) {
	order := p.attemptOrder(req)
	if len(order) == 0 {
		return nil, errors.New("no search candidates available")
	}

	out := &Outcome{}
	var lastErr error
	for _, model := range order {
		out.Attempts++
		timeout := p.cfg.AttemptTimeout
		if model == p.cfg.ScraperModel && p.cfg.ScraperTimeout > 0 {
			timeout = p.cfg.ScraperTimeout
		}

		reply, err := p.chat(ctx, model, systemPrompt, p.buildPrompt(req), timeout)
		if err != nil {
			lastErr = err
			p.log.Warn(ctx, "search candidate failed", "model", model, "error", err)
			continue
		}
		reply = NormalizeReply(reply, nil, p.now())

		if reason, ok := GuardReply(reply, req.Profile); !ok {
			p.log.Debug(ctx, "search reply rejected", "model", model, "guard", reason)
			continue
		}

		out.Reply = reply
		out.Model = model
		break
	}
	if out.Model == "" {
		if lastErr != nil {
			return nil, fmt.Errorf("%w: %v", ErrAllCandidatesRejected, lastErr)
		}
		return nil, ErrAllCandidatesRejected
	}

	if req.Profile.Mode == ModeComplex && req.Profile.TimeSensitive {
		p.crossCheck(ctx, req, out)
	}
	if req.Profile.Mode == ModeComplex {
		p.summarize(ctx, req, out)
	}
	return out, nil
}

// attemptOrder builds scraper-if-URL, guardrails, then resolver candidates,
// deduplicated and capped by mode.
func (p *Pipeline) attemptOrder(req Request) []string {
	max := p.cfg.MaxAttemptsSimple
	if req.Profile.Mode == ModeComplex {
		max = p.cfg.MaxAttemptsComplex
	}

	var order []string
	seen := make(map[string]bool)
	add := func(model string) {
		if model == "" || seen[model] || len(order) >= max {
			return
		}
		seen[model] = true
		order = append(order, model)
	}

	if FirstURL(req.Query) != "" {
		add(p.cfg.ScraperModel)
	}
	for _, m := range p.cfg.GuardrailModels {
		add(m)
	}
	for _, m := range req.Candidates {
		add(m)
	}
	return order
}

// GuardReply runs the missing-sources and freshness-grounding guards a
// reply must clear before it can be served for the profile. The reason
// names the first failed guard.
func GuardReply(reply string, profile Profile) (string, bool) {
	urls := ExtractURLs(reply)
	if len(urls) == 0 {
		return "missing_sources", false
	}
	if profile.TimeSensitive || profile.WantsSources {
		if !HasCheckedOn(reply) {
			return "missing_checked_on", false
		}
		if len(urls) < profile.MinRequiredSources() {
			return "insufficient_sources", false
		}
	}
	return "", true
}

// crossCheck queries a second model with a shorter deadline and, when it
// produces a URL-bearing answer, concatenates both for the summarizer.
func (p *Pipeline) crossCheck(ctx context.Context, req Request, out *Outcome) {
	model := p.cfg.CrossCheckModel
	if model == "" || model == out.Model {
		return
	}
	timeout := p.cfg.CrossCheckTimeout
	if timeout <= 0 {
		timeout = p.cfg.AttemptTimeout / 2
	}
	second, err := p.chat(ctx, model, systemPrompt, p.buildPrompt(req), timeout)
	if err != nil {
		p.log.Debug(ctx, "cross-check skipped", "model", model, "error", err)
		return
	}
	if len(ExtractURLs(second)) == 0 {
		return
	}
	out.Reply = "Primary search findings:\n" + out.Reply +
		"\n\nSecondary cross-check:\n" + second
	out.CrossChecked = true
}

// summarize synthesizes the findings into one answer and re-normalizes it,
// keeping URLs from the findings that the summary dropped.
func (p *Pipeline) summarize(ctx context.Context, req Request, out *Outcome) {
	model := p.cfg.SummarizerModel
	if model == "" {
		return
	}
	findingURLs := ExtractURLs(out.Reply)

	var b strings.Builder
	b.WriteString("Original request:\n")
	b.WriteString(req.Query)
	if req.PriorDraft != "" {
		b.WriteString("\n\nPrior draft:\n")
		b.WriteString(req.PriorDraft)
	}
	b.WriteString("\n\nFindings:\n")
	b.WriteString(out.Reply)

	summary, err := p.chat(ctx, model, summarizerPrompt, b.String(), p.cfg.AttemptTimeout)
	if err != nil || strings.TrimSpace(summary) == "" {
		p.log.Debug(ctx, "summarizer skipped", "model", model, "error", err)
		return
	}
	out.Reply = NormalizeReply(summary, findingURLs, p.now())
	out.Summarized = true
}

// buildPrompt assembles the per-attempt user prompt.
func (p *Pipeline) buildPrompt(req Request) string {
	var b strings.Builder
	if req.ContextSnapshot != "" {
		b.WriteString("Retrieved context:\n")
		b.WriteString(truncateChars(req.ContextSnapshot, maxContextSnapshotChars))
		b.WriteString("\n\n")
	}
	if turns := lastTurns(req.Conversation, maxConversationTurns); len(turns) > 0 {
		b.WriteString("Recent conversation:\n")
		for _, m := range turns {
			b.WriteString(string(m.Role))
			b.WriteString(": ")
			b.WriteString(m.Content)
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
	b.WriteString("Today's date: ")
	b.WriteString(p.now().UTC().Format("2006-01-02"))
	b.WriteString("\n\n")
	if req.PriorDraft != "" {
		b.WriteString("Prior draft:\n")
		b.WriteString(req.PriorDraft)
		b.WriteString("\n\n")
	}
	if req.RevisionFocus != "" {
		b.WriteString("Revision focus: ")
		b.WriteString(req.RevisionFocus)
		b.WriteString("\n\n")
	}
	b.WriteString("Question: ")
	b.WriteString(req.Query)
	return b.String()
}

func (p *Pipeline) chat(ctx context.Context, model, system, user string, timeout time.Duration) (string, error) {
	resp, err := p.client.Chat(ctx, &llm.ChatRequest{
		Messages: []models.ChatMessage{
			{Role: models.RoleSystem, Content: system},
			{Role: models.RoleUser, Content: user},
		},
		Model:     model,
		Timeout:   timeout,
		MaxTokens: p.cfg.MaxTokens,
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

func lastTurns(msgs []models.ChatMessage, n int) []models.ChatMessage {
	if len(msgs) <= n {
		return msgs
	}
	return msgs[len(msgs)-n:]
}

func truncateChars(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "…[truncated]"
}

package critic

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/BokX1/sage/internal/llm"
	"github.com/BokX1/sage/internal/observability"
	"github.com/BokX1/sage/pkg/models"
)

// Verdicts a critic assessment can carry.
const (
	VerdictPass   = "pass"
	VerdictRevise = "revise"
)

// PassScoreFloor is the minimum score consistent with a pass verdict.
// Assessments claiming pass below the floor are downgraded to revise.
const PassScoreFloor = 0.85

// Assessment is one critic judgment of a draft reply.
type Assessment struct {
	Score         float64  `json:"score"`
	Verdict       string   `json:"verdict"`
	Issues        []string `json:"issues"`
	RewritePrompt string   `json:"rewritePrompt"`
	Model         string   `json:"model"`
}

// Pass reports whether the assessment accepts the draft.
func (a *Assessment) Pass() bool {
	return a != nil && a.Verdict == VerdictPass
}

const criticSystem = `You are a response critic. Judge the draft reply against the user's request.
Return only a JSON object: {"score": 0.0-1.0, "verdict": "pass"|"revise", "issues": [".."], "rewritePrompt": ".."}.
A verdict of "pass" requires a score of at least 0.85.`

var routeFocus = map[models.Route]string{
	models.RouteChat:   "Focus on helpfulness, tone, and factual accuracy.",
	models.RouteCoding: "Focus on code correctness, completeness, and whether the answer compiles conceptually.",
	models.RouteSearch: "Focus on factual grounding: claims need source URLs, freshness-sensitive answers need a Checked on date.",
}

// Critic scores drafts and decides revision routing.
type Critic struct {
	client    llm.Client
	model     string
	maxTokens int
	timeout   time.Duration
	log       *observability.Logger
	metrics   *observability.Metrics
}

func New(client llm.Client, model string, maxTokens int, timeout time.Duration, log *observability.Logger, metrics *observability.Metrics) *Critic {
	if log == nil {
		log = observability.NewNopLogger()
	}
	return &Critic{client: client, model: model, maxTokens: maxTokens, timeout: timeout, log: log, metrics: metrics}
}

// Assess runs one critic call. A nil assessment with nil error means the
// critic replied but the reply was not parseable.
func (c *Critic) Assess(ctx context.Context, route models.Route, query, draft string) (*Assessment, error) {
	system := criticSystem
	if focus, ok := routeFocus[route]; ok {
		system += "\n" + focus
	}

	prompt := fmt.Sprintf("User request:\n%s\n\nDraft reply:\n%s", query, draft)
	resp, err := c.client.Chat(ctx, &llm.ChatRequest{
		Messages: []models.ChatMessage{
			{Role: models.RoleSystem, Content: system},
			{Role: models.RoleUser, Content: prompt},
		},
		Model:          c.model,
		Timeout:        c.timeout,
		MaxTokens:      c.maxTokens,
		ResponseFormat: "json",
	})
	if err != nil {
		return nil, fmt.Errorf("critic call: %w", err)
	}

	a, ok := ParseAssessment(resp.Content)
	verdict := "parse_error"
	if ok {
		a.Model = c.model
		verdict = a.Verdict
	}
	if c.metrics != nil {
		c.metrics.CriticIterations.WithLabelValues(string(route), verdict).Inc()
	}
	if !ok {
		c.log.Warn(ctx, "critic reply not parseable", "route", route)
		return nil, nil
	}
	return a, nil
}

// Eligible reports whether the critic loop should run at all.
// terminalFallback marks drafts that are already a canonical refusal; there
// is nothing left to improve.
func Eligible(route models.Route, draft string, voiceActive bool, fileCount int, terminalFallback bool) bool {
	switch route {
	case models.RouteChat, models.RouteCoding, models.RouteSearch:
	default:
		return false
	}
	if voiceActive || fileCount > 0 || terminalFallback {
		return false
	}
	draft = strings.TrimSpace(draft)
	if draft == "" || strings.Contains(draft, "[SILENCE]") {
		return false
	}
	return true
}

var refreshKeywords = []string{
	"outdated", "stale", "fact", "incorrect", "inaccurate", "wrong",
	"unverified", "source", "citation", "freshness", "hallucin",
}

// NeedsSearchRefresh reports whether critic issues point at factuality or
// freshness problems that a search refresh can fix.
func NeedsSearchRefresh(issues []string) bool {
	for _, issue := range issues {
		lower := strings.ToLower(issue)
		for _, kw := range refreshKeywords {
			if strings.Contains(lower, kw) {
				return true
			}
		}
	}
	return false
}

var verifiabilityKeywords = []string{"verify", "verifiable", "evidence", "confirm", "check the"}

// NeedsToolVerification reports whether the issues ask for evidence the
// revision should gather through tools.
func NeedsToolVerification(issues []string) bool {
	for _, issue := range issues {
		lower := strings.ToLower(issue)
		for _, kw := range verifiabilityKeywords {
			if strings.Contains(lower, kw) {
				return true
			}
		}
	}
	return false
}

// issueProviders maps issue keywords to the context providers worth
// re-dispatching before a revision.
var issueProviders = []struct {
	keyword  string
	provider string
}{
	{"citation", "memory"},
	{"source", "memory"},
	{"context", "memory"},
	{"tone", "social_graph"},
	{"persona", "social_graph"},
	{"style", "social_graph"},
	{"date", "datetime"},
	{"time", "datetime"},
	{"recent", "datetime"},
}

// ProvidersForIssues derives extra providers from issue keywords, deduplicated
// in match order.
func ProvidersForIssues(issues []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, issue := range issues {
		lower := strings.ToLower(issue)
		for _, m := range issueProviders {
			if strings.Contains(lower, m.keyword) && !seen[m.provider] {
				seen[m.provider] = true
				out = append(out, m.provider)
			}
		}
	}
	return out
}

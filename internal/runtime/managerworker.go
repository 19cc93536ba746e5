package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/BokX1/sage/internal/config"
	"github.com/BokX1/sage/internal/llm"
	"github.com/BokX1/sage/internal/observability"
	"github.com/BokX1/sage/pkg/models"
)

var analysisVerbRegex = regexp.MustCompile(`(?i)\b(design|architect|compare|evaluate|refactor|migrate|investigate|plan|step.by.step|multi.part)\b`)

// ComplexityScore estimates how much a request benefits from planner
// fan-out, in [0,1].
func ComplexityScore(query string) float64 {
	q := strings.TrimSpace(query)
	if q == "" {
		return 0
	}
	score := 0.0
	if len(q) > 200 {
		score += 0.3
	} else if len(q) > 80 {
		score += 0.15
	}
	if analysisVerbRegex.MatchString(q) {
		score += 0.4
	}
	if strings.Count(q, "?") > 1 {
		score += 0.2
	}
	if strings.Contains(q, "\n") {
		score += 0.1
	}
	if score > 1 {
		score = 1
	}
	return score
}

const plannerSystem = `You are a task planner. Split the request into independent subtasks.
Return only JSON: {"subtasks": [{"id": "t1", "objective": ".."}]}.
Use at most %d subtasks. Subtasks must not depend on each other.`

const workerSystem = `You are a focused worker. Complete exactly the objective you are given,
using the provided context. Answer in plain text, concisely.`

type plan struct {
	Subtasks []subtask `json:"subtasks"`
}

type subtask struct {
	ID        string `json:"id"`
	Objective string `json:"objective"`
}

// WorkerResult is one completed subtask.
type WorkerResult struct {
	ID        string `json:"id"`
	Objective string `json:"objective"`
	Output    string `json:"output"`
	Err       string `json:"error,omitempty"`
}

// ManagerWorker runs the planner fan-out: one planner call splits the
// request, workers execute subtasks concurrently, and the merged output
// becomes a context packet for the main pass.
type ManagerWorker struct {
	client llm.Client
	cfg    config.ManagerWorkerConfig
	log    *observability.Logger
}

func NewManagerWorker(client llm.Client, cfg config.ManagerWorkerConfig, log *observability.Logger) *ManagerWorker {
	if log == nil {
		log = observability.NewNopLogger()
	}
	if cfg.MaxWorkers < 1 {
		cfg.MaxWorkers = 1
	}
	if cfg.MaxPlannerLoops < 1 {
		cfg.MaxPlannerLoops = 1
	}
	return &ManagerWorker{client: client, cfg: cfg, log: log}
}

// Run plans and executes the fan-out, returning a packet summarizing every
// worker's output. A planner that never yields subtasks returns nil.
func (m *ManagerWorker) Run(ctx context.Context, model, query, contextSnapshot string) (*models.ContextPacket, error) {
	snapshot := truncateChars(contextSnapshot, m.cfg.MaxInputChars)

	var subtasks []subtask
	for loop := 1; loop <= m.cfg.MaxPlannerLoops; loop++ {
		p, err := m.plan(ctx, model, query, snapshot)
		if err != nil {
			return nil, NewError(KindModel, "planner call", err)
		}
		if p != nil && len(p.Subtasks) > 0 {
			subtasks = p.Subtasks
			break
		}
	}
	if len(subtasks) == 0 {
		return nil, nil
	}
	if len(subtasks) > m.cfg.MaxWorkers {
		subtasks = subtasks[:m.cfg.MaxWorkers]
	}

	results := make([]WorkerResult, len(subtasks))
	var wg sync.WaitGroup
	for i, st := range subtasks {
		wg.Add(1)
		go func(i int, st subtask) {
			defer wg.Done()
			results[i] = m.work(ctx, model, st, snapshot)
		}(i, st)
	}
	wg.Wait()

	var b strings.Builder
	b.WriteString("Planned subtask results:\n")
	for _, r := range results {
		b.WriteString("- ")
		b.WriteString(r.Objective)
		if r.Err != "" {
			b.WriteString(" -> failed: ")
			b.WriteString(r.Err)
		} else {
			b.WriteString(" -> ")
			b.WriteString(r.Output)
		}
		b.WriteString("\n")
	}

	resultsJSON, err := json.Marshal(results)
	if err != nil {
		return nil, NewError(KindExecution, "encode worker results", err)
	}
	content := b.String()
	return &models.ContextPacket{
		Name:          "work_plan",
		Content:       content,
		JSON:          resultsJSON,
		TokenEstimate: models.EstimateTokens(content),
	}, nil
}

func (m *ManagerWorker) plan(ctx context.Context, model, query, snapshot string) (*plan, error) {
	prompt := query
	if snapshot != "" {
		prompt = "Context:\n" + snapshot + "\n\nRequest:\n" + query
	}
	resp, err := m.client.Chat(ctx, &llm.ChatRequest{
		Messages: []models.ChatMessage{
			{Role: models.RoleSystem, Content: fmt.Sprintf(plannerSystem, m.cfg.MaxWorkers)},
			{Role: models.RoleUser, Content: prompt},
		},
		Model:          model,
		Timeout:        m.cfg.Timeout,
		MaxTokens:      m.cfg.MaxTokens,
		ResponseFormat: "json",
	})
	if err != nil {
		return nil, err
	}

	text := strings.TrimSpace(resp.Content)
	if start := strings.IndexByte(text, '{'); start > 0 {
		text = text[start:]
	}
	var p plan
	if err := json.Unmarshal([]byte(text), &p); err != nil {
		m.log.Debug(ctx, "planner reply not parseable", "error", err)
		return nil, nil
	}
	return &p, nil
}

func (m *ManagerWorker) work(ctx context.Context, model string, st subtask, snapshot string) WorkerResult {
	res := WorkerResult{ID: st.ID, Objective: st.Objective}
	prompt := "Objective: " + st.Objective
	if snapshot != "" {
		prompt += "\n\nContext:\n" + snapshot
	}
	resp, err := m.client.Chat(ctx, &llm.ChatRequest{
		Messages: []models.ChatMessage{
			{Role: models.RoleSystem, Content: workerSystem},
			{Role: models.RoleUser, Content: prompt},
		},
		Model:     model,
		Timeout:   m.cfg.Timeout,
		MaxTokens: m.cfg.MaxTokens,
	})
	if err != nil {
		res.Err = err.Error()
		return res
	}
	res.Output = resp.Content
	return res
}

func truncateChars(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max] + "…[truncated]"
}

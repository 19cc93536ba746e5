package trace

import (
	"context"
	"time"
)

// Record is one persisted turn trace.
type Record struct {
	TraceID     string    `json:"traceId"`
	GuildID     string    `json:"guildId"`
	Route       string    `json:"route"`
	Model       string    `json:"model,omitempty"`
	GraphJSON   string    `json:"graphJson,omitempty"`
	ReplyText   string    `json:"replyText,omitempty"`
	Success     bool      `json:"success"`
	ReasonCodes []string  `json:"reasonCodes,omitempty"`
	BudgetJSON  string    `json:"budgetJson,omitempty"`
	QualityJSON string    `json:"qualityJson,omitempty"`
	StartedAt   time.Time `json:"startedAt"`
	EndedAt     time.Time `json:"endedAt,omitempty"`
}

// AgentRun is one persisted graph node run.
type AgentRun struct {
	TraceID    string `json:"traceId"`
	NodeID     string `json:"nodeId"`
	Agent      string `json:"agent"`
	Status     string `json:"status"`
	Attempts   int    `json:"attempts"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"durationMs"`
}

// Start is written before the main passes run.
type Start struct {
	TraceID   string
	GuildID   string
	Route     string
	Model     string
	GraphJSON string
	StartedAt time.Time
}

// End is written after the final reply is produced.
type End struct {
	TraceID     string
	ReplyText   string
	Success     bool
	ReasonCodes []string
	BudgetJSON  string
	QualityJSON string
	EndedAt     time.Time
}

// Repo persists turn traces. Writes are best-effort from the orchestrator's
// point of view; a failed write never fails the turn.
type Repo interface {
	UpsertTraceStart(ctx context.Context, start Start) error
	ReplaceAgentRuns(ctx context.Context, traceID string, runs []AgentRun) error
	UpdateTraceEnd(ctx context.Context, end End) error
	ListRecentTraces(ctx context.Context, limit int) ([]Record, error)
	AgentRunsForTrace(ctx context.Context, traceID string) ([]AgentRun, error)
}

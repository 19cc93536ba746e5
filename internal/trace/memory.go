package trace

import (
	"context"
	"sync"
)

// MemoryRepo keeps traces in process memory. Used in tests and when no
// database path is configured.
type MemoryRepo struct {
	mu     sync.Mutex
	order  []string
	traces map[string]*Record
	runs   map[string][]AgentRun
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		traces: make(map[string]*Record),
		runs:   make(map[string][]AgentRun),
	}
}

func (r *MemoryRepo) UpsertTraceStart(_ context.Context, start Start) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.traces[start.TraceID]
	if !ok {
		rec = &Record{TraceID: start.TraceID}
		r.traces[start.TraceID] = rec
		r.order = append(r.order, start.TraceID)
	}
	rec.GuildID = start.GuildID
	rec.Route = start.Route
	rec.Model = start.Model
	rec.GraphJSON = start.GraphJSON
	rec.StartedAt = start.StartedAt
	return nil
}

func (r *MemoryRepo) ReplaceAgentRuns(_ context.Context, traceID string, runs []AgentRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := make([]AgentRun, len(runs))
	copy(copied, runs)
	r.runs[traceID] = copied
	return nil
}

func (r *MemoryRepo) UpdateTraceEnd(_ context.Context, end End) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.traces[end.TraceID]
	if !ok {
		rec = &Record{TraceID: end.TraceID}
		r.traces[end.TraceID] = rec
		r.order = append(r.order, end.TraceID)
	}
	rec.ReplyText = end.ReplyText
	rec.Success = end.Success
	rec.ReasonCodes = append([]string(nil), end.ReasonCodes...)
	rec.BudgetJSON = end.BudgetJSON
	rec.QualityJSON = end.QualityJSON
	rec.EndedAt = end.EndedAt
	return nil
}

// ListRecentTraces returns traces newest first.
func (r *MemoryRepo) ListRecentTraces(_ context.Context, limit int) ([]Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Record
	for i := len(r.order) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		out = append(out, *r.traces[r.order[i]])
	}
	return out, nil
}

func (r *MemoryRepo) AgentRunsForTrace(_ context.Context, traceID string) ([]AgentRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	runs := r.runs[traceID]
	out := make([]AgentRun, len(runs))
	copy(out, runs)
	return out, nil
}

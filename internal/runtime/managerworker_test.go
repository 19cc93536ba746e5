package runtime

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/BokX1/sage/internal/config"
	"github.com/BokX1/sage/internal/llm"
)

func TestComplexityScore(t *testing.T) {
	tests := []struct {
		name  string
		query string
		min   float64
		max   float64
	}{
		{"empty", "", 0, 0},
		{"short greeting", "hi", 0, 0},
		{"analysis verb", "compare postgres and sqlite", 0.4, 0.5},
		{"long multi-question", strings.Repeat("what about this? ", 20), 0.5, 1},
		{"everything", "Design a migration plan.\n" + strings.Repeat("How? Why? ", 30), 1, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ComplexityScore(tt.query)
			if got < tt.min || got > tt.max {
				t.Errorf("ComplexityScore(%q) = %v, want in [%v, %v]", tt.query, got, tt.min, tt.max)
			}
		})
	}
}

func mwConfig() config.ManagerWorkerConfig {
	return config.ManagerWorkerConfig{
		Enabled:         true,
		MaxWorkers:      3,
		MaxPlannerLoops: 2,
		MaxInputChars:   4000,
		MaxTokens:       256,
		Timeout:         5 * time.Second,
	}
}

func TestManagerWorkerFanOut(t *testing.T) {
	client := &stubClient{fn: func(req *llm.ChatRequest) (*llm.ChatResponse, error) {
		if req.ResponseFormat == "json" {
			return &llm.ChatResponse{
				Content: `{"subtasks": [{"id": "t1", "objective": "list options"}, {"id": "t2", "objective": "rank options"}]}`,
			}, nil
		}
		// Worker replies echo the objective.
		return &llm.ChatResponse{Content: "done: " + req.Messages[1].Content}, nil
	}}
	mw := NewManagerWorker(client, mwConfig(), nil)

	pkt, err := mw.Run(context.Background(), "m1", "compare the options", "snapshot")
	if err != nil {
		t.Fatal(err)
	}
	if pkt == nil {
		t.Fatal("expected a packet")
	}
	if pkt.Name != "work_plan" {
		t.Errorf("packet name = %q", pkt.Name)
	}
	if !strings.Contains(pkt.Content, "list options") || !strings.Contains(pkt.Content, "rank options") {
		t.Errorf("packet content = %q", pkt.Content)
	}
	// One planner call plus one call per subtask.
	if client.count() != 3 {
		t.Errorf("model calls = %d, want 3", client.count())
	}
	if pkt.TokenEstimate <= 0 {
		t.Errorf("token estimate = %d", pkt.TokenEstimate)
	}
}

func TestManagerWorkerCapsSubtasks(t *testing.T) {
	cfg := mwConfig()
	cfg.MaxWorkers = 2
	client := &stubClient{fn: func(req *llm.ChatRequest) (*llm.ChatResponse, error) {
		if req.ResponseFormat == "json" {
			return &llm.ChatResponse{
				Content: `{"subtasks": [{"id": "a", "objective": "one"}, {"id": "b", "objective": "two"}, {"id": "c", "objective": "three"}]}`,
			}, nil
		}
		return &llm.ChatResponse{Content: "ok"}, nil
	}}
	mw := NewManagerWorker(client, cfg, nil)

	pkt, err := mw.Run(context.Background(), "m1", "plan it", "")
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(pkt.Content, "three") {
		t.Errorf("third subtask should be dropped: %q", pkt.Content)
	}
	if client.count() != 3 { // planner + 2 workers
		t.Errorf("model calls = %d, want 3", client.count())
	}
}

func TestManagerWorkerEmptyPlanReturnsNil(t *testing.T) {
	client := &stubClient{fn: reply(`{"subtasks": []}`)}
	mw := NewManagerWorker(client, mwConfig(), nil)

	pkt, err := mw.Run(context.Background(), "m1", "hello", "")
	if err != nil {
		t.Fatal(err)
	}
	if pkt != nil {
		t.Errorf("packet = %+v, want nil", pkt)
	}
	// Planner retries up to MaxPlannerLoops before giving up.
	if client.count() != 2 {
		t.Errorf("planner calls = %d, want 2", client.count())
	}
}

func TestManagerWorkerUnparseablePlanRecovers(t *testing.T) {
	calls := 0
	client := &stubClient{fn: func(req *llm.ChatRequest) (*llm.ChatResponse, error) {
		if req.ResponseFormat == "json" {
			calls++
			if calls == 1 {
				return &llm.ChatResponse{Content: "I think the plan should be..."}, nil
			}
			return &llm.ChatResponse{Content: `{"subtasks": [{"id": "t1", "objective": "only task"}]}`}, nil
		}
		return &llm.ChatResponse{Content: "ok"}, nil
	}}
	mw := NewManagerWorker(client, mwConfig(), nil)

	pkt, err := mw.Run(context.Background(), "m1", "plan", "")
	if err != nil {
		t.Fatal(err)
	}
	if pkt == nil || !strings.Contains(pkt.Content, "only task") {
		t.Fatalf("packet = %+v", pkt)
	}
}

func TestManagerWorkerWorkerErrorRecorded(t *testing.T) {
	client := &stubClient{fn: func(req *llm.ChatRequest) (*llm.ChatResponse, error) {
		if req.ResponseFormat == "json" {
			return &llm.ChatResponse{Content: `{"subtasks": [{"id": "t1", "objective": "flaky task"}]}`}, nil
		}
		return nil, NewError(KindModel, "worker upstream", nil)
	}}
	mw := NewManagerWorker(client, mwConfig(), nil)

	pkt, err := mw.Run(context.Background(), "m1", "plan", "")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(pkt.Content, "failed:") {
		t.Errorf("packet content = %q, want failure marker", pkt.Content)
	}
}

package graph

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/BokX1/sage/pkg/models"
)

// recordingRunner tracks invocation order and fails configured nodes.
type recordingRunner struct {
	mu       sync.Mutex
	ran      []string
	failures map[string]int // node id -> attempts that fail before success
	attempts map[string]int
}

func newRecordingRunner() *recordingRunner {
	return &recordingRunner{
		failures: make(map[string]int),
		attempts: make(map[string]int),
	}
}

func (r *recordingRunner) RunNode(_ context.Context, node Node) ([]models.ContextPacket, error) {
	r.mu.Lock()
	r.ran = append(r.ran, node.ID)
	r.attempts[node.ID]++
	attempt := r.attempts[node.ID]
	failing := r.failures[node.ID]
	r.mu.Unlock()

	if attempt <= failing {
		return nil, fmt.Errorf("provider %s unavailable", node.Agent)
	}
	return []models.ContextPacket{{
		Name:          node.ID + "_packet",
		Content:       "context from " + node.ID,
		TokenEstimate: 10,
	}}, nil
}

func (r *recordingRunner) ranNodes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.ran))
	copy(out, r.ran)
	return out
}

func eventsOfKind(events []Event, kind EventKind) []Event {
	var out []Event
	for _, e := range events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func TestExecuteLinearGraph(t *testing.T) {
	runner := newRecordingRunner()
	ex := NewExecutor(runner, 2, nil, nil)

	res, err := ex.Execute(context.Background(), "t1", linearGraph("a", "b", "c"))
	if err != nil {
		t.Fatal(err)
	}

	c := res.Blackboard.Counters()
	if c.CompletedTasks != 3 || c.FailedTasks != 0 {
		t.Errorf("counters = %+v", c)
	}
	if c.TotalEstimatedTokens != 30 {
		t.Errorf("TotalEstimatedTokens = %d", c.TotalEstimatedTokens)
	}
	if got := runner.ranNodes(); len(got) != 3 || got[0] != "a" || got[2] != "c" {
		t.Errorf("run order = %v", got)
	}
	if len(res.Packets) != 3 || len(res.NodeRuns) != 3 {
		t.Errorf("packets=%d nodeRuns=%d", len(res.Packets), len(res.NodeRuns))
	}
	for i, want := range []string{"a", "b", "c"} {
		if res.NodeRuns[i].NodeID != want || res.NodeRuns[i].Status != NodeStatusCompleted {
			t.Errorf("nodeRuns[%d] = %+v", i, res.NodeRuns[i])
		}
	}
}

func TestExecuteEventSequenceMonotonic(t *testing.T) {
	runner := newRecordingRunner()
	ex := NewExecutor(runner, 4, nil, nil)
	res, err := ex.Execute(context.Background(), "t1", linearGraph("a", "b"))
	if err != nil {
		t.Fatal(err)
	}

	if res.Events[0].Kind != EventGraphStarted {
		t.Errorf("first event = %v", res.Events[0].Kind)
	}
	last := res.Events[len(res.Events)-1]
	if last.Kind != EventGraphCompleted {
		t.Errorf("last event = %v", last.Kind)
	}
	for i, e := range res.Events {
		if e.Seq != i+1 {
			t.Fatalf("event %d has seq %d", i, e.Seq)
		}
		if e.TraceID != "t1" {
			t.Fatalf("event %d trace = %q", i, e.TraceID)
		}
	}
}

func TestExecuteDependentsOfFailedNodeStillRun(t *testing.T) {
	runner := newRecordingRunner()
	// "a" exhausts its retry budget; "b" depends on it and must still run.
	runner.failures["a"] = 10
	ex := NewExecutor(runner, 2, nil, nil)

	g := linearGraph("a", "b")
	g.Nodes[0].Budget.MaxRetries = 1

	res, err := ex.Execute(context.Background(), "t1", g)
	if err != nil {
		t.Fatal(err)
	}

	c := res.Blackboard.Counters()
	if c.CompletedTasks != 1 || c.FailedTasks != 1 {
		t.Errorf("counters = %+v", c)
	}
	if runner.attempts["a"] != 2 {
		t.Errorf("a attempts = %d, want 2 (maxRetries 1)", runner.attempts["a"])
	}
	if runner.attempts["b"] != 1 {
		t.Error("b should have run despite a's failure")
	}
	if res.NodeRuns[0].Status != NodeStatusFatal || res.NodeRuns[0].Attempts != 2 {
		t.Errorf("nodeRuns[0] = %+v", res.NodeRuns[0])
	}
	if len(eventsOfKind(res.Events, EventNodeRetry)) != 1 {
		t.Error("expected one node_retry event")
	}
	if len(eventsOfKind(res.Events, EventNodeFailed)) != 1 {
		t.Error("expected one node_failed event")
	}
	// A failed node contributes no artifacts.
	if len(res.NodeRuns[0].ArtifactIDs) != 0 {
		t.Errorf("failed node wrote artifacts: %v", res.NodeRuns[0].ArtifactIDs)
	}
}

func TestExecuteCountersCoverAllNodes(t *testing.T) {
	runner := newRecordingRunner()
	runner.failures["left"] = 10
	ex := NewExecutor(runner, 4, nil, nil)

	g := &Graph{Version: Version,
		Nodes: []Node{
			{ID: "root", Agent: "p"},
			{ID: "left", Agent: "p", DependsOn: []string{"root"}},
			{ID: "right", Agent: "p", DependsOn: []string{"root"}},
			{ID: "join", Agent: "p", DependsOn: []string{"left", "right"}},
		},
		Edges: []Edge{
			{From: "root", To: "left"},
			{From: "root", To: "right"},
			{From: "left", To: "join"},
			{From: "right", To: "join"},
		},
	}
	res, err := ex.Execute(context.Background(), "t1", g)
	if err != nil {
		t.Fatal(err)
	}
	c := res.Blackboard.Counters()
	if c.CompletedTasks+c.FailedTasks != len(g.Nodes) {
		t.Errorf("completed+failed = %d, want %d", c.CompletedTasks+c.FailedTasks, len(g.Nodes))
	}
	if c.FailedTasks != 1 {
		t.Errorf("FailedTasks = %d", c.FailedTasks)
	}
}

func TestExecuteWaveChunking(t *testing.T) {
	var mu sync.Mutex
	inFlight, peak := 0, 0
	runner := NodeRunnerFunc(func(_ context.Context, node Node) ([]models.ContextPacket, error) {
		mu.Lock()
		inFlight++
		if inFlight > peak {
			peak = inFlight
		}
		mu.Unlock()
		time.Sleep(10 * time.Millisecond)
		mu.Lock()
		inFlight--
		mu.Unlock()
		return nil, nil
	})
	ex := NewExecutor(runner, 2, nil, nil)

	g := &Graph{Version: Version, Nodes: []Node{
		{ID: "n1"}, {ID: "n2"}, {ID: "n3"}, {ID: "n4"}, {ID: "n5"},
	}}
	if _, err := ex.Execute(context.Background(), "t1", g); err != nil {
		t.Fatal(err)
	}
	if peak > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", peak)
	}
}

func TestExecuteValidationFailure(t *testing.T) {
	ex := NewExecutor(newRecordingRunner(), 1, nil, nil)
	g := &Graph{Version: "v0", Nodes: []Node{{ID: "a"}}}

	res, err := ex.Execute(context.Background(), "t1", g)
	if err == nil {
		t.Fatal("expected validation error")
	}
	if len(res.Events) != 1 || res.Events[0].Kind != EventGraphValidationFailed {
		t.Errorf("events = %+v", res.Events)
	}
}

func TestExecuteDegradedPacketConfidence(t *testing.T) {
	runner := NodeRunnerFunc(func(_ context.Context, node Node) ([]models.ContextPacket, error) {
		return []models.ContextPacket{{
			Name: "degraded",
			JSON: []byte(`{"error": "provider timeout", "partial": true}`),
		}}, nil
	})
	ex := NewExecutor(runner, 1, nil, nil)
	res, err := ex.Execute(context.Background(), "t1", &Graph{Version: Version, Nodes: []Node{{ID: "a"}}})
	if err != nil {
		t.Fatal(err)
	}
	arts := res.Blackboard.Artifacts()
	if len(arts) != 1 || arts[0].Confidence != ConfidenceDegraded {
		t.Errorf("artifacts = %+v", arts)
	}
}

func TestExecuteNodeTimeout(t *testing.T) {
	runner := NodeRunnerFunc(func(ctx context.Context, node Node) ([]models.ContextPacket, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	ex := NewExecutor(runner, 1, nil, nil)
	g := &Graph{Version: Version, Nodes: []Node{
		{ID: "slow", Budget: Budget{MaxLatencyMs: 20}},
	}}

	res, err := ex.Execute(context.Background(), "t1", g)
	if err != nil {
		t.Fatal(err)
	}
	if res.Blackboard.Counters().FailedTasks != 1 {
		t.Error("timed out node should fail")
	}
	if res.NodeRuns[0].Error == "" {
		t.Error("node run should record the timeout error")
	}
}

func TestExecuteCancellationStopsRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	runner := NodeRunnerFunc(func(_ context.Context, node Node) ([]models.ContextPacket, error) {
		attempts++
		cancel()
		return nil, errors.New("boom")
	})
	ex := NewExecutor(runner, 1, nil, nil)
	g := &Graph{Version: Version, Nodes: []Node{
		{ID: "a", Budget: Budget{MaxRetries: 3}},
	}}

	res, err := ex.Execute(ctx, "t1", g)
	if err != nil {
		t.Fatal(err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1 after cancellation", attempts)
	}
	if res.Blackboard.Counters().FailedTasks != 1 {
		t.Error("cancelled node should be recorded as failed")
	}
}

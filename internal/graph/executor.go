package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/BokX1/sage/internal/observability"
	"github.com/BokX1/sage/pkg/models"
)

// Event kinds emitted during graph execution.
type EventKind string

const (
	EventGraphStarted          EventKind = "graph_started"
	EventGraphValidationFailed EventKind = "graph_validation_failed"
	EventNodeStarted           EventKind = "node_started"
	EventNodeRetry             EventKind = "node_retry"
	EventNodeCompleted         EventKind = "node_completed"
	EventNodeFailed            EventKind = "node_failed"
	EventArtifactWritten       EventKind = "artifact_written"
	EventGraphCompleted        EventKind = "graph_completed"
)

// Event is one execution event. Seq is monotonic per trace.
type Event struct {
	Seq     int       `json:"seq"`
	Kind    EventKind `json:"kind"`
	TraceID string    `json:"traceId"`
	NodeID  string    `json:"nodeId,omitempty"`
	Detail  string    `json:"detail,omitempty"`
	At      time.Time `json:"at"`
}

// Node terminal states recorded in the trace.
const (
	NodeStatusCompleted = "completed"
	NodeStatusFatal     = "fatal_error"
)

// NodeRun is the trace record for one node.
type NodeRun struct {
	NodeID      string   `json:"nodeId"`
	Agent       string   `json:"agent"`
	Attempts    int      `json:"attempts"`
	Status      string   `json:"status"`
	Error       string   `json:"error,omitempty"`
	DurationMs  int64    `json:"durationMs"`
	ArtifactIDs []string `json:"artifactIds,omitempty"`
}

// NodeRunner executes one node's objective and returns its context packets.
// Implementations must honor ctx cancellation.
type NodeRunner interface {
	RunNode(ctx context.Context, node Node) ([]models.ContextPacket, error)
}

// NodeRunnerFunc adapts a function to NodeRunner.
type NodeRunnerFunc func(ctx context.Context, node Node) ([]models.ContextPacket, error)

func (f NodeRunnerFunc) RunNode(ctx context.Context, node Node) ([]models.ContextPacket, error) {
	return f(ctx, node)
}

// Result is everything one graph execution produced.
type Result struct {
	Blackboard *Blackboard
	Events     []Event
	Packets    []models.ContextPacket
	NodeRuns   []NodeRun
}

// Executor schedules a validated graph wave by wave.
type Executor struct {
	runner      NodeRunner
	maxParallel int
	log         *observability.Logger
	metrics     *observability.Metrics
	now         func() time.Time
}

// NewExecutor wires an executor. maxParallel below 1 is clamped to 1.
func NewExecutor(runner NodeRunner, maxParallel int, log *observability.Logger, metrics *observability.Metrics) *Executor {
	if maxParallel < 1 {
		maxParallel = 1
	}
	if log == nil {
		log = observability.NewNopLogger()
	}
	return &Executor{
		runner:      runner,
		maxParallel: maxParallel,
		log:         log,
		metrics:     metrics,
		now:         time.Now,
	}
}

type eventLog struct {
	mu      sync.Mutex
	traceID string
	now     func() time.Time
	events  []Event
}

func (l *eventLog) append(kind EventKind, nodeID, detail string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, Event{
		Seq:     len(l.events) + 1,
		Kind:    kind,
		TraceID: l.traceID,
		NodeID:  nodeID,
		Detail:  detail,
		At:      l.now(),
	})
}

type nodeOutcome struct {
	attempts   int
	packets    []models.ContextPacket
	err        error
	durationMs int64
}

// Execute validates the graph and runs it to completion. Nodes whose
// dependencies failed still run; they see whatever artifacts exist. The
// returned error is non-nil only for validation failures; node failures are
// reported through the blackboard counters and node runs.
func (e *Executor) Execute(ctx context.Context, traceID string, g *Graph) (*Result, error) {
	events := &eventLog{traceID: traceID, now: e.now}
	res := &Result{Blackboard: NewBlackboard()}

	if err := g.Validate(); err != nil {
		events.append(EventGraphValidationFailed, "", err.Error())
		res.Events = events.events
		return res, fmt.Errorf("graph validation: %w", err)
	}

	events.append(EventGraphStarted, "", fmt.Sprintf("%d nodes", len(g.Nodes)))
	e.log.Info(ctx, "graph started", "trace_id", traceID, "nodes", len(g.Nodes))

	pending := make(map[string]*Node, len(g.Nodes))
	settled := make(map[string]bool, len(g.Nodes))
	for i := range g.Nodes {
		pending[g.Nodes[i].ID] = &g.Nodes[i]
	}

	for len(pending) > 0 {
		wave := e.nextWave(g, pending, settled)
		if len(wave) == 0 {
			// Unreachable dependencies: settle everything left as failed.
			res.Blackboard.AddUnresolvedQuestion(
				fmt.Sprintf("%d nodes unreachable due to unsatisfiable dependencies", len(pending)))
			for _, n := range e.declOrder(g, pending) {
				events.append(EventNodeFailed, n.ID, "unreachable dependency")
				res.Blackboard.MarkFailed()
				e.countNode(NodeStatusFatal)
				res.NodeRuns = append(res.NodeRuns, NodeRun{
					NodeID: n.ID,
					Agent:  n.Agent,
					Status: NodeStatusFatal,
					Error:  "unreachable dependency",
				})
				delete(pending, n.ID)
			}
			break
		}

		outcomes := e.runWave(ctx, wave, events)

		// Artifacts, terminal events, and node runs follow declaration
		// order regardless of completion order.
		for _, n := range wave {
			out := outcomes[n.ID]
			run := NodeRun{
				NodeID:     n.ID,
				Agent:      n.Agent,
				Attempts:   out.attempts,
				DurationMs: out.durationMs,
			}
			if out.err != nil {
				run.Status = NodeStatusFatal
				run.Error = out.err.Error()
				events.append(EventNodeFailed, n.ID, out.err.Error())
				res.Blackboard.MarkFailed()
				e.countNode(NodeStatusFatal)
			} else {
				run.Status = NodeStatusCompleted
				for i := range out.packets {
					pkt := out.packets[i]
					art := res.Blackboard.AddArtifact(Artifact{
						Kind:        KindContextPacket,
						Label:       pkt.Name,
						Content:     pkt.Content,
						Confidence:  packetConfidence(pkt),
						SourceAgent: n.Agent,
						Provenance:  []string{n.ID},
						Packet:      &pkt,
						JSON:        pkt.JSON,
					})
					run.ArtifactIDs = append(run.ArtifactIDs, art.ID)
					events.append(EventArtifactWritten, n.ID, art.Label)
					res.Packets = append(res.Packets, pkt)
				}
				events.append(EventNodeCompleted, n.ID, "")
				res.Blackboard.MarkCompleted()
				e.countNode(NodeStatusCompleted)
			}
			res.NodeRuns = append(res.NodeRuns, run)
			settled[n.ID] = out.err == nil
			delete(pending, n.ID)
		}
	}

	counters := res.Blackboard.Counters()
	events.append(EventGraphCompleted, "",
		fmt.Sprintf("completed=%d failed=%d", counters.CompletedTasks, counters.FailedTasks))
	e.log.Info(ctx, "graph completed", "trace_id", traceID,
		"completed", counters.CompletedTasks, "failed", counters.FailedTasks)

	res.Events = events.events
	return res, nil
}

// nextWave returns pending nodes whose dependencies are all settled, in
// declaration order.
func (e *Executor) nextWave(g *Graph, pending map[string]*Node, settled map[string]bool) []*Node {
	var wave []*Node
	for i := range g.Nodes {
		n := &g.Nodes[i]
		if _, isPending := pending[n.ID]; !isPending {
			continue
		}
		ready := true
		for _, dep := range n.DependsOn {
			if _, ok := settled[dep]; !ok {
				ready = false
				break
			}
		}
		if ready {
			wave = append(wave, n)
		}
	}
	return wave
}

func (e *Executor) declOrder(g *Graph, pending map[string]*Node) []*Node {
	var out []*Node
	for i := range g.Nodes {
		if _, ok := pending[g.Nodes[i].ID]; ok {
			out = append(out, &g.Nodes[i])
		}
	}
	return out
}

// runWave dispatches the wave in chunks of maxParallel.
func (e *Executor) runWave(ctx context.Context, wave []*Node, events *eventLog) map[string]nodeOutcome {
	outcomes := make(map[string]nodeOutcome, len(wave))
	var mu sync.Mutex

	for start := 0; start < len(wave); start += e.maxParallel {
		end := start + e.maxParallel
		if end > len(wave) {
			end = len(wave)
		}
		var wg sync.WaitGroup
		for _, n := range wave[start:end] {
			wg.Add(1)
			go func(n *Node) {
				defer wg.Done()
				out := e.runNode(ctx, n, events)
				mu.Lock()
				outcomes[n.ID] = out
				mu.Unlock()
			}(n)
		}
		wg.Wait()
	}
	return outcomes
}

// runNode drives the per-node attempt protocol under the node's budget.
func (e *Executor) runNode(ctx context.Context, n *Node, events *eventLog) nodeOutcome {
	out := nodeOutcome{}
	start := e.now()
	maxAttempts := n.Budget.MaxRetries + 1

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		out.attempts = attempt
		if attempt == 1 {
			events.append(EventNodeStarted, n.ID, n.Agent)
		} else {
			events.append(EventNodeRetry, n.ID, fmt.Sprintf("attempt %d", attempt))
		}

		attemptCtx, cancel := context.WithTimeout(ctx, n.Budget.Latency())
		packets, err := e.runner.RunNode(attemptCtx, *n)
		cancel()

		if err == nil {
			out.packets = packets
			out.err = nil
			break
		}
		out.err = err
		e.log.Warn(ctx, "node attempt failed",
			"node", n.ID, "attempt", attempt, "error", err)
		if ctx.Err() != nil {
			// Turn cancelled: stop retrying immediately.
			break
		}
	}
	out.durationMs = e.now().Sub(start).Milliseconds()
	return out
}

// packetConfidence downgrades packets that carry an embedded error field.
func packetConfidence(pkt models.ContextPacket) float64 {
	if len(pkt.JSON) > 0 {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(pkt.JSON, &obj); err == nil {
			if _, hasErr := obj["error"]; hasErr {
				return ConfidenceDegraded
			}
		}
	}
	return ConfidenceSuccess
}

func (e *Executor) countNode(status string) {
	if e.metrics != nil {
		e.metrics.GraphNodeOutcomes.WithLabelValues(status).Inc()
	}
}

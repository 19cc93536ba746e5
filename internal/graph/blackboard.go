package graph

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"

	"github.com/BokX1/sage/pkg/models"
)

// ArtifactKind classifies blackboard artifacts.
type ArtifactKind string

const (
	KindContextPacket ArtifactKind = "context_packet"
	KindToolResult    ArtifactKind = "tool_result"
	KindDiagnostic    ArtifactKind = "diagnostic"
	KindAnswerDraft   ArtifactKind = "answer_draft"
	KindFinalAnswer   ArtifactKind = "final_answer"
)

// Default confidence levels for graph-produced artifacts.
const (
	ConfidenceSuccess  = 0.8
	ConfidenceDegraded = 0.4
	ConfidenceFatal    = 0.0
)

// Artifact is one addressable piece of turn state.
type Artifact struct {
	ID          string                `json:"id"`
	Kind        ArtifactKind          `json:"kind"`
	Label       string                `json:"label"`
	Content     string                `json:"content,omitempty"`
	Confidence  float64               `json:"confidence"`
	SourceAgent string                `json:"sourceAgent,omitempty"`
	Provenance  []string              `json:"provenance,omitempty"`
	Packet      *models.ContextPacket `json:"packet,omitempty"`
	JSON        json.RawMessage       `json:"json,omitempty"`
}

// Counters summarize graph progress on the blackboard.
type Counters struct {
	CompletedTasks       int `json:"completedTasks"`
	FailedTasks          int `json:"failedTasks"`
	TotalEstimatedTokens int `json:"totalEstimatedTokens"`
}

// Blackboard is the per-turn mutable state. The orchestrator owns it
// exclusively for the duration of one turn; executor goroutines write to it
// through the mutex.
type Blackboard struct {
	mu         sync.Mutex
	counters   Counters
	artifacts  []Artifact
	unresolved []string
}

func NewBlackboard() *Blackboard {
	return &Blackboard{}
}

// AddArtifact appends an artifact, assigning an id when absent, and
// accumulates the token estimate of any attached packet.
func (b *Blackboard) AddArtifact(a Artifact) Artifact {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.artifacts = append(b.artifacts, a)
	if a.Packet != nil {
		b.counters.TotalEstimatedTokens += a.Packet.TokenEstimate
	}
	return a
}

// Artifacts returns a copy of the artifact list in insertion order.
func (b *Blackboard) Artifacts() []Artifact {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Artifact, len(b.artifacts))
	copy(out, b.artifacts)
	return out
}

// ArtifactsOfKind returns artifacts of one kind in insertion order.
func (b *Blackboard) ArtifactsOfKind(kind ArtifactKind) []Artifact {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Artifact
	for _, a := range b.artifacts {
		if a.Kind == kind {
			out = append(out, a)
		}
	}
	return out
}

// AddUnresolvedQuestion records a question no node could answer.
func (b *Blackboard) AddUnresolvedQuestion(q string) {
	if q == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unresolved = append(b.unresolved, q)
}

// UnresolvedQuestions returns a copy of the unresolved-question list.
func (b *Blackboard) UnresolvedQuestions() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.unresolved))
	copy(out, b.unresolved)
	return out
}

// MarkCompleted increments the completed-task counter.
func (b *Blackboard) MarkCompleted() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.counters.CompletedTasks++
}

// MarkFailed increments the failed-task counter.
func (b *Blackboard) MarkFailed() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.counters.FailedTasks++
}

// Counters returns a snapshot of the progress counters.
func (b *Blackboard) Counters() Counters {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counters
}

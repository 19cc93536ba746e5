package graph

import (
	"errors"
	"fmt"
	"time"
)

// Version is the only graph schema version the executor accepts.
const Version = "v1"

// Policy ceilings on per-node budgets.
const (
	MaxLatencyCeiling = 5 * time.Minute
	MaxRetriesCeiling = 3
)

// Budget bounds one node's execution.
type Budget struct {
	MaxLatencyMs    int64 `json:"maxLatencyMs,omitempty"`
	MaxRetries      int   `json:"maxRetries,omitempty"`
	MaxInputTokens  int   `json:"maxInputTokens,omitempty"`
	MaxOutputTokens int   `json:"maxOutputTokens,omitempty"`
}

// Latency returns the per-attempt deadline, falling back to the ceiling.
func (b Budget) Latency() time.Duration {
	if b.MaxLatencyMs <= 0 {
		return MaxLatencyCeiling
	}
	return time.Duration(b.MaxLatencyMs) * time.Millisecond
}

// Node is one unit of context-gathering work.
type Node struct {
	ID              string            `json:"id"`
	Agent           string            `json:"agent"`
	Objective       string            `json:"objective"`
	Inputs          map[string]string `json:"inputs,omitempty"`
	SuccessCriteria []string          `json:"successCriteria,omitempty"`
	DependsOn       []string          `json:"dependsOn,omitempty"`
	Budget          Budget            `json:"budget"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// Edge is a directed dependency. Edges must exactly mirror dependsOn.
type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Graph is the per-turn context plan. Built once, executed once, discarded.
type Graph struct {
	Version string `json:"version"`
	Nodes   []Node `json:"nodes"`
	Edges   []Edge `json:"edges,omitempty"`
}

var ErrEmptyGraph = errors.New("graph has no nodes")

// Validate checks structural invariants before execution: schema version,
// unique ids, no self-edges, known edge endpoints, budget ceilings, the
// dependsOn to edge mirror in both directions, and acyclicity.
func (g *Graph) Validate() error {
	if g.Version != Version {
		return fmt.Errorf("unsupported graph version %q", g.Version)
	}
	if len(g.Nodes) == 0 {
		return ErrEmptyGraph
	}

	byID := make(map[string]*Node, len(g.Nodes))
	for i := range g.Nodes {
		n := &g.Nodes[i]
		if n.ID == "" {
			return errors.New("node with empty id")
		}
		if _, dup := byID[n.ID]; dup {
			return fmt.Errorf("duplicate node id %q", n.ID)
		}
		byID[n.ID] = n

		if n.Budget.MaxLatencyMs > MaxLatencyCeiling.Milliseconds() {
			return fmt.Errorf("node %q: maxLatencyMs %d exceeds ceiling %d", n.ID, n.Budget.MaxLatencyMs, MaxLatencyCeiling.Milliseconds())
		}
		if n.Budget.MaxRetries > MaxRetriesCeiling {
			return fmt.Errorf("node %q: maxRetries %d exceeds ceiling %d", n.ID, n.Budget.MaxRetries, MaxRetriesCeiling)
		}
		if n.Budget.MaxLatencyMs < 0 || n.Budget.MaxRetries < 0 {
			return fmt.Errorf("node %q: negative budget", n.ID)
		}
	}

	edgeSet := make(map[Edge]bool, len(g.Edges))
	for _, e := range g.Edges {
		if e.From == e.To {
			return fmt.Errorf("self-edge on node %q", e.From)
		}
		if _, ok := byID[e.From]; !ok {
			return fmt.Errorf("edge references unknown node %q", e.From)
		}
		if _, ok := byID[e.To]; !ok {
			return fmt.Errorf("edge references unknown node %q", e.To)
		}
		edgeSet[e] = true
	}

	// Every dependsOn needs a matching edge and vice versa.
	depSet := make(map[Edge]bool)
	for _, n := range g.Nodes {
		for _, dep := range n.DependsOn {
			if dep == n.ID {
				return fmt.Errorf("node %q depends on itself", n.ID)
			}
			if _, ok := byID[dep]; !ok {
				return fmt.Errorf("node %q depends on unknown node %q", n.ID, dep)
			}
			e := Edge{From: dep, To: n.ID}
			if !edgeSet[e] {
				return fmt.Errorf("dependency %q -> %q has no matching edge", dep, n.ID)
			}
			depSet[e] = true
		}
	}
	for e := range edgeSet {
		if !depSet[e] {
			return fmt.Errorf("edge %q -> %q has no matching dependsOn", e.From, e.To)
		}
	}

	return g.checkAcyclic()
}

// checkAcyclic runs an iterative DFS with temporary and permanent marks.
func (g *Graph) checkAcyclic() error {
	adj := make(map[string][]string, len(g.Nodes))
	for _, n := range g.Nodes {
		for _, dep := range n.DependsOn {
			adj[dep] = append(adj[dep], n.ID)
		}
	}

	const (
		unmarked = 0
		temp     = 1
		perm     = 2
	)
	marks := make(map[string]int, len(g.Nodes))

	type frame struct {
		id   string
		next int
	}
	for _, start := range g.Nodes {
		if marks[start.ID] != unmarked {
			continue
		}
		stack := []frame{{id: start.ID}}
		marks[start.ID] = temp
		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			children := adj[top.id]
			if top.next < len(children) {
				child := children[top.next]
				top.next++
				switch marks[child] {
				case temp:
					return fmt.Errorf("cycle detected through node %q", child)
				case unmarked:
					marks[child] = temp
					stack = append(stack, frame{id: child})
				}
				continue
			}
			marks[top.id] = perm
			stack = stack[:len(stack)-1]
		}
	}
	return nil
}

package runtime

import (
	"context"
	"fmt"
	"strings"

	"github.com/BokX1/sage/internal/graph"
	"github.com/BokX1/sage/pkg/models"
)

// ProviderRequest asks the context layer for packets from named providers.
type ProviderRequest struct {
	Providers  []string
	GuildID    string
	ChannelID  string
	UserID     string
	TraceID    string
	SkipMemory bool
}

// ContextProviderRunner executes context providers. Implementations own the
// actual data sources (memory store, transcript buffer, social graph).
type ContextProviderRunner interface {
	Run(ctx context.Context, req ProviderRequest) ([]models.ContextPacket, error)
}

// ContextProviderFunc adapts a function to ContextProviderRunner.
type ContextProviderFunc func(ctx context.Context, req ProviderRequest) ([]models.ContextPacket, error)

func (f ContextProviderFunc) Run(ctx context.Context, req ProviderRequest) ([]models.ContextPacket, error) {
	return f(ctx, req)
}

// Context providers addressed by graph nodes and critic re-dispatch.
const (
	ProviderMemory      = "memory"
	ProviderTranscript  = "transcript"
	ProviderDatetime    = "datetime"
	ProviderSocialGraph = "social_graph"
	ProviderGuildMeta   = "guild_meta"
)

// routeProviders lists the default provider plan per route.
var routeProviders = map[models.Route][]string{
	models.RouteChat:     {ProviderTranscript, ProviderMemory, ProviderSocialGraph, ProviderDatetime},
	models.RouteCoding:   {ProviderTranscript, ProviderMemory, ProviderDatetime},
	models.RouteSearch:   {ProviderTranscript, ProviderDatetime},
	models.RouteCreative: {ProviderTranscript, ProviderSocialGraph},
}

// BuildContextGraph plans one provider node per default provider for the
// route, plus any extras. Provider nodes are independent; a final merge
// node depends on all of them so artifact ordering is stable.
func BuildContextGraph(route models.Route, extraProviders []string) *graph.Graph {
	providers := append([]string(nil), routeProviders[route]...)
	for _, p := range extraProviders {
		dup := false
		for _, existing := range providers {
			if existing == p {
				dup = true
				break
			}
		}
		if !dup {
			providers = append(providers, p)
		}
	}

	g := &graph.Graph{Version: graph.Version}
	var deps []string
	for _, p := range providers {
		id := "ctx_" + p
		g.Nodes = append(g.Nodes, graph.Node{
			ID:        id,
			Agent:     p,
			Objective: fmt.Sprintf("gather %s context", strings.ReplaceAll(p, "_", " ")),
			Budget:    graph.Budget{MaxLatencyMs: 10_000, MaxRetries: 1},
		})
		deps = append(deps, id)
	}

	merge := graph.Node{
		ID:        "ctx_merge",
		Agent:     "merge",
		Objective: "order gathered context",
		DependsOn: deps,
		Budget:    graph.Budget{MaxLatencyMs: 1_000},
	}
	g.Nodes = append(g.Nodes, merge)
	for _, dep := range deps {
		g.Edges = append(g.Edges, graph.Edge{From: dep, To: "ctx_merge"})
	}
	return g
}

// providerNodeRunner adapts the context provider layer to the graph
// executor. The merge node is a no-op; ordering comes from the executor's
// declaration-order artifact writes.
type providerNodeRunner struct {
	providers ContextProviderRunner
	req       ProviderRequest
}

func (r *providerNodeRunner) RunNode(ctx context.Context, node graph.Node) ([]models.ContextPacket, error) {
	if node.Agent == "merge" {
		return nil, nil
	}
	if r.providers == nil {
		return nil, nil
	}
	req := r.req
	req.Providers = []string{node.Agent}
	return r.providers.Run(ctx, req)
}

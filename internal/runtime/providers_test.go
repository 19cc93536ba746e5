package runtime

import (
	"context"
	"testing"

	"github.com/BokX1/sage/internal/graph"
	"github.com/BokX1/sage/pkg/models"
)

func TestBuildContextGraphValidates(t *testing.T) {
	for _, route := range []models.Route{models.RouteChat, models.RouteCoding, models.RouteSearch, models.RouteCreative} {
		g := BuildContextGraph(route, nil)
		if err := g.Validate(); err != nil {
			t.Errorf("route %s: %v", route, err)
		}
	}
}

func TestBuildContextGraphShape(t *testing.T) {
	g := BuildContextGraph(models.RouteCoding, nil)

	// transcript, memory, datetime plus the merge node.
	if len(g.Nodes) != 4 {
		t.Fatalf("nodes = %d, want 4", len(g.Nodes))
	}
	last := g.Nodes[len(g.Nodes)-1]
	if last.ID != "ctx_merge" || len(last.DependsOn) != 3 {
		t.Errorf("merge node = %+v", last)
	}
	if len(g.Edges) != 3 {
		t.Errorf("edges = %d, want 3", len(g.Edges))
	}
	for _, e := range g.Edges {
		if e.To != "ctx_merge" {
			t.Errorf("edge %+v should target the merge node", e)
		}
	}
}

func TestBuildContextGraphExtrasDeduped(t *testing.T) {
	g := BuildContextGraph(models.RouteSearch, []string{ProviderDatetime, ProviderGuildMeta})

	seen := make(map[string]int)
	for _, n := range g.Nodes {
		seen[n.ID]++
	}
	if seen["ctx_"+ProviderDatetime] != 1 {
		t.Errorf("datetime node count = %d", seen["ctx_"+ProviderDatetime])
	}
	if seen["ctx_"+ProviderGuildMeta] != 1 {
		t.Errorf("guild_meta node missing: %v", seen)
	}
	if err := g.Validate(); err != nil {
		t.Error(err)
	}
}

func TestProviderNodeRunnerScopesRequest(t *testing.T) {
	var got ProviderRequest
	runner := &providerNodeRunner{
		providers: ContextProviderFunc(func(_ context.Context, req ProviderRequest) ([]models.ContextPacket, error) {
			got = req
			return []models.ContextPacket{{Name: req.Providers[0], Content: "x"}}, nil
		}),
		req: ProviderRequest{GuildID: "g1", TraceID: "t1"},
	}

	packets, err := runner.RunNode(context.Background(), graph.Node{ID: "ctx_memory", Agent: ProviderMemory})
	if err != nil {
		t.Fatal(err)
	}
	if len(packets) != 1 || packets[0].Name != ProviderMemory {
		t.Errorf("packets = %+v", packets)
	}
	if len(got.Providers) != 1 || got.Providers[0] != ProviderMemory || got.GuildID != "g1" {
		t.Errorf("request = %+v", got)
	}

	// Merge nodes never hit the provider layer.
	packets, err = runner.RunNode(context.Background(), graph.Node{ID: "ctx_merge", Agent: "merge"})
	if err != nil || packets != nil {
		t.Errorf("merge node = %v, %v", packets, err)
	}
}

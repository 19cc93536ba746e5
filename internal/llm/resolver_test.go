package llm

import (
	"context"
	"testing"

	"github.com/BokX1/sage/pkg/models"
)

func TestStaticResolverRouteTable(t *testing.T) {
	r := &StaticResolver{
		ByRoute: map[models.Route][]string{
			models.RouteSearch: {"search-native", "reasoner"},
		},
		Default: "general",
	}

	res, err := r.Resolve(context.Background(), &ResolveRequest{Route: models.RouteSearch})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Model != "search-native" {
		t.Errorf("Model = %q, want search-native", res.Model)
	}
	if res.AllowlistApplied {
		t.Error("AllowlistApplied should be false without an allowlist")
	}
}

func TestStaticResolverAllowlistIntersection(t *testing.T) {
	r := &StaticResolver{
		ByRoute: map[models.Route][]string{
			models.RouteSearch: {"search-native", "reasoner"},
		},
		Default: "general",
	}

	res, err := r.Resolve(context.Background(), &ResolveRequest{
		Route:         models.RouteSearch,
		AllowedModels: []string{"reasoner"},
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Model != "reasoner" {
		t.Errorf("Model = %q, want reasoner", res.Model)
	}
	if !res.AllowlistApplied {
		t.Error("AllowlistApplied should be true")
	}
}

func TestStaticResolverFallsBackToDefault(t *testing.T) {
	r := &StaticResolver{Default: "general"}

	res, err := r.Resolve(context.Background(), &ResolveRequest{Route: models.RouteChat})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Model != "general" {
		t.Errorf("Model = %q, want general", res.Model)
	}
}

func TestSystemPromptSplit(t *testing.T) {
	system, rest := SystemPrompt([]models.ChatMessage{
		{Role: models.RoleSystem, Content: "be terse"},
		{Role: models.RoleUser, Content: "hi"},
	})
	if system != "be terse" {
		t.Errorf("system = %q", system)
	}
	if len(rest) != 1 || rest[0].Content != "hi" {
		t.Errorf("rest = %v", rest)
	}

	system, rest = SystemPrompt([]models.ChatMessage{{Role: models.RoleUser, Content: "hi"}})
	if system != "" || len(rest) != 1 {
		t.Errorf("no-system split = %q, %v", system, rest)
	}
}

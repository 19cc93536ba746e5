package llm

import (
	"context"

	"github.com/BokX1/sage/pkg/models"
)

// ResolveRequest asks the resolver for the model to use on one pass.
type ResolveRequest struct {
	GuildID       string
	Messages      []models.ChatMessage
	Route         models.Route
	AllowedModels []string
	FeatureFlags  map[string]bool
}

// Resolution is the resolver's decision.
type Resolution struct {
	Model            string
	Candidates       []string
	Route            models.Route
	Decisions        []string
	AllowlistApplied bool
}

// Resolver picks a model for a request. The production resolver lives
// upstream; the runtime only consumes this contract.
type Resolver interface {
	Resolve(ctx context.Context, req *ResolveRequest) (*Resolution, error)
}

// StaticResolver resolves from a fixed route→model table with an optional
// allowlist intersection. Used by the CLI and tests.
type StaticResolver struct {
	// ByRoute maps route kinds to the preferred model and its fallbacks,
	// in order.
	ByRoute map[models.Route][]string

	// Default is used when a route has no entry.
	Default string
}

// Resolve picks the first candidate for the route that survives the
// request allowlist, falling back to Default.
func (r *StaticResolver) Resolve(_ context.Context, req *ResolveRequest) (*Resolution, error) {
	candidates := r.ByRoute[req.Route]
	if len(candidates) == 0 && r.Default != "" {
		candidates = []string{r.Default}
	}

	res := &Resolution{Route: req.Route, Candidates: candidates}
	if len(req.AllowedModels) > 0 {
		allowed := make(map[string]bool, len(req.AllowedModels))
		for _, m := range req.AllowedModels {
			allowed[m] = true
		}
		filtered := make([]string, 0, len(candidates))
		for _, c := range candidates {
			if allowed[c] {
				filtered = append(filtered, c)
			}
		}
		res.Candidates = filtered
		res.AllowlistApplied = true
		res.Decisions = append(res.Decisions, "allowlist_applied")
	}

	if len(res.Candidates) > 0 {
		res.Model = res.Candidates[0]
		res.Decisions = append(res.Decisions, "route_table")
		return res, nil
	}
	res.Model = r.Default
	res.Decisions = append(res.Decisions, "default_model")
	return res, nil
}

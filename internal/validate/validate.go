package validate

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/BokX1/sage/internal/observability"
	"github.com/BokX1/sage/internal/search"
	"github.com/BokX1/sage/internal/tools"
	"github.com/BokX1/sage/pkg/models"
)

// SafeRefusal replaces drafts that cannot be repaired under enforce mode.
const SafeRefusal = "I couldn't safely validate this response against runtime checks, so I won't provide a potentially incorrect answer right now. Please try again."

// Check identifiers.
const (
	CheckEmptyReply           = "empty_reply"
	CheckToolEnvelopeLeak     = "tool_envelope_leak"
	CheckUnsupportedCertainty = "unsupported_certainty_phrase"
	CheckMissingSourceURLs    = "missing_source_urls"
	CheckMissingCheckedOn     = "missing_checked_on_date"
	CheckInvalidCheckedOn     = "invalid_checked_on_date"
)

// Strictness levels. Only enforce blocks.
type Strictness string

const (
	StrictnessOff     Strictness = "off"
	StrictnessWarn    Strictness = "warn"
	StrictnessEnforce Strictness = "enforce"
)

// RoutePolicy selects which checks run for a route and how strictly.
type RoutePolicy struct {
	Strictness Strictness `json:"strictness"`
	Checks     []string   `json:"checks"`
}

var knownChecks = map[string]bool{
	CheckEmptyReply:           true,
	CheckToolEnvelopeLeak:     true,
	CheckUnsupportedCertainty: true,
	CheckMissingSourceURLs:    true,
	CheckMissingCheckedOn:     true,
	CheckInvalidCheckedOn:     true,
}

// ParsePolicies decodes a per-route policy overlay keyed by route name.
// Routes absent from the document keep their default policy; unknown
// routes, strictness levels, or check names are rejected.
func ParsePolicies(raw string) (map[models.Route]RoutePolicy, error) {
	var byRoute map[models.Route]RoutePolicy
	if err := json.Unmarshal([]byte(raw), &byRoute); err != nil {
		return nil, fmt.Errorf("parse validation policy: %w", err)
	}

	policies := DefaultPolicies()
	for route, policy := range byRoute {
		if !route.Valid() {
			return nil, fmt.Errorf("validation policy: unknown route %q", route)
		}
		switch policy.Strictness {
		case StrictnessOff, StrictnessWarn, StrictnessEnforce:
		default:
			return nil, fmt.Errorf("validation policy: route %s: unknown strictness %q", route, policy.Strictness)
		}
		for _, check := range policy.Checks {
			if !knownChecks[check] {
				return nil, fmt.Errorf("validation policy: route %s: unknown check %q", route, check)
			}
		}
		policies[route] = policy
	}
	return policies, nil
}

// DefaultPolicies returns the per-route validation policies.
func DefaultPolicies() map[models.Route]RoutePolicy {
	return map[models.Route]RoutePolicy{
		models.RouteChat: {
			Strictness: StrictnessEnforce,
			Checks:     []string{CheckEmptyReply, CheckToolEnvelopeLeak},
		},
		models.RouteCoding: {
			Strictness: StrictnessEnforce,
			Checks:     []string{CheckEmptyReply, CheckToolEnvelopeLeak},
		},
		models.RouteSearch: {
			Strictness: StrictnessEnforce,
			Checks: []string{
				CheckEmptyReply, CheckToolEnvelopeLeak, CheckUnsupportedCertainty,
				CheckMissingSourceURLs, CheckMissingCheckedOn, CheckInvalidCheckedOn,
			},
		},
		models.RouteCreative: {
			Strictness: StrictnessWarn,
			Checks:     []string{CheckEmptyReply, CheckToolEnvelopeLeak},
		},
	}
}

// Issue is one failed check.
type Issue struct {
	Check  string `json:"check"`
	Detail string `json:"detail,omitempty"`
}

// Certainty phrases that need a source URL to back them.
var certaintyRegex = regexp.MustCompile(`(?i)\b(definitely|guaranteed|certainly|without a doubt|100% (sure|certain)|always true)\b`)

// checkDraft runs the selected checks against one draft.
func checkDraft(draft string, checks []string, now time.Time) []Issue {
	var issues []Issue
	trimmed := strings.TrimSpace(draft)
	urls := search.ExtractURLs(draft)

	for _, check := range checks {
		switch check {
		case CheckEmptyReply:
			if trimmed == "" {
				issues = append(issues, Issue{Check: check})
			}
		case CheckToolEnvelopeLeak:
			if tools.ContainsEnvelopeFragment(draft) {
				issues = append(issues, Issue{Check: check})
			}
		case CheckUnsupportedCertainty:
			if m := certaintyRegex.FindString(draft); m != "" && len(urls) == 0 {
				issues = append(issues, Issue{Check: check, Detail: m})
			}
		case CheckMissingSourceURLs:
			if trimmed != "" && len(urls) == 0 {
				issues = append(issues, Issue{Check: check})
			}
		case CheckMissingCheckedOn:
			if trimmed != "" && !search.HasCheckedOn(draft) {
				issues = append(issues, Issue{Check: check})
			}
		case CheckInvalidCheckedOn:
			if search.HasCheckedOn(draft) {
				d, ok := search.CheckedOnDate(draft)
				if !ok || d.After(now.Add(24*time.Hour)) {
					issues = append(issues, Issue{Check: check})
				}
			}
		}
	}
	return issues
}

// RepairFunc rewrites a draft to clear the given issues. Search routes use
// the search pipeline; other routes use a direct LLM repair call.
type RepairFunc func(ctx context.Context, draft string, issues []Issue) (string, error)

// Outcome reports one validation pass.
type Outcome struct {
	Reply          string
	Issues         []Issue
	RepairAttempts int
	Replaced       bool
}

// Validator enforces per-route response policies.
type Validator struct {
	policies   map[models.Route]RoutePolicy
	maxRepairs int
	log        *observability.Logger
	metrics    *observability.Metrics
	now        func() time.Time
}

func New(policies map[models.Route]RoutePolicy, maxRepairs int, log *observability.Logger, metrics *observability.Metrics) *Validator {
	if policies == nil {
		policies = DefaultPolicies()
	}
	if log == nil {
		log = observability.NewNopLogger()
	}
	return &Validator{
		policies:   policies,
		maxRepairs: maxRepairs,
		log:        log,
		metrics:    metrics,
		now:        time.Now,
	}
}

// Validate checks the draft and, under enforce, repairs it up to the attempt
// budget before replacing it with the safe refusal.
func (v *Validator) Validate(ctx context.Context, route models.Route, draft string, repair RepairFunc) Outcome {
	policy, ok := v.policies[route]
	if !ok || policy.Strictness == StrictnessOff {
		return Outcome{Reply: draft}
	}

	out := Outcome{Reply: draft}
	out.Issues = checkDraft(draft, policy.Checks, v.now())
	if len(out.Issues) == 0 {
		v.countOutcome(route, "clean")
		return out
	}

	if policy.Strictness == StrictnessWarn {
		v.log.Warn(ctx, "validation issues (warn only)", "route", route, "issues", issueNames(out.Issues))
		v.countOutcome(route, "warned")
		return out
	}

	for attempt := 1; attempt <= v.maxRepairs && repair != nil; attempt++ {
		out.RepairAttempts = attempt
		repaired, err := repair(ctx, out.Reply, out.Issues)
		if err != nil {
			v.log.Warn(ctx, "repair pass failed", "route", route, "attempt", attempt, "error", err)
			break
		}
		out.Reply = repaired
		out.Issues = checkDraft(repaired, policy.Checks, v.now())
		if len(out.Issues) == 0 {
			v.countOutcome(route, "repaired")
			return out
		}
	}

	out.Reply = SafeRefusal
	out.Replaced = true
	v.countOutcome(route, "replaced")
	v.log.Warn(ctx, "draft replaced with safe refusal", "route", route, "issues", issueNames(out.Issues))
	return out
}

func (v *Validator) countOutcome(route models.Route, outcome string) {
	if v.metrics != nil {
		v.metrics.ValidatorOutcomes.WithLabelValues(string(route), outcome).Inc()
	}
}

func issueNames(issues []Issue) []string {
	out := make([]string, len(issues))
	for i, is := range issues {
		out[i] = is.Check
	}
	return out
}

package validate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/BokX1/sage/internal/observability"
	"github.com/BokX1/sage/pkg/models"
)

func allChecks() []string {
	return []string{
		CheckEmptyReply, CheckToolEnvelopeLeak, CheckUnsupportedCertainty,
		CheckMissingSourceURLs, CheckMissingCheckedOn, CheckInvalidCheckedOn,
	}
}

func TestCheckDraft(t *testing.T) {
	now := time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name       string
		draft      string
		wantChecks []string
	}{
		{
			name:       "empty reply",
			draft:      "   ",
			wantChecks: []string{CheckEmptyReply},
		},
		{
			name:       "envelope leak",
			draft:      `Sure: {"type":"tool_calls","calls":[{"name":"x","args":{}}]}`,
			wantChecks: []string{CheckToolEnvelopeLeak, CheckMissingSourceURLs, CheckMissingCheckedOn},
		},
		{
			name:       "certainty without sources",
			draft:      "This is definitely true.",
			wantChecks: []string{CheckUnsupportedCertainty, CheckMissingSourceURLs, CheckMissingCheckedOn},
		},
		{
			name:  "certainty with sources passes",
			draft: "This is definitely true, see https://go.dev\nChecked on: 2026-08-24",
		},
		{
			name:       "future checked on",
			draft:      "Answer https://go.dev\nChecked on: 2027-01-01",
			wantChecks: []string{CheckInvalidCheckedOn},
		},
		{
			name:       "garbled checked on",
			draft:      "Answer https://go.dev\nChecked on: soonish",
			wantChecks: []string{CheckInvalidCheckedOn},
		},
		{
			name:  "clean search reply",
			draft: "Answer https://go.dev\nChecked on: 2026-08-23",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			issues := checkDraft(tt.draft, allChecks(), now)
			if len(issues) != len(tt.wantChecks) {
				t.Fatalf("issues = %+v, want %v", issues, tt.wantChecks)
			}
			for i, want := range tt.wantChecks {
				if issues[i].Check != want {
					t.Errorf("issues[%d] = %q, want %q", i, issues[i].Check, want)
				}
			}
		})
	}
}

func TestValidateCleanDraft(t *testing.T) {
	v := New(nil, 1, nil, nil)
	out := v.Validate(context.Background(), models.RouteChat, "A perfectly fine answer.", nil)
	if len(out.Issues) != 0 || out.Replaced || out.Reply != "A perfectly fine answer." {
		t.Errorf("outcome = %+v", out)
	}
}

func TestValidateRepairSucceeds(t *testing.T) {
	v := New(nil, 2, nil, nil)
	repairs := 0
	repair := func(_ context.Context, draft string, issues []Issue) (string, error) {
		repairs++
		return "Repaired answer https://go.dev\nChecked on: 2026-08-24", nil
	}

	out := v.Validate(context.Background(), models.RouteSearch, "no sources here", repair)
	if out.Replaced {
		t.Fatalf("draft replaced despite successful repair: %+v", out)
	}
	if repairs != 1 || out.RepairAttempts != 1 {
		t.Errorf("repairs = %d, attempts = %d", repairs, out.RepairAttempts)
	}
}

func TestValidateReplacesAfterBudget(t *testing.T) {
	v := New(nil, 2, nil, nil)
	repair := func(_ context.Context, draft string, issues []Issue) (string, error) {
		return "still no sources", nil
	}

	out := v.Validate(context.Background(), models.RouteSearch, "no sources", repair)
	if !out.Replaced || out.Reply != SafeRefusal {
		t.Errorf("outcome = %+v", out)
	}
	if out.RepairAttempts != 2 {
		t.Errorf("RepairAttempts = %d, want 2", out.RepairAttempts)
	}
}

func TestValidateRepairErrorReplacesImmediately(t *testing.T) {
	v := New(nil, 3, nil, nil)
	repair := func(context.Context, string, []Issue) (string, error) {
		return "", errors.New("repair model down")
	}
	out := v.Validate(context.Background(), models.RouteSearch, "no sources", repair)
	if !out.Replaced || out.RepairAttempts != 1 {
		t.Errorf("outcome = %+v", out)
	}
}

func TestValidateWarnDoesNotBlock(t *testing.T) {
	v := New(nil, 1, nil, nil)
	out := v.Validate(context.Background(), models.RouteCreative, "", nil)
	if out.Replaced || out.Reply != "" {
		t.Errorf("warn strictness must not block: %+v", out)
	}
	if len(out.Issues) != 1 || out.Issues[0].Check != CheckEmptyReply {
		t.Errorf("issues = %+v", out.Issues)
	}
}

func TestValidateOffRouteSkipsChecks(t *testing.T) {
	policies := DefaultPolicies()
	policies[models.RouteChat] = RoutePolicy{Strictness: StrictnessOff}
	v := New(policies, 1, nil, nil)

	out := v.Validate(context.Background(), models.RouteChat, "", nil)
	if len(out.Issues) != 0 || out.Replaced {
		t.Errorf("off strictness must skip checks: %+v", out)
	}
}

func TestParsePolicies(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{"override strictness", `{"search":{"strictness":"warn","checks":["empty_reply"]}}`, false},
		{"unknown route", `{"router":{"strictness":"warn"}}`, true},
		{"unknown strictness", `{"chat":{"strictness":"loose"}}`, true},
		{"unknown check", `{"chat":{"strictness":"warn","checks":["grammar"]}}`, true},
		{"malformed json", `{`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParsePolicies(tt.raw)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParsePolicies(%q) error = %v, wantErr %v", tt.raw, err, tt.wantErr)
			}
		})
	}
}

func TestParsePoliciesKeepsDefaultsForOtherRoutes(t *testing.T) {
	policies, err := ParsePolicies(`{"search":{"strictness":"off"}}`)
	if err != nil {
		t.Fatalf("ParsePolicies: %v", err)
	}
	if policies[models.RouteSearch].Strictness != StrictnessOff {
		t.Errorf("search strictness = %q, want off", policies[models.RouteSearch].Strictness)
	}
	if policies[models.RouteChat].Strictness != StrictnessEnforce {
		t.Errorf("chat strictness = %q, want default enforce", policies[models.RouteChat].Strictness)
	}

	v := New(policies, 1, nil, nil)
	out := v.Validate(context.Background(), models.RouteSearch, "no sources at all", nil)
	if out.Replaced || out.Reply != "no sources at all" {
		t.Errorf("off search policy must not block: %+v", out)
	}
}

func TestValidateWarnCountsWarnedOutcome(t *testing.T) {
	m := observability.NewMetrics(prometheus.NewRegistry())
	v := New(nil, 1, nil, m)

	v.Validate(context.Background(), models.RouteCreative, "", nil)

	if got := testutil.ToFloat64(m.ValidatorOutcomes.WithLabelValues("creative", "warned")); got != 1 {
		t.Errorf("warned outcomes = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ValidatorOutcomes.WithLabelValues("creative", "clean")); got != 0 {
		t.Errorf("clean outcomes = %v, want 0", got)
	}
}

func TestValidateNilRepairReplaces(t *testing.T) {
	v := New(nil, 2, nil, nil)
	out := v.Validate(context.Background(), models.RouteSearch, "no sources", nil)
	if !out.Replaced || out.Reply != SafeRefusal {
		t.Errorf("outcome = %+v", out)
	}
}

package tools

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BokX1/sage/internal/llm"
	"github.com/BokX1/sage/pkg/models"
)

// scriptedClient replays canned responses in order. The last response
// repeats once the script runs out.
type scriptedClient struct {
	responses []string
	calls     int
	requests  []*llm.ChatRequest
}

func (c *scriptedClient) Chat(_ context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	c.requests = append(c.requests, req)
	idx := c.calls
	if idx >= len(c.responses) {
		idx = len(c.responses) - 1
	}
	c.calls++
	return &llm.ChatResponse{Content: c.responses[idx]}, nil
}

func loopFixture(t *testing.T, client llm.Client, execCount *atomic.Int64) (*Loop, []Definition) {
	t.Helper()
	reg := NewRegistry()
	def := Definition{
		Name:        "web_search",
		Description: "searches the web",
		Risk:        RiskNetworkRead,
		Execute: func(_ context.Context, args json.RawMessage) (string, error) {
			if execCount != nil {
				execCount.Add(1)
			}
			return "results for " + string(args), nil
		},
	}
	if err := reg.Register(def); err != nil {
		t.Fatal(err)
	}
	slow := Definition{
		Name:        "web_scrape",
		Description: "fetches a page",
		Risk:        RiskNetworkRead,
		Execute: func(ctx context.Context, _ json.RawMessage) (string, error) {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(5 * time.Second):
				return "page", nil
			}
		},
	}
	if err := reg.Register(slow); err != nil {
		t.Fatal(err)
	}

	policy := MergePolicy(EnvDefaults(true, false, false, nil))
	loop := NewLoop(client, reg, policy, LoopConfig{
		MaxRounds:           3,
		MaxCallsPerRound:    4,
		ToolTimeout:         50 * time.Millisecond,
		ParallelReadOnly:    true,
		MaxParallelReadOnly: 4,
	}, nil, nil)
	return loop, reg.Definitions()
}

func userMsgs() []models.ChatMessage {
	return []models.ChatMessage{{Role: models.RoleUser, Content: "what is the latest go release?"}}
}

const searchEnvelope = `{"type":"tool_calls","calls":[{"name":"web_search","args":{"q":"go release"}}]}`

func TestLoopPlainReplyTerminates(t *testing.T) {
	client := &scriptedClient{responses: []string{"Go 1.24 is the latest release."}}
	loop, defs := loopFixture(t, client, nil)

	res, err := loop.Run(context.Background(), RunParams{Messages: userMsgs(), Model: "m", Advertised: defs})
	if err != nil {
		t.Fatal(err)
	}
	if res.ToolsExecuted {
		t.Error("ToolsExecuted should be false for a plain reply")
	}
	if res.ReplyText != "Go 1.24 is the latest release." {
		t.Errorf("ReplyText = %q", res.ReplyText)
	}
	if client.calls != 1 {
		t.Errorf("model calls = %d, want 1", client.calls)
	}
}

func TestLoopExecutesAndFinishes(t *testing.T) {
	var execs atomic.Int64
	client := &scriptedClient{responses: []string{
		searchEnvelope,
		"Go 1.24 shipped in February.",
	}}
	loop, defs := loopFixture(t, client, &execs)

	res, err := loop.Run(context.Background(), RunParams{Messages: userMsgs(), Model: "m", Advertised: defs})
	if err != nil {
		t.Fatal(err)
	}
	if !res.ToolsExecuted || res.RoundsCompleted != 1 {
		t.Errorf("ToolsExecuted=%v RoundsCompleted=%d", res.ToolsExecuted, res.RoundsCompleted)
	}
	if execs.Load() != 1 {
		t.Errorf("Execute invoked %d times, want 1", execs.Load())
	}
	if res.SuccessfulCalls != 1 || len(res.ToolResults) != 1 {
		t.Errorf("SuccessfulCalls=%d results=%d", res.SuccessfulCalls, len(res.ToolResults))
	}
	if res.ReplyText != "Go 1.24 shipped in February." {
		t.Errorf("ReplyText = %q", res.ReplyText)
	}
}

func TestLoopCacheDedupAcrossRounds(t *testing.T) {
	var execs atomic.Int64
	client := &scriptedClient{responses: []string{
		searchEnvelope,
		// The model repeats the identical call in the next round.
		searchEnvelope,
		"Final answer.",
	}}
	loop, defs := loopFixture(t, client, &execs)

	res, err := loop.Run(context.Background(), RunParams{Messages: userMsgs(), Model: "m", Advertised: defs})
	if err != nil {
		t.Fatal(err)
	}
	if execs.Load() != 1 {
		t.Errorf("Execute invoked %d times, want 1 (second call must hit cache)", execs.Load())
	}
	if res.DeduplicatedCallCount != 1 {
		t.Errorf("DeduplicatedCallCount = %d, want 1", res.DeduplicatedCallCount)
	}
	if len(res.ToolResults) != 2 || !res.ToolResults[1].Cached {
		t.Errorf("second result should be marked cached: %+v", res.ToolResults)
	}
	if res.RoundsCompleted != 2 {
		t.Errorf("RoundsCompleted = %d, want 2", res.RoundsCompleted)
	}
}

func TestLoopSameRoundDedup(t *testing.T) {
	var execs atomic.Int64
	client := &scriptedClient{responses: []string{
		`{"type":"tool_calls","calls":[` +
			`{"name":"web_search","args":{"q":"go release"}},` +
			`{"name":"web_search","args":{"q":"go release"}}]}`,
		"Done.",
	}}
	loop, defs := loopFixture(t, client, &execs)

	res, err := loop.Run(context.Background(), RunParams{Messages: userMsgs(), Model: "m", Advertised: defs})
	if err != nil {
		t.Fatal(err)
	}
	if execs.Load() != 1 {
		t.Errorf("Execute invoked %d times, want 1", execs.Load())
	}
	if res.DeduplicatedCallCount != 1 {
		t.Errorf("DeduplicatedCallCount = %d, want 1", res.DeduplicatedCallCount)
	}
}

func TestLoopTruncatesExcessCalls(t *testing.T) {
	var execs atomic.Int64
	client := &scriptedClient{responses: []string{
		`{"type":"tool_calls","calls":[` +
			`{"name":"web_search","args":{"q":"a"}},` +
			`{"name":"web_search","args":{"q":"b"}}]}`,
		"Done.",
	}}
	loop, defs := loopFixture(t, client, &execs)
	loop.cfg.MaxCallsPerRound = 1

	res, err := loop.Run(context.Background(), RunParams{Messages: userMsgs(), Model: "m", Advertised: defs})
	if err != nil {
		t.Fatal(err)
	}
	if execs.Load() != 1 {
		t.Errorf("Execute invoked %d times, want 1", execs.Load())
	}
	truncated := 0
	for _, d := range res.PolicyDecisions {
		if d.Code == DecisionTruncated {
			truncated++
		}
	}
	if truncated != 1 {
		t.Errorf("truncation decisions = %d, want 1", truncated)
	}
}

func TestLoopCorrectiveRetryOnce(t *testing.T) {
	client := &scriptedClient{responses: []string{
		// Near-envelope: looks like one but fails to parse.
		`{"type":"tool_calls","calls":[{"name":"web_search",]}`,
		searchEnvelope,
		"Fixed answer.",
	}}
	var execs atomic.Int64
	loop, defs := loopFixture(t, client, &execs)

	res, err := loop.Run(context.Background(), RunParams{Messages: userMsgs(), Model: "m", Advertised: defs})
	if err != nil {
		t.Fatal(err)
	}
	if !res.ToolsExecuted || execs.Load() != 1 {
		t.Errorf("corrective retry should recover the envelope: executed=%v execs=%d", res.ToolsExecuted, execs.Load())
	}
	if res.ReplyText != "Fixed answer." {
		t.Errorf("ReplyText = %q", res.ReplyText)
	}
}

func TestLoopCorrectiveRetryNotRepeated(t *testing.T) {
	// Two consecutive near-envelopes: the second one is returned as the
	// reply because the retry budget is one.
	client := &scriptedClient{responses: []string{
		`{"type":"tool_calls","calls":[{"name":"web_search",]}`,
		`{"type":"tool_calls","calls":[{"name":"web_search",]}`,
	}}
	loop, defs := loopFixture(t, client, nil)

	res, err := loop.Run(context.Background(), RunParams{Messages: userMsgs(), Model: "m", Advertised: defs})
	if err != nil {
		t.Fatal(err)
	}
	if res.ToolsExecuted {
		t.Error("nothing should have executed")
	}
	if client.calls != 2 {
		t.Errorf("model calls = %d, want 2", client.calls)
	}
}

func TestLoopFinalizationFallback(t *testing.T) {
	// The model emits envelopes forever, including on the finalization call.
	client := &scriptedClient{responses: []string{searchEnvelope}}
	var execs atomic.Int64
	loop, defs := loopFixture(t, client, &execs)

	res, err := loop.Run(context.Background(), RunParams{Messages: userMsgs(), Model: "m", Advertised: defs})
	if err != nil {
		t.Fatal(err)
	}
	if res.RoundsCompleted != loop.cfg.MaxRounds {
		t.Errorf("RoundsCompleted = %d, want %d", res.RoundsCompleted, loop.cfg.MaxRounds)
	}
	if res.ReplyText != FinalizationFallback {
		t.Errorf("ReplyText = %q, want finalization fallback", res.ReplyText)
	}
	// Finalization call advertises no tools.
	last := client.requests[len(client.requests)-1]
	if len(last.Tools) != 0 {
		t.Errorf("finalization call advertised %d tools", len(last.Tools))
	}
}

func TestLoopFinalizationRecovers(t *testing.T) {
	client := &scriptedClient{responses: []string{
		searchEnvelope, searchEnvelope, searchEnvelope, searchEnvelope,
		"Plain text at last.",
	}}
	loop, defs := loopFixture(t, client, nil)

	res, err := loop.Run(context.Background(), RunParams{Messages: userMsgs(), Model: "m", Advertised: defs})
	if err != nil {
		t.Fatal(err)
	}
	if res.ReplyText != "Plain text at last." {
		t.Errorf("ReplyText = %q", res.ReplyText)
	}
	// The finalization call carries no tool catalog in its system turn.
	last := client.requests[len(client.requests)-1]
	for _, m := range last.Messages {
		if m.Role == models.RoleSystem && strings.Contains(m.Content, "Available tools") {
			t.Errorf("finalization call still advertised the tool catalog: %q", m.Content)
		}
	}
}

func TestLoopRendersToolCatalog(t *testing.T) {
	client := &scriptedClient{responses: []string{"Plain answer."}}
	loop, defs := loopFixture(t, client, nil)

	msgs := append([]models.ChatMessage{{Role: models.RoleSystem, Content: "Be terse."}}, userMsgs()...)
	if _, err := loop.Run(context.Background(), RunParams{Messages: msgs, Model: "m", Advertised: defs}); err != nil {
		t.Fatal(err)
	}

	first := client.requests[0]
	if first.Messages[0].Role != models.RoleSystem {
		t.Fatalf("first message role = %q, want system", first.Messages[0].Role)
	}
	sys := first.Messages[0].Content
	if !strings.HasPrefix(sys, "Be terse.") {
		t.Errorf("caller system prompt not preserved:\n%s", sys)
	}
	for _, want := range []string{`"type":"tool_calls"`, "web_search", "web_scrape"} {
		if !strings.Contains(sys, want) {
			t.Errorf("system turn missing %q:\n%s", want, sys)
		}
	}
}

func TestLoopPolicyDenial(t *testing.T) {
	var execs atomic.Int64
	client := &scriptedClient{responses: []string{
		`{"type":"tool_calls","calls":[{"name":"send_email","args":{"to":"x"}}]}`,
		"Understood, I cannot send email.",
	}}
	loop, defs := loopFixture(t, client, &execs)

	res, err := loop.Run(context.Background(), RunParams{Messages: userMsgs(), Model: "m", Advertised: defs})
	if err != nil {
		t.Fatal(err)
	}
	if execs.Load() != 0 {
		t.Error("denied call must not execute anything")
	}
	if len(res.ToolResults) != 1 || !res.ToolResults[0].IsError {
		t.Fatalf("denied call should yield a failed result: %+v", res.ToolResults)
	}
	// Unknown tool defaults to benign, so the failure comes from validation,
	// not the class gate; a registered mutating tool is gated by class.
	if res.SuccessfulCalls != 0 {
		t.Errorf("SuccessfulCalls = %d, want 0", res.SuccessfulCalls)
	}
}

func TestLoopToolTimeout(t *testing.T) {
	client := &scriptedClient{responses: []string{
		`{"type":"tool_calls","calls":[{"name":"web_scrape","args":{"url":"https://example.com"}}]}`,
		"It timed out.",
	}}
	loop, defs := loopFixture(t, client, nil)

	res, err := loop.Run(context.Background(), RunParams{Messages: userMsgs(), Model: "m", Advertised: defs})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.ToolResults) != 1 || !res.ToolResults[0].IsError {
		t.Fatalf("timed out call should yield an error result: %+v", res.ToolResults)
	}
	if res.ToolResults[0].Error != "timeout after 50ms" {
		t.Errorf("Error = %q", res.ToolResults[0].Error)
	}
	if res.SuccessfulCalls != 0 {
		t.Errorf("SuccessfulCalls = %d", res.SuccessfulCalls)
	}
}

func TestLoopInitialAssistantText(t *testing.T) {
	client := &scriptedClient{responses: []string{"Second call."}}
	loop, defs := loopFixture(t, client, nil)

	res, err := loop.Run(context.Background(), RunParams{
		Messages:             userMsgs(),
		Model:                "m",
		Advertised:           defs,
		InitialAssistantText: "Already answered.",
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.ReplyText != "Already answered." {
		t.Errorf("ReplyText = %q", res.ReplyText)
	}
	if client.calls != 0 {
		t.Errorf("model calls = %d, want 0", client.calls)
	}
}

func TestLoopModelError(t *testing.T) {
	loop, defs := loopFixture(t, failingClient{}, nil)
	_, err := loop.Run(context.Background(), RunParams{Messages: userMsgs(), Model: "m", Advertised: defs})
	if err == nil {
		t.Fatal("expected model error to propagate")
	}
}

type failingClient struct{}

func (failingClient) Chat(context.Context, *llm.ChatRequest) (*llm.ChatResponse, error) {
	return nil, errors.New("upstream unavailable")
}

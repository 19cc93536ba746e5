package canary

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/BokX1/sage/internal/config"
	"github.com/BokX1/sage/internal/observability"
)

func testConfig() config.CanaryConfig {
	return config.CanaryConfig{
		Enabled:        true,
		RolloutPercent: 100,
		RouteAllowlist: []string{"chat", "coding", "search"},
		MaxFailureRate: 0.3,
		MinSamples:     10,
		Cooldown:       5 * time.Minute,
		WindowSize:     50,
	}
}

func newTestController(store Store) *Controller {
	return NewController(store, observability.NewNopLogger(), nil)
}

func TestEvaluateDisabledAllows(t *testing.T) {
	c := newTestController(nil)
	cfg := testConfig()
	cfg.Enabled = false

	d := c.Evaluate(context.Background(), "t1", "chat", "g1", cfg)
	if !d.AllowAgentic || d.Reason != ReasonDisabled {
		t.Errorf("decision = %+v, want allow/disabled", d)
	}
}

func TestEvaluateRouteNotAllowlisted(t *testing.T) {
	c := newTestController(nil)

	d := c.Evaluate(context.Background(), "t1", "creative", "g1", testConfig())
	if d.AllowAgentic || d.Reason != ReasonRouteNotAllowlisted {
		t.Errorf("decision = %+v, want deny/route_not_allowlisted", d)
	}
}

func TestEvaluateRolloutSampling(t *testing.T) {
	c := newTestController(nil)
	cfg := testConfig()
	cfg.RolloutPercent = 0

	d := c.Evaluate(context.Background(), "t1", "chat", "g1", cfg)
	if d.AllowAgentic || d.Reason != ReasonOutOfRolloutSample {
		t.Errorf("decision = %+v, want deny/out_of_rollout_sample", d)
	}
	if !d.HasSample {
		t.Error("expected sample percent on rollout denial")
	}
}

func TestSamplePercentDeterministic(t *testing.T) {
	a := SamplePercent("g1", "chat", "t1")
	b := SamplePercent("g1", "chat", "t1")
	if a != b {
		t.Errorf("SamplePercent not deterministic: %v vs %v", a, b)
	}
	if a < 0 || a >= 100 {
		t.Errorf("SamplePercent out of range: %v", a)
	}
}

func TestFailureBudgetTripsCooldown(t *testing.T) {
	c := newTestController(nil)
	cfg := testConfig()
	now := time.UnixMilli(1_000_000)
	c.now = func() time.Time { return now }
	ctx := context.Background()

	// 4 failures in 10 outcomes: 0.4 > 0.3
	for i := 0; i < 6; i++ {
		c.Record(ctx, true, nil, cfg)
	}
	for i := 0; i < 4; i++ {
		c.Record(ctx, false, []string{OutcomeToolLoopFailed}, cfg)
	}

	d := c.Evaluate(ctx, "t1", "chat", "g1", cfg)
	if d.AllowAgentic || d.Reason != ReasonErrorBudgetCooldown {
		t.Fatalf("decision = %+v, want deny/error_budget_cooldown", d)
	}

	// Admission resumes after the cooldown elapses.
	now = now.Add(cfg.Cooldown + time.Millisecond)
	d = c.Evaluate(ctx, "t1", "chat", "g1", cfg)
	if !d.AllowAgentic {
		t.Errorf("decision after cooldown = %+v, want allow", d)
	}
}

func TestWindowCapped(t *testing.T) {
	c := newTestController(nil)
	cfg := testConfig()
	cfg.WindowSize = 5
	cfg.MinSamples = 100 // never trip
	ctx := context.Background()

	for i := 0; i < 12; i++ {
		c.Record(ctx, true, nil, cfg)
	}
	snap := c.Snapshot(ctx, cfg)
	if snap.Total != 5 {
		t.Errorf("window total = %d, want 5", snap.Total)
	}
}

func TestSnapshotCounts(t *testing.T) {
	c := newTestController(NewMemoryStore())
	cfg := testConfig()
	ctx := context.Background()

	c.Record(ctx, true, nil, cfg)
	c.Record(ctx, false, []string{OutcomeHardGateUnmet}, cfg)
	c.Record(ctx, false, []string{OutcomeHardGateUnmet, OutcomeGraphFailedTasks}, cfg)

	snap := c.Snapshot(ctx, cfg)
	if snap.Total != 3 || snap.Failures != 2 {
		t.Errorf("snapshot = %+v, want total 3 failures 2", snap)
	}
	if snap.ReasonCounts[OutcomeHardGateUnmet] != 2 {
		t.Errorf("hard_gate_unmet count = %d, want 2", snap.ReasonCounts[OutcomeHardGateUnmet])
	}
	if snap.LatestOutcome == nil || snap.LatestOutcome.Success {
		t.Errorf("latest outcome = %+v, want failure", snap.LatestOutcome)
	}
	if snap.PersistenceMode != "persisted" {
		t.Errorf("persistence mode = %q, want persisted", snap.PersistenceMode)
	}
}

func TestSnapshotReportsThresholds(t *testing.T) {
	c := newTestController(nil)
	cfg := testConfig()
	cfg.WindowSize = 25
	cfg.MinSamples = 4
	cfg.MaxFailureRate = 0.5
	cfg.RolloutPercent = 42

	snap := c.Snapshot(context.Background(), cfg)
	if snap.WindowSize != 25 || snap.MinSamples != 4 {
		t.Errorf("snapshot window thresholds = %d/%d, want 25/4", snap.WindowSize, snap.MinSamples)
	}
	if snap.MaxFailureRate != 0.5 || snap.RolloutPercent != 42 {
		t.Errorf("snapshot rates = %v/%v, want 0.5/42", snap.MaxFailureRate, snap.RolloutPercent)
	}
}

type failingStore struct {
	reads, writes int
}

func (f *failingStore) Read(context.Context) (*State, error) {
	f.reads++
	return nil, errors.New("store down")
}
func (f *failingStore) Write(context.Context, *State) error {
	f.writes++
	return errors.New("store down")
}
func (f *failingStore) Clear(context.Context) error { return errors.New("store down") }

func TestHydrationFailureDegrades(t *testing.T) {
	store := &failingStore{}
	c := newTestController(store)
	cfg := testConfig()
	ctx := context.Background()

	// Hydration fails: empty window, degraded mode, never retried.
	d := c.Evaluate(ctx, "t1", "chat", "g1", cfg)
	if !d.AllowAgentic {
		t.Errorf("decision = %+v, want allow with empty window", d)
	}
	c.Record(ctx, true, nil, cfg)
	c.Record(ctx, true, nil, cfg)

	if store.reads != 1 {
		t.Errorf("store reads = %d, want exactly 1", store.reads)
	}
	if store.writes != 0 {
		t.Errorf("store writes = %d, want 0 after degradation", store.writes)
	}
	snap := c.Snapshot(ctx, cfg)
	if snap.PersistenceMode != "memory" {
		t.Errorf("persistence mode = %q, want memory", snap.PersistenceMode)
	}
}

func TestStatePersistsAcrossControllers(t *testing.T) {
	store := NewMemoryStore()
	cfg := testConfig()
	ctx := context.Background()

	first := newTestController(store)
	first.Record(ctx, false, []string{OutcomeToolLoopFailed}, cfg)

	second := newTestController(store)
	snap := second.Snapshot(ctx, cfg)
	if snap.Total != 1 || snap.Failures != 1 {
		t.Errorf("rehydrated snapshot = %+v, want total 1 failures 1", snap)
	}
}

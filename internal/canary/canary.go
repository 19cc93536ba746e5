// Package canary implements the admission controller gating the agentic
// pipeline: deterministic rollout sampling plus a rolling failure budget
// with persisted state and a cooldown circuit breaker.
package canary

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/BokX1/sage/internal/config"
	"github.com/BokX1/sage/internal/observability"
)

// Admission decision reasons.
const (
	ReasonDisabled            = "disabled"
	ReasonRouteNotAllowlisted = "route_not_allowlisted"
	ReasonOutOfRolloutSample  = "out_of_rollout_sample"
	ReasonErrorBudgetCooldown = "error_budget_cooldown"
	ReasonAllowed             = "allowed"
)

// Outcome reason codes recorded against the failure window.
const (
	OutcomeGraphFailedTasks = "graph_failed_tasks"
	OutcomeHardGateUnmet    = "hard_gate_unmet"
	OutcomeToolLoopFailed   = "tool_loop_failed"
)

// Outcome is one recorded turn result.
type Outcome struct {
	Success      bool     `json:"success"`
	ReasonCodes  []string `json:"reason_codes,omitempty"`
	RecordedAtMs int64    `json:"recorded_at_ms"`
}

// State is the persisted controller state: a rolling outcome window capped
// at the configured size, plus the active cooldown deadline.
type State struct {
	Window          []Outcome `json:"window"`
	CooldownUntilMs int64     `json:"cooldown_until_ms"`
}

// Decision is the result of one admission evaluation.
type Decision struct {
	AllowAgentic  bool
	Reason        string
	SamplePercent float64
	HasSample     bool
}

// Snapshot reports controller state for diagnostics, alongside the
// configured budget thresholds the window is judged against.
type Snapshot struct {
	Total           int            `json:"total"`
	Failures        int            `json:"failures"`
	FailureRate     float64        `json:"failure_rate"`
	CooldownUntilMs int64          `json:"cooldown_until_ms"`
	ReasonCounts    map[string]int `json:"reason_counts"`
	LatestOutcome   *Outcome       `json:"latest_outcome,omitempty"`
	PersistenceMode string         `json:"persistence_mode"`
	WindowSize      int            `json:"window_size"`
	MinSamples      int            `json:"min_samples"`
	MaxFailureRate  float64        `json:"max_failure_rate"`
	RolloutPercent  float64        `json:"rollout_percent"`
}

// Controller is the process-global admission controller. All methods are
// safe for concurrent use; mutations serialize through an internal mutex.
type Controller struct {
	mu      sync.Mutex
	store   Store
	log     *observability.Logger
	metrics *observability.Metrics
	now     func() time.Time

	state    State
	hydrated bool
	degraded bool
}

// NewController creates a controller backed by the given store. A nil store
// runs in-memory from the start.
func NewController(store Store, log *observability.Logger, metrics *observability.Metrics) *Controller {
	if log == nil {
		log = observability.NewNopLogger()
	}
	return &Controller{store: store, log: log, metrics: metrics, now: time.Now}
}

// Evaluate decides whether this turn may enter the agentic pipeline.
//
// Order: disabled → allow unconditionally; route not allowlisted → deny;
// active cooldown → deny; deterministic sample above rollout percent →
// deny; otherwise allow.
func (c *Controller) Evaluate(ctx context.Context, traceID, route, guildID string, cfg config.CanaryConfig) Decision {
	d := c.evaluate(ctx, traceID, route, guildID, cfg)
	if c.metrics != nil {
		c.metrics.CanaryDecisions.WithLabelValues(d.Reason).Inc()
	}
	return d
}

func (c *Controller) evaluate(ctx context.Context, traceID, route, guildID string, cfg config.CanaryConfig) Decision {
	if !cfg.Enabled {
		return Decision{AllowAgentic: true, Reason: ReasonDisabled}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.hydrateLocked(ctx)

	if !routeAllowed(route, cfg.RouteAllowlist) {
		return Decision{Reason: ReasonRouteNotAllowlisted}
	}
	if c.state.CooldownUntilMs > 0 && c.now().UnixMilli() < c.state.CooldownUntilMs {
		return Decision{Reason: ReasonErrorBudgetCooldown}
	}
	if s := SamplePercent(guildID, route, traceID); s >= cfg.RolloutPercent {
		return Decision{Reason: ReasonOutOfRolloutSample, SamplePercent: s, HasSample: true}
	}
	return Decision{AllowAgentic: true, Reason: ReasonAllowed}
}

// Record appends one turn outcome to the rolling window, trips the cooldown
// when the failure budget is exceeded, and persists best-effort.
func (c *Controller) Record(ctx context.Context, success bool, reasonCodes []string, cfg config.CanaryConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hydrateLocked(ctx)

	now := c.now()
	c.state.Window = append(c.state.Window, Outcome{
		Success:      success,
		ReasonCodes:  reasonCodes,
		RecordedAtMs: now.UnixMilli(),
	})
	if over := len(c.state.Window) - cfg.WindowSize; over > 0 {
		c.state.Window = append([]Outcome(nil), c.state.Window[over:]...)
	}

	if len(c.state.Window) >= cfg.MinSamples && cfg.MinSamples > 0 {
		failures := 0
		for _, o := range c.state.Window {
			if !o.Success {
				failures++
			}
		}
		rate := float64(failures) / float64(len(c.state.Window))
		if rate > cfg.MaxFailureRate {
			until := now.Add(cfg.Cooldown).UnixMilli()
			if until > c.state.CooldownUntilMs {
				c.state.CooldownUntilMs = until
				c.log.Warn(ctx, "canary failure budget exceeded, cooling down",
					"failure_rate", rate, "window", len(c.state.Window), "cooldown_until_ms", until)
			}
		}
	}

	c.persistLocked(ctx)
}

// Snapshot reports the current window totals, persistence mode, and the
// thresholds from cfg.
func (c *Controller) Snapshot(ctx context.Context, cfg config.CanaryConfig) Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hydrateLocked(ctx)

	snap := Snapshot{
		Total:           len(c.state.Window),
		CooldownUntilMs: c.state.CooldownUntilMs,
		ReasonCounts:    make(map[string]int),
		PersistenceMode: "persisted",
		WindowSize:      cfg.WindowSize,
		MinSamples:      cfg.MinSamples,
		MaxFailureRate:  cfg.MaxFailureRate,
		RolloutPercent:  cfg.RolloutPercent,
	}
	if c.store == nil || c.degraded {
		snap.PersistenceMode = "memory"
	}
	for _, o := range c.state.Window {
		if !o.Success {
			snap.Failures++
		}
		for _, code := range o.ReasonCodes {
			snap.ReasonCounts[code]++
		}
	}
	if snap.Total > 0 {
		snap.FailureRate = float64(snap.Failures) / float64(snap.Total)
		latest := c.state.Window[snap.Total-1]
		snap.LatestOutcome = &latest
	}
	return snap
}

// hydrateLocked loads persisted state on first use. A read failure degrades
// the controller to in-memory mode with an empty window for the remainder
// of the process lifetime; it never manufactures a cooldown.
func (c *Controller) hydrateLocked(ctx context.Context) {
	if c.hydrated {
		return
	}
	c.hydrated = true
	if c.store == nil {
		return
	}
	state, err := c.store.Read(ctx)
	if err != nil {
		c.degraded = true
		c.log.Warn(ctx, "canary state store unavailable, degrading to in-memory", "error", err)
		return
	}
	if state != nil {
		c.state = *state
	}
}

// persistLocked writes state back. The first failure degrades to in-memory
// mode; the store is not retried afterwards.
func (c *Controller) persistLocked(ctx context.Context) {
	if c.store == nil || c.degraded {
		return
	}
	if err := c.store.Write(ctx, &c.state); err != nil {
		c.degraded = true
		c.log.Warn(ctx, "canary state write failed, degrading to in-memory", "error", err)
	}
}

// SamplePercent deterministically maps (guild, route, trace) to [0, 100).
// FNV-1a over "guild|route|traceId", mod 10000, scaled to a percent with
// two decimal places.
func SamplePercent(guildID, route, traceID string) float64 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(guildID + "|" + route + "|" + traceID))
	return float64(h.Sum32()%10000) / 100
}

func routeAllowed(route string, allowlist []string) bool {
	for _, r := range allowlist {
		if r == route {
			return true
		}
	}
	return false
}

package runtime

import (
	"context"

	"github.com/BokX1/sage/internal/trace"
)

// ReplayReport aggregates recent persisted turn outcomes.
type ReplayReport struct {
	Total        int            `json:"total"`
	Successes    int            `json:"successes"`
	Failures     int            `json:"failures"`
	FailureRate  float64        `json:"failureRate"`
	ReasonCounts map[string]int `json:"reasonCounts"`
	ByRoute      map[string]int `json:"byRoute"`
}

// EvaluateRecentTraceOutcomes replays persisted traces into an aggregate
// report, optionally filtered by guild.
func EvaluateRecentTraceOutcomes(ctx context.Context, repo trace.Repo, limit int, guildID string) (*ReplayReport, error) {
	recs, err := repo.ListRecentTraces(ctx, limit)
	if err != nil {
		return nil, NewError(KindPersistence, "list recent traces", err)
	}

	report := &ReplayReport{
		ReasonCounts: make(map[string]int),
		ByRoute:      make(map[string]int),
	}
	for _, rec := range recs {
		if guildID != "" && rec.GuildID != guildID {
			continue
		}
		report.Total++
		report.ByRoute[rec.Route]++
		if rec.Success {
			report.Successes++
			continue
		}
		report.Failures++
		for _, code := range rec.ReasonCodes {
			report.ReasonCounts[code]++
		}
	}
	if report.Total > 0 {
		report.FailureRate = float64(report.Failures) / float64(report.Total)
	}
	return report, nil
}

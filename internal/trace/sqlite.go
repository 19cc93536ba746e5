package trace

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

const schema = `
CREATE TABLE IF NOT EXISTS traces (
	trace_id TEXT PRIMARY KEY,
	guild_id TEXT NOT NULL DEFAULT '',
	route TEXT NOT NULL DEFAULT '',
	model TEXT NOT NULL DEFAULT '',
	graph_json TEXT NOT NULL DEFAULT '',
	reply_text TEXT NOT NULL DEFAULT '',
	success INTEGER NOT NULL DEFAULT 0,
	reason_codes_json TEXT NOT NULL DEFAULT '[]',
	budget_json TEXT NOT NULL DEFAULT '',
	quality_json TEXT NOT NULL DEFAULT '',
	started_at INTEGER NOT NULL DEFAULT 0,
	ended_at INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS agent_runs (
	trace_id TEXT NOT NULL,
	node_id TEXT NOT NULL,
	agent TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT '',
	attempts INTEGER NOT NULL DEFAULT 0,
	error TEXT NOT NULL DEFAULT '',
	duration_ms INTEGER NOT NULL DEFAULT 0,
	seq INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (trace_id, node_id)
);
CREATE INDEX IF NOT EXISTS idx_traces_started_at ON traces(started_at DESC);
`

// SQLiteRepo persists traces in SQLite.
type SQLiteRepo struct {
	db *sql.DB
}

// NewSQLiteRepo opens (or creates) the trace tables at path.
func NewSQLiteRepo(path string) (*SQLiteRepo, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open trace store: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create trace tables: %w", err)
	}
	return &SQLiteRepo{db: db}, nil
}

// NewSQLiteRepoFromDB wraps an existing handle; the caller keeps ownership.
func NewSQLiteRepoFromDB(db *sql.DB) (*SQLiteRepo, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("create trace tables: %w", err)
	}
	return &SQLiteRepo{db: db}, nil
}

func (r *SQLiteRepo) UpsertTraceStart(ctx context.Context, start Start) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO traces (trace_id, guild_id, route, model, graph_json, started_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(trace_id) DO UPDATE SET
			guild_id = excluded.guild_id,
			route = excluded.route,
			model = excluded.model,
			graph_json = excluded.graph_json,
			started_at = excluded.started_at`,
		start.TraceID, start.GuildID, start.Route, start.Model, start.GraphJSON,
		start.StartedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert trace start: %w", err)
	}
	return nil
}

func (r *SQLiteRepo) ReplaceAgentRuns(ctx context.Context, traceID string, runs []AgentRun) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin agent runs tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM agent_runs WHERE trace_id = ?`, traceID); err != nil {
		return fmt.Errorf("clear agent runs: %w", err)
	}
	for i, run := range runs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO agent_runs (trace_id, node_id, agent, status, attempts, error, duration_ms, seq)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			traceID, run.NodeID, run.Agent, run.Status, run.Attempts, run.Error, run.DurationMs, i); err != nil {
			return fmt.Errorf("insert agent run: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit agent runs: %w", err)
	}
	return nil
}

func (r *SQLiteRepo) UpdateTraceEnd(ctx context.Context, end End) error {
	codes := end.ReasonCodes
	if codes == nil {
		codes = []string{}
	}
	codesJSON, err := json.Marshal(codes)
	if err != nil {
		return fmt.Errorf("encode reason codes: %w", err)
	}
	success := 0
	if end.Success {
		success = 1
	}
	_, err = r.db.ExecContext(ctx, `
		UPDATE traces SET
			reply_text = ?,
			success = ?,
			reason_codes_json = ?,
			budget_json = ?,
			quality_json = ?,
			ended_at = ?
		WHERE trace_id = ?`,
		end.ReplyText, success, string(codesJSON), end.BudgetJSON, end.QualityJSON,
		end.EndedAt.UnixMilli(), end.TraceID)
	if err != nil {
		return fmt.Errorf("update trace end: %w", err)
	}
	return nil
}

func (r *SQLiteRepo) ListRecentTraces(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT trace_id, guild_id, route, model, graph_json, reply_text,
		       success, reason_codes_json, budget_json, quality_json,
		       started_at, ended_at
		FROM traces
		ORDER BY started_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list traces: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var success int
		var codesJSON string
		var startedAt, endedAt int64
		if err := rows.Scan(&rec.TraceID, &rec.GuildID, &rec.Route, &rec.Model,
			&rec.GraphJSON, &rec.ReplyText, &success, &codesJSON,
			&rec.BudgetJSON, &rec.QualityJSON, &startedAt, &endedAt); err != nil {
			return nil, fmt.Errorf("scan trace: %w", err)
		}
		rec.Success = success != 0
		if err := json.Unmarshal([]byte(codesJSON), &rec.ReasonCodes); err != nil {
			return nil, fmt.Errorf("decode reason codes: %w", err)
		}
		rec.StartedAt = time.UnixMilli(startedAt)
		if endedAt > 0 {
			rec.EndedAt = time.UnixMilli(endedAt)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *SQLiteRepo) AgentRunsForTrace(ctx context.Context, traceID string) ([]AgentRun, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT node_id, agent, status, attempts, error, duration_ms
		FROM agent_runs WHERE trace_id = ? ORDER BY seq`, traceID)
	if err != nil {
		return nil, fmt.Errorf("list agent runs: %w", err)
	}
	defer rows.Close()

	var out []AgentRun
	for rows.Next() {
		run := AgentRun{TraceID: traceID}
		if err := rows.Scan(&run.NodeID, &run.Agent, &run.Status, &run.Attempts,
			&run.Error, &run.DurationMs); err != nil {
			return nil, fmt.Errorf("scan agent run: %w", err)
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// Close closes the underlying handle.
func (r *SQLiteRepo) Close() error {
	return r.db.Close()
}

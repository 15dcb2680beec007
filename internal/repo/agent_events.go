package repo

import (
	"context"
	"database/sql"

	"conductor/internal/domain"
)

// AppendAgentEvent writes the next event for a run, allocating the per-run
// sequence number inside the transaction, and returns the stored event.
func (r Repo) AppendAgentEvent(ctx context.Context, ev domain.AgentEvent) (domain.AgentEvent, error) {
	if ev.CreatedAt == "" {
		ev.CreatedAt = nowUTC()
	}
	err := withRetry(ctx, func() error {
		tx, err := r.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		var last sql.NullInt64
		if err := tx.QueryRowContext(ctx, `SELECT MAX(seq_per_run) FROM agent_events WHERE agent_run_id=?`, ev.AgentRunID).Scan(&last); err != nil {
			return err
		}
		ev.Seq = last.Int64 + 1
		if _, err := tx.ExecContext(ctx, `INSERT INTO agent_events(agent_run_id,seq_per_run,kind,tool_name,summary,raw_json,cost_delta_usd,created_at) VALUES (?,?,?,?,?,?,?,?)`,
			ev.AgentRunID, ev.Seq, ev.Kind, nullableStringPtr(ev.ToolName), ev.Summary, nullableStringPtr(ev.RawJSON), nullableFloatPtr(ev.CostDeltaUSD), ev.CreatedAt); err != nil {
			return err
		}
		return tx.Commit()
	})
	return ev, err
}

func (r Repo) ListAgentEvents(ctx context.Context, agentRunID string) ([]domain.AgentEvent, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT agent_run_id,seq_per_run,kind,tool_name,summary,raw_json,cost_delta_usd,created_at FROM agent_events WHERE agent_run_id=? ORDER BY seq_per_run`, agentRunID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AgentEvent
	for rows.Next() {
		var ev domain.AgentEvent
		var tool, raw sql.NullString
		var delta sql.NullFloat64
		if err := rows.Scan(&ev.AgentRunID, &ev.Seq, &ev.Kind, &tool, &ev.Summary, &raw, &delta, &ev.CreatedAt); err != nil {
			return nil, err
		}
		if tool.Valid {
			ev.ToolName = &tool.String
		}
		if raw.Valid {
			ev.RawJSON = &raw.String
		}
		if delta.Valid {
			ev.CostDeltaUSD = &delta.Float64
		}
		res = append(res, ev)
	}
	return res, rows.Err()
}

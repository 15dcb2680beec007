package repo

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"conductor/internal/domain"
)

const runCols = `id,task_id,goal_id,session_id,worktree_path,branch,status,fail_kind,model,cost_usd,input_tokens,output_tokens,max_budget_usd,started_at,last_activity_at,finished_at`

// InsertAgentRun records a new run, enforcing that any previous run for the
// task is already terminal.
func (r Repo) InsertAgentRun(ctx context.Context, run domain.AgentRun) error {
	return withRetry(ctx, func() error {
		tx, err := r.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		var live int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM agent_runs WHERE task_id=? AND status NOT IN ('done','failed','killed')`,
			run.TaskID).Scan(&live); err != nil {
			return err
		}
		if live > 0 {
			return fmt.Errorf("task %s already has a non-terminal agent run", run.TaskID)
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO agent_runs(id,task_id,goal_id,session_id,worktree_path,branch,status,fail_kind,model,cost_usd,input_tokens,output_tokens,max_budget_usd,started_at,last_activity_at,finished_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			run.ID, run.TaskID, run.GoalID, nullableStringPtr(run.SessionID), nullableStringPtr(run.WorktreePath), nullableStringPtr(run.Branch),
			run.Status, nullableStringPtr(run.FailKind), run.Model, run.CostUSD, run.InputTokens, run.OutputTokens,
			nullableFloatPtr(run.MaxBudgetUSD), run.StartedAt, nullableStringPtr(run.LastActivityAt), nullableStringPtr(run.FinishedAt))
		if err != nil {
			return err
		}
		return tx.Commit()
	})
}

func scanAgentRun(scan func(...any) error) (domain.AgentRun, error) {
	var run domain.AgentRun
	var sessionID, worktree, branch, failKind, lastActivity, finished sql.NullString
	var budget sql.NullFloat64
	err := scan(&run.ID, &run.TaskID, &run.GoalID, &sessionID, &worktree, &branch, &run.Status, &failKind,
		&run.Model, &run.CostUSD, &run.InputTokens, &run.OutputTokens, &budget, &run.StartedAt, &lastActivity, &finished)
	if err == sql.ErrNoRows {
		return run, ErrNotFound
	}
	if err != nil {
		return run, err
	}
	if sessionID.Valid {
		run.SessionID = &sessionID.String
	}
	if worktree.Valid {
		run.WorktreePath = &worktree.String
	}
	if branch.Valid {
		run.Branch = &branch.String
	}
	if failKind.Valid {
		run.FailKind = &failKind.String
	}
	if budget.Valid {
		run.MaxBudgetUSD = &budget.Float64
	}
	if lastActivity.Valid {
		run.LastActivityAt = &lastActivity.String
	}
	if finished.Valid {
		run.FinishedAt = &finished.String
	}
	return run, nil
}

func (r Repo) GetAgentRun(ctx context.Context, id string) (domain.AgentRun, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+runCols+` FROM agent_runs WHERE id=?`, id)
	return scanAgentRun(row.Scan)
}

func (r Repo) queryAgentRuns(ctx context.Context, query string, args ...any) ([]domain.AgentRun, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AgentRun
	for rows.Next() {
		run, err := scanAgentRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, run)
	}
	return res, rows.Err()
}

func (r Repo) ListAgentRuns(ctx context.Context) ([]domain.AgentRun, error) {
	return r.queryAgentRuns(ctx, `SELECT `+runCols+` FROM agent_runs ORDER BY started_at DESC, id DESC`)
}

func (r Repo) ListAgentRunsByGoal(ctx context.Context, goalID string) ([]domain.AgentRun, error) {
	return r.queryAgentRuns(ctx, `SELECT `+runCols+` FROM agent_runs WHERE goal_id=? ORDER BY started_at DESC, id DESC`, goalID)
}

// ListLiveAgentRuns returns runs in a non-terminal status.
func (r Repo) ListLiveAgentRuns(ctx context.Context) ([]domain.AgentRun, error) {
	return r.queryAgentRuns(ctx, `SELECT `+runCols+` FROM agent_runs WHERE status IN ('spawning','running','stalled') ORDER BY started_at`)
}

// UpdateAgentRun persists the mutable run fields. Cost and token counters
// never move backwards: the stored value wins when larger.
func (r Repo) UpdateAgentRun(ctx context.Context, run domain.AgentRun) error {
	return withRetry(ctx, func() error {
		res, err := r.DB.ExecContext(ctx, `UPDATE agent_runs SET session_id=?, status=?, fail_kind=?,
cost_usd=MAX(cost_usd,?), input_tokens=MAX(input_tokens,?), output_tokens=MAX(output_tokens,?),
last_activity_at=?, finished_at=? WHERE id=?`,
			nullableStringPtr(run.SessionID), run.Status, nullableStringPtr(run.FailKind),
			run.CostUSD, run.InputTokens, run.OutputTokens,
			nullableStringPtr(run.LastActivityAt), nullableStringPtr(run.FinishedAt), run.ID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// MarkAgentRunLost reconciles an orphaned run to failed/lost and stamps
// finished_at.
func (r Repo) MarkAgentRunLost(ctx context.Context, id string) error {
	return withRetry(ctx, func() error {
		_, err := r.DB.ExecContext(ctx, `UPDATE agent_runs SET status='failed', fail_kind='lost', finished_at=? WHERE id=? AND status IN ('spawning','running','stalled')`,
			time.Now().UTC().Format(time.RFC3339), id)
		return err
	})
}

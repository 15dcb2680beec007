package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"conductor/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// retryAttempts bounds retries of transient SQLite busy failures.
const retryAttempts = 5

// withRetry retries fn with exponential backoff when the database reports a
// transient lock/busy condition. Non-transient errors surface immediately.
func withRetry(ctx context.Context, fn func() error) error {
	backoff := 10 * time.Millisecond
	var err error
	for attempt := 0; attempt < retryAttempts; attempt++ {
		err = fn()
		if err == nil || !isTransient(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return err
}

func isTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}

func nowUTC() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func nullableFloatPtr(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func marshalSettings(s domain.Settings) (string, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("marshal settings: %w", err)
	}
	return string(b), nil
}

func unmarshalSettings(raw string) (domain.Settings, error) {
	var s domain.Settings
	if raw == "" {
		return s, nil
	}
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return s, fmt.Errorf("unmarshal settings: %w", err)
	}
	return s, nil
}

// ── Projects ──

func (r Repo) InsertProject(ctx context.Context, p domain.Project) error {
	settings, err := marshalSettings(p.Settings)
	if err != nil {
		return err
	}
	return withRetry(ctx, func() error {
		_, err := r.DB.ExecContext(ctx, `INSERT INTO projects(id,path,display_name,sort_order,settings,created_at,updated_at) VALUES (?,?,?,?,?,?,?)`,
			p.ID, p.Path, p.DisplayName, p.SortOrder, settings, p.CreatedAt, p.UpdatedAt)
		return err
	})
}

func scanProject(scan func(...any) error) (domain.Project, error) {
	var p domain.Project
	var settings string
	err := scan(&p.ID, &p.Path, &p.DisplayName, &p.SortOrder, &settings, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.Settings, err = unmarshalSettings(settings)
	return p, err
}

const projectCols = `id,path,display_name,sort_order,settings,created_at,updated_at`

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+projectCols+` FROM projects WHERE id=?`, id)
	return scanProject(row.Scan)
}

func (r Repo) GetProjectByPath(ctx context.Context, path string) (domain.Project, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+projectCols+` FROM projects WHERE path=?`, path)
	return scanProject(row.Scan)
}

func (r Repo) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+projectCols+` FROM projects ORDER BY sort_order, created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		p, err := scanProject(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) UpdateProject(ctx context.Context, p domain.Project) error {
	settings, err := marshalSettings(p.Settings)
	if err != nil {
		return err
	}
	return withRetry(ctx, func() error {
		res, err := r.DB.ExecContext(ctx, `UPDATE projects SET display_name=?, sort_order=?, settings=?, updated_at=? WHERE id=?`,
			p.DisplayName, p.SortOrder, settings, nowUTC(), p.ID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// DeleteProject removes a project together with its archived goals and their
// tasks, runs, events, operations and messages, refusing while it still owns
// non-archived goals.
func (r Repo) DeleteProject(ctx context.Context, id string) error {
	var open int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM goals WHERE project_id=? AND status != 'archived'`, id).Scan(&open)
	if err != nil {
		return err
	}
	if open > 0 {
		return fmt.Errorf("project %s has %d non-archived goals", id, open)
	}
	return withRetry(ctx, func() error {
		goals := `(SELECT id FROM goals WHERE project_id=?)`
		for _, q := range []string{
			`DELETE FROM agent_events WHERE agent_run_id IN (SELECT id FROM agent_runs WHERE goal_id IN ` + goals + `)`,
			`DELETE FROM task_deps WHERE task_id IN (SELECT id FROM tasks WHERE goal_id IN ` + goals + `)`,
			`DELETE FROM agent_runs WHERE goal_id IN ` + goals,
			`DELETE FROM tasks WHERE goal_id IN ` + goals,
			`DELETE FROM operations WHERE goal_id IN ` + goals,
			`DELETE FROM goal_messages WHERE goal_id IN ` + goals,
			`DELETE FROM goals WHERE project_id=?`,
		} {
			if _, err := r.DB.ExecContext(ctx, q, id); err != nil {
				return err
			}
		}
		res, err := r.DB.ExecContext(ctx, `DELETE FROM projects WHERE id=?`, id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// ── Goals ──

const goalCols = `id,project_id,name,description,status,settings,created_at,updated_at`

func (r Repo) InsertGoal(ctx context.Context, g domain.Goal) error {
	settings, err := marshalSettings(g.Settings)
	if err != nil {
		return err
	}
	return withRetry(ctx, func() error {
		_, err := r.DB.ExecContext(ctx, `INSERT INTO goals(id,project_id,name,description,status,settings,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?)`,
			g.ID, g.ProjectID, g.Name, g.Description, g.Status, settings, g.CreatedAt, g.UpdatedAt)
		return err
	})
}

func (r Repo) scanGoal(ctx context.Context, scan func(...any) error) (domain.Goal, error) {
	var g domain.Goal
	var settings string
	err := scan(&g.ID, &g.ProjectID, &g.Name, &g.Description, &g.Status, &settings, &g.CreatedAt, &g.UpdatedAt)
	if err == sql.ErrNoRows {
		return g, ErrNotFound
	}
	if err != nil {
		return g, err
	}
	if g.Settings, err = unmarshalSettings(settings); err != nil {
		return g, err
	}
	// Denormalize the repository path from the owning project.
	err = r.DB.QueryRowContext(ctx, `SELECT path FROM projects WHERE id=?`, g.ProjectID).Scan(&g.RepoPath)
	if err == sql.ErrNoRows {
		err = nil
	}
	return g, err
}

func (r Repo) GetGoal(ctx context.Context, id string) (domain.Goal, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+goalCols+` FROM goals WHERE id=?`, id)
	return r.scanGoal(ctx, row.Scan)
}

// ListGoals returns goals, hiding archived ones unless includeArchived is set.
func (r Repo) ListGoals(ctx context.Context, includeArchived bool) ([]domain.Goal, error) {
	query := `SELECT ` + goalCols + ` FROM goals`
	if !includeArchived {
		query += ` WHERE status != 'archived'`
	}
	query += ` ORDER BY created_at DESC, id DESC`
	return r.queryGoals(ctx, query)
}

func (r Repo) ListGoalsByProject(ctx context.Context, projectID string) ([]domain.Goal, error) {
	return r.queryGoals(ctx, `SELECT `+goalCols+` FROM goals WHERE project_id=? ORDER BY created_at DESC, id DESC`, projectID)
}

func (r Repo) queryGoals(ctx context.Context, query string, args ...any) ([]domain.Goal, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Goal
	for rows.Next() {
		var g domain.Goal
		var settings string
		if err := rows.Scan(&g.ID, &g.ProjectID, &g.Name, &g.Description, &g.Status, &settings, &g.CreatedAt, &g.UpdatedAt); err != nil {
			return nil, err
		}
		if g.Settings, err = unmarshalSettings(settings); err != nil {
			return nil, err
		}
		res = append(res, g)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Backfill repo paths in one pass.
	for i := range res {
		if err := r.DB.QueryRowContext(ctx, `SELECT path FROM projects WHERE id=?`, res[i].ProjectID).Scan(&res[i].RepoPath); err != nil && err != sql.ErrNoRows {
			return nil, err
		}
	}
	return res, nil
}

func (r Repo) UpdateGoalStatus(ctx context.Context, id, status string) error {
	return withRetry(ctx, func() error {
		res, err := r.DB.ExecContext(ctx, `UPDATE goals SET status=?, updated_at=? WHERE id=?`, status, nowUTC(), id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (r Repo) UpdateGoal(ctx context.Context, g domain.Goal) error {
	settings, err := marshalSettings(g.Settings)
	if err != nil {
		return err
	}
	return withRetry(ctx, func() error {
		res, err := r.DB.ExecContext(ctx, `UPDATE goals SET name=?, description=?, status=?, settings=?, updated_at=? WHERE id=?`,
			g.Name, g.Description, g.Status, settings, nowUTC(), g.ID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

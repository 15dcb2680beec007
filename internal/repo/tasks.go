package repo

import (
	"context"
	"database/sql"
	"sort"

	"conductor/internal/domain"
)

const taskCols = `id,goal_id,title,description,status,priority,settings,created_at,updated_at`

// InsertTask writes the task and its dependency edges in one transaction.
func (r Repo) InsertTask(ctx context.Context, t domain.Task) error {
	settings, err := marshalSettings(t.Settings)
	if err != nil {
		return err
	}
	return withRetry(ctx, func() error {
		tx, err := r.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		if _, err := tx.ExecContext(ctx, `INSERT INTO tasks(id,goal_id,title,description,status,priority,settings,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?)`,
			t.ID, t.GoalID, t.Title, t.Description, t.Status, t.Priority, settings, t.CreatedAt, t.UpdatedAt); err != nil {
			return err
		}
		for _, dep := range t.DependsOn {
			if _, err := tx.ExecContext(ctx, `INSERT INTO task_deps(task_id,depends_on) VALUES (?,?)`, t.ID, dep); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	var t domain.Task
	var settings string
	err := r.DB.QueryRowContext(ctx, `SELECT `+taskCols+` FROM tasks WHERE id=?`, id).
		Scan(&t.ID, &t.GoalID, &t.Title, &t.Description, &t.Status, &t.Priority, &settings, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if t.Settings, err = unmarshalSettings(settings); err != nil {
		return t, err
	}
	t.DependsOn, err = r.ListTaskDeps(ctx, t.ID)
	return t, err
}

func (r Repo) ListTasks(ctx context.Context, goalID string) ([]domain.Task, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+taskCols+` FROM tasks WHERE goal_id=? ORDER BY created_at, id`, goalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		var t domain.Task
		var settings string
		if err := rows.Scan(&t.ID, &t.GoalID, &t.Title, &t.Description, &t.Status, &t.Priority, &settings, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		if t.Settings, err = unmarshalSettings(settings); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	deps, err := r.listGoalDeps(ctx, goalID)
	if err != nil {
		return nil, err
	}
	for i := range res {
		res[i].DependsOn = deps[res[i].ID]
	}
	return res, nil
}

func (r Repo) ListTaskDeps(ctx context.Context, taskID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT depends_on FROM task_deps WHERE task_id=? ORDER BY depends_on`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var deps []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		deps = append(deps, d)
	}
	return deps, rows.Err()
}

func (r Repo) listGoalDeps(ctx context.Context, goalID string) (map[string][]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT d.task_id, d.depends_on FROM task_deps d JOIN tasks t ON t.id = d.task_id WHERE t.goal_id=?`, goalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	deps := map[string][]string{}
	for rows.Next() {
		var taskID, dep string
		if err := rows.Scan(&taskID, &dep); err != nil {
			return nil, err
		}
		deps[taskID] = append(deps[taskID], dep)
	}
	for _, d := range deps {
		sort.Strings(d)
	}
	return deps, rows.Err()
}

func (r Repo) UpdateTask(ctx context.Context, t domain.Task) error {
	settings, err := marshalSettings(t.Settings)
	if err != nil {
		return err
	}
	return withRetry(ctx, func() error {
		tx, err := r.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		res, err := tx.ExecContext(ctx, `UPDATE tasks SET title=?, description=?, status=?, priority=?, settings=?, updated_at=? WHERE id=?`,
			t.Title, t.Description, t.Status, t.Priority, settings, nowUTC(), t.ID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM task_deps WHERE task_id=?`, t.ID); err != nil {
			return err
		}
		for _, dep := range t.DependsOn {
			if _, err := tx.ExecContext(ctx, `INSERT INTO task_deps(task_id,depends_on) VALUES (?,?)`, t.ID, dep); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

// UpdateTaskStatus changes only the status column.
func (r Repo) UpdateTaskStatus(ctx context.Context, id, status string) error {
	return withRetry(ctx, func() error {
		res, err := r.DB.ExecContext(ctx, `UPDATE tasks SET status=?, updated_at=? WHERE id=?`, status, nowUTC(), id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// UnblockedTasks returns pending tasks whose dependencies are all done.
func (r Repo) UnblockedTasks(ctx context.Context, goalID string) ([]domain.Task, error) {
	tasks, err := r.ListTasks(ctx, goalID)
	if err != nil {
		return nil, err
	}
	done := map[string]bool{}
	for _, t := range tasks {
		if t.Status == domain.TaskDone {
			done[t.ID] = true
		}
	}
	var unblocked []domain.Task
	for _, t := range tasks {
		if t.Status != domain.TaskPending {
			continue
		}
		ready := true
		for _, dep := range t.DependsOn {
			if !done[dep] {
				ready = false
				break
			}
		}
		if ready {
			unblocked = append(unblocked, t)
		}
	}
	return unblocked, nil
}

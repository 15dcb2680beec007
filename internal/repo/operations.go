package repo

import (
	"context"
	"database/sql"

	"conductor/internal/domain"
)

func (r Repo) InsertOperation(ctx context.Context, op domain.Operation) error {
	return withRetry(ctx, func() error {
		_, err := r.DB.ExecContext(ctx, `INSERT INTO operations(id,goal_id,kind,status,message,result_json,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?)`,
			op.ID, op.GoalID, op.Kind, op.Status, op.Message, nullableStringPtr(op.ResultJSON), op.CreatedAt, op.UpdatedAt)
		return err
	})
}

func (r Repo) GetOperation(ctx context.Context, id string) (domain.Operation, error) {
	var op domain.Operation
	var result sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,goal_id,kind,status,message,result_json,created_at,updated_at FROM operations WHERE id=?`, id).
		Scan(&op.ID, &op.GoalID, &op.Kind, &op.Status, &op.Message, &result, &op.CreatedAt, &op.UpdatedAt)
	if err == sql.ErrNoRows {
		return op, ErrNotFound
	}
	if err != nil {
		return op, err
	}
	if result.Valid {
		op.ResultJSON = &result.String
	}
	return op, nil
}

func (r Repo) UpdateOperation(ctx context.Context, op domain.Operation) error {
	return withRetry(ctx, func() error {
		res, err := r.DB.ExecContext(ctx, `UPDATE operations SET status=?, message=?, result_json=?, updated_at=? WHERE id=?`,
			op.Status, op.Message, nullableStringPtr(op.ResultJSON), nowUTC(), op.ID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

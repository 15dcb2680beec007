package repo

import (
	"context"

	"conductor/internal/domain"
)

func (r Repo) InsertGoalMessage(ctx context.Context, m domain.GoalMessage) error {
	if m.MetadataJSON == "" {
		m.MetadataJSON = "{}"
	}
	return withRetry(ctx, func() error {
		_, err := r.DB.ExecContext(ctx, `INSERT INTO goal_messages(id,goal_id,role,content,kind,metadata_json,created_at) VALUES (?,?,?,?,?,?,?)`,
			m.ID, m.GoalID, m.Role, m.Content, m.Kind, m.MetadataJSON, m.CreatedAt)
		return err
	})
}

func (r Repo) ListGoalMessages(ctx context.Context, goalID string) ([]domain.GoalMessage, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,goal_id,role,content,kind,metadata_json,created_at FROM goal_messages WHERE goal_id=? ORDER BY created_at, id`, goalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.GoalMessage
	for rows.Next() {
		var m domain.GoalMessage
		if err := rows.Scan(&m.ID, &m.GoalID, &m.Role, &m.Content, &m.Kind, &m.MetadataJSON, &m.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

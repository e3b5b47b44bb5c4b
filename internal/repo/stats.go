package repo

import (
	"context"
	"fmt"

	"github.com/BuzzLyutic/taskflow-api/internal/model"
)

func (r *TaskRepo) GetStats(ctx context.Context, userID string) (model.Stats, error) {
	var s model.Stats
	err := r.db.QueryRow(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status = 'COMPLETED'),
			COUNT(*) FILTER (WHERE status = 'IN_PROGRESS'),
			COUNT(*) FILTER (WHERE status = 'PENDING'),
			COUNT(*) FILTER (WHERE priority = 'HIGH')
		FROM tasks
		WHERE user_id = $1
	`, userID).Scan(&s.Total, &s.Completed, &s.InProgress, &s.Pending, &s.HighPriority)
	if err != nil {
		return s, fmt.Errorf("task stats: %w", err)
	}
	return s, nil
}

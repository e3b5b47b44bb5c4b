package repo

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/BuzzLyutic/taskflow-api/internal/model"
)

// ClaimOutbox leases up to limit undispatched messages, oldest first. A
// leased message is invisible to other dispatchers until the lease runs out,
// so a crashed dispatcher only delays delivery.
func (r *TaskRepo) ClaimOutbox(ctx context.Context, limit int, lease time.Duration) ([]model.OutboxMessage, error) {
	rows, err := r.db.Query(ctx, `
		WITH claimed AS (
			SELECT id
			FROM task_outbox
			WHERE dispatched_at IS NULL
			  AND (locked_until IS NULL OR locked_until < now())
			ORDER BY id
			LIMIT @limit
			FOR UPDATE SKIP LOCKED
		)
		UPDATE task_outbox
		SET locked_until = now() + @lease::interval
		FROM claimed
		WHERE task_outbox.id = claimed.id
		RETURNING task_outbox.id, task_outbox.job_name, task_outbox.payload,
		          task_outbox.attempts, task_outbox.created_at
	`, pgx.NamedArgs{
		"limit": limit,
		"lease": lease,
	})
	if err != nil {
		return nil, fmt.Errorf("claim outbox: %w", err)
	}
	defer rows.Close()

	msgs := make([]model.OutboxMessage, 0, limit)
	for rows.Next() {
		var m model.OutboxMessage
		if err := rows.Scan(&m.ID, &m.JobName, &m.Payload, &m.Attempts, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("claim outbox: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim outbox: %w", err)
	}
	return msgs, nil
}

func (r *TaskRepo) MarkDispatched(ctx context.Context, id int64) error {
	_, err := r.db.Exec(ctx, `
		UPDATE task_outbox
		SET dispatched_at = now(), locked_until = NULL, last_error = NULL
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("mark dispatched: %w", err)
	}
	return nil
}

// MarkFailed records the failed attempt and hides the message until retryAt.
func (r *TaskRepo) MarkFailed(ctx context.Context, id int64, cause string, retryAt time.Time) error {
	_, err := r.db.Exec(ctx, `
		UPDATE task_outbox
		SET attempts = attempts + 1, last_error = $2, locked_until = $3
		WHERE id = $1
	`, id, cause, retryAt)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return nil
}

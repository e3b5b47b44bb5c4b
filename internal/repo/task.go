package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/BuzzLyutic/taskflow-api/internal/model"
)

var (
	ErrNotFound = errors.New("task not found")
	ErrConflict = errors.New("conflict")
	// ErrInvalidValue wraps values the database refused to store.
	ErrInvalidValue = errors.New("invalid value")
	// ErrStale means the task changed after the status being applied was
	// recorded.
	ErrStale = errors.New("stale status")
)

// bumpUpdatedAt keeps updated_at strictly increasing per row even when
// transactions commit out of start order, so it can order status events.
const bumpUpdatedAt = `GREATEST(clock_timestamp(), updated_at + interval '1 microsecond')`

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type TaskRepo struct { // Репозиторий для работы непосредственно с БД
	db querier
}

var (
	_ TaskRepository   = (*TaskRepo)(nil)
	_ OutboxRepository = (*TaskRepo)(nil)
)

func NewTaskRepo(pool *pgxpool.Pool) *TaskRepo {
	return &TaskRepo{db: pool}
}

func (r *TaskRepo) WithinTx(ctx context.Context, fn func(tx TaskStore) error) error {
	return pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		return fn(&TaskRepo{db: tx})
	})
}

func (r *TaskRepo) Create(ctx context.Context, userID string, in model.CreateTask) (model.Task, error) {
	status := in.Status
	if status == "" {
		status = model.StatusPending
	}
	priority := in.Priority
	if priority == "" {
		priority = model.PriorityMedium
	}

	row := r.db.QueryRow(ctx, `
		INSERT INTO tasks (user_id, title, description, status, priority, due_date)
		VALUES (@user_id, @title, @description, @status, @priority, @due_date)
		RETURNING `+taskColumns,
		pgx.NamedArgs{
			"user_id":     userID,
			"title":       in.Title,
			"description": in.Description,
			"status":      string(status),
			"priority":    string(priority),
			"due_date":    in.DueDate,
		})
	t, err := scanTask(row)
	if err != nil {
		return t, fmt.Errorf("insert task: %w", r.mapError(err))
	}
	return t, nil
}

func (r *TaskRepo) Get(ctx context.Context, id uuid.UUID, userID string) (model.Task, error) {
	return r.getScoped(ctx, id, userID, "")
}

// GetForUpdate locks the row until the surrounding transaction ends.
func (r *TaskRepo) GetForUpdate(ctx context.Context, id uuid.UUID, userID string) (model.Task, error) {
	return r.getScoped(ctx, id, userID, " FOR UPDATE")
}

func (r *TaskRepo) getScoped(ctx context.Context, id uuid.UUID, userID, suffix string) (model.Task, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE id = $1 AND user_id = $2`+suffix, id, userID)
	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return t, ErrNotFound
	}
	if err != nil {
		return t, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

func (r *TaskRepo) List(ctx context.Context, userID string, q model.ListQuery) ([]model.Task, int, error) {
	lq := buildListQuery(userID, q)

	var total int
	if err := r.db.QueryRow(ctx, lq.Count(), lq.Args).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count tasks: %w", r.mapError(err))
	}

	tasks := make([]model.Task, 0, q.Limit)
	if total == 0 || q.Offset() >= total {
		return tasks, total, nil
	}

	rows, err := r.db.Query(ctx, lq.Select(), lq.Args)
	if err != nil {
		return nil, 0, fmt.Errorf("list tasks: %w", r.mapError(err))
	}
	defer rows.Close()

	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("list tasks: %w", r.mapError(err))
	}
	return tasks, total, nil
}

// Update writes every mutable field of t. The row is matched on both id and
// owner, so a foreign task is reported as ErrNotFound.
func (r *TaskRepo) Update(ctx context.Context, t model.Task) (model.Task, error) {
	row := r.db.QueryRow(ctx, `
		UPDATE tasks
		SET title = @title, description = @description, status = @status,
		    priority = @priority, due_date = @due_date, updated_at = `+bumpUpdatedAt+`
		WHERE id = @id AND user_id = @user_id
		RETURNING `+taskColumns,
		pgx.NamedArgs{
			"id":          t.ID,
			"user_id":     t.UserID,
			"title":       t.Title,
			"description": t.Description,
			"status":      string(t.Status),
			"priority":    string(t.Priority),
			"due_date":    t.DueDate,
		})
	updated, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return updated, ErrNotFound
	}
	if err != nil {
		return updated, fmt.Errorf("update task: %w", r.mapError(err))
	}
	return updated, nil
}

func (r *TaskRepo) Delete(ctx context.Context, id uuid.UUID, userID string) error {
	cmd, err := r.db.Exec(ctx, "DELETE FROM tasks WHERE id = $1 AND user_id = $2", id, userID)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	if cmd.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *TaskRepo) BatchDelete(ctx context.Context, userID string, ids []uuid.UUID) (int64, error) {
	cmd, err := r.db.Exec(ctx, `DELETE FROM tasks WHERE id = ANY($1) AND user_id = $2`, ids, userID)
	if err != nil {
		return 0, fmt.Errorf("batch delete: %w", err)
	}
	return cmd.RowsAffected(), nil
}

// BatchComplete completes every owned task in ids with a single statement
// and reports which of them changed status.
func (r *TaskRepo) BatchComplete(ctx context.Context, userID string, ids []uuid.UUID) (BatchCompleted, error) {
	var res BatchCompleted

	rows, err := r.db.Query(ctx, `
		UPDATE tasks AS t
		SET status = 'COMPLETED', updated_at = GREATEST(clock_timestamp(), t.updated_at + interval '1 microsecond')
		FROM (
			SELECT id, status
			FROM tasks
			WHERE id = ANY($1) AND user_id = $2
			ORDER BY id
			FOR UPDATE
		) AS prev
		WHERE t.id = prev.id
		RETURNING t.id, prev.status::text, t.updated_at
	`, ids, userID)
	if err != nil {
		return res, fmt.Errorf("batch complete: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			c    StatusChange
			prev string
		)
		if err := rows.Scan(&c.ID, &prev, &c.UpdatedAt); err != nil {
			return res, fmt.Errorf("batch complete: %w", err)
		}
		res.Affected++
		if model.Status(prev) != model.StatusCompleted {
			res.Changed = append(res.Changed, c)
		}
	}
	if err := rows.Err(); err != nil {
		return res, fmt.Errorf("batch complete: %w", err)
	}
	return res, nil
}

// SetStatus writes status unless the task was modified after asOf, in which
// case it returns ErrStale and leaves the row alone. A zero asOf skips the
// check. Writing the status the task already has does not touch updated_at.
func (r *TaskRepo) SetStatus(ctx context.Context, id uuid.UUID, status model.Status, asOf time.Time) (model.Task, error) {
	var bound *time.Time
	if !asOf.IsZero() {
		bound = &asOf
	}
	row := r.db.QueryRow(ctx, `
		UPDATE tasks
		SET status = @status,
		    updated_at = CASE WHEN status = @status THEN updated_at ELSE `+bumpUpdatedAt+` END
		WHERE id = @id
		  AND (@as_of::timestamptz IS NULL OR updated_at <= @as_of)
		RETURNING `+taskColumns,
		pgx.NamedArgs{"id": id, "status": string(status), "as_of": bound})
	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return t, r.missingOrStale(ctx, id)
	}
	if err != nil {
		return t, fmt.Errorf("set status: %w", r.mapError(err))
	}
	return t, nil
}

func (r *TaskRepo) missingOrStale(ctx context.Context, id uuid.UUID) error {
	var exists bool
	if err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM tasks WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("set status: %w", err)
	}
	if exists {
		return ErrStale
	}
	return ErrNotFound
}

// ClaimOverdue stamps up to limit overdue, unfinished tasks as notified and
// returns them. Tasks stamped within renotifyAfter are skipped.
func (r *TaskRepo) ClaimOverdue(ctx context.Context, now time.Time, renotifyAfter time.Duration, limit int) ([]model.OverdueEvent, error) {
	rows, err := r.db.Query(ctx, `
		WITH overdue AS (
			SELECT id
			FROM tasks
			WHERE due_date < @now
			  AND status <> 'COMPLETED'
			  AND (overdue_notified_at IS NULL OR overdue_notified_at < @renotify_before)
			ORDER BY due_date
			LIMIT @limit
			FOR UPDATE SKIP LOCKED
		)
		UPDATE tasks
		SET overdue_notified_at = @now
		FROM overdue
		WHERE tasks.id = overdue.id
		RETURNING tasks.id, tasks.user_id, tasks.due_date
	`, pgx.NamedArgs{
		"now":             now,
		"renotify_before": now.Add(-renotifyAfter),
		"limit":           limit,
	})
	if err != nil {
		return nil, fmt.Errorf("claim overdue: %w", err)
	}
	defer rows.Close()

	var events []model.OverdueEvent
	for rows.Next() {
		var e model.OverdueEvent
		if err := rows.Scan(&e.TaskID, &e.UserID, &e.DueDate); err != nil {
			return nil, fmt.Errorf("claim overdue: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (r *TaskRepo) AddOutbox(ctx context.Context, jobName string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", jobName, err)
	}
	if _, err := r.db.Exec(ctx, `
		INSERT INTO task_outbox (job_name, payload) VALUES ($1, $2)
	`, jobName, data); err != nil {
		return fmt.Errorf("add outbox: %w", err)
	}
	return nil
}

func scanTask(row pgx.Row) (model.Task, error) {
	var (
		t                model.Task
		status, priority string
	)
	err := row.Scan(
		&t.ID, &t.UserID, &t.Title, &t.Description, &status, &priority, &t.DueDate, &t.CreatedAt, &t.UpdatedAt,
	)
	t.Status = model.Status(status)
	t.Priority = model.Priority(priority)
	return t, err
}

func (r *TaskRepo) mapError(err error) error {
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			return ErrConflict
		case "22P02", "22001", "22021": // invalid_text_representation, string_data_right_truncation, character_not_in_repertoire
			return fmt.Errorf("%w: %s", ErrInvalidValue, pgErr.Message)
		}
	}
	return err
}

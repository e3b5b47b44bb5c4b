package repo

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/BuzzLyutic/taskflow-api/internal/model"
)

// TaskStore is the set of task operations that can run either on the pool
// or inside a transaction. Every method taking a userID scopes on it.
type TaskStore interface {
	Create(ctx context.Context, userID string, in model.CreateTask) (model.Task, error)
	Get(ctx context.Context, id uuid.UUID, userID string) (model.Task, error)
	GetForUpdate(ctx context.Context, id uuid.UUID, userID string) (model.Task, error)
	List(ctx context.Context, userID string, q model.ListQuery) ([]model.Task, int, error)
	Update(ctx context.Context, t model.Task) (model.Task, error)
	Delete(ctx context.Context, id uuid.UUID, userID string) error
	BatchDelete(ctx context.Context, userID string, ids []uuid.UUID) (int64, error)
	BatchComplete(ctx context.Context, userID string, ids []uuid.UUID) (BatchCompleted, error)
	GetStats(ctx context.Context, userID string) (model.Stats, error)

	// SetStatus is unscoped. Only trusted internal callers may reach it.
	SetStatus(ctx context.Context, id uuid.UUID, status model.Status, asOf time.Time) (model.Task, error)
	ClaimOverdue(ctx context.Context, now time.Time, renotifyAfter time.Duration, limit int) ([]model.OverdueEvent, error)

	AddOutbox(ctx context.Context, jobName string, payload any) error
}

// TaskRepository определяет интерфейс для работы с задачами
type TaskRepository interface {
	TaskStore
	// WithinTx runs fn in one transaction; any error rolls everything back.
	WithinTx(ctx context.Context, fn func(tx TaskStore) error) error
}

type OutboxRepository interface {
	ClaimOutbox(ctx context.Context, limit int, lease time.Duration) ([]model.OutboxMessage, error)
	MarkDispatched(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, cause string, retryAt time.Time) error
}

// BatchCompleted reports every row the batch matched and the subset whose
// status was not already COMPLETED.
type BatchCompleted struct {
	Affected int64
	Changed  []StatusChange
}

type StatusChange struct {
	ID        uuid.UUID
	UpdatedAt time.Time
}

package model

import (
	"time"

	"github.com/google/uuid"
)

// Job names placed on the notification queue.
const (
	JobStatusUpdate = "task-status-update"
	JobTaskOverdue  = "task-overdue"
)

// NotificationEvent reports a status change. ChangedAt is the task's
// updated_at as written by that change and orders events for one task.
type NotificationEvent struct {
	TaskID    uuid.UUID `json:"taskId"`
	Status    Status    `json:"status"`
	ChangedAt time.Time `json:"changedAt"`
}

type OverdueEvent struct {
	TaskID  uuid.UUID `json:"taskId"`
	UserID  string    `json:"userId"`
	DueDate time.Time `json:"dueDate"`
}

// OutboxMessage is a pending queue job stored next to the task change that
// produced it.
type OutboxMessage struct {
	ID        int64
	JobName   string
	Payload   []byte
	Attempts  int
	CreatedAt time.Time
}

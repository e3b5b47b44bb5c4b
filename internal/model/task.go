package model

import (
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending    Status = "PENDING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted:
		return true
	}
	return false
}

type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityMedium Priority = "MEDIUM"
	PriorityHigh   Priority = "HIGH"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return true
	}
	return false
}

type Task struct {
	ID          uuid.UUID  `json:"id"`
	UserID      string     `json:"userId"`
	Title       string     `json:"title"`
	Description *string    `json:"description"`
	Status      Status     `json:"status"`
	Priority    Priority   `json:"priority"`
	DueDate     *time.Time `json:"dueDate"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// CreateTask is the input of a create call. Empty Status and Priority
// fall back to PENDING and MEDIUM.
type CreateTask struct {
	Title       string
	Description *string
	Status      Status
	Priority    Priority
	DueDate     *time.Time
}

// TaskPatch carries a partial update. Only fields with Set == true are
// written; Description and DueDate may be cleared with an explicit null.
type TaskPatch struct {
	Title       Optional[string]
	Description Optional[string]
	Status      Optional[Status]
	Priority    Optional[Priority]
	DueDate     Optional[time.Time]
}

func (p TaskPatch) Empty() bool {
	return !p.Title.Set && !p.Description.Set && !p.Status.Set && !p.Priority.Set && !p.DueDate.Set
}

// Apply returns t with the present patch fields written over it.
func (p TaskPatch) Apply(t Task) Task {
	if p.Title.Set {
		t.Title = p.Title.Value
	}
	if p.Description.Set {
		t.Description = p.Description.Ptr()
	}
	if p.Status.Set {
		t.Status = p.Status.Value
	}
	if p.Priority.Set {
		t.Priority = p.Priority.Value
	}
	if p.DueDate.Set {
		t.DueDate = p.DueDate.Ptr()
	}
	return t
}

type Stats struct {
	Total        int `json:"total"`
	Completed    int `json:"completed"`
	InProgress   int `json:"inProgress"`
	Pending      int `json:"pending"`
	HighPriority int `json:"highPriority"`
}

type BatchAction string

const (
	BatchComplete BatchAction = "complete"
	BatchDelete   BatchAction = "delete"
)

type BatchResult struct {
	Affected int64 `json:"affected"`
}

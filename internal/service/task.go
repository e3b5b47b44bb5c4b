package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BuzzLyutic/taskflow-api/internal/model"
	"github.com/BuzzLyutic/taskflow-api/internal/repo"
)

var (
	ErrValidation = errors.New("validation error")
)

const (
	maxTitleLen  = 255
	MaxBatchSize = 500
)

// TaskService serves the owner-facing operations. Every call is scoped by
// the caller's userID.
type TaskService struct {
	repo   repo.TaskRepository
	logger *zap.Logger
}

func NewTaskService(repo repo.TaskRepository, logger *zap.Logger) *TaskService {
	return &TaskService{repo: repo, logger: logger}
}

// Create stores the task and its status notification in one transaction.
func (s *TaskService) Create(ctx context.Context, userID string, in model.CreateTask) (model.Task, error) {
	if err := validateCreate(in); err != nil {
		return model.Task{}, err
	}

	var created model.Task
	err := s.repo.WithinTx(ctx, func(tx repo.TaskStore) error {
		var err error
		created, err = tx.Create(ctx, userID, in)
		if err != nil {
			return err
		}
		return tx.AddOutbox(ctx, model.JobStatusUpdate, model.NotificationEvent{
			TaskID:    created.ID,
			Status:    created.Status,
			ChangedAt: created.UpdatedAt,
		})
	})
	if err != nil {
		return model.Task{}, err
	}

	s.logger.Debug("task created", zap.String("task_id", created.ID.String()), zap.String("user_id", userID))
	return created, nil
}

func (s *TaskService) Get(ctx context.Context, id uuid.UUID, userID string) (model.Task, error) {
	return s.repo.Get(ctx, id, userID)
}

func (s *TaskService) List(ctx context.Context, userID string, q model.ListQuery) (model.Page[model.Task], error) {
	q = q.WithDefaults()
	if err := validateListQuery(q); err != nil {
		return model.Page[model.Task]{}, err
	}

	tasks, total, err := s.repo.List(ctx, userID, q)
	if err != nil {
		return model.Page[model.Task]{}, err
	}

	return model.Page[model.Task]{
		Data:       tasks,
		Total:      total,
		Page:       q.Page,
		Limit:      q.Limit,
		TotalPages: model.TotalPages(total, q.Limit),
	}, nil
}

// Update applies the present patch fields. A notification is queued only
// when the status actually changed.
func (s *TaskService) Update(ctx context.Context, id uuid.UUID, userID string, patch model.TaskPatch) (model.Task, error) {
	if err := validatePatch(patch); err != nil {
		return model.Task{}, err
	}

	var updated model.Task
	err := s.repo.WithinTx(ctx, func(tx repo.TaskStore) error {
		current, err := tx.GetForUpdate(ctx, id, userID)
		if err != nil {
			return err
		}
		if patch.Empty() {
			updated = current
			return nil
		}

		updated, err = tx.Update(ctx, patch.Apply(current))
		if err != nil {
			return err
		}
		if updated.Status == current.Status {
			return nil
		}
		return tx.AddOutbox(ctx, model.JobStatusUpdate, model.NotificationEvent{
			TaskID:    updated.ID,
			Status:    updated.Status,
			ChangedAt: updated.UpdatedAt,
		})
	})
	if err != nil {
		return model.Task{}, err
	}
	return updated, nil
}

func (s *TaskService) Remove(ctx context.Context, id uuid.UUID, userID string) error {
	return s.repo.Delete(ctx, id, userID)
}

// Batch applies action to the caller's tasks among ids as one set
// operation. Foreign or missing ids are ignored; an unknown action or an
// empty id list affects nothing.
func (s *TaskService) Batch(ctx context.Context, userID string, ids []uuid.UUID, action model.BatchAction) (model.BatchResult, error) {
	if len(ids) == 0 {
		return model.BatchResult{}, nil
	}
	if len(ids) > MaxBatchSize {
		return model.BatchResult{}, fmt.Errorf("%w: at most %d task ids per batch", ErrValidation, MaxBatchSize)
	}

	switch action {
	case model.BatchDelete:
		n, err := s.repo.BatchDelete(ctx, userID, ids)
		if err != nil {
			return model.BatchResult{}, err
		}
		return model.BatchResult{Affected: n}, nil

	case model.BatchComplete:
		var res repo.BatchCompleted
		err := s.repo.WithinTx(ctx, func(tx repo.TaskStore) error {
			var err error
			res, err = tx.BatchComplete(ctx, userID, ids)
			if err != nil {
				return err
			}
			for _, c := range res.Changed {
				if err := tx.AddOutbox(ctx, model.JobStatusUpdate, model.NotificationEvent{
					TaskID:    c.ID,
					Status:    model.StatusCompleted,
					ChangedAt: c.UpdatedAt,
				}); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return model.BatchResult{}, err
		}
		return model.BatchResult{Affected: res.Affected}, nil
	}

	s.logger.Debug("unknown batch action ignored", zap.String("action", string(action)))
	return model.BatchResult{}, nil
}

func (s *TaskService) GetStats(ctx context.Context, userID string) (model.Stats, error) {
	return s.repo.GetStats(ctx, userID)
}

func validateCreate(in model.CreateTask) error {
	if err := validateTitle(in.Title); err != nil {
		return err
	}
	if in.Description != nil {
		if err := validateText("description", *in.Description); err != nil {
			return err
		}
	}
	if in.Status != "" && !in.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrValidation, in.Status)
	}
	if in.Priority != "" && !in.Priority.Valid() {
		return fmt.Errorf("%w: unknown priority %q", ErrValidation, in.Priority)
	}
	return nil
}

func validatePatch(p model.TaskPatch) error {
	if p.Title.Set {
		if p.Title.Null {
			return fmt.Errorf("%w: title cannot be null", ErrValidation)
		}
		if err := validateTitle(p.Title.Value); err != nil {
			return err
		}
	}
	if p.Description.Set && !p.Description.Null {
		if err := validateText("description", p.Description.Value); err != nil {
			return err
		}
	}
	if p.Status.Set && (p.Status.Null || !p.Status.Value.Valid()) {
		return fmt.Errorf("%w: invalid status", ErrValidation)
	}
	if p.Priority.Set && (p.Priority.Null || !p.Priority.Value.Valid()) {
		return fmt.Errorf("%w: invalid priority", ErrValidation)
	}
	return nil
}

// validateText rejects strings Postgres cannot store in a text column.
func validateText(field, s string) error {
	if !utf8.ValidString(s) {
		return fmt.Errorf("%w: %s is not valid UTF-8", ErrValidation, field)
	}
	if strings.ContainsRune(s, 0) {
		return fmt.Errorf("%w: %s contains a NUL character", ErrValidation, field)
	}
	return nil
}

func validateTitle(title string) error {
	if err := validateText("title", title); err != nil {
		return err
	}
	if strings.TrimSpace(title) == "" {
		return fmt.Errorf("%w: title is required", ErrValidation)
	}
	if utf8.RuneCountInString(title) > maxTitleLen {
		return fmt.Errorf("%w: title longer than %d characters", ErrValidation, maxTitleLen)
	}
	return nil
}

// validateListQuery rejects out-of-range values instead of clamping them.
func validateListQuery(q model.ListQuery) error {
	if err := validateText("search", q.Search); err != nil {
		return err
	}
	if q.Page < 1 {
		return fmt.Errorf("%w: page must be >= 1", ErrValidation)
	}
	if q.Limit < 1 || q.Limit > model.MaxLimit {
		return fmt.Errorf("%w: limit must be between 1 and %d", ErrValidation, model.MaxLimit)
	}
	if _, ok := q.SortBy.Column(); !ok {
		return fmt.Errorf("%w: unknown sortBy %q", ErrValidation, q.SortBy)
	}
	if !q.SortOrder.Valid() {
		return fmt.Errorf("%w: sortOrder must be ASC or DESC", ErrValidation)
	}
	if q.Status != nil && !q.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrValidation, *q.Status)
	}
	if q.Priority != nil && !q.Priority.Valid() {
		return fmt.Errorf("%w: unknown priority %q", ErrValidation, *q.Priority)
	}
	return nil
}

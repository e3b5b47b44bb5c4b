package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BuzzLyutic/taskflow-api/internal/model"
	"github.com/BuzzLyutic/taskflow-api/internal/repo"
)

// StatusService persists status transitions reported by the queue
// processor. It is not owner-scoped and must never be handed to the HTTP
// layer.
type StatusService struct {
	repo   repo.TaskStore
	logger *zap.Logger
}

func NewStatusService(repo repo.TaskStore, logger *zap.Logger) *StatusService {
	return &StatusService{repo: repo, logger: logger}
}

// UpdateStatus does not queue a notification; its caller is the consumer
// of those notifications. asOf is when the status was decided; a task
// modified after it is left alone and repo.ErrStale is returned.
func (s *StatusService) UpdateStatus(ctx context.Context, id uuid.UUID, status model.Status, asOf time.Time) (model.Task, error) {
	if !status.Valid() {
		return model.Task{}, fmt.Errorf("%w: unknown status %q", ErrValidation, status)
	}
	t, err := s.repo.SetStatus(ctx, id, status, asOf)
	if err != nil {
		return t, err
	}
	s.logger.Debug("task status persisted",
		zap.String("task_id", id.String()),
		zap.String("status", string(status)),
	)
	return t, nil
}

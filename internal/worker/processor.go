package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BuzzLyutic/taskflow-api/internal/model"
	"github.com/BuzzLyutic/taskflow-api/internal/queue"
	"github.com/BuzzLyutic/taskflow-api/internal/repo"
)

// StatusUpdater is the trusted, unscoped status write used by the processor.
type StatusUpdater interface {
	UpdateStatus(ctx context.Context, id uuid.UUID, status model.Status, asOf time.Time) (model.Task, error)
}

// Processor consumes notification jobs. Jobs can arrive more than once, so
// every branch is idempotent.
type Processor struct {
	status StatusUpdater
	logger *zap.Logger
}

func NewProcessor(status StatusUpdater, logger *zap.Logger) *Processor {
	return &Processor{status: status, logger: logger}
}

// Handle is a queue.Handler.
func (p *Processor) Handle(ctx context.Context, job queue.Job) error {
	switch job.Name {
	case model.JobStatusUpdate:
		return p.statusUpdate(ctx, job)
	case model.JobTaskOverdue:
		return p.overdue(job)
	}
	p.logger.Warn("unknown job dropped", zap.String("job", job.Name), zap.String("job_id", job.ID))
	return nil
}

func (p *Processor) statusUpdate(ctx context.Context, job queue.Job) error {
	var ev model.NotificationEvent
	if err := json.Unmarshal(job.Payload, &ev); err != nil {
		p.logger.Error("malformed status event dropped", zap.String("job_id", job.ID), zap.Error(err))
		return nil
	}
	if !ev.Status.Valid() {
		p.logger.Error("status event with unknown status dropped",
			zap.String("job_id", job.ID),
			zap.String("status", string(ev.Status)),
		)
		return nil
	}

	p.logger.Info("Processing status notification",
		zap.String("job_id", job.ID),
		zap.String("task_id", ev.TaskID.String()),
		zap.String("status", string(ev.Status)),
		zap.Int("attempt", job.Attempts),
	)

	_, err := p.status.UpdateStatus(ctx, ev.TaskID, ev.Status, ev.ChangedAt)
	if errors.Is(err, repo.ErrNotFound) {
		// deleted after the event was queued
		p.logger.Info("task gone, notification skipped", zap.String("task_id", ev.TaskID.String()))
		return nil
	}
	if errors.Is(err, repo.ErrStale) {
		p.logger.Info("stale notification skipped",
			zap.String("task_id", ev.TaskID.String()),
			zap.String("status", string(ev.Status)),
			zap.Time("changed_at", ev.ChangedAt),
		)
		return nil
	}
	if err != nil {
		return fmt.Errorf("update status of %s: %w", ev.TaskID, err)
	}
	return nil
}

func (p *Processor) overdue(job queue.Job) error {
	var ev model.OverdueEvent
	if err := json.Unmarshal(job.Payload, &ev); err != nil {
		p.logger.Error("malformed overdue event dropped", zap.String("job_id", job.ID), zap.Error(err))
		return nil
	}
	p.logger.Info("Task overdue",
		zap.String("task_id", ev.TaskID.String()),
		zap.String("user_id", ev.UserID),
		zap.Time("due_date", ev.DueDate),
	)
	return nil
}

package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BuzzLyutic/taskflow-api/internal/model"
	"github.com/BuzzLyutic/taskflow-api/internal/repo"
)

// Sweeper periodically queues a task-overdue notification for unfinished
// tasks past their due date, at most once per RenotifyAfter per task.
type Sweeper struct {
	repo          repo.TaskRepository
	logger        *zap.Logger
	interval      time.Duration
	renotifyAfter time.Duration
	batch         int
	now           func() time.Time
	wg            sync.WaitGroup
	stop          chan struct{}
	once          sync.Once
}

func NewSweeper(r repo.TaskRepository, logger *zap.Logger, interval, renotifyAfter time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	if renotifyAfter <= 0 {
		renotifyAfter = 24 * time.Hour
	}
	return &Sweeper{
		repo:          r,
		logger:        logger,
		interval:      interval,
		renotifyAfter: renotifyAfter,
		batch:         200,
		now:           time.Now,
		stop:          make(chan struct{}),
	}
}

func (s *Sweeper) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-s.stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := s.Sweep(ctx)
				if err != nil && ctx.Err() == nil {
					s.logger.Error("overdue sweep failed", zap.Error(err))
					continue
				}
				if n > 0 {
					s.logger.Info("Queued overdue notifications", zap.Int("tasks", n))
				}
			}
		}
	}()
}

func (s *Sweeper) Stop() {
	s.once.Do(func() { close(s.stop) })
	s.wg.Wait()
}

// Sweep claims one batch of overdue tasks and writes their outbox rows in
// the same transaction.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	var claimed int
	err := s.repo.WithinTx(ctx, func(tx repo.TaskStore) error {
		events, err := tx.ClaimOverdue(ctx, s.now(), s.renotifyAfter, s.batch)
		if err != nil {
			return err
		}
		for _, ev := range events {
			if err := tx.AddOutbox(ctx, model.JobTaskOverdue, ev); err != nil {
				return err
			}
		}
		claimed = len(events)
		return nil
	})
	return claimed, err
}

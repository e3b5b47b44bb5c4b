package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/BuzzLyutic/taskflow-api/internal/model"
	"github.com/BuzzLyutic/taskflow-api/internal/queue"
	"github.com/BuzzLyutic/taskflow-api/internal/repo"
)

type PoolConfig struct {
	Workers      int
	Interval     time.Duration
	BatchSize    int
	Lease        time.Duration
	RetryBackoff time.Duration
}

// Pool drains the task outbox onto the notification queue. Messages are
// leased with SKIP LOCKED, so any number of pools may run side by side.
type Pool struct {
	outbox  repo.OutboxRepository
	queue   queue.Publisher
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
	cfg     PoolConfig
	wg      sync.WaitGroup
	stop    chan struct{}
	once    sync.Once
}

func NewPool(outbox repo.OutboxRepository, q queue.Publisher, logger *zap.Logger, cfg PoolConfig) *Pool {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 50
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 30 * time.Second
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 5 * time.Second
	}

	return &Pool{
		outbox: outbox,
		queue:  q,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "notification-queue",
			MaxRequests: 1,
			Interval:    30 * time.Second,
			Timeout:     10 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("queue breaker state changed",
					zap.String("breaker", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()),
				)
			},
		}),
		logger: logger,
		cfg:    cfg,
		stop:   make(chan struct{}),
	}
}

func (p *Pool) Start(ctx context.Context) {
	p.logger.Info("Starting outbox dispatcher", zap.Int("workers", p.cfg.Workers))

	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
}

func (p *Pool) Stop() {
	p.logger.Info("Stopping outbox dispatcher...")
	p.once.Do(func() { close(p.stop) })
	p.wg.Wait()
	p.logger.Info("Outbox dispatcher stopped")
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.dispatchBatch(ctx); err != nil && !errors.Is(err, context.Canceled) {
				p.logger.Error("dispatcher error", zap.Int("worker", id), zap.Error(err))
			}
		}
	}
}

// dispatchBatch publishes one leased batch and returns how many messages
// reached the queue. Publish failures are recorded on the message and never
// abort the batch.
func (p *Pool) dispatchBatch(ctx context.Context) (int, error) {
	if p.breaker.State() == gobreaker.StateOpen {
		return 0, nil
	}

	msgs, err := p.outbox.ClaimOutbox(ctx, p.cfg.BatchSize, p.cfg.Lease)
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, m := range msgs {
		if err := p.publish(ctx, m); err != nil {
			p.logger.Warn("notification enqueue failed",
				zap.Int64("outbox_id", m.ID),
				zap.String("job", m.JobName),
				zap.Int("attempts", m.Attempts+1),
				zap.Error(err),
			)
			retryAt := time.Now().Add(p.backoff(m.Attempts))
			if merr := p.outbox.MarkFailed(ctx, m.ID, err.Error(), retryAt); merr != nil {
				return sent, merr
			}
			continue
		}
		if err := p.outbox.MarkDispatched(ctx, m.ID); err != nil {
			// the lease will expire and the message goes out again
			return sent, err
		}
		sent++
	}
	return sent, nil
}

func (p *Pool) publish(ctx context.Context, m model.OutboxMessage) error {
	_, err := p.breaker.Execute(func() (interface{}, error) {
		return nil, p.queue.Enqueue(ctx, m.JobName, m.Payload)
	})
	return err
}

// backoff grows linearly with the attempt count, capped at twenty steps.
func (p *Pool) backoff(attempts int) time.Duration {
	if attempts > 19 {
		attempts = 19
	}
	return time.Duration(attempts+1) * p.cfg.RetryBackoff
}

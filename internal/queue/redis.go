package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Redis is a reliable list queue. A consumer atomically moves a job from
// the wait list to the active list and removes it only after the handler
// returns, so a crash leaves the job in active for Recover to requeue.
type Redis struct {
	client *redis.Client
	opts   Options
	logger *zap.Logger
}

func NewRedis(opts Options) *Redis {
	return NewRedisWithClient(redis.NewClient(&redis.Options{
		Addr:     opts.RedisAddr,
		Password: opts.RedisPass,
		DB:       opts.RedisDB,
	}), opts)
}

func NewRedisWithClient(client *redis.Client, opts Options) *Redis {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = time.Second
	}
	return &Redis{client: client, opts: opts, logger: opts.logger()}
}

func (q *Redis) waitKey() string   { return q.opts.Name + ":wait" }
func (q *Redis) activeKey() string { return q.opts.Name + ":active" }
func (q *Redis) deadKey() string   { return q.opts.Name + ":dead" }

func (q *Redis) Enqueue(ctx context.Context, name string, payload []byte) error {
	data, err := encodeJob(newJob(name, payload))
	if err != nil {
		return err
	}
	if err := q.client.LPush(ctx, q.waitKey(), data).Err(); err != nil {
		return fmt.Errorf("redis enqueue %s: %w", name, err)
	}
	return nil
}

// Recover moves jobs left in the active list back to the wait list.
// Run it before starting consumers; jobs of another live consumer would be
// delivered twice.
func (q *Redis) Recover(ctx context.Context) (int, error) {
	n := 0
	for {
		err := q.client.LMove(ctx, q.activeKey(), q.waitKey(), "LEFT", "RIGHT").Err()
		if errors.Is(err, redis.Nil) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("redis recover: %w", err)
		}
		n++
	}
}

func (q *Redis) Consume(ctx context.Context, h Handler) error {
	var wg sync.WaitGroup
	errs := make(chan error, q.opts.Concurrency)

	for i := 0; i < q.opts.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := q.loop(ctx, h); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	return <-errs
}

func (q *Redis) loop(ctx context.Context, h Handler) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		raw, err := q.client.BLMove(ctx, q.waitKey(), q.activeKey(), "RIGHT", "LEFT", q.opts.PollTimeout).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, redis.ErrClosed) {
				return ErrClosed
			}
			// broker hiccup, back off and keep polling
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(q.opts.PollTimeout):
			}
			continue
		}

		if err := q.handle(ctx, raw, h); err != nil {
			if errors.Is(err, redis.ErrClosed) {
				return ErrClosed
			}
			if ctx.Err() != nil {
				return nil
			}
			// the job stays in active until Recover runs
			q.logger.Error("redis job left unsettled", zap.Error(err))
		}
	}
}

func (q *Redis) handle(ctx context.Context, raw string, h Handler) error {
	job, err := decodeJob([]byte(raw))
	if err != nil {
		return q.settle(ctx, raw, q.deadKey(), nil)
	}
	job.Attempts++

	herr := h(ctx, job)
	if herr == nil {
		return q.settle(ctx, raw, "", nil)
	}
	if job.Attempts >= q.opts.MaxAttempts {
		return q.settle(ctx, raw, q.deadKey(), &job)
	}
	return q.settle(ctx, raw, q.waitKey(), &job)
}

// settle removes raw from the active list and, when target is set, pushes
// the job (with its updated attempt count) onto target in the same
// transaction.
func (q *Redis) settle(ctx context.Context, raw, target string, job *Job) error {
	payload := raw
	if job != nil {
		data, err := encodeJob(*job)
		if err != nil {
			return err
		}
		payload = string(data)
	}

	for {
		err := q.settleOnce(ctx, raw, target, payload)
		if err == nil || errors.Is(err, redis.ErrClosed) {
			return err
		}
		q.logger.Warn("redis settle failed, retrying", zap.Error(err))
		select {
		case <-ctx.Done():
			return err
		case <-time.After(q.opts.PollTimeout):
		}
	}
}

func (q *Redis) settleOnce(ctx context.Context, raw, target, payload string) error {
	// settle on a fresh context so a shutdown does not strand the job in active
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	_, err := q.client.TxPipelined(sctx, func(p redis.Pipeliner) error {
		p.LRem(sctx, q.activeKey(), 1, raw)
		if target != "" {
			p.LPush(sctx, target, payload)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis settle: %w", err)
	}
	return nil
}

// Len reports the wait, active and dead list lengths.
func (q *Redis) Len(ctx context.Context) (wait, active, dead int64, err error) {
	pipe := q.client.Pipeline()
	w := pipe.LLen(ctx, q.waitKey())
	a := pipe.LLen(ctx, q.activeKey())
	d := pipe.LLen(ctx, q.deadKey())
	if _, err = pipe.Exec(ctx); err != nil {
		return 0, 0, 0, err
	}
	return w.Val(), a.Val(), d.Val(), nil
}

func (q *Redis) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

func (q *Redis) Close() error {
	return q.client.Close()
}

package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BuzzLyutic/taskflow-api/internal/testutil"
)

func newTestRedis(t *testing.T, name string) *Redis {
	return NewRedisWithClient(testutil.SetupTestRedis(t), Options{
		Name:        name,
		MaxAttempts: 3,
		Concurrency: 2,
		PollTimeout: 100 * time.Millisecond,
	})
}

func consumeUntil(t *testing.T, q Queue, h Handler, done func() bool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan error, 1)
	go func() { stopped <- q.Consume(ctx, h) }()

	ok := testutil.WaitForCondition(t, 10*time.Second, done)
	cancel()
	require.True(t, ok, "condition not reached")
	select {
	case err := <-stopped:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not stop")
	}
}

func TestRedis_DeliversAndAcks(t *testing.T) {
	q := newTestRedis(t, "redis-ack")
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "task-status-update", []byte(`{"taskId":"1","status":"COMPLETED"}`)))
	require.NoError(t, q.Enqueue(ctx, "task-status-update", []byte(`{"taskId":"2","status":"PENDING"}`)))

	var got atomic.Int32
	consumeUntil(t, q, func(ctx context.Context, job Job) error {
		assert.Equal(t, "task-status-update", job.Name)
		assert.Equal(t, 1, job.Attempts)
		assert.NotEmpty(t, job.ID)
		got.Add(1)
		return nil
	}, func() bool { return got.Load() == 2 })

	wait, active, dead, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, wait)
	assert.Zero(t, active)
	assert.Zero(t, dead)
}

func TestRedis_RetriesThenDeadLetters(t *testing.T) {
	q := newTestRedis(t, "redis-retry")
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, "task-status-update", []byte(`{}`)))

	var attempts atomic.Int32
	consumeUntil(t, q, func(ctx context.Context, job Job) error {
		attempts.Store(int32(job.Attempts))
		return errors.New("handler failed")
	}, func() bool {
		_, _, dead, err := q.Len(ctx)
		return err == nil && dead == 1
	})

	assert.Equal(t, int32(3), attempts.Load())
	wait, active, _, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, wait)
	assert.Zero(t, active)
}

func TestRedis_Recover(t *testing.T) {
	q := newTestRedis(t, "redis-recover")
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "task-overdue", []byte(`{}`)))
	// simulate a consumer that died mid-job
	require.NoError(t, q.client.LMove(ctx, q.waitKey(), q.activeKey(), "RIGHT", "LEFT").Err())

	n, err := q.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	wait, active, _, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), wait)
	assert.Zero(t, active)
	require.NoError(t, q.Ping(ctx))
}

// flakySettle fails the first n pipelines that remove a job from active.
type flakySettle struct {
	remaining atomic.Int32
}

func (h *flakySettle) DialHook(next redis.DialHook) redis.DialHook { return next }
func (h *flakySettle) ProcessHook(next redis.ProcessHook) redis.ProcessHook { return next }

func (h *flakySettle) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		for _, c := range cmds {
			if c.Name() == "lrem" && h.remaining.Add(-1) >= 0 {
				return errors.New("connection reset by peer")
			}
		}
		return next(ctx, cmds)
	}
}

func TestRedis_SurvivesFailedSettle(t *testing.T) {
	client := testutil.SetupTestRedis(t)
	hook := &flakySettle{}
	hook.remaining.Store(2)
	client.AddHook(hook)

	q := NewRedisWithClient(client, Options{
		Name:        "redis-settle",
		MaxAttempts: 3,
		Concurrency: 1,
		PollTimeout: 50 * time.Millisecond,
	})
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, q.Enqueue(ctx, "task-status-update", []byte(`{}`)))
	}

	var handled atomic.Int32
	consumeUntil(t, q, func(ctx context.Context, job Job) error {
		handled.Add(1)
		return nil
	}, func() bool {
		wait, active, _, err := q.Len(ctx)
		return err == nil && handled.Load() == 3 && wait+active == 0
	})

	// each job was handled once; the failed settles were retried, not redelivered
	assert.Equal(t, int32(3), handled.Load())
	_, _, dead, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, dead)
}

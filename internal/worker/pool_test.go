package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BuzzLyutic/taskflow-api/internal/model"
)

type MockOutbox struct {
	mock.Mock
}

func (m *MockOutbox) ClaimOutbox(ctx context.Context, limit int, lease time.Duration) ([]model.OutboxMessage, error) {
	args := m.Called(ctx, limit, lease)
	return args.Get(0).([]model.OutboxMessage), args.Error(1)
}

func (m *MockOutbox) MarkDispatched(ctx context.Context, id int64) error {
	return m.Called(ctx, id).Error(0)
}

func (m *MockOutbox) MarkFailed(ctx context.Context, id int64, cause string, retryAt time.Time) error {
	return m.Called(ctx, id, cause, retryAt).Error(0)
}

type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Enqueue(ctx context.Context, name string, payload []byte) error {
	return m.Called(ctx, name, payload).Error(0)
}

func testPoolConfig() PoolConfig {
	return PoolConfig{
		Workers:      1,
		Interval:     10 * time.Millisecond,
		BatchSize:    5,
		Lease:        time.Minute,
		RetryBackoff: time.Second,
	}
}

func TestPool_DispatchBatch(t *testing.T) {
	ctx := context.Background()
	msgs := []model.OutboxMessage{
		{ID: 1, JobName: model.JobStatusUpdate, Payload: []byte(`{"taskId":"a"}`)},
		{ID: 2, JobName: model.JobStatusUpdate, Payload: []byte(`{"taskId":"b"}`), Attempts: 2},
		{ID: 3, JobName: model.JobTaskOverdue, Payload: []byte(`{"taskId":"c"}`)},
	}

	outbox := new(MockOutbox)
	pub := new(MockPublisher)

	outbox.On("ClaimOutbox", mock.Anything, 5, time.Minute).Return(msgs, nil)
	pub.On("Enqueue", mock.Anything, model.JobStatusUpdate, msgs[0].Payload).Return(nil)
	pub.On("Enqueue", mock.Anything, model.JobStatusUpdate, msgs[1].Payload).Return(errors.New("queue down"))
	pub.On("Enqueue", mock.Anything, model.JobTaskOverdue, msgs[2].Payload).Return(nil)
	outbox.On("MarkDispatched", mock.Anything, int64(1)).Return(nil)
	outbox.On("MarkDispatched", mock.Anything, int64(3)).Return(nil)

	before := time.Now()
	outbox.On("MarkFailed", mock.Anything, int64(2), "queue down", mock.MatchedBy(func(at time.Time) bool {
		// third attempt waits three backoff steps
		return !at.Before(before.Add(3*time.Second)) && at.Before(time.Now().Add(4*time.Second))
	})).Return(nil)

	p := NewPool(outbox, pub, zap.NewNop(), testPoolConfig())
	sent, err := p.dispatchBatch(ctx)

	require.NoError(t, err)
	assert.Equal(t, 2, sent)
	outbox.AssertExpectations(t)
	pub.AssertExpectations(t)
}

func TestPool_DispatchBatch_ClaimError(t *testing.T) {
	outbox := new(MockOutbox)
	outbox.On("ClaimOutbox", mock.Anything, mock.Anything, mock.Anything).
		Return([]model.OutboxMessage(nil), errors.New("db down"))

	p := NewPool(outbox, new(MockPublisher), zap.NewNop(), testPoolConfig())
	_, err := p.dispatchBatch(context.Background())
	assert.EqualError(t, err, "db down")
}

func TestPool_BreakerOpensAfterRepeatedFailures(t *testing.T) {
	msgs := make([]model.OutboxMessage, 5)
	for i := range msgs {
		msgs[i] = model.OutboxMessage{ID: int64(i + 1), JobName: model.JobStatusUpdate}
	}

	outbox := new(MockOutbox)
	pub := new(MockPublisher)
	outbox.On("ClaimOutbox", mock.Anything, mock.Anything, mock.Anything).Return(msgs, nil).Once()
	outbox.On("MarkFailed", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
	pub.On("Enqueue", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("queue down"))

	p := NewPool(outbox, pub, zap.NewNop(), testPoolConfig())

	sent, err := p.dispatchBatch(context.Background())
	require.NoError(t, err)
	assert.Zero(t, sent)
	assert.Equal(t, gobreaker.StateOpen, p.breaker.State())

	// an open breaker skips the tick without touching the outbox
	sent, err = p.dispatchBatch(context.Background())
	require.NoError(t, err)
	assert.Zero(t, sent)
	outbox.AssertNumberOfCalls(t, "ClaimOutbox", 1)
}

func TestPool_Backoff(t *testing.T) {
	p := NewPool(new(MockOutbox), new(MockPublisher), zap.NewNop(), testPoolConfig())

	assert.Equal(t, time.Second, p.backoff(0))
	assert.Equal(t, 4*time.Second, p.backoff(3))
	assert.Equal(t, 20*time.Second, p.backoff(100))
}

func TestPool_GracefulShutdown(t *testing.T) {
	var claims atomic.Int32

	outbox := new(MockOutbox)
	outbox.On("ClaimOutbox", mock.Anything, mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { claims.Add(1) }).
		Return([]model.OutboxMessage{}, nil)

	cfg := testPoolConfig()
	cfg.Workers = 3
	p := NewPool(outbox, new(MockPublisher), zap.NewNop(), cfg)
	p.Start(context.Background())

	require.Eventually(t, func() bool { return claims.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)

	done := make(chan struct{})
	go func() {
		p.Stop()
		p.Stop() // second call is a no-op
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not stop in time")
	}

	n := claims.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, n, claims.Load(), "no claims after Stop")
}

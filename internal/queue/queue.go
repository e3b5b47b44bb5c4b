// Package queue is the notification job queue. Delivery is at-least-once:
// a handler may see the same job more than once and must be idempotent.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var ErrClosed = errors.New("queue closed")

type Job struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Payload    json.RawMessage `json:"payload"`
	Attempts   int             `json:"attempts"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
}

// Handler processes one job. A returned error sends the job back for
// another attempt until the queue's attempt limit is reached.
type Handler func(ctx context.Context, job Job) error

type Publisher interface {
	Enqueue(ctx context.Context, name string, payload []byte) error
}

type Queue interface {
	Publisher
	// Consume blocks, feeding jobs to h, until ctx is cancelled.
	Consume(ctx context.Context, h Handler) error
	Ping(ctx context.Context) error
	Close() error
}

type Options struct {
	Driver      string        `mapstructure:"driver" validate:"oneof=redis nats"`
	Name        string        `mapstructure:"name" validate:"required"`
	MaxAttempts int           `mapstructure:"max_attempts" validate:"gte=1"`
	Concurrency int           `mapstructure:"concurrency" validate:"gte=1"`
	PollTimeout time.Duration `mapstructure:"poll_timeout" validate:"gt=0"`
	RedisAddr   string        `mapstructure:"redis_addr" validate:"required_if=Driver redis"`
	RedisDB     int           `mapstructure:"redis_db"`
	RedisPass   string        `mapstructure:"redis_password"`
	NATSURL     string        `mapstructure:"nats_url" validate:"required_if=Driver nats"`

	Logger *zap.Logger `mapstructure:"-" validate:"-"`
}

func (o Options) logger() *zap.Logger {
	if o.Logger == nil {
		return zap.NewNop()
	}
	return o.Logger.With(zap.String("queue", o.Name))
}

// Open connects the driver selected in opts.
func Open(ctx context.Context, opts Options) (Queue, error) {
	switch opts.Driver {
	case "", "redis":
		return NewRedis(opts), nil
	case "nats":
		return NewNATS(ctx, opts)
	}
	return nil, fmt.Errorf("unknown queue driver %q", opts.Driver)
}

func newJob(name string, payload []byte) Job {
	return Job{
		ID:         uuid.NewString(),
		Name:       name,
		Payload:    payload,
		EnqueuedAt: time.Now().UTC(),
	}
}

func encodeJob(j Job) ([]byte, error) {
	data, err := json.Marshal(j)
	if err != nil {
		return nil, fmt.Errorf("encode job %s: %w", j.Name, err)
	}
	return data, nil
}

func decodeJob(data []byte) (Job, error) {
	var j Job
	if err := json.Unmarshal(data, &j); err != nil {
		return j, fmt.Errorf("decode job: %w", err)
	}
	return j, nil
}

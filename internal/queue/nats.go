package queue

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"
)

// NATS is a JetStream work-queue stream. Redelivery and the attempt limit
// are enforced by the durable consumer.
type NATS struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	stream jetstream.Stream
	opts   Options
	logger *zap.Logger
}

func NewNATS(ctx context.Context, opts Options) (*NATS, error) {
	nc, err := nats.Connect(opts.NATSURL,
		nats.Name(opts.Name),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(10),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	q, err := NewNATSWithConn(ctx, nc, opts)
	if err != nil {
		nc.Close()
		return nil, err
	}
	return q, nil
}

func NewNATSWithConn(ctx context.Context, nc *nats.Conn, opts Options) (*NATS, error) {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}

	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	q := &NATS{nc: nc, js: js, opts: opts, logger: opts.logger()}
	q.stream, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      q.streamName(),
		Subjects:  []string{q.subject("jobs", ">")},
		Retention: jetstream.WorkQueuePolicy,
		MaxAge:    24 * time.Hour,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("create stream: %w", err)
	}
	if _, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     q.streamName() + "_DEAD",
		Subjects: []string{q.subject("dead", ">")},
		MaxAge:   7 * 24 * time.Hour,
		Storage:  jetstream.FileStorage,
	}); err != nil {
		return nil, fmt.Errorf("create dead-letter stream: %w", err)
	}
	return q, nil
}

func (q *NATS) streamName() string {
	return strings.ToUpper(strings.NewReplacer(".", "_", "-", "_", ":", "_").Replace(q.opts.Name))
}

func (q *NATS) subject(kind, name string) string {
	return q.opts.Name + "." + kind + "." + name
}

func (q *NATS) Enqueue(ctx context.Context, name string, payload []byte) error {
	job := newJob(name, payload)
	data, err := encodeJob(job)
	if err != nil {
		return err
	}
	if _, err := q.js.Publish(ctx, q.subject("jobs", name), data, jetstream.WithMsgID(job.ID)); err != nil {
		return fmt.Errorf("nats enqueue %s: %w", name, err)
	}
	return nil
}

func (q *NATS) Consume(ctx context.Context, h Handler) error {
	cons, err := q.stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       q.streamName() + "_workers",
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    q.opts.MaxAttempts,
		MaxAckPending: q.opts.Concurrency * 4,
		FilterSubject: q.subject("jobs", ">"),
	})
	if err != nil {
		return fmt.Errorf("create consumer: %w", err)
	}

	var inflight sync.WaitGroup
	sem := make(chan struct{}, q.opts.Concurrency)
	cc, err := cons.Consume(func(msg jetstream.Msg) {
		sem <- struct{}{}
		inflight.Add(1)
		go func() {
			defer inflight.Done()
			defer func() { <-sem }()
			q.handle(ctx, msg, h)
		}()
	})
	if err != nil {
		return fmt.Errorf("start consumer: %w", err)
	}

	<-ctx.Done()
	cc.Stop()
	<-cc.Closed()
	// handlers still running settle their messages before Consume returns
	inflight.Wait()
	return nil
}

func (q *NATS) handle(ctx context.Context, msg jetstream.Msg, h Handler) {
	job, err := decodeJob(msg.Data())
	if err != nil {
		q.deadLetter(ctx, msg, msg.Data())
		return
	}
	if meta, err := msg.Metadata(); err == nil {
		job.Attempts = int(meta.NumDelivered)
	} else {
		job.Attempts = 1
	}

	if err := h(ctx, job); err == nil {
		_ = msg.Ack()
		return
	}

	if job.Attempts >= q.opts.MaxAttempts {
		data, _ := encodeJob(job)
		q.deadLetter(ctx, msg, data)
		return
	}
	_ = msg.NakWithDelay(time.Duration(job.Attempts) * time.Second)
}

func (q *NATS) deadLetter(ctx context.Context, msg jetstream.Msg, data []byte) {
	name := strings.TrimPrefix(msg.Subject(), q.subject("jobs", ""))
	if _, err := q.js.Publish(context.WithoutCancel(ctx), q.subject("dead", name), data); err != nil {
		q.logger.Error("dead-letter publish failed", zap.String("subject", msg.Subject()), zap.Error(err))
		_ = msg.Nak()
		return
	}
	_ = msg.Term()
}

func (q *NATS) Ping(ctx context.Context) error {
	if q.nc.Status() != nats.CONNECTED {
		return fmt.Errorf("nats connection %s", q.nc.Status())
	}
	_, err := q.stream.Info(ctx)
	return err
}

func (q *NATS) Close() error {
	q.nc.Close()
	return nil
}

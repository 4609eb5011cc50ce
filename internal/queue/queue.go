// Package queue carries mapping jobs from the OCR stage to the dispatcher.
// Delivery is at-least-once. Each transport owns its redelivery count,
// visibility timeout and dead-letter channel; consumers only Ack, Nack or
// DeadLetter what they receive.
package queue

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/catalog-ingest/internal/config"
	"github.com/sells-group/catalog-ingest/internal/db"
	"github.com/sells-group/catalog-ingest/internal/model"
	"github.com/sells-group/catalog-ingest/internal/resilience"
)

// ErrClosed is returned by Receive after Close.
var ErrClosed = eris.New("queue: transport closed")

// Job asks for the mapping stage to run on one attempt.
type Job struct {
	ID         string    `json:"id"`
	AttemptID  string    `json:"attempt_id"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Delivery is one receipt of a Job.
type Delivery struct {
	Job
	// Count is 1 on first delivery and grows with every redelivery.
	Count int
	// LastError is the cause recorded by the previous Nack, if any.
	LastError string

	receipt any
}

// Transport is the queue abstraction consumed by the dispatcher and the
// OCR stage.
type Transport interface {
	Enqueue(ctx context.Context, attemptID string) error
	// Receive blocks until a job is visible or ctx is done.
	Receive(ctx context.Context) (*Delivery, error)
	Ack(ctx context.Context, d *Delivery) error
	// Nack gives the job back for redelivery once its visibility timeout
	// expires. A job out of deliveries goes to the dead-letter channel.
	Nack(ctx context.Context, d *Delivery, cause error) error
	// DeadLetter diverts the job immediately.
	DeadLetter(ctx context.Context, d *Delivery, cause error) error
	DeadLetters(ctx context.Context, filter resilience.DeadLetterFilter) ([]resilience.DeadLetter, error)
	// Redrive re-enqueues a dead letter's attempt and removes the dead letter.
	Redrive(ctx context.Context, id string) error
	Close() error
}

// Options tune the redelivery policy shared by all transports.
type Options struct {
	MaxDeliveries     int
	VisibilityTimeout time.Duration
	PollInterval      time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxDeliveries <= 0 {
		o.MaxDeliveries = 5
	}
	if o.VisibilityTimeout <= 0 {
		o.VisibilityTimeout = 5 * time.Minute
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	return o
}

// OptionsFromConfig builds Options from the queue config section.
func OptionsFromConfig(cfg config.QueueConfig) Options {
	return Options{
		MaxDeliveries:     cfg.MaxDeliveries,
		VisibilityTimeout: cfg.VisibilityTimeout(),
		PollInterval:      cfg.PollInterval(),
	}
}

// New returns the transport named by cfg.Driver. pool is required for the
// postgres driver and ignored otherwise.
func New(cfg config.QueueConfig, pool db.Pool) (Transport, error) {
	opts := OptionsFromConfig(cfg)
	switch cfg.Driver {
	case "", "postgres":
		if pool == nil {
			return nil, eris.New("queue: postgres transport requires a postgres store")
		}
		return NewPostgresTransport(pool, opts), nil
	case "kafka":
		return NewKafkaTransport(KafkaConfig{
			Brokers:         cfg.Kafka.Brokers,
			Topic:           cfg.Kafka.Topic,
			DeadLetterTopic: cfg.Kafka.DeadLetterTopic,
			GroupID:         cfg.Kafka.GroupID,
		}, opts)
	case "memory":
		return NewMemoryTransport(opts), nil
	default:
		return nil, eris.Wrapf(model.ErrValidation, "queue: unknown driver %q", cfg.Driver)
	}
}

// EnqueueWithRetry enqueues through the retry policy and tags a final
// failure as an external service error.
func EnqueueWithRetry(ctx context.Context, t Transport, retry resilience.RetryConfig, attemptID string) error {
	if retry.OnRetry == nil {
		retry.OnRetry = resilience.RetryLogger("queue", "enqueue")
	}
	err := resilience.Do(ctx, retry, func(ctx context.Context) error {
		return t.Enqueue(ctx, attemptID)
	})
	return model.External("queue", err)
}

func limit(n int) int {
	if n <= 0 || n > 1000 {
		return 100
	}
	return n
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

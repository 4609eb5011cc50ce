// Package dispatch runs the mapping worker pool. Workers pull jobs from a
// queue.Transport and drive each attempt through BeginMapping, the mapping
// engine and the terminal transition. Delivery is at-least-once, so every
// job starts by re-reading the attempt and skipping anything already
// terminal.
package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/catalog-ingest/internal/lifecycle"
	"github.com/sells-group/catalog-ingest/internal/mapping"
	"github.com/sells-group/catalog-ingest/internal/metrics"
	"github.com/sells-group/catalog-ingest/internal/model"
	"github.com/sells-group/catalog-ingest/internal/queue"
)

// Runner is the mapping stage. *mapping.Engine satisfies it.
type Runner interface {
	Run(ctx context.Context, a *model.Attempt) (*mapping.Outcome, error)
}

// Options tunes a Dispatcher.
type Options struct {
	Workers int
	// JobTimeout bounds one mapping run; zero means no extra deadline.
	JobTimeout time.Duration
	// ReceiveBackoff is the pause after a transport receive error.
	ReceiveBackoff time.Duration
	Metrics        *metrics.Registry
}

// Dispatcher consumes mapping jobs.
type Dispatcher struct {
	queue    queue.Transport
	recorder *lifecycle.Recorder
	engine   Runner
	opts     Options
}

// New creates a Dispatcher.
func New(q queue.Transport, rec *lifecycle.Recorder, engine Runner, opts Options) *Dispatcher {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.ReceiveBackoff <= 0 {
		opts.ReceiveBackoff = time.Second
	}
	return &Dispatcher{queue: q, recorder: rec, engine: engine, opts: opts}
}

// Run starts the worker pool and blocks until ctx is cancelled or the
// transport is closed.
func (d *Dispatcher) Run(ctx context.Context) error {
	zap.L().Info("dispatch: starting workers", zap.Int("workers", d.opts.Workers))

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < d.opts.Workers; i++ {
		worker := i
		g.Go(func() error {
			return d.work(gctx, worker)
		})
	}
	if err := g.Wait(); err != nil {
		return eris.Wrap(err, "dispatch: run")
	}
	zap.L().Info("dispatch: workers stopped")
	return nil
}

func (d *Dispatcher) work(ctx context.Context, worker int) error {
	log := zap.L().With(zap.Int("worker", worker))
	for {
		del, err := d.queue.Receive(ctx)
		switch {
		case err == nil:
		case ctx.Err() != nil, errors.Is(err, queue.ErrClosed):
			return nil
		default:
			log.Error("dispatch: receive failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(d.opts.ReceiveBackoff):
			}
			continue
		}
		d.Handle(ctx, del)
	}
}

// Handle processes one delivery and settles it with the transport. It
// returns the outcome recorded in metrics.
func (d *Dispatcher) Handle(ctx context.Context, del *queue.Delivery) string {
	log := zap.L().With(
		zap.String("attempt_id", del.AttemptID),
		zap.String("job_id", del.ID),
		zap.Int("delivery", del.Count),
	)

	outcome, cause := d.process(ctx, del)

	// Settle even when the worker is shutting down.
	sctx := context.WithoutCancel(ctx)
	var err error
	switch outcome {
	case metrics.OutcomeAck, metrics.OutcomeSkipped:
		err = d.queue.Ack(sctx, del)
	case metrics.OutcomeNack:
		log.Warn("dispatch: job will be redelivered", zap.Error(cause))
		err = d.queue.Nack(sctx, del, cause)
	case metrics.OutcomeDeadLetter:
		log.Error("dispatch: job dead-lettered", zap.Error(cause))
		err = d.queue.DeadLetter(sctx, del, cause)
	}
	if err != nil {
		log.Error("dispatch: settle job", zap.String("outcome", outcome), zap.Error(err))
	}
	d.opts.Metrics.Job(outcome)
	return outcome
}

func (d *Dispatcher) process(ctx context.Context, del *queue.Delivery) (string, error) {
	log := zap.L().With(zap.String("attempt_id", del.AttemptID))

	a, err := d.recorder.Get(ctx, del.AttemptID)
	switch {
	case errors.Is(err, model.ErrNotFound), errors.Is(err, model.ErrValidation):
		return metrics.OutcomeDeadLetter, err
	case err != nil:
		return metrics.OutcomeNack, err
	}
	if a.Status.IsTerminal() {
		log.Info("dispatch: attempt already terminal, skipping", zap.String("status", string(a.Status)))
		return metrics.OutcomeSkipped, nil
	}
	if a.Status == model.StatusPending {
		return metrics.OutcomeDeadLetter, eris.Wrapf(model.ErrPreconditionFailed,
			"dispatch: attempt %s has no OCR result", a.ID)
	}

	started, err := d.recorder.BeginMapping(ctx, a.ID)
	if err != nil {
		return d.settleError(ctx, a.ID, err)
	}

	runCtx := ctx
	if d.opts.JobTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, d.opts.JobTimeout)
		defer cancel()
	}
	out, err := d.engine.Run(runCtx, a)
	if err != nil {
		// A worker stopping mid-run leaves the job to be redelivered.
		if ctx.Err() != nil {
			return metrics.OutcomeNack, err
		}
		reason, ok := mapping.IsFailed(err)
		if !ok {
			return metrics.OutcomeNack, err
		}
		if err := d.recorder.RecordFailure(ctx, a.ID, reason); err != nil {
			return d.settleError(ctx, a.ID, err)
		}
		return metrics.OutcomeAck, nil
	}

	err = d.recorder.RecordMappingResult(ctx, a.ID, lifecycle.MappingResult{
		Payload:        out.Payload,
		RequiresReview: out.RequiresReview,
		ReviewReason:   out.ReviewReason,
		StartedAt:      started,
	})
	if err != nil {
		return d.settleError(ctx, a.ID, err)
	}
	return metrics.OutcomeAck, nil
}

// settleError maps a state-machine error to a job outcome. A guard rejection
// against an attempt that has since turned terminal means another delivery
// finished the job first.
func (d *Dispatcher) settleError(ctx context.Context, id string, err error) (string, error) {
	if !lifecycle.IsPrecondition(err) {
		return metrics.OutcomeNack, err
	}
	a, getErr := d.recorder.Get(ctx, id)
	if getErr == nil && a.Status.IsTerminal() {
		zap.L().Info("dispatch: attempt finished by another delivery",
			zap.String("attempt_id", id),
			zap.String("status", string(a.Status)),
		)
		return metrics.OutcomeSkipped, nil
	}
	return metrics.OutcomeDeadLetter, err
}

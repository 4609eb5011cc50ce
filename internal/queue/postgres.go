package queue

import (
	"context"
	"errors"
	"strconv"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/catalog-ingest/internal/db"
	"github.com/sells-group/catalog-ingest/internal/model"
	"github.com/sells-group/catalog-ingest/internal/resilience"
)

// PostgresTransport keeps jobs in a table next to the attempts. Workers
// claim rows with FOR UPDATE SKIP LOCKED and lease them by pushing
// visible_at forward; an unacked lease becomes visible again on its own.
type PostgresTransport struct {
	pool db.Pool
	opts Options
}

// NewPostgresTransport creates a transport over pool. Call Migrate first.
func NewPostgresTransport(pool db.Pool, opts Options) *PostgresTransport {
	return &PostgresTransport{pool: pool, opts: opts.withDefaults()}
}

const queueMigration = `
CREATE TABLE IF NOT EXISTS mapping_jobs (
	id          TEXT PRIMARY KEY,
	attempt_id  TEXT NOT NULL,
	deliveries  INTEGER NOT NULL DEFAULT 0,
	visible_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_error  TEXT,
	enqueued_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_mapping_jobs_visible ON mapping_jobs(visible_at, enqueued_at);

CREATE TABLE IF NOT EXISTS dead_letters (
	id         TEXT PRIMARY KEY,
	attempt_id TEXT NOT NULL,
	reason     TEXT NOT NULL,
	error_type TEXT NOT NULL,
	deliveries INTEGER NOT NULL,
	failed_at  TIMESTAMPTZ NOT NULL
);
`

// Migrate creates the job and dead-letter tables.
func (t *PostgresTransport) Migrate(ctx context.Context) error {
	_, err := t.pool.Exec(ctx, queueMigration)
	return eris.Wrap(err, "queue: migrate")
}

func (t *PostgresTransport) Enqueue(ctx context.Context, attemptID string) error {
	if attemptID == "" {
		return eris.Wrap(model.ErrValidation, "queue: attempt id is required")
	}
	_, err := t.pool.Exec(ctx,
		`INSERT INTO mapping_jobs (id, attempt_id, deliveries, visible_at, enqueued_at)
		 VALUES ($1, $2, 0, now(), now())`,
		uuid.NewString(), attemptID)
	return eris.Wrapf(err, "queue: enqueue %s", attemptID)
}

func (t *PostgresTransport) Receive(ctx context.Context) (*Delivery, error) {
	for {
		d, err := t.claim(ctx)
		if err != nil || d != nil {
			return d, err
		}
		if err := sleep(ctx, t.opts.PollInterval); err != nil {
			return nil, err
		}
	}
}

// claim leases one visible job. It returns nil, nil when none is visible.
// A job whose previous lease expired on its last allowed delivery is moved
// to the dead letters instead.
func (t *PostgresTransport) claim(ctx context.Context) (*Delivery, error) {
	tx, err := t.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "queue: begin claim")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var (
		d       Delivery
		lastErr *string
	)
	err = tx.QueryRow(ctx,
		`SELECT id, attempt_id, deliveries, last_error, enqueued_at
		 FROM mapping_jobs
		 WHERE visible_at <= now()
		 ORDER BY enqueued_at
		 LIMIT 1
		 FOR UPDATE SKIP LOCKED`,
	).Scan(&d.ID, &d.AttemptID, &d.Count, &lastErr, &d.EnqueuedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrap(tx.Commit(ctx), "queue: commit empty claim")
	}
	if err != nil {
		return nil, eris.Wrap(err, "queue: claim job")
	}
	if lastErr != nil {
		d.LastError = *lastErr
	}

	if d.Count >= t.opts.MaxDeliveries {
		cause := eris.Errorf("queue: visibility timeout expired after %d deliveries: %s", d.Count, d.LastError)
		if err := buryTx(ctx, tx, &d, cause); err != nil {
			return nil, err
		}
		return nil, eris.Wrap(tx.Commit(ctx), "queue: commit dead letter")
	}

	d.Count++
	_, err = tx.Exec(ctx,
		`UPDATE mapping_jobs
		 SET deliveries = $2, visible_at = now() + make_interval(secs => $3)
		 WHERE id = $1`,
		d.ID, d.Count, t.opts.VisibilityTimeout.Seconds())
	if err != nil {
		return nil, eris.Wrap(err, "queue: lease job")
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "queue: commit claim")
	}
	d.receipt = d.Count
	return &d, nil
}

// Ack deletes the job if the delivery still holds the latest lease.
func (t *PostgresTransport) Ack(ctx context.Context, d *Delivery) error {
	_, err := t.pool.Exec(ctx,
		`DELETE FROM mapping_jobs WHERE id = $1 AND deliveries = $2`, d.ID, d.Count)
	return eris.Wrapf(err, "queue: ack %s", d.ID)
}

func (t *PostgresTransport) Nack(ctx context.Context, d *Delivery, cause error) error {
	if d.Count >= t.opts.MaxDeliveries {
		return t.DeadLetter(ctx, d, cause)
	}
	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	_, err := t.pool.Exec(ctx,
		`UPDATE mapping_jobs SET last_error = $3 WHERE id = $1 AND deliveries = $2`,
		d.ID, d.Count, reason)
	return eris.Wrapf(err, "queue: nack %s", d.ID)
}

func (t *PostgresTransport) DeadLetter(ctx context.Context, d *Delivery, cause error) error {
	tx, err := t.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "queue: begin dead letter")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := buryTx(ctx, tx, d, cause); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(ctx), "queue: commit dead letter")
}

func buryTx(ctx context.Context, tx pgx.Tx, d *Delivery, cause error) error {
	dl := resilience.NewDeadLetter(d.ID, d.AttemptID, d.Count, cause)
	_, err := tx.Exec(ctx,
		`INSERT INTO dead_letters (id, attempt_id, reason, error_type, deliveries, failed_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO NOTHING`,
		dl.ID, dl.AttemptID, dl.Reason, dl.ErrorType, dl.Deliveries, dl.FailedAt)
	if err != nil {
		return eris.Wrapf(err, "queue: insert dead letter %s", d.ID)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM mapping_jobs WHERE id = $1`, d.ID); err != nil {
		return eris.Wrapf(err, "queue: delete dead job %s", d.ID)
	}
	zap.L().Warn("queue: job dead-lettered",
		zap.String("job_id", d.ID),
		zap.String("attempt_id", d.AttemptID),
		zap.Int("delivery", d.Count),
		zap.Error(cause),
	)
	return nil
}

func (t *PostgresTransport) DeadLetters(ctx context.Context, filter resilience.DeadLetterFilter) ([]resilience.DeadLetter, error) {
	query := `SELECT id, attempt_id, reason, error_type, deliveries, failed_at FROM dead_letters`
	args := []any{}
	if filter.ErrorType != "" {
		query += ` WHERE error_type = $1`
		args = append(args, filter.ErrorType)
	}
	query += ` ORDER BY failed_at`
	args = append(args, limit(filter.Limit))
	query += ` LIMIT $` + strconv.Itoa(len(args))

	rows, err := t.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "queue: list dead letters")
	}
	defer rows.Close()

	out := []resilience.DeadLetter{}
	for rows.Next() {
		var dl resilience.DeadLetter
		if err := rows.Scan(&dl.ID, &dl.AttemptID, &dl.Reason, &dl.ErrorType, &dl.Deliveries, &dl.FailedAt); err != nil {
			return nil, eris.Wrap(err, "queue: scan dead letter")
		}
		out = append(out, dl)
	}
	return out, eris.Wrap(rows.Err(), "queue: iterate dead letters")
}

// Redrive re-enqueues and deletes the dead letter in one transaction.
func (t *PostgresTransport) Redrive(ctx context.Context, id string) error {
	tx, err := t.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "queue: begin redrive")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var attemptID string
	err = tx.QueryRow(ctx,
		`DELETE FROM dead_letters WHERE id = $1 RETURNING attempt_id`, id).Scan(&attemptID)
	if errors.Is(err, pgx.ErrNoRows) {
		return eris.Wrapf(model.ErrNotFound, "queue: dead letter %s", id)
	}
	if err != nil {
		return eris.Wrapf(err, "queue: redrive %s", id)
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO mapping_jobs (id, attempt_id, deliveries, visible_at, enqueued_at)
		 VALUES ($1, $2, 0, now(), now())`,
		uuid.NewString(), attemptID)
	if err != nil {
		return eris.Wrapf(err, "queue: re-enqueue %s", attemptID)
	}
	return eris.Wrap(tx.Commit(ctx), "queue: commit redrive")
}

// Close is a no-op; the pool belongs to the store.
func (t *PostgresTransport) Close() error { return nil }

// Pending counts jobs not yet acked, for the monitoring collector.
func (t *PostgresTransport) Pending(ctx context.Context) (int, error) {
	var n int
	err := t.pool.QueryRow(ctx, `SELECT COUNT(*) FROM mapping_jobs`).Scan(&n)
	return n, eris.Wrap(err, "queue: count pending")
}

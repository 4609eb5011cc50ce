package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/catalog-ingest/internal/model"
	"github.com/sells-group/catalog-ingest/internal/resilience"
)

// MemoryTransport is an in-process transport for single-binary runs and
// tests. Jobs do not survive a restart.
type MemoryTransport struct {
	opts Options
	now  func() time.Time

	mu     sync.Mutex
	jobs   []*memJob
	dead   []resilience.DeadLetter
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

type memJob struct {
	job       Job
	count     int
	visibleAt time.Time
	lastErr   string
	// lease identifies the latest delivery; stale acks are ignored.
	lease uint64
}

// NewMemoryTransport creates an empty in-memory transport.
func NewMemoryTransport(opts Options) *MemoryTransport {
	return &MemoryTransport{
		opts: opts.withDefaults(),
		now:  time.Now,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

func (m *MemoryTransport) Enqueue(_ context.Context, attemptID string) error {
	if attemptID == "" {
		return eris.Wrap(model.ErrValidation, "queue: attempt id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	now := m.now()
	m.jobs = append(m.jobs, &memJob{
		job:       Job{ID: uuid.NewString(), AttemptID: attemptID, EnqueuedAt: now.UTC()},
		visibleAt: now,
	})
	m.signal()
	return nil
}

func (m *MemoryTransport) Receive(ctx context.Context) (*Delivery, error) {
	for {
		d, wait, err := m.claim()
		if err != nil || d != nil {
			return d, err
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-m.done:
			t.Stop()
			return nil, ErrClosed
		case <-m.wake:
		case <-t.C:
		}
		t.Stop()
	}
}

// claim leases the oldest visible job, or reports how long to wait.
func (m *MemoryTransport) claim() (*Delivery, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, 0, ErrClosed
	}
	now := m.now()
	wait := m.opts.PollInterval
	for i := 0; i < len(m.jobs); i++ {
		j := m.jobs[i]
		if j.visibleAt.After(now) {
			if d := j.visibleAt.Sub(now); d < wait {
				wait = d
			}
			continue
		}
		if j.count >= m.opts.MaxDeliveries {
			m.bury(i, eris.Errorf("queue: visibility timeout expired after %d deliveries: %s", j.count, j.lastErr))
			i--
			continue
		}
		j.count++
		j.lease++
		j.visibleAt = now.Add(m.opts.VisibilityTimeout)
		return &Delivery{Job: j.job, Count: j.count, LastError: j.lastErr, receipt: j.lease}, 0, nil
	}
	return nil, wait, nil
}

func (m *MemoryTransport) Ack(_ context.Context, d *Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i, ok := m.find(d); ok {
		m.jobs = append(m.jobs[:i], m.jobs[i+1:]...)
	}
	return nil
}

func (m *MemoryTransport) Nack(_ context.Context, d *Delivery, cause error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	i, ok := m.find(d)
	if !ok {
		return nil
	}
	if d.Count >= m.opts.MaxDeliveries {
		m.bury(i, cause)
		return nil
	}
	if cause != nil {
		m.jobs[i].lastErr = cause.Error()
	}
	return nil
}

func (m *MemoryTransport) DeadLetter(_ context.Context, d *Delivery, cause error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i, ok := m.find(d); ok {
		m.bury(i, cause)
	}
	return nil
}

func (m *MemoryTransport) DeadLetters(_ context.Context, filter resilience.DeadLetterFilter) ([]resilience.DeadLetter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []resilience.DeadLetter{}
	for _, dl := range m.dead {
		if filter.Matches(dl) {
			out = append(out, dl)
		}
		if len(out) == limit(filter.Limit) {
			break
		}
	}
	return out, nil
}

func (m *MemoryTransport) Redrive(ctx context.Context, id string) error {
	m.mu.Lock()
	var attemptID string
	for i, dl := range m.dead {
		if dl.ID == id {
			attemptID = dl.AttemptID
			m.dead = append(m.dead[:i], m.dead[i+1:]...)
			break
		}
	}
	m.mu.Unlock()
	if attemptID == "" {
		return eris.Wrapf(model.ErrNotFound, "queue: dead letter %s", id)
	}
	return m.Enqueue(ctx, attemptID)
}

func (m *MemoryTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.done)
	}
	return nil
}

// Len reports the number of queued or leased jobs.
func (m *MemoryTransport) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.jobs)
}

// find locates the job of the current lease. Callers hold mu.
func (m *MemoryTransport) find(d *Delivery) (int, bool) {
	for i, j := range m.jobs {
		if j.job.ID == d.ID && j.lease == d.receipt {
			return i, true
		}
	}
	return 0, false
}

// bury moves jobs[i] to the dead letters. Callers hold mu.
func (m *MemoryTransport) bury(i int, cause error) {
	j := m.jobs[i]
	m.jobs = append(m.jobs[:i], m.jobs[i+1:]...)
	m.dead = append(m.dead, resilience.NewDeadLetter(j.job.ID, j.job.AttemptID, j.count, cause))
	zap.L().Warn("queue: job dead-lettered",
		zap.String("job_id", j.job.ID),
		zap.String("attempt_id", j.job.AttemptID),
		zap.Int("delivery", j.count),
		zap.Error(cause),
	)
}

func (m *MemoryTransport) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/catalog-ingest/internal/metrics"
	"github.com/sells-group/catalog-ingest/internal/model"
	"github.com/sells-group/catalog-ingest/internal/queue"
	"github.com/sells-group/catalog-ingest/internal/resilience"
	"github.com/sells-group/catalog-ingest/internal/store"
)

// deadLetterScan caps how many dead letters are counted per check.
const deadLetterScan = 1000

// MetricsSnapshot holds a point-in-time view of system health.
type MetricsSnapshot struct {
	Attempts   map[string]int `json:"attempts"`
	Total      int            `json:"total"`
	Completed  int            `json:"completed"`
	Failed     int            `json:"failed"`
	InProgress int            `json:"in_progress"`
	FailRate   float64        `json:"fail_rate"`

	// DeadLetters counts buried mapping jobs, by error type.
	DeadLetters      int            `json:"dead_letters"`
	DeadLetterByType map[string]int `json:"dead_letter_by_type,omitempty"`

	CollectedAt time.Time `json:"collected_at"`
}

// Collector gathers attempt and queue health.
type Collector struct {
	store   store.Store
	queue   queue.Transport
	metrics *metrics.Registry
}

// NewCollector creates a new collector. A nil queue skips dead-letter
// counting; a nil registry skips gauge updates.
func NewCollector(st store.Store, q queue.Transport, m *metrics.Registry) *Collector {
	return &Collector{store: st, queue: q, metrics: m}
}

// Collect gathers a snapshot and publishes it to the gauges.
func (c *Collector) Collect(ctx context.Context) (*MetricsSnapshot, error) {
	counts, err := c.store.CountByStatus(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count attempts")
	}

	snap := &MetricsSnapshot{
		Attempts:    make(map[string]int, len(counts)),
		CollectedAt: time.Now().UTC(),
	}
	for status, n := range counts {
		snap.Attempts[string(status)] = n
		snap.Total += n
		switch status {
		case model.StatusCompleted:
			snap.Completed += n
		case model.StatusFailed:
			snap.Failed += n
		default:
			snap.InProgress += n
		}
	}
	if finished := snap.Completed + snap.Failed; finished > 0 {
		snap.FailRate = float64(snap.Failed) / float64(finished)
	}

	if c.queue != nil {
		dead, err := c.queue.DeadLetters(ctx, resilience.DeadLetterFilter{Limit: deadLetterScan})
		if err != nil {
			return nil, eris.Wrap(err, "monitoring: list dead letters")
		}
		snap.DeadLetters = len(dead)
		if len(dead) > 0 {
			snap.DeadLetterByType = make(map[string]int)
			for _, dl := range dead {
				snap.DeadLetterByType[dl.ErrorType]++
			}
		}
	}

	c.metrics.SetAttempts(snap.Attempts)
	c.metrics.SetDeadLetters(snap.DeadLetters)
	return snap, nil
}

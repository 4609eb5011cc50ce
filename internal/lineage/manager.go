// Package lineage manages reprocessing trees. Every attempt created by
// reprocessing hangs off the true root of its lineage and takes the next
// free attempt index; the source attempt is never mutated.
package lineage

import (
	"context"
	"errors"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/catalog-ingest/internal/lifecycle"
	"github.com/sells-group/catalog-ingest/internal/model"
	"github.com/sells-group/catalog-ingest/internal/queue"
	"github.com/sells-group/catalog-ingest/internal/resilience"
	"github.com/sells-group/catalog-ingest/internal/store"
)

// indexAttempts bounds the retries when concurrent reprocess calls race for
// the same attempt index.
const indexAttempts = 3

// Manager implements reprocess, lineage listing and purges.
type Manager struct {
	store    store.Store
	recorder *lifecycle.Recorder
	queue    queue.Transport
	retry    resilience.RetryConfig
}

// NewManager creates a Manager. retry governs the mapping enqueue.
func NewManager(st store.Store, rec *lifecycle.Recorder, q queue.Transport, retry resilience.RetryConfig) *Manager {
	return &Manager{store: st, recorder: rec, queue: q, retry: retry}
}

// Reprocess creates a new attempt in sourceID's lineage that reuses the
// source's OCR result, and enqueues its mapping job.
func (m *Manager) Reprocess(ctx context.Context, sourceID string) (*model.Attempt, error) {
	src, err := m.recorder.Get(ctx, sourceID)
	if err != nil {
		return nil, eris.Wrap(err, "lineage: reprocess")
	}
	log := zap.L().With(zap.String("source_id", src.ID), zap.String("root_id", src.RootID))

	var child *model.Attempt
	for try := 1; ; try++ {
		maxIdx, err := m.store.MaxAttemptIndex(ctx, src.RootID)
		if err != nil {
			return nil, eris.Wrap(err, "lineage: reprocess")
		}
		child, err = m.recorder.CreateDerived(ctx, src, maxIdx+1)
		if err == nil {
			break
		}
		if !errors.Is(err, store.ErrDuplicate) || try == indexAttempts {
			return nil, eris.Wrap(err, "lineage: reprocess")
		}
		log.Info("lineage: attempt index taken, retrying", zap.Int("index", maxIdx+1))
	}

	if err := queue.EnqueueWithRetry(ctx, m.queue, m.retry, child.ID); err != nil {
		if recErr := m.recorder.RecordFailure(ctx, child.ID, "enqueue mapping: "+err.Error()); recErr != nil {
			log.Error("lineage: record enqueue failure", zap.String("attempt_id", child.ID), zap.Error(recErr))
		}
		return nil, eris.Wrapf(err, "lineage: enqueue mapping for %s", child.ID)
	}

	log.Info("lineage: reprocessing attempt created",
		zap.String("attempt_id", child.ID),
		zap.Int("attempt_index", child.AttemptIndex),
	)
	return child, nil
}

// List returns the whole lineage of any attempt in it, ordered by index.
func (m *Manager) List(ctx context.Context, anyID string) ([]model.Attempt, error) {
	a, err := m.recorder.Get(ctx, anyID)
	if err != nil {
		return nil, eris.Wrap(err, "lineage: list")
	}
	out, err := m.store.ListLineage(ctx, a.RootID)
	if err != nil {
		return nil, eris.Wrap(err, "lineage: list")
	}
	return out, nil
}

// PurgeLineage deletes every attempt sharing anyID's root. Catalog entries
// promoted from them are kept.
func (m *Manager) PurgeLineage(ctx context.Context, anyID string) (int, error) {
	a, err := m.recorder.Get(ctx, anyID)
	if err != nil {
		return 0, eris.Wrap(err, "lineage: purge")
	}
	n, err := m.store.DeleteLineage(ctx, a.RootID)
	if err != nil {
		return 0, eris.Wrap(err, "lineage: purge")
	}
	zap.L().Warn("lineage: purged", zap.String("root_id", a.RootID), zap.Int("attempts", n))
	return n, nil
}

// PurgeAttempt deletes one non-root attempt.
func (m *Manager) PurgeAttempt(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return eris.Wrap(model.ErrValidation, "lineage: attempt id is required")
	}
	a, err := m.recorder.Get(ctx, id)
	if err != nil {
		return eris.Wrap(err, "lineage: purge attempt")
	}
	if a.IsRoot() {
		return eris.Wrapf(model.ErrValidation, "lineage: attempt %s is a lineage root; purge the lineage instead", id)
	}
	ok, err := m.store.DeleteAttempt(ctx, id)
	if err != nil {
		return eris.Wrap(err, "lineage: purge attempt")
	}
	if !ok {
		return eris.Wrapf(model.ErrNotFound, "lineage: attempt %s", id)
	}
	zap.L().Warn("lineage: attempt purged", zap.String("attempt_id", id), zap.String("root_id", a.RootID))
	return nil
}

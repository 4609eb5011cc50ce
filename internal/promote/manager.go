// Package promote copies reviewed attempts into the production catalog and
// handles the other export-side decisions (reject, review).
package promote

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/catalog-ingest/internal/metrics"
	"github.com/sells-group/catalog-ingest/internal/model"
	"github.com/sells-group/catalog-ingest/internal/registry"
	"github.com/sells-group/catalog-ingest/internal/store"
)

// entryNamespace seeds catalog entry ids so a retried promotion derives the
// same id for the same (attempt, line).
var entryNamespace = uuid.MustParse("7b0e8e4c-1f0a-4c55-9d2b-6f1c2a9e5d31")

// Promotion results reported to metrics.
const (
	resultConfirmed  = "confirmed"
	resultNoop       = "noop"
	resultNoProducts = "no_products"
	resultRejected   = "rejected"
)

// Manager is the Promotion (Export) Manager.
type Manager struct {
	store   store.Store
	vendors *registry.Registry
	metrics *metrics.Registry
	now     func() time.Time
}

// NewManager creates a Manager.
func NewManager(st store.Store, vendors *registry.Registry, m *metrics.Registry) *Manager {
	return &Manager{
		store:   st,
		vendors: vendors,
		metrics: m,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Promote inserts one catalog entry per valid product of a Completed attempt
// and marks it Confirmed. Promoting a Confirmed attempt again returns the
// recorded count without writing anything.
func (m *Manager) Promote(ctx context.Context, id string) (int, error) {
	a, err := m.load(ctx, id)
	if err != nil {
		return 0, eris.Wrap(err, "promote")
	}
	if n, done, err := exportState(a); done {
		if err == nil {
			m.metrics.Promotion(resultNoop, 0)
		}
		return n, err
	}

	entries := m.entries(a)
	if len(entries) == 0 {
		m.metrics.Promotion(resultNoProducts, 0)
		return 0, eris.Wrapf(model.ErrNoProducts, "promote: attempt %s has no valid products", a.ID)
	}

	// Entries are keyed by (attempt, line), so a promotion interrupted
	// between the insert and the confirm can simply run again.
	inserted, err := m.store.InsertCatalogEntries(ctx, entries)
	if err != nil {
		return 0, eris.Wrapf(err, "promote: insert catalog entries for %s", a.ID)
	}

	ok, err := m.store.ApplyExportConfirmed(ctx, a.ID, len(entries), m.now())
	if err != nil {
		return 0, eris.Wrapf(err, "promote: confirm %s", a.ID)
	}
	if !ok {
		current, err := m.load(ctx, a.ID)
		if err != nil {
			return 0, eris.Wrap(err, "promote")
		}
		n, done, err := exportState(current)
		if !done {
			return 0, eris.Wrapf(model.ErrPreconditionFailed, "promote: confirm %s did not apply", a.ID)
		}
		if err != nil {
			zap.L().Warn("promote: export state changed during promotion",
				zap.String("attempt_id", a.ID),
				zap.String("export_status", string(current.ExportStatus)),
				zap.Int("inserted", inserted),
			)
			if current.ExportStatus == model.ExportRejected {
				if werr := m.withdraw(ctx, a.ID); werr != nil {
					return 0, werr
				}
			}
			return 0, err
		}
		m.metrics.Promotion(resultNoop, 0)
		return n, nil
	}

	m.metrics.Promotion(resultConfirmed, len(entries))
	zap.L().Info("promote: attempt exported",
		zap.String("attempt_id", a.ID),
		zap.String("vendor", a.Source.VendorKey),
		zap.Int("entries", len(entries)),
		zap.Int("inserted", inserted),
	)
	return len(entries), nil
}

// Reject marks a Completed, unexported attempt as Rejected. Rejecting an
// already rejected attempt is a no-op.
func (m *Manager) Reject(ctx context.Context, id, reviewer, reason string) error {
	reviewer = strings.TrimSpace(reviewer)
	if reviewer == "" {
		return eris.Wrap(model.ErrValidation, "promote: reviewer is required")
	}
	a, err := m.load(ctx, id)
	if err != nil {
		return eris.Wrap(err, "reject")
	}
	if err := rejectable(a); err != nil {
		return err
	}
	if a.ExportStatus == model.ExportRejected {
		return nil
	}

	ok, err := m.store.ApplyExportRejected(ctx, a.ID, reviewer, strings.TrimSpace(reason), m.now())
	if err != nil {
		return eris.Wrapf(err, "reject: %s", a.ID)
	}
	if !ok {
		current, err := m.load(ctx, a.ID)
		if err != nil {
			return eris.Wrap(err, "reject")
		}
		return rejectable(current)
	}
	m.metrics.Promotion(resultRejected, 0)
	zap.L().Info("promote: attempt rejected", zap.String("attempt_id", a.ID), zap.String("reviewer", reviewer))
	// A promotion interrupted before its confirm may have left entries.
	return m.withdraw(ctx, a.ID)
}

// withdraw deletes catalog entries written for a rejected attempt.
func (m *Manager) withdraw(ctx context.Context, id string) error {
	n, err := m.store.DeleteCatalogEntries(ctx, id)
	if err != nil {
		return eris.Wrapf(err, "promote: withdraw entries for rejected %s", id)
	}
	if n > 0 {
		zap.L().Info("promote: withdrew entries of rejected attempt", zap.String("attempt_id", id), zap.Int("entries", n))
	}
	return nil
}

// Review stamps reviewer on a Completed attempt and clears its manual
// review flag.
func (m *Manager) Review(ctx context.Context, id, reviewer string) (*model.Attempt, error) {
	reviewer = strings.TrimSpace(reviewer)
	if reviewer == "" {
		return nil, eris.Wrap(model.ErrValidation, "review: reviewer is required")
	}
	a, err := m.load(ctx, id)
	if err != nil {
		return nil, eris.Wrap(err, "review")
	}
	if a.Status != model.StatusCompleted {
		return nil, eris.Wrapf(model.ErrInvalidState, "review: attempt %s is %s", a.ID, a.Status)
	}
	ok, err := m.store.ApplyReview(ctx, a.ID, reviewer, m.now())
	if err != nil {
		return nil, eris.Wrapf(err, "review: %s", a.ID)
	}
	if !ok {
		return nil, eris.Wrapf(model.ErrInvalidState, "review: attempt %s changed during review", a.ID)
	}
	return m.load(ctx, a.ID)
}

// Catalog lists promoted catalog entries.
func (m *Manager) Catalog(ctx context.Context, filter store.CatalogFilter) ([]model.CatalogEntry, error) {
	entries, err := m.store.ListCatalogEntries(ctx, filter)
	if err != nil {
		return nil, eris.Wrap(err, "promote: list catalog")
	}
	return entries, nil
}

func (m *Manager) load(ctx context.Context, id string) (*model.Attempt, error) {
	if strings.TrimSpace(id) == "" {
		return nil, eris.Wrap(model.ErrValidation, "attempt id is required")
	}
	return m.store.GetAttempt(ctx, id)
}

func (m *Manager) entries(a *model.Attempt) []model.CatalogEntry {
	products := a.Mapping.ValidProducts()
	if len(products) == 0 {
		return nil
	}
	var label string
	if a.Mapping != nil {
		label = a.Mapping.VendorLabel
	}
	vendorName := m.vendors.DisplayName(a.Source.VendorKey, label)
	now := m.now()

	out := make([]model.CatalogEntry, len(products))
	for i, p := range products {
		line := i + 1
		out[i] = model.CatalogEntry{
			ID:              entryID(a.ID, line),
			VendorKey:       a.Source.VendorKey,
			VendorName:      vendorName,
			LineNo:          line,
			SKU:             strings.TrimSpace(p.SKU),
			Name:            strings.TrimSpace(p.Name),
			Price:           p.Price,
			Unit:            p.Unit,
			Description:     p.Description,
			SourceAttemptID: a.ID,
			CreatedAt:       now,
		}
	}
	return out
}

func entryID(attemptID string, line int) string {
	return uuid.NewSHA1(entryNamespace, []byte(attemptID+":"+strconv.Itoa(line))).String()
}

// exportState reports whether a promotion is already decided for a: done is
// true when the caller should return n and err without exporting.
func exportState(a *model.Attempt) (n int, done bool, err error) {
	if a.Status != model.StatusCompleted {
		return 0, true, eris.Wrapf(model.ErrInvalidState, "promote: attempt %s is %s", a.ID, a.Status)
	}
	switch a.ExportStatus {
	case model.ExportConfirmed:
		return a.ExportedCount, true, nil
	case model.ExportRejected:
		return 0, true, eris.Wrapf(model.ErrInvalidState, "promote: attempt %s was rejected", a.ID)
	}
	return 0, false, nil
}

func rejectable(a *model.Attempt) error {
	if a.Status != model.StatusCompleted {
		return eris.Wrapf(model.ErrInvalidState, "reject: attempt %s is %s", a.ID, a.Status)
	}
	if a.ExportStatus == model.ExportConfirmed {
		return eris.Wrapf(model.ErrInvalidState, "reject: attempt %s is already exported", a.ID)
	}
	return nil
}

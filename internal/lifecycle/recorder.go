// Package lifecycle applies the attempt state machine on top of the record
// store. Each stage callback is one conditional update; when the guard does
// not match, the current record decides whether the call was a harmless
// redelivery (no-op) or an out-of-order transition (ErrPreconditionFailed).
package lifecycle

import (
	"context"
	"errors"
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

// MappingResult is what the mapping stage reports for a completed attempt.
type MappingResult struct {
	Payload        *model.MappingPayload
	RequiresReview bool
	ReviewReason   string
	// StartedAt is when the current mapping run began; used for duration.
	StartedAt time.Time
}

// Recorder is the write side of the Document Record Store.
type Recorder struct {
	store   store.Store
	metrics *metrics.Registry
	now     func() time.Time
}

// NewRecorder creates a Recorder. A nil metrics registry records nothing.
func NewRecorder(st store.Store, m *metrics.Registry) *Recorder {
	return &Recorder{
		store:   st,
		metrics: m,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Get returns the attempt or an error matching model.ErrNotFound.
func (r *Recorder) Get(ctx context.Context, id string) (*model.Attempt, error) {
	if strings.TrimSpace(id) == "" {
		return nil, eris.Wrap(model.ErrValidation, "lifecycle: attempt id is required")
	}
	return r.store.GetAttempt(ctx, id)
}

// Create stores a new original attempt in Pending. An empty id is replaced
// with a fresh UUID.
func (r *Recorder) Create(ctx context.Context, id string, src model.SourceMetadata) (*model.Attempt, error) {
	if err := validateSource(src); err != nil {
		return nil, err
	}
	if id == "" {
		id = uuid.NewString()
	}
	now := r.now()
	a := &model.Attempt{
		ID:           id,
		RootID:       id,
		AttemptIndex: 0,
		Source:       src,
		Status:       model.StatusPending,
		UploadedAt:   now,
		ExportStatus: model.ExportNotExported,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := r.store.CreateAttempt(ctx, a); err != nil {
		return nil, eris.Wrap(err, "lifecycle: create attempt")
	}
	r.metrics.Transition(string(model.StatusPending))
	zap.L().Info("lifecycle: attempt created",
		zap.String("attempt_id", a.ID),
		zap.String("vendor", src.VendorKey),
		zap.String("document", src.DocumentName),
	)
	return a, nil
}

// CreateDerived stores a reprocessing attempt at index under parent's
// lineage. The OCR payload is copied from parent and the attempt starts in
// OCRComplete. A taken index surfaces as store.ErrDuplicate.
func (r *Recorder) CreateDerived(ctx context.Context, parent *model.Attempt, index int) (*model.Attempt, error) {
	if parent.OCR == nil {
		return nil, eris.Wrapf(model.ErrInvalidState, "lifecycle: attempt %s has no OCR result to reprocess", parent.ID)
	}
	if index <= 0 {
		return nil, eris.Wrapf(model.ErrValidation, "lifecycle: derived attempt index %d", index)
	}
	ocr := *parent.OCR
	ocr.Tables = append([]model.Table(nil), parent.OCR.Tables...)
	ocr.Normalize()

	now := r.now()
	a := &model.Attempt{
		ID:           uuid.NewString(),
		RootID:       parent.RootID,
		ParentID:     parent.ID,
		AttemptIndex: index,
		Source:       parent.Source,
		Status:       model.StatusOCRComplete,
		UploadedAt:   parent.UploadedAt,
		OCR:          &ocr,
		OCRDigest:    ocr.Digest(),
		ExportStatus: model.ExportNotExported,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := r.store.CreateAttempt(ctx, a); err != nil {
		return nil, eris.Wrap(err, "lifecycle: create derived attempt")
	}
	r.metrics.Transition(string(model.StatusOCRComplete))
	return a, nil
}

// RecordOCRResult moves a Pending attempt to OCRComplete. Re-applying the
// payload already stored is a no-op.
func (r *Recorder) RecordOCRResult(ctx context.Context, id string, payload *model.OCRPayload) error {
	if payload == nil {
		return eris.Wrap(model.ErrValidation, "lifecycle: ocr payload is required")
	}
	payload.Normalize()
	digest := payload.Digest()

	ok, err := r.store.ApplyOCRResult(ctx, id, payload, digest, r.now())
	if err != nil {
		return eris.Wrap(err, "lifecycle: record ocr result")
	}
	if ok {
		r.applied(id, model.StatusOCRComplete)
		return nil
	}
	return r.reconcile(ctx, id, "record_ocr_result", func(a *model.Attempt) bool {
		return a.OCRDigest == digest
	})
}

// BeginMapping moves an OCRComplete attempt to MappingInProgress and returns
// the start time. An attempt already in MappingInProgress is a redelivery of
// a job whose worker timed out; the mapping is run again from its original
// start.
func (r *Recorder) BeginMapping(ctx context.Context, id string) (time.Time, error) {
	at := r.now()
	ok, err := r.store.ApplyMappingStart(ctx, id, at)
	if err != nil {
		return time.Time{}, eris.Wrap(err, "lifecycle: begin mapping")
	}
	if ok {
		r.applied(id, model.StatusMappingInProgress)
		return at, nil
	}

	var started time.Time
	err = r.reconcile(ctx, id, "begin_mapping", func(a *model.Attempt) bool {
		if a.Status != model.StatusMappingInProgress {
			return false
		}
		started = at
		if a.MappingStartedAt != nil {
			started = *a.MappingStartedAt
		}
		return true
	})
	return started, err
}

// RecordMappingResult moves a MappingInProgress attempt to Completed.
// Re-applying an identical payload to a Completed attempt is a no-op.
func (r *Recorder) RecordMappingResult(ctx context.Context, id string, res MappingResult) error {
	if res.Payload == nil {
		return eris.Wrap(model.ErrValidation, "lifecycle: mapping payload is required")
	}
	res.Payload.Normalize()
	digest := res.Payload.Digest()

	at := r.now()
	var durationMs int64
	if !res.StartedAt.IsZero() && at.After(res.StartedAt) {
		durationMs = at.Sub(res.StartedAt).Milliseconds()
	}
	ok, err := r.store.ApplyMappingResult(ctx, id, store.MappingRecord{
		Payload:        res.Payload,
		Digest:         digest,
		RequiresReview: res.RequiresReview,
		ReviewReason:   res.ReviewReason,
		EndedAt:        at,
		DurationMs:     durationMs,
	})
	if err != nil {
		return eris.Wrap(err, "lifecycle: record mapping result")
	}
	if ok {
		r.applied(id, model.StatusCompleted)
		return nil
	}
	return r.reconcile(ctx, id, "record_mapping_result", func(a *model.Attempt) bool {
		return a.Status == model.StatusCompleted && a.MappingDigest == digest
	})
}

// RecordFailure moves any non-terminal attempt to Failed with reason.
// Recording the same reason twice is a no-op.
func (r *Recorder) RecordFailure(ctx context.Context, id, reason string) error {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return eris.Wrap(model.ErrValidation, "lifecycle: failure reason is required")
	}
	ok, err := r.store.ApplyFailure(ctx, id, reason, r.now())
	if err != nil {
		return eris.Wrap(err, "lifecycle: record failure")
	}
	if ok {
		r.applied(id, model.StatusFailed)
		zap.L().Warn("lifecycle: attempt failed", zap.String("attempt_id", id), zap.String("reason", reason))
		return nil
	}
	return r.reconcile(ctx, id, "record_failure", func(a *model.Attempt) bool {
		return a.Status == model.StatusFailed && a.LastError == reason
	})
}

func (r *Recorder) applied(id string, to model.AttemptStatus) {
	r.metrics.Transition(string(to))
	zap.L().Debug("lifecycle: transition applied", zap.String("attempt_id", id), zap.String("status", string(to)))
}

// reconcile runs after a guard miss. It re-reads the attempt and returns nil
// when same reports the call as already applied.
func (r *Recorder) reconcile(ctx context.Context, id, op string, same func(*model.Attempt) bool) error {
	a, err := r.store.GetAttempt(ctx, id)
	if err != nil {
		return eris.Wrapf(err, "lifecycle: %s", op)
	}
	if same(a) {
		zap.L().Info("lifecycle: duplicate transition ignored",
			zap.String("attempt_id", id),
			zap.String("op", op),
			zap.String("status", string(a.Status)),
		)
		return nil
	}
	r.metrics.GuardRejected(op)
	return eris.Wrapf(model.ErrPreconditionFailed, "lifecycle: %s on attempt %s in status %s", op, id, a.Status)
}

func validateSource(src model.SourceMetadata) error {
	var problems []string
	if strings.TrimSpace(src.DocumentName) == "" {
		problems = append(problems, "document name is required")
	}
	if strings.TrimSpace(src.StoragePath) == "" {
		problems = append(problems, "storage path is required")
	}
	if err := registry.ValidateKey(src.VendorKey); err != nil {
		problems = append(problems, err.Error())
	}
	if src.ByteSize < 0 {
		problems = append(problems, "byte size must be >= 0")
	}
	if len(problems) > 0 {
		return eris.Wrapf(model.ErrValidation, "lifecycle: %s", strings.Join(problems, "; "))
	}
	return nil
}

// IsPrecondition reports whether err is a state-machine guard violation.
func IsPrecondition(err error) bool {
	return errors.Is(err, model.ErrPreconditionFailed)
}

// Package pipeline is the ingest entry point: it accepts uploads, runs the
// synchronous OCR stage and hands mapping work to the queue.
package pipeline

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/catalog-ingest/internal/audit"
	"github.com/sells-group/catalog-ingest/internal/blob"
	"github.com/sells-group/catalog-ingest/internal/cost"
	"github.com/sells-group/catalog-ingest/internal/lifecycle"
	"github.com/sells-group/catalog-ingest/internal/metrics"
	"github.com/sells-group/catalog-ingest/internal/model"
	"github.com/sells-group/catalog-ingest/internal/ocr"
	"github.com/sells-group/catalog-ingest/internal/queue"
	"github.com/sells-group/catalog-ingest/internal/registry"
	"github.com/sells-group/catalog-ingest/internal/resilience"
)

// maxUploadBytes caps a single uploaded document.
const maxUploadBytes = 64 << 20

// Upload is a vendor document submitted for ingestion.
type Upload struct {
	DocumentName string
	MediaType    string
	VendorKey    string
	Data         []byte
}

// Options wires a Pipeline. Nil Audit records nothing.
type Options struct {
	Recorder *lifecycle.Recorder
	Bucket   blob.Bucket
	Audit    audit.Recorder
	Analyzer ocr.Analyzer
	Queue    queue.Transport
	Rates    cost.Rates
	Metrics  *metrics.Registry
	// Retry governs blob writes and the mapping enqueue.
	Retry resilience.RetryConfig
}

// Pipeline runs the upload and OCR stages.
type Pipeline struct {
	recorder *lifecycle.Recorder
	bucket   blob.Bucket
	audit    audit.Recorder
	analyzer ocr.Analyzer
	queue    queue.Transport
	calc     *cost.Calculator
	metrics  *metrics.Registry
	retry    resilience.RetryConfig
}

// New creates a Pipeline.
func New(opts Options) *Pipeline {
	rec := opts.Audit
	if rec == nil {
		rec = audit.Nop{}
	}
	return &Pipeline{
		recorder: opts.Recorder,
		bucket:   opts.Bucket,
		audit:    rec,
		analyzer: opts.Analyzer,
		queue:    opts.Queue,
		calc:     cost.NewCalculator(opts.Rates),
		metrics:  opts.Metrics,
		retry:    opts.Retry,
	}
}

// SubmitUpload stores the artifact and its bronze copy, then creates the
// original attempt in Pending.
func (p *Pipeline) SubmitUpload(ctx context.Context, up Upload) (*model.Attempt, error) {
	if err := validateUpload(up); err != nil {
		return nil, err
	}

	id := uuid.NewString()
	key := blob.UploadKey(id, up.DocumentName)
	retry := p.retry
	retry.OnRetry = resilience.RetryLogger("blob", "put upload")
	err := resilience.Do(ctx, retry, func(ctx context.Context) error {
		return p.bucket.Put(ctx, key, up.Data)
	})
	if err != nil {
		return nil, eris.Wrapf(model.External("blob", err), "pipeline: store upload %s", key)
	}
	if _, err := p.audit.Write(ctx, id, audit.KindArtifact, up.Data); err != nil {
		return nil, eris.Wrap(model.External("blob", err), "pipeline: audit upload")
	}

	a, err := p.recorder.Create(ctx, id, model.SourceMetadata{
		DocumentName: up.DocumentName,
		StoragePath:  key,
		ByteSize:     int64(len(up.Data)),
		MediaType:    up.MediaType,
		VendorKey:    up.VendorKey,
	})
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: submit upload")
	}
	return a, nil
}

// Ingest submits an upload and runs its OCR stage.
func (p *Pipeline) Ingest(ctx context.Context, up Upload) (*model.Attempt, error) {
	a, err := p.SubmitUpload(ctx, up)
	if err != nil {
		return nil, err
	}
	return p.RunOCR(ctx, a.ID)
}

// RunOCR runs the OCR stage for a Pending attempt and enqueues its mapping
// job. Stage failures are recorded on the attempt and are not returned; the
// returned attempt shows the outcome. An attempt past Pending is returned
// unchanged.
func (p *Pipeline) RunOCR(ctx context.Context, id string) (*model.Attempt, error) {
	a, err := p.recorder.Get(ctx, id)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: run ocr")
	}
	log := zap.L().With(zap.String("attempt_id", a.ID), zap.String("vendor", a.Source.VendorKey))
	if a.Status != model.StatusPending {
		log.Info("pipeline: attempt already past ocr", zap.String("status", string(a.Status)))
		return a, nil
	}

	data, err := p.bucket.Get(ctx, a.Source.StoragePath)
	if err != nil {
		return p.fail(ctx, a.ID, "load artifact", model.External("blob", err))
	}

	doc := ocr.Document{Name: a.Source.DocumentName, MediaType: a.Source.MediaType, Data: data}
	provider := ocr.Resolve(p.analyzer, doc).Name()
	start := time.Now()
	payload, err := p.analyzer.Analyze(ctx, doc)
	p.metrics.ObserveOCR(time.Since(start))
	if err != nil {
		return p.fail(ctx, a.ID, "ocr", err)
	}
	if payload == nil {
		return p.fail(ctx, a.ID, "ocr", eris.Errorf("%s returned no result", provider))
	}
	payload.Normalize()
	payload.Cost = p.calc.OCR(provider, payload.PageCount)
	p.metrics.Cost("ocr", payload.Cost)

	if _, err := p.audit.WriteJSON(ctx, a.ID, audit.KindOCR, payload); err != nil {
		return p.fail(ctx, a.ID, "audit ocr", model.External("blob", err))
	}
	if err := p.recorder.RecordOCRResult(ctx, a.ID, payload); err != nil {
		return nil, eris.Wrap(err, "pipeline: run ocr")
	}
	if err := queue.EnqueueWithRetry(ctx, p.queue, p.retry, a.ID); err != nil {
		return p.fail(ctx, a.ID, "enqueue mapping", err)
	}

	log.Info("pipeline: ocr complete",
		zap.String("provider", provider),
		zap.Int("pages", payload.PageCount),
		zap.Int("tables", payload.TableCount),
		zap.Float64("cost_usd", payload.Cost),
		zap.Duration("elapsed", time.Since(start)),
	)
	return p.recorder.Get(ctx, a.ID)
}

// fail records a stage failure on the attempt and returns its new state.
func (p *Pipeline) fail(ctx context.Context, id, stage string, cause error) (*model.Attempt, error) {
	zap.L().Warn("pipeline: stage failed", zap.String("attempt_id", id), zap.String("stage", stage), zap.Error(cause))
	if err := p.recorder.RecordFailure(ctx, id, stage+": "+cause.Error()); err != nil {
		return nil, eris.Wrapf(err, "pipeline: record %s failure", stage)
	}
	return p.recorder.Get(ctx, id)
}

func validateUpload(up Upload) error {
	var problems []string
	if strings.TrimSpace(up.DocumentName) == "" {
		problems = append(problems, "document name is required")
	}
	if err := registry.ValidateKey(up.VendorKey); err != nil {
		problems = append(problems, err.Error())
	}
	switch {
	case len(up.Data) == 0:
		problems = append(problems, "document is empty")
	case len(up.Data) > maxUploadBytes:
		problems = append(problems, "document exceeds 64 MiB")
	}
	if len(problems) > 0 {
		return eris.Wrapf(model.ErrValidation, "pipeline: %s", strings.Join(problems, "; "))
	}
	return nil
}

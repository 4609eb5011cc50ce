package mapping

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/catalog-ingest/internal/audit"
	"github.com/sells-group/catalog-ingest/internal/cost"
	"github.com/sells-group/catalog-ingest/internal/metrics"
	"github.com/sells-group/catalog-ingest/internal/model"
	"github.com/sells-group/catalog-ingest/internal/registry"
)

// FailedError is the MappingFailed signal: the attempt should be recorded as
// failed with Reason. errors.Is matches model.ErrMappingFailed and the cause.
type FailedError struct {
	Reason string
	Err    error
}

func (e *FailedError) Error() string { return "mapping failed: " + e.Reason }

func (e *FailedError) Unwrap() []error { return []error{model.ErrMappingFailed, e.Err} }

func failed(reason string, err error) error {
	return &FailedError{Reason: reason + ": " + err.Error(), Err: err}
}

// Outcome is a successful mapping run.
type Outcome struct {
	Payload        *model.MappingPayload
	RequiresReview bool
	ReviewReason   string
}

// Engine runs the column-mapping stage for one attempt.
type Engine struct {
	mapper          Mapper
	audit           audit.Recorder
	vendors         *registry.Registry
	calc            *cost.Calculator
	metrics         *metrics.Registry
	reviewThreshold float64
}

// EngineOptions wires an Engine. Nil Audit records nothing.
type EngineOptions struct {
	Mapper  Mapper
	Audit   audit.Recorder
	Vendors *registry.Registry
	Rates   cost.Rates
	Metrics *metrics.Registry
	// ReviewConfidenceThreshold flags completed attempts whose OCR confidence
	// is reported and below it.
	ReviewConfidenceThreshold float64
}

// NewEngine creates an Engine.
func NewEngine(opts EngineOptions) *Engine {
	rec := opts.Audit
	if rec == nil {
		rec = audit.Nop{}
	}
	return &Engine{
		mapper:          opts.Mapper,
		audit:           rec,
		vendors:         opts.Vendors,
		calc:            cost.NewCalculator(opts.Rates),
		metrics:         opts.Metrics,
		reviewThreshold: opts.ReviewConfidenceThreshold,
	}
}

// Run maps the attempt's OCR tables to products. Every error it returns is a
// *FailedError; a successful call that yields no products is an Outcome
// flagged for review, not an error.
func (e *Engine) Run(ctx context.Context, a *model.Attempt) (*Outcome, error) {
	if a.OCR == nil {
		return nil, failed("no OCR payload", eris.Wrap(model.ErrPreconditionFailed, "mapping: attempt has no OCR payload"))
	}
	log := zap.L().With(zap.String("attempt_id", a.ID), zap.String("vendor", a.Source.VendorKey))

	headers := CollectHeaders(a.OCR.Tables)
	if len(headers) == 0 {
		log.Info("mapping: document has no header cells")
		payload := &model.MappingPayload{}
		payload.Normalize()
		if err := e.writeAudit(ctx, a.ID, audit.KindMapping, payload); err != nil {
			return nil, err
		}
		return &Outcome{Payload: payload, RequiresReview: true, ReviewReason: model.ReviewNoTables}, nil
	}

	start := time.Now()
	res, err := e.mapper.MapColumns(ctx, Request{
		Headers: headers,
		Hints:   e.vendors.Hints(a.Source.VendorKey),
		Excerpt: a.OCR.Text,
	})
	e.metrics.ObserveMapping(time.Since(start))
	if res != nil {
		if auditErr := e.auditCall(ctx, a.ID, res); auditErr != nil && err == nil {
			return nil, auditErr
		}
		e.metrics.Tokens(res.Usage.InputTokens, res.Usage.OutputTokens)
	}
	if err != nil {
		log.Warn("mapping: column mapping call failed", zap.Error(err))
		return nil, failed("column mapping", err)
	}
	if err := checkColumns(res.Columns, headers); err != nil {
		return nil, failed("column mapping", err)
	}

	products := ExtractProducts(a.OCR.Tables, res.Columns)
	mappingCost := e.calc.Claude(res.Model, res.Usage)
	e.metrics.Cost("mapping", mappingCost)

	payload := &model.MappingPayload{
		Products:     products,
		Columns:      res.Columns,
		Model:        res.Model,
		Prompt:       res.Prompt,
		InputTokens:  res.Usage.InputTokens,
		OutputTokens: res.Usage.OutputTokens,
		Cost:         mappingCost,
		VendorLabel:  res.VendorLabel,
	}
	payload.Normalize()
	if err := e.writeAudit(ctx, a.ID, audit.KindMapping, payload); err != nil {
		return nil, err
	}

	out := &Outcome{Payload: payload}
	switch {
	case payload.ProductCount == 0:
		out.RequiresReview, out.ReviewReason = true, model.ReviewNoProducts
	case a.OCR.Confidence > 0 && a.OCR.Confidence < e.reviewThreshold:
		out.RequiresReview, out.ReviewReason = true, model.ReviewLowOCRConfidence
	}

	log.Info("mapping: extracted products",
		zap.Int("products", payload.ProductCount),
		zap.Int("headers", len(headers)),
		zap.Float64("cost_usd", mappingCost),
		zap.Bool("requires_review", out.RequiresReview),
	)
	return out, nil
}

func (e *Engine) auditCall(ctx context.Context, attemptID string, res *Result) error {
	if err := e.writeAudit(ctx, attemptID, audit.KindPrompt, []byte(res.Prompt)); err != nil {
		return err
	}
	if res.Raw == "" {
		return nil
	}
	return e.writeAudit(ctx, attemptID, audit.KindResponse, []byte(res.Raw))
}

func (e *Engine) writeAudit(ctx context.Context, attemptID, kind string, v any) error {
	var err error
	if b, ok := v.([]byte); ok {
		_, err = e.audit.Write(ctx, attemptID, kind, b)
	} else {
		_, err = e.audit.WriteJSON(ctx, attemptID, kind, v)
	}
	if err != nil {
		return failed("audit "+kind, model.External("blob", err))
	}
	return nil
}

// IsFailed reports whether err is a MappingFailed signal and returns its
// reason.
func IsFailed(err error) (string, bool) {
	var fe *FailedError
	if errors.As(err, &fe) {
		return fe.Reason, true
	}
	return "", false
}

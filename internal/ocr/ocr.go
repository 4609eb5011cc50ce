// Package ocr turns uploaded vendor documents into text plus positioned
// table cells. Every Analyzer returns a model.OCRPayload whose tables use row
// 0 for headers.
package ocr

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/catalog-ingest/internal/config"
	"github.com/sells-group/catalog-ingest/internal/model"
	"github.com/sells-group/catalog-ingest/internal/resilience"
)

// Document is an uploaded artifact handed to an Analyzer.
type Document struct {
	Name      string
	MediaType string
	Data      []byte
}

// Analyzer extracts text and tables from a document.
type Analyzer interface {
	// Name identifies the provider for pricing and logs.
	Name() string
	Analyze(ctx context.Context, doc Document) (*model.OCRPayload, error)
}

const mediaTypeXLSX = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// IsSpreadsheet reports whether doc should bypass text recognition.
func IsSpreadsheet(doc Document) bool {
	if strings.EqualFold(doc.MediaType, mediaTypeXLSX) {
		return true
	}
	return strings.EqualFold(filepath.Ext(doc.Name), ".xlsx")
}

// Router sends spreadsheets to the xlsx reader and everything else to the
// configured document analyzer.
type Router struct {
	Spreadsheet Analyzer
	Document    Analyzer
}

// Name returns the document analyzer's name.
func (r *Router) Name() string { return r.Document.Name() }

// Route picks the analyzer for doc.
func (r *Router) Route(doc Document) Analyzer {
	if r.Spreadsheet != nil && IsSpreadsheet(doc) {
		return r.Spreadsheet
	}
	return r.Document
}

// Analyze runs the routed analyzer.
func (r *Router) Analyze(ctx context.Context, doc Document) (*model.OCRPayload, error) {
	return r.Route(doc).Analyze(ctx, doc)
}

// Resolve returns the analyzer that will actually handle doc, looking
// through routers.
func Resolve(a Analyzer, doc Document) Analyzer {
	if r, ok := a.(*Router); ok {
		return Resolve(r.Route(doc), doc)
	}
	return a
}

// Guarded wraps an analyzer with a circuit breaker and a deadline. Failures
// come back tagged as model.ErrExternalService.
type Guarded struct {
	inner   Analyzer
	breaker *resilience.CircuitBreaker
	timeout time.Duration
}

// NewGuarded wraps inner. A zero timeout disables the deadline.
func NewGuarded(inner Analyzer, breaker *resilience.CircuitBreaker, timeout time.Duration) *Guarded {
	return &Guarded{inner: inner, breaker: breaker, timeout: timeout}
}

// Name returns the wrapped analyzer's name.
func (g *Guarded) Name() string { return g.inner.Name() }

// Analyze runs the wrapped analyzer through the breaker.
func (g *Guarded) Analyze(ctx context.Context, doc Document) (*model.OCRPayload, error) {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}
	payload, err := resilience.ExecuteVal(ctx, g.breaker, func(ctx context.Context) (*model.OCRPayload, error) {
		p, err := g.inner.Analyze(ctx, doc)
		if err == nil && p == nil {
			return nil, eris.Errorf("ocr: %s returned no result", g.inner.Name())
		}
		return p, err
	})
	if err != nil {
		return nil, model.External("ocr "+g.inner.Name(), err)
	}
	payload.Normalize()
	return payload, nil
}

// NewAnalyzer builds the analyzer chain for cfg: a Router whose document
// side is the configured provider behind a breaker.
func NewAnalyzer(cfg config.OCRConfig, breakers *resilience.ServiceBreakers) (Analyzer, error) {
	var doc Analyzer
	switch cfg.Provider {
	case "pdftotext", "local", "":
		doc = NewPdfToText(cfg.PdfToTextPath)
	case "mistral":
		if cfg.MistralKey == "" {
			return nil, eris.New("ocr: mistral provider requires mistral_api_key")
		}
		doc = NewMistralOCR(cfg.MistralKey, cfg.MistralModel, cfg.MistralBaseURL)
	case "service":
		if cfg.ServiceURL == "" {
			return nil, eris.New("ocr: service provider requires service_url")
		}
		doc = NewServiceAnalyzer(cfg.ServiceURL, cfg.ServiceToken)
	default:
		return nil, eris.Errorf("ocr: unknown provider %q", cfg.Provider)
	}

	if breakers == nil {
		breakers = resilience.NewServiceBreakers(resilience.FromCircuitConfig(cfg.BreakerFailures, 0))
	}
	return &Router{
		Spreadsheet: NewSpreadsheetAnalyzer(),
		Document:    NewGuarded(doc, breakers.Get("ocr:"+doc.Name()), cfg.Timeout()),
	}, nil
}

package mapping

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/sells-group/catalog-ingest/internal/cost"
	"github.com/sells-group/catalog-ingest/internal/model"
	"github.com/sells-group/catalog-ingest/internal/resilience"
	"github.com/sells-group/catalog-ingest/pkg/anthropic"
)

// Request is the input to one column-mapping call.
type Request struct {
	Headers []HeaderCell
	Hints   string
	Excerpt string
}

// Result is what a Mapper produced. On a parse failure the Result is still
// returned alongside the error so the prompt and raw answer can be audited.
type Result struct {
	Columns     model.ColumnMapping
	VendorLabel string
	Prompt      string
	Raw         string
	Model       string
	Usage       cost.Usage
}

// Mapper proposes a column mapping for a document's headers.
type Mapper interface {
	MapColumns(ctx context.Context, req Request) (*Result, error)
}

// ClaudeMapper asks an Anthropic model for the mapping.
type ClaudeMapper struct {
	client    anthropic.Client
	model     string
	maxTokens int64
	limiter   *rate.Limiter
	breaker   *resilience.CircuitBreaker
	timeout   time.Duration
}

// ClaudeOptions configures a ClaudeMapper. Zero values disable the
// corresponding guard.
type ClaudeOptions struct {
	Model             string
	MaxTokens         int64
	RequestsPerSecond float64
	Burst             int
	Timeout           time.Duration
	Breaker           *resilience.CircuitBreaker
}

// NewClaudeMapper creates a mapper over client.
func NewClaudeMapper(client anthropic.Client, opts ClaudeOptions) *ClaudeMapper {
	m := &ClaudeMapper{
		client:    client,
		model:     opts.Model,
		maxTokens: opts.MaxTokens,
		breaker:   opts.Breaker,
		timeout:   opts.Timeout,
	}
	if m.maxTokens <= 0 {
		m.maxTokens = 1024
	}
	if opts.RequestsPerSecond > 0 {
		burst := opts.Burst
		if burst < 1 {
			burst = 1
		}
		m.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}
	if m.breaker == nil {
		m.breaker = resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig())
	}
	return m
}

// MapColumns sends one request. The deadline covers the wait for the rate
// limiter as well as the call itself.
func (m *ClaudeMapper) MapColumns(ctx context.Context, req Request) (*Result, error) {
	if m.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}

	res := &Result{
		Prompt: BuildPrompt(req.Headers, req.Hints, req.Excerpt),
		Model:  m.model,
	}

	if m.limiter != nil {
		if err := m.limiter.Wait(ctx); err != nil {
			return res, model.External("llm", eris.Wrap(err, "mapping: rate limiter"))
		}
	}

	temp := 0.0
	resp, err := resilience.ExecuteVal(ctx, m.breaker, func(ctx context.Context) (*anthropic.MessageResponse, error) {
		resp, err := m.client.CreateMessage(ctx, anthropic.MessageRequest{
			Model:       m.model,
			MaxTokens:   m.maxTokens,
			System:      anthropic.BuildCachedSystemBlocks(systemPrompt),
			Messages:    []anthropic.Message{{Role: "user", Content: res.Prompt}},
			Temperature: &temp,
		})
		if err != nil {
			if code := anthropic.StatusCode(err); resilience.IsTransientHTTPStatus(code) {
				return nil, resilience.NewTransientError(err, code)
			}
			return nil, err
		}
		return resp, nil
	})
	if err != nil {
		return res, model.External("llm", err)
	}

	res.Raw = resp.Text()
	if resp.Model != "" {
		res.Model = resp.Model
	}
	res.Usage = cost.Usage{
		InputTokens:      resp.Usage.InputTokens,
		OutputTokens:     resp.Usage.OutputTokens,
		CacheWriteTokens: resp.Usage.CacheCreationInputTokens,
		CacheReadTokens:  resp.Usage.CacheReadInputTokens,
	}

	cols, vendor, err := ParseResponse(res.Raw)
	if err != nil {
		return res, err
	}
	res.Columns = cols
	res.VendorLabel = vendor
	return res, nil
}

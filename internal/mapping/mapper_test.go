package mapping

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/catalog-ingest/internal/model"
	"github.com/sells-group/catalog-ingest/internal/resilience"
	"github.com/sells-group/catalog-ingest/pkg/anthropic"
)

type mockClient struct {
	mock.Mock
}

func (m *mockClient) CreateMessage(ctx context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*anthropic.MessageResponse), args.Error(1)
}

func textResponse(text string) *anthropic.MessageResponse {
	return &anthropic.MessageResponse{
		Model:   "claude-haiku-4-5-20251001",
		Content: []anthropic.ContentBlock{{Type: "text", Text: text}},
		Usage:   anthropic.TokenUsage{InputTokens: 900, OutputTokens: 40, CacheReadInputTokens: 600},
	}
}

var sampleHeaders = []HeaderCell{
	{Table: 0, Column: 0, Text: "SKU"},
	{Table: 0, Column: 1, Text: "Name"},
	{Table: 0, Column: 2, Text: "Price"},
}

func TestClaudeMapper_MapColumns(t *testing.T) {
	client := &mockClient{}
	client.On("CreateMessage", mock.Anything, mock.MatchedBy(func(req anthropic.MessageRequest) bool {
		return req.Model == "claude-haiku-4-5-20251001" &&
			len(req.System) == 1 && req.System[0].CacheControl != nil &&
			len(req.Messages) == 1 &&
			req.Temperature != nil && *req.Temperature == 0
	})).Return(textResponse(`{"sku": 0, "name": 1, "price": 2, "vendor": "Acme"}`), nil).Once()

	m := NewClaudeMapper(client, ClaudeOptions{Model: "claude-haiku-4-5-20251001", MaxTokens: 256})
	res, err := m.MapColumns(context.Background(), Request{Headers: sampleHeaders, Hints: "per case"})
	require.NoError(t, err)

	assert.Equal(t, 1, res.Columns.Name)
	assert.Equal(t, "Acme", res.VendorLabel)
	assert.Contains(t, res.Prompt, "- column 2: Price")
	assert.Contains(t, res.Prompt, "per case")
	assert.Equal(t, int64(900), res.Usage.InputTokens)
	assert.Equal(t, int64(600), res.Usage.CacheReadTokens)
	client.AssertExpectations(t)
}

func TestClaudeMapper_UnparseableResponseKeepsRaw(t *testing.T) {
	client := &mockClient{}
	client.On("CreateMessage", mock.Anything, mock.Anything).
		Return(textResponse("I cannot tell which column is which."), nil)

	m := NewClaudeMapper(client, ClaudeOptions{Model: "m"})
	res, err := m.MapColumns(context.Background(), Request{Headers: sampleHeaders})
	require.Error(t, err)
	require.NotNil(t, res)
	assert.Equal(t, "I cannot tell which column is which.", res.Raw)
	assert.NotEmpty(t, res.Prompt)
	assert.False(t, errors.Is(err, model.ErrExternalService))
}

func TestClaudeMapper_CallFailure(t *testing.T) {
	client := &mockClient{}
	client.On("CreateMessage", mock.Anything, mock.Anything).Return(nil, errors.New("connection reset by peer"))

	cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Hour})
	m := NewClaudeMapper(client, ClaudeOptions{Model: "m", Breaker: cb})

	_, err := m.MapColumns(context.Background(), Request{Headers: sampleHeaders})
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrExternalService))

	_, err = m.MapColumns(context.Background(), Request{Headers: sampleHeaders})
	require.Error(t, err)
	assert.True(t, errors.Is(err, resilience.ErrCircuitOpen))
	client.AssertNumberOfCalls(t, "CreateMessage", 1)
}

func TestClaudeMapper_RateLimiterHonorsDeadline(t *testing.T) {
	client := &mockClient{}
	client.On("CreateMessage", mock.Anything, mock.Anything).Return(textResponse(`{"name": 1}`), nil)

	m := NewClaudeMapper(client, ClaudeOptions{Model: "m", RequestsPerSecond: 0.001, Burst: 1, Timeout: 50 * time.Millisecond})
	_, err := m.MapColumns(context.Background(), Request{Headers: sampleHeaders})
	require.NoError(t, err, "burst allows the first call")

	_, err = m.MapColumns(context.Background(), Request{Headers: sampleHeaders})
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrExternalService))
	client.AssertNumberOfCalls(t, "CreateMessage", 1)
}

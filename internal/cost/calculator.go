// Package cost prices the two external extraction stages: OCR per page and
// the column-mapping LLM call per token.
package cost

// Rates holds per-provider pricing configuration.
type Rates struct {
	Anthropic map[string]ModelRate `yaml:"anthropic" mapstructure:"anthropic"`
	OCR       map[string]OCRRate   `yaml:"ocr" mapstructure:"ocr"`
}

// ModelRate holds per-model token pricing (per million tokens).
type ModelRate struct {
	Input         float64 `yaml:"input" mapstructure:"input"`
	Output        float64 `yaml:"output" mapstructure:"output"`
	CacheWriteMul float64 `yaml:"cache_write_mul" mapstructure:"cache_write_mul"`
	CacheReadMul  float64 `yaml:"cache_read_mul" mapstructure:"cache_read_mul"`
}

// OCRRate prices an OCR provider per processed page.
type OCRRate struct {
	PerPage float64 `yaml:"per_page" mapstructure:"per_page"`
}

// Usage is the token accounting returned by one LLM call.
type Usage struct {
	InputTokens      int64
	OutputTokens     int64
	CacheWriteTokens int64
	CacheReadTokens  int64
}

// Calculator computes costs for API usage.
type Calculator struct {
	rates Rates
}

// NewCalculator creates a Calculator with the given rates.
func NewCalculator(rates Rates) *Calculator {
	return &Calculator{rates: rates}
}

// Claude computes the cost of one mapping call. Unknown models cost 0.
func (c *Calculator) Claude(model string, u Usage) float64 {
	rate, ok := c.rates.Anthropic[model]
	if !ok {
		return 0
	}
	perTok := func(n int64, price float64) float64 { return float64(n) / 1e6 * price }
	return perTok(u.InputTokens, rate.Input) +
		perTok(u.OutputTokens, rate.Output) +
		perTok(u.CacheWriteTokens, rate.Input*rate.CacheWriteMul) +
		perTok(u.CacheReadTokens, rate.Input*rate.CacheReadMul)
}

// OCR computes the cost of recognizing pages with provider.
func (c *Calculator) OCR(provider string, pages int) float64 {
	if pages <= 0 {
		return 0
	}
	return float64(pages) * c.rates.OCR[provider].PerPage
}

// DefaultRates returns the default pricing rates.
func DefaultRates() Rates {
	return Rates{
		Anthropic: map[string]ModelRate{
			"claude-haiku-4-5-20251001": {
				Input: 0.80, Output: 4.00, CacheWriteMul: 1.25, CacheReadMul: 0.1,
			},
			"claude-sonnet-4-5-20250929": {
				Input: 3.00, Output: 15.00, CacheWriteMul: 1.25, CacheReadMul: 0.1,
			},
		},
		OCR: map[string]OCRRate{
			"mistral":   {PerPage: 0.001},
			"service":   {PerPage: 0.0015},
			"pdftotext": {PerPage: 0},
			"xlsx":      {PerPage: 0},
		},
	}
}

// Package llm provides the structured-output gateway every LLM call in the
// system flows through, plus the transport providers behind it. No other
// package talks to a model API directly.
package llm

import (
	"context"
)

// Usage captures token counts for one completion.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Completion is the raw outcome of one provider call.
type Completion struct {
	Text  string `json:"text"`
	Usage Usage  `json:"usage"`
}

// Provider is the transport interface for LLM backends.
type Provider interface {
	Complete(ctx context.Context, prompt string) (*Completion, error)
	CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (*Completion, error)
	Model() string
}

// Pricing is USD per million tokens for one model.
type Pricing struct {
	InputPerMTok  float64
	OutputPerMTok float64
}

// priceTable maps model-name prefixes to pricing. Unknown models fall back
// to defaultPricing so cost accounting never silently reads zero.
var priceTable = map[string]Pricing{
	"gemini-2.5-flash": {InputPerMTok: 0.30, OutputPerMTok: 2.50},
	"gemini-2.5-pro":   {InputPerMTok: 1.25, OutputPerMTok: 10.00},
	"gemini-2.0-flash": {InputPerMTok: 0.10, OutputPerMTok: 0.40},
	"gpt-4o-mini":      {InputPerMTok: 0.15, OutputPerMTok: 0.60},
	"gpt-4o":           {InputPerMTok: 2.50, OutputPerMTok: 10.00},
}

var defaultPricing = Pricing{InputPerMTok: 1.00, OutputPerMTok: 5.00}

// CostUSD computes the dollar cost of a completion for the given model.
func CostUSD(model string, u Usage) float64 {
	p := defaultPricing
	for prefix, pricing := range priceTable {
		if len(model) >= len(prefix) && model[:len(prefix)] == prefix {
			p = pricing
			break
		}
	}
	return float64(u.InputTokens)/1e6*p.InputPerMTok + float64(u.OutputTokens)/1e6*p.OutputPerMTok
}

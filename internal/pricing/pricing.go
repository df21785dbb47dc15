// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package pricing provides token estimation and cost calculation.
//
// Everything here is a pure function over its inputs: no I/O, no shared
// state. Token estimation deliberately over-estimates so budget checks
// err on the safe side.
package pricing

import (
	"math"
	"strings"

	"github.com/cyber-tao/openai-api-lab-sub000/internal/api"
)

// DefaultCurrency is used when no currency is specified.
const DefaultCurrency = "USD"

// =============================================================================
// TOKEN ESTIMATION
// =============================================================================

// EstimateTokens approximates the token count of raw text as the larger
// of a character-based (~4 chars/token) and a word-based (~0.75
// words/token) heuristic. Taking the max over-estimates on purpose.
// Empty text is zero tokens.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	byChars := int(math.Ceil(float64(len(text)) / 4))
	byWords := int(math.Ceil(float64(len(strings.Fields(text))) / 0.75))
	if byWords > byChars {
		return byWords
	}
	return byChars
}

// =============================================================================
// COST CALCULATION
// =============================================================================

// Price is a per-1000-token price pair.
type Price struct {
	InputPer1K  float64
	OutputPer1K float64
	Currency    string
}

// Cost is the money derived from one exchange's token usage.
// Total == Input + Output always holds.
type Cost struct {
	Input    float64 `json:"input_cost"`
	Output   float64 `json:"output_cost"`
	Total    float64 `json:"total_cost"`
	Currency string  `json:"currency"`
}

// Calculate derives the cost of a usage at the given price. Negative
// inputs are not rejected here; validation is the caller's concern.
func Calculate(usage api.Usage, price Price) Cost {
	currency := price.Currency
	if currency == "" {
		currency = DefaultCurrency
	}
	input := price.InputPer1K / 1000 * float64(usage.Input)
	output := price.OutputPer1K / 1000 * float64(usage.Output)
	return Cost{
		Input:    input,
		Output:   output,
		Total:    input + output,
		Currency: currency,
	}
}

// =============================================================================
// EFFECTIVE PRICE RESOLUTION
// =============================================================================

// EffectivePrice resolves the price to charge for a model: a user
// override always wins; otherwise the provider-reported price; otherwise
// nil, meaning no priceable comparison is possible and the caller must
// exclude the model from cost-based ranking.
func EffectivePrice(model api.ModelRecord, override *Price) *Price {
	if override != nil {
		return override
	}
	if model.HasPrice() {
		return &Price{
			InputPer1K:  *model.InputPer1K,
			OutputPer1K: *model.OutputPer1K,
			Currency:    DefaultCurrency,
		}
	}
	return nil
}

// defaultTable carries prices for well-known model families, keyed by id
// substring and matched in order. Used only when neither an override nor
// a provider price exists.
var defaultTable = []struct {
	substr string
	price  Price
}{
	{"gpt-4o-mini", Price{0.00015, 0.0006, DefaultCurrency}},
	{"gpt-4o", Price{0.0025, 0.01, DefaultCurrency}},
	{"gpt-4-turbo", Price{0.01, 0.03, DefaultCurrency}},
	{"gpt-4", Price{0.03, 0.06, DefaultCurrency}},
	{"gpt-3.5", Price{0.0005, 0.0015, DefaultCurrency}},
	{"claude-3-5-sonnet", Price{0.003, 0.015, DefaultCurrency}},
	{"claude-3-opus", Price{0.015, 0.075, DefaultCurrency}},
	{"claude-3-haiku", Price{0.00025, 0.00125, DefaultCurrency}},
	{"deepseek", Price{0.00014, 0.00028, DefaultCurrency}},
}

// DefaultPrice looks up a fallback price for a model id. Returns nil for
// unknown families.
func DefaultPrice(modelID string) *Price {
	lower := strings.ToLower(modelID)
	for _, entry := range defaultTable {
		if strings.Contains(lower, entry.substr) {
			p := entry.price
			return &p
		}
	}
	return nil
}

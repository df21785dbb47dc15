// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// =============================================================================
// MODEL RECORDS
// =============================================================================

// ModelType is the broad category inferred from a model id.
type ModelType string

const (
	ModelTypeText       ModelType = "text"
	ModelTypeMultimodal ModelType = "multimodal"
	ModelTypeEmbedding  ModelType = "embedding"
)

// ModelRecord is the canonical shape a provider model is transformed into.
// Type, context length, and capabilities are inferred heuristically from
// the id when the provider does not report them; prices are taken from
// the provider listing when present.
type ModelRecord struct {
	ID            string
	Name          string
	Type          ModelType
	ContextLength int
	Capabilities  []string
	InputPer1K    *float64 // provider-reported, USD per 1K input tokens
	OutputPer1K   *float64 // provider-reported, USD per 1K output tokens
}

// HasPrice reports whether the provider supplied both prices.
func (m ModelRecord) HasPrice() bool {
	return m.InputPer1K != nil && m.OutputPer1K != nil
}

// wireModel tolerates the shape differences between providers: context
// length under two names, pricing as strings or numbers under several
// field names.
type wireModel struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	ContextLength int            `json:"context_length"`
	ContextWindow int            `json:"context_window"`
	Pricing       map[string]any `json:"pricing"`
}

// modelsResponse is the GET /models envelope.
type modelsResponse struct {
	Data []wireModel `json:"data"`
}

// =============================================================================
// INFERENCE HEURISTICS
// =============================================================================

// typeRules maps id substrings to model types, matched in order.
var typeRules = []struct {
	substr string
	typ    ModelType
}{
	{"embedding", ModelTypeEmbedding},
	{"embed", ModelTypeEmbedding},
	{"vision", ModelTypeMultimodal},
	{"-vl", ModelTypeMultimodal},
	{"gpt-4o", ModelTypeMultimodal},
	{"gpt-4.1", ModelTypeMultimodal},
	{"gemini", ModelTypeMultimodal},
	{"claude-3", ModelTypeMultimodal},
	{"claude-4", ModelTypeMultimodal},
}

// contextRules maps id substrings to known context window sizes.
var contextRules = []struct {
	substr string
	tokens int
}{
	{"gemini-1.5", 1000000},
	{"claude", 200000},
	{"gpt-4o", 128000},
	{"gpt-4-turbo", 128000},
	{"gpt-4.1", 128000},
	{"o1", 128000},
	{"128k", 128000},
	{"32k", 32768},
	{"16k", 16384},
	{"gpt-4", 8192},
	{"8k", 8192},
}

// defaultContextLength is assumed when nothing matches.
const defaultContextLength = 4096

// capabilityRules maps id substrings to capability tags.
var capabilityRules = []struct {
	substr string
	tag    string
}{
	{"vision", "vision"},
	{"gpt-4o", "vision"},
	{"gemini", "vision"},
	{"claude-3", "vision"},
	{"coder", "code"},
	{"code", "code"},
	{"instruct", "chat"},
	{"chat", "chat"},
	{"o1", "reasoning"},
	{"r1", "reasoning"},
	{"reason", "reasoning"},
}

// InferModelType guesses a model's type from its id.
func InferModelType(id string) ModelType {
	lower := strings.ToLower(id)
	for _, rule := range typeRules {
		if strings.Contains(lower, rule.substr) {
			return rule.typ
		}
	}
	return ModelTypeText
}

// InferContextLength guesses a model's context window from its id.
func InferContextLength(id string) int {
	lower := strings.ToLower(id)
	for _, rule := range contextRules {
		if strings.Contains(lower, rule.substr) {
			return rule.tokens
		}
	}
	return defaultContextLength
}

// InferCapabilities collects capability tags matching the model id.
// Every model can at least chat.
func InferCapabilities(id string) []string {
	lower := strings.ToLower(id)
	seen := map[string]bool{}
	tags := []string{"chat"}
	seen["chat"] = true
	for _, rule := range capabilityRules {
		if strings.Contains(lower, rule.substr) && !seen[rule.tag] {
			tags = append(tags, rule.tag)
			seen[rule.tag] = true
		}
	}
	return tags
}

// priceFieldNames are the nested pricing keys seen across providers,
// in preference order. Values arrive as strings or numbers, priced
// per token or already per 1K depending on the provider; per-token
// values (OpenRouter style) are detected by magnitude and scaled.
var inputPriceFields = []string{"prompt", "input", "input_cost_per_token"}
var outputPriceFields = []string{"completion", "output", "output_cost_per_token"}

// parsePrice extracts one price from a provider pricing map.
func parsePrice(pricing map[string]any, fields []string) *float64 {
	for _, field := range fields {
		raw, ok := pricing[field]
		if !ok {
			continue
		}
		var v float64
		switch t := raw.(type) {
		case string:
			parsed, err := strconv.ParseFloat(t, 64)
			if err != nil {
				continue
			}
			v = parsed
		case float64:
			v = t
		case json.Number:
			parsed, err := t.Float64()
			if err != nil {
				continue
			}
			v = parsed
		default:
			continue
		}
		if v < 0 {
			continue
		}
		// Values below a tenth of a cent are per-token quotes.
		if v > 0 && v < 0.001 {
			v *= 1000
		}
		return &v
	}
	return nil
}

// transformModel converts a provider model into the canonical record.
func transformModel(w wireModel) ModelRecord {
	rec := ModelRecord{
		ID:            w.ID,
		Name:          w.Name,
		Type:          InferModelType(w.ID),
		ContextLength: w.ContextLength,
		Capabilities:  InferCapabilities(w.ID),
	}
	if rec.Name == "" {
		rec.Name = w.ID
	}
	if rec.ContextLength == 0 {
		rec.ContextLength = w.ContextWindow
	}
	if rec.ContextLength == 0 {
		rec.ContextLength = InferContextLength(w.ID)
	}
	if w.Pricing != nil {
		rec.InputPer1K = parsePrice(w.Pricing, inputPriceFields)
		rec.OutputPer1K = parsePrice(w.Pricing, outputPriceFields)
	}
	return rec
}

// =============================================================================
// MODEL CACHE
// =============================================================================

// ModelCache holds model listings per endpoint profile with a freshness
// timestamp. Stale entries are never served.
type ModelCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]modelCacheEntry
}

type modelCacheEntry struct {
	models  []ModelRecord
	fetched time.Time
}

// NewModelCache creates a cache with the default TTL.
func NewModelCache() *ModelCache {
	return &ModelCache{
		ttl:     ModelCacheTTL,
		entries: make(map[string]modelCacheEntry),
	}
}

// WithTTL overrides the freshness window. Intended for tests.
func (mc *ModelCache) WithTTL(ttl time.Duration) *ModelCache {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.ttl = ttl
	return mc
}

// get returns a fresh entry, or nil when absent or stale.
func (mc *ModelCache) get(key string) []ModelRecord {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	entry, ok := mc.entries[key]
	if !ok || time.Since(entry.fetched) >= mc.ttl {
		return nil
	}
	out := make([]ModelRecord, len(entry.models))
	copy(out, entry.models)
	return out
}

// put stores a listing. Concurrent refreshes are not coalesced; when two
// callers both miss, both fetch and the last writer wins. Accepted race.
func (mc *ModelCache) put(key string, models []ModelRecord) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	stored := make([]ModelRecord, len(models))
	copy(stored, models)
	mc.entries[key] = modelCacheEntry{models: stored, fetched: time.Now()}
}

// =============================================================================
// MODEL LISTING
// =============================================================================

// ListModels returns the endpoint's models. A cached listing younger than
// the TTL is served unless forceRefresh is set; otherwise a live fetch
// transforms the provider shapes and refreshes the cache.
func (c *Client) ListModels(ctx context.Context, forceRefresh bool) ([]ModelRecord, error) {
	key := c.cacheKey()
	if !forceRefresh {
		if cached := c.models.get(key); cached != nil {
			return cached, nil
		}
	}

	models, apiErr := c.fetchModels(ctx)
	if apiErr != nil {
		return nil, apiErr
	}
	c.models.put(key, models)
	return models, nil
}

// fetchModels performs the live GET /models call.
func (c *Client) fetchModels(ctx context.Context) ([]ModelRecord, *APIError) {
	url := c.profile.BaseURL + "/models"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &APIError{Kind: ErrKindUnknown, Message: err.Error()}
	}
	c.setHeaders(req)

	c.logRequest(http.MethodGet, "/models", nil)
	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, Normalize(err)
	}
	defer resp.Body.Close()
	c.logResponse(http.MethodGet, "/models", resp.StatusCode, time.Since(start))

	body, err := readLimited(resp)
	if err != nil {
		return nil, &APIError{Kind: ErrKindUnknown, Message: err.Error(), Status: resp.StatusCode}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, c.errorFromBody(resp.StatusCode, body)
	}

	var parsed modelsResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, &APIError{Kind: ErrKindUnknown, Message: "malformed models response", Status: resp.StatusCode}
	}

	models := make([]ModelRecord, 0, len(parsed.Data))
	for _, w := range parsed.Data {
		if w.ID == "" {
			continue
		}
		models = append(models, transformModel(w))
	}
	return models, nil
}

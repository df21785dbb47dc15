// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package api

import (
	"testing"
)

func TestInferModelType(t *testing.T) {
	cases := []struct {
		id   string
		want ModelType
	}{
		{"text-embedding-3-small", ModelTypeEmbedding},
		{"gpt-4o", ModelTypeMultimodal},
		{"gpt-4o-mini", ModelTypeMultimodal},
		{"gemini-1.5-pro", ModelTypeMultimodal},
		{"claude-3-opus", ModelTypeMultimodal},
		{"qwen2-vl-7b", ModelTypeMultimodal},
		{"llama-3-70b-instruct", ModelTypeText},
		{"mistral-7b", ModelTypeText},
	}
	for _, tc := range cases {
		if got := InferModelType(tc.id); got != tc.want {
			t.Errorf("InferModelType(%q) = %s, want %s", tc.id, got, tc.want)
		}
	}
}

func TestInferContextLength(t *testing.T) {
	cases := []struct {
		id   string
		want int
	}{
		{"gemini-1.5-flash", 1000000},
		{"claude-3-sonnet", 200000},
		{"gpt-4o", 128000},
		{"gpt-4-turbo", 128000},
		{"yi-34b-32k", 32768},
		{"gpt-3.5-turbo-16k", 16384},
		{"gpt-4", 8192},
		{"some-unknown-model", 4096},
	}
	for _, tc := range cases {
		if got := InferContextLength(tc.id); got != tc.want {
			t.Errorf("InferContextLength(%q) = %d, want %d", tc.id, got, tc.want)
		}
	}
}

func TestInferCapabilities_AlwaysIncludesChat(t *testing.T) {
	for _, id := range []string{"gpt-4o", "deepseek-coder", "totally-unknown"} {
		tags := InferCapabilities(id)
		found := false
		for _, tag := range tags {
			if tag == "chat" {
				found = true
			}
		}
		if !found {
			t.Errorf("InferCapabilities(%q) missing chat: %v", id, tags)
		}
	}
}

func TestParsePrice(t *testing.T) {
	// String-valued per-token price (OpenRouter style) gets scaled to per-1K
	p := parsePrice(map[string]any{"prompt": "0.0000025"}, inputPriceFields)
	if p == nil {
		t.Fatal("Expected price")
	}
	if *p < 0.0024 || *p > 0.0026 {
		t.Errorf("Expected per-token price scaled to ~0.0025, got %v", *p)
	}

	// Numeric per-1K price passes through unchanged
	p = parsePrice(map[string]any{"input": 0.01}, inputPriceFields)
	if p == nil || *p != 0.01 {
		t.Errorf("Expected 0.01 unchanged, got %v", p)
	}

	// Negative and unparseable values are skipped
	if p = parsePrice(map[string]any{"prompt": "-1"}, inputPriceFields); p != nil {
		t.Errorf("Negative price must be rejected, got %v", *p)
	}
	if p = parsePrice(map[string]any{"prompt": "garbage"}, inputPriceFields); p != nil {
		t.Errorf("Unparseable price must be rejected, got %v", *p)
	}

	// Zero is a valid price (free models)
	if p = parsePrice(map[string]any{"prompt": "0"}, inputPriceFields); p == nil || *p != 0 {
		t.Errorf("Zero price must be kept, got %v", p)
	}
}

func TestTransformModel(t *testing.T) {
	rec := transformModel(wireModel{
		ID:            "gpt-4o",
		ContextLength: 0,
		ContextWindow: 128000,
		Pricing:       map[string]any{"prompt": "0.0000025", "completion": "0.00001"},
	})
	if rec.Name != "gpt-4o" {
		t.Errorf("Name should fall back to id, got %q", rec.Name)
	}
	if rec.ContextLength != 128000 {
		t.Errorf("Expected context_window fallback, got %d", rec.ContextLength)
	}
	if !rec.HasPrice() {
		t.Error("Expected both prices present")
	}
	if rec.Type != ModelTypeMultimodal {
		t.Errorf("Expected multimodal, got %s", rec.Type)
	}
}

func TestTransformModel_NoMetadata(t *testing.T) {
	rec := transformModel(wireModel{ID: "mystery-model"})
	if rec.ContextLength != defaultContextLength {
		t.Errorf("Expected inferred default context, got %d", rec.ContextLength)
	}
	if rec.HasPrice() {
		t.Error("Expected no price")
	}
	if rec.Type != ModelTypeText {
		t.Errorf("Expected text type, got %s", rec.Type)
	}
}

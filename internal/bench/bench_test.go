// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package bench

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cyber-tao/openai-api-lab-sub000/internal/api"
	"github.com/cyber-tao/openai-api-lab-sub000/internal/pricing"
)

func testFactory(serverURL string) ClientFactory {
	return func(modelID string) *api.Client {
		return api.NewClient(api.Profile{
			BaseURL: serverURL,
			APIKey:  "sk-bench",
			Model:   modelID,
		})
	}
}

func completionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"model": "m",
			"choices": [{"message": {"role": "assistant", "content": "answer"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 2, "completion_tokens": 3, "total_tokens": 5}
		}`))
	}
}

func TestExpand(t *testing.T) {
	cases := Expand([]string{"a", "b"}, []string{"p1", "p2", "p3"})
	if len(cases) != 6 {
		t.Fatalf("Expected 6 cases, got %d", len(cases))
	}
	// Models outermost
	if cases[0].Model != "a" || cases[3].Model != "b" {
		t.Errorf("Unexpected case ordering: %+v", cases)
	}
}

func TestRun_AllSucceed(t *testing.T) {
	server := httptest.NewServer(completionHandler())
	defer server.Close()

	runner := NewRunner(testFactory(server.URL), nil)
	cases := Expand([]string{"model-a", "model-b"}, []string{"p1", "p2"})

	report, err := runner.Run(context.Background(), cases, Options{})
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if report.Succeeded != 4 || report.Failed != 0 {
		t.Errorf("Expected 4/0, got %d/%d", report.Succeeded, report.Failed)
	}
	if len(report.PerModel) != 2 {
		t.Fatalf("Expected 2 model buckets, got %d", len(report.PerModel))
	}
	statsA := report.PerModel["model-a"]
	if statsA.Total != 2 || statsA.Succeeded != 2 {
		t.Errorf("Unexpected model-a stats: %+v", statsA)
	}
	if statsA.TotalTokens != 10 {
		t.Errorf("Expected 10 tokens for model-a, got %d", statsA.TotalTokens)
	}
	if statsA.AvgElapsed <= 0 {
		t.Error("Expected positive average elapsed")
	}
}

func TestRun_FailuresDoNotAbortSweep(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := make([]byte, 4096)
		n, _ := r.Body.Read(body)
		if strings.Contains(string(body[:n]), "bad-model") {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error":{"message":"unknown model"}}`))
			return
		}
		completionHandler()(w, r)
	}))
	defer server.Close()

	runner := NewRunner(testFactory(server.URL), nil)
	cases := Expand([]string{"good-model", "bad-model"}, []string{"p"})

	report, err := runner.Run(context.Background(), cases, Options{})
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if report.Succeeded != 1 || report.Failed != 1 {
		t.Fatalf("Expected 1/1, got %d/%d", report.Succeeded, report.Failed)
	}
	bad := report.PerModel["bad-model"]
	if bad.FailuresByKind[api.ErrKindValidation] != 1 {
		t.Errorf("Expected validation failure bucket, got %+v", bad.FailuresByKind)
	}
}

func TestRun_TimeoutCountsAsNetworkFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer server.Close()

	runner := NewRunner(testFactory(server.URL), nil)
	report, err := runner.Run(context.Background(),
		[]Case{{Model: "slow-model", Prompt: "p"}},
		Options{Timeout: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if report.Failed != 1 {
		t.Fatalf("Expected the timed-out exchange to fail, got %+v", report)
	}
	if report.Exchanges[0].ErrorKind != api.ErrKindNetwork {
		t.Errorf("Timeout must land in the network bucket, got %s", report.Exchanges[0].ErrorKind)
	}
}

func TestRun_RespectsConcurrency(t *testing.T) {
	var current, peak atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		current.Add(-1)
		completionHandler()(w, r)
	}))
	defer server.Close()

	runner := NewRunner(testFactory(server.URL), nil)
	prompts := make([]string, 10)
	for i := range prompts {
		prompts[i] = fmt.Sprintf("p%d", i)
	}
	_, err := runner.Run(context.Background(), Expand([]string{"m"}, prompts), Options{Concurrency: 2})
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if peak.Load() > 2 {
		t.Errorf("Expected at most 2 in flight, saw %d", peak.Load())
	}
}

func TestRun_CostFromOverride(t *testing.T) {
	server := httptest.NewServer(completionHandler())
	defer server.Close()

	prices := func(modelID string) *pricing.Price {
		return &pricing.Price{InputPer1K: 1, OutputPer1K: 1, Currency: "USD"}
	}
	runner := NewRunner(testFactory(server.URL), prices)

	report, err := runner.Run(context.Background(), []Case{{Model: "m", Prompt: "p"}}, Options{})
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	ex := report.Exchanges[0]
	if ex.Cost == nil {
		t.Fatal("Expected cost from override")
	}
	// 2 input + 3 output tokens at 1/1K each
	want := 0.002 + 0.003
	if diff := ex.Cost.Total - want; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("Expected cost %v, got %v", want, ex.Cost.Total)
	}
	if report.TotalCost == 0 {
		t.Error("Report total cost must aggregate exchange costs")
	}
}

func TestRun_EmptyCases(t *testing.T) {
	runner := NewRunner(testFactory("http://127.0.0.1:1"), nil)
	if _, err := runner.Run(context.Background(), nil, Options{}); err == nil {
		t.Fatal("Expected error for empty case list")
	}
}

func TestRun_StreamRecordsFirstToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(`data: {"choices":[{"delta":{"content":"hi"}}]}` + "\n"))
		w.Write([]byte("data: [DONE]\n"))
	}))
	defer server.Close()

	runner := NewRunner(testFactory(server.URL), nil)
	report, err := runner.Run(context.Background(),
		[]Case{{Model: "m", Prompt: "p"}}, Options{Stream: true})
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if !report.Exchanges[0].Success {
		t.Fatalf("Expected success, got %+v", report.Exchanges[0])
	}
	if report.Exchanges[0].FirstToken <= 0 {
		t.Error("Expected first-token latency to be recorded")
	}
}

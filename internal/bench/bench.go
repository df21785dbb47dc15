// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package bench runs bulk model-by-prompt sweeps.
package bench

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/cyber-tao/openai-api-lab-sub000/internal/api"
	"github.com/cyber-tao/openai-api-lab-sub000/internal/dispatch"
	"github.com/cyber-tao/openai-api-lab-sub000/internal/pricing"
)

// Sweep defaults.
const (
	DefaultConcurrency = 5
	DefaultTimeout     = 30 * time.Second
)

// =============================================================================
// CASES AND OPTIONS
// =============================================================================

// Case is one cell of the model-by-prompt matrix.
type Case struct {
	Model  string
	Prompt string
}

// Expand builds the cartesian product of models and prompts, models
// outermost so a sweep exercises one model at a time under equal load.
func Expand(models, prompts []string) []Case {
	cases := make([]Case, 0, len(models)*len(prompts))
	for _, m := range models {
		for _, p := range prompts {
			cases = append(cases, Case{Model: m, Prompt: p})
		}
	}
	return cases
}

// Options tunes a sweep. The zero value is usable.
type Options struct {
	Concurrency int           // in-flight exchange cap, default 5
	Timeout     time.Duration // per-exchange deadline, default 30s
	RPS         float64       // request-per-second cap, 0 = unlimited
	Stream      bool          // stream responses to measure first-token latency
}

func (o Options) withDefaults() Options {
	if o.Concurrency <= 0 {
		o.Concurrency = DefaultConcurrency
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	return o
}

// =============================================================================
// RESULTS
// =============================================================================

// ExchangeResult records one case's outcome. Failed exchanges carry the
// normalized error kind so aggregation can bucket them.
type ExchangeResult struct {
	Case       Case
	Success    bool
	Text       string
	Usage      *api.Usage
	Cost       *pricing.Cost
	Elapsed    time.Duration
	FirstToken time.Duration // zero when not streaming or no token arrived
	ErrorKind  api.ErrorKind
	Error      string
}

// ModelStats aggregates one model's rows.
type ModelStats struct {
	Model          string
	Total          int
	Succeeded      int
	Failed         int
	AvgElapsed     time.Duration
	AvgFirstTok    time.Duration
	TotalTokens    int
	TotalCost      float64
	FailuresByKind map[api.ErrorKind]int
}

// Report is the full sweep outcome.
type Report struct {
	Started   time.Time
	Finished  time.Time
	Duration  time.Duration
	Exchanges []ExchangeResult
	PerModel  map[string]*ModelStats
	Succeeded int
	Failed    int
	TotalCost float64
	Currency  string
}

// computeAggregates fills the per-model and whole-report rollups.
func (r *Report) computeAggregates() {
	r.PerModel = make(map[string]*ModelStats)

	for _, ex := range r.Exchanges {
		stats := r.PerModel[ex.Case.Model]
		if stats == nil {
			stats = &ModelStats{
				Model:          ex.Case.Model,
				FailuresByKind: make(map[api.ErrorKind]int),
			}
			r.PerModel[ex.Case.Model] = stats
		}
		stats.Total++
		if ex.Success {
			stats.Succeeded++
			r.Succeeded++
			if ex.Usage != nil {
				stats.TotalTokens += ex.Usage.Total
			}
			if ex.Cost != nil {
				stats.TotalCost += ex.Cost.Total
				r.TotalCost += ex.Cost.Total
				if r.Currency == "" {
					r.Currency = ex.Cost.Currency
				}
			}
		} else {
			stats.Failed++
			r.Failed++
			stats.FailuresByKind[ex.ErrorKind]++
		}
	}

	for _, stats := range r.PerModel {
		var elapsed, firstTok time.Duration
		var elapsedN, firstTokN int
		for _, ex := range r.Exchanges {
			if ex.Case.Model != stats.Model || !ex.Success {
				continue
			}
			elapsed += ex.Elapsed
			elapsedN++
			if ex.FirstToken > 0 {
				firstTok += ex.FirstToken
				firstTokN++
			}
		}
		if elapsedN > 0 {
			stats.AvgElapsed = elapsed / time.Duration(elapsedN)
		}
		if firstTokN > 0 {
			stats.AvgFirstTok = firstTok / time.Duration(firstTokN)
		}
	}
}

// =============================================================================
// RUNNER
// =============================================================================

// ClientFactory builds a transport client for one model of the sweep.
// Separating construction from the runner keeps profile handling (keys,
// base URLs) out of this package.
type ClientFactory func(modelID string) *api.Client

// PriceSource resolves a price override, nil when none applies.
type PriceSource func(modelID string) *pricing.Price

// Runner executes sweeps. Each Run drives its cases through its own
// permit pool sized by Options.Concurrency, independent of any
// interactive traffic.
type Runner struct {
	factory ClientFactory
	prices  PriceSource
}

// NewRunner creates a sweep runner. prices may be nil.
func NewRunner(factory ClientFactory, prices PriceSource) *Runner {
	return &Runner{factory: factory, prices: prices}
}

// Run executes every case and returns the aggregated report. Individual
// failures never abort the sweep; a timed-out exchange is recorded as a
// network failure. Run returns an error only when the sweep itself could
// not proceed (cancelled context, empty case list).
func (r *Runner) Run(ctx context.Context, cases []Case, opts Options) (*Report, error) {
	if len(cases) == 0 {
		return nil, fmt.Errorf("no cases to run")
	}
	opts = opts.withDefaults()

	var limiter *rate.Limiter
	if opts.RPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RPS), 1)
	}

	jobs := make([]dispatch.Job, len(cases))
	for i, c := range cases {
		c := c
		jobs[i] = func(jobCtx context.Context) (any, error) {
			if limiter != nil {
				if err := limiter.Wait(jobCtx); err != nil {
					return nil, err
				}
			}
			return r.runCase(jobCtx, c, opts), nil
		}
	}

	report := &Report{Started: time.Now()}

	gov := dispatch.NewGovernor(opts.Concurrency)
	results := gov.RunBounded(ctx, jobs, opts.Concurrency)

	report.Exchanges = make([]ExchangeResult, len(cases))
	for _, res := range results {
		if res.Err != nil {
			// Job never ran (sweep cancelled) or the limiter bailed.
			report.Exchanges[res.Index] = ExchangeResult{
				Case:      cases[res.Index],
				ErrorKind: api.ErrKindNetwork,
				Error:     res.Err.Error(),
			}
			continue
		}
		report.Exchanges[res.Index] = res.Value.(ExchangeResult)
	}

	report.Finished = time.Now()
	report.Duration = report.Finished.Sub(report.Started)
	report.computeAggregates()
	return report, nil
}

// runCase executes one exchange under the per-case deadline.
func (r *Runner) runCase(ctx context.Context, c Case, opts Options) ExchangeResult {
	result := ExchangeResult{Case: c}

	client := r.factory(c.Model)

	caseCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	req := api.ChatRequest{
		Model:    c.Model,
		Messages: []api.ChatMessage{api.NewUserMessage(c.Prompt)},
	}

	var onDelta func(string)
	start := time.Now()
	if opts.Stream {
		onDelta = func(fragment string) {
			if result.FirstToken == 0 && fragment != "" {
				result.FirstToken = time.Since(start)
			}
		}
	}

	completion, err := client.Complete(caseCtx, req, onDelta)
	result.Elapsed = time.Since(start)

	if err != nil {
		apiErr := api.Normalize(err)
		// A deadline hit is indistinguishable from a dead endpoint at
		// this level; both land in the network bucket.
		result.ErrorKind = apiErr.Kind
		result.Error = apiErr.Message
		if streamErr, ok := err.(*api.StreamError); ok {
			result.Text = streamErr.Partial
		}
		return result
	}

	result.Success = true
	result.Text = completion.Text
	result.Usage = completion.Usage
	result.Elapsed = completion.Elapsed

	if completion.Usage != nil {
		price := r.resolvePrice(c.Model)
		if price != nil {
			cost := pricing.Calculate(*completion.Usage, *price)
			result.Cost = &cost
		}
	}
	return result
}

func (r *Runner) resolvePrice(modelID string) *pricing.Price {
	if r.prices != nil {
		if p := r.prices(modelID); p != nil {
			return p
		}
	}
	return pricing.DefaultPrice(modelID)
}

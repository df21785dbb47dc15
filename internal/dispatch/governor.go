// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package dispatch bounds and tracks in-flight exchanges.
//
// The Governor is a counting permit pool plus an exchange registry.
// Permits limit how many exchanges run at once; waiters are served in
// strict arrival order so no caller starves. Registered exchanges carry a
// correlation id and a cancellation switch, so any one of them (or all)
// can be aborted while the rest continue unaffected.
package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultLimit is the permit pool size used by the bulk test runner.
const DefaultLimit = 5

// =============================================================================
// GOVERNOR
// =============================================================================

// Governor bounds concurrent exchanges and tracks them by correlation id.
// A limit of 0 means unbounded: permits are granted immediately and only
// the registry is active. Safe for concurrent use.
type Governor struct {
	mu        sync.Mutex
	limit     int
	inUse     int
	waiters   []chan struct{}
	exchanges map[string]*exchange
}

// exchange is one registered in-flight exchange.
type exchange struct {
	id      string
	label   string
	started time.Time
	cancel  context.CancelFunc
}

// ExchangeInfo is a read-only snapshot of a registered exchange.
type ExchangeInfo struct {
	ID      string
	Label   string
	Started time.Time
}

// NewGovernor creates a governor with the given permit pool size.
func NewGovernor(limit int) *Governor {
	return &Governor{
		limit:     limit,
		exchanges: make(map[string]*exchange),
	}
}

// =============================================================================
// PERMITS
// =============================================================================

// Acquire blocks until a permit is free, then returns its release
// function. Waiters are served strictly FIFO. The release function is
// idempotent. On cancellation the waiter is removed from the queue and a
// permit handed to it in the meantime is passed on, not leaked.
func (g *Governor) Acquire(ctx context.Context) (func(), error) {
	if g.limit <= 0 {
		return func() {}, nil
	}

	g.mu.Lock()
	if g.inUse < g.limit && len(g.waiters) == 0 {
		g.inUse++
		g.mu.Unlock()
		return g.releaseOnce(), nil
	}

	ready := make(chan struct{})
	g.waiters = append(g.waiters, ready)
	g.mu.Unlock()

	select {
	case <-ready:
		return g.releaseOnce(), nil
	case <-ctx.Done():
		g.mu.Lock()
		for i, w := range g.waiters {
			if w == ready {
				g.waiters = append(g.waiters[:i], g.waiters[i+1:]...)
				g.mu.Unlock()
				return nil, ctx.Err()
			}
		}
		g.mu.Unlock()
		// The permit was granted concurrently with cancellation;
		// hand it to the next waiter.
		g.release()
		return nil, ctx.Err()
	}
}

// TryAcquire grants a permit without waiting, or reports failure.
func (g *Governor) TryAcquire() (func(), bool) {
	if g.limit <= 0 {
		return func() {}, true
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.inUse < g.limit && len(g.waiters) == 0 {
		g.inUse++
		return g.releaseOnce(), true
	}
	return nil, false
}

// releaseOnce wraps release so double-release cannot corrupt the count.
func (g *Governor) releaseOnce() func() {
	var once sync.Once
	return func() {
		once.Do(g.release)
	}
}

// release hands the permit to the head waiter, or returns it to the pool.
func (g *Governor) release() {
	g.mu.Lock()
	if len(g.waiters) > 0 {
		head := g.waiters[0]
		g.waiters = g.waiters[1:]
		g.mu.Unlock()
		// Permit transfers directly; inUse is unchanged.
		close(head)
		return
	}
	g.inUse--
	g.mu.Unlock()
}

// InUse returns the number of granted permits.
func (g *Governor) InUse() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inUse
}

// =============================================================================
// EXCHANGE REGISTRY
// =============================================================================

// Register derives a cancellable context for one exchange and records it
// under a fresh correlation id. The exchange stays in the registry from
// submission until Deregister, Cancel, or CancelAll.
func (g *Governor) Register(ctx context.Context, label string) (context.Context, string) {
	exCtx, cancel := context.WithCancel(ctx)
	ex := &exchange{
		id:      uuid.New().String(),
		label:   label,
		started: time.Now(),
		cancel:  cancel,
	}
	g.mu.Lock()
	g.exchanges[ex.id] = ex
	g.mu.Unlock()
	return exCtx, ex.id
}

// Deregister removes an exchange after completion. Cancellation after
// completion is a no-op because the entry is gone.
func (g *Governor) Deregister(id string) {
	g.mu.Lock()
	delete(g.exchanges, id)
	g.mu.Unlock()
}

// Cancel aborts the exchange with the given correlation id. Returns
// false when the id is unknown (already finished or never issued).
func (g *Governor) Cancel(id string) bool {
	g.mu.Lock()
	ex, ok := g.exchanges[id]
	if ok {
		delete(g.exchanges, id)
	}
	g.mu.Unlock()
	if !ok {
		return false
	}
	ex.cancel()
	return true
}

// CancelAll aborts every registered exchange and returns how many were
// cancelled.
func (g *Governor) CancelAll() int {
	g.mu.Lock()
	cancelled := make([]*exchange, 0, len(g.exchanges))
	for id, ex := range g.exchanges {
		cancelled = append(cancelled, ex)
		delete(g.exchanges, id)
	}
	g.mu.Unlock()
	for _, ex := range cancelled {
		ex.cancel()
	}
	return len(cancelled)
}

// InFlight returns a snapshot of the registered exchanges.
func (g *Governor) InFlight() []ExchangeInfo {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]ExchangeInfo, 0, len(g.exchanges))
	for _, ex := range g.exchanges {
		out = append(out, ExchangeInfo{ID: ex.id, Label: ex.label, Started: ex.started})
	}
	return out
}

// =============================================================================
// BOUNDED FAN-OUT
// =============================================================================

// Job is one unit of work driven through the permit pool.
type Job func(ctx context.Context) (any, error)

// JobResult is the outcome of one job, aligned by input index.
type JobResult struct {
	Index int
	Value any
	Err   error
}

// RunBounded drives jobs through a permit pool of the given size and
// returns results aligned by input index. A failing job is captured as an
// error value; it never cancels its siblings. When limit is zero or
// negative the governor's own limit applies, falling back to
// DefaultLimit.
func (g *Governor) RunBounded(ctx context.Context, jobs []Job, limit int) []JobResult {
	if limit <= 0 {
		limit = g.limit
	}
	if limit <= 0 {
		limit = DefaultLimit
	}

	pool := NewGovernor(limit)
	results := make([]JobResult, len(jobs))
	var wg sync.WaitGroup

	for i, job := range jobs {
		release, err := pool.Acquire(ctx)
		if err != nil {
			// Context cancelled while waiting: fail this and all
			// remaining jobs without running them.
			for j := i; j < len(jobs); j++ {
				results[j] = JobResult{Index: j, Err: err}
			}
			break
		}

		wg.Add(1)
		go func(idx int, run Job, done func()) {
			defer wg.Done()
			defer done()
			value, jobErr := run(ctx)
			results[idx] = JobResult{Index: idx, Value: value, Err: jobErr}
		}(i, job, release)
	}

	wg.Wait()
	return results
}

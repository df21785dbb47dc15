// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// =============================================================================
// PERMIT POOL
// =============================================================================

func TestGovernor_BoundsConcurrency(t *testing.T) {
	gov := NewGovernor(3)

	var current, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := gov.Acquire(context.Background())
			require.NoError(t, err)
			defer release()

			n := current.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			current.Add(-1)
		}()
	}
	wg.Wait()

	require.LessOrEqual(t, peak.Load(), int32(3), "more than 3 permits granted at once")
	require.Equal(t, 0, gov.InUse(), "all permits must return to the pool")
}

func TestGovernor_FIFOOrder(t *testing.T) {
	gov := NewGovernor(1)

	first, err := gov.Acquire(context.Background())
	require.NoError(t, err)

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			release, err := gov.Acquire(context.Background())
			require.NoError(t, err)
			mu.Lock()
			order = append(order, n)
			mu.Unlock()
			release()
		}(i)
		// Stagger arrivals so the queue order is deterministic.
		time.Sleep(20 * time.Millisecond)
	}

	first()
	wg.Wait()

	require.Equal(t, []int{0, 1, 2, 3, 4}, order, "waiters must be served in arrival order")
}

func TestGovernor_ZeroLimitUnbounded(t *testing.T) {
	gov := NewGovernor(0)
	for i := 0; i < 100; i++ {
		release, err := gov.Acquire(context.Background())
		require.NoError(t, err)
		defer release()
	}
}

func TestGovernor_AcquireCancelledWhileWaiting(t *testing.T) {
	gov := NewGovernor(1)
	release, err := gov.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := gov.Acquire(ctx)
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	// The held permit is unaffected and still releasable.
	release()
	next, err := gov.Acquire(context.Background())
	require.NoError(t, err)
	next()
}

func TestGovernor_DoubleReleaseHarmless(t *testing.T) {
	gov := NewGovernor(2)
	release, err := gov.Acquire(context.Background())
	require.NoError(t, err)
	release()
	release()
	require.Equal(t, 0, gov.InUse())
}

func TestGovernor_TryAcquire(t *testing.T) {
	gov := NewGovernor(1)
	release, ok := gov.TryAcquire()
	require.True(t, ok)

	_, ok = gov.TryAcquire()
	require.False(t, ok, "pool exhausted, TryAcquire must fail fast")

	release()
	release2, ok := gov.TryAcquire()
	require.True(t, ok)
	release2()
}

// =============================================================================
// EXCHANGE REGISTRY
// =============================================================================

func TestGovernor_CancelOneLeavesOthers(t *testing.T) {
	gov := NewGovernor(0)

	ctxA, idA := gov.Register(context.Background(), "a")
	ctxB, idB := gov.Register(context.Background(), "b")

	require.True(t, gov.Cancel(idA))
	require.Error(t, ctxA.Err(), "cancelled exchange context must be done")
	require.NoError(t, ctxB.Err(), "sibling exchange must be unaffected")

	gov.Deregister(idB)
}

func TestGovernor_CancelUnknownID(t *testing.T) {
	gov := NewGovernor(0)
	require.False(t, gov.Cancel("not-a-real-id"))
}

func TestGovernor_CancelAfterDeregisterIsNoOp(t *testing.T) {
	gov := NewGovernor(0)
	_, id := gov.Register(context.Background(), "done")
	gov.Deregister(id)
	require.False(t, gov.Cancel(id))
}

func TestGovernor_CancelAll(t *testing.T) {
	gov := NewGovernor(0)
	var ctxs []context.Context
	for i := 0; i < 4; i++ {
		ctx, _ := gov.Register(context.Background(), fmt.Sprintf("ex-%d", i))
		ctxs = append(ctxs, ctx)
	}

	require.Equal(t, 4, gov.CancelAll())
	for _, ctx := range ctxs {
		require.Error(t, ctx.Err())
	}
	require.Empty(t, gov.InFlight())
	require.Equal(t, 0, gov.CancelAll(), "second CancelAll finds nothing")
}

func TestGovernor_RegisterIssuesUniqueIDs(t *testing.T) {
	gov := NewGovernor(0)
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		_, id := gov.Register(context.Background(), "x")
		require.False(t, seen[id], "correlation ids must be unique")
		seen[id] = true
	}
}

// =============================================================================
// BOUNDED FAN-OUT
// =============================================================================

func TestRunBounded_AllSucceed(t *testing.T) {
	gov := NewGovernor(0)
	jobs := make([]Job, 8)
	for i := range jobs {
		i := i
		jobs[i] = func(ctx context.Context) (any, error) {
			return i * 2, nil
		}
	}

	results := gov.RunBounded(context.Background(), jobs, 3)
	require.Len(t, results, 8)
	for i, res := range results {
		require.NoError(t, res.Err)
		require.Equal(t, i, res.Index)
		require.Equal(t, i*2, res.Value)
	}
}

func TestRunBounded_RespectsLimit(t *testing.T) {
	gov := NewGovernor(0)

	var current, peak atomic.Int32
	jobs := make([]Job, 10)
	for i := range jobs {
		jobs[i] = func(ctx context.Context) (any, error) {
			n := current.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			current.Add(-1)
			return nil, nil
		}
	}

	gov.RunBounded(context.Background(), jobs, 3)
	require.LessOrEqual(t, peak.Load(), int32(3))
}

func TestRunBounded_FailureIsolated(t *testing.T) {
	gov := NewGovernor(0)
	boom := errors.New("boom")
	jobs := []Job{
		func(ctx context.Context) (any, error) { return "ok-0", nil },
		func(ctx context.Context) (any, error) { return nil, boom },
		func(ctx context.Context) (any, error) { return "ok-2", nil },
	}

	results := gov.RunBounded(context.Background(), jobs, 2)
	require.NoError(t, results[0].Err)
	require.ErrorIs(t, results[1].Err, boom)
	require.NoError(t, results[2].Err, "a failing job must not cancel its siblings")
	require.Equal(t, "ok-2", results[2].Value)
}

func TestRunBounded_CancelledMarksRemaining(t *testing.T) {
	gov := NewGovernor(0)
	ctx, cancel := context.WithCancel(context.Background())

	started := make(chan struct{}, 1)
	jobs := []Job{
		func(ctx context.Context) (any, error) {
			started <- struct{}{}
			<-ctx.Done()
			return nil, ctx.Err()
		},
		func(ctx context.Context) (any, error) { return nil, ctx.Err() },
		func(ctx context.Context) (any, error) { return nil, ctx.Err() },
	}

	go func() {
		<-started
		cancel()
	}()

	results := gov.RunBounded(ctx, jobs, 1)
	require.Len(t, results, 3)
	require.Error(t, results[0].Err)
	// Jobs queued behind the cancellation are captured as errors, not lost.
	for _, res := range results[1:] {
		if res.Err == nil {
			t.Fatalf("expected queued job %d to carry the cancellation error", res.Index)
		}
	}
}

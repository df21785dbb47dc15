// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cyber-tao/openai-api-lab-sub000/internal/api"
	"github.com/cyber-tao/openai-api-lab-sub000/internal/bench"
	"github.com/cyber-tao/openai-api-lab-sub000/internal/pricing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestRecordAndRecent(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.RecordExchange(ctx, Record{
		ExchangeID: "ex-1",
		Model:      "gpt-4o-mini",
		Prompt:     "hello",
		Response:   "hi there",
		Success:    true,
		Usage:      api.Usage{Input: 3, Output: 4, Total: 7},
		Cost:       0.00012,
		Elapsed:    1500 * time.Millisecond,
	}))
	require.NoError(t, store.RecordExchange(ctx, Record{
		ExchangeID: "ex-2",
		Model:      "gpt-4o-mini",
		Prompt:     "boom",
		Success:    false,
		ErrorKind:  api.ErrKindServer,
		Error:      "upstream sad",
		CreatedAt:  time.Now().Add(time.Minute),
	}))

	records, err := store.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, records, 2)

	// Most recent first.
	require.Equal(t, "ex-2", records[0].ExchangeID)
	require.False(t, records[0].Success)
	require.Equal(t, api.ErrKindServer, records[0].ErrorKind)

	require.Equal(t, "ex-1", records[1].ExchangeID)
	require.True(t, records[1].Success)
	require.Equal(t, 7, records[1].Usage.Total)
	require.Equal(t, 0.00012, records[1].Cost)
	require.Equal(t, 1500*time.Millisecond, records[1].Elapsed)
	require.Equal(t, "USD", records[1].Currency, "unset currency gets the default")
}

func TestRecordSweep(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	finished := time.Now()
	report := &bench.Report{
		Finished: finished,
		Exchanges: []bench.ExchangeResult{
			{
				Case:    bench.Case{Model: "model-a", Prompt: "p1"},
				Success: true,
				Text:    "answer one",
				Usage:   &api.Usage{Input: 4, Output: 6, Total: 10},
				Cost:    &pricing.Cost{Total: 0.002, Currency: "USD"},
				Elapsed: 800 * time.Millisecond,
			},
			{
				Case:      bench.Case{Model: "model-b", Prompt: "p1"},
				Success:   false,
				ErrorKind: api.ErrKindAuth,
				Error:     "bad key",
			},
		},
	}
	require.NoError(t, store.RecordSweep(ctx, report))

	records, err := store.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, records, 2)

	byModel := map[string]Record{}
	for _, rec := range records {
		byModel[rec.Model] = rec
	}

	ok := byModel["model-a"]
	require.True(t, ok.Success)
	require.Equal(t, "p1", ok.Prompt)
	require.Equal(t, "answer one", ok.Response)
	require.Equal(t, 10, ok.Usage.Total)
	require.InDelta(t, 0.002, ok.Cost, 1e-9)
	require.Equal(t, finished.Unix(), ok.CreatedAt.Unix())

	failed := byModel["model-b"]
	require.False(t, failed.Success)
	require.Equal(t, api.ErrKindAuth, failed.ErrorKind)
	require.Equal(t, "bad key", failed.Error)

	totals, err := store.Totals(ctx, "")
	require.NoError(t, err)
	require.Equal(t, 2, totals.Exchanges)
	require.Equal(t, 1, totals.Succeeded)
}

func TestTotals(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, store.RecordExchange(ctx, Record{
			Model:   "model-a",
			Prompt:  "p",
			Success: true,
			Usage:   api.Usage{Total: 10},
			Cost:    0.01,
		}))
	}
	require.NoError(t, store.RecordExchange(ctx, Record{
		Model:   "model-b",
		Prompt:  "p",
		Success: false,
	}))

	all, err := store.Totals(ctx, "")
	require.NoError(t, err)
	require.Equal(t, 4, all.Exchanges)
	require.Equal(t, 3, all.Succeeded)
	require.Equal(t, 30, all.Tokens)
	require.InDelta(t, 0.03, all.Cost, 1e-9)

	onlyA, err := store.Totals(ctx, "model-a")
	require.NoError(t, err)
	require.Equal(t, 3, onlyA.Exchanges)
	require.Equal(t, 3, onlyA.Succeeded)
}

func TestTotals_Empty(t *testing.T) {
	store := openTestStore(t)
	totals, err := store.Totals(context.Background(), "")
	require.NoError(t, err)
	require.Equal(t, 0, totals.Exchanges)
	require.Equal(t, "USD", totals.Currency)
}

func TestClosedStore(t *testing.T) {
	store := openTestStore(t)
	require.NoError(t, store.Close())
	require.NoError(t, store.Close(), "double close is harmless")

	require.ErrorIs(t, store.RecordExchange(context.Background(), Record{}), ErrClosed)
	_, err := store.Recent(context.Background(), 1)
	require.ErrorIs(t, err, ErrClosed)
	_, err = store.Totals(context.Background(), "")
	require.ErrorIs(t, err, ErrClosed)
}

func TestRecent_LimitApplied(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, store.RecordExchange(ctx, Record{Model: "m", Prompt: "p", Success: true}))
	}
	records, err := store.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, records, 2)
}

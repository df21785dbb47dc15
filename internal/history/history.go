// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package history persists exchange records and usage totals in SQLite.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/cyber-tao/openai-api-lab-sub000/internal/api"
	"github.com/cyber-tao/openai-api-lab-sub000/internal/bench"
	"github.com/cyber-tao/openai-api-lab-sub000/internal/pricing"
)

// =============================================================================
// SCHEMA
// =============================================================================

const schema = `
-- Exchange log: one row per completed or failed exchange
CREATE TABLE IF NOT EXISTS exchanges (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    exchange_id TEXT NOT NULL,
    model TEXT NOT NULL,
    prompt TEXT NOT NULL,
    response TEXT,
    success INTEGER NOT NULL,
    error_kind TEXT,
    error TEXT,
    input_tokens INTEGER NOT NULL DEFAULT 0,
    output_tokens INTEGER NOT NULL DEFAULT 0,
    total_tokens INTEGER NOT NULL DEFAULT 0,
    cost REAL NOT NULL DEFAULT 0,
    currency TEXT NOT NULL DEFAULT 'USD',
    elapsed_ms INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL  -- Unix timestamp
);

CREATE INDEX IF NOT EXISTS idx_exchanges_model ON exchanges(model);
CREATE INDEX IF NOT EXISTS idx_exchanges_created_at ON exchanges(created_at);
`

// =============================================================================
// STORE
// =============================================================================

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("history store closed")

// Record is one persisted exchange row.
type Record struct {
	ExchangeID string
	Model      string
	Prompt     string
	Response   string
	Success    bool
	ErrorKind  api.ErrorKind
	Error      string
	Usage      api.Usage
	Cost       float64
	Currency   string
	Elapsed    time.Duration
	CreatedAt  time.Time
}

// Totals aggregates persisted spend and token counts.
type Totals struct {
	Exchanges int
	Succeeded int
	Tokens    int
	Cost      float64
	Currency  string
}

// Store is a SQLite-backed exchange log.
type Store struct {
	db     *sql.DB
	closed bool
}

// Open creates or opens the history database at path, creating parent
// directories as needed.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// RecordExchange appends one exchange row.
func (s *Store) RecordExchange(ctx context.Context, rec Record) error {
	if s.closed {
		return ErrClosed
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	if rec.Currency == "" {
		rec.Currency = pricing.DefaultCurrency
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO exchanges (
			exchange_id, model, prompt, response, success,
			error_kind, error,
			input_tokens, output_tokens, total_tokens,
			cost, currency, elapsed_ms, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ExchangeID, rec.Model, rec.Prompt, rec.Response, boolToInt(rec.Success),
		string(rec.ErrorKind), rec.Error,
		rec.Usage.Input, rec.Usage.Output, rec.Usage.Total,
		rec.Cost, rec.Currency, rec.Elapsed.Milliseconds(), rec.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to record exchange: %w", err)
	}
	return nil
}

// RecordSweep persists every exchange of a finished sweep, one row per
// case. Rows carry the sweep's finish time so a whole run sorts as one
// block in the log.
func (s *Store) RecordSweep(ctx context.Context, report *bench.Report) error {
	for _, ex := range report.Exchanges {
		rec := Record{
			Model:     ex.Case.Model,
			Prompt:    ex.Case.Prompt,
			Response:  ex.Text,
			Success:   ex.Success,
			ErrorKind: ex.ErrorKind,
			Error:     ex.Error,
			Elapsed:   ex.Elapsed,
			CreatedAt: report.Finished,
		}
		if ex.Usage != nil {
			rec.Usage = *ex.Usage
		}
		if ex.Cost != nil {
			rec.Cost = ex.Cost.Total
			rec.Currency = ex.Cost.Currency
		}
		if err := s.RecordExchange(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

// Recent returns the newest exchanges, most recent first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Record, error) {
	if s.closed {
		return nil, ErrClosed
	}
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT exchange_id, model, prompt, response, success,
		       error_kind, error,
		       input_tokens, output_tokens, total_tokens,
		       cost, currency, elapsed_ms, created_at
		FROM exchanges
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query exchanges: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		var success int
		var errorKind string
		var elapsedMs, createdAt int64
		if err := rows.Scan(
			&rec.ExchangeID, &rec.Model, &rec.Prompt, &rec.Response, &success,
			&errorKind, &rec.Error,
			&rec.Usage.Input, &rec.Usage.Output, &rec.Usage.Total,
			&rec.Cost, &rec.Currency, &elapsedMs, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan exchange: %w", err)
		}
		rec.Success = success != 0
		rec.ErrorKind = api.ErrorKind(errorKind)
		rec.Elapsed = time.Duration(elapsedMs) * time.Millisecond
		rec.CreatedAt = time.Unix(createdAt, 0)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Totals returns aggregate counts over the whole log, optionally
// filtered to one model (empty = all models).
func (s *Store) Totals(ctx context.Context, model string) (*Totals, error) {
	if s.closed {
		return nil, ErrClosed
	}

	query := `
		SELECT COUNT(*), COALESCE(SUM(success), 0),
		       COALESCE(SUM(total_tokens), 0), COALESCE(SUM(cost), 0),
		       COALESCE(MAX(currency), '')
		FROM exchanges`
	args := []any{}
	if model != "" {
		query += " WHERE model = ?"
		args = append(args, model)
	}

	var t Totals
	row := s.db.QueryRowContext(ctx, query, args...)
	if err := row.Scan(&t.Exchanges, &t.Succeeded, &t.Tokens, &t.Cost, &t.Currency); err != nil {
		return nil, fmt.Errorf("failed to query totals: %w", err)
	}
	if t.Currency == "" {
		t.Currency = pricing.DefaultCurrency
	}
	return &t, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

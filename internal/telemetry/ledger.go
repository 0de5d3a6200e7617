// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package telemetry persists per-provider routing outcomes.
//
// Every routing attempt, including skips and tier drift, lands as one row in
// a local SQLite ledger. The ledger is what an operator reads when the
// question is "which provider has been failing, how often, and how": the
// logs show individual events, the ledger shows the shape.
package telemetry

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jeranaias/gemweb/internal/router"
)

const schema = `
CREATE TABLE IF NOT EXISTS attempts (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	at            TEXT    NOT NULL,
	provider      TEXT    NOT NULL,
	logical_model TEXT    NOT NULL,
	min_tier      TEXT    NOT NULL,
	detected_tier TEXT    NOT NULL,
	confidence    REAL    NOT NULL,
	outcome       TEXT    NOT NULL,
	detail        TEXT    NOT NULL,
	latency_ms    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_attempts_provider ON attempts(provider, outcome);
CREATE INDEX IF NOT EXISTS idx_attempts_at ON attempts(at);
`

// recordTimeout bounds one insert so a wedged disk cannot stall routing.
const recordTimeout = 2 * time.Second

// Ledger is a SQLite-backed attempt recorder. Implements router.Recorder.
type Ledger struct {
	db *sql.DB
}

// OpenLedger opens or creates the ledger database at path.
func OpenLedger(path string) (*Ledger, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open attempt ledger %s: %w", path, err)
	}
	// Single writer; WAL keeps readers unblocked during inserts.
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA busy_timeout = 2000;",
		"PRAGMA synchronous = NORMAL;",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to configure attempt ledger: %w", err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize attempt ledger schema: %w", err)
	}
	return &Ledger{db: db}, nil
}

// Close releases the database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// RecordAttempt implements router.Recorder. A failed insert is logged and
// dropped; telemetry must never fail a completion.
func (l *Ledger) RecordAttempt(ctx context.Context, rec router.AttemptRecord) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()

	_, err := l.db.ExecContext(ctx,
		`INSERT INTO attempts
		 (at, provider, logical_model, min_tier, detected_tier, confidence, outcome, detail, latency_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		time.Now().UTC().Format(time.RFC3339Nano),
		rec.Provider,
		rec.LogicalModel,
		rec.MinTier.String(),
		rec.DetectedTier.String(),
		rec.Confidence,
		rec.Outcome,
		rec.Detail,
		rec.LatencyMs,
	)
	if err != nil {
		log.Printf("telemetry: dropping attempt record: %v", err)
	}
}

// AttemptRow is one persisted attempt, as read back.
type AttemptRow struct {
	ID           int64
	At           time.Time
	Provider     string
	LogicalModel string
	MinTier      string
	DetectedTier string
	Confidence   float64
	Outcome      string
	Detail       string
	LatencyMs    int64
}

// Recent returns the newest attempts, most recent first.
func (l *Ledger) Recent(ctx context.Context, limit int) ([]AttemptRow, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, at, provider, logical_model, min_tier, detected_tier, confidence, outcome, detail, latency_ms
		 FROM attempts ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read attempt ledger: %w", err)
	}
	defer rows.Close()

	var out []AttemptRow
	for rows.Next() {
		var r AttemptRow
		var at string
		if err := rows.Scan(&r.ID, &at, &r.Provider, &r.LogicalModel, &r.MinTier,
			&r.DetectedTier, &r.Confidence, &r.Outcome, &r.Detail, &r.LatencyMs); err != nil {
			return nil, fmt.Errorf("failed to scan attempt row: %w", err)
		}
		if ts, perr := time.Parse(time.RFC3339Nano, at); perr == nil {
			r.At = ts
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// OutcomeCounts aggregates attempts by provider and outcome.
func (l *Ledger) OutcomeCounts(ctx context.Context) (map[string]int64, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT provider || ':' || outcome, COUNT(*) FROM attempts GROUP BY provider, outcome`)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate attempt ledger: %w", err)
	}
	defer rows.Close()

	counts := map[string]int64{}
	for rows.Next() {
		var key string
		var n int64
		if err := rows.Scan(&key, &n); err != nil {
			return nil, fmt.Errorf("failed to scan aggregate row: %w", err)
		}
		counts[key] = n
	}
	return counts, rows.Err()
}

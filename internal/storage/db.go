package storage

import (
	"database/sql"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"partsync/internal"
)

// DB is the local run store. It keeps one row per engine run plus the
// per-collection counts and a bounded list of per-item failures, so past
// runs can be inspected without the registry or the audit workbooks.
type DB struct {
	conn *sql.DB
}

func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	if _, err := conn.Exec(`PRAGMA journal_mode = WAL;`); err != nil {
		_ = conn.Close()
		return nil, err
	}

	db := &DB{conn: conn}
	if err := db.init(); err != nil {
		_ = conn.Close()
		return nil, err
	}

	return db, nil
}

func (d *DB) Close() error {
	return d.conn.Close()
}

func (d *DB) init() error {
	schema := `
CREATE TABLE IF NOT EXISTS runs (
  id TEXT PRIMARY KEY,
  command TEXT NOT NULL,
  origin TEXT,
  dryRun INTEGER NOT NULL DEFAULT 0,
  startedAt TEXT NOT NULL,
  durationMs INTEGER NOT NULL,
  feedItems INTEGER NOT NULL,
  matched INTEGER NOT NULL,
  unmatched INTEGER NOT NULL,
  collisions INTEGER NOT NULL,
  createdAt TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_runs_startedAt ON runs(startedAt);

CREATE TABLE IF NOT EXISTS run_collections (
  runId TEXT NOT NULL,
  collection TEXT NOT NULL,
  updated INTEGER NOT NULL DEFAULT 0,
  created INTEGER NOT NULL DEFAULT 0,
  unchanged INTEGER NOT NULL DEFAULT 0,
  skippedKit INTEGER NOT NULL DEFAULT 0,
  skippedNonStorable INTEGER NOT NULL DEFAULT 0,
  errors INTEGER NOT NULL DEFAULT 0,
  PRIMARY KEY (runId, collection),
  FOREIGN KEY(runId) REFERENCES runs(id)
);

CREATE TABLE IF NOT EXISTS run_errors (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  runId TEXT NOT NULL,
  collection TEXT NOT NULL,
  code TEXT NOT NULL,
  reason TEXT NOT NULL,
  createdAt TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
  FOREIGN KEY(runId) REFERENCES runs(id)
);
CREATE INDEX IF NOT EXISTS idx_run_errors_runId ON run_errors(runId);
`

	_, err := d.conn.Exec(schema)
	return err
}

// InsertRun stores one finished run with its collection counts and retained
// errors in a single transaction.
func (d *DB) InsertRun(run internal.RunRecord, collections []internal.CollectionCounts, errs []internal.RunError) error {
	tx, err := d.conn.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
INSERT INTO runs (id, command, origin, dryRun, startedAt, durationMs, feedItems, matched, unmatched, collisions)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`, run.ID, run.Command, run.Origin, boolToInt(run.DryRun),
		run.StartedAt.UTC().Format(time.RFC3339), run.Duration.Milliseconds(),
		run.FeedItems, run.Matched, run.Unmatched, run.Collisions,
	); err != nil {
		return err
	}

	colStmt, err := tx.Prepare(`
INSERT INTO run_collections (runId, collection, updated, created, unchanged, skippedKit, skippedNonStorable, errors)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
`)
	if err != nil {
		return err
	}
	defer colStmt.Close()

	for _, c := range collections {
		if _, err := colStmt.Exec(
			run.ID, c.Collection, c.Updated, c.Created, c.Unchanged,
			c.SkippedKit, c.SkippedNonStorable, c.Errors,
		); err != nil {
			return err
		}
	}

	errStmt, err := tx.Prepare(`
INSERT INTO run_errors (runId, collection, code, reason) VALUES (?, ?, ?, ?)
`)
	if err != nil {
		return err
	}
	defer errStmt.Close()

	for _, e := range errs {
		if _, err := errStmt.Exec(run.ID, e.Collection, e.Code, e.Reason); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// ListRuns returns the most recent runs, newest first. startedAt is stored
// as fixed-width RFC 3339 so the string order is the time order; rowid
// breaks same-second ties by insertion order.
func (d *DB) ListRuns(limit int) ([]internal.RunRecord, error) {
	rows, err := d.conn.Query(`
SELECT id, command, origin, dryRun, startedAt, durationMs, feedItems, matched, unmatched, collisions
FROM runs ORDER BY startedAt DESC, rowid DESC LIMIT ?
`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []internal.RunRecord
	for rows.Next() {
		var (
			run        internal.RunRecord
			dryRun     int
			startedAt  string
			durationMs int64
		)
		if err := rows.Scan(
			&run.ID, &run.Command, &run.Origin, &dryRun, &startedAt, &durationMs,
			&run.FeedItems, &run.Matched, &run.Unmatched, &run.Collisions,
		); err != nil {
			return nil, err
		}
		run.DryRun = dryRun != 0
		run.Duration = time.Duration(durationMs) * time.Millisecond
		if ts, err := time.Parse(time.RFC3339, startedAt); err == nil {
			run.StartedAt = ts
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// CollectionsForRun returns the per-collection counts of one run in a fixed
// collection order.
func (d *DB) CollectionsForRun(runID string) ([]internal.CollectionCounts, error) {
	rows, err := d.conn.Query(`
SELECT collection, updated, created, unchanged, skippedKit, skippedNonStorable, errors
FROM run_collections WHERE runId = ? ORDER BY collection
`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []internal.CollectionCounts
	for rows.Next() {
		var c internal.CollectionCounts
		if err := rows.Scan(
			&c.Collection, &c.Updated, &c.Created, &c.Unchanged,
			&c.SkippedKit, &c.SkippedNonStorable, &c.Errors,
		); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ErrorsForRun returns the retained per-item failures of one run in
// insertion order.
func (d *DB) ErrorsForRun(runID string) ([]internal.RunError, error) {
	rows, err := d.conn.Query(`
SELECT collection, code, reason FROM run_errors WHERE runId = ? ORDER BY id
`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []internal.RunError
	for rows.Next() {
		var e internal.RunError
		if err := rows.Scan(&e.Collection, &e.Code, &e.Reason); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

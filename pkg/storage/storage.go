package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

type DB struct {
	sql *sql.DB
	now func() time.Time
}

func Open(path string) (*DB, error) {
	if path == "" {
		return nil, errors.New("storage: empty database path")
	}
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	// Ensure schema exists for convenience.
	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS flight_snapshots (
  category        TEXT NOT NULL,
  flight_key      TEXT NOT NULL,
  scheduled_at    TEXT,
  document        TEXT NOT NULL,
  run_id          TEXT NOT NULL,
  first_seen_at   TEXT NOT NULL,
  last_seen_at    TEXT NOT NULL,
  last_pushed_at  TEXT,
  PRIMARY KEY (category, flight_key)
);
CREATE INDEX IF NOT EXISTS idx_snapshots_seen ON flight_snapshots(last_seen_at);
CREATE TABLE IF NOT EXISTS flight_changes (
  id           INTEGER PRIMARY KEY,
  occurred_at  TEXT NOT NULL,
  run_id       TEXT NOT NULL,
  category     TEXT NOT NULL,
  flight_key   TEXT NOT NULL,
  change_type  TEXT NOT NULL CHECK (change_type IN ('added','updated'))
);
CREATE INDEX IF NOT EXISTS idx_changes_time ON flight_changes(occurred_at);
CREATE TABLE IF NOT EXISTS sync_runs (
  id              TEXT PRIMARY KEY,
  started_at      TEXT NOT NULL,
  finished_at     TEXT NOT NULL,
  sources_ok      INTEGER NOT NULL DEFAULT 0,
  sources_failed  INTEGER NOT NULL DEFAULT 0,
  row_count       INTEGER NOT NULL DEFAULT 0,
  records         INTEGER NOT NULL DEFAULT 0,
  pushed          INTEGER NOT NULL DEFAULT 0,
  push_failures   INTEGER NOT NULL DEFAULT 0,
  status          TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_runs_started ON sync_runs(started_at);
    `); err != nil {
		return nil, err
	}
	// Databases created before scheduled_at existed.
	if _, err := db.Exec(`ALTER TABLE flight_snapshots ADD COLUMN scheduled_at TEXT`); err != nil && !strings.Contains(err.Error(), "duplicate column") {
		return nil, err
	}
	return &DB{sql: db, now: time.Now}, nil
}

func (d *DB) Close() error {
	if d == nil || d.sql == nil {
		return nil
	}
	return d.sql.Close()
}

// UpsertSnapshots stores the documents of one cycle and reports which
// flights are new and which changed since they were last seen.
func (d *DB) UpsertSnapshots(ctx context.Context, runID string, snaps []Snapshot) (changes []Change, err error) {
	now := d.now().UTC()
	ts := formatTime(now)

	tx, err := d.sql.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	seen := make(map[string]bool, len(snaps))
	for _, s := range snaps {
		key := identityKey(s.Category, s.FlightKey)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true

		var pushedAt, scheduledAt interface{}
		if s.Pushed {
			pushedAt = ts
		}
		if !s.ScheduledAt.IsZero() {
			scheduledAt = formatTime(s.ScheduledAt)
		}

		var existing string
		err = tx.QueryRowContext(ctx, "SELECT document FROM flight_snapshots WHERE category = ? AND flight_key = ?", s.Category, s.FlightKey).Scan(&existing)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			_, err = tx.ExecContext(ctx, `INSERT INTO flight_snapshots(category, flight_key, scheduled_at, document, run_id, first_seen_at, last_seen_at, last_pushed_at) VALUES(?,?,?,?,?,?,?,?)`,
				s.Category, s.FlightKey, scheduledAt, s.Document, runID, ts, ts, pushedAt)
			if err != nil {
				return nil, err
			}
			changes = append(changes, Change{OccurredAt: now, RunID: runID, Category: s.Category, FlightKey: s.FlightKey, ChangeType: "added"})
		case err != nil:
			return nil, err
		default:
			_, err = tx.ExecContext(ctx, `UPDATE flight_snapshots SET document = ?, run_id = ?, last_seen_at = ?, last_pushed_at = COALESCE(?, last_pushed_at), scheduled_at = COALESCE(?, scheduled_at) WHERE category = ? AND flight_key = ?`,
				s.Document, runID, ts, pushedAt, scheduledAt, s.Category, s.FlightKey)
			if err != nil {
				return nil, err
			}
			if existing != s.Document {
				changes = append(changes, Change{OccurredAt: now, RunID: runID, Category: s.Category, FlightKey: s.FlightKey, ChangeType: "updated"})
			}
		}
	}

	for _, c := range changes {
		_, err = tx.ExecContext(ctx, `INSERT INTO flight_changes(occurred_at, run_id, category, flight_key, change_type) VALUES(?,?,?,?,?)`,
			ts, c.RunID, c.Category, c.FlightKey, c.ChangeType)
		if err != nil {
			return nil, err
		}
	}

	if err = tx.Commit(); err != nil {
		return nil, err
	}
	return changes, nil
}

// GetSnapshot returns the stored document of one flight.
func (d *DB) GetSnapshot(ctx context.Context, category, flightKey string) (Snapshot, bool, error) {
	s := Snapshot{Category: category, FlightKey: flightKey}
	var pushedAt, scheduledAt sql.NullString
	err := d.sql.QueryRowContext(ctx, "SELECT document, last_pushed_at, scheduled_at FROM flight_snapshots WHERE category = ? AND flight_key = ?", category, flightKey).Scan(&s.Document, &pushedAt, &scheduledAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, err
	}
	s.Pushed = pushedAt.Valid && pushedAt.String != ""
	if scheduledAt.Valid {
		s.ScheduledAt = parseTime(scheduledAt.String)
	}
	return s, true, nil
}

// PruneSnapshots deletes flights not seen since before whose schedule time
// (when known) is also before it, and returns how many were removed.
func (d *DB) PruneSnapshots(ctx context.Context, before time.Time) (int64, error) {
	cutoff := formatTime(before)
	res, err := d.sql.ExecContext(ctx, "DELETE FROM flight_snapshots WHERE last_seen_at < ? AND (scheduled_at IS NULL OR scheduled_at < ?)", cutoff, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ListRecentChanges returns the most recent N changes.
func (d *DB) ListRecentChanges(ctx context.Context, limit int) ([]Change, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := d.sql.QueryContext(ctx, "SELECT occurred_at, run_id, category, flight_key, change_type FROM flight_changes ORDER BY id DESC LIMIT ?", limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	changes := []Change{}
	for rows.Next() {
		var c Change
		var occurredAt string
		if err := rows.Scan(&occurredAt, &c.RunID, &c.Category, &c.FlightKey, &c.ChangeType); err != nil {
			return nil, err
		}
		c.OccurredAt = parseTime(occurredAt)
		changes = append(changes, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return changes, nil
}

// RecordRun stores the summary of one cycle.
func (d *DB) RecordRun(ctx context.Context, r Run) error {
	if r.ID == "" {
		return errors.New("storage: run without id")
	}
	_, err := d.sql.ExecContext(ctx, `INSERT INTO sync_runs(id, started_at, finished_at, sources_ok, sources_failed, row_count, records, pushed, push_failures, status) VALUES(?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET finished_at = excluded.finished_at, sources_ok = excluded.sources_ok, sources_failed = excluded.sources_failed, row_count = excluded.row_count, records = excluded.records, pushed = excluded.pushed, push_failures = excluded.push_failures, status = excluded.status`,
		r.ID, formatTime(r.StartedAt), formatTime(r.FinishedAt), r.SourcesOK, r.SourcesFailed, r.Rows, r.Records, r.Pushed, r.PushFailures, r.Status)
	return err
}

// ListRecentRuns returns the latest runs, newest first.
func (d *DB) ListRecentRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := d.sql.QueryContext(ctx, "SELECT id, started_at, finished_at, sources_ok, sources_failed, row_count, records, pushed, push_failures, status FROM sync_runs ORDER BY started_at DESC LIMIT ?", limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		var r Run
		var started, finished string
		if err := rows.Scan(&r.ID, &started, &finished, &r.SourcesOK, &r.SourcesFailed, &r.Rows, &r.Records, &r.Pushed, &r.PushFailures, &r.Status); err != nil {
			return nil, err
		}
		r.StartedAt = parseTime(started)
		r.FinishedAt = parseTime(finished)
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return runs, nil
}

type Stats struct {
	Category string `json:"category"`
	Flights  int    `json:"flights"`
}

// GetStats counts stored flights per category.
func (d *DB) GetStats(ctx context.Context) ([]Stats, error) {
	query := `
		SELECT
			category,
			COUNT(flight_key)
		FROM
			flight_snapshots
		GROUP BY
			category
		ORDER BY
			category;
	`
	rows, err := d.sql.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stats []Stats
	for rows.Next() {
		var s Stats
		if err := rows.Scan(&s.Category, &s.Flights); err != nil {
			return nil, err
		}
		stats = append(stats, s)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return stats, nil
}

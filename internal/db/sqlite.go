package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // pure-Go SQLite driver (no CGO required)
)

// migrations define the analytics schema.
// Version is tracked in the schema_versions table.
//
// Dimension columns are NOT NULL DEFAULT '' so that the UNIQUE constraint on
// the full tuple treats "unset" as a value; NULLs would never conflict.
var migrations = []struct {
	version int
	sql     string
}{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS metric_points (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    metric_type  TEXT NOT NULL,
    granularity  TEXT NOT NULL,
    bucket_key   TEXT NOT NULL,
    bucket_start TEXT NOT NULL,
    shop_id      TEXT NOT NULL DEFAULT '',
    category_id  TEXT NOT NULL DEFAULT '',
    region       TEXT NOT NULL DEFAULT '',
    role         TEXT NOT NULL DEFAULT '',
    value        REAL NOT NULL DEFAULT 0.0,
    sample_count INTEGER NOT NULL DEFAULT 0,
    updated_at   TEXT NOT NULL,
    UNIQUE (metric_type, granularity, bucket_key, shop_id, category_id, region, role)
);
CREATE INDEX IF NOT EXISTS idx_metric_points_series
    ON metric_points(metric_type, granularity, shop_id, category_id, region, role, bucket_start);
CREATE INDEX IF NOT EXISTS idx_metric_points_start ON metric_points(granularity, bucket_start);

CREATE TABLE IF NOT EXISTS raw_events (
    event_id     TEXT PRIMARY KEY,
    event_type   TEXT NOT NULL,
    entity_type  TEXT NOT NULL DEFAULT '',
    entity_id    TEXT NOT NULL DEFAULT '',
    payload      TEXT NOT NULL DEFAULT '{}',
    shop_id      TEXT NOT NULL DEFAULT '',
    category_id  TEXT NOT NULL DEFAULT '',
    region       TEXT NOT NULL DEFAULT '',
    role         TEXT NOT NULL DEFAULT '',
    occurred_at  TEXT NOT NULL,
    processed    INTEGER NOT NULL DEFAULT 0,
    processed_at TEXT NOT NULL DEFAULT '',
    received_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_raw_events_unprocessed ON raw_events(processed, occurred_at);
`,
	},
	{
		version: 2,
		sql: `
CREATE TABLE IF NOT EXISTS forecast_points (
    id               INTEGER PRIMARY KEY AUTOINCREMENT,
    forecast_id      TEXT NOT NULL UNIQUE,
    run_id           TEXT NOT NULL,
    metric_type      TEXT NOT NULL,
    forecast_date    TEXT NOT NULL,
    predicted_value  REAL NOT NULL,
    confidence_lower REAL NOT NULL,
    confidence_upper REAL NOT NULL,
    confidence_level REAL NOT NULL,
    model_name       TEXT NOT NULL,
    model_version    TEXT NOT NULL,
    shop_id          TEXT NOT NULL DEFAULT '',
    category_id      TEXT NOT NULL DEFAULT '',
    region           TEXT NOT NULL DEFAULT '',
    role             TEXT NOT NULL DEFAULT '',
    created_at       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_forecast_key
    ON forecast_points(metric_type, shop_id, category_id, region, role, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_forecast_run ON forecast_points(run_id, forecast_date);

CREATE TABLE IF NOT EXISTS anomaly_records (
    detection_id    TEXT PRIMARY KEY,
    metric_type     TEXT NOT NULL,
    bucket_key      TEXT NOT NULL,
    timestamp       TEXT NOT NULL,
    actual_value    REAL NOT NULL,
    expected_value  REAL NOT NULL,
    anomaly_score   REAL NOT NULL,
    severity        TEXT NOT NULL,
    severity_rank   INTEGER NOT NULL,
    algorithm       TEXT NOT NULL,
    threshold       REAL NOT NULL,
    shop_id         TEXT NOT NULL DEFAULT '',
    category_id     TEXT NOT NULL DEFAULT '',
    region          TEXT NOT NULL DEFAULT '',
    role            TEXT NOT NULL DEFAULT '',
    acknowledged    INTEGER NOT NULL DEFAULT 0,
    acknowledged_by TEXT NOT NULL DEFAULT '',
    acknowledged_at TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_anomaly_key
    ON anomaly_records(metric_type, shop_id, category_id, region, role, timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_anomaly_bucket ON anomaly_records(metric_type, bucket_key);
CREATE INDEX IF NOT EXISTS idx_anomaly_timestamp ON anomaly_records(timestamp DESC);
`,
	},
	{
		version: 3,
		sql: `
CREATE TABLE IF NOT EXISTS audit_entries (
    seq           INTEGER PRIMARY KEY AUTOINCREMENT,
    log_id        TEXT NOT NULL UNIQUE,
    timestamp     TEXT NOT NULL,
    actor_id      TEXT NOT NULL DEFAULT '',
    actor_role    TEXT NOT NULL DEFAULT '',
    action        TEXT NOT NULL,
    resource      TEXT NOT NULL DEFAULT '',
    filters       TEXT NOT NULL DEFAULT '{}',
    outcome       TEXT NOT NULL,
    error_message TEXT NOT NULL DEFAULT '',
    request_id    TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_audit_entries_timestamp ON audit_entries(timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_audit_entries_actor ON audit_entries(actor_id);
CREATE INDEX IF NOT EXISTS idx_audit_entries_action ON audit_entries(action);
`,
	},
}

// sqliteStore is the SQLite-backed implementation of Store.
type sqliteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path and
// runs all pending schema migrations. Pass ":memory:" for an in-memory store.
func NewSQLiteStore(path string) (Store, error) {
	db, err := sqlx.Connect("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	// SQLite admits one writer at a time, so store calls are serialized on a
	// single connection. This also keeps ":memory:" databases shared and lets
	// the pragmas below apply to every statement. Ingest transactions are
	// short and producers hand off to the pipeline queue, so callers on
	// different keys wait for a commit rather than for each other's work.
	db.SetMaxOpenConns(1)

	if path != ":memory:" {
		if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("enable WAL: %w", err)
		}
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	s := &sqliteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// migrate applies any unapplied migrations in order.
func (s *sqliteStore) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_versions (
        version    INTEGER PRIMARY KEY,
        applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
    )`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		if err := s.db.Get(&count, `SELECT COUNT(*) FROM schema_versions WHERE version = ?`, m.version); err != nil {
			return fmt.Errorf("check migration %d: %w", m.version, err)
		}
		if count > 0 {
			continue // already applied
		}

		tx, err := s.db.Beginx()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.version, err)
		}
		if _, err := tx.Exec(m.sql); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply migration %d: %w", m.version, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_versions(version) VALUES(?)`, m.version); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.version, err)
		}
	}
	return nil
}

func (s *sqliteStore) Close() error { return s.db.Close() }

func (s *sqliteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// ─── helpers ──────────────────────────────────────────────────────────────────

// timeLayout is fixed-width so that stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	layouts := []string{
		timeLayout,
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05",
	}
	for _, l := range layouts {
		if t, err := time.Parse(l, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse time %q", s)
}

func mustParseTime(s string) time.Time {
	t, _ := parseTime(s)
	return t
}

func encodeJSON(v any) string {
	if v == nil {
		return "{}"
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// dimsClause matches the full dimension tuple exactly.
const dimsClause = ` AND shop_id = ? AND category_id = ? AND region = ? AND role = ?`

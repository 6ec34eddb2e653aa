// Package store manages the SQLite database (WAL mode) holding the
// bridge's diagnostic history: sessions, alert log, and push results.
// Detector settings profiles live with the settings collaborator, not here.
package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/ajmdroid/v1g2-simple-sub000/internal/esp"
	"github.com/ajmdroid/v1g2-simple-sub000/internal/push"
)

// DB wraps *sql.DB with domain helpers.
type DB struct {
	*sql.DB
}

// Open opens (or creates) the SQLite file at path with WAL journal mode.
func Open(path string) (*DB, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000", path)
	raw, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	if err := raw.Ping(); err != nil {
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	// Limit writer concurrency to 1; SQLite WAL allows concurrent readers.
	raw.SetMaxOpenConns(1)
	return &DB{raw}, nil
}

// Migrate applies the embedded DDL schema to the database.
// It is idempotent (IF NOT EXISTS everywhere).
func Migrate(db *DB) error {
	ddl := []string{
		ddlSessions,
		ddlAlerts,
		ddlPushResults,
	}
	for _, stmt := range ddl {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}

// ── DDL statements ────────────────────────────────────────────────────────

const ddlSessions = `
CREATE TABLE IF NOT EXISTS sessions (
    id        INTEGER PRIMARY KEY AUTOINCREMENT,
    addr      TEXT    NOT NULL,
    connected INTEGER NOT NULL,            -- bool: 1 = connect, 0 = disconnect
    at        INTEGER NOT NULL             -- Unix milliseconds
);
CREATE INDEX IF NOT EXISTS idx_sessions_at ON sessions (at DESC);
`

const ddlAlerts = `
CREATE TABLE IF NOT EXISTS alerts (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    band          TEXT    NOT NULL,        -- 'X' | 'K' | 'Ka' | 'Laser'
    direction     INTEGER NOT NULL,        -- bitmask: front/side/rear
    front_bars    INTEGER NOT NULL,
    rear_bars     INTEGER NOT NULL,
    frequency_mhz INTEGER NOT NULL,
    priority      INTEGER NOT NULL DEFAULT 0,
    at            INTEGER NOT NULL         -- Unix milliseconds
);
CREATE INDEX IF NOT EXISTS idx_alerts_at ON alerts (at DESC);
`

const ddlPushResults = `
CREATE TABLE IF NOT EXISTS push_results (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    slot        TEXT    NOT NULL DEFAULT '',
    result      TEXT    NOT NULL,          -- 'success' | 'partial' | ...
    duration_ms INTEGER NOT NULL,
    at          INTEGER NOT NULL           -- Unix milliseconds
);
CREATE INDEX IF NOT EXISTS idx_push_results_at ON push_results (at DESC);
`

// ── bridge.Recorder implementation ────────────────────────────────────────

// RecordSession appends a connect or disconnect edge.
func (db *DB) RecordSession(addr string, connected bool, at time.Time) {
	db.exec(`INSERT INTO sessions (addr, connected, at) VALUES (?, ?, ?)`,
		addr, boolInt(connected), at.UnixMilli())
}

// RecordAlerts appends one row per entry of a completed alert table.
func (db *DB) RecordAlerts(entries []esp.AlertEntry, at time.Time) {
	for _, e := range entries {
		db.exec(`INSERT INTO alerts
		    (band, direction, front_bars, rear_bars, frequency_mhz, priority, at)
		    VALUES (?, ?, ?, ?, ?, ?, ?)`,
			e.Band.String(), int(e.Direction),
			int(e.FrontStrength), int(e.RearStrength),
			e.FrequencyMHz, boolInt(e.IsPriority), at.UnixMilli())
	}
}

// RecordPush appends a finished push transaction.
func (db *DB) RecordPush(slot string, result push.Result, duration time.Duration, at time.Time) {
	db.exec(`INSERT INTO push_results (slot, result, duration_ms, at) VALUES (?, ?, ?, ?)`,
		slot, result.String(), duration.Milliseconds(), at.UnixMilli())
}

// exec swallows insert errors: history is diagnostic, the bridge must not
// stall its tick on a full disk.
func (db *DB) exec(query string, args ...interface{}) {
	db.Exec(query, args...) //nolint:errcheck
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// ── history queries ───────────────────────────────────────────────────────

// SessionEdge is one connect or disconnect event.
type SessionEdge struct {
	ID        int64     `json:"id"`
	Addr      string    `json:"addr"`
	Connected bool      `json:"connected"`
	At        time.Time `json:"at"`
}

// RecentSessions returns the n most recent session edges, newest first.
func (db *DB) RecentSessions(n int) ([]*SessionEdge, error) {
	rows, err := db.Query(
		`SELECT id, addr, connected, at FROM sessions ORDER BY at DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("store: list sessions: %w", err)
	}
	defer rows.Close()

	var out []*SessionEdge
	for rows.Next() {
		var (
			e    SessionEdge
			conn int
			at   int64
		)
		if err := rows.Scan(&e.ID, &e.Addr, &conn, &at); err != nil {
			return nil, err
		}
		e.Connected = conn != 0
		e.At = time.UnixMilli(at)
		out = append(out, &e)
	}
	return out, rows.Err()
}

// AlertRow is one logged alert entry.
type AlertRow struct {
	ID           int64     `json:"id"`
	Band         string    `json:"band"`
	Direction    int       `json:"direction"`
	FrontBars    int       `json:"front_bars"`
	RearBars     int       `json:"rear_bars"`
	FrequencyMHz uint32    `json:"frequency_mhz"`
	Priority     bool      `json:"priority"`
	At           time.Time `json:"at"`
}

// RecentAlerts returns the n most recent logged alerts, newest first.
func (db *DB) RecentAlerts(n int) ([]*AlertRow, error) {
	rows, err := db.Query(
		`SELECT id, band, direction, front_bars, rear_bars, frequency_mhz, priority, at
		 FROM alerts ORDER BY at DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("store: list alerts: %w", err)
	}
	defer rows.Close()

	var out []*AlertRow
	for rows.Next() {
		var (
			a    AlertRow
			prio int
			at   int64
		)
		if err := rows.Scan(&a.ID, &a.Band, &a.Direction, &a.FrontBars,
			&a.RearBars, &a.FrequencyMHz, &prio, &at); err != nil {
			return nil, err
		}
		a.Priority = prio != 0
		a.At = time.UnixMilli(at)
		out = append(out, &a)
	}
	return out, rows.Err()
}

// PushRow is one logged push transaction.
type PushRow struct {
	ID         int64     `json:"id"`
	Slot       string    `json:"slot"`
	Result     string    `json:"result"`
	DurationMS int64     `json:"duration_ms"`
	At         time.Time `json:"at"`
}

// RecentPushes returns the n most recent push results, newest first.
func (db *DB) RecentPushes(n int) ([]*PushRow, error) {
	rows, err := db.Query(
		`SELECT id, slot, result, duration_ms, at FROM push_results ORDER BY at DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("store: list push results: %w", err)
	}
	defer rows.Close()

	var out []*PushRow
	for rows.Next() {
		var (
			p  PushRow
			at int64
		)
		if err := rows.Scan(&p.ID, &p.Slot, &p.Result, &p.DurationMS, &at); err != nil {
			return nil, err
		}
		p.At = time.UnixMilli(at)
		out = append(out, &p)
	}
	return out, rows.Err()
}

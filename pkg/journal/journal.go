// Package journal persists lifecycle events in a local sqlite database.
// It records actions and transitions (launches, crashes, restarts,
// deploys), never point-in-time probe observations.
package journal

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/edgelens/edgelens"
)

type Journal struct {
	db *sql.DB
}

// Open opens (creating if needed) the journal database under dataDir.
func Open(dataDir string) (*Journal, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	// WAL plus a busy timeout lets the CLI append (deploys) while the
	// supervisor holds the journal open.
	dbPath := filepath.Join(dataDir, "journal.db")
	dsn := "file:" + dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return &Journal{db: db}, nil
}

func (j *Journal) Close() error {
	return j.db.Close()
}

func createTables(db *sql.DB) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			at TEXT NOT NULL,
			kind TEXT NOT NULL,
			subject TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE INDEX IF NOT EXISTS idx_events_kind ON events(kind);`,
	}

	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			return err
		}
	}
	return nil
}

// Append records one event. The timestamp is assigned here.
func (j *Journal) Append(kind, subject, detail string) error {
	query := `INSERT INTO events (at, kind, subject, detail) VALUES (?, ?, ?, ?)`
	_, err := j.db.Exec(query, time.Now().UTC().Format(time.RFC3339Nano), kind, subject, detail)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

// Recent returns up to limit events, newest first. A non-positive limit
// selects a default of 100.
func (j *Journal) Recent(limit int) ([]edgelens.Event, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT id, at, kind, subject, detail FROM events ORDER BY id DESC LIMIT ?`
	rows, err := j.db.Query(query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// ByKind returns up to limit events of one kind, newest first.
func (j *Journal) ByKind(kind string, limit int) ([]edgelens.Event, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT id, at, kind, subject, detail FROM events WHERE kind = ? ORDER BY id DESC LIMIT ?`
	rows, err := j.db.Query(query, kind, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]edgelens.Event, error) {
	var events []edgelens.Event
	for rows.Next() {
		var (
			ev    edgelens.Event
			atRaw string
		)
		if err := rows.Scan(&ev.ID, &atRaw, &ev.Kind, &ev.Subject, &ev.Detail); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		at, err := time.Parse(time.RFC3339Nano, atRaw)
		if err != nil {
			return nil, fmt.Errorf("failed to parse event timestamp %q: %w", atRaw, err)
		}
		ev.At = at
		events = append(events, ev)
	}
	return events, rows.Err()
}

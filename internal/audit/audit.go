// Package audit is an optional append-only journal of directory events
// backed by SQLite. The directory works identically without it; a nil
// Journal swallows every call, so callers never branch on whether the
// operator enabled persistence.
package audit

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Journal records directory lifecycle events.
type Journal struct {
	db *sql.DB
}

// Event is one journal row.
type Event struct {
	ID     string
	Kind   string
	Group  string
	Detail string
	TS     int64 // unix millis
}

// Event kinds written by the directory.
const (
	KindCreate    = "group_created"
	KindSpawnFail = "spawn_failed"
	KindExit      = "group_exited"
	KindMerge     = "merge"
	KindBanner    = "banner"
)

// Open creates or opens the journal at path. An empty path returns a
// nil Journal (journaling disabled).
func Open(path string) (*Journal, error) {
	if path == "" {
		return nil, nil
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure audit db: %w", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			id      TEXT PRIMARY KEY,
			kind    TEXT NOT NULL,
			grp     TEXT NOT NULL DEFAULT '',
			detail  TEXT NOT NULL DEFAULT '',
			ts      INTEGER NOT NULL
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create events table: %w", err)
	}
	return &Journal{db: db}, nil
}

// Record appends one event. Errors are returned for logging but never
// affect directory behavior.
func (j *Journal) Record(kind, group, detail string) error {
	if j == nil {
		return nil
	}
	_, err := j.db.Exec(
		`INSERT INTO events (id, kind, grp, detail, ts) VALUES (?, ?, ?, ?, ?)`,
		uuid.NewString(), kind, group, detail, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("record audit event: %w", err)
	}
	return nil
}

// Recent returns the n latest events, newest first.
func (j *Journal) Recent(n int) ([]Event, error) {
	if j == nil {
		return nil, nil
	}
	rows, err := j.db.Query(
		`SELECT id, kind, grp, detail, ts FROM events ORDER BY ts DESC, id LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.Kind, &e.Group, &e.Detail, &e.TS); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	return j.db.Close()
}

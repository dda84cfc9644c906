// Package index maintains a rebuildable SQLite index over the durable
// JSONL event log, offering type/agent/time lookups (CountByType,
// RecentByAgent) without a full linear scan. cmd/command-post opens and
// rebuilds it at startup; neither the status API nor cpctl queries it.
// The index is never the source of truth: Rebuild regenerates it entirely
// from internal/eventlog at any time.
package index

import (
	"database/sql"
	"time"

	_ "modernc.org/sqlite"

	"github.com/seanfdz/commandpost/internal/cperr"
	"github.com/seanfdz/commandpost/internal/eventlog"
	"github.com/seanfdz/commandpost/internal/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
	event_id   TEXT PRIMARY KEY,
	event_type TEXT NOT NULL,
	agent_id   TEXT,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_type ON events(event_type);
CREATE INDEX IF NOT EXISTS idx_events_agent ON events(agent_id);
CREATE INDEX IF NOT EXISTS idx_events_time ON events(created_at);
`

// Index wraps a modernc.org/sqlite connection (pure Go, no cgo) holding
// the secondary event index.
type Index struct {
	db *sql.DB
}

// Open creates (or reopens) the SQLite file at path and ensures the
// schema exists.
func Open(path string) (*Index, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, cperr.FileSystem(err, "open index %s", path)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, cperr.FileSystem(err, "create index schema")
	}
	return &Index{db: db}, nil
}

// Close releases the underlying database handle.
func (i *Index) Close() error { return i.db.Close() }

// Index inserts or replaces one event's row.
func (i *Index) Index(ev *types.Event) error {
	_, err := i.db.Exec(
		`INSERT OR REPLACE INTO events (event_id, event_type, agent_id, created_at) VALUES (?, ?, ?, ?)`,
		ev.EventID, string(ev.EventType), ev.AgentID, ev.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return cperr.FileSystem(err, "index event %s", ev.EventID)
	}
	return nil
}

// Rebuild drops and repopulates the index from the authoritative JSONL
// log, so a corrupted or stale index is always one call away from fresh.
func (i *Index) Rebuild(log *eventlog.Log) error {
	if _, err := i.db.Exec(`DELETE FROM events`); err != nil {
		return cperr.FileSystem(err, "clear index")
	}
	events, err := log.Query(eventlog.Filters{})
	if err != nil {
		return err
	}
	tx, err := i.db.Begin()
	if err != nil {
		return cperr.FileSystem(err, "begin rebuild tx")
	}
	stmt, err := tx.Prepare(`INSERT OR REPLACE INTO events (event_id, event_type, agent_id, created_at) VALUES (?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return cperr.FileSystem(err, "prepare rebuild stmt")
	}
	defer stmt.Close()
	for _, ev := range events {
		if _, err := stmt.Exec(ev.EventID, string(ev.EventType), ev.AgentID, ev.Timestamp.UTC().Format(time.RFC3339Nano)); err != nil {
			tx.Rollback()
			return cperr.FileSystem(err, "rebuild insert %s", ev.EventID)
		}
	}
	if err := tx.Commit(); err != nil {
		return cperr.FileSystem(err, "commit rebuild tx")
	}
	return nil
}

// CountByType returns the number of indexed events of the given type.
func (i *Index) CountByType(eventType types.EventType) (int, error) {
	var n int
	err := i.db.QueryRow(`SELECT COUNT(*) FROM events WHERE event_type = ?`, string(eventType)).Scan(&n)
	if err != nil {
		return 0, cperr.FileSystem(err, "count events by type")
	}
	return n, nil
}

// RecentByAgent returns the ids of the most recent `limit` events for an
// agent, newest first.
func (i *Index) RecentByAgent(agentID string, limit int) ([]string, error) {
	rows, err := i.db.Query(
		`SELECT event_id FROM events WHERE agent_id = ? ORDER BY created_at DESC LIMIT ?`,
		agentID, limit,
	)
	if err != nil {
		return nil, cperr.FileSystem(err, "query recent events for %s", agentID)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, cperr.FileSystem(err, "scan event id")
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Package eventlog implements the append-only JSONL event stream that is
// the system's post-hoc source of truth: one JSON Event per line, never
// edited or deleted, with a tolerant reader that skips malformed lines.
package eventlog

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/seanfdz/commandpost/internal/cperr"
	"github.com/seanfdz/commandpost/internal/types"
)

// Log appends Events to a single JSONL file under a lock that serializes
// writers; readers are never blocked by it.
type Log struct {
	path string
	mu   sync.Mutex
}

// New returns a Log backed by path (created on first Append if absent).
func New(path string) *Log {
	return &Log{path: path}
}

// Append writes one Event as a line, assigning EventID/Timestamp if unset.
func (l *Log) Append(ev *types.Event) error {
	if ev.EventID == "" {
		ev.EventID = "evt-" + uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	line, err := json.Marshal(ev)
	if err != nil {
		return cperr.FileSystem(err, "marshal event")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return cperr.FileSystem(err, "mkdir for %s", l.path)
	}
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return cperr.FileSystem(err, "open %s", l.path)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return cperr.FileSystem(err, "append to %s", l.path)
	}
	return nil
}

// Filters narrows a Query call; zero values are ignored.
type Filters struct {
	AgentID   string
	EventType types.EventType
	Since     time.Time
	Until     time.Time
}

// Query reads the whole log and returns events matching f, skipping any
// line that fails to parse as JSON (a torn write from a crash mid-append).
func (l *Log) Query(f Filters) ([]*types.Event, error) {
	file, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, cperr.FileSystem(err, "open %s", l.path)
	}
	defer file.Close()

	var out []*types.Event
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev types.Event
		if err := json.Unmarshal(line, &ev); err != nil {
			continue // tolerate malformed trailing/torn lines
		}
		if f.AgentID != "" && ev.AgentID != f.AgentID {
			continue
		}
		if f.EventType != "" && ev.EventType != f.EventType {
			continue
		}
		if !f.Since.IsZero() && ev.Timestamp.Before(f.Since) {
			continue
		}
		if !f.Until.IsZero() && ev.Timestamp.After(f.Until) {
			continue
		}
		out = append(out, &ev)
	}
	return out, nil
}

// Clear truncates the log to empty. Used only by tests; production code
// should prefer leaving history intact for the post-hoc record.
func (l *Log) Clear() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return cperr.FileSystem(err, "mkdir for %s", l.path)
	}
	if err := os.WriteFile(l.path, nil, 0o644); err != nil {
		return cperr.FileSystem(err, "truncate %s", l.path)
	}
	return nil
}

// Package snapshot is the write-once memory snapshot store: every
// reading for an agent becomes a new, immutable file, with a
// constant-time pointer to the newest one. Grounded on the teacher's
// persistence.JSONStore latest-pointer idiom (a small side file that
// always names the current value, refreshed atomically alongside the
// timestamped history it summarizes).
package snapshot

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/seanfdz/commandpost/internal/fsutil"
	"github.com/seanfdz/commandpost/internal/types"
)

// Store is the filesystem-backed snapshot history.
type Store struct {
	dir string
}

// New returns a Store rooted at dir (".../memory-snapshots").
func New(dir string) *Store {
	return &Store{dir: dir}
}

// record is the on-disk envelope: a snapshot's machine-format body
// plus the PRD-format body, whichever the caller supplied. Exactly one
// of MemorySnapshot/PRDSnapshot is populated for any given write.
type Record struct {
	SnapshotID string      `json:"snapshot_id"`
	AgentID    string      `json:"agent_id"`
	Timestamp  time.Time   `json:"timestamp"`
	Machine    interface{} `json:"machine,omitempty"`
	PRD        interface{} `json:"prd,omitempty"`
}

func safeTimestamp(t time.Time) string {
	return strings.ReplaceAll(t.UTC().Format("20060102T150405.000000000Z"), ".", "")
}

func (s *Store) historyPath(agentID string, ts time.Time) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s-%s.json", agentID, safeTimestamp(ts)))
}

func (s *Store) latestPath(agentID string) string {
	return filepath.Join(s.dir, agentID+"-latest.json")
}

// Create writes a new snapshot record, refreshes the agent's latest
// pointer, and runs retention cleanup (keep the 5 newest history files,
// delete the rest). Snapshots are never overwritten: a second call for
// the same agent always produces a new history file.
func (s *Store) Create(agentID string, machine, prd interface{}) (*Record, error) {
	now := time.Now().UTC()
	rec := &Record{
		SnapshotID: "snap-" + uuid.NewString(),
		AgentID:    agentID,
		Timestamp:  now,
		Machine:    machine,
		PRD:        prd,
	}

	if err := fsutil.WriteJSONAtomic(s.historyPath(agentID, now), rec); err != nil {
		return nil, err
	}
	if err := fsutil.WriteJSONAtomic(s.latestPath(agentID), rec); err != nil {
		return nil, err
	}
	if err := s.cleanup(agentID); err != nil {
		return nil, err
	}
	return rec, nil
}

// GetLatest is an O(1) read of the agent's latest pointer. Absence of
// any snapshot yields (nil, nil), not an error.
func (s *Store) GetLatest(agentID string) (*Record, error) {
	var rec Record
	if err := fsutil.ReadJSON(s.latestPath(agentID), &rec); err != nil {
		if !fsutil.Exists(s.latestPath(agentID)) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

// Query reads every history file for agentID within [since, until],
// skipping malformed files and the latest pointer, sorted ascending by
// timestamp. A zero since/until means unbounded on that side.
func (s *Store) Query(agentID string, since, until time.Time) ([]*Record, error) {
	names, err := fsutil.ListFiles(s.dir, agentID+"-*.json")
	if err != nil {
		return nil, err
	}
	latestName := filepath.Base(s.latestPath(agentID))

	var out []*Record
	for _, name := range names {
		if name == latestName {
			continue
		}
		var rec Record
		if err := fsutil.ReadJSON(filepath.Join(s.dir, name), &rec); err != nil {
			continue
		}
		if rec.AgentID != agentID {
			continue // another agent whose id starts with agentID + "-"
		}
		if !since.IsZero() && rec.Timestamp.Before(since) {
			continue
		}
		if !until.IsZero() && rec.Timestamp.After(until) {
			continue
		}
		out = append(out, &rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// DecodeMachine returns rec's Machine field as a typed MemorySnapshot,
// regardless of whether it arrived as a map[string]interface{} (read
// back off disk) or already as *types.MemorySnapshot (a record just
// handed back by Create in this process). Returns ok=false if Machine
// is nil or does not decode.
func DecodeMachine(rec *Record) (*types.MemorySnapshot, bool) {
	if rec == nil || rec.Machine == nil {
		return nil, false
	}
	if ms, ok := rec.Machine.(*types.MemorySnapshot); ok {
		return ms, true
	}
	data, err := json.Marshal(rec.Machine)
	if err != nil {
		return nil, false
	}
	var ms types.MemorySnapshot
	if err := json.Unmarshal(data, &ms); err != nil {
		return nil, false
	}
	return &ms, true
}

// DecodePRD is DecodeMachine's counterpart for the PRD field.
func DecodePRD(rec *Record) (*types.PRDSnapshot, bool) {
	if rec == nil || rec.PRD == nil {
		return nil, false
	}
	if prd, ok := rec.PRD.(*types.PRDSnapshot); ok {
		return prd, true
	}
	data, err := json.Marshal(rec.PRD)
	if err != nil {
		return nil, false
	}
	var prd types.PRDSnapshot
	if err := json.Unmarshal(data, &prd); err != nil {
		return nil, false
	}
	return &prd, true
}

// cleanup keeps the 5 newest history files for agentID and deletes the
// rest whatever their age, so a file older than 24h survives only as one
// of those five. The latest pointer is left untouched.
func (s *Store) cleanup(agentID string) error {
	all, err := s.Query(agentID, time.Time{}, time.Time{})
	if err != nil {
		return err
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Timestamp.After(all[j].Timestamp) })

	for i, rec := range all {
		if i < 5 {
			continue
		}
		if err := fsutil.Remove(s.historyPath(agentID, rec.Timestamp)); err != nil {
			return err
		}
	}
	return nil
}

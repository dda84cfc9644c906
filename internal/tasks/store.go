// Package tasks is the durable kanban: one JSON file per task under
// tasks/<task-id>.json, mutated only through the restricted status
// transition graph in internal/types, atomic writes, never deleted.
// Grounded on the teacher's tasks.Store Save/GetByID/GetByStatus shape,
// moved off SQLite onto plain files to match the task entity's
// filesystem-artifact requirement.
package tasks

import (
	"path/filepath"
	"time"

	"github.com/seanfdz/commandpost/internal/cperr"
	"github.com/seanfdz/commandpost/internal/fsutil"
	"github.com/seanfdz/commandpost/internal/types"
)

// Store is the filesystem-backed task store.
type Store struct {
	dir string
}

// New returns a Store rooted at dir (".../tasks").
func New(dir string) *Store {
	return &Store{dir: dir}
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// Create writes a brand-new task. Fails with ValidationError if the id
// is already in use.
func (s *Store) Create(task *types.Task) error {
	if task.ID == "" {
		return cperr.Validation("task missing id")
	}
	path := s.path(task.ID)
	return fsutil.WithLock(path, func() error {
		if fsutil.Exists(path) {
			return cperr.Validation("task %s already exists", task.ID)
		}
		if task.Status == "" {
			task.Status = types.TaskPending
		}
		if task.Timestamps.CreatedAt.IsZero() {
			task.Timestamps.CreatedAt = time.Now().UTC()
		}
		return fsutil.WriteJSONAtomic(path, task)
	})
}

// Get reads one task, or NotFoundError.
func (s *Store) Get(id string) (*types.Task, error) {
	var task types.Task
	if err := fsutil.ReadJSON(s.path(id), &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// Transition validates and applies a status change under the task's lock,
// failing with ConsistencyError if the transition is not in the graph.
func (s *Store) Transition(id string, to types.TaskStatus, mutate func(*types.Task)) error {
	path := s.path(id)
	return fsutil.WithLock(path, func() error {
		var task types.Task
		if err := fsutil.ReadJSON(path, &task); err != nil {
			return err
		}
		if !types.CanTransition(task.Status, to) {
			return cperr.Consistency("task %s: illegal transition %s -> %s", id, task.Status, to)
		}
		task.Status = to
		if to == types.TaskApproved || to == types.TaskFailed {
			now := time.Now().UTC()
			task.Timestamps.CompletedAt = &now
		}
		if mutate != nil {
			mutate(&task)
		}
		return fsutil.WriteJSONAtomic(path, &task)
	})
}

// Reassign moves a task to in_progress under the usual transition rules
// and assigns it to newAssignee, bumping its handoff count and appending
// decisionNote to its decision log; used by the handoff manager.
func (s *Store) Reassign(id, newAssignee string, decisionNote string) error {
	return s.Transition(id, types.TaskInProgress, func(t *types.Task) {
		t.AssignedTo = newAssignee
		t.Context.HandoffCount++
		if decisionNote != "" {
			t.Context.DecisionLog = append(t.Context.DecisionLog, decisionNote)
		}
	})
}

// List returns every task, best-effort skipping unreadable files.
func (s *Store) List() ([]*types.Task, error) {
	names, err := fsutil.ListFiles(s.dir, "*.json")
	if err != nil {
		return nil, err
	}
	out := make([]*types.Task, 0, len(names))
	for _, name := range names {
		var task types.Task
		if err := fsutil.ReadJSON(filepath.Join(s.dir, name), &task); err != nil {
			continue
		}
		out = append(out, &task)
	}
	return out, nil
}

// ByStatus filters List to one status.
func (s *Store) ByStatus(status types.TaskStatus) ([]*types.Task, error) {
	all, err := s.List()
	if err != nil {
		return nil, err
	}
	var out []*types.Task
	for _, t := range all {
		if t.Status == status {
			out = append(out, t)
		}
	}
	return out, nil
}

// ByAssignee filters List to one agent.
func (s *Store) ByAssignee(agentID string) ([]*types.Task, error) {
	all, err := s.List()
	if err != nil {
		return nil, err
	}
	var out []*types.Task
	for _, t := range all {
		if t.AssignedTo == agentID {
			out = append(out, t)
		}
	}
	return out, nil
}

// ByDomain filters List to one domain.
func (s *Store) ByDomain(domain string) ([]*types.Task, error) {
	all, err := s.List()
	if err != nil {
		return nil, err
	}
	var out []*types.Task
	for _, t := range all {
		if t.Domain == domain {
			out = append(out, t)
		}
	}
	return out, nil
}

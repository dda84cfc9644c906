// Package registry is the durable agent registry: one JSON file per
// agent under agent-registry/<id>.json. Entries are created by
// internal/spawner (a replacement starts with handoff_count set to its
// handoff number) and mutated by the context monitor (status); the
// handoff manager does not touch the registry. Entries are never
// deleted in normal operation. Grounded on the teacher's persistence.Store Add/Update/Remove
// trio, split off its single dashboard-wide blob onto one file per agent
// so registry mutation matches the "every file write is atomic, every
// mutation under a per-file lock" invariant.
package registry

import (
	"os"
	"path/filepath"
	"time"

	"github.com/seanfdz/commandpost/internal/cperr"
	"github.com/seanfdz/commandpost/internal/fsutil"
	"github.com/seanfdz/commandpost/internal/types"
)

// Registry is the filesystem-backed agent registry.
type Registry struct {
	dir string
}

// New returns a Registry rooted at dir (".../agent-registry").
func New(dir string) *Registry {
	return &Registry{dir: dir}
}

func (r *Registry) path(id string) string {
	return filepath.Join(r.dir, id+".json")
}

// Add creates a new registry entry. Fails with ValidationError if id
// already exists.
func (r *Registry) Add(entry *types.AgentRegistryEntry) error {
	if entry.ID == "" {
		return cperr.Validation("registry entry missing id")
	}
	path := r.path(entry.ID)
	return fsutil.WithLock(path, func() error {
		if fsutil.Exists(path) {
			return cperr.Validation("agent %s already registered", entry.ID)
		}
		if entry.LaunchedAt.IsZero() {
			entry.LaunchedAt = time.Now().UTC()
		}
		if entry.Status == "" {
			entry.Status = types.AgentActive
		}
		return fsutil.WriteJSONAtomic(path, entry)
	})
}

// Get returns the registry entry for id, or NotFoundError.
func (r *Registry) Get(id string) (*types.AgentRegistryEntry, error) {
	var entry types.AgentRegistryEntry
	if err := fsutil.ReadJSON(r.path(id), &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

// Update applies mutate to the current entry for id under its file lock
// and writes the result back atomically.
func (r *Registry) Update(id string, mutate func(*types.AgentRegistryEntry) error) error {
	path := r.path(id)
	return fsutil.WithLock(path, func() error {
		var entry types.AgentRegistryEntry
		if err := fsutil.ReadJSON(path, &entry); err != nil {
			return err
		}
		if err := mutate(&entry); err != nil {
			return err
		}
		return fsutil.WriteJSONAtomic(path, &entry)
	})
}

// SetStatus is the common case of Update used by the context monitor.
func (r *Registry) SetStatus(id string, status types.AgentStatus) error {
	return r.Update(id, func(e *types.AgentRegistryEntry) error {
		e.Status = status
		return nil
	})
}

// IncrementHandoffCount bumps id's handoff_count by one under its file
// lock. Nothing outside the tests calls it; the handoff manager holds no
// registry.
func (r *Registry) IncrementHandoffCount(id string) error {
	return r.Update(id, func(e *types.AgentRegistryEntry) error {
		e.HandoffCount++
		return nil
	})
}

// Remove deletes id's registry file. Spec says registry entries are
// never deleted in the course of normal operation; no command in this
// repository calls it.
func (r *Registry) Remove(id string) error {
	path := r.path(id)
	return fsutil.WithLock(path, func() error {
		if !fsutil.Exists(path) {
			return cperr.NotFound("agent %s", id)
		}
		if err := os.Remove(path); err != nil {
			return cperr.FileSystem(err, "remove %s", path)
		}
		return nil
	})
}

// List returns every registered agent, in no particular order.
func (r *Registry) List() ([]*types.AgentRegistryEntry, error) {
	names, err := fsutil.ListFiles(r.dir, "*.json")
	if err != nil {
		return nil, err
	}
	out := make([]*types.AgentRegistryEntry, 0, len(names))
	for _, name := range names {
		var entry types.AgentRegistryEntry
		path := filepath.Join(r.dir, name)
		if err := fsutil.ReadJSON(path, &entry); err != nil {
			continue // best-effort listing; skip unreadable entries
		}
		out = append(out, &entry)
	}
	return out, nil
}

// ByDomain filters List to one domain.
func (r *Registry) ByDomain(domain string) ([]*types.AgentRegistryEntry, error) {
	all, err := r.List()
	if err != nil {
		return nil, err
	}
	var out []*types.AgentRegistryEntry
	for _, e := range all {
		if e.Domain == domain {
			out = append(out, e)
		}
	}
	return out, nil
}

// ByRole filters List to one role.
func (r *Registry) ByRole(role types.Role) ([]*types.AgentRegistryEntry, error) {
	all, err := r.List()
	if err != nil {
		return nil, err
	}
	var out []*types.AgentRegistryEntry
	for _, e := range all {
		if e.Role == role {
			out = append(out, e)
		}
	}
	return out, nil
}

// KnownIDs returns a set suitable for mailbox.SendOptions.KnownAgents.
func (r *Registry) KnownIDs() (map[string]bool, error) {
	all, err := r.List()
	if err != nil {
		return nil, err
	}
	ids := make(map[string]bool, len(all))
	for _, e := range all {
		ids[e.ID] = true
	}
	return ids, nil
}

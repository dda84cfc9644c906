// internal/tasks/queue.go
package tasks

import (
	"sort"
	"sync"

	"github.com/seanfdz/commandpost/internal/types"
)

// Cache is an in-memory, FIFO-ordered view over the task store, kept
// current by Refresh/Put/Invalidate rather than a live database
// connection. Adapted from the teacher's priority Queue: same
// mutex-guarded slice-plus-index shape, re-pointed at the
// filesystem-backed Store instead of owning authoritative state, and
// reordered by creation time only since kanban tasks carry no numeric
// priority field.
type Cache struct {
	mu    sync.RWMutex
	tasks []*types.Task
	index map[string]*types.Task
}

// NewCache returns an empty cache. Call Refresh once at startup to
// populate it from a Store.
func NewCache() *Cache {
	return &Cache{index: make(map[string]*types.Task)}
}

// Refresh replaces the cache contents wholesale from the store, for
// use at startup and after any external write the cache didn't see.
func (c *Cache) Refresh(s *Store) error {
	all, err := s.List()
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tasks = all
	c.index = make(map[string]*types.Task, len(all))
	for _, t := range all {
		c.index[t.ID] = t
	}
	c.sortLocked()
	return nil
}

// Put inserts or replaces one task's cached entry without a full
// Refresh. Only the tests call it; the status API refreshes the cache
// wholesale.
func (c *Cache) Put(task *types.Task) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.index[task.ID]; !exists {
		c.tasks = append(c.tasks, task)
	} else {
		for i, t := range c.tasks {
			if t.ID == task.ID {
				c.tasks[i] = task
				break
			}
		}
	}
	c.index[task.ID] = task
	c.sortLocked()
}

// Invalidate drops one task from the cache. Only the tests call it;
// tasks are never deleted from the store.
func (c *Cache) Invalidate(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.index, id)
	for i, t := range c.tasks {
		if t.ID == id {
			c.tasks = append(c.tasks[:i], c.tasks[i+1:]...)
			break
		}
	}
}

// GetByID returns the cached task, or nil if not present.
func (c *Cache) GetByID(id string) *types.Task {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.index[id]
}

// GetByStatus returns every cached task in the given status, FIFO order.
func (c *Cache) GetByStatus(status types.TaskStatus) []*types.Task {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []*types.Task
	for _, t := range c.tasks {
		if t.Status == status {
			out = append(out, t)
		}
	}
	return out
}

// GetByAgent returns every cached task assigned to agentID.
func (c *Cache) GetByAgent(agentID string) []*types.Task {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []*types.Task
	for _, t := range c.tasks {
		if t.AssignedTo == agentID {
			out = append(out, t)
		}
	}
	return out
}

// Len returns the number of cached tasks.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.tasks)
}

// All returns a copy of every cached task, oldest first.
func (c *Cache) All() []*types.Task {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*types.Task, len(c.tasks))
	copy(out, c.tasks)
	return out
}

// sortLocked orders tasks by creation time, oldest first; callers must
// hold c.mu for writing.
func (c *Cache) sortLocked() {
	sort.SliceStable(c.tasks, func(i, j int) bool {
		return c.tasks[i].Timestamps.CreatedAt.Before(c.tasks[j].Timestamps.CreatedAt)
	})
}

// Package findings is the durable registry of cross-cutting defects —
// security, testing, and documentation issues — that can gate a
// domain's shutdown until resolved. One JSON file per finding under
// findings/<id>.json, same atomic-write-no-cache convention as
// internal/registry and internal/tasks. Grounded on the teacher's
// memory.ReviewDefect field shape (category/severity/status/resolved_by),
// moved off its SQLite-backed review-board tables onto a plain
// filesystem store and cut down to the single open/in_progress/resolved
// lifecycle this spec names, since nothing here needs ReviewDefect's
// multi-reviewer voting machinery.
package findings

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/seanfdz/commandpost/internal/cperr"
	"github.com/seanfdz/commandpost/internal/fsutil"
	"github.com/seanfdz/commandpost/internal/types"
)

// Store is the filesystem-backed findings registry.
type Store struct {
	dir string
}

// New returns a Store rooted at dir (".../findings").
func New(dir string) *Store {
	return &Store{dir: dir}
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// crossCuttingPrefixes are the agent-id prefixes that mark an agent as
// filing cross-cutting audits even when its role isn't RoleSecurity —
// the spec names security/testing/docs as the cross-cutting set, but
// only security has a dedicated Role; testing and docs agents are
// identified by naming convention instead.
var crossCuttingPrefixes = []string{"security-", "testing-", "docs-", "test-"}

// IsCrossCutting reports whether an agent is permitted to file findings,
// by role first and by agent-id prefix as a fallback.
func IsCrossCutting(role types.Role, agentID string) bool {
	if role == types.RoleSecurity || role == types.RoleAudit {
		return true
	}
	for _, p := range crossCuttingPrefixes {
		if strings.HasPrefix(agentID, p) {
			return true
		}
	}
	return false
}

// Register files a new finding, starting in state open.
func (s *Store) Register(domain, sourceAgent string, sourceRole types.Role, taskID string, severity types.FindingSeverity, category, description, recommendation string) (*types.Finding, error) {
	f := &types.Finding{
		ID:             "finding-" + uuid.NewString(),
		Domain:         domain,
		SourceAgent:    sourceAgent,
		SourceRole:     sourceRole,
		TaskID:         taskID,
		Severity:       severity,
		Category:       category,
		Description:    description,
		Recommendation: recommendation,
		Status:         types.FindingOpen,
		CreatedAt:      time.Now().UTC(),
	}
	path := s.path(f.ID)
	if err := fsutil.WithLock(path, func() error {
		return fsutil.WriteJSONAtomic(path, f)
	}); err != nil {
		return nil, err
	}
	return f, nil
}

// Get reads one finding, or NotFoundError.
func (s *Store) Get(id string) (*types.Finding, error) {
	var f types.Finding
	if err := fsutil.ReadJSON(s.path(id), &f); err != nil {
		return nil, err
	}
	return &f, nil
}

// MarkInProgress moves a finding to in_progress. Idempotent: calling it
// again on an already-in_progress finding is a no-op, not an error,
// since the remediation agent may report progress more than once.
func (s *Store) MarkInProgress(id string) error {
	path := s.path(id)
	return fsutil.WithLock(path, func() error {
		var f types.Finding
		if err := fsutil.ReadJSON(path, &f); err != nil {
			return err
		}
		if f.Status == types.FindingInProgress {
			return nil
		}
		if f.Status != types.FindingOpen {
			return cperr.Consistency("finding %s: cannot mark in_progress from %s", id, f.Status)
		}
		f.Status = types.FindingInProgress
		return fsutil.WriteJSONAtomic(path, &f)
	})
}

// Resolve closes a finding, one-shot: resolving an already-resolved
// finding is a ConsistencyError, since resolution fires callbacks
// (unblocking a domain's cascade) that must run exactly once.
func (s *Store) Resolve(id, resolver string) (*types.Finding, error) {
	path := s.path(id)
	var f types.Finding
	err := fsutil.WithLock(path, func() error {
		if err := fsutil.ReadJSON(path, &f); err != nil {
			return err
		}
		if f.Status == types.FindingResolved {
			return cperr.Consistency("finding %s: already resolved", id)
		}
		now := time.Now().UTC()
		f.Status = types.FindingResolved
		f.ResolvedAt = &now
		f.ResolvedBy = resolver
		return fsutil.WriteJSONAtomic(path, &f)
	})
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// LinkTask associates a finding with its remediation task.
func (s *Store) LinkTask(id, taskID string) error {
	path := s.path(id)
	return fsutil.WithLock(path, func() error {
		var f types.Finding
		if err := fsutil.ReadJSON(path, &f); err != nil {
			return err
		}
		f.TaskID = taskID
		return fsutil.WriteJSONAtomic(path, &f)
	})
}

// List returns every finding, best-effort skipping unreadable files.
func (s *Store) List() ([]*types.Finding, error) {
	names, err := fsutil.ListFiles(s.dir, "*.json")
	if err != nil {
		return nil, err
	}
	out := make([]*types.Finding, 0, len(names))
	for _, name := range names {
		var f types.Finding
		if err := fsutil.ReadJSON(filepath.Join(s.dir, name), &f); err != nil {
			continue
		}
		out = append(out, &f)
	}
	return out, nil
}

// ByDomain filters List to one domain.
func (s *Store) ByDomain(domain string) ([]*types.Finding, error) {
	all, err := s.List()
	if err != nil {
		return nil, err
	}
	var out []*types.Finding
	for _, f := range all {
		if f.Domain == domain {
			out = append(out, f)
		}
	}
	return out, nil
}

// ByTask filters List to findings linked to one task.
func (s *Store) ByTask(taskID string) ([]*types.Finding, error) {
	all, err := s.List()
	if err != nil {
		return nil, err
	}
	var out []*types.Finding
	for _, f := range all {
		if f.TaskID == taskID {
			out = append(out, f)
		}
	}
	return out, nil
}

// GetBlockedDomains returns every domain with at least one open
// error-or-critical finding.
func (s *Store) GetBlockedDomains() ([]string, error) {
	all, err := s.List()
	if err != nil {
		return nil, err
	}
	blocked := map[string]bool{}
	for _, f := range all {
		if f.IsBlocking() {
			blocked[f.Domain] = true
		}
	}
	out := make([]string, 0, len(blocked))
	for d := range blocked {
		out = append(out, d)
	}
	return out, nil
}

// HasBlockingFindings reports whether domain currently has any open
// error-or-critical finding, gating that domain's shutdown in the task
// completion cascade.
func (s *Store) HasBlockingFindings(domain string) (bool, error) {
	domainFindings, err := s.ByDomain(domain)
	if err != nil {
		return false, err
	}
	for _, f := range domainFindings {
		if f.IsBlocking() {
			return true, nil
		}
	}
	return false, nil
}

// Package spawnqueue is the admission control in front of
// internal/spawner: a request for a new agent is admitted only after
// its dependencies are satisfied and the domain topology has budget
// for it, with FIFO ordering among requests that are otherwise ready.
// One JSON file per request under admission-queue/<id>.json, same
// filesystem-is-the-store convention as internal/registry and
// internal/tasks — no separate in-memory snapshot to save or load.
// Grounded on the teacher's daemon-less pattern of deriving state by
// re-reading a directory each time (persistence.Store), and on
// other_examples' daemon.Pool for the pending/admitted/terminal
// lifecycle a spawn request moves through, repurposed from "drain a
// worklist of crashed processes" to "admit a FIFO of spawn requests
// under a capacity budget."
package spawnqueue

import (
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/seanfdz/commandpost/internal/config"
	"github.com/seanfdz/commandpost/internal/cperr"
	"github.com/seanfdz/commandpost/internal/eventbus"
	"github.com/seanfdz/commandpost/internal/eventlog"
	"github.com/seanfdz/commandpost/internal/fsutil"
	"github.com/seanfdz/commandpost/internal/registry"
	"github.com/seanfdz/commandpost/internal/tasks"
	"github.com/seanfdz/commandpost/internal/types"
)

// Queue is the filesystem-backed admission queue.
type Queue struct {
	dir      string
	cfg      *config.Config
	registry *registry.Registry
	tasks    *tasks.Store
	elog     *eventlog.Log
	bus      *eventbus.Bus
}

// New returns a Queue rooted at dir (".../admission-queue").
func New(dir string, cfg *config.Config, reg *registry.Registry, taskStore *tasks.Store, elog *eventlog.Log, bus *eventbus.Bus) *Queue {
	return &Queue{dir: dir, cfg: cfg, registry: reg, tasks: taskStore, elog: elog, bus: bus}
}

func (q *Queue) path(id string) string {
	return filepath.Join(q.dir, id+".json")
}

func (q *Queue) save(entry *types.SpawnQueueEntry) error {
	return fsutil.WriteJSONAtomic(q.path(entry.ID), entry)
}

func (q *Queue) load(id string) (*types.SpawnQueueEntry, error) {
	var entry types.SpawnQueueEntry
	if err := fsutil.ReadJSON(q.path(id), &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

func (q *Queue) logEvent(evType types.EventType, agentID, domain string, data map[string]interface{}) {
	if data == nil {
		data = map[string]interface{}{}
	}
	data["domain"] = domain
	ev := &types.Event{EventType: evType, AgentID: agentID, Data: data}
	if q.elog != nil {
		q.elog.Append(ev)
	}
	if q.bus != nil {
		q.bus.Publish(ev)
	}
}

// List returns every persisted entry, in no particular order.
func (q *Queue) List() ([]*types.SpawnQueueEntry, error) {
	names, err := fsutil.ListFiles(q.dir, "*.json")
	if err != nil {
		return nil, err
	}
	out := make([]*types.SpawnQueueEntry, 0, len(names))
	for _, name := range names {
		var entry types.SpawnQueueEntry
		if err := fsutil.ReadJSON(filepath.Join(q.dir, name), &entry); err != nil {
			continue
		}
		out = append(out, &entry)
	}
	return out, nil
}

func isTerminal(status types.SpawnQueueStatus) bool {
	return status == types.SpawnSpawned || status == types.SpawnRejected
}

// structuralReason returns a non-empty reason if a request can never be
// admitted regardless of capacity: its domain doesn't exist, its role
// isn't one the queue admits, or its requester isn't that domain's PO.
// These are checked once, at enqueue time, since waiting cannot fix them.
func (q *Queue) structuralReason(requestedBy, domain string, role types.SpawnRole) string {
	var dom *config.DomainConfig
	for i := range q.cfg.Domains {
		if q.cfg.Domains[i].Name == domain {
			dom = &q.cfg.Domains[i]
			break
		}
	}
	if dom == nil {
		return fmt.Sprintf("unknown domain %q", domain)
	}
	if role != types.SpawnRoleWorker && role != types.SpawnRoleAudit {
		return fmt.Sprintf("role %q is not spawnable", role)
	}
	if dom.PO != requestedBy {
		return fmt.Sprintf("requester %q is not domain %q's PO", requestedBy, domain)
	}
	return ""
}

// capacityOK reports whether admitting one more agent into domain is
// currently within budget: the domain's own cap and the fleet-wide cap,
// the fleet-wide count counting both active agents and everything still
// sitting in the queue ahead of admission.
func (q *Queue) capacityOK(domain string) (bool, error) {
	agents, err := q.registry.List()
	if err != nil {
		return false, err
	}
	domainCount := 0
	totalActive := 0
	for _, a := range agents {
		if a.Status == types.AgentActive {
			totalActive++
			if a.Domain == domain {
				domainCount++
			}
		}
	}
	if q.cfg.MaxPerDomain > 0 && domainCount >= q.cfg.MaxPerDomain {
		return false, nil
	}

	entries, err := q.List()
	if err != nil {
		return false, err
	}
	pendingDepth := 0
	for _, e := range entries {
		if !isTerminal(e.Status) {
			pendingDepth++
		}
	}
	if q.cfg.MaxAgents > 0 && totalActive+pendingDepth >= q.cfg.MaxAgents {
		return false, nil
	}
	return true, nil
}

// domainProgress is the fraction of a domain's tasks currently approved.
// A domain with no tasks yet is trivially at full progress, since there
// is nothing left to wait on.
func (q *Queue) domainProgress(domain string) (float64, error) {
	domainTasks, err := q.tasks.ByDomain(domain)
	if err != nil {
		return 0, err
	}
	if len(domainTasks) == 0 {
		return 1.0, nil
	}
	approved := 0
	for _, t := range domainTasks {
		if t.Status == types.TaskApproved {
			approved++
		}
	}
	return float64(approved) / float64(len(domainTasks)), nil
}

func (q *Queue) dependenciesMet(entry *types.SpawnQueueEntry) (bool, error) {
	for _, taskID := range entry.TaskDependencies {
		t, err := q.tasks.Get(taskID)
		if err != nil || t.Status != types.TaskApproved {
			return false, nil
		}
	}
	for _, domain := range entry.DomainDependencies {
		progress, err := q.domainProgress(domain)
		if err != nil {
			return false, err
		}
		if progress < entry.DomainDependencyThreshold {
			return false, nil
		}
	}
	return true, nil
}

// Enqueue admits a new spawn request. Structural failures (bad domain,
// bad role, wrong requester) are rejected immediately; everything else
// is persisted and evaluated once before returning.
func (q *Queue) Enqueue(requestedBy, domain string, role types.SpawnRole, reason string, taskDeps, domainDeps []string, threshold float64, suggestedFeatures []string) (*types.SpawnQueueEntry, error) {
	entry := &types.SpawnQueueEntry{
		ID:                        "sq-" + uuid.NewString(),
		RequestedBy:               requestedBy,
		Domain:                    domain,
		Role:                      role,
		Reason:                    reason,
		Status:                    types.SpawnPending,
		TaskDependencies:          taskDeps,
		DomainDependencies:        domainDeps,
		DomainDependencyThreshold: threshold,
		SuggestedFeatures:         suggestedFeatures,
		CreatedAt:                 time.Now().UTC(),
	}

	if reason := q.structuralReason(requestedBy, domain, role); reason != "" {
		entry.Status = types.SpawnRejected
		entry.RejectionReason = reason
		resolved := time.Now().UTC()
		entry.ResolvedAt = &resolved
		if err := q.save(entry); err != nil {
			return nil, err
		}
		q.logEvent(types.EventErrorOccurred, "", domain, map[string]interface{}{"spawn_request": entry.ID, "rejected": reason})
		return entry, nil
	}

	if err := q.save(entry); err != nil {
		return nil, err
	}
	if err := q.evaluate(entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// evaluate advances entry past dependency_wait once its task and domain
// dependencies clear, leaving it queued for FIFO admission. It never
// rejects on capacity: capacity is re-checked at admission time, not
// here, so an entry just waits its turn instead of being evicted.
func (q *Queue) evaluate(entry *types.SpawnQueueEntry) error {
	if isTerminal(entry.Status) {
		return nil
	}
	met, err := q.dependenciesMet(entry)
	if err != nil {
		return err
	}
	if !met {
		entry.Status = types.SpawnDependencyWait
		return q.save(entry)
	}
	entry.Status = types.SpawnQueued
	return q.save(entry)
}

// Release re-evaluates every entry waiting on dependencies, returning
// those whose status changed. Call after any task or finding transition
// that might have unblocked a domain's progress.
func (q *Queue) Release() ([]*types.SpawnQueueEntry, error) {
	entries, err := q.List()
	if err != nil {
		return nil, err
	}
	var changed []*types.SpawnQueueEntry
	for _, entry := range entries {
		if entry.Status != types.SpawnDependencyWait {
			continue
		}
		before := entry.Status
		if err := q.evaluate(entry); err != nil {
			return changed, err
		}
		if entry.Status != before {
			changed = append(changed, entry)
		}
	}
	return changed, nil
}

// NextAdmissible returns the oldest queued entry that currently fits the
// capacity budget, marks it spawning, and assigns it a deterministic
// agent ID — or nil if the head of the queue is still over budget.
// Admission is strict FIFO: a later entry is never admitted ahead of an
// earlier one even if its own domain has room, since growing the fleet
// out of request order would starve whichever domain asked first.
func (q *Queue) NextAdmissible() (*types.SpawnQueueEntry, error) {
	entries, err := q.List()
	if err != nil {
		return nil, err
	}
	var queued []*types.SpawnQueueEntry
	for _, e := range entries {
		if e.Status == types.SpawnQueued {
			queued = append(queued, e)
		}
	}
	if len(queued) == 0 {
		return nil, nil
	}
	sort.Slice(queued, func(i, j int) bool { return queued[i].CreatedAt.Before(queued[j].CreatedAt) })

	head := queued[0]
	ok, err := q.capacityOK(head.Domain)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	agentID, err := q.GenerateAgentID(head.Role, head.Domain)
	if err != nil {
		return nil, err
	}
	head.Status = types.SpawnSpawning
	head.SpawnedAgentID = agentID
	if err := q.save(head); err != nil {
		return nil, err
	}
	return head, nil
}

// MarkSpawned records that an admitted request's agent is now live.
func (q *Queue) MarkSpawned(id, agentID string) error {
	entry, err := q.load(id)
	if err != nil {
		return err
	}
	if entry.Status != types.SpawnSpawning {
		return cperr.Consistency("spawn request %s: cannot mark spawned from %s", id, entry.Status)
	}
	entry.Status = types.SpawnSpawned
	entry.SpawnedAgentID = agentID
	resolved := time.Now().UTC()
	entry.ResolvedAt = &resolved
	if err := q.save(entry); err != nil {
		return err
	}
	q.logEvent(types.EventAgentSpawned, agentID, entry.Domain, map[string]interface{}{"spawn_request": id})
	return nil
}

// MarkRejected terminally rejects a request, e.g. an operator vetoing a
// suggestion or a launch that failed after admission.
func (q *Queue) MarkRejected(id, reason string) error {
	entry, err := q.load(id)
	if err != nil {
		return err
	}
	if isTerminal(entry.Status) {
		return cperr.Consistency("spawn request %s: already terminal (%s)", id, entry.Status)
	}
	entry.Status = types.SpawnRejected
	entry.RejectionReason = reason
	resolved := time.Now().UTC()
	entry.ResolvedAt = &resolved
	return q.save(entry)
}

var agentIDPattern = regexp.MustCompile(`^(.+)-(\d+)(?:-r\d+)?$`)

// GenerateAgentID returns the next deterministic agent ID for role and
// domain: "<role>-<domain>-<n+1>", where n is the highest sequence
// number currently in use for that role and domain across both the
// live registry and previously spawned queue entries — so a crash
// between admission and registration can never hand out a duplicate ID.
func (q *Queue) GenerateAgentID(role types.SpawnRole, domain string) (string, error) {
	prefix := fmt.Sprintf("%s-%s", role, domain)
	max := 0

	agents, err := q.registry.List()
	if err != nil {
		return "", err
	}
	for _, a := range agents {
		if n, ok := sequenceNumber(a.ID, prefix); ok && n > max {
			max = n
		}
	}

	entries, err := q.List()
	if err != nil {
		return "", err
	}
	for _, e := range entries {
		if e.SpawnedAgentID == "" {
			continue
		}
		if n, ok := sequenceNumber(e.SpawnedAgentID, prefix); ok && n > max {
			max = n
		}
	}

	return fmt.Sprintf("%s-%d", prefix, max+1), nil
}

// sequenceNumber extracts the trailing sequence number from an agent ID
// of the form "<prefix>-<n>" or "<prefix>-<n>-r<handoff>", ignoring any
// replacement suffix appended by internal/replacement.
func sequenceNumber(id, prefix string) (int, bool) {
	m := agentIDPattern.FindStringSubmatch(id)
	if m == nil || m[1] != prefix {
		return 0, false
	}
	n, err := strconv.Atoi(m[2])
	if err != nil {
		return 0, false
	}
	return n, true
}

// Package cascade turns completed tasks into a coordinated system
// shutdown: it polls the task store for status transitions, assigns
// review work as tasks ready, proposes shutdown for workers whose work
// is entirely done, and walks the resulting tiered cascade (workers,
// then domain auditors, then security, then POs, then context
// monitors, then the orchestrator) sending each agent its prepare_shutdown
// exactly once. Grounded on the teacher's captain.CaptainSupervisor — a
// mutex-guarded status/transition tracker with a single shutdown
// callback — generalized from "one supervised process" to "a fleet of
// agents shutting down in dependency order."
package cascade

import (
	"fmt"
	"path/filepath"

	"github.com/seanfdz/commandpost/internal/config"
	"github.com/seanfdz/commandpost/internal/eventbus"
	"github.com/seanfdz/commandpost/internal/eventlog"
	"github.com/seanfdz/commandpost/internal/findings"
	"github.com/seanfdz/commandpost/internal/fsutil"
	"github.com/seanfdz/commandpost/internal/mailbox"
	"github.com/seanfdz/commandpost/internal/registry"
	"github.com/seanfdz/commandpost/internal/tasks"
	"github.com/seanfdz/commandpost/internal/types"
)

// daemonAgentID is the pseudo-sender for lifecycle and assignment
// messages the cascade itself originates, mirroring
// internal/replacement's daemonAgentID.
const daemonAgentID = "command-post"

// Monitor is the task completion monitor and shutdown cascade.
type Monitor struct {
	cfg      *config.Config
	registry *registry.Registry
	tasks    *tasks.Store
	findings *findings.Store
	mailbox  *mailbox.Store
	elog     *eventlog.Log
	bus      *eventbus.Bus
	stateDir string

	// onCloseout, when set, is invoked at the tier5->6 boundary instead
	// of sending prepare_shutdown to the orchestrator directly; the
	// closeout manager calls CompleteAndShutdown back when it's done.
	onCloseout func() error
}

// New returns a Monitor. stateDir holds the durable status cache and
// the idempotent-send bookkeeping (".../cascade").
func New(cfg *config.Config, reg *registry.Registry, taskStore *tasks.Store, findingsStore *findings.Store, mb *mailbox.Store, elog *eventlog.Log, bus *eventbus.Bus, stateDir string) *Monitor {
	return &Monitor{
		cfg: cfg, registry: reg, tasks: taskStore, findings: findingsStore,
		mailbox: mb, elog: elog, bus: bus, stateDir: stateDir,
	}
}

// SetCloseoutHook installs the callback invoked instead of a direct
// prepare_shutdown send to the orchestrator once every other agent has
// wound down.
func (m *Monitor) SetCloseoutHook(fn func() error) {
	m.onCloseout = fn
}

func (m *Monitor) taskCachePath() string { return filepath.Join(m.stateDir, "task-status-cache.json") }
func (m *Monitor) notifiedPath() string  { return filepath.Join(m.stateDir, "shutdown-notified.json") }
func (m *Monitor) blockedPath() string   { return filepath.Join(m.stateDir, "blocked-domains.json") }

func (m *Monitor) loadTaskCache() (map[string]types.TaskStatus, error) {
	cache := map[string]types.TaskStatus{}
	if err := fsutil.ReadJSON(m.taskCachePath(), &cache); err != nil {
		if fsutil.Exists(m.taskCachePath()) {
			return nil, err
		}
		return cache, nil
	}
	return cache, nil
}

func (m *Monitor) saveTaskCache(cache map[string]types.TaskStatus) error {
	return fsutil.WriteJSONAtomic(m.taskCachePath(), cache)
}

func (m *Monitor) loadNotified() (map[string]bool, error) {
	notified := map[string]bool{}
	if err := fsutil.ReadJSON(m.notifiedPath(), &notified); err != nil {
		if fsutil.Exists(m.notifiedPath()) {
			return nil, err
		}
		return notified, nil
	}
	return notified, nil
}

func (m *Monitor) loadBlocked() (map[string][]string, error) {
	blocked := map[string][]string{}
	if err := fsutil.ReadJSON(m.blockedPath(), &blocked); err != nil {
		if fsutil.Exists(m.blockedPath()) {
			return nil, err
		}
		return blocked, nil
	}
	return blocked, nil
}

// isNotified reports whether agentID has already been sent
// prepare_shutdown.
func (m *Monitor) isNotified(agentID string) (bool, error) {
	notified, err := m.loadNotified()
	if err != nil {
		return false, err
	}
	return notified[agentID], nil
}

// sendPrepareShutdown is the one place prepare_shutdown is actually put
// on the wire; it is a no-op if agentID was already notified, which is
// what makes every tier transition safe to re-evaluate repeatedly.
func (m *Monitor) sendPrepareShutdown(agentID string) error {
	path := m.notifiedPath()
	sent := false
	err := fsutil.WithLock(path, func() error {
		notified := map[string]bool{}
		if err := fsutil.ReadJSON(path, &notified); err != nil && fsutil.Exists(path) {
			return err
		}
		if notified[agentID] {
			return nil
		}
		notified[agentID] = true
		sent = true
		return fsutil.WriteJSONAtomic(path, notified)
	})
	if err != nil || !sent {
		return err
	}

	if _, err := m.mailbox.Send(&types.Message{
		From: daemonAgentID, To: agentID, Type: types.MsgLifecycleCommand,
		Priority: types.PriorityHigh,
		Body:     map[string]interface{}{"command": "prepare_shutdown"},
	}, mailbox.SendOptions{SenderRole: types.RoleContextMonitor}); err != nil {
		return err
	}
	m.logEvent(types.EventAgentShutdown, agentID, map[string]interface{}{"action": "prepare_shutdown"})
	return nil
}

func (m *Monitor) logEvent(evType types.EventType, agentID string, data map[string]interface{}) {
	ev := &types.Event{EventType: evType, AgentID: agentID, Data: data}
	if m.elog != nil {
		m.elog.Append(ev)
	}
	if m.bus != nil {
		m.bus.Publish(ev)
	}
}

// Poll runs one monitoring cycle: diff every task's status against the
// cached map, react to the transitions that matter, persist the new
// cache, then walk the cascade so any tier that just became eligible
// gets its prepare_shutdown sends.
func (m *Monitor) Poll() error {
	cache, err := m.loadTaskCache()
	if err != nil {
		return err
	}
	allTasks, err := m.tasks.List()
	if err != nil {
		return err
	}

	for _, t := range allTasks {
		prev, seen := cache[t.ID]
		if seen && prev == t.Status {
			continue
		}
		cache[t.ID] = t.Status

		switch t.Status {
		case types.TaskReadyForReview:
			if err := m.assignReview(t); err != nil {
				return err
			}
		case types.TaskApproved:
			if err := m.proposeWorkerShutdown(t); err != nil {
				return err
			}
		}
	}

	if err := m.saveTaskCache(cache); err != nil {
		return err
	}
	return m.Evaluate()
}

// assignReview sends a review task_assignment to an available audit
// agent in the task's domain, warning (not erroring) if none exists —
// a domain that never spawned an auditor shouldn't stall the monitor.
func (m *Monitor) assignReview(t *types.Task) error {
	auditors, err := m.registry.ByDomain(t.Domain)
	if err != nil {
		return err
	}
	for _, a := range auditors {
		if a.Role != types.RoleAudit || a.Status != types.AgentActive {
			continue
		}
		notified, err := m.isNotified(a.ID)
		if err != nil {
			return err
		}
		if notified {
			continue
		}
		_, err = m.mailbox.Send(&types.Message{
			From: daemonAgentID, To: a.ID, Type: types.MsgTaskAssignment,
			Body: map[string]interface{}{"action": "review", "review_type": "audit", "task_id": t.ID},
		}, mailbox.SendOptions{SenderRole: types.RoleOrchestrator})
		return err
	}
	m.logEvent(types.EventErrorOccurred, "", map[string]interface{}{
		"warning": fmt.Sprintf("no available audit agent in domain %s for task %s", t.Domain, t.ID),
	})
	return nil
}

// proposeWorkerShutdown checks whether the task's assigned worker has
// every one of its tasks terminal-approved, and if so proposes shutdown
// for that worker — held back if the domain currently has a blocking
// finding, sent immediately otherwise.
func (m *Monitor) proposeWorkerShutdown(t *types.Task) error {
	if t.AssignedTo == "" {
		return nil
	}
	assigned, err := m.tasks.ByAssignee(t.AssignedTo)
	if err != nil {
		return err
	}
	allApproved := true
	for _, at := range assigned {
		if at.Status != types.TaskApproved && at.Status != types.TaskFailed {
			allApproved = false
			break
		}
		if at.Status != types.TaskApproved {
			allApproved = false
		}
	}
	if !allApproved {
		return nil
	}
	return m.proposeShutdown(t.AssignedTo, t.Domain)
}

// proposeShutdown is the single entry point for holding an agent back
// on a blocked domain or sending it straight through.
func (m *Monitor) proposeShutdown(agentID, domain string) error {
	blocked, err := m.findings.HasBlockingFindings(domain)
	if err != nil {
		return err
	}
	if blocked {
		return m.holdForDomain(domain, agentID)
	}
	return m.sendPrepareShutdown(agentID)
}

func (m *Monitor) holdForDomain(domain, agentID string) error {
	path := m.blockedPath()
	return fsutil.WithLock(path, func() error {
		blocked := map[string][]string{}
		if err := fsutil.ReadJSON(path, &blocked); err != nil && fsutil.Exists(path) {
			return err
		}
		for _, held := range blocked[domain] {
			if held == agentID {
				return nil
			}
		}
		blocked[domain] = append(blocked[domain], agentID)
		return fsutil.WriteJSONAtomic(path, blocked)
	})
}

// ReleaseDomain re-checks domain for blocking findings and, if clear,
// sends prepare_shutdown to every agent that was held back waiting on
// it — the registry callback the spec describes firing when a finding
// resolves.
func (m *Monitor) ReleaseDomain(domain string) error {
	blocked, err := m.findings.HasBlockingFindings(domain)
	if err != nil {
		return err
	}
	if blocked {
		return nil
	}

	path := m.blockedPath()
	var held []string
	err = fsutil.WithLock(path, func() error {
		all := map[string][]string{}
		if err := fsutil.ReadJSON(path, &all); err != nil && fsutil.Exists(path) {
			return err
		}
		held = all[domain]
		delete(all, domain)
		return fsutil.WriteJSONAtomic(path, all)
	})
	if err != nil {
		return err
	}
	for _, agentID := range held {
		if err := m.sendPrepareShutdown(agentID); err != nil {
			return err
		}
	}
	return m.Evaluate()
}

func activeAgents(all []*types.AgentRegistryEntry, role types.Role) []*types.AgentRegistryEntry {
	var out []*types.AgentRegistryEntry
	for _, a := range all {
		if a.Role == role && a.Status == types.AgentActive {
			out = append(out, a)
		}
	}
	return out
}

// notifiedAll reports whether every agent in agents has already been
// sent prepare_shutdown — the gate each tier waits on before its own
// agents are eligible.
func (m *Monitor) notifiedAll(agents []*types.AgentRegistryEntry) (bool, error) {
	notified, err := m.loadNotified()
	if err != nil {
		return false, err
	}
	for _, a := range agents {
		if !notified[a.ID] {
			return false, nil
		}
	}
	return true, nil
}

// Evaluate walks the six-tier cascade once, sending prepare_shutdown to
// every agent whose tier has become eligible. Safe to call repeatedly:
// every send is idempotent and a tier that isn't ready yet is simply
// left alone until the next Evaluate.
func (m *Monitor) Evaluate() error {
	all, err := m.registry.List()
	if err != nil {
		return err
	}
	workers := append(activeAgents(all, types.RoleWorker), activeAgents(all, types.RoleSpecialist)...)
	auditors := activeAgents(all, types.RoleAudit)
	security := activeAgents(all, types.RoleSecurity)
	pos := activeAgents(all, types.RolePO)
	contextMonitors := activeAgents(all, types.RoleContextMonitor)
	orchestrators := activeAgents(all, types.RoleOrchestrator)

	// Tier 1 is driven by proposeWorkerShutdown as each worker's last
	// task approves; nothing further to do here beyond what Poll already
	// triggered.

	// Tier 2: auditors, per domain, once that domain's workers are done.
	domainWorkersDone := map[string]bool{}
	for _, d := range m.cfg.Domains {
		done := true
		for _, w := range workers {
			if w.Domain != d.Name {
				continue
			}
			ok, err := m.isNotified(w.ID)
			if err != nil {
				return err
			}
			if !ok {
				done = false
				break
			}
		}
		blocked, err := m.findings.HasBlockingFindings(d.Name)
		if err != nil {
			return err
		}
		domainWorkersDone[d.Name] = done && !blocked
	}
	for _, a := range auditors {
		if !domainWorkersDone[a.Domain] {
			continue
		}
		if err := m.sendPrepareShutdown(a.ID); err != nil {
			return err
		}
	}

	// domainFullyDone additionally requires that domain's auditors be
	// notified too, the bar tier 4 (POs) needs to clear.
	domainFullyDone := map[string]bool{}
	for _, d := range m.cfg.Domains {
		done := domainWorkersDone[d.Name]
		if done {
			for _, a := range auditors {
				if a.Domain != d.Name {
					continue
				}
				ok, err := m.isNotified(a.ID)
				if err != nil {
					return err
				}
				if !ok {
					done = false
					break
				}
			}
		}
		domainFullyDone[d.Name] = done
	}

	// Tier 3: security, once every auditor across every domain is done.
	auditorsDone, err := m.notifiedAll(auditors)
	if err != nil {
		return err
	}
	if auditorsDone {
		for _, s := range security {
			if err := m.sendPrepareShutdown(s.ID); err != nil {
				return err
			}
		}
	}

	// Tier 4: POs, once their domains' workers+auditors and all security
	// agents are done.
	securityDone, err := m.notifiedAll(security)
	if err != nil {
		return err
	}
	if securityDone {
		for _, po := range pos {
			poDomainsDone := true
			for _, d := range m.cfg.Domains {
				if d.PO != po.ID {
					continue
				}
				if !domainFullyDone[d.Name] {
					poDomainsDone = false
					break
				}
			}
			if !poDomainsDone {
				continue
			}
			if err := m.sendPrepareShutdown(po.ID); err != nil {
				return err
			}
		}
	}

	// Tier 5: context monitors, once all POs (or there are none) and all
	// workers+auditors are done.
	posDone, err := m.notifiedAll(pos)
	if err != nil {
		return err
	}
	workersDone, err := m.notifiedAll(workers)
	if err != nil {
		return err
	}
	auditorsAllDone, err := m.notifiedAll(auditors)
	if err != nil {
		return err
	}
	tier5Ready := (len(pos) == 0 || posDone) && workersDone && auditorsAllDone
	if tier5Ready {
		for _, c := range contextMonitors {
			if err := m.sendPrepareShutdown(c.ID); err != nil {
				return err
			}
		}
	}

	// Tier 6: the orchestrator, once literally everyone else is done —
	// routed through the closeout hook if one is configured.
	contextDone, err := m.notifiedAll(contextMonitors)
	if err != nil {
		return err
	}
	orchestratorsDone, err := m.notifiedAll(orchestrators)
	if err != nil {
		return err
	}
	tier6Ready := tier5Ready && contextDone
	if tier6Ready && len(orchestrators) > 0 && !orchestratorsDone {
		if m.onCloseout != nil {
			return m.onCloseout()
		}
		for _, o := range orchestrators {
			if err := m.sendPrepareShutdown(o.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

// CompleteAndShutdown is the closeout manager's callback once its own
// flow finishes: it sends the orchestrator its prepare_shutdown and
// emits the terminal project_complete event.
func (m *Monitor) CompleteAndShutdown() error {
	all, err := m.registry.List()
	if err != nil {
		return err
	}
	for _, o := range activeAgents(all, types.RoleOrchestrator) {
		if err := m.sendPrepareShutdown(o.ID); err != nil {
			return err
		}
	}
	m.logEvent(types.EventAgentShutdown, m.cfg.OrchestratorID, map[string]interface{}{"action": "project_complete"})
	return nil
}

// Package handoff is the transactional manager for moving a source
// agent's tasks to a target agent: it validates every precondition
// before touching any state, then applies the transfer task-by-task
// with a full rollback on partial failure. Grounded on the teacher's
// internal/memory/review_board.go multi-party consensus/rollback
// shape, narrowed from many reviewers voting on one document to a
// two-party (source agent, target agent) transactional transfer.
package handoff

import (
	"fmt"
	"time"

	"github.com/seanfdz/commandpost/internal/cperr"
	"github.com/seanfdz/commandpost/internal/eventbus"
	"github.com/seanfdz/commandpost/internal/eventlog"
	"github.com/seanfdz/commandpost/internal/fsutil"
	"github.com/seanfdz/commandpost/internal/mailbox"
	"github.com/seanfdz/commandpost/internal/snapshot"
	"github.com/seanfdz/commandpost/internal/tasks"
	"github.com/seanfdz/commandpost/internal/types"
)

// Manager coordinates handoffs and persists its state to a single
// handoff-state file so it can resume after a crash.
type Manager struct {
	statePath string
	tasks     *tasks.Store
	snapshots *snapshot.Store
	mailbox   *mailbox.Store
	eventlog  *eventlog.Log
	bus       *eventbus.Bus
	state     map[string]*types.HandoffStatus // keyed by source agent
}

// New returns a Manager persisting to statePath (".../handoff-state.json").
func New(statePath string, taskStore *tasks.Store, snapshots *snapshot.Store, mb *mailbox.Store, elog *eventlog.Log, bus *eventbus.Bus) *Manager {
	return &Manager{
		statePath: statePath,
		tasks:     taskStore,
		snapshots: snapshots,
		mailbox:   mb,
		eventlog:  elog,
		bus:       bus,
		state:     make(map[string]*types.HandoffStatus),
	}
}

// ValidationResult is the precondition check's verdict.
type ValidationResult struct {
	Valid  bool
	Errors []string
}

// validatePreconditions checks every precondition in §4.7 without
// mutating any state.
func (m *Manager) validatePreconditions(source, target string, taskIDs []string) ValidationResult {
	var errs []string

	if source == target {
		errs = append(errs, "source and target must differ")
	}
	if existing, ok := m.state[target]; ok && existing.Phase == types.HandoffInitiated && existing.TargetAgent == source {
		errs = append(errs, fmt.Sprintf("circular handoff: %s already has a pending handoff to %s", target, source))
	}

	targetLatest, err := m.snapshots.GetLatest(target)
	if err != nil || targetLatest == nil {
		errs = append(errs, fmt.Sprintf("target %s has no snapshot", target))
	} else if ms, ok := snapshot.DecodeMachine(targetLatest); ok && ms.ContextUsage.Percentage >= 0.80 {
		errs = append(errs, fmt.Sprintf("target %s context usage >= 80%%", target))
	}

	if len(taskIDs) == 0 {
		errs = append(errs, "task list must not be empty")
	}
	transferable := map[types.TaskStatus]bool{
		types.TaskAssigned:    true,
		types.TaskInProgress:  true,
		types.TaskPending:     true,
		types.TaskBlocked:     true,
	}
	for _, id := range taskIDs {
		task, err := m.tasks.Get(id)
		if err != nil {
			errs = append(errs, fmt.Sprintf("task %s does not exist", id))
			continue
		}
		if !transferable[task.Status] {
			errs = append(errs, fmt.Sprintf("task %s is in non-transferable status %s", id, task.Status))
		}
	}

	sourceLatest, err := m.snapshots.GetLatest(source)
	if err != nil || sourceLatest == nil {
		errs = append(errs, fmt.Sprintf("source %s has no valid latest snapshot", source))
	}

	return ValidationResult{Valid: len(errs) == 0, Errors: errs}
}

// Initiate validates preconditions and, if they hold, records a new
// handoff in the `initiated` phase. On failure it emits handoff_failed
// and changes no other state.
func (m *Manager) Initiate(source, target string, taskIDs []string) (*types.HandoffStatus, error) {
	check := m.validatePreconditions(source, target, taskIDs)
	if !check.Valid {
		m.emitFailed(source, target, check.Errors)
		return nil, cperr.Validation("handoff preconditions failed: %v", check.Errors)
	}

	status := &types.HandoffStatus{
		SourceAgent:     source,
		TargetAgent:     target,
		TasksToTransfer: taskIDs,
		Phase:           types.HandoffInitiated,
		InitiatedAt:     time.Now().UTC(),
	}
	m.state[source] = status
	if err := m.SaveState(); err != nil {
		return nil, err
	}
	return status, nil
}

// Complete applies the transfer task-by-task, rolling back every
// already-updated task on the first failure.
func (m *Manager) Complete(source, target string, taskIDs []string) error {
	status, ok := m.state[source]
	if !ok {
		return cperr.NotFound("no handoff initiated for %s", source)
	}

	now := time.Now().UTC()
	var updated []string
	for _, id := range taskIDs {
		note := fmt.Sprintf("Handoff from %s at %s", source, now.Format(time.RFC3339))
		err := m.tasks.Reassign(id, target, note)
		if err != nil {
			m.rollback(updated, source)
			status.Phase = types.HandoffFailed
			m.SaveState()
			m.emitFailed(source, target, []string{fmt.Sprintf("task %s update failed: %v", id, err)})
			return cperr.Consistency("handoff task update failed for %s, rolled back %d tasks: %v", id, len(updated), err)
		}
		updated = append(updated, id)
	}

	status.Phase = types.HandoffInProgress
	latest, err := m.snapshots.GetLatest(source)
	if err == nil && latest != nil && m.mailbox != nil {
		body := map[string]interface{}{"snapshot": latest}
		// memory_handoff is sent as the source agent relinquishing its own
		// context, not as the orchestrator acting on its behalf — the
		// permission matrix grants that message type to worker/specialist,
		// not orchestrator.
		_, sendErr := m.mailbox.Send(&types.Message{
			From: source, To: target, Type: types.MsgMemoryHandoff,
			Priority: types.PriorityHigh, Body: body,
		}, mailbox.SendOptions{SenderRole: types.RoleWorker, KnownAgents: nil})
		if sendErr != nil {
			m.logEvent(types.EventErrorOccurred, source, map[string]interface{}{
				"message": fmt.Sprintf("failed to deliver memory_handoff message: %v", sendErr),
			})
		}
	}

	status.Phase = types.HandoffCompleted
	completedAt := time.Now().UTC()
	status.CompletedAt = &completedAt
	if err := m.SaveState(); err != nil {
		return err
	}
	m.logEvent(types.EventHandoffCompleted, target, map[string]interface{}{
		"source_agent": source, "target_agent": target, "task_ids": taskIDs,
	})
	return nil
}

func (m *Manager) rollback(updatedIDs []string, source string) {
	for _, id := range updatedIDs {
		note := fmt.Sprintf("Handoff rolled back, reassigned to %s", source)
		if err := m.tasks.Reassign(id, source, note); err != nil {
			m.logEvent(types.EventErrorOccurred, source, map[string]interface{}{
				"message": fmt.Sprintf("rollback failed for task %s: %v", id, err),
			})
		}
	}
}

// Cancel flips an `initiated` handoff to `cancelled`. Only valid from
// `initiated` — a handoff already in progress or completed cannot be
// cancelled.
func (m *Manager) Cancel(source string) error {
	status, ok := m.state[source]
	if !ok {
		return cperr.NotFound("no handoff for %s", source)
	}
	if status.Phase != types.HandoffInitiated {
		return cperr.Consistency("cannot cancel handoff in phase %s", status.Phase)
	}
	status.Phase = types.HandoffCancelled
	return m.SaveState()
}

// QueryHistory reads the durable event log for handoff-related events
// involving agent within [since, until].
func (m *Manager) QueryHistory(agent string, since, until time.Time) ([]*types.Event, error) {
	events, err := m.eventlog.Query(eventlog.Filters{AgentID: agent, Since: since, Until: until})
	if err != nil {
		return nil, err
	}
	var out []*types.Event
	for _, ev := range events {
		switch ev.EventType {
		case types.EventHandoffInitiated, types.EventHandoffCompleted, types.EventHandoffFailed:
			out = append(out, ev)
		}
	}
	return out, nil
}

// SaveState persists every tracked handoff to the on-disk state file.
func (m *Manager) SaveState() error {
	return fsutil.WriteJSONAtomic(m.statePath, m.state)
}

// LoadState restores tracked handoffs from the on-disk state file,
// letting the manager resume after a crash. Absence of the file is not
// an error: a fresh daemon simply starts with no in-flight handoffs.
func (m *Manager) LoadState() error {
	state := make(map[string]*types.HandoffStatus)
	if err := fsutil.ReadJSON(m.statePath, &state); err != nil {
		if cperr.Is(err, cperr.KindNotFound) {
			return nil
		}
		return err
	}
	m.state = state
	return nil
}

func (m *Manager) emitFailed(source, target string, errs []string) {
	m.logEvent(types.EventHandoffFailed, source, map[string]interface{}{
		"target_agent": target, "errors": errs,
	})
}

func (m *Manager) logEvent(eventType types.EventType, agentID string, data map[string]interface{}) {
	ev := &types.Event{EventType: eventType, AgentID: agentID, Data: data}
	if m.eventlog != nil {
		m.eventlog.Append(ev)
	}
	if m.bus != nil {
		m.bus.Publish(ev)
	}
}

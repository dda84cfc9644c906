// Package replacement runs the Memory Snapshot Protocol: the state
// machine that takes an agent approaching its context limit, extracts
// a snapshot of its work, scores it, and hands its tasks off to a
// freshly spawned replacement before the original is shut down.
// Grounded on the teacher's captain.CaptainSupervisor — a mutex-guarded
// struct tracking one long-lived process's status, crash/respawn
// counters and a respawn-window cutoff — adapted from "restart a
// crashed captain process" to "replace a context-exhausted agent."
package replacement

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/seanfdz/commandpost/internal/config"
	"github.com/seanfdz/commandpost/internal/cperr"
	"github.com/seanfdz/commandpost/internal/eventbus"
	"github.com/seanfdz/commandpost/internal/eventlog"
	"github.com/seanfdz/commandpost/internal/fsutil"
	"github.com/seanfdz/commandpost/internal/handoff"
	"github.com/seanfdz/commandpost/internal/mailbox"
	"github.com/seanfdz/commandpost/internal/quality"
	"github.com/seanfdz/commandpost/internal/registry"
	"github.com/seanfdz/commandpost/internal/snapshot"
	"github.com/seanfdz/commandpost/internal/types"
)

// instructionsPath is where an agent's INSTRUCTIONS.md lives, rooted at
// the project's working directory convention: <project_root>/<agent-id>/INSTRUCTIONS.md.
func instructionsPath(projectRoot, agentID string) string {
	return filepath.Join(projectRoot, agentID, "INSTRUCTIONS.md")
}

// spawnRequestPath is where a durable spawn-request artifact is written
// for the external session launcher to consume.
func spawnRequestPath(projectRoot, requestID string) string {
	return filepath.Join(projectRoot, ".command-post", "spawn-queue", requestID+".json")
}

// completedFlowPath is where a finished replacement flow is archived,
// win or lose.
func completedFlowPath(completedDir, flowID string) string {
	return filepath.Join(completedDir, flowID+".json")
}

// daemonAgentID is the pseudo-sender for lifecycle commands the
// coordinator itself originates, rather than another agent.
const daemonAgentID = "command-post"

// SpawnExecutor launches a prepared replacement, given the spawn-request
// it should act on. A nil executor is valid: the durable request file
// is then the only artifact, consumed later by an external launcher.
type SpawnExecutor interface {
	Spawn(req *types.SpawnRequest) error
}

// Coordinator runs one Memory Snapshot Protocol flow per agent at a
// time, guarded by is_replacement_active.
type Coordinator struct {
	mu sync.Mutex

	cfg        *config.Config
	registry   *registry.Registry
	snapshots  *snapshot.Store
	handoffs   *handoff.Manager
	mailboxes  *mailbox.Store
	eventlog   *eventlog.Log
	bus        *eventbus.Bus
	spawner    SpawnExecutor
	completedDir string

	flows map[string]*types.ReplacementFlow // keyed by agent id
	logger *log.Logger
}

// New returns a Coordinator. completedDir is where flows are archived
// once they leave the active map, win or lose.
func New(cfg *config.Config, reg *registry.Registry, snaps *snapshot.Store, ho *handoff.Manager, mb *mailbox.Store, elog *eventlog.Log, bus *eventbus.Bus, spawner SpawnExecutor, completedDir string) *Coordinator {
	return &Coordinator{
		cfg:          cfg,
		registry:     reg,
		snapshots:    snaps,
		handoffs:     ho,
		mailboxes:    mb,
		eventlog:     elog,
		bus:          bus,
		spawner:      spawner,
		completedDir: completedDir,
		flows:        make(map[string]*types.ReplacementFlow),
		logger:       log.New(os.Stdout, "[REPLACEMENT] ", log.LstdFlags),
	}
}

// HasPendingFlow reports whether agentID already has an active flow,
// satisfying the is_replacement_active guard and contextmon's
// SnapshotRequester interface.
func (c *Coordinator) HasPendingFlow(agentID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.flows[agentID]
	return ok
}

// RequestSnapshot is step 1: deposit the write_memory_snapshot command
// into the doomed agent's inbox, notify the orchestrator, and record
// the flow. No-op (returns nil) if a flow is already pending.
func (c *Coordinator) RequestSnapshot(agentID, reason string) error {
	c.mu.Lock()
	if _, exists := c.flows[agentID]; exists {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	entry, err := c.registry.Get(agentID)
	if err != nil {
		return err
	}

	flow := &types.ReplacementFlow{
		FlowID:          "flow-" + uuid.NewString(),
		AgentID:         agentID,
		Phase:           types.PhaseSnapshotRequested,
		Reason:          reason,
		Role:            entry.Role,
		Domain:          entry.Domain,
		RequestedAt:     time.Now().UTC(),
		LastRequestedAt: time.Now().UTC(),
	}
	if entry.TaskID != "" {
		flow.TaskIDs = []string{entry.TaskID}
	}

	if err := c.sendSnapshotRequest(flow); err != nil {
		return err
	}

	c.mu.Lock()
	c.flows[agentID] = flow
	c.mu.Unlock()

	c.logEvent(types.EventErrorOccurred, agentID, map[string]interface{}{
		"message": fmt.Sprintf("requested memory snapshot: %s", reason),
		"flow_id": flow.FlowID,
	})
	return nil
}

func (c *Coordinator) sendSnapshotRequest(flow *types.ReplacementFlow) error {
	body := map[string]interface{}{
		"command":  "write_memory_snapshot",
		"reason":   flow.Reason,
		"deadline": "complete_current_atomic_operation",
		"flow_id":  flow.FlowID,
	}
	if _, err := c.mailboxes.Send(&types.Message{
		From: daemonAgentID, To: flow.AgentID, Type: types.MsgLifecycleCommand,
		Priority: types.PriorityCritical, Body: body,
	}, mailbox.SendOptions{SenderRole: types.RoleContextMonitor}); err != nil {
		return err
	}

	if c.cfg.OrchestratorID != "" && c.cfg.OrchestratorID != flow.AgentID {
		note := map[string]interface{}{
			"command": "write_memory_snapshot",
			"message": fmt.Sprintf("requested memory snapshot from %s: %s", flow.AgentID, flow.Reason),
			"flow_id": flow.FlowID,
		}
		if _, err := c.mailboxes.Send(&types.Message{
			From: daemonAgentID, To: c.cfg.OrchestratorID, Type: types.MsgLifecycleCommand,
			Priority: types.PriorityNormal, Body: note,
		}, mailbox.SendOptions{SenderRole: types.RoleContextMonitor}); err != nil {
			c.logger.Printf("notify orchestrator failed: %v", err)
		}
	}
	return nil
}

// ProcessSnapshot is step 2: read the agent's latest snapshot and move
// the flow to snapshot_received, then immediately validate it.
func (c *Coordinator) ProcessSnapshot(agentID string) error {
	c.mu.Lock()
	flow, ok := c.flows[agentID]
	c.mu.Unlock()
	if !ok {
		return cperr.NotFound("no pending replacement flow for %s", agentID)
	}

	rec, err := c.snapshots.GetLatest(agentID)
	if err != nil || rec == nil {
		return c.fail(flow, "no snapshot available")
	}

	c.mu.Lock()
	flow.Phase = types.PhaseSnapshotReceived
	c.mu.Unlock()

	return c.validate(flow, rec)
}

// validate is step 3: score the snapshot and either advance, retry, or
// force a handoff once retries are exhausted.
func (c *Coordinator) validate(flow *types.ReplacementFlow, rec *snapshot.Record) error {
	var result *types.QualityResult
	if prd, ok := snapshot.DecodePRD(rec); ok {
		result = quality.ValidatePRD(prd, nil)
	} else if ms, ok := snapshot.DecodeMachine(rec); ok {
		result = quality.ValidateMachine(ms)
	} else {
		return c.fail(flow, "snapshot has neither a PRD nor a machine body")
	}

	c.mu.Lock()
	flow.QualityResult = result
	c.mu.Unlock()

	if result.Score >= c.cfg.MinQualityScore {
		c.mu.Lock()
		flow.Phase = types.PhaseSnapshotValidated
		c.mu.Unlock()
		return c.prepareAndSpawn(flow, false)
	}

	c.mu.Lock()
	flow.RetryCount++
	if result.Score > flow.BestQualityScore {
		flow.BestQualityScore = result.Score
	}
	exhausted := flow.RetryCount >= c.cfg.MaxSnapshotRetries
	c.mu.Unlock()

	if exhausted {
		c.logger.Printf("force-handoff for %s after %d failed snapshot attempts", flow.AgentID, flow.RetryCount)
		c.mu.Lock()
		flow.Phase = types.PhaseSnapshotValidated
		c.mu.Unlock()
		return c.prepareAndSpawn(flow, true)
	}

	return c.retryRequest(flow, result)
}

func (c *Coordinator) retryRequest(flow *types.ReplacementFlow, result *types.QualityResult) error {
	var failed []string
	for _, f := range result.Findings {
		if !f.Passed {
			failed = append(failed, f.Check)
		}
	}
	body := map[string]interface{}{
		"command":      "write_memory_snapshot",
		"reason":       "snapshot quality below threshold, retry " + fmt.Sprint(flow.RetryCount),
		"deadline":     "complete_current_atomic_operation",
		"flow_id":      flow.FlowID,
		"failed_checks": failed,
	}
	if _, err := c.mailboxes.Send(&types.Message{
		From: daemonAgentID, To: flow.AgentID, Type: types.MsgLifecycleCommand,
		Priority: types.PriorityCritical, Body: body,
	}, mailbox.SendOptions{SenderRole: types.RoleContextMonitor}); err != nil {
		return err
	}

	c.mu.Lock()
	flow.Phase = types.PhaseSnapshotRequested
	flow.LastRequestedAt = time.Now().UTC()
	c.mu.Unlock()
	return nil
}

var priorSuffix = regexp.MustCompile(`-r\d+$`)

func replacementID(original string, handoffNumber int) string {
	base := priorSuffix.ReplaceAllString(original, "")
	return fmt.Sprintf("%s-r%d", base, handoffNumber)
}

// prepareAndSpawn is step 4: run the handoff, prepare the replacement's
// working directory and instructions, deposit a memory_handoff into
// its inbox, write the durable spawn request, optionally invoke the
// spawn executor, and tell the original agent to shut down.
func (c *Coordinator) prepareAndSpawn(flow *types.ReplacementFlow, forced bool) error {
	source := flow.AgentID

	entry, err := c.registry.Get(source)
	if err != nil {
		return c.fail(flow, fmt.Sprintf("source agent lookup failed: %v", err))
	}

	handoffNumber := entry.HandoffCount + 1
	replacementAgentID := replacementID(source, handoffNumber)

	// The replacement does not exist in the registry yet, so it carries
	// no snapshot of its own; seed a fresh, near-zero-usage one so the
	// handoff manager's target-snapshot precondition holds — a freshly
	// spawned agent's starting context usage really is ~0.
	if _, err := c.snapshots.Create(replacementAgentID, &types.MemorySnapshot{
		AgentID:      replacementAgentID,
		SnapshotID:   "snap-" + uuid.NewString(),
		ContextUsage: types.ContextUsage{Tokens: 0, Percentage: 0, Max: c.cfg.MaxContextTokens},
		TaskStatus:   "pending",
	}, nil); err != nil {
		return c.fail(flow, fmt.Sprintf("seed replacement snapshot failed: %v", err))
	}

	// An agent with no assigned task has nothing for the handoff manager
	// to transfer; skip straight to spawning the replacement.
	hasTasks := len(flow.TaskIDs) > 0
	if hasTasks {
		if _, err := c.handoffs.Initiate(source, replacementAgentID, flow.TaskIDs); err != nil {
			return c.fail(flow, fmt.Sprintf("initiate_handoff failed: %v", err))
		}
	}

	instructions, err := c.prepareInstructions(flow, replacementAgentID, handoffNumber)
	if err != nil {
		return c.fail(flow, fmt.Sprintf("prepare instructions failed: %v", err))
	}

	rec, _ := c.snapshots.GetLatest(source)
	if _, err := c.mailboxes.Send(&types.Message{
		From: source, To: replacementAgentID, Type: types.MsgMemoryHandoff,
		Priority: types.PriorityHigh,
		Body: map[string]interface{}{
			"event":      "replacement_initialized",
			"source":     source,
			"snapshot":   rec,
			"handoff_number": handoffNumber,
		},
	}, mailbox.SendOptions{SenderRole: roleForSend(flow.Role)}); err != nil {
		c.logger.Printf("deposit memory_handoff into %s failed: %v", replacementAgentID, err)
	}

	if hasTasks {
		if err := c.handoffs.Complete(source, replacementAgentID, flow.TaskIDs); err != nil {
			return c.fail(flow, fmt.Sprintf("complete_handoff failed: %v", err))
		}
	}

	req := &types.SpawnRequest{
		RequestID:            "spawnreq-" + uuid.NewString(),
		ReplacementAgentID:   replacementAgentID,
		OriginalAgentID:      source,
		InstructionsPath:     instructionsPath(c.cfg.ProjectRoot, replacementAgentID),
		PreparedInstructions: instructions,
		TaskIDs:              flow.TaskIDs,
		Role:                 flow.Role,
		Domain:               flow.Domain,
		HandoffNumber:        handoffNumber,
		ProjectPath:          c.cfg.ProjectRoot,
		Timestamp:            time.Now().UTC(),
	}
	if rec != nil {
		if ms, ok := snapshot.DecodeMachine(rec); ok {
			req.Snapshot = ms
		}
	}

	reqPath := spawnRequestPath(c.cfg.ProjectRoot, req.RequestID)
	if err := fsutil.WriteJSONAtomic(reqPath, req); err != nil {
		return c.fail(flow, fmt.Sprintf("write spawn request failed: %v", err))
	}

	if c.spawner != nil {
		if err := c.spawner.Spawn(req); err != nil {
			return c.fail(flow, fmt.Sprintf("spawn executor failed: %v", err))
		}
	}

	c.mu.Lock()
	flow.ReplacementID = replacementAgentID
	flow.Phase = types.PhaseReplacementSpawned
	c.mu.Unlock()

	if err := c.shutdownOriginal(flow, replacementAgentID, forced); err != nil {
		return c.fail(flow, fmt.Sprintf("prepare_shutdown failed: %v", err))
	}

	c.mu.Lock()
	flow.Phase = types.PhaseCompleted
	c.mu.Unlock()

	c.logEvent(types.EventMemorySnapshotCreated, replacementAgentID, map[string]interface{}{
		"source_agent": source, "forced": forced, "handoff_number": handoffNumber,
	})
	c.archive(flow)
	return nil
}

// roleForSend picks a role the mailbox permission matrix grants
// memory_handoff to, defaulting to worker when the flow's recorded role
// (e.g. orchestrator, audit) is not one of them.
func roleForSend(role types.Role) types.Role {
	if role == types.RoleWorker || role == types.RoleSpecialist {
		return role
	}
	return types.RoleWorker
}

func (c *Coordinator) prepareInstructions(flow *types.ReplacementFlow, replacementAgentID string, handoffNumber int) (string, error) {
	sourcePath := instructionsPath(c.cfg.ProjectRoot, flow.AgentID)
	original, err := os.ReadFile(sourcePath)
	if err != nil && !os.IsNotExist(err) {
		return "", cperr.FileSystem(err, "read %s", sourcePath)
	}

	section := renderHandoffSection(flow, handoffNumber)
	combined := section + "\n" + string(original)

	destPath := instructionsPath(c.cfg.ProjectRoot, replacementAgentID)
	if err := fsutil.WriteTextAtomic(destPath, combined); err != nil {
		return "", err
	}
	return combined, nil
}

func renderHandoffSection(flow *types.ReplacementFlow, handoffNumber int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Memory Handoff Context (Handoff #%d)\n\n", handoffNumber)

	if flow.QualityResult != nil {
		fmt.Fprintf(&b, "Snapshot quality score: %.2f\n\n", flow.QualityResult.Score)
	}
	fmt.Fprintf(&b, "Reason for handoff: %s\n\n", flow.Reason)
	if len(flow.TaskIDs) > 0 {
		fmt.Fprintf(&b, "Tasks transferred: %s\n\n", strings.Join(flow.TaskIDs, ", "))
	}
	return b.String()
}

func (c *Coordinator) shutdownOriginal(flow *types.ReplacementFlow, replacementAgentID string, forced bool) error {
	body := map[string]interface{}{
		"command":               "prepare_shutdown",
		"replacement_agent_id":  replacementAgentID,
	}
	if _, err := c.mailboxes.Send(&types.Message{
		From: daemonAgentID, To: flow.AgentID, Type: types.MsgLifecycleCommand,
		Priority: types.PriorityHigh, Body: body,
	}, mailbox.SendOptions{SenderRole: types.RoleContextMonitor}); err != nil {
		return err
	}

	if c.cfg.OrchestratorID == "" {
		return nil
	}
	if forced {
		_, err := c.mailboxes.Send(&types.Message{
			From: daemonAgentID, To: c.cfg.OrchestratorID, Type: types.MsgTaskUpdate,
			Priority: types.PriorityHigh,
			Body: map[string]interface{}{
				"agent_id": flow.AgentID, "replacement_agent_id": replacementAgentID, "forced": true,
			},
		}, mailbox.SendOptions{SenderRole: types.RoleContextMonitor})
		return err
	}
	_, err := c.mailboxes.Send(&types.Message{
		From: daemonAgentID, To: c.cfg.OrchestratorID, Type: types.MsgLifecycleCommand,
		Priority: types.PriorityNormal,
		Body: map[string]interface{}{
			"command": "prepare_shutdown", "agent_id": flow.AgentID, "replacement_agent_id": replacementAgentID,
		},
	}, mailbox.SendOptions{SenderRole: types.RoleContextMonitor})
	return err
}

// fail transitions flow to failed, emits handoff_failed and a critical
// escalation to the orchestrator, and archives the flow regardless.
func (c *Coordinator) fail(flow *types.ReplacementFlow, reason string) error {
	c.mu.Lock()
	flow.Phase = types.PhaseFailed
	flow.FailureReason = reason
	c.mu.Unlock()

	c.logEvent(types.EventHandoffFailed, flow.AgentID, map[string]interface{}{
		"flow_id": flow.FlowID, "reason": reason,
	})

	if c.cfg.OrchestratorID != "" {
		if _, err := c.mailboxes.Send(&types.Message{
			From: daemonAgentID, To: c.cfg.OrchestratorID, Type: types.MsgEscalation,
			Priority: types.PriorityCritical,
			Body: map[string]interface{}{
				"agent_id": flow.AgentID, "flow_id": flow.FlowID, "reason": reason,
			},
		}, mailbox.SendOptions{SenderRole: types.RoleContextMonitor}); err != nil {
			c.logger.Printf("escalation send failed: %v", err)
		}
	}

	c.archive(flow)
	return cperr.Consistency("replacement flow %s failed: %s", flow.FlowID, reason)
}

// archive removes flow from the active map and writes it to
// completedDir regardless of how it ended.
func (c *Coordinator) archive(flow *types.ReplacementFlow) {
	c.mu.Lock()
	delete(c.flows, flow.AgentID)
	c.mu.Unlock()

	if c.completedDir == "" {
		return
	}
	path := completedFlowPath(c.completedDir, flow.FlowID)
	if err := fsutil.WriteJSONAtomic(path, flow); err != nil {
		c.logger.Printf("archive flow %s failed: %v", flow.FlowID, err)
	}
}

// ReissueTimedOutRequests is step 5 of the polling loop: any
// snapshot_requested flow older than timeout gets its request re-sent.
func (c *Coordinator) ReissueTimedOutRequests(timeout time.Duration) error {
	c.mu.Lock()
	var stale []*types.ReplacementFlow
	now := time.Now().UTC()
	for _, flow := range c.flows {
		if flow.Phase == types.PhaseSnapshotRequested && now.Sub(flow.LastRequestedAt) >= timeout {
			stale = append(stale, flow)
		}
	}
	c.mu.Unlock()

	for _, flow := range stale {
		if err := c.sendSnapshotRequest(flow); err != nil {
			c.logger.Printf("reissue snapshot request for %s failed: %v", flow.AgentID, err)
			continue
		}
		c.mu.Lock()
		flow.LastRequestedAt = time.Now().UTC()
		c.mu.Unlock()
	}
	return nil
}

func (c *Coordinator) logEvent(eventType types.EventType, agentID string, data map[string]interface{}) {
	ev := &types.Event{EventType: eventType, AgentID: agentID, Data: data}
	if c.eventlog != nil {
		c.eventlog.Append(ev)
	}
	if c.bus != nil {
		c.bus.Publish(ev)
	}
}

// Package types defines the data model shared by every Command Post
// component: messages, agent registry entries, tasks, snapshots,
// findings, spawn-queue entries and handoff/replacement flow records.
package types

import (
	"time"
)

// MessageType enumerates the kinds of payload a mailbox message can carry.
type MessageType string

const (
	MsgTaskAssignment         MessageType = "task_assignment"
	MsgTaskUpdate             MessageType = "task_update"
	MsgAuditReport            MessageType = "audit_report"
	MsgFeedback               MessageType = "feedback"
	MsgPeerMessage            MessageType = "peer_message"
	MsgLifecycleCommand       MessageType = "lifecycle_command"
	MsgMemoryHandoff          MessageType = "memory_handoff"
	MsgEscalation             MessageType = "escalation"
	MsgHumanApprovalRequest   MessageType = "human_approval_request"
	MsgHumanApprovalResponse  MessageType = "human_approval_response"
)

// Priority is the urgency of a Message.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Role is the supervisory role of an agent, used to enforce the
// role-to-message-type send matrix and the shutdown cascade tiers.
type Role string

const (
	RoleOrchestrator   Role = "orchestrator"
	RolePO             Role = "po"
	RoleCoordinator    Role = "coordinator"
	RoleWorker         Role = "worker"
	RoleSpecialist     Role = "specialist"
	RoleAudit          Role = "audit"
	RoleSecurity       Role = "security"
	RoleContextMonitor Role = "context-monitor"
)

// Message is one envelope in an agent's mailbox.
type Message struct {
	ID        string                 `json:"id"`
	From      string                 `json:"from"`
	To        string                 `json:"to"`
	Timestamp time.Time              `json:"timestamp"`
	Type      MessageType            `json:"type"`
	Priority  Priority               `json:"priority"`
	Body      map[string]interface{} `json:"body"`
	Read      bool                   `json:"read"`
	CC        []string               `json:"cc,omitempty"`
}

// Inbox is the on-disk shape of messages/<agent-id>.json.
type Inbox struct {
	Messages []*Message `json:"messages"`
}

// EventType enumerates the event_type discriminant of the durable event log.
type EventType string

const (
	EventAgentSpawned           EventType = "agent_spawned"
	EventAgentShutdown          EventType = "agent_shutdown"
	EventTaskCreated            EventType = "task_created"
	EventTaskUpdated            EventType = "task_updated"
	EventAuditCompleted         EventType = "audit_completed"
	EventMemorySnapshotCreated  EventType = "memory_snapshot_created"
	EventContextSnapshotCreated EventType = "context_snapshot_created"
	EventHandoffInitiated       EventType = "handoff_initiated"
	EventHandoffCompleted       EventType = "handoff_completed"
	EventHandoffFailed          EventType = "handoff_failed"
	EventApprovalRequested      EventType = "approval_requested"
	EventApprovalResolved       EventType = "approval_resolved"
	EventErrorOccurred          EventType = "error_occurred"
	EventContextMetric          EventType = "context_metric"
)

// Event is one append-only record in events/events.jsonl.
type Event struct {
	EventID   string                 `json:"event_id"`
	Timestamp time.Time              `json:"timestamp"`
	EventType EventType              `json:"event_type"`
	AgentID   string                 `json:"agent_id,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// AgentStatus is the liveness state of a registry entry.
type AgentStatus string

const (
	AgentActive   AgentStatus = "active"
	AgentPaused   AgentStatus = "paused"
	AgentDead     AgentStatus = "dead"
	AgentShutdown AgentStatus = "shutdown"
)

// AgentRegistryEntry is one agent's file, agent-registry/<id>.json.
type AgentRegistryEntry struct {
	ID             string      `json:"id"`
	TmuxSession    string      `json:"tmux_session"`
	Role           Role        `json:"role"`
	Domain         string      `json:"domain"`
	TaskID         string      `json:"task_id,omitempty"`
	TranscriptPath string      `json:"transcript_path,omitempty"`
	PID            int         `json:"pid"`
	Status         AgentStatus `json:"status"`
	LaunchedAt     time.Time   `json:"launched_at"`
	HandoffCount   int         `json:"handoff_count"`
}

// TaskStatus is a Task's place in the restricted transition graph.
type TaskStatus string

const (
	TaskPending        TaskStatus = "pending"
	TaskAssigned       TaskStatus = "assigned"
	TaskInProgress     TaskStatus = "in_progress"
	TaskBlocked        TaskStatus = "blocked"
	TaskReadyForReview TaskStatus = "ready_for_review"
	TaskNeedsRevision  TaskStatus = "needs_revision"
	TaskApproved       TaskStatus = "approved"
	TaskFailed         TaskStatus = "failed"
)

// TaskPlan is the ordered list of steps an agent works through.
type TaskPlan struct {
	Steps       []string `json:"steps"`
	CurrentStep int      `json:"current_step"`
}

// TaskAudit carries the latest audit outcome for a task.
type TaskAudit struct {
	ComplianceScore float64 `json:"compliance_score"`
}

// TaskContext tracks handoff depth and accumulated decisions for a task.
type TaskContext struct {
	HandoffCount int      `json:"handoff_count"`
	DecisionLog  []string `json:"decision_log,omitempty"`
}

// TaskTimestamps records lifecycle instants for a task.
type TaskTimestamps struct {
	CreatedAt   time.Time  `json:"created_at"`
	AssignedAt  *time.Time `json:"assigned_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Task is the unit of work tracked on the kanban.
type Task struct {
	ID           string         `json:"id"`
	Title        string         `json:"title"`
	Feature      string         `json:"feature"`
	Domain       string         `json:"domain"`
	AssignedTo   string         `json:"assigned_to"`
	AssignedBy   string         `json:"assigned_by"`
	Status       TaskStatus     `json:"status"`
	Plan         TaskPlan       `json:"plan"`
	Dependencies []string       `json:"dependencies,omitempty"`
	Audit        TaskAudit      `json:"audit"`
	Context      TaskContext    `json:"context"`
	Timestamps   TaskTimestamps `json:"timestamps"`
}

// transitionGraph is the restricted set of legal Task.Status transitions.
var transitionGraph = map[TaskStatus]map[TaskStatus]bool{
	TaskPending:        {TaskAssigned: true, TaskFailed: true},
	TaskAssigned:       {TaskInProgress: true, TaskBlocked: true, TaskFailed: true},
	TaskInProgress:     {TaskBlocked: true, TaskReadyForReview: true, TaskFailed: true},
	TaskBlocked:        {TaskInProgress: true, TaskFailed: true},
	TaskReadyForReview: {TaskApproved: true, TaskNeedsRevision: true, TaskFailed: true},
	TaskNeedsRevision:  {TaskInProgress: true, TaskFailed: true},
	TaskApproved:       {TaskInProgress: true}, // explicit reopen only
	TaskFailed:         {TaskInProgress: true}, // explicit reopen only
}

// CanTransition reports whether moving a task from `from` to `to` is legal.
func CanTransition(from, to TaskStatus) bool {
	if from == to {
		return true
	}
	allowed, ok := transitionGraph[from]
	if !ok {
		return false
	}
	return allowed[to]
}

// MemorySnapshot is the machine-format, write-once snapshot of an agent's
// working state, used to seed a replacement.
type MemorySnapshot struct {
	SnapshotID      string                 `json:"snapshot_id"`
	AgentID         string                 `json:"agent_id"`
	Timestamp       time.Time              `json:"timestamp"`
	ContextUsage    ContextUsage           `json:"context_usage"`
	DecisionLog     []string               `json:"decision_log"`
	TaskStatus      string                 `json:"task_status"`
	HandoffSignal   bool                   `json:"handoff_signal"`
	MemoryState     map[string]interface{} `json:"memory_state"`
	ModelPerformance map[string]interface{} `json:"model_performance"`
}

// ContextUsage is the token-budget reading attached to a snapshot.
type ContextUsage struct {
	Tokens     int64   `json:"tokens"`
	Percentage float64 `json:"percentage"`
	Max        int64   `json:"max"`
}

// Decision is one entry in a PRD snapshot's decision log.
type Decision struct {
	Decision  string `json:"decision"`
	Rationale string `json:"rationale,omitempty"`
	Impact    string `json:"impact,omitempty"`
}

// FilesState groups a PRD snapshot's file-level progress report.
type FilesState struct {
	Completed  []string `json:"completed,omitempty"`
	InProgress []string `json:"in_progress,omitempty"`
	NotStarted []string `json:"not_started,omitempty"`
}

// PRDSnapshotState is the "state" sub-object of a PRDSnapshot.
type PRDSnapshotState struct {
	CurrentStep        string  `json:"current_step"`
	ProgressSummary    string  `json:"progress_summary"`
	CompletionEstimate float64 `json:"completion_estimate"`
}

// PRDSnapshot is the rich, human-written variant a departing agent writes
// in response to a write_memory_snapshot lifecycle command.
type PRDSnapshot struct {
	AgentID                  string           `json:"agent_id"`
	TaskID                   string           `json:"task_id"`
	HandoffNumber            int              `json:"handoff_number"`
	ContextAtSnapshot        ContextUsage     `json:"context_at_snapshot"`
	State                    PRDSnapshotState `json:"state"`
	Decisions                []Decision       `json:"decisions"`
	Gotchas                  []string         `json:"gotchas"`
	FilesState               FilesState       `json:"files_state"`
	NextSteps                []string         `json:"next_steps"`
	DependenciesDiscovered   []string         `json:"dependencies_discovered"`
}

// FindingSeverity is how serious a Finding is.
type FindingSeverity string

const (
	SeverityInfo     FindingSeverity = "info"
	SeverityWarning  FindingSeverity = "warning"
	SeverityError    FindingSeverity = "error"
	SeverityCritical FindingSeverity = "critical"
)

// FindingStatus is a Finding's monotonic resolution state.
type FindingStatus string

const (
	FindingOpen       FindingStatus = "open"
	FindingInProgress FindingStatus = "in_progress"
	FindingResolved   FindingStatus = "resolved"
)

// Finding is a cross-cutting defect that can gate a domain's shutdown.
type Finding struct {
	ID             string          `json:"id"`
	Domain         string          `json:"domain"`
	SourceAgent    string          `json:"source_agent"`
	SourceRole     Role            `json:"source_role"`
	TaskID         string          `json:"task_id,omitempty"`
	Severity       FindingSeverity `json:"severity"`
	Category       string          `json:"category"`
	Description    string          `json:"description"`
	Recommendation string          `json:"recommendation"`
	Status         FindingStatus   `json:"status"`
	CreatedAt      time.Time       `json:"created_at"`
	ResolvedAt     *time.Time      `json:"resolved_at,omitempty"`
	ResolvedBy     string          `json:"resolved_by,omitempty"`
}

// IsBlocking reports whether this finding currently blocks its domain.
func (f *Finding) IsBlocking() bool {
	if f.Status == FindingResolved {
		return false
	}
	return f.Severity == SeverityError || f.Severity == SeverityCritical
}

// SpawnRole is a role the spawn queue is permitted to admit.
type SpawnRole string

const (
	SpawnRoleWorker SpawnRole = "worker"
	SpawnRoleAudit  SpawnRole = "audit"
)

// SpawnQueueStatus is a spawn-queue entry's admission state.
type SpawnQueueStatus string

const (
	SpawnPending        SpawnQueueStatus = "pending"
	SpawnDependencyWait SpawnQueueStatus = "dependency_wait"
	SpawnQueued         SpawnQueueStatus = "queued"
	SpawnSpawning       SpawnQueueStatus = "spawning"
	SpawnSpawned        SpawnQueueStatus = "spawned"
	SpawnRejected       SpawnQueueStatus = "rejected"
)

// SpawnQueueEntry is one persisted request for a new agent.
type SpawnQueueEntry struct {
	ID                       string           `json:"id"`
	RequestedBy              string           `json:"requested_by"`
	Domain                   string           `json:"domain"`
	Role                     SpawnRole        `json:"role"`
	Reason                   string           `json:"reason"`
	Status                   SpawnQueueStatus `json:"status"`
	TaskDependencies         []string         `json:"task_dependencies,omitempty"`
	DomainDependencies       []string         `json:"domain_dependencies,omitempty"`
	DomainDependencyThreshold float64         `json:"domain_dependency_threshold"`
	SuggestedFeatures        []string         `json:"suggested_features,omitempty"`
	CreatedAt                time.Time        `json:"created_at"`
	ResolvedAt               *time.Time       `json:"resolved_at,omitempty"`
	SpawnedAgentID           string           `json:"spawned_agent_id,omitempty"`
	RejectionReason          string           `json:"rejection_reason,omitempty"`
}

// HandoffPhase is the lifecycle state of a HandoffStatus record.
type HandoffPhase string

const (
	HandoffInitiated  HandoffPhase = "initiated"
	HandoffInProgress HandoffPhase = "in_progress"
	HandoffCompleted  HandoffPhase = "completed"
	HandoffFailed     HandoffPhase = "failed"
	HandoffCancelled  HandoffPhase = "cancelled"
)

// HandoffStatus is the handoff manager's record of one transfer.
type HandoffStatus struct {
	SourceAgent    string       `json:"source_agent"`
	TargetAgent    string       `json:"target_agent,omitempty"`
	TasksToTransfer []string    `json:"tasks_to_transfer"`
	Phase          HandoffPhase `json:"phase"`
	InitiatedAt    time.Time    `json:"initiated_at"`
	CompletedAt    *time.Time   `json:"completed_at,omitempty"`
}

// ReplacementPhase is the state-machine phase of a replacement flow.
type ReplacementPhase string

const (
	PhaseIdle                 ReplacementPhase = "idle"
	PhaseSnapshotRequested    ReplacementPhase = "snapshot_requested"
	PhaseSnapshotReceived     ReplacementPhase = "snapshot_received"
	PhaseSnapshotValidated    ReplacementPhase = "snapshot_validated"
	PhaseReplacementPrepared  ReplacementPhase = "replacement_prepared"
	PhaseReplacementSpawned   ReplacementPhase = "replacement_spawned"
	PhaseOriginalShutdown     ReplacementPhase = "original_shutdown"
	PhaseCompleted            ReplacementPhase = "completed"
	PhaseFailed               ReplacementPhase = "failed"
)

// QualityResult is the output of the snapshot quality validator.
type QualityResult struct {
	Valid   bool              `json:"valid"`
	Score   float64           `json:"score"`
	Findings []QualityFinding `json:"findings"`
	Passed  int               `json:"passed"`
	Total   int               `json:"total"`
}

// QualityFinding is one checklist item's outcome.
type QualityFinding struct {
	Check    string          `json:"check"`
	Passed   bool            `json:"passed"`
	Severity FindingSeverity `json:"severity"`
	Message  string          `json:"message"`
}

// ReplacementFlow is one instance of the Memory Snapshot Protocol.
type ReplacementFlow struct {
	FlowID            string           `json:"flow_id"`
	AgentID           string           `json:"agent_id"`
	ReplacementID     string           `json:"replacement_id,omitempty"`
	Phase             ReplacementPhase `json:"phase"`
	Reason            string           `json:"reason"`
	ContextUsage      ContextUsage     `json:"context_usage"`
	QualityResult     *QualityResult   `json:"quality_result,omitempty"`
	RetryCount        int              `json:"retry_count"`
	BestQualityScore  float64          `json:"best_quality_score"`
	Role              Role             `json:"role,omitempty"`
	Domain            string           `json:"domain,omitempty"`
	TaskIDs           []string         `json:"task_ids,omitempty"`
	RequestedAt       time.Time        `json:"requested_at"`
	LastRequestedAt   time.Time        `json:"last_requested_at"`
	FailureReason     string           `json:"failure_reason,omitempty"`
}

// SpawnRequest is the durable artifact consumed by the session launcher.
type SpawnRequest struct {
	RequestID            string         `json:"request_id"`
	ReplacementAgentID    string         `json:"replacement_agent_id"`
	OriginalAgentID       string         `json:"original_agent_id,omitempty"`
	InstructionsPath      string         `json:"instructions_path"`
	PreparedInstructions  string         `json:"prepared_instructions"`
	Snapshot              *MemorySnapshot `json:"snapshot,omitempty"`
	TaskIDs               []string       `json:"task_ids,omitempty"`
	Role                  Role           `json:"role"`
	Domain                string         `json:"domain"`
	HandoffNumber         int            `json:"handoff_number"`
	ProjectPath           string         `json:"project_path"`
	Timestamp             time.Time      `json:"timestamp"`
}

// Zone is the context-usage bucket derived from a usage percentage.
type Zone string

const (
	ZoneGreen  Zone = "green"
	ZoneYellow Zone = "yellow"
	ZoneRed    Zone = "red"
)

// ClassifyZone buckets a usage fraction given the warning/critical cutoffs.
func ClassifyZone(percentage, warning, critical float64) Zone {
	switch {
	case percentage >= critical:
		return ZoneRed
	case percentage >= warning:
		return ZoneYellow
	default:
		return ZoneGreen
	}
}

// ValidRoles returns every Role this build recognizes; used to validate team topology configuration at load time.
func ValidRoles() []Role {
	return []Role{
		RoleOrchestrator, RolePO, RoleCoordinator, RoleWorker,
		RoleSpecialist, RoleAudit, RoleSecurity, RoleContextMonitor,
	}
}

func (r Role) String() string { return string(r) }

// IsKnown reports whether r is one of the roles the cascade understands.
func (r Role) IsKnown() bool {
	for _, v := range ValidRoles() {
		if v == r {
			return true
		}
	}
	return false
}

package nats

// Subject pattern constants for the live event-fanout layer. The JSONL
// event log remains the durable source of truth; these subjects only
// carry a best-effort live mirror of what was just appended there.
const (
	// SubjectEvents is where every appended Event is mirrored.
	SubjectEvents = "commandpost.events"

	// SubjectAgentStatus is the pattern for one agent's status changes.
	// Use fmt.Sprintf(SubjectAgentStatus, agentID).
	SubjectAgentStatus = "commandpost.agent.%s.status"

	// SubjectAllAgentStatus subscribes to every agent's status changes.
	SubjectAllAgentStatus = "commandpost.agent.*.status"

	// SubjectFindings is where finding registration/resolution is mirrored.
	SubjectFindings = "commandpost.findings"

	// SubjectCascade carries tier-transition and prepare_shutdown events.
	SubjectCascade = "commandpost.cascade"

	// SubjectEscalation mirrors every critical-priority escalation.
	SubjectEscalation = "commandpost.escalation"
)

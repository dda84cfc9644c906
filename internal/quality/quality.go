// Package quality is the snapshot quality validator: a fixed checklist
// per snapshot format, each check weighted by severity, producing a
// score in [0,1] and a pass/fail verdict gated only on the error-level
// checks. Grounded on the teacher's supervisor.ValidateReport — a flat
// sequence of field-presence checks against a parsed report — widened
// from "return the first failure" into "run every check and weight the
// outcomes" per the richer scoring the spec calls for.
package quality

import (
	"github.com/seanfdz/commandpost/internal/types"
)

const (
	weightError   = 3
	weightWarning = 2
	weightInfo    = 1
)

func weightFor(sev types.FindingSeverity) int {
	switch sev {
	case types.SeverityError:
		return weightError
	case types.SeverityWarning:
		return weightWarning
	default:
		return weightInfo
	}
}

type check struct {
	name     string
	severity types.FindingSeverity
	ok       bool
	message  string
}

func score(checks []check) *types.QualityResult {
	result := &types.QualityResult{Total: len(checks)}
	var weightedEarned, weightedTotal int
	valid := true

	for _, c := range checks {
		w := weightFor(c.severity)
		weightedTotal += w
		if c.ok {
			weightedEarned += w
			result.Passed++
		} else if c.severity == types.SeverityError {
			valid = false
		}
		result.Findings = append(result.Findings, types.QualityFinding{
			Check:    c.name,
			Passed:   c.ok,
			Severity: c.severity,
			Message:  c.message,
		})
	}

	result.Valid = valid
	if weightedTotal > 0 {
		result.Score = float64(weightedEarned) / float64(weightedTotal)
	}
	return result
}

// ValidatePRD runs the 11 weighted checks for a human-written PRD
// snapshot. taskModifiedFiles is the task's own record of files
// touched, used for the files-state cross-reference check; nil or
// empty disables that check (treated as passing, since there is
// nothing to cross-reference against).
func ValidatePRD(snap *types.PRDSnapshot, taskModifiedFiles []string) *types.QualityResult {
	checks := []check{
		{
			name:     "identification_fields",
			severity: types.SeverityError,
			ok:       snap.AgentID != "" && snap.TaskID != "",
			message:  "agent_id and task_id must both be present",
		},
		{
			name:     "state_populated",
			severity: types.SeverityError,
			ok:       snap.State.CurrentStep != "" && snap.State.ProgressSummary != "",
			message:  "state.current_step and state.progress_summary must be populated",
		},
		{
			name:     "next_steps_present",
			severity: types.SeverityError,
			ok:       len(snap.NextSteps) > 0,
			message:  "next_steps must not be empty",
		},
		{
			name:     "decisions_carried_forward",
			severity: types.SeverityError,
			ok:       snap.HandoffNumber == 0 || len(snap.Decisions) > 0,
			message:  "decisions must be carried forward once handoff_number > 0",
		},
		{
			name:     "decisions_have_rationale",
			severity: types.SeverityWarning,
			ok:       decisionsHaveRationale(snap.Decisions),
			message:  "decisions should include a rationale",
		},
		{
			name:     "files_state_present",
			severity: types.SeverityWarning,
			ok:       filesStateNonEmpty(snap.FilesState),
			message:  "files_state should list completed/in_progress/not_started files",
		},
		{
			name:     "files_cross_reference_task",
			severity: types.SeverityWarning,
			ok:       filesCrossReference(snap.FilesState, taskModifiedFiles),
			message:  "snapshot files should overlap with the task's modified files",
		},
		{
			name:     "current_step_aligns_with_plan",
			severity: types.SeverityInfo,
			ok:       snap.State.CurrentStep != "",
			message:  "current_step should align with the task's plan",
		},
		{
			name:     "gotchas_documented",
			severity: types.SeverityInfo,
			ok:       len(snap.Gotchas) > 0,
			message:  "gotchas should be documented when discovered",
		},
		{
			name:     "context_usage_numeric",
			severity: types.SeverityInfo,
			ok:       snap.ContextAtSnapshot.Tokens > 0,
			message:  "context_at_snapshot.tokens should be a non-zero reading",
		},
		{
			name:     "completion_estimate_present",
			severity: types.SeverityInfo,
			ok:       snap.State.CompletionEstimate > 0,
			message:  "state.completion_estimate should be present",
		},
	}
	return score(checks)
}

// ValidateMachine runs the 5 weighted checks for a machine-format
// OrchestrationSnapshot.
func ValidateMachine(snap *types.MemorySnapshot) *types.QualityResult {
	checks := []check{
		{
			name:     "required_fields",
			severity: types.SeverityError,
			ok:       snap.AgentID != "" && snap.SnapshotID != "",
			message:  "agent_id and snapshot_id must both be present",
		},
		{
			name:     "context_usage_numeric",
			severity: types.SeverityError,
			ok:       snap.ContextUsage.Tokens > 0 || snap.ContextUsage.Percentage > 0,
			message:  "context_usage must carry a non-zero reading",
		},
		{
			name:     "decision_log_present",
			severity: types.SeverityWarning,
			ok:       len(snap.DecisionLog) > 0,
			message:  "decision_log should not be empty",
		},
		{
			name:     "task_status_present",
			severity: types.SeverityWarning,
			ok:       snap.TaskStatus != "",
			message:  "task_status should be populated",
		},
		{
			name:     "handoff_signal_consistent",
			severity: types.SeverityInfo,
			ok:       true,
			message:  "handoff_signal recorded",
		},
	}
	return score(checks)
}

func decisionsHaveRationale(decisions []types.Decision) bool {
	if len(decisions) == 0 {
		return false
	}
	for _, d := range decisions {
		if d.Rationale == "" {
			return false
		}
	}
	return true
}

func filesStateNonEmpty(fs types.FilesState) bool {
	return len(fs.Completed) > 0 || len(fs.InProgress) > 0 || len(fs.NotStarted) > 0
}

func filesCrossReference(fs types.FilesState, taskFiles []string) bool {
	if len(taskFiles) == 0 {
		return true
	}
	snapFiles := make(map[string]bool)
	for _, f := range fs.Completed {
		snapFiles[f] = true
	}
	for _, f := range fs.InProgress {
		snapFiles[f] = true
	}
	for _, f := range fs.NotStarted {
		snapFiles[f] = true
	}
	for _, f := range taskFiles {
		if snapFiles[f] {
			return true
		}
	}
	return false
}

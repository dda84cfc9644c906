package quality

import (
	"testing"

	"github.com/seanfdz/commandpost/internal/types"
)

func fullPRD() *types.PRDSnapshot {
	return &types.PRDSnapshot{
		AgentID:       "worker-1",
		TaskID:        "task-1",
		HandoffNumber: 1,
		ContextAtSnapshot: types.ContextUsage{
			Tokens: 140000, Max: 200000, Percentage: 0.7,
		},
		State: types.PRDSnapshotState{
			CurrentStep:        "implement handler",
			ProgressSummary:    "wired the route, tests pending",
			CompletionEstimate: 0.6,
		},
		Decisions: []types.Decision{
			{Decision: "use gorilla/mux", Rationale: "matches existing routing style"},
		},
		Gotchas:   []string{"watch out for the flaky timeout test"},
		NextSteps: []string{"write integration test"},
		FilesState: types.FilesState{
			Completed: []string{"handler.go"},
		},
	}
}

func TestValidatePRDFullyPopulatedIsValidWithHighScore(t *testing.T) {
	result := ValidatePRD(fullPRD(), []string{"handler.go"})
	if !result.Valid {
		t.Fatalf("want valid, findings: %+v", result.Findings)
	}
	if result.Score != 1.0 {
		t.Errorf("want perfect score, got %f", result.Score)
	}
	if result.Total != 11 {
		t.Errorf("want 11 checks, got %d", result.Total)
	}
}

func TestValidatePRDMissingIdentificationFailsError(t *testing.T) {
	snap := fullPRD()
	snap.AgentID = ""
	result := ValidatePRD(snap, nil)
	if result.Valid {
		t.Fatal("want invalid when an error-level check fails")
	}
	if result.Score >= 1.0 {
		t.Errorf("want score penalized, got %f", result.Score)
	}
}

func TestValidatePRDWarningFailureStaysValid(t *testing.T) {
	snap := fullPRD()
	snap.Decisions[0].Rationale = ""
	result := ValidatePRD(snap, []string{"handler.go"})
	if !result.Valid {
		t.Fatal("want still valid when only a warning-level check fails")
	}
	if result.Score >= 1.0 {
		t.Errorf("want score penalized for the failed warning, got %f", result.Score)
	}
}

func TestValidatePRDRequiresDecisionsWhenHandoffNumberPositive(t *testing.T) {
	snap := fullPRD()
	snap.HandoffNumber = 2
	snap.Decisions = nil
	result := ValidatePRD(snap, nil)
	if result.Valid {
		t.Fatal("want invalid: decisions must carry forward past the first handoff")
	}
}

func TestValidatePRDZerothHandoffAllowsNoDecisions(t *testing.T) {
	snap := fullPRD()
	snap.HandoffNumber = 0
	snap.Decisions = nil
	result := ValidatePRD(snap, nil)
	for _, f := range result.Findings {
		if f.Check == "decisions_carried_forward" && !f.Passed {
			t.Fatal("want decisions_carried_forward to pass at handoff_number 0")
		}
	}
}

func TestValidateMachineFullyPopulated(t *testing.T) {
	snap := &types.MemorySnapshot{
		SnapshotID:    "snap-1",
		AgentID:       "worker-1",
		ContextUsage:  types.ContextUsage{Tokens: 1000, Percentage: 0.5},
		DecisionLog:   []string{"chose approach A"},
		TaskStatus:    "in_progress",
		HandoffSignal: false,
	}
	result := ValidateMachine(snap)
	if !result.Valid {
		t.Fatalf("want valid, findings: %+v", result.Findings)
	}
	if result.Total != 5 {
		t.Errorf("want 5 checks, got %d", result.Total)
	}
}

func TestValidateMachineMissingRequiredFieldsFails(t *testing.T) {
	snap := &types.MemorySnapshot{}
	result := ValidateMachine(snap)
	if result.Valid {
		t.Fatal("want invalid when required fields are missing")
	}
}

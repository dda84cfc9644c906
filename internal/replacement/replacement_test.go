package replacement

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/seanfdz/commandpost/internal/config"
	"github.com/seanfdz/commandpost/internal/eventbus"
	"github.com/seanfdz/commandpost/internal/eventlog"
	"github.com/seanfdz/commandpost/internal/handoff"
	"github.com/seanfdz/commandpost/internal/mailbox"
	"github.com/seanfdz/commandpost/internal/registry"
	"github.com/seanfdz/commandpost/internal/snapshot"
	"github.com/seanfdz/commandpost/internal/tasks"
	"github.com/seanfdz/commandpost/internal/types"
)

type fakeSpawner struct {
	spawned []*types.SpawnRequest
}

func (f *fakeSpawner) Spawn(req *types.SpawnRequest) error {
	f.spawned = append(f.spawned, req)
	return nil
}

func newTestCoordinator(t *testing.T, spawner SpawnExecutor) (*Coordinator, *registry.Registry, *snapshot.Store, *mailbox.Store) {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.ProjectRoot = dir
	cfg.OrchestratorID = "orchestrator-1"
	cfg.MaxSnapshotRetries = 3
	cfg.MinQualityScore = 0.6

	reg := registry.New(filepath.Join(dir, "agent-registry"))
	snaps := snapshot.New(filepath.Join(dir, "memory-snapshots"))
	mb := mailbox.New(filepath.Join(dir, "messages"))
	taskStore := tasks.New(filepath.Join(dir, "tasks"))
	elog := eventlog.New(filepath.Join(dir, "events.jsonl"))
	bus := eventbus.New(nil)
	ho := handoff.New(filepath.Join(dir, "handoff-state.json"), taskStore, snaps, mb, elog, bus)

	coord := New(cfg, reg, snaps, ho, mb, elog, bus, spawner, filepath.Join(dir, "completed-flows"))
	return coord, reg, snaps, mb
}

func seedAgent(t *testing.T, reg *registry.Registry, id string, role types.Role) {
	t.Helper()
	if err := reg.Add(&types.AgentRegistryEntry{ID: id, Role: role, Domain: "backend", Status: types.AgentActive}); err != nil {
		t.Fatal(err)
	}
}

func writeInstructions(t *testing.T, root, agentID, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Join(root, agentID), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, agentID, "INSTRUCTIONS.md"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestRequestSnapshotTracksFlowAndIsIdempotent(t *testing.T) {
	coord, reg, _, mb := newTestCoordinator(t, nil)
	seedAgent(t, reg, "worker-1", types.RoleWorker)

	if err := coord.RequestSnapshot("worker-1", "context_threshold_exceeded"); err != nil {
		t.Fatal(err)
	}
	if !coord.HasPendingFlow("worker-1") {
		t.Fatal("want pending flow after RequestSnapshot")
	}

	msgs, err := mb.Read("worker-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Type != types.MsgLifecycleCommand {
		t.Fatalf("want one lifecycle_command message, got %+v", msgs)
	}

	// Second call while a flow is pending is a no-op, not a duplicate send.
	if err := coord.RequestSnapshot("worker-1", "context_threshold_exceeded"); err != nil {
		t.Fatal(err)
	}
	msgs, _ = mb.Read("worker-1")
	if len(msgs) != 1 {
		t.Fatalf("want still one message, got %d", len(msgs))
	}
}

func TestProcessSnapshotFailsAndArchivesWhenNoneExists(t *testing.T) {
	coord, reg, _, _ := newTestCoordinator(t, nil)
	seedAgent(t, reg, "worker-1", types.RoleWorker)
	if err := coord.RequestSnapshot("worker-1", "context_threshold_exceeded"); err != nil {
		t.Fatal(err)
	}

	if err := coord.ProcessSnapshot("worker-1"); err == nil {
		t.Fatal("want error when no snapshot exists")
	}
	if coord.HasPendingFlow("worker-1") {
		t.Fatal("want flow archived and removed after failure")
	}
}

func fullPRDBody() *types.PRDSnapshot {
	return &types.PRDSnapshot{
		AgentID:       "worker-1",
		TaskID:        "task-1",
		HandoffNumber: 0,
		ContextAtSnapshot: types.ContextUsage{
			Tokens: 150000, Max: 200000, Percentage: 0.75,
		},
		State: types.PRDSnapshotState{
			CurrentStep:        "implement handler",
			ProgressSummary:    "wired the route, tests pending",
			CompletionEstimate: 0.6,
		},
		Gotchas:   []string{"watch the flaky timeout test"},
		NextSteps: []string{"write integration test"},
		FilesState: types.FilesState{
			Completed: []string{"handler.go"},
		},
	}
}

func TestProcessSnapshotHighQualityCompletesFlowWithNoTasks(t *testing.T) {
	spawner := &fakeSpawner{}
	coord, reg, snaps, mb := newTestCoordinator(t, spawner)
	seedAgent(t, reg, "worker-1", types.RoleWorker)
	writeInstructions(t, coord.cfg.ProjectRoot, "worker-1", "# Original instructions\n")

	if err := coord.RequestSnapshot("worker-1", "context_threshold_exceeded"); err != nil {
		t.Fatal(err)
	}
	if _, err := snaps.Create("worker-1", nil, fullPRDBody()); err != nil {
		t.Fatal(err)
	}

	if err := coord.ProcessSnapshot("worker-1"); err != nil {
		t.Fatal(err)
	}
	if coord.HasPendingFlow("worker-1") {
		t.Fatal("want flow completed and removed")
	}
	if len(spawner.spawned) != 1 {
		t.Fatalf("want one spawn invocation, got %d", len(spawner.spawned))
	}
	if spawner.spawned[0].ReplacementAgentID != "worker-1-r1" {
		t.Errorf("want replacement id worker-1-r1, got %s", spawner.spawned[0].ReplacementAgentID)
	}

	origMsgs, _ := mb.Read("worker-1")
	foundShutdown := false
	for _, m := range origMsgs {
		if m.Type == types.MsgLifecycleCommand {
			if cmd, ok := m.Body["command"].(string); ok && cmd == "prepare_shutdown" {
				foundShutdown = true
			}
		}
	}
	if !foundShutdown {
		t.Error("want prepare_shutdown in original agent's inbox")
	}

	replacementMsgs, _ := mb.Read("worker-1-r1")
	if len(replacementMsgs) == 0 {
		t.Error("want the replacement to receive a memory_handoff message")
	}

	instructionsPath := filepath.Join(coord.cfg.ProjectRoot, "worker-1-r1", "INSTRUCTIONS.md")
	data, err := os.ReadFile(instructionsPath)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) == 0 {
		t.Error("want non-empty prepared instructions")
	}
}

func TestForceHandoffAfterRetryExhaustion(t *testing.T) {
	spawner := &fakeSpawner{}
	coord, reg, snaps, mb := newTestCoordinator(t, spawner)
	seedAgent(t, reg, "worker-1", types.RoleWorker)
	writeInstructions(t, coord.cfg.ProjectRoot, "worker-1", "# Original instructions\n")

	if err := coord.RequestSnapshot("worker-1", "context_threshold_exceeded"); err != nil {
		t.Fatal(err)
	}

	lowQuality := fullPRDBody()
	lowQuality.NextSteps = nil
	lowQuality.State = types.PRDSnapshotState{}
	lowQuality.FilesState = types.FilesState{}
	lowQuality.Gotchas = nil
	lowQuality.ContextAtSnapshot = types.ContextUsage{}
	// fails next_steps_present and state_populated (error-level) plus
	// every warning/info check except files_cross_reference_task (no task
	// files to compare against): 8 of 22 weighted points, well under the
	// 0.6 quality threshold

	for i := 0; i < 2; i++ {
		if _, err := snaps.Create("worker-1", nil, lowQuality); err != nil {
			t.Fatal(err)
		}
		if err := coord.ProcessSnapshot("worker-1"); err != nil {
			t.Fatalf("attempt %d: want retry, not a terminal error: %v", i, err)
		}
	}

	if !coord.HasPendingFlow("worker-1") {
		t.Fatal("want flow still pending after 2 failed attempts, below max retries of 3")
	}

	// Third failing attempt brings retry_count to MaxSnapshotRetries and
	// forces the handoff.
	if _, err := snaps.Create("worker-1", nil, lowQuality); err != nil {
		t.Fatal(err)
	}
	if err := coord.ProcessSnapshot("worker-1"); err != nil {
		t.Fatal(err)
	}
	if coord.HasPendingFlow("worker-1") {
		t.Fatal("want flow completed (forced) and removed")
	}
	if len(spawner.spawned) != 1 {
		t.Fatalf("want one forced spawn, got %d", len(spawner.spawned))
	}

	orchestratorMsgs, _ := mb.Read("orchestrator-1")
	forced := false
	for _, m := range orchestratorMsgs {
		if m.Type == types.MsgTaskUpdate {
			if f, ok := m.Body["forced"].(bool); ok && f {
				forced = true
			}
		}
	}
	if !forced {
		t.Error("want orchestrator to receive a task_update with forced=true")
	}
}

func TestReissueTimedOutRequestsResendsStaleFlow(t *testing.T) {
	coord, reg, _, mb := newTestCoordinator(t, nil)
	seedAgent(t, reg, "worker-1", types.RoleWorker)
	if err := coord.RequestSnapshot("worker-1", "context_threshold_exceeded"); err != nil {
		t.Fatal(err)
	}

	if err := coord.ReissueTimedOutRequests(0); err != nil {
		t.Fatal(err)
	}

	msgs, _ := mb.Read("worker-1")
	if len(msgs) != 2 {
		t.Fatalf("want reissue to send a second lifecycle_command, got %d messages", len(msgs))
	}
}

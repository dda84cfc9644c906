package handoff

import (
	"path/filepath"
	"testing"

	"github.com/seanfdz/commandpost/internal/eventbus"
	"github.com/seanfdz/commandpost/internal/eventlog"
	"github.com/seanfdz/commandpost/internal/mailbox"
	"github.com/seanfdz/commandpost/internal/snapshot"
	"github.com/seanfdz/commandpost/internal/tasks"
	"github.com/seanfdz/commandpost/internal/types"
)

func newTestManager(t *testing.T) (*Manager, *tasks.Store, *snapshot.Store) {
	t.Helper()
	dir := t.TempDir()
	taskStore := tasks.New(filepath.Join(dir, "tasks"))
	snapStore := snapshot.New(filepath.Join(dir, "snapshots"))
	mb := mailbox.New(filepath.Join(dir, "messages"))
	elog := eventlog.New(filepath.Join(dir, "events.jsonl"))
	bus := eventbus.New(nil)
	m := New(filepath.Join(dir, "handoff-state.json"), taskStore, snapStore, mb, elog, bus)
	return m, taskStore, snapStore
}

func seedSnapshot(t *testing.T, s *snapshot.Store, agentID string, pct float64) {
	t.Helper()
	_, err := s.Create(agentID, &types.MemorySnapshot{
		AgentID:      agentID,
		SnapshotID:   "snap-" + agentID,
		ContextUsage: types.ContextUsage{Tokens: 1000, Percentage: pct},
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
}

func TestInitiateRejectsSameSourceAndTarget(t *testing.T) {
	m, _, snaps := newTestManager(t)
	seedSnapshot(t, snaps, "worker-1", 0.2)
	_, err := m.Initiate("worker-1", "worker-1", []string{"t1"})
	if err == nil {
		t.Fatal("want validation error for source == target")
	}
}

func TestInitiateRejectsMissingTargetSnapshot(t *testing.T) {
	m, taskStore, snaps := newTestManager(t)
	seedSnapshot(t, snaps, "worker-1", 0.2)
	if err := taskStore.Create(&types.Task{ID: "t1", Status: types.TaskInProgress}); err != nil {
		t.Fatal(err)
	}
	_, err := m.Initiate("worker-1", "worker-2", []string{"t1"})
	if err == nil {
		t.Fatal("want validation error when target has no snapshot")
	}
}

func TestInitiateRejectsNonTransferableTask(t *testing.T) {
	m, taskStore, snaps := newTestManager(t)
	seedSnapshot(t, snaps, "worker-1", 0.2)
	seedSnapshot(t, snaps, "worker-2", 0.1)
	if err := taskStore.Create(&types.Task{ID: "t1", Status: types.TaskApproved}); err != nil {
		t.Fatal(err)
	}
	_, err := m.Initiate("worker-1", "worker-2", []string{"t1"})
	if err == nil {
		t.Fatal("want validation error for non-transferable task status")
	}
}

func TestInitiateAndCompleteSucceeds(t *testing.T) {
	m, taskStore, snaps := newTestManager(t)
	seedSnapshot(t, snaps, "worker-1", 0.2)
	seedSnapshot(t, snaps, "worker-2", 0.1)
	if err := taskStore.Create(&types.Task{ID: "t1", Status: types.TaskInProgress, AssignedTo: "worker-1"}); err != nil {
		t.Fatal(err)
	}

	if _, err := m.Initiate("worker-1", "worker-2", []string{"t1"}); err != nil {
		t.Fatal(err)
	}
	if err := m.Complete("worker-1", "worker-2", []string{"t1"}); err != nil {
		t.Fatal(err)
	}

	task, err := taskStore.Get("t1")
	if err != nil {
		t.Fatal(err)
	}
	if task.AssignedTo != "worker-2" {
		t.Errorf("want task reassigned to worker-2, got %s", task.AssignedTo)
	}
	if task.Context.HandoffCount != 1 {
		t.Errorf("want handoff count 1, got %d", task.Context.HandoffCount)
	}
}

func TestCompleteRollsBackOnFailure(t *testing.T) {
	m, taskStore, snaps := newTestManager(t)
	seedSnapshot(t, snaps, "worker-1", 0.2)
	seedSnapshot(t, snaps, "worker-2", 0.1)
	if err := taskStore.Create(&types.Task{ID: "t1", Status: types.TaskInProgress, AssignedTo: "worker-1"}); err != nil {
		t.Fatal(err)
	}
	// t2 is never created and is passed only to Complete, so Initiate's
	// existence check passes and t2's Reassign fails after t1's succeeded.
	if _, err := m.Initiate("worker-1", "worker-2", []string{"t1"}); err != nil {
		t.Fatal(err)
	}

	err := m.Complete("worker-1", "worker-2", []string{"t1", "t2"})
	if err == nil {
		t.Fatal("want error from missing task t2")
	}

	task, getErr := taskStore.Get("t1")
	if getErr != nil {
		t.Fatal(getErr)
	}
	if task.AssignedTo != "worker-1" {
		t.Errorf("want t1 rolled back to worker-1, got %s", task.AssignedTo)
	}
}

func TestCancelOnlyValidFromInitiated(t *testing.T) {
	m, taskStore, snaps := newTestManager(t)
	seedSnapshot(t, snaps, "worker-1", 0.2)
	seedSnapshot(t, snaps, "worker-2", 0.1)
	if err := taskStore.Create(&types.Task{ID: "t1", Status: types.TaskInProgress}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Initiate("worker-1", "worker-2", []string{"t1"}); err != nil {
		t.Fatal(err)
	}
	if err := m.Cancel("worker-1"); err != nil {
		t.Fatal(err)
	}
	if err := m.Cancel("worker-1"); err == nil {
		t.Fatal("want error cancelling an already-cancelled handoff")
	}
}

func TestSaveAndLoadStateRoundTrips(t *testing.T) {
	m, taskStore, snaps := newTestManager(t)
	seedSnapshot(t, snaps, "worker-1", 0.2)
	seedSnapshot(t, snaps, "worker-2", 0.1)
	if err := taskStore.Create(&types.Task{ID: "t1", Status: types.TaskInProgress}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Initiate("worker-1", "worker-2", []string{"t1"}); err != nil {
		t.Fatal(err)
	}

	m2, _, _ := newTestManager(t)
	m2.statePath = m.statePath
	if err := m2.LoadState(); err != nil {
		t.Fatal(err)
	}
	if err := m2.Cancel("worker-1"); err != nil {
		t.Fatalf("want loaded state to resume handoff, got %v", err)
	}
}

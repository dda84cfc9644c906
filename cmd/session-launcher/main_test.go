package main

import (
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"

	"github.com/seanfdz/commandpost/internal/fsutil"
	"github.com/seanfdz/commandpost/internal/registry"
	"github.com/seanfdz/commandpost/internal/spawner"
	"github.com/seanfdz/commandpost/internal/types"
)

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

type fakeMux struct {
	alive   map[string]bool
	spawned []string
	failOn  string
}

func (f *fakeMux) Spawn(name, cwd, command string) error {
	if name == f.failOn {
		return os.ErrInvalid
	}
	f.spawned = append(f.spawned, name)
	if f.alive == nil {
		f.alive = map[string]bool{}
	}
	f.alive[name] = true
	return nil
}

func (f *fakeMux) IsAlive(name string) bool { return f.alive[name] }
func (f *fakeMux) Kill(name string) error   { delete(f.alive, name); return nil }

func writeSpawnRequest(t *testing.T, dir, id string) {
	t.Helper()
	req := &types.SpawnRequest{
		RequestID:          "req-" + id,
		ReplacementAgentID: id,
		Role:               types.RoleWorker,
		Domain:             "backend",
		ProjectPath:        dir,
	}
	if err := fsutil.WriteJSONAtomic(filepath.Join(dir, "spawn-queue", id+".json"), req); err != nil {
		t.Fatal(err)
	}
}

func newTestSpawner(t *testing.T, root string, fm *fakeMux) *spawner.Spawner {
	t.Helper()
	reg := registry.New(filepath.Join(root, "agent-registry"))
	return spawner.New(fm, reg, "agent-runtime --agent-id %s")
}

func TestProcessQueueLaunchesAndRemovesRequest(t *testing.T) {
	root := t.TempDir()
	queueDir := filepath.Join(root, "spawn-queue")
	if err := os.MkdirAll(queueDir, 0o755); err != nil {
		t.Fatal(err)
	}
	writeSpawnRequest(t, root, "worker-backend-2")

	fm := &fakeMux{}
	sp := newTestSpawner(t, root, fm)
	logger := testLogger()

	if err := processQueue(queueDir, sp, logger); err != nil {
		t.Fatalf("processQueue: %v", err)
	}

	if len(fm.spawned) != 1 || fm.spawned[0] != "worker-backend-2" {
		t.Fatalf("want worker-backend-2 spawned, got %+v", fm.spawned)
	}
	entries, err := os.ReadDir(queueDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("want request consumed, got %d files left", len(entries))
	}
}

func TestProcessQueueLeavesFailedRequestForRetry(t *testing.T) {
	root := t.TempDir()
	queueDir := filepath.Join(root, "spawn-queue")
	os.MkdirAll(queueDir, 0o755)
	writeSpawnRequest(t, root, "worker-backend-3")

	fm := &fakeMux{failOn: "worker-backend-3"}
	sp := newTestSpawner(t, root, fm)

	if err := processQueue(queueDir, sp, testLogger()); err != nil {
		t.Fatalf("processQueue: %v", err)
	}

	entries, err := os.ReadDir(queueDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("want failed request left in place, got %d files", len(entries))
	}
}

func TestProcessQueueDiscardsRequestForAlreadyRunningAgent(t *testing.T) {
	root := t.TempDir()
	queueDir := filepath.Join(root, "spawn-queue")
	os.MkdirAll(queueDir, 0o755)
	writeSpawnRequest(t, root, "worker-backend-4")

	fm := &fakeMux{alive: map[string]bool{"worker-backend-4": true}}
	sp := newTestSpawner(t, root, fm)

	if err := processQueue(queueDir, sp, testLogger()); err != nil {
		t.Fatalf("processQueue: %v", err)
	}
	if len(fm.spawned) != 0 {
		t.Fatalf("want no new spawn for already-alive agent, got %+v", fm.spawned)
	}
	entries, _ := os.ReadDir(queueDir)
	if len(entries) != 0 {
		t.Fatalf("want stale request removed, got %d files left", len(entries))
	}
}

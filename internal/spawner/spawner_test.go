package spawner

import (
	"path/filepath"
	"testing"

	"github.com/seanfdz/commandpost/internal/registry"
	"github.com/seanfdz/commandpost/internal/types"
)

type fakeMux struct {
	spawned map[string]string // name -> command
	alive   map[string]bool
	killed  []string
	failOn  string
}

func newFakeMux() *fakeMux {
	return &fakeMux{spawned: map[string]string{}, alive: map[string]bool{}}
}

func (f *fakeMux) Spawn(name, cwd, command string) error {
	if name == f.failOn {
		return errSpawnFailed
	}
	f.spawned[name] = command
	f.alive[name] = true
	return nil
}

func (f *fakeMux) IsAlive(name string) bool {
	return f.alive[name]
}

func (f *fakeMux) Kill(name string) error {
	f.killed = append(f.killed, name)
	delete(f.alive, name)
	return nil
}

type spawnError struct{ msg string }

func (e *spawnError) Error() string { return e.msg }

var errSpawnFailed = &spawnError{"spawn failed"}

func TestSpawnCreatesSessionAndRegistersAgent(t *testing.T) {
	dir := t.TempDir()
	reg := registry.New(filepath.Join(dir, "agent-registry"))
	fm := newFakeMux()
	sp := New(fm, reg, "")

	req := &types.SpawnRequest{
		ReplacementAgentID: "worker-1-r1",
		ProjectPath:        dir,
		Role:               types.RoleWorker,
		Domain:             "backend",
		TaskIDs:            []string{"task-1"},
	}

	if err := sp.Spawn(req); err != nil {
		t.Fatal(err)
	}

	if _, ok := fm.spawned["worker-1-r1"]; !ok {
		t.Error("want a session spawned for the replacement agent")
	}
	if !sp.IsAlive("worker-1-r1") {
		t.Error("want the spawned session to report alive")
	}

	entry, err := reg.Get("worker-1-r1")
	if err != nil {
		t.Fatal(err)
	}
	if entry.Status != types.AgentActive || entry.Role != types.RoleWorker || entry.Domain != "backend" {
		t.Errorf("unexpected registry entry: %+v", entry)
	}
	if entry.TaskID != "task-1" {
		t.Errorf("want task-1 carried onto the registry entry, got %s", entry.TaskID)
	}
}

func TestSpawnPropagatesMultiplexerFailure(t *testing.T) {
	dir := t.TempDir()
	reg := registry.New(filepath.Join(dir, "agent-registry"))
	fm := newFakeMux()
	fm.failOn = "worker-1-r1"
	sp := New(fm, reg, "")

	req := &types.SpawnRequest{ReplacementAgentID: "worker-1-r1", ProjectPath: dir, Role: types.RoleWorker}
	if err := sp.Spawn(req); err == nil {
		t.Fatal("want error when the multiplexer fails to spawn")
	}
	if _, err := reg.Get("worker-1-r1"); err == nil {
		t.Error("want no registry entry when spawn failed")
	}
}

func TestStopKillsSession(t *testing.T) {
	dir := t.TempDir()
	reg := registry.New(filepath.Join(dir, "agent-registry"))
	fm := newFakeMux()
	sp := New(fm, reg, "")

	req := &types.SpawnRequest{ReplacementAgentID: "worker-1-r1", ProjectPath: dir, Role: types.RoleWorker}
	if err := sp.Spawn(req); err != nil {
		t.Fatal(err)
	}
	if err := sp.Stop("worker-1-r1"); err != nil {
		t.Fatal(err)
	}
	if len(fm.killed) != 1 || fm.killed[0] != "worker-1-r1" {
		t.Errorf("want Kill called once for worker-1-r1, got %+v", fm.killed)
	}
	if sp.IsAlive("worker-1-r1") {
		t.Error("want session reported dead after Stop")
	}
}

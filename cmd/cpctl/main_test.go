package main

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/seanfdz/commandpost/internal/registry"
	"github.com/seanfdz/commandpost/internal/tasks"
	"github.com/seanfdz/commandpost/internal/types"
)

func TestRunStatusReportsNotRunningWithoutPidFile(t *testing.T) {
	out := runStatus(t.TempDir())
	m, ok := out.(map[string]interface{})
	if !ok {
		t.Fatalf("want map result, got %T", out)
	}
	if m["running"] != false {
		t.Fatalf("want running=false, got %+v", m)
	}
}

func TestRunAgentsFiltersByDomain(t *testing.T) {
	dataDir := t.TempDir()
	reg := registry.New(filepath.Join(dataDir, "agent-registry"))
	reg.Add(&types.AgentRegistryEntry{ID: "worker-backend-1", Role: types.RoleWorker, Domain: "backend", Status: types.AgentActive, LaunchedAt: time.Now()})
	reg.Add(&types.AgentRegistryEntry{ID: "worker-frontend-1", Role: types.RoleWorker, Domain: "frontend", Status: types.AgentActive, LaunchedAt: time.Now()})

	out, err := runAgents(dataDir, "backend")
	if err != nil {
		t.Fatal(err)
	}
	agents := out.([]*types.AgentRegistryEntry)
	if len(agents) != 1 || agents[0].ID != "worker-backend-1" {
		t.Fatalf("unexpected agents: %+v", agents)
	}
}

func TestRunAgentRequiresID(t *testing.T) {
	if _, err := runAgent(t.TempDir(), ""); err == nil {
		t.Fatal("want error for missing -id")
	}
}

func TestRunTasksFiltersByStatus(t *testing.T) {
	dataDir := t.TempDir()
	taskStore := tasks.New(filepath.Join(dataDir, "tasks"))
	taskStore.Create(&types.Task{ID: "t1", Title: "a", Domain: "backend", Status: types.TaskPending})
	taskStore.Create(&types.Task{ID: "t2", Title: "b", Domain: "backend", Status: types.TaskApproved})

	out, err := runTasks(dataDir, "pending", "")
	if err != nil {
		t.Fatal(err)
	}
	got := out.([]*types.Task)
	if len(got) != 1 || got[0].ID != "t1" {
		t.Fatalf("unexpected tasks: %+v", got)
	}
}

func TestRunTaskRequiresID(t *testing.T) {
	if _, err := runTask(t.TempDir(), ""); err == nil {
		t.Fatal("want error for missing -id")
	}
}

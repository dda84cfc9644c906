package registry

import (
	"testing"

	"github.com/seanfdz/commandpost/internal/cperr"
	"github.com/seanfdz/commandpost/internal/types"
)

func TestAddGetUpdate(t *testing.T) {
	r := New(t.TempDir())
	entry := &types.AgentRegistryEntry{ID: "worker-1", Role: types.RoleWorker, Domain: "frontend"}
	if err := r.Add(entry); err != nil {
		t.Fatal(err)
	}
	got, err := r.Get("worker-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != types.AgentActive {
		t.Errorf("want default status active, got %s", got.Status)
	}

	if err := r.SetStatus("worker-1", types.AgentDead); err != nil {
		t.Fatal(err)
	}
	got, _ = r.Get("worker-1")
	if got.Status != types.AgentDead {
		t.Errorf("status not updated: %s", got.Status)
	}
}

func TestAddDuplicateFails(t *testing.T) {
	r := New(t.TempDir())
	entry := &types.AgentRegistryEntry{ID: "worker-1"}
	if err := r.Add(entry); err != nil {
		t.Fatal(err)
	}
	if err := r.Add(entry); !cperr.Is(err, cperr.KindValidation) {
		t.Fatalf("want ValidationError on duplicate add, got %v", err)
	}
}

func TestIncrementHandoffCount(t *testing.T) {
	r := New(t.TempDir())
	if err := r.Add(&types.AgentRegistryEntry{ID: "worker-1"}); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if err := r.IncrementHandoffCount("worker-1"); err != nil {
			t.Fatal(err)
		}
	}
	got, _ := r.Get("worker-1")
	if got.HandoffCount != 3 {
		t.Errorf("want handoff count 3, got %d", got.HandoffCount)
	}
}

func TestByDomainAndRole(t *testing.T) {
	r := New(t.TempDir())
	must := func(e *types.AgentRegistryEntry) {
		if err := r.Add(e); err != nil {
			t.Fatal(err)
		}
	}
	must(&types.AgentRegistryEntry{ID: "w1", Role: types.RoleWorker, Domain: "frontend"})
	must(&types.AgentRegistryEntry{ID: "w2", Role: types.RoleWorker, Domain: "backend"})
	must(&types.AgentRegistryEntry{ID: "a1", Role: types.RoleAudit, Domain: "frontend"})

	frontend, err := r.ByDomain("frontend")
	if err != nil {
		t.Fatal(err)
	}
	if len(frontend) != 2 {
		t.Fatalf("want 2 frontend agents, got %d", len(frontend))
	}

	workers, err := r.ByRole(types.RoleWorker)
	if err != nil {
		t.Fatal(err)
	}
	if len(workers) != 2 {
		t.Fatalf("want 2 workers, got %d", len(workers))
	}
}

package mailbox

import (
	"testing"

	"github.com/seanfdz/commandpost/internal/cperr"
	"github.com/seanfdz/commandpost/internal/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return New(t.TempDir())
}

func TestAppendAndReadPreservesOrder(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 5; i++ {
		msg := &types.Message{
			ID: "m" + string(rune('0'+i)), From: "orch", To: "worker-1",
			Type: types.MsgTaskUpdate, Priority: types.PriorityNormal,
		}
		if err := s.Append("worker-1", msg); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	got, err := s.Read("worker-1")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != 5 {
		t.Fatalf("want 5 messages, got %d", len(got))
	}
	for i, m := range got {
		want := "m" + string(rune('0'+i))
		if m.ID != want {
			t.Errorf("position %d: got id %s, want %s", i, m.ID, want)
		}
	}
}

func TestMailboxIsolation(t *testing.T) {
	s := newTestStore(t)
	a := &types.Message{ID: "a1", From: "orch", To: "agent-a", Type: types.MsgTaskUpdate, Priority: types.PriorityNormal}
	b := &types.Message{ID: "b1", From: "orch", To: "agent-b", Type: types.MsgTaskUpdate, Priority: types.PriorityNormal}
	if err := s.Append("agent-a", a); err != nil {
		t.Fatal(err)
	}
	if err := s.Append("agent-b", b); err != nil {
		t.Fatal(err)
	}
	gotA, _ := s.Read("agent-a")
	if len(gotA) != 1 || gotA[0].ID != "a1" {
		t.Fatalf("agent-a mailbox contaminated: %+v", gotA)
	}
	gotB, _ := s.Read("agent-b")
	if len(gotB) != 1 || gotB[0].ID != "b1" {
		t.Fatalf("agent-b mailbox contaminated: %+v", gotB)
	}
}

func TestReadMissingMailboxReturnsEmpty(t *testing.T) {
	s := newTestStore(t)
	got, err := s.Read("nobody")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("want empty inbox, got %+v", got)
	}
}

func TestMarkReadAndDelete(t *testing.T) {
	s := newTestStore(t)
	msg := &types.Message{ID: "x1", From: "orch", To: "worker-1", Type: types.MsgTaskUpdate, Priority: types.PriorityNormal}
	if err := s.Append("worker-1", msg); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkRead("worker-1", "x1"); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	got, err := s.Get("worker-1", "x1")
	if err != nil {
		t.Fatal(err)
	}
	if !got.Read {
		t.Error("message not marked read")
	}
	if err := s.Delete("worker-1", "x1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Get("worker-1", "x1"); !cperr.Is(err, cperr.KindNotFound) {
		t.Fatalf("want NotFound after delete, got %v", err)
	}
}

func TestMarkReadUnknownIDFails(t *testing.T) {
	s := newTestStore(t)
	if err := s.MarkRead("worker-1", "nope"); !cperr.Is(err, cperr.KindNotFound) {
		t.Fatalf("want NotFound, got %v", err)
	}
}

func TestRoleEnforcement(t *testing.T) {
	tests := []struct {
		role    types.Role
		msgType types.MessageType
		allowed bool
	}{
		{types.RoleOrchestrator, types.MsgTaskAssignment, true},
		{types.RoleOrchestrator, types.MsgAuditReport, false},
		{types.RolePO, types.MsgTaskAssignment, true},
		{types.RolePO, types.MsgLifecycleCommand, false},
		{types.RoleWorker, types.MsgTaskUpdate, true},
		{types.RoleWorker, types.MsgTaskAssignment, false},
		{types.RoleAudit, types.MsgAuditReport, true},
		{types.RoleAudit, types.MsgTaskUpdate, false},
		{types.RoleContextMonitor, types.MsgLifecycleCommand, true},
		{types.RoleContextMonitor, types.MsgAuditReport, false},
	}
	for _, tt := range tests {
		if got := Allowed(tt.role, tt.msgType); got != tt.allowed {
			t.Errorf("Allowed(%s, %s) = %v, want %v", tt.role, tt.msgType, got, tt.allowed)
		}
	}
}

func TestSendEnforcesRoleMatrixWithNoSideEffects(t *testing.T) {
	s := newTestStore(t)
	msg := &types.Message{From: "worker-a", To: "worker-b", Type: types.MsgTaskAssignment, Priority: types.PriorityNormal}
	_, err := s.Send(msg, SendOptions{SenderRole: types.RoleWorker})
	if !cperr.Is(err, cperr.KindValidation) {
		t.Fatalf("want ValidationError, got %v", err)
	}
	got, _ := s.Read("worker-b")
	if len(got) != 0 {
		t.Fatalf("disallowed send produced a side effect: %+v", got)
	}
}

func TestSendLateralMessagingPolicy(t *testing.T) {
	s := newTestStore(t)

	peerMsg := &types.Message{From: "worker-a", To: "worker-b", Type: types.MsgPeerMessage, Priority: types.PriorityNormal}
	sent, err := s.Send(peerMsg, SendOptions{
		SenderRole:              types.RoleWorker,
		LateralMessagingEnabled: true,
		CCOrchestrator:          true,
		OrchestratorID:          "orch-1",
	})
	if err != nil {
		t.Fatalf("lateral send should succeed: %v", err)
	}

	gotB, _ := s.Read("worker-b")
	if len(gotB) != 1 || gotB[0].ID != sent.ID {
		t.Fatalf("worker-b did not receive peer message: %+v", gotB)
	}
	gotOrch, _ := s.Read("orch-1")
	if len(gotOrch) != 1 || gotOrch[0].ID != sent.ID {
		t.Fatalf("orchestrator was not cc'd: %+v", gotOrch)
	}

	taskMsg := &types.Message{From: "worker-a", To: "worker-b", Type: types.MsgTaskAssignment, Priority: types.PriorityNormal}
	_, err = s.Send(taskMsg, SendOptions{SenderRole: types.RoleWorker, LateralMessagingEnabled: true})
	valErr, ok := err.(*cperr.Error)
	if !ok || valErr.Kind != cperr.KindValidation {
		t.Fatalf("want ValidationError for task_assignment from worker, got %v", err)
	}
}

func TestSendDoesNotDoubleDeliverToPrimaryWhenAlsoCCed(t *testing.T) {
	s := newTestStore(t)
	msg := &types.Message{From: "orch", To: "worker-1", Type: types.MsgTaskAssignment, Priority: types.PriorityNormal, CC: []string{"worker-1"}}
	_, err := s.Send(msg, SendOptions{SenderRole: types.RoleOrchestrator})
	if err != nil {
		t.Fatal(err)
	}
	got, _ := s.Read("worker-1")
	if len(got) != 1 {
		t.Fatalf("want exactly one delivery to worker-1, got %d", len(got))
	}
}

func TestSendValidatesKnownRecipient(t *testing.T) {
	s := newTestStore(t)
	msg := &types.Message{From: "orch", To: "ghost", Type: types.MsgTaskAssignment, Priority: types.PriorityNormal}
	_, err := s.Send(msg, SendOptions{
		SenderRole:  types.RoleOrchestrator,
		KnownAgents: map[string]bool{"worker-1": true},
	})
	if !cperr.Is(err, cperr.KindValidation) {
		t.Fatalf("want ValidationError for unknown recipient, got %v", err)
	}
}

func TestSendInvokesCriticalHookOnlyForCriticalPriority(t *testing.T) {
	s := newTestStore(t)
	var notified []*types.Message
	s.SetCriticalHook(func(m *types.Message) { notified = append(notified, m) })

	normal := &types.Message{From: "orch", To: "worker-1", Type: types.MsgTaskAssignment, Priority: types.PriorityNormal}
	if _, err := s.Send(normal, SendOptions{SenderRole: types.RoleOrchestrator}); err != nil {
		t.Fatal(err)
	}
	if len(notified) != 0 {
		t.Fatalf("want no hook call for normal priority, got %d", len(notified))
	}

	critical := &types.Message{From: "worker-1", To: "orchestrator-1", Type: types.MsgLifecycleCommand, Priority: types.PriorityCritical}
	if _, err := s.Send(critical, SendOptions{SenderRole: types.RoleContextMonitor}); err != nil {
		t.Fatal(err)
	}
	if len(notified) != 1 {
		t.Fatalf("want exactly one hook call for the critical message, got %d", len(notified))
	}
}

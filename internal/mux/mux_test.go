package mux

import "testing"

func TestNewDefaultsBinPath(t *testing.T) {
	m := New("")
	if m.binPath != "tmux" {
		t.Errorf("want default binPath tmux, got %s", m.binPath)
	}
}

func TestNewKeepsExplicitBinPath(t *testing.T) {
	m := New("/usr/local/bin/tmux")
	if m.binPath != "/usr/local/bin/tmux" {
		t.Errorf("want explicit binPath preserved, got %s", m.binPath)
	}
}

// Exercising Spawn/IsAlive/Kill against a real tmux binary needs a tmux
// server; absent that dependency in CI these just confirm the failure
// path does not panic and returns an error rather than hanging.
func TestSpawnWithMissingBinaryErrors(t *testing.T) {
	m := New("/no/such/tmux-binary")
	if err := m.Spawn("session-a", "", "true"); err == nil {
		t.Error("want error spawning with a nonexistent tmux binary")
	}
}

func TestIsAliveWithMissingBinaryIsFalse(t *testing.T) {
	m := New("/no/such/tmux-binary")
	if m.IsAlive("session-a") {
		t.Error("want false when the multiplexer binary cannot even run")
	}
}

func TestKillWithMissingBinaryErrors(t *testing.T) {
	m := New("/no/such/tmux-binary")
	if err := m.Kill("session-a"); err == nil {
		t.Error("want error killing with a nonexistent tmux binary")
	}
}

package instance

import (
	"os"
	"path/filepath"
	"testing"
)

func TestAcquireThenStatusReportsAlive(t *testing.T) {
	pidPath := filepath.Join(t.TempDir(), "command-post.pid")
	m := New(pidPath)
	if err := m.Acquire("http://localhost:8080"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer m.Release()

	info, alive, ok := m.Status()
	if !ok {
		t.Fatal("want ok after acquiring")
	}
	if !alive {
		t.Fatal("want alive, this process holds the lock")
	}
	if info.PID != os.Getpid() {
		t.Errorf("want pid %d, got %d", os.Getpid(), info.PID)
	}
	if info.StatusURL != "http://localhost:8080" {
		t.Errorf("unexpected status url: %s", info.StatusURL)
	}
}

func TestStatusWithNoPidFileIsNotOK(t *testing.T) {
	m := New(filepath.Join(t.TempDir(), "command-post.pid"))
	_, _, ok := m.Status()
	if ok {
		t.Fatal("want ok=false with no pid file")
	}
}

func TestSecondAcquireFailsWhileFirstHoldsLock(t *testing.T) {
	pidPath := filepath.Join(t.TempDir(), "command-post.pid")
	first := New(pidPath)
	if err := first.Acquire(""); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	defer first.Release()

	second := New(pidPath)
	if err := second.Acquire(""); err == nil {
		t.Fatal("want second acquire to fail while the first instance is alive")
	}
}

func TestReleaseThenAcquireSucceeds(t *testing.T) {
	pidPath := filepath.Join(t.TempDir(), "command-post.pid")
	m := New(pidPath)
	if err := m.Acquire(""); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := m.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}

	again := New(pidPath)
	if err := again.Acquire(""); err != nil {
		t.Fatalf("re-acquire after release: %v", err)
	}
	defer again.Release()
}

func TestIsAliveFalseForImplausiblePID(t *testing.T) {
	if IsAlive(0) {
		t.Error("want pid 0 not alive")
	}
	if IsAlive(-1) {
		t.Error("want negative pid not alive")
	}
}

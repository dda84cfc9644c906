// Package instance guards against two supervision-core daemons running
// against the same .command-post/ directory concurrently, and answers
// whether a given agent's OS process is still alive. Grounded on the
// teacher's InstanceManager PID-file contract, rewritten cross-platform:
// the teacher locked the PID file via golang.org/x/sys/windows; this
// uses the os.FindProcess + process.Signal(syscall.Signal(0)) idiom
// already used elsewhere in the teacher (persistence.CleanupStaleAgents)
// for liveness, layered under internal/fsutil's Flock for the lock
// itself so it works on every platform the rest of the module targets.
package instance

import (
	"encoding/json"
	"os"
	"syscall"
	"time"

	"github.com/seanfdz/commandpost/internal/cperr"
	"github.com/seanfdz/commandpost/internal/fsutil"
)

// Info describes a running command-post daemon, read from its PID file.
type Info struct {
	PID       int       `json:"pid"`
	StatusURL string    `json:"status_url"`
	StartedAt time.Time `json:"started_at"`
	Hostname  string    `json:"hostname"`
}

// Manager owns the daemon's PID file and the exclusive lock that backs
// it.
type Manager struct {
	pidFilePath string
	lock        *fsutil.FileLock
}

// New returns a Manager for the PID file at path.
func New(pidFilePath string) *Manager {
	return &Manager{pidFilePath: pidFilePath}
}

// Acquire takes the exclusive lock and writes the PID file, failing
// with ConsistencyError if another live daemon already holds it.
func (m *Manager) Acquire(statusURL string) error {
	if existing, err := m.read(); err == nil {
		if IsAlive(existing.PID) {
			return cperr.Consistency("command-post daemon already running: pid %d, status %s", existing.PID, existing.StatusURL)
		}
	}

	lock, err := fsutil.Lock(m.pidFilePath)
	if err != nil {
		return err
	}
	m.lock = lock

	hostname, _ := os.Hostname()
	info := &Info{
		PID:       os.Getpid(),
		StatusURL: statusURL,
		StartedAt: time.Now().UTC(),
		Hostname:  hostname,
	}
	if err := fsutil.WriteJSONAtomic(m.pidFilePath, info); err != nil {
		m.lock.Unlock()
		return err
	}
	return nil
}

// Release drops the lock and removes the PID file. Safe to call even
// if Acquire was never called.
func (m *Manager) Release() error {
	if m.lock != nil {
		m.lock.Unlock()
		m.lock = nil
	}
	if err := os.Remove(m.pidFilePath); err != nil && !os.IsNotExist(err) {
		return cperr.FileSystem(err, "remove pid file %s", m.pidFilePath)
	}
	return nil
}

// Status reads the PID file, if any, and reports whether the daemon it
// names is still alive. ok is false when no PID file exists.
func (m *Manager) Status() (info *Info, alive bool, ok bool) {
	existing, err := m.read()
	if err != nil {
		return nil, false, false
	}
	return existing, IsAlive(existing.PID), true
}

func (m *Manager) read() (*Info, error) {
	data, err := os.ReadFile(m.pidFilePath)
	if err != nil {
		return nil, err
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, cperr.Validation("malformed pid file %s: %v", m.pidFilePath, err)
	}
	return &info, nil
}

// IsAlive reports whether pid names a live OS process. os.FindProcess
// always succeeds on Unix, so liveness is determined by sending the
// null signal rather than by the lookup itself.
func IsAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}

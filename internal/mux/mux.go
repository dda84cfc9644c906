// Package mux is the narrow terminal-multiplexer contract the rest of
// Command Post spawns replacement agents through: name a session,
// check it is still alive, kill it. Grounded on the teacher's
// internal/wezterm.Ops, trimmed down to the three operations a headless
// supervision daemon actually needs — no pane grid, no window/tab
// bookkeeping, since nothing here is ever meant to be looked at directly.
package mux

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// Multiplexer starts a named, detached session running command in cwd,
// and can later report whether it is still alive or kill it.
type Multiplexer interface {
	Spawn(name, cwd, command string) error
	IsAlive(name string) bool
	Kill(name string) error
}

// Tmux implements Multiplexer over the tmux CLI, the way the teacher
// shells out to wezterm.exe. One process-wide instance serializes
// spawns the same way Ops serializes pane operations, since tmux's
// own session bookkeeping is not safe under concurrent `new-session`
// calls targeting the same name.
type Tmux struct {
	mu             sync.Mutex
	binPath        string
	commandTimeout time.Duration
}

// New returns a Tmux multiplexer. binPath defaults to "tmux" (resolved
// via PATH) when empty.
func New(binPath string) *Tmux {
	if binPath == "" {
		binPath = "tmux"
	}
	return &Tmux{binPath: binPath, commandTimeout: 10 * time.Second}
}

func (t *Tmux) run(args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), t.commandTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, t.binPath, args...)
	output, err := cmd.CombinedOutput()
	if ctx.Err() == context.DeadlineExceeded {
		return nil, fmt.Errorf("tmux command timed out after %v", t.commandTimeout)
	}
	return output, err
}

// Spawn starts a new detached tmux session named name, running command
// with cwd as its working directory. Fails if a session by that name
// already exists.
func (t *Tmux) Spawn(name, cwd, command string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	args := []string{"new-session", "-d", "-s", name}
	if cwd != "" {
		args = append(args, "-c", cwd)
	}
	args = append(args, command)

	output, err := t.run(args...)
	if err != nil {
		return fmt.Errorf("failed to spawn tmux session %s: %w (output: %s)", name, err, string(output))
	}
	return nil
}

// IsAlive reports whether a tmux session named name currently exists.
func (t *Tmux) IsAlive(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	output, err := t.run("has-session", "-t", name)
	if err != nil {
		return false
	}
	return !strings.Contains(string(output), "no server running")
}

// Kill terminates the named session, tolerating its prior absence.
func (t *Tmux) Kill(name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	output, err := t.run("kill-session", "-t", name)
	if err != nil {
		if strings.Contains(string(output), "can't find session") {
			return nil
		}
		return fmt.Errorf("failed to kill tmux session %s: %w (output: %s)", name, err, string(output))
	}
	return nil
}

// Package spawner is the default local implementation of the
// session-launcher contract (spec §6): given a durable spawn-request, it
// creates the replacement's working directory, starts a terminal-
// multiplexer session running the agent runtime, and registers the new
// agent — what an external session launcher would do, done in-process
// so a single-host deployment needs no second binary. It does not remove
// the spawn-request file; cmd/session-launcher removes it itself after a
// successful Spawn. Grounded on the teacher's
// agents.ProcessSpawner, with the WezTerm pane-grid placement logic
// replaced by internal/mux's plain named-session contract.
package spawner

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/seanfdz/commandpost/internal/mux"
	"github.com/seanfdz/commandpost/internal/registry"
	"github.com/seanfdz/commandpost/internal/types"
)

// Spawner turns a types.SpawnRequest into a live terminal-multiplexer
// session and a fresh agent-registry entry.
type Spawner struct {
	mux      mux.Multiplexer
	registry *registry.Registry
	runtime  string // command template, "%s" is replaced with the agent ID
	logger   *log.Logger
}

// New returns a Spawner. runtime is a command template with a single
// "%s" placeholder for the agent ID, e.g. "agent-runtime --agent-id %s";
// an empty runtime defaults to that form.
func New(m mux.Multiplexer, reg *registry.Registry, runtime string) *Spawner {
	if runtime == "" {
		runtime = "agent-runtime --agent-id %s"
	}
	return &Spawner{
		mux:      m,
		registry: reg,
		runtime:  runtime,
		logger:   log.New(log.Writer(), "[SPAWNER] ", log.LstdFlags),
	}
}

// Spawn implements replacement.SpawnExecutor. It creates the working
// directory the prepared INSTRUCTIONS.md was written into (a no-op if
// replacement.Coordinator already created it), starts the multiplexer
// session, and registers the replacement agent as active with the
// request's handoff number as its handoff_count. The spawn-request file
// is left in place.
func (s *Spawner) Spawn(req *types.SpawnRequest) error {
	agentDir := filepath.Join(req.ProjectPath, req.ReplacementAgentID)
	if err := os.MkdirAll(agentDir, 0o755); err != nil {
		return fmt.Errorf("create working directory for %s: %w", req.ReplacementAgentID, err)
	}

	command := fmt.Sprintf(s.runtime, req.ReplacementAgentID)
	if err := s.mux.Spawn(req.ReplacementAgentID, agentDir, command); err != nil {
		return fmt.Errorf("spawn session for %s: %w", req.ReplacementAgentID, err)
	}
	s.logger.Printf("agent %s launched (session=%s, role=%s, domain=%s)", req.ReplacementAgentID, req.ReplacementAgentID, req.Role, req.Domain)

	entry := &types.AgentRegistryEntry{
		ID:           req.ReplacementAgentID,
		TmuxSession:  req.ReplacementAgentID,
		Role:         req.Role,
		Domain:       req.Domain,
		Status:       types.AgentActive,
		HandoffCount: req.HandoffNumber,
	}
	if len(req.TaskIDs) > 0 {
		entry.TaskID = req.TaskIDs[0]
	}
	if err := s.registry.Add(entry); err != nil {
		s.logger.Printf("warning: failed to register %s: %v", req.ReplacementAgentID, err)
	}

	return nil
}

// IsAlive reports whether agentID's multiplexer session is still
// running. cmd/session-launcher uses it to discard requests for agents
// already up; the context monitor checks PIDs through internal/instance
// instead.
func (s *Spawner) IsAlive(agentID string) bool {
	return s.mux.IsAlive(agentID)
}

// Stop kills a spawned agent's session. The shutdown cascade does not
// call it; the cascade only sends prepare_shutdown messages.
func (s *Spawner) Stop(agentID string) error {
	return s.mux.Kill(agentID)
}

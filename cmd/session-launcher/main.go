// Command session-launcher is the out-of-process consumer of the
// spawn-request contract: it watches the daemon's spawn-queue directory
// for the artifacts cmd/command-post's admission loop and
// internal/replacement both write, and turns each one into a live
// terminal-multiplexer session. Running it as a separate binary lets an
// operator swap in a different launch mechanism (a container
// scheduler, a remote host) without touching the daemon. Grounded on
// cmd/nats-bridge's poll-forward-ack loop and signal handling.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/seanfdz/commandpost/internal/fsutil"
	"github.com/seanfdz/commandpost/internal/mux"
	"github.com/seanfdz/commandpost/internal/registry"
	"github.com/seanfdz/commandpost/internal/spawner"
	"github.com/seanfdz/commandpost/internal/types"
)

func main() {
	projectRoot := flag.String("project-root", ".", "root directory the daemon writes .command-post/ under")
	pollInterval := flag.Duration("poll-interval", 2*time.Second, "how often to check the spawn-queue directory")
	runtime := flag.String("runtime", "agent-runtime --agent-id %s", "command template for a launched agent, %s is the agent ID")
	tmuxBin := flag.String("tmux-bin", "tmux", "tmux binary to launch sessions with")
	flag.Parse()

	root, err := filepath.Abs(*projectRoot)
	if err != nil {
		fmt.Fprintf(os.Stderr, "resolve project root: %v\n", err)
		os.Exit(1)
	}
	queueDir := filepath.Join(root, ".command-post", "spawn-queue")
	if err := os.MkdirAll(queueDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "create spawn-queue dir: %v\n", err)
		os.Exit(1)
	}

	logger := log.New(os.Stdout, "[SESSION-LAUNCHER] ", log.LstdFlags)

	reg := registry.New(filepath.Join(root, ".command-post", "agent-registry"))
	tm := mux.New(*tmuxBin)
	sp := spawner.New(tm, reg, *runtime)

	logger.Printf("watching %s every %s", queueDir, *pollInterval)

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	ticker := time.NewTicker(*pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-shutdown:
			logger.Println("shutting down")
			return
		case <-ticker.C:
			if err := processQueue(queueDir, sp, logger); err != nil {
				logger.Printf("queue sweep failed: %v", err)
			}
		}
	}
}

// processQueue launches every pending spawn-request it finds, oldest
// first, removing the artifact once the multiplexer session starts
// successfully. A request that fails to spawn is left in place so the
// next sweep retries it.
func processQueue(queueDir string, sp *spawner.Spawner, logger *log.Logger) error {
	names, err := fsutil.ListFiles(queueDir, "*.json")
	if err != nil {
		return fmt.Errorf("list spawn-queue dir: %w", err)
	}
	sort.Strings(names)

	for _, name := range names {
		path := filepath.Join(queueDir, name)
		var req types.SpawnRequest
		if err := fsutil.ReadJSON(path, &req); err != nil {
			logger.Printf("skipping unreadable spawn request %s: %v", path, err)
			continue
		}

		if sp.IsAlive(req.ReplacementAgentID) {
			logger.Printf("agent %s already running, discarding stale request", req.ReplacementAgentID)
			if err := os.Remove(path); err != nil {
				logger.Printf("remove stale request %s: %v", path, err)
			}
			continue
		}

		if err := sp.Spawn(&req); err != nil {
			logger.Printf("spawn %s failed, will retry next sweep: %v", req.ReplacementAgentID, err)
			continue
		}
		logger.Printf("launched %s (role=%s domain=%s)", req.ReplacementAgentID, req.Role, req.Domain)

		if err := os.Remove(path); err != nil {
			logger.Printf("remove consumed request %s: %v", path, err)
		}
	}
	return nil
}

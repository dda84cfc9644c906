// Command command-post is the supervision daemon: it loads the domain
// topology, wires every durable store and background monitor together,
// and runs until a signal or an API-driven shutdown cascade completes.
// Grounded on cmd/cliaimonitor/main.go's flag-parse, instance-lock,
// start-components, graceful-shutdown skeleton.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/seanfdz/commandpost/internal/cascade"
	"github.com/seanfdz/commandpost/internal/closeout"
	"github.com/seanfdz/commandpost/internal/config"
	"github.com/seanfdz/commandpost/internal/contextmon"
	"github.com/seanfdz/commandpost/internal/eventbus"
	"github.com/seanfdz/commandpost/internal/eventlog"
	"github.com/seanfdz/commandpost/internal/findings"
	"github.com/seanfdz/commandpost/internal/fsutil"
	"github.com/seanfdz/commandpost/internal/handoff"
	"github.com/seanfdz/commandpost/internal/index"
	"github.com/seanfdz/commandpost/internal/instance"
	"github.com/seanfdz/commandpost/internal/mailbox"
	"github.com/seanfdz/commandpost/internal/mux"
	natspkg "github.com/seanfdz/commandpost/internal/nats"
	"github.com/seanfdz/commandpost/internal/notify"
	"github.com/seanfdz/commandpost/internal/registry"
	"github.com/seanfdz/commandpost/internal/replacement"
	"github.com/seanfdz/commandpost/internal/snapshot"
	"github.com/seanfdz/commandpost/internal/spawner"
	"github.com/seanfdz/commandpost/internal/spawnqueue"
	"github.com/seanfdz/commandpost/internal/statusapi"
	"github.com/seanfdz/commandpost/internal/tasks"
	"github.com/seanfdz/commandpost/internal/types"
)

func main() {
	configPath := flag.String("config", "configs/command-post.yaml", "domain topology and tuning config")
	projectRoot := flag.String("project-root", ".", "root directory agents and the daemon read/write under")
	statusAddr := flag.String("status-addr", "", "overrides config's statusAddr if set")
	status := flag.Bool("status", false, "show whether a daemon is already running and exit")
	stop := flag.Bool("stop", false, "request a running daemon to shut down and exit")
	flag.Parse()

	root, err := filepath.Abs(*projectRoot)
	if err != nil {
		fmt.Fprintf(os.Stderr, "resolve project root: %v\n", err)
		os.Exit(1)
	}
	dataDir := filepath.Join(root, ".command-post")
	pidPath := filepath.Join(dataDir, "command-post.pid")

	if *status {
		showStatus(pidPath)
		return
	}
	if *stop {
		requestStop(pidPath)
		return
	}

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "create data dir: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config %s: %v\n", *configPath, err)
		os.Exit(1)
	}
	if *statusAddr != "" {
		cfg.StatusAddr = *statusAddr
	}
	if cfg.ProjectRoot == "" {
		cfg.ProjectRoot = root
	}
	if cfg.StatusAddr != "" {
		cfg.StatusAddr = resolveStatusAddr(cfg.StatusAddr, log.New(os.Stderr, "[COMMAND-POST] ", log.LstdFlags))
	}

	im := instance.New(pidPath)
	statusURL := fmt.Sprintf("http://%s/api/health", cfg.StatusAddr)
	if err := im.Acquire(statusURL); err != nil {
		fmt.Fprintf(os.Stderr, "another command-post instance appears to be running: %v\n", err)
		os.Exit(1)
	}
	defer im.Release()

	logger := log.New(os.Stdout, "[COMMAND-POST] ", log.LstdFlags)

	// With no external NATSUrl configured, fall back to an in-process
	// server so the live event mirror still has somewhere to publish.
	natsURL := cfg.NATSUrl
	if natsURL == "" {
		port := cfg.NATSEmbeddedPort
		if port <= 0 {
			port = instance.FindAvailablePort(4222)
		}
		if port == 0 {
			logger.Printf("no free port for embedded nats, continuing without live mirror")
		} else if embedded, embErr := natspkg.NewEmbeddedServer(natspkg.EmbeddedServerConfig{Port: port}); embErr != nil {
			logger.Printf("embedded nats setup failed, continuing without live mirror: %v", embErr)
		} else if embErr := embedded.Start(); embErr != nil {
			logger.Printf("embedded nats start failed, continuing without live mirror: %v", embErr)
		} else {
			defer embedded.Shutdown()
			natsURL = embedded.URL()
		}
	}

	var natsClient *natspkg.Client
	if natsURL != "" {
		natsClient, err = natspkg.NewClient(natsURL)
		if err != nil {
			logger.Printf("nats connect failed, continuing without live mirror: %v", err)
			natsClient = nil
		} else {
			defer natsClient.Close()
		}
	}
	var publisher eventbus.NATSPublisher
	if natsClient != nil {
		publisher = natsClient
	}

	reg := registry.New(filepath.Join(dataDir, "agent-registry"))
	taskStore := tasks.New(filepath.Join(dataDir, "tasks"))
	findingStore := findings.New(filepath.Join(dataDir, "findings"))
	mb := mailbox.New(filepath.Join(dataDir, "messages"))
	elog := eventlog.New(filepath.Join(dataDir, "events", "events.jsonl"))
	bus := eventbus.New(publisher)
	snaps := snapshot.New(filepath.Join(dataDir, "snapshots"))
	queue := spawnqueue.New(filepath.Join(dataDir, "admission-queue"), cfg, reg, taskStore, elog, bus)
	ho := handoff.New(filepath.Join(dataDir, "handoff-state.json"), taskStore, snaps, mb, elog, bus)
	if err := ho.LoadState(); err != nil {
		logger.Printf("no prior handoff state to resume: %v", err)
	}

	idx, err := index.Open(filepath.Join(dataDir, "index.db"))
	if err != nil {
		logger.Printf("event index unavailable, continuing without it: %v", err)
	} else {
		defer idx.Close()
		if err := idx.Rebuild(elog); err != nil {
			logger.Printf("rebuild event index: %v", err)
		}
	}

	tm := mux.New("")
	agentSpawner := spawner.New(tm, reg, "")

	notifier := notify.New(cfg.Notify)
	mb.SetCriticalHook(func(msg *types.Message) {
		if err := notifier.Send(msg); err != nil {
			logger.Printf("escalation delivery failed: %v", err)
		}
	})

	replaceCoord := replacement.New(cfg, reg, snaps, ho, mb, elog, bus, agentSpawner, filepath.Join(dataDir, "completed-flows"))
	ctxMonitor := contextmon.New(cfg, reg, elog, bus, replaceCoord)
	cascadeMonitor := cascade.New(cfg, reg, taskStore, findingStore, mb, elog, bus, filepath.Join(dataDir, "cascade-state"))

	closeoutMgr := closeout.New(cfg, root, taskStore, reg, elog, mb)
	cascadeMonitor.SetCloseoutHook(func() error {
		result := closeoutMgr.Run()
		if !result.Success {
			logger.Printf("closeout finished with errors: %v", result.Errors)
		}
		return cascadeMonitor.CompleteAndShutdown()
	})

	api := statusapi.New(reg, taskStore, findingStore, queue, bus)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	apiErrCh := make(chan error, 1)
	go func() {
		if cfg.StatusAddr == "" {
			return
		}
		apiErrCh <- api.Start(cfg.StatusAddr)
	}()

	go runPollLoop(ctx, "contextmon", cfg.PollInterval(), logger, ctxMonitor.PollOnce)
	go runPollLoop(ctx, "cascade", cfg.PollInterval(), logger, cascadeMonitor.Poll)
	go runPollLoop(ctx, "spawnqueue", cfg.PollInterval(), logger, func() error {
		return runAdmissionRound(queue, dataDir, root)
	})
	go runPollLoop(ctx, "replacement-timeouts", cfg.PollInterval(), logger, func() error {
		return replaceCoord.ReissueTimedOutRequests(cfg.SnapshotTimeout())
	})
	go runPollLoop(ctx, "task-cache-refresh", cfg.PollInterval(), logger, api.RefreshTaskCache)

	logger.Printf("command-post running (project root %s, status API %s)", root, cfg.StatusAddr)

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case <-shutdown:
		logger.Println("shutdown signal received")
	case err := <-apiErrCh:
		if err != nil {
			logger.Printf("status API exited: %v", err)
		}
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := api.Shutdown(shutdownCtx); err != nil {
		logger.Printf("status API shutdown: %v", err)
	}
	if err := ho.SaveState(); err != nil {
		logger.Printf("save handoff state: %v", err)
	}
	logger.Println("command-post stopped")
}

// runPollLoop calls fn on every tick of interval until ctx is cancelled,
// logging but never aborting the loop on a single failed or panicking
// round.
func runPollLoop(ctx context.Context, name string, interval time.Duration, logger *log.Logger, fn func() error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			func() {
				defer func() {
					if r := recover(); r != nil {
						logger.Printf("%s round panicked: %v", name, r)
					}
				}()
				if err := fn(); err != nil {
					logger.Printf("%s round failed: %v", name, err)
				}
			}()
		}
	}
}

// runAdmissionRound releases any spawn-queue entries newly unblocked by
// a completed domain or task dependency, then admits every entry
// NextAdmissible finds ready, one at a time (so each admission's
// capacity effect is visible to the next), writing a durable
// spawn-request artifact for the session launcher to pick up and
// marking the entry spawned once that artifact lands.
func runAdmissionRound(queue *spawnqueue.Queue, dataDir, projectRoot string) error {
	if _, err := queue.Release(); err != nil {
		return fmt.Errorf("release: %w", err)
	}
	for {
		entry, err := queue.NextAdmissible()
		if err != nil {
			return fmt.Errorf("next admissible: %w", err)
		}
		if entry == nil {
			return nil
		}
		req := &types.SpawnRequest{
			RequestID:          entry.ID,
			ReplacementAgentID: entry.SpawnedAgentID,
			Role:               types.Role(entry.Role),
			Domain:             entry.Domain,
			ProjectPath:        projectRoot,
			Timestamp:          entry.CreatedAt,
		}
		reqPath := filepath.Join(dataDir, "spawn-queue", entry.ID+".json")
		if err := fsutil.WriteJSONAtomic(reqPath, req); err != nil {
			return fmt.Errorf("write spawn request %s: %w", entry.ID, err)
		}
		if err := queue.MarkSpawned(entry.ID, entry.SpawnedAgentID); err != nil {
			return fmt.Errorf("mark spawned: %w", err)
		}
	}
}

// resolveStatusAddr returns addr unchanged if its port is free to bind,
// otherwise finds the next free port after it and logs the fallback.
// A malformed addr is returned unchanged and left for ListenAndServe
// to reject.
func resolveStatusAddr(addr string, logger *log.Logger) string {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return addr
	}
	if instance.IsPortAvailable(port) {
		return addr
	}
	free := instance.FindAvailablePort(port + 1)
	if free == 0 {
		logger.Printf("status API port %d is taken and no free port found nearby, attempting to bind anyway", port)
		return addr
	}
	logger.Printf("status API port %d is taken, falling back to %d", port, free)
	return net.JoinHostPort(host, strconv.Itoa(free))
}

func showStatus(pidPath string) {
	im := instance.New(pidPath)
	info, alive, ok := im.Status()
	if !ok {
		fmt.Println("no command-post instance is currently running")
		return
	}
	if !alive {
		fmt.Printf("stale pid file found (pid %d is not running); a new instance may start cleanly\n", info.PID)
		return
	}
	fmt.Printf("command-post running: pid %d, started %s, status API %s\n", info.PID, info.StartedAt.Format(time.RFC3339), info.StatusURL)
}

func requestStop(pidPath string) {
	im := instance.New(pidPath)
	info, alive, ok := im.Status()
	if !ok || !alive {
		fmt.Println("no command-post instance is currently running")
		return
	}
	process, err := os.FindProcess(info.PID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "find process %d: %v\n", info.PID, err)
		os.Exit(1)
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		fmt.Fprintf(os.Stderr, "signal process %d: %v\n", info.PID, err)
		os.Exit(1)
	}
	fmt.Printf("sent SIGTERM to pid %d\n", info.PID)
}

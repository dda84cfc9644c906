// Command cpctl is the operator's inspection and control CLI: read
// agents, tasks, findings and the spawn-queue straight off the
// filesystem stores the daemon maintains, trigger a closeout run by
// hand, or tail live events off a running daemon's status API.
// Grounded on cmd/dbctl's single -action flag dispatch, generalized
// from dbctl's one SQLite handle to Command Post's several
// file-backed stores.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/seanfdz/commandpost/internal/closeout"
	"github.com/seanfdz/commandpost/internal/config"
	"github.com/seanfdz/commandpost/internal/eventbus"
	"github.com/seanfdz/commandpost/internal/eventlog"
	"github.com/seanfdz/commandpost/internal/findings"
	"github.com/seanfdz/commandpost/internal/instance"
	"github.com/seanfdz/commandpost/internal/mailbox"
	"github.com/seanfdz/commandpost/internal/registry"
	"github.com/seanfdz/commandpost/internal/spawnqueue"
	"github.com/seanfdz/commandpost/internal/tasks"
	"github.com/seanfdz/commandpost/internal/types"
)

func main() {
	projectRoot := flag.String("project-root", ".", "root directory the daemon writes .command-post/ under")
	configPath := flag.String("config", "configs/command-post.yaml", "domain topology config, used by spawn-queue and closeout actions")
	action := flag.String("action", "", "status, agents, agent, tasks, task, findings, spawn-queue, closeout, watch")
	id := flag.String("id", "", "agent ID, task ID or finding filter, depending on -action")
	domain := flag.String("domain", "", "filter by domain")
	statusFilter := flag.String("status", "", "filter tasks by status")
	addr := flag.String("addr", "localhost:8090", "status API address, used by -action watch")
	flag.Parse()

	if *action == "" {
		fmt.Fprintln(os.Stderr, "Usage: cpctl -action <action> [-id ID] [-domain DOMAIN] [-status STATUS]")
		fmt.Fprintln(os.Stderr, "Actions: status, agents, agent, tasks, task, findings, spawn-queue, closeout, watch")
		os.Exit(1)
	}

	root, err := filepath.Abs(*projectRoot)
	if err != nil {
		fmt.Fprintf(os.Stderr, "resolve project root: %v\n", err)
		os.Exit(1)
	}
	dataDir := filepath.Join(root, ".command-post")

	var out interface{}
	switch *action {
	case "status":
		out = runStatus(dataDir)
	case "agents":
		out, err = runAgents(dataDir, *domain)
	case "agent":
		out, err = runAgent(dataDir, *id)
	case "tasks":
		out, err = runTasks(dataDir, *statusFilter, *domain)
	case "task":
		out, err = runTask(dataDir, *id)
	case "findings":
		out, err = runFindings(dataDir, *domain, *id)
	case "spawn-queue":
		out, err = runSpawnQueue(dataDir, *configPath, root)
	case "closeout":
		out, err = runCloseout(dataDir, *configPath, root)
	case "watch":
		err = runWatch(*addr)
	default:
		fmt.Fprintf(os.Stderr, "unknown action: %s\n", *action)
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", *action, err)
		os.Exit(1)
	}
	if out == nil {
		return
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(out)
}

func runStatus(dataDir string) interface{} {
	im := instance.New(filepath.Join(dataDir, "command-post.pid"))
	info, alive, ok := im.Status()
	if !ok {
		return map[string]interface{}{"running": false}
	}
	out := map[string]interface{}{
		"running":    alive,
		"pid":        info.PID,
		"started_at": info.StartedAt,
		"status_url": info.StatusURL,
		"hostname":   info.Hostname,
	}
	if alive && info.StatusURL != "" {
		if err := instance.HealthCheck(info.StatusURL); err != nil {
			out["status_api_reachable"] = false
			out["status_api_error"] = err.Error()
		} else {
			out["status_api_reachable"] = true
		}
	}
	return out
}

func runAgents(dataDir, domain string) (interface{}, error) {
	reg := registry.New(filepath.Join(dataDir, "agent-registry"))
	if domain != "" {
		return reg.ByDomain(domain)
	}
	return reg.List()
}

func runAgent(dataDir, id string) (interface{}, error) {
	if id == "" {
		return nil, fmt.Errorf("-id is required")
	}
	reg := registry.New(filepath.Join(dataDir, "agent-registry"))
	return reg.Get(id)
}

func runTasks(dataDir, status, domain string) (interface{}, error) {
	taskStore := tasks.New(filepath.Join(dataDir, "tasks"))
	switch {
	case status != "":
		return taskStore.ByStatus(types.TaskStatus(strings.ToLower(strings.TrimSpace(status))))
	case domain != "":
		return taskStore.ByDomain(domain)
	default:
		return taskStore.List()
	}
}

func runTask(dataDir, id string) (interface{}, error) {
	if id == "" {
		return nil, fmt.Errorf("-id is required")
	}
	taskStore := tasks.New(filepath.Join(dataDir, "tasks"))
	return taskStore.Get(id)
}

func runFindings(dataDir, domain, taskID string) (interface{}, error) {
	findingStore := findings.New(filepath.Join(dataDir, "findings"))
	switch {
	case domain != "":
		return findingStore.ByDomain(domain)
	case taskID != "":
		return findingStore.ByTask(taskID)
	default:
		return findingStore.List()
	}
}

func runSpawnQueue(dataDir, configPath, projectRoot string) (interface{}, error) {
	cfg := loadConfigOrDefault(configPath, projectRoot)
	reg := registry.New(filepath.Join(dataDir, "agent-registry"))
	taskStore := tasks.New(filepath.Join(dataDir, "tasks"))
	elog := eventlog.New(filepath.Join(dataDir, "events", "events.jsonl"))
	bus := eventbus.New(nil)
	queue := spawnqueue.New(filepath.Join(dataDir, "admission-queue"), cfg, reg, taskStore, elog, bus)
	return queue.List()
}

func runCloseout(dataDir, configPath, projectRoot string) (interface{}, error) {
	cfg := loadConfigOrDefault(configPath, projectRoot)
	reg := registry.New(filepath.Join(dataDir, "agent-registry"))
	taskStore := tasks.New(filepath.Join(dataDir, "tasks"))
	elog := eventlog.New(filepath.Join(dataDir, "events", "events.jsonl"))
	mb := mailbox.New(filepath.Join(dataDir, "messages"))
	mgr := closeout.New(cfg, projectRoot, taskStore, reg, elog, mb)
	result := mgr.Run()
	return result, nil
}

// runWatch dials the running daemon's event-tail websocket and prints
// each event as it arrives until interrupted.
func runWatch(addr string) error {
	u := url.URL{Scheme: "ws", Host: addr, Path: "/ws"}
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", u.String(), err)
	}
	defer conn.Close()

	fmt.Printf("tailing events from %s, ctrl-c to stop\n", u.String())
	for {
		var raw json.RawMessage
		if err := conn.ReadJSON(&raw); err != nil {
			return fmt.Errorf("read: %w", err)
		}
		fmt.Println(string(raw))
	}
}

func loadConfigOrDefault(path, projectRoot string) *config.Config {
	cfg, err := config.Load(path)
	if err != nil {
		cfg = config.Default()
	}
	if cfg.ProjectRoot == "" {
		cfg.ProjectRoot = projectRoot
	}
	return cfg
}


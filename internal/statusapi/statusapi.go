// Package statusapi is the read-only HTTP view onto the supervision
// core's state: agents, tasks, findings, the spawn queue, and a live
// event tail over a websocket. It has no write endpoints and renders
// nothing — adapted from the teacher's internal/server package, which
// combines a gorilla/mux JSON API with a websocket Hub for its
// dashboard; this trims that down to the subset that makes sense for
// an operator CLI or external monitor polling the daemon, and the
// Hub's single-shared-broadcast-channel pattern is replaced with one
// eventbus subscription per connected client so a slow client can only
// ever fall behind its own feed.
package statusapi

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/seanfdz/commandpost/internal/cperr"
	"github.com/seanfdz/commandpost/internal/eventbus"
	"github.com/seanfdz/commandpost/internal/findings"
	"github.com/seanfdz/commandpost/internal/registry"
	"github.com/seanfdz/commandpost/internal/spawnqueue"
	"github.com/seanfdz/commandpost/internal/tasks"
	"github.com/seanfdz/commandpost/internal/types"
)

// writeTimeout bounds how long a websocket write to one client may take
// before the client is dropped.
const writeTimeout = 10 * time.Second

// Server is the read-only status API. It owns an *http.Server and a
// *mux.Router over a fixed set of GET handlers.
type Server struct {
	httpServer *http.Server
	router     *mux.Router

	registry  *registry.Registry
	tasks     *tasks.Store
	taskCache *tasks.Cache
	findings  *findings.Store
	queue     *spawnqueue.Queue
	bus       *eventbus.Bus

	logger *log.Logger
}

// New wires a Server to its backing stores. bus may be nil, in which
// case the /ws endpoint upgrades the connection but never has anything
// to send and closes on the client's next disconnect.
func New(reg *registry.Registry, taskStore *tasks.Store, findingStore *findings.Store, queue *spawnqueue.Queue, bus *eventbus.Bus) *Server {
	s := &Server{
		registry:  reg,
		tasks:     taskStore,
		taskCache: tasks.NewCache(),
		findings:  findingStore,
		queue:     queue,
		bus:       bus,
		logger:    log.New(log.Writer(), "[STATUSAPI] ", log.LstdFlags),
	}
	if err := s.taskCache.Refresh(taskStore); err != nil {
		s.logger.Printf("initial task cache refresh failed, falling back to store reads: %v", err)
	}
	s.setupRoutes()
	return s
}

// RefreshTaskCache repopulates the unfiltered-task-list cache from the
// store. Called on a timer by the daemon so /api/tasks without a query
// filter serves a recent in-memory snapshot instead of re-scanning the
// task directory on every request.
func (s *Server) RefreshTaskCache() error {
	return s.taskCache.Refresh(s.tasks)
}

func (s *Server) setupRoutes() {
	s.router = mux.NewRouter()
	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/agents", s.handleAgents).Methods("GET")
	api.HandleFunc("/agents/{id}", s.handleAgent).Methods("GET")
	api.HandleFunc("/tasks", s.handleTasks).Methods("GET")
	api.HandleFunc("/tasks/{id}", s.handleTask).Methods("GET")
	api.HandleFunc("/findings", s.handleFindings).Methods("GET")
	api.HandleFunc("/spawn-queue", s.handleSpawnQueue).Methods("GET")
	api.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/ws", s.handleWebSocket)
}

// Start runs the HTTP server on addr. It blocks until the server stops
// (ListenAndServe's contract) and returns http.ErrServerClosed on a
// clean Shutdown.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{Addr: addr, Handler: s.router}
	s.logger.Printf("listening on %s", addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) respondJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Printf("encode response: %v", err)
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// respondStoreError maps a store error's cperr.Kind onto the matching
// HTTP status instead of collapsing everything to 500.
func (s *Server) respondStoreError(w http.ResponseWriter, err error) {
	if cperr.Is(err, cperr.KindNotFound) {
		s.respondError(w, http.StatusNotFound, err.Error())
		return
	}
	s.respondError(w, http.StatusInternalServerError, err.Error())
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	if domain := r.URL.Query().Get("domain"); domain != "" {
		agents, err := s.registry.ByDomain(domain)
		if err != nil {
			s.respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.respondJSON(w, agents)
		return
	}
	agents, err := s.registry.List()
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, agents)
}

func (s *Server) handleAgent(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	agent, err := s.registry.Get(id)
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	s.respondJSON(w, agent)
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	switch {
	case q.Get("status") != "":
		t, err := s.tasks.ByStatus(types.TaskStatus(q.Get("status")))
		if err != nil {
			s.respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.respondJSON(w, t)
	case q.Get("assignee") != "":
		t, err := s.tasks.ByAssignee(q.Get("assignee"))
		if err != nil {
			s.respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.respondJSON(w, t)
	case q.Get("domain") != "":
		t, err := s.tasks.ByDomain(q.Get("domain"))
		if err != nil {
			s.respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.respondJSON(w, t)
	default:
		s.respondJSON(w, s.taskCache.All())
	}
}

func (s *Server) handleTask(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	t, err := s.tasks.Get(id)
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	s.respondJSON(w, t)
}

func (s *Server) handleFindings(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	switch {
	case q.Get("domain") != "":
		f, err := s.findings.ByDomain(q.Get("domain"))
		if err != nil {
			s.respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.respondJSON(w, f)
	case q.Get("task_id") != "":
		f, err := s.findings.ByTask(q.Get("task_id"))
		if err != nil {
			s.respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.respondJSON(w, f)
	default:
		f, err := s.findings.List()
		if err != nil {
			s.respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.respondJSON(w, f)
	}
}

func (s *Server) handleSpawnQueue(w http.ResponseWriter, r *http.Request) {
	entries, err := s.queue.List()
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, entries)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{"status": "ok"}
	if s.bus != nil {
		resp["eventsDropped"] = s.bus.DroppedCount()
	}
	s.respondJSON(w, resp)
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleWebSocket upgrades the connection and streams every future
// event from the bus to this one client, JSON-encoded, until the
// client disconnects or a write stalls past writeTimeout. Each client
// gets its own subscription, so one slow reader only drops its own
// feed (per eventbus's backpressure policy), never another client's.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	if s.bus == nil {
		s.drainUntilClosed(conn)
		return
	}

	ch := s.bus.Subscribe()
	defer s.bus.Unsubscribe(ch)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}

// drainUntilClosed keeps a websocket connection alive (reading and
// discarding) when there is no event bus to tail, so a client that
// connected before the bus was wired still gets a clean disconnect
// instead of an abrupt reset.
func (s *Server) drainUntilClosed(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

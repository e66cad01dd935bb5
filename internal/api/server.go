// Package api serves the supervisor's HTTP surface: health, metrics, the
// status snapshot, the agent tool endpoints and the websocket event
// stream.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	aoferrors "github.com/randalmurphal/aof/internal/errors"
	"github.com/randalmurphal/aof/internal/events"
	"github.com/randalmurphal/aof/internal/service"
	"github.com/randalmurphal/aof/internal/task"
	"github.com/randalmurphal/aof/internal/tools"
)

// statusCacheTTL bounds how stale the /aof/status snapshot may be.
// Dashboards poll aggressively; the store should not pay for that.
const statusCacheTTL = 2 * time.Second

// Config holds server configuration.
type Config struct {
	Addr   string
	Logger *slog.Logger
}

// DefaultConfig returns the default server configuration.
func DefaultConfig() *Config {
	return &Config{
		Addr:   ":7333",
		Logger: slog.Default(),
	}
}

// Deps wires the server to the running supervisor. Supervisor and
// Publisher may be nil in tests that only exercise the store routes.
type Deps struct {
	Store      *task.Store
	Supervisor *service.Supervisor
	Tools      *tools.Tools
	Publisher  events.Publisher
}

// Server is the AOF HTTP server for one project.
type Server struct {
	addr   string
	mux    *http.ServeMux
	logger *slog.Logger

	store      *task.Store
	supervisor *service.Supervisor
	tools      *tools.Tools
	publisher  events.Publisher
	wsHandler  *WSHandler

	status *statusCache
}

// New creates the server and registers its routes.
func New(cfg *Config, deps Deps) *Server {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	pub := deps.Publisher
	if pub == nil {
		pub = events.NopPublisher{}
	}

	s := &Server{
		addr:       cfg.Addr,
		mux:        http.NewServeMux(),
		logger:     logger,
		store:      deps.Store,
		supervisor: deps.Supervisor,
		tools:      deps.Tools,
		publisher:  pub,
	}
	s.status = newStatusCache(s.snapshotStatus, statusCacheTTL)
	s.wsHandler = NewWSHandler(pub, s.supervisor, logger)

	s.registerRoutes()
	return s
}

// registerRoutes sets up all routes.
func (s *Server) registerRoutes() {
	cors := func(h http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}
			h(w, r)
		}
	}

	s.mux.HandleFunc("GET /health", cors(s.handleHealth))
	s.mux.Handle("GET /metrics", promhttp.Handler())
	s.mux.HandleFunc("GET /aof/status", cors(s.handleStatus))

	s.mux.HandleFunc("GET /api/tasks", cors(s.handleListTasks))
	s.mux.HandleFunc("GET /api/tasks/{id}", cors(s.handleGetTask))

	s.mux.HandleFunc("POST /api/tools/dispatch", cors(s.handleDispatch))
	s.mux.HandleFunc("POST /api/tools/task_update", cors(s.handleTaskUpdate))
	s.mux.HandleFunc("POST /api/tools/task_complete", cors(s.handleTaskComplete))
	s.mux.HandleFunc("GET /api/tools/status_report", cors(s.handleStatusReport))

	s.mux.HandleFunc("POST /api/poll", cors(s.handleTriggerPoll))

	s.mux.Handle("GET /ws", s.wsHandler)
}

// Handler exposes the mux for httptest servers.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// StartContext runs the server until the context is cancelled, then
// shuts down gracefully.
func (s *Server) StartContext(ctx context.Context) error {
	server := &http.Server{
		Addr:    s.addr,
		Handler: s.mux,
	}

	go func() {
		<-ctx.Done()
		s.wsHandler.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	s.logger.Info("http server started", "addr", s.addr)
	err := server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// handleHealth answers 200 while the process is up.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, map[string]string{"status": "ok"})
}

// StatusResponse is the /aof/status payload.
type StatusResponse struct {
	Scheduler  string         `json:"scheduler"`
	Tasks      map[string]int `json:"tasks"`
	LastPollAt *time.Time     `json:"lastPollAt,omitempty"`
	LastError  string         `json:"lastError,omitempty"`
}

func (s *Server) snapshotStatus() (*StatusResponse, error) {
	resp := &StatusResponse{
		Scheduler: "stopped",
		Tasks:     make(map[string]int),
	}
	if s.supervisor != nil {
		st := s.supervisor.Status()
		if st.Running {
			resp.Scheduler = "running"
		}
		resp.LastPollAt = st.LastPollAt
		resp.LastError = st.LastError
	}
	for st, n := range s.store.CountByStatus() {
		resp.Tasks[string(st)] = n
	}
	return resp, nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := s.status.Get()
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.jsonResponse(w, snap)
}

func (s *Server) handleTriggerPoll(w http.ResponseWriter, r *http.Request) {
	if s.supervisor == nil {
		s.jsonError(w, "no supervisor attached", http.StatusServiceUnavailable)
		return
	}
	s.supervisor.Trigger("api")
	w.WriteHeader(http.StatusAccepted)
	s.jsonResponse(w, map[string]string{"status": "poll triggered"})
}

// jsonResponse writes a JSON response.
func (s *Server) jsonResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warn("response encoding failed", "error", err)
	}
}

// jsonError writes a JSON error response.
func (s *Server) jsonError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// writeError maps an error to its HTTP status. Coded errors carry their
// own status and serialize themselves; everything else is a 500.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var aofErr *aoferrors.AOFError
	if errors.As(err, &aofErr) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(aofErr.HTTPStatus())
		_ = json.NewEncoder(w).Encode(aofErr)
		return
	}
	s.jsonError(w, err.Error(), http.StatusInternalServerError)
}

package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/larksings/voiceagent/internal/config"
	"github.com/larksings/voiceagent/internal/observability"
	"github.com/larksings/voiceagent/internal/persona"
	"github.com/larksings/voiceagent/internal/session"
)

// JobRequest asks the worker to join a room and run one session.
type JobRequest struct {
	RoomName string `json:"room_name"`
	// RoomMetadata seeds in-process rooms; joined rooms carry their own.
	RoomMetadata string `json:"room_metadata,omitempty"`
	Metadata     string `json:"metadata,omitempty"`
}

type JobResponse struct {
	SessionID string `json:"session_id"`
	RoomName  string `json:"room_name"`
}

// Dispatcher starts and stops sessions in the background.
type Dispatcher interface {
	Dispatch(req JobRequest) (string, error)
	Hangup(sessionID string) bool
	Capacity() int
	Running() int
}

type Server struct {
	cfg        config.Config
	sessions   *session.Manager
	registry   *persona.Registry
	dispatcher Dispatcher
	metrics    *observability.Metrics
}

func New(cfg config.Config, sessions *session.Manager, registry *persona.Registry, dispatcher Dispatcher, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:        cfg,
		sessions:   sessions,
		registry:   registry,
		dispatcher: dispatcher,
		metrics:    metrics,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Get("/v1/personas", s.handleListPersonas)
	r.Post("/v1/jobs", s.handleDispatch)
	r.Get("/v1/sessions", s.handleListSessions)
	r.Get("/v1/sessions/{id}", s.handleGetSession)
	r.Delete("/v1/sessions/{id}", s.handleHangup)
	r.Get("/v1/perf/lifecycle", s.handlePerfLifecycle)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"memory_mode":   s.memoryMode(),
		"engine_mode":   s.cfg.EngineMode,
		"default_agent": s.defaultAgent(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.dispatcher == nil {
		respondError(w, http.StatusServiceUnavailable, "not_ready", "dispatcher not configured")
		return
	}
	running, capacity := s.dispatcher.Running(), s.dispatcher.Capacity()
	status := http.StatusOK
	state := "ready"
	if running >= capacity {
		status = http.StatusServiceUnavailable
		state = "at_capacity"
	}
	respondJSON(w, status, map[string]any{
		"status":   state,
		"running":  running,
		"capacity": capacity,
	})
}

func (s *Server) handleListPersonas(w http.ResponseWriter, _ *http.Request) {
	if s.registry == nil {
		respondJSON(w, http.StatusOK, map[string]any{"personas": []persona.Summary{}})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"default":  s.registry.DefaultID(),
		"personas": s.registry.Summaries(),
	})
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var req JobRequest
	if err := decodeJSON(r, &req); err != nil {
		if errors.Is(err, errEmptyBody) {
			respondError(w, http.StatusBadRequest, "invalid_request", "request body is required")
			return
		}
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	req.RoomName = strings.TrimSpace(req.RoomName)
	if req.RoomName == "" {
		respondError(w, http.StatusBadRequest, "missing_room_name", "room_name is required")
		return
	}
	if s.dispatcher == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "dispatcher not configured")
		return
	}

	id, err := s.dispatcher.Dispatch(req)
	switch {
	case errors.Is(err, session.ErrAtCapacity):
		s.metrics.Event("rejected_capacity")
		respondError(w, http.StatusServiceUnavailable, "at_capacity", err.Error())
		return
	case err != nil:
		respondError(w, http.StatusInternalServerError, "dispatch_failed", err.Error())
		return
	}
	s.metrics.Event("dispatched")
	respondJSON(w, http.StatusAccepted, JobResponse{SessionID: id, RoomName: req.RoomName})
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"sessions": s.sessions.List(),
		"active":   s.sessions.ActiveCount(),
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			respondError(w, http.StatusNotFound, "session_not_found", err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleHangup(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if _, err := s.sessions.Get(id); err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	if s.dispatcher == nil || !s.dispatcher.Hangup(id) {
		respondError(w, http.StatusConflict, "session_not_running", "session is not running")
		return
	}
	s.metrics.Event("hangup_requested")
	respondJSON(w, http.StatusAccepted, map[string]string{"session_id": id, "status": "closing"})
}

func (s *Server) memoryMode() string {
	mode := strings.ToLower(strings.TrimSpace(s.cfg.MemoryBackend))
	if mode == "" {
		return "auto"
	}
	return mode
}

func (s *Server) defaultAgent() string {
	if s.registry == nil {
		return ""
	}
	return s.registry.DefaultID()
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

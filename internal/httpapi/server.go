// Package httpapi exposes the execution engine over HTTP: run submission,
// trace queries, the agent catalog, SSE stream bridging, health, and
// Prometheus metrics.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/agentrun/internal/engine"
	"github.com/haasonsaas/agentrun/internal/engine/providers"
	"github.com/haasonsaas/agentrun/internal/stream"
	"github.com/haasonsaas/agentrun/internal/trace"
	"github.com/haasonsaas/agentrun/pkg/models"
)

// Config wires the server's collaborators.
type Config struct {
	Engine  *engine.Engine
	Store   trace.Store
	Mux     *stream.Mux
	Factory *providers.Factory
	Logger  *slog.Logger

	// AbortOnDisconnect cancels the backing run when an SSE client
	// disconnects before the stream finishes.
	AbortOnDisconnect bool
}

// Server is the HTTP front end.
type Server struct {
	cfg Config
	log *slog.Logger
}

// NewServer builds the server. Engine, Store, and Mux are required.
func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{cfg: cfg, log: cfg.Logger}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/runs", s.handleCreateRun)
	mux.HandleFunc("GET /api/runs", s.handleListRuns)
	mux.HandleFunc("GET /api/runs/{id}", s.handleGetRun)
	mux.HandleFunc("DELETE /api/runs/{id}", s.handleDeleteRun)
	mux.HandleFunc("GET /api/streams/{id}", s.handleStream)
	mux.HandleFunc("GET /api/agents", s.handleAgents)
	mux.HandleFunc("GET /api/tools/stats", s.handleToolStats)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

// CreateRunRequest is the body of POST /api/runs.
type CreateRunRequest struct {
	AgentID       string `json:"agent_id"`
	Message       string `json:"message"`
	ModelOverride string `json:"model_override,omitempty"`
	MaxTurns      int    `json:"max_turns,omitempty"`
	RunID         string `json:"run_id,omitempty"`
	Stream        bool   `json:"stream,omitempty"`
}

// CreateRunResponse is the body returned by POST /api/runs.
type CreateRunResponse struct {
	RunID           string           `json:"run_id"`
	Status          models.RunStatus `json:"status,omitempty"`
	StreamSessionID string           `json:"stream_session_id,omitempty"`
	Run             *models.Run      `json:"run,omitempty"`
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var body CreateRunRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	req := engine.ExecuteRequest{
		AgentID:       body.AgentID,
		Message:       body.Message,
		ModelOverride: body.ModelOverride,
		MaxTurns:      body.MaxTurns,
		RunID:         body.RunID,
	}

	if body.Stream {
		sessionID, runID, err := s.cfg.Engine.ExecuteStream(r.Context(), req)
		if err != nil {
			s.writeEngineError(w, err)
			return
		}
		s.jsonResponse(w, http.StatusAccepted, CreateRunResponse{
			RunID:           runID,
			Status:          models.RunRunning,
			StreamSessionID: sessionID,
		})
		return
	}

	run, err := s.cfg.Engine.Execute(r.Context(), req)
	if err != nil && run == nil {
		s.writeEngineError(w, err)
		return
	}
	// Loop failures still produce a persisted errored run. Return it.
	s.jsonResponse(w, http.StatusOK, CreateRunResponse{
		RunID:  run.ID,
		Status: run.Status,
		Run:    run,
	})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.cfg.Engine.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, run)
}

// RunListResponse is the body of GET /api/runs.
type RunListResponse struct {
	Runs  []*models.Run `json:"runs"`
	Count int           `json:"count"`
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := trace.RunFilter{
		AgentID: q.Get("agent_id"),
		Status:  models.RunStatus(q.Get("status")),
		Limit:   parseIntParam(r, "limit", 50),
		Offset:  parseIntParam(r, "offset", 0),
	}
	if filter.Limit < 1 || filter.Limit > 500 {
		filter.Limit = 50
	}

	runs, err := s.cfg.Store.QueryRuns(r.Context(), filter)
	if err != nil {
		s.log.Error("query runs", "error", err)
		s.jsonError(w, "failed to list runs", http.StatusInternalServerError)
		return
	}
	if runs == nil {
		runs = []*models.Run{}
	}
	s.jsonResponse(w, http.StatusOK, RunListResponse{Runs: runs, Count: len(runs)})
}

func (s *Server) handleDeleteRun(w http.ResponseWriter, r *http.Request) {
	err := s.cfg.Store.DeleteRun(r.Context(), r.PathValue("id"))
	if errors.Is(err, trace.ErrNotFound) {
		s.jsonError(w, "run not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.log.Error("delete run", "error", err)
		s.jsonError(w, "failed to delete run", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.cfg.Engine.Agents(r.Context())
	if err != nil {
		s.log.Error("list agents", "error", err)
		s.jsonError(w, "failed to list agents", http.StatusInternalServerError)
		return
	}
	if agents == nil {
		agents = []*models.Agent{}
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{"agents": agents, "count": len(agents)})
}

func (s *Server) handleToolStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.cfg.Store.GetToolStats(r.Context(), r.URL.Query().Get("agent_id"))
	if err != nil {
		s.log.Error("tool stats", "error", err)
		s.jsonError(w, "failed to aggregate tool stats", http.StatusInternalServerError)
		return
	}
	if stats == nil {
		stats = []trace.ToolStat{}
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{"tools": stats})
}

// handleHealthz reports process liveness plus the health of every provider
// adapter resolved so far. An unavailable provider does not fail the check;
// it only shows up in the report.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	report := map[string]any{"status": "ok"}
	if s.cfg.Factory != nil {
		probes := map[string]providers.Health{}
		for _, name := range s.cfg.Factory.Providers() {
			p, _, err := s.cfg.Factory.Resolve(name + ":probe")
			if err != nil {
				continue
			}
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			probes[name] = p.HealthCheck(ctx)
			cancel()
		}
		report["providers"] = probes
	}
	s.jsonResponse(w, http.StatusOK, report)
}

func (s *Server) jsonResponse(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error("json encode error", "error", err)
	}
}

func (s *Server) jsonError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// writeEngineError maps engine error types onto HTTP status codes.
func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	var (
		validation   *engine.ValidationError
		notFound     *engine.NotFoundError
		unauthorized *engine.UnauthorizedToolError
		modelErr     *providers.ModelError
	)
	switch {
	case errors.As(err, &validation):
		s.jsonError(w, validation.Error(), http.StatusBadRequest)
	case errors.As(err, &notFound):
		s.jsonError(w, notFound.Error(), http.StatusNotFound)
	case errors.As(err, &unauthorized):
		s.jsonError(w, unauthorized.Error(), http.StatusForbidden)
	case errors.Is(err, engine.ErrRunActive):
		s.jsonError(w, err.Error(), http.StatusConflict)
	case errors.As(err, &modelErr):
		s.jsonError(w, modelErr.Error(), http.StatusBadGateway)
	default:
		s.log.Error("request failed", "error", err)
		s.jsonError(w, err.Error(), http.StatusInternalServerError)
	}
}

func parseIntParam(r *http.Request, name string, defaultVal int) int {
	val := r.URL.Query().Get(name)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil || n < 0 {
		return defaultVal
	}
	return n
}

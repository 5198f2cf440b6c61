// Package api exposes the HTTP control surface for the harvester service.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/mediaharvest/harvester/internal/engine"
	"github.com/mediaharvest/harvester/internal/progress"
	"github.com/mediaharvest/harvester/internal/progress/sinks"
)

// Controller is the slice of run management the HTTP layer needs.
type Controller interface {
	StartRun(ctx context.Context, seeds []string) (string, error)
	ResumeRun(ctx context.Context, runID string) (string, error)
	Pause(runID string) error
	Resume(runID string) error
	Stop(runID string) error
	Status(runID string) (engine.Status, bool)
	Runs() []engine.Status
}

// Config wires the server's dependencies.
type Config struct {
	Controller Controller
	// Events serves the recent-events endpoint; nil disables it.
	Events *sinks.MemorySink
	// Gatherer backs /metrics; nil falls back to the default registry.
	Gatherer prometheus.Gatherer
	Logger   *zap.Logger
}

// Server wires HTTP handlers to the run manager and progress sinks.
type Server struct {
	router     chi.Router
	controller Controller
	events     *sinks.MemorySink
	logger     *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		controller: cfg.Controller,
		events:     cfg.Events,
		logger:     logger,
	}

	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(timeoutMiddleware(60 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		r.Route("/runs", func(r chi.Router) {
			r.Post("/", s.startRun)
			r.Get("/", s.listRuns)
			r.Route("/{run_id}", func(r chi.Router) {
				r.Get("/", s.runStatus)
				r.Get("/status", s.runStatus)
				r.Get("/events", s.runEvents)
				r.Post("/pause", s.pauseRun)
				r.Post("/resume", s.resumeRun)
				r.Post("/stop", s.stopRun)
			})
		})
		r.Get("/events", s.recentEvents)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type startRunRequest struct {
	Seeds []string `json:"seeds"`
	// ResumeID restarts a previously snapshotted run instead of seeding a
	// fresh one.
	ResumeID string `json:"resume_id"`
}

func (s *Server) startRun(w http.ResponseWriter, r *http.Request) {
	var req startRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	var runID string
	var err error
	switch {
	case req.ResumeID != "":
		runID, err = s.controller.ResumeRun(r.Context(), req.ResumeID)
	case len(req.Seeds) > 0:
		runID, err = s.controller.StartRun(r.Context(), req.Seeds)
	default:
		writeError(w, http.StatusBadRequest, "seeds or resume_id required")
		return
	}
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID})
}

func (s *Server) listRuns(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"runs": s.controller.Runs()})
}

func (s *Server) runStatus(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")
	status, ok := s.controller.Status(runID)
	if !ok {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) pauseRun(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, s.controller.Pause, "paused")
}

func (s *Server) resumeRun(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, s.controller.Resume, "resumed")
}

func (s *Server) stopRun(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, s.controller.Stop, "stopping")
}

func (s *Server) control(w http.ResponseWriter, r *http.Request, op func(string) error, state string) {
	runID := chi.URLParam(r, "run_id")
	if err := op(runID); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"run_id": runID, "status": state})
}

func (s *Server) recentEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeError(w, http.StatusNotFound, "event buffer not configured")
		return
	}
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": s.events.Recent(limit)})
}

// runEvents serves the recent events of one run, newest last.
func (s *Server) runEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeError(w, http.StatusNotFound, "event buffer not configured")
		return
	}
	runID := chi.URLParam(r, "run_id")
	if _, ok := s.controller.Status(runID); !ok {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	parsed, err := uuid.Parse(runID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "run id is not a UUID")
		return
	}
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	all := s.events.Recent(0)
	filtered := make([]progress.Event, 0, len(all))
	for _, evt := range all {
		if evt.RunID == progress.UUIDToBytes(parsed) {
			filtered = append(filtered, evt)
		}
	}
	if limit > 0 && len(filtered) > limit {
		filtered = filtered[len(filtered)-limit:]
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": filtered})
}

// parseLimit reads the optional limit query param; it writes the error
// response itself and reports ok=false on bad input.
func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
		return 0, false
	}
	return n, true
}

type requestIDKey struct{}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

package kernel

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/go-chi/chi/v5"

	"github.com/manthysbr/labrunner/internal/core/domain"
	"github.com/manthysbr/labrunner/internal/core/services"
)

// defaultMaxUploadBytes applies when the server is built without a limit.
const defaultMaxUploadBytes = 512 << 20

type Server struct {
	logger         *slog.Logger
	orch           *services.Orchestrator
	doc            *openapi3.T
	maxUploadBytes int64

	keepAlive time.Duration
	subscribe func(domain.JobID) (<-chan services.Event, func())
}

func NewServer(logger *slog.Logger, orch *services.Orchestrator, doc *openapi3.T, maxUploadBytes int64) *Server {
	if maxUploadBytes <= 0 {
		maxUploadBytes = defaultMaxUploadBytes
	}
	return &Server{
		logger:         logger,
		orch:           orch,
		doc:            doc,
		maxUploadBytes: maxUploadBytes,
		keepAlive:      sseKeepAlive,
		subscribe:      orch.Subscribe,
	}
}

// Handler returns the http.Handler for the server.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(requestLogger(s.logger))
	r.Use(recoverer(s.logger))

	r.Route("/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/openapi.json", s.handleOpenAPI)

		r.Get("/pipelines", s.handleListPipelines)

		r.Post("/jobs", s.handleCreateJob)
		r.Get("/jobs", s.handleListJobs)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Post("/jobs/{id}/run", s.handleRunJob)
		r.Get("/jobs/{id}/events", s.handleJobEvents)

		r.Get("/history", s.handleHistory)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":            "ok",
		"pipelines":         len(s.orch.ListPipelines()),
		"active_executions": s.orch.ActiveExecutions(),
	})
}

func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	if s.doc == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "API document not loaded"})
		return
	}
	writeJSON(w, http.StatusOK, s.doc)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps domain errors onto status codes. Anything unrecognised is
// logged and reported as a 500 without its details.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var launchErr *domain.LaunchError
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrImageNotFound), errors.As(err, &launchErr):
		status = http.StatusBadGateway
	}

	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeJSON(w, status, errorResponse{Error: "internal error"})
		return
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

package kernel

import (
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/oapi-codegen/runtime"

	"github.com/manthysbr/labrunner/internal/core/domain"
	"github.com/manthysbr/labrunner/internal/core/services"
)

// multipartMemory is how much of an upload is buffered before spilling to
// temporary files.
const multipartMemory = 32 << 20

type createJobResponse struct {
	JobID     domain.JobID `json:"jobId"`
	Filenames []string     `json:"filenames"`
}

type runJobRequest struct {
	PipelineID string `json:"pipelineId"`
}

type jobResponse struct {
	ID         domain.JobID      `json:"id"`
	State      domain.JobState   `json:"state"`
	PipelineID domain.PipelineID `json:"pipelineId,omitempty"`
	Progress   domain.Progress   `json:"progress"`
	InputFiles []string          `json:"inputFiles"`
	ExitCode   *int              `json:"exitCode,omitempty"`
	CreatedAt  time.Time         `json:"createdAt"`
	UpdatedAt  time.Time         `json:"updatedAt"`
	StartedAt  *time.Time        `json:"startedAt,omitempty"`
	FinishedAt *time.Time        `json:"finishedAt,omitempty"`
}

func toJobResponse(job domain.Job) jobResponse {
	files := make([]string, len(job.InputPaths))
	for i, p := range job.InputPaths {
		files[i] = filepath.Base(p)
	}
	return jobResponse{
		ID:         job.ID,
		State:      job.State,
		PipelineID: job.PipelineID,
		Progress:   job.Progress,
		InputFiles: files,
		ExitCode:   job.ExitCode,
		CreatedAt:  job.CreatedAt,
		UpdatedAt:  job.UpdatedAt,
		StartedAt:  job.StartedAt,
		FinishedAt: job.FinishedAt,
	}
}

// handleCreateJob stores the multipart "files" parts and creates a job.
// POST /v1/jobs
func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "upload exceeds size limit"})
			return
		}
		s.writeError(w, r, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err))
		return
	}
	defer r.MultipartForm.RemoveAll()

	headers := r.MultipartForm.File["files"]
	if len(headers) == 0 {
		s.writeError(w, r, fmt.Errorf("%w: no files uploaded", domain.ErrInvalidInput))
		return
	}

	files := make([]services.UploadedFile, 0, len(headers))
	opened := make([]multipart.File, 0, len(headers))
	defer func() {
		for _, f := range opened {
			f.Close()
		}
	}()
	for _, h := range headers {
		f, err := h.Open()
		if err != nil {
			s.writeError(w, r, fmt.Errorf("open upload %q: %w", h.Filename, err))
			return
		}
		opened = append(opened, f)
		files = append(files, services.UploadedFile{Name: h.Filename, Content: f})
	}

	job, err := s.orch.SubmitUploads(r.Context(), files)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	resp := createJobResponse{JobID: job.ID, Filenames: make([]string, len(job.InputPaths))}
	for i, p := range job.InputPaths {
		resp.Filenames[i] = filepath.Base(p)
	}
	writeJSON(w, http.StatusCreated, resp)
}

// handleListJobs returns live jobs, optionally filtered by state.
// GET /v1/jobs?state=running&state=error
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	var states []string
	if err := runtime.BindQueryParameter("form", true, false, "state", r.URL.Query(), &states); err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err))
		return
	}

	// Exploded form style: one state per repeated parameter.
	filter := make([]domain.JobState, 0, len(states))
	for _, raw := range states {
		state, err := parseJobState(raw)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		filter = append(filter, state)
	}

	jobs := s.orch.ListJobs(filter...)
	out := make([]jobResponse, len(jobs))
	for i, job := range jobs {
		out[i] = toJobResponse(job)
	}
	writeJSON(w, http.StatusOK, out)
}

func parseJobState(raw string) (domain.JobState, error) {
	state := domain.JobState(strings.TrimSpace(raw))
	switch state {
	case domain.JobStateUploaded, domain.JobStateRunning, domain.JobStateCompleted, domain.JobStateError:
		return state, nil
	}
	return "", fmt.Errorf("%w: unknown state %q", domain.ErrInvalidInput, raw)
}

// handleGetJob returns the status snapshot of one job.
// GET /v1/jobs/{id}
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, ok := s.bindJobID(w, r)
	if !ok {
		return
	}
	status, err := s.orch.GetJobStatus(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// handleRunJob launches a pipeline for the job and returns once it runs.
// POST /v1/jobs/{id}/run
func (s *Server) handleRunJob(w http.ResponseWriter, r *http.Request) {
	id, ok := s.bindJobID(w, r)
	if !ok {
		return
	}

	var req runJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, fmt.Errorf("%w: invalid request body: %v", domain.ErrInvalidInput, err))
		return
	}
	if strings.TrimSpace(req.PipelineID) == "" {
		s.writeError(w, r, fmt.Errorf("%w: pipelineId is required", domain.ErrInvalidInput))
		return
	}

	if err := s.orch.RunJob(r.Context(), id, domain.PipelineID(req.PipelineID)); err != nil {
		s.writeError(w, r, err)
		return
	}

	status, err := s.orch.GetJobStatus(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, status)
}

// handleHistory returns archived jobs, including earlier runs of the server.
// GET /v1/history
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.orch.History(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]jobResponse, len(jobs))
	for i, job := range jobs {
		out[i] = toJobResponse(job)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) bindJobID(w http.ResponseWriter, r *http.Request) (domain.JobID, bool) {
	id := chi.URLParam(r, "id")
	if id == "" {
		s.writeError(w, r, fmt.Errorf("%w: job id is required", domain.ErrInvalidInput))
		return "", false
	}
	return domain.JobID(id), true
}

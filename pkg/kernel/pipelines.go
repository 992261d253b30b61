package kernel

import (
	"net/http"

	"github.com/manthysbr/labrunner/internal/core/domain"
)

// handleListPipelines returns the catalog of runnable pipelines.
// GET /v1/pipelines
func (s *Server) handleListPipelines(w http.ResponseWriter, r *http.Request) {
	pipelines := s.orch.ListPipelines()
	if pipelines == nil {
		pipelines = []domain.Pipeline{}
	}
	writeJSON(w, http.StatusOK, pipelines)
}

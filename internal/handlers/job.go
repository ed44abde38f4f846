package handlers

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/stanstork/harvest-api/internal/models"
	"github.com/stanstork/harvest-api/internal/repository"
)

type JobHandler struct {
	repo   repository.JobRepository
	logger zerolog.Logger
}

func NewJobHandler(repo repository.JobRepository, logger zerolog.Logger) *JobHandler {
	return &JobHandler{repo: repo, logger: logger}
}

type jobResponse struct {
	models.Job
	BatchGroup *models.BatchGroup `json:"batch_group,omitempty"`
}

// GetJob returns the job with its batch group, if it belongs to one.
func (h *JobHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["jobID"]
	job, err := h.repo.GetJob(r.Context(), jobID)
	if errors.Is(err, repository.ErrNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to get job")
		writeError(w, http.StatusInternalServerError, "failed to get job")
		return
	}

	resp := jobResponse{Job: job}
	if job.BatchGroupID != nil {
		g, err := h.repo.GetBatchGroup(r.Context(), *job.BatchGroupID)
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			h.logger.Error().Err(err).Str("batch_group_id", *job.BatchGroupID).Msg("Failed to get batch group")
			writeError(w, http.StatusInternalServerError, "failed to get job")
			return
		}
		if err == nil {
			resp.BatchGroup = &g
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

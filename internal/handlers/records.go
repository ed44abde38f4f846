package handlers

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/stanstork/harvest-api/internal/models"
	"github.com/stanstork/harvest-api/internal/repository"
)

type RecordHandler struct {
	repo   repository.RecordRepository
	logger zerolog.Logger
}

func NewRecordHandler(repo repository.RecordRepository, logger zerolog.Logger) *RecordHandler {
	return &RecordHandler{repo: repo, logger: logger}
}

func (h *RecordHandler) ListRecords(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r, 50)
	q := r.URL.Query()
	filter := models.RecordFilter{
		Platform:    q.Get("platform"),
		JobID:       q.Get("job_id"),
		ContainerID: q.Get("container_id"),
		Limit:       limit,
		Offset:      offset,
	}

	records, err := h.repo.ListRecords(r.Context(), filter)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list records")
		writeError(w, http.StatusInternalServerError, "failed to list records")
		return
	}
	if records == nil {
		records = []models.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (h *RecordHandler) GetRecord(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["recordID"]
	record, err := h.repo.GetRecord(r.Context(), id)
	if errors.Is(err, repository.ErrNotFound) {
		writeError(w, http.StatusNotFound, "record not found")
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Str("record_id", id).Msg("Failed to get record")
		writeError(w, http.StatusInternalServerError, "failed to get record")
		return
	}
	writeJSON(w, http.StatusOK, record)
}

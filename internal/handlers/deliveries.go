package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/stanstork/harvest-api/internal/ingest"
	"github.com/stanstork/harvest-api/internal/models"
	"github.com/stanstork/harvest-api/internal/repository"
)

type DeliveryHandler struct {
	repo     repository.DeliveryRepository
	pipeline *ingest.Pipeline
	logger   zerolog.Logger
}

func NewDeliveryHandler(repo repository.DeliveryRepository, pipeline *ingest.Pipeline, logger zerolog.Logger) *DeliveryHandler {
	return &DeliveryHandler{repo: repo, pipeline: pipeline, logger: logger}
}

func (h *DeliveryHandler) ListDeliveries(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r, 20)
	filter := models.AuditFilter{
		Status: models.AuditStatus(r.URL.Query().Get("status")),
		Limit:  limit,
		Offset: offset,
	}

	entries, err := h.repo.ListDeliveries(r.Context(), filter)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list deliveries")
		writeError(w, http.StatusInternalServerError, "failed to list deliveries")
		return
	}
	if entries == nil {
		entries = []models.DeliveryAuditEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *DeliveryHandler) GetDelivery(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["deliveryID"]
	entry, err := h.repo.GetDelivery(r.Context(), id)
	if errors.Is(err, repository.ErrNotFound) {
		writeError(w, http.StatusNotFound, "delivery not found")
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Str("delivery_id", id).Msg("Failed to get delivery")
		writeError(w, http.StatusInternalServerError, "failed to get delivery")
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (h *DeliveryHandler) GetDeliveryStats(w http.ResponseWriter, r *http.Request) {
	days := 31 // default to 31 days
	if d := r.URL.Query().Get("days"); d != "" {
		if v, err := strconv.Atoi(d); err == nil && v > 0 && v <= 366 {
			days = v
		}
	}

	stats, err := h.repo.DeliveryStats(r.Context(), days)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to get delivery stats")
		writeError(w, http.StatusInternalServerError, "failed to get delivery stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// ReplayDelivery feeds a stored payload through the pipeline again.
func (h *DeliveryHandler) ReplayDelivery(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["deliveryID"]
	ack, err := h.pipeline.Replay(r.Context(), id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, ack)
	case errors.Is(err, repository.ErrNotFound):
		writeError(w, http.StatusNotFound, "delivery not found")
	case ingest.IsDecodeError(err):
		writeJSON(w, http.StatusUnprocessableEntity, ack)
	default:
		h.logger.Error().Err(err).Str("delivery_id", id).Msg("Failed to replay delivery")
		writeError(w, http.StatusInternalServerError, "failed to replay delivery")
	}
}

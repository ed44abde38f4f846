package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/stanstork/harvest-api/internal/ingest"
)

// WebhookHandler receives result deliveries from the provider.
type WebhookHandler struct {
	pipeline     *ingest.Pipeline
	maxBodyBytes int64
	timeout      time.Duration
	logger       zerolog.Logger
}

func NewWebhookHandler(pipeline *ingest.Pipeline, maxBodyBytes int64, timeout time.Duration, logger zerolog.Logger) *WebhookHandler {
	return &WebhookHandler{
		pipeline:     pipeline,
		maxBodyBytes: maxBodyBytes,
		timeout:      timeout,
		logger:       logger.With().Str("component", "webhook").Logger(),
	}
}

// Receive processes a delivery synchronously and acknowledges it. Once the
// body is read, processing runs to completion even if the provider hangs up.
func (h *WebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	body, readErr := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))

	ctx := context.WithoutCancel(r.Context())
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}
	delivery := ingest.Delivery{
		Body:   body,
		Header: r.Header.Clone(),
		Query:  r.URL.Query(),
	}

	if readErr != nil {
		var tooLarge *http.MaxBytesError
		if !errors.As(readErr, &tooLarge) {
			h.logger.Warn().Err(readErr).Msg("Failed to read delivery body")
			writeError(w, http.StatusBadRequest, "could not read request body")
			return
		}
		// The prefix that did arrive is kept for forensics.
		ack, err := h.pipeline.Reject(ctx, delivery, fmt.Sprintf("payload exceeds %d bytes", tooLarge.Limit))
		if err != nil {
			h.logger.Error().Err(err).Msg("Oversized delivery could not be recorded")
			writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}
		writeJSON(w, http.StatusRequestEntityTooLarge, ack)
		return
	}

	ack, err := h.pipeline.Process(ctx, delivery)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, ack)
	case ingest.IsDecodeError(err):
		writeJSON(w, http.StatusBadRequest, ack)
	default:
		h.logger.Error().Err(err).Msg("Delivery could not be recorded")
		writeError(w, http.StatusInternalServerError, "delivery could not be recorded")
	}
}

package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"outpost/internal/conflict"
	"outpost/internal/models"
	"outpost/internal/optimistic"
	"outpost/internal/outbox"
	"outpost/internal/service"
)

const maxBodyBytes = 1 << 20

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *HTTPServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.pipeline.Status())
}

func (s *HTTPServer) handleDrain(w http.ResponseWriter, r *http.Request) {
	s.pipeline.Drain()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "triggered"})
}

func (s *HTTPServer) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req service.SubmitRequest
	if !decodeBody(w, r, &req) {
		return
	}

	entry, err := s.pipeline.Submit(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, entry)
}

func (s *HTTPServer) handleOperations(w http.ResponseWriter, r *http.Request) {
	var ops []models.QueuedOperation
	switch r.URL.Query().Get("status") {
	case "":
		ops = s.pipeline.Operations()
	case string(models.StatusFailed):
		ops = s.pipeline.Failed()
	default:
		writeError(w, http.StatusBadRequest, "status filter supports only failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"operations": ops})
}

func (s *HTTPServer) handleRetry(w http.ResponseWriter, r *http.Request) {
	entry, err := s.pipeline.Retry(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, entry)
}

func (s *HTTPServer) handleDiscard(w http.ResponseWriter, r *http.Request) {
	if err := s.pipeline.Discard(r.Context(), r.PathValue("id")); err != nil {
		s.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleEntries(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"entries": s.pipeline.Entries()})
}

func (s *HTTPServer) handleEntry(w http.ResponseWriter, r *http.Request) {
	entry, ok := s.pipeline.Entry(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "entry not found")
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *HTTPServer) handleConflicts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"conflicts": s.pipeline.Conflicts()})
}

type resolveRequest struct {
	Choice string `json:"choice"`
}

func (s *HTTPServer) handleResolve(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if !decodeBody(w, r, &req) {
		return
	}

	c, err := s.pipeline.ResolveConflict(r.PathValue("id"), req.Choice)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func (s *HTTPServer) writeServiceError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Msg("request failed")
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrInvalidRequest),
		errors.Is(err, outbox.ErrInvalidOperation),
		errors.Is(err, conflict.ErrInvalidChoice):
		return http.StatusBadRequest
	case errors.Is(err, outbox.ErrOperationNotFound),
		errors.Is(err, conflict.ErrConflictNotFound),
		errors.Is(err, optimistic.ErrEntryNotFound):
		return http.StatusNotFound
	case errors.Is(err, outbox.ErrNotFailed),
		errors.Is(err, outbox.ErrInFlight),
		errors.Is(err, outbox.ErrInvalidTransition),
		errors.Is(err, optimistic.ErrIllegalTransition):
		return http.StatusConflict
	case errors.Is(err, outbox.ErrQueueFull):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{"error": message})
}

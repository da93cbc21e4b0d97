package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/boddenberg/salescoach-bfa-go/internal/domain"

	"go.uber.org/zap"
)

// ============================================================
// Shared helper functions
// ============================================================

type errorResponse struct {
	Error string `json:"error"`
}

// capacityResponse tells the UI how to get another seat.
type capacityResponse struct {
	Error       string             `json:"error"`
	Branch      string             `json:"branch"`
	Used        int                `json:"used"`
	Purchased   int                `json:"purchased"`
	Remediation domain.Remediation `json:"remediation"`
}

type partialDeleteResponse struct {
	Error  string   `json:"error"`
	Failed []string `json:"failed"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// decodeJSON reads the request body into v, answering 400 on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// handleServiceError maps domain errors to HTTP responses.
func handleServiceError(w http.ResponseWriter, err error, logger *zap.Logger) {
	var notFound *domain.ErrNotFound
	var circuitOpen *domain.ErrCircuitOpen
	var external *domain.ErrExternalService
	var validation *domain.ErrValidation
	var forbidden *domain.ErrForbidden
	var unauthorized *domain.ErrUnauthorized
	var conflict *domain.ErrConflict
	var capacity *domain.ErrCapacity
	var partial *domain.ErrPartialCascade

	switch {
	case errors.As(err, &notFound):
		logger.Debug("not found", zap.String("error", err.Error()))
		writeError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &validation):
		logger.Debug("validation error", zap.String("error", err.Error()))
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &forbidden):
		logger.Warn("forbidden access", zap.String("error", err.Error()))
		writeError(w, http.StatusForbidden, err.Error())
	case errors.As(err, &unauthorized):
		logger.Warn("unauthorized", zap.String("error", err.Error()))
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.As(err, &capacity):
		logger.Info("license capacity reached",
			zap.String("branch", capacity.Branch),
			zap.Int("used", capacity.Used),
			zap.Int("purchased", capacity.Purchased),
		)
		writeJSON(w, http.StatusConflict, capacityResponse{
			Error:       err.Error(),
			Branch:      capacity.Branch,
			Used:        capacity.Used,
			Purchased:   capacity.Purchased,
			Remediation: capacity.Remediation,
		})
	case errors.As(err, &conflict):
		logger.Debug("conflict", zap.String("error", err.Error()))
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &partial):
		logger.Error("cascade delete incomplete", zap.String("uid", partial.UID), zap.Strings("failed", partial.Failed), zap.Error(partial.Err))
		writeJSON(w, http.StatusInternalServerError, partialDeleteResponse{
			Error:  "the member was not fully deleted and may be incomplete; retry the delete",
			Failed: partial.Failed,
		})
	case errors.As(err, &circuitOpen):
		logger.Error("circuit breaker open", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "store temporarily unavailable")
	case errors.As(err, &external):
		logger.Error("external service error", zap.Error(err))
		writeError(w, http.StatusBadGateway, "store request failed")
	default:
		logger.Error("unhandled error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/dennisdiepolder/monti/router/internal/storage"
	"github.com/dennisdiepolder/monti/router/internal/telephony"
	"github.com/dennisdiepolder/monti/router/internal/transfer"
	"github.com/rs/zerolog"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return false
	}
	return true
}

// statusFor maps store, transfer and gateway errors to HTTP status codes
func statusFor(err error) int {
	var gwErr *telephony.GatewayError
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, transfer.ErrInvalidTransferType), errors.Is(err, transfer.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, transfer.ErrNoAgentAddress):
		return http.StatusUnprocessableEntity
	case errors.Is(err, transfer.ErrSessionEnded),
		errors.Is(err, transfer.ErrTransferInProgress),
		errors.Is(err, transfer.ErrParticipantNotFound),
		errors.Is(err, storage.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, transfer.ErrPickupTimeout):
		return http.StatusGatewayTimeout
	case errors.As(err, &gwErr):
		return http.StatusBadGateway
	case errors.Is(err, storage.ErrTransient):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func fail(w http.ResponseWriter, logger zerolog.Logger, err error, msg string) {
	status := statusFor(err)
	switch {
	case status >= http.StatusInternalServerError:
		logger.Error().Err(err).Int("status", status).Msg(msg)
	default:
		logger.Debug().Err(err).Int("status", status).Msg(msg)
	}
	if status == http.StatusInternalServerError {
		http.Error(w, msg, status)
		return
	}
	http.Error(w, err.Error(), status)
}

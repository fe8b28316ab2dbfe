package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"priceoracle/internal/oracle"
)

// errorResponse is the body of every non-2xx response.
type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// statusFor maps an error kind to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, oracle.ErrNotAuthorized):
		return http.StatusForbidden
	case errors.Is(err, oracle.ErrInvalidAsset),
		errors.Is(err, oracle.ErrInvalidPrice),
		errors.Is(err, oracle.ErrArrayLengthMismatch),
		errors.Is(err, oracle.ErrInvalidParams),
		errors.Is(err, oracle.ErrInvalidReference):
		return http.StatusBadRequest
	case errors.Is(err, oracle.ErrAssetNotRegistered),
		errors.Is(err, oracle.ErrRoundNotFound):
		return http.StatusNotFound
	case errors.Is(err, oracle.ErrAlreadySubmitted),
		errors.Is(err, oracle.ErrRoundFinalized),
		errors.Is(err, oracle.ErrRoundNotOpen),
		errors.Is(err, oracle.ErrRegistryFull):
		return http.StatusConflict
	case errors.Is(err, oracle.ErrCircuitBreaker),
		errors.Is(err, oracle.ErrReferenceDeviation):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error("api internal error", "err", err)
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), Kind: oracle.ErrorKind(err)})
}

// badRequest reports malformed input that never reached the engine.
func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: msg, Kind: "bad_request"})
}

package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"mercator-hq/concord/pkg/concord"
	"mercator-hq/concord/pkg/replication"
	"mercator-hq/concord/pkg/rule"
)

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// ErrorBody describes one failure.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Error: ErrorBody{Code: code, Message: message}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeErr maps domain errors to HTTP statuses.
func writeErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, rule.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, rule.ErrValidation), errors.Is(err, rule.ErrCycle):
		writeError(w, http.StatusBadRequest, "invalid_rule", err.Error())
	case errors.Is(err, rule.ErrAlreadyExists):
		writeError(w, http.StatusConflict, "already_exists", err.Error())
	case errors.Is(err, rule.ErrVersionConflict):
		writeError(w, http.StatusConflict, "version_conflict", err.Error())
	case errors.Is(err, rule.ErrHasDependents):
		writeError(w, http.StatusConflict, "has_dependents", err.Error())
	case errors.Is(err, concord.ErrConflictNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, concord.ErrConflictNotEscalated):
		writeError(w, http.StatusConflict, "not_escalated", err.Error())
	case errors.Is(err, concord.ErrInvalidWinner):
		writeError(w, http.StatusBadRequest, "invalid_winner", err.Error())
	case errors.Is(err, replication.ErrUnknownPeer):
		writeError(w, http.StatusNotFound, "unknown_peer", err.Error())
	case errors.Is(err, replication.ErrSyncTimeout):
		writeError(w, http.StatusGatewayTimeout, "sync_timeout", err.Error())
	case errors.Is(err, replication.ErrUnreachable), errors.Is(err, replication.ErrPeerDegraded),
		errors.Is(err, replication.ErrChecksumMismatch), errors.Is(err, replication.ErrBackpressure):
		writeError(w, http.StatusBadGateway, "sync_failed", err.Error())
	case errors.Is(err, replication.ErrStopped):
		writeError(w, http.StatusServiceUnavailable, "unavailable", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

package web

import (
	"encoding/json"
	"errors"
	"net/http"

	"TelemetryHub/internal/scanner"
	"TelemetryHub/logger"
)

// ErrTelemetry marks failures inside the telemetry plane (store access,
// snapshot handling) surfaced through the HTTP adapter.
var ErrTelemetry = errors.New("telemetry failure")

// errBadRequest marks malformed client input
var errBadRequest = errors.New("bad request")

// errNotFound marks lookups with no matching record
var errNotFound = errors.New("not found")

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

// writeError maps error kinds onto the HTTP surface:
// PortAlreadyInUse -> 409 PORT_IN_USE, malformed input -> 400
// BAD_REQUEST, missing record -> 404 NOT_FOUND, telemetry failures -> 500
// TELEMETRY_ERROR, anything else -> 500 INTERNAL_ERROR.
func writeError(w http.ResponseWriter, err error) {
	var (
		status int
		code   string
	)
	switch {
	case errors.Is(err, scanner.ErrPortInUse):
		status, code = http.StatusConflict, "PORT_IN_USE"
	case errors.Is(err, errBadRequest):
		status, code = http.StatusBadRequest, "BAD_REQUEST"
	case errors.Is(err, errNotFound):
		status, code = http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, ErrTelemetry):
		status, code = http.StatusInternalServerError, "TELEMETRY_ERROR"
	default:
		status, code = http.StatusInternalServerError, "INTERNAL_ERROR"
	}

	if status >= 500 {
		logger.Error("[WEB] %s: %v", code, err)
	}

	writeJSON(w, status, apiError{Code: code, Message: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("[WEB] Failed to encode response: %v", err)
	}
}

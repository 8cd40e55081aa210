package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/planforge/planforge/apperr"
)

// errorDetail is the wire shape of a 4xx/5xx response.
type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorEnvelope struct {
	Detail errorDetail `json:"detail"`
}

// writeJSON marshals v and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("Response encode failed", "error", err)
	}
}

// writeError maps a domain error onto the envelope. Unclassified errors
// become a generic 500 so internals never leak to clients.
func writeError(w http.ResponseWriter, err error) {
	status := apperr.StatusOf(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		message = "internal server error"
	}
	writeJSON(w, status, errorEnvelope{Detail: errorDetail{
		Code:    apperr.CodeOf(err),
		Message: message,
	}})
}

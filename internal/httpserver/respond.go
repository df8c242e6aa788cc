package httpserver

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// Respond writes a JSON response with the given status code.
func Respond(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if data == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("encoding response", "error", err)
	}
}

// ErrorEnvelope is the uniform JSON error shape every /v1 endpoint returns.
type ErrorEnvelope struct {
	OK          bool           `json:"ok"`
	Error       string         `json:"error"`
	ErrorCode   string         `json:"errorCode"`
	ErrorParams map[string]any `json:"errorParams,omitempty"`
}

// RespondError writes the uniform error envelope.
func RespondError(w http.ResponseWriter, status int, code, message string, params map[string]any) {
	Respond(w, status, ErrorEnvelope{
		OK:          false,
		Error:       message,
		ErrorCode:   code,
		ErrorParams: params,
	})
}

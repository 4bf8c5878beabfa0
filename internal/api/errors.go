package api

import (
	"encoding/json"
	"net/http"
)

// Error codes returned in structured error bodies.
const (
	codeMessageTooLarge = "message_too_large"
	codeReadTimeout     = "body_read_timeout"
	codeReadFailed      = "body_read_failed"
	codeInvalidLevel    = "invalid_level"
	codeInvalidFormat   = "invalid_format"
)

// writeError writes a standardized error JSON.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	rid := w.Header().Get(requestIDHeader)
	if rid == "" {
		rid = r.Header.Get(requestIDHeader)
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"error": msg, "code": code, "requestId": rid})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

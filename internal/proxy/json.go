package proxy

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
)

// Error codes returned by the proxy itself, as opposed to errors relayed
// from the upstream API.
const (
	codeUpstreamFailed     = "upstream_failed"
	codeUpstreamTimeout    = "upstream_timeout"
	codeAuthentication     = "authentication_failed"
	codeCredentialsRevoked = "credentials_revoked"
	codeInternal           = "internal_error"
)

// ErrorResponse is the body of an error generated by the proxy.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// writeJSON writes data with the given status. Responses generated by the
// proxy describe local state and must not be cached.
func writeJSON(ctx context.Context, w http.ResponseWriter, data any, status int) {
	h := w.Header()
	h.Set("Content-Type", "application/json")
	h.Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.ErrorContext(ctx, "failed to encode JSON response", "error", err)
	}
}

func writeJSONError(ctx context.Context, w http.ResponseWriter, code, message string, status int) {
	writeJSON(ctx, w, ErrorResponse{Error: message, Code: code}, status)
}

package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/motorworks/enginesync/internal/service/syncservice"
)

// errorBody is the uniform failure envelope.
type errorBody struct {
	OK      bool   `json:"ok"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode json response")
	}
}

// writeError writes the failure envelope for a wire code.
func writeError(w http.ResponseWriter, code, message string) {
	writeJSON(w, statusFor(code), errorBody{OK: false, Code: code, Message: message})
}

// writeServiceError maps a service error to the wire envelope. Unexpected
// errors are logged and reported as internal without leaking details.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	code := syncservice.CodeOf(err)
	if code == syncservice.CodeInternal {
		log.Ctx(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		writeError(w, code, "internal error")
		return
	}
	var se *syncservice.Error
	msg := err.Error()
	if errors.As(err, &se) {
		msg = se.Message
	}
	writeError(w, code, msg)
}

func statusFor(code string) int {
	switch code {
	case syncservice.CodeAuthRequired:
		return http.StatusUnauthorized
	case syncservice.CodeForbidden:
		return http.StatusForbidden
	case syncservice.CodeValidation:
		return http.StatusBadRequest
	case syncservice.CodeConflictSchema:
		return http.StatusConflict
	case syncservice.CodeNotFound:
		return http.StatusNotFound
	case syncservice.CodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

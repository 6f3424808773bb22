package httpapi

import (
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/motorworks/enginesync/internal/service/syncservice"
)

// SchemaRequired validates that the client's X-Schema-Hash header matches the
// server's current synchronized-table schema.
//
// A mismatch returns 409 Conflict with the server identity in the body; the
// client is expected to run its compatibility gate (migrate or rebuild) and
// retry. A missing header is also rejected, so clients that never recorded a
// baseline cannot exchange data against an unknown schema.
func (s *Server) SchemaRequired(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		snap, err := s.Descriptor.Current(r.Context(), s.DB)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}

		clientHash := r.Header.Get("X-Schema-Hash")
		if clientHash == snap.Hash {
			next.ServeHTTP(w, r)
			return
		}

		log.Ctx(r.Context()).Warn().
			Str("client_hash", clientHash).
			Str("server_hash", snap.Hash).
			Msg("schema mismatch detected - client must reconcile")

		w.Header().Set("X-Schema-Hash", snap.Hash)
		writeJSON(w, http.StatusConflict, map[string]any{
			"ok":             false,
			"code":           syncservice.CodeConflictSchema,
			"message":        "client schema does not match the server schema",
			"schema_version": snap.Version,
			"schema_hash":    snap.Hash,
			"action":         "rebuild",
		})
	})
}

package httpapi

import (
	"net/http"
)

// GetSchema handles GET /v1/sync/schema
// Returns the normalized snapshot of the synchronized table set. Clients
// feed the {version, hash} pair into their compatibility gate and can use
// the table definitions to build a local replica from scratch.
func (s *Server) GetSchema(w http.ResponseWriter, r *http.Request) {
	snap, err := s.Descriptor.Current(r.Context(), s.DB)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

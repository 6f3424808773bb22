package httpapi

import (
	"net/http"

	"github.com/motorworks/enginesync/internal/auth"
	"github.com/motorworks/enginesync/internal/service/syncservice"
)

// GetSyncState handles GET /v1/sync/state
//
// With ?client_id= it returns that device's cursor bookkeeping; a client
// whose local replica was wiped uses this to learn where the server thinks
// it stands. Without a client_id, admins get the full device list.
func (s *Server) GetSyncState(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("client_id")
	if clientID != "" {
		st, err := syncservice.GetCursor(r.Context(), s.DB, clientID)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, st)
		return
	}

	actor, _ := auth.ActorFrom(r.Context())
	if actor.Role != auth.RoleSuperadmin && actor.Role != auth.RoleAdmin {
		writeError(w, syncservice.CodeForbidden, "listing all clients requires an admin role")
		return
	}

	states, err := syncservice.ListCursors(r.Context(), s.DB)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if states == nil {
		states = []syncservice.CursorState{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "clients": states})
}

package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/motorworks/enginesync/internal/auth"
	"github.com/motorworks/enginesync/internal/service/syncservice"
)

// reassignReq is the body for ownership reassignment. Confirm must repeat
// the source user id; the operation touches every row the user owns, so a
// stray request with a wrong body must not go through.
type reassignReq struct {
	FromUserID string `json:"from_user_id"`
	ToUsername string `json:"to_username"`
	Confirm    string `json:"confirm"`
}

// ReassignOwners handles POST /v1/admin/owners/reassign
func (s *Server) ReassignOwners(w http.ResponseWriter, r *http.Request) {
	actor, ok := auth.ActorFrom(r.Context())
	if !ok {
		writeError(w, syncservice.CodeAuthRequired, "missing authenticated user")
		return
	}

	var req reassignReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, syncservice.CodeValidation, "invalid request body: "+err.Error())
		return
	}

	fromID, err := uuid.Parse(req.FromUserID)
	if err != nil {
		writeError(w, syncservice.CodeValidation, "from_user_id must be a uuid")
		return
	}
	if req.ToUsername == "" {
		writeError(w, syncservice.CodeValidation, "to_username is required")
		return
	}
	if req.Confirm != req.FromUserID {
		writeError(w, syncservice.CodeValidation, "confirm must repeat from_user_id")
		return
	}

	res, err := syncservice.ReassignOwnership(r.Context(), s.DB, actor, fromID, req.ToUsername)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "result": res})
}

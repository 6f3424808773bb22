package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/motorworks/enginesync/internal/auth"
	"github.com/motorworks/enginesync/internal/service/syncservice"
)

// pushResponse wraps the push result in the success envelope.
type pushResponse struct {
	OK      bool                    `json:"ok"`
	Applied int                     `json:"applied"`
	Queued  []syncservice.QueuedRef `json:"queued"`
	Errors  []syncservice.RowError  `json:"errors"`
}

// Push handles POST /v1/sync/push
func (s *Server) Push(w http.ResponseWriter, r *http.Request) {
	actor, ok := auth.ActorFrom(r.Context())
	if !ok {
		writeError(w, syncservice.CodeAuthRequired, "missing authenticated user")
		return
	}

	var req syncservice.PushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, syncservice.CodeValidation, "invalid request body: "+err.Error())
		return
	}

	res, err := s.Pusher.Push(r.Context(), actor, &req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	resp := pushResponse{
		OK:      true,
		Applied: res.Applied,
		Queued:  res.Queued,
		Errors:  res.Errors,
	}
	if resp.Queued == nil {
		resp.Queued = []syncservice.QueuedRef{}
	}
	if resp.Errors == nil {
		resp.Errors = []syncservice.RowError{}
	}
	writeJSON(w, http.StatusOK, resp)
}

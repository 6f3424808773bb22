package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/motorworks/enginesync/internal/auth"
	"github.com/motorworks/enginesync/internal/service/syncservice"
)

// decideChangeBody is the optional body for apply/reject decisions.
type decideChangeBody struct {
	Note *string `json:"note"`
}

// ListPendingChanges handles GET /v1/changes/pending
// Returns the pending change requests the caller is allowed to decide.
func (s *Server) ListPendingChanges(w http.ResponseWriter, r *http.Request) {
	actor, ok := auth.ActorFrom(r.Context())
	if !ok {
		writeError(w, syncservice.CodeAuthRequired, "missing authenticated user")
		return
	}

	limit := parseLimit(r.URL.Query().Get("limit"), 100, 500)
	pending, err := syncservice.ListPendingRequests(r.Context(), s.DB, actor, limit)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if pending == nil {
		pending = []syncservice.ChangeRequest{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "pending": pending})
}

// ApplyChange handles POST /v1/changes/{id}/apply
func (s *Server) ApplyChange(w http.ResponseWriter, r *http.Request) {
	s.decideChange(w, r, syncservice.ApplyChangeRequest, "applied")
}

// RejectChange handles POST /v1/changes/{id}/reject
func (s *Server) RejectChange(w http.ResponseWriter, r *http.Request) {
	s.decideChange(w, r, syncservice.RejectChangeRequest, "rejected")
}

type decideFunc func(ctx context.Context, pool *pgxpool.Pool, reviewer auth.Actor, id string, note *string) error

func (s *Server) decideChange(w http.ResponseWriter, r *http.Request, decide decideFunc, status string) {
	actor, ok := auth.ActorFrom(r.Context())
	if !ok {
		writeError(w, syncservice.CodeAuthRequired, "missing authenticated user")
		return
	}

	id := chi.URLParam(r, "id")
	if id == "" {
		writeError(w, syncservice.CodeValidation, "change request id is required")
		return
	}

	// Body is optional; an empty body means no reviewer note.
	var body decideChangeBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && err != io.EOF {
		writeError(w, syncservice.CodeValidation, "invalid request body: "+err.Error())
		return
	}

	if err := decide(r.Context(), s.DB, actor, id, body.Note); err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "id": id, "status": status})
}

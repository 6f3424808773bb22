package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/motorworks/enginesync/internal/service/syncservice"
	"github.com/motorworks/enginesync/internal/syncx"
)

// pullResponse wraps the pull batch in the success envelope.
type pullResponse struct {
	OK      bool                `json:"ok"`
	Entries []syncservice.Entry `json:"entries"`
	NextSeq int64               `json:"next_seq"`
	HasMore bool                `json:"has_more"`
}

// Pull handles POST /v1/sync/pull
//
// The server-side cursor is advanced only after the batch is on the wire, so
// a failed response leaves the cursor where it was and the client sees the
// same entries again. Replaying a batch is safe: every payload is a full
// post-image.
func (s *Server) Pull(w http.ResponseWriter, r *http.Request) {
	var req syncservice.PullRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, syncservice.CodeValidation, "invalid request body: "+err.Error())
		return
	}

	res, err := s.Puller.Pull(r.Context(), &req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	resp := pullResponse{
		OK:      true,
		Entries: res.Entries,
		NextSeq: res.NextSeq,
		HasMore: res.HasMore,
	}
	if resp.Entries == nil {
		resp.Entries = []syncservice.Entry{}
	}
	writeJSON(w, http.StatusOK, resp)

	if err := syncservice.AdvancePullCursor(r.Context(), s.DB, req.ClientID, res.NextSeq, syncx.NowMs()); err != nil {
		log.Ctx(r.Context()).Error().Err(err).Str("client_id", req.ClientID).Msg("failed to advance pull cursor")
	}
}

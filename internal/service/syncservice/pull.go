package syncservice

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// Puller serves change log batches to clients.
type Puller struct {
	DB       *pgxpool.Pool
	MaxBatch int
}

// PullRequest asks for log entries after a cursor. SinceSeq nil means
// "resume from the server-side cursor for this client"; an explicit value
// overrides it, which is how a rebuilding client restarts from zero.
type PullRequest struct {
	ClientID string `json:"client_id"`
	SinceSeq *int64 `json:"since_seq"`
	Limit    int    `json:"limit"`
}

// PullResult is one batch. NextSeq is the cursor for the next call and
// covers the raw batch before compaction; HasMore hints that another call
// will likely return more.
type PullResult struct {
	Entries []Entry `json:"entries"`
	NextSeq int64   `json:"next_seq"`
	HasMore bool    `json:"has_more"`
}

// Pull reads the next batch for a client and compacts it: when a batch holds
// several entries for the same (table,row), only the newest survives, since
// each payload is a full post-image and applying the last one yields the
// same replica state. NextSeq still advances over the dropped entries.
func (p *Puller) Pull(ctx context.Context, req *PullRequest) (*PullResult, error) {
	if req.ClientID == "" {
		return nil, NewError(CodeValidation, "client_id is required")
	}

	since := int64(0)
	if req.SinceSeq != nil {
		since = *req.SinceSeq
	} else {
		st, err := GetCursor(ctx, p.DB, req.ClientID)
		if err != nil {
			return nil, err
		}
		since = st.LastPulledServerSeq
	}
	if since < 0 {
		return nil, NewError(CodeValidation, "since_seq must not be negative")
	}

	limit := req.Limit
	if limit <= 0 || limit > p.MaxBatch {
		limit = p.MaxBatch
	}

	raw, err := RangeEntries(ctx, p.DB, since, limit)
	if err != nil {
		return nil, err
	}

	res := &PullResult{
		Entries: compact(raw),
		NextSeq: since,
		HasMore: len(raw) == limit,
	}
	if len(raw) > 0 {
		res.NextSeq = raw[len(raw)-1].Seq
	} else if since > 0 {
		// The cursor must never point past the committed log. An explicit
		// since_seq beyond the end would otherwise echo back and be persisted
		// as a fabricated position.
		max, err := MaxSeq(ctx, p.DB)
		if err != nil {
			return nil, err
		}
		if since > max {
			res.NextSeq = max
		}
	}

	log.Debug().
		Str("client_id", req.ClientID).
		Int64("since_seq", since).
		Int("raw", len(raw)).
		Int("sent", len(res.Entries)).
		Int64("next_seq", res.NextSeq).
		Msg("pull served")
	return res, nil
}

// compact keeps only the newest entry per (table,row), preserving seq order.
func compact(entries []Entry) []Entry {
	type key struct{ table, rowID string }
	newest := make(map[key]int64, len(entries))
	for _, e := range entries {
		newest[key{e.Table, e.RowID}] = e.Seq
	}
	out := make([]Entry, 0, len(newest))
	for _, e := range entries {
		if newest[key{e.Table, e.RowID}] == e.Seq {
			out = append(out, e)
		}
	}
	return out
}

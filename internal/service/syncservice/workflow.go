package syncservice

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"

	"github.com/motorworks/enginesync/internal/auth"
	"github.com/motorworks/enginesync/internal/syncx"
)

// Change request states.
const (
	RequestPending  = "pending"
	RequestApplied  = "applied"
	RequestRejected = "rejected"
)

// ChangeRequest is a queued edit awaiting a reviewer decision.
type ChangeRequest struct {
	ID             string          `json:"id"`
	Table          string          `json:"table"`
	RowID          string          `json:"row_id"`
	Status         string          `json:"status"`
	Before         json.RawMessage `json:"before"`
	After          json.RawMessage `json:"after"`
	OwnerUserID    *uuid.UUID      `json:"owner_user_id"`
	OwnerUsername  *string         `json:"owner_username"`
	AuthorUserID   uuid.UUID       `json:"author_user_id"`
	AuthorUsername string          `json:"author_username"`
	Note           *string         `json:"note"`
	CreatedAt      int64           `json:"created_at"`
	DecidedAt      *int64          `json:"decided_at"`
	DecidedBy      *string         `json:"decided_by"`
}

// CreateChangeRequest queues an edit against a foreign-owned row. A pending
// request for the same row with a byte-identical after image is reused
// instead of duplicated, so a client retrying a push does not flood the
// review queue.
func CreateChangeRequest(ctx context.Context, q Querier, table, rowID string, before, after []byte, owner *Owner, author auth.Actor, at int64) (string, error) {
	var existing string
	err := q.QueryRow(ctx, `
		SELECT id FROM change_requests
		WHERE status = 'pending' AND table_name = $1 AND row_id = $2 AND after_json = $3
		LIMIT 1
	`, table, rowID, string(after)).Scan(&existing)
	if err == nil {
		return existing, nil
	}
	if err != pgx.ErrNoRows {
		return "", fmt.Errorf("check pending change request: %w", err)
	}

	id := ulid.Make().String()
	var beforeJSON *string
	if before != nil {
		s := string(before)
		beforeJSON = &s
	}
	var ownerID *uuid.UUID
	var ownerName *string
	if owner != nil {
		ownerID = &owner.UserID
		ownerName = &owner.Username
	}
	_, err = q.Exec(ctx, `
		INSERT INTO change_requests
			(id, table_name, row_id, status, before_json, after_json,
			 record_owner_id, record_owner_username,
			 change_author_id, change_author_username, created_at)
		VALUES ($1, $2, $3, 'pending', $4, $5, $6, $7, $8, $9, $10)
	`, id, table, rowID, beforeJSON, string(after), ownerID, ownerName, author.ID, author.Username, at)
	if err != nil {
		return "", fmt.Errorf("create change request: %w", err)
	}
	return id, nil
}

// ApplyChangeRequest applies a pending request: the after image flows through
// the sink as a forced write, so the decision becomes visible even when the
// queued image lost the clock race in the meantime. The emitted log entry is
// stamped with the decision time, and an audit row records who decided.
func ApplyChangeRequest(ctx context.Context, pool *pgxpool.Pool, reviewer auth.Actor, id string, note *string) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin apply: %w", err)
	}
	defer tx.Rollback(ctx)

	req, err := lockRequest(ctx, tx, id)
	if err != nil {
		return err
	}

	allowed, err := auth.CanApprove(ctx, tx, reviewer, req.Table)
	if err != nil {
		return err
	}
	if !allowed {
		return NewError(CodeForbidden, "not allowed to decide change requests for %q", req.Table)
	}

	spec := syncx.Table(req.Table)
	if spec == nil {
		return NewError(CodeValidation, "unknown table %q", req.Table)
	}
	var payload map[string]any
	if err := json.Unmarshal(req.After, &payload); err != nil {
		return fmt.Errorf("decode after image: %w", err)
	}
	row, err := syncx.Normalize(spec, payload)
	if err != nil {
		return NewError(CodeValidation, "after image: %v", err)
	}

	decidedAt := syncx.NowMs()
	changes := []Change{{Table: req.Table, Row: row, Force: true}}
	if _, err := ApplyChanges(ctx, tx, reviewer, changes, decidedAt); err != nil {
		return err
	}

	if err := decideRequest(ctx, tx, id, RequestApplied, reviewer, note, decidedAt); err != nil {
		return err
	}
	if err := auditDecision(ctx, tx, reviewer, req, RequestApplied, decidedAt); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit apply: %w", err)
	}
	log.Info().
		Str("change_request_id", id).
		Str("table", req.Table).
		Str("row_id", req.RowID).
		Str("reviewer", reviewer.Username).
		Msg("change request applied")
	return nil
}

// RejectChangeRequest marks a pending request rejected. The projection and
// change log are untouched; only the request row and the audit trail record
// the decision.
func RejectChangeRequest(ctx context.Context, pool *pgxpool.Pool, reviewer auth.Actor, id string, note *string) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin reject: %w", err)
	}
	defer tx.Rollback(ctx)

	req, err := lockRequest(ctx, tx, id)
	if err != nil {
		return err
	}

	allowed, err := auth.CanApprove(ctx, tx, reviewer, req.Table)
	if err != nil {
		return err
	}
	if !allowed {
		return NewError(CodeForbidden, "not allowed to decide change requests for %q", req.Table)
	}

	decidedAt := syncx.NowMs()
	if err := decideRequest(ctx, tx, id, RequestRejected, reviewer, note, decidedAt); err != nil {
		return err
	}
	if err := auditDecision(ctx, tx, reviewer, req, RequestRejected, decidedAt); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit reject: %w", err)
	}
	log.Info().
		Str("change_request_id", id).
		Str("table", req.Table).
		Str("row_id", req.RowID).
		Str("reviewer", reviewer.Username).
		Msg("change request rejected")
	return nil
}

// ListPendingRequests returns pending requests the actor is allowed to
// decide, oldest first. ULIDs sort chronologically, so ordering by id is
// ordering by creation time.
func ListPendingRequests(ctx context.Context, pool *pgxpool.Pool, actor auth.Actor, limit int) ([]ChangeRequest, error) {
	rows, err := pool.Query(ctx, `
		SELECT id, table_name, row_id, status, before_json, after_json,
		       record_owner_id, record_owner_username,
		       change_author_id, change_author_username,
		       note, created_at, decided_at, decided_by_username
		FROM change_requests
		WHERE status = 'pending'
		ORDER BY id ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query pending requests: %w", err)
	}
	defer rows.Close()

	var out []ChangeRequest
	for rows.Next() {
		cr, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cr)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reviewers only see the queues they can decide.
	filtered := out[:0]
	for _, cr := range out {
		ok, err := auth.CanApprove(ctx, pool, actor, cr.Table)
		if err != nil {
			return nil, err
		}
		if ok {
			filtered = append(filtered, cr)
		}
	}
	return filtered, nil
}

func lockRequest(ctx context.Context, tx pgx.Tx, id string) (*ChangeRequest, error) {
	rows, err := tx.Query(ctx, `
		SELECT id, table_name, row_id, status, before_json, after_json,
		       record_owner_id, record_owner_username,
		       change_author_id, change_author_username,
		       note, created_at, decided_at, decided_by_username
		FROM change_requests
		WHERE id = $1
		FOR UPDATE
	`, id)
	if err != nil {
		return nil, fmt.Errorf("lock change request: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, NewError(CodeNotFound, "change request %q not found", id)
	}
	cr, err := scanRequest(rows)
	if err != nil {
		return nil, err
	}
	rows.Close()

	if cr.Status != RequestPending {
		return nil, NewError(CodeValidation, "change request %q already %s", id, cr.Status)
	}
	return &cr, nil
}

func scanRequest(rows pgx.Rows) (ChangeRequest, error) {
	var cr ChangeRequest
	var before *string
	var after string
	if err := rows.Scan(
		&cr.ID, &cr.Table, &cr.RowID, &cr.Status, &before, &after,
		&cr.OwnerUserID, &cr.OwnerUsername,
		&cr.AuthorUserID, &cr.AuthorUsername,
		&cr.Note, &cr.CreatedAt, &cr.DecidedAt, &cr.DecidedBy,
	); err != nil {
		return cr, fmt.Errorf("scan change request: %w", err)
	}
	if before != nil {
		cr.Before = json.RawMessage(*before)
	}
	cr.After = json.RawMessage(after)
	return cr, nil
}

func decideRequest(ctx context.Context, tx pgx.Tx, id, status string, reviewer auth.Actor, note *string, at int64) error {
	_, err := tx.Exec(ctx, `
		UPDATE change_requests
		SET status = $1, decided_at = $2, decided_by_id = $3, decided_by_username = $4,
		    note = COALESCE($5, note)
		WHERE id = $6
	`, status, at, reviewer.ID, reviewer.Username, note, id)
	if err != nil {
		return fmt.Errorf("decide change request: %w", err)
	}
	return nil
}

// auditDecision records the decision as a synchronized audit_log row, so the
// trail reaches every replica through the ordinary pull path.
func auditDecision(ctx context.Context, tx pgx.Tx, reviewer auth.Actor, req *ChangeRequest, outcome string, at int64) error {
	spec := syncx.Table("audit_log")
	row, err := syncx.Normalize(spec, map[string]any{
		"id":           uuid.New().String(),
		"actor":        reviewer.Username,
		"action":       "change_request." + outcome,
		"target_table": req.Table,
		"target_id":    req.RowID,
		"details_json": map[string]any{
			"change_request_id": req.ID,
			"author":            req.AuthorUsername,
		},
		"created_at": at,
		"updated_at": at,
	})
	if err != nil {
		return fmt.Errorf("build audit row: %w", err)
	}
	_, err = ApplyChanges(ctx, tx, reviewer, []Change{{Table: "audit_log", Row: row, AssignOwner: true}}, at)
	return err
}

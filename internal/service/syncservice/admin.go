package syncservice

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/motorworks/enginesync/internal/auth"
	"github.com/motorworks/enginesync/internal/syncx"
)

// ReassignResult reports an ownership transfer.
type ReassignResult struct {
	FromUserID uuid.UUID `json:"from_user_id"`
	ToUserID   uuid.UUID `json:"to_user_id"`
	ToUsername string    `json:"to_username"`
	Rows       int       `json:"rows"`
}

// ReassignOwnership moves every row owned by one user to another. Used when
// a mechanic leaves the shop and their records need a new steward. Each
// affected row gets its updated_at bumped and its log entry re-emitted, so
// replicas converge on the post-transfer state; the decision itself is
// recorded as a synchronized audit row.
func ReassignOwnership(ctx context.Context, pool *pgxpool.Pool, admin auth.Actor, fromUserID uuid.UUID, toUsername string) (*ReassignResult, error) {
	if admin.Role != auth.RoleSuperadmin && admin.Role != auth.RoleAdmin {
		return nil, NewError(CodeForbidden, "ownership reassignment requires an admin role")
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin reassign: %w", err)
	}
	defer tx.Rollback(ctx)

	var to auth.Actor
	err = tx.QueryRow(ctx, `
		SELECT id, username, role FROM users
		WHERE username = $1 AND deleted_at IS NULL AND is_active
	`, toUsername).Scan(&to.ID, &to.Username, &to.Role)
	if err != nil {
		return nil, NewError(CodeNotFound, "target user %q not found", toUsername)
	}

	affected, err := ReassignOwners(ctx, tx, fromUserID, to)
	if err != nil {
		return nil, err
	}

	at := syncx.NowMs()
	changes := make([]Change, 0, len(affected)+1)
	for _, ref := range affected {
		spec := syncx.Table(ref[0])
		if spec == nil {
			continue
		}
		row, ok, err := ReadPostImage(ctx, tx, spec, ref[1])
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		row["updated_at"] = at
		changes = append(changes, Change{Table: ref[0], Row: row, Force: true})
	}

	spec := syncx.Table("audit_log")
	row, err := syncx.Normalize(spec, map[string]any{
		"id":     uuid.New().String(),
		"actor":  admin.Username,
		"action": "ownership.reassigned",
		"details_json": map[string]any{
			"from_user_id": fromUserID.String(),
			"to_username":  to.Username,
			"rows":         len(affected),
		},
		"created_at": at,
		"updated_at": at,
	})
	if err != nil {
		return nil, fmt.Errorf("build audit row: %w", err)
	}
	changes = append(changes, Change{Table: "audit_log", Row: row, AssignOwner: true})
	if _, err := ApplyChanges(ctx, tx, admin, changes, at); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit reassign: %w", err)
	}

	log.Info().
		Str("from_user_id", fromUserID.String()).
		Str("to_username", to.Username).
		Int("rows", len(affected)).
		Str("admin", admin.Username).
		Msg("ownership reassigned")
	return &ReassignResult{
		FromUserID: fromUserID,
		ToUserID:   to.ID,
		ToUsername: to.Username,
		Rows:       len(affected),
	}, nil
}

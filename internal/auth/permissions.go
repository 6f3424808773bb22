package auth

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/motorworks/enginesync/internal/syncx"
)

// Permission codes seeded by the initial migration.
const (
	PermMasterDataEdit    = "master_data.edit"
	PermMasterDataApprove = "master_data.approve"
	PermOperationsEdit    = "operations.edit"
	PermOperationsApprove = "operations.approve"
	PermSyncEditAll       = "sync.edit_all"
)

// Querier is the subset of pgx used by permission checks; both *pgxpool.Pool
// and pgx.Tx satisfy it.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// EditPermission returns the permission code required to push rows into the
// given table, or "" for self-service tables where row ownership governs
// access instead.
func EditPermission(table string) string {
	spec := syncx.Table(table)
	if spec == nil || spec.SelfService {
		return ""
	}
	switch table {
	case "operations":
		return PermOperationsEdit
	default:
		return PermMasterDataEdit
	}
}

// ApprovePermission returns the permission code required to decide change
// requests against the given table, or "" for self-service tables (decided
// by admins only).
func ApprovePermission(table string) string {
	spec := syncx.Table(table)
	if spec == nil || spec.SelfService {
		return ""
	}
	switch table {
	case "operations":
		return PermOperationsApprove
	default:
		return PermMasterDataApprove
	}
}

// HasPermission reports whether the user holds the permission either by
// direct grant or through a live delegation.
func HasPermission(ctx context.Context, q Querier, userID any, code string) (bool, error) {
	var held bool
	err := q.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM user_permissions
			WHERE user_id = $1 AND permission_code = $2
		) OR EXISTS (
			SELECT 1 FROM permission_delegations
			WHERE to_user_id = $1 AND permission_code = $2
			  AND (expires_at IS NULL OR expires_at > $3)
		)
	`, userID, code, syncx.NowMs()).Scan(&held)
	return held, err
}

// CanPush reports whether the actor may push rows to the table at all.
// Self-service tables admit every authenticated user; ownership routing
// decides later whether the write applies directly or is queued.
func CanPush(ctx context.Context, q Querier, actor Actor, table string) (bool, error) {
	if actor.Role == RoleSuperadmin {
		return true, nil
	}
	code := EditPermission(table)
	if code == "" {
		return true, nil
	}
	return HasPermission(ctx, q, actor.ID, code)
}

// CanApprove reports whether the actor may apply or reject change requests
// against the table.
func CanApprove(ctx context.Context, q Querier, actor Actor, table string) (bool, error) {
	if actor.Role == RoleSuperadmin || actor.Role == RoleAdmin {
		return true, nil
	}
	code := ApprovePermission(table)
	if code == "" {
		return false, nil
	}
	return HasPermission(ctx, q, actor.ID, code)
}

// AutoApprove reports whether the actor bypasses the approval workflow:
// superadmins always, admins holding the global edit permission.
func AutoApprove(ctx context.Context, q Querier, actor Actor) (bool, error) {
	switch actor.Role {
	case RoleSuperadmin:
		return true, nil
	case RoleAdmin:
		return HasPermission(ctx, q, actor.ID, PermSyncEditAll)
	default:
		return false, nil
	}
}

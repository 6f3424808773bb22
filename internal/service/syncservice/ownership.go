package syncservice

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/motorworks/enginesync/internal/auth"
)

// Owner identifies the first writer recorded for a (table,row).
type Owner struct {
	UserID   uuid.UUID
	Username string
}

// EnsureOwner records the actor as the owner of (table,row) if no owner
// exists yet. The unique index on (table_name,row_id) makes this idempotent
// under concurrent writers; the first insert wins and is never mutated by
// the sync path afterwards.
func EnsureOwner(ctx context.Context, q Querier, table, rowID string, actor auth.Actor) error {
	_, err := q.Exec(ctx, `
		INSERT INTO row_owners (table_name, row_id, owner_user_id, owner_username)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (table_name, row_id) DO NOTHING
	`, table, rowID, actor.ID, actor.Username)
	if err != nil {
		return fmt.Errorf("ensure owner: %w", err)
	}
	return nil
}

// LookupOwner returns the recorded owner of (table,row), or nil when the row
// was never claimed.
func LookupOwner(ctx context.Context, q Querier, table, rowID string) (*Owner, error) {
	var o Owner
	err := q.QueryRow(ctx, `
		SELECT owner_user_id, owner_username FROM row_owners
		WHERE table_name = $1 AND row_id = $2
	`, table, rowID).Scan(&o.UserID, &o.Username)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup owner: %w", err)
	}
	return &o, nil
}

// ReassignOwners moves every ownership record of one user to another and
// returns the affected (table,row) pairs. The caller re-emits log entries
// for the affected rows so replicas converge on the transferred state.
func ReassignOwners(ctx context.Context, tx pgx.Tx, from uuid.UUID, to auth.Actor) ([][2]string, error) {
	rows, err := tx.Query(ctx, `
		UPDATE row_owners
		SET owner_user_id = $1, owner_username = $2
		WHERE owner_user_id = $3
		RETURNING table_name, row_id
	`, to.ID, to.Username, from)
	if err != nil {
		return nil, fmt.Errorf("reassign owners: %w", err)
	}
	defer rows.Close()

	var affected [][2]string
	for rows.Next() {
		var table, rowID string
		if err := rows.Scan(&table, &rowID); err != nil {
			return nil, fmt.Errorf("scan reassigned row: %w", err)
		}
		affected = append(affected, [2]string{table, rowID})
	}
	return affected, rows.Err()
}

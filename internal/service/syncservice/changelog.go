package syncservice

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Querier is the subset of pgx shared by *pgxpool.Pool and pgx.Tx. Services
// take it wherever an operation may run either inside or outside an
// enclosing transaction.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Change log operations.
const (
	OpUpsert = "upsert"
	OpDelete = "delete"
)

// Entry is one record of the append-only ordered change log.
type Entry struct {
	Seq       int64           `json:"seq"`
	Table     string          `json:"table"`
	RowID     string          `json:"row_id"`
	Op        string          `json:"op"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt int64           `json:"created_at"`
}

// AppendEntry appends one change log record and returns the assigned
// server_seq. It must be called inside the same transaction that performs
// the projection write; the sequence is assigned by the database, so commit
// order determines visibility order. Readers advance by observed seq, never
// by expected contiguous integers, so a rolled-back allocation leaves no
// visible gap.
func AppendEntry(ctx context.Context, tx pgx.Tx, table, rowID, op string, payload []byte, at int64) (int64, error) {
	var seq int64
	err := tx.QueryRow(ctx, `
		INSERT INTO change_log (table_name, row_id, op, payload, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING server_seq
	`, table, rowID, op, string(payload), at).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("append change log: %w", err)
	}
	return seq, nil
}

// LatestPayload returns the payload of the most recent log entry for
// (table,row), or nil when the row was never logged. Used for append dedup.
func LatestPayload(ctx context.Context, q Querier, table, rowID string) ([]byte, error) {
	var payload string
	err := q.QueryRow(ctx, `
		SELECT payload FROM change_log
		WHERE table_name = $1 AND row_id = $2
		ORDER BY server_seq DESC
		LIMIT 1
	`, table, rowID).Scan(&payload)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read latest payload: %w", err)
	}
	return []byte(payload), nil
}

// RangeEntries reads up to limit entries with seq > afterSeq in ascending
// seq order.
func RangeEntries(ctx context.Context, q Querier, afterSeq int64, limit int) ([]Entry, error) {
	rows, err := q.Query(ctx, `
		SELECT server_seq, table_name, row_id, op, payload, created_at
		FROM change_log
		WHERE server_seq > $1
		ORDER BY server_seq ASC
		LIMIT $2
	`, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("query change log: %w", err)
	}
	defer rows.Close()

	entries := make([]Entry, 0, limit)
	for rows.Next() {
		var e Entry
		var payload string
		if err := rows.Scan(&e.Seq, &e.Table, &e.RowID, &e.Op, &payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan change log entry: %w", err)
		}
		e.Payload = json.RawMessage(payload)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// MaxSeq returns the highest committed server_seq, or 0 for an empty log.
func MaxSeq(ctx context.Context, q Querier) (int64, error) {
	var seq *int64
	if err := q.QueryRow(ctx, `SELECT MAX(server_seq) FROM change_log`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("read max seq: %w", err)
	}
	if seq == nil {
		return 0, nil
	}
	return *seq, nil
}

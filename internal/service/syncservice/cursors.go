package syncservice

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// CursorState is the server-side bookkeeping for one client device.
type CursorState struct {
	ClientID            string `json:"client_id"`
	LastPulledServerSeq int64  `json:"last_pulled_server_seq"`
	LastPushedAt        *int64 `json:"last_pushed_at"`
	LastPulledAt        *int64 `json:"last_pulled_at"`
}

// GetCursor returns the stored state for a client, or a zero-valued state
// when the client was never seen. The zero cursor makes a fresh client pull
// from the beginning of the log.
func GetCursor(ctx context.Context, q Querier, clientID string) (CursorState, error) {
	st := CursorState{ClientID: clientID}
	err := q.QueryRow(ctx, `
		SELECT last_pulled_server_seq, last_pushed_at, last_pulled_at
		FROM sync_state
		WHERE client_id = $1
	`, clientID).Scan(&st.LastPulledServerSeq, &st.LastPushedAt, &st.LastPulledAt)
	if err == pgx.ErrNoRows {
		return st, nil
	}
	if err != nil {
		return st, fmt.Errorf("read sync state: %w", err)
	}
	return st, nil
}

// AdvancePullCursor records that a client received entries up to seq. The
// cursor never moves backwards, so a delayed acknowledgement of an older
// batch cannot rewind a newer one.
func AdvancePullCursor(ctx context.Context, q Querier, clientID string, seq, at int64) error {
	_, err := q.Exec(ctx, `
		INSERT INTO sync_state (client_id, last_pulled_server_seq, last_pulled_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (client_id) DO UPDATE SET
			last_pulled_server_seq = GREATEST(sync_state.last_pulled_server_seq, EXCLUDED.last_pulled_server_seq),
			last_pulled_at = EXCLUDED.last_pulled_at
	`, clientID, seq, at)
	if err != nil {
		return fmt.Errorf("advance pull cursor: %w", err)
	}
	return nil
}

// TouchPushCursor stamps the client's last push time.
func TouchPushCursor(ctx context.Context, q Querier, clientID string, at int64) error {
	_, err := q.Exec(ctx, `
		INSERT INTO sync_state (client_id, last_pushed_at)
		VALUES ($1, $2)
		ON CONFLICT (client_id) DO UPDATE SET last_pushed_at = EXCLUDED.last_pushed_at
	`, clientID, at)
	if err != nil {
		return fmt.Errorf("touch push cursor: %w", err)
	}
	return nil
}

// ListCursors returns every known client state, most recently pulled first.
func ListCursors(ctx context.Context, q Querier) ([]CursorState, error) {
	rows, err := q.Query(ctx, `
		SELECT client_id, last_pulled_server_seq, last_pushed_at, last_pulled_at
		FROM sync_state
		ORDER BY last_pulled_at DESC NULLS LAST, client_id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list sync state: %w", err)
	}
	defer rows.Close()

	var out []CursorState
	for rows.Next() {
		var st CursorState
		if err := rows.Scan(&st.ClientID, &st.LastPulledServerSeq, &st.LastPushedAt, &st.LastPulledAt); err != nil {
			return nil, fmt.Errorf("scan sync state: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

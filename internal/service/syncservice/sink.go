package syncservice

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/motorworks/enginesync/internal/auth"
	"github.com/motorworks/enginesync/internal/syncx"
)

// Change is one normalized post-image headed for the sink.
type Change struct {
	Table string
	Row   syncx.Row
	// AssignOwner claims the row for the actor when it has no owner yet.
	// Workflow applies leave ownership untouched.
	AssignOwner bool
	// Force applies the post-image unconditionally instead of last-writer-wins.
	// Used when a reviewer applies a change request: the decision must become
	// visible even if the queued image is older than the current projection.
	Force bool
}

// Applied describes one change the sink wrote to the log.
type Applied struct {
	Table string
	RowID string
	Seq   int64
}

// ApplyChanges writes post-images into their projection tables and appends
// the matching change log entries, all inside the caller's transaction.
//
// The guarded path enforces last-writer-wins with a strict comparison, so a
// replayed or stale image affects zero rows and produces no log entry. An
// image that does win but is byte-identical to the row's latest log payload
// is also skipped, keeping replays log-silent end to end.
func ApplyChanges(ctx context.Context, tx pgx.Tx, actor auth.Actor, changes []Change, at int64) ([]Applied, error) {
	var applied []Applied
	for _, c := range changes {
		spec := syncx.Table(c.Table)
		if spec == nil {
			return nil, NewError(CodeValidation, "unknown table %q", c.Table)
		}

		row := c.Row
		rowID := row.ID()

		if c.Force {
			if err := upsertForced(ctx, tx, spec, row); err != nil {
				return nil, err
			}
			post, ok, err := ReadPostImage(ctx, tx, spec, rowID)
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, fmt.Errorf("row %s/%s missing after forced upsert", c.Table, rowID)
			}
			row = post
		} else {
			won, err := upsertGuarded(ctx, tx, spec, row)
			if err != nil {
				return nil, err
			}
			if !won {
				continue
			}
		}

		payload, err := row.MarshalCanonical()
		if err != nil {
			return nil, fmt.Errorf("encode post-image: %w", err)
		}

		if !c.Force {
			last, err := LatestPayload(ctx, tx, c.Table, rowID)
			if err != nil {
				return nil, err
			}
			if last != nil && bytes.Equal(last, payload) {
				continue
			}
		}

		op := OpUpsert
		if row.DeletedAt() != nil {
			op = OpDelete
		}
		seq, err := AppendEntry(ctx, tx, c.Table, rowID, op, payload, at)
		if err != nil {
			return nil, err
		}

		if _, err := tx.Exec(ctx,
			fmt.Sprintf(`UPDATE %s SET last_server_seq = $1 WHERE id = $2`, spec.Name),
			seq, rowID,
		); err != nil {
			return nil, fmt.Errorf("stamp last_server_seq: %w", err)
		}

		if c.AssignOwner {
			if err := EnsureOwner(ctx, tx, c.Table, rowID, actor); err != nil {
				return nil, err
			}
		}

		applied = append(applied, Applied{Table: c.Table, RowID: rowID, Seq: seq})
	}
	return applied, nil
}

// upsertGuarded writes the post-image with the last-writer-wins guard and
// reports whether the write took effect. The strict comparison makes replays
// of the same image no-ops.
func upsertGuarded(ctx context.Context, tx pgx.Tx, spec *syncx.TableSpec, row syncx.Row) (bool, error) {
	sql, args := upsertSQL(spec, row,
		fmt.Sprintf("WHERE EXCLUDED.updated_at > %s.updated_at", spec.Name), "")
	tag, err := tx.Exec(ctx, sql, args...)
	if err != nil {
		return false, fmt.Errorf("upsert %s: %w", spec.Name, err)
	}
	return tag.RowsAffected() > 0, nil
}

// upsertForced writes the post-image unconditionally but keeps updated_at
// monotonic: an older image applied by a reviewer still advances the row's
// clock past the current value.
func upsertForced(ctx context.Context, tx pgx.Tx, spec *syncx.TableSpec, row syncx.Row) error {
	override := fmt.Sprintf("updated_at = GREATEST(EXCLUDED.updated_at, %s.updated_at)", spec.Name)
	sql, args := upsertSQL(spec, row, "", override)
	if _, err := tx.Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("forced upsert %s: %w", spec.Name, err)
	}
	return nil
}

// upsertSQL renders the generated INSERT ... ON CONFLICT statement for a
// table spec. guard is an optional trailing WHERE on the conflict update;
// updatedAtOverride replaces the plain updated_at assignment when set.
func upsertSQL(spec *syncx.TableSpec, row syncx.Row, guard, updatedAtOverride string) (string, []any) {
	cols := spec.AllColumns()

	names := make([]string, 0, len(cols))
	placeholders := make([]string, 0, len(cols))
	sets := make([]string, 0, len(cols))
	args := make([]any, 0, len(cols))

	for _, c := range cols {
		if c.ServerOnly {
			continue
		}
		names = append(names, c.Name)
		placeholders = append(placeholders, fmt.Sprintf("$%d", len(args)+1))
		args = append(args, row[c.Name])
		if c.Name == "id" {
			continue
		}
		if c.Name == "updated_at" && updatedAtOverride != "" {
			sets = append(sets, updatedAtOverride)
			continue
		}
		sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", c.Name, c.Name))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s)\nVALUES (%s)\nON CONFLICT (id) DO UPDATE SET %s",
		spec.Name,
		strings.Join(names, ", "),
		strings.Join(placeholders, ", "),
		strings.Join(sets, ", "),
	)
	if guard != "" {
		b.WriteString("\n")
		b.WriteString(guard)
	}
	return b.String(), args
}

// ReadPostImage reads the current projection state of a row as a normalized
// post-image, or ok=false when the row does not exist.
func ReadPostImage(ctx context.Context, q Querier, spec *syncx.TableSpec, rowID string) (syncx.Row, bool, error) {
	cols := spec.AllColumns()
	names := make([]string, 0, len(cols))
	for _, c := range cols {
		if c.ServerOnly {
			continue
		}
		names = append(names, c.Name)
	}

	rows, err := q.Query(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, strings.Join(names, ", "), spec.Name),
		rowID,
	)
	if err != nil {
		return nil, false, fmt.Errorf("read %s row: %w", spec.Name, err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, false, rows.Err()
	}
	vals, err := rows.Values()
	if err != nil {
		return nil, false, fmt.Errorf("scan %s row: %w", spec.Name, err)
	}

	out := make(syncx.Row, len(names))
	i := 0
	for _, c := range cols {
		if c.ServerOnly {
			continue
		}
		out[c.Name] = normalizeScanned(c, vals[i])
		i++
	}
	return out, true, rows.Err()
}

// normalizeScanned maps a pgx-decoded value back to the payload shape so a
// read-back row serializes identically to a pushed one.
func normalizeScanned(c syncx.ColumnSpec, v any) any {
	if v == nil {
		return nil
	}
	switch c.Kind {
	case syncx.KindUUID:
		// pgx decodes uuid columns as [16]byte; payloads carry the string form.
		if b, ok := v.([16]byte); ok {
			return uuid.UUID(b).String()
		}
		return v
	case syncx.KindMs, syncx.KindInt:
		switch n := v.(type) {
		case int64:
			return n
		case int32:
			return int64(n)
		}
		return v
	default:
		return v
	}
}

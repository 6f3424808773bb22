package syncservice

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/motorworks/enginesync/internal/auth"
	"github.com/motorworks/enginesync/internal/syncx"
)

// Pusher ingests client batches: validates, routes by ownership, and either
// applies rows through the sink or queues them for review.
type Pusher struct {
	DB       *pgxpool.Pool
	MaxBatch int
}

// TableBatch is one table's rows within a push, in client order.
type TableBatch struct {
	Table string           `json:"table"`
	Rows  []map[string]any `json:"rows"`
}

// PushRequest is the push wire shape. Deletes carry full post-images with
// deleted_at set; upserts may also carry tombstones, the split only exists so
// clients can batch the two queues they keep locally.
type PushRequest struct {
	ClientID string       `json:"client_id"`
	Upserts  []TableBatch `json:"upserts"`
	Deletes  []TableBatch `json:"deletes"`
}

// QueuedRef points a client at the change request created for one of its rows.
type QueuedRef struct {
	Table           string `json:"table"`
	RowID           string `json:"row_id"`
	ChangeRequestID string `json:"change_request_id"`
}

// RowError reports a per-row failure; the rest of the batch is unaffected.
type RowError struct {
	Table   string `json:"table"`
	RowID   string `json:"row_id"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PushResult summarizes a push: applied counts change log appends, so a full
// replay of an already-applied batch reports zero.
type PushResult struct {
	Applied int         `json:"applied"`
	Queued  []QueuedRef `json:"queued"`
	Errors  []RowError  `json:"errors"`
}

type pushRow struct {
	raw              map[string]any
	requireTombstone bool
}

// Push processes one client batch. Each table is one transaction: a database
// failure rolls back that table's rows and the remaining tables still run.
// Validation, permission, and routing failures are per-row.
func (p *Pusher) Push(ctx context.Context, actor auth.Actor, req *PushRequest) (*PushResult, error) {
	if req.ClientID == "" {
		return nil, NewError(CodeValidation, "client_id is required")
	}

	total := 0
	for _, b := range req.Upserts {
		total += len(b.Rows)
	}
	for _, b := range req.Deletes {
		total += len(b.Rows)
	}
	if total > p.MaxBatch {
		return nil, NewError(CodeValidation, "batch of %d rows exceeds limit %d", total, p.MaxBatch)
	}

	// Group rows per table, preserving client order; a table's deletes run
	// after its upserts, matching the order a client drains its queues.
	groups := make(map[string][]pushRow)
	var order []string
	add := func(batches []TableBatch, tombstone bool) {
		for _, b := range batches {
			if _, seen := groups[b.Table]; !seen {
				order = append(order, b.Table)
			}
			for _, r := range b.Rows {
				groups[b.Table] = append(groups[b.Table], pushRow{raw: r, requireTombstone: tombstone})
			}
		}
	}
	add(req.Upserts, false)
	add(req.Deletes, true)

	res := &PushResult{}
	for _, table := range order {
		p.pushTable(ctx, actor, table, groups[table], res)
	}

	if err := TouchPushCursor(ctx, p.DB, req.ClientID, syncx.NowMs()); err != nil {
		return nil, err
	}

	log.Info().
		Str("client_id", req.ClientID).
		Str("user", actor.Username).
		Int("rows", total).
		Int("applied", res.Applied).
		Int("queued", len(res.Queued)).
		Int("errors", len(res.Errors)).
		Msg("push processed")
	return res, nil
}

// pushTable runs one table's rows in a single transaction.
func (p *Pusher) pushTable(ctx context.Context, actor auth.Actor, table string, rows []pushRow, res *PushResult) {
	spec := syncx.Table(table)
	if spec == nil {
		for _, r := range rows {
			res.Errors = append(res.Errors, rowError(table, r.raw, CodeValidation, fmt.Sprintf("unknown table %q", table)))
		}
		return
	}

	allowed, err := auth.CanPush(ctx, p.DB, actor, table)
	if err != nil {
		p.failTable(table, rows, res, err)
		return
	}
	if !allowed {
		for _, r := range rows {
			res.Errors = append(res.Errors, rowError(table, r.raw, CodeForbidden, fmt.Sprintf("missing edit permission for %q", table)))
		}
		return
	}

	autoApprove, err := auth.AutoApprove(ctx, p.DB, actor)
	if err != nil {
		p.failTable(table, rows, res, err)
		return
	}

	tx, err := p.DB.Begin(ctx)
	if err != nil {
		p.failTable(table, rows, res, err)
		return
	}
	defer tx.Rollback(ctx)

	at := syncx.NowMs()
	staged := *res
	for _, r := range rows {
		row, err := syncx.Normalize(spec, r.raw)
		if err != nil {
			staged.Errors = append(staged.Errors, rowError(table, r.raw, CodeValidation, err.Error()))
			continue
		}
		if r.requireTombstone && row.DeletedAt() == nil {
			staged.Errors = append(staged.Errors, RowError{Table: table, RowID: row.ID(), Code: CodeValidation, Message: "delete without deleted_at"})
			continue
		}

		if err := p.checkForeignKeys(ctx, tx, spec, row); err != nil {
			staged.Errors = append(staged.Errors, RowError{Table: table, RowID: row.ID(), Code: CodeOf(err), Message: err.Error()})
			continue
		}

		var exists bool
		if err := tx.QueryRow(ctx, fmt.Sprintf(`SELECT EXISTS(SELECT 1 FROM %s WHERE id = $1)`, spec.Name), row.ID()).Scan(&exists); err != nil {
			p.failTable(table, rows, res, err)
			return
		}
		owner, err := LookupOwner(ctx, tx, table, row.ID())
		if err != nil {
			p.failTable(table, rows, res, err)
			return
		}

		if !exists && spec.SelfService && !autoApprove {
			if err := p.checkSelfServiceAuthor(ctx, tx, spec, row, actor); err != nil {
				staged.Errors = append(staged.Errors, RowError{Table: table, RowID: row.ID(), Code: CodeOf(err), Message: err.Error()})
				continue
			}
		}

		direct := !exists || owner == nil || owner.UserID == actor.ID || autoApprove
		if direct {
			applied, err := ApplyChanges(ctx, tx, actor, []Change{{Table: table, Row: row, AssignOwner: owner == nil}}, at)
			if err != nil {
				p.failTable(table, rows, res, err)
				return
			}
			staged.Applied += len(applied)
			continue
		}

		// Foreign-owned row: queue for review instead of writing.
		before, err := p.beforeImage(ctx, tx, spec, row.ID(), exists)
		if err != nil {
			p.failTable(table, rows, res, err)
			return
		}
		after, err := row.MarshalCanonical()
		if err != nil {
			p.failTable(table, rows, res, err)
			return
		}
		id, err := CreateChangeRequest(ctx, tx, table, row.ID(), before, after, owner, actor, at)
		if err != nil {
			p.failTable(table, rows, res, err)
			return
		}
		staged.Queued = append(staged.Queued, QueuedRef{Table: table, RowID: row.ID(), ChangeRequestID: id})
	}

	if err := tx.Commit(ctx); err != nil {
		p.failTable(table, rows, res, err)
		return
	}
	*res = staged
}

// failTable reports a table-level database failure: the transaction rolled
// back, so every row of the table is reported failed regardless of how far
// processing got.
func (p *Pusher) failTable(table string, rows []pushRow, res *PushResult, err error) {
	log.Error().Err(err).Str("table", table).Msg("push table batch failed")
	for _, r := range rows {
		res.Errors = append(res.Errors, rowError(table, r.raw, CodeInternal, "table batch failed"))
	}
}

// checkForeignKeys verifies every referenced row is addressable. Soft-deleted
// targets still count; the reference stays resolvable on every replica.
func (p *Pusher) checkForeignKeys(ctx context.Context, q Querier, spec *syncx.TableSpec, row syncx.Row) error {
	for _, fk := range spec.ForeignKeys {
		v := row[fk.Column]
		if v == nil {
			continue
		}
		var exists bool
		if err := q.QueryRow(ctx, fmt.Sprintf(`SELECT EXISTS(SELECT 1 FROM %s WHERE id = $1)`, fk.RefTable), v).Scan(&exists); err != nil {
			return fmt.Errorf("check %s.%s reference: %w", spec.Name, fk.Column, err)
		}
		if !exists {
			return NewError(CodeValidation, "%s %v referenced by %s does not exist", fk.RefTable, v, fk.Column)
		}
	}
	return nil
}

// selfServiceAuthorColumn maps a self-service table to the column that names
// the row's author; creating a row on someone else's behalf is rejected.
var selfServiceAuthorColumn = map[string]string{
	"audit_log":     "actor",
	"chat_messages": "author",
	"chat_reads":    "reader",
	"notes":         "author",
	"user_presence": "username",
}

func (p *Pusher) checkSelfServiceAuthor(ctx context.Context, q Querier, spec *syncx.TableSpec, row syncx.Row, actor auth.Actor) error {
	if col, ok := selfServiceAuthorColumn[spec.Name]; ok {
		if v, _ := row[col].(string); v != actor.Username {
			return NewError(CodeForbidden, "%s.%s must match the authenticated user", spec.Name, col)
		}
		return nil
	}
	if spec.Name == "note_shares" {
		noteID, _ := row["note_id"].(string)
		owner, err := LookupOwner(ctx, q, "notes", noteID)
		if err != nil {
			return err
		}
		if owner != nil && owner.UserID != actor.ID {
			return NewError(CodeForbidden, "only the note owner may share it")
		}
	}
	return nil
}

// beforeImage captures the current projection state for a queued request.
func (p *Pusher) beforeImage(ctx context.Context, q Querier, spec *syncx.TableSpec, rowID string, exists bool) ([]byte, error) {
	if !exists {
		return nil, nil
	}
	row, ok, err := ReadPostImage(ctx, q, spec, rowID)
	if err != nil || !ok {
		return nil, err
	}
	return row.MarshalCanonical()
}

func rowError(table string, raw map[string]any, code, msg string) RowError {
	id, _ := raw["id"].(string)
	return RowError{Table: table, RowID: id, Code: code, Message: msg}
}

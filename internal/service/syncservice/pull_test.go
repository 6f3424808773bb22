package syncservice

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/motorworks/enginesync/internal/syncx"
)

func entry(seq int64, table, rowID string) Entry {
	return Entry{
		Seq:     seq,
		Table:   table,
		RowID:   rowID,
		Op:      OpUpsert,
		Payload: json.RawMessage(`{}`),
	}
}

func TestCompact(t *testing.T) {
	in := []Entry{
		entry(1, "notes", "a"),
		entry(2, "notes", "b"),
		entry(3, "notes", "a"),
		entry(4, "chat_messages", "a"),
		entry(5, "notes", "a"),
	}

	out := compact(in)

	want := []int64{2, 4, 5}
	if len(out) != len(want) {
		t.Fatalf("compact kept %d entries, want %d", len(out), len(want))
	}
	for i, seq := range want {
		if out[i].Seq != seq {
			t.Errorf("entry %d has seq %d, want %d", i, out[i].Seq, seq)
		}
	}
	// Same row id in different tables is a different key.
	if out[1].Table != "chat_messages" {
		t.Errorf("entry for chat_messages/a was dropped")
	}
}

func TestCompactNoDuplicates(t *testing.T) {
	in := []Entry{
		entry(10, "notes", "a"),
		entry(11, "notes", "b"),
	}
	out := compact(in)
	if len(out) != 2 || out[0].Seq != 10 || out[1].Seq != 11 {
		t.Errorf("compact altered a batch without duplicates: %+v", out)
	}
}

func TestCompactEmpty(t *testing.T) {
	if out := compact(nil); len(out) != 0 {
		t.Errorf("compact(nil) = %+v, want empty", out)
	}
}

func TestCodeOf(t *testing.T) {
	if got := CodeOf(NewError(CodeForbidden, "nope")); got != CodeForbidden {
		t.Errorf("CodeOf = %q, want %q", got, CodeForbidden)
	}
	wrapped := fmt.Errorf("outer: %w", NewError(CodeNotFound, "gone"))
	if got := CodeOf(wrapped); got != CodeNotFound {
		t.Errorf("CodeOf(wrapped) = %q, want %q", got, CodeNotFound)
	}
	if got := CodeOf(errors.New("plain")); got != CodeInternal {
		t.Errorf("CodeOf(plain) = %q, want %q", got, CodeInternal)
	}
}

func testRow() syncx.Row {
	return syncx.Row{
		"id": "x", "code": "c", "name": "n",
		"created_at": int64(1), "updated_at": int64(2),
		"deleted_at": nil, "sync_status": "synced",
	}
}

func TestUpsertSQLShape(t *testing.T) {
	spec := syncx.Table("entity_types")
	sql, args := upsertSQL(spec, testRow(), "WHERE EXCLUDED.updated_at > entity_types.updated_at", "")

	// One arg per non-server-only column: id, code, name + 4 lifecycle.
	if len(args) != 7 {
		t.Errorf("got %d args, want 7", len(args))
	}
	for _, frag := range []string{
		"INSERT INTO entity_types",
		"ON CONFLICT (id) DO UPDATE SET",
		"code = EXCLUDED.code",
		"WHERE EXCLUDED.updated_at > entity_types.updated_at",
	} {
		if !strings.Contains(sql, frag) {
			t.Errorf("generated SQL missing %q:\n%s", frag, sql)
		}
	}
	if strings.Contains(sql, "last_server_seq") {
		t.Errorf("generated SQL writes server-only column:\n%s", sql)
	}
	if strings.Contains(sql, "id = EXCLUDED.id") {
		t.Errorf("generated SQL reassigns the primary key:\n%s", sql)
	}
}

func TestUpsertSQLForcedUpdatedAt(t *testing.T) {
	spec := syncx.Table("entity_types")
	override := "updated_at = GREATEST(EXCLUDED.updated_at, entity_types.updated_at)"
	sql, _ := upsertSQL(spec, testRow(), "", override)
	if !strings.Contains(sql, override) {
		t.Errorf("forced SQL missing monotonic updated_at:\n%s", sql)
	}
	if strings.Contains(sql, "updated_at = EXCLUDED.updated_at") {
		t.Errorf("forced SQL still assigns updated_at directly:\n%s", sql)
	}
}

package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/google/uuid"

	"github.com/motorworks/enginesync/internal/service/syncservice"
	"github.com/motorworks/enginesync/internal/syncx"
)

func entityTypeRow(id, code, name string, ts int64) map[string]any {
	return map[string]any{
		"id":         id,
		"code":       code,
		"name":       name,
		"created_at": ts,
		"updated_at": ts,
	}
}

func noteRow(id, author, title string, ts int64) map[string]any {
	return map[string]any{
		"id":         id,
		"author":     author,
		"title":      title,
		"body":       "checked the crankshaft",
		"created_at": ts,
		"updated_at": ts,
	}
}

func pushUpserts(clientID, table string, rows ...map[string]any) syncservice.PushRequest {
	return syncservice.PushRequest{
		ClientID: clientID,
		Upserts:  []syncservice.TableBatch{{Table: table, Rows: rows}},
	}
}

func pullSince(clientID string, since int64) map[string]any {
	return map[string]any{"client_id": clientID, "since_seq": since}
}

func TestPushPullRoundTrip(t *testing.T) {
	pool := getTestPool(t)
	router := newTestRouter(t, pool)
	hash := currentSchemaHash(t, router)

	id := uuid.New().String()
	ts := syncx.NowMs()
	w := doJSON(t, router, "POST", "/v1/sync/push",
		pushUpserts("laptop-1", "entity_types", entityTypeRow(id, "engine", "Engine", ts)),
		"boss", "superadmin", hash)
	if w.Code != http.StatusOK {
		t.Fatalf("push: status %d, body %s", w.Code, w.Body.String())
	}
	var push pushResponse
	decodeBody(t, w, &push)
	if !push.OK || push.Applied != 1 || len(push.Queued) != 0 || len(push.Errors) != 0 {
		t.Fatalf("push result = %+v, want applied=1 and no queued/errors", push)
	}

	w = doJSON(t, router, "POST", "/v1/sync/pull", pullSince("laptop-2", 0), "boss", "superadmin", hash)
	if w.Code != http.StatusOK {
		t.Fatalf("pull: status %d, body %s", w.Code, w.Body.String())
	}
	var pull pullResponse
	decodeBody(t, w, &pull)
	if len(pull.Entries) != 1 {
		t.Fatalf("pull returned %d entries, want 1", len(pull.Entries))
	}
	e := pull.Entries[0]
	if e.Table != "entity_types" || e.RowID != id || e.Op != "upsert" {
		t.Errorf("entry = %+v", e)
	}
	var payload map[string]any
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		t.Fatalf("payload decode: %v", err)
	}
	if payload["sync_status"] != "synced" {
		t.Errorf("payload sync_status = %v, want synced", payload["sync_status"])
	}
	if payload["name"] != "Engine" {
		t.Errorf("payload name = %v, want Engine", payload["name"])
	}
	if pull.NextSeq < 1 || pull.HasMore {
		t.Errorf("next_seq = %d, has_more = %v", pull.NextSeq, pull.HasMore)
	}

	// The server-side cursor advanced; the next default pull is empty.
	w = doJSON(t, router, "POST", "/v1/sync/pull",
		map[string]any{"client_id": "laptop-2"}, "boss", "superadmin", hash)
	decodeBody(t, w, &pull)
	if len(pull.Entries) != 0 {
		t.Errorf("second pull returned %d entries, want 0", len(pull.Entries))
	}
}

func TestPushReplayIsIdempotent(t *testing.T) {
	pool := getTestPool(t)
	router := newTestRouter(t, pool)
	hash := currentSchemaHash(t, router)

	id := uuid.New().String()
	req := pushUpserts("laptop-1", "entity_types", entityTypeRow(id, "engine", "Engine", syncx.NowMs()))

	var push pushResponse
	decodeBody(t, doJSON(t, router, "POST", "/v1/sync/push", req, "boss", "superadmin", hash), &push)
	if push.Applied != 1 {
		t.Fatalf("first push applied = %d, want 1", push.Applied)
	}

	// Same batch again: the projection write loses the strict clock race and
	// no new log entry appears.
	decodeBody(t, doJSON(t, router, "POST", "/v1/sync/push", req, "boss", "superadmin", hash), &push)
	if push.Applied != 0 || len(push.Errors) != 0 {
		t.Fatalf("replay push = %+v, want applied=0 and no errors", push)
	}

	var pull pullResponse
	decodeBody(t, doJSON(t, router, "POST", "/v1/sync/pull", pullSince("other", 0), "boss", "superadmin", hash), &pull)
	if len(pull.Entries) != 1 {
		t.Errorf("log has %d entries after replay, want 1", len(pull.Entries))
	}
}

func TestSoftDeleteEmitsTombstone(t *testing.T) {
	pool := getTestPool(t)
	router := newTestRouter(t, pool)
	hash := currentSchemaHash(t, router)

	id := uuid.New().String()
	ts := syncx.NowMs()
	doJSON(t, router, "POST", "/v1/sync/push",
		pushUpserts("laptop-1", "entity_types", entityTypeRow(id, "engine", "Engine", ts)),
		"boss", "superadmin", hash)

	tombstone := entityTypeRow(id, "engine", "Engine", ts)
	tombstone["updated_at"] = ts + 1000
	tombstone["deleted_at"] = ts + 1000
	var push pushResponse
	decodeBody(t, doJSON(t, router, "POST", "/v1/sync/push", syncservice.PushRequest{
		ClientID: "laptop-1",
		Deletes:  []syncservice.TableBatch{{Table: "entity_types", Rows: []map[string]any{tombstone}}},
	}, "boss", "superadmin", hash), &push)
	if push.Applied != 1 {
		t.Fatalf("delete push = %+v, want applied=1", push)
	}

	// Compaction leaves only the tombstone.
	var pull pullResponse
	decodeBody(t, doJSON(t, router, "POST", "/v1/sync/pull", pullSince("other", 0), "boss", "superadmin", hash), &pull)
	if len(pull.Entries) != 1 {
		t.Fatalf("pull returned %d entries, want 1 after compaction", len(pull.Entries))
	}
	if pull.Entries[0].Op != "delete" {
		t.Errorf("op = %q, want delete", pull.Entries[0].Op)
	}
	if pull.NextSeq < 2 {
		t.Errorf("next_seq = %d, want to cover both raw entries", pull.NextSeq)
	}
}

func TestDeleteWithoutTombstoneRejected(t *testing.T) {
	pool := getTestPool(t)
	router := newTestRouter(t, pool)
	hash := currentSchemaHash(t, router)

	var push pushResponse
	decodeBody(t, doJSON(t, router, "POST", "/v1/sync/push", syncservice.PushRequest{
		ClientID: "laptop-1",
		Deletes: []syncservice.TableBatch{{
			Table: "entity_types",
			Rows:  []map[string]any{entityTypeRow(uuid.New().String(), "engine", "Engine", syncx.NowMs())},
		}},
	}, "boss", "superadmin", hash), &push)
	if push.Applied != 0 || len(push.Errors) != 1 || push.Errors[0].Code != "validation" {
		t.Fatalf("push = %+v, want one validation error", push)
	}
}

func TestPerRowValidationKeepsBatch(t *testing.T) {
	pool := getTestPool(t)
	router := newTestRouter(t, pool)
	hash := currentSchemaHash(t, router)

	good := entityTypeRow(uuid.New().String(), "engine", "Engine", syncx.NowMs())
	bad := entityTypeRow(uuid.New().String(), "gearbox", "Gearbox", syncx.NowMs())
	delete(bad, "name")

	var push pushResponse
	decodeBody(t, doJSON(t, router, "POST", "/v1/sync/push",
		pushUpserts("laptop-1", "entity_types", good, bad),
		"boss", "superadmin", hash), &push)

	if push.Applied != 1 {
		t.Errorf("applied = %d, want the good row applied", push.Applied)
	}
	if len(push.Errors) != 1 || push.Errors[0].Code != "validation" {
		t.Errorf("errors = %+v, want one validation error", push.Errors)
	}
}

func TestForeignOwnedRowQueuesAndApplies(t *testing.T) {
	pool := getTestPool(t)
	router := newTestRouter(t, pool)
	hash := currentSchemaHash(t, router)

	noteID := uuid.New().String()
	ts := syncx.NowMs()

	var push pushResponse
	decodeBody(t, doJSON(t, router, "POST", "/v1/sync/push",
		pushUpserts("sara-phone", "notes", noteRow(noteID, "mech-sara", "Crank inspection", ts)),
		"mech-sara", "user", hash), &push)
	if push.Applied != 1 {
		t.Fatalf("owner push = %+v, want applied=1", push)
	}

	// A different mechanic edits Sara's note: queued, not applied.
	edited := noteRow(noteID, "mech-sara", "Crank inspection - redone", ts+1000)
	decodeBody(t, doJSON(t, router, "POST", "/v1/sync/push",
		pushUpserts("tom-phone", "notes", edited), "mech-tom", "user", hash), &push)
	if push.Applied != 0 || len(push.Queued) != 1 {
		t.Fatalf("foreign push = %+v, want queued only", push)
	}
	crID := push.Queued[0].ChangeRequestID
	if crID == "" {
		t.Fatal("queued ref has empty change request id")
	}

	// Retrying the same edit reuses the pending request.
	decodeBody(t, doJSON(t, router, "POST", "/v1/sync/push",
		pushUpserts("tom-phone", "notes", edited), "mech-tom", "user", hash), &push)
	if len(push.Queued) != 1 || push.Queued[0].ChangeRequestID != crID {
		t.Fatalf("retry created a second request: %+v", push.Queued)
	}

	// The projection still carries the owner's version.
	var pull pullResponse
	decodeBody(t, doJSON(t, router, "POST", "/v1/sync/pull", pullSince("probe", 0), "boss", "superadmin", hash), &pull)
	if len(pull.Entries) != 1 {
		t.Fatalf("log has %d entries before decision, want 1", len(pull.Entries))
	}

	// An admin reviews and applies it.
	w := doJSON(t, router, "GET", "/v1/changes/pending", nil, "chief", "admin", "")
	var pending struct {
		OK      bool                        `json:"ok"`
		Pending []syncservice.ChangeRequest `json:"pending"`
	}
	decodeBody(t, w, &pending)
	if len(pending.Pending) != 1 || pending.Pending[0].ID != crID {
		t.Fatalf("pending = %+v, want the queued request", pending.Pending)
	}

	w = doJSON(t, router, "POST", "/v1/changes/"+crID+"/apply", nil, "chief", "admin", "")
	if w.Code != http.StatusOK {
		t.Fatalf("apply: status %d, body %s", w.Code, w.Body.String())
	}

	// The decision reached the log; compaction serves the applied version
	// plus the audit trail row.
	decodeBody(t, doJSON(t, router, "POST", "/v1/sync/pull", pullSince("probe-2", 0), "boss", "superadmin", hash), &pull)
	var noteEntry, auditEntry *syncservice.Entry
	for i := range pull.Entries {
		switch pull.Entries[i].Table {
		case "notes":
			noteEntry = &pull.Entries[i]
		case "audit_log":
			auditEntry = &pull.Entries[i]
		}
	}
	if noteEntry == nil || auditEntry == nil {
		t.Fatalf("entries after apply = %+v, want notes and audit_log", pull.Entries)
	}
	var payload map[string]any
	if err := json.Unmarshal(noteEntry.Payload, &payload); err != nil {
		t.Fatalf("payload decode: %v", err)
	}
	if payload["title"] != "Crank inspection - redone" {
		t.Errorf("applied title = %v", payload["title"])
	}

	// Applying twice fails: the request is no longer pending.
	w = doJSON(t, router, "POST", "/v1/changes/"+crID+"/apply", nil, "chief", "admin", "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("second apply: status %d, want 400", w.Code)
	}
}

func TestRejectLeavesProjectionUntouched(t *testing.T) {
	pool := getTestPool(t)
	router := newTestRouter(t, pool)
	hash := currentSchemaHash(t, router)

	noteID := uuid.New().String()
	ts := syncx.NowMs()
	doJSON(t, router, "POST", "/v1/sync/push",
		pushUpserts("sara-phone", "notes", noteRow(noteID, "mech-sara", "Original", ts)),
		"mech-sara", "user", hash)

	var push pushResponse
	decodeBody(t, doJSON(t, router, "POST", "/v1/sync/push",
		pushUpserts("tom-phone", "notes", noteRow(noteID, "mech-sara", "Vandalized", ts+1000)),
		"mech-tom", "user", hash), &push)
	crID := push.Queued[0].ChangeRequestID

	w := doJSON(t, router, "POST", "/v1/changes/"+crID+"/reject",
		map[string]any{"note": "not your note"}, "chief", "admin", "")
	if w.Code != http.StatusOK {
		t.Fatalf("reject: status %d, body %s", w.Code, w.Body.String())
	}

	var pull pullResponse
	decodeBody(t, doJSON(t, router, "POST", "/v1/sync/pull", pullSince("probe", 0), "boss", "superadmin", hash), &pull)
	for _, e := range pull.Entries {
		if e.Table != "notes" {
			continue
		}
		var payload map[string]any
		if err := json.Unmarshal(e.Payload, &payload); err != nil {
			t.Fatalf("payload decode: %v", err)
		}
		if payload["title"] != "Original" {
			t.Errorf("note title after reject = %v, want Original", payload["title"])
		}
	}
}

func TestMasterDataRequiresPermission(t *testing.T) {
	pool := getTestPool(t)
	router := newTestRouter(t, pool)
	hash := currentSchemaHash(t, router)

	req := pushUpserts("tom-phone", "entity_types",
		entityTypeRow(uuid.New().String(), "engine", "Engine", syncx.NowMs()))

	var push pushResponse
	decodeBody(t, doJSON(t, router, "POST", "/v1/sync/push", req, "mech-tom", "user", hash), &push)
	if push.Applied != 0 || len(push.Errors) != 1 || push.Errors[0].Code != "forbidden" {
		t.Fatalf("push without permission = %+v, want forbidden", push)
	}

	// Grant the edit permission and retry.
	_, err := pool.Exec(context.Background(), `
		INSERT INTO user_permissions (user_id, permission_code)
		SELECT id, 'master_data.edit' FROM users WHERE username = 'mech-tom'
	`)
	if err != nil {
		t.Fatalf("grant permission: %v", err)
	}

	decodeBody(t, doJSON(t, router, "POST", "/v1/sync/push", req, "mech-tom", "user", hash), &push)
	if push.Applied != 1 || len(push.Errors) != 0 {
		t.Fatalf("push with permission = %+v, want applied=1", push)
	}
}

func TestSchemaGateRejectsMismatch(t *testing.T) {
	pool := getTestPool(t)
	router := newTestRouter(t, pool)

	for _, hash := range []string{"", "deadbeef"} {
		w := doJSON(t, router, "POST", "/v1/sync/pull", pullSince("laptop-1", 0), "boss", "superadmin", hash)
		if w.Code != http.StatusConflict {
			t.Fatalf("hash %q: status %d, want 409", hash, w.Code)
		}
		var body struct {
			OK     bool   `json:"ok"`
			Code   string `json:"code"`
			Action string `json:"action"`
			Hash   string `json:"schema_hash"`
		}
		decodeBody(t, w, &body)
		if body.OK || body.Code != "conflict_schema" || body.Action != "rebuild" || body.Hash == "" {
			t.Errorf("hash %q: body = %+v", hash, body)
		}
	}
}

func TestPullBeyondLogClampsCursor(t *testing.T) {
	pool := getTestPool(t)
	router := newTestRouter(t, pool)
	hash := currentSchemaHash(t, router)

	// Empty log: a wild since_seq must not mint a cursor position.
	var pull pullResponse
	decodeBody(t, doJSON(t, router, "POST", "/v1/sync/pull",
		pullSince("laptop-1", 1_000_000_000), "boss", "superadmin", hash), &pull)
	if pull.NextSeq != 0 || len(pull.Entries) != 0 {
		t.Fatalf("pull on empty log = %+v, want next_seq=0", pull)
	}

	doJSON(t, router, "POST", "/v1/sync/push",
		pushUpserts("laptop-1", "entity_types", entityTypeRow(uuid.New().String(), "engine", "Engine", syncx.NowMs())),
		"boss", "superadmin", hash)
	decodeBody(t, doJSON(t, router, "POST", "/v1/sync/pull", pullSince("laptop-1", 0), "boss", "superadmin", hash), &pull)
	maxSeq := pull.NextSeq

	// A claim past the log end clamps to the highest committed seq.
	decodeBody(t, doJSON(t, router, "POST", "/v1/sync/pull",
		pullSince("laptop-1", maxSeq+500), "boss", "superadmin", hash), &pull)
	if pull.NextSeq != maxSeq {
		t.Errorf("next_seq = %d, want clamp to %d", pull.NextSeq, maxSeq)
	}

	// The stored cursor never exceeds the committed log either.
	var st syncservice.CursorState
	decodeBody(t, doJSON(t, router, "GET", "/v1/sync/state?client_id=laptop-1", nil, "boss", "superadmin", ""), &st)
	if st.LastPulledServerSeq != maxSeq {
		t.Errorf("stored cursor = %d, want %d", st.LastPulledServerSeq, maxSeq)
	}
}

func TestCursorStateEndpoint(t *testing.T) {
	pool := getTestPool(t)
	router := newTestRouter(t, pool)
	hash := currentSchemaHash(t, router)

	doJSON(t, router, "POST", "/v1/sync/push",
		pushUpserts("laptop-1", "entity_types", entityTypeRow(uuid.New().String(), "engine", "Engine", syncx.NowMs())),
		"boss", "superadmin", hash)

	var pull pullResponse
	decodeBody(t, doJSON(t, router, "POST", "/v1/sync/pull", pullSince("laptop-1", 0), "boss", "superadmin", hash), &pull)

	var st syncservice.CursorState
	decodeBody(t, doJSON(t, router, "GET", "/v1/sync/state?client_id=laptop-1", nil, "boss", "superadmin", ""), &st)
	if st.LastPulledServerSeq != pull.NextSeq {
		t.Errorf("cursor = %d, want %d", st.LastPulledServerSeq, pull.NextSeq)
	}
	if st.LastPushedAt == nil || st.LastPulledAt == nil {
		t.Errorf("state timestamps missing: %+v", st)
	}

	// Listing all clients requires an admin role.
	w := doJSON(t, router, "GET", "/v1/sync/state", nil, "mech-tom", "user", "")
	if w.Code != http.StatusForbidden {
		t.Errorf("list as user: status %d, want 403", w.Code)
	}
}

func TestOwnershipReassignment(t *testing.T) {
	pool := getTestPool(t)
	router := newTestRouter(t, pool)
	hash := currentSchemaHash(t, router)

	noteID := uuid.New().String()
	ts := syncx.NowMs()
	doJSON(t, router, "POST", "/v1/sync/push",
		pushUpserts("sara-phone", "notes", noteRow(noteID, "mech-sara", "Handover notes", ts)),
		"mech-sara", "user", hash)
	// Tom must exist before ownership can move to him.
	doJSON(t, router, "POST", "/v1/sync/push",
		pushUpserts("tom-phone", "user_presence", map[string]any{
			"id": uuid.New().String(), "username": "mech-tom", "status": "online",
			"last_seen_at": ts, "created_at": ts, "updated_at": ts,
		}), "mech-tom", "user", hash)

	var saraID string
	if err := pool.QueryRow(context.Background(),
		`SELECT id::text FROM users WHERE username = 'mech-sara'`).Scan(&saraID); err != nil {
		t.Fatalf("lookup user: %v", err)
	}

	w := doJSON(t, router, "POST", "/v1/admin/owners/reassign", map[string]any{
		"from_user_id": saraID,
		"to_username":  "mech-tom",
		"confirm":      saraID,
	}, "chief", "admin", "")
	if w.Code != http.StatusOK {
		t.Fatalf("reassign: status %d, body %s", w.Code, w.Body.String())
	}

	// The transfer re-emitted the note's log entry with a bumped clock, so a
	// fresh replica converges on the post-transfer state.
	var pull pullResponse
	decodeBody(t, doJSON(t, router, "POST", "/v1/sync/pull", pullSince("fresh", 0), "boss", "superadmin", hash), &pull)
	var noteEntry *syncservice.Entry
	for i := range pull.Entries {
		if pull.Entries[i].Table == "notes" && pull.Entries[i].RowID == noteID {
			noteEntry = &pull.Entries[i]
		}
	}
	if noteEntry == nil {
		t.Fatal("no notes entry after reassignment")
	}
	var payload map[string]any
	if err := json.Unmarshal(noteEntry.Payload, &payload); err != nil {
		t.Fatalf("payload decode: %v", err)
	}
	if payload["title"] != "Handover notes" {
		t.Errorf("re-emitted title = %v, want Handover notes", payload["title"])
	}
	if ua, _ := payload["updated_at"].(float64); int64(ua) <= ts {
		t.Errorf("updated_at = %v, want bumped past %d", payload["updated_at"], ts)
	}

	// Tom now owns the note: his edit applies directly instead of queueing.
	var push pushResponse
	decodeBody(t, doJSON(t, router, "POST", "/v1/sync/push",
		pushUpserts("tom-phone", "notes", noteRow(noteID, "mech-sara", "Handover done", ts+60000)),
		"mech-tom", "user", hash), &push)
	if push.Applied != 1 || len(push.Queued) != 0 {
		t.Fatalf("push after reassign = %+v, want direct apply", push)
	}
}

func TestAuthRequired(t *testing.T) {
	pool := getTestPool(t)
	router := newTestRouter(t, pool)

	w := doJSON(t, router, "POST", "/v1/sync/pull", pullSince("laptop-1", 0), "", "", "")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status %d, want 401", w.Code)
	}
	var body errorBody
	decodeBody(t, w, &body)
	if body.OK || body.Code != "auth_required" {
		t.Errorf("body = %+v", body)
	}
}

func TestInfoIsPublic(t *testing.T) {
	pool := getTestPool(t)
	router := newTestRouter(t, pool)

	w := doJSON(t, router, "GET", "/v1/sync/info", nil, "", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status %d, want 200", w.Code)
	}
	var info ServerInfo
	decodeBody(t, w, &info)
	if len(info.Tables) == 0 || info.PushMaxBatch == 0 {
		t.Errorf("info = %+v", info)
	}
}

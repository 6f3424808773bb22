package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/motorworks/enginesync/internal/config"
	"github.com/motorworks/enginesync/internal/db"
)

// getTestPool connects to TEST_DATABASE_URL, applies migrations, and wipes
// all data so every test starts from an empty shop.
func getTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set; skipping integration test")
	}

	if err := db.RunMigrations(url); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}

	pool, err := db.OpenURL(context.Background(), url)
	if err != nil {
		t.Fatalf("failed to connect to test database: %v", err)
	}
	t.Cleanup(pool.Close)

	tables := []string{
		"change_log", "row_owners", "change_requests", "sync_state",
		"user_permissions", "permission_delegations",
		"attribute_values", "attribute_defs", "operations",
		"chat_reads", "note_shares", "chat_messages", "notes",
		"user_presence", "audit_log", "entities", "entity_types", "users",
	}
	_, err = pool.Exec(context.Background(),
		"TRUNCATE "+strings.Join(tables, ", ")+" RESTART IDENTITY CASCADE")
	if err != nil {
		t.Fatalf("failed to truncate tables: %v", err)
	}

	return pool
}

// newTestRouter builds a router in dev mode so tests authenticate with
// X-Debug-Sub / X-Debug-Role headers.
func newTestRouter(t *testing.T, pool *pgxpool.Pool) http.Handler {
	t.Helper()

	cfg := &config.Config{
		Server: config.ServerConfig{
			Addr:            ":0",
			ReadTimeout:     config.Duration(15 * time.Second),
			WriteTimeout:    config.Duration(30 * time.Second),
			IdleTimeout:     config.Duration(120 * time.Second),
			ShutdownTimeout: config.Duration(5 * time.Second),
		},
		Sync: config.SyncConfig{PullMaxBatch: 1000, PushMaxBatch: 1000},
		Auth: config.AuthConfig{HS256Secret: "test-secret", DevMode: true},
		RateLimit: config.RateLimitConfig{
			WindowSeconds: 60,
			MaxRequests:   100000,
			Burst:         100000,
		},
		Log: config.LogConfig{Level: "error", Format: "json"},
	}

	return NewServer(pool, cfg).Routes()
}

// doJSON makes a request as the given dev-mode user. schemaHash is added as
// X-Schema-Hash when non-empty.
func doJSON(t *testing.T, router http.Handler, method, path string, body any, user, role, schemaHash string) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal request body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader([]byte{})
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Debug-Sub", user)
	if role != "" {
		req.Header.Set("X-Debug-Role", role)
	}
	if schemaHash != "" {
		req.Header.Set("X-Schema-Hash", schemaHash)
	}

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

// currentSchemaHash fetches the advertised schema hash from the server.
func currentSchemaHash(t *testing.T, router http.Handler) string {
	t.Helper()

	w := doJSON(t, router, "GET", "/v1/sync/schema", nil, "schema-probe", "", "")
	if w.Code != 200 {
		t.Fatalf("GET /v1/sync/schema: status %d, body %s", w.Code, w.Body.String())
	}
	var snap struct {
		Hash string `json:"hash"`
	}
	if err := json.NewDecoder(w.Body).Decode(&snap); err != nil {
		t.Fatalf("failed to decode schema snapshot: %v", err)
	}
	if snap.Hash == "" {
		t.Fatal("schema snapshot has empty hash")
	}
	return snap.Hash
}

// decodeBody decodes a recorded JSON response into out.
func decodeBody(t *testing.T, w *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(out); err != nil {
		t.Fatalf("failed to decode response %s: %v", w.Body.String(), err)
	}
}

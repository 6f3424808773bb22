package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ENGINESYNC_CONFIG_PATH", filepath.Join(t.TempDir(), "missing.yaml"))

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Addr != ":8081" {
		t.Errorf("Server.Addr = %q, want :8081", cfg.Server.Addr)
	}
	if cfg.Sync.PullMaxBatch != 1000 || cfg.Sync.PushMaxBatch != 1000 {
		t.Errorf("batch ceilings = %d/%d, want 1000/1000", cfg.Sync.PullMaxBatch, cfg.Sync.PushMaxBatch)
	}
	if cfg.Database.PoolMax != 10 {
		t.Errorf("PoolMax = %d, want 10", cfg.Database.PoolMax)
	}
	if cfg.RateLimit.MaxRequests != 600 || cfg.RateLimit.Burst != 120 {
		t.Errorf("rate limit = %+v, want 600/120", cfg.RateLimit)
	}
	if cfg.Auth.DevMode {
		t.Errorf("DevMode enabled by default")
	}
}

func TestLoadYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "enginesync.yaml")
	content := `
server:
  addr: ":9090"
  shutdown_timeout: "5s"
database:
  host: db.internal
  pool_max: 25
sync:
  pull_max_batch: 200
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("ENGINESYNC_CONFIG_PATH", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Addr != ":9090" {
		t.Errorf("Server.Addr = %q, want :9090", cfg.Server.Addr)
	}
	if time.Duration(cfg.Server.ShutdownTimeout) != 5*time.Second {
		t.Errorf("ShutdownTimeout = %v, want 5s", time.Duration(cfg.Server.ShutdownTimeout))
	}
	if cfg.Database.Host != "db.internal" || cfg.Database.PoolMax != 25 {
		t.Errorf("database = %+v", cfg.Database)
	}
	if cfg.Sync.PullMaxBatch != 200 {
		t.Errorf("PullMaxBatch = %d, want 200", cfg.Sync.PullMaxBatch)
	}
	// Untouched values keep their defaults.
	if cfg.Sync.PushMaxBatch != 1000 {
		t.Errorf("PushMaxBatch = %d, want default 1000", cfg.Sync.PushMaxBatch)
	}
}

func TestLoadEnvOverridesYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "enginesync.yaml")
	if err := os.WriteFile(path, []byte("database:\n  host: from-yaml\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("ENGINESYNC_CONFIG_PATH", path)
	t.Setenv("DATABASE_HOST", "from-env")
	t.Setenv("DATABASE_PASSWORD", "hunter2")
	t.Setenv("PUSH_MAX_BATCH", "50")
	t.Setenv("ENGINESYNC_DEV_MODE", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Database.Host != "from-env" {
		t.Errorf("Host = %q, want from-env", cfg.Database.Host)
	}
	if cfg.Database.Password != "hunter2" {
		t.Errorf("Password not taken from env")
	}
	if cfg.Sync.PushMaxBatch != 50 {
		t.Errorf("PushMaxBatch = %d, want 50", cfg.Sync.PushMaxBatch)
	}
	if !cfg.Auth.DevMode {
		t.Errorf("DevMode not enabled by env")
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("ENGINESYNC_CONFIG_PATH", filepath.Join(t.TempDir(), "missing.yaml"))
	t.Setenv("POOL_MAX", "0")

	if _, err := Load(); err == nil {
		t.Errorf("Load accepted pool_max=0")
	}
}

func TestDatabaseURL(t *testing.T) {
	d := DatabaseConfig{Host: "h", Port: 5433, Name: "n", User: "u", Password: "p"}
	want := "postgres://u:p@h:5433/n"
	if got := d.URL(); got != want {
		t.Errorf("URL = %q, want %q", got, want)
	}
}

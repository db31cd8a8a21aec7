package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()
	if cfg.Database.Driver != "sqlite" {
		t.Errorf("expected sqlite, got %s", cfg.Database.Driver)
	}
	if cfg.Engine.PoolSize != 10 {
		t.Errorf("expected pool size 10, got %d", cfg.Engine.PoolSize)
	}
	if cfg.Engine.MaxBacktracks != 50 {
		t.Errorf("expected 50, got %d", cfg.Engine.MaxBacktracks)
	}
	if cfg.Recovery.HeartbeatInterval.Duration != 10*time.Second {
		t.Errorf("expected 10s heartbeat, got %s", cfg.Recovery.HeartbeatInterval.Duration)
	}
	if !cfg.Recovery.Enabled {
		t.Error("recovery should be enabled by default")
	}
}

func TestLoadFromTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.toml")
	os.WriteFile(path, []byte(`
[server]
node_id = "node-a"

[database]
driver = "postgres"
url = "postgres://localhost/meander"

[recovery]
stale_threshold = "2m"

[[agents]]
id = "writer"
[agents.credentials]
api_key = "k-123"
`), 0644)

	cfg := Load(path)
	if cfg.Server.NodeID != "node-a" {
		t.Errorf("expected node-a, got %s", cfg.Server.NodeID)
	}
	if cfg.Database.Driver != "postgres" {
		t.Errorf("expected postgres, got %s", cfg.Database.Driver)
	}
	if cfg.Recovery.StaleThreshold.Duration != 2*time.Minute {
		t.Errorf("expected 2m, got %s", cfg.Recovery.StaleThreshold.Duration)
	}
	if len(cfg.Agents) != 1 || cfg.Agents[0].ID != "writer" {
		t.Fatalf("expected one agent writer, got %+v", cfg.Agents)
	}
	if cfg.Agents[0].Credentials["api_key"] != "k-123" {
		t.Errorf("expected credential k-123, got %s", cfg.Agents[0].Credentials["api_key"])
	}
	// Defaults preserved
	if cfg.Engine.PoolSize != 10 {
		t.Errorf("default should be preserved, got %d", cfg.Engine.PoolSize)
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("MEANDER_NODE_ID", "env-node")
	t.Setenv("MEANDER_DB_PATH", "/tmp/env.db")
	t.Setenv("MEANDER_POOL_SIZE", "4")

	cfg := Load("/nonexistent/path.toml")
	if cfg.Server.NodeID != "env-node" {
		t.Errorf("expected env-node, got %s", cfg.Server.NodeID)
	}
	if cfg.Database.Path != "/tmp/env.db" {
		t.Errorf("expected /tmp/env.db, got %s", cfg.Database.Path)
	}
	if cfg.Engine.PoolSize != 4 {
		t.Errorf("expected pool size 4, got %d", cfg.Engine.PoolSize)
	}
}

func TestPostgresURLFallback(t *testing.T) {
	t.Setenv("MEANDER_DB_DRIVER", "postgres")
	t.Setenv("DATABASE_URL", "postgres://fallback/db")

	cfg := Load("/nonexistent/path.toml")
	if cfg.Database.URL != "postgres://fallback/db" {
		t.Errorf("expected DATABASE_URL fallback, got %s", cfg.Database.URL)
	}
}

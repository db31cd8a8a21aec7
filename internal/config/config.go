package config

import (
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Server   ServerConfig   `toml:"server"`
	Database DatabaseConfig `toml:"database"`
	Engine   EngineConfig   `toml:"engine"`
	Recovery RecoveryConfig `toml:"recovery"`
	Observer  ObserverConfig   `toml:"observer"`
	Providers []ProviderConfig `toml:"providers"`
	Agents    []AgentConfig    `toml:"agents"`
}

type ServerConfig struct {
	// NodeID identifies this process in the lease table. Empty means a
	// random id is generated at startup.
	NodeID string `toml:"node_id"`
}

type DatabaseConfig struct {
	// Driver selects the store backend: "sqlite" or "postgres".
	Driver string `toml:"driver"`
	// Path is the SQLite file path (sqlite driver only).
	Path string `toml:"path"`
	// URL is the Postgres connection string (postgres driver only).
	URL string `toml:"url"`
}

type EngineConfig struct {
	PoolSize      int `toml:"pool_size"`
	MaxBacktracks int `toml:"max_backtracks"`
	MaxRevisions  int `toml:"max_revisions"`
	// MaxOutputBytes caps agent output size before validation fails.
	MaxOutputBytes int `toml:"max_output_bytes"`
}

type RecoveryConfig struct {
	Enabled           bool     `toml:"enabled"`
	HeartbeatInterval Duration `toml:"heartbeat_interval"`
	SweepInterval     Duration `toml:"sweep_interval"`
	StaleThreshold    Duration `toml:"stale_threshold"`
}

type ObserverConfig struct {
	Enabled bool `toml:"enabled"`
}

type ProviderConfig struct {
	// Name selects the upstream: "gemini", "openai", "groq", "deepseek",
	// "together", "mistral", or "ollama".
	Name     string `toml:"name"`
	APIKey   string `toml:"api_key"`
	BaseURL  string `toml:"base_url"`
	Priority int    `toml:"priority"`
}

type AgentConfig struct {
	ID          string            `toml:"id"`
	Credentials map[string]string `toml:"credentials"`
}

// Duration wraps time.Duration with TOML text unmarshalling ("10s", "1m").
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		Database: DatabaseConfig{Driver: "sqlite", Path: "meander.db"},
		Engine: EngineConfig{
			PoolSize:       10,
			MaxBacktracks:  50,
			MaxRevisions:   3,
			MaxOutputBytes: 1 << 20,
		},
		Recovery: RecoveryConfig{
			Enabled:           true,
			HeartbeatInterval: Duration{10 * time.Second},
			SweepInterval:     Duration{30 * time.Second},
			StaleThreshold:    Duration{time.Minute},
		},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "meander.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v := os.Getenv("MEANDER_NODE_ID"); v != "" {
		cfg.Server.NodeID = v
	}
	if v := os.Getenv("MEANDER_DB_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("MEANDER_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("MEANDER_DB_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("MEANDER_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Engine.PoolSize = n
		}
	}
	if v := os.Getenv("MEANDER_OBSERVER_ENABLED"); v == "true" || v == "1" {
		cfg.Observer.Enabled = true
	}

	// Fallbacks
	if cfg.Database.Driver == "postgres" && cfg.Database.URL == "" {
		cfg.Database.URL = os.Getenv("DATABASE_URL")
	}

	return cfg
}

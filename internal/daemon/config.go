// Package daemon manages the conductor node lifecycle and configuration.
package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds all daemon configuration.
type Config struct {
	Node         NodeConfig         `toml:"node"`
	API          APIConfig          `toml:"api"`
	Store        StoreConfig        `toml:"store"`
	Orchestrator OrchestratorConfig `toml:"orchestrator"`
	Transport    TransportConfig    `toml:"transport"`
	Receipts     ReceiptsConfig     `toml:"receipts"`
	Catalog      CatalogConfig      `toml:"catalog"`
	Telemetry    TelemetryConfig    `toml:"telemetry"`
	Logging      LoggingConfig      `toml:"logging"`
}

// NodeConfig identifies this node.
type NodeConfig struct {
	ID string `toml:"id"`
}

// APIConfig controls the HTTP API server.
type APIConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// StoreConfig selects and tunes the durable store.
type StoreConfig struct {
	Backend      string `toml:"backend"` // "sqlite" or "redis"
	Dir          string `toml:"dir"`
	RedisAddr    string `toml:"redis_addr"`
	RedisPrefix  string `toml:"redis_prefix"`
	RedisTimeout string `toml:"redis_timeout"`
}

// OrchestratorConfig tunes task handling.
type OrchestratorConfig struct {
	TickInterval       string `toml:"tick_interval"`
	DefaultTimeLimitMs uint64 `toml:"default_time_limit_ms"`
	DefaultReward      uint64 `toml:"default_reward"`
	// Seed fixes the random delegation sequence; 0 seeds from the clock.
	Seed int64 `toml:"seed"`
}

// TransportConfig tunes the worker websocket endpoint.
type TransportConfig struct {
	WriteTimeout    string `toml:"write_timeout"`
	MaxMessageBytes int64  `toml:"max_message_bytes"`
}

// ReceiptsConfig controls completion receipts.
type ReceiptsConfig struct {
	Enabled bool `toml:"enabled"`
}

// CatalogConfig controls which applications are registered at startup.
type CatalogConfig struct {
	Dir     string `toml:"dir"`
	Builtin bool   `toml:"builtin"`
}

// TelemetryConfig controls metrics exposure.
type TelemetryConfig struct {
	Prometheus bool `toml:"prometheus"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	File string `toml:"file"`
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() Config {
	homeDir := conductorHome()
	return Config{
		API: APIConfig{
			Host: "127.0.0.1",
			Port: 7420,
		},
		Store: StoreConfig{
			Backend:      "sqlite",
			Dir:          homeDir,
			RedisAddr:    "127.0.0.1:6379",
			RedisPrefix:  "conductor",
			RedisTimeout: "5s",
		},
		Orchestrator: OrchestratorConfig{
			TickInterval:       "250ms",
			DefaultTimeLimitMs: 5 * 60 * 1000,
		},
		Transport: TransportConfig{
			WriteTimeout:    "10s",
			MaxMessageBytes: 4 * 1024 * 1024,
		},
		Receipts: ReceiptsConfig{Enabled: true},
		Catalog: CatalogConfig{
			Dir:     filepath.Join(homeDir, "applications"),
			Builtin: true,
		},
		Telemetry: TelemetryConfig{Prometheus: true},
	}
}

// LoadConfig reads config from $CONDUCTOR_HOME/config.toml, falling back
// to defaults.
func LoadConfig() (Config, error) {
	return LoadConfigFile(filepath.Join(conductorHome(), "config.toml"))
}

// LoadConfigFile reads config from path, falling back to defaults when the
// file does not exist.
func LoadConfigFile(path string) (Config, error) {
	cfg := DefaultConfig()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil // No config file yet, use defaults
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects settings the daemon cannot run with.
func (c Config) Validate() error {
	switch c.Store.Backend {
	case "sqlite", "redis":
	default:
		return fmt.Errorf("config: unknown store backend %q", c.Store.Backend)
	}
	if c.API.Port < 0 || c.API.Port > 65535 {
		return fmt.Errorf("config: api port %d out of range", c.API.Port)
	}
	for name, v := range map[string]string{
		"orchestrator.tick_interval": c.Orchestrator.TickInterval,
		"transport.write_timeout":    c.Transport.WriteTimeout,
		"store.redis_timeout":        c.Store.RedisTimeout,
	} {
		if v == "" {
			continue
		}
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("config: %s: %w", name, err)
		}
	}
	return nil
}

// SaveConfig writes the config to $CONDUCTOR_HOME/config.toml.
func SaveConfig(cfg Config) error {
	path := filepath.Join(conductorHome(), "config.toml")
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	encoder := toml.NewEncoder(f)
	return encoder.Encode(cfg)
}

// conductorHome returns the node's data directory.
func conductorHome() string {
	if env := os.Getenv("CONDUCTOR_HOME"); env != "" {
		return env
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".conductor")
}

// Home is exported for use by other packages.
func Home() string {
	return conductorHome()
}

// parseDuration parses a duration string, returning a fallback on error.
func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

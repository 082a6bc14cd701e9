package daemon

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	t.Setenv("CONDUCTOR_HOME", "/var/lib/conductor")
	cfg := DefaultConfig()

	if cfg.API.Host != "127.0.0.1" {
		t.Errorf("API.Host = %q, want %q", cfg.API.Host, "127.0.0.1")
	}
	if cfg.API.Port != 7420 {
		t.Errorf("API.Port = %d, want %d", cfg.API.Port, 7420)
	}
	if cfg.Store.Backend != "sqlite" || cfg.Store.Dir != "/var/lib/conductor" {
		t.Errorf("Store = %+v, want sqlite in CONDUCTOR_HOME", cfg.Store)
	}
	if cfg.Catalog.Dir != filepath.Join("/var/lib/conductor", "applications") {
		t.Errorf("Catalog.Dir = %q", cfg.Catalog.Dir)
	}
	if !cfg.Receipts.Enabled || !cfg.Catalog.Builtin {
		t.Errorf("receipts and builtin catalog should default on: %+v %+v", cfg.Receipts, cfg.Catalog)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	body := `
[api]
port = 9000

[store]
backend = "redis"
redis_addr = "redis:6379"

[orchestrator]
tick_interval = "1s"
default_reward = 7
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfigFile(path)
	if err != nil {
		t.Fatalf("LoadConfigFile() error: %v", err)
	}
	if cfg.API.Port != 9000 {
		t.Errorf("API.Port = %d, want 9000", cfg.API.Port)
	}
	if cfg.API.Host != "127.0.0.1" {
		t.Errorf("API.Host = %q, want default kept", cfg.API.Host)
	}
	if cfg.Store.Backend != "redis" || cfg.Store.RedisAddr != "redis:6379" {
		t.Errorf("Store = %+v", cfg.Store)
	}
	if cfg.Orchestrator.DefaultReward != 7 {
		t.Errorf("DefaultReward = %d, want 7", cfg.Orchestrator.DefaultReward)
	}
}

func TestLoadConfigFile_Missing(t *testing.T) {
	cfg, err := LoadConfigFile(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatalf("LoadConfigFile() error: %v", err)
	}
	if cfg.API.Port != 7420 {
		t.Errorf("API.Port = %d, want default", cfg.API.Port)
	}
}

func TestLoadConfigFile_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"syntax", "[api\nport = 1"},
		{"backend", "[store]\nbackend = \"etcd\""},
		{"duration", "[orchestrator]\ntick_interval = \"soon\""},
		{"port", "[api]\nport = 70000"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.toml")
			if err := os.WriteFile(path, []byte(tt.body), 0o644); err != nil {
				t.Fatal(err)
			}
			if _, err := LoadConfigFile(path); err == nil {
				t.Error("LoadConfigFile() should fail")
			}
		})
	}
}

func TestSaveConfig_RoundTrip(t *testing.T) {
	t.Setenv("CONDUCTOR_HOME", t.TempDir())
	cfg := DefaultConfig()
	cfg.Node.ID = "node-a"
	cfg.Orchestrator.Seed = 42
	if err := SaveConfig(cfg); err != nil {
		t.Fatalf("SaveConfig() error: %v", err)
	}
	got, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error: %v", err)
	}
	if got.Node.ID != "node-a" || got.Orchestrator.Seed != 42 {
		t.Errorf("loaded = %+v", got)
	}
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		input string
		want  time.Duration
	}{
		{"250ms", 250 * time.Millisecond},
		{"2s", 2 * time.Second},
		{"", time.Minute},      // Default
		{"often", time.Minute}, // Invalid
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := parseDuration(tt.input, time.Minute)
			if got != tt.want {
				t.Errorf("parseDuration(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

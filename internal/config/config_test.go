package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	histfactory "github.com/apitrail/apitrail/internal/history/factory"
)

func histConfig(typ, path, addr string) histfactory.Config {
	return histfactory.Config{Type: typ, Path: path, Addr: addr}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Server.Listen != ":8087" || cfg.Server.BasePath != "/api" {
		t.Fatalf("server defaults: %+v", cfg.Server)
	}
	if cfg.Store.Type != "memory" {
		t.Fatalf("store default: %+v", cfg.Store)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config must validate: %v", err)
	}
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `
[server]
listen = ":9090"
base_path = "/trail"

[store]
type = "sqlite"
path = "trail.db"

[log]
dir = "logs"
level = "debug"

[capture]
max_body_bytes = 65536
sensitive_headers = ["x-session-token"]
include_static = true

[snapshot]
stale_after = "10m"

[[history]]
type = "sqlite"
path = "trail.db"

[[history]]
type = "clickhouse"
addr = "localhost:9000"
table = "transitions"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Listen != ":9090" || cfg.Server.BasePath != "/trail" {
		t.Fatalf("server: %+v", cfg.Server)
	}
	if cfg.Store.Type != "sqlite" || cfg.Store.Path != "trail.db" {
		t.Fatalf("store: %+v", cfg.Store)
	}
	if cfg.Log.Dir != "logs" || cfg.Log.Level != "debug" {
		t.Fatalf("log: %+v", cfg.Log)
	}
	if cfg.Capture.MaxBodyBytes != 65536 || !cfg.Capture.IncludeStatic {
		t.Fatalf("capture: %+v", cfg.Capture)
	}
	if len(cfg.Capture.SensitiveHeaders) != 1 || cfg.Capture.SensitiveHeaders[0] != "x-session-token" {
		t.Fatalf("sensitive headers: %v", cfg.Capture.SensitiveHeaders)
	}
	if cfg.Snapshot.StaleAfter != 10*time.Minute {
		t.Fatalf("stale_after: %v", cfg.Snapshot.StaleAfter)
	}
	if len(cfg.History) != 2 || cfg.History[0].Type != "sqlite" || cfg.History[1].Addr != "localhost:9000" {
		t.Fatalf("history: %+v", cfg.History)
	}
}

func TestLoadKeepsDefaultsForUnsetFields(t *testing.T) {
	path := writeConfig(t, `
[store]
type = "memory"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Listen != ":8087" || cfg.Server.BasePath != "/api" {
		t.Fatalf("server defaults lost: %+v", cfg.Server)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.toml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	cases := []struct {
		name string
		mut  func(*Config)
	}{
		{"sqlite without path", func(c *Config) { c.Store.Type = "sqlite" }},
		{"postgres without dsn", func(c *Config) { c.Store.Type = "postgres" }},
		{"unknown store", func(c *Config) { c.Store.Type = "etcd" }},
		{"history sqlite without path", func(c *Config) {
			c.History = append(c.History, histConfig("sqlite", "", ""))
		}},
		{"history clickhouse without addr", func(c *Config) {
			c.History = append(c.History, histConfig("clickhouse", "", ""))
		}},
		{"unknown history sink", func(c *Config) {
			c.History = append(c.History, histConfig("kafka", "", ""))
		}},
		{"negative body limit", func(c *Config) { c.Capture.MaxBodyBytes = -1 }},
		{"negative stale window", func(c *Config) { c.Snapshot.StaleAfter = -time.Second }},
	}
	for _, tc := range cases {
		cfg := Default()
		tc.mut(cfg)
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", tc.name)
		}
	}
}

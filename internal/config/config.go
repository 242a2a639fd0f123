package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	histfactory "github.com/apitrail/apitrail/internal/history/factory"
	"github.com/apitrail/apitrail/internal/logger"
	storefactory "github.com/apitrail/apitrail/internal/store/factory"
)

// Config is the top-level TOML structure.
//
//	[server]
//	listen = ":8087"
//	base_path = "/api"
//
//	[store]
//	type = "sqlite"
//	path = "apitrail.db"
//
//	[capture]
//	max_body_bytes = 102400
//	sensitive_headers = ["x-session-token"]
//	include_static = false
//
//	[snapshot]
//	stale_after = "5m"
//
//	[[history]]
//	type = "sqlite"
//	path = "apitrail.db"
type Config struct {
	Server   ServerConfig         `toml:"server" mapstructure:"server"`
	Store    storefactory.Config  `toml:"store" mapstructure:"store"`
	Log      logger.Config        `toml:"log" mapstructure:"log"`
	Capture  CaptureConfig        `toml:"capture" mapstructure:"capture"`
	Snapshot SnapshotConfig       `toml:"snapshot" mapstructure:"snapshot"`
	History  []histfactory.Config `toml:"history" mapstructure:"history"`
}

type ServerConfig struct {
	Listen   string `toml:"listen" mapstructure:"listen"`
	BasePath string `toml:"base_path" mapstructure:"base_path"`
}

type CaptureConfig struct {
	MaxBodyBytes     int      `toml:"max_body_bytes" mapstructure:"max_body_bytes"`
	SensitiveHeaders []string `toml:"sensitive_headers" mapstructure:"sensitive_headers"`
	IncludeStatic    bool     `toml:"include_static" mapstructure:"include_static"`
}

type SnapshotConfig struct {
	StaleAfter time.Duration `toml:"stale_after" mapstructure:"stale_after"`
}

// Default returns the zero-config setup: in-memory store, stderr logs,
// server on :8087 under /api.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Listen: ":8087", BasePath: "/api"},
		Store:  storefactory.Config{Type: "memory"},
	}
}

// Load parses a TOML config file, applying defaults for unset fields.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the factories would fail on later.
func (c *Config) Validate() error {
	switch c.Store.Type {
	case "", "memory":
	case "sqlite":
		if c.Store.Path == "" {
			return fmt.Errorf("store type sqlite requires path")
		}
	case "postgres", "postgresql":
		if c.Store.DSN == "" {
			return fmt.Errorf("store type postgres requires dsn")
		}
	default:
		return fmt.Errorf("unknown store type %q", c.Store.Type)
	}
	for i, h := range c.History {
		switch h.Type {
		case "sqlite":
			if h.Path == "" {
				return fmt.Errorf("history[%d]: sqlite sink requires path", i)
			}
		case "clickhouse":
			if h.Addr == "" {
				return fmt.Errorf("history[%d]: clickhouse sink requires addr", i)
			}
		default:
			return fmt.Errorf("history[%d]: unknown sink type %q", i, h.Type)
		}
	}
	if c.Capture.MaxBodyBytes < 0 {
		return fmt.Errorf("capture.max_body_bytes cannot be negative")
	}
	if c.Snapshot.StaleAfter < 0 {
		return fmt.Errorf("snapshot.stale_after cannot be negative")
	}
	return nil
}

package factory

import (
	"fmt"

	"github.com/apitrail/apitrail/internal/store"
	"github.com/apitrail/apitrail/internal/store/memory"
	"github.com/apitrail/apitrail/internal/store/postgres"
	"github.com/apitrail/apitrail/internal/store/sqlite"
)

// Config selects and configures a store backend.
type Config struct {
	Type string `toml:"type" mapstructure:"type"` // "sqlite", "postgres", "memory"
	Path string `toml:"path" mapstructure:"path"` // sqlite file path
	DSN  string `toml:"dsn" mapstructure:"dsn"`   // postgres connection string
}

// New builds a store from config. Every backend also implements
// store.SnapshotStore, so the recorder can persist its snapshot in the
// same database as the captured calls.
func New(cfg Config) (store.Store, error) {
	switch cfg.Type {
	case "", "memory":
		return memory.New(), nil
	case "sqlite":
		return sqlite.New(cfg.Path)
	case "postgres", "postgresql":
		return postgres.New(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported store type: %q", cfg.Type)
	}
}

package factory

import (
	"fmt"

	"github.com/apitrail/apitrail/internal/history"
	"github.com/apitrail/apitrail/internal/history/clickhouse"
	"github.com/apitrail/apitrail/internal/history/sqlite"
)

// Config selects and configures a transition history sink.
type Config struct {
	Type  string `toml:"type" mapstructure:"type"`   // "sqlite" or "clickhouse"
	Path  string `toml:"path" mapstructure:"path"`   // sqlite file path
	Addr  string `toml:"addr" mapstructure:"addr"`   // clickhouse host:port
	Table string `toml:"table" mapstructure:"table"` // clickhouse table (default transition_history)
}

func New(cfg Config) (history.Sink, error) {
	switch cfg.Type {
	case "sqlite":
		return sqlite.New(cfg.Path)
	case "clickhouse":
		table := cfg.Table
		if table == "" {
			table = "transition_history"
		}
		return clickhouse.New(cfg.Addr, table)
	default:
		return nil, fmt.Errorf("unsupported history sink type: %q", cfg.Type)
	}
}

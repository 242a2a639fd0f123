package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/apitrail/apitrail/internal/history"
)

// Sink appends transition events to a SQLite table. It may share a
// database file with the call store or use its own.
type Sink struct {
	db *sql.DB
}

func New(path string) (*Sink, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	d, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	_, _ = d.Exec("PRAGMA busy_timeout=3000;")
	if _, err := d.Exec(`CREATE TABLE IF NOT EXISTS transition_history(
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		from_state TEXT NOT NULL,
		to_state TEXT NOT NULL,
		session_id TEXT NOT NULL DEFAULT '',
		operation_id TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		occurred_at TIMESTAMP NOT NULL
	);`); err != nil {
		_ = d.Close()
		return nil, err
	}
	return &Sink{db: d}, nil
}

func (s *Sink) Close() error { return s.db.Close() }

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transition_history(from_state, to_state, session_id, operation_id, error, occurred_at)
		VALUES(?, ?, ?, ?, ?, ?);`,
		e.From, e.To, e.SessionID, e.OperationID, e.Error, e.OccurredAt.UTC())
	return err
}

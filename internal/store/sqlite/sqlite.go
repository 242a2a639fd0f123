package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/apitrail/apitrail/internal/store"
)

// DB implements store.Store and store.SnapshotStore for SQLite
// (modernc.org/sqlite driver, CGO-free). DSN is a filesystem path to
// the database file. Use ":memory:" for in-memory.

type DB struct {
	db *sql.DB
}

// New opens a SQLite database at path.
func New(path string) (*DB, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	d, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	// busy timeout helps with short concurrent locks
	_, _ = d.Exec("PRAGMA busy_timeout=3000;")
	_, _ = d.Exec("PRAGMA foreign_keys=ON;")
	return &DB{db: d}, nil
}

func (s *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions(
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			status TEXT NOT NULL,
			source_url TEXT NOT NULL DEFAULT '',
			call_count INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_updated_at ON sessions(updated_at);`,
		`CREATE TABLE IF NOT EXISTS calls(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			seq INTEGER NOT NULL,
			ts TIMESTAMP NOT NULL,
			method TEXT NOT NULL,
			url TEXT NOT NULL,
			request_headers TEXT NOT NULL DEFAULT '{}',
			response_headers TEXT NOT NULL DEFAULT '{}',
			request_body TEXT NOT NULL DEFAULT '',
			response_body TEXT NOT NULL DEFAULT '',
			status INTEGER NOT NULL,
			status_text TEXT NOT NULL DEFAULT '',
			duration_ms INTEGER NOT NULL DEFAULT 0,
			response_truncated BOOLEAN NOT NULL DEFAULT 0,
			UNIQUE(session_id, seq)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_calls_session ON calls(session_id, seq);`,
		`CREATE TABLE IF NOT EXISTS snapshots(
			key TEXT PRIMARY KEY,
			data BLOB NOT NULL,
			updated_at TIMESTAMP NOT NULL
		);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *DB) Close() error { return s.db.Close() }

func (s *DB) CreateSession(ctx context.Context, name, sourceURL string) (store.Session, error) {
	now := time.Now().UTC()
	sess := store.Session{
		ID:        uuid.NewString(),
		Name:      name,
		Status:    store.SessionActive,
		SourceURL: sourceURL,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions(id, name, status, source_url, call_count, created_at, updated_at)
		VALUES(?, ?, ?, ?, 0, ?, ?);`,
		sess.ID, sess.Name, string(sess.Status), sess.SourceURL, sess.CreatedAt, sess.UpdatedAt)
	if err != nil {
		return store.Session{}, err
	}
	return sess, nil
}

func (s *DB) GetSessions(ctx context.Context) ([]store.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, status, source_url, call_count, created_at, updated_at
		FROM sessions
		ORDER BY updated_at DESC;`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanSessions(rows)
}

func (s *DB) GetSession(ctx context.Context, id string) (store.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, status, source_url, call_count, created_at, updated_at
		FROM sessions WHERE id=?;`, id)
	return scanSession(row)
}

func (s *DB) UpdateSession(ctx context.Context, id string, upd store.SessionUpdate) (store.Session, error) {
	cur, err := s.GetSession(ctx, id)
	if err != nil {
		return store.Session{}, err
	}
	if upd.Name != nil {
		cur.Name = *upd.Name
	}
	if upd.Status != nil {
		cur.Status = *upd.Status
	}
	if upd.SourceURL != nil {
		cur.SourceURL = *upd.SourceURL
	}
	cur.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET name=?, status=?, source_url=?, updated_at=? WHERE id=?;`,
		cur.Name, string(cur.Status), cur.SourceURL, cur.UpdatedAt, id)
	if err != nil {
		return store.Session{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.Session{}, store.ErrNotFound
	}
	return cur, nil
}

func (s *DB) DeleteSession(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	// Cascade explicitly; not all deployments enable the foreign_keys pragma.
	if _, err := tx.ExecContext(ctx, `DELETE FROM calls WHERE session_id=?;`, id); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id=?;`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return tx.Commit()
}

// AddCall inserts a call and bumps the owning session's call count in a
// single transaction. Seq is assigned from the current count: a call is
// never persisted without its count bump.
func (s *DB) AddCall(ctx context.Context, sessionID string, c store.Call) (store.Call, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return store.Call{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var count int
	err = tx.QueryRowContext(ctx, `SELECT call_count FROM sessions WHERE id=?;`, sessionID).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Call{}, store.ErrNotFound
	}
	if err != nil {
		return store.Call{}, err
	}

	c.SessionID = sessionID
	c.Seq = count + 1
	if c.Timestamp.IsZero() {
		c.Timestamp = time.Now().UTC()
	}
	reqH, err := json.Marshal(headersOrEmpty(c.RequestHeaders))
	if err != nil {
		return store.Call{}, err
	}
	respH, err := json.Marshal(headersOrEmpty(c.ResponseHeaders))
	if err != nil {
		return store.Call{}, err
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO calls(session_id, seq, ts, method, url, request_headers, response_headers,
			request_body, response_body, status, status_text, duration_ms, response_truncated)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		c.SessionID, c.Seq, c.Timestamp.UTC(), c.Method, c.URL, string(reqH), string(respH),
		c.RequestBody, c.ResponseBody, c.Status, c.StatusText, c.DurationMS, c.ResponseBodyTruncated)
	if err != nil {
		return store.Call{}, err
	}
	c.ID, err = res.LastInsertId()
	if err != nil {
		return store.Call{}, err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE sessions SET call_count=call_count+1, updated_at=? WHERE id=?;`,
		time.Now().UTC(), sessionID); err != nil {
		return store.Call{}, err
	}
	if err := tx.Commit(); err != nil {
		return store.Call{}, err
	}
	return c, nil
}

func (s *DB) GetCallsBySession(ctx context.Context, sessionID string) ([]store.Call, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, seq, ts, method, url, request_headers, response_headers,
			request_body, response_body, status, status_text, duration_ms, response_truncated
		FROM calls
		WHERE session_id=?
		ORDER BY seq ASC;`, sessionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanCalls(rows)
}

func (s *DB) ClearAll(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `DELETE FROM calls;`); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions;`); err != nil {
		return err
	}
	return tx.Commit()
}

// --- SnapshotStore ---

func (s *DB) SaveSnapshot(ctx context.Context, key string, data []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO snapshots(key, data, updated_at) VALUES(?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			data=excluded.data,
			updated_at=excluded.updated_at;`,
		key, data, time.Now().UTC())
	return err
}

func (s *DB) LoadSnapshot(ctx context.Context, key string) ([]byte, time.Time, error) {
	var data []byte
	var at time.Time
	err := s.db.QueryRowContext(ctx, `SELECT data, updated_at FROM snapshots WHERE key=?;`, key).Scan(&data, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, time.Time{}, store.ErrNotFound
	}
	if err != nil {
		return nil, time.Time{}, err
	}
	return data, at, nil
}

// --- scan helpers ---

func headersOrEmpty(h map[string]string) map[string]string {
	if h == nil {
		return map[string]string{}
	}
	return h
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (store.Session, error) {
	var sess store.Session
	var status string
	err := row.Scan(&sess.ID, &sess.Name, &status, &sess.SourceURL, &sess.CallCount, &sess.CreatedAt, &sess.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Session{}, store.ErrNotFound
	}
	if err != nil {
		return store.Session{}, err
	}
	sess.Status = store.SessionStatus(status)
	return sess, nil
}

func scanSessions(rows *sql.Rows) ([]store.Session, error) {
	out := make([]store.Session, 0)
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func scanCalls(rows *sql.Rows) ([]store.Call, error) {
	out := make([]store.Call, 0)
	for rows.Next() {
		var c store.Call
		var reqH, respH string
		if err := rows.Scan(&c.ID, &c.SessionID, &c.Seq, &c.Timestamp, &c.Method, &c.URL,
			&reqH, &respH, &c.RequestBody, &c.ResponseBody,
			&c.Status, &c.StatusText, &c.DurationMS, &c.ResponseBodyTruncated); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(reqH), &c.RequestHeaders); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(respH), &c.ResponseHeaders); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

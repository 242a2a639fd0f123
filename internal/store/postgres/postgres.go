package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/apitrail/apitrail/internal/store"
)

// DB implements store.Store and store.SnapshotStore on PostgreSQL via
// the pgx stdlib driver.

type DB struct {
	db *sql.DB
}

func New(dsn string) (*DB, error) {
	d, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &DB{db: d}, nil
}

func (p *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions(
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			status TEXT NOT NULL,
			source_url TEXT NOT NULL DEFAULT '',
			call_count INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_updated_at ON sessions(updated_at);`,
		`CREATE TABLE IF NOT EXISTS calls(
			id BIGSERIAL PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			seq INTEGER NOT NULL,
			ts TIMESTAMPTZ NOT NULL,
			method TEXT NOT NULL,
			url TEXT NOT NULL,
			request_headers JSONB NOT NULL DEFAULT '{}',
			response_headers JSONB NOT NULL DEFAULT '{}',
			request_body TEXT NOT NULL DEFAULT '',
			response_body TEXT NOT NULL DEFAULT '',
			status INTEGER NOT NULL,
			status_text TEXT NOT NULL DEFAULT '',
			duration_ms BIGINT NOT NULL DEFAULT 0,
			response_truncated BOOLEAN NOT NULL DEFAULT false,
			UNIQUE(session_id, seq)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_calls_session ON calls(session_id, seq);`,
		`CREATE TABLE IF NOT EXISTS snapshots(
			key TEXT PRIMARY KEY,
			data BYTEA NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);`,
	}
	for _, q := range stmts {
		if _, err := p.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (p *DB) Close() error { return p.db.Close() }

func (p *DB) CreateSession(ctx context.Context, name, sourceURL string) (store.Session, error) {
	now := time.Now().UTC()
	sess := store.Session{
		ID:        uuid.NewString(),
		Name:      name,
		Status:    store.SessionActive,
		SourceURL: sourceURL,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO sessions(id, name, status, source_url, call_count, created_at, updated_at)
		VALUES($1,$2,$3,$4,0,$5,$6);`,
		sess.ID, sess.Name, string(sess.Status), sess.SourceURL, sess.CreatedAt, sess.UpdatedAt)
	if err != nil {
		return store.Session{}, err
	}
	return sess, nil
}

func (p *DB) GetSessions(ctx context.Context) ([]store.Session, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, name, status, source_url, call_count, created_at, updated_at
		FROM sessions
		ORDER BY updated_at DESC;`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanSessions(rows)
}

func (p *DB) GetSession(ctx context.Context, id string) (store.Session, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, name, status, source_url, call_count, created_at, updated_at
		FROM sessions WHERE id=$1;`, id)
	return scanSession(row)
}

func (p *DB) UpdateSession(ctx context.Context, id string, upd store.SessionUpdate) (store.Session, error) {
	cur, err := p.GetSession(ctx, id)
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
	res, err := p.db.ExecContext(ctx, `
		UPDATE sessions SET name=$1, status=$2, source_url=$3, updated_at=$4 WHERE id=$5;`,
		cur.Name, string(cur.Status), cur.SourceURL, cur.UpdatedAt, id)
	if err != nil {
		return store.Session{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.Session{}, store.ErrNotFound
	}
	return cur, nil
}

func (p *DB) DeleteSession(ctx context.Context, id string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `DELETE FROM calls WHERE session_id=$1;`, id); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id=$1;`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return tx.Commit()
}

func (p *DB) AddCall(ctx context.Context, sessionID string, c store.Call) (store.Call, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return store.Call{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var count int
	// Row lock serializes concurrent inserts for the same session.
	err = tx.QueryRowContext(ctx, `SELECT call_count FROM sessions WHERE id=$1 FOR UPDATE;`, sessionID).Scan(&count)
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
	err = tx.QueryRowContext(ctx, `
		INSERT INTO calls(session_id, seq, ts, method, url, request_headers, response_headers,
			request_body, response_body, status, status_text, duration_ms, response_truncated)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		RETURNING id;`,
		c.SessionID, c.Seq, c.Timestamp.UTC(), c.Method, c.URL, string(reqH), string(respH),
		c.RequestBody, c.ResponseBody, c.Status, c.StatusText, c.DurationMS, c.ResponseBodyTruncated).Scan(&c.ID)
	if err != nil {
		return store.Call{}, err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE sessions SET call_count=call_count+1, updated_at=$1 WHERE id=$2;`,
		time.Now().UTC(), sessionID); err != nil {
		return store.Call{}, err
	}
	if err := tx.Commit(); err != nil {
		return store.Call{}, err
	}
	return c, nil
}

func (p *DB) GetCallsBySession(ctx context.Context, sessionID string) ([]store.Call, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, session_id, seq, ts, method, url, request_headers, response_headers,
			request_body, response_body, status, status_text, duration_ms, response_truncated
		FROM calls
		WHERE session_id=$1
		ORDER BY seq ASC;`, sessionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanCalls(rows)
}

func (p *DB) ClearAll(ctx context.Context) error {
	tx, err := p.db.BeginTx(ctx, nil)
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

func (p *DB) SaveSnapshot(ctx context.Context, key string, data []byte) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO snapshots(key, data, updated_at) VALUES($1,$2,$3)
		ON CONFLICT(key) DO UPDATE SET
			data=EXCLUDED.data,
			updated_at=EXCLUDED.updated_at;`,
		key, data, time.Now().UTC())
	return err
}

func (p *DB) LoadSnapshot(ctx context.Context, key string) ([]byte, time.Time, error) {
	var data []byte
	var at time.Time
	err := p.db.QueryRowContext(ctx, `SELECT data, updated_at FROM snapshots WHERE key=$1;`, key).Scan(&data, &at)
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
		var reqH, respH []byte
		if err := rows.Scan(&c.ID, &c.SessionID, &c.Seq, &c.Timestamp, &c.Method, &c.URL,
			&reqH, &respH, &c.RequestBody, &c.ResponseBody,
			&c.Status, &c.StatusText, &c.DurationMS, &c.ResponseBodyTruncated); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(reqH, &c.RequestHeaders); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(respH, &c.ResponseHeaders); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a referenced session does not exist.
var ErrNotFound = errors.New("session not found")

// SessionStatus tracks where a session sits in its recording lifecycle.
type SessionStatus string

const (
	SessionActive  SessionStatus = "active"
	SessionPaused  SessionStatus = "paused"
	SessionStopped SessionStatus = "stopped"
)

// Session is a named recording unit owning zero or more calls.
// CallCount is a cache that must always equal the number of calls
// belonging to the session; AddCall bumps it in the same transaction
// that inserts the call.
type Session struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	Status    SessionStatus `json:"status"`
	SourceURL string        `json:"sourceUrl,omitempty"`
	CallCount int           `json:"callCount"`
	CreatedAt time.Time     `json:"createdAt"`
	UpdatedAt time.Time     `json:"updatedAt"`
}

// Call is one captured request/response pair. Calls are append-only:
// never mutated after insertion. ID is monotonic across the whole
// store; Seq is 1-based and monotonic per session with no gaps.
type Call struct {
	ID                    int64             `json:"id"`
	SessionID             string            `json:"sessionId"`
	Seq                   int               `json:"seq"`
	Timestamp             time.Time         `json:"timestamp"`
	Method                string            `json:"method"`
	URL                   string            `json:"url"`
	RequestHeaders        map[string]string `json:"requestHeaders,omitempty"`
	ResponseHeaders       map[string]string `json:"responseHeaders,omitempty"`
	RequestBody           string            `json:"requestBody,omitempty"`
	ResponseBody          string            `json:"responseBody,omitempty"`
	Status                int               `json:"status"`
	StatusText            string            `json:"statusText"`
	DurationMS            int64             `json:"duration"`
	ResponseBodyTruncated bool              `json:"responseBodyTruncated"`
}

// SessionUpdate carries the mutable session fields for UpdateSession.
// Nil fields are left unchanged. UpdatedAt always advances.
type SessionUpdate struct {
	Name      *string
	Status    *SessionStatus
	SourceURL *string
}

// Store is durable, ordered storage for sessions and their calls.
// Implementations must guarantee that AddCall assigns seq and bumps the
// session call count atomically, and that GetCallsBySession returns
// calls in strictly increasing seq order.
type Store interface {
	EnsureSchema(ctx context.Context) error
	CreateSession(ctx context.Context, name, sourceURL string) (Session, error)
	// GetSessions returns all sessions ordered by UpdatedAt descending.
	GetSessions(ctx context.Context) ([]Session, error)
	GetSession(ctx context.Context, id string) (Session, error)
	UpdateSession(ctx context.Context, id string, upd SessionUpdate) (Session, error)
	// DeleteSession cascades: all calls of the session are removed with it.
	DeleteSession(ctx context.Context, id string) error
	AddCall(ctx context.Context, sessionID string, c Call) (Call, error)
	GetCallsBySession(ctx context.Context, sessionID string) ([]Call, error)
	ClearAll(ctx context.Context) error
	Close() error
}

// SnapshotStore is key-value persistence for the recorder lifecycle
// snapshot: written after every transition, read once at startup.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, key string, data []byte) error
	// LoadSnapshot returns the stored bytes and the time they were written.
	// A missing key returns ErrNotFound.
	LoadSnapshot(ctx context.Context, key string) ([]byte, time.Time, error)
}

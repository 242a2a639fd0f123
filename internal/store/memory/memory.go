package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/apitrail/apitrail/internal/store"
)

// DB is an in-memory store.Store and store.SnapshotStore. It backs
// zero-config runs and tests; nothing survives a restart.

type DB struct {
	mu       sync.Mutex
	sessions map[string]store.Session
	calls    map[string][]store.Call
	snaps    map[string]snapshot
	nextID   int64
}

type snapshot struct {
	data []byte
	at   time.Time
}

func New() *DB {
	return &DB{
		sessions: make(map[string]store.Session),
		calls:    make(map[string][]store.Call),
		snaps:    make(map[string]snapshot),
	}
}

func (m *DB) EnsureSchema(context.Context) error { return nil }

func (m *DB) Close() error { return nil }

func (m *DB) CreateSession(_ context.Context, name, sourceURL string) (store.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	sess := store.Session{
		ID:        uuid.NewString(),
		Name:      name,
		Status:    store.SessionActive,
		SourceURL: sourceURL,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.sessions[sess.ID] = sess
	return sess, nil
}

func (m *DB) GetSessions(context.Context) ([]store.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (m *DB) GetSession(_ context.Context, id string) (store.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return store.Session{}, store.ErrNotFound
	}
	return s, nil
}

func (m *DB) UpdateSession(_ context.Context, id string, upd store.SessionUpdate) (store.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return store.Session{}, store.ErrNotFound
	}
	if upd.Name != nil {
		s.Name = *upd.Name
	}
	if upd.Status != nil {
		s.Status = *upd.Status
	}
	if upd.SourceURL != nil {
		s.SourceURL = *upd.SourceURL
	}
	s.UpdatedAt = time.Now().UTC()
	m.sessions[id] = s
	return s, nil
}

func (m *DB) DeleteSession(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return store.ErrNotFound
	}
	delete(m.sessions, id)
	delete(m.calls, id)
	return nil
}

func (m *DB) AddCall(_ context.Context, sessionID string, c store.Call) (store.Call, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return store.Call{}, store.ErrNotFound
	}
	m.nextID++
	c.ID = m.nextID
	c.SessionID = sessionID
	c.Seq = s.CallCount + 1
	if c.Timestamp.IsZero() {
		c.Timestamp = time.Now().UTC()
	}
	m.calls[sessionID] = append(m.calls[sessionID], c)
	s.CallCount++
	s.UpdatedAt = time.Now().UTC()
	m.sessions[sessionID] = s
	return c, nil
}

func (m *DB) GetCallsBySession(_ context.Context, sessionID string) ([]store.Call, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	calls := m.calls[sessionID]
	out := append([]store.Call(nil), calls...)
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (m *DB) ClearAll(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions = make(map[string]store.Session)
	m.calls = make(map[string][]store.Call)
	return nil
}

// --- SnapshotStore ---

func (m *DB) SaveSnapshot(_ context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snaps[key] = snapshot{data: append([]byte(nil), data...), at: time.Now().UTC()}
	return nil
}

func (m *DB) LoadSnapshot(_ context.Context, key string) ([]byte, time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sn, ok := m.snaps[key]
	if !ok {
		return nil, time.Time{}, store.ErrNotFound
	}
	return append([]byte(nil), sn.data...), sn.at, nil
}

// SeedSnapshot stores data with an explicit write time. Tests use it to
// simulate snapshots left behind by a long-dead process.
func (m *DB) SeedSnapshot(key string, data []byte, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snaps[key] = snapshot{data: append([]byte(nil), data...), at: at}
}

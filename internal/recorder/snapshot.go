package recorder

import (
	"context"
	"encoding/json"
	"time"
)

// snapshotKey is the snapshot store key for the singleton recorder state.
const snapshotKey = "recorder.state"

// DefaultStaleAfter is the recovery staleness window: a snapshot older
// than this is treated as belonging to a long-dead process and discarded.
const DefaultStaleAfter = 5 * time.Minute

// persistedState is the durable lifecycle snapshot, written after every
// transition (successful or failed) and read back once at startup.
// The in-memory call buffer is not part of it; it is rebuilt from the
// store on recovery.
type persistedState struct {
	State         State            `json:"state"`
	SessionID     string           `json:"sessionId,omitempty"`
	LastSessionID string           `json:"lastSessionId,omitempty"`
	StartTime     time.Time        `json:"startTime,omitempty"`
	PauseTime     *time.Time       `json:"pauseTime,omitempty"`
	Error         *TransitionError `json:"error,omitempty"`
}

// persistLocked writes the current snapshot. Callers hold r.mu.
// Persistence failures are logged, not escalated: turning them into a
// lifecycle error would itself need a persist.
func (r *Recorder) persistLocked(ctx context.Context) {
	ps := persistedState{
		State:         r.state,
		SessionID:     r.sessionID,
		LastSessionID: r.lastSessionID,
		StartTime:     r.startTime,
		Error:         r.lastErr,
	}
	if !r.pauseTime.IsZero() {
		t := r.pauseTime
		ps.PauseTime = &t
	}
	data, err := json.Marshal(ps)
	if err != nil {
		r.logger.Error("marshal lifecycle snapshot", "error", err)
		return
	}
	if err := r.snapshots.SaveSnapshot(ctx, snapshotKey, data); err != nil {
		r.logger.Error("persist lifecycle snapshot", "error", err)
	}
}

// Recover loads the last persisted snapshot and makes the recorder
// ready. It must complete before any Transition or AddRequest call is
// accepted. A stale snapshot resets to idle. A restored recording state
// emits EventStateRecovered so the capture collaborator can re-arm;
// side effects of the original transition are not re-invoked.
func (r *Recorder) Recover(ctx context.Context) error {
	r.mu.Lock()
	if r.ready {
		r.mu.Unlock()
		return nil
	}

	reset := func() {
		r.state = StateIdle
		r.sessionID = ""
		r.lastSessionID = ""
		r.startTime = time.Time{}
		r.pauseTime = time.Time{}
		r.buffer = nil
		r.lastErr = nil
	}

	data, at, err := r.snapshots.LoadSnapshot(ctx, snapshotKey)
	if err != nil {
		// No snapshot (first run) or unreadable storage: start clean.
		reset()
		r.ready = true
		r.persistLocked(ctx)
		r.mu.Unlock()
		return nil
	}

	var ps persistedState
	if uerr := json.Unmarshal(data, &ps); uerr != nil || !ps.State.valid() {
		r.logger.Warn("discarding unreadable lifecycle snapshot", "error", uerr)
		reset()
		r.ready = true
		r.persistLocked(ctx)
		r.mu.Unlock()
		return nil
	}
	if age := r.clock().Sub(at); age > r.staleAfter {
		r.logger.Info("discarding stale lifecycle snapshot", "age", age, "state", ps.State)
		reset()
		r.ready = true
		r.persistLocked(ctx)
		r.mu.Unlock()
		return nil
	}

	r.state = ps.State
	r.sessionID = ps.SessionID
	r.lastSessionID = ps.LastSessionID
	r.startTime = ps.StartTime
	r.pauseTime = time.Time{}
	if ps.PauseTime != nil {
		r.pauseTime = *ps.PauseTime
	}
	r.lastErr = ps.Error
	r.buffer = nil
	if r.sessionID != "" && (r.state == StateRecording || r.state == StatePaused) {
		calls, cerr := r.store.GetCallsBySession(ctx, r.sessionID)
		if cerr != nil {
			r.mu.Unlock()
			return cerr
		}
		r.buffer = calls
	}
	r.ready = true
	recovered := r.state
	sessionID := r.sessionID
	r.mu.Unlock()

	if recovered == StateRecording {
		r.emit(Event{Type: EventStateRecovered, To: recovered, SessionID: sessionID, At: r.clock()})
	}
	return nil
}

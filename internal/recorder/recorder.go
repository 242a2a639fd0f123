package recorder

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/apitrail/apitrail/internal/capture"
	"github.com/apitrail/apitrail/internal/export"
	"github.com/apitrail/apitrail/internal/history"
	"github.com/apitrail/apitrail/internal/metrics"
	"github.com/apitrail/apitrail/internal/store"
	"github.com/apitrail/apitrail/internal/store/memory"
)

// State is a lifecycle phase of the recorder.
type State string

const (
	StateIdle      State = "idle"
	StateRecording State = "recording"
	StatePaused    State = "paused"
	StateStopping  State = "stopping"
	StateExporting State = "exporting"
	StateError     State = "error"
	StateResuming  State = "resuming"
)

func (s State) valid() bool {
	switch s {
	case StateIdle, StateRecording, StatePaused, StateStopping, StateExporting, StateError, StateResuming:
		return true
	}
	return false
}

// transitionTable is the static reachability map. Every transition is
// validated against it before any side effect runs.
var transitionTable = map[State][]State{
	StateIdle:      {StateRecording, StateExporting, StateResuming},
	StateRecording: {StatePaused, StateStopping, StateError},
	StatePaused:    {StateRecording, StateStopping, StateError},
	StateStopping:  {StateIdle, StateError},
	StateExporting: {StateIdle, StateError},
	StateError:     {StateIdle},
	StateResuming:  {StateRecording, StateError},
}

// Allowed reports whether the static table permits from -> to.
func Allowed(from, to State) bool {
	for _, t := range transitionTable[from] {
		if t == to {
			return true
		}
	}
	return false
}

// guards are semantic preconditions checked per target state after the
// table lookup, as static data rather than name-based dispatch.
// They run with r.mu held.
var guards = map[State]func(r *Recorder, from State) error{
	StateRecording: func(r *Recorder, from State) error {
		if from == StatePaused && r.pauseTime.IsZero() {
			return fmt.Errorf("no pause in progress")
		}
		if from == StateResuming && r.sessionID == "" {
			return fmt.Errorf("no session bound for resume")
		}
		return nil
	},
	StatePaused: func(r *Recorder, from State) error {
		if from != StateRecording {
			return fmt.Errorf("can only pause while recording")
		}
		return nil
	},
	StateStopping: func(r *Recorder, from State) error {
		if r.sessionID == "" {
			return fmt.Errorf("no active session")
		}
		return nil
	},
	StateExporting: func(r *Recorder, from State) error {
		if r.exportID == "" && r.lastSessionID == "" {
			return fmt.Errorf("no session to export")
		}
		return nil
	},
	StateResuming: func(r *Recorder, from State) error {
		if r.resumeID == "" {
			return fmt.Errorf("no session selected for resume")
		}
		return nil
	},
}

// CaptureController is the capture collaborator boundary: the recorder
// signals begin/end capture intent, the host supplies the mechanism.
type CaptureController interface {
	Attach(ctx context.Context, sessionID string) error
	Detach(ctx context.Context) error
}

// ArtifactSink receives the serialized export text and a suggested
// filename; delivery (disk, download, ...) is outside the core.
type ArtifactSink interface {
	Write(ctx context.Context, filename string, data []byte) error
}

// Snapshot is the read-only view returned by State().
type Snapshot struct {
	State             State            `json:"state"`
	SessionID         string           `json:"sessionId,omitempty"`
	StartTime         time.Time        `json:"startTime,omitempty"`
	PauseTime         *time.Time       `json:"pauseTime,omitempty"`
	RecordedRequests  int              `json:"recordedRequests"`
	PendingOperations []string         `json:"pendingOperations,omitempty"`
	Error             *TransitionError `json:"error,omitempty"`
}

// Options wires the recorder's collaborators. Store defaults to the
// in-memory backend (which also serves as the snapshot store).
type Options struct {
	Store      store.Store
	Snapshots  store.SnapshotStore
	Capture    CaptureController
	Artifacts  ArtifactSink
	History    []history.Sink
	Logger     *slog.Logger
	Normalizer *capture.Normalizer
	StaleAfter time.Duration
	// CaptureStatic admits static asset fetches; by default only API
	// traffic is recorded.
	CaptureStatic bool
}

// Recorder is the lifecycle state machine: the sole authority deciding
// whether new calls may be admitted into the store. A process hosts a
// single owned instance.
type Recorder struct {
	mu            sync.Mutex
	state         State
	sessionID     string
	lastSessionID string
	startTime     time.Time
	pauseTime     time.Time
	buffer        []store.Call
	lastErr       *TransitionError
	ready         bool

	// transient command parameters, consumed by the next transition
	nextName   string
	nextSource string
	resumeID   string
	exportID   string

	pendingMu sync.Mutex
	pending   map[string]struct{}

	sinksMu sync.Mutex
	sinks   []EventSink

	store         store.Store
	snapshots     store.SnapshotStore
	capture       CaptureController
	artifacts     ArtifactSink
	historySinks  []history.Sink
	logger        *slog.Logger
	norm          *capture.Normalizer
	staleAfter    time.Duration
	captureStatic bool
	clock         func() time.Time
}

// New builds a recorder. Recover must be called before it accepts
// transitions or requests.
func New(opts Options) *Recorder {
	st := opts.Store
	if st == nil {
		st = memory.New()
	}
	snaps := opts.Snapshots
	if snaps == nil {
		if ss, ok := st.(store.SnapshotStore); ok {
			snaps = ss
		} else {
			snaps = memory.New()
		}
	}
	lg := opts.Logger
	if lg == nil {
		lg = slog.Default()
	}
	norm := opts.Normalizer
	if norm == nil {
		norm = capture.NewNormalizer()
	}
	stale := opts.StaleAfter
	if stale <= 0 {
		stale = DefaultStaleAfter
	}
	return &Recorder{
		state:         StateIdle,
		pending:       make(map[string]struct{}),
		store:         st,
		snapshots:     snaps,
		capture:       opts.Capture,
		artifacts:     opts.Artifacts,
		historySinks:  append([]history.Sink(nil), opts.History...),
		logger:        lg,
		norm:          norm,
		staleAfter:    stale,
		captureStatic: opts.CaptureStatic,
		clock:         func() time.Time { return time.Now().UTC() },
	}
}

// Subscribe registers a broadcast sink. Delivery is best-effort.
func (r *Recorder) Subscribe(sink EventSink) {
	r.sinksMu.Lock()
	r.sinks = append(r.sinks, sink)
	r.sinksMu.Unlock()
}

// State returns a point-in-time snapshot.
func (r *Recorder) State() Snapshot {
	r.mu.Lock()
	snap := Snapshot{
		State:            r.state,
		SessionID:        r.sessionID,
		StartTime:        r.startTime,
		RecordedRequests: len(r.buffer),
		Error:            r.lastErr,
	}
	if !r.pauseTime.IsZero() {
		t := r.pauseTime
		snap.PauseTime = &t
	}
	r.mu.Unlock()
	r.pendingMu.Lock()
	for id := range r.pending {
		snap.PendingOperations = append(snap.PendingOperations, id)
	}
	r.pendingMu.Unlock()
	return snap
}

// StartOptions names the session minted when recording starts from idle.
type StartOptions struct {
	Name        string
	SourceURL   string
	OperationID string
}

// StartRecording starts a fresh recording session.
func (r *Recorder) StartRecording(ctx context.Context, opts StartOptions) error {
	r.mu.Lock()
	r.nextName = opts.Name
	r.nextSource = opts.SourceURL
	r.mu.Unlock()
	return r.Transition(ctx, StateRecording, opts.OperationID)
}

// Pause suspends capture without closing the session.
func (r *Recorder) Pause(ctx context.Context, opID string) error {
	return r.Transition(ctx, StatePaused, opID)
}

// Resume continues a paused recording.
func (r *Recorder) Resume(ctx context.Context, opID string) error {
	return r.Transition(ctx, StateRecording, opID)
}

// Stop closes the active session. The machine passes through stopping
// and settles in idle; the session stays readable and exportable.
func (r *Recorder) Stop(ctx context.Context, opID string) error {
	return r.Transition(ctx, StateStopping, opID)
}

// ResumeSession reopens a stopped session for further recording.
func (r *Recorder) ResumeSession(ctx context.Context, sessionID, opID string) error {
	r.mu.Lock()
	r.resumeID = sessionID
	r.mu.Unlock()
	return r.Transition(ctx, StateResuming, opID)
}

// Export packages a session through the export serializer and hands the
// artifact to the sink. Empty sessionID exports the last closed
// session. The machine returns to idle only after packaging completes.
func (r *Recorder) Export(ctx context.Context, sessionID, opID string) error {
	r.mu.Lock()
	r.exportID = sessionID
	r.mu.Unlock()
	return r.Transition(ctx, StateExporting, opID)
}

// ClearError acknowledges a failure and resets the machine to idle.
func (r *Recorder) ClearError(ctx context.Context, opID string) error {
	return r.Transition(ctx, StateIdle, opID)
}

// Transition validates and executes a lifecycle transition. opID, when
// non-empty, deduplicates concurrent commands targeting the same
// logical step: the duplicate fails with ErrOperationInProgress.
// Transitions without an id are not mutually excluded; callers that
// need safety must supply one.
func (r *Recorder) Transition(ctx context.Context, target State, opID string) error {
	r.mu.Lock()
	if !r.ready {
		r.mu.Unlock()
		return ErrNotReady
	}
	from := r.state
	r.mu.Unlock()

	if !Allowed(from, target) {
		metrics.IncTransitionFailure("invalid_transition")
		return newTransitionError(ErrInvalidTransition, from, target,
			fmt.Sprintf("cannot transition from %s to %s", from, target), r.clock())
	}

	if opID != "" {
		if !r.acquire(opID) {
			metrics.IncTransitionFailure("operation_in_progress")
			return fmt.Errorf("%w: %s", ErrOperationInProgress, opID)
		}
		defer r.release(opID)
	}

	return r.transition(ctx, target, opID)
}

// transition runs guard, side effects and finalization. The caller has
// already passed table validation and holds the opID slot.
func (r *Recorder) transition(ctx context.Context, target State, opID string) error {
	r.mu.Lock()
	from := r.state
	// Re-validate: the state may have moved since the table check.
	if !Allowed(from, target) {
		r.mu.Unlock()
		metrics.IncTransitionFailure("invalid_transition")
		return newTransitionError(ErrInvalidTransition, from, target,
			fmt.Sprintf("cannot transition from %s to %s", from, target), r.clock())
	}
	if guard := guards[target]; guard != nil {
		if err := guard(r, from); err != nil {
			r.mu.Unlock()
			metrics.IncTransitionFailure("guard_failed")
			return newTransitionError(ErrGuardFailed, from, target, err.Error(), r.clock())
		}
	}
	r.mu.Unlock()

	if err := r.runActions(ctx, from, target); err != nil {
		terr := newTransitionError(ErrSideEffect, from, target, err.Error(), r.clock())
		r.fail(ctx, terr, opID)
		return terr
	}

	r.complete(ctx, from, target, opID)

	// Transient states advance on their own once their work is done:
	// stopping and exporting settle in idle, resuming enters recording.
	switch target {
	case StateStopping, StateExporting:
		return r.transition(ctx, StateIdle, opID)
	case StateResuming:
		return r.transition(ctx, StateRecording, opID)
	}
	return nil
}

// runActions executes the side effects of entering target from from.
func (r *Recorder) runActions(ctx context.Context, from, target State) error {
	switch target {
	case StateRecording:
		switch from {
		case StateIdle:
			return r.beginSession(ctx)
		case StatePaused:
			return r.resumeFromPause(ctx)
		case StateResuming:
			return r.reopenSession(ctx)
		}

	case StatePaused:
		r.mu.Lock()
		r.pauseTime = r.clock()
		sid := r.sessionID
		r.mu.Unlock()
		status := store.SessionPaused
		if _, err := r.store.UpdateSession(ctx, sid, store.SessionUpdate{Status: &status}); err != nil {
			return fmt.Errorf("mark session paused: %w", err)
		}
		r.emit(Event{Type: EventRecordingPaused, SessionID: sid, At: r.clock()})

	case StateStopping:
		r.mu.Lock()
		sid := r.sessionID
		count := len(r.buffer)
		r.mu.Unlock()
		if err := r.detach(ctx); err != nil {
			return fmt.Errorf("detach capture: %w", err)
		}
		status := store.SessionStopped
		if _, err := r.store.UpdateSession(ctx, sid, store.SessionUpdate{Status: &status}); err != nil {
			return fmt.Errorf("mark session stopped: %w", err)
		}
		r.emit(Event{Type: EventRecordingStopped, SessionID: sid, RequestCount: count, At: r.clock()})

	case StateExporting:
		return r.runExport(ctx)

	case StateResuming:
		return r.bindResumeSession(ctx)

	case StateIdle:
		r.mu.Lock()
		switch from {
		case StateStopping:
			// Session is closed for appends but stays exportable.
			r.lastSessionID = r.sessionID
			r.sessionID = ""
			r.startTime = time.Time{}
			r.pauseTime = time.Time{}
			r.buffer = nil
		case StateExporting:
			// Export is a read-only side trip; nothing to reset.
		case StateError:
			r.lastErr = nil
			r.sessionID = ""
			r.startTime = time.Time{}
			r.pauseTime = time.Time{}
			r.buffer = nil
		}
		r.mu.Unlock()

	case StateError:
		// Best effort: stop the flow of raw transactions.
		_ = r.detach(ctx)
	}
	return nil
}

func (r *Recorder) beginSession(ctx context.Context) error {
	r.mu.Lock()
	name := r.nextName
	source := r.nextSource
	r.nextName, r.nextSource = "", ""
	r.mu.Unlock()
	if name == "" {
		name = "session-" + r.clock().Format("20060102-150405")
	}
	sess, err := r.store.CreateSession(ctx, name, source)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	r.mu.Lock()
	r.sessionID = sess.ID
	r.startTime = r.clock()
	r.pauseTime = time.Time{}
	r.buffer = nil
	r.mu.Unlock()
	if err := r.attach(ctx, sess.ID); err != nil {
		return fmt.Errorf("attach capture: %w", err)
	}
	r.emit(Event{Type: EventRecordingStarted, SessionID: sess.ID, At: r.clock()})
	return nil
}

func (r *Recorder) resumeFromPause(ctx context.Context) error {
	r.mu.Lock()
	d := r.clock().Sub(r.pauseTime)
	r.pauseTime = time.Time{}
	sid := r.sessionID
	r.mu.Unlock()
	status := store.SessionActive
	if _, err := r.store.UpdateSession(ctx, sid, store.SessionUpdate{Status: &status}); err != nil {
		return fmt.Errorf("mark session active: %w", err)
	}
	r.emit(Event{Type: EventRecordingResumed, SessionID: sid, PauseDuration: d, At: r.clock()})
	return nil
}

func (r *Recorder) reopenSession(ctx context.Context) error {
	r.mu.Lock()
	sid := r.sessionID
	r.mu.Unlock()
	status := store.SessionActive
	if _, err := r.store.UpdateSession(ctx, sid, store.SessionUpdate{Status: &status}); err != nil {
		return fmt.Errorf("mark session active: %w", err)
	}
	if err := r.attach(ctx, sid); err != nil {
		return fmt.Errorf("attach capture: %w", err)
	}
	r.emit(Event{Type: EventRecordingStarted, SessionID: sid, At: r.clock()})
	return nil
}

// bindResumeSession loads the session selected for resume. Runs as the
// resuming entry action.
func (r *Recorder) bindResumeSession(ctx context.Context) error {
	r.mu.Lock()
	id := r.resumeID
	r.resumeID = ""
	r.mu.Unlock()
	sess, err := r.store.GetSession(ctx, id)
	if err != nil {
		return fmt.Errorf("load session %s: %w", id, err)
	}
	calls, err := r.store.GetCallsBySession(ctx, sess.ID)
	if err != nil {
		return fmt.Errorf("load calls for %s: %w", sess.ID, err)
	}
	r.mu.Lock()
	r.sessionID = sess.ID
	r.startTime = r.clock()
	r.pauseTime = time.Time{}
	r.buffer = calls
	r.mu.Unlock()
	return nil
}

func (r *Recorder) runExport(ctx context.Context) error {
	r.mu.Lock()
	id := r.exportID
	r.exportID = ""
	if id == "" {
		id = r.lastSessionID
	}
	r.mu.Unlock()
	r.emit(Event{Type: EventExportStarted, SessionID: id, At: r.clock()})

	sess, err := r.store.GetSession(ctx, id)
	if err != nil {
		return fmt.Errorf("export session %s: %w", id, err)
	}
	data, err := export.ExportSession(ctx, r.store, id)
	if err != nil {
		return fmt.Errorf("export session %s: %w", id, err)
	}
	if r.artifacts != nil {
		if err := r.artifacts.Write(ctx, export.Filename(sess), data); err != nil {
			return fmt.Errorf("write export artifact: %w", err)
		}
	}
	return nil
}

// complete finalizes a successful transition: set state, persist, emit.
func (r *Recorder) complete(ctx context.Context, from, target State, opID string) {
	r.mu.Lock()
	r.state = target
	sid := r.sessionID
	r.persistLocked(ctx)
	r.mu.Unlock()

	metrics.RecordStateTransition(string(from), string(target))
	metrics.SetCurrentState(string(from), false)
	metrics.SetCurrentState(string(target), true)
	r.logger.Info("lifecycle transition", "from", from, "to", target, "session", sid)
	r.emit(Event{Type: EventStateChanged, From: from, To: target, SessionID: sid, At: r.clock()})
	r.sendHistory(history.Event{From: string(from), To: string(target), SessionID: sid, OperationID: opID, OccurredAt: r.clock()})
}

// fail forces the machine into the error state, persists and emits.
func (r *Recorder) fail(ctx context.Context, terr *TransitionError, opID string) {
	r.mu.Lock()
	from := r.state
	r.lastErr = terr
	r.state = StateError
	sid := r.sessionID
	r.persistLocked(ctx)
	r.mu.Unlock()

	metrics.IncTransitionFailure("side_effect")
	metrics.RecordStateTransition(string(from), string(StateError))
	metrics.SetCurrentState(string(from), false)
	metrics.SetCurrentState(string(StateError), true)
	r.logger.Error("lifecycle transition failed", "from", terr.From, "to", terr.To, "error", terr.Message)
	r.emit(Event{Type: EventError, From: terr.From, To: terr.To, SessionID: sid, Err: terr, At: r.clock()})
	r.sendHistory(history.Event{From: string(terr.From), To: string(StateError), SessionID: sid, OperationID: opID, Error: terr.Message, OccurredAt: r.clock()})
}

// AddRequest is the single admission gate: it returns false unless the
// machine is recording at call time. Admitted transactions are
// normalized and written through to the store, then mirrored into the
// in-memory buffer.
func (r *Recorder) AddRequest(ctx context.Context, raw capture.RawTransaction) bool {
	r.mu.Lock()
	if !r.ready || r.state != StateRecording || r.sessionID == "" {
		r.mu.Unlock()
		metrics.IncCallRejected("not_recording")
		return false
	}
	sid := r.sessionID
	r.mu.Unlock()

	if !r.captureStatic && r.norm.Classify(raw) == capture.KindStatic {
		metrics.IncCallRejected("static")
		return false
	}
	call := r.norm.Normalize(raw)
	stored, err := r.store.AddCall(ctx, sid, call)
	if err != nil {
		r.logger.Error("store capture", "session", sid, "url", raw.URL, "error", err)
		metrics.IncCallRejected("store_error")
		return false
	}
	if stored.ResponseBodyTruncated {
		metrics.IncBodyTruncated()
	}
	r.mu.Lock()
	if r.sessionID == sid {
		r.buffer = append(r.buffer, stored)
	}
	r.mu.Unlock()
	metrics.IncCallRecorded()
	return true
}

// --- op-id locking ---

// acquire claims the per-operation-id slot. The caller must release it
// on every exit path.
func (r *Recorder) acquire(opID string) bool {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	if _, busy := r.pending[opID]; busy {
		return false
	}
	r.pending[opID] = struct{}{}
	return true
}

func (r *Recorder) release(opID string) {
	r.pendingMu.Lock()
	delete(r.pending, opID)
	r.pendingMu.Unlock()
}

// --- collaborators ---

func (r *Recorder) attach(ctx context.Context, sessionID string) error {
	if r.capture == nil {
		return nil
	}
	return r.capture.Attach(ctx, sessionID)
}

func (r *Recorder) detach(ctx context.Context) error {
	if r.capture == nil {
		return nil
	}
	return r.capture.Detach(ctx)
}

func (r *Recorder) emit(e Event) {
	r.sinksMu.Lock()
	sinks := append([]EventSink(nil), r.sinks...)
	r.sinksMu.Unlock()
	for _, s := range sinks {
		s(e)
	}
}

func (r *Recorder) sendHistory(e history.Event) {
	r.mu.Lock()
	sinks := append([]history.Sink(nil), r.historySinks...)
	r.mu.Unlock()
	for _, h := range sinks {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := h.Send(ctx, e); err != nil {
			r.logger.Warn("history sink send", "error", err)
		}
		cancel()
	}
}

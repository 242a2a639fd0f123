package recorder

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/apitrail/apitrail/internal/capture"
	"github.com/apitrail/apitrail/internal/history"
	"github.com/apitrail/apitrail/internal/store"
	"github.com/apitrail/apitrail/internal/store/memory"
)

func newTestRecorder(t *testing.T, opts Options) (*Recorder, *memory.DB) {
	t.Helper()
	mem := memory.New()
	if opts.Store == nil {
		opts.Store = mem
	} else {
		mem, _ = opts.Store.(*memory.DB)
	}
	r := New(opts)
	if err := r.Recover(context.Background()); err != nil {
		t.Fatalf("recover: %v", err)
	}
	return r, mem
}

func apiCall(url string) capture.RawTransaction {
	return capture.RawTransaction{
		Method:          "GET",
		URL:             url,
		ResponseHeaders: map[string]string{"Content-Type": "application/json"},
		ResponseBody:    `{"ok":true}`,
		Status:          200,
		StatusText:      "OK",
		DurationMS:      5,
	}
}

func TestTransitionTable(t *testing.T) {
	allowed := []struct{ from, to State }{
		{StateIdle, StateRecording},
		{StateIdle, StateExporting},
		{StateIdle, StateResuming},
		{StateRecording, StatePaused},
		{StateRecording, StateStopping},
		{StateRecording, StateError},
		{StatePaused, StateRecording},
		{StatePaused, StateStopping},
		{StatePaused, StateError},
		{StateStopping, StateIdle},
		{StateStopping, StateError},
		{StateExporting, StateIdle},
		{StateExporting, StateError},
		{StateError, StateIdle},
		{StateResuming, StateRecording},
		{StateResuming, StateError},
	}
	for _, tr := range allowed {
		if !Allowed(tr.from, tr.to) {
			t.Fatalf("%s -> %s should be allowed", tr.from, tr.to)
		}
	}
	denied := []struct{ from, to State }{
		{StateIdle, StatePaused},
		{StateIdle, StateStopping},
		{StateRecording, StateRecording},
		{StateRecording, StateExporting},
		{StatePaused, StatePaused},
		{StateError, StateRecording},
		{StateExporting, StateRecording},
	}
	for _, tr := range denied {
		if Allowed(tr.from, tr.to) {
			t.Fatalf("%s -> %s should be denied", tr.from, tr.to)
		}
	}
}

func TestNotReadyBeforeRecover(t *testing.T) {
	r := New(Options{})
	err := r.StartRecording(context.Background(), StartOptions{})
	if !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}
	if r.AddRequest(context.Background(), apiCall("https://h/x")) {
		t.Fatalf("AddRequest must be rejected before recovery")
	}
}

func TestStartPauseResumeStopFlow(t *testing.T) {
	r, _ := newTestRecorder(t, Options{})
	ctx := context.Background()

	var events []EventType
	var mu sync.Mutex
	r.Subscribe(func(e Event) {
		mu.Lock()
		events = append(events, e.Type)
		mu.Unlock()
	})

	if err := r.StartRecording(ctx, StartOptions{Name: "flow", OperationID: "op-1"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	snap := r.State()
	if snap.State != StateRecording || snap.SessionID == "" || snap.StartTime.IsZero() {
		t.Fatalf("after start: %+v", snap)
	}

	if !r.AddRequest(ctx, apiCall("https://api.example.com/a")) {
		t.Fatalf("call rejected while recording")
	}

	if err := r.Pause(ctx, "op-2"); err != nil {
		t.Fatalf("pause: %v", err)
	}
	snap = r.State()
	if snap.State != StatePaused || snap.PauseTime == nil {
		t.Fatalf("after pause: %+v", snap)
	}
	if r.AddRequest(ctx, apiCall("https://api.example.com/b")) {
		t.Fatalf("call accepted while paused")
	}

	if err := r.Resume(ctx, "op-3"); err != nil {
		t.Fatalf("resume: %v", err)
	}
	snap = r.State()
	if snap.State != StateRecording || snap.PauseTime != nil {
		t.Fatalf("after resume: %+v", snap)
	}
	if !r.AddRequest(ctx, apiCall("https://api.example.com/c")) {
		t.Fatalf("call rejected after resume")
	}
	if got := r.State().RecordedRequests; got != 2 {
		t.Fatalf("recorded requests = %d, want 2 (pause-window call dropped)", got)
	}

	sessionID := snap.SessionID
	if err := r.Stop(ctx, "op-4"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	snap = r.State()
	if snap.State != StateIdle || snap.SessionID != "" || snap.RecordedRequests != 0 {
		t.Fatalf("after stop: %+v", snap)
	}

	sess, err := r.store.GetSession(ctx, sessionID)
	if err != nil || sess.Status != store.SessionStopped {
		t.Fatalf("session after stop: %+v %v", sess, err)
	}
	if sess.CallCount != 2 {
		t.Fatalf("session call count = %d", sess.CallCount)
	}

	mu.Lock()
	defer mu.Unlock()
	var sawStarted, sawPaused, sawResumed, sawStopped bool
	for _, e := range events {
		switch e {
		case EventRecordingStarted:
			sawStarted = true
		case EventRecordingPaused:
			sawPaused = true
		case EventRecordingResumed:
			sawResumed = true
		case EventRecordingStopped:
			sawStopped = true
		}
	}
	if !sawStarted || !sawPaused || !sawResumed || !sawStopped {
		t.Fatalf("missing lifecycle events: %v", events)
	}
}

func TestInvalidTransitionLeavesStateUntouched(t *testing.T) {
	r, _ := newTestRecorder(t, Options{})
	err := r.Pause(context.Background(), "op-1")
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	var terr *TransitionError
	if !errors.As(err, &terr) || terr.From != StateIdle || terr.To != StatePaused {
		t.Fatalf("transition error detail: %v", err)
	}
	if snap := r.State(); snap.State != StateIdle || snap.Error != nil {
		t.Fatalf("invalid transition must not change state: %+v", snap)
	}
}

func TestGuardFailure(t *testing.T) {
	r, _ := newTestRecorder(t, Options{})
	// Nothing recorded yet, so there is no session to export.
	err := r.Export(context.Background(), "", "op-1")
	if !errors.Is(err, ErrGuardFailed) {
		t.Fatalf("expected ErrGuardFailed, got %v", err)
	}
	if snap := r.State(); snap.State != StateIdle {
		t.Fatalf("guard failure must not change state: %+v", snap)
	}
}

// blockingController blocks Attach until released, so a second command
// with the same operation id can race the first.
type blockingController struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingController) Attach(context.Context, string) error {
	close(b.entered)
	<-b.release
	return nil
}

func (b *blockingController) Detach(context.Context) error { return nil }

func TestDuplicateOperationIDRejected(t *testing.T) {
	ctrl := &blockingController{entered: make(chan struct{}), release: make(chan struct{})}
	r, _ := newTestRecorder(t, Options{Capture: ctrl})
	ctx := context.Background()

	firstDone := make(chan error, 1)
	go func() {
		firstDone <- r.StartRecording(ctx, StartOptions{Name: "a", OperationID: "op-dup"})
	}()
	<-ctrl.entered

	err := r.StartRecording(ctx, StartOptions{Name: "b", OperationID: "op-dup"})
	if !errors.Is(err, ErrOperationInProgress) {
		t.Fatalf("duplicate op id: expected ErrOperationInProgress, got %v", err)
	}

	close(ctrl.release)
	if err := <-firstDone; err != nil {
		t.Fatalf("first command failed: %v", err)
	}
	if snap := r.State(); snap.State != StateRecording {
		t.Fatalf("after release: %+v", snap)
	}
	if len(r.State().PendingOperations) != 0 {
		t.Fatalf("op id slot not released: %v", r.State().PendingOperations)
	}

	// The slot is free again once the first command finished.
	if err := r.Pause(ctx, "op-dup"); err != nil {
		t.Fatalf("reusing op id after completion: %v", err)
	}
}

// failingController fails Attach to drive a side-effect failure.
type failingController struct{}

func (failingController) Attach(context.Context, string) error {
	return fmt.Errorf("devtools target gone")
}

func (failingController) Detach(context.Context) error { return nil }

func TestSideEffectFailureEntersErrorState(t *testing.T) {
	r, _ := newTestRecorder(t, Options{Capture: failingController{}})
	ctx := context.Background()

	err := r.StartRecording(ctx, StartOptions{Name: "x", OperationID: "op-1"})
	if !errors.Is(err, ErrSideEffect) {
		t.Fatalf("expected ErrSideEffect, got %v", err)
	}
	snap := r.State()
	if snap.State != StateError || snap.Error == nil {
		t.Fatalf("after side effect failure: %+v", snap)
	}
	if snap.Error.From != StateIdle || snap.Error.To != StateRecording {
		t.Fatalf("error detail: %+v", snap.Error)
	}
	if r.AddRequest(ctx, apiCall("https://h/x")) {
		t.Fatalf("call accepted in error state")
	}

	if err := r.ClearError(ctx, "op-2"); err != nil {
		t.Fatalf("clear error: %v", err)
	}
	snap = r.State()
	if snap.State != StateIdle || snap.Error != nil {
		t.Fatalf("after clear error: %+v", snap)
	}
}

func TestAddRequestFiltersStaticAssets(t *testing.T) {
	r, _ := newTestRecorder(t, Options{})
	ctx := context.Background()
	if err := r.StartRecording(ctx, StartOptions{OperationID: "op-1"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if r.AddRequest(ctx, capture.RawTransaction{Method: "GET", URL: "https://cdn.example.com/app.js", Status: 200}) {
		t.Fatalf("static asset accepted")
	}
	if !r.AddRequest(ctx, apiCall("https://api.example.com/users")) {
		t.Fatalf("api call rejected")
	}

	rs, _ := newTestRecorder(t, Options{CaptureStatic: true})
	if err := rs.StartRecording(ctx, StartOptions{OperationID: "op-1"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !rs.AddRequest(ctx, capture.RawTransaction{Method: "GET", URL: "https://cdn.example.com/app.js", Status: 200}) {
		t.Fatalf("static asset rejected despite CaptureStatic")
	}
}

// memorySink collects export artifacts in memory.
type memorySink struct {
	mu       sync.Mutex
	filename string
	data     []byte
}

func (m *memorySink) Write(_ context.Context, filename string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.filename = filename
	m.data = append([]byte(nil), data...)
	return nil
}

func TestExportLastStoppedSession(t *testing.T) {
	sink := &memorySink{}
	r, _ := newTestRecorder(t, Options{Artifacts: sink})
	ctx := context.Background()

	if err := r.StartRecording(ctx, StartOptions{Name: "exp", OperationID: "op-1"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	r.AddRequest(ctx, apiCall("https://api.example.com/users"))
	raw := apiCall("https://api.example.com/orders")
	raw.Method = "POST"
	raw.Status = 500
	raw.StatusText = "Internal Server Error"
	r.AddRequest(ctx, raw)
	if err := r.Stop(ctx, "op-2"); err != nil {
		t.Fatalf("stop: %v", err)
	}

	if err := r.Export(ctx, "", "op-3"); err != nil {
		t.Fatalf("export: %v", err)
	}
	if snap := r.State(); snap.State != StateIdle {
		t.Fatalf("machine must settle in idle after export: %+v", snap)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if sink.filename == "" || len(sink.data) == 0 {
		t.Fatalf("artifact not delivered")
	}

	sc := bufio.NewScanner(bytes.NewReader(sink.data))
	var lines []map[string]any
	for sc.Scan() {
		var m map[string]any
		if err := json.Unmarshal(sc.Bytes(), &m); err != nil {
			t.Fatalf("bad NDJSON line: %v", err)
		}
		lines = append(lines, m)
	}
	if len(lines) != 3 || lines[0]["type"] != "meta" {
		t.Fatalf("artifact shape: %d lines", len(lines))
	}
	summary := lines[0]["summary"].(map[string]any)
	if summary["calls"].(float64) != 2 || summary["errors"].(float64) != 1 {
		t.Fatalf("summary: %+v", summary)
	}
}

func TestExportUnknownSessionFails(t *testing.T) {
	r, _ := newTestRecorder(t, Options{})
	err := r.Export(context.Background(), "missing", "op-1")
	if !errors.Is(err, ErrSideEffect) {
		t.Fatalf("expected ErrSideEffect, got %v", err)
	}
	if snap := r.State(); snap.State != StateError {
		t.Fatalf("failed export must land in error state: %+v", snap)
	}
}

func TestResumeStoppedSession(t *testing.T) {
	r, _ := newTestRecorder(t, Options{})
	ctx := context.Background()

	if err := r.StartRecording(ctx, StartOptions{Name: "rs", OperationID: "op-1"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	r.AddRequest(ctx, apiCall("https://api.example.com/a"))
	sessionID := r.State().SessionID
	if err := r.Stop(ctx, "op-2"); err != nil {
		t.Fatalf("stop: %v", err)
	}

	if err := r.ResumeSession(ctx, sessionID, "op-3"); err != nil {
		t.Fatalf("resume session: %v", err)
	}
	snap := r.State()
	if snap.State != StateRecording || snap.SessionID != sessionID {
		t.Fatalf("after resume session: %+v", snap)
	}
	if snap.RecordedRequests != 1 {
		t.Fatalf("buffer not rebuilt from store: %d", snap.RecordedRequests)
	}

	if !r.AddRequest(ctx, apiCall("https://api.example.com/b")) {
		t.Fatalf("call rejected after reopen")
	}
	calls, _ := r.store.GetCallsBySession(ctx, sessionID)
	if len(calls) != 2 || calls[1].Seq != 2 {
		t.Fatalf("seq must continue after reopen: %+v", calls)
	}

	sess, _ := r.store.GetSession(ctx, sessionID)
	if sess.Status != store.SessionActive {
		t.Fatalf("session status after reopen: %s", sess.Status)
	}
}

func TestResumeUnknownSessionFails(t *testing.T) {
	r, _ := newTestRecorder(t, Options{})
	err := r.ResumeSession(context.Background(), "missing", "op-1")
	if !errors.Is(err, ErrSideEffect) {
		t.Fatalf("expected ErrSideEffect, got %v", err)
	}
	if snap := r.State(); snap.State != StateError {
		t.Fatalf("expected error state: %+v", snap)
	}
}

func seedSnapshot(t *testing.T, mem *memory.DB, ps persistedState, at time.Time) {
	t.Helper()
	data, err := json.Marshal(ps)
	if err != nil {
		t.Fatalf("marshal snapshot: %v", err)
	}
	mem.SeedSnapshot(snapshotKey, data, at)
}

func TestRecoverFreshRecordingSnapshot(t *testing.T) {
	mem := memory.New()
	ctx := context.Background()
	sess, _ := mem.CreateSession(ctx, "recovered", "")
	_, _ = mem.AddCall(ctx, sess.ID, store.Call{Method: "GET", URL: "https://h/a", Status: 200})
	_, _ = mem.AddCall(ctx, sess.ID, store.Call{Method: "GET", URL: "https://h/b", Status: 200})
	seedSnapshot(t, mem, persistedState{
		State:     StateRecording,
		SessionID: sess.ID,
		StartTime: time.Now().UTC().Add(-time.Minute),
	}, time.Now().UTC().Add(-time.Minute))

	r := New(Options{Store: mem})
	var recovered []Event
	var mu sync.Mutex
	r.Subscribe(func(e Event) {
		if e.Type == EventStateRecovered {
			mu.Lock()
			recovered = append(recovered, e)
			mu.Unlock()
		}
	})
	if err := r.Recover(ctx); err != nil {
		t.Fatalf("recover: %v", err)
	}

	snap := r.State()
	if snap.State != StateRecording || snap.SessionID != sess.ID {
		t.Fatalf("recovered snapshot: %+v", snap)
	}
	if snap.RecordedRequests != 2 {
		t.Fatalf("buffer not rebuilt: %d", snap.RecordedRequests)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(recovered) != 1 || recovered[0].SessionID != sess.ID {
		t.Fatalf("stateRecovered events: %+v", recovered)
	}
	if !r.AddRequest(ctx, apiCall("https://h/c")) {
		t.Fatalf("recovered recorder must accept calls")
	}
}

func TestRecoverStaleSnapshotResets(t *testing.T) {
	mem := memory.New()
	seedSnapshot(t, mem, persistedState{State: StateRecording, SessionID: "dead"},
		time.Now().UTC().Add(-time.Hour))

	r := New(Options{Store: mem})
	if err := r.Recover(context.Background()); err != nil {
		t.Fatalf("recover: %v", err)
	}
	snap := r.State()
	if snap.State != StateIdle || snap.SessionID != "" {
		t.Fatalf("stale snapshot must reset to idle: %+v", snap)
	}
}

func TestRecoverCorruptSnapshotResets(t *testing.T) {
	mem := memory.New()
	mem.SeedSnapshot(snapshotKey, []byte("{not json"), time.Now().UTC())

	r := New(Options{Store: mem})
	if err := r.Recover(context.Background()); err != nil {
		t.Fatalf("recover: %v", err)
	}
	if snap := r.State(); snap.State != StateIdle {
		t.Fatalf("corrupt snapshot must reset to idle: %+v", snap)
	}
}

func TestRecoverNoSnapshotStartsClean(t *testing.T) {
	r, _ := newTestRecorder(t, Options{})
	if snap := r.State(); snap.State != StateIdle {
		t.Fatalf("first run must start idle: %+v", snap)
	}
}

// recordingSink captures history events.
type recordingSink struct {
	mu     sync.Mutex
	events []history.Event
}

func (s *recordingSink) Send(_ context.Context, e history.Event) error {
	s.mu.Lock()
	s.events = append(s.events, e)
	s.mu.Unlock()
	return nil
}

func TestHistorySinkReceivesTransitions(t *testing.T) {
	sink := &recordingSink{}
	r, _ := newTestRecorder(t, Options{History: []history.Sink{sink}})
	ctx := context.Background()

	if err := r.StartRecording(ctx, StartOptions{OperationID: "op-1"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := r.Stop(ctx, "op-2"); err != nil {
		t.Fatalf("stop: %v", err)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.events) < 3 {
		t.Fatalf("expected idle->recording->stopping->idle history, got %d events", len(sink.events))
	}
	first := sink.events[0]
	if first.From != string(StateIdle) || first.To != string(StateRecording) || first.OperationID != "op-1" {
		t.Fatalf("first history event: %+v", first)
	}
	last := sink.events[len(sink.events)-1]
	if last.To != string(StateIdle) {
		t.Fatalf("last history event: %+v", last)
	}
}

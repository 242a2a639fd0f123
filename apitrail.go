package apitrail

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/apitrail/apitrail/internal/capture"
	cfg "github.com/apitrail/apitrail/internal/config"
	"github.com/apitrail/apitrail/internal/export"
	"github.com/apitrail/apitrail/internal/history"
	"github.com/apitrail/apitrail/internal/metrics"
	"github.com/apitrail/apitrail/internal/recorder"
	iapi "github.com/apitrail/apitrail/internal/server"
	"github.com/apitrail/apitrail/internal/store"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type State = recorder.State

const (
	StateIdle      = recorder.StateIdle
	StateRecording = recorder.StateRecording
	StatePaused    = recorder.StatePaused
	StateStopping  = recorder.StateStopping
	StateExporting = recorder.StateExporting
	StateError     = recorder.StateError
	StateResuming  = recorder.StateResuming
)

type Snapshot = recorder.Snapshot

type Options = recorder.Options

type StartOptions = recorder.StartOptions

type Event = recorder.Event

type EventSink = recorder.EventSink

type CaptureController = recorder.CaptureController

type ArtifactSink = recorder.ArtifactSink

type Session = store.Session

type Call = store.Call

type Store = store.Store

type RawTransaction = capture.RawTransaction

type HistorySink = history.Sink

// Recorder is a thin facade over internal/recorder.Recorder.
// It provides a stable public API for embedding.

type Recorder struct{ inner *recorder.Recorder }

// New builds a recorder from options and replays any persisted state
// snapshot so it is ready to accept commands.
func New(ctx context.Context, opts Options) (*Recorder, error) {
	r := recorder.New(opts)
	if err := r.Recover(ctx); err != nil {
		return nil, err
	}
	return &Recorder{inner: r}, nil
}

func (r *Recorder) Start(ctx context.Context, opts StartOptions) error {
	return r.inner.StartRecording(ctx, opts)
}
func (r *Recorder) Pause(ctx context.Context, opID string) error { return r.inner.Pause(ctx, opID) }
func (r *Recorder) Resume(ctx context.Context, opID string) error {
	return r.inner.Resume(ctx, opID)
}
func (r *Recorder) Stop(ctx context.Context, opID string) error { return r.inner.Stop(ctx, opID) }
func (r *Recorder) ResumeSession(ctx context.Context, sessionID, opID string) error {
	return r.inner.ResumeSession(ctx, sessionID, opID)
}
func (r *Recorder) Export(ctx context.Context, sessionID, opID string) error {
	return r.inner.Export(ctx, sessionID, opID)
}
func (r *Recorder) ClearError(ctx context.Context, opID string) error {
	return r.inner.ClearError(ctx, opID)
}
func (r *Recorder) State() Snapshot        { return r.inner.State() }
func (r *Recorder) Subscribe(s EventSink)  { r.inner.Subscribe(s) }
func (r *Recorder) AddRequest(ctx context.Context, raw RawTransaction) bool {
	return r.inner.AddRequest(ctx, raw)
}

func LoadConfig(path string) (*cfg.Config, error) {
	return cfg.Load(path)
}

// ExportSession serializes one stored session to NDJSON without going
// through the lifecycle machine.
func ExportSession(ctx context.Context, st Store, sessionID string) ([]byte, error) {
	return export.ExportSession(ctx, st, sessionID)
}

// NewHTTPServer starts an HTTP server exposing the command channel and
// session API using the given recorder and store.
func NewHTTPServer(addr, basePath string, r *Recorder, st Store) *http.Server {
	return iapi.NewServer(addr, basePath, r.inner, st)
}

// NewHTTPHandler returns the same API as an http.Handler for mounting
// into an existing server or mux.
func NewHTTPHandler(basePath string, r *Recorder, st Store) http.Handler {
	return iapi.NewRouter(r.inner, st, basePath).Handler()
}

// Metrics helpers (public facade)

func RegisterMetrics(reg prometheus.Registerer) error { return metrics.Register(reg) }
func RegisterMetricsDefault() error                   { return metrics.Register(prometheus.DefaultRegisterer) }

// ServeMetrics starts an HTTP server on addr exposing /metrics using the default registry.
// It returns any immediate listen error; otherwise it runs the server in the caller goroutine.
func ServeMetrics(addr string) error {
	http.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           nil,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv.ListenAndServe()
}

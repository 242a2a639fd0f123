package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/apitrail/apitrail/internal/capture"
	"github.com/apitrail/apitrail/internal/export"
	"github.com/apitrail/apitrail/internal/metrics"
	"github.com/apitrail/apitrail/internal/recorder"
	"github.com/apitrail/apitrail/internal/store"
)

// Router exposes the recording command channel and session store over
// HTTP. Endpoints under {basePath}:
//   POST /record/start         body: {name, sourceUrl, operationId}
//   POST /record/pause         body: {operationId}
//   POST /record/resume        body: {operationId, sessionId?}
//   POST /record/stop          body: {operationId}
//   POST /record/export        body: {operationId, sessionId?}
//   POST /record/clear-error   body: {operationId}
//   GET  /record/state
//   POST /capture              body: raw transaction (capture collaborator ingest)
//   GET  /sessions             GET/DELETE /sessions/:id
//   GET  /sessions/:id/calls   GET /sessions/:id/export
//   DELETE /sessions
// plus GET /metrics at the root.

type Router struct {
	rec      *recorder.Recorder
	st       store.Store
	basePath string
}

func NewRouter(rec *recorder.Recorder, st store.Store, basePath string) *Router {
	return &Router{rec: rec, st: st, basePath: sanitizeBase(basePath)}
}

// Handler returns an http.Handler powered by gin that can be mounted in
// any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	g.GET("/metrics", gin.WrapH(metrics.Handler()))
	group := g.Group(r.basePath)
	rec := group.Group("/record")
	rec.POST("/start", r.handleStart)
	rec.POST("/pause", r.handlePause)
	rec.POST("/resume", r.handleResume)
	rec.POST("/stop", r.handleStop)
	rec.POST("/export", r.handleExport)
	rec.POST("/clear-error", r.handleClearError)
	rec.GET("/state", r.handleState)
	group.POST("/capture", r.handleCapture)
	group.GET("/sessions", r.handleListSessions)
	group.GET("/sessions/:id", r.handleGetSession)
	group.DELETE("/sessions/:id", r.handleDeleteSession)
	group.GET("/sessions/:id/calls", r.handleGetCalls)
	group.GET("/sessions/:id/export", r.handleExportSession)
	group.DELETE("/sessions", r.handleClearAll)
	return g
}

// NewServer starts a standalone HTTP server on addr using this router.
func NewServer(addr, basePath string, rec *recorder.Recorder, st store.Store) *http.Server {
	r := NewRouter(rec, st, basePath)
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = server.ListenAndServe() }()
	return server
}

// --- request/response shapes ---

type commandReq struct {
	Name        string `json:"name,omitempty"`
	SourceURL   string `json:"sourceUrl,omitempty"`
	SessionID   string `json:"sessionId,omitempty"`
	OperationID string `json:"operationId,omitempty"`
}

type commandResp struct {
	Success bool               `json:"success"`
	State   *recorder.Snapshot `json:"state,omitempty"`
	Error   string             `json:"error,omitempty"`
}

type captureResp struct {
	Accepted bool `json:"accepted"`
}

func (r *Router) handleStart(c *gin.Context) {
	var req commandReq
	if !bindCommand(c, &req) {
		return
	}
	err := r.rec.StartRecording(c.Request.Context(), recorder.StartOptions{
		Name:        req.Name,
		SourceURL:   req.SourceURL,
		OperationID: req.OperationID,
	})
	r.respond(c, err)
}

func (r *Router) handlePause(c *gin.Context) {
	var req commandReq
	if !bindCommand(c, &req) {
		return
	}
	r.respond(c, r.rec.Pause(c.Request.Context(), req.OperationID))
}

func (r *Router) handleResume(c *gin.Context) {
	var req commandReq
	if !bindCommand(c, &req) {
		return
	}
	ctx := c.Request.Context()
	var err error
	if req.SessionID != "" {
		err = r.rec.ResumeSession(ctx, req.SessionID, req.OperationID)
	} else {
		err = r.rec.Resume(ctx, req.OperationID)
	}
	r.respond(c, err)
}

func (r *Router) handleStop(c *gin.Context) {
	var req commandReq
	if !bindCommand(c, &req) {
		return
	}
	r.respond(c, r.rec.Stop(c.Request.Context(), req.OperationID))
}

func (r *Router) handleExport(c *gin.Context) {
	var req commandReq
	if !bindCommand(c, &req) {
		return
	}
	r.respond(c, r.rec.Export(c.Request.Context(), req.SessionID, req.OperationID))
}

func (r *Router) handleClearError(c *gin.Context) {
	var req commandReq
	if !bindCommand(c, &req) {
		return
	}
	r.respond(c, r.rec.ClearError(c.Request.Context(), req.OperationID))
}

func (r *Router) handleState(c *gin.Context) {
	snap := r.rec.State()
	c.JSON(http.StatusOK, commandResp{Success: true, State: &snap})
}

func (r *Router) handleCapture(c *gin.Context) {
	var raw capture.RawTransaction
	if err := c.ShouldBindJSON(&raw); err != nil {
		c.JSON(http.StatusBadRequest, commandResp{Success: false, Error: "invalid JSON: " + err.Error()})
		return
	}
	accepted := r.rec.AddRequest(c.Request.Context(), raw)
	c.JSON(http.StatusOK, captureResp{Accepted: accepted})
}

func (r *Router) handleListSessions(c *gin.Context) {
	sessions, err := r.st.GetSessions(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, commandResp{Success: false, Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, sessions)
}

func (r *Router) handleGetSession(c *gin.Context) {
	sess, err := r.st.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		r.storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (r *Router) handleDeleteSession(c *gin.Context) {
	if err := r.st.DeleteSession(c.Request.Context(), c.Param("id")); err != nil {
		r.storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, commandResp{Success: true})
}

func (r *Router) handleGetCalls(c *gin.Context) {
	calls, err := r.st.GetCallsBySession(c.Request.Context(), c.Param("id"))
	if err != nil {
		r.storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, calls)
}

func (r *Router) handleExportSession(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")
	sess, err := r.st.GetSession(ctx, id)
	if err != nil {
		r.storeError(c, err)
		return
	}
	c.Header("Content-Type", "application/x-ndjson; charset=utf-8")
	c.Header("Content-Disposition", `attachment; filename="`+export.Filename(sess)+`"`)
	c.Status(http.StatusOK)
	if err := export.WriteSession(ctx, c.Writer, r.st, id); err != nil {
		// Headers are gone; all we can do is log through gin's error list.
		_ = c.Error(err)
	}
}

func (r *Router) handleClearAll(c *gin.Context) {
	if err := r.st.ClearAll(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, commandResp{Success: false, Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, commandResp{Success: true})
}

// --- helpers ---

func bindCommand(c *gin.Context, req *commandReq) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(req); err != nil {
		c.JSON(http.StatusBadRequest, commandResp{Success: false, Error: "invalid JSON: " + err.Error()})
		return false
	}
	return true
}

// respond maps recorder failures onto the {success,state}/{success,error}
// envelope. The snapshot is included either way so callers can see the
// persisted error detail.
func (r *Router) respond(c *gin.Context, err error) {
	snap := r.rec.State()
	if err == nil {
		c.JSON(http.StatusOK, commandResp{Success: true, State: &snap})
		return
	}
	status := http.StatusConflict
	switch {
	case errors.Is(err, recorder.ErrNotReady):
		status = http.StatusServiceUnavailable
	case errors.Is(err, recorder.ErrSideEffect):
		status = http.StatusInternalServerError
	case errors.Is(err, store.ErrNotFound), errors.Is(err, export.ErrSessionNotFound):
		status = http.StatusNotFound
	}
	c.JSON(status, commandResp{Success: false, State: &snap, Error: err.Error()})
}

func (r *Router) storeError(c *gin.Context, err error) {
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, commandResp{Success: false, Error: err.Error()})
		return
	}
	c.JSON(http.StatusInternalServerError, commandResp{Success: false, Error: err.Error()})
}

func sanitizeBase(bp string) string {
	if bp == "" {
		return ""
	}
	if bp[0] != '/' {
		bp = "/" + bp
	}
	for len(bp) > 1 && bp[len(bp)-1] == '/' {
		bp = bp[:len(bp)-1]
	}
	return bp
}

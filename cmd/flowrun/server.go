package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/dshills/flowrun/graph"
	"github.com/dshills/flowrun/graph/emit"
	"github.com/dshills/flowrun/graph/store"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

type serveOptions struct {
	Addr            string
	CleanupSchedule string
	CORSOrigins     []string
	Heartbeat       time.Duration
}

// server exposes an Engine over HTTP.
type server struct {
	engine    *graph.Engine
	store     store.Store
	bus       *emit.Bus
	catalog   *catalog
	gatherer  prometheus.Gatherer
	logger    log.FieldLogger
	heartbeat time.Duration

	// runCtx parents background executions so they outlive the request
	// that started them.
	runCtx context.Context
}

func newServer(ctx context.Context, a *app, cat *catalog, heartbeat time.Duration) *server {
	return &server{
		engine:    a.engine,
		store:     a.store,
		bus:       a.bus,
		catalog:   cat,
		gatherer:  a.registry,
		logger:    a.logger.WithField("module", "http"),
		heartbeat: heartbeat,
		runCtx:    ctx,
	}
}

func (s *server) routes() *mux.Router {
	r := mux.NewRouter()
	r.StrictSlash(false)

	r.HandleFunc("/workflows", s.handleListWorkflows).Methods(http.MethodGet)
	r.HandleFunc("/workflows/{workflowId}/executions", s.handleCreateExecution).Methods(http.MethodPost)

	r.HandleFunc("/executions/{id}", s.handleGetExecution).Methods(http.MethodGet)
	r.HandleFunc("/executions/{id}/logs", s.handleListLogs).Methods(http.MethodGet)
	r.HandleFunc("/executions/{id}/events", s.handleEvents).Methods(http.MethodGet)
	r.HandleFunc("/executions/{id}/cancel", s.handleCancel).Methods(http.MethodPost)
	r.HandleFunc("/executions/{id}/resume", s.handleResumeStatus).Methods(http.MethodGet)
	r.HandleFunc("/executions/{id}/resume", s.handleResume).Methods(http.MethodPost)

	r.HandleFunc("/maintenance/cleanup", s.handleCleanup).Methods(http.MethodPost)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	return r
}

// handler wraps the router with panic recovery, an access log and CORS.
func (s *server) handler(accessLog io.Writer, origins []string) http.Handler {
	var h http.Handler = s.routes()
	if len(origins) > 0 {
		h = handlers.CORS(
			handlers.AllowedOrigins(origins),
			handlers.AllowedMethods([]string{"GET", "POST", "OPTIONS"}),
			handlers.AllowedHeaders([]string{"Content-Type", "Authorization"}),
		)(h)
	}
	if accessLog != nil {
		h = handlers.CombinedLoggingHandler(accessLog, h)
	}
	return handlers.RecoveryHandler(handlers.RecoveryLogger(s.logger))(h)
}

func serve(ctx context.Context, a *app, cat *catalog, opts serveOptions) error {
	logger := a.logger.WithField("addr", opts.Addr)

	if opts.CleanupSchedule != "" {
		sched, err := graph.NewCleanupScheduler(a.engine, opts.CleanupSchedule, 0)
		if err != nil {
			return err
		}
		if err := sched.Start(ctx); err != nil {
			return err
		}
		defer sched.Stop()
	}
	if a.redis != nil {
		go func() {
			if err := emit.Relay(ctx, a.redis, a.bus); err != nil {
				logger.WithError(err).Error("redis relay stopped")
			}
		}()
	}

	accessLog := log.StandardLogger().WriterLevel(log.DebugLevel)
	defer accessLog.Close()

	s := newServer(ctx, a, cat, opts.Heartbeat)
	srv := &http.Server{
		Addr:              opts.Addr,
		Handler:           s.handler(accessLog, opts.CORSOrigins),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.WithField("workflows", cat.IDs()).Info("starting server")
		serverErrors <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		a.bus.Shutdown()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Error("could not stop server gracefully")
			return srv.Close()
		}
		return nil
	}
}

func (s *server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	writeResponse(w, http.StatusOK, map[string]any{"workflows": s.catalog.IDs()})
}

// handleCreateExecution starts the workflow with the request body as its
// input. With ?wait=true it responds with the final result, otherwise with
// 202 and the execution id.
func (s *server) handleCreateExecution(w http.ResponseWriter, r *http.Request) {
	workflowID := mux.Vars(r)["workflowId"]
	wf, ok := s.catalog.Get(workflowID)
	if !ok {
		writeError(w, http.StatusNotFound, "workflow not found")
		return
	}

	var input any
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	id, done, err := s.engine.Start(s.runCtx, wf, input)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.logger.WithFields(log.Fields{"workflow_id": workflowID, "execution_id": id}).Debug("execution started")

	if r.URL.Query().Get("wait") == "true" {
		select {
		case res := <-done:
			writeResponse(w, http.StatusOK, res)
		case <-r.Context().Done():
		}
		return
	}
	writeResponse(w, http.StatusAccepted, map[string]any{
		"executionId": id,
		"status":      store.StatusRunning,
	})
}

func (s *server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	exec, ok := s.loadExecution(w, r)
	if !ok {
		return
	}
	exec.Checkpoint = nil
	writeResponse(w, http.StatusOK, exec)
}

func (s *server) handleListLogs(w http.ResponseWriter, r *http.Request) {
	exec, ok := s.loadExecution(w, r)
	if !ok {
		return
	}
	logs, err := s.store.ListLogs(r.Context(), exec.ID)
	if err != nil {
		s.logger.WithError(err).Error("failed to list logs")
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if logs == nil {
		logs = []store.ExecutionLog{}
	}
	writeResponse(w, http.StatusOK, map[string]any{"logs": logs})
}

// handleEvents streams progress as server-sent events. An execution that
// finished before its history left the bus gets one synthesized terminal
// event.
func (s *server) handleEvents(w http.ResponseWriter, r *http.Request) {
	exec, ok := s.loadExecution(w, r)
	if !ok {
		return
	}
	if exec.Status.Terminal() {
		if last, ok := s.bus.Last(exec.ID); !ok || !last.Type.Terminal() {
			ev := terminalEvent(exec)
			w.Header().Set("Content-Type", "text/event-stream")
			w.Header().Set("Cache-Control", "no-cache")
			w.WriteHeader(http.StatusOK)
			_ = emit.WriteSSEEvent(w, ev)
			return
		}
	}

	if err := emit.ServeSSE(w, r, s.bus, exec.ID, s.heartbeat); err != nil {
		if errors.Is(err, emit.ErrStreamingUnsupported) {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.logger.WithError(err).WithField("execution_id", exec.ID).Debug("event stream ended")
	}
}

func terminalEvent(exec *store.Execution) emit.Event {
	ev := emit.Event{
		ExecutionID: exec.ID,
		Type:        emit.ExecutionComplete,
		Progress:    100,
		Timestamp:   exec.HeartbeatAt.UnixMilli(),
	}
	if exec.CompletedAt != nil {
		ev.Timestamp = exec.CompletedAt.UnixMilli()
	}
	if exec.Status != store.StatusCompleted {
		ev.Type = emit.ExecutionError
		ev.Error = exec.Error
	}
	return ev
}

func (s *server) handleCancel(w http.ResponseWriter, r *http.Request) {
	exec, ok := s.loadExecution(w, r)
	if !ok {
		return
	}
	if exec.Status.Terminal() {
		writeError(w, http.StatusConflict, "execution already finished")
		return
	}
	if !s.engine.Cancel(exec.ID) {
		writeError(w, http.StatusConflict, "execution is not running in this process")
		return
	}
	writeResponse(w, http.StatusAccepted, map[string]any{"executionId": exec.ID, "cancelled": true})
}

func (s *server) handleResumeStatus(w http.ResponseWriter, r *http.Request) {
	exec, ok := s.loadExecution(w, r)
	if !ok {
		return
	}
	var wf *graph.Workflow
	if found, ok := s.catalog.Get(exec.WorkflowID); ok {
		wf = &found
	}
	rs, err := s.engine.ResumeStatus(r.Context(), exec.ID, wf)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeResponse(w, http.StatusOK, rs)
}

func (s *server) handleResume(w http.ResponseWriter, r *http.Request) {
	exec, ok := s.loadExecution(w, r)
	if !ok {
		return
	}
	wf, ok := s.catalog.Get(exec.WorkflowID)
	if !ok {
		writeError(w, http.StatusNotFound, "workflow not found")
		return
	}
	id, _, err := s.engine.StartResume(s.runCtx, exec.ID, wf)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeResponse(w, http.StatusAccepted, map[string]any{
		"executionId":   id,
		"resumedFromId": exec.ID,
		"status":        store.StatusRunning,
	})
}

func (s *server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	var timeout time.Duration
	if v := r.URL.Query().Get("timeout"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "invalid timeout")
			return
		}
		timeout = d
	}
	n, err := s.engine.CleanupStuck(r.Context(), timeout)
	if err != nil {
		s.logger.WithError(err).Error("cleanup failed")
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeResponse(w, http.StatusOK, map[string]int{"failed": n})
}

func (s *server) loadExecution(w http.ResponseWriter, r *http.Request) (*store.Execution, bool) {
	id := mux.Vars(r)["id"]
	exec, err := s.store.GetExecution(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "execution not found")
			return nil, false
		}
		s.logger.WithError(err).WithField("execution_id", id).Error("failed to load execution")
		writeError(w, http.StatusInternalServerError, "internal server error")
		return nil, false
	}
	return exec, true
}

// writeEngineError maps engine sentinels to HTTP statuses.
func (s *server) writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, graph.ErrInvalidWorkflow), errors.Is(err, graph.ErrCycleDetected):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, graph.ErrResumeConsumed), errors.Is(err, graph.ErrGraphChanged):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, graph.ErrNotResumable):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "execution not found")
	default:
		s.logger.WithError(err).Error("engine request failed")
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func writeResponse(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeResponse(w, status, map[string]string{"message": message})
}

// Package api exposes the transfer queue, the mirror planner and capability
// checks over HTTP, and streams job snapshots over a websocket.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/franksops/sharesync/capability"
	"github.com/franksops/sharesync/engine"
	"github.com/franksops/sharesync/mirror"
	"github.com/franksops/sharesync/transfer"
)

const (
	pingInterval = 30 * time.Second
	writeTimeout = 10 * time.Second
	eventBuffer  = 64
)

// JobQueue is the part of *engine.Queue the server drives.
type JobQueue interface {
	EnqueueOrGetExisting(req transfer.Request, start bool) (engine.EnqueueResult, error)
	Pause(id string) error
	PauseAll()
	Resume(id string) error
	RunQueued() int
	Retry(id string) error
	Cancel(id string) error
	Remove(id string) error
	Get(id string) (transfer.Snapshot, bool)
	Snapshot() []transfer.Snapshot
	Subscribe(buffer int) (<-chan transfer.Snapshot, func())
}

// Server routes API requests.
type Server struct {
	queue      JobQueue
	capability *capability.Service
	planner    *mirror.Planner
	execOpts   mirror.ExecuteOptions
	log        logrus.FieldLogger

	router   *mux.Router
	upgrader websocket.Upgrader
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithCapability enables the /capability routes.
func WithCapability(svc *capability.Service) ServerOption {
	return func(s *Server) { s.capability = svc }
}

// WithPlanner enables the /mirror routes. opts supplies the deleters used
// when a mirror is applied with deletes.
func WithPlanner(p *mirror.Planner, opts mirror.ExecuteOptions) ServerOption {
	return func(s *Server) {
		s.planner = p
		s.execOpts = opts
	}
}

func WithLogger(l logrus.FieldLogger) ServerOption {
	return func(s *Server) { s.log = l }
}

// NewServer creates a Server over queue.
func NewServer(queue JobQueue, opts ...ServerOption) *Server {
	s := &Server{
		queue: queue,
		log:   logrus.StandardLogger(),
		upgrader: websocket.Upgrader{
			// The API listens on loopback by default and carries no cookies.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until ctx is done, then shuts down.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.log.WithField("addr", addr).Info("API listening")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown API: %w", err)
	}
	return nil
}

func (s *Server) routes() {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	jobs := r.PathPrefix("/jobs").Subrouter()
	jobs.HandleFunc("", s.handleListJobs).Methods(http.MethodGet)
	jobs.HandleFunc("", s.handleEnqueue).Methods(http.MethodPost)
	jobs.HandleFunc("/pause-all", s.handlePauseAll).Methods(http.MethodPost)
	jobs.HandleFunc("/run-queued", s.handleRunQueued).Methods(http.MethodPost)
	jobs.HandleFunc("/{id}", s.handleGetJob).Methods(http.MethodGet)
	jobs.HandleFunc("/{id}", s.jobCommand(s.queue.Remove)).Methods(http.MethodDelete)
	jobs.HandleFunc("/{id}/pause", s.jobCommand(s.queue.Pause)).Methods(http.MethodPost)
	jobs.HandleFunc("/{id}/resume", s.jobCommand(s.queue.Resume)).Methods(http.MethodPost)
	jobs.HandleFunc("/{id}/retry", s.jobCommand(s.queue.Retry)).Methods(http.MethodPost)
	jobs.HandleFunc("/{id}/cancel", s.jobCommand(s.queue.Cancel)).Methods(http.MethodPost)

	r.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)

	if s.capability != nil {
		r.HandleFunc("/capability", s.handleCapability).Methods(http.MethodGet)
		r.HandleFunc("/capability/refresh", s.handleCapability).Methods(http.MethodPost)
	}
	if s.planner != nil {
		r.HandleFunc("/mirror/plan", s.handleMirrorPlan).Methods(http.MethodPost)
		r.HandleFunc("/mirror/apply", s.handleMirrorApply).Methods(http.MethodPost)
	}
	s.router = r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleListJobs(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.queue.Snapshot())
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req transfer.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Conflict == "" {
		req.Conflict = transfer.ConflictAsk
	}

	start := true
	if v := r.URL.Query().Get("start"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid start %q", v))
			return
		}
		start = b
	}

	res, err := s.queue.EnqueueOrGetExisting(req, start)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	status := http.StatusOK
	if res.AddedNew {
		status = http.StatusCreated
	}
	writeJSON(w, status, res.Snapshot)
}

func (s *Server) handlePauseAll(w http.ResponseWriter, _ *http.Request) {
	s.queue.PauseAll()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRunQueued(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"started": s.queue.RunQueued()})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.queue.Get(mux.Vars(r)["id"])
	if !ok {
		writeError(w, http.StatusNotFound, engine.ErrJobNotFound)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// jobCommand adapts a queue command to a handler. The job's snapshot after
// the command is returned, or 204 once it is gone.
func (s *Server) jobCommand(cmd func(id string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		if err := cmd(id); err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		snap, ok := s.queue.Get(id)
		if !ok {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	}
}

func (s *Server) handleCapability(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	c := capability.Context{
		Account: q.Get("account"),
		Share:   q.Get("share"),
		Path:    q.Get("path"),
		Profile: q.Get("profile"),
	}
	var snap capability.Snapshot
	if r.Method == http.MethodPost {
		snap = s.capability.Refresh(r.Context(), c)
	} else {
		snap = s.capability.Evaluate(r.Context(), c)
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleMirrorPlan(w http.ResponseWriter, r *http.Request) {
	var spec mirror.Spec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode mirror spec: %w", err))
		return
	}
	plan, err := s.planner.BuildPlan(r.Context(), spec)
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

type applyRequest struct {
	Spec         mirror.Spec `json:"spec"`
	ApplyDeletes bool        `json:"apply_deletes"`
	Paused       bool        `json:"paused"`
}

type applyResponse struct {
	Plan   *mirror.Plan  `json:"plan"`
	Result mirror.Result `json:"result"`
	Error  string        `json:"error,omitempty"`
}

func (s *Server) handleMirrorApply(w http.ResponseWriter, r *http.Request) {
	var req applyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode mirror request: %w", err))
		return
	}
	plan, err := s.planner.BuildPlan(r.Context(), req.Spec)
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}

	opts := s.execOpts
	opts.ApplyDeletes = req.ApplyDeletes
	opts.Paused = req.Paused
	res, err := mirror.Execute(r.Context(), plan, s.queue, opts)
	resp := applyResponse{Plan: plan, Result: res}
	status := http.StatusOK
	if err != nil {
		// Jobs enqueued before the failure stay enqueued.
		resp.Error = err.Error()
		status = http.StatusMultiStatus
	}
	writeJSON(w, status, resp)
}

// handleEvents upgrades to a websocket and streams the current jobs followed
// by every change.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("Websocket upgrade failed")
		return
	}
	defer conn.Close()

	events, unsubscribe := s.queue.Subscribe(eventBuffer)
	defer unsubscribe()

	// The read loop only notices the peer going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	send := func(v any) error {
		if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
			return err
		}
		return conn.WriteJSON(v)
	}

	for _, snap := range s.queue.Snapshot() {
		if err := send(snap); err != nil {
			return
		}
	}

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	for {
		select {
		case <-gone:
			return
		case <-r.Context().Done():
			return
		case snap, ok := <-events:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "queue closed"),
					time.Now().Add(writeTimeout))
				return
			}
			if err := send(snap); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					s.log.WithError(err).Debug("Event stream write failed")
				}
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, engine.ErrQueueClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

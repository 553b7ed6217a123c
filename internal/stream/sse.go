// Package stream serves the per-session event stream the client listens to
// while recording and during analysis.
//
// The stream is server-sent events over a plain chi handler. State changes
// are detected by polling the session store twice a second and emitted only
// when something actually changed, so an idle stream costs two Redis reads
// per second and the occasional heartbeat.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/MrWong99/cantara/internal/fault"
	"github.com/MrWong99/cantara/internal/observe"
	"github.com/MrWong99/cantara/internal/session"
)

const (
	// pollInterval is how often the session store is probed for changes.
	pollInterval = 500 * time.Millisecond

	// heartbeatInterval keeps intermediaries from timing out a quiet stream.
	heartbeatInterval = 15 * time.Second

	// maxStreamDuration bounds one connection; clients reconnect.
	maxStreamDuration = 10 * time.Minute
)

// Event names on the wire.
const (
	EventConnected        = "connected"
	EventSessionStatus    = "session_status"
	EventTracksReady      = "tracks_ready"
	EventUserTracksReady  = "user_tracks_ready"
	EventAnalysisProgress = "analysis_progress"
	EventAnalysisComplete = "analysis_complete"
	EventAnalysisError    = "analysis_error"
	EventHeartbeat        = "heartbeat"
	EventTimeout          = "timeout"
)

// Handler streams session state changes as SSE. Mount it on the session
// events route.
type Handler struct {
	store   *session.Store
	log     *slog.Logger
	metrics *observe.Metrics

	// poll/heartbeat/maxAge are fields so tests can compress time.
	poll      time.Duration
	heartbeat time.Duration
	maxAge    time.Duration
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the logger. Defaults to slog.Default with the component.
func WithLogger(log *slog.Logger) Option {
	return func(h *Handler) { h.log = log }
}

// WithMetrics sets the metrics sink. Defaults to observe.DefaultMetrics.
func WithMetrics(m *observe.Metrics) Option {
	return func(h *Handler) { h.metrics = m }
}

// withIntervals compresses the stream clocks. Test hook.
func withIntervals(poll, heartbeat, maxAge time.Duration) Option {
	return func(h *Handler) {
		h.poll = poll
		h.heartbeat = heartbeat
		h.maxAge = maxAge
	}
}

// NewHandler creates a Handler over the session store.
func NewHandler(store *session.Store, opts ...Option) *Handler {
	h := &Handler{
		store:     store,
		poll:      pollInterval,
		heartbeat: heartbeatInterval,
		maxAge:    maxStreamDuration,
	}
	for _, o := range opts {
		o(h)
	}
	if h.log == nil {
		h.log = slog.Default().With("component", "stream")
	}
	if h.metrics == nil {
		h.metrics = observe.DefaultMetrics()
	}
	return h
}

// streamState tracks what has already been emitted so only changes go out.
type streamState struct {
	status      session.Status
	refStatus   session.ReferenceStatus
	tracksReady bool
	userReady   bool
	taskStep    string
	taskPercent int
}

// ServeHTTP implements the SSE endpoint. The session id comes from the chi
// route parameter.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx := r.Context()

	sess, err := h.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, fault.ErrNotFound) {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		http.Error(w, "session store unavailable", http.StatusBadGateway)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	// Disable proxy buffering so events reach the client immediately.
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	h.metrics.ActiveStreams.Add(ctx, 1)
	defer h.metrics.ActiveStreams.Add(context.WithoutCancel(ctx), -1)

	start := time.Now()
	h.emit(w, flusher, EventConnected, map[string]any{"session_id": id})

	st := &streamState{}
	if h.emitSessionState(w, flusher, sess, st) {
		return
	}

	poll := time.NewTicker(h.poll)
	defer poll.Stop()
	beat := time.NewTicker(h.heartbeat)
	defer beat.Stop()
	deadline := time.NewTimer(h.maxAge)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			h.emit(w, flusher, EventTimeout, map[string]any{
				"elapsed_seconds": int(time.Since(start).Seconds()),
			})
			return
		case <-beat.C:
			h.emit(w, flusher, EventHeartbeat, map[string]any{
				"elapsed_seconds": int(time.Since(start).Seconds()),
			})
		case <-poll.C:
			done, err := h.pollOnce(ctx, w, flusher, id, st)
			if err != nil {
				h.log.Warn("stream poll failed", "session_id", id, "error", err)
				continue
			}
			if done {
				return
			}
		}
	}
}

// pollOnce probes the store and emits whatever changed. Returns true when the
// stream reached a terminal event and should close.
func (h *Handler) pollOnce(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, id string, st *streamState) (bool, error) {
	sess, err := h.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, fault.ErrNotFound) {
			// The record expired mid-stream; tell the client and stop.
			h.emit(w, flusher, EventAnalysisError, map[string]any{"error": "session expirée"})
			return true, nil
		}
		return false, err
	}

	if !st.tracksReady {
		if at, ok, err := h.store.TracksReadyAt(ctx, id); err == nil && ok {
			st.tracksReady = true
			h.emit(w, flusher, EventTracksReady, map[string]any{"ready_at": at.Unix()})
		}
	}
	if !st.userReady {
		if at, ok, err := h.store.UserTracksReadyAt(ctx, id); err == nil && ok {
			st.userReady = true
			h.emit(w, flusher, EventUserTracksReady, map[string]any{"ready_at": at.Unix()})
		}
	}

	if sess.AnalysisTaskID != "" {
		task, err := h.store.GetTask(ctx, sess.AnalysisTaskID)
		if err == nil && (task.Step != st.taskStep || task.Percent != st.taskPercent) {
			st.taskStep = task.Step
			st.taskPercent = task.Percent
			h.emit(w, flusher, EventAnalysisProgress, map[string]any{
				"step":    task.Step,
				"percent": task.Percent,
				"detail":  task.Detail,
			})
		}
	}

	return h.emitSessionState(w, flusher, sess, st), nil
}

// emitSessionState publishes status transitions and terminal events. Returns
// true on a terminal state.
func (h *Handler) emitSessionState(w http.ResponseWriter, flusher http.Flusher, sess *session.Session, st *streamState) bool {
	if sess.Status != st.status || sess.ReferenceStatus != st.refStatus {
		st.status = sess.Status
		st.refStatus = sess.ReferenceStatus
		h.emit(w, flusher, EventSessionStatus, map[string]any{
			"status":           sess.Status,
			"reference_status": sess.ReferenceStatus,
		})
	}

	switch sess.Status {
	case session.StatusCompleted:
		payload := map[string]any{"session_id": sess.ID}
		if len(sess.Results) > 0 {
			payload["results"] = json.RawMessage(sess.Results)
		}
		h.emit(w, flusher, EventAnalysisComplete, payload)
		return true
	case session.StatusError:
		h.emit(w, flusher, EventAnalysisError, map[string]any{"error": sess.Error})
		return true
	}
	return false
}

// emit writes one SSE frame and flushes it.
func (h *Handler) emit(w http.ResponseWriter, flusher http.Flusher, event string, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		h.log.Warn("event marshal failed", "event", event, "error", err)
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, raw)
	flusher.Flush()
}

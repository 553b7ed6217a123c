// Package httpapi exposes the session lifecycle over HTTP.
//
// The surface is small: create a session, upload a recording, kick off the
// analysis, read the session back, and follow the event stream. All heavy
// work happens in queue workers; the handlers only validate, persist, and
// enqueue.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/MrWong99/cantara/internal/blobstore"
	"github.com/MrWong99/cantara/internal/fault"
	"github.com/MrWong99/cantara/internal/health"
	"github.com/MrWong99/cantara/internal/observe"
	"github.com/MrWong99/cantara/internal/session"
	"github.com/MrWong99/cantara/internal/stream"
	"github.com/MrWong99/cantara/internal/worker"
)

// maxUploadBytes caps a recording upload. A few minutes of WebM/Opus is
// single-digit megabytes; WAV from the fallback recorder is bigger.
const maxUploadBytes = 64 << 20

// BlobStore is the slice of the blob client the handlers need.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
	Exists(ctx context.Context, key string) bool
	PublicURL(key string) string
}

// Server wires the HTTP handlers to their stores and queues.
type Server struct {
	store  *session.Store
	blobs  BlobStore
	rdb    redis.UniversalClient
	events *stream.Handler
	health *health.Handler
	log    *slog.Logger
	newID  func() string
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Server) { s.log = log }
}

// WithHealth sets the health handler backing /healthz and /readyz.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) { s.health = h }
}

// withIDs replaces the id generator. Test hook.
func withIDs(newID func() string) Option {
	return func(s *Server) { s.newID = newID }
}

// New creates a Server. The stream handler is constructed here so the events
// route always shares the session store.
func New(store *session.Store, blobs BlobStore, rdb redis.UniversalClient, opts ...Option) (*Server, error) {
	if store == nil || blobs == nil || rdb == nil {
		return nil, errors.New("httpapi: store, blob store, and redis client are required")
	}
	s := &Server{
		store: store,
		blobs: blobs,
		rdb:   rdb,
		newID: func() string { return uuid.NewString() },
	}
	for _, o := range opts {
		o(s)
	}
	if s.log == nil {
		s.log = slog.Default().With("component", "httpapi")
	}
	if s.health == nil {
		s.health = health.New()
	}
	s.events = stream.NewHandler(store, stream.WithLogger(s.log))
	return s, nil
}

// Router assembles the chi router with the observability middleware.
func (s *Server) Router(metrics *observe.Metrics) chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(observe.Middleware(metrics))

	r.Route("/api/session", func(r chi.Router) {
		r.Post("/", s.createSession)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.getSession)
			r.Post("/upload", s.uploadRecording)
			r.Post("/analyze", s.startAnalysis)
			r.Get("/events", s.events.ServeHTTP)
		})
	})

	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	r.Get("/healthz", s.health.Healthz)
	r.Get("/readyz", s.health.Readyz)
	return r
}

// createRequest is the session creation payload.
type createRequest struct {
	SpotifyTrackID string `json:"spotify_track_id"`
	TrackName      string `json:"track_name"`
	ArtistName     string `json:"artist_name"`
	AlbumName      string `json:"album_name"`
	DurationMS     int    `json:"duration_ms"`
	YoutubeID      string `json:"youtube_id"`
	YoutubeURL     string `json:"youtube_url"`
}

// createSession registers a session and, when a reference video was chosen,
// queues its preparation so the stems are usually ready before the user
// finishes singing.
func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, fmt.Errorf("httpapi: decode body: %v: %w", err, fault.ErrValidation))
		return
	}
	if req.TrackName == "" || req.ArtistName == "" {
		s.writeError(w, r, fmt.Errorf("httpapi: track_name and artist_name are required: %w", fault.ErrValidation))
		return
	}

	sess := &session.Session{
		ID:             s.newID(),
		Status:         session.StatusCreated,
		SpotifyTrackID: req.SpotifyTrackID,
		TrackName:      req.TrackName,
		ArtistName:     req.ArtistName,
		AlbumName:      req.AlbumName,
		DurationMS:     req.DurationMS,
		YoutubeID:      req.YoutubeID,
		YoutubeURL:     req.YoutubeURL,
	}
	if req.YoutubeID != "" {
		sess.Status = session.StatusReferencePending
		sess.ReferenceStatus = session.ReferencePending
	}
	if err := s.store.Create(r.Context(), sess); err != nil {
		s.writeError(w, r, err)
		return
	}

	if req.YoutubeID != "" {
		err := worker.Enqueue(r.Context(), s.rdb, worker.QueueGPUHeavy, &worker.Job{
			Type:      worker.JobPrepareReference,
			SessionID: sess.ID,
			RefID:     req.YoutubeID,
			SourceURL: req.YoutubeURL,
		})
		if err != nil {
			// The session exists; preparation will be retried on analyze.
			s.log.Error("prepare enqueue failed", "session_id", sess.ID, "error", err)
		}
	}

	s.writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.store.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sess)
}

// uploadRecording stores the raw user recording. The container format is
// taken from the Content-Type header; browsers send audio/webm, the fallback
// recorder sends audio/wav.
func (s *Server) uploadRecording(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.Get(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}

	ext, contentType, err := recordingFormat(r.Header.Get("Content-Type"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxUploadBytes))
	if err != nil {
		s.writeError(w, r, fmt.Errorf("httpapi: read upload: %v: %w", err, fault.ErrValidation))
		return
	}
	if len(body) == 0 {
		s.writeError(w, r, fmt.Errorf("httpapi: empty upload: %w", fault.ErrValidation))
		return
	}

	key := blobstore.UserRecording(id, ext)
	if _, err := s.blobs.Put(r.Context(), key, body, contentType); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.store.Merge(r.Context(), id, map[string]any{"user_audio_path": key}); err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"session_id": id,
		"path":       key,
		"size":       len(body),
	})
}

// recordingFormat maps an upload content type onto a container extension.
func recordingFormat(contentType string) (ext, canonical string, err error) {
	ct := strings.ToLower(contentType)
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	switch ct {
	case "audio/webm", "video/webm":
		return "webm", "audio/webm", nil
	case "audio/wav", "audio/x-wav", "audio/wave":
		return "wav", "audio/wav", nil
	default:
		return "", "", fmt.Errorf("httpapi: unsupported content type %q: %w", contentType, fault.ErrValidation)
	}
}

// startAnalysis validates the session is analyzable, registers the task, and
// queues the job.
func (s *Server) startAnalysis(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, err := s.store.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if sess.YoutubeID == "" {
		s.writeError(w, r, fmt.Errorf("httpapi: session has no reference video: %w", fault.ErrValidation))
		return
	}
	if sess.UserAudioPath == "" {
		s.writeError(w, r, fmt.Errorf("httpapi: no recording uploaded: %w", fault.ErrValidation))
		return
	}
	if sess.Status == session.StatusAnalysing {
		s.writeError(w, r, fmt.Errorf("httpapi: analysis already running: %w", fault.ErrValidation))
		return
	}
	// A session whose reference is still preparing is accepted on purpose:
	// the analysis pipeline separates the reference inline when the cached
	// stems are not there yet, so queueing early just moves the wait into
	// the job.

	taskID := s.newID()
	task := &session.Task{ID: taskID, State: session.TaskPending, Percent: 0}
	if err := s.store.PutTask(r.Context(), task); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.store.Merge(r.Context(), id, map[string]any{
		"status":           session.StatusAnalysing,
		"analysis_task_id": taskID,
	}); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := worker.Enqueue(r.Context(), s.rdb, worker.QueueGPUHeavy, &worker.Job{
		Type:      worker.JobAnalyze,
		SessionID: id,
		TaskID:    taskID,
	}); err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusAccepted, map[string]any{
		"session_id": id,
		"task_id":    taskID,
		"status":     session.StatusAnalysing,
	})
}

// writeError maps the fault taxonomy onto HTTP statuses. Internal detail
// stays in the log; the client gets the sentinel class only.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	msg := "internal error"
	switch {
	case errors.Is(err, fault.ErrNotFound):
		status = http.StatusNotFound
		msg = "not found"
	case errors.Is(err, fault.ErrValidation):
		status = http.StatusBadRequest
		msg = err.Error()
	case errors.Is(err, fault.ErrUpstreamUnavailable):
		status = http.StatusBadGateway
		msg = "upstream unavailable"
	}
	if status >= 500 {
		s.log.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	s.writeJSON(w, status, map[string]any{"error": msg})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("response encode failed", "error", err)
	}
}

// Package session holds the short-lived per-performance state record and its
// Redis-backed store.
//
// A session is created when the client picks a track, carries the chosen
// reference video and the user upload through analysis, and expires three
// hours after creation. All mutation after creation goes through the store's
// atomic Merge so concurrent writers (HTTP handlers, pipeline workers, the
// event stream) can never drop each other's updates.
package session

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a session. Transitions are monotonic:
// created → reference_pending → reference_ready → analysing → completed|error.
type Status string

const (
	StatusCreated          Status = "created"
	StatusReferencePending Status = "reference_pending"
	StatusReferenceReady   Status = "reference_ready"
	StatusAnalysing        Status = "analysing"
	StatusCompleted        Status = "completed"
	StatusError            Status = "error"
)

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusError
}

// ReferenceStatus tracks the readiness of the shared reference artifacts
// independently of the session lifecycle.
type ReferenceStatus string

const (
	ReferencePending   ReferenceStatus = "pending"
	ReferencePreparing ReferenceStatus = "preparing"
	ReferenceReady     ReferenceStatus = "ready"
	ReferenceError     ReferenceStatus = "error"
)

// Session is the typed state record. Field names follow the wire format the
// client observes through the event stream and the read endpoint.
type Session struct {
	ID              string          `json:"session_id"`
	Status          Status          `json:"status"`
	ReferenceStatus ReferenceStatus `json:"reference_status,omitempty"`

	// Track metadata captured at creation.
	SpotifyTrackID string `json:"spotify_track_id,omitempty"`
	TrackName      string `json:"track_name,omitempty"`
	ArtistName     string `json:"artist_name,omitempty"`
	AlbumName      string `json:"album_name,omitempty"`
	DurationMS     int    `json:"duration_ms,omitempty"`

	// Reference video chosen for this track.
	YoutubeID  string `json:"youtube_id,omitempty"`
	YoutubeURL string `json:"youtube_url,omitempty"`

	// Recording locations.
	ReferencePath string `json:"reference_path,omitempty"`
	UserAudioPath string `json:"user_audio_path,omitempty"`

	// AnalysisTaskID identifies the running analysis job, if any.
	AnalysisTaskID string `json:"analysis_task_id,omitempty"`

	// Results is the terminal score bundle, set when Status is completed.
	Results json.RawMessage `json:"results,omitempty"`

	// Error is the short prose failure cause, set when Status is error.
	Error string `json:"error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

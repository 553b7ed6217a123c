// Package lyricsrc defines the Provider interface for reference-lyrics
// lookup backends.
//
// A lyrics source resolves track metadata (artist, title, album, duration)
// into the song's text, time-synchronised per line when the backend has it.
// Results feed both the lyrics-accuracy score and the word-timing display, so
// each record carries a sync-quality and provenance tag that drive the cache
// TTL policy downstream.
//
// Implementations must be safe for concurrent use.
package lyricsrc

import (
	"context"
	"fmt"

	"github.com/MrWong99/cantara/internal/fault"
)

// ErrNoLyrics is returned when a backend (or the whole chain) has no lyrics
// for the track. It wraps fault.ErrNotFound; callers cache the miss as a
// negative entry so the dead lookup is not repeated per session.
var ErrNoLyrics = fmt.Errorf("no lyrics found: %w", fault.ErrNotFound)

// Sync describes the timing quality of a lyrics record.
type Sync string

const (
	// SyncSynced means per-line timestamps are present.
	SyncSynced Sync = "synced"

	// SyncUnsynced means plain text only.
	SyncUnsynced Sync = "unsynced"
)

// Line is one time-synchronised lyrics line.
type Line struct {
	// TimeMS is the line's start offset into the track, in milliseconds.
	TimeMS int64 `json:"time_ms"`

	// Text is the line content.
	Text string `json:"text"`
}

// Query identifies the track to look up.
type Query struct {
	Artist     string
	Title      string
	Album      string
	DurationMS int64
}

// Record is a resolved lyrics result.
type Record struct {
	// Text is the full plain lyrics text.
	Text string `json:"text"`

	// Lines carries per-line timing when Sync is SyncSynced, nil otherwise.
	Lines []Line `json:"lines,omitempty"`

	// Sync is the timing quality of this record.
	Sync Sync `json:"sync"`

	// Provenance tags the trust level of the source ("professional",
	// "generated", ...). Drives cache TTL policy downstream.
	Provenance string `json:"provenance"`

	// Source names the backend that produced the record.
	Source string `json:"source"`
}

// Provider is the abstraction over any lyrics lookup backend.
//
// A track the backend does not know yields ErrNoLyrics; an unreachable
// backend yields an error wrapping fault.ErrUpstreamUnavailable.
type Provider interface {
	// Name identifies the backend for logs and chain bookkeeping.
	Name() string

	// Lookup resolves the query into a lyrics record.
	Lookup(ctx context.Context, q Query) (*Record, error)
}

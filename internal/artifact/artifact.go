// Package artifact implements the two-tier cache for computed artifacts:
// a one-hour in-memory hot tier in front of a relational cold tier keyed by
// content fingerprint.
//
// Two artifact classes live here: lyrics records and word-level timestamp
// sets. Separated stems and pitch contours are cached directly on the blob
// store under their reference fingerprint and never pass through this
// package.
//
// Expiry is per provenance: professionally sourced data lives a year,
// machine-generated data ninety days, user corrections never expire, and
// negative lookups are remembered for a week to suppress retry storms.
package artifact

import (
	"encoding/json"
	"fmt"
	"time"
)

// Class names one cold-tier table.
type Class string

const (
	ClassLyrics         Class = "lyrics"
	ClassWordTimestamps Class = "word_timestamps"
)

// Provenance tags where an artifact came from, which drives both TTL and
// read priority.
type Provenance string

const (
	// ProvenanceUserCorrected marks data fixed by hand. Highest priority,
	// never expires.
	ProvenanceUserCorrected Provenance = "user_corrected"

	// ProvenanceProfessional marks data from a curated upstream source.
	ProvenanceProfessional Provenance = "professional"

	// ProvenanceGenerated marks data produced by our own models, including
	// the groq_whisper STT tier.
	ProvenanceGenerated Provenance = "generated"
)

// TTLs per class and provenance.
const (
	ttlLyricsSynced   = 365 * 24 * time.Hour
	ttlLyricsUnsynced = 90 * 24 * time.Hour
	ttlNegative       = 7 * 24 * time.Hour
	ttlProfessional   = 365 * 24 * time.Hour
	ttlGenerated      = 90 * 24 * time.Hour
)

// hotTTL is the hot-tier residency regardless of the entry's own expiry.
const hotTTL = time.Hour

// Fingerprint identifies an artifact: class, track, and optionally the
// reference video the artifact was derived from. An empty RefID means the
// artifact applies to the track regardless of reference video.
type Fingerprint struct {
	Class   Class
	TrackID string
	RefID   string
}

// Key returns the canonical cache key for the fingerprint.
func (f Fingerprint) Key() string {
	ref := f.RefID
	if ref == "" {
		ref = "any"
	}
	return fmt.Sprintf("%s:%s:%s", f.Class, f.TrackID, ref)
}

// Entry is one cached artifact. Payload is class-specific JSON
// ([LyricsRecord] or [WordTimestamps]).
type Entry struct {
	Fingerprint  Fingerprint
	Payload      json.RawMessage
	Provenance   Provenance
	ModelVersion string
	Quality      map[string]float64
	Negative     bool
	CreatedAt    time.Time
	ExpiresAt    time.Time // zero means never expires
}

// Expired reports whether the entry is past its expiry at the given time.
func (e *Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// SyncQuality describes how a lyrics record is timed.
type SyncQuality string

const (
	SyncSynced   SyncQuality = "synced"
	SyncUnsynced SyncQuality = "unsynced"
	SyncNone     SyncQuality = "none"
)

// LyricsLine is one timed lyrics line. EndMS may be zero when the source
// only provides line starts.
type LyricsLine struct {
	Text    string `json:"text"`
	StartMS int    `json:"start_ms"`
	EndMS   int    `json:"end_ms,omitempty"`
}

// LyricsRecord is the payload of a ClassLyrics entry.
type LyricsRecord struct {
	Text       string       `json:"text"`
	Lines      []LyricsLine `json:"lines,omitempty"`
	Sync       SyncQuality  `json:"sync"`
	Provenance string       `json:"provenance,omitempty"`
}

// Word is one word-level timestamp.
type Word struct {
	Word       string  `json:"word"`
	StartMS    int     `json:"start_ms"`
	EndMS      int     `json:"end_ms"`
	Confidence float64 `json:"confidence,omitempty"`
}

// WordTimestamps is the payload of a ClassWordTimestamps entry.
type WordTimestamps struct {
	Words      []Word `json:"words"`
	Provenance string `json:"provenance,omitempty"`
}

// TTLFor returns the expiry duration for an entry; zero means never expires.
func TTLFor(class Class, prov Provenance, sync SyncQuality, negative bool) time.Duration {
	if negative {
		return ttlNegative
	}
	switch class {
	case ClassLyrics:
		if sync == SyncSynced {
			return ttlLyricsSynced
		}
		return ttlLyricsUnsynced
	case ClassWordTimestamps:
		switch prov {
		case ProvenanceUserCorrected:
			return 0
		case ProvenanceProfessional:
			return ttlProfessional
		default:
			return ttlGenerated
		}
	}
	return ttlGenerated
}

// provenanceRank orders provenances for read priority; higher wins.
func provenanceRank(p Provenance) int {
	switch p {
	case ProvenanceUserCorrected:
		return 3
	case ProvenanceProfessional:
		return 2
	case ProvenanceGenerated:
		return 1
	}
	return 0
}

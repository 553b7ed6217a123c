package analysis

import "math"

// Aggregate weights: pitch dominates, rhythm and lyrics share the rest.
const (
	weightPitch  = 0.4
	weightRhythm = 0.3
	weightLyrics = 0.3
)

// JuryComment is one judge's verdict on the performance.
type JuryComment struct {
	Persona   string `json:"persona"`
	Comment   string `json:"comment"`
	Vote      string `json:"vote"` // "yes" or "no"
	Model     string `json:"model"`
	LatencyMS int64  `json:"latency_ms"`
}

// Result is the terminal score bundle written into the session record and
// delivered through the event stream.
type Result struct {
	SessionID      string        `json:"session_id"`
	Score          int           `json:"score"`
	PitchAccuracy  float64       `json:"pitch_accuracy"`
	RhythmAccuracy float64       `json:"rhythm_accuracy"`
	LyricsAccuracy float64       `json:"lyrics_accuracy"`
	JuryComments   []JuryComment `json:"jury_comments"`
	Warnings       []string      `json:"warnings"`
	AutoSync       SyncRecord    `json:"auto_sync"`
}

// Aggregate combines the three accuracies into the headline score:
// round(0.4·pitch + 0.3·rhythm + 0.3·lyrics).
func Aggregate(pitch, rhythm, lyrics float64) int {
	return int(math.Round(weightPitch*pitch + weightRhythm*rhythm + weightLyrics*lyrics))
}

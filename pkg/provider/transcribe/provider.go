// Package transcribe defines the Provider interface for batch speech-to-text
// backends.
//
// A transcription provider takes a complete WAV-encoded vocal stem and returns
// the sung text, with per-word timing when the backend supports it. Unlike a
// live captioning pipeline there is no streaming session: scoring always runs
// over a finished recording, so the interface is a single call.
//
// Implementations must be safe for concurrent use.
package transcribe

import "context"

// Word holds per-word timing from backends that report it.
type Word struct {
	// Word is the recognised token, whitespace-trimmed.
	Word string `json:"word"`

	// Start and End are offsets into the recording, in seconds.
	Start float64 `json:"start"`
	End   float64 `json:"end"`

	// Confidence is the recognition probability (0.0–1.0). Zero when the
	// backend does not report one.
	Confidence float64 `json:"confidence,omitempty"`
}

// Request carries the audio and recognition hints for one transcription.
type Request struct {
	// WAV is the complete WAV-encoded recording.
	WAV []byte

	// Language is the ISO 639-1 language hint (e.g., "fr"). Empty lets the
	// backend auto-detect.
	Language string

	// Prompt biases recognition towards expected vocabulary, typically the
	// reference lyrics. Backends without prompt support ignore it.
	Prompt string
}

// Transcription is the result of one batch recognition run.
type Transcription struct {
	// Text is the full transcribed text.
	Text string `json:"text"`

	// Words is the per-word timing, in recording order. May be empty when the
	// backend does not produce word timestamps.
	Words []Word `json:"words,omitempty"`

	// Language is the detected or confirmed language code.
	Language string `json:"language,omitempty"`

	// Provenance tags which backend family produced the result (e.g.,
	// "local_whisper", "groq_whisper"). Drives cache TTL policy downstream.
	Provenance string `json:"provenance"`

	// Model names the specific model, when reported.
	Model string `json:"model,omitempty"`
}

// Provider is the abstraction over any batch speech-to-text backend.
//
// Errors follow the fault taxonomy: an unreachable or overloaded backend
// yields an error wrapping fault.ErrUpstreamUnavailable; audio the backend
// rejects yields an error wrapping fault.ErrValidation.
type Provider interface {
	// Name identifies the backend for logs and fallback bookkeeping.
	Name() string

	// Transcribe runs recognition over the full recording.
	Transcribe(ctx context.Context, req Request) (*Transcription, error)
}

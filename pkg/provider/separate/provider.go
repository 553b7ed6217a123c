// Package separate defines the Provider interface for vocal/instrumental
// source separation backends.
//
// A separation provider wraps a GPU-backed stem-splitting service (e.g., a
// Demucs HTTP server) and exposes a uniform batch interface: one call takes a
// full mixed recording and returns the isolated vocal and instrumental stems
// as WAV bytes.
//
// Implementations must be safe for concurrent use.
package separate

import (
	"context"
)

// Stems holds the two output tracks of a separation run, both WAV-encoded.
type Stems struct {
	// Vocals is the isolated vocal stem.
	Vocals []byte

	// Instrumentals is the accompaniment stem (everything but the vocals).
	Instrumentals []byte

	// Model names the separation model that produced the stems, when the
	// backend reports it.
	Model string
}

// Provider is the abstraction over any source-separation backend.
//
// Errors follow the fault taxonomy: a backend that is down, overloaded, or
// mid-restart yields an error wrapping fault.ErrUpstreamUnavailable so callers
// may retry; audio the backend rejects as undecodable yields an error wrapping
// fault.ErrValidation and must not be retried.
type Provider interface {
	// Separate splits the mixed recording into stems. audio must be a complete
	// encoded file; filename carries the original name so the backend can pick
	// a decoder from the extension.
	Separate(ctx context.Context, audio []byte, filename string) (*Stems, error)
}

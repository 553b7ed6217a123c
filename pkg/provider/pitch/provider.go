// Package pitch defines the Provider interface for fundamental-frequency
// extraction backends.
//
// A pitch provider wraps an F0-tracking service (e.g., a CREPE or SwiftF1
// HTTP server) and returns the contour as an NPZ artifact holding the
// time/frequency/confidence arrays on a 10 ms grid.
//
// Implementations must be safe for concurrent use.
package pitch

import "context"

// Mode selects the accuracy/latency trade-off of the extraction model.
type Mode string

const (
	// ModeFast favours latency; used for the user recording where the
	// performance is judged against an already-precise reference.
	ModeFast Mode = "fast"

	// ModeAccurate favours precision; used once per reference track and then
	// cached indefinitely.
	ModeAccurate Mode = "accurate"
)

// Provider is the abstraction over any pitch-extraction backend.
//
// Errors follow the fault taxonomy: an unreachable or overloaded backend
// yields an error wrapping fault.ErrUpstreamUnavailable; audio the backend
// cannot decode yields an error wrapping fault.ErrValidation.
type Provider interface {
	// Extract runs F0 tracking over a WAV-encoded vocal stem and returns the
	// contour as NPZ bytes. The result is validated structurally before being
	// returned.
	Extract(ctx context.Context, wav []byte, mode Mode) ([]byte, error)
}

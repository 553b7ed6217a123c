// Package fault defines the shared error taxonomy of the Cantara engine.
//
// Components classify failures into a small set of sentinel errors so that
// callers can decide between retrying, degrading, and surfacing an error to
// the client without inspecting error strings. Wrap the sentinels with
// fmt.Errorf("...: %w", fault.ErrNotFound) and test with errors.Is.
package fault

import "errors"

var (
	// ErrNotFound marks an absent session, blob, or cache entry. Surfaced to
	// clients as a 404.
	ErrNotFound = errors.New("not found")

	// ErrValidation marks bad caller input, such as triggering analysis
	// before the reference is ready. Surfaced to clients as a 400.
	ErrValidation = errors.New("validation failed")

	// ErrUpstreamUnavailable marks a transient failure of the blob store or
	// an inference service. Callers retry per their own policy.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrIntegrity marks a cached artifact that is present but corrupt. The
	// holder recomputes the artifact; the error is logged, never surfaced.
	ErrIntegrity = errors.New("artifact integrity check failed")
)

// Retryable reports whether err is worth retrying against the same upstream.
func Retryable(err error) bool {
	return errors.Is(err, ErrUpstreamUnavailable)
}

// Package mock provides a test double for the pitch.Provider interface.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/cantara/pkg/provider/pitch"
)

// Call records a single invocation of Extract.
type Call struct {
	// Ctx is the context passed to Extract.
	Ctx context.Context
	// WAVLen is the byte length of the uploaded audio.
	WAVLen int
	// Mode is the extraction mode requested.
	Mode pitch.Mode
}

// Result is one scripted outcome for an Extract call.
type Result struct {
	NPZ []byte
	Err error
}

// Provider is a mock implementation of pitch.Provider.
// Zero values cause Extract to return nil, nil. Set Err to inject errors, or
// Results to script distinct outcomes per call.
type Provider struct {
	mu sync.Mutex

	// NPZ is returned by Extract when Results is exhausted.
	NPZ []byte

	// Err, if non-nil, is returned by Extract when Results is exhausted.
	Err error

	// Results, when non-empty, is consumed one entry per call.
	Results []Result

	// Calls records every invocation in order.
	Calls []Call
}

// Extract records the call and returns the next scripted result.
func (p *Provider) Extract(ctx context.Context, wav []byte, mode pitch.Mode) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = append(p.Calls, Call{Ctx: ctx, WAVLen: len(wav), Mode: mode})
	if len(p.Results) > 0 {
		next := p.Results[0]
		p.Results = p.Results[1:]
		return next.NPZ, next.Err
	}
	return p.NPZ, p.Err
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = nil
}

// Ensure Provider implements pitch.Provider at compile time.
var _ pitch.Provider = (*Provider)(nil)

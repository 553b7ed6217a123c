// Package mock provides a test double for the separate.Provider interface.
//
// Zero values for response fields cause Separate to return nil, nil. Set Err
// to inject errors, or Results to script distinct outcomes per call.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/cantara/pkg/provider/separate"
)

// Call records a single invocation of Separate.
type Call struct {
	// Ctx is the context passed to Separate.
	Ctx context.Context
	// AudioLen is the byte length of the uploaded audio.
	AudioLen int
	// Filename is the filename passed to Separate.
	Filename string
}

// Result is one scripted outcome for a Separate call.
type Result struct {
	Stems *separate.Stems
	Err   error
}

// Provider is a mock implementation of separate.Provider.
type Provider struct {
	mu sync.Mutex

	// Stems is returned by Separate when Results is exhausted.
	Stems *separate.Stems

	// Err, if non-nil, is returned by Separate when Results is exhausted.
	Err error

	// Results, when non-empty, is consumed one entry per call before falling
	// back to Stems/Err.
	Results []Result

	// Calls records every invocation in order.
	Calls []Call
}

// Separate records the call and returns the next scripted result.
func (p *Provider) Separate(ctx context.Context, audio []byte, filename string) (*separate.Stems, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = append(p.Calls, Call{Ctx: ctx, AudioLen: len(audio), Filename: filename})
	if len(p.Results) > 0 {
		next := p.Results[0]
		p.Results = p.Results[1:]
		return next.Stems, next.Err
	}
	return p.Stems, p.Err
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = nil
}

// Ensure Provider implements separate.Provider at compile time.
var _ separate.Provider = (*Provider)(nil)

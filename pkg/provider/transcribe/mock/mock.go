// Package mock provides a test double for the transcribe.Provider interface.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/cantara/pkg/provider/transcribe"
)

// Call records a single invocation of Transcribe.
type Call struct {
	// Ctx is the context passed to Transcribe.
	Ctx context.Context
	// Req is the request passed to Transcribe (WAV replaced by its length).
	WAVLen   int
	Language string
	Prompt   string
}

// Result is one scripted outcome for a Transcribe call.
type Result struct {
	Transcription *transcribe.Transcription
	Err           error
}

// Provider is a mock implementation of transcribe.Provider.
// Zero values cause Transcribe to return nil, nil.
type Provider struct {
	mu sync.Mutex

	// ProviderName is returned by Name. Defaults to "mock".
	ProviderName string

	// Transcription is returned when Results is exhausted.
	Transcription *transcribe.Transcription

	// Err, if non-nil, is returned when Results is exhausted.
	Err error

	// Results, when non-empty, is consumed one entry per call.
	Results []Result

	// Calls records every invocation in order.
	Calls []Call
}

// Name implements transcribe.Provider.
func (p *Provider) Name() string {
	if p.ProviderName == "" {
		return "mock"
	}
	return p.ProviderName
}

// Transcribe records the call and returns the next scripted result.
func (p *Provider) Transcribe(ctx context.Context, req transcribe.Request) (*transcribe.Transcription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = append(p.Calls, Call{
		Ctx:      ctx,
		WAVLen:   len(req.WAV),
		Language: req.Language,
		Prompt:   req.Prompt,
	})
	if len(p.Results) > 0 {
		next := p.Results[0]
		p.Results = p.Results[1:]
		return next.Transcription, next.Err
	}
	return p.Transcription, p.Err
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = nil
}

// Ensure Provider implements transcribe.Provider at compile time.
var _ transcribe.Provider = (*Provider)(nil)

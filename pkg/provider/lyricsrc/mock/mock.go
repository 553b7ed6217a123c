// Package mock provides a test double for the lyricsrc.Provider interface.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/cantara/pkg/provider/lyricsrc"
)

// Call records a single invocation of Lookup.
type Call struct {
	// Ctx is the context passed to Lookup.
	Ctx context.Context
	// Query is the query passed to Lookup.
	Query lyricsrc.Query
}

// Provider is a mock implementation of lyricsrc.Provider.
// Zero values cause Lookup to return nil, nil.
type Provider struct {
	mu sync.Mutex

	// ProviderName is returned by Name. Defaults to "mock".
	ProviderName string

	// Record is returned by Lookup.
	Record *lyricsrc.Record

	// Err, if non-nil, is returned by Lookup.
	Err error

	// Calls records every invocation in order.
	Calls []Call
}

// Name implements lyricsrc.Provider.
func (p *Provider) Name() string {
	if p.ProviderName == "" {
		return "mock"
	}
	return p.ProviderName
}

// Lookup records the call and returns Record, Err.
func (p *Provider) Lookup(ctx context.Context, q lyricsrc.Query) (*lyricsrc.Record, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = append(p.Calls, Call{Ctx: ctx, Query: q})
	return p.Record, p.Err
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = nil
}

// Ensure Provider implements lyricsrc.Provider at compile time.
var _ lyricsrc.Provider = (*Provider)(nil)

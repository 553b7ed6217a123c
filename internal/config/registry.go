package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/cantara/pkg/provider/llm"
	"github.com/MrWong99/cantara/pkg/provider/lyricsrc"
	"github.com/MrWong99/cantara/pkg/provider/transcribe"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to their constructor functions for each
// provider type. It is safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	llm        map[string]func(ProviderEntry) (llm.Provider, error)
	transcribe map[string]func(ProviderEntry) (transcribe.Provider, error)
	lyrics     map[string]func(ProviderEntry) (lyricsrc.Provider, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		llm:        make(map[string]func(ProviderEntry) (llm.Provider, error)),
		transcribe: make(map[string]func(ProviderEntry) (transcribe.Provider, error)),
		lyrics:     make(map[string]func(ProviderEntry) (lyricsrc.Provider, error)),
	}
}

// RegisterLLM registers an LLM provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterLLM(name string, factory func(ProviderEntry) (llm.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llm[name] = factory
}

// RegisterTranscribe registers a speech-to-text provider factory under name.
func (r *Registry) RegisterTranscribe(name string, factory func(ProviderEntry) (transcribe.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transcribe[name] = factory
}

// RegisterLyrics registers a lyrics source factory under name.
func (r *Registry) RegisterLyrics(name string, factory func(ProviderEntry) (lyricsrc.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lyrics[name] = factory
}

// CreateLLM instantiates an LLM provider using the factory registered under entry.Name.
// Returns [ErrProviderNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateLLM(entry ProviderEntry) (llm.Provider, error) {
	r.mu.RLock()
	factory, ok := r.llm[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: llm/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateTranscribe instantiates a speech-to-text provider using the factory
// registered under entry.Name.
func (r *Registry) CreateTranscribe(entry ProviderEntry) (transcribe.Provider, error) {
	r.mu.RLock()
	factory, ok := r.transcribe[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: transcribe/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateLyrics instantiates a lyrics source using the factory registered
// under entry.Name.
func (r *Registry) CreateLyrics(entry ProviderEntry) (lyricsrc.Provider, error) {
	r.mu.RLock()
	factory, ok := r.lyrics[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: lyrics/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

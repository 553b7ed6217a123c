package transcribe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/MrWong99/cantara/internal/fault"
	"github.com/MrWong99/cantara/internal/resilience"
)

// Chain is a tiered transcription frontend: each call walks the registered
// providers in order until one succeeds. A validation failure stops the walk
// at once, since every backend would reject the same input.
//
// Chain is safe for concurrent use.
type Chain struct {
	group *resilience.FallbackGroup[Provider]
	log   *slog.Logger
}

// ChainOption is a functional option for configuring a Chain.
type ChainOption func(*Chain)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) ChainOption {
	return func(c *Chain) { c.log = log }
}

// NewChain builds a Chain over the given providers, in failover order. At
// least one provider is required.
func NewChain(providers []Provider, opts ...ChainOption) (*Chain, error) {
	if len(providers) == 0 {
		return nil, errors.New("transcribe: chain needs at least one provider")
	}

	cfg := resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{MaxFailures: 3},
		Fatal: func(err error) bool {
			return errors.Is(err, fault.ErrValidation)
		},
	}
	group := resilience.NewFallbackGroup(providers[0], providers[0].Name(), cfg)
	for _, p := range providers[1:] {
		group.AddFallback(p.Name(), p)
	}

	c := &Chain{group: group, log: slog.Default()}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Name implements Provider, so a Chain can itself sit inside another chain.
func (c *Chain) Name() string { return "chain" }

// Tiers returns the provider names in failover order.
func (c *Chain) Tiers() []string { return c.group.Names() }

// Transcribe implements Provider by failing over across the tiers.
func (c *Chain) Transcribe(ctx context.Context, req Request) (*Transcription, error) {
	tr, err := resilience.ExecuteWithResult(ctx, c.group, func(ctx context.Context, p Provider) (*Transcription, error) {
		return p.Transcribe(ctx, req)
	})
	if err != nil {
		if errors.Is(err, resilience.ErrAllFailed) {
			return nil, fmt.Errorf("transcribe: %v: %w", err, fault.ErrUpstreamUnavailable)
		}
		return nil, err
	}
	c.log.Debug("transcription complete",
		"provenance", tr.Provenance, "words", len(tr.Words))
	return tr, nil
}

// Compile-time assertion that Chain satisfies Provider.
var _ Provider = (*Chain)(nil)

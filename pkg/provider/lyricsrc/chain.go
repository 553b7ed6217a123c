package lyricsrc

import (
	"context"
	"errors"
	"log/slog"
)

// Chain walks lyrics sources in order and returns the first hit. A source
// miss (ErrNoLyrics) moves on to the next source; an outage does too, so one
// dead backend cannot blank out lyrics scoring while another still knows the
// song. Only when every source misses or fails does the chain report
// ErrNoLyrics; the caller caches that as a negative entry.
//
// Chain is safe for concurrent use.
type Chain struct {
	providers []Provider
	log       *slog.Logger
}

// ChainOption is a functional option for configuring a Chain.
type ChainOption func(*Chain)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) ChainOption {
	return func(c *Chain) { c.log = log }
}

// NewChain builds a Chain over the given sources, in lookup order. At least
// one source is required.
func NewChain(providers []Provider, opts ...ChainOption) (*Chain, error) {
	if len(providers) == 0 {
		return nil, errors.New("lyricsrc: chain needs at least one provider")
	}
	c := &Chain{providers: providers, log: slog.Default()}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Name implements Provider.
func (c *Chain) Name() string { return "chain" }

// Lookup implements Provider.
func (c *Chain) Lookup(ctx context.Context, q Query) (*Record, error) {
	for _, p := range c.providers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rec, err := p.Lookup(ctx, q)
		if err == nil {
			c.log.Debug("lyrics resolved",
				"source", p.Name(), "sync", rec.Sync, "artist", q.Artist, "title", q.Title)
			return rec, nil
		}
		if errors.Is(err, ErrNoLyrics) {
			c.log.Debug("lyrics source miss", "source", p.Name(), "artist", q.Artist, "title", q.Title)
			continue
		}
		c.log.Warn("lyrics source failed, trying next",
			"source", p.Name(), "error", err)
	}
	return nil, ErrNoLyrics
}

// Compile-time assertion that Chain satisfies Provider.
var _ Provider = (*Chain)(nil)

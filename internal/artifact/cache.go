package artifact

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// Cache is the two-tier artifact cache: a process-local hot map backed by a
// [ColdStore]. Safe for concurrent use.
type Cache struct {
	hot  *hotTier
	cold ColdStore
	log  *slog.Logger
	now  func() time.Time
}

// CacheOption is a functional option for configuring a Cache.
type CacheOption func(*Cache)

// WithLogger sets the cache logger. Defaults to slog.Default.
func WithLogger(log *slog.Logger) CacheOption {
	return func(c *Cache) {
		c.log = log
	}
}

// withClock overrides the cache clock. Test hook.
func withClock(now func() time.Time) CacheOption {
	return func(c *Cache) {
		c.now = now
		c.hot = newHotTier(now)
	}
}

// NewCache creates a Cache over the given cold store.
func NewCache(cold ColdStore, opts ...CacheOption) *Cache {
	c := &Cache{
		hot:  newHotTier(time.Now),
		cold: cold,
		log:  slog.Default(),
		now:  time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Get returns the entry under the exact fingerprint, probing hot then cold
// and backfilling hot on a cold hit. Absent and expired entries return
// (nil, nil).
func (c *Cache) Get(ctx context.Context, fp Fingerprint) (*Entry, error) {
	key := fp.Key()
	if e := c.hot.get(key); e != nil {
		return e, nil
	}

	e, err := c.cold.Get(ctx, fp)
	if err != nil {
		return nil, err
	}
	if e == nil || e.Expired(c.now()) {
		return nil, nil
	}
	c.hot.set(key, e)
	return e, nil
}

// Best returns the highest-priority live entry of the class for a track:
// an exact reference-video match beats any other entry, then provenance
// decides (user corrections over professional sources over generated data),
// then recency. Negative entries participate so that a recent both-providers-
// missed result suppresses fresh lookups. Returns (nil, nil) when nothing
// usable exists.
func (c *Cache) Best(ctx context.Context, class Class, trackID, refID string) (*Entry, error) {
	// Fast path: the exact fingerprint is hot.
	if refID != "" {
		if e := c.hot.get(Fingerprint{Class: class, TrackID: trackID, RefID: refID}.Key()); e != nil {
			return e, nil
		}
	}

	candidates, err := c.cold.Candidates(ctx, class, trackID)
	if err != nil {
		return nil, err
	}

	var best *Entry
	for _, e := range candidates {
		if e.Expired(c.now()) {
			continue
		}
		if best == nil || betterThan(e, best, refID) {
			best = e
		}
	}
	if best == nil {
		return nil, nil
	}
	c.hot.set(best.Fingerprint.Key(), best)
	return best, nil
}

// betterThan reports whether a should be preferred over b for the given
// reference video.
func betterThan(a, b *Entry, refID string) bool {
	aExact := refID != "" && a.Fingerprint.RefID == refID
	bExact := refID != "" && b.Fingerprint.RefID == refID
	if aExact != bExact {
		return aExact
	}
	ar, br := provenanceRank(a.Provenance), provenanceRank(b.Provenance)
	if ar != br {
		return ar > br
	}
	return a.CreatedAt.After(b.CreatedAt)
}

// Set computes the entry's expiry from the TTL policy and upserts it into
// both tiers. sync is only consulted for lyrics entries; pass SyncNone
// otherwise.
func (c *Cache) Set(ctx context.Context, e *Entry, sync SyncQuality) error {
	ttl := TTLFor(e.Fingerprint.Class, e.Provenance, sync, e.Negative)
	if ttl > 0 {
		e.ExpiresAt = c.now().Add(ttl)
	} else {
		e.ExpiresAt = time.Time{}
	}

	if err := c.cold.Upsert(ctx, e); err != nil {
		return err
	}
	c.hot.set(e.Fingerprint.Key(), e)
	return nil
}

// SetLyrics stores a lyrics record under the fingerprint. A record with
// SyncNone is treated as a negative lookup.
func (c *Cache) SetLyrics(ctx context.Context, fp Fingerprint, rec *LyricsRecord, prov Provenance) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("artifact: marshal lyrics: %w", err)
	}
	e := &Entry{
		Fingerprint: fp,
		Payload:     payload,
		Provenance:  prov,
		Negative:    rec.Sync == SyncNone,
	}
	return c.Set(ctx, e, rec.Sync)
}

// SetWordTimestamps stores a word-timestamp set under the fingerprint.
func (c *Cache) SetWordTimestamps(ctx context.Context, fp Fingerprint, wt *WordTimestamps, prov Provenance, modelVersion string) error {
	payload, err := json.Marshal(wt)
	if err != nil {
		return fmt.Errorf("artifact: marshal word timestamps: %w", err)
	}
	e := &Entry{
		Fingerprint:  fp,
		Payload:      payload,
		Provenance:   prov,
		ModelVersion: modelVersion,
	}
	return c.Set(ctx, e, SyncNone)
}

// Invalidate drops the entry under the fingerprint from both tiers.
func (c *Cache) Invalidate(ctx context.Context, fp Fingerprint) error {
	c.hot.invalidate(fp.Key())
	return c.cold.Delete(ctx, fp)
}

// CleanupExpired sweeps both tiers and returns the number of cold rows
// removed. Called on demand and hourly by the reaper.
func (c *Cache) CleanupExpired(ctx context.Context) (int64, error) {
	dropped := c.hot.sweep()
	removed, err := c.cold.DeleteExpired(ctx)
	if err != nil {
		return removed, err
	}
	if dropped > 0 || removed > 0 {
		c.log.Debug("artifact cache sweep", "hot_dropped", dropped, "cold_removed", removed)
	}
	return removed, nil
}

// Stats reports cache occupancy for diagnostics.
func (c *Cache) Stats() map[string]int {
	return map[string]int{"hot_entries": c.hot.size()}
}

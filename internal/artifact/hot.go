package artifact

import (
	"sync"
	"time"
)

// hotEntry pairs an entry with its hot-tier residency deadline. The deadline
// is independent of the entry's own expiry; the hot tier only shields the
// cold tier from repeated reads within an hour.
type hotEntry struct {
	entry     *Entry
	staleAt   time.Time
}

// hotTier is the in-memory TTL map in front of the cold store.
// Safe for concurrent use. Expired entries are dropped lazily on read and
// during Sweep.
type hotTier struct {
	mu  sync.Mutex
	m   map[string]hotEntry
	now func() time.Time
}

func newHotTier(now func() time.Time) *hotTier {
	if now == nil {
		now = time.Now
	}
	return &hotTier{m: make(map[string]hotEntry), now: now}
}

// get returns the live entry under key, or nil when absent or stale. Entries
// whose own expiry has passed are also treated as absent.
func (h *hotTier) get(key string) *Entry {
	h.mu.Lock()
	defer h.mu.Unlock()

	he, ok := h.m[key]
	if !ok {
		return nil
	}
	now := h.now()
	if now.After(he.staleAt) || he.entry.Expired(now) {
		delete(h.m, key)
		return nil
	}
	return he.entry
}

// set stores the entry under key for the hot TTL.
func (h *hotTier) set(key string, e *Entry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.m[key] = hotEntry{entry: e, staleAt: h.now().Add(hotTTL)}
}

// invalidate drops the entry under key, if any.
func (h *hotTier) invalidate(key string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.m, key)
}

// sweep removes stale and expired entries and returns how many were dropped.
func (h *hotTier) sweep() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.now()
	dropped := 0
	for key, he := range h.m {
		if now.After(he.staleAt) || he.entry.Expired(now) {
			delete(h.m, key)
			dropped++
		}
	}
	return dropped
}

// size returns the number of resident entries, stale or not.
func (h *hotTier) size() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.m)
}

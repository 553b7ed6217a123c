// Package reaper removes session-scoped artifacts once a session has aged
// out.
//
// Session records expire on their own through the Redis TTL. What the TTL
// cannot remove is the derived data a session leaves behind: uploaded
// recordings and separated stems in the blob store, staging directories from
// crashed pipelines, and expired artifact cache rows. The reaper sweeps those
// hourly. Per-reference cache objects are shared across sessions and are
// never touched.
package reaper

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/MrWong99/cantara/internal/artifact"
	"github.com/MrWong99/cantara/internal/blobstore"
	"github.com/MrWong99/cantara/internal/session"
)

const (
	// sweepInterval is the pause between sweeps.
	sweepInterval = time.Hour

	// sessionMaxAge is how old a session must be before its derived blobs
	// go. Shorter than the record TTL so the client can still read the final
	// state after the audio is gone.
	sessionMaxAge = 2 * time.Hour

	// stagingMaxAge is how long an untouched staging directory may linger.
	// Live pipelines finish well within this.
	stagingMaxAge = 2 * time.Hour
)

// BlobStore is the slice of the blob client the reaper needs.
type BlobStore interface {
	Delete(ctx context.Context, key string)
}

// Reaper sweeps aged session artifacts. Safe to run exactly one per
// deployment; concurrent reapers only waste deletes.
type Reaper struct {
	store       *session.Store
	blobs       BlobStore
	cache       *artifact.Cache
	stagingRoot string
	log         *slog.Logger

	interval time.Duration
	maxAge   time.Duration
	now      func() time.Time
}

// Option configures a Reaper.
type Option func(*Reaper)

// WithCache enables expired artifact cache rows to be swept too.
func WithCache(c *artifact.Cache) Option {
	return func(r *Reaper) { r.cache = c }
}

// WithStagingRoot enables stale staging directory cleanup under root.
func WithStagingRoot(root string) Option {
	return func(r *Reaper) { r.stagingRoot = root }
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(r *Reaper) { r.log = log }
}

// withClocks compresses the sweep cadence and age thresholds. Test hook.
func withClocks(interval, maxAge time.Duration, now func() time.Time) Option {
	return func(r *Reaper) {
		r.interval = interval
		r.maxAge = maxAge
		if now != nil {
			r.now = now
		}
	}
}

// New creates a Reaper over the session store and blob store.
func New(store *session.Store, blobs BlobStore, opts ...Option) *Reaper {
	r := &Reaper{
		store:    store,
		blobs:    blobs,
		interval: sweepInterval,
		maxAge:   sessionMaxAge,
		now:      time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	if r.log == nil {
		r.log = slog.Default().With("component", "reaper")
	}
	return r
}

// Run sweeps once immediately, then on every interval tick until the context
// is cancelled.
func (r *Reaper) Run(ctx context.Context) error {
	r.Sweep(ctx)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep performs one full pass. Every step is best-effort; a failing store
// never blocks the others.
func (r *Reaper) Sweep(ctx context.Context) {
	start := r.now()
	reaped := r.sweepSessions(ctx)
	staged := r.sweepStaging()
	var rows int64
	if r.cache != nil {
		var err error
		rows, err = r.cache.CleanupExpired(ctx)
		if err != nil {
			r.log.Warn("artifact cleanup failed", "error", err)
		}
	}
	r.log.Info("sweep done",
		"sessions", reaped, "staging_dirs", staged, "cache_rows", rows,
		"elapsed", time.Since(start).Round(time.Millisecond))
}

// sweepSessions deletes the derived blobs of every session past the age
// threshold and returns how many sessions were processed. Deleting twice is
// harmless, so no reaped marker is kept.
func (r *Reaper) sweepSessions(ctx context.Context) int {
	ids, err := r.store.Scan(ctx)
	if err != nil {
		r.log.Warn("session scan failed", "error", err)
		return 0
	}

	reaped := 0
	cutoff := r.now().Add(-r.maxAge)
	for _, id := range ids {
		sess, err := r.store.Get(ctx, id)
		if err != nil {
			continue
		}
		if sess.CreatedAt.After(cutoff) {
			continue
		}
		for _, key := range blobstore.SessionDerived(id) {
			r.blobs.Delete(ctx, key)
		}
		reaped++
	}
	return reaped
}

// sweepStaging removes staging directories untouched past the age threshold.
func (r *Reaper) sweepStaging() int {
	if r.stagingRoot == "" {
		return 0
	}
	entries, err := os.ReadDir(r.stagingRoot)
	if err != nil {
		r.log.Warn("staging scan failed", "root", r.stagingRoot, "error", err)
		return 0
	}

	removed := 0
	cutoff := r.now().Add(-stagingMaxAge)
	if r.maxAge < stagingMaxAge {
		cutoff = r.now().Add(-r.maxAge)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(r.stagingRoot, e.Name())
		if err := os.RemoveAll(path); err != nil {
			r.log.Warn("staging remove failed", "path", path, "error", err)
			continue
		}
		removed++
	}
	return removed
}

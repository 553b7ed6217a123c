package reaper

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/MrWong99/cantara/internal/artifact"
	"github.com/MrWong99/cantara/internal/blobstore"
	"github.com/MrWong99/cantara/internal/session"
)

// fakeBlobs records delete calls.
type fakeBlobs struct {
	mu      sync.Mutex
	deleted []string
}

func (f *fakeBlobs) Delete(_ context.Context, key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, key)
}

func (f *fakeBlobs) deletedKeys() map[string]bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[string]bool{}
	for _, k := range f.deleted {
		out[k] = true
	}
	return out
}

// fakeCold is a minimal artifact.ColdStore whose only job is to count the
// expired sweep.
type fakeCold struct {
	expired int64
	swept   bool
}

func (f *fakeCold) Upsert(context.Context, *artifact.Entry) error { return nil }
func (f *fakeCold) Get(context.Context, artifact.Fingerprint) (*artifact.Entry, error) {
	return nil, nil
}
func (f *fakeCold) Candidates(context.Context, artifact.Class, string) ([]*artifact.Entry, error) {
	return nil, nil
}
func (f *fakeCold) Delete(context.Context, artifact.Fingerprint) error { return nil }
func (f *fakeCold) DeleteExpired(context.Context) (int64, error) {
	f.swept = true
	return f.expired, nil
}

func newStore(t *testing.T) *session.Store {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return session.NewStore(rdb)
}

func TestSweep_AgedSessions(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	blobs := &fakeBlobs{}
	ctx := context.Background()

	old := &session.Session{
		ID: "old", Status: session.StatusCompleted,
		CreatedAt: time.Now().Add(-3 * time.Hour),
	}
	young := &session.Session{
		ID: "young", Status: session.StatusAnalysing,
		CreatedAt: time.Now().Add(-10 * time.Minute),
	}
	if err := store.Create(ctx, old); err != nil {
		t.Fatal(err)
	}
	if err := store.Create(ctx, young); err != nil {
		t.Fatal(err)
	}

	r := New(store, blobs)
	r.Sweep(ctx)

	deleted := blobs.deletedKeys()
	for _, key := range blobstore.SessionDerived("old") {
		if !deleted[key] {
			t.Errorf("derived key %s not deleted", key)
		}
	}
	for _, key := range blobstore.SessionDerived("young") {
		if deleted[key] {
			t.Errorf("young session key %s deleted too early", key)
		}
	}
	// Shared reference artifacts are never in the delete set.
	for key := range deleted {
		if len(key) >= 6 && key[:6] == "cache/" {
			t.Errorf("shared cache key %s deleted", key)
		}
	}
}

func TestSweep_StagingDirs(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	root := t.TempDir()
	ctx := context.Background()

	stale := filepath.Join(root, "cantara-abc123")
	fresh := filepath.Join(root, "cantara-def456")
	for _, dir := range []string{stale, fresh} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	past := time.Now().Add(-3 * time.Hour)
	if err := os.Chtimes(stale, past, past); err != nil {
		t.Fatal(err)
	}

	r := New(store, &fakeBlobs{}, WithStagingRoot(root))
	r.Sweep(ctx)

	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Error("stale staging dir survived the sweep")
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Error("fresh staging dir was removed")
	}
}

func TestSweep_ArtifactCache(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	cold := &fakeCold{expired: 4}
	r := New(store, &fakeBlobs{}, WithCache(artifact.NewCache(cold)))
	r.Sweep(context.Background())

	if !cold.swept {
		t.Error("expired artifact rows not swept")
	}
}

func TestRun_PeriodicSweeps(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	ctx := context.Background()
	old := &session.Session{
		ID: "old", Status: session.StatusCompleted,
		CreatedAt: time.Now().Add(-3 * time.Hour),
	}
	if err := store.Create(ctx, old); err != nil {
		t.Fatal(err)
	}

	blobs := &fakeBlobs{}
	r := New(store, blobs, withClocks(20*time.Millisecond, 2*time.Hour, nil))

	runCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	_ = r.Run(runCtx)

	blobs.mu.Lock()
	n := len(blobs.deleted)
	blobs.mu.Unlock()
	// Initial sweep plus at least one tick, six keys each.
	if n < 12 {
		t.Errorf("delete calls = %d, want repeated sweeps", n)
	}
}

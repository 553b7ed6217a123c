package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/MrWong99/cantara/internal/blobstore"
	"github.com/MrWong99/cantara/internal/fault"
	"github.com/MrWong99/cantara/internal/session"
	"github.com/MrWong99/cantara/pkg/provider/pitch"
)

// fakeExtractor writes canned audio to the destination path.
type fakeExtractor struct {
	data  []byte
	err   error
	calls int
}

func (f *fakeExtractor) Fetch(_ context.Context, _, dest string) error {
	f.calls++
	if f.err != nil {
		return f.err
	}
	return os.WriteFile(dest, f.data, 0o644)
}

func newPrepareSession(t *testing.T, env *testEnv) *session.Session {
	t.Helper()
	sess := &session.Session{
		ID:        "sess-prep",
		Status:    session.StatusReferencePending,
		YoutubeID: "ref-1",
	}
	if err := env.store.Create(context.Background(), sess); err != nil {
		t.Fatalf("Create: %v", err)
	}
	return sess
}

func TestPrepareReference_ColdCache(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	sess := newPrepareSession(t, env)
	ext := &fakeExtractor{data: testWAV()}
	env.p.extract = ext
	env.sep.Stems = testStems()
	env.pitch.NPZ = testNPZ(t)

	if err := env.p.PrepareReference(context.Background(), sess.ID, "ref-1", "https://youtube.test/ref-1"); err != nil {
		t.Fatalf("PrepareReference: %v", err)
	}

	if ext.calls != 1 {
		t.Errorf("extractor calls = %d", ext.calls)
	}
	if len(env.sep.Calls) != 1 {
		t.Errorf("separator calls = %d", len(env.sep.Calls))
	}
	for _, key := range []string{
		blobstore.ReferenceOriginal("ref-1", "flac"),
		blobstore.ReferenceVocals("ref-1"),
		blobstore.ReferenceInstrumentals("ref-1"),
		blobstore.ReferenceEnvelope("ref-1"),
		blobstore.ReferencePitch("ref-1"),
		blobstore.SessionRefVocals(sess.ID),
		blobstore.SessionRefInstrumentals(sess.ID),
	} {
		if !env.blobs.Exists(context.Background(), key) {
			t.Errorf("missing artifact %s", key)
		}
	}
	if len(env.pitch.Calls) != 1 || env.pitch.Calls[0].Mode != pitch.ModeFast {
		t.Errorf("pitch calls = %+v", env.pitch.Calls)
	}

	got, err := env.store.Get(context.Background(), sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != session.StatusReferenceReady || got.ReferenceStatus != session.ReferenceReady {
		t.Errorf("session = %s/%s", got.Status, got.ReferenceStatus)
	}
	if _, ok, _ := env.store.TracksReadyAt(context.Background(), sess.ID); !ok {
		t.Error("tracks ready key not set")
	}
}

func TestPrepareReference_WarmCache(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	sess := newPrepareSession(t, env)
	ctx := context.Background()

	env.blobs.Put(ctx, blobstore.ReferenceVocals("ref-1"), testWAV(), "audio/wav")
	env.blobs.Put(ctx, blobstore.ReferenceInstrumentals("ref-1"), testWAV(), "audio/wav")
	env.blobs.Put(ctx, blobstore.ReferenceEnvelope("ref-1"), []byte(`{}`), "application/json")
	env.blobs.Put(ctx, blobstore.ReferencePitch("ref-1"), testNPZ(t), "application/octet-stream")

	if err := env.p.PrepareReference(ctx, sess.ID, "ref-1", ""); err != nil {
		t.Fatalf("PrepareReference: %v", err)
	}

	if len(env.sep.Calls) != 0 {
		t.Errorf("separator must not run on a warm cache, calls = %d", len(env.sep.Calls))
	}
	if len(env.pitch.Calls) != 0 {
		t.Errorf("pitch must not run on a warm cache, calls = %d", len(env.pitch.Calls))
	}
	// Session-scoped copies still appear.
	if !env.blobs.Exists(ctx, blobstore.SessionRefVocals(sess.ID)) {
		t.Error("session-scoped vocals missing")
	}
}

func TestPrepareReference_InvalidCachedPitch(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	sess := newPrepareSession(t, env)
	ctx := context.Background()

	env.blobs.Put(ctx, blobstore.ReferenceVocals("ref-1"), testWAV(), "audio/wav")
	env.blobs.Put(ctx, blobstore.ReferenceInstrumentals("ref-1"), testWAV(), "audio/wav")
	env.blobs.Put(ctx, blobstore.ReferencePitch("ref-1"), []byte("not an archive"), "application/octet-stream")
	env.pitch.NPZ = testNPZ(t)

	if err := env.p.PrepareReference(ctx, sess.ID, "ref-1", ""); err != nil {
		t.Fatalf("PrepareReference: %v", err)
	}
	if len(env.pitch.Calls) != 1 {
		t.Errorf("invalid cached contour must be recomputed, pitch calls = %d", len(env.pitch.Calls))
	}
}

func TestPrepareReference_UploadFailuresAreBestEffort(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	sess := newPrepareSession(t, env)
	env.p.extract = &fakeExtractor{data: testWAV()}
	env.sep.Stems = testStems()
	env.pitch.NPZ = testNPZ(t)

	blobs := &failPutBlobs{memBlobs: env.blobs}
	env.p.blobs = blobs
	ctx := context.Background()

	if err := env.p.PrepareReference(ctx, sess.ID, "ref-1", "https://youtube.test/ref-1"); err != nil {
		t.Fatalf("PrepareReference must survive upload failures: %v", err)
	}
	if len(blobs.failed) == 0 {
		t.Fatal("no uploads were attempted")
	}

	got, err := env.store.Get(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != session.StatusReferenceReady || got.ReferenceStatus != session.ReferenceReady {
		t.Errorf("session = %s/%s, want reference_ready", got.Status, got.ReferenceStatus)
	}
	// The client still gets a playable URL: it is computed from the key, not
	// from the upload result.
	if want := env.blobs.PublicURL(blobstore.ReferenceVocals("ref-1")); got.ReferencePath != want {
		t.Errorf("reference_path = %q, want %q", got.ReferencePath, want)
	}
	if _, ok, _ := env.store.TracksReadyAt(ctx, sess.ID); !ok {
		t.Error("tracks ready key not set")
	}
}

func TestPrepareReference_HandoverOnlyForSeparation(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	coord, unloads := newHandoverCounter(t)
	env.p.gpu = coord
	sess := newPrepareSession(t, env)
	env.p.extract = &fakeExtractor{data: testWAV()}
	env.sep.Stems = testStems()
	env.pitch.NPZ = testNPZ(t)
	ctx := context.Background()

	if err := env.p.PrepareReference(ctx, sess.ID, "ref-1", "https://youtube.test/ref-1"); err != nil {
		t.Fatalf("PrepareReference: %v", err)
	}
	// One separation and one pitch extraction ran; only the separation asks
	// the co-tenant to release the GPU.
	if got := unloads.Load(); got != 1 {
		t.Fatalf("handover requests = %d, want 1", got)
	}

	// A corrupt cached contour forces a pitch recompute on the next run,
	// which must not trigger another handover.
	env.blobs.Put(ctx, blobstore.ReferencePitch("ref-1"), []byte("not an archive"), "application/octet-stream")
	sess2 := &session.Session{ID: "sess-prep-2", Status: session.StatusReferencePending, YoutubeID: "ref-1"}
	if err := env.store.Create(ctx, sess2); err != nil {
		t.Fatal(err)
	}
	if err := env.p.PrepareReference(ctx, sess2.ID, "ref-1", ""); err != nil {
		t.Fatalf("PrepareReference: %v", err)
	}
	if len(env.pitch.Calls) != 2 {
		t.Fatalf("pitch calls = %d, want a recompute", len(env.pitch.Calls))
	}
	if got := unloads.Load(); got != 1 {
		t.Errorf("handover requests = %d after pitch-only run, want still 1", got)
	}
}

func TestPrepareReference_SeparationFailure(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	sess := newPrepareSession(t, env)
	env.p.extract = &fakeExtractor{data: testWAV()}
	env.sep.Err = fmt.Errorf("gpu busy: %w", fault.ErrUpstreamUnavailable)

	err := env.p.PrepareReference(context.Background(), sess.ID, "ref-1", "https://youtube.test/ref-1")
	if !errors.Is(err, fault.ErrUpstreamUnavailable) {
		t.Fatalf("err = %v, want upstream fault", err)
	}

	got, getErr := env.store.Get(context.Background(), sess.ID)
	if getErr != nil {
		t.Fatal(getErr)
	}
	if got.Status != session.StatusError || got.Error == "" {
		t.Errorf("session = %s error=%q, want error state", got.Status, got.Error)
	}
}

func TestPrepareReference_NoExtractorNoOriginal(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	sess := newPrepareSession(t, env)

	err := env.p.PrepareReference(context.Background(), sess.ID, "ref-1", "https://youtube.test/ref-1")
	if !errors.Is(err, fault.ErrValidation) {
		t.Fatalf("err = %v, want validation fault", err)
	}
}

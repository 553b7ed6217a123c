package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/MrWong99/cantara/internal/analysis"
	"github.com/MrWong99/cantara/internal/artifact"
	"github.com/MrWong99/cantara/internal/fault"
	"github.com/MrWong99/cantara/internal/gpu"
	"github.com/MrWong99/cantara/internal/session"
	"github.com/MrWong99/cantara/pkg/provider/judge"
	lyricsmock "github.com/MrWong99/cantara/pkg/provider/lyricsrc/mock"
	pitchmock "github.com/MrWong99/cantara/pkg/provider/pitch/mock"
	"github.com/MrWong99/cantara/pkg/provider/separate"
	sepmock "github.com/MrWong99/cantara/pkg/provider/separate/mock"
	sttmock "github.com/MrWong99/cantara/pkg/provider/transcribe/mock"
)

// memBlobs is an in-memory BlobStore for pipeline tests.
type memBlobs struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemBlobs() *memBlobs {
	return &memBlobs{objects: map[string][]byte{}}
}

func (b *memBlobs) Put(_ context.Context, key string, data []byte, _ string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	b.objects[key] = cp
	return b.PublicURL(key), nil
}

func (b *memBlobs) PutFile(ctx context.Context, path, key, contentType string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return b.Put(ctx, key, data, contentType)
}

func (b *memBlobs) Get(_ context.Context, key string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.objects[key]
	if !ok {
		return nil, fmt.Errorf("blob %q: %w", key, fault.ErrNotFound)
	}
	return data, nil
}

func (b *memBlobs) GetToFile(ctx context.Context, key, dest string) error {
	data, err := b.Get(ctx, key)
	if err != nil {
		return err
	}
	return os.WriteFile(dest, data, 0o644)
}

func (b *memBlobs) Exists(_ context.Context, key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.objects[key]
	return ok
}

func (b *memBlobs) Delete(_ context.Context, key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.objects, key)
}

func (b *memBlobs) PublicURL(key string) string {
	return "http://blobs.test/" + key
}

// failPutBlobs rejects direct uploads while the rest of the store keeps
// working. PutFile still lands because it goes through the embedded store.
type failPutBlobs struct {
	*memBlobs

	mu     sync.Mutex
	failed []string
}

func (b *failPutBlobs) Put(_ context.Context, key string, _ []byte, _ string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failed = append(b.failed, key)
	return "", errors.New("bucket over quota")
}

// newHandoverCounter runs a co-tenant model server that counts unload
// requests.
func newHandoverCounter(t *testing.T) (*gpu.Coordinator, *atomic.Int32) {
	t.Helper()
	var n atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && r.URL.Path == "/api/generate" {
			n.Add(1)
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return gpu.New(srv.URL, "test-model"), &n
}

// memColdStore is an in-memory artifact.ColdStore.
type memColdStore struct {
	mu      sync.Mutex
	entries map[string]*artifact.Entry
}

func newMemColdStore() *memColdStore {
	return &memColdStore{entries: map[string]*artifact.Entry{}}
}

func (m *memColdStore) Upsert(_ context.Context, e *artifact.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	m.entries[e.Fingerprint.Key()] = &cp
	return nil
}

func (m *memColdStore) Get(_ context.Context, fp artifact.Fingerprint) (*artifact.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries[fp.Key()], nil
}

func (m *memColdStore) Candidates(_ context.Context, class artifact.Class, trackID string) ([]*artifact.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*artifact.Entry
	for _, e := range m.entries {
		if e.Fingerprint.Class == class && e.Fingerprint.TrackID == trackID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memColdStore) Delete(_ context.Context, fp artifact.Fingerprint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, fp.Key())
	return nil
}

func (m *memColdStore) DeleteExpired(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	now := time.Now()
	for k, e := range m.entries {
		if e.Expired(now) {
			delete(m.entries, k)
			n++
		}
	}
	return n, nil
}

// testEnv bundles a pipeline with its inspectable dependencies.
type testEnv struct {
	p     *Pipeline
	store *session.Store
	blobs *memBlobs
	cold  *memColdStore
	sep   *sepmock.Provider
	pitch *pitchmock.Provider
	stt   *sttmock.Provider
	lyr   *lyricsmock.Provider
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	env := &testEnv{
		store: session.NewStore(rdb),
		blobs: newMemBlobs(),
		cold:  newMemColdStore(),
		sep:   &sepmock.Provider{},
		pitch: &pitchmock.Provider{},
		stt:   &sttmock.Provider{},
		lyr:   &lyricsmock.Provider{},
	}

	p, err := New(Config{
		Store:       env.store,
		Blobs:       env.blobs,
		Cache:       artifact.NewCache(env.cold),
		GPU:         gpu.New("", ""),
		Separator:   env.sep,
		Pitch:       env.pitch,
		STT:         env.stt,
		Lyrics:      env.lyr,
		Judge:       judge.NewGenerator(),
		StagingRoot: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	env.p = p
	return env
}

// testWAV renders a one-second 220 Hz tone.
func testWAV() []byte {
	const rate = 8000
	samples := make([]float64, rate)
	for i := range samples {
		samples[i] = 0.5 * math.Sin(2*math.Pi*220*float64(i)/rate)
	}
	return analysis.EncodeWAV(samples, rate)
}

// testNPZ renders a valid voiced contour.
func testNPZ(t *testing.T) []byte {
	t.Helper()
	c := &analysis.Contour{}
	for i := 0; i < 100; i++ {
		c.Times = append(c.Times, float64(i)*0.01)
		c.Frequencies = append(c.Frequencies, 220)
		c.Confidences = append(c.Confidences, 0.9)
	}
	data, err := analysis.EncodeContourNPZ(c)
	if err != nil {
		t.Fatalf("EncodeContourNPZ: %v", err)
	}
	return data
}

func testStems() *separate.Stems {
	return &separate.Stems{Vocals: testWAV(), Instrumentals: testWAV(), Model: "htdemucs"}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{}); err == nil {
		t.Error("expected error for empty config")
	}
}

package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/MrWong99/cantara/internal/fault"
)

// newTestStore spins up a miniredis instance and a Store on top of it.
func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewStore(rdb), mr
}

func TestCreateGetRoundTrip(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	sess := &Session{
		ID:             "s1",
		Status:         StatusCreated,
		SpotifyTrackID: "track-1",
		TrackName:      "Je te promets",
		ArtistName:     "Johnny Hallyday",
		DurationMS:     243000,
	}
	if err := store.Create(ctx, sess); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := store.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusCreated || got.TrackName != "Je te promets" {
		t.Errorf("got = %+v", got)
	}
	if got.CreatedAt.IsZero() {
		t.Error("CreatedAt not set on create")
	}
}

func TestGetMissing(t *testing.T) {
	store, _ := newTestStore(t)
	_, err := store.Get(context.Background(), "nope")
	if !errors.Is(err, fault.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestMergeOverlaysFields(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	sess := &Session{ID: "s1", Status: StatusCreated, TrackName: "Alors on danse"}
	if err := store.Create(ctx, sess); err != nil {
		t.Fatalf("Create: %v", err)
	}

	err := store.Merge(ctx, "s1", map[string]any{
		"status":     string(StatusReferencePending),
		"youtube_id": "vid42",
	})
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}

	got, err := store.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusReferencePending {
		t.Errorf("status = %q, want reference_pending", got.Status)
	}
	if got.YoutubeID != "vid42" {
		t.Errorf("youtube_id = %q, want vid42", got.YoutubeID)
	}
	// Untouched fields survive the overlay.
	if got.TrackName != "Alors on danse" {
		t.Errorf("track_name = %q, want unchanged", got.TrackName)
	}
}

func TestMergePreservesTTL(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	if err := store.Create(ctx, &Session{ID: "s1", Status: StatusCreated}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Let one hour pass; the merge must not reset the clock to a full TTL.
	mr.FastForward(time.Hour)
	if err := store.Merge(ctx, "s1", map[string]any{"status": "analysing"}); err != nil {
		t.Fatalf("Merge: %v", err)
	}

	ttl := mr.TTL(sessionPrefix + "s1")
	if ttl > 2*time.Hour {
		t.Errorf("ttl = %v after merge, want ≤ 2h (remaining TTL preserved)", ttl)
	}
	if ttl <= 0 {
		t.Errorf("ttl = %v, want positive", ttl)
	}
}

func TestMergeMissingSession(t *testing.T) {
	store, _ := newTestStore(t)
	err := store.Merge(context.Background(), "ghost", map[string]any{"status": "error"})
	if !errors.Is(err, fault.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestScanSkipsReadyKeys(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		if err := store.Create(ctx, &Session{ID: id, Status: StatusCreated}); err != nil {
			t.Fatalf("Create %s: %v", id, err)
		}
	}
	if err := store.MarkTracksReady(ctx, "a"); err != nil {
		t.Fatalf("MarkTracksReady: %v", err)
	}

	ids, err := store.Scan(ctx)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("ids = %v, want exactly the two session ids", ids)
	}
}

func TestReadyKeys(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, ok, err := store.TracksReadyAt(ctx, "s1")
	if err != nil || ok {
		t.Fatalf("TracksReadyAt before mark: ok=%v err=%v", ok, err)
	}

	if err := store.MarkTracksReady(ctx, "s1"); err != nil {
		t.Fatalf("MarkTracksReady: %v", err)
	}
	at, ok, err := store.TracksReadyAt(ctx, "s1")
	if err != nil || !ok {
		t.Fatalf("TracksReadyAt after mark: ok=%v err=%v", ok, err)
	}
	if time.Since(at) > time.Minute {
		t.Errorf("ready timestamp %v too old", at)
	}

	if err := store.MarkUserTracksReady(ctx, "s1"); err != nil {
		t.Fatalf("MarkUserTracksReady: %v", err)
	}
	if _, ok, _ := store.UserTracksReadyAt(ctx, "s1"); !ok {
		t.Error("user ready key absent after mark")
	}
}

func TestTaskRecords(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	task := &Task{ID: "t1", State: TaskRunning, Step: "separating_user", Percent: 10}
	if err := store.PutTask(ctx, task); err != nil {
		t.Fatalf("PutTask: %v", err)
	}

	got, err := store.GetTask(ctx, "t1")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Step != "separating_user" || got.Percent != 10 || got.State != TaskRunning {
		t.Errorf("got = %+v", got)
	}

	if _, err := store.GetTask(ctx, "missing"); !errors.Is(err, fault.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

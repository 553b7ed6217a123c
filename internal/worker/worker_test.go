package worker

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/MrWong99/cantara/internal/fault"
)

// fakePipeline records calls and plays back scripted errors.
type fakePipeline struct {
	mu       sync.Mutex
	prepares []string
	analyzes []string
	errs     []error
}

func (f *fakePipeline) nextErr() error {
	if len(f.errs) == 0 {
		return nil
	}
	err := f.errs[0]
	f.errs = f.errs[1:]
	return err
}

func (f *fakePipeline) PrepareReference(_ context.Context, sessionID, _, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prepares = append(f.prepares, sessionID)
	return f.nextErr()
}

func (f *fakePipeline) Analyze(_ context.Context, sessionID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.analyzes = append(f.analyzes, sessionID)
	return f.nextErr()
}

func (f *fakePipeline) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.prepares), len(f.analyzes)
}

func newWorkerEnv(t *testing.T, p Pipeline, opts ...Option) (redis.UniversalClient, *Worker) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	opts = append([]Option{withClocks(5*time.Second, 50*time.Millisecond)}, opts...)
	w, err := New(rdb, p, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return rdb, w
}

// waitFor polls until cond holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached")
}

func TestEnqueue_Validation(t *testing.T) {
	t.Parallel()
	rdb, _ := newWorkerEnv(t, &fakePipeline{})
	err := Enqueue(context.Background(), rdb, QueueDefault, &Job{Type: JobAnalyze})
	if err == nil {
		t.Error("expected error for a job without a session id")
	}
}

func TestWorker_RunsJobs(t *testing.T) {
	t.Parallel()

	p := &fakePipeline{}
	rdb, w := newWorkerEnv(t, p)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := Enqueue(ctx, rdb, QueueGPUHeavy, &Job{
		Type: JobPrepareReference, SessionID: "s1", RefID: "ref-1", SourceURL: "https://youtube.test/ref-1",
	}); err != nil {
		t.Fatal(err)
	}
	if err := Enqueue(ctx, rdb, QueueGPUHeavy, &Job{
		Type: JobAnalyze, SessionID: "s1", TaskID: "t1",
	}); err != nil {
		t.Fatal(err)
	}

	go w.Run(ctx)

	waitFor(t, func() bool {
		prep, an := p.counts()
		return prep == 1 && an == 1
	})

	if n, _ := QueueDepth(ctx, rdb, QueueGPUHeavy); n != 0 {
		t.Errorf("queue depth = %d after drain", n)
	}
}

func TestWorker_QueuePriority(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var order []string
	p := &fakePipeline{}
	rdb, _ := newWorkerEnv(t, p)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Fill both queues before the worker starts, then record drain order.
	for i := 0; i < 3; i++ {
		if err := Enqueue(ctx, rdb, QueueDefault, &Job{Type: JobAnalyze, SessionID: fmt.Sprintf("low-%d", i)}); err != nil {
			t.Fatal(err)
		}
		if err := Enqueue(ctx, rdb, QueueGPUHeavy, &Job{Type: JobAnalyze, SessionID: fmt.Sprintf("high-%d", i)}); err != nil {
			t.Fatal(err)
		}
	}

	recorder := pipelineFunc(func(_ context.Context, sessionID string) error {
		mu.Lock()
		order = append(order, sessionID)
		mu.Unlock()
		return nil
	})
	w, err := New(rdb, recorder, withClocks(5*time.Second, 50*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	go w.Run(ctx)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 6
	})

	mu.Lock()
	defer mu.Unlock()
	for i := 0; i < 3; i++ {
		if order[i] != fmt.Sprintf("high-%d", i) {
			t.Fatalf("drain order = %v, want gpu-heavy first", order)
		}
	}
}

// pipelineFunc adapts a function to the Pipeline interface for ordering tests.
type pipelineFunc func(ctx context.Context, sessionID string) error

func (f pipelineFunc) PrepareReference(ctx context.Context, sessionID, _, _ string) error {
	return f(ctx, sessionID)
}

func (f pipelineFunc) Analyze(ctx context.Context, sessionID, _ string) error {
	return f(ctx, sessionID)
}

func TestWorker_RetriesRetryableFaults(t *testing.T) {
	t.Parallel()

	p := &fakePipeline{errs: []error{
		fmt.Errorf("demucs down: %w", fault.ErrUpstreamUnavailable),
		fmt.Errorf("demucs down: %w", fault.ErrUpstreamUnavailable),
		nil,
	}}

	var mu sync.Mutex
	var delays []time.Duration
	rdb, w := newWorkerEnv(t, p, withSleep(func(_ context.Context, d time.Duration) error {
		mu.Lock()
		delays = append(delays, d)
		mu.Unlock()
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := Enqueue(ctx, rdb, QueueGPU, &Job{Type: JobAnalyze, SessionID: "s1", TaskID: "t1"}); err != nil {
		t.Fatal(err)
	}
	go w.Run(ctx)

	waitFor(t, func() bool {
		_, an := p.counts()
		return an == 3
	})

	mu.Lock()
	defer mu.Unlock()
	if len(delays) != 2 {
		t.Fatalf("retry sleeps = %d, want 2", len(delays))
	}
	for _, d := range delays {
		if d < retryMinDelay || d >= retryMaxDelay {
			t.Errorf("retry delay %v outside [%v, %v)", d, retryMinDelay, retryMaxDelay)
		}
	}
}

func TestWorker_NoRetryOnValidation(t *testing.T) {
	t.Parallel()

	p := &fakePipeline{errs: []error{
		fmt.Errorf("no recording: %w", fault.ErrValidation),
	}}
	rdb, w := newWorkerEnv(t, p, withSleep(func(_ context.Context, _ time.Duration) error {
		t.Error("validation faults must not be retried")
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := Enqueue(ctx, rdb, QueueDefault, &Job{Type: JobAnalyze, SessionID: "s1"}); err != nil {
		t.Fatal(err)
	}
	go w.Run(ctx)

	waitFor(t, func() bool {
		_, an := p.counts()
		return an == 1
	})
	// Give a stray retry a chance to surface before the test ends.
	time.Sleep(50 * time.Millisecond)
	if _, an := p.counts(); an != 1 {
		t.Errorf("analyze calls = %d, want 1", an)
	}
}

func TestWorker_DropsMalformedJobs(t *testing.T) {
	t.Parallel()

	p := &fakePipeline{}
	rdb, w := newWorkerEnv(t, p)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := rdb.LPush(ctx, "queue:"+QueueDefault, "not json").Err(); err != nil {
		t.Fatal(err)
	}
	if err := Enqueue(ctx, rdb, QueueDefault, &Job{Type: JobAnalyze, SessionID: "s1"}); err != nil {
		t.Fatal(err)
	}
	go w.Run(ctx)

	// The malformed payload is dropped and the next job still runs.
	waitFor(t, func() bool {
		_, an := p.counts()
		return an == 1
	})
}

func TestWorker_StopsOnCancel(t *testing.T) {
	t.Parallel()

	_, w := newWorkerEnv(t, &fakePipeline{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		if err == nil {
			t.Error("Run must report the cancellation")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}

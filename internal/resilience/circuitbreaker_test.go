package resilience

import (
	"errors"
	"testing"
	"time"
)

// newTestBreaker returns a breaker on a fake clock advanced via the returned
// function.
func newTestBreaker(cfg CircuitBreakerConfig) (*CircuitBreaker, func(time.Duration)) {
	cb := NewCircuitBreaker(cfg)
	clock := time.Unix(1700000000, 0)
	cb.now = func() time.Time { return clock }
	return cb, func(d time.Duration) { clock = clock.Add(d) }
}

func failing() error { return errors.New("backend down") }

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()
	cb, _ := newTestBreaker(CircuitBreakerConfig{Name: "demucs", MaxFailures: 3})

	for range 3 {
		if err := cb.Execute(failing); err == nil {
			t.Fatal("Execute swallowed the call error")
		}
	}
	if got := cb.State(); got != StateOpen {
		t.Fatalf("state after 3 failures = %v, want open", got)
	}

	called := false
	err := cb.Execute(func() error { called = true; return nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("open breaker returned %v, want ErrCircuitOpen", err)
	}
	if called {
		t.Error("open breaker still forwarded the call")
	}
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	t.Parallel()
	cb, _ := newTestBreaker(CircuitBreakerConfig{MaxFailures: 2})

	cb.Execute(failing)
	cb.Execute(func() error { return nil })
	cb.Execute(failing)

	if got := cb.State(); got != StateClosed {
		t.Errorf("state = %v, want closed; interleaved success must reset the count", got)
	}
}

func TestBreaker_ClosesAfterSuccessfulProbes(t *testing.T) {
	t.Parallel()
	cb, advance := newTestBreaker(CircuitBreakerConfig{
		MaxFailures:  1,
		ResetTimeout: 30 * time.Second,
		HalfOpenMax:  2,
	})

	cb.Execute(failing)
	if got := cb.State(); got != StateOpen {
		t.Fatalf("state = %v, want open", got)
	}

	advance(31 * time.Second)
	if got := cb.State(); got != StateHalfOpen {
		t.Fatalf("state after reset timeout = %v, want half-open", got)
	}

	for i := range 2 {
		if err := cb.Execute(func() error { return nil }); err != nil {
			t.Fatalf("probe %d rejected: %v", i+1, err)
		}
	}
	if got := cb.State(); got != StateClosed {
		t.Errorf("state after successful probes = %v, want closed", got)
	}
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	t.Parallel()
	cb, advance := newTestBreaker(CircuitBreakerConfig{
		MaxFailures:  1,
		ResetTimeout: 30 * time.Second,
	})

	cb.Execute(failing)
	advance(31 * time.Second)

	if err := cb.Execute(failing); errors.Is(err, ErrCircuitOpen) {
		t.Fatal("first probe after the reset timeout was rejected")
	}
	if got := cb.State(); got != StateOpen {
		t.Errorf("state after failed probe = %v, want open", got)
	}

	// The reset timeout starts over after a failed probe.
	if err := cb.Execute(func() error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("call right after failed probe returned %v, want ErrCircuitOpen", err)
	}
}

func TestBreaker_ManualReset(t *testing.T) {
	t.Parallel()
	cb, _ := newTestBreaker(CircuitBreakerConfig{MaxFailures: 1})

	cb.Execute(failing)
	cb.Reset()

	if got := cb.State(); got != StateClosed {
		t.Fatalf("state after Reset = %v, want closed", got)
	}
	if err := cb.Execute(func() error { return nil }); err != nil {
		t.Errorf("Execute after Reset: %v", err)
	}
}

func TestBreaker_Defaults(t *testing.T) {
	t.Parallel()
	cb := NewCircuitBreaker(CircuitBreakerConfig{})

	if cb.maxFailures != 5 || cb.resetAfter != 30*time.Second || cb.probeBudget != 3 {
		t.Errorf("defaults = (%d, %v, %d), want (5, 30s, 3)",
			cb.maxFailures, cb.resetAfter, cb.probeBudget)
	}
}

func TestState_String(t *testing.T) {
	t.Parallel()
	cases := map[State]string{
		StateClosed:   "closed",
		StateOpen:     "open",
		StateHalfOpen: "half-open",
		State(42):     "unknown",
	}
	for s, want := range cases {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", int(s), got, want)
		}
	}
}

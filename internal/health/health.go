// Package health serves the liveness and readiness probes.
//
// Liveness (/healthz) only asserts that the process can answer HTTP.
// Readiness (/readyz) probes the dependencies the API cannot work without,
// typically the Redis session store and, when configured, Postgres. Probes
// run concurrently; the endpoint answers 503 as soon as any of them fails.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// probeTimeout caps each individual readiness probe.
const probeTimeout = 5 * time.Second

// Checker is one named dependency probe. Check returns nil when the
// dependency is usable and must respect ctx cancellation.
type Checker struct {
	// Name keys the probe result in the JSON body, e.g. "redis" or
	// "postgres".
	Name string

	Check func(ctx context.Context) error
}

// report is the response body of both probe endpoints.
type report struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler answers /healthz and /readyz. The checker set is fixed at
// construction; the handler itself is stateless and safe for concurrent use.
type Handler struct {
	checkers []Checker
}

// New builds a Handler over the given probes.
func New(checkers ...Checker) *Handler {
	return &Handler{checkers: append([]Checker(nil), checkers...)}
}

// Healthz answers 200 unconditionally.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, report{Status: "ok"})
}

// Readyz runs every probe and answers 200 only if all of them pass. Each
// probe gets its own [probeTimeout] derived from the request context.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		checks = make(map[string]string, len(h.checkers))
		ready  = true
	)

	for _, c := range h.checkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
			err := c.Check(ctx)
			cancel()

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				checks[c.Name] = "fail: " + err.Error()
				ready = false
			} else {
				checks[c.Name] = "ok"
			}
		}()
	}
	wg.Wait()

	res := report{Status: "ok", Checks: checks}
	status := http.StatusOK
	if !ready {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}

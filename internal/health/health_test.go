package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func decodeReport(t *testing.T, rec *httptest.ResponseRecorder) report {
	t.Helper()
	var body report
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return body
}

func TestHealthz_AlwaysOK(t *testing.T) {
	t.Parallel()

	h := New(Checker{Name: "redis", Check: func(context.Context) error {
		return errors.New("down")
	}})

	rec := httptest.NewRecorder()
	h.Healthz(rec, httptest.NewRequest("GET", "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if body := decodeReport(t, rec); body.Status != "ok" {
		t.Errorf("status field = %q, want ok", body.Status)
	}
}

func TestReadyz_AllProbesPass(t *testing.T) {
	t.Parallel()

	h := New(
		Checker{Name: "redis", Check: func(context.Context) error { return nil }},
		Checker{Name: "postgres", Check: func(context.Context) error { return nil }},
	)

	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := decodeReport(t, rec)
	if body.Status != "ok" {
		t.Errorf("status field = %q, want ok", body.Status)
	}
	if body.Checks["redis"] != "ok" || body.Checks["postgres"] != "ok" {
		t.Errorf("checks = %v, want both ok", body.Checks)
	}
}

func TestReadyz_FailingProbe(t *testing.T) {
	t.Parallel()

	h := New(
		Checker{Name: "redis", Check: func(context.Context) error { return nil }},
		Checker{Name: "postgres", Check: func(context.Context) error {
			return errors.New("connection refused")
		}},
	)

	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	body := decodeReport(t, rec)
	if body.Status != "fail" {
		t.Errorf("status field = %q, want fail", body.Status)
	}
	if body.Checks["redis"] != "ok" {
		t.Errorf("redis check = %q, want ok", body.Checks["redis"])
	}
	if body.Checks["postgres"] != "fail: connection refused" {
		t.Errorf("postgres check = %q", body.Checks["postgres"])
	}
}

func TestReadyz_NoProbes(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	New().Readyz(rec, httptest.NewRequest("GET", "/readyz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 with no probes registered", rec.Code)
	}
}

func TestReadyz_ProbeGetsDeadline(t *testing.T) {
	t.Parallel()

	h := New(Checker{Name: "redis", Check: func(ctx context.Context) error {
		if _, ok := ctx.Deadline(); !ok {
			return errors.New("no deadline set")
		}
		return nil
	}})

	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil))

	if rec.Code != http.StatusOK {
		body := decodeReport(t, rec)
		t.Fatalf("status = %d, checks = %v", rec.Code, body.Checks)
	}
}

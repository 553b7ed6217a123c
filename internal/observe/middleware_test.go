package observe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// newTestTelemetry installs an in-memory tracer provider and returns a
// Metrics instance backed by a manual reader.
func newTestTelemetry(t *testing.T) (*Metrics, *sdkmetric.ManualReader, *tracetest.InMemoryExporter) {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(orig) })

	return m, reader, exp
}

func serve(mw func(http.Handler) http.Handler, h http.HandlerFunc, method, path string) (*httptest.ResponseRecorder, *http.Request) {
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	mw(h).ServeHTTP(rec, req)
	return rec, req
}

func TestMiddleware_SpanAndCorrelationID(t *testing.T) {
	m, _, exp := newTestTelemetry(t)
	mw := Middleware(m)

	var cid string
	rec, _ := serve(mw, func(w http.ResponseWriter, r *http.Request) {
		cid = CorrelationID(r.Context())
		w.WriteHeader(http.StatusCreated)
	}, "POST", "/api/session")

	if len(cid) != 32 {
		t.Errorf("correlation ID = %q, want a 32-char trace ID", cid)
	}
	if got := rec.Header().Get("X-Correlation-ID"); got != cid {
		t.Errorf("X-Correlation-ID header = %q, want %q", got, cid)
	}

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("recorded %d spans, want 1", len(spans))
	}
	if spans[0].Name != "POST /api/session" {
		t.Errorf("span name = %q, want %q", spans[0].Name, "POST /api/session")
	}
}

func TestMiddleware_RecordsDuration(t *testing.T) {
	m, reader, _ := newTestTelemetry(t)
	mw := Middleware(m)

	serve(mw, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}, "GET", "/api/session/abc")

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}

	met := findMetric(rm, "cantara.http.request.duration")
	if met == nil {
		t.Fatal("cantara.http.request.duration not recorded")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok || len(hist.DataPoints) == 0 {
		t.Fatal("no histogram data points")
	}

	dp := hist.DataPoints[0]
	if dp.Count != 1 {
		t.Errorf("sample count = %d, want 1", dp.Count)
	}
	var gotMethod, gotPath string
	for _, kv := range dp.Attributes.ToSlice() {
		switch string(kv.Key) {
		case "method":
			gotMethod = kv.Value.AsString()
		case "path":
			gotPath = kv.Value.AsString()
		}
	}
	if gotMethod != "GET" || gotPath != "/api/session/abc" {
		t.Errorf("attributes = (%q, %q), want (GET, /api/session/abc)", gotMethod, gotPath)
	}
}

func TestMiddleware_StatusOnSpan(t *testing.T) {
	m, _, exp := newTestTelemetry(t)
	mw := Middleware(m)

	rec, _ := serve(mw, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}, "GET", "/api/session/missing")

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}

	spans := exp.GetSpans()
	if len(spans) == 0 {
		t.Fatal("no spans recorded")
	}
	found := false
	for _, a := range spans[0].Attributes {
		if string(a.Key) == "http.response.status_code" && a.Value.AsInt64() == 404 {
			found = true
		}
	}
	if !found {
		t.Error("span missing http.response.status_code=404")
	}
}

func TestMiddleware_HonoursIncomingTraceparent(t *testing.T) {
	m, _, _ := newTestTelemetry(t)
	mw := Middleware(m)

	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"

	var cid string
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cid = CorrelationID(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/api/session/abc/events", nil)
	req.Header.Set("traceparent", "00-"+traceID+"-00f067aa0ba902b7-01")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if cid != traceID {
		t.Errorf("correlation ID = %q, want upstream trace ID %q", cid, traceID)
	}
	if got := rec.Header().Get("X-Correlation-ID"); got != traceID {
		t.Errorf("X-Correlation-ID = %q, want %q", got, traceID)
	}
}

package gpu

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRequestExclusive_Success(t *testing.T) {
	t.Parallel()

	var got generateRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.Write([]byte(`{"done": true}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "qwen3:8b")
	c.RequestExclusive(context.Background())

	if got.Model != "qwen3:8b" || got.Prompt != "" || got.KeepAlive != 0 {
		t.Errorf("unload payload = %+v", got)
	}
	if !c.Exclusive() {
		t.Error("Exclusive() = false after successful handover")
	}
	if c.LastAttempt().IsZero() {
		t.Error("LastAttempt not recorded")
	}
}

func TestRequestExclusive_ServerDown(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	c := New(srv.URL, "qwen3:8b")
	// Must not panic or block; the result is advisory.
	c.RequestExclusive(context.Background())
	if c.Exclusive() {
		t.Error("Exclusive() = true after failed handover")
	}
}

func TestRequestExclusive_ServerError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model busy", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(srv.URL, "qwen3:8b")
	c.RequestExclusive(context.Background())
	if c.Exclusive() {
		t.Error("Exclusive() = true after 503")
	}
}

func TestRequestExclusive_Disabled(t *testing.T) {
	t.Parallel()

	c := New("", "")
	c.RequestExclusive(context.Background())
	if c.Exclusive() {
		t.Error("disabled coordinator must never report exclusive")
	}
	if !c.LastAttempt().IsZero() {
		t.Error("disabled coordinator must not record attempts")
	}
}

func TestExclusive_TracksLatestResult(t *testing.T) {
	t.Parallel()

	fail := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "m")
	c.RequestExclusive(context.Background())
	if !c.Exclusive() {
		t.Fatal("first handover should succeed")
	}
	fail = true
	c.RequestExclusive(context.Background())
	if c.Exclusive() {
		t.Error("Exclusive() must reflect the latest attempt")
	}
}

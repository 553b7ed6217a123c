package demucs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MrWong99/cantara/internal/fault"
)

// TestSeparate_Success checks the happy path: multipart upload in, two decoded
// stems out.
func TestSeparate_Success(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/separate" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatalf("parse multipart: %v", err)
		}
		f, hdr, err := r.FormFile("audio")
		if err != nil {
			t.Fatalf("form file: %v", err)
		}
		f.Close()
		if hdr.Filename != "song.webm" {
			t.Errorf("filename = %q, want song.webm", hdr.Filename)
		}
		if got := r.FormValue("model"); got != "htdemucs" {
			t.Errorf("model field = %q, want htdemucs", got)
		}
		json.NewEncoder(w).Encode(map[string]string{
			"vocals":        base64.StdEncoding.EncodeToString([]byte("VOX")),
			"instrumentals": base64.StdEncoding.EncodeToString([]byte("INST")),
			"model":         "htdemucs",
		})
	}))
	defer srv.Close()

	p, err := New(srv.URL, WithModel("htdemucs"))
	if err != nil {
		t.Fatal(err)
	}
	stems, err := p.Separate(context.Background(), []byte("audio-bytes"), "song.webm")
	if err != nil {
		t.Fatalf("Separate: %v", err)
	}
	if string(stems.Vocals) != "VOX" || string(stems.Instrumentals) != "INST" {
		t.Errorf("stems = %q / %q", stems.Vocals, stems.Instrumentals)
	}
	if stems.Model != "htdemucs" {
		t.Errorf("model = %q", stems.Model)
	}
}

// TestSeparate_RejectedInput checks that a 422 maps to a fatal validation error.
func TestSeparate_RejectedInput(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "cannot decode audio", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	p, err := New(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	_, err = p.Separate(context.Background(), []byte("not audio"), "x.bin")
	if !errors.Is(err, fault.ErrValidation) {
		t.Errorf("err = %v, want ErrValidation", err)
	}
	if errors.Is(err, fault.ErrUpstreamUnavailable) {
		t.Error("validation failure must not look retryable")
	}
}

// TestSeparate_ServiceDown checks that 5xx and connection failures are retryable.
func TestSeparate_ServiceDown(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "loading model", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p, err := New(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	_, err = p.Separate(context.Background(), []byte("audio"), "x.wav")
	if !errors.Is(err, fault.ErrUpstreamUnavailable) {
		t.Errorf("5xx err = %v, want ErrUpstreamUnavailable", err)
	}

	srv.Close()
	_, err = p.Separate(context.Background(), []byte("audio"), "x.wav")
	if !errors.Is(err, fault.ErrUpstreamUnavailable) {
		t.Errorf("connection err = %v, want ErrUpstreamUnavailable", err)
	}
}

// TestSeparate_EmptyInput checks local validation before any network call.
func TestSeparate_EmptyInput(t *testing.T) {
	t.Parallel()

	p, err := New("http://127.0.0.1:1")
	if err != nil {
		t.Fatal(err)
	}
	_, err = p.Separate(context.Background(), nil, "x.wav")
	if !errors.Is(err, fault.ErrValidation) {
		t.Errorf("err = %v, want ErrValidation", err)
	}
}

// TestNew_Validation checks constructor validation.
func TestNew_Validation(t *testing.T) {
	t.Parallel()
	if _, err := New(""); err == nil {
		t.Error("expected error for empty server URL")
	}
}

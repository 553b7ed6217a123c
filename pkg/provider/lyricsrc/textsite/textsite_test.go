package textsite

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MrWong99/cantara/pkg/provider/lyricsrc"
)

// TestLookup_RanksCandidates checks that the closest search result wins even
// when the exact title is not first, and that its text page is fetched.
func TestLookup_RanksCandidates(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/search", func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("q"); got != "Zaho Je te promets" {
			t.Errorf("q = %q", got)
		}
		json.NewEncoder(w).Encode([]searchResult{
			{Artist: "Zaho", Title: "Tourner la page", URL: "/t/tourner"},
			{Artist: "Zaho", Title: "Je te promets (Remasterisé 2019)", URL: "/t/promets"},
			{Artist: "Someone Else", Title: "Je te promets", URL: "/t/cover"},
		})
	})
	mux.HandleFunc("/t/promets", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("\nJe te promets le sel au baiser de mes yeux\n"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	p, err := New(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	rec, err := p.Lookup(context.Background(), lyricsrc.Query{Artist: "Zaho", Title: "Je te promets"})
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if rec.Text != "Je te promets le sel au baiser de mes yeux" {
		t.Errorf("text = %q", rec.Text)
	}
	if rec.Sync != lyricsrc.SyncUnsynced || rec.Provenance != "generated" {
		t.Errorf("record = %+v", rec)
	}
}

// TestLookup_NoCloseMatch checks that a weak best candidate is a miss, not a
// wrong-song hit.
func TestLookup_NoCloseMatch(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/search", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]searchResult{
			{Artist: "Completely Different", Title: "Unrelated Song", URL: "/t/x"},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	p, err := New(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	_, err = p.Lookup(context.Background(), lyricsrc.Query{Artist: "Zaho", Title: "Je te promets"})
	if !errors.Is(err, lyricsrc.ErrNoLyrics) {
		t.Errorf("err = %v, want ErrNoLyrics", err)
	}
}

// TestLookup_EmptyResults checks that no candidates means a miss.
func TestLookup_EmptyResults(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]searchResult{})
	}))
	defer srv.Close()

	p, err := New(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	_, err = p.Lookup(context.Background(), lyricsrc.Query{Artist: "a", Title: "t"})
	if !errors.Is(err, lyricsrc.ErrNoLyrics) {
		t.Errorf("err = %v, want ErrNoLyrics", err)
	}
}

// TestNormalise covers suffix stripping.
func TestNormalise(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"Je te promets (Remasterisé 2019)": "je te promets",
		"Je te promets (feat. Quelqu'un)":  "je te promets",
		"Je te promets - Live":             "je te promets",
		"  Je Te Promets  ":                "je te promets",
	}
	for in, want := range cases {
		if got := normalise(in); got != want {
			t.Errorf("normalise(%q) = %q, want %q", in, got, want)
		}
	}
}

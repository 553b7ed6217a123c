// Package lrclib provides a lyrics source backed by the LRCLIB API
// (https://lrclib.net), a free synchronised-lyrics database. It implements
// the lyricsrc.Provider interface.
//
// Lookup uses GET /api/get with exact track metadata; LRCLIB matches on
// artist, title, album, and duration (±2 s server-side). Synced lyrics come
// back in LRC format and are parsed into per-line timestamps.
package lrclib

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/MrWong99/cantara/internal/fault"
	"github.com/MrWong99/cantara/pkg/provider/lyricsrc"
)

// Compile-time interface assertion.
var _ lyricsrc.Provider = (*Provider)(nil)

// DefaultBaseURL is the public LRCLIB instance.
const DefaultBaseURL = "https://lrclib.net"

const (
	getEndpoint    = "/api/get"
	defaultTimeout = 15 * time.Second
)

// Option is a functional option for configuring an lrclib Provider.
type Option func(*Provider)

// WithBaseURL overrides the LRCLIB instance URL, e.g. for a self-hosted mirror.
func WithBaseURL(u string) Option {
	return func(p *Provider) {
		p.baseURL = strings.TrimRight(u, "/")
	}
}

// WithTimeout sets the per-request HTTP timeout. Defaults to 15 s.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		p.httpClient.Timeout = d
	}
}

// WithHTTPClient replaces the HTTP client entirely.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = c
	}
}

// Provider implements lyricsrc.Provider against the LRCLIB API.
// It is safe for concurrent use.
type Provider struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a Provider against the public LRCLIB instance unless
// overridden with WithBaseURL.
func New(opts ...Option) *Provider {
	p := &Provider{
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Name implements lyricsrc.Provider.
func (p *Provider) Name() string { return "lrclib" }

// getResponse is the JSON body returned by GET /api/get.
type getResponse struct {
	ID           int64   `json:"id"`
	TrackName    string  `json:"trackName"`
	ArtistName   string  `json:"artistName"`
	AlbumName    string  `json:"albumName"`
	Duration     float64 `json:"duration"`
	Instrumental bool    `json:"instrumental"`
	PlainLyrics  string  `json:"plainLyrics"`
	SyncedLyrics string  `json:"syncedLyrics"`
}

// Lookup implements lyricsrc.Provider.
func (p *Provider) Lookup(ctx context.Context, q lyricsrc.Query) (*lyricsrc.Record, error) {
	if q.Artist == "" || q.Title == "" {
		return nil, fmt.Errorf("lrclib: artist and title are required: %w", fault.ErrValidation)
	}

	params := url.Values{}
	params.Set("artist_name", q.Artist)
	params.Set("track_name", q.Title)
	if q.Album != "" {
		params.Set("album_name", q.Album)
	}
	if q.DurationMS > 0 {
		params.Set("duration", strconv.FormatInt(q.DurationMS/1000, 10))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+getEndpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("lrclib: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("lrclib: GET %s: %v: %w", getEndpoint, err, fault.ErrUpstreamUnavailable)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		// fall through
	case resp.StatusCode == http.StatusNotFound:
		return nil, lyricsrc.ErrNoLyrics
	default:
		return nil, fmt.Errorf("lrclib: GET %s returned status %d: %w", getEndpoint, resp.StatusCode, fault.ErrUpstreamUnavailable)
	}

	var gr getResponse
	if err := json.NewDecoder(resp.Body).Decode(&gr); err != nil {
		return nil, fmt.Errorf("lrclib: decode response: %v: %w", err, fault.ErrUpstreamUnavailable)
	}
	if gr.Instrumental {
		return nil, lyricsrc.ErrNoLyrics
	}

	if synced := strings.TrimSpace(gr.SyncedLyrics); synced != "" {
		lines := parseLRC(synced)
		if len(lines) > 0 {
			return &lyricsrc.Record{
				Text:       plainFromLines(lines),
				Lines:      lines,
				Sync:       lyricsrc.SyncSynced,
				Provenance: "professional",
				Source:     p.Name(),
			}, nil
		}
	}
	if plain := strings.TrimSpace(gr.PlainLyrics); plain != "" {
		return &lyricsrc.Record{
			Text:       plain,
			Sync:       lyricsrc.SyncUnsynced,
			Provenance: "professional",
			Source:     p.Name(),
		}, nil
	}
	return nil, lyricsrc.ErrNoLyrics
}

// parseLRC parses "[mm:ss.cc] text" lines. Malformed lines are skipped;
// repeated timestamps on one line ("[00:10.00][00:42.00] chorus") emit one
// entry per timestamp.
func parseLRC(lrc string) []lyricsrc.Line {
	var lines []lyricsrc.Line
	for _, raw := range strings.Split(lrc, "\n") {
		raw = strings.TrimSpace(raw)
		var stamps []int64
		for strings.HasPrefix(raw, "[") {
			end := strings.Index(raw, "]")
			if end < 0 {
				break
			}
			if ms, ok := parseTimestamp(raw[1:end]); ok {
				stamps = append(stamps, ms)
			}
			raw = raw[end+1:]
		}
		text := strings.TrimSpace(raw)
		if text == "" {
			continue
		}
		for _, ms := range stamps {
			lines = append(lines, lyricsrc.Line{TimeMS: ms, Text: text})
		}
	}
	return lines
}

// parseTimestamp parses "mm:ss.cc" (or "mm:ss") into milliseconds. Tags like
// "ar:" or "ti:" fail the parse and are skipped.
func parseTimestamp(s string) (int64, bool) {
	colon := strings.Index(s, ":")
	if colon < 0 {
		return 0, false
	}
	minutes, err := strconv.Atoi(s[:colon])
	if err != nil || minutes < 0 {
		return 0, false
	}
	seconds, err := strconv.ParseFloat(s[colon+1:], 64)
	if err != nil || seconds < 0 || seconds >= 60 {
		return 0, false
	}
	return int64(minutes)*60_000 + int64(seconds*1000), true
}

func plainFromLines(lines []lyricsrc.Line) string {
	parts := make([]string, len(lines))
	for i, l := range lines {
		parts[i] = l.Text
	}
	return strings.Join(parts, "\n")
}

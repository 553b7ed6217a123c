// Package textsite provides a plain-text lyrics source backed by a search
// API of the "query in, candidate list out, text page per candidate" shape.
// It implements the lyricsrc.Provider interface and is the fallback when no
// synchronised lyrics exist.
//
// Search results rarely match the query exactly (remasters, "feat." suffixes,
// karaoke covers), so candidates are ranked by Jaro-Winkler similarity of
// artist and title and the best one must clear a floor before its text page
// is fetched.
package textsite

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/antzucaro/matchr"

	"github.com/MrWong99/cantara/internal/fault"
	"github.com/MrWong99/cantara/pkg/provider/lyricsrc"
)

// Compile-time interface assertion.
var _ lyricsrc.Provider = (*Provider)(nil)

const (
	searchEndpoint = "/search"
	defaultTimeout = 20 * time.Second

	// minSimilarity is the floor the best candidate must clear. Below it the
	// search result is treated as a miss rather than risking the wrong song's
	// lyrics poisoning the score.
	minSimilarity = 0.80

	// maxLyricsBytes bounds the fetched text page.
	maxLyricsBytes = 256 << 10
)

// Option is a functional option for configuring a textsite Provider.
type Option func(*Provider)

// WithTimeout sets the per-request HTTP timeout. Defaults to 20 s.
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

// Provider implements lyricsrc.Provider against a plain-text lyrics search
// service. It is safe for concurrent use.
type Provider struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a Provider targeting the search service at baseURL. baseURL
// must be non-empty.
func New(baseURL string, opts ...Option) (*Provider, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("textsite: baseURL must not be empty")
	}
	p := &Provider{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Name implements lyricsrc.Provider.
func (p *Provider) Name() string { return "textsite" }

// searchResult is one candidate from GET /search.
type searchResult struct {
	Artist string `json:"artist"`
	Title  string `json:"title"`
	URL    string `json:"url"`
}

// Lookup implements lyricsrc.Provider.
func (p *Provider) Lookup(ctx context.Context, q lyricsrc.Query) (*lyricsrc.Record, error) {
	if q.Artist == "" || q.Title == "" {
		return nil, fmt.Errorf("textsite: artist and title are required: %w", fault.ErrValidation)
	}

	candidates, err := p.search(ctx, q)
	if err != nil {
		return nil, err
	}

	best, score := rank(q, candidates)
	if best == nil || score < minSimilarity {
		return nil, lyricsrc.ErrNoLyrics
	}

	text, err := p.fetchText(ctx, best.URL)
	if err != nil {
		return nil, err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, lyricsrc.ErrNoLyrics
	}

	return &lyricsrc.Record{
		Text:       text,
		Sync:       lyricsrc.SyncUnsynced,
		Provenance: "generated",
		Source:     p.Name(),
	}, nil
}

// search runs the candidate query.
func (p *Provider) search(ctx context.Context, q lyricsrc.Query) ([]searchResult, error) {
	params := url.Values{}
	params.Set("q", strings.TrimSpace(q.Artist+" "+q.Title))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+searchEndpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("textsite: create search request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("textsite: GET %s: %v: %w", searchEndpoint, err, fault.ErrUpstreamUnavailable)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		// fall through
	case resp.StatusCode == http.StatusNotFound:
		return nil, lyricsrc.ErrNoLyrics
	default:
		return nil, fmt.Errorf("textsite: GET %s returned status %d: %w", searchEndpoint, resp.StatusCode, fault.ErrUpstreamUnavailable)
	}

	var results []searchResult
	if err := json.NewDecoder(resp.Body).Decode(&results); err != nil {
		return nil, fmt.Errorf("textsite: decode search response: %v: %w", err, fault.ErrUpstreamUnavailable)
	}
	return results, nil
}

// fetchText retrieves the lyrics text page for a candidate. Relative URLs are
// resolved against the service base.
func (p *Provider) fetchText(ctx context.Context, u string) (string, error) {
	if strings.HasPrefix(u, "/") {
		u = p.baseURL + u
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", fmt.Errorf("textsite: create text request: %w", err)
	}
	req.Header.Set("Accept", "text/plain")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("textsite: GET %s: %v: %w", u, err, fault.ErrUpstreamUnavailable)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("textsite: GET %s returned status %d: %w", u, resp.StatusCode, fault.ErrUpstreamUnavailable)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxLyricsBytes))
	if err != nil {
		return "", fmt.Errorf("textsite: read text page: %v: %w", err, fault.ErrUpstreamUnavailable)
	}
	return string(body), nil
}

// rank scores every candidate against the query and returns the best one.
// Artist and title similarities are averaged; a missing artist on the
// candidate side only scores on the title.
func rank(q lyricsrc.Query, candidates []searchResult) (*searchResult, float64) {
	var (
		best      *searchResult
		bestScore float64
	)
	for i := range candidates {
		c := &candidates[i]
		if c.URL == "" {
			continue
		}
		score := similarity(q.Title, c.Title)
		if c.Artist != "" {
			score = (score + similarity(q.Artist, c.Artist)) / 2
		}
		if score > bestScore {
			best = c
			bestScore = score
		}
	}
	return best, bestScore
}

// similarity is a normalised Jaro-Winkler comparison.
func similarity(a, b string) float64 {
	a = normalise(a)
	b = normalise(b)
	if a == "" || b == "" {
		return 0
	}
	return matchr.JaroWinkler(a, b, true)
}

// normalise lowercases and strips featuring/remaster noise so "Je te promets
// (Remasterisé 2003)" still matches.
func normalise(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, marker := range []string{"(feat", "(remaster", "(live", "(karaoke", "[", "-"} {
		if idx := strings.Index(s, marker); idx > 0 {
			s = strings.TrimSpace(s[:idx])
		}
	}
	return s
}

// Package crepe provides a pitch-extraction provider backed by a CREPE HTTP
// service. It implements the pitch.Provider interface.
//
// The service exposes POST /extract_pitch: a multipart upload of the WAV
// stem plus a "mode" form field, answered with the raw NPZ artifact. The
// response is validated structurally before it is handed to the caller, so a
// half-written artifact from a crashing backend never reaches the blob store.
//
// Typical usage:
//
//	p, err := crepe.New("http://localhost:8232")
//	npz, err := p.Extract(ctx, vocalsWAV, pitch.ModeAccurate)
package crepe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/MrWong99/cantara/internal/analysis"
	"github.com/MrWong99/cantara/internal/fault"
	"github.com/MrWong99/cantara/pkg/provider/pitch"
)

// Compile-time interface assertion.
var _ pitch.Provider = (*Provider)(nil)

const (
	extractEndpoint = "/extract_pitch"
	defaultTimeout  = 3 * time.Minute
)

// Option is a functional option for configuring a crepe Provider.
type Option func(*Provider)

// WithTimeout sets the per-request HTTP timeout. Defaults to 3 min.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		p.httpClient.Timeout = d
	}
}

// WithHTTPClient replaces the HTTP client entirely, e.g. to share a transport.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = c
	}
}

// Provider implements pitch.Provider against a CREPE HTTP service.
// It is safe for concurrent use.
type Provider struct {
	serverURL  string
	httpClient *http.Client
}

// New creates a Provider targeting the pitch service at serverURL
// (e.g., "http://localhost:8232"). serverURL must be non-empty.
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("crepe: serverURL must not be empty")
	}
	p := &Provider{
		serverURL: strings.TrimRight(serverURL, "/"),
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Extract implements pitch.Provider.
func (p *Provider) Extract(ctx context.Context, wav []byte, mode pitch.Mode) ([]byte, error) {
	if len(wav) == 0 {
		return nil, fmt.Errorf("crepe: empty audio input: %w", fault.ErrValidation)
	}
	if mode == "" {
		mode = pitch.ModeFast
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("audio", "vocals.wav")
	if err != nil {
		return nil, fmt.Errorf("crepe: create form file: %w", err)
	}
	if _, err := fw.Write(wav); err != nil {
		return nil, fmt.Errorf("crepe: write form file: %w", err)
	}
	if err := mw.WriteField("mode", string(mode)); err != nil {
		return nil, fmt.Errorf("crepe: write mode field: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("crepe: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+extractEndpoint, &body)
	if err != nil {
		return nil, fmt.Errorf("crepe: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Accept", "application/octet-stream")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("crepe: POST %s: %v: %w", extractEndpoint, err, fault.ErrUpstreamUnavailable)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		// fall through
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("crepe: input rejected (%d): %s: %w", resp.StatusCode, strings.TrimSpace(string(detail)), fault.ErrValidation)
	default:
		return nil, fmt.Errorf("crepe: POST %s returned status %d: %w", extractEndpoint, resp.StatusCode, fault.ErrUpstreamUnavailable)
	}

	npz, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("crepe: read response: %v: %w", err, fault.ErrUpstreamUnavailable)
	}
	if err := analysis.ValidateContourNPZ(npz); err != nil {
		return nil, fmt.Errorf("crepe: backend returned broken artifact: %w", err)
	}
	return npz, nil
}

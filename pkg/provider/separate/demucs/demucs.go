// Package demucs provides a source-separation provider backed by a Demucs
// HTTP service. It implements the separate.Provider interface.
//
// The service exposes POST /separate: a multipart upload of the mixed audio
// file, answered with a JSON body carrying both stems base64-encoded. Stem
// splitting a full-length song takes tens of seconds on a GPU and several
// minutes on CPU, so the default request timeout is generous.
//
// Typical usage:
//
//	p, err := demucs.New("http://localhost:8231",
//	    demucs.WithTimeout(4*time.Minute),
//	)
//	stems, err := p.Separate(ctx, audio, "user_recording.webm")
package demucs

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/MrWong99/cantara/internal/fault"
	"github.com/MrWong99/cantara/pkg/provider/separate"
)

// Compile-time interface assertion.
var _ separate.Provider = (*Provider)(nil)

const (
	separateEndpoint = "/separate"
	defaultTimeout   = 5 * time.Minute
)

// Option is a functional option for configuring a demucs Provider.
type Option func(*Provider)

// WithTimeout sets the per-request HTTP timeout. Separation of a full song is
// slow; the default is 5 min.
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

// WithModel requests a specific separation model from the service (e.g.
// "htdemucs", "htdemucs_ft"). Empty lets the service pick its default.
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// Provider implements separate.Provider against a Demucs HTTP service.
// It is safe for concurrent use; multiple Separate calls may run in parallel.
type Provider struct {
	serverURL  string
	model      string
	httpClient *http.Client
}

// New creates a Provider targeting the separation service at serverURL
// (e.g., "http://localhost:8231"). serverURL must be non-empty.
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("demucs: serverURL must not be empty")
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

// separateResponse is the JSON body returned by POST /separate.
type separateResponse struct {
	Vocals        string `json:"vocals"`        // base64 WAV
	Instrumentals string `json:"instrumentals"` // base64 WAV
	Model         string `json:"model,omitempty"`
}

// Separate implements separate.Provider. It uploads the audio as a multipart
// form and decodes the two base64 stems from the JSON response.
func (p *Provider) Separate(ctx context.Context, audio []byte, filename string) (*separate.Stems, error) {
	if len(audio) == 0 {
		return nil, fmt.Errorf("demucs: empty audio input: %w", fault.ErrValidation)
	}
	if filename == "" {
		filename = "input.wav"
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("audio", filename)
	if err != nil {
		return nil, fmt.Errorf("demucs: create form file: %w", err)
	}
	if _, err := fw.Write(audio); err != nil {
		return nil, fmt.Errorf("demucs: write form file: %w", err)
	}
	if p.model != "" {
		if err := mw.WriteField("model", p.model); err != nil {
			return nil, fmt.Errorf("demucs: write model field: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("demucs: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+separateEndpoint, &body)
	if err != nil {
		return nil, fmt.Errorf("demucs: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("demucs: POST %s: %v: %w", separateEndpoint, err, fault.ErrUpstreamUnavailable)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		// fall through to decode
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("demucs: input rejected (%d): %s: %w", resp.StatusCode, strings.TrimSpace(string(detail)), fault.ErrValidation)
	default:
		return nil, fmt.Errorf("demucs: POST %s returned status %d: %w", separateEndpoint, resp.StatusCode, fault.ErrUpstreamUnavailable)
	}

	var sr separateResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return nil, fmt.Errorf("demucs: decode response: %v: %w", err, fault.ErrUpstreamUnavailable)
	}

	vocals, err := base64.StdEncoding.DecodeString(sr.Vocals)
	if err != nil {
		return nil, fmt.Errorf("demucs: decode vocals stem: %v: %w", err, fault.ErrUpstreamUnavailable)
	}
	instrumentals, err := base64.StdEncoding.DecodeString(sr.Instrumentals)
	if err != nil {
		return nil, fmt.Errorf("demucs: decode instrumentals stem: %v: %w", err, fault.ErrUpstreamUnavailable)
	}
	if len(vocals) == 0 || len(instrumentals) == 0 {
		return nil, fmt.Errorf("demucs: response missing stem data: %w", fault.ErrUpstreamUnavailable)
	}

	return &separate.Stems{
		Vocals:        vocals,
		Instrumentals: instrumentals,
		Model:         sr.Model,
	}, nil
}

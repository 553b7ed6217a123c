// Package shared provides a transcription provider backed by a dedicated
// whisper-asr-webservice instance (the "shared" GPU box that also hosts the
// separation and pitch services). It implements the transcribe.Provider
// interface.
//
// The service exposes POST /asr with the audio as a multipart "audio_file"
// field and recognition options as query parameters. With output=json and
// word_timestamps=true it answers segment JSON carrying per-word timing.
//
// Typical usage:
//
//	p, err := shared.New("http://localhost:9000")
//	tr, err := p.Transcribe(ctx, transcribe.Request{WAV: wav, Language: "fr"})
package shared

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MrWong99/cantara/internal/fault"
	"github.com/MrWong99/cantara/pkg/provider/transcribe"
)

// Compile-time interface assertion.
var _ transcribe.Provider = (*Provider)(nil)

// Provenance is the cache-policy tag for results from this backend.
const Provenance = "local_whisper"

const (
	asrEndpoint    = "/asr"
	defaultTimeout = 3 * time.Minute
)

// Option is a functional option for configuring a shared Provider.
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

// Provider implements transcribe.Provider against a whisper-asr-webservice.
// It is safe for concurrent use.
type Provider struct {
	serverURL  string
	httpClient *http.Client
}

// New creates a Provider targeting the ASR service at serverURL
// (e.g., "http://localhost:9000"). serverURL must be non-empty.
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("shared asr: serverURL must not be empty")
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

// Name implements transcribe.Provider.
func (p *Provider) Name() string { return "shared" }

// asrResponse is the JSON body returned by POST /asr with output=json.
type asrResponse struct {
	Text     string       `json:"text"`
	Language string       `json:"language"`
	Segments []asrSegment `json:"segments"`
}

type asrSegment struct {
	Start float64   `json:"start"`
	End   float64   `json:"end"`
	Text  string    `json:"text"`
	Words []asrWord `json:"words"`
}

type asrWord struct {
	Word        string  `json:"word"`
	Start       float64 `json:"start"`
	End         float64 `json:"end"`
	Probability float64 `json:"probability"`
}

// Transcribe implements transcribe.Provider.
func (p *Provider) Transcribe(ctx context.Context, req transcribe.Request) (*transcribe.Transcription, error) {
	if len(req.WAV) == 0 {
		return nil, fmt.Errorf("shared asr: empty audio input: %w", fault.ErrValidation)
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("audio_file", "vocals.wav")
	if err != nil {
		return nil, fmt.Errorf("shared asr: create form file: %w", err)
	}
	if _, err := fw.Write(req.WAV); err != nil {
		return nil, fmt.Errorf("shared asr: write form file: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("shared asr: close multipart writer: %w", err)
	}

	params := url.Values{}
	params.Set("task", "transcribe")
	params.Set("output", "json")
	params.Set("word_timestamps", "true")
	if req.Language != "" {
		params.Set("language", req.Language)
	}
	if req.Prompt != "" {
		params.Set("initial_prompt", req.Prompt)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+asrEndpoint+"?"+params.Encode(), &body)
	if err != nil {
		return nil, fmt.Errorf("shared asr: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())
	httpReq.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("shared asr: POST %s: %v: %w", asrEndpoint, err, fault.ErrUpstreamUnavailable)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		// fall through
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("shared asr: input rejected (%d): %s: %w", resp.StatusCode, strings.TrimSpace(string(detail)), fault.ErrValidation)
	default:
		return nil, fmt.Errorf("shared asr: POST %s returned status %d: %w", asrEndpoint, resp.StatusCode, fault.ErrUpstreamUnavailable)
	}

	var ar asrResponse
	if err := json.NewDecoder(resp.Body).Decode(&ar); err != nil {
		return nil, fmt.Errorf("shared asr: decode response: %v: %w", err, fault.ErrUpstreamUnavailable)
	}

	tr := &transcribe.Transcription{
		Text:       strings.TrimSpace(ar.Text),
		Language:   ar.Language,
		Provenance: Provenance,
	}
	for _, seg := range ar.Segments {
		for _, w := range seg.Words {
			word := strings.TrimSpace(w.Word)
			if word == "" {
				continue
			}
			tr.Words = append(tr.Words, transcribe.Word{
				Word:       word,
				Start:      w.Start,
				End:        w.End,
				Confidence: w.Probability,
			})
		}
	}
	return tr, nil
}

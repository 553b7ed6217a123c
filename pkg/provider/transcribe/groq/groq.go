// Package groq provides a transcription provider backed by Groq's hosted
// Whisper deployment via its OpenAI-compatible API. It implements the
// transcribe.Provider interface.
//
// Groq answers verbose JSON with word-level timestamps, so results carry the
// same timing detail as the local whisper service. The provenance tag
// "groq_whisper" gives these results a shorter cache TTL than professional
// sources.
//
// Typical usage:
//
//	p, err := groq.New(os.Getenv("GROQ_API_KEY"))
//	tr, err := p.Transcribe(ctx, transcribe.Request{WAV: wav, Language: "fr"})
package groq

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/MrWong99/cantara/internal/fault"
	"github.com/MrWong99/cantara/pkg/provider/transcribe"
)

// Compile-time interface assertion.
var _ transcribe.Provider = (*Provider)(nil)

// Provenance is the cache-policy tag for results from this backend.
const Provenance = "groq_whisper"

// DefaultModel is the Whisper deployment Groq serves.
const DefaultModel = "whisper-large-v3"

const (
	defaultBaseURL = "https://api.groq.com/openai/v1"
	defaultTimeout = 2 * time.Minute
)

// config holds optional configuration for the provider.
type config struct {
	baseURL string
	model   string
	timeout time.Duration
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the Groq API base URL, e.g. for a proxy.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithModel overrides the Whisper model name.
func WithModel(model string) Option {
	return func(c *config) {
		c.model = model
	}
}

// WithTimeout sets a per-request HTTP timeout. Defaults to 2 min.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// Provider implements transcribe.Provider using Groq's OpenAI-compatible API.
type Provider struct {
	client oai.Client
	model  string
}

// New constructs a Groq transcription Provider. apiKey must not be empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("groq: apiKey must not be empty")
	}

	cfg := &config{
		baseURL: defaultBaseURL,
		model:   DefaultModel,
		timeout: defaultTimeout,
	}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithBaseURL(cfg.baseURL),
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}

	return &Provider{
		client: oai.NewClient(reqOpts...),
		model:  cfg.model,
	}, nil
}

// Name implements transcribe.Provider.
func (p *Provider) Name() string { return "groq" }

// verboseTranscription mirrors the verbose_json response shape. The SDK's
// default return type covers the plain json format only, so the body is
// decoded into this struct instead.
type verboseTranscription struct {
	Text     string  `json:"text"`
	Language string  `json:"language"`
	Duration float64 `json:"duration"`
	Words    []struct {
		Word  string  `json:"word"`
		Start float64 `json:"start"`
		End   float64 `json:"end"`
	} `json:"words"`
	Segments []struct {
		Start float64 `json:"start"`
		End   float64 `json:"end"`
		Text  string  `json:"text"`
	} `json:"segments"`
}

// Transcribe implements transcribe.Provider.
func (p *Provider) Transcribe(ctx context.Context, req transcribe.Request) (*transcribe.Transcription, error) {
	if len(req.WAV) == 0 {
		return nil, fmt.Errorf("groq: empty audio input: %w", fault.ErrValidation)
	}

	params := oai.AudioTranscriptionNewParams{
		File:                   oai.File(bytes.NewReader(req.WAV), "vocals.wav", "audio/wav"),
		Model:                  p.model,
		ResponseFormat:         oai.AudioResponseFormatVerboseJSON,
		TimestampGranularities: []string{"word", "segment"},
	}
	if req.Language != "" {
		params.Language = param.NewOpt(req.Language)
	}
	if req.Prompt != "" {
		params.Prompt = param.NewOpt(req.Prompt)
	}

	var verbose verboseTranscription
	_, err := p.client.Audio.Transcriptions.New(ctx, params, option.WithResponseBodyInto(&verbose))
	if err != nil {
		return nil, fmt.Errorf("groq: transcription: %v: %w", err, fault.ErrUpstreamUnavailable)
	}

	tr := &transcribe.Transcription{
		Text:       strings.TrimSpace(verbose.Text),
		Language:   verbose.Language,
		Provenance: Provenance,
		Model:      p.model,
	}
	for _, w := range verbose.Words {
		word := strings.TrimSpace(w.Word)
		if word == "" {
			continue
		}
		tr.Words = append(tr.Words, transcribe.Word{
			Word:  word,
			Start: w.Start,
			End:   w.End,
		})
	}
	return tr, nil
}

// Package native provides an in-process transcription provider backed by the
// whisper.cpp CGO bindings. It implements the transcribe.Provider interface.
//
// The whisper.cpp static library (libwhisper.a) and headers (whisper.h) must
// be available at link time via LIBRARY_PATH and C_INCLUDE_PATH environment
// variables. The model file is loaded once at startup and shared across all
// calls. This tier is disabled unless a model path is configured; it exists as
// the last resort when both network tiers are down.
package native

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/MrWong99/cantara/internal/analysis"
	"github.com/MrWong99/cantara/internal/fault"
	"github.com/MrWong99/cantara/pkg/provider/transcribe"
)

// Compile-time interface assertion.
var _ transcribe.Provider = (*Provider)(nil)

// Provenance is the cache-policy tag for results from this backend.
const Provenance = "local_whisper"

// whisperSampleRate is the fixed input rate whisper.cpp expects.
const whisperSampleRate = 16000

// defaultLanguage is used when neither the request nor the provider sets one.
const defaultLanguage = "fr"

// Option is a functional option for configuring a native Provider.
type Option func(*Provider)

// WithLanguage sets the default ISO 639-1 language code for transcription.
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// Provider implements transcribe.Provider using whisper.cpp Go bindings.
// The model is shared; each Transcribe call creates its own whisper context,
// so concurrent calls do not interfere.
type Provider struct {
	model    whisperlib.Model
	language string

	closeOnce sync.Once
	closeErr  error
}

// New creates a Provider that loads the whisper.cpp model from the given file
// path. The caller must call Close when the provider is no longer needed.
func New(modelPath string, opts ...Option) (*Provider, error) {
	if modelPath == "" {
		return nil, errors.New("native whisper: modelPath must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("native whisper: load model %q: %w", modelPath, err)
	}

	p := &Provider{
		model:    model,
		language: defaultLanguage,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Close releases the whisper model. Safe to call more than once.
func (p *Provider) Close() error {
	p.closeOnce.Do(func() {
		if p.model != nil {
			p.closeErr = p.model.Close()
		}
	})
	return p.closeErr
}

// Name implements transcribe.Provider.
func (p *Provider) Name() string { return "native" }

// Transcribe implements transcribe.Provider. The WAV input is decoded,
// downmixed to mono, and resampled to 16 kHz before inference.
func (p *Provider) Transcribe(ctx context.Context, req transcribe.Request) (*transcribe.Transcription, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("native whisper: context already cancelled: %w", err)
	}

	samples, err := p.prepareSamples(req.WAV)
	if err != nil {
		return nil, err
	}

	lang := req.Language
	if lang == "" {
		lang = p.language
	}

	// Each context is NOT thread-safe, but the model can be shared.
	wctx, err := p.model.NewContext()
	if err != nil {
		return nil, fmt.Errorf("native whisper: create context: %w", err)
	}
	if err := wctx.SetLanguage(lang); err != nil {
		return nil, fmt.Errorf("native whisper: set language %q: %w", lang, err)
	}

	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return nil, fmt.Errorf("native whisper: process audio: %w", err)
	}

	tr := &transcribe.Transcription{
		Language:   lang,
		Provenance: Provenance,
		Model:      "whisper.cpp",
	}
	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("native whisper: read segment: %w", err)
		}
		text := strings.TrimSpace(segment.Text)
		if text == "" {
			continue
		}
		parts = append(parts, text)
		tr.Words = append(tr.Words, segmentWords(text, segment.Start.Seconds(), segment.End.Seconds())...)
	}
	tr.Text = strings.Join(parts, " ")
	return tr, nil
}

// prepareSamples decodes the WAV input into the float32 mono 16 kHz form
// whisper.cpp expects.
func (p *Provider) prepareSamples(wav []byte) ([]float32, error) {
	if len(wav) == 0 {
		return nil, fmt.Errorf("native whisper: empty audio input: %w", fault.ErrValidation)
	}
	mono, rate, err := analysis.DecodeWAV(wav)
	if err != nil {
		return nil, fmt.Errorf("native whisper: decode input: %v: %w", err, fault.ErrValidation)
	}
	mono = analysis.Resample(mono, rate, whisperSampleRate)

	samples := make([]float32, len(mono))
	for i, s := range mono {
		samples[i] = float32(s)
	}
	return samples, nil
}

// segmentWords distributes a segment's duration evenly across its words.
// whisper.cpp reports timing per segment, not per word, so word offsets are
// an interpolation.
func segmentWords(text string, start, end float64) []transcribe.Word {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return nil
	}
	step := (end - start) / float64(len(fields))
	words := make([]transcribe.Word, len(fields))
	for i, f := range fields {
		words[i] = transcribe.Word{
			Word:  f,
			Start: start + float64(i)*step,
			End:   start + float64(i+1)*step,
		}
	}
	return words
}
